package vfile

import (
	"encoding/binary"
	"math"
	"sort"
)

// unusedBlock is the line index sentinel for logical blocks past the end of
// the chain.
const unusedBlock = math.MaxInt

// headerEntrySize is the on-disk width of one physical block number.
const headerEntrySize = 4

// BlockState distinguishes a block that never had physical space from one
// that was written and later emptied.
type BlockState int

const (
	// Unallocated means the block has never been written and holds no text.
	Unallocated BlockState = iota

	// AllocatedEmpty means the block has physical space but holds no text.
	AllocatedEmpty

	// AllocatedNonEmpty means the block has physical space and holds text.
	AllocatedNonEmpty
)

// geometry describes the fixed layout of a scratch file.
//
//	[0, H)    live header, written by flushAll
//	[H, 2H)   undo target header, written when a top-level edit begins
//	[2H, ...) content blocks
type geometry struct {
	blockSize    int
	maxBlocks    int
	headerBlocks int
}

func newGeometry(blockSize, maxBlocks int) geometry {
	bytes := maxBlocks * headerEntrySize
	return geometry{
		blockSize:    blockSize,
		maxBlocks:    maxBlocks,
		headerBlocks: (bytes + blockSize - 1) / blockSize,
	}
}

// capacity is the number of text bytes a block can hold.
func (g geometry) capacity() int {
	return g.blockSize - 1
}

func (g geometry) liveHeaderOffset() int64 {
	return 0
}

func (g geometry) undoHeaderOffset() int64 {
	return int64(g.headerBlocks) * int64(g.blockSize)
}

func (g geometry) headerBytes() int {
	return g.headerBlocks * g.blockSize
}

// reservedBlocks is the number of physical blocks taken by the two header regions.
func (g geometry) reservedBlocks() int {
	return 2 * g.headerBlocks
}

func (g geometry) blockOffset(phys uint32) int64 {
	return int64(phys) * int64(g.blockSize)
}

// header is the logical-to-physical block map plus the cumulative line index.
type header struct {
	phys  []uint32 // phys[0] is unused; 0 means never allocated
	lnum  []int    // lnum[i] = newlines through the end of logical block i
	dirty bool
}

func newHeader(maxBlocks int) *header {
	h := &header{
		phys: make([]uint32, maxBlocks+1),
		lnum: make([]int, maxBlocks+1),
	}
	for i := 1; i <= maxBlocks; i++ {
		h.lnum[i] = unusedBlock
	}
	return h
}

// maxBlocks is the number of logical blocks the header can map.
func (h *header) maxBlocks() int {
	return len(h.phys) - 1
}

// nblocks returns the number of logical blocks in the chain.
func (h *header) nblocks() int {
	max := h.maxBlocks()
	return sort.Search(max, func(i int) bool { return h.lnum[i+1] == unusedBlock })
}

// lineCount returns the number of lines in the document.
func (h *header) lineCount() int {
	return h.lnum[h.nblocks()]
}

// linesIn returns the number of newlines stored in logical block i.
func (h *header) linesIn(i int) int {
	return h.lnum[i] - h.lnum[i-1]
}

// blockOfNewline returns the logical block holding the k-th newline (k >= 1).
func (h *header) blockOfNewline(k int) int {
	n := h.nblocks()
	return 1 + sort.Search(n, func(i int) bool { return h.lnum[i+1] >= k })
}

// state reports the state of logical block i when it holds length bytes. A
// block holding text counts as allocated before its first write, since the
// next flush gives it space.
func (h *header) state(i, length int) BlockState {
	switch {
	case length > 0:
		return AllocatedNonEmpty
	case h.phys[i] == 0:
		return Unallocated
	default:
		return AllocatedEmpty
	}
}

// insertAt opens an empty block at logical position i, shifting i.. up.
func (h *header) insertAt(i int) {
	n := h.nblocks()
	copy(h.phys[i+1:n+2], h.phys[i:n+1])
	copy(h.lnum[i+1:n+2], h.lnum[i:n+1])
	h.phys[i] = 0
	h.lnum[i] = h.lnum[i-1]
	h.dirty = true
}

// removeAt closes logical block i, which must hold no newlines.
func (h *header) removeAt(i int) {
	n := h.nblocks()
	copy(h.phys[i:n], h.phys[i+1:n+1])
	copy(h.lnum[i:n], h.lnum[i+1:n+1])
	h.phys[n] = 0
	h.lnum[n] = unusedBlock
	h.dirty = true
}

// addLines adds delta to the line index from logical block i onward.
func (h *header) addLines(i, delta int) {
	if delta == 0 {
		return
	}
	n := h.nblocks()
	for j := i; j <= n; j++ {
		h.lnum[j] += delta
	}
}

// clone returns a deep copy of the header.
func (h *header) clone() *header {
	c := &header{
		phys:  make([]uint32, len(h.phys)),
		lnum:  make([]int, len(h.lnum)),
		dirty: h.dirty,
	}
	copy(c.phys, h.phys)
	copy(c.lnum, h.lnum)
	return c
}

// encodePhys serializes a physical map into a header region.
func encodePhys(g geometry, phys []uint32) []byte {
	buf := make([]byte, g.headerBytes())
	for i := 1; i < len(phys); i++ {
		binary.LittleEndian.PutUint32(buf[(i-1)*headerEntrySize:], phys[i])
	}
	return buf
}

// decodePhys deserializes a header region into a physical map.
func decodePhys(g geometry, buf []byte) []uint32 {
	phys := make([]uint32, g.maxBlocks+1)
	for i := 1; i <= g.maxBlocks; i++ {
		off := (i - 1) * headerEntrySize
		if off+headerEntrySize > len(buf) {
			break
		}
		phys[i] = binary.LittleEndian.Uint32(buf[off:])
	}
	return phys
}
