package vfile

import "math/bits"

// allocator hands out physical blocks of a scratch file. Its bitmap is
// rebuilt by collect before every top-level edit; a set bit is a free block.
// Blocks past the bitmap are always free, and allocating one grows the file.
type allocator struct {
	geo   geometry
	free  []uint64
	limit uint32 // bitmap covers [0, limit)
	eof   uint32 // first block past the end of the file

	allocated int64
	grown     int64
}

func newAllocator(geo geometry, fileBlocks uint32) *allocator {
	a := &allocator{geo: geo, eof: fileBlocks}
	if reserved := uint32(geo.reservedBlocks()); a.eof < reserved {
		a.eof = reserved
	}
	return a
}

// collect rebuilds the free-space bitmap over the current file length. Every
// block reachable from one of the roots is in use, as are the header
// regions; everything else is a hole. Nothing is moved. The cache must be
// flushed first so that no live content exists only in memory.
func (a *allocator) collect(roots ...[]uint32) {
	a.limit = a.eof
	words := int(a.limit+63) / 64
	if cap(a.free) >= words {
		a.free = a.free[:words]
	} else {
		a.free = make([]uint64, words)
	}
	for i := range a.free {
		a.free[i] = ^uint64(0)
	}
	if tail := a.limit % 64; tail != 0 {
		a.free[words-1] = (uint64(1) << tail) - 1
	}

	for p := 0; p < a.geo.reservedBlocks(); p++ {
		a.markUsed(uint32(p))
	}
	for _, root := range roots {
		for _, p := range root {
			if p != 0 {
				a.markUsed(p)
			}
		}
	}
}

func (a *allocator) markUsed(p uint32) {
	if p < a.limit {
		a.free[p/64] &^= 1 << (p % 64)
	}
}

// allocate returns the first free block from the front of the file, or the
// block at end of file when the bitmap has no holes left.
func (a *allocator) allocate() uint32 {
	a.allocated++
	for i, w := range a.free {
		if w == 0 {
			continue
		}
		bit := uint32(bits.TrailingZeros64(w))
		a.free[i] &^= 1 << bit
		return uint32(i)*64 + bit
	}
	a.grown++
	p := a.eof
	a.eof++
	return p
}

// freeBlocks counts the holes currently known to the bitmap.
func (a *allocator) freeBlocks() int {
	n := 0
	for _, w := range a.free {
		n += bits.OnesCount64(w)
	}
	return n
}
