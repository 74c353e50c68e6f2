package vfile

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"
)

// slot is one resident block buffer. A slot with logical 0 is free.
type slot struct {
	buf     []byte // blockSize bytes, NUL padded
	n       int    // content length
	logical int
	dirty   bool
	stamp   uint64 // bumped whenever the slot changes identity
}

// blockHandle refers to a resident block. It goes stale as soon as its slot
// is evicted, discarded or reloaded.
type blockHandle struct {
	slot  int
	stamp uint64
}

// pinSet holds the two most recently fetched slots. Pinned slots are never
// chosen for eviction, so an operation may hold two adjacent blocks at once.
type pinSet struct {
	slots [2]int
}

func newPinSet() pinSet {
	return pinSet{slots: [2]int{-1, -1}}
}

// touch makes s the most recent pin.
func (p *pinSet) touch(s int) {
	if p.slots[0] == s {
		return
	}
	p.slots[1] = p.slots[0]
	p.slots[0] = s
}

func (p *pinSet) contains(s int) bool {
	return p.slots[0] == s || p.slots[1] == s
}

func (p *pinSet) drop(s int) {
	if p.slots[0] == s {
		p.slots[0] = p.slots[1]
		p.slots[1] = -1
	} else if p.slots[1] == s {
		p.slots[1] = -1
	}
}

// cacheCounters accumulates cache activity for Stats.
type cacheCounters struct {
	hits        int64
	misses      int64
	evictions   int64
	flushes     int64
	writeErrors int64
	shortReads  int64
	emptied     int64 // written blocks removed after losing their text
	discarded   int64 // blocks removed before their first write
}

// blockCache is the bounded resident set of decoded blocks over a scratch
// file. Logical block 0 is the header, which is permanently resident as hdr.
type blockCache struct {
	geo   geometry
	fs    FileSystemInterface
	file  FileHandle
	hdr   *header
	alloc *allocator
	log   *zap.Logger

	slots []*slot
	pins  pinSet
	next  int // round-robin eviction cursor
	stamp uint64

	counters     cacheCounters
	nearCapacity bool

	// onReload is called whenever a slot changes identity.
	onReload func()
	// onDegraded is called when a block read or write fails without being fatal.
	onDegraded func(err error)
}

func newBlockCache(geo geometry, fsys FileSystemInterface, file FileHandle, hdr *header, alloc *allocator, nslots int, log *zap.Logger) *blockCache {
	c := &blockCache{
		geo:   geo,
		fs:    fsys,
		file:  file,
		hdr:   hdr,
		alloc: alloc,
		log:   log,
		slots: make([]*slot, nslots),
		pins:  newPinSet(),
		next:  -1,
	}
	for i := range c.slots {
		c.slots[i] = &slot{buf: make([]byte, geo.blockSize)}
	}
	return c
}

// get resolves a handle, panicking if it is stale. Holding a handle across an
// eviction is a programming error.
func (c *blockCache) get(h blockHandle) *slot {
	if h.slot < 0 || h.slot >= len(c.slots) {
		panic(fmt.Sprintf("vfile: %v: slot %d", ErrStaleHandle, h.slot))
	}
	s := c.slots[h.slot]
	if s.stamp != h.stamp || s.logical == 0 {
		panic(fmt.Sprintf("vfile: %v: slot %d", ErrStaleHandle, h.slot))
	}
	return s
}

// content returns the text held by the block.
func (c *blockCache) content(h blockHandle) []byte {
	s := c.get(h)
	return s.buf[:s.n]
}

// logical returns the logical block number the handle currently represents.
func (c *blockCache) logical(h blockHandle) int {
	return c.get(h).logical
}

// setContent replaces the block's text in place and zero pads the rest of
// the buffer. The caller must follow with markDirty.
func (c *blockCache) setContent(h blockHandle, data []byte) {
	s := c.get(h)
	if len(data) > c.geo.capacity() {
		panic(fmt.Sprintf("vfile: block overflow: %d > %d", len(data), c.geo.capacity()))
	}
	n := copy(s.buf, data)
	clear(s.buf[n:])
	s.n = n
}

// storeByte overwrites one byte of the block in place.
func (c *blockCache) storeByte(h blockHandle, off int, b byte) {
	s := c.get(h)
	s.buf[off] = b
	s.dirty = true
}

// fetch returns a handle to the given logical block, loading it on a miss.
func (c *blockCache) fetch(logical int) (blockHandle, error) {
	if logical < 1 || logical > c.geo.maxBlocks {
		panic(fmt.Sprintf("vfile: fetch of logical block %d", logical))
	}
	for i, s := range c.slots {
		if s.logical == logical {
			c.counters.hits++
			c.pins.touch(i)
			return blockHandle{slot: i, stamp: s.stamp}, nil
		}
	}

	c.counters.misses++
	i, err := c.victim()
	if err != nil {
		return blockHandle{}, err
	}
	s := c.slots[i]
	c.load(s, logical)
	c.pins.touch(i)
	return blockHandle{slot: i, stamp: s.stamp}, nil
}

// victim advances the round-robin cursor to a slot that is not pinned and
// can be reused, flushing it if dirty. A slot whose write fails stays
// resident and the next candidate is tried.
func (c *blockCache) victim() (int, error) {
	var lastErr error
	for tries := 0; tries < len(c.slots); tries++ {
		c.next = (c.next + 1) % len(c.slots)
		if c.pins.contains(c.next) {
			continue
		}
		s := c.slots[c.next]
		if s.logical != 0 && s.dirty {
			if err := c.writeSlot(s); err != nil {
				lastErr = err
				continue
			}
		}
		if s.logical != 0 {
			c.counters.evictions++
			c.log.Debug("evicting block",
				zap.Int("slot", c.next),
				zap.Int("logical", s.logical))
		}
		return c.next, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no evictable cache slot", ErrDegradedIO)
	}
	return 0, lastErr
}

// load gives the slot a new identity and reads the block's content.
func (c *blockCache) load(s *slot, logical int) {
	c.stamp++
	s.stamp = c.stamp
	s.logical = logical
	s.dirty = false
	clear(s.buf)
	s.n = 0
	if c.onReload != nil {
		c.onReload()
	}

	if logical > c.hdr.nblocks() || c.hdr.state(logical, 0) == Unallocated {
		return
	}
	phys := c.hdr.phys[logical]

	n, err := c.fs.ReadAt(c.file, s.buf, c.geo.blockOffset(phys))
	if err != nil || n < len(s.buf) {
		c.counters.shortReads++
		rerr := fmt.Errorf("%w: read of block %d returned %d bytes: %v", ErrDegradedIO, phys, n, err)
		c.log.Warn("short block read",
			zap.Int("logical", logical),
			zap.Uint32("physical", phys),
			zap.Int("bytes", n),
			zap.Error(err))
		if c.onDegraded != nil {
			c.onDegraded(rerr)
		}
	}
	s.buf[len(s.buf)-1] = 0
	s.n = contentLength(s.buf)
}

// contentLength is the length of the NUL-terminated text in buf.
func contentLength(buf []byte) int {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return i
	}
	return len(buf)
}

// writeSlot writes a dirty slot to a freshly allocated physical block. Old
// physical blocks are never overwritten, so the undo snapshot and cut
// buffers can keep referring to them.
func (c *blockCache) writeSlot(s *slot) error {
	phys := c.alloc.allocate()
	if err := c.fs.WriteAt(c.file, s.buf, c.geo.blockOffset(phys)); err != nil {
		c.counters.writeErrors++
		werr := fmt.Errorf("%w: write of block %d: %v", ErrDegradedIO, phys, err)
		c.log.Warn("block write failed",
			zap.Int("logical", s.logical),
			zap.Uint32("physical", phys),
			zap.Error(err))
		if c.onDegraded != nil {
			c.onDegraded(werr)
		}
		return werr
	}
	c.counters.flushes++
	c.hdr.phys[s.logical] = phys
	c.hdr.dirty = true
	s.dirty = false
	return nil
}

// markDirty records that the slot's buffer was changed in place. It keeps
// the line index correct and removes the block from the chain when it
// became empty. It reports whether the block is gone.
func (c *blockCache) markDirty(h blockHandle) bool {
	i := h.slot
	s := c.get(h)
	s.n = contentLength(s.buf)
	if c.onReload != nil {
		c.onReload()
	}

	s.dirty = true
	count := bytes.Count(s.buf[:s.n], []byte{'\n'})
	c.hdr.addLines(s.logical, count-c.hdr.linesIn(s.logical))

	switch c.hdr.state(s.logical, s.n) {
	case AllocatedNonEmpty:
		return false
	case AllocatedEmpty:
		// Its physical block is left for the collector.
		c.counters.emptied++
	case Unallocated:
		c.counters.discarded++
	}

	removed := s.logical
	c.hdr.removeAt(removed)
	c.release(i)
	for _, other := range c.slots {
		if other.logical > removed {
			other.logical--
		}
	}
	return true
}

// insertBlock opens a new empty logical block before the given one and
// returns a handle to it.
func (c *blockCache) insertBlock(before int) (blockHandle, error) {
	n := c.hdr.nblocks()
	if n >= c.geo.maxBlocks {
		return blockHandle{}, fmt.Errorf("%w: %d blocks in use", ErrCapacityExceeded, n)
	}
	if before < 1 || before > n+1 {
		panic(fmt.Sprintf("vfile: insert before block %d of %d", before, n))
	}
	if !c.nearCapacity && (n+1)*10 >= c.geo.maxBlocks*9 {
		c.nearCapacity = true
		c.log.Warn("document is nearing the logical block limit",
			zap.Int("blocks", n+1),
			zap.Int("limit", c.geo.maxBlocks))
	}

	c.hdr.insertAt(before)
	for _, s := range c.slots {
		if s.logical >= before {
			s.logical++
		}
	}
	return c.fetch(before)
}

// dropBlock removes a whole logical block from the chain without loading it.
func (c *blockCache) dropBlock(logical int) {
	c.hdr.addLines(logical, -c.hdr.linesIn(logical))
	c.hdr.removeAt(logical)
	for i, s := range c.slots {
		switch {
		case s.logical == logical:
			c.release(i)
		case s.logical > logical:
			s.logical--
		}
	}
	if c.onReload != nil {
		c.onReload()
	}
}

// release frees a slot without writing it.
func (c *blockCache) release(i int) {
	s := c.slots[i]
	c.stamp++
	s.stamp = c.stamp
	s.logical = 0
	s.dirty = false
	s.n = 0
	clear(s.buf)
	c.pins.drop(i)
}

// flushAll writes every dirty slot and then the live header. Block write
// failures are reported through onDegraded and leave the slot dirty; only a
// header write failure is returned.
func (c *blockCache) flushAll() error {
	for _, s := range c.slots {
		if s.logical != 0 && s.dirty {
			_ = c.writeSlot(s)
		}
	}
	return c.writeHeader()
}

// writeHeader persists the physical map to the live header region.
func (c *blockCache) writeHeader() error {
	if !c.hdr.dirty {
		return nil
	}
	buf := encodePhys(c.geo, c.hdr.phys)
	if err := c.fs.WriteAt(c.file, buf, c.geo.liveHeaderOffset()); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrFatalIO, err)
	}
	c.hdr.dirty = false
	return nil
}

// dirtySlots counts resident slots that need writing.
func (c *blockCache) dirtySlots() int {
	n := 0
	for _, s := range c.slots {
		if s.logical != 0 && s.dirty {
			n++
		}
	}
	return n
}

// discardAll drops every resident slot without writing it.
func (c *blockCache) discardAll() {
	for i := range c.slots {
		c.release(i)
	}
	c.pins = newPinSet()
	if c.onReload != nil {
		c.onReload()
	}
}

// cacheImage is a pre-image of the header and the resident set, used to
// roll back a primitive edit that fails or is cancelled part way.
type cacheImage struct {
	hdr   *header
	slots []slot
	pins  pinSet
	next  int
}

func (c *blockCache) checkpoint() *cacheImage {
	img := &cacheImage{
		hdr:   c.hdr.clone(),
		slots: make([]slot, len(c.slots)),
		pins:  c.pins,
		next:  c.next,
	}
	for i, s := range c.slots {
		img.slots[i] = *s
		img.slots[i].buf = bytes.Clone(s.buf)
	}
	return img
}

// restore reinstates a checkpoint. Every slot gets a new stamp, so handles
// taken during the failed operation go stale.
func (c *blockCache) restore(img *cacheImage) {
	copy(c.hdr.phys, img.hdr.phys)
	copy(c.hdr.lnum, img.hdr.lnum)
	c.hdr.dirty = true
	for i, s := range c.slots {
		saved := img.slots[i]
		copy(s.buf, saved.buf)
		s.n = saved.n
		s.logical = saved.logical
		s.dirty = saved.dirty
		c.stamp++
		s.stamp = c.stamp
	}
	c.pins = img.pins
	c.next = img.next
	if c.onReload != nil {
		c.onReload()
	}
}
