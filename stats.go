package vfile

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Stats contains storage statistics for a document.
type Stats struct {
	Lines            int    // lines in the document
	LogicalBlocks    int    // blocks in the chain
	MaxLogicalBlocks int    // chain length limit
	FileBlocks       uint32 // physical blocks in the scratch file, headers included
	FreeBlocks       int    // holes found by the last collection
	CacheSlots       int    // configured resident set size
	ResidentBlocks   int    // slots currently holding a block
	DirtyBlocks      int    // resident blocks not yet written
	Hits             int64
	Misses           int64
	Evictions        int64
	BlockWrites      int64
	WriteErrors      int64
	ShortReads       int64
	Allocations      int64
	FileGrowth       int64 // allocations satisfied by growing the file
	UnwrittenBlocks  int   // chain blocks with no physical space yet
	EmptiedBlocks    int64 // written blocks removed after losing their text
	DiscardedBlocks  int64 // blocks removed before their first write
	ScratchFiles     int   // scratch files alive in the library
}

// Stats returns current storage statistics for this document.
func (d *Document) Stats() Stats {
	c := d.cache
	stats := Stats{
		Lines:            d.hdr.lineCount(),
		LogicalBlocks:    d.hdr.nblocks(),
		MaxLogicalBlocks: d.geo.maxBlocks,
		FileBlocks:       d.alloc.eof,
		FreeBlocks:       d.alloc.freeBlocks(),
		CacheSlots:       len(c.slots),
		DirtyBlocks:      c.dirtySlots(),
		Hits:             c.counters.hits,
		Misses:           c.counters.misses,
		Evictions:        c.counters.evictions,
		BlockWrites:      c.counters.flushes,
		WriteErrors:      c.counters.writeErrors,
		ShortReads:       c.counters.shortReads,
		Allocations:      d.alloc.allocated,
		FileGrowth:       d.alloc.grown,
		EmptiedBlocks:    c.counters.emptied,
		DiscardedBlocks:  c.counters.discarded,
		ScratchFiles:     d.lib.gens.live(),
	}
	for b := 1; b <= d.hdr.nblocks(); b++ {
		if d.hdr.state(b, 0) == Unallocated {
			stats.UnwrittenBlocks++
		}
	}
	for _, s := range c.slots {
		if s.logical != 0 {
			stats.ResidentBlocks++
		}
	}
	return stats
}

// CheckIntegrity reads every block and verifies the line index against the
// text: each block's newline count matches the index, no block is empty or
// over capacity, and the text ends with a newline.
func (d *Document) CheckIntegrity(ctx context.Context) error {
	if err := d.usable(); err != nil {
		return err
	}
	n := d.hdr.nblocks()
	if n == 0 {
		return fmt.Errorf("empty block chain")
	}
	for b := n + 1; b <= d.geo.maxBlocks; b++ {
		if d.hdr.lnum[b] != unusedBlock {
			return fmt.Errorf("block %d past the end of the chain is in use", b)
		}
	}
	var last byte
	for b := 1; b <= n; b++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if d.hdr.lnum[b] < d.hdr.lnum[b-1] {
			return fmt.Errorf("line index decreases at block %d", b)
		}
		h, err := d.cache.fetch(b)
		if err != nil {
			return err
		}
		content := d.cache.content(h)
		if len(content) == 0 {
			return fmt.Errorf("block %d is empty", b)
		}
		if len(content) > d.geo.capacity() {
			return fmt.Errorf("block %d holds %d bytes", b, len(content))
		}
		if got := bytes.Count(content, []byte{'\n'}); got != d.hdr.linesIn(b) {
			return fmt.Errorf("block %d holds %d newlines, index says %d", b, got, d.hdr.linesIn(b))
		}
		last = content[len(content)-1]
	}
	if last != '\n' {
		return fmt.Errorf("text does not end with a newline")
	}
	return nil
}

// Compact merges neighboring blocks that are both less than half full. The
// text does not change and nothing is marked modified.
func (d *Document) Compact(ctx context.Context) (int, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}
	img := d.cache.checkpoint()
	before := d.hdr.nblocks()
	for b := 1; b < d.hdr.nblocks(); {
		if err := ctx.Err(); err != nil {
			d.cache.restore(img)
			return 0, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		n := d.hdr.nblocks()
		if err := d.mergeSmall(b); err != nil {
			d.cache.restore(img)
			return 0, err
		}
		if d.hdr.nblocks() == n {
			b++
		}
	}
	merged := before - d.hdr.nblocks()
	d.log.Debug("compacted", zap.Int("merged", merged), zap.Int("blocks", d.hdr.nblocks()))
	return merged, nil
}
