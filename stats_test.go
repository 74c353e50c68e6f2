package vfile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fragment deletes all but the first line of each imported block, leaving
// a chain of nearly empty blocks.
func fragment(t *testing.T, d *Document) {
	t.Helper()
	ctx := context.Background()
	for k := 1; d.LineCount() >= k+7; k++ {
		require.NoError(t, d.Delete(ctx, LineMark(k+1), LineMark(k+7)))
	}
}

// blockLengths returns the byte length of every block in the chain.
func blockLengths(t *testing.T, d *Document) []int {
	t.Helper()
	var lens []int
	for b := 1; b <= d.hdr.nblocks(); b++ {
		h, err := d.cache.fetch(b)
		require.NoError(t, err)
		lens = append(lens, len(d.cache.content(h)))
	}
	return lens
}

func TestStats(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, numberedLines(100))

	_, err := d.Line(50)
	require.NoError(t, err)

	s := d.Stats()
	assert.Equal(t, 100, s.Lines)
	assert.Equal(t, 256, s.MaxLogicalBlocks)
	assert.Equal(t, 4, s.CacheSlots)
	assert.Equal(t, 1, s.ScratchFiles)
	assert.Greater(t, s.LogicalBlocks, 1)
	assert.Greater(t, s.FileBlocks, uint32(s.LogicalBlocks))
	assert.LessOrEqual(t, s.ResidentBlocks, s.CacheSlots)
	assert.Positive(t, s.Allocations)
	assert.Positive(t, s.Misses)
	assert.Zero(t, s.UnwrittenBlocks, "import flushes every block")
}

func TestCheckIntegrityDetectsBadIndex(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, numberedLines(30))
	requireIntact(t, d)

	d.hdr.lnum[1]++
	err := d.CheckIntegrity(context.Background())
	d.hdr.lnum[1]--
	require.Error(t, err)
	assert.Contains(t, err.Error(), "block 1")
}

func TestCompact(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, numberedLines(60))
	fragment(t, d)
	requireIntact(t, d)

	text := d.String()
	before := d.hdr.nblocks()
	changes := d.changes

	merged, err := d.Compact(context.Background())
	require.NoError(t, err)
	assert.Positive(t, merged)
	assert.Equal(t, before-merged, d.hdr.nblocks())
	assert.Equal(t, text, d.String())
	assert.Equal(t, changes, d.changes, "compaction is not an edit")
	requireIntact(t, d)

	half := d.geo.capacity() / 2
	lens := blockLengths(t, d)
	for i := 1; i < len(lens); i++ {
		if lens[i-1] < half && lens[i] < half && lens[i-1]+lens[i] <= d.geo.capacity() {
			t.Errorf("blocks %d and %d hold %d and %d bytes after compaction", i, i+1, lens[i-1], lens[i])
		}
	}
}

func TestCompactCancelled(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, numberedLines(60))
	fragment(t, d)

	text := d.String()
	before := d.hdr.nblocks()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Compact(ctx)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, before, d.hdr.nblocks())
	assert.Equal(t, text, d.String())
	requireIntact(t, d)
}
