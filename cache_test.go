package vfile

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestCache builds a cache over a fresh scratch file with room for 16
// logical blocks of 64 bytes.
func newTestCache(t *testing.T, nslots int) (*blockCache, *memFS) {
	t.Helper()
	fsys := newMemFS()
	h, err := fsys.Open("/scratch/cache", OpenModeCreate)
	require.NoError(t, err)
	geo := newGeometry(64, 16)
	hdr := newHeader(16)
	c := newBlockCache(geo, fsys, h, hdr, newAllocator(geo, 0), nslots, zaptest.NewLogger(t))
	return c, fsys
}

// appendBlock adds a block holding text at the end of the chain.
func appendBlock(t *testing.T, c *blockCache, text string) {
	t.Helper()
	h, err := c.insertBlock(c.hdr.nblocks() + 1)
	require.NoError(t, err)
	c.setContent(h, []byte(text))
	require.False(t, c.markDirty(h))
}

func blockText(t *testing.T, c *blockCache, logical int) string {
	t.Helper()
	h, err := c.fetch(logical)
	require.NoError(t, err)
	return string(c.content(h))
}

func TestPinSet(t *testing.T) {
	p := newPinSet()
	assert.False(t, p.contains(0))

	p.touch(1)
	p.touch(2)
	assert.True(t, p.contains(1))
	assert.True(t, p.contains(2))

	p.touch(2)
	assert.True(t, p.contains(1), "touching the most recent pin keeps the other")

	p.touch(3)
	assert.False(t, p.contains(1))
	assert.Equal(t, [2]int{3, 2}, p.slots)

	p.drop(3)
	assert.Equal(t, [2]int{2, -1}, p.slots)
}

func TestCacheLineIndex(t *testing.T) {
	c, _ := newTestCache(t, 3)
	appendBlock(t, c, "a\nb\n")
	appendBlock(t, c, "c")
	appendBlock(t, c, "d\n")

	assert.Equal(t, 3, c.hdr.nblocks())
	assert.Equal(t, 3, c.hdr.lineCount())
	assert.Equal(t, 0, c.hdr.linesIn(2))

	h, err := c.fetch(1)
	require.NoError(t, err)
	c.setContent(h, []byte("a\n"))
	c.markDirty(h)
	assert.Equal(t, 2, c.hdr.lineCount())
	assert.Equal(t, 1, c.hdr.lnum[2])
}

func TestCacheEvictionWritesDirtyBlocks(t *testing.T) {
	c, _ := newTestCache(t, 3)
	for _, text := range []string{"a\n", "b\n", "c\n", "d\n"} {
		appendBlock(t, c, text)
	}

	// Block 1 was evicted to make room for block 4.
	assert.Equal(t, int64(1), c.counters.evictions)
	assert.NotZero(t, c.hdr.phys[1], "evicted dirty block was not written")

	for i, want := range []string{"a\n", "b\n", "c\n", "d\n"} {
		assert.Equal(t, want, blockText(t, c, i+1))
	}
}

func TestCacheHitDoesNotReload(t *testing.T) {
	c, _ := newTestCache(t, 3)
	appendBlock(t, c, "a\n")
	misses := c.counters.misses

	reloads := 0
	c.onReload = func() { reloads++ }
	assert.Equal(t, "a\n", blockText(t, c, 1))
	assert.Equal(t, misses, c.counters.misses)
	assert.Equal(t, 0, reloads)
	assert.Equal(t, int64(1), c.counters.hits)
}

func TestCacheStaleHandlePanics(t *testing.T) {
	c, _ := newTestCache(t, 3)
	appendBlock(t, c, "a\n")
	h, err := c.fetch(1)
	require.NoError(t, err)

	c.discardAll()
	assert.Panics(t, func() { c.content(h) })
}

func TestCacheRestoreInvalidatesHandles(t *testing.T) {
	c, _ := newTestCache(t, 3)
	appendBlock(t, c, "a\n")
	appendBlock(t, c, "b\n")
	img := c.checkpoint()

	h, err := c.fetch(1)
	require.NoError(t, err)
	c.setContent(h, []byte("changed\n"))
	c.markDirty(h)
	appendBlock(t, c, "c\n")

	c.restore(img)
	assert.Panics(t, func() { c.content(h) })
	assert.Equal(t, 2, c.hdr.nblocks())
	assert.Equal(t, "a\n", blockText(t, c, 1))
	assert.Equal(t, "b\n", blockText(t, c, 2))
}

func TestCacheMarkDirtyRemovesEmptyBlock(t *testing.T) {
	c, _ := newTestCache(t, 3)
	appendBlock(t, c, "a\n")
	appendBlock(t, c, "b\n")
	appendBlock(t, c, "c\n")

	h, err := c.fetch(2)
	require.NoError(t, err)
	c.setContent(h, nil)
	assert.True(t, c.markDirty(h))

	assert.Equal(t, 2, c.hdr.nblocks())
	assert.Equal(t, 2, c.hdr.lineCount())

	// The slot that held block 3 now represents block 2.
	hits := c.counters.hits
	assert.Equal(t, "c\n", blockText(t, c, 2))
	assert.Equal(t, hits+1, c.counters.hits)
}

func TestCacheRemovalByBlockState(t *testing.T) {
	c, _ := newTestCache(t, 3)
	appendBlock(t, c, "a\n")
	appendBlock(t, c, "b\n")
	require.NoError(t, c.flushAll())
	appendBlock(t, c, "c\n")

	assert.Equal(t, AllocatedNonEmpty, c.hdr.state(1, 2))
	assert.Equal(t, Unallocated, c.hdr.state(3, 0))

	// Block 1 was written before it was emptied.
	h, err := c.fetch(1)
	require.NoError(t, err)
	c.setContent(h, nil)
	require.True(t, c.markDirty(h))
	assert.Equal(t, int64(1), c.counters.emptied)
	assert.Zero(t, c.counters.discarded)

	// Block "c", now 2, never reached the file.
	h, err = c.fetch(2)
	require.NoError(t, err)
	c.setContent(h, nil)
	require.True(t, c.markDirty(h))
	assert.Equal(t, int64(1), c.counters.discarded)
	assert.Equal(t, 1, c.hdr.nblocks())
	assert.Equal(t, "b\n", blockText(t, c, 1))
}

func TestCacheUnallocatedBlockIsNotRead(t *testing.T) {
	c, fsys := newTestCache(t, 3)
	reads := 0
	fsys.failRead = func(name string, off int64) error {
		reads++
		return nil
	}
	h, err := c.insertBlock(1)
	require.NoError(t, err)
	assert.Empty(t, c.content(h))
	assert.Zero(t, reads)
	assert.Zero(t, c.counters.shortReads)
}

func TestCacheDropBlock(t *testing.T) {
	c, _ := newTestCache(t, 3)
	appendBlock(t, c, "a\nb\n")
	appendBlock(t, c, "c\n")
	appendBlock(t, c, "d\n")

	c.dropBlock(1)
	assert.Equal(t, 2, c.hdr.nblocks())
	assert.Equal(t, 2, c.hdr.lineCount())
	assert.Equal(t, "c\n", blockText(t, c, 1))
	assert.Equal(t, "d\n", blockText(t, c, 2))
}

func TestCacheCapacityExceeded(t *testing.T) {
	c, _ := newTestCache(t, 3)
	for i := 0; i < 16; i++ {
		appendBlock(t, c, "x\n")
	}
	_, err := c.insertBlock(17)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.True(t, c.nearCapacity)
}

func TestCacheFlushAllWritesHeader(t *testing.T) {
	c, fsys := newTestCache(t, 3)
	appendBlock(t, c, "a\n")
	appendBlock(t, c, "b\n")
	require.NoError(t, c.flushAll())

	assert.Zero(t, c.dirtySlots())
	assert.False(t, c.hdr.dirty)

	raw, ok := fsys.readFile("/scratch/cache")
	require.True(t, ok)
	got := decodePhys(c.geo, []byte(raw)[:c.geo.headerBytes()])
	assert.Equal(t, c.hdr.phys, got)
}

func TestCacheWritesAreCopyOnWrite(t *testing.T) {
	c, _ := newTestCache(t, 3)
	appendBlock(t, c, "a\n")
	require.NoError(t, c.flushAll())
	first := c.hdr.phys[1]

	h, err := c.fetch(1)
	require.NoError(t, err)
	c.setContent(h, []byte("b\n"))
	c.markDirty(h)
	require.NoError(t, c.flushAll())
	assert.NotEqual(t, first, c.hdr.phys[1])
}

func TestCacheWriteFailure(t *testing.T) {
	c, fsys := newTestCache(t, 3)
	var degraded []error
	c.onDegraded = func(err error) { degraded = append(degraded, err) }

	appendBlock(t, c, "a\n")
	appendBlock(t, c, "b\n")
	appendBlock(t, c, "c\n")

	fsys.failWrite = func(name string, off int64) error {
		return errors.New("disk full")
	}
	_, err := c.insertBlock(4)
	assert.ErrorIs(t, err, ErrDegradedIO)
	assert.NotEmpty(t, degraded)
	assert.Equal(t, int64(1), c.counters.writeErrors)
	assert.Equal(t, 3, c.dirtySlots(), "a failed write must leave the block dirty")
}

func TestCacheShortRead(t *testing.T) {
	c, fsys := newTestCache(t, 3)
	var degraded []error
	c.onDegraded = func(err error) { degraded = append(degraded, err) }

	appendBlock(t, c, "hello\n")
	require.NoError(t, c.flushAll())
	c.discardAll()

	h := c.file
	off := c.geo.blockOffset(c.hdr.phys[1])
	require.NoError(t, fsys.Truncate(h, off+3))

	assert.Equal(t, "hel", blockText(t, c, 1))
	assert.Equal(t, int64(1), c.counters.shortReads)
	require.Len(t, degraded, 1)
	assert.ErrorIs(t, degraded[0], ErrDegradedIO)
}
