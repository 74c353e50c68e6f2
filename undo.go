package vfile

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// undoState is the in-memory half of the undo target. Its physical map is
// also on disk in the undo header region; the line index and cursor live
// only here.
type undoState struct {
	valid  bool
	phys   []uint32
	lnum   []int
	cursor Mark
}

// BeginChange opens a change. Changes nest; only the outermost one moves
// the undo target to the current state, so a whole command undoes as a unit.
func (d *Document) BeginChange() error {
	return d.beginChange(false)
}

// beginChange opens a change. At the outermost level it flushes the cache,
// rebuilds the free-space bitmap and makes the current state the undo
// target. When servicing an undo the saved line index and cursor are
// swapped in rather than overwritten, so that undo is its own inverse.
func (d *Document) beginChange(forUndo bool) error {
	if err := d.usable(); err != nil {
		return err
	}
	d.depth++
	if d.depth > 1 {
		return nil
	}
	d.significant = false

	if err := d.cache.flushAll(); err != nil {
		return d.fatal(err)
	}
	d.collect()

	buf := encodePhys(d.geo, d.hdr.phys)
	if err := d.lib.fs.WriteAt(d.gen.file, buf, d.geo.undoHeaderOffset()); err != nil {
		return d.fatal(fmt.Errorf("%w: writing undo header: %v", ErrFatalIO, err))
	}

	copy(d.undo.phys, d.hdr.phys)
	if forUndo {
		d.hdr.lnum, d.undo.lnum = d.undo.lnum, d.hdr.lnum
		d.cursor, d.undo.cursor = d.undo.cursor, d.cursor
	} else {
		copy(d.undo.lnum, d.hdr.lnum)
		d.undo.cursor = d.cursor
	}
	d.undo.valid = true
	return nil
}

// collect rebuilds the allocator's bitmap from every live root: the
// current chain, the undo target and the cut buffers that refer to this
// generation.
func (d *Document) collect() {
	roots := [][]uint32{d.hdr.phys}
	if d.undo.valid {
		roots = append(roots, d.undo.phys)
	}
	roots = append(roots, d.lib.cuts.blocksOf(d.gen)...)
	d.alloc.collect(roots...)
	d.log.Debug("free space collected",
		zap.Uint32("file_blocks", d.alloc.eof),
		zap.Int("free", d.alloc.freeBlocks()))
}

// EndChange closes a change. Closing the outermost one marks the document
// modified if anything significant happened and keeps the cursor on text.
func (d *Document) EndChange() {
	if d.depth == 0 {
		return
	}
	d.depth--
	if d.depth > 0 {
		return
	}
	if d.significant {
		d.modified = true
	}
	d.clampCursor()
}

// CancelChange abandons every open change level after a failed command.
// Edits already applied stay; only a later Undo reverts them.
func (d *Document) CancelChange() {
	if d.depth == 0 {
		return
	}
	d.depth = 1
	d.EndChange()
	d.lib.display.Redraw()
}

// InChange reports whether a change is open.
func (d *Document) InChange() bool {
	return d.depth > 0
}

// Undo swaps the document with its undo target. Undoing twice in a row
// returns to where it started.
func (d *Document) Undo(ctx context.Context) error {
	if err := d.usable(); err != nil {
		return err
	}
	if !d.undo.valid {
		return ErrNothingToUndo
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	for d.depth > 0 {
		d.EndChange()
	}

	buf := make([]byte, d.geo.headerBytes())
	n, err := d.lib.fs.ReadAt(d.gen.file, buf, d.geo.undoHeaderOffset())
	if err != nil || n < len(buf) {
		return d.fatal(fmt.Errorf("%w: reading undo header: %d bytes: %v", ErrFatalIO, n, err))
	}
	saved := decodePhys(d.geo, buf)

	if err := d.beginChange(true); err != nil {
		return err
	}
	d.cache.discardAll()
	copy(d.hdr.phys, saved)
	d.hdr.dirty = true
	d.changes++
	d.significant = true
	d.memo.reset()
	d.log.Debug("undo", zap.Int("lines", d.hdr.lineCount()))
	d.EndChange()
	d.lib.display.Redraw()
	return nil
}

// clampCursor keeps the cursor on an existing position.
func (d *Document) clampCursor() {
	if !d.cursor.IsSet() {
		return
	}
	lines := d.hdr.lineCount()
	line, col := d.cursor.Line(), d.cursor.Col()
	if line > lines {
		line, col = lines, 0
	}
	n, err := d.lineLength(line)
	if err != nil {
		col = 0
	} else if col > n {
		col = n
	}
	d.cursor = MarkAt(line, col)
}
