package vfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Insert adds text before the position at. Inserting at EndMark appends
// whole lines, so a missing final newline is supplied. NUL bytes are
// dropped.
func (d *Document) Insert(ctx context.Context, at Mark, text string) error {
	if err := d.usable(); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	if err := d.BeginChange(); err != nil {
		return err
	}
	defer d.EndChange()
	return d.insert(ctx, at, []byte(text))
}

// Delete removes the text in [from, to). The final newline of the document
// is never removed: a span that reaches EndMark from the middle of a line
// stops before it, and deleting every line leaves one empty line.
func (d *Document) Delete(ctx context.Context, from, to Mark) error {
	if err := d.usable(); err != nil {
		return err
	}
	if err := d.BeginChange(); err != nil {
		return err
	}
	defer d.EndChange()
	return d.delete(ctx, from, to)
}

// Replace substitutes text for the span [from, to). Replacing a single
// character other than a newline with a single byte is done in place.
func (d *Document) Replace(ctx context.Context, from, to Mark, text string) error {
	if err := d.usable(); err != nil {
		return err
	}
	if err := d.BeginChange(); err != nil {
		return err
	}
	defer d.EndChange()

	if ok, err := d.replaceByte(from, to, text); ok || err != nil {
		return err
	}
	if text != "" && from == LineMark(1) && to == d.EndMark() {
		// Inserting first keeps the document from being emptied, which
		// would leave a synthesized empty line after the new text.
		end := LineMark(d.hdr.lineCount() + 1)
		if err := d.insert(ctx, to, []byte(text)); err != nil {
			return err
		}
		return d.delete(ctx, from, end)
	}
	if err := d.delete(ctx, from, to); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	return d.insert(ctx, from, []byte(text))
}

// replaceByte handles the single byte replacement fast path. It reports
// whether it applied.
func (d *Document) replaceByte(from, to Mark, text string) (bool, error) {
	if len(text) != 1 || text[0] == '\n' || text[0] == 0 {
		return false, nil
	}
	if to.Line() != from.Line() || to.Col() != from.Col()+1 {
		return false, nil
	}
	b, off, err := d.locate(from)
	if err != nil {
		return false, err
	}
	h, err := d.cache.fetch(b)
	if err != nil {
		return false, err
	}
	content := d.cache.content(h)
	if off >= len(content) || content[off] == '\n' {
		return false, nil
	}
	d.cache.storeByte(h, off, text[0])
	d.changed(from.Line(), from.Line(), 0)
	return true, nil
}

// insert is the insertion primitive. It either applies completely or
// leaves the document as it was.
func (d *Document) insert(ctx context.Context, at Mark, text []byte) error {
	if bytes.IndexByte(text, 0) >= 0 {
		text = bytes.ReplaceAll(text, []byte{0}, nil)
	}
	if len(text) == 0 {
		return nil
	}
	if at == d.EndMark() && text[len(text)-1] != '\n' {
		text = append(bytes.Clone(text), '\n')
	}
	b, off, err := d.locate(at)
	if err != nil {
		return err
	}

	img := d.cache.checkpoint()
	last, err := d.spliceIn(ctx, b, off, text)
	if err == nil {
		err = d.mergeSmall(last)
	}
	if err != nil {
		d.cache.restore(img)
		return d.primitiveFailed("insert", err)
	}

	newlines, tail := textShape(text)
	d.translateMarks(func(m Mark) Mark {
		return translateInsert(m, at, newlines, tail)
	}, at)
	d.changed(at.Line(), at.Line()+newlines, newlines)
	return nil
}

// spliceIn streams text followed by the rest of block b into b and as many
// new blocks as needed. A block that overflows is cut after its last
// newline, or at capacity when it holds none. It returns the last block
// written.
func (d *Document) spliceIn(ctx context.Context, b, off int, text []byte) (int, error) {
	h, err := d.cache.fetch(b)
	if err != nil {
		return 0, err
	}
	cur := d.cache.content(h)
	stream := append(bytes.Clone(text), cur[off:]...)
	head := bytes.Clone(cur[:off])
	capacity := d.geo.capacity()

	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		space := capacity - len(head)
		if len(stream) <= space {
			d.cache.setContent(h, append(head, stream...))
			d.cache.markDirty(h)
			return d.cache.logical(h), nil
		}

		combined := append(head, stream[:space]...)
		cut := bytes.LastIndexByte(combined, '\n') + 1
		if cut == 0 {
			cut = len(combined)
		}
		rest := append(bytes.Clone(combined[cut:]), stream[space:]...)
		d.cache.setContent(h, combined[:cut])
		d.cache.markDirty(h)

		b = d.cache.logical(h)
		h, err = d.cache.insertBlock(b + 1)
		if err != nil {
			return 0, err
		}
		head = nil
		stream = rest
	}
}

// delete is the deletion primitive. It either applies completely or leaves
// the document as it was.
func (d *Document) delete(ctx context.Context, from, to Mark) error {
	if from > to {
		return fmt.Errorf("%w: %v > %v", ErrInvalidRange, from, to)
	}
	if from == to {
		return nil
	}
	lines := d.hdr.lineCount()
	if to == d.EndMark() && from.Col() != 0 {
		n, err := d.lineLength(lines)
		if err != nil {
			return err
		}
		to = MarkAt(lines, n)
		if from >= to {
			return nil
		}
	}

	fb, foff, err := d.locate(from)
	if err != nil {
		return err
	}
	tb, toff, err := d.locate(to)
	if err != nil {
		return err
	}

	img := d.cache.checkpoint()
	last, err := d.spliceOut(ctx, fb, foff, tb, toff)
	if err == nil {
		if d.hdr.nblocks() == 0 {
			err = d.synthesizeEmpty()
		} else {
			err = d.mergeSmall(last)
		}
	}
	if err != nil {
		d.cache.restore(img)
		return d.primitiveFailed("delete", err)
	}

	d.translateMarks(func(m Mark) Mark {
		return translateDelete(m, from, to)
	}, from)
	d.changed(from.Line(), to.Line(), d.hdr.lineCount()-lines)
	return nil
}

// spliceOut removes the bytes from (b, off) up to (eb, eoff). Whole blocks in
// between are dropped without being read. It returns the block where the
// deletion ended, or the one before it if that block disappeared.
func (d *Document) spliceOut(ctx context.Context, b, off, eb, eoff int) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if b < eb && off == 0 {
			d.cache.dropBlock(b)
			eb--
			continue
		}

		h, err := d.cache.fetch(b)
		if err != nil {
			return 0, err
		}
		content := d.cache.content(h)
		if b == eb {
			kept := append(bytes.Clone(content[:off]), content[eoff:]...)
			d.cache.setContent(h, kept)
			if d.cache.markDirty(h) && b > 1 {
				return b - 1, nil
			}
			return b, nil
		}

		d.cache.setContent(h, bytes.Clone(content[:off]))
		if d.cache.markDirty(h) {
			eb--
		} else {
			b++
		}
		off = 0
	}
}

// synthesizeEmpty gives an emptied document its single empty line.
func (d *Document) synthesizeEmpty() error {
	h, err := d.cache.insertBlock(1)
	if err != nil {
		return err
	}
	d.cache.setContent(h, []byte{'\n'})
	d.cache.markDirty(h)
	return nil
}

// mergeSmall joins block b with its successor when both are less than half
// full and their union fits in one block.
func (d *Document) mergeSmall(b int) error {
	if b < 1 || b >= d.hdr.nblocks() {
		return nil
	}
	half := d.geo.capacity() / 2
	h1, err := d.cache.fetch(b)
	if err != nil {
		return err
	}
	if len(d.cache.content(h1)) >= half {
		return nil
	}
	h2, err := d.cache.fetch(b + 1)
	if err != nil {
		return err
	}
	c2 := d.cache.content(h2)
	if len(c2) >= half {
		return nil
	}

	merged := append(bytes.Clone(d.cache.content(h1)), c2...)
	d.cache.setContent(h1, merged)
	d.cache.markDirty(h1)
	d.cache.setContent(h2, nil)
	d.cache.markDirty(h2)
	return nil
}

// primitiveFailed logs a rolled back primitive and maps the error.
func (d *Document) primitiveFailed(op string, err error) error {
	d.log.Warn("edit rolled back", zap.String("op", op), zap.Error(err))
	if errors.Is(err, ErrFatalIO) {
		return d.fatal(err)
	}
	return err
}

// translateMarks maps every mark, marker and the cursor through an edit. A
// cursor that falls inside a deleted span moves to fallback.
func (d *Document) translateMarks(f func(Mark) Mark, fallback Mark) {
	for i, m := range d.marks {
		d.marks[i] = f(m)
	}
	for _, mk := range d.markers {
		mk.mark = f(mk.mark)
	}
	if d.cursor.IsSet() {
		c := f(d.cursor)
		if !c.IsSet() {
			c = fallback
		}
		d.cursor = c
	}
}

// changed records a mutation and tells the display which lines moved.
func (d *Document) changed(first, last, delta int) {
	d.changes++
	d.significant = true
	d.memo.reset()
	d.lib.display.LinesChanged(first, last, delta)
}

// nextColumn returns the column just after the character at col on a line.
func nextColumn(line string, col int) int {
	if col >= len(line) {
		return col
	}
	_, size := utf8.DecodeRuneInString(line[col:])
	return col + size
}
