package vfile

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// cutBuffer is a span of text captured by reference: the physical blocks
// that held it at capture time plus offsets into the first and last.
type cutBuffer struct {
	gen      *generation
	blocks   []uint32
	start    int // offset into the first block
	end      int // end offset into the last block
	lineMode bool
}

// cutBuffers holds every buffer of a Library. Named buffers 'a' through 'z'
// and the '.' buffer survive document switches; the anonymous ring does not.
type cutBuffers struct {
	gens  *generationRegistry
	log   *zap.Logger
	named [26]*cutBuffer
	last  *cutBuffer
	ring  []*cutBuffer // ring[0] is buffer '1'
}

func newCutBuffers(gens *generationRegistry, ringSize int, log *zap.Logger) *cutBuffers {
	return &cutBuffers{
		gens: gens,
		log:  log,
		ring: make([]*cutBuffer, ringSize),
	}
}

// slot returns where the buffer with the given name lives. Name 0 is the
// most recent anonymous buffer.
func (cb *cutBuffers) slot(name rune) (**cutBuffer, error) {
	switch {
	case name == 0:
		return &cb.ring[0], nil
	case name >= 'a' && name <= 'z':
		return &cb.named[name-'a'], nil
	case name >= 'A' && name <= 'Z':
		return &cb.named[name-'A'], nil
	case name == '.':
		return &cb.last, nil
	case name >= '1' && int(name-'1') < len(cb.ring):
		return &cb.ring[name-'1'], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidBufferName, name)
}

// lookup returns the buffer with the given name, or ErrEmptyBuffer.
func (cb *cutBuffers) lookup(name rune) (*cutBuffer, error) {
	p, err := cb.slot(name)
	if err != nil {
		return nil, err
	}
	if *p == nil || len((*p).blocks) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyBuffer, displayName(name))
	}
	return *p, nil
}

// store replaces the buffer in slot p, releasing the old one.
func (cb *cutBuffers) store(p **cutBuffer, buf *cutBuffer) {
	if old := *p; old != nil {
		cb.gens.release(old.gen)
	}
	*p = buf
}

// push makes buf the newest anonymous buffer, dropping the oldest.
func (cb *cutBuffers) push(buf *cutBuffer) {
	if len(cb.ring) == 0 {
		cb.gens.release(buf.gen)
		return
	}
	if oldest := cb.ring[len(cb.ring)-1]; oldest != nil {
		cb.gens.release(oldest.gen)
	}
	copy(cb.ring[1:], cb.ring[:len(cb.ring)-1])
	cb.ring[0] = buf
}

// blocksOf returns the block lists of every buffer captured from g.
func (cb *cutBuffers) blocksOf(g *generation) [][]uint32 {
	var roots [][]uint32
	add := func(buf *cutBuffer) {
		if buf != nil && buf.gen == g {
			roots = append(roots, buf.blocks)
		}
	}
	for _, buf := range cb.named {
		add(buf)
	}
	add(cb.last)
	for _, buf := range cb.ring {
		add(buf)
	}
	return roots
}

// dropAnonymous forgets the buffers that do not survive a document switch.
func (cb *cutBuffers) dropAnonymous() {
	for i := range cb.ring {
		cb.store(&cb.ring[i], nil)
	}
	cb.store(&cb.last, nil)
}

// dropAll forgets every buffer.
func (cb *cutBuffers) dropAll() {
	cb.dropAnonymous()
	for i := range cb.named {
		cb.store(&cb.named[i], nil)
	}
}

func displayName(name rune) rune {
	if name == 0 {
		return '1'
	}
	return name
}

// Cut captures [from, to) into a cut buffer without changing the text. An
// uppercase name appends to the lowercase buffer of the same letter. A span
// from column 0 to column 0 is captured in line mode. Name 0 fills the
// anonymous ring.
func (d *Document) Cut(ctx context.Context, name rune, from, to Mark) error {
	if err := d.usable(); err != nil {
		return err
	}
	if from > to {
		return fmt.Errorf("%w: %v > %v", ErrInvalidRange, from, to)
	}
	p, err := d.lib.cuts.slot(name)
	if err != nil {
		return err
	}
	if name >= 'A' && name <= 'Z' && *p != nil && len((*p).blocks) > 0 {
		return d.appendCut(ctx, p, from, to)
	}

	buf, err := d.capture(from, to)
	if err != nil {
		return err
	}
	if name == 0 || name == '1' {
		d.lib.cuts.push(buf)
	} else {
		d.lib.cuts.store(p, buf)
	}
	d.log.Debug("cut", zap.String("buffer", string(displayName(name))),
		zap.Stringer("from", from), zap.Stringer("to", to))
	return nil
}

// capture records the physical blocks currently holding [from, to).
func (d *Document) capture(from, to Mark) (*cutBuffer, error) {
	if err := d.cache.flushAll(); err != nil {
		return nil, d.fatal(err)
	}
	if d.cache.dirtySlots() > 0 {
		return nil, fmt.Errorf("%w: text could not be written to the scratch file", ErrDegradedIO)
	}

	buf := &cutBuffer{
		gen:      d.gen,
		lineMode: from.Col() == 0 && to.Col() == 0 && from.Line() < to.Line(),
	}
	if from == to {
		d.lib.gens.retain(d.gen)
		return buf, nil
	}

	fb, foff, err := d.locate(from)
	if err != nil {
		return nil, err
	}
	tb, toff, err := d.locate(to)
	if err != nil {
		return nil, err
	}
	if toff == 0 && tb > fb {
		tb--
		h, err := d.cache.fetch(tb)
		if err != nil {
			return nil, err
		}
		toff = len(d.cache.content(h))
	}

	buf.start, buf.end = foff, toff
	for b := fb; b <= tb; b++ {
		buf.blocks = append(buf.blocks, d.hdr.phys[b])
	}
	d.lib.gens.retain(d.gen)
	return buf, nil
}

// bufferText reads a cut buffer's text back from its generation. Blocks that
// cannot be read contribute what was read.
func (d *Document) bufferText(buf *cutBuffer) ([]byte, error) {
	block := make([]byte, d.geo.blockSize)
	var out []byte
	var readErr error
	for i, p := range buf.blocks {
		if err := d.lib.gens.readBlock(buf.gen, d.geo, p, block); err != nil {
			if buf.gen.file == nil {
				return nil, err
			}
			readErr = err
			d.degraded(err)
		}
		block[len(block)-1] = 0
		content := block[:contentLength(block)]
		lo, hi := 0, len(content)
		if i == len(buf.blocks)-1 {
			hi = min(buf.end, hi)
		}
		if i == 0 {
			lo = min(buf.start, hi)
		}
		out = append(out, content[lo:hi]...)
	}
	if readErr != nil {
		d.log.Warn("cut buffer partially read", zap.Error(readErr))
	}
	return out, nil
}

// appendCut extends buffer p with [from, to). The old text is spliced in
// front of the span, the combined span is captured and the splice is
// removed again, all inside one change that does not count as a
// modification.
func (d *Document) appendCut(ctx context.Context, p **cutBuffer, from, to Mark) error {
	old := *p
	text, err := d.bufferText(old)
	if err != nil {
		return err
	}

	wasModified := d.modified
	outer := d.depth > 0
	wasSignificant := d.significant
	if err := d.BeginChange(); err != nil {
		return err
	}
	defer func() {
		d.significant = outer && wasSignificant
		d.EndChange()
		d.modified = wasModified
	}()

	end := d.NewMarker(to)
	defer d.RemoveMarker(end)
	if err := d.insert(ctx, from, text); err != nil {
		return err
	}
	buf, err := d.capture(from, end.Mark())
	if err != nil {
		_ = d.delete(ctx, from, endOfText(from, text))
		return err
	}
	buf.lineMode = old.lineMode && buf.lineMode
	if err := d.delete(ctx, from, endOfText(from, text)); err != nil {
		d.lib.gens.release(buf.gen)
		return err
	}
	d.lib.cuts.store(p, buf)
	return nil
}

// Paste inserts a cut buffer's text. Line mode buffers go above the line of
// at, or below it when after is set; character buffers go before at, or
// after the character at at. It returns where the pasted text begins, or
// just past where it ends when returnEnd is set.
func (d *Document) Paste(ctx context.Context, name rune, at Mark, after, returnEnd bool) (Mark, error) {
	if err := d.usable(); err != nil {
		return MarkUnset, err
	}
	buf, err := d.lib.cuts.lookup(name)
	if err != nil {
		return MarkUnset, err
	}
	text, err := d.bufferText(buf)
	if err != nil {
		return MarkUnset, err
	}
	if len(text) == 0 {
		return MarkUnset, fmt.Errorf("%w: %q", ErrEmptyBuffer, displayName(name))
	}

	pos := at
	if buf.lineMode {
		line := at.Line()
		if after {
			line++
		}
		pos = LineMark(line)
	} else if after {
		line, err := d.Line(at.Line())
		if err != nil {
			return MarkUnset, err
		}
		pos = MarkAt(at.Line(), nextColumn(line, at.Col()))
	}

	if err := d.BeginChange(); err != nil {
		return MarkUnset, err
	}
	defer d.EndChange()
	if err := d.insert(ctx, pos, text); err != nil {
		return MarkUnset, err
	}
	if returnEnd {
		return endOfText(pos, text), nil
	}
	return pos, nil
}

// BufferText returns the text held by a cut buffer.
func (d *Document) BufferText(name rune) (string, error) {
	if err := d.usable(); err != nil {
		return "", err
	}
	buf, err := d.lib.cuts.lookup(name)
	if err != nil {
		return "", err
	}
	text, err := d.bufferText(buf)
	return string(text), err
}
