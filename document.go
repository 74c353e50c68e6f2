package vfile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// lineMemo caches the most recently decoded line. Any mutation or cache
// slot identity change invalidates it.
type lineMemo struct {
	line  int
	text  string
	valid bool
}

func (m *lineMemo) reset() {
	m.valid = false
}

// Document is one open generation: an editable text stored as a chain of
// fixed-size blocks in a scratch file.
//
// A Document is not safe for concurrent use.
type Document struct {
	lib *Library
	gen *generation
	geo geometry
	log *zap.Logger

	hdr   *header
	cache *blockCache
	alloc *allocator

	// Identity
	name     string
	path     string
	source   *sourceState
	readOnly bool
	report   ImportReport

	// Change state
	depth       int
	significant bool
	modified    bool
	changes     uint64
	undo        undoState

	// Marks
	cursor  Mark
	marks   [26]Mark
	markers []*Marker

	memo   lineMemo
	closed bool
	failed error
}

// newDocument sets up the block cache and allocator over a fresh scratch
// file and writes both header regions.
func newDocument(lib *Library, gen *generation) (*Document, error) {
	geo := lib.geo
	d := &Document{
		lib: lib,
		gen: gen,
		geo: geo,
		log: lib.log.With(zap.Uint64("generation", uint64(gen.id))),
		hdr: newHeader(geo.maxBlocks),
		undo: undoState{
			phys: make([]uint32, geo.maxBlocks+1),
			lnum: make([]int, geo.maxBlocks+1),
		},
	}
	d.alloc = newAllocator(geo, 0)
	d.cache = newBlockCache(geo, lib.fs, gen.file, d.hdr, d.alloc, lib.cfg.CacheSlots, d.log)
	d.cache.onReload = d.memo.reset
	d.cache.onDegraded = d.degraded

	empty := encodePhys(geo, d.hdr.phys)
	if err := lib.fs.WriteAt(gen.file, empty, geo.liveHeaderOffset()); err != nil {
		return nil, fmt.Errorf("%w: writing header: %v", ErrFatalIO, err)
	}
	if err := lib.fs.WriteAt(gen.file, empty, geo.undoHeaderOffset()); err != nil {
		return nil, fmt.Errorf("%w: writing undo header: %v", ErrFatalIO, err)
	}
	return d, nil
}

// usable reports why the document cannot be used, if it cannot.
func (d *Document) usable() error {
	if d.closed {
		return ErrDocumentClosed
	}
	if d.failed != nil {
		return fmt.Errorf("%w: %v", ErrDocumentFailed, d.failed)
	}
	return nil
}

// fatal poisons the document, preserves what it can and returns err.
func (d *Document) fatal(err error) error {
	if d.failed != nil {
		return err
	}
	d.failed = err
	d.depth = 0
	d.log.Error("fatal scratch file error", zap.String("path", d.gen.path), zap.Error(err))
	d.lib.preserve(d, err.Error())
	return err
}

// degraded reports a non-fatal block I/O failure to the user.
func (d *Document) degraded(err error) {
	d.lib.display.Message(err.Error())
}

// Name returns the document's display name.
func (d *Document) Name() string {
	return d.name
}

// Path returns the file the document saves to by default, if any.
func (d *Document) Path() string {
	return d.path
}

// ScratchPath returns the path of the document's scratch file.
func (d *Document) ScratchPath() string {
	return d.gen.path
}

// Generation returns the document's scratch file generation.
func (d *Document) Generation() GenerationID {
	return d.gen.id
}

// ImportReport describes what happened when the document was read.
func (d *Document) ImportReport() ImportReport {
	return d.report
}

// IsModified reports whether the document changed since it was read or saved.
func (d *Document) IsModified() bool {
	return d.modified
}

// IsReadOnly reports whether saving over the document's own file is refused.
func (d *Document) IsReadOnly() bool {
	return d.readOnly
}

// SetReadOnly changes the read-only flag.
func (d *Document) SetReadOnly(ro bool) {
	d.readOnly = ro
}

// Changes returns the number of mutations applied so far.
func (d *Document) Changes() uint64 {
	return d.changes
}

// LineCount returns the number of lines. It is never less than one.
func (d *Document) LineCount() int {
	return d.hdr.lineCount()
}

// EndMark returns the mark just past the last line.
func (d *Document) EndMark() Mark {
	return LineMark(d.hdr.lineCount() + 1)
}

// Line returns line n (1-indexed) without its newline.
func (d *Document) Line(n int) (string, error) {
	if err := d.usable(); err != nil {
		return "", err
	}
	if n < 1 || n > d.hdr.lineCount() {
		return "", fmt.Errorf("%w: line %d of %d", ErrInvalidMark, n, d.hdr.lineCount())
	}
	if d.memo.valid && d.memo.line == n {
		return d.memo.text, nil
	}

	b, off, err := d.lineStart(n)
	if err != nil {
		return "", err
	}
	var out []byte
	for b <= d.hdr.nblocks() {
		h, err := d.cache.fetch(b)
		if err != nil {
			return "", err
		}
		content := d.cache.content(h)[off:]
		if i := bytes.IndexByte(content, '\n'); i >= 0 {
			out = append(out, content[:i]...)
			break
		}
		out = append(out, content...)
		b++
		off = 0
	}

	text := string(out)
	d.memo = lineMemo{line: n, text: text, valid: true}
	return text, nil
}

// Lines returns lines first through last inclusive.
func (d *Document) Lines(first, last int) ([]string, error) {
	var lines []string
	for n := first; n <= last; n++ {
		line, err := d.Line(n)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// WriteTo writes the whole text to w.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	return d.writeText(context.Background(), w)
}

// writeText streams every block to w, checking ctx between blocks.
func (d *Document) writeText(ctx context.Context, w io.Writer) (int64, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(w)
	var total int64
	for b := 1; b <= d.hdr.nblocks(); b++ {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		h, err := d.cache.fetch(b)
		if err != nil {
			return total, err
		}
		n, err := bw.Write(d.cache.content(h))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// String returns the whole text. Intended for small documents and tests.
func (d *Document) String() string {
	var buf bytes.Buffer
	if _, err := d.WriteTo(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// lineStart returns the logical block and offset where line n begins. Line
// lineCount+1 begins at the end of the last block.
func (d *Document) lineStart(n int) (int, int, error) {
	if n == 1 {
		return 1, 0, nil
	}
	k := n - 1
	b := d.hdr.blockOfNewline(k)
	h, err := d.cache.fetch(b)
	if err != nil {
		return 0, 0, err
	}
	content := d.cache.content(h)
	want := k - d.hdr.lnum[b-1]
	off := 0
	for i, c := range content {
		if c == '\n' {
			want--
			if want == 0 {
				off = i + 1
				break
			}
		}
	}
	if off == len(content) && b < d.hdr.nblocks() {
		return b + 1, 0, nil
	}
	return b, off, nil
}

// locate converts a mark to a logical block and offset. The mark
// (lineCount+1, 0) locates the end of the text.
func (d *Document) locate(m Mark) (int, int, error) {
	lines := d.hdr.lineCount()
	line, col := m.Line(), m.Col()
	if !m.IsSet() || line > lines+1 || (line == lines+1 && col != 0) {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidMark, m)
	}

	b, off, err := d.lineStart(line)
	if err != nil {
		return 0, 0, err
	}
	if line == lines+1 {
		return b, off, nil
	}

	for b <= d.hdr.nblocks() {
		h, err := d.cache.fetch(b)
		if err != nil {
			return 0, 0, err
		}
		rest := d.cache.content(h)[off:]
		if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
			if col > nl {
				return 0, 0, fmt.Errorf("%w: %v is past the end of the line", ErrInvalidMark, m)
			}
			return b, off + col, nil
		}
		if col < len(rest) {
			return b, off + col, nil
		}
		col -= len(rest)
		b++
		off = 0
	}
	return 0, 0, fmt.Errorf("%w: %v", ErrInvalidMark, m)
}

// lineLength returns the length of line n without its newline.
func (d *Document) lineLength(n int) (int, error) {
	line, err := d.Line(n)
	return len(line), err
}
