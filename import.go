package vfile

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// importBufferSize is the read-ahead used when importing.
const importBufferSize = 64 * 1024

// ImportReport summarizes how a document's text was read.
type ImportReport struct {
	Name            string
	Lines           int
	Bytes           int64
	NULsRemoved     int
	ControlsRemoved int
	MissingNewline  bool
	NewFile         bool
	ReadOnly        bool
}

// Diagnostic formats the report as a status line, for example
//
//	"notes.txt" [READONLY] 12 lines, 480 characters
func (r ImportReport) Diagnostic() string {
	var b strings.Builder
	name := r.Name
	if name == "" {
		name = "[no name]"
	}
	fmt.Fprintf(&b, "%q", name)
	if r.NewFile {
		b.WriteString(" [NEW FILE]")
	}
	if r.ReadOnly {
		b.WriteString(" [READONLY]")
	}
	if r.NULsRemoved > 0 {
		fmt.Fprintf(&b, " [%d NULs removed]", r.NULsRemoved)
	}
	if r.ControlsRemoved > 0 {
		fmt.Fprintf(&b, " [%d control characters removed]", r.ControlsRemoved)
	}
	if r.MissingNewline {
		b.WriteString(" [incomplete last line]")
	}
	fmt.Fprintf(&b, " %d lines, %d characters", r.Lines, r.Bytes)
	return b.String()
}

// importFrom fills an empty document block by block from r. Each block is
// cut after its last newline, or at capacity when a line is longer than a
// block. NUL bytes and control characters are dropped and a missing final
// newline is supplied. A nil reader gives a document of one empty line.
func (d *Document) importFrom(ctx context.Context, r io.Reader) error {
	d.report.Name = d.name
	d.report.ReadOnly = d.readOnly

	if r != nil {
		if err := d.importBlocks(ctx, bufio.NewReaderSize(r, importBufferSize)); err != nil {
			return err
		}
	}
	if d.hdr.nblocks() == 0 {
		if err := d.synthesizeEmpty(); err != nil {
			return err
		}
	}
	if err := d.cache.flushAll(); err != nil {
		return err
	}

	d.report.Lines = d.hdr.lineCount()
	if d.report.NewFile && d.report.Bytes == 0 {
		d.report.Lines = 0
	}
	d.cursor = LineMark(1)
	d.modified = false
	d.log.Debug("imported",
		zap.Int("lines", d.hdr.lineCount()),
		zap.Int("blocks", d.hdr.nblocks()),
		zap.Int("nuls_removed", d.report.NULsRemoved),
		zap.Int("controls_removed", d.report.ControlsRemoved),
		zap.Bool("missing_newline", d.report.MissingNewline))
	return nil
}

func (d *Document) importBlocks(ctx context.Context, br *bufio.Reader) error {
	capacity := d.geo.capacity()
	pending := make([]byte, 0, capacity+1)
	chunk := make([]byte, capacity)
	eof := false

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		for !eof && len(pending) < capacity {
			n, err := br.Read(chunk[:capacity-len(pending)])
			d.report.Bytes += int64(n)
			pending = d.appendSanitized(pending, chunk[:n])
			if errors.Is(err, io.EOF) {
				eof = true
			} else if err != nil {
				return fmt.Errorf("reading %s: %w", d.name, err)
			}
		}
		if eof && len(pending) > 0 && pending[len(pending)-1] != '\n' {
			pending = append(pending, '\n')
			d.report.MissingNewline = true
		}
		if len(pending) == 0 {
			return nil
		}

		cut := len(pending)
		if cut > capacity || !eof {
			cut = bytes.LastIndexByte(pending[:min(cut, capacity)], '\n') + 1
			if cut == 0 {
				cut = min(len(pending), capacity)
			}
		}

		h, err := d.cache.insertBlock(d.hdr.nblocks() + 1)
		if err != nil {
			return err
		}
		d.cache.setContent(h, pending[:cut])
		d.cache.markDirty(h)
		pending = append(pending[:0], pending[cut:]...)
	}
}

// appendSanitized appends data to dst without NUL bytes and without
// control characters other than tab, newline, carriage return and form feed.
func (d *Document) appendSanitized(dst, data []byte) []byte {
	start := 0
	for i, c := range data {
		if !isStrippedControl(c) {
			continue
		}
		dst = append(dst, data[start:i]...)
		start = i + 1
		if c == 0 {
			d.report.NULsRemoved++
		} else {
			d.report.ControlsRemoved++
		}
	}
	return append(dst, data[start:]...)
}

func isStrippedControl(c byte) bool {
	switch c {
	case '\t', '\n', '\r', '\f':
		return false
	}
	return c < 0x20 || c == 0x7f
}
