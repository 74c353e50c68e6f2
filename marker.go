package vfile

import (
	"context"
	"fmt"
)

// Marker is a position that follows the text through edits. A marker whose
// text is deleted becomes unset.
type Marker struct {
	doc  *Document
	mark Mark
}

// NewMarker creates a tracked position starting at m.
func (d *Document) NewMarker(m Mark) *Marker {
	mk := &Marker{doc: d, mark: m}
	d.markers = append(d.markers, mk)
	return mk
}

// RemoveMarker stops tracking mk.
func (d *Document) RemoveMarker(mk *Marker) error {
	for i, other := range d.markers {
		if other == mk {
			d.markers = append(d.markers[:i], d.markers[i+1:]...)
			mk.doc = nil
			return nil
		}
	}
	return ErrMarkerNotFound
}

// Mark returns the marker's current position.
func (mk *Marker) Mark() Mark {
	return mk.mark
}

// IsSet reports whether the marker still refers to text.
func (mk *Marker) IsSet() bool {
	return mk.mark.IsSet()
}

// Seek moves the marker to m.
func (mk *Marker) Seek(m Mark) error {
	if mk.doc == nil {
		return ErrMarkerNotFound
	}
	if _, _, err := mk.doc.locate(m); err != nil {
		return err
	}
	mk.mark = m
	return nil
}

// SeekLine moves the marker to a line and byte offset within it.
func (mk *Marker) SeekLine(line, col int) error {
	return mk.Seek(MarkAt(line, col))
}

// ReadLine returns the line the marker is on.
func (mk *Marker) ReadLine() (string, error) {
	if mk.doc == nil {
		return "", ErrMarkerNotFound
	}
	if !mk.mark.IsSet() {
		return "", ErrMarkUnset
	}
	return mk.doc.Line(mk.mark.Line())
}

// InsertString inserts text at the marker, which ends up after it.
func (mk *Marker) InsertString(ctx context.Context, text string) error {
	if mk.doc == nil {
		return ErrMarkerNotFound
	}
	if !mk.mark.IsSet() {
		return ErrMarkUnset
	}
	return mk.doc.Insert(ctx, mk.mark, text)
}

// BackDelete removes up to n bytes before the marker on its line and
// reports how many were removed.
func (mk *Marker) BackDelete(ctx context.Context, n int) (int, error) {
	if mk.doc == nil {
		return 0, ErrMarkerNotFound
	}
	if !mk.mark.IsSet() {
		return 0, ErrMarkUnset
	}
	col := mk.mark.Col()
	n = min(n, col)
	if n <= 0 {
		return 0, nil
	}
	from := MarkAt(mk.mark.Line(), col-n)
	return n, mk.doc.Delete(ctx, from, mk.mark)
}

// Cursor returns the document's cursor.
func (d *Document) Cursor() Mark {
	return d.cursor
}

// SetCursor moves the cursor to m.
func (d *Document) SetCursor(m Mark) error {
	if err := d.usable(); err != nil {
		return err
	}
	if _, _, err := d.locate(m); err != nil {
		return err
	}
	d.cursor = m
	return nil
}

// SetMark sets the named mark 'a' through 'z'. An unset m clears it.
func (d *Document) SetMark(name rune, m Mark) error {
	if name < 'a' || name > 'z' {
		return fmt.Errorf("%w: mark name %q", ErrInvalidMark, name)
	}
	if m.IsSet() {
		if _, _, err := d.locate(m); err != nil {
			return err
		}
	}
	d.marks[name-'a'] = m
	return nil
}

// MarkNamed returns the named mark 'a' through 'z'.
func (d *Document) MarkNamed(name rune) (Mark, error) {
	if name < 'a' || name > 'z' {
		return MarkUnset, fmt.Errorf("%w: mark name %q", ErrInvalidMark, name)
	}
	m := d.marks[name-'a']
	if !m.IsSet() {
		return MarkUnset, fmt.Errorf("%w: %q", ErrMarkUnset, name)
	}
	return m, nil
}
