package vfile

import "fmt"

// Mark identifies a position as a single integer: a line-aligned base
// combined with a byte offset within that line. Lines are 1-indexed and the
// newline is the last byte of its line. The zero Mark is unset.
type Mark int64

const (
	// markColumnBits is the width of the in-line offset field.
	markColumnBits = 24

	// MaxColumn is the largest in-line offset a Mark can carry.
	MaxColumn = 1<<markColumnBits - 1

	// MarkUnset is the zero Mark.
	MarkUnset Mark = 0
)

// MarkAt creates a Mark for a line and byte offset within that line.
func MarkAt(line, col int) Mark {
	if line < 1 || col < 0 || col > MaxColumn {
		return MarkUnset
	}
	return Mark(int64(line)<<markColumnBits | int64(col))
}

// LineMark creates a Mark at the start of a line.
func LineMark(line int) Mark {
	return MarkAt(line, 0)
}

// Line returns the 1-indexed line of the mark.
func (m Mark) Line() int {
	return int(int64(m) >> markColumnBits)
}

// Col returns the byte offset of the mark within its line.
func (m Mark) Col() int {
	return int(int64(m) & MaxColumn)
}

// IsSet reports whether the mark refers to a position.
func (m Mark) IsSet() bool {
	return m.Line() >= 1
}

// String formats the mark as line:col.
func (m Mark) String() string {
	if !m.IsSet() {
		return "unset"
	}
	return fmt.Sprintf("%d:%d", m.Line(), m.Col())
}

// translateDelete maps m through the deletion of [from, to).
// Marks strictly inside the span become unset.
func translateDelete(m, from, to Mark) Mark {
	if !m.IsSet() || m <= from {
		return m
	}
	if m < to {
		return MarkUnset
	}
	if m.Line() == to.Line() {
		return MarkAt(from.Line(), from.Col()+m.Col()-to.Col())
	}
	return MarkAt(m.Line()-(to.Line()-from.Line()), m.Col())
}

// translateInsert maps m through the insertion of text at at. The inserted
// text adds newlines lines, and its last line is tail bytes long.
func translateInsert(m, at Mark, newlines, tail int) Mark {
	if !m.IsSet() || m < at {
		return m
	}
	if m.Line() == at.Line() {
		if newlines == 0 {
			return MarkAt(m.Line(), m.Col()+tail)
		}
		return MarkAt(m.Line()+newlines, tail+m.Col()-at.Col())
	}
	return MarkAt(m.Line()+newlines, m.Col())
}

// textShape counts the newlines in text and the length of its last line.
func textShape(text []byte) (newlines, tail int) {
	tail = len(text)
	for i, b := range text {
		if b == '\n' {
			newlines++
			tail = len(text) - i - 1
		}
	}
	return newlines, tail
}

// endOfText returns the mark just past the insertion of text at at.
func endOfText(at Mark, text []byte) Mark {
	newlines, tail := textShape(text)
	if newlines == 0 {
		return MarkAt(at.Line(), at.Col()+tail)
	}
	return MarkAt(at.Line()+newlines, tail)
}
