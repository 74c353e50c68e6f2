package vfile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUndoNothingToUndo(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, "a\n")
	assert.ErrorIs(t, d.Undo(context.Background()), ErrNothingToUndo)
}

func TestUndoTwiceIsRedo(t *testing.T) {
	lib, _ := newTestLibrary(t)
	original := "one\ntwo\n"
	d := openText(t, lib, original)
	ctx := context.Background()

	require.NoError(t, d.Insert(ctx, LineMark(2), "mid\n"))
	edited := d.String()

	require.NoError(t, d.Undo(ctx))
	assert.Equal(t, original, d.String())
	assert.Equal(t, 2, d.LineCount())
	requireIntact(t, d)

	require.NoError(t, d.Undo(ctx))
	assert.Equal(t, edited, d.String())
	assert.Equal(t, 3, d.LineCount())
	requireIntact(t, d)
}

func TestUndoIsSingleLevel(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, "a\n")
	ctx := context.Background()

	require.NoError(t, d.Insert(ctx, LineMark(1), "b\n"))
	require.NoError(t, d.Insert(ctx, LineMark(1), "c\n"))
	require.NoError(t, d.Undo(ctx))
	assert.Equal(t, "b\na\n", d.String())
}

func TestUndoGroupsNestedChanges(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, "a\n")
	ctx := context.Background()

	require.NoError(t, d.BeginChange())
	require.NoError(t, d.Insert(ctx, LineMark(1), "b\n"))
	require.NoError(t, d.Insert(ctx, LineMark(1), "c\n"))
	require.NoError(t, d.Delete(ctx, LineMark(3), d.EndMark()))
	assert.True(t, d.InChange())
	d.EndChange()
	assert.False(t, d.InChange())
	assert.Equal(t, "c\nb\n", d.String())

	require.NoError(t, d.Undo(ctx))
	assert.Equal(t, "a\n", d.String())
}

func TestUndoRestoresCursor(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, "one\ntwo\n")
	ctx := context.Background()

	require.NoError(t, d.SetCursor(MarkAt(2, 1)))
	require.NoError(t, d.Insert(ctx, LineMark(1), "zero\n"))
	assert.Equal(t, MarkAt(3, 1), d.Cursor())

	require.NoError(t, d.Undo(ctx))
	assert.Equal(t, MarkAt(2, 1), d.Cursor())
	require.NoError(t, d.Undo(ctx))
	assert.Equal(t, MarkAt(3, 1), d.Cursor())
}

func TestUndoDeleteAcrossBlocks(t *testing.T) {
	lib, _ := newTestLibrary(t)
	original := numberedLines(80)
	d := openText(t, lib, original)
	ctx := context.Background()

	require.NoError(t, d.Delete(ctx, LineMark(1), d.EndMark()))
	assert.Equal(t, "\n", d.String())

	require.NoError(t, d.Undo(ctx))
	assert.Equal(t, original, d.String())
	requireIntact(t, d)
}

func TestUndoEndsOpenChange(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, "a\n")
	ctx := context.Background()

	require.NoError(t, d.BeginChange())
	require.NoError(t, d.Insert(ctx, LineMark(1), "b\n"))
	require.NoError(t, d.Undo(ctx))
	assert.False(t, d.InChange())
	assert.Equal(t, "a\n", d.String())
}

func TestUndoRedraws(t *testing.T) {
	disp := &recordingDisplay{}
	lib, _ := newTestLibrary(t, func(o *LibraryOptions) { o.Display = disp })
	d := openText(t, lib, "a\n")

	require.NoError(t, d.Insert(context.Background(), LineMark(1), "b\n"))
	require.NoError(t, d.Undo(context.Background()))
	assert.Equal(t, 1, disp.redraws)
}

func TestCancelChangeKeepsEdits(t *testing.T) {
	disp := &recordingDisplay{}
	lib, _ := newTestLibrary(t, func(o *LibraryOptions) { o.Display = disp })
	d := openText(t, lib, "a\n")

	require.NoError(t, d.BeginChange())
	require.NoError(t, d.BeginChange())
	require.NoError(t, d.Insert(context.Background(), LineMark(1), "b\n"))
	d.CancelChange()

	assert.False(t, d.InChange())
	assert.True(t, d.IsModified())
	assert.Equal(t, "b\na\n", d.String())
	assert.Equal(t, 1, disp.redraws)

	// With nothing open, cancelling does nothing.
	d.CancelChange()
	assert.Equal(t, 1, disp.redraws)
}

func TestScratchFileReusesHoles(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, "a\n")
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, d.Insert(ctx, MarkAt(1, 0), "x"))
		if i%10 == 9 {
			require.NoError(t, d.Undo(ctx))
			require.NoError(t, d.Undo(ctx))
		}
	}
	s := d.Stats()
	assert.LessOrEqual(t, s.FileBlocks, uint32(d.geo.reservedBlocks()+4))
	requireIntact(t, d)
}
