package vfile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPath(t *testing.T, lib *Library, path string) *Document {
	t.Helper()
	d, err := lib.Open(context.Background(), OpenOptions{Path: path, Force: true})
	require.NoError(t, err)
	return d
}

func TestSaveOwnFile(t *testing.T) {
	lib, fsys := newTestLibrary(t)
	fsys.writeFile("/docs/a.txt", "x\ny\n")
	d := openPath(t, lib, "/docs/a.txt")
	ctx := context.Background()

	require.NoError(t, d.Insert(ctx, LineMark(2), "new\n"))
	require.True(t, d.IsModified())
	require.NoError(t, d.Save(ctx, "", false))

	got, _ := fsys.readFile("/docs/a.txt")
	assert.Equal(t, "x\nnew\ny\n", got)
	assert.False(t, d.IsModified())

	// Saving records the new source state, so a second save needs no confirmation.
	require.NoError(t, d.Insert(ctx, LineMark(1), "w\n"))
	require.NoError(t, d.Save(ctx, "", false))
}

func TestSaveNoFileName(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, "x\n")
	assert.ErrorIs(t, d.Save(context.Background(), "", false), ErrNoFileName)
}

func TestSaveReadOnly(t *testing.T) {
	lib, fsys := newTestLibrary(t)
	fsys.writeFile("/docs/a.txt", "x\n")
	d, err := lib.Open(context.Background(), OpenOptions{Path: "/docs/a.txt", ReadOnly: true})
	require.NoError(t, err)

	assert.ErrorIs(t, d.Save(context.Background(), "", false), ErrReadOnly)
	require.NoError(t, d.Save(context.Background(), "", true))

	d.SetReadOnly(false)
	assert.NoError(t, d.Save(context.Background(), "", false))
}

func TestSaveOverOtherFile(t *testing.T) {
	confirm := &answerConfirmer{}
	lib, fsys := newTestLibrary(t, func(o *LibraryOptions) { o.Confirmer = confirm })
	fsys.writeFile("/docs/a.txt", "a\n")
	fsys.writeFile("/docs/other.txt", "keep\n")
	d := openPath(t, lib, "/docs/a.txt")
	ctx := context.Background()

	assert.ErrorIs(t, d.Save(ctx, "/docs/other.txt", false), ErrFileExists)
	require.Len(t, confirm.prompts, 1)
	assert.Contains(t, confirm.prompts[0], "/docs/other.txt exists")
	got, _ := fsys.readFile("/docs/other.txt")
	assert.Equal(t, "keep\n", got)

	confirm.answer = true
	require.NoError(t, d.Save(ctx, "/docs/other.txt", false))
	got, _ = fsys.readFile("/docs/other.txt")
	assert.Equal(t, "a\n", got)
	assert.Equal(t, "/docs/a.txt", d.Path(), "saving elsewhere keeps the default file")
}

func TestSaveElsewhereKeepsModified(t *testing.T) {
	lib, fsys := newTestLibrary(t)
	fsys.writeFile("/docs/a.txt", "a\n")
	d := openPath(t, lib, "/docs/a.txt")
	ctx := context.Background()

	require.NoError(t, d.Insert(ctx, LineMark(1), "b\n"))
	require.NoError(t, d.Save(ctx, "/docs/copy.txt", false))
	assert.True(t, d.IsModified())
}

func TestSaveUnnamedDocumentAdoptsPath(t *testing.T) {
	lib, fsys := newTestLibrary(t)
	d, err := lib.Open(context.Background(), OpenOptions{Reader: strings.NewReader("x\n")})
	require.NoError(t, err)
	require.NoError(t, d.Insert(context.Background(), LineMark(1), "y\n"))

	require.NoError(t, d.Save(context.Background(), "/docs/out.txt", false))
	assert.Equal(t, "/docs/out.txt", d.Path())
	assert.False(t, d.IsModified())
	got, _ := fsys.readFile("/docs/out.txt")
	assert.Equal(t, "y\nx\n", got)
}

func TestSaveSourceChanged(t *testing.T) {
	confirm := &answerConfirmer{}
	lib, fsys := newTestLibrary(t, func(o *LibraryOptions) { o.Confirmer = confirm })
	fsys.writeFile("/docs/a.txt", "x\ny\n")
	d := openPath(t, lib, "/docs/a.txt")
	ctx := context.Background()

	fsys.writeFile("/docs/a.txt", "changed by someone else\n")
	info, err := d.CheckSource()
	require.NoError(t, err)
	assert.Equal(t, SourceAppended, info.Type)
	assert.Equal(t, int64(4), info.PreviousSize)

	err = d.Save(ctx, "", false)
	assert.ErrorIs(t, err, ErrSourceChanged)
	got, _ := fsys.readFile("/docs/a.txt")
	assert.Equal(t, "changed by someone else\n", got)

	confirm.answer = true
	require.NoError(t, d.Save(ctx, "", false))
	got, _ = fsys.readFile("/docs/a.txt")
	assert.Equal(t, "x\ny\n", got)

	info, err = d.CheckSource()
	require.NoError(t, err)
	assert.Equal(t, SourceUnchanged, info.Type)
}

func TestCheckSourceTypes(t *testing.T) {
	lib, fsys := newTestLibrary(t)
	fsys.writeFile("/docs/a.txt", "abcd\n")
	d := openPath(t, lib, "/docs/a.txt")

	check := func() SourceChangeType {
		info, err := d.CheckSource()
		require.NoError(t, err)
		return info.Type
	}

	assert.Equal(t, SourceUnchanged, check())
	fsys.writeFile("/docs/a.txt", "abce\n")
	assert.Equal(t, SourceModified, check())
	fsys.writeFile("/docs/a.txt", "ab\n")
	assert.Equal(t, SourceTruncated, check())

	require.NoError(t, fsys.Remove("/docs/a.txt"))
	fsys.writeFile("/docs/a.txt", "abcd\n")
	assert.Equal(t, SourceReplaced, check())

	require.NoError(t, fsys.Remove("/docs/a.txt"))
	assert.Equal(t, SourceDeleted, check())
	assert.Equal(t, "deleted", SourceDeleted.String())
}

func TestSaveWriteFailure(t *testing.T) {
	lib, fsys := newTestLibrary(t)
	fsys.writeFile("/docs/a.txt", "a\n")
	d := openPath(t, lib, "/docs/a.txt")
	require.NoError(t, d.Insert(context.Background(), LineMark(1), "b\n"))

	fsys.failWrite = func(name string, off int64) error {
		if name == "/docs/a.txt" {
			return errors.New("quota exceeded")
		}
		return nil
	}
	err := d.Save(context.Background(), "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.True(t, d.IsModified())
}

func TestAbandonModified(t *testing.T) {
	confirm := &answerConfirmer{}
	lib, _ := newTestLibrary(t, func(o *LibraryOptions) { o.Confirmer = confirm })
	d := openText(t, lib, "a\n")
	require.NoError(t, d.Insert(context.Background(), LineMark(1), "b\n"))

	assert.ErrorIs(t, d.Abandon(false), ErrModified)
	assert.Len(t, confirm.prompts, 1)
	assert.Same(t, d, lib.Current())

	require.NoError(t, d.Abandon(true))
	assert.Nil(t, lib.Current())
	_, err := d.Line(1)
	assert.ErrorIs(t, err, ErrDocumentClosed)
	assert.ErrorIs(t, d.Abandon(true), ErrDocumentClosed)
}

func TestOpenRefusesToDiscardModified(t *testing.T) {
	lib, _ := newTestLibrary(t)
	d := openText(t, lib, "a\n")
	require.NoError(t, d.Insert(context.Background(), LineMark(1), "b\n"))

	_, err := lib.Open(context.Background(), OpenOptions{Reader: strings.NewReader("c\n")})
	assert.ErrorIs(t, err, ErrModified)
	assert.Same(t, d, lib.Current())

	d2, err := lib.Open(context.Background(), OpenOptions{Reader: strings.NewReader("c\n"), Force: true})
	require.NoError(t, err)
	assert.Same(t, d2, lib.Current())
	assert.NotEqual(t, d.Generation(), d2.Generation())
	assert.Equal(t, 1, lib.ScratchFiles())
}

func TestSaveAndAbandon(t *testing.T) {
	lib, fsys := newTestLibrary(t)
	fsys.writeFile("/docs/a.txt", "a\n")
	d := openPath(t, lib, "/docs/a.txt")
	require.NoError(t, d.Insert(context.Background(), LineMark(1), "b\n"))

	require.NoError(t, d.SaveAndAbandon(context.Background(), "", false))
	assert.Nil(t, lib.Current())
	got, _ := fsys.readFile("/docs/a.txt")
	assert.Equal(t, "b\na\n", got)
}

func TestFatalHeaderWritePreserves(t *testing.T) {
	preserver := &recordingPreserver{}
	disp := &recordingDisplay{}
	lib, fsys := newTestLibrary(t, func(o *LibraryOptions) {
		o.Preserver = preserver
		o.Display = disp
	})
	d := openText(t, lib, "a\n")
	scratch := d.ScratchPath()
	ctx := context.Background()

	require.NoError(t, d.Insert(ctx, LineMark(1), "b\n"))
	fsys.failWrite = func(name string, off int64) error {
		if name == scratch && off == 0 {
			return errors.New("header sector bad")
		}
		return nil
	}

	err := d.Insert(ctx, LineMark(1), "c\n")
	assert.ErrorIs(t, err, ErrFatalIO)
	require.Len(t, preserver.infos, 1)
	info := preserver.infos[0]
	assert.Equal(t, scratch, info.Scratch)
	assert.Equal(t, lib.Session(), info.Session)
	assert.Equal(t, 64, info.BlockSize)

	assert.ErrorIs(t, d.Insert(ctx, LineMark(1), "d\n"), ErrDocumentFailed)
	_, err = d.Line(1)
	assert.ErrorIs(t, err, ErrDocumentFailed)

	// A failed document can be abandoned without confirmation, and its
	// scratch file stays for recovery.
	require.NoError(t, d.Abandon(false))
	assert.True(t, fsys.exists(scratch))
	assert.Contains(t, disp.messages[len(disp.messages)-1], "preserved as "+scratch)
}

func TestDegradedBlockWriteContinues(t *testing.T) {
	disp := &recordingDisplay{}
	lib, fsys := newTestLibrary(t, func(o *LibraryOptions) { o.Display = disp })
	d := openText(t, lib, "a\n")
	scratch := d.ScratchPath()
	ctx := context.Background()
	headerEnd := 2 * d.geo.undoHeaderOffset()

	fsys.failWrite = func(name string, off int64) error {
		if name == scratch && off >= headerEnd {
			return errors.New("bad block")
		}
		return nil
	}

	require.NoError(t, d.Insert(ctx, LineMark(1), "b\n"))
	require.NoError(t, d.Insert(ctx, LineMark(1), "c\n"))
	assert.Equal(t, "c\nb\na\n", d.String())
	assert.NotZero(t, d.Stats().WriteErrors)
	assert.NotEmpty(t, disp.messages)

	// Text that only exists in memory cannot be captured by reference.
	assert.ErrorIs(t, d.Cut(ctx, 'a', LineMark(1), LineMark(2)), ErrDegradedIO)
}
