package vfile

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memFile is one file of a memFS.
type memFile struct {
	data  []byte
	mtime time.Time
	inode uint64
}

type memHandle struct {
	name   string
	mode   OpenMode
	closed bool
}

// memFS is an in-memory FileSystemInterface with fault injection.
type memFS struct {
	files map[string]*memFile
	clock time.Time
	inode uint64

	// failWrite and failRead, when set, are consulted before every
	// WriteAt and ReadAt. A non-nil result fails the call.
	failWrite func(name string, off int64) error
	failRead  func(name string, off int64) error
}

func newMemFS() *memFS {
	return &memFS{
		files: make(map[string]*memFile),
		clock: time.Unix(1700000000, 0),
	}
}

func (m *memFS) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memFS) newFile() *memFile {
	m.inode++
	return &memFile{mtime: m.tick(), inode: m.inode}
}

// writeFile replaces the contents of name, keeping its inode if it exists.
func (m *memFS) writeFile(name, content string) {
	f, ok := m.files[name]
	if !ok {
		f = m.newFile()
		m.files[name] = f
	}
	f.data = []byte(content)
	f.mtime = m.tick()
}

// readFile returns the contents of name.
func (m *memFS) readFile(name string) (string, bool) {
	f, ok := m.files[name]
	if !ok {
		return "", false
	}
	return string(f.data), true
}

func (m *memFS) exists(name string) bool {
	_, ok := m.files[name]
	return ok
}

func (m *memFS) handle(h FileHandle) (*memHandle, *memFile, error) {
	mh, ok := h.(*memHandle)
	if !ok || mh.closed {
		return nil, nil, ErrFileNotOpen
	}
	f, ok := m.files[mh.name]
	if !ok {
		return nil, nil, &fs.PathError{Op: "access", Path: mh.name, Err: fs.ErrNotExist}
	}
	return mh, f, nil
}

func (m *memFS) Open(name string, mode OpenMode) (FileHandle, error) {
	f, ok := m.files[name]
	switch mode {
	case OpenModeRead:
		if !ok {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
	case OpenModeWrite:
		if !ok {
			f = m.newFile()
			m.files[name] = f
		}
		f.data = nil
		f.mtime = m.tick()
	case OpenModeReadWrite:
		if !ok {
			m.files[name] = m.newFile()
		}
	case OpenModeCreate:
		if ok {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
		}
		m.files[name] = m.newFile()
	}
	return &memHandle{name: name, mode: mode}, nil
}

func (m *memFS) ReadAt(h FileHandle, p []byte, off int64) (int, error) {
	mh, f, err := m.handle(h)
	if err != nil {
		return 0, err
	}
	if m.failRead != nil {
		if err := m.failRead(mh.name, off); err != nil {
			return 0, err
		}
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFS) WriteAt(h FileHandle, p []byte, off int64) error {
	mh, f, err := m.handle(h)
	if err != nil {
		return err
	}
	if mh.mode == OpenModeRead {
		return fmt.Errorf("write %s: read-only handle", mh.name)
	}
	if m.failWrite != nil {
		if err := m.failWrite(mh.name, off); err != nil {
			return err
		}
	}
	if end := off + int64(len(p)); end > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-int64(len(f.data)))...)
	}
	copy(f.data[off:], p)
	f.mtime = m.tick()
	return nil
}

func (m *memFS) FileSize(h FileHandle) (int64, error) {
	_, f, err := m.handle(h)
	if err != nil {
		return 0, err
	}
	return int64(len(f.data)), nil
}

func (m *memFS) Close(h FileHandle) error {
	mh, ok := h.(*memHandle)
	if !ok || mh.closed {
		return ErrFileNotOpen
	}
	mh.closed = true
	return nil
}

func (m *memFS) Stat(name string) (FileStat, error) {
	f, ok := m.files[name]
	if !ok {
		return FileStat{}, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return FileStat{Size: int64(len(f.data)), ModTime: f.mtime, Inode: f.inode}, nil
}

func (m *memFS) Sync(h FileHandle) error {
	return ErrNotSupported
}

func (m *memFS) Truncate(h FileHandle, size int64) error {
	_, f, err := m.handle(h)
	if err != nil {
		return err
	}
	if size < int64(len(f.data)) {
		f.data = f.data[:size]
	}
	return nil
}

func (m *memFS) MkdirAll(path string) error {
	return nil
}

func (m *memFS) Remove(name string) error {
	if _, ok := m.files[name]; !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	delete(m.files, name)
	return nil
}

// filesUnder lists the files whose path starts with prefix.
func (m *memFS) filesUnder(prefix string) []string {
	var names []string
	for name := range m.files {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names
}

// recordingDisplay remembers what it was told.
type recordingDisplay struct {
	messages []string
	changes  int
	redraws  int
}

func (r *recordingDisplay) LinesChanged(first, last, delta int) { r.changes++ }
func (r *recordingDisplay) Redraw()                             { r.redraws++ }
func (r *recordingDisplay) Message(text string)                 { r.messages = append(r.messages, text) }

// answerConfirmer gives the same answer to every prompt.
type answerConfirmer struct {
	answer  bool
	prompts []string
}

func (a *answerConfirmer) Confirm(prompt string) bool {
	a.prompts = append(a.prompts, prompt)
	return a.answer
}

// recordingPreserver remembers what it was asked to preserve.
type recordingPreserver struct {
	infos []PreserveInfo
}

func (p *recordingPreserver) Preserve(ctx context.Context, info PreserveInfo) error {
	p.infos = append(p.infos, info)
	return nil
}

// testConfig is a small geometry that makes block boundaries easy to hit.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BlockSize = 64
	cfg.MaxLogicalBlocks = 256
	cfg.CacheSlots = 4
	cfg.ScratchDir = "/scratch"
	return cfg
}

// newTestLibrary creates a library over a memFS. The options functions may
// adjust the library options, including the config, before Init.
func newTestLibrary(t *testing.T, opts ...func(*LibraryOptions)) (*Library, *memFS) {
	t.Helper()
	fsys := newMemFS()
	cfg := testConfig()
	o := LibraryOptions{
		Config:     &cfg,
		FileSystem: fsys,
		Logger:     zaptest.NewLogger(t),
	}
	for _, f := range opts {
		f(&o)
	}
	lib, err := Init(o)
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })
	return lib, fsys
}

// openText opens a document holding text.
func openText(t *testing.T, lib *Library, text string) *Document {
	t.Helper()
	d, err := lib.Open(context.Background(), OpenOptions{
		Reader: strings.NewReader(text),
		Name:   "test",
		Force:  true,
	})
	require.NoError(t, err)
	return d
}

// numberedLines returns n lines "line 001\n" through "line n\n".
func numberedLines(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %03d\n", i)
	}
	return b.String()
}

// requireIntact checks the block chain against the text.
func requireIntact(t *testing.T, d *Document) {
	t.Helper()
	require.NoError(t, d.CheckIntegrity(context.Background()))
}
