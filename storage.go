package vfile

import (
	"io"
	"os"
	"time"
)

// OpenMode specifies how a file should be opened.
type OpenMode int

const (
	// OpenModeRead opens the file for reading only.
	OpenModeRead OpenMode = iota

	// OpenModeWrite opens the file for writing only, truncating it.
	OpenModeWrite

	// OpenModeReadWrite opens the file for reading and writing, creating it if needed.
	OpenModeReadWrite

	// OpenModeCreate creates a new file for reading and writing; it fails if the file exists.
	OpenModeCreate
)

// FileHandle represents an open file.
type FileHandle interface{}

// FileStat is the subset of file metadata the library relies on.
type FileStat struct {
	Size    int64
	ModTime time.Time
	Inode   uint64 // 0 when the file system has no such notion
}

// FileSystemInterface abstracts file operations for scratch files, imports and saves.
// The library provides a default implementation for local files.
type FileSystemInterface interface {
	// Required methods
	Open(name string, mode OpenMode) (FileHandle, error)
	ReadAt(handle FileHandle, p []byte, off int64) (int, error)
	WriteAt(handle FileHandle, p []byte, off int64) error
	FileSize(handle FileHandle) (int64, error)
	Close(handle FileHandle) error
	Stat(name string) (FileStat, error)

	// Optional methods (may return ErrNotSupported)
	Sync(handle FileHandle) error
	Truncate(handle FileHandle, size int64) error

	// Directory operations
	MkdirAll(path string) error
	Remove(name string) error
}

// localFileHandle wraps an os.File for the local file system.
type localFileHandle struct {
	file *os.File
}

// localFileSystem implements FileSystemInterface for local files.
type localFileSystem struct{}

// LocalFileSystem returns the default FileSystemInterface backed by the os package.
func LocalFileSystem() FileSystemInterface {
	return &localFileSystem{}
}

func (fs *localFileSystem) Open(name string, mode OpenMode) (FileHandle, error) {
	var flag int
	switch mode {
	case OpenModeRead:
		flag = os.O_RDONLY
	case OpenModeWrite:
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case OpenModeReadWrite:
		flag = os.O_RDWR | os.O_CREATE
	case OpenModeCreate:
		flag = os.O_RDWR | os.O_CREATE | os.O_EXCL
	}

	perm := os.FileMode(0644)
	if mode == OpenModeCreate {
		perm = 0600
	}
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &localFileHandle{file: f}, nil
}

func (fs *localFileSystem) ReadAt(handle FileHandle, p []byte, off int64) (int, error) {
	h, ok := handle.(*localFileHandle)
	if !ok {
		return 0, ErrFileNotOpen
	}
	n, err := h.file.ReadAt(p, off)
	if err == io.EOF && n > 0 {
		return n, nil
	}
	return n, err
}

func (fs *localFileSystem) WriteAt(handle FileHandle, p []byte, off int64) error {
	h, ok := handle.(*localFileHandle)
	if !ok {
		return ErrFileNotOpen
	}
	_, err := h.file.WriteAt(p, off)
	return err
}

func (fs *localFileSystem) FileSize(handle FileHandle) (int64, error) {
	h, ok := handle.(*localFileHandle)
	if !ok {
		return 0, ErrFileNotOpen
	}
	info, err := h.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (fs *localFileSystem) Close(handle FileHandle) error {
	h, ok := handle.(*localFileHandle)
	if !ok {
		return ErrFileNotOpen
	}
	return h.file.Close()
}

func (fs *localFileSystem) Stat(name string) (FileStat, error) {
	info, err := os.Stat(name)
	if err != nil {
		return FileStat{}, err
	}
	return FileStat{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Inode:   inodeOf(info),
	}, nil
}

func (fs *localFileSystem) Sync(handle FileHandle) error {
	h, ok := handle.(*localFileHandle)
	if !ok {
		return ErrFileNotOpen
	}
	return h.file.Sync()
}

func (fs *localFileSystem) Truncate(handle FileHandle, size int64) error {
	h, ok := handle.(*localFileHandle)
	if !ok {
		return ErrFileNotOpen
	}
	return h.file.Truncate(size)
}

func (fs *localFileSystem) MkdirAll(path string) error {
	return os.MkdirAll(path, 0700)
}

func (fs *localFileSystem) Remove(name string) error {
	return os.Remove(name)
}

// handleReader adapts a FileHandle to io.Reader for imports.
type handleReader struct {
	fs  FileSystemInterface
	h   FileHandle
	off int64
}

func (r *handleReader) Read(p []byte) (int, error) {
	n, err := r.fs.ReadAt(r.h, p, r.off)
	r.off += int64(n)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// handleWriter adapts a FileHandle to io.Writer for saves.
type handleWriter struct {
	fs  FileSystemInterface
	h   FileHandle
	off int64
}

func (w *handleWriter) Write(p []byte) (int, error) {
	if err := w.fs.WriteAt(w.h, p, w.off); err != nil {
		return 0, err
	}
	w.off += int64(len(p))
	return len(p), nil
}
