package vfile

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
	"time"
)

// SourceChangeType indicates the type of change detected in the source file.
type SourceChangeType int

const (
	// SourceUnchanged indicates no change was detected.
	SourceUnchanged SourceChangeType = iota

	// SourceAppended indicates the file grew.
	SourceAppended

	// SourceModified indicates the file kept its size but its mtime moved.
	SourceModified

	// SourceTruncated indicates the file was shortened.
	SourceTruncated

	// SourceReplaced indicates the file was replaced (different inode).
	SourceReplaced

	// SourceDeleted indicates the file no longer exists.
	SourceDeleted
)

// String returns a human-readable description of the change type.
func (t SourceChangeType) String() string {
	switch t {
	case SourceUnchanged:
		return "unchanged"
	case SourceAppended:
		return "appended"
	case SourceModified:
		return "modified"
	case SourceTruncated:
		return "truncated"
	case SourceReplaced:
		return "replaced"
	case SourceDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// SourceChangeInfo contains details about a detected source file change.
type SourceChangeInfo struct {
	Type         SourceChangeType
	PreviousSize int64
	CurrentSize  int64
}

// Changed reports whether anything other than SourceUnchanged was detected.
// A deleted source counts as unchanged for the purpose of overwriting it.
func (i SourceChangeInfo) Changed() bool {
	return i.Type != SourceUnchanged && i.Type != SourceDeleted
}

// sourceState is the metadata of the original file captured at import time.
type sourceState struct {
	path  string
	mtime time.Time
	size  int64
	inode uint64
}

// inodeOf extracts the inode number from file info (Unix only).
func inodeOf(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}

// captureSource records the metadata of path. A missing file records nothing.
func captureSource(fsys FileSystemInterface, path string) (*sourceState, error) {
	st, err := fsys.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &sourceState{path: path}, nil
	}
	if err != nil {
		return nil, err
	}
	return &sourceState{path: path, mtime: st.ModTime, size: st.Size, inode: st.Inode}, nil
}

// check compares the recorded metadata with the file as it is now.
func (s *sourceState) check(fsys FileSystemInterface) (SourceChangeInfo, error) {
	result := SourceChangeInfo{Type: SourceUnchanged, PreviousSize: s.size}
	if s.path == "" {
		return result, nil
	}

	st, err := fsys.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		result.Type = SourceDeleted
		return result, nil
	}
	if err != nil {
		return SourceChangeInfo{}, err
	}
	result.CurrentSize = st.Size

	// The file did not exist when it was read.
	if s.mtime.IsZero() {
		result.Type = SourceReplaced
		return result, nil
	}

	switch {
	case s.inode != 0 && st.Inode != 0 && s.inode != st.Inode:
		result.Type = SourceReplaced
	case st.Size < s.size:
		result.Type = SourceTruncated
	case st.Size > s.size:
		result.Type = SourceAppended
	case !st.ModTime.Equal(s.mtime):
		result.Type = SourceModified
	}
	return result, nil
}

// CheckSource reports whether the file the document was imported from has
// changed since it was read or last saved.
func (d *Document) CheckSource() (SourceChangeInfo, error) {
	if err := d.usable(); err != nil {
		return SourceChangeInfo{}, err
	}
	if d.source == nil {
		return SourceChangeInfo{Type: SourceUnchanged}, nil
	}
	return d.source.check(d.lib.fs)
}
