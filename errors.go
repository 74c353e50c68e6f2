// Package vfile provides a block-paged virtual file for line-oriented text
// editing: a scratch file addressed through a logical-to-physical block map,
// a bounded block cache, single-level undo by header snapshot, and cut
// buffers that reference physical blocks across document generations.
package vfile

import "errors"

// Position errors
var (
	// ErrInvalidMark indicates that a mark does not address a position in the document.
	ErrInvalidMark = errors.New("invalid mark")

	// ErrMarkUnset indicates that a named mark has not been set.
	ErrMarkUnset = errors.New("mark not set")

	// ErrInvalidRange indicates that the end of a range precedes its start.
	ErrInvalidRange = errors.New("invalid range")

	// ErrNotFound indicates that a search found no match.
	ErrNotFound = errors.New("pattern not found")

	// ErrMarkerNotFound indicates that a marker is not tracked by the document.
	ErrMarkerNotFound = errors.New("marker not found")
)

// Storage errors
var (
	// ErrFatalIO indicates that the scratch file header could not be read or
	// written, or the scratch file could not be created. The document cannot
	// safely continue.
	ErrFatalIO = errors.New("fatal scratch file error")

	// ErrDegradedIO indicates that a content block could not be fully read
	// or written. The edit session continues with what is in memory.
	ErrDegradedIO = errors.New("scratch file block error")

	// ErrCapacityExceeded indicates that the document needs more logical
	// blocks than the header can map.
	ErrCapacityExceeded = errors.New("document too large")

	// ErrCorruptScratch indicates that a scratch file's header does not fit
	// the file it was read from.
	ErrCorruptScratch = errors.New("corrupt scratch file")

	// ErrStaleHandle indicates that a block handle outlived its cache slot.
	ErrStaleHandle = errors.New("stale block handle")
)

// Undo errors
var (
	// ErrNothingToUndo indicates that no top-level edit has completed yet.
	ErrNothingToUndo = errors.New("nothing to undo")
)

// Cut buffer errors
var (
	// ErrInvalidBufferName indicates a cut buffer name outside a-z, A-Z, '.' and 1-9.
	ErrInvalidBufferName = errors.New("invalid cut buffer name")

	// ErrEmptyBuffer indicates that a paste named a buffer holding nothing.
	ErrEmptyBuffer = errors.New("cut buffer is empty")

	// ErrGenerationGone indicates that a cut buffer's scratch file is no longer available.
	ErrGenerationGone = errors.New("cut buffer generation no longer available")
)

// Document lifecycle errors
var (
	// ErrReadOnly indicates an attempt to write a read-only document.
	ErrReadOnly = errors.New("document is read-only")

	// ErrModified indicates that a modified document would be discarded.
	ErrModified = errors.New("document modified since last save")

	// ErrFileExists indicates that a save would overwrite another existing file.
	ErrFileExists = errors.New("file exists")

	// ErrNoFileName indicates a save with no path and no default file name.
	ErrNoFileName = errors.New("no file name")

	// ErrSourceChanged indicates that the original file changed after it was read.
	ErrSourceChanged = errors.New("file changed since it was read")

	// ErrDocumentClosed indicates use of a document after it was abandoned.
	ErrDocumentClosed = errors.New("document closed")

	// ErrDocumentFailed indicates use of a document after a fatal I/O error.
	ErrDocumentFailed = errors.New("document failed after fatal error")

	// ErrCancelled indicates that an operation was interrupted and rolled back.
	ErrCancelled = errors.New("operation cancelled")
)

// File system errors
var (
	// ErrNotSupported indicates that an optional file system operation is not supported.
	ErrNotSupported = errors.New("operation not supported")

	// ErrFileNotOpen indicates that the file handle is not open.
	ErrFileNotOpen = errors.New("file not open")
)

// Configuration errors
var (
	// ErrMultipleDataSources indicates that both a path and a reader were provided.
	ErrMultipleDataSources = errors.New("multiple data sources provided")

	// ErrNoPreserveCatalog indicates that no preserve catalog is configured.
	ErrNoPreserveCatalog = errors.New("preserve catalog not configured")
)
