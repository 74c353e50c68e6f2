package vfile

import (
	"fmt"

	"go.uber.org/zap"
)

// GenerationID identifies one scratch file instance.
type GenerationID uint64

// generation is one scratch file. It is referenced by the document that owns
// it and by every cut buffer captured from it, and is unlinked when the last
// reference goes away.
type generation struct {
	id        GenerationID
	path      string
	file      FileHandle
	refs      int
	document  bool // the owning document is still open
	readOnly  bool
	preserved bool // handed to a Preserver; never removed
}

// generationRegistry reference-counts scratch files.
type generationRegistry struct {
	fs   FileSystemInterface
	log  *zap.Logger
	gens map[GenerationID]*generation
}

func newGenerationRegistry(fsys FileSystemInterface, log *zap.Logger) *generationRegistry {
	return &generationRegistry{
		fs:   fsys,
		log:  log,
		gens: make(map[GenerationID]*generation),
	}
}

// create makes a new scratch file owned by a document.
func (r *generationRegistry) create(id GenerationID, path string) (*generation, error) {
	file, err := r.fs.Open(path, OpenModeCreate)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrFatalIO, path, err)
	}
	g := &generation{id: id, path: path, file: file, refs: 1, document: true}
	r.gens[id] = g
	r.log.Debug("scratch file created", zap.String("path", path), zap.Uint64("generation", uint64(id)))
	return g, nil
}

// retain adds a cut buffer reference.
func (r *generationRegistry) retain(g *generation) {
	g.refs++
}

// release drops one reference. When the last one goes the file is closed and
// removed.
func (r *generationRegistry) release(g *generation) {
	if g == nil || g.refs == 0 {
		return
	}
	g.refs--
	if g.refs > 0 {
		return
	}
	if err := r.fs.Close(g.file); err != nil {
		r.log.Warn("closing scratch file", zap.String("path", g.path), zap.Error(err))
	}
	delete(r.gens, g.id)
	if g.preserved {
		return
	}
	if err := r.fs.Remove(g.path); err != nil {
		r.log.Warn("removing scratch file", zap.String("path", g.path), zap.Error(err))
	}
	r.log.Debug("scratch file removed", zap.String("path", g.path), zap.Uint64("generation", uint64(g.id)))
}

// detach drops the owning document's reference. A file still referenced by
// cut buffers is reopened read-only.
func (r *generationRegistry) detach(g *generation) {
	if !g.document {
		return
	}
	g.document = false
	if g.refs > 1 && !g.readOnly {
		if err := r.fs.Close(g.file); err != nil {
			r.log.Warn("closing scratch file", zap.String("path", g.path), zap.Error(err))
		}
		file, err := r.fs.Open(g.path, OpenModeRead)
		if err != nil {
			r.log.Warn("reopening scratch file read-only", zap.String("path", g.path), zap.Error(err))
			g.file = nil
		} else {
			g.file = file
		}
		g.readOnly = true
	}
	r.release(g)
}

// readBlock reads one physical block of a generation.
func (r *generationRegistry) readBlock(g *generation, geo geometry, phys uint32, buf []byte) error {
	if g.file == nil {
		return ErrGenerationGone
	}
	n, err := r.fs.ReadAt(g.file, buf, geo.blockOffset(phys))
	if err != nil || n < len(buf) {
		clear(buf[n:])
		return fmt.Errorf("%w: cut buffer block %d of %s: %d bytes: %v", ErrDegradedIO, phys, g.path, n, err)
	}
	return nil
}

// live returns the number of scratch files still on disk.
func (r *generationRegistry) live() int {
	return len(r.gens)
}
