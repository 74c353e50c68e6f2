package vfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Display receives notifications about text that needs redrawing.
type Display interface {
	// LinesChanged reports that lines first through last were replaced and
	// that the line count changed by delta.
	LinesChanged(first, last, delta int)

	// Redraw asks for the whole window to be repainted.
	Redraw()

	// Message shows a one-line status message.
	Message(text string)
}

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(prompt string) bool
}

// Preserver keeps the scratch file of a document that hit a fatal error so
// that it can be recovered later.
type Preserver interface {
	Preserve(ctx context.Context, info PreserveInfo) error
}

type nopDisplay struct{}

func (nopDisplay) LinesChanged(first, last, delta int) {}
func (nopDisplay) Redraw()                             {}
func (nopDisplay) Message(text string)                 {}

// refuseConfirmer answers no to everything.
type refuseConfirmer struct{}

func (refuseConfirmer) Confirm(prompt string) bool { return false }

// LibraryOptions configures the vfile library.
type LibraryOptions struct {
	// Config holds the storage geometry and paths. Nil means DefaultConfig.
	Config *Config

	// FileSystem is used for scratch files and for reading and writing
	// documents. Nil means the local file system.
	FileSystem FileSystemInterface

	// Logger receives structured logs. Nil discards them.
	Logger *zap.Logger

	// Display, Confirmer and Preserver are optional collaborators.
	Display   Display
	Confirmer Confirmer
	Preserver Preserver
}

// Library owns the state shared by every document of an editing session:
// the scratch file generations and the cut buffers.
//
// A Library is not safe for concurrent use.
type Library struct {
	cfg       Config
	geo       geometry
	fs        FileSystemInterface
	log       *zap.Logger
	display   Display
	confirm   Confirmer
	preserver Preserver
	catalog   *Catalog

	session string
	pid     int
	nextGen GenerationID
	gens    *generationRegistry
	cuts    *cutBuffers
	current *Document
	closed  bool
}

// Init creates a library. Scratch files are created in the configured
// scratch directory and named after the process and generation.
func Init(options LibraryOptions) (*Library, error) {
	cfg := DefaultConfig()
	if options.Config != nil {
		cfg = *options.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lib := &Library{
		cfg:       cfg,
		geo:       newGeometry(cfg.BlockSize, cfg.MaxLogicalBlocks),
		fs:        options.FileSystem,
		log:       options.Logger,
		display:   options.Display,
		confirm:   options.Confirmer,
		preserver: options.Preserver,
		session:   uuid.NewString(),
		pid:       os.Getpid(),
	}
	if lib.fs == nil {
		lib.fs = &localFileSystem{}
	}
	if lib.log == nil {
		lib.log = zap.NewNop()
	}
	if lib.display == nil {
		lib.display = nopDisplay{}
	}
	if lib.confirm == nil {
		lib.confirm = refuseConfirmer{}
	}
	lib.log = lib.log.With(zap.String("session", lib.session))
	if cfg.Catalog != "" {
		catalog, err := OpenCatalog(cfg.Catalog)
		if err != nil {
			return nil, err
		}
		lib.catalog = catalog
		if lib.preserver == nil {
			lib.preserver = catalog
		}
	}
	lib.gens = newGenerationRegistry(lib.fs, lib.log)
	lib.cuts = newCutBuffers(lib.gens, cfg.AnonymousBuffers, lib.log)

	if err := lib.fs.MkdirAll(cfg.ScratchDir); err != nil && !errors.Is(err, ErrNotSupported) {
		if lib.catalog != nil {
			lib.catalog.Close()
		}
		return nil, fmt.Errorf("creating scratch directory %s: %w", cfg.ScratchDir, err)
	}
	lib.log.Debug("library initialized",
		zap.Int("block_size", cfg.BlockSize),
		zap.Int("max_blocks", cfg.MaxLogicalBlocks),
		zap.Int("cache_slots", cfg.CacheSlots),
		zap.String("scratch_dir", cfg.ScratchDir))
	return lib, nil
}

// Session returns the unique identifier of this library instance.
func (lib *Library) Session() string {
	return lib.session
}

// Config returns the configuration the library was created with.
func (lib *Library) Config() Config {
	return lib.cfg
}

// Current returns the open document, or nil.
func (lib *Library) Current() *Document {
	return lib.current
}

// ScratchFiles returns the number of scratch files still on disk.
func (lib *Library) ScratchFiles() int {
	return lib.gens.live()
}

// OpenOptions says where a document's text comes from.
type OpenOptions struct {
	// Path is the file to edit. A missing file starts an empty document
	// that will be saved there.
	Path string

	// Reader supplies the text instead of Path.
	Reader io.Reader

	// Name is the display name. It defaults to the base name of Path.
	Name string

	// ReadOnly refuses saving over Path.
	ReadOnly bool

	// Force discards a modified current document without asking.
	Force bool
}

// Open abandons the current document, if any, and opens a new one in a new
// scratch file generation.
func (lib *Library) Open(ctx context.Context, opts OpenOptions) (*Document, error) {
	if lib.closed {
		return nil, ErrDocumentClosed
	}
	if opts.Path != "" && opts.Reader != nil {
		return nil, ErrMultipleDataSources
	}
	if cur := lib.current; cur != nil {
		if err := cur.Abandon(opts.Force); err != nil {
			return nil, err
		}
	}

	lib.nextGen++
	id := lib.nextGen
	gen, err := lib.gens.create(id, lib.scratchPath(id))
	if err != nil {
		return nil, err
	}
	d, err := newDocument(lib, gen)
	if err != nil {
		lib.gens.detach(gen)
		return nil, err
	}
	d.path = opts.Path
	d.name = opts.Name
	if d.name == "" && opts.Path != "" {
		d.name = filepath.Base(opts.Path)
	}
	d.readOnly = opts.ReadOnly

	if err := d.load(ctx, opts); err != nil {
		lib.gens.detach(gen)
		return nil, err
	}
	lib.current = d

	msg := d.report.Diagnostic()
	lib.display.Message(msg)
	lib.log.Info("document opened",
		zap.String("name", d.name),
		zap.String("scratch", gen.path),
		zap.Int("lines", d.report.Lines),
		zap.Int64("bytes", d.report.Bytes))
	return d, nil
}

// load fills the document from the source named by opts.
func (d *Document) load(ctx context.Context, opts OpenOptions) error {
	var r io.Reader = opts.Reader
	if opts.Path != "" {
		h, err := d.lib.fs.Open(opts.Path, OpenModeRead)
		switch {
		case err == nil:
			defer d.lib.fs.Close(h)
			r = &handleReader{fs: d.lib.fs, h: h}
			if src, err := captureSource(d.lib.fs, opts.Path); err == nil {
				d.source = src
			}
		case errors.Is(err, fs.ErrNotExist):
			d.report.NewFile = true
		default:
			return fmt.Errorf("opening %s: %w", opts.Path, err)
		}
	}
	return d.importFrom(ctx, r)
}

// scratchPath names the scratch file of a generation.
func (lib *Library) scratchPath(id GenerationID) string {
	return filepath.Join(lib.cfg.ScratchDir, fmt.Sprintf("vfile%d.%d", lib.pid, id))
}

// closeDocument detaches a document from its generation. The anonymous cut
// buffers go with it; named buffers keep the scratch file alive.
func (lib *Library) closeDocument(d *Document) {
	d.closed = true
	d.cache.discardAll()
	d.markers = nil
	lib.cuts.dropAnonymous()
	lib.gens.detach(d.gen)
	if lib.current == d {
		lib.current = nil
	}
	lib.log.Debug("document closed", zap.String("name", d.name))
}

// Close abandons the current document without asking and releases every
// cut buffer, removing all scratch files this library created.
func (lib *Library) Close() error {
	if lib.closed {
		return nil
	}
	if d := lib.current; d != nil {
		if err := d.Abandon(true); err != nil {
			return err
		}
	}
	lib.cuts.dropAll()
	lib.closed = true
	if lib.catalog != nil {
		return lib.catalog.Close()
	}
	return nil
}

// preserve hands a failed document's scratch file to the Preserver.
func (lib *Library) preserve(d *Document, reason string) {
	_ = d.cache.flushAll()
	if lib.preserver == nil {
		return
	}
	info := PreserveInfo{
		Session:   lib.session,
		Scratch:   d.gen.path,
		Name:      d.name,
		Path:      d.path,
		Reason:    reason,
		Time:      time.Now(),
		BlockSize: lib.geo.blockSize,
		MaxBlocks: lib.geo.maxBlocks,
	}
	if err := lib.preserver.Preserve(context.Background(), info); err != nil {
		lib.log.Error("preserving scratch file", zap.String("path", d.gen.path), zap.Error(err))
		return
	}
	d.gen.preserved = true
	lib.display.Message(fmt.Sprintf("%s preserved as %s", d.name, d.gen.path))
}
