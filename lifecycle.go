package vfile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Save writes the text to path, or to the document's own file when path is
// empty. Writing over the document's own file is refused when it is
// read-only or changed on disk since it was read; writing over any other
// existing file needs confirmation. Force skips every check.
func (d *Document) Save(ctx context.Context, path string, force bool) error {
	if err := d.usable(); err != nil {
		return err
	}
	own := path == "" || path == d.path
	if path == "" {
		path = d.path
	}
	if path == "" {
		return ErrNoFileName
	}

	if !force {
		if err := d.checkSave(path, own); err != nil {
			return err
		}
	}

	n, err := d.writeFile(ctx, path)
	if err != nil {
		d.log.Error("save failed", zap.String("path", path), zap.Error(err))
		return err
	}

	if own || d.path == "" {
		d.path = path
		if d.name == "" {
			d.name = path
		}
		d.modified = false
		if src, err := captureSource(d.lib.fs, path); err == nil {
			d.source = src
		}
	}
	lines := d.hdr.lineCount()
	d.lib.display.Message(fmt.Sprintf("%q %d lines, %d characters", path, lines, n))
	d.log.Info("document saved",
		zap.String("path", path),
		zap.Int("lines", lines),
		zap.Int64("bytes", n))
	return nil
}

// checkSave decides whether path may be written without force.
func (d *Document) checkSave(path string, own bool) error {
	if own {
		if d.readOnly {
			return fmt.Errorf("%w: %s", ErrReadOnly, path)
		}
		if d.source == nil {
			return nil
		}
		info, err := d.source.check(d.lib.fs)
		if err != nil || !info.Changed() {
			return nil
		}
		if !d.lib.confirm.Confirm(fmt.Sprintf("%s was %s since it was read. Write anyway?", path, info.Type)) {
			return fmt.Errorf("%w: %s %s", ErrSourceChanged, path, info.Type)
		}
		return nil
	}

	if _, err := d.lib.fs.Stat(path); err == nil {
		if !d.lib.confirm.Confirm(fmt.Sprintf("%s exists. Overwrite?", path)) {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
	}
	return nil
}

// writeFile streams the text into path, replacing its contents.
func (d *Document) writeFile(ctx context.Context, path string) (int64, error) {
	h, err := d.lib.fs.Open(path, OpenModeWrite)
	if err != nil {
		return 0, fmt.Errorf("opening %s for writing: %w", path, err)
	}
	n, err := d.writeText(ctx, &handleWriter{fs: d.lib.fs, h: h})
	if err == nil {
		if serr := d.lib.fs.Sync(h); serr != nil && !errors.Is(serr, ErrNotSupported) {
			err = serr
		}
	}
	if cerr := d.lib.fs.Close(h); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("writing %s: %w", path, err)
	}
	return n, nil
}

// Abandon closes the document. A modified document is only discarded when
// force is set or the user confirms. A document that failed can always be
// abandoned.
func (d *Document) Abandon(force bool) error {
	if d.closed {
		return ErrDocumentClosed
	}
	if d.modified && !force && d.failed == nil {
		if !d.lib.confirm.Confirm(fmt.Sprintf("%s has been modified. Discard changes?", d.displayName())) {
			return ErrModified
		}
	}
	d.lib.closeDocument(d)
	return nil
}

// SaveAndAbandon saves the document and closes it.
func (d *Document) SaveAndAbandon(ctx context.Context, path string, force bool) error {
	if err := d.Save(ctx, path, force); err != nil {
		return err
	}
	return d.Abandon(force)
}

func (d *Document) displayName() string {
	if d.name == "" {
		return "[no name]"
	}
	return d.name
}
