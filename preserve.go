package vfile

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// PreserveInfo describes a scratch file kept after a fatal error.
type PreserveInfo struct {
	Session   string
	Scratch   string // scratch file path
	Name      string // document display name
	Path      string // file the document would have been saved to
	Reason    string
	Time      time.Time
	BlockSize int
	MaxBlocks int
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS preserved (
    scratch    TEXT PRIMARY KEY,
    session    TEXT NOT NULL,
    name       TEXT NOT NULL,
    path       TEXT NOT NULL,
    reason     TEXT NOT NULL,
    time       INTEGER NOT NULL,     -- UnixNano
    block_size INTEGER NOT NULL,
    max_blocks INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_preserved_time ON preserved(time);
`

// Catalog is a SQLite record of preserved scratch files. It implements
// Preserver.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens or creates the catalog database at path.
func OpenCatalog(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to catalog: %w", err)
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Preserve records a preserved scratch file.
func (c *Catalog) Preserve(ctx context.Context, info PreserveInfo) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO preserved
		    (scratch, session, name, path, reason, time, block_size, max_blocks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.Scratch, info.Session, info.Name, info.Path, info.Reason,
		info.Time.UnixNano(), info.BlockSize, info.MaxBlocks)
	if err != nil {
		return fmt.Errorf("recording %s: %w", info.Scratch, err)
	}
	return nil
}

// List returns every preserved file, newest first.
func (c *Catalog) List(ctx context.Context) ([]PreserveInfo, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT scratch, session, name, path, reason, time, block_size, max_blocks
		FROM preserved
		ORDER BY time DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing preserved files: %w", err)
	}
	defer rows.Close()

	var out []PreserveInfo
	for rows.Next() {
		var info PreserveInfo
		var ts int64
		if err := rows.Scan(&info.Scratch, &info.Session, &info.Name, &info.Path,
			&info.Reason, &ts, &info.BlockSize, &info.MaxBlocks); err != nil {
			return nil, err
		}
		info.Time = time.Unix(0, ts)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Lookup returns the entry for one scratch file.
func (c *Catalog) Lookup(ctx context.Context, scratch string) (PreserveInfo, error) {
	info := PreserveInfo{Scratch: scratch}
	var ts int64
	err := c.db.QueryRowContext(ctx, `
		SELECT session, name, path, reason, time, block_size, max_blocks
		FROM preserved WHERE scratch = ?`, scratch).
		Scan(&info.Session, &info.Name, &info.Path, &info.Reason, &ts, &info.BlockSize, &info.MaxBlocks)
	if err == sql.ErrNoRows {
		return info, fmt.Errorf("%w: %s is not preserved", ErrNotFound, scratch)
	}
	if err != nil {
		return info, err
	}
	info.Time = time.Unix(0, ts)
	return info, nil
}

// Forget removes the entry for one scratch file.
func (c *Catalog) Forget(ctx context.Context, scratch string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM preserved WHERE scratch = ?", scratch)
	return err
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Recover writes the text held by a preserved scratch file to w, reading
// the chain from its live header region. It returns the number of bytes
// written.
func Recover(fsys FileSystemInterface, info PreserveInfo, w io.Writer) (int64, error) {
	if fsys == nil {
		fsys = &localFileSystem{}
	}
	geo := newGeometry(info.BlockSize, info.MaxBlocks)
	h, err := fsys.Open(info.Scratch, OpenModeRead)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", info.Scratch, err)
	}
	defer fsys.Close(h)

	size, err := fsys.FileSize(h)
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", info.Scratch, err)
	}
	if size < int64(geo.headerBytes()) {
		return 0, fmt.Errorf("%w: %s is %d bytes, shorter than its header", ErrCorruptScratch, info.Scratch, size)
	}
	fileBlocks := uint32(size / int64(geo.blockSize))

	buf := make([]byte, geo.headerBytes())
	if n, err := fsys.ReadAt(h, buf, geo.liveHeaderOffset()); n < len(buf) {
		return 0, fmt.Errorf("%w: reading header of %s: %d bytes: %v", ErrFatalIO, info.Scratch, n, err)
	}
	phys := decodePhys(geo, buf)

	bw := bufio.NewWriter(w)
	block := make([]byte, geo.blockSize)
	var total int64
	for i := 1; i <= geo.maxBlocks && phys[i] != 0; i++ {
		if phys[i] < uint32(geo.reservedBlocks()) || phys[i] >= fileBlocks {
			return total, fmt.Errorf("%w: logical block %d maps to %d of %d", ErrCorruptScratch, i, phys[i], fileBlocks)
		}
		n, err := fsys.ReadAt(h, block, geo.blockOffset(phys[i]))
		if n < len(block) {
			clear(block[n:])
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return total, fmt.Errorf("%w: block %d of %s: %v", ErrDegradedIO, phys[i], info.Scratch, err)
		}
		block[len(block)-1] = 0
		written, err := bw.Write(block[:contentLength(block)])
		total += int64(written)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// Recover restores a preserved scratch file into w using the library's
// catalog and file system.
func (lib *Library) Recover(ctx context.Context, scratch string, w io.Writer) (int64, error) {
	if lib.catalog == nil {
		return 0, ErrNoPreserveCatalog
	}
	info, err := lib.catalog.Lookup(ctx, scratch)
	if err != nil {
		return 0, err
	}
	return Recover(lib.fs, info, w)
}

// ListPreserved lists the library catalog's preserved files.
func (lib *Library) ListPreserved(ctx context.Context) ([]PreserveInfo, error) {
	if lib.catalog == nil {
		return nil, ErrNoPreserveCatalog
	}
	return lib.catalog.List(ctx)
}
