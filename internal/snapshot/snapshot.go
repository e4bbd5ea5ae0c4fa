// Package snapshot persists decoded boundary features as a versioned SQLite
// artifact tagged with the SHA-256 of the source bytes they came from and the
// projection their coordinates are in. A snapshot whose version, source hash
// or projection does not match is reported stale so callers rebuild from
// source instead of trusting file presence.
package snapshot

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/wkb"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/geoattr/internal/spatial"
)

// FormatVersion is bumped whenever the table layout or encoding changes.
const FormatVersion = 2

var (
	// ErrNotFound means no snapshot exists at the path.
	ErrNotFound = eris.New("snapshot: not found")
	// ErrStale means the snapshot was built by another format version, from
	// different source bytes or in another projection.
	ErrStale = eris.New("snapshot: stale")
)

// Meta describes a snapshot file.
type Meta struct {
	FormatVersion int
	SourceSHA256  string
	Projection    string
	Features      int
	CreatedAt     time.Time
}

// ContentHash returns the SHA-256 hex of data.
func ContentHash(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

// Path returns the snapshot file for a layer under dir.
func Path(dir, layer string) string {
	return filepath.Join(dir, layer+".snapshot.db")
}

const schema = `
CREATE TABLE meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE features (
	id         INTEGER PRIMARY KEY,
	geometry   BLOB NOT NULL,
	properties TEXT NOT NULL
);
`

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: open")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "snapshot: set busy timeout")
	}
	return db, nil
}

// Save writes features to path, replacing any existing snapshot atomically.
// projection names the coordinate space of the feature geometries.
func Save(ctx context.Context, path, sourceHash, projection string, features []spatial.Feature) error {
	log := zap.L().With(zap.String("component", "snapshot.save"), zap.String("path", path))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "snapshot: create dir")
	}
	tmpPath := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	_ = os.Remove(tmpPath)

	if err := write(ctx, tmpPath, sourceHash, projection, features); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return eris.Wrap(err, "snapshot: rename")
	}

	log.Info("snapshot saved",
		zap.Int("features", len(features)),
		zap.String("source_sha256", sourceHash),
		zap.String("projection", projection),
	)
	return nil
}

func write(ctx context.Context, path, sourceHash, projection string, features []spatial.Feature) error {
	db, err := open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return eris.Wrap(err, "snapshot: migrate")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "snapshot: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	meta := map[string]string{
		"format_version": strconv.Itoa(FormatVersion),
		"source_sha256":  sourceHash,
		"projection":     projection,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return eris.Wrapf(err, "snapshot: insert meta %s", k)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO features (id, geometry, properties) VALUES (?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "snapshot: prepare insert")
	}
	defer stmt.Close()

	for _, f := range features {
		g, err := wkb.Marshal(f.Geometry, wkb.NDR)
		if err != nil {
			return eris.Wrapf(err, "snapshot: encode feature %d", f.ID)
		}
		props, err := json.Marshal(f.Properties)
		if err != nil {
			return eris.Wrapf(err, "snapshot: encode properties %d", f.ID)
		}
		if _, err := stmt.ExecContext(ctx, f.ID, g, string(props)); err != nil {
			return eris.Wrapf(err, "snapshot: insert feature %d", f.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "snapshot: commit")
	}
	return nil
}

// Inspect reads a snapshot's metadata without loading features.
func Inspect(ctx context.Context, path string) (Meta, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, eris.Wrapf(ErrNotFound, "snapshot: inspect %s", path)
		}
		return Meta{}, eris.Wrap(err, "snapshot: stat")
	}
	db, err := open(path)
	if err != nil {
		return Meta{}, err
	}
	defer db.Close()
	return readMeta(ctx, db)
}

func readMeta(ctx context.Context, db *sql.DB) (Meta, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return Meta{}, eris.Wrapf(ErrStale, "snapshot: read meta: %v", err)
	}
	defer rows.Close()

	var m Meta
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Meta{}, eris.Wrap(err, "snapshot: scan meta")
		}
		switch k {
		case "format_version":
			m.FormatVersion, _ = strconv.Atoi(v)
		case "source_sha256":
			m.SourceSHA256 = v
		case "projection":
			m.Projection = v
		case "created_at":
			m.CreatedAt, _ = time.Parse(time.RFC3339, v)
		}
	}
	if err := rows.Err(); err != nil {
		return Meta{}, eris.Wrap(err, "snapshot: iterate meta")
	}

	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM features`).Scan(&m.Features); err != nil {
		return Meta{}, eris.Wrapf(ErrStale, "snapshot: count features: %v", err)
	}
	return m, nil
}

// Load returns the features in the snapshot at path if it was built by this
// format version, from source bytes hashing to sourceHash, in projection.
func Load(ctx context.Context, path, sourceHash, projection string) ([]spatial.Feature, error) {
	log := zap.L().With(zap.String("component", "snapshot.load"), zap.String("path", path))

	meta, err := Inspect(ctx, path)
	if err != nil {
		return nil, err
	}
	if meta.FormatVersion != FormatVersion {
		return nil, eris.Wrapf(ErrStale, "snapshot: format version %d, want %d", meta.FormatVersion, FormatVersion)
	}
	if meta.SourceSHA256 != sourceHash {
		return nil, eris.Wrapf(ErrStale, "snapshot: source hash %.12s, want %.12s", meta.SourceSHA256, sourceHash)
	}
	if meta.Projection != projection {
		return nil, eris.Wrapf(ErrStale, "snapshot: projection %q, want %q", meta.Projection, projection)
	}

	db, err := open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT id, geometry, properties FROM features ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: query features")
	}
	defer rows.Close()

	features := make([]spatial.Feature, 0, meta.Features)
	for rows.Next() {
		var (
			id    int64
			blob  []byte
			props string
		)
		if err := rows.Scan(&id, &blob, &props); err != nil {
			return nil, eris.Wrap(err, "snapshot: scan feature")
		}
		g, err := wkb.Unmarshal(blob)
		if err != nil {
			return nil, eris.Wrapf(ErrStale, "snapshot: decode feature %d: %v", id, err)
		}
		var p spatial.Properties
		if err := json.Unmarshal([]byte(props), &p); err != nil {
			return nil, eris.Wrapf(ErrStale, "snapshot: decode properties %d: %v", id, err)
		}
		features = append(features, spatial.Feature{ID: id, Geometry: g, Properties: p})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "snapshot: iterate features")
	}

	log.Debug("snapshot loaded", zap.Int("features", len(features)))
	return features, nil
}
