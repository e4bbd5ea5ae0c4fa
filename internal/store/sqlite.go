package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/geoattr/internal/join"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS join_runs (
	id           TEXT PRIMARY KEY,
	coarse_layer TEXT NOT NULL,
	min_count    INTEGER NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tag_count_history (
	run_id TEXT NOT NULL REFERENCES join_runs(id),
	region TEXT NOT NULL,
	tag    TEXT NOT NULL,
	count  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tag_counts (
	region     TEXT NOT NULL,
	tag        TEXT NOT NULL,
	count      INTEGER NOT NULL,
	run_id     TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (region, tag)
);

CREATE INDEX IF NOT EXISTS idx_tag_count_history_run ON tag_count_history(run_id);
`

// Migrate creates the result tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// SaveRun writes the run, its history rows and the latest totals in one
// transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run Run, counts []join.TagCount) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO join_runs (id, coarse_layer, min_count, created_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.CoarseLayer, run.MinCount, run.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
	}

	history, err := tx.PrepareContext(ctx, `INSERT INTO tag_count_history (run_id, region, tag, count) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare history insert")
	}
	defer history.Close()

	latest, err := tx.PrepareContext(ctx, `
		INSERT INTO tag_counts (region, tag, count, run_id, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (region, tag) DO UPDATE SET
			count = excluded.count,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare latest upsert")
	}
	defer latest.Close()

	for _, c := range counts {
		if _, err := history.ExecContext(ctx, run.ID, c.Region, c.Tag, c.Count); err != nil {
			return eris.Wrapf(err, "sqlite: insert history %s/%s", c.Region, c.Tag)
		}
		if _, err := latest.ExecContext(ctx, c.Region, c.Tag, c.Count, run.ID, run.CreatedAt); err != nil {
			return eris.Wrapf(err, "sqlite: upsert latest %s/%s", c.Region, c.Tag)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// LatestCounts returns the current totals for region, highest first.
func (s *SQLiteStore) LatestCounts(ctx context.Context, region string) ([]join.TagCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT region, tag, count FROM tag_counts WHERE region = ? ORDER BY count DESC, tag`,
		region,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest counts for %s", region)
	}
	defer rows.Close()

	var out []join.TagCount
	for rows.Next() {
		var c join.TagCount
		if err := rows.Scan(&c.Region, &c.Tag, &c.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tag count")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate tag counts")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
