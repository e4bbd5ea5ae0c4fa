package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/db"
	"github.com/sells-group/geoattr/internal/join"
)

const (
	historyTable = "tag_count_history"
	latestTable  = "tag_counts"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 4
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS join_runs (
	id           TEXT PRIMARY KEY,
	coarse_layer TEXT NOT NULL,
	min_count    INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
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
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (region, tag)
);

CREATE INDEX IF NOT EXISTS idx_tag_count_history_run ON tag_count_history(run_id);
`

// Migrate creates the result tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// SaveRun records the run, copies its rows into the history and upserts the
// latest totals in one transaction.
func (s *PostgresStore) SaveRun(ctx context.Context, run Run, counts []join.TagCount) error {
	log := zap.L().With(zap.String("component", "store.postgres"), zap.String("run_id", run.ID))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO join_runs (id, coarse_layer, min_count, created_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.CoarseLayer, run.MinCount, run.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert run %s", run.ID)
	}

	history := make([][]any, len(counts))
	latest := make([][]any, len(counts))
	for i, c := range counts {
		history[i] = []any{run.ID, c.Region, c.Tag, c.Count}
		latest[i] = []any{c.Region, c.Tag, c.Count, run.ID, run.CreatedAt}
	}

	copied, err := db.CopyFrom(ctx, tx, historyTable, []string{"run_id", "region", "tag", "count"}, history)
	if err != nil {
		return eris.Wrap(err, "postgres: save history")
	}
	upserted, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
		Table:        latestTable,
		Columns:      []string{"region", "tag", "count", "run_id", "updated_at"},
		ConflictKeys: []string{"region", "tag"},
	}, latest)
	if err != nil {
		return eris.Wrap(err, "postgres: save latest")
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit")
	}
	log.Info("run saved", zap.Int64("history_rows", copied), zap.Int64("latest_rows", upserted))
	return nil
}

// LatestCounts returns the current totals for region, highest first.
func (s *PostgresStore) LatestCounts(ctx context.Context, region string) ([]join.TagCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT region, tag, count FROM tag_counts WHERE region = $1 ORDER BY count DESC, tag`,
		region,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest counts for %s", region)
	}
	defer rows.Close()

	var out []join.TagCount
	for rows.Next() {
		var c join.TagCount
		if err := rows.Scan(&c.Region, &c.Tag, &c.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tag count")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate tag counts")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
