// Package store persists aggregated join results.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/geoattr/internal/config"
	"github.com/sells-group/geoattr/internal/join"
)

// Run identifies one persisted join.
type Run struct {
	ID          string    `json:"id"`
	CoarseLayer string    `json:"coarse_layer"`
	MinCount    int       `json:"min_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewRun stamps a run with a fresh id and the current time.
func NewRun(coarseLayer string, minCount int) Run {
	return Run{
		ID:          uuid.NewString(),
		CoarseLayer: coarseLayer,
		MinCount:    minCount,
		CreatedAt:   time.Now().UTC(),
	}
}

// Store records join runs. Each run appends its rows to the history and
// replaces the latest total for every (region, tag) it produced.
type Store interface {
	Migrate(ctx context.Context) error
	SaveRun(ctx context.Context, run Run, counts []join.TagCount) error
	LatestCounts(ctx context.Context, region string) ([]join.TagCount, error)
	Close() error
}

// Open returns the store selected by cfg.Driver. The "none" driver returns
// a nil Store.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err := NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
