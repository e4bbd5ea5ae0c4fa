// Package layer is the per-worker init hook: it resolves a boundary layer's
// source, loads or rebuilds its snapshot, and builds the index and
// attribution cache that the worker keeps for its lifetime.
package layer

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/attribution"
	"github.com/sells-group/geoattr/internal/boundary"
	"github.com/sells-group/geoattr/internal/config"
	"github.com/sells-group/geoattr/internal/snapshot"
	"github.com/sells-group/geoattr/internal/spatial"
	"github.com/sells-group/geoattr/pkg/proj"
)

// Resolver returns the bytes behind a source descriptor. *source.Source
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, descriptor string) ([]byte, error)
}

// Layer is one opened boundary dataset.
type Layer struct {
	Name   string
	Config config.LayerConfig

	Index     *spatial.Index
	Cache     *attribution.Cache
	Projector proj.Projector

	SourceSHA256 string
	FromSnapshot bool
}

type options struct {
	snapshotDir string
}

// Option configures Open.
type Option func(*options)

// WithSnapshotDir enables loading and saving snapshots under dir.
func WithSnapshotDir(dir string) Option {
	return func(o *options) {
		o.snapshotDir = dir
	}
}

// ProjectionTag names the coordinate space a layer's features are stored in.
// Snapshots built in another space are stale.
func ProjectionTag(cfg config.LayerConfig) string {
	if cfg.Projected {
		return "esri:102005"
	}
	return "identity"
}

// ProjectorFor returns the projection a layer's index uses.
func ProjectorFor(cfg config.LayerConfig) proj.Projector {
	if cfg.Projected {
		return proj.USAContiguous
	}
	return proj.Identity{}
}

// Open resolves, decodes and indexes the named layer. A failure to resolve
// the source is fatal and names the source in the error.
func Open(ctx context.Context, name string, cfg config.LayerConfig, src Resolver, opts ...Option) (*Layer, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	log := zap.L().With(zap.String("component", "layer.open"), zap.String("layer", name))

	features, hash, fromSnapshot, err := loadFeatures(ctx, name, cfg, src, o, log)
	if err != nil {
		return nil, err
	}

	idx := spatial.Build(features)
	p := ProjectorFor(cfg)
	cache, err := attribution.New(idx, cfg.Precision, attribution.WithProjector(p))
	if err != nil {
		return nil, eris.Wrapf(err, "layer: %s cache", name)
	}

	log.Info("layer ready",
		zap.Int("features", idx.Len()),
		zap.Bool("from_snapshot", fromSnapshot),
		zap.Int("precision", cfg.Precision),
		zap.Bool("projected", cfg.Projected),
	)

	return &Layer{
		Name:         name,
		Config:       cfg,
		Index:        idx,
		Cache:        cache,
		Projector:    p,
		SourceSHA256: hash,
		FromSnapshot: fromSnapshot,
	}, nil
}

func loadFeatures(ctx context.Context, name string, cfg config.LayerConfig, src Resolver, o *options, log *zap.Logger) ([]spatial.Feature, string, bool, error) {
	data, err := src.Resolve(ctx, cfg.Source)
	if err != nil {
		return nil, "", false, eris.Wrapf(err, "layer: %s: resolve source %s", name, cfg.Source)
	}
	hash := snapshot.ContentHash(data)

	if o.snapshotDir != "" {
		path := snapshot.Path(o.snapshotDir, name)
		features, err := snapshot.Load(ctx, path, hash, ProjectionTag(cfg))
		switch {
		case err == nil:
			return features, hash, true, nil
		case errors.Is(err, snapshot.ErrNotFound), errors.Is(err, snapshot.ErrStale):
			log.Info("rebuilding snapshot", zap.String("reason", err.Error()))
		default:
			return nil, "", false, eris.Wrapf(err, "layer: %s: load snapshot", name)
		}
	}

	features, err := decode(name, cfg, data)
	if err != nil {
		return nil, "", false, err
	}

	if o.snapshotDir != "" {
		if err := snapshot.Save(ctx, snapshot.Path(o.snapshotDir, name), hash, ProjectionTag(cfg), features); err != nil {
			// The index is still usable without an artifact.
			log.Warn("snapshot save failed", zap.Error(err))
		}
	}
	return features, hash, false, nil
}

func decode(name string, cfg config.LayerConfig, data []byte) ([]spatial.Feature, error) {
	var opts []boundary.Option
	if cfg.Projected {
		opts = append(opts, boundary.WithProjector(proj.USAContiguous))
	}
	features, err := boundary.Decode(data, opts...)
	if err != nil {
		return nil, eris.Wrapf(err, "layer: %s: decode %s", name, cfg.Source)
	}
	return features, nil
}

// BuildSnapshot decodes the layer from source and writes its snapshot,
// replacing any existing one.
func BuildSnapshot(ctx context.Context, name string, cfg config.LayerConfig, src Resolver, dir string) (snapshot.Meta, error) {
	data, err := src.Resolve(ctx, cfg.Source)
	if err != nil {
		return snapshot.Meta{}, eris.Wrapf(err, "layer: %s: resolve source %s", name, cfg.Source)
	}
	features, err := decode(name, cfg, data)
	if err != nil {
		return snapshot.Meta{}, err
	}
	path := snapshot.Path(dir, name)
	if err := snapshot.Save(ctx, path, snapshot.ContentHash(data), ProjectionTag(cfg), features); err != nil {
		return snapshot.Meta{}, err
	}
	return snapshot.Inspect(ctx, path)
}

// VerifySnapshot reports whether the layer's snapshot matches its current
// source bytes and projection. A mismatch returns snapshot.ErrStale.
func VerifySnapshot(ctx context.Context, name string, cfg config.LayerConfig, src Resolver, dir string) (snapshot.Meta, error) {
	meta, err := snapshot.Inspect(ctx, snapshot.Path(dir, name))
	if err != nil {
		return snapshot.Meta{}, err
	}
	data, err := src.Resolve(ctx, cfg.Source)
	if err != nil {
		return meta, eris.Wrapf(err, "layer: %s: resolve source %s", name, cfg.Source)
	}
	if meta.FormatVersion != snapshot.FormatVersion {
		return meta, eris.Wrapf(snapshot.ErrStale, "layer: %s: format version %d", name, meta.FormatVersion)
	}
	if hash := snapshot.ContentHash(data); meta.SourceSHA256 != hash {
		return meta, eris.Wrapf(snapshot.ErrStale, "layer: %s: source changed", name)
	}
	if tag := ProjectionTag(cfg); meta.Projection != tag {
		return meta, eris.Wrapf(snapshot.ErrStale, "layer: %s: snapshot projection %q, want %q", name, meta.Projection, tag)
	}
	return meta, nil
}

// Region returns the region key of a single-match result.
func (l *Layer) Region(res spatial.Result) (string, bool) {
	if res.Match == nil {
		return "", false
	}
	region, ok := res.Match[l.Config.RegionProperty]
	return region, ok && region != ""
}

// Attribute looks up the region enclosing or within radius of (lon, lat).
func (l *Layer) Attribute(lon, lat, radius float64) (string, spatial.Properties, error) {
	res, err := l.Cache.Get(lon, lat, radius, false)
	if err != nil {
		return "", nil, err
	}
	region, _ := l.Region(res)
	return region, res.Match, nil
}
