package join

import (
	"iter"
	"slices"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/attribution"
	"github.com/sells-group/geoattr/internal/spatial"
	"github.com/sells-group/geoattr/pkg/proj"
)

// ErrUnsorted is returned under OrderStrict when a POI arrives after a
// Subject in the same partition.
var ErrUnsorted = eris.New("join: partition not sorted poi-first")

// Order selects how Reduce treats the poi-before-subject contract.
type Order int

const (
	// OrderStrict asserts the contract and fails the partition on violation.
	OrderStrict Order = iota
	// OrderBuffer collects the partition and stable-sorts it POI-first.
	OrderBuffer
)

// ParseOrder maps "strict" and "buffer" to an Order.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "strict", "":
		return OrderStrict, nil
	case "buffer":
		return OrderBuffer, nil
	default:
		return 0, eris.Errorf("join: unknown order %q", s)
	}
}

func (o Order) String() string {
	if o == OrderBuffer {
		return "buffer"
	}
	return "strict"
}

// EngineConfig configures Phase 2.
type EngineConfig struct {
	// FineRadius is the match distance in projected units.
	FineRadius float64
	// FinePrecision is the geohash length of the per-partition cache.
	FinePrecision int
	// TagKeys lists the POI tags that make a POI eligible, e.g. "amenity".
	TagKeys []string
	// ValueKey names the tag whose value is emitted, e.g. "name".
	ValueKey string
	Order    Order
	// Projector maps POI and Subject points into the fine index. Defaults to
	// proj.USAContiguous.
	Projector proj.Projector
}

// Engine runs Phase 2. It holds no per-partition state, so one Engine can
// serve concurrent Reduce calls for different regions.
type Engine struct {
	cfg EngineConfig
	log *zap.Logger
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.FineRadius < 0 {
		return nil, eris.Errorf("join: negative fine radius %v", cfg.FineRadius)
	}
	if cfg.FinePrecision < attribution.MinPrecision || cfg.FinePrecision > attribution.MaxPrecision {
		return nil, eris.Errorf("join: fine precision %d outside [%d, %d]",
			cfg.FinePrecision, attribution.MinPrecision, attribution.MaxPrecision)
	}
	if len(cfg.TagKeys) == 0 || cfg.ValueKey == "" {
		return nil, eris.New("join: tag keys and value key are required")
	}
	if cfg.Projector == nil {
		cfg.Projector = proj.USAContiguous
	}
	return &Engine{
		cfg: cfg,
		log: zap.L().With(zap.String("component", "join.engine")),
	}, nil
}

// Reduce performs the fine join for one coarse region. values must yield
// every POI before any Subject unless the engine buffers. For each Subject,
// every distinct value of ValueKey among eligible POIs within FineRadius is
// emitted once as (region, value) -> 1.
func (e *Engine) Reduce(region string, values iter.Seq[Record], emit CountEmitter) error {
	if e.cfg.Order == OrderBuffer {
		values = poiFirst(values)
	}

	idx := spatial.NewIndex()
	cache, err := attribution.New(idx, e.cfg.FinePrecision, attribution.WithProjector(e.cfg.Projector))
	if err != nil {
		return eris.Wrap(err, "join: fine cache")
	}

	var pois, subjects, skipped, emitted int
	for rec := range values {
		switch r := valueOf(rec).(type) {
		case POI:
			if subjects > 0 {
				return eris.Wrapf(ErrUnsorted, "join: region %q: poi after %d subjects", region, subjects)
			}
			if !e.eligible(r.Tags) {
				skipped++
				continue
			}
			x, y, err := e.cfg.Projector.Project(r.Lon, r.Lat)
			if err != nil {
				skipped++
				e.log.Debug("skipping poi", zap.String("region", region), zap.Error(err))
				continue
			}
			if _, err := idx.Add(geom.NewPointFlat(geom.XY, []float64{x, y}), spatial.Properties(r.Tags)); err != nil {
				return eris.Wrapf(err, "join: region %q: insert poi", region)
			}
			pois++
		case Subject:
			subjects++
			if idx.Len() == 0 {
				continue
			}
			res, err := cache.Get(r.Lon, r.Lat, e.cfg.FineRadius, true)
			if err != nil {
				skipped++
				e.log.Debug("skipping subject", zap.String("region", region), zap.Error(err))
				continue
			}
			for _, value := range e.distinctValues(res.Matches) {
				if err := emit(region, value, 1); err != nil {
					return eris.Wrapf(err, "join: region %q: emit", region)
				}
				emitted++
			}
		default:
			return eris.Errorf("join: region %q: unsupported record %T", region, rec)
		}
	}

	e.log.Debug("partition reduced",
		zap.String("region", region),
		zap.Int("pois", pois),
		zap.Int("subjects", subjects),
		zap.Int("skipped", skipped),
		zap.Int("emitted", emitted),
		zap.Int("index_searches", idx.Searches()),
	)
	return nil
}

// eligible reports whether a POI carries one of the tag keys and a value.
func (e *Engine) eligible(tags map[string]string) bool {
	if tags[e.cfg.ValueKey] == "" {
		return false
	}
	for _, k := range e.cfg.TagKeys {
		if _, ok := tags[k]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) distinctValues(matches []spatial.Properties) []string {
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if v := m[e.cfg.ValueKey]; v != "" {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// valueOf returns pointer records as values. A nil pointer yields nil.
func valueOf(rec Record) Record {
	switch r := rec.(type) {
	case *POI:
		if r == nil {
			return nil
		}
		return *r
	case *Subject:
		if r == nil {
			return nil
		}
		return *r
	}
	return rec
}

// poiFirst buffers values and yields them POIs first, preserving the
// relative order within each kind.
func poiFirst(values iter.Seq[Record]) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		buf := slices.Collect(values)
		slices.SortStableFunc(buf, func(a, b Record) int {
			return int(a.Kind()) - int(b.Kind())
		})
		for _, r := range buf {
			if !yield(r) {
				return
			}
		}
	}
}
