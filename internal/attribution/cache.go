// Package attribution memoizes spatial lookups by geohash cell.
//
// Every point that falls in the same geohash cell at the configured precision
// receives the answer computed for the first point seen in that cell. Near
// cell edges this can attribute a point to a neighboring region; that
// approximation is accepted in exchange for the hit rate and is not corrected.
package attribution

import (
	"math"

	"github.com/mmcloughlin/geohash"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/spatial"
	"github.com/sells-group/geoattr/pkg/proj"
)

// MinPrecision and MaxPrecision bound the geohash length in characters.
const (
	MinPrecision = 1
	MaxPrecision = 12
)

// ErrInvalidRadius is returned for a negative, NaN or infinite buffer radius.
var ErrInvalidRadius = eris.New("attribution: invalid buffer radius")

// Querier is the lookup the cache memoizes. *spatial.Index satisfies it.
type Querier interface {
	Query(point []float64, bufferRadius float64, multiple bool) spatial.Result
}

type key struct {
	cell     string
	radius   float64
	multiple bool
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits    int `json:"hits"`
	Misses  int `json:"misses"`
	Entries int `json:"entries"`
}

// Cache is a never-evicting memo over one index. It is not safe for
// concurrent use; each worker owns its own.
type Cache struct {
	index     Querier
	precision uint
	projector proj.Projector
	entries   map[key]spatial.Result
	hits      int
	misses    int
	log       *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithProjector sets the projection applied to points before querying the
// index. The default is proj.Identity (index in degrees).
func WithProjector(p proj.Projector) Option {
	return func(c *Cache) {
		c.projector = p
	}
}

// New wraps index with a cache keyed at the given geohash precision.
func New(index Querier, precision int, opts ...Option) (*Cache, error) {
	if index == nil {
		return nil, eris.New("attribution: nil index")
	}
	if precision < MinPrecision || precision > MaxPrecision {
		return nil, eris.Errorf("attribution: precision %d outside [%d, %d]", precision, MinPrecision, MaxPrecision)
	}
	c := &Cache{
		index:     index,
		precision: uint(precision),
		projector: proj.Identity{},
		entries:   make(map[key]spatial.Result),
		log:       zap.L().With(zap.String("component", "attribution.cache")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached result for the cell containing (lon, lat), querying
// the index on a miss. Misses are cached too.
func (c *Cache) Get(lon, lat, bufferRadius float64, multiple bool) (spatial.Result, error) {
	if err := proj.ValidateGeographic(lon, lat); err != nil {
		return spatial.Result{}, err
	}
	if math.IsNaN(bufferRadius) || math.IsInf(bufferRadius, 0) || bufferRadius < 0 {
		return spatial.Result{}, eris.Wrapf(ErrInvalidRadius, "attribution: radius %v", bufferRadius)
	}
	k := key{
		cell:     geohash.EncodeWithPrecision(lat, lon, c.precision),
		radius:   bufferRadius,
		multiple: multiple,
	}
	if res, ok := c.entries[k]; ok {
		c.hits++
		return res, nil
	}

	x, y, err := c.projector.Project(lon, lat)
	if err != nil {
		return spatial.Result{}, eris.Wrap(err, "attribution: project")
	}
	res := c.index.Query([]float64{x, y}, bufferRadius, multiple)
	c.entries[k] = res
	c.misses++
	return res, nil
}

// Cell returns the geohash cell a point maps to at this cache's precision.
func (c *Cache) Cell(lon, lat float64) string {
	return geohash.EncodeWithPrecision(lat, lon, c.precision)
}

// Precision returns the geohash length in characters.
func (c *Cache) Precision() int { return int(c.precision) }

// Stats returns hit, miss, and entry counts.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

// LogStats writes the current counters at info level.
func (c *Cache) LogStats(msg string) {
	s := c.Stats()
	c.log.Info(msg,
		zap.Int("hits", s.Hits),
		zap.Int("misses", s.Misses),
		zap.Int("entries", s.Entries),
		zap.Int("precision", int(c.precision)),
	)
}
