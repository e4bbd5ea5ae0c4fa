package join

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/spatial"
)

// Attributor answers memoized point lookups. *attribution.Cache satisfies it.
type Attributor interface {
	Get(lon, lat, bufferRadius float64, multiple bool) (spatial.Result, error)
}

// TaggerStats counts Phase 1 outcomes.
type TaggerStats struct {
	Tagged  int `json:"tagged"`
	Dropped int `json:"dropped"`
}

// Tagger runs Phase 1: it keys each record by its coarse region.
type Tagger struct {
	cache          Attributor
	radius         float64
	regionProperty string
	stats          TaggerStats
	log            *zap.Logger
}

// NewTagger creates a Tagger looking up regions through cache at the given
// buffer radius and reading the region key from regionProperty.
func NewTagger(cache Attributor, radius float64, regionProperty string) *Tagger {
	return &Tagger{
		cache:          cache,
		radius:         radius,
		regionProperty: regionProperty,
		log:            zap.L().With(zap.String("component", "join.tagger")),
	}
}

// Map emits rec under its coarse region. Records with no region are dropped
// without error. An invalid coordinate fails only this call.
func (t *Tagger) Map(rec Record, emit RecordEmitter) error {
	lon, lat := rec.Point()
	res, err := t.cache.Get(lon, lat, t.radius, false)
	if err != nil {
		return eris.Wrapf(err, "join: tag %s", rec.Kind())
	}

	region := ""
	if res.Match != nil {
		region = res.Match[t.regionProperty]
	}
	if region == "" {
		t.stats.Dropped++
		return nil
	}

	t.stats.Tagged++
	return emit(region, rec)
}

// Stats returns the Phase 1 counters.
func (t *Tagger) Stats() TaggerStats { return t.stats }

// LogStats writes the Phase 1 counters at info level.
func (t *Tagger) LogStats() {
	t.log.Info("phase 1 complete",
		zap.Int("tagged", t.stats.Tagged),
		zap.Int("dropped", t.stats.Dropped),
	)
}
