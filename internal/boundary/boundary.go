// Package boundary decodes boundary datasets (GeoJSON feature collections and
// zipped ESRI shapefiles) into spatial features.
package boundary

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/source"
	"github.com/sells-group/geoattr/internal/spatial"
	"github.com/sells-group/geoattr/pkg/proj"
)

// Format identifies a boundary encoding.
type Format string

const (
	GeoJSON   Format = "geojson"
	Shapefile Format = "shapefile"
)

// Detect guesses the format from the leading bytes.
func Detect(data []byte) Format {
	if source.IsZip(data) {
		return Shapefile
	}
	return GeoJSON
}

type options struct {
	projector proj.Projector
}

// Option configures decoding.
type Option func(*options)

// WithProjector projects every coordinate from lon/lat degrees to the
// projector's planar system while decoding.
func WithProjector(p proj.Projector) Option {
	return func(o *options) {
		o.projector = p
	}
}

// Decode parses data in whichever format Detect reports. Individual features
// that fail to parse or project are skipped and logged.
func Decode(data []byte, opts ...Option) ([]spatial.Feature, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	switch Detect(data) {
	case Shapefile:
		return decodeShapefileZip(data, o)
	default:
		return decodeGeoJSON(data, o)
	}
}

// project rewrites g's coordinates in place.
func project(g geom.T, p proj.Projector) error {
	if gc, ok := g.(*geom.GeometryCollection); ok {
		for _, child := range gc.Geoms() {
			if err := project(child, p); err != nil {
				return err
			}
		}
		return nil
	}
	flat := g.FlatCoords()
	stride := g.Stride()
	if stride < 2 {
		return nil
	}
	for i := 0; i+1 < len(flat); i += stride {
		x, y, err := p.Project(flat[i], flat[i+1])
		if err != nil {
			return eris.Wrap(err, "boundary: project coordinate")
		}
		flat[i], flat[i+1] = x, y
	}
	return nil
}

func finalize(id int64, g geom.T, props spatial.Properties, o *options, log *zap.Logger) (spatial.Feature, bool) {
	if g == nil || g.Empty() {
		log.Debug("skipping feature without geometry", zap.Int64("id", id))
		return spatial.Feature{}, false
	}
	if o.projector != nil {
		if err := project(g, o.projector); err != nil {
			log.Debug("skipping unprojectable feature", zap.Int64("id", id), zap.Error(err))
			return spatial.Feature{}, false
		}
	}
	return spatial.Feature{ID: id, Geometry: g, Properties: props}, true
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
