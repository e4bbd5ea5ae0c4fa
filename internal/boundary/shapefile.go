package boundary

import (
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/geoattr/internal/spatial"
)

// decodeShapefileZip reads a zip archive holding a single shapefile (as
// published for Census TIGER/Line products). Feature ids are record numbers.
func decodeShapefileZip(data []byte, o *options) ([]spatial.Feature, error) {
	log := zap.L().With(zap.String("component", "boundary.shapefile"))

	tmp, err := os.CreateTemp("", "boundary-*.zip")
	if err != nil {
		return nil, eris.Wrap(err, "boundary: create temp zip")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, eris.Wrap(err, "boundary: write temp zip")
	}
	if err := tmp.Close(); err != nil {
		return nil, eris.Wrap(err, "boundary: close temp zip")
	}

	reader, err := shp.OpenZip(tmp.Name())
	if err != nil {
		return nil, eris.Wrap(err, "boundary: open shapefile zip")
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}

	var out []spatial.Feature
	skipped := 0
	for reader.Next() {
		n, shape := reader.Shape()

		props := make(spatial.Properties, len(names))
		for i, name := range names {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if val != "" {
				props[name] = val
			}
		}

		feat, ok := finalize(int64(n), shapeToGeom(shape), props, o, log)
		if !ok {
			skipped++
			continue
		}
		out = append(out, feat)
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrap(err, "boundary: read shapefile")
	}

	log.Info("decoded shapefile",
		zap.Int("features", len(out)),
		zap.Int("skipped", skipped),
	)
	return out, nil
}

// shapeToGeom converts a go-shp shape to go-geom. Unsupported or empty shapes
// yield nil.
func shapeToGeom(shape shp.Shape) geom.T {
	switch s := shape.(type) {
	case *shp.Point:
		if !isFinite(s.X) || !isFinite(s.Y) {
			return nil
		}
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.MultiPoint:
		flat := make([]float64, 0, 2*len(s.Points))
		for _, p := range s.Points {
			flat = append(flat, p.X, p.Y)
		}
		if len(flat) == 0 {
			return nil
		}
		return geom.NewMultiPointFlat(geom.XY, flat)
	case *shp.PolyLine:
		return polyLineToMultiLineString(s.Parts, s.Points)
	case *shp.Polygon:
		return polygonToMultiPolygon(s.Parts, s.Points)
	default:
		return nil
	}
}

// partCoords returns the flat XY coordinates of each part.
func partCoords(parts []int32, points []shp.Point) [][]float64 {
	out := make([][]float64, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || end > int32(len(points)) {
			continue
		}
		flat := make([]float64, 0, 2*(end-start))
		for _, p := range points[start:end] {
			flat = append(flat, p.X, p.Y)
		}
		out = append(out, flat)
	}
	return out
}

func polyLineToMultiLineString(parts []int32, points []shp.Point) geom.T {
	mls := geom.NewMultiLineString(geom.XY)
	for i, flat := range partCoords(parts, points) {
		if len(flat) < 4 {
			zap.L().Debug("boundary: skipping short linestring part", zap.Int("part", i))
			continue
		}
		if err := mls.Push(geom.NewLineStringFlat(geom.XY, flat)); err != nil {
			zap.L().Debug("boundary: skipping malformed linestring part", zap.Int("part", i), zap.Error(err))
		}
	}
	if mls.NumLineStrings() == 0 {
		return nil
	}
	return mls
}

// polygonToMultiPolygon groups shapefile rings: clockwise rings start a new
// polygon, counter-clockwise rings are holes of the preceding one.
func polygonToMultiPolygon(parts []int32, points []shp.Point) geom.T {
	mp := geom.NewMultiPolygon(geom.XY)
	var current *geom.Polygon
	flush := func() {
		if current == nil {
			return
		}
		if err := mp.Push(current); err != nil {
			zap.L().Debug("boundary: skipping malformed polygon", zap.Error(err))
		}
		current = nil
	}

	for i, flat := range partCoords(parts, points) {
		if len(flat) < 8 {
			zap.L().Debug("boundary: skipping degenerate ring", zap.Int("part", i))
			continue
		}
		ring := geom.NewLinearRingFlat(geom.XY, flat)
		if xy.IsRingCounterClockwise(geom.XY, flat) && current != nil {
			if err := current.Push(ring); err != nil {
				zap.L().Debug("boundary: skipping malformed hole", zap.Int("part", i), zap.Error(err))
			}
			continue
		}
		flush()
		current = geom.NewPolygon(geom.XY)
		if err := current.Push(ring); err != nil {
			zap.L().Debug("boundary: skipping malformed ring", zap.Int("part", i), zap.Error(err))
			current = nil
		}
	}
	flush()

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
