package spatial

import (
	"fmt"
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/location"
)

// MalformedGeometryError reports a feature geometry that cannot be evaluated
// (unclosed ring, too few coordinates, non-finite values).
type MalformedGeometryError struct {
	ID     int64
	Reason string
}

func (e *MalformedGeometryError) Error() string {
	return fmt.Sprintf("spatial: malformed geometry for feature %d: %s", e.ID, e.Reason)
}

// shape is a geometry flattened to 2D parts.
type shape struct {
	points []float64     // flat XY
	lines  [][]float64   // flat XY, >= 2 coords each
	polys  [][][]float64 // shell first, then holes; closed, >= 4 coords each
}

// prepare validates g and flattens it to XY parts.
func prepare(id int64, g geom.T) (*shape, error) {
	s := &shape{}
	if err := s.add(id, g); err != nil {
		return nil, err
	}
	if len(s.points) == 0 && len(s.lines) == 0 && len(s.polys) == 0 {
		return nil, &MalformedGeometryError{ID: id, Reason: "no coordinates"}
	}
	return s, nil
}

func (s *shape) add(id int64, g geom.T) error {
	switch t := g.(type) {
	case *geom.Point:
		if t.Empty() {
			return nil
		}
		pts, err := flatXY(id, t.Layout(), t.FlatCoords())
		if err != nil {
			return err
		}
		s.points = append(s.points, pts...)
	case *geom.MultiPoint:
		pts, err := flatXY(id, t.Layout(), t.FlatCoords())
		if err != nil {
			return err
		}
		s.points = append(s.points, pts...)
	case *geom.LineString:
		line, err := lineXY(id, t.Layout(), t.FlatCoords())
		if err != nil {
			return err
		}
		s.lines = append(s.lines, line)
	case *geom.MultiLineString:
		for i := 0; i < t.NumLineStrings(); i++ {
			ls := t.LineString(i)
			line, err := lineXY(id, ls.Layout(), ls.FlatCoords())
			if err != nil {
				return err
			}
			s.lines = append(s.lines, line)
		}
	case *geom.Polygon:
		poly, err := polygonXY(id, t)
		if err != nil {
			return err
		}
		s.polys = append(s.polys, poly)
	case *geom.MultiPolygon:
		for i := 0; i < t.NumPolygons(); i++ {
			poly, err := polygonXY(id, t.Polygon(i))
			if err != nil {
				return err
			}
			s.polys = append(s.polys, poly)
		}
	case *geom.GeometryCollection:
		for _, child := range t.Geoms() {
			if err := s.add(id, child); err != nil {
				return err
			}
		}
	case nil:
		return &MalformedGeometryError{ID: id, Reason: "nil geometry"}
	default:
		return &MalformedGeometryError{ID: id, Reason: fmt.Sprintf("unsupported type %T", g)}
	}
	return nil
}

func flatXY(id int64, layout geom.Layout, flat []float64) ([]float64, error) {
	stride := layout.Stride()
	if stride < 2 || len(flat)%stride != 0 {
		return nil, &MalformedGeometryError{ID: id, Reason: "bad layout"}
	}
	out := make([]float64, 0, len(flat)/stride*2)
	for i := 0; i < len(flat); i += stride {
		x, y := flat[i], flat[i+1]
		if !finite(x) || !finite(y) {
			return nil, &MalformedGeometryError{ID: id, Reason: "non-finite coordinate"}
		}
		out = append(out, x, y)
	}
	return out, nil
}

func lineXY(id int64, layout geom.Layout, flat []float64) ([]float64, error) {
	line, err := flatXY(id, layout, flat)
	if err != nil {
		return nil, err
	}
	if len(line) < 4 {
		return nil, &MalformedGeometryError{ID: id, Reason: "line with fewer than 2 coordinates"}
	}
	return line, nil
}

func polygonXY(id int64, p *geom.Polygon) ([][]float64, error) {
	if p.NumLinearRings() == 0 {
		return nil, &MalformedGeometryError{ID: id, Reason: "polygon without rings"}
	}
	rings := make([][]float64, 0, p.NumLinearRings())
	for i := 0; i < p.NumLinearRings(); i++ {
		lr := p.LinearRing(i)
		ring, err := flatXY(id, lr.Layout(), lr.FlatCoords())
		if err != nil {
			return nil, err
		}
		n := len(ring)
		if n < 8 {
			return nil, &MalformedGeometryError{ID: id, Reason: fmt.Sprintf("ring %d has fewer than 4 coordinates", i)}
		}
		if ring[0] != ring[n-2] || ring[1] != ring[n-1] {
			return nil, &MalformedGeometryError{ID: id, Reason: fmt.Sprintf("ring %d is not closed", i)}
		}
		rings = append(rings, ring)
	}
	return rings, nil
}

// distanceToPoint is the planar distance from p to the shape; 0 when p lies
// inside or on it.
func (s *shape) distanceToPoint(p geom.Coord) float64 {
	best := math.Inf(1)
	for i := 0; i < len(s.points); i += 2 {
		best = math.Min(best, xy.Distance(p, geom.Coord(s.points[i:i+2])))
	}
	for _, line := range s.lines {
		best = math.Min(best, xy.DistanceFromPointToLineString(geom.XY, p, line))
	}
	for _, poly := range s.polys {
		switch locatePoint(p, poly) {
		case location.Interior, location.Boundary:
			return 0
		}
		for _, ring := range poly {
			best = math.Min(best, xy.DistanceFromPointToLineString(geom.XY, p, ring))
		}
	}
	return best
}

// distanceToBox is the planar distance from the box to the shape; 0 when
// they intersect.
func (s *shape) distanceToBox(b box) float64 {
	best := math.Inf(1)
	for i := 0; i < len(s.points); i += 2 {
		best = math.Min(best, b.distanceToPoint(s.points[i], s.points[i+1]))
	}
	for _, line := range s.lines {
		best = math.Min(best, b.distanceToLine(line))
	}
	for _, poly := range s.polys {
		for _, c := range b.corners() {
			if locatePoint(c, poly) != location.Exterior {
				return 0
			}
		}
		for _, ring := range poly {
			best = math.Min(best, b.distanceToLine(ring))
		}
	}
	return best
}

// locatePoint places p relative to a polygon given as shell followed by holes.
func locatePoint(p geom.Coord, poly [][]float64) location.Type {
	loc := xy.LocatePointInRing(geom.XY, p, poly[0])
	if loc != location.Interior {
		return loc
	}
	for _, hole := range poly[1:] {
		switch xy.LocatePointInRing(geom.XY, p, hole) {
		case location.Interior:
			return location.Exterior
		case location.Boundary:
			return location.Boundary
		}
	}
	return location.Interior
}

// box is an axis-aligned rectangle.
type box struct {
	minX, minY, maxX, maxY float64
}

func (b box) expand(r float64) box {
	return box{b.minX - r, b.minY - r, b.maxX + r, b.maxY + r}
}

func (b box) contains(x, y float64) bool {
	return x >= b.minX && x <= b.maxX && y >= b.minY && y <= b.maxY
}

func (b box) corners() []geom.Coord {
	return []geom.Coord{
		{b.minX, b.minY},
		{b.maxX, b.minY},
		{b.maxX, b.maxY},
		{b.minX, b.maxY},
	}
}

func (b box) distanceToPoint(x, y float64) float64 {
	dx := math.Max(math.Max(b.minX-x, 0), x-b.maxX)
	dy := math.Max(math.Max(b.minY-y, 0), y-b.maxY)
	return math.Hypot(dx, dy)
}

func (b box) distanceToLine(line []float64) float64 {
	best := math.Inf(1)
	c := b.corners()
	for i := 0; i+3 < len(line); i += 2 {
		a, e := geom.Coord(line[i:i+2]), geom.Coord(line[i+2:i+4])
		if b.contains(a[0], a[1]) || b.contains(e[0], e[1]) {
			return 0
		}
		for k := 0; k < 4; k++ {
			d := xy.DistanceFromLineToLine(a, e, c[k], c[(k+1)%4])
			if d == 0 {
				return 0
			}
			best = math.Min(best, d)
		}
	}
	return best
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
