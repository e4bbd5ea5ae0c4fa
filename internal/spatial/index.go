// Package spatial provides an R-tree backed index over boundary features with
// point and buffered point queries.
package spatial

import (
	"errors"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/tidwall/rtree"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateID is returned when inserting a feature whose id is already indexed.
	ErrDuplicateID = eris.New("spatial: duplicate feature id")
	// ErrEmptyGeometry is returned when a feature has no geometry to index.
	ErrEmptyGeometry = eris.New("spatial: empty geometry")
	// ErrInvalidPoint describes a query point that is neither (x, y) nor
	// (minx, miny, maxx, maxy). Queries log it and return a miss.
	ErrInvalidPoint = eris.New("spatial: invalid query point")
)

// Properties are the string attributes attached to a feature.
type Properties map[string]string

// Feature is one boundary record: an immutable geometry plus its properties.
type Feature struct {
	ID         int64
	Geometry   geom.T
	Properties Properties
}

// Result is the outcome of a query. For single queries Match is nil on a miss;
// for multiple queries Matches is a non-nil, possibly empty, slice.
type Result struct {
	Multiple bool
	Match    Properties
	Matches  []Properties
}

// Found reports whether the query matched at least one feature.
func (r Result) Found() bool {
	if r.Multiple {
		return len(r.Matches) > 0
	}
	return r.Match != nil
}

type entry struct {
	feature  Feature
	shape    *shape
	shapeErr error
}

// Index pairs a bounding-box tree with the authoritative feature store. Every
// id in the tree has exactly one store entry. An Index is not safe for
// concurrent use.
type Index struct {
	tree     rtree.RTreeG[int64]
	store    map[int64]*entry
	nextID   int64
	searches int
	log      *zap.Logger
}

// NewIndex returns an empty index ready for Insert.
func NewIndex() *Index {
	return &Index{
		store: make(map[int64]*entry),
		log:   zap.L().With(zap.String("component", "spatial.index")),
	}
}

// Build bulk loads features into a new index. Features with empty geometry or
// duplicate ids are skipped.
func Build(features []Feature) *Index {
	idx := NewIndex()
	idx.Load(features)
	return idx
}

// Load inserts features in order and returns how many were indexed.
func (idx *Index) Load(features []Feature) int {
	n := 0
	for _, f := range features {
		if err := idx.Insert(f); err != nil {
			idx.log.Debug("skipping feature", zap.Int64("id", f.ID), zap.Error(err))
			continue
		}
		n++
	}
	idx.log.Debug("index loaded", zap.Int("indexed", n), zap.Int("skipped", len(features)-n))
	return n
}

// Insert adds one feature to the index.
func (idx *Index) Insert(f Feature) error {
	if _, ok := idx.store[f.ID]; ok {
		return eris.Wrapf(ErrDuplicateID, "spatial: insert %d", f.ID)
	}
	if f.Geometry == nil || f.Geometry.Empty() {
		return eris.Wrapf(ErrEmptyGeometry, "spatial: insert %d", f.ID)
	}
	b := f.Geometry.Bounds()
	if b == nil || b.IsEmpty() {
		return eris.Wrapf(ErrEmptyGeometry, "spatial: insert %d", f.ID)
	}
	bb := box{b.Min(0), b.Min(1), b.Max(0), b.Max(1)}
	if !finite(bb.minX) || !finite(bb.minY) || !finite(bb.maxX) || !finite(bb.maxY) {
		return &MalformedGeometryError{ID: f.ID, Reason: "non-finite bounds"}
	}

	idx.store[f.ID] = &entry{feature: f}
	idx.tree.Insert([2]float64{bb.minX, bb.minY}, [2]float64{bb.maxX, bb.maxY}, f.ID)
	if f.ID >= idx.nextID {
		idx.nextID = f.ID + 1
	}
	return nil
}

// Add inserts a geometry under the next free id and returns that id.
func (idx *Index) Add(g geom.T, props Properties) (int64, error) {
	id := idx.nextID
	if err := idx.Insert(Feature{ID: id, Geometry: g, Properties: props}); err != nil {
		return 0, err
	}
	return id, nil
}

// Len returns the number of indexed features.
func (idx *Index) Len() int { return len(idx.store) }

// Searches returns how many tree traversals queries have performed.
func (idx *Index) Searches() int { return idx.searches }

// Feature returns the stored feature for id.
func (idx *Index) Feature(id int64) (Feature, bool) {
	e, ok := idx.store[id]
	if !ok {
		return Feature{}, false
	}
	return e.feature, true
}

// Features returns all stored features ordered by id.
func (idx *Index) Features() []Feature {
	out := make([]Feature, 0, len(idx.store))
	for _, e := range idx.store {
		out = append(out, e.feature)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Query finds features within bufferRadius of point. point is either (x, y)
// or an axis-aligned box (minx, miny, maxx, maxy) in the index's planar units.
// With multiple set every match is returned; otherwise the nearest match, ties
// going to the first candidate the tree yields.
func (idx *Index) Query(point []float64, bufferRadius float64, multiple bool) Result {
	res := Result{Multiple: multiple}
	if multiple {
		res.Matches = []Properties{}
	}

	target, isBox, err := parseQueryPoint(point)
	if err == nil && (!finite(bufferRadius) || bufferRadius < 0) {
		err = eris.Wrapf(ErrInvalidPoint, "spatial: buffer radius %v", bufferRadius)
	}
	if err != nil {
		idx.log.Debug("invalid query", zap.Float64s("point", point), zap.Error(err))
		return res
	}

	window := target.expand(bufferRadius)
	var candidates []int64
	idx.searches++
	idx.tree.Search(
		[2]float64{window.minX, window.minY},
		[2]float64{window.maxX, window.maxY},
		func(_, _ [2]float64, id int64) bool {
			candidates = append(candidates, id)
			return true
		},
	)

	bestDist := math.Inf(1)
	for _, id := range candidates {
		e := idx.store[id]
		s, err := idx.shapeOf(e)
		if err != nil {
			var mge *MalformedGeometryError
			if errors.As(err, &mge) {
				idx.log.Warn("skipping malformed candidate", zap.Int64("id", id), zap.String("reason", mge.Reason))
			}
			continue
		}

		var d float64
		if isBox {
			d = s.distanceToBox(target)
		} else {
			d = s.distanceToPoint(geom.Coord{target.minX, target.minY})
		}
		if d > bufferRadius {
			continue
		}
		if multiple {
			res.Matches = append(res.Matches, nonNil(e.feature.Properties))
			continue
		}
		if d < bestDist {
			bestDist = d
			res.Match = nonNil(e.feature.Properties)
		}
	}
	return res
}

func (idx *Index) shapeOf(e *entry) (*shape, error) {
	if e.shape == nil && e.shapeErr == nil {
		e.shape, e.shapeErr = prepare(e.feature.ID, e.feature.Geometry)
	}
	return e.shape, e.shapeErr
}

func parseQueryPoint(point []float64) (box, bool, error) {
	for _, v := range point {
		if !finite(v) {
			return box{}, false, eris.Wrap(ErrInvalidPoint, "spatial: non-finite ordinate")
		}
	}
	switch len(point) {
	case 2:
		return box{point[0], point[1], point[0], point[1]}, false, nil
	case 4:
		b := box{point[0], point[1], point[2], point[3]}
		if b.minX > b.maxX || b.minY > b.maxY {
			return box{}, false, eris.Wrap(ErrInvalidPoint, "spatial: inverted box")
		}
		return b, true, nil
	default:
		return box{}, false, eris.Wrapf(ErrInvalidPoint, "spatial: %d ordinates", len(point))
	}
}

func nonNil(p Properties) Properties {
	if p == nil {
		return Properties{}
	}
	return p
}
