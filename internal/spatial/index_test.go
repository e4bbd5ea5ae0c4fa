package spatial

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func square(minX, minY, maxX, maxY float64) *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY,
	}, []int{10})
}

func unitSquareIndex(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex()
	require.NoError(t, idx.Insert(Feature{ID: 1, Geometry: square(0, 0, 1, 1), Properties: Properties{"name": "unit"}}))
	return idx
}

func TestQuery_UnitSquare(t *testing.T) {
	idx := unitSquareIndex(t)

	res := idx.Query([]float64{0.5, 0.5}, 0, false)
	require.True(t, res.Found())
	assert.Equal(t, "unit", res.Match["name"])

	res = idx.Query([]float64{2, 2}, 0, false)
	assert.False(t, res.Found())
	assert.Nil(t, res.Match)

	res = idx.Query([]float64{2, 2}, 2, false)
	require.True(t, res.Found())
	assert.Equal(t, "unit", res.Match["name"])
}

func TestQuery_MissMultipleIsEmptySlice(t *testing.T) {
	idx := unitSquareIndex(t)

	res := idx.Query([]float64{5, 5}, 0, true)
	assert.False(t, res.Found())
	require.NotNil(t, res.Matches)
	assert.Empty(t, res.Matches)
}

func TestQuery_BoundaryCountsAsInside(t *testing.T) {
	idx := unitSquareIndex(t)

	assert.True(t, idx.Query([]float64{1, 0.5}, 0, false).Found())
	assert.True(t, idx.Query([]float64{0, 0}, 0, false).Found())
}

func TestQuery_BufferIsEuclidean(t *testing.T) {
	idx := unitSquareIndex(t)

	// Corner (1,1) is sqrt(2) from (2,2): inside the bbox window for r=1.2
	// but outside the disk.
	assert.False(t, idx.Query([]float64{2, 2}, 1.2, false).Found())
	assert.True(t, idx.Query([]float64{2, 2}, 1.5, false).Found())
}

func TestQuery_Hole(t *testing.T) {
	poly := geom.NewPolygonFlat(geom.XY, []float64{
		0, 0, 10, 0, 10, 10, 0, 10, 0, 0,
		4, 4, 4, 6, 6, 6, 6, 4, 4, 4,
	}, []int{10, 20})
	idx := NewIndex()
	require.NoError(t, idx.Insert(Feature{ID: 7, Geometry: poly, Properties: Properties{"name": "donut"}}))

	assert.True(t, idx.Query([]float64{2, 2}, 0, false).Found())
	assert.False(t, idx.Query([]float64{5, 5}, 0, false).Found())
	assert.True(t, idx.Query([]float64{5, 5}, 1, false).Found())
	assert.True(t, idx.Query([]float64{4, 5}, 0, false).Found())
}

func TestQuery_NearestWins(t *testing.T) {
	idx := Build([]Feature{
		{ID: 1, Geometry: square(0, 0, 1, 1), Properties: Properties{"name": "near"}},
		{ID: 2, Geometry: square(3, 0, 4, 1), Properties: Properties{"name": "far"}},
	})
	require.Equal(t, 2, idx.Len())

	res := idx.Query([]float64{1.5, 0.5}, 5, false)
	require.True(t, res.Found())
	assert.Equal(t, "near", res.Match["name"])

	res = idx.Query([]float64{2.8, 0.5}, 5, false)
	require.True(t, res.Found())
	assert.Equal(t, "far", res.Match["name"])

	res = idx.Query([]float64{1.5, 0.5}, 5, true)
	assert.Len(t, res.Matches, 2)
}

func TestQuery_TieGoesToFirstCandidate(t *testing.T) {
	idx := Build([]Feature{
		{ID: 1, Geometry: square(0, 0, 2, 2), Properties: Properties{"name": "a"}},
		{ID: 2, Geometry: square(1, 1, 3, 3), Properties: Properties{"name": "b"}},
	})

	var first string
	idx.tree.Search([2]float64{1.5, 1.5}, [2]float64{1.5, 1.5}, func(_, _ [2]float64, id int64) bool {
		f, _ := idx.Feature(id)
		first = f.Properties["name"]
		return false
	})

	res := idx.Query([]float64{1.5, 1.5}, 0, false)
	require.True(t, res.Found())
	assert.Equal(t, first, res.Match["name"])
}

func TestQuery_BufferMonotonic(t *testing.T) {
	var features []Feature
	for i := 0; i < 20; i++ {
		x := float64(i) * 3
		features = append(features, Feature{
			ID:         int64(i),
			Geometry:   square(x, 0, x+1, 1),
			Properties: Properties{"i": string(rune('a' + i))},
		})
	}
	idx := Build(features)

	names := func(r Result) map[string]bool {
		out := map[string]bool{}
		for _, p := range r.Matches {
			out[p["i"]] = true
		}
		return out
	}

	radii := []float64{0, 0.5, 1, 2, 5, 10, 25, 80}
	prev := names(idx.Query([]float64{0.5, 0.5}, radii[0], true))
	for _, r := range radii[1:] {
		cur := names(idx.Query([]float64{0.5, 0.5}, r, true))
		for k := range prev {
			assert.True(t, cur[k], "radius %v lost %q", r, k)
		}
		prev = cur
	}
	assert.Len(t, prev, 20)
}

func TestQuery_BoxQueryPoint(t *testing.T) {
	idx := unitSquareIndex(t)

	// Overlapping box.
	assert.True(t, idx.Query([]float64{0.5, 0.5, 3, 3}, 0, false).Found())
	// Box fully inside polygon.
	assert.True(t, idx.Query([]float64{0.2, 0.2, 0.4, 0.4}, 0, false).Found())
	// Box enclosing the polygon.
	assert.True(t, idx.Query([]float64{-1, -1, 2, 2}, 0, false).Found())
	// Disjoint box, reachable with buffer.
	assert.False(t, idx.Query([]float64{2, 0, 3, 1}, 0, false).Found())
	assert.True(t, idx.Query([]float64{2, 0, 3, 1}, 1, false).Found())
}

func TestQuery_InvalidPointIsMiss(t *testing.T) {
	idx := unitSquareIndex(t)

	for _, pt := range [][]float64{
		nil,
		{0.5},
		{0.5, 0.5, 0.5},
		{1, 1, 0, 0},
		{math.NaN(), 0.5},
	} {
		res := idx.Query(pt, 0, false)
		assert.False(t, res.Found(), "point %v", pt)
	}
	assert.False(t, idx.Query([]float64{0.5, 0.5}, -1, false).Found())
	assert.Equal(t, 0, idx.Searches())
}

func TestQuery_MalformedCandidateSkipped(t *testing.T) {
	// Unclosed ring: geom does not validate closure.
	open := geom.NewPolygonFlat(geom.XY, []float64{0, 0, 2, 0, 2, 2, 0, 2}, []int{8})
	idx := Build([]Feature{
		{ID: 1, Geometry: open, Properties: Properties{"name": "broken"}},
		{ID: 2, Geometry: square(0, 0, 1, 1), Properties: Properties{"name": "ok"}},
	})
	require.Equal(t, 2, idx.Len())

	res := idx.Query([]float64{0.5, 0.5}, 0, true)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "ok", res.Matches[0]["name"])

	res = idx.Query([]float64{1.5, 1.5}, 0, false)
	assert.False(t, res.Found())
}

func TestQuery_PointAndLineFeatures(t *testing.T) {
	idx := NewIndex()
	_, err := idx.Add(geom.NewPointFlat(geom.XY, []float64{10, 10}), Properties{"kind": "point"})
	require.NoError(t, err)
	_, err = idx.Add(geom.NewLineStringFlat(geom.XY, []float64{0, 20, 10, 20}), Properties{"kind": "line"})
	require.NoError(t, err)

	assert.True(t, idx.Query([]float64{10, 10}, 0, false).Found())
	assert.False(t, idx.Query([]float64{10, 11}, 0.5, false).Found())

	res := idx.Query([]float64{10, 11}, 1, false)
	require.True(t, res.Found())
	assert.Equal(t, "point", res.Match["kind"])

	res = idx.Query([]float64{5, 19}, 1, false)
	require.True(t, res.Found())
	assert.Equal(t, "line", res.Match["kind"])
}

func TestInsert_Errors(t *testing.T) {
	idx := unitSquareIndex(t)

	err := idx.Insert(Feature{ID: 1, Geometry: square(5, 5, 6, 6)})
	assert.True(t, errors.Is(err, ErrDuplicateID))

	err = idx.Insert(Feature{ID: 2})
	assert.True(t, errors.Is(err, ErrEmptyGeometry))

	err = idx.Insert(Feature{ID: 3, Geometry: geom.NewPolygon(geom.XY)})
	assert.True(t, errors.Is(err, ErrEmptyGeometry))

	assert.Equal(t, 1, idx.Len())
}

func TestBuild_SkipsDuplicates(t *testing.T) {
	idx := Build([]Feature{
		{ID: 1, Geometry: square(0, 0, 1, 1), Properties: Properties{"name": "first"}},
		{ID: 1, Geometry: square(0, 0, 1, 1), Properties: Properties{"name": "second"}},
		{ID: 2},
	})
	assert.Equal(t, 1, idx.Len())

	f, ok := idx.Feature(1)
	require.True(t, ok)
	assert.Equal(t, "first", f.Properties["name"])
}

func TestAdd_AllocatesAfterHighestID(t *testing.T) {
	idx := NewIndex()
	require.NoError(t, idx.Insert(Feature{ID: 41, Geometry: square(0, 0, 1, 1)}))

	id, err := idx.Add(square(2, 2, 3, 3), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	ids := []int64{}
	for _, f := range idx.Features() {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []int64{41, 42}, ids)
}

func TestSearchesCountsTraversals(t *testing.T) {
	idx := unitSquareIndex(t)
	idx.Query([]float64{0.5, 0.5}, 0, false)
	idx.Query([]float64{9, 9}, 0, true)
	assert.Equal(t, 2, idx.Searches())
}

func TestMultiPolygonAndXYZ(t *testing.T) {
	mp := geom.NewMultiPolygon(geom.XY)
	require.NoError(t, mp.Push(square(0, 0, 1, 1)))
	require.NoError(t, mp.Push(square(5, 5, 6, 6)))

	z := geom.NewPolygonFlat(geom.XYZ, []float64{
		10, 10, 1, 11, 10, 1, 11, 11, 1, 10, 11, 1, 10, 10, 1,
	}, []int{15})

	idx := Build([]Feature{
		{ID: 1, Geometry: mp, Properties: Properties{"name": "multi"}},
		{ID: 2, Geometry: z, Properties: Properties{"name": "xyz"}},
	})

	assert.Equal(t, "multi", idx.Query([]float64{5.5, 5.5}, 0, false).Match["name"])
	assert.False(t, idx.Query([]float64{3, 3}, 0, false).Found())
	assert.Equal(t, "xyz", idx.Query([]float64{10.5, 10.5}, 0, false).Match["name"])
}
