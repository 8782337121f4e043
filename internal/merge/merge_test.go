package merge

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/tilemerge/internal/monitoring"
	"github.com/banshee-data/tilemerge/internal/pointcloud"
	"github.com/banshee-data/tilemerge/internal/spatial"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	goleak.VerifyTestMain(m)
}

// squareTile builds a tile covering [x0, x0+size] x [y0, y0+size] with a
// background point at every integer grid position and one compact object
// of local id objID centred in the square.
func squareTile(name string, x0, y0, size float64, objID int) *Tile {
	t := &Tile{Name: name}
	for x := 0.0; x <= size; x++ {
		for y := 0.0; y <= size; y++ {
			t.Points = append(t.Points, pointcloud.Point{X: x0 + x, Y: y0 + y})
			t.Instance = append(t.Instance, 0)
			t.Semantic = append(t.Semantic, 1)
		}
	}
	cx, cy := x0+size/2, y0+size/2
	for _, d := range [][2]float64{{0, 0}, {0.25, 0}, {0, 0.25}, {0.25, 0.25}} {
		t.Points = append(t.Points, pointcloud.Point{X: cx + d[0], Y: cy + d[1], Z: 2})
		t.Instance = append(t.Instance, objID)
		t.Semantic = append(t.Semantic, 2)
	}
	return t
}

func targetOf(tiles ...*Tile) []pointcloud.Point {
	var out []pointcloud.Point
	for _, t := range tiles {
		out = append(out, t.Points...)
	}
	return out
}

// ----------------------------------------------------------------------------
// Reindex
// ----------------------------------------------------------------------------

func TestReindex_FirstSeenOrder(t *testing.T) {
	t.Parallel()

	global, mapping, next := Reindex([]int{7, 0, 3, 7, 0, 12, 3}, 5)

	assert.Equal(t, []int{5, 0, 6, 5, 0, 7, 6}, global)
	assert.Equal(t, map[int]int{7: 5, 3: 6, 12: 7}, mapping)
	assert.Equal(t, 8, next)
}

func TestReindex_BackgroundOnly(t *testing.T) {
	t.Parallel()

	global, mapping, next := Reindex([]int{0, 0, 0}, 1)
	assert.Equal(t, []int{0, 0, 0}, global)
	assert.Empty(t, mapping)
	assert.Equal(t, 1, next, "counter must not advance without positive ids")
}

func TestReindex_NegativeIsUnassigned(t *testing.T) {
	t.Parallel()

	global, _, next := Reindex([]int{-1, 4, -3}, 1)
	assert.Equal(t, []int{pointcloud.Unassigned, 1, pointcloud.Unassigned}, global)
	assert.Equal(t, 2, next)
}

func TestReindex_TilesNeverCollide(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	next := 1
	seen := make(map[int]int)
	for tile := 0; tile < 20; tile++ {
		local := make([]int, 200)
		for i := range local {
			local[i] = rng.Intn(15)
		}
		global, _, n := Reindex(local, next)
		for _, id := range global {
			if id <= 0 {
				continue
			}
			if owner, ok := seen[id]; ok && owner != tile {
				t.Fatalf("id %d assigned to tiles %d and %d", id, owner, tile)
			}
			seen[id] = tile
		}
		next = n
	}
}

// ----------------------------------------------------------------------------
// Boundary classifier
// ----------------------------------------------------------------------------

func TestIsWhole(t *testing.T) {
	t.Parallel()

	boundary := pointcloud.Bounds{MinX: 0, MaxX: 10, MinY: 0, MaxY: 10}

	tests := []struct {
		name   string
		points []pointcloud.Point
		margin float64
		want   bool
	}{
		{"interior", []pointcloud.Point{{X: 5, Y: 5}, {X: 6, Y: 4}}, 0.2, true},
		{"touching shrunk edge counts as inside", []pointcloud.Point{{X: 0.5, Y: 5}, {X: 9.5, Y: 9.5}}, 0.5, true},
		{"inside margin band", []pointcloud.Point{{X: 5, Y: 5}, {X: 0.1, Y: 5}}, 0.2, false},
		{"past max y", []pointcloud.Point{{X: 5, Y: 9.9}}, 0.2, false},
		{"z unconstrained", []pointcloud.Point{{X: 5, Y: 5, Z: -1000}}, 0.2, true},
		{"zero margin on edge", []pointcloud.Point{{X: 0, Y: 10}}, 0, true},
		{"empty", nil, 0.2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWhole(tt.points, boundary, tt.margin))
		})
	}
}

func TestIsWhole_OrderIndependent(t *testing.T) {
	t.Parallel()

	boundary := pointcloud.Bounds{MinX: -5, MaxX: 5, MinY: -5, MaxY: 5}
	rng := rand.New(rand.NewSource(3))
	pts := make([]pointcloud.Point, 100)
	for i := range pts {
		pts[i] = pointcloud.Point{X: rng.Float64()*9.6 - 4.8, Y: rng.Float64()*9.6 - 4.8}
	}

	want := IsWhole(pts, boundary, 0.2)
	for trial := 0; trial < 10; trial++ {
		rng.Shuffle(len(pts), func(i, j int) { pts[i], pts[j] = pts[j], pts[i] })
		assert.Equal(t, want, IsWhole(pts, boundary, 0.2))
	}
}

func TestPartitionObjects(t *testing.T) {
	t.Parallel()

	pts := []pointcloud.Point{{X: 1, Y: 1}, {X: 2, Y: 5}, {X: 3, Y: 0}, {X: 9, Y: 9}}
	objs := partitionObjects(pts, []int{4, 4, 0, 2})

	want := []object{
		{ID: 2, Count: 1, Extent: pointcloud.Bounds{MinX: 9, MaxX: 9, MinY: 9, MaxY: 9}},
		{ID: 4, Count: 2, Extent: pointcloud.Bounds{MinX: 1, MaxX: 2, MinY: 1, MaxY: 5}},
	}
	if diff := cmp.Diff(want, objs); diff != "" {
		t.Errorf("partitionObjects mismatch (-want +got):\n%s", diff)
	}
}

// ----------------------------------------------------------------------------
// Engine
// ----------------------------------------------------------------------------

func TestMerge_TwoDisjointTiles(t *testing.T) {
	t.Parallel()

	a := squareTile("a.asc", 0, 0, 10, 1)
	b := squareTile("b.asc", 20, 0, 10, 1)
	target := targetOf(a, b)

	res, err := NewEngine().Merge(context.Background(), target, []*Tile{a, b})
	require.NoError(t, err)

	idsA := make(map[int]bool)
	idsB := make(map[int]bool)
	for i, id := range res.Labels.Instance {
		if id <= 0 {
			continue
		}
		if i < len(a.Points) {
			idsA[id] = true
		} else {
			idsB[id] = true
		}
	}
	assert.Equal(t, map[int]bool{1: true}, idsA)
	assert.Equal(t, map[int]bool{2: true}, idsB)

	s := res.Summary
	assert.Equal(t, 2, s.TilesProcessed)
	assert.Empty(t, s.Skipped)
	assert.Equal(t, 2, s.ObjectsSeen)
	assert.Equal(t, 2, s.WholeObjects)
	assert.Equal(t, 0, s.RejectedObjects)
	assert.Equal(t, 8, s.PointsWritten)
	assert.Equal(t, 0, s.Overwritten)
	require.Len(t, s.Tiles, 2)
	assert.Equal(t, 1, s.Tiles[0].FirstID)
	assert.Equal(t, 2, s.Tiles[1].FirstID)
	assert.Equal(t, 3, s.Tiles[1].NextID)
	assert.NotNil(t, res.Index)
}

func TestMerge_ObjectStraddlingEdgeRejected(t *testing.T) {
	t.Parallel()

	tile := squareTile("edge.asc", 0, 0, 10, 1)
	// second object running into the x = 10 edge
	for _, x := range []float64{9.0, 9.5, 9.9} {
		tile.Points = append(tile.Points, pointcloud.Point{X: x, Y: 3, Z: 1})
		tile.Instance = append(tile.Instance, 2)
		tile.Semantic = append(tile.Semantic, 2)
	}
	target := targetOf(tile)

	res, err := NewEngine().Merge(context.Background(), target, []*Tile{tile})
	require.NoError(t, err)

	n := len(tile.Points)
	for i := n - 3; i < n; i++ {
		assert.Equal(t, pointcloud.Unassigned, res.Labels.Instance[i], "straddling point %d", i)
		assert.Equal(t, pointcloud.Unassigned, res.Labels.Semantic[i])
	}
	assert.Equal(t, 2, res.Summary.ObjectsSeen)
	assert.Equal(t, 1, res.Summary.WholeObjects)
	assert.Equal(t, 1, res.Summary.RejectedObjects)
}

func TestMerge_BackgroundNotWritten(t *testing.T) {
	t.Parallel()

	tile := squareTile("bg.asc", 0, 0, 4, 3)
	res, err := NewEngine().Merge(context.Background(), targetOf(tile), []*Tile{tile})
	require.NoError(t, err)

	for i, local := range tile.Instance {
		if local == 0 {
			assert.Equal(t, pointcloud.Unassigned, res.Labels.Instance[i])
		} else {
			assert.Equal(t, 1, res.Labels.Instance[i])
			assert.Equal(t, 2, res.Labels.Semantic[i])
		}
	}
}

func TestMerge_SkipsEmptyAndDegenerateTiles(t *testing.T) {
	t.Parallel()

	good := squareTile("good.asc", 0, 0, 10, 5)
	empty := &Tile{Name: "empty.asc"}
	bad := &Tile{
		Name:     "nan.asc",
		Points:   []pointcloud.Point{{X: math.NaN(), Y: 0}},
		Instance: []int{1},
		Semantic: []int{1},
	}

	res, err := NewEngine().Merge(context.Background(), targetOf(good), []*Tile{empty, bad, good})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Summary.TilesProcessed)
	require.Len(t, res.Summary.Skipped, 2)
	assert.Equal(t, "empty.asc", res.Summary.Skipped[0].Name)
	assert.Contains(t, res.Summary.Skipped[0].Reason, ErrEmptyTile.Error())
	assert.Equal(t, "nan.asc", res.Summary.Skipped[1].Name)
	assert.Contains(t, res.Summary.Skipped[1].Reason, pointcloud.ErrDegenerateBoundary.Error())
	// skipped tiles consume no ids
	assert.Equal(t, 1, res.Summary.Tiles[0].FirstID)
}

func TestMerge_FatalErrors(t *testing.T) {
	t.Parallel()

	good := squareTile("good.asc", 0, 0, 4, 1)

	_, err := NewEngine().Merge(context.Background(), nil, []*Tile{good})
	assert.ErrorIs(t, err, spatial.ErrEmptyIndex)

	ragged := &Tile{Name: "ragged.asc", Points: good.Points, Instance: good.Instance[:3], Semantic: good.Semantic}
	_, err = NewEngine().Merge(context.Background(), targetOf(good), []*Tile{ragged})
	assert.ErrorIs(t, err, pointcloud.ErrShapeMismatch)
}

func TestMerge_Cancelled(t *testing.T) {
	t.Parallel()

	tile := squareTile("a.asc", 0, 0, 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine().Merge(ctx, targetOf(tile), []*Tile{tile})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMerge_LastWriterWinsInTileOrder(t *testing.T) {
	t.Parallel()

	// Two tiles covering the same square, each with a whole object on the
	// same target points.
	first := squareTile("first.asc", 0, 0, 10, 1)
	second := squareTile("second.asc", 0, 0, 10, 9)
	target := targetOf(first)

	res, err := NewEngine().Merge(context.Background(), target, []*Tile{first, second})
	require.NoError(t, err)
	objStart := len(first.Points) - 4
	for i := objStart; i < len(first.Points); i++ {
		assert.Equal(t, 2, res.Labels.Instance[i], "second tile's id wins")
	}
	assert.Equal(t, 4, res.Summary.Overwritten)

	res, err = NewEngine().Merge(context.Background(), target, []*Tile{second, first})
	require.NoError(t, err)
	for i := objStart; i < len(first.Points); i++ {
		assert.Equal(t, 2, res.Labels.Instance[i], "reordered: tile first is now second and gets id 2")
	}
	assert.Equal(t, "first.asc", res.Summary.Tiles[1].Name)
}

func TestMerge_DeterministicAcrossWorkers(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(21))
	var tiles []*Tile
	for i := 0; i < 12; i++ {
		tile := &Tile{Name: string(rune('a' + i))}
		ox, oy := float64(i%4)*8, float64(i/4)*8 // 10 m tiles on an 8 m pitch overlap
		for p := 0; p < 400; p++ {
			tile.Points = append(tile.Points, pointcloud.Point{X: ox + rng.Float64()*10, Y: oy + rng.Float64()*10, Z: rng.Float64()})
			tile.Instance = append(tile.Instance, rng.Intn(6))
			tile.Semantic = append(tile.Semantic, rng.Intn(3))
		}
		// a tight whole object in the centre
		for p := 0; p < 20; p++ {
			tile.Points = append(tile.Points, pointcloud.Point{X: ox + 5 + rng.Float64(), Y: oy + 5 + rng.Float64()})
			tile.Instance = append(tile.Instance, 99)
			tile.Semantic = append(tile.Semantic, 4)
		}
		tiles = append(tiles, tile)
	}
	target := targetOf(tiles...)

	run := func(workers int, kind spatial.Kind) *Result {
		e := NewEngine()
		e.Workers = workers
		e.IndexKind = kind
		res, err := e.Merge(context.Background(), target, tiles)
		require.NoError(t, err)
		return res
	}

	base := run(1, spatial.KindKDTree)
	for _, workers := range []int{2, 8} {
		got := run(workers, spatial.KindKDTree)
		if diff := cmp.Diff(base.Labels, got.Labels); diff != "" {
			t.Fatalf("workers=%d labels differ (-1 worker +%d workers):\n%s", workers, workers, diff)
		}
		assert.Equal(t, base.Summary.Overwritten, got.Summary.Overwritten)
	}
	grid := run(4, spatial.KindGrid)
	if diff := cmp.Diff(base.Labels, grid.Labels); diff != "" {
		t.Fatalf("grid index labels differ:\n%s", diff)
	}
}

func TestMerge_WriteOnceCoverage(t *testing.T) {
	t.Parallel()

	a := squareTile("a.asc", 0, 0, 10, 1)
	b := squareTile("b.asc", 8, 0, 10, 4)
	target := targetOf(a, b)

	res, err := NewEngine().Merge(context.Background(), target, []*Tile{a, b})
	require.NoError(t, err)

	idx, err := spatial.NewKDTree(target)
	require.NoError(t, err)
	claimed := make(map[int]bool)
	for _, tile := range []*Tile{a, b} {
		for i, id := range tile.Instance {
			if id > 0 {
				j, _ := idx.Nearest(tile.Points[i])
				claimed[j] = true
			}
		}
	}
	for i, id := range res.Labels.Instance {
		if id != pointcloud.Unassigned {
			assert.True(t, claimed[i], "target point %d labelled without a whole-object match", i)
		}
	}
}

// ----------------------------------------------------------------------------
// LabelState
// ----------------------------------------------------------------------------

func TestLabelState(t *testing.T) {
	t.Parallel()

	s := NewLabelState(4)
	assert.Equal(t, []int{-1, -1, -1, -1}, s.Instance)
	assert.Equal(t, 0, s.Assigned())

	s.Instance[1], s.Instance[2] = 3, 3
	assert.Equal(t, 2, s.Assigned())
	assert.Equal(t, []ClusterSize{{ID: -1, Size: 2}, {ID: 3, Size: 2}}, ClusterSizes(s.Instance))

	cloud := pointcloud.NewCloud(pointcloud.Header{}, make([]pointcloud.Point, 4))
	out, err := s.Apply(cloud)
	require.NoError(t, err)
	inst, err := out.IntAttribute(pointcloud.AttrPredInstance)
	require.NoError(t, err)
	assert.Equal(t, s.Instance, inst)

	_, err = s.Apply(pointcloud.NewCloud(pointcloud.Header{}, make([]pointcloud.Point, 3)))
	assert.ErrorIs(t, err, pointcloud.ErrShapeMismatch)
}

func TestTileFromCloud(t *testing.T) {
	t.Parallel()

	c := pointcloud.NewCloud(pointcloud.Header{}, []pointcloud.Point{{X: 1}, {X: 2}})
	_, err := TileFromCloud("t.asc", c)
	assert.ErrorIs(t, err, pointcloud.ErrAttributeMissing)

	require.NoError(t, c.SetIntAttribute(pointcloud.AttrPredInstance, []int{1, 0}))
	_, err = TileFromCloud("t.asc", c)
	assert.ErrorIs(t, err, pointcloud.ErrAttributeMissing)

	require.NoError(t, c.SetIntAttribute(pointcloud.AttrPredSemantic, []int{2, 1}))
	tile, err := TileFromCloud("t.asc", c)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, tile.Instance)
	assert.Equal(t, []int{2, 1}, tile.Semantic)
	assert.Equal(t, "t.asc", tile.Name)
}
