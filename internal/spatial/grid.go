package spatial

import (
	"math"

	"github.com/banshee-data/tilemerge/internal/pointcloud"
)

// EstimatedPointsPerCell is used for the initial cell map capacity.
const EstimatedPointsPerCell = 4

// Grid buckets points into square XY cells keyed by a signed pairing of the
// cell coordinates. Cell size should roughly match the typical query radius.
// Nearest expands ring by ring from the query cell; ties resolve to the
// lowest point index.
type Grid struct {
	CellSize float64

	points []pointcloud.Point
	cells  map[int64][]int

	minCX, maxCX int64
	minCY, maxCY int64
}

// NewGrid builds a grid index over points with the given cell size.
func NewGrid(points []pointcloud.Point, cellSize float64) (*Grid, error) {
	if len(points) == 0 {
		return nil, ErrEmptyIndex
	}
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		cellSize = DefaultGridCellSize
	}

	g := &Grid{
		CellSize: cellSize,
		points:   points,
		cells:    make(map[int64][]int, len(points)/EstimatedPointsPerCell+1),
		minCX:    math.MaxInt64,
		maxCX:    math.MinInt64,
		minCY:    math.MaxInt64,
		maxCY:    math.MinInt64,
	}
	for i, p := range points {
		cx, cy := g.cellCoords(p.X, p.Y)
		key := cellKey(cx, cy)
		g.cells[key] = append(g.cells[key], i)
		g.minCX = min(g.minCX, cx)
		g.maxCX = max(g.maxCX, cx)
		g.minCY = min(g.minCY, cy)
		g.maxCY = max(g.maxCY, cy)
	}
	return g, nil
}

// Len returns the number of indexed points.
func (g *Grid) Len() int { return len(g.points) }

// Nearest returns the closest indexed point to q.
func (g *Grid) Nearest(q pointcloud.Point) (int, float64) {
	cx, cy := g.cellCoords(q.X, q.Y)

	maxRing := max(abs64(cx-g.minCX), abs64(g.maxCX-cx), abs64(cy-g.minCY), abs64(g.maxCY-cy))

	best, bestD2 := -1, math.Inf(1)
	visit := func(i int) {
		d2 := dist2(q, g.points[i])
		if d2 < bestD2 || (d2 == bestD2 && i < best) {
			best, bestD2 = i, d2
		}
	}

	for k := int64(0); k <= maxRing; k++ {
		if best >= 0 {
			// Every point in ring k is at least (k-1) cells away horizontally.
			lim := float64(k-1) * g.CellSize
			if lim > 0 && lim*lim > bestD2 {
				break
			}
		}
		g.visitRing(cx, cy, k, visit)
	}
	return best, math.Sqrt(bestD2)
}

// Within returns all indexed points within r of q.
func (g *Grid) Within(q pointcloud.Point, r float64) []Neighbor {
	if r < 0 {
		return nil
	}
	r2 := r * r
	cx, cy := g.cellCoords(q.X, q.Y)
	span := int64(math.Ceil(r / g.CellSize))

	x0, x1 := max(cx-span, g.minCX), min(cx+span, g.maxCX)
	y0, y1 := max(cy-span, g.minCY), min(cy+span, g.maxCY)

	var out []Neighbor
	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			for _, i := range g.cells[cellKey(x, y)] {
				if d2 := dist2(q, g.points[i]); d2 <= r2 {
					out = append(out, Neighbor{Index: i, Dist: math.Sqrt(d2)})
				}
			}
		}
	}
	sortNeighbors(out)
	return out
}

// visitRing calls fn for every point in the cells at Chebyshev distance k
// from (cx, cy), clipped to the occupied extent.
func (g *Grid) visitRing(cx, cy, k int64, fn func(int)) {
	if k == 0 {
		for _, i := range g.cells[cellKey(cx, cy)] {
			fn(i)
		}
		return
	}

	x0, x1 := max(cx-k, g.minCX), min(cx+k, g.maxCX)
	y0, y1 := max(cy-k+1, g.minCY), min(cy+k-1, g.maxCY)

	// Top and bottom rows.
	for _, y := range [2]int64{cy - k, cy + k} {
		if y < g.minCY || y > g.maxCY {
			continue
		}
		for x := x0; x <= x1; x++ {
			for _, i := range g.cells[cellKey(x, y)] {
				fn(i)
			}
		}
	}
	// Left and right columns, excluding the corners already visited.
	for _, x := range [2]int64{cx - k, cx + k} {
		if x < g.minCX || x > g.maxCX {
			continue
		}
		for y := y0; y <= y1; y++ {
			for _, i := range g.cells[cellKey(x, y)] {
				fn(i)
			}
		}
	}
}

func (g *Grid) cellCoords(x, y float64) (int64, int64) {
	return int64(math.Floor(x / g.CellSize)), int64(math.Floor(y / g.CellSize))
}

// cellKey maps signed cell coordinates to a unique key: zigzag encoding to
// non-negative integers, then Szudzik's pairing function.
func cellKey(cx, cy int64) int64 {
	a := zigzag(cx)
	b := zigzag(cy)
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

func zigzag(v int64) int64 {
	if v >= 0 {
		return 2 * v
	}
	return -2*v - 1
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

var _ Index = (*Grid)(nil)
