package spatial

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/tilemerge/internal/pointcloud"
)

// KDTree is an Index backed by gonum's k-d tree. Pivots use median of
// medians so the tree shape, and therefore tie resolution, is a pure
// function of the input.
type KDTree struct {
	tree *kdtree.Tree
	n    int
}

// NewKDTree builds a KD-tree over points. The slice is copied.
func NewKDTree(points []pointcloud.Point) (*KDTree, error) {
	if len(points) == 0 {
		return nil, ErrEmptyIndex
	}
	pts := make(kdPoints, len(points))
	for i, p := range points {
		pts[i] = kdPoint{Point: p, idx: i}
	}
	return &KDTree{tree: kdtree.New(pts, false), n: len(points)}, nil
}

// Len returns the number of indexed points.
func (t *KDTree) Len() int { return t.n }

// Nearest returns the closest indexed point to q.
func (t *KDTree) Nearest(q pointcloud.Point) (int, float64) {
	c, d2 := t.tree.Nearest(kdPoint{Point: q, idx: -1})
	if c == nil {
		return -1, math.Inf(1)
	}
	return c.(kdPoint).idx, math.Sqrt(d2)
}

// Within returns all indexed points within r of q.
func (t *KDTree) Within(q pointcloud.Point, r float64) []Neighbor {
	if r < 0 {
		return nil
	}
	keep := kdtree.NewDistKeeper(r * r)
	t.tree.NearestSet(keep, kdPoint{Point: q, idx: -1})

	out := make([]Neighbor, 0, len(keep.Heap))
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{Index: cd.Comparable.(kdPoint).idx, Dist: math.Sqrt(cd.Dist)})
	}
	sortNeighbors(out)
	return out
}

// kdPoint carries its position in the original point set through the tree.
type kdPoint struct {
	pointcloud.Point
	idx int
}

func (p kdPoint) coord(d kdtree.Dim) float64 {
	switch d {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

// Compare returns the signed distance of p from the plane through c
// perpendicular to dimension d.
func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coord(d) - c.(kdPoint).coord(d)
}

func (p kdPoint) Dims() int { return 3 }

// Distance is the squared Euclidean distance, as gonum's keepers expect.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	return dist2(p.Point, c.(kdPoint).Point)
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdPlane{points: p, dim: d}.Pivot()
}

// kdPlane sorts points along one dimension for pivot selection.
type kdPlane struct {
	points kdPoints
	dim    kdtree.Dim
}

func (p kdPlane) Len() int { return len(p.points) }
func (p kdPlane) Less(i, j int) bool {
	return p.points[i].coord(p.dim) < p.points[j].coord(p.dim)
}
func (p kdPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p kdPlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

var _ Index = (*KDTree)(nil)
