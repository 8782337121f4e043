// Package spatial answers nearest-neighbour and radius queries over a fixed
// point set.
//
// Two implementations share the Index interface: a KD-tree built on
// gonum's spatial/kdtree, and a uniform XY cell grid in the style of the
// DBSCAN region index. Both are immutable after construction and safe for
// concurrent queries. Distances are full 3D Euclidean.
package spatial

import (
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/tilemerge/internal/pointcloud"
)

// ErrEmptyIndex is returned when an index is built over zero points.
var ErrEmptyIndex = errors.New("spatial index over empty point set")

// Kind selects an Index implementation.
type Kind string

const (
	KindKDTree Kind = "kdtree"
	KindGrid   Kind = "grid"
)

// DefaultGridCellSize is the grid cell edge in distance units. It is sized
// to the default reconciliation radius step.
const DefaultGridCellSize = 1.0

// Neighbor is one radius-query hit.
type Neighbor struct {
	Index int
	Dist  float64
}

// Index is a read-only spatial index over an ordered point set.
type Index interface {
	// Len returns the number of indexed points.
	Len() int

	// Nearest returns the position and distance of the indexed point
	// closest to q.
	Nearest(q pointcloud.Point) (int, float64)

	// Within returns every indexed point at distance <= r from q, ordered
	// by distance then index.
	Within(q pointcloud.Point, r float64) []Neighbor
}

// New builds an index of the given kind. cellSize is only used by KindGrid;
// values <= 0 select DefaultGridCellSize.
func New(kind Kind, points []pointcloud.Point, cellSize float64) (Index, error) {
	switch kind {
	case KindKDTree, "":
		return NewKDTree(points)
	case KindGrid:
		if cellSize <= 0 {
			cellSize = DefaultGridCellSize
		}
		return NewGrid(points, cellSize)
	default:
		return nil, fmt.Errorf("unknown spatial index kind %q", kind)
	}
}

func sortNeighbors(n []Neighbor) {
	sort.Slice(n, func(i, j int) bool {
		if n[i].Dist != n[j].Dist {
			return n[i].Dist < n[j].Dist
		}
		return n[i].Index < n[j].Index
	})
}

func dist2(a, b pointcloud.Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return dx*dx + dy*dy + dz*dz
}
