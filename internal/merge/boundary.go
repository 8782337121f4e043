package merge

import (
	"math"
	"sort"

	"github.com/banshee-data/tilemerge/internal/pointcloud"
)

// DefaultMargin is the boundary shrink distance used when none is configured.
const DefaultMargin = 0.2

// IsWhole reports whether every point lies inside boundary shrunk by margin.
// Edges are inclusive. Only X and Y are tested. An empty object is whole.
func IsWhole(points []pointcloud.Point, boundary pointcloud.Bounds, margin float64) bool {
	if len(points) == 0 {
		return true
	}
	return boundary.Shrink(margin).Contains(extentOf(points))
}

// object is one instance id's footprint within a tile.
type object struct {
	ID     int
	Count  int
	Extent pointcloud.Bounds
}

// partitionObjects groups tile points by positive instance id and computes
// each group's XY extent in a single pass. Objects are returned in
// ascending id order.
func partitionObjects(points []pointcloud.Point, ids []int) []object {
	byID := make(map[int]*object)
	for i, id := range ids {
		if id <= 0 {
			continue
		}
		p := points[i]
		o, ok := byID[id]
		if !ok {
			byID[id] = &object{ID: id, Count: 1, Extent: pointcloud.Bounds{MinX: p.X, MaxX: p.X, MinY: p.Y, MaxY: p.Y}}
			continue
		}
		o.Count++
		o.Extent.MinX = math.Min(o.Extent.MinX, p.X)
		o.Extent.MaxX = math.Max(o.Extent.MaxX, p.X)
		o.Extent.MinY = math.Min(o.Extent.MinY, p.Y)
		o.Extent.MaxY = math.Max(o.Extent.MaxY, p.Y)
	}

	out := make([]object, 0, len(byID))
	for _, o := range byID {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func extentOf(points []pointcloud.Point) pointcloud.Bounds {
	b := pointcloud.Bounds{
		MinX: math.Inf(1), MaxX: math.Inf(-1),
		MinY: math.Inf(1), MaxY: math.Inf(-1),
	}
	for _, p := range points {
		b.MinX = math.Min(b.MinX, p.X)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}
	return b
}
