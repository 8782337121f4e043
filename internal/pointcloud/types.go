// Package pointcloud holds the point-set data model shared by the merge
// pipeline: coordinates, horizontal tile bounds, and clouds carrying named
// per-point attribute columns plus a header passed through untouched.
//
// Clouds are read and written through the Reader and Writer interfaces; the
// ASCCodec implements both for CloudCompare-style text clouds.
package pointcloud

import (
	"errors"
	"fmt"
	"math"
)

// Attribute names carrying per-point predictions.
const (
	AttrPredInstance = "PredInstance"
	AttrPredSemantic = "PredSemantic"
)

// Label sentinels shared by the merge and reconciliation stages.
const (
	// Unassigned marks a target point no whole object landed on, or a point
	// reconciliation could not reassign.
	Unassigned = -1
	// Background is the reserved instance id for ground / no object.
	Background = 0
)

var (
	// ErrAttributeMissing is returned when an expected per-point attribute is absent.
	ErrAttributeMissing = errors.New("attribute missing")
	// ErrShapeMismatch is returned when coordinate and attribute lengths disagree.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrDegenerateBoundary is returned when a bounding box cannot be computed.
	ErrDegenerateBoundary = errors.New("degenerate boundary")
)

// Point is a 3D coordinate. A point set is an ordered []Point whose identity
// is positional index.
type Point struct {
	X, Y, Z float64
}

// Bounds is a horizontal axis-aligned box. Tiling only cuts in X and Y, so Z
// is never constrained.
type Bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
}

// ComputeBounds returns the XY extent of points. It fails with
// ErrDegenerateBoundary for an empty set or non-finite coordinates.
func ComputeBounds(points []Point) (Bounds, error) {
	if len(points) == 0 {
		return Bounds{}, fmt.Errorf("%w: no points", ErrDegenerateBoundary)
	}
	b := Bounds{
		MinX: math.Inf(1), MaxX: math.Inf(-1),
		MinY: math.Inf(1), MaxY: math.Inf(-1),
	}
	for i, p := range points {
		if !finite(p.X) || !finite(p.Y) {
			return Bounds{}, fmt.Errorf("%w: non-finite coordinate at point %d", ErrDegenerateBoundary, i)
		}
		b.MinX = math.Min(b.MinX, p.X)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}
	return b, nil
}

// Shrink moves every edge inward by margin.
func (b Bounds) Shrink(margin float64) Bounds {
	return Bounds{
		MinX: b.MinX + margin, MaxX: b.MaxX - margin,
		MinY: b.MinY + margin, MaxY: b.MaxY - margin,
	}
}

// Contains reports whether other lies inside b. Edges are inclusive.
func (b Bounds) Contains(other Bounds) bool {
	return other.MinX >= b.MinX && other.MaxX <= b.MaxX &&
		other.MinY >= b.MinY && other.MaxY <= b.MaxY
}

// ContainsXY reports whether (x, y) lies inside b. Edges are inclusive.
func (b Bounds) ContainsXY(x, y float64) bool {
	return b.MinX <= x && x <= b.MaxX && b.MinY <= y && y <= b.MaxY
}

func (b Bounds) String() string {
	return fmt.Sprintf("x[%.3f, %.3f] y[%.3f, %.3f]", b.MinX, b.MaxX, b.MinY, b.MaxY)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
