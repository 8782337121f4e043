// Package testutil provides shared point-cloud fixtures for tests.
package testutil

import (
	"testing"

	"github.com/banshee-data/tilemerge/internal/pointcloud"
)

// LabelFunc returns the instance and semantic label of grid point (x, y).
type LabelFunc func(x, y int) (instance, semantic int)

// Grid builds a cloud with one point at every integer (x, y) in
// [x0, x1] x [y0, y1] at Z 0, in row-major order (y outer). With a non-nil
// label the cloud carries PredInstance and PredSemantic columns.
func Grid(x0, x1, y0, y1 int, label LabelFunc) *pointcloud.Cloud {
	var (
		points   []pointcloud.Point
		instance []int
		semantic []int
	)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			points = append(points, pointcloud.Point{X: float64(x), Y: float64(y)})
			if label != nil {
				i, s := label(x, y)
				instance = append(instance, i)
				semantic = append(semantic, s)
			}
		}
	}
	c := pointcloud.NewCloud(pointcloud.Header{}, points)
	if label != nil {
		_ = c.SetIntAttribute(pointcloud.AttrPredInstance, instance)
		_ = c.SetIntAttribute(pointcloud.AttrPredSemantic, semantic)
	}
	return c
}

// GridIndex is the position of (x, y) in a Grid starting at (x0, y0) with
// rows of width points.
func GridIndex(x, y, x0, y0, width int) int {
	return (y-y0)*width + (x - x0)
}

// WriteCloud writes c to path with the ASC codec, failing the test on error.
func WriteCloud(t testing.TB, path string, c *pointcloud.Cloud) {
	t.Helper()
	if err := pointcloud.NewASCCodec(nil).WriteCloud(path, c); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// ReadCloud reads path with the ASC codec, failing the test on error.
func ReadCloud(t testing.TB, path string) *pointcloud.Cloud {
	t.Helper()
	c, err := pointcloud.NewASCCodec(nil).ReadCloud(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return c
}

// Labels returns the PredInstance and PredSemantic columns of c, failing the
// test when either is missing.
func Labels(t testing.TB, c *pointcloud.Cloud) (instance, semantic []int) {
	t.Helper()
	instance, err := c.IntAttribute(pointcloud.AttrPredInstance)
	if err != nil {
		t.Fatalf("instance labels: %v", err)
	}
	semantic, err = c.IntAttribute(pointcloud.AttrPredSemantic)
	if err != nil {
		t.Fatalf("semantic labels: %v", err)
	}
	return instance, semantic
}
