// Package report renders debug artifacts for a merged cloud: a top-down
// PNG scatter coloured by instance id and an HTML page with cluster
// statistics.
package report

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/tilemerge/internal/pointcloud"
)

// MaxPlotPoints caps how many points are drawn; larger clouds are sampled
// with a fixed stride.
var MaxPlotPoints = 250_000

var unassignedColor = color.RGBA{R: 190, G: 190, B: 190, A: 255}

// palette is a 20-colour qualitative palette, indexed by instance id.
var palette = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255}, {R: 174, G: 199, B: 232, A: 255},
	{R: 255, G: 127, B: 14, A: 255}, {R: 255, G: 187, B: 120, A: 255},
	{R: 44, G: 160, B: 44, A: 255}, {R: 152, G: 223, B: 138, A: 255},
	{R: 214, G: 39, B: 40, A: 255}, {R: 255, G: 152, B: 150, A: 255},
	{R: 148, G: 103, B: 189, A: 255}, {R: 197, G: 176, B: 213, A: 255},
	{R: 140, G: 86, B: 75, A: 255}, {R: 196, G: 156, B: 148, A: 255},
	{R: 227, G: 119, B: 194, A: 255}, {R: 247, G: 182, B: 210, A: 255},
	{R: 127, G: 127, B: 127, A: 255}, {R: 199, G: 199, B: 199, A: 255},
	{R: 188, G: 189, B: 34, A: 255}, {R: 219, G: 219, B: 141, A: 255},
	{R: 23, G: 190, B: 207, A: 255}, {R: 158, G: 218, B: 229, A: 255},
}

// colorFor maps an instance id to a palette colour. Unassigned points are
// light grey.
func colorFor(id int) color.RGBA {
	if id == pointcloud.Unassigned {
		return unassignedColor
	}
	if id < 0 {
		id = -id
	}
	return palette[id%len(palette)]
}

// sampleStride returns the stride that keeps at most max of n points.
func sampleStride(n, max int) int {
	if max <= 0 || n <= max {
		return 1
	}
	return int(math.Ceil(float64(n) / float64(max)))
}

// WriteTopView saves a top-down scatter of points coloured by instance id.
// The image format follows the file extension (png, svg, pdf, ...).
func WriteTopView(path string, points []pointcloud.Point, instance []int) error {
	p, err := topView(points, instance)
	if err != nil {
		return err
	}
	if err := p.Save(10*vg.Inch, 10*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save top view %s: %w", path, err)
	}
	return nil
}

func topView(points []pointcloud.Point, instance []int) (*plot.Plot, error) {
	if len(points) != len(instance) {
		return nil, fmt.Errorf("%w: %d points, %d labels", pointcloud.ErrShapeMismatch, len(points), len(instance))
	}

	stride := sampleStride(len(points), MaxPlotPoints)
	xys := make(plotter.XYs, 0, len(points)/stride+1)
	ids := make([]int, 0, cap(xys))
	for i := 0; i < len(points); i += stride {
		xys = append(xys, plotter.XY{X: points[i].X, Y: points[i].Y})
		ids = append(ids, instance[i])
	}

	p := plot.New()
	p.Title.Text = "Top view coloured by PredInstance"
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Y"
	if len(xys) == 0 {
		return p, nil
	}

	sc, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, fmt.Errorf("failed to build scatter: %w", err)
	}
	sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		return draw.GlyphStyle{Color: colorFor(ids[i]), Radius: vg.Points(0.6), Shape: draw.CircleGlyph{}}
	}
	p.Add(sc)

	// Equal axis scale.
	minX, maxX, minY, maxY := plotter.XYRange(xys)
	half := math.Max(maxX-minX, maxY-minY)/2 + 0.5
	cx, cy := (minX+maxX)/2, (minY+maxY)/2
	p.X.Min, p.X.Max = cx-half, cx+half
	p.Y.Min, p.Y.Max = cy-half, cy+half
	return p, nil
}
