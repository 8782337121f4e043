package report

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/tilemerge/internal/fsutil"
	"github.com/banshee-data/tilemerge/internal/merge"
	"github.com/banshee-data/tilemerge/internal/pointcloud"
)

// MaxHTMLPoints caps the scatter series embedded in the HTML page.
var MaxHTMLPoints = 20_000

// TopClusters is how many of the largest clusters the size chart shows.
const TopClusters = 25

// sizeBuckets are the lower edges of the cluster size histogram.
var sizeBuckets = []int{1, 10, 100, 300, 1000, 10000}

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// Page is the input to the HTML report.
type Page struct {
	Title    string
	Subtitle string
	Points   []pointcloud.Point
	Instance []int
}

// WriteHTML renders the report to path.
func WriteHTML(path string, page Page) error {
	return WriteHTMLFS(fsutil.OSFileSystem{}, path, page)
}

// WriteHTMLFS renders the report to path on fsys, creating the parent
// directory.
func WriteHTMLFS(fsys fsutil.FileSystem, path string, page Page) error {
	var buf bytes.Buffer
	if err := RenderHTML(&buf, page); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report dir: %w", err)
		}
	}
	return fsys.WriteFile(path, buf.Bytes(), 0644)
}

// RenderHTML writes a page with a top-view scatter coloured by instance id,
// the largest clusters and a cluster size histogram.
func RenderHTML(w io.Writer, page Page) error {
	if len(page.Points) != len(page.Instance) {
		return fmt.Errorf("%w: %d points, %d labels", pointcloud.ErrShapeMismatch, len(page.Points), len(page.Instance))
	}
	if page.Title == "" {
		page.Title = "Tile merge report"
	}

	sizes := merge.ClusterSizes(page.Instance)
	p := components.NewPage()
	p.SetPageTitle(page.Title)
	p.AddCharts(
		topViewChart(page),
		largestClustersChart(sizes),
		sizeHistogramChart(sizes),
	)
	if err := p.Render(w); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

func topViewChart(page Page) *charts.Scatter {
	stride := sampleStride(len(page.Points), MaxHTMLPoints)
	data := make([]opts.ScatterData, 0, len(page.Points)/stride+1)
	maxID := 0
	for i := 0; i < len(page.Points); i += stride {
		pt := page.Points[i]
		id := page.Instance[i]
		if id > maxID {
			maxID = id
		}
		data = append(data, opts.ScatterData{Value: []interface{}{pt.X, pt.Y, id}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: page.Title, Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: page.Title, Subtitle: fmt.Sprintf("%s points=%d stride=%d", page.Subtitle, len(page.Points), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X", NameLocation: "middle", NameGap: 25, Scale: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y", NameLocation: "middle", NameGap: 30, Scale: opts.Bool(true)}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(pointcloud.Unassigned),
			Max:        float32(maxID),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("PredInstance", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))
	return scatter
}

func largestClustersChart(sizes []merge.ClusterSize) *charts.Bar {
	ranked := make([]merge.ClusterSize, 0, len(sizes))
	for _, cs := range sizes {
		if cs.ID != pointcloud.Unassigned {
			ranked = append(ranked, cs)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Size > ranked[j].Size })
	if len(ranked) > TopClusters {
		ranked = ranked[:TopClusters]
	}

	x := make([]string, len(ranked))
	y := make([]opts.BarData, len(ranked))
	for i, cs := range ranked {
		x[i] = strconv.Itoa(cs.ID)
		y[i] = opts.BarData{Value: cs.Size}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Largest clusters", Subtitle: fmt.Sprintf("clusters=%d", len(sizes))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "PredInstance", NameLocation: "middle", NameGap: 25}),
	)
	bar.SetXAxis(x).
		AddSeries("points", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}

// sizeHistogram counts clusters per bucket of sizeBuckets. Unassigned is
// not a cluster.
func sizeHistogram(sizes []merge.ClusterSize) ([]string, []int) {
	labels := make([]string, len(sizeBuckets))
	counts := make([]int, len(sizeBuckets))
	for i, lo := range sizeBuckets {
		if i+1 < len(sizeBuckets) {
			labels[i] = fmt.Sprintf("%d-%d", lo, sizeBuckets[i+1]-1)
		} else {
			labels[i] = fmt.Sprintf("%d+", lo)
		}
	}
	for _, cs := range sizes {
		if cs.ID == pointcloud.Unassigned {
			continue
		}
		b := sort.SearchInts(sizeBuckets, cs.Size+1) - 1
		if b >= 0 {
			counts[b]++
		}
	}
	return labels, counts
}

func sizeHistogramChart(sizes []merge.ClusterSize) *charts.Bar {
	labels, counts := sizeHistogram(sizes)
	y := make([]opts.BarData, len(counts))
	for i, n := range counts {
		y[i] = opts.BarData{Value: n}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Cluster size distribution"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "points per cluster", NameLocation: "middle", NameGap: 25}),
	)
	bar.SetXAxis(labels).
		AddSeries("clusters", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}
