package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tilemerge/internal/config"
	"github.com/banshee-data/tilemerge/internal/merge"
	"github.com/banshee-data/tilemerge/internal/monitoring"
	"github.com/banshee-data/tilemerge/internal/pointcloud"
	"github.com/banshee-data/tilemerge/internal/runstore"
	"github.com/banshee-data/tilemerge/internal/security"
	"github.com/banshee-data/tilemerge/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// fixture is a 10x10 target grid and two overlapping tiles:
//
//	tile_a.asc  x 0..5, object 7 at x 2..3, y 4..5 (whole)
//	tile_b.asc  x 4..9, object 7 at x 7..8, y 1..2 (whole)
//	                    object 3 at x 9, y 5..6 (touches the edge)
//	broken.asc  unparseable
//	empty.asc   header only
//	notes.txt   not a tile
type fixture struct {
	dir      string
	tilesDir string
	original string
}

var (
	writeCloud = testutil.WriteCloud
	readCloud  = testutil.ReadCloud
)

// gridTile is a tile over columns x0..x1 of the 10x10 plot. Objects carry
// semantic class 2, background class 1.
func gridTile(x0, x1 int, label func(x, y int) int) *pointcloud.Cloud {
	return testutil.Grid(x0, x1, 0, 9, func(x, y int) (int, int) {
		if id := label(x, y); id != 0 {
			return id, 2
		}
		return 0, 1
	})
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{dir: dir, tilesDir: filepath.Join(dir, "tiles"), original: filepath.Join(dir, "plot.asc")}
	require.NoError(t, os.MkdirAll(f.tilesDir, 0755))

	var points []pointcloud.Point
	var intensity []float64
	for y := 0; y <= 9; y++ {
		for x := 0; x <= 9; x++ {
			points = append(points, pointcloud.Point{X: float64(x), Y: float64(y)})
			intensity = append(intensity, float64(x+y))
		}
	}
	target := pointcloud.NewCloud(pointcloud.Header{Comments: []string{"CRS: EPSG:32633"}}, points)
	require.NoError(t, target.SetAttribute("Intensity", intensity))
	writeCloud(t, f.original, target)

	writeCloud(t, filepath.Join(f.tilesDir, "tile_a.asc"), gridTile(0, 5, func(x, y int) int {
		if (x == 2 || x == 3) && (y == 4 || y == 5) {
			return 7
		}
		return 0
	}))
	writeCloud(t, filepath.Join(f.tilesDir, "tile_b.asc"), gridTile(4, 9, func(x, y int) int {
		switch {
		case (x == 7 || x == 8) && (y == 1 || y == 2):
			return 7
		case x == 9 && (y == 5 || y == 6):
			return 3
		}
		return 0
	}))
	require.NoError(t, os.WriteFile(filepath.Join(f.tilesDir, "broken.asc"), []byte("1 2\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.tilesDir, "empty.asc"), []byte("# Format: X Y Z PredInstance PredSemantic\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.tilesDir, "notes.txt"), []byte("not a tile"), 0644))
	return f
}

func noReconcile() *config.MergeConfig {
	cfg := config.DefaultMergeConfig()
	skip := true
	cfg.SkipReconcile = &skip
	return cfg
}

func at(x, y int) int { return y*10 + x }

// ----------------------------------------------------------------------------
// Merge
// ----------------------------------------------------------------------------

func TestMerge_EndToEnd(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "out", "merged.asc")

	rep, err := NewRunner().Merge(context.Background(), MergeRequest{
		TilesDir:     f.tilesDir,
		OriginalPath: f.original,
		OutputPath:   out,
		Config:       noReconcile(),
	})
	require.NoError(t, err)

	s := rep.Summary
	assert.Equal(t, 100, rep.TargetPoints)
	assert.Equal(t, 2, s.TilesProcessed)
	require.Len(t, s.Skipped, 2)
	assert.Equal(t, []merge.SkippedTile{
		{Name: "broken.asc", Reason: s.Skipped[0].Reason},
		{Name: "empty.asc", Reason: merge.ErrEmptyTile.Error()},
	}, s.Skipped)
	assert.Contains(t, s.Skipped[0].Reason, "shape mismatch")
	assert.Equal(t, 3, s.ObjectsSeen)
	assert.Equal(t, 2, s.WholeObjects)
	assert.Equal(t, 1, s.RejectedObjects)
	assert.Equal(t, 8, s.PointsWritten)
	assert.Equal(t, 0, s.Overwritten)
	assert.NotEmpty(t, rep.RunID)

	merged := readCloud(t, out)
	assert.Equal(t, []string{"CRS: EPSG:32633"}, merged.Header.Comments)
	assert.Equal(t, []string{"Intensity", pointcloud.AttrPredInstance, pointcloud.AttrPredSemantic}, merged.AttributeNames())

	inst, err := merged.IntAttribute(pointcloud.AttrPredInstance)
	require.NoError(t, err)
	sem, err := merged.IntAttribute(pointcloud.AttrPredSemantic)
	require.NoError(t, err)

	want := make([]int, 100)
	for i := range want {
		want[i] = pointcloud.Unassigned
	}
	for _, p := range [][2]int{{2, 4}, {3, 4}, {2, 5}, {3, 5}} {
		want[at(p[0], p[1])] = 1
	}
	for _, p := range [][2]int{{7, 1}, {8, 1}, {7, 2}, {8, 2}} {
		want[at(p[0], p[1])] = 2
	}
	assert.Equal(t, want, inst)
	assert.Equal(t, 2, sem[at(2, 4)])
	assert.Equal(t, pointcloud.Unassigned, sem[at(0, 0)])
	assert.Equal(t, pointcloud.Unassigned, inst[at(9, 5)], "edge object rejected")
}

func TestMerge_ReconcilesSmallClusters(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "merged.asc")
	cfg := config.DefaultMergeConfig()
	cfg.SetMinClusterSize(5)

	rep, err := NewRunner().Merge(context.Background(), MergeRequest{
		TilesDir: f.tilesDir, OriginalPath: f.original, OutputPath: out, Config: cfg,
	})
	require.NoError(t, err)

	// Both clusters are small, so neither can absorb the other.
	assert.Equal(t, 2, rep.Reconcile.SmallClusters)
	assert.Equal(t, []int{1, 2}, rep.Reconcile.SmallIDs)
	assert.Equal(t, 0, rep.Summary.Reassigned)
	assert.Equal(t, 8, rep.Summary.Unresolved)

	inst, err := readCloud(t, out).IntAttribute(pointcloud.AttrPredInstance)
	require.NoError(t, err)
	for i, id := range inst {
		assert.Equal(t, pointcloud.Unassigned, id, "point %d", i)
	}
}

func TestMerge_TileOrder(t *testing.T) {
	f := newFixture(t)
	paths := []string{filepath.Join(f.tilesDir, "tile_b.asc"), filepath.Join(f.tilesDir, "tile_a.asc")}

	tests := []struct {
		order     string
		wantA     int // id of tile_a's object
		wantB     int // id of tile_b's whole object
		firstTile string
	}{
		{order: config.TileOrderName, wantA: 1, wantB: 2, firstTile: paths[1]},
		{order: config.TileOrderInput, wantA: 3, wantB: 1, firstTile: paths[0]},
	}
	for _, tt := range tests {
		t.Run(tt.order, func(t *testing.T) {
			cfg := noReconcile()
			order := tt.order
			cfg.TileOrder = &order
			out := filepath.Join(t.TempDir(), "merged.asc")

			rep, err := NewRunner().Merge(context.Background(), MergeRequest{
				TilePaths: paths, OriginalPath: f.original, OutputPath: out, Config: cfg,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.firstTile, rep.Summary.Tiles[0].Name)

			inst, err := readCloud(t, out).IntAttribute(pointcloud.AttrPredInstance)
			require.NoError(t, err)
			assert.Equal(t, tt.wantA, inst[at(2, 4)])
			assert.Equal(t, tt.wantB, inst[at(7, 1)])
		})
	}
}

func TestMerge_MissingAttributesIsFatal(t *testing.T) {
	f := newFixture(t)
	bare := pointcloud.NewCloud(pointcloud.Header{}, []pointcloud.Point{{X: 1, Y: 1}})
	writeCloud(t, filepath.Join(f.tilesDir, "tile_c.asc"), bare)
	db := filepath.Join(f.dir, "runs.db")

	_, err := NewRunner().Merge(context.Background(), MergeRequest{
		TilesDir: f.tilesDir, OriginalPath: f.original, OutputPath: filepath.Join(f.dir, "merged.asc"),
		Config: noReconcile(), DBPath: db,
	})
	require.ErrorIs(t, err, pointcloud.ErrAttributeMissing)
	assert.NoFileExists(t, filepath.Join(f.dir, "merged.asc"))

	store, err := runstore.Open(db)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runstore.StatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "attribute missing")
}

func TestMerge_MissingOriginal(t *testing.T) {
	f := newFixture(t)
	_, err := NewRunner().Merge(context.Background(), MergeRequest{
		TilesDir: f.tilesDir, OriginalPath: filepath.Join(f.dir, "missing.asc"), OutputPath: filepath.Join(f.dir, "m.asc"),
	})
	assert.Error(t, err)
}

func TestMerge_RequestErrors(t *testing.T) {
	r := NewRunner()
	ctx := context.Background()

	_, err := r.Merge(ctx, MergeRequest{OriginalPath: "a.asc"})
	assert.Error(t, err)

	_, err = r.Merge(ctx, MergeRequest{OriginalPath: "a.asc", OutputPath: "b.asc"})
	assert.ErrorContains(t, err, "tile folder")

	bad := config.DefaultMergeConfig()
	bad.SetMargin(-1)
	_, err = r.Merge(ctx, MergeRequest{TilesDir: ".", OriginalPath: "a.asc", OutputPath: "b.asc", Config: bad})
	assert.ErrorContains(t, err, "margin")

	_, err = r.Merge(ctx, MergeRequest{TilesDir: filepath.Join(t.TempDir(), "nope"), OriginalPath: "a.asc", OutputPath: "b.asc"})
	assert.ErrorContains(t, err, "does not exist")
}

func TestMerge_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner().Merge(ctx, MergeRequest{
		TilesDir: f.tilesDir, OriginalPath: f.original, OutputPath: filepath.Join(f.dir, "m.asc"),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMerge_RejectsEscapingTile(t *testing.T) {
	f := newFixture(t)
	outside := filepath.Join(f.dir, "outside.asc")
	writeCloud(t, outside, gridTile(0, 1, func(x, y int) int { return 0 }))
	require.NoError(t, os.Symlink(outside, filepath.Join(f.tilesDir, "zz_link.asc")))

	rep, err := NewRunner().Merge(context.Background(), MergeRequest{
		TilesDir: f.tilesDir, OriginalPath: f.original, OutputPath: filepath.Join(f.dir, "m.asc"), Config: noReconcile(),
	})
	require.NoError(t, err)

	last := rep.Summary.Skipped[len(rep.Summary.Skipped)-1]
	assert.Equal(t, "zz_link.asc", last.Name)
	assert.Contains(t, last.Reason, security.ErrPathEscape.Error())
	assert.Equal(t, 2, rep.Summary.TilesProcessed)
}

func TestMerge_LedgerMetricsAndReports(t *testing.T) {
	f := newFixture(t)
	req := MergeRequest{
		TilesDir:     f.tilesDir,
		OriginalPath: f.original,
		OutputPath:   filepath.Join(f.dir, "merged.asc"),
		Config:       noReconcile(),
		PlotPath:     filepath.Join(f.dir, "merged_top_view.png"),
		ReportPath:   filepath.Join(f.dir, "report.html"),
		DBPath:       filepath.Join(f.dir, "runs.db"),
		MetricsPath:  filepath.Join(f.dir, "tilemerge.prom"),
	}

	rep, err := NewRunner().Merge(context.Background(), req)
	require.NoError(t, err)

	assert.FileExists(t, req.PlotPath)
	html, err := os.ReadFile(req.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), rep.RunID)

	prom, err := os.ReadFile(req.MetricsPath)
	require.NoError(t, err)
	text := string(prom)
	assert.Contains(t, text, `tilemerge_tiles_total{outcome="processed"} 2`)
	assert.Contains(t, text, `tilemerge_tiles_total{outcome="skipped"} 2`)
	assert.Contains(t, text, `tilemerge_points_total{outcome="written"} 8`)
	assert.Contains(t, text, "tilemerge_last_run_success 1")

	store, err := runstore.Open(req.DBPath)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	run, err := store.GetRun(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.KindMerge, run.Kind)
	assert.Equal(t, runstore.StatusSucceeded, run.Status)
	assert.Equal(t, 100, run.TargetPoints)
	assert.Equal(t, 2, run.TilesProcessed)
	assert.Equal(t, 2, run.TilesSkipped)
	assert.Equal(t, 8, run.PointsWritten)
	assert.True(t, strings.Contains(run.ParamsJSON, `"skip_reconcile":true`), run.ParamsJSON)

	tiles, err := store.TilesForRun(ctx, rep.RunID)
	require.NoError(t, err)
	require.Len(t, tiles, 4)
	names := []string{tiles[0].Name, tiles[1].Name, tiles[2].Name, tiles[3].Name}
	assert.Equal(t, []string{"broken.asc", "empty.asc", "tile_a.asc", "tile_b.asc"}, names)
	assert.True(t, tiles[0].Skipped)
	assert.Equal(t, merge.ErrEmptyTile.Error(), tiles[1].Reason)
	assert.False(t, tiles[2].Skipped)
	assert.Equal(t, 1, tiles[2].FirstID)
	assert.Equal(t, 2, tiles[2].NextID)
	assert.Equal(t, 2, tiles[3].FirstID)
	assert.Equal(t, 4, tiles[3].NextID)
	assert.Equal(t, 2, tiles[3].Objects)
	assert.Equal(t, 1, tiles[3].WholeObjects)
}

func TestMerge_LogsSkippedTiles(t *testing.T) {
	f := newFixture(t)
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	_, err := NewRunner().Merge(context.Background(), MergeRequest{
		TilesDir: f.tilesDir, OriginalPath: f.original, OutputPath: filepath.Join(f.dir, "m.asc"), Config: noReconcile(),
	})
	require.NoError(t, err)

	warnings := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "warning: skipping tile") {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestMerge_SkipsTilesWithoutRows(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.tilesDir, "zero.asc"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.tilesDir, "blank.asc"), []byte("\n  \n\t\n"), 0644))
	out := filepath.Join(f.dir, "merged.asc")

	rep, err := NewRunner().Merge(context.Background(), MergeRequest{
		TilesDir: f.tilesDir, OriginalPath: f.original, OutputPath: out, Config: noReconcile(),
	})
	require.NoError(t, err)

	s := rep.Summary
	assert.Equal(t, 2, s.TilesProcessed)
	var names []string
	for _, sk := range s.Skipped {
		names = append(names, sk.Name)
		if sk.Name == "zero.asc" || sk.Name == "blank.asc" {
			assert.Equal(t, merge.ErrEmptyTile.Error(), sk.Reason)
		}
	}
	assert.Equal(t, []string{"blank.asc", "broken.asc", "empty.asc", "zero.asc"}, names)
	assert.Equal(t, 8, s.PointsWritten)
	assert.FileExists(t, out)
}

// ----------------------------------------------------------------------------
// Discovery helpers
// ----------------------------------------------------------------------------

func TestHasTileExtension(t *testing.T) {
	exts := []string{".asc", ".asc.gz"}
	assert.True(t, hasTileExtension("a.asc", exts))
	assert.True(t, hasTileExtension("A.ASC", exts))
	assert.True(t, hasTileExtension("a.asc.gz", exts))
	assert.False(t, hasTileExtension("a.asc.zst", exts))
	assert.False(t, hasTileExtension("a.txt", exts))
}

func TestExplicitTiles_Duplicate(t *testing.T) {
	_, err := explicitTiles([]string{"a.asc", "b.asc", "a.asc"})
	assert.ErrorContains(t, err, "listed twice")
}

func TestOrderTiles(t *testing.T) {
	tiles := []tileFile{{Name: "dir/b.asc"}, {Name: "other/a.asc"}}
	orderTiles(tiles, config.TileOrderInput)
	assert.Equal(t, "dir/b.asc", tiles[0].Name)
	orderTiles(tiles, config.TileOrderName)
	assert.Equal(t, "other/a.asc", tiles[0].Name)
}

// ----------------------------------------------------------------------------
// Remap
// ----------------------------------------------------------------------------

func TestRemap_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	original := pointcloud.NewCloud(pointcloud.Header{Comments: []string{"full resolution"}}, []pointcloud.Point{
		{X: 0}, {X: 1}, {X: 5}, {X: 6},
	})
	require.NoError(t, original.SetAttribute("Intensity", []float64{10, 11, 12, 13}))
	sub := pointcloud.NewCloud(pointcloud.Header{}, []pointcloud.Point{{X: 0}, {X: 6}})
	require.NoError(t, sub.SetIntAttribute(pointcloud.AttrPredInstance, []int{4, 9}))
	require.NoError(t, sub.SetIntAttribute(pointcloud.AttrPredSemantic, []int{1, 2}))

	req := RemapRequest{
		OriginalPath:   filepath.Join(dir, "full.asc"),
		SubsampledPath: filepath.Join(dir, "sub.asc.gz"),
		OutputPath:     filepath.Join(dir, "out.asc"),
		DBPath:         filepath.Join(dir, "runs.db"),
	}
	writeCloud(t, req.OriginalPath, original)
	writeCloud(t, req.SubsampledPath, sub)

	rep, err := NewRunner().Remap(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.OriginalPoints)
	assert.Equal(t, 2, rep.SubsampledPoints)

	out := readCloud(t, req.OutputPath)
	assert.Equal(t, []string{"full resolution"}, out.Header.Comments)
	inst, err := out.IntAttribute(pointcloud.AttrPredInstance)
	require.NoError(t, err)
	sem, err := out.IntAttribute(pointcloud.AttrPredSemantic)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 9, 9}, inst)
	assert.Equal(t, []int{1, 1, 2, 2}, sem)
	intensity, _ := out.Attribute("Intensity")
	assert.Equal(t, []float64{10, 11, 12, 13}, intensity)

	store, err := runstore.Open(req.DBPath)
	require.NoError(t, err)
	defer store.Close()
	run, err := store.GetRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.KindRemap, run.Kind)
	assert.Equal(t, req.SubsampledPath, run.SubsampledPath)
	assert.Equal(t, 4, run.PointsWritten)
}

func TestRemap_SubsampledWithoutPredictions(t *testing.T) {
	dir := t.TempDir()
	plain := pointcloud.NewCloud(pointcloud.Header{}, []pointcloud.Point{{X: 0}})
	req := RemapRequest{
		OriginalPath:   filepath.Join(dir, "full.asc"),
		SubsampledPath: filepath.Join(dir, "sub.asc"),
		OutputPath:     filepath.Join(dir, "out.asc"),
	}
	writeCloud(t, req.OriginalPath, plain)
	writeCloud(t, req.SubsampledPath, plain)

	_, err := NewRunner().Remap(context.Background(), req)
	assert.ErrorIs(t, err, pointcloud.ErrAttributeMissing)
	assert.NoFileExists(t, req.OutputPath)
}

func TestRemap_RequiresPaths(t *testing.T) {
	_, err := NewRunner().Remap(context.Background(), RemapRequest{OriginalPath: "a.asc"})
	assert.Error(t, err)
}
