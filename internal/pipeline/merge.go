package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tilemerge/internal/config"
	"github.com/banshee-data/tilemerge/internal/merge"
	"github.com/banshee-data/tilemerge/internal/monitoring"
	"github.com/banshee-data/tilemerge/internal/pointcloud"
	"github.com/banshee-data/tilemerge/internal/reconcile"
	"github.com/banshee-data/tilemerge/internal/report"
	"github.com/banshee-data/tilemerge/internal/runstore"
)

// MergeRequest describes one merge job.
type MergeRequest struct {
	// TilesDir is searched for tiles carrying one of the configured
	// extensions. TilePaths, when set, is used instead.
	TilesDir  string
	TilePaths []string

	OriginalPath string
	OutputPath   string

	// Config holds the merge parameters; nil selects the defaults.
	Config *config.MergeConfig

	// Optional outputs. Empty paths are skipped.
	PlotPath    string // top-view image
	ReportPath  string // HTML cluster report
	DBPath      string // run ledger
	MetricsPath string // Prometheus textfile
}

// MergeReport is what a successful merge job produced.
type MergeReport struct {
	RunID        string
	TargetPoints int
	Summary      merge.Summary
	Reconcile    reconcile.Result
	Duration     time.Duration
}

// Merge runs a merge job. The run is recorded in the ledger and metrics
// textfile, when configured, whether it succeeds or not.
func (r *Runner) Merge(ctx context.Context, req MergeRequest) (*MergeReport, error) {
	cfg, err := resolveConfig(req.Config)
	if err != nil {
		return nil, err
	}
	if req.OriginalPath == "" || req.OutputPath == "" {
		return nil, errors.New("original and output paths are required")
	}

	run := &runstore.Run{
		ID:           uuid.NewString(),
		Kind:         runstore.KindMerge,
		StartedAt:    r.clock().Now(),
		OriginalPath: req.OriginalPath,
		TilesDir:     req.TilesDir,
		OutputPath:   req.OutputPath,
		ParamsJSON:   paramsJSON(cfg),
	}
	rep := &MergeReport{RunID: run.ID}
	records, jobErr := r.merge(ctx, req, cfg, rep)

	s := rep.Summary
	run.TargetPoints = rep.TargetPoints
	run.TilesProcessed = s.TilesProcessed
	run.TilesSkipped = len(s.Skipped)
	run.ObjectsSeen = s.ObjectsSeen
	run.WholeObjects = s.WholeObjects
	run.RejectedObjects = s.RejectedObjects
	run.PointsWritten = s.PointsWritten
	run.Overwritten = s.Overwritten
	run.SmallClusters = rep.Reconcile.SmallClusters
	run.Reassigned = s.Reassigned
	run.Unresolved = s.Unresolved
	r.finish(ctx, run, records, jobErr, req.DBPath, req.MetricsPath)

	if jobErr != nil {
		return nil, jobErr
	}
	rep.Duration = run.Duration()
	monitoring.Logf("Merge %s finished in %v: %d tiles processed, %d skipped, %d of %d objects whole, %d points labelled (%d overwritten), %d reassigned, %d unresolved",
		run.ID, rep.Duration.Round(time.Millisecond), s.TilesProcessed, len(s.Skipped), s.WholeObjects, s.ObjectsSeen,
		s.PointsWritten, s.Overwritten, s.Reassigned, s.Unresolved)
	return rep, nil
}

func (r *Runner) merge(ctx context.Context, req MergeRequest, cfg *config.MergeConfig, rep *MergeReport) ([]runstore.TileRecord, error) {
	rec := r.recorder()

	var (
		files    []tileFile
		rejected []rejectedTile
		err      error
	)
	if len(req.TilePaths) > 0 {
		files, err = explicitTiles(req.TilePaths)
	} else if req.TilesDir != "" {
		files, rejected, err = r.discoverTiles(req.TilesDir, cfg.GetTileExtensions())
	} else {
		err = errors.New("a tile folder or tile list is required")
	}
	if err != nil {
		return nil, err
	}
	orderTiles(files, cfg.GetTileOrder())
	if len(files) == 0 {
		monitoring.Logf("warning: no tiles found in %s", req.TilesDir)
	} else {
		monitoring.Logf("Found %d tile(s); margin %.3f applies to all tiles", len(files), cfg.GetMargin())
	}

	// Load.
	var (
		target      *pointcloud.Cloud
		tiles       []*merge.Tile
		loadSkipped = make(map[string]string)
	)
	err = r.timed(PhaseLoad, func() error {
		var err error
		target, err = r.codec().ReadCloud(req.OriginalPath)
		if err != nil {
			return fmt.Errorf("failed to load original cloud: %w", err)
		}
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := r.codec().ReadCloud(f.Path)
			if err != nil {
				monitoring.Logf("warning: skipping tile %s: %v", f.Name, err)
				loadSkipped[f.Name] = err.Error()
				continue
			}
			if c.Len() == 0 {
				monitoring.Logf("warning: skipping tile %s: %v", f.Name, merge.ErrEmptyTile)
				loadSkipped[f.Name] = merge.ErrEmptyTile.Error()
				continue
			}
			t, err := merge.TileFromCloud(f.Name, c)
			if err != nil {
				return err
			}
			tiles = append(tiles, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	rep.TargetPoints = target.Len()

	// Merge.
	engine := &merge.Engine{
		Margin:       cfg.GetMargin(),
		Workers:      cfg.GetWorkers(),
		IndexKind:    indexKind(cfg),
		GridCellSize: cfg.GetGridCellSize(),
	}
	var res *merge.Result
	err = r.timed(PhaseMerge, func() error {
		var err error
		res, err = engine.Merge(ctx, target.Points, tiles)
		return err
	})
	if err != nil {
		return nil, err
	}
	res.Summary.Skipped = collectSkipped(files, rejected, loadSkipped, res.Summary.Skipped)
	rep.Summary = res.Summary

	rec.Tiles(res.Summary.TilesProcessed, len(res.Summary.Skipped))
	rec.Objects(res.Summary.WholeObjects, res.Summary.RejectedObjects)
	rec.Points("written", res.Summary.PointsWritten)
	rec.Points("overwritten", res.Summary.Overwritten)
	records := tileRecords(files, rejected, loadSkipped, res.Summary)

	// Reconcile.
	if cfg.GetSkipReconcile() {
		monitoring.Logf("Skipping small cluster reconciliation")
	} else {
		params := reconcile.Params{
			MinClusterSize: cfg.GetMinClusterSize(),
			InitialRadius:  cfg.GetInitialRadius(),
			MaxRadius:      cfg.GetMaxRadius(),
			RadiusStep:     cfg.GetRadiusStep(),
			Mode:           reconcile.Mode(cfg.GetReconcileMode()),
			Workers:        cfg.GetWorkers(),
		}
		err = r.timed(PhaseReconcile, func() error {
			var err error
			rep.Reconcile, err = reconcile.Reconcile(ctx, target.Points, res.Index, res.Labels.Instance, params)
			return err
		})
		if err != nil {
			return records, err
		}
		res.Summary.Reassigned = rep.Reconcile.Reassigned
		res.Summary.Unresolved = rep.Reconcile.Unresolved
		rep.Summary = res.Summary

		rec.SmallClusters.Set(float64(rep.Reconcile.SmallClusters))
		rec.Points("reassigned", rep.Reconcile.Reassigned)
		rec.Points("unresolved", rep.Reconcile.Unresolved)
	}

	// Write.
	err = r.timed(PhaseWrite, func() error {
		out, err := res.Labels.Apply(target)
		if err != nil {
			return err
		}
		if err := r.codec().WriteCloud(req.OutputPath, out); err != nil {
			return fmt.Errorf("failed to write merged cloud: %w", err)
		}
		return nil
	})
	if err != nil {
		return records, err
	}
	monitoring.Logf("Merged point cloud saved to %s", req.OutputPath)

	// Debug artifacts.
	err = r.timed(PhaseReport, func() error {
		if req.PlotPath != "" {
			if err := report.WriteTopView(req.PlotPath, target.Points, res.Labels.Instance); err != nil {
				return err
			}
			monitoring.Logf("Top-view image saved to %s", req.PlotPath)
		}
		if req.ReportPath != "" {
			page := report.Page{
				Title:    "Tile merge " + filepath.Base(req.OutputPath),
				Subtitle: "run=" + rep.RunID,
				Points:   target.Points,
				Instance: res.Labels.Instance,
			}
			if err := report.WriteHTMLFS(r.FS, req.ReportPath, page); err != nil {
				return err
			}
			monitoring.Logf("Cluster report saved to %s", req.ReportPath)
		}
		return nil
	})
	return records, err
}

// collectSkipped lists every tile left out of a merge in tile order:
// tiles that failed to load and tiles the engine skipped, followed by tiles
// rejected at discovery.
func collectSkipped(files []tileFile, rejected []rejectedTile, loadSkipped map[string]string, engineSkipped []merge.SkippedTile) []merge.SkippedTile {
	byName := make(map[string]string, len(engineSkipped))
	for _, s := range engineSkipped {
		byName[s.Name] = s.Reason
	}

	var out []merge.SkippedTile
	for _, f := range files {
		if reason, ok := loadSkipped[f.Name]; ok {
			out = append(out, merge.SkippedTile{Name: f.Name, Reason: reason})
		} else if reason, ok := byName[f.Name]; ok {
			out = append(out, merge.SkippedTile{Name: f.Name, Reason: reason})
		}
	}
	for _, rj := range rejected {
		out = append(out, merge.SkippedTile{Name: rj.Name, Reason: rj.Reason})
	}
	return out
}

// tileRecords builds the ledger rows for a merge. Ordinals follow tile
// order; rejected tiles come last.
func tileRecords(files []tileFile, rejected []rejectedTile, loadSkipped map[string]string, s merge.Summary) []runstore.TileRecord {
	stats := make(map[string]merge.TileStats, len(s.Tiles))
	for _, ts := range s.Tiles {
		stats[ts.Name] = ts
	}
	skipped := make(map[string]string, len(s.Skipped))
	for _, sk := range s.Skipped {
		skipped[sk.Name] = sk.Reason
	}

	out := make([]runstore.TileRecord, 0, len(files)+len(rejected))
	for _, f := range files {
		rec := runstore.TileRecord{Ordinal: len(out), Name: f.Name}
		if ts, ok := stats[f.Name]; ok {
			rec.Points = ts.Points
			rec.Objects = ts.Objects
			rec.WholeObjects = ts.WholeObjects
			rec.PointsClaimed = ts.PointsClaimed
			rec.FirstID = ts.FirstID
			rec.NextID = ts.NextID
		} else {
			rec.Skipped = true
			rec.Reason = skipped[f.Name]
			if reason, ok := loadSkipped[f.Name]; ok {
				rec.Reason = reason
			}
		}
		out = append(out, rec)
	}
	for _, rj := range rejected {
		out = append(out, runstore.TileRecord{Ordinal: len(out), Name: rj.Name, Skipped: true, Reason: rj.Reason})
	}
	return out
}
