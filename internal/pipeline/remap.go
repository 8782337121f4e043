package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tilemerge/internal/config"
	"github.com/banshee-data/tilemerge/internal/monitoring"
	"github.com/banshee-data/tilemerge/internal/pointcloud"
	"github.com/banshee-data/tilemerge/internal/remap"
	"github.com/banshee-data/tilemerge/internal/runstore"
)

// RemapRequest describes one remap job.
type RemapRequest struct {
	OriginalPath   string
	SubsampledPath string
	OutputPath     string

	// Config supplies the index kind and worker count; nil selects the
	// defaults.
	Config *config.MergeConfig

	DBPath      string
	MetricsPath string
}

// RemapReport is what a successful remap job produced.
type RemapReport struct {
	RunID            string
	OriginalPoints   int
	SubsampledPoints int
	Duration         time.Duration
}

// Remap copies the subsampled cloud's predictions onto the original cloud
// and writes the result.
func (r *Runner) Remap(ctx context.Context, req RemapRequest) (*RemapReport, error) {
	cfg, err := resolveConfig(req.Config)
	if err != nil {
		return nil, err
	}
	if req.OriginalPath == "" || req.SubsampledPath == "" || req.OutputPath == "" {
		return nil, errors.New("original, subsampled and output paths are required")
	}

	run := &runstore.Run{
		ID:             uuid.NewString(),
		Kind:           runstore.KindRemap,
		StartedAt:      r.clock().Now(),
		OriginalPath:   req.OriginalPath,
		SubsampledPath: req.SubsampledPath,
		OutputPath:     req.OutputPath,
		ParamsJSON:     paramsJSON(cfg),
	}
	rep := &RemapReport{RunID: run.ID}
	jobErr := r.remap(ctx, req, cfg, rep)

	run.TargetPoints = rep.OriginalPoints
	if jobErr == nil {
		run.PointsWritten = rep.OriginalPoints
	}
	r.finish(ctx, run, nil, jobErr, req.DBPath, req.MetricsPath)
	if jobErr != nil {
		return nil, jobErr
	}
	rep.Duration = run.Duration()
	monitoring.Logf("Remap %s finished in %v", run.ID, rep.Duration.Round(time.Millisecond))
	return rep, nil
}

func (r *Runner) remap(ctx context.Context, req RemapRequest, cfg *config.MergeConfig, rep *RemapReport) error {
	var original, subsampled *pointcloud.Cloud
	err := r.timed(PhaseLoad, func() error {
		var err error
		if original, err = r.codec().ReadCloud(req.OriginalPath); err != nil {
			return fmt.Errorf("failed to load original cloud: %w", err)
		}
		if subsampled, err = r.codec().ReadCloud(req.SubsampledPath); err != nil {
			return fmt.Errorf("failed to load subsampled cloud: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rep.OriginalPoints = original.Len()
	rep.SubsampledPoints = subsampled.Len()

	var out *pointcloud.Cloud
	err = r.timed(PhaseRemap, func() error {
		var err error
		out, err = remap.RemapCloud(ctx, original, subsampled, remap.Options{
			IndexKind:    indexKind(cfg),
			GridCellSize: cfg.GetGridCellSize(),
			Workers:      cfg.GetWorkers(),
		})
		return err
	})
	if err != nil {
		return err
	}

	err = r.timed(PhaseWrite, func() error {
		if err := r.codec().WriteCloud(req.OutputPath, out); err != nil {
			return fmt.Errorf("failed to write remapped cloud: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.recorder().Points("remapped", out.Len())
	monitoring.Logf("Remapped point cloud saved to %s", req.OutputPath)
	return nil
}
