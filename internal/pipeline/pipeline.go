// Package pipeline runs merge and remap jobs end to end: it finds and loads
// clouds, drives the merge, reconcile and remap stages, writes the output
// cloud and optional debug artifacts, and records the run.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/tilemerge/internal/config"
	"github.com/banshee-data/tilemerge/internal/fsutil"
	"github.com/banshee-data/tilemerge/internal/metrics"
	"github.com/banshee-data/tilemerge/internal/monitoring"
	"github.com/banshee-data/tilemerge/internal/pointcloud"
	"github.com/banshee-data/tilemerge/internal/runstore"
	"github.com/banshee-data/tilemerge/internal/security"
	"github.com/banshee-data/tilemerge/internal/spatial"
	"github.com/banshee-data/tilemerge/internal/timeutil"
)

// Phase names used for timing metrics.
const (
	PhaseLoad      = "load"
	PhaseMerge     = "merge"
	PhaseReconcile = "reconcile"
	PhaseRemap     = "remap"
	PhaseWrite     = "write"
	PhaseReport    = "report"
)

// Runner executes pipeline jobs.
type Runner struct {
	// FS is used for tile discovery and cloud I/O.
	FS fsutil.FileSystem

	// Codec reads and writes clouds. It defaults to an ASC codec over FS.
	Codec interface {
		pointcloud.Reader
		pointcloud.Writer
	}

	Clock timeutil.Clock

	// PathCheck rejects discovered tile paths outside the tile folder. Nil
	// disables the check.
	PathCheck func(path, baseDir string) error

	// Metrics collects counters for the run. A fresh Recorder is created
	// per job when nil.
	Metrics *metrics.Recorder
}

// NewRunner returns a Runner over the OS filesystem.
func NewRunner() *Runner {
	fs := fsutil.OSFileSystem{}
	return &Runner{
		FS:        fs,
		Codec:     pointcloud.NewASCCodec(fs),
		Clock:     timeutil.RealClock{},
		PathCheck: security.ValidatePathWithinDirectory,
	}
}

func (r *Runner) codec() interface {
	pointcloud.Reader
	pointcloud.Writer
} {
	if r.Codec == nil {
		r.Codec = pointcloud.NewASCCodec(r.FS)
	}
	return r.Codec
}

func (r *Runner) clock() timeutil.Clock {
	if r.Clock == nil {
		r.Clock = timeutil.RealClock{}
	}
	return r.Clock
}

func (r *Runner) recorder() *metrics.Recorder {
	if r.Metrics == nil {
		r.Metrics = metrics.New()
	}
	return r.Metrics
}

// timed runs fn and records its duration under phase.
func (r *Runner) timed(phase string, fn func() error) error {
	start := r.clock().Now()
	err := fn()
	r.recorder().Phase(phase, r.clock().Since(start))
	return err
}

// finish stamps the run, stores it in the ledger at dbPath and writes the
// metrics textfile. Failures here are logged, not returned.
func (r *Runner) finish(ctx context.Context, run *runstore.Run, tiles []runstore.TileRecord, jobErr error, dbPath, metricsPath string) {
	run.FinishedAt = r.clock().Now()
	run.Status = runstore.StatusSucceeded
	if jobErr != nil {
		run.Status = runstore.StatusFailed
		run.Error = jobErr.Error()
	}
	r.recorder().Finish(run.FinishedAt, run.Duration(), jobErr)

	if dbPath != "" {
		if err := recordRun(context.WithoutCancel(ctx), dbPath, run, tiles); err != nil {
			monitoring.Logf("warning: failed to record run %s in %s: %v", run.ID, dbPath, err)
		} else {
			monitoring.Logf("Recorded %s run %s in %s", run.Kind, run.ID, dbPath)
		}
	}
	if metricsPath != "" {
		if err := r.recorder().WriteTextfile(metricsPath); err != nil {
			monitoring.Logf("warning: failed to write metrics to %s: %v", metricsPath, err)
		}
	}
}

func recordRun(ctx context.Context, dbPath string, run *runstore.Run, tiles []runstore.TileRecord) error {
	store, err := runstore.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RecordRun(ctx, run, tiles)
}

func paramsJSON(cfg *config.MergeConfig) string {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func indexKind(cfg *config.MergeConfig) spatial.Kind {
	return spatial.Kind(cfg.GetIndex())
}

func resolveConfig(cfg *config.MergeConfig) (*config.MergeConfig, error) {
	if cfg == nil {
		return config.DefaultMergeConfig(), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
