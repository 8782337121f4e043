// Package metrics defines the Prometheus collectors for a merge or remap run
// and exports them in the node_exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the collectors for one process. Each Recorder owns its
// registry so tests and repeated runs do not collide.
type Recorder struct {
	Registry *prometheus.Registry

	TilesTotal       *prometheus.CounterVec
	ObjectsTotal     *prometheus.CounterVec
	PointsTotal      *prometheus.CounterVec
	SmallClusters    prometheus.Gauge
	PhaseDuration    *prometheus.HistogramVec
	RunDuration      prometheus.Gauge
	LastRunSuccess   prometheus.Gauge
	LastRunTimestamp prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		TilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilemerge_tiles_total",
				Help: "Tiles seen by outcome (processed, skipped).",
			},
			[]string{"outcome"},
		),
		ObjectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilemerge_objects_total",
				Help: "Tile objects by wholeness verdict (whole, rejected).",
			},
			[]string{"verdict"},
		),
		PointsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilemerge_points_total",
				Help: "Target points by labelling outcome (written, overwritten, reassigned, unresolved, remapped).",
			},
			[]string{"outcome"},
		),
		SmallClusters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilemerge_small_clusters",
				Help: "Clusters below the minimum size found by the last reconciliation.",
			},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilemerge_phase_duration_seconds",
				Help:    "Wall time per pipeline phase.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"phase"},
		),
		RunDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilemerge_run_duration_seconds",
				Help: "Wall time of the last run.",
			},
		),
		LastRunSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilemerge_last_run_success",
				Help: "1 if the last run succeeded, 0 otherwise.",
			},
		),
		LastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilemerge_last_run_timestamp_seconds",
				Help: "Unix time the last run finished.",
			},
		),
	}

	r.Registry.MustRegister(
		r.TilesTotal,
		r.ObjectsTotal,
		r.PointsTotal,
		r.SmallClusters,
		r.PhaseDuration,
		r.RunDuration,
		r.LastRunSuccess,
		r.LastRunTimestamp,
	)
	return r
}

// Tiles adds processed and skipped tile counts.
func (r *Recorder) Tiles(processed, skipped int) {
	r.TilesTotal.WithLabelValues("processed").Add(float64(processed))
	r.TilesTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// Objects adds whole and rejected object counts.
func (r *Recorder) Objects(whole, rejected int) {
	r.ObjectsTotal.WithLabelValues("whole").Add(float64(whole))
	r.ObjectsTotal.WithLabelValues("rejected").Add(float64(rejected))
}

// Points adds n points under outcome.
func (r *Recorder) Points(outcome string, n int) {
	r.PointsTotal.WithLabelValues(outcome).Add(float64(n))
}

// Phase records the duration of a named phase.
func (r *Recorder) Phase(phase string, d time.Duration) {
	r.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// Finish records the end of a run.
func (r *Recorder) Finish(at time.Time, d time.Duration, err error) {
	r.RunDuration.Set(d.Seconds())
	r.LastRunTimestamp.Set(float64(at.Unix()))
	if err != nil {
		r.LastRunSuccess.Set(0)
		return
	}
	r.LastRunSuccess.Set(1)
}

// WriteTextfile writes every collector to path in the Prometheus text
// format, atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.Registry)
}
