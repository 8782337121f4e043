package spatial

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/tilemerge/internal/pointcloud"
)

// ctxCheckInterval is how many queries a worker answers between
// cancellation checks.
const ctxCheckInterval = 4096

// NearestAll answers Nearest for every query point, splitting the queries
// into contiguous chunks across up to workers goroutines (<= 0 selects
// GOMAXPROCS). Results are positionally aligned with queries.
func NearestAll(ctx context.Context, idx Index, queries []pointcloud.Point, workers int) ([]int, []float64, error) {
	indices := make([]int, len(queries))
	dists := make([]float64, len(queries))
	if len(queries) == 0 {
		return indices, dists, nil
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	chunk := (len(queries) + workers - 1) / workers
	if chunk < ctxCheckInterval {
		chunk = ctxCheckInterval
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(queries); start += chunk {
		start, end := start, min(start+chunk, len(queries))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if (i-start)%ctxCheckInterval == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				indices[i], dists[i] = idx.Nearest(queries[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return indices, dists, nil
}
