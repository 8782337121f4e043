// Package remap copies predicted labels from a subsampled cloud onto the
// full-resolution cloud of the same scene by nearest neighbour.
package remap

import (
	"context"
	"fmt"

	"github.com/banshee-data/tilemerge/internal/monitoring"
	"github.com/banshee-data/tilemerge/internal/pointcloud"
	"github.com/banshee-data/tilemerge/internal/spatial"
)

// Options selects the index built over the subsampled points.
type Options struct {
	IndexKind    spatial.Kind
	GridCellSize float64
	Workers      int
}

// Remap returns, for every original point, the instance and semantic label
// of its nearest subsampled point.
func Remap(ctx context.Context, original, subsampled []pointcloud.Point, instance, semantic []int, opts Options) ([]int, []int, error) {
	if len(instance) != len(subsampled) || len(semantic) != len(subsampled) {
		return nil, nil, fmt.Errorf("%w: %d subsampled points, %d instance and %d semantic labels",
			pointcloud.ErrShapeMismatch, len(subsampled), len(instance), len(semantic))
	}
	idx, err := spatial.New(opts.IndexKind, subsampled, opts.GridCellSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to index subsampled points: %w", err)
	}

	nearest, _, err := spatial.NearestAll(ctx, idx, original, opts.Workers)
	if err != nil {
		return nil, nil, err
	}

	outInst := make([]int, len(original))
	outSem := make([]int, len(original))
	for i, j := range nearest {
		outInst[i] = instance[j]
		outSem[i] = semantic[j]
	}
	return outInst, outSem, nil
}

// RemapCloud labels original from subsampled. The subsampled cloud must
// carry PredInstance and PredSemantic; the result keeps original's header
// and columns and adds or overwrites the two prediction columns.
func RemapCloud(ctx context.Context, original, subsampled *pointcloud.Cloud, opts Options) (*pointcloud.Cloud, error) {
	inst, err := subsampled.IntAttribute(pointcloud.AttrPredInstance)
	if err != nil {
		return nil, fmt.Errorf("subsampled cloud: %w", err)
	}
	sem, err := subsampled.IntAttribute(pointcloud.AttrPredSemantic)
	if err != nil {
		return nil, fmt.Errorf("subsampled cloud: %w", err)
	}

	outInst, outSem, err := Remap(ctx, original.Points, subsampled.Points, inst, sem, opts)
	if err != nil {
		return nil, err
	}
	out, err := original.WithLabels(outInst, outSem)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("Remapped labels from %d subsampled points onto %d original points", subsampled.Len(), original.Len())
	return out, nil
}
