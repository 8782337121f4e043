// Package reconcile removes undersized instance clusters left behind by a
// tile merge. Each point of a small cluster is moved to a nearby cluster
// found by an expanding radius search, or marked unresolved.
package reconcile

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/tilemerge/internal/monitoring"
	"github.com/banshee-data/tilemerge/internal/pointcloud"
	"github.com/banshee-data/tilemerge/internal/spatial"
)

// Mode selects how neighbour labels are read during the pass.
type Mode string

const (
	// ModeSnapshot reads sizes and neighbour ids from a copy taken before
	// the pass and only moves points into clusters that are not small.
	// Results do not depend on processing order.
	ModeSnapshot Mode = "snapshot"

	// ModeLive walks small clusters in ascending id order and reads
	// neighbour ids from the array as it is being rewritten.
	ModeLive Mode = "live"
)

// Params configures a reconciliation pass.
type Params struct {
	MinClusterSize int
	InitialRadius  float64
	MaxRadius      float64
	RadiusStep     float64
	Mode           Mode

	// Workers bounds snapshot-mode parallelism. <= 0 selects GOMAXPROCS.
	Workers int
}

// DefaultParams returns the stock thresholds.
func DefaultParams() Params {
	return Params{
		MinClusterSize: 300,
		InitialRadius:  1.0,
		MaxRadius:      5.0,
		RadiusStep:     1.0,
		Mode:           ModeSnapshot,
	}
}

// Validate rejects parameters that would never terminate or never search.
func (p Params) Validate() error {
	if p.RadiusStep <= 0 {
		return fmt.Errorf("radius step must be positive, got %v", p.RadiusStep)
	}
	if p.InitialRadius < 0 || p.MaxRadius < p.InitialRadius {
		return fmt.Errorf("radius range [%v, %v] is invalid", p.InitialRadius, p.MaxRadius)
	}
	if p.MinClusterSize < 0 {
		return fmt.Errorf("min cluster size must be non-negative, got %d", p.MinClusterSize)
	}
	switch p.Mode {
	case ModeSnapshot, ModeLive, "":
	default:
		return fmt.Errorf("unknown reconcile mode %q", p.Mode)
	}
	return nil
}

// radii returns the search radii from InitialRadius up to and including
// MaxRadius. Each radius is computed from the step count, not accumulated.
func (p Params) radii() []float64 {
	var out []float64
	for k := 0; ; k++ {
		r := p.InitialRadius + float64(k)*p.RadiusStep
		if r > p.MaxRadius {
			return out
		}
		out = append(out, r)
	}
}

// Result reports the outcome of a pass.
type Result struct {
	TotalClusters int   // distinct ids before the pass, excluding Unassigned
	SmallClusters int   // clusters below MinClusterSize
	SmallIDs      []int // ascending
	Reassigned    int
	Unresolved    int
}

// Reconcile rewrites instance in place. points and idx describe the target
// point set instance is aligned with.
func Reconcile(ctx context.Context, points []pointcloud.Point, idx spatial.Index, instance []int, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if len(points) != len(instance) || idx.Len() != len(points) {
		return Result{}, fmt.Errorf("%w: %d points, %d labels, index over %d",
			pointcloud.ErrShapeMismatch, len(points), len(instance), idx.Len())
	}

	sizes := make(map[int]int)
	for _, id := range instance {
		sizes[id]++
	}
	res := Result{}
	small := make(map[int]bool)
	for id, n := range sizes {
		if id == pointcloud.Unassigned {
			continue
		}
		res.TotalClusters++
		if n < p.MinClusterSize {
			small[id] = true
			res.SmallIDs = append(res.SmallIDs, id)
		}
	}
	sort.Ints(res.SmallIDs)
	res.SmallClusters = len(res.SmallIDs)
	monitoring.Logf("Found %d small clusters (less than %d points) out of %d clusters",
		res.SmallClusters, p.MinClusterSize, res.TotalClusters)
	if res.SmallClusters == 0 {
		return res, nil
	}

	r := &reconciler{points: points, idx: idx, radii: p.radii()}
	var err error
	if p.Mode == ModeLive {
		err = r.live(ctx, instance, res.SmallIDs, &res)
	} else {
		err = r.snapshot(ctx, instance, small, p.Workers, &res)
	}
	if err != nil {
		return Result{}, err
	}

	monitoring.Logf("Reassigned %d points to a neighbouring cluster; %d points unresolved", res.Reassigned, res.Unresolved)
	return res, nil
}

type reconciler struct {
	points []pointcloud.Point
	idx    spatial.Index
	radii  []float64
}

// search returns the id of the first neighbour of point i accepted by ok,
// trying each radius in turn. Neighbours are visited by distance then
// index.
func (r *reconciler) search(i int, ok func(j int) (int, bool)) (int, bool) {
	for _, radius := range r.radii {
		for _, n := range r.idx.Within(r.points[i], radius) {
			if id, accept := ok(n.Index); accept {
				return id, true
			}
		}
	}
	return 0, false
}

func (r *reconciler) snapshot(ctx context.Context, instance []int, small map[int]bool, workers int, res *Result) error {
	snap := make([]int, len(instance))
	copy(snap, instance)

	var members []int
	for i, id := range snap {
		if small[id] {
			members = append(members, i)
		}
	}

	accept := func(j int) (int, bool) {
		id := snap[j]
		return id, id != pointcloud.Unassigned && !small[id]
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	chunk := max((len(members)+workers-1)/workers, 256)

	next := make([]int, len(members))
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(members); start += chunk {
		start, end := start, min(start+chunk, len(members))
		g.Go(func() error {
			for k := start; k < end; k++ {
				if (k-start)%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				id, found := r.search(members[k], accept)
				if !found {
					id = pointcloud.Unassigned
				}
				next[k] = id
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for k, i := range members {
		instance[i] = next[k]
		if next[k] == pointcloud.Unassigned {
			res.Unresolved++
		} else {
			res.Reassigned++
		}
	}
	return nil
}

func (r *reconciler) live(ctx context.Context, instance []int, smallIDs []int, res *Result) error {
	// Membership comes from the array before the pass; each point is
	// visited once even when an earlier cluster moved it into a later one.
	members := make(map[int][]int, len(smallIDs))
	for _, id := range smallIDs {
		members[id] = nil
	}
	for i, v := range instance {
		if _, ok := members[v]; ok {
			members[v] = append(members[v], i)
		}
	}

	for _, id := range smallIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		accept := func(j int) (int, bool) {
			v := instance[j]
			return v, v != id && v != pointcloud.Unassigned
		}
		for _, i := range members[id] {
			if next, found := r.search(i, accept); found {
				instance[i] = next
				res.Reassigned++
			} else {
				instance[i] = pointcloud.Unassigned
				res.Unresolved++
			}
		}
	}
	return nil
}
