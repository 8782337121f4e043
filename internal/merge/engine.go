package merge

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/tilemerge/internal/monitoring"
	"github.com/banshee-data/tilemerge/internal/pointcloud"
	"github.com/banshee-data/tilemerge/internal/spatial"
)

// ErrEmptyTile marks a tile with zero points. It is recoverable: the tile
// is skipped and recorded in Summary.Skipped.
var ErrEmptyTile = errors.New("empty tile")

// Engine merges tiles onto one target point set.
type Engine struct {
	// Margin shrinks every tile boundary before the wholeness test.
	Margin float64

	// Workers bounds the per-tile matching phase. <= 0 selects GOMAXPROCS.
	Workers int

	// IndexKind and GridCellSize select the target index built by Merge.
	IndexKind    spatial.Kind
	GridCellSize float64
}

// NewEngine returns an engine with the default margin and a KD-tree index.
func NewEngine() *Engine {
	return &Engine{Margin: DefaultMargin, IndexKind: spatial.KindKDTree}
}

// SkippedTile records a tile left out of the merge and why.
type SkippedTile struct {
	Name   string
	Reason string
}

// TileStats describes one merged tile.
type TileStats struct {
	Name          string
	Points        int
	Bounds        pointcloud.Bounds
	Objects       int
	WholeObjects  int
	PointsClaimed int
	FirstID       int // first global id allocated to the tile
	NextID        int // counter value after the tile; equals FirstID when no ids were allocated
}

// Summary reports what a merge run did.
type Summary struct {
	TilesProcessed  int
	Skipped         []SkippedTile
	ObjectsSeen     int
	WholeObjects    int
	RejectedObjects int
	PointsWritten   int // target points holding a merged label
	Overwritten     int // target points claimed by more than one tile
	Reassigned      int // filled in by reconciliation
	Unresolved      int // filled in by reconciliation
	Tiles           []TileStats
}

// Result is the output of Engine.Merge.
type Result struct {
	Labels  *LabelState
	Summary Summary

	// Index is the target index built for the run, reusable by later
	// passes over the same points.
	Index spatial.Index
}

// prepared is a validated, reindexed tile awaiting matching.
type prepared struct {
	tile   *Tile
	global []int
	bounds pointcloud.Bounds
	stats  TileStats
}

// claim is one tile point's label destined for a target point.
type claim struct {
	target   int
	instance int
	semantic int
}

// Merge projects tiles onto target and returns the merged labels. Tiles are
// processed in slice order; where two tiles claim the same target point the
// later tile wins. Empty tiles and tiles with degenerate bounds are skipped;
// shape mismatches and an empty target are fatal.
func (e *Engine) Merge(ctx context.Context, target []pointcloud.Point, tiles []*Tile) (*Result, error) {
	idx, err := spatial.New(e.IndexKind, target, e.GridCellSize)
	if err != nil {
		return nil, fmt.Errorf("failed to index target points: %w", err)
	}

	summary := Summary{}
	ready, err := e.prepare(tiles, &summary)
	if err != nil {
		return nil, err
	}

	claims, err := e.match(ctx, idx, ready)
	if err != nil {
		return nil, err
	}

	labels := NewLabelState(len(target))
	e.write(labels, ready, claims, &summary)

	for _, p := range ready {
		summary.Tiles = append(summary.Tiles, p.stats)
		summary.ObjectsSeen += p.stats.Objects
		summary.WholeObjects += p.stats.WholeObjects
	}
	summary.TilesProcessed = len(ready)
	summary.RejectedObjects = summary.ObjectsSeen - summary.WholeObjects
	summary.PointsWritten = labels.Assigned()

	return &Result{Labels: labels, Summary: summary, Index: idx}, nil
}

// prepare validates and reindexes tiles sequentially so global ids depend
// only on tile order.
func (e *Engine) prepare(tiles []*Tile, summary *Summary) ([]*prepared, error) {
	next := 1
	ready := make([]*prepared, 0, len(tiles))
	for _, t := range tiles {
		if len(t.Points) == 0 {
			skip(summary, t.Name, ErrEmptyTile)
			continue
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		bounds, err := pointcloud.ComputeBounds(t.Points)
		if err != nil {
			skip(summary, t.Name, err)
			continue
		}

		global, _, newNext := Reindex(t.Instance, next)
		ready = append(ready, &prepared{
			tile:   t,
			global: global,
			bounds: bounds,
			stats: TileStats{
				Name:    t.Name,
				Points:  len(t.Points),
				Bounds:  bounds,
				FirstID: next,
				NextID:  newNext,
			},
		})
		next = newNext
	}
	return ready, nil
}

func skip(summary *Summary, name string, err error) {
	monitoring.Logf("warning: skipping tile %s: %v", name, err)
	summary.Skipped = append(summary.Skipped, SkippedTile{Name: name, Reason: err.Error()})
}

// match runs the read-only phase for every tile in parallel: nearest target
// point per tile point, object partitioning and the wholeness test. Each
// tile's claims land in its own slot.
func (e *Engine) match(ctx context.Context, idx spatial.Index, ready []*prepared) ([][]claim, error) {
	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	claims := make([][]claim, len(ready))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range ready {
		g.Go(func() error {
			c, err := e.matchTile(gctx, idx, p)
			if err != nil {
				return fmt.Errorf("tile %s: %w", p.tile.Name, err)
			}
			claims[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return claims, nil
}

func (e *Engine) matchTile(ctx context.Context, idx spatial.Index, p *prepared) ([]claim, error) {
	nearest, _, err := spatial.NearestAll(ctx, idx, p.tile.Points, 1)
	if err != nil {
		return nil, err
	}

	shrunk := p.bounds.Shrink(e.Margin)
	whole := make(map[int]bool)
	objects := partitionObjects(p.tile.Points, p.global)
	for _, o := range objects {
		if shrunk.Contains(o.Extent) {
			whole[o.ID] = true
		}
	}
	p.stats.Objects = len(objects)
	p.stats.WholeObjects = len(whole)
	monitoring.Logf("Found %d whole objects of %d in tile %s", len(whole), len(objects), p.tile.Name)

	var out []claim
	for i, id := range p.global {
		if !whole[id] {
			continue
		}
		out = append(out, claim{target: nearest[i], instance: id, semantic: p.tile.Semantic[i]})
	}
	p.stats.PointsClaimed = len(out)
	return out, nil
}

// write applies claims tile by tile. It is the only writer of labels.
func (e *Engine) write(labels *LabelState, ready []*prepared, claims [][]claim, summary *Summary) {
	owner := make([]int32, labels.Len())
	for i := range owner {
		owner[i] = -1
	}
	shared := make([]bool, labels.Len())

	for ti := range ready {
		for _, c := range claims[ti] {
			if prev := owner[c.target]; prev >= 0 && int(prev) != ti && !shared[c.target] {
				shared[c.target] = true
				summary.Overwritten++
			}
			owner[c.target] = int32(ti)
			labels.Instance[c.target] = c.instance
			labels.Semantic[c.target] = c.semantic
		}
	}
}
