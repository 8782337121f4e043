// Package merge projects per-tile instance and semantic predictions onto a
// target point set and assembles one globally numbered labeling.
//
// A merge run has three stages. Tiles are validated and reindexed into a
// shared id space in tile order. Each tile is then matched against the
// target index and partitioned into objects; only objects that lie wholly
// inside the tile's margin-shrunk boundary are kept. Finally the kept
// objects are written into the label arrays by a single writer, again in
// tile order, so a later tile overwrites an earlier one on shared points.
package merge

import (
	"fmt"

	"github.com/banshee-data/tilemerge/internal/pointcloud"
)

// Tile is one tile's points with its locally numbered predictions.
type Tile struct {
	Name     string
	Points   []pointcloud.Point
	Instance []int // local instance ids; 0 is background
	Semantic []int
}

// TileFromCloud extracts the prediction columns from a loaded tile cloud.
// A missing PredInstance or PredSemantic column is ErrAttributeMissing.
func TileFromCloud(name string, c *pointcloud.Cloud) (*Tile, error) {
	inst, err := c.IntAttribute(pointcloud.AttrPredInstance)
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", name, err)
	}
	sem, err := c.IntAttribute(pointcloud.AttrPredSemantic)
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", name, err)
	}
	return &Tile{Name: name, Points: c.Points, Instance: inst, Semantic: sem}, nil
}

// Validate checks that the label arrays match the point count.
func (t *Tile) Validate() error {
	if len(t.Instance) != len(t.Points) || len(t.Semantic) != len(t.Points) {
		return fmt.Errorf("%w: tile %s has %d points, %d instance and %d semantic labels",
			pointcloud.ErrShapeMismatch, t.Name, len(t.Points), len(t.Instance), len(t.Semantic))
	}
	return nil
}

// Reindex maps every distinct positive local id to a fresh global id,
// allocated from next in first-seen order. Background (0) maps to 0 and
// negative ids map to pointcloud.Unassigned; neither consumes an id. The
// returned counter is next advanced by the number of distinct positive ids.
func Reindex(local []int, next int) (global []int, mapping map[int]int, newNext int) {
	global = make([]int, len(local))
	mapping = make(map[int]int)
	for i, id := range local {
		switch {
		case id == pointcloud.Background:
			global[i] = pointcloud.Background
			continue
		case id < 0:
			global[i] = pointcloud.Unassigned
			continue
		}
		g, ok := mapping[id]
		if !ok {
			g = next
			mapping[id] = g
			next++
		}
		global[i] = g
	}
	return global, mapping, next
}
