package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/tilemerge/internal/config"
	"github.com/banshee-data/tilemerge/internal/monitoring"
)

// tileFile is one tile found on disk.
type tileFile struct {
	Name string // base name within the tile folder, or the path as given
	Path string
}

// hasTileExtension reports whether name ends with one of exts,
// case-insensitively.
func hasTileExtension(name string, exts []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if ext != "" && strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// discoverTiles lists the tiles of dir: regular entries whose name carries a
// tile extension. Entries that resolve outside dir are rejected and returned
// separately.
func (r *Runner) discoverTiles(dir string, exts []string) ([]tileFile, []rejectedTile, error) {
	if !r.FS.Exists(dir) {
		return nil, nil, fmt.Errorf("tile folder %s does not exist", dir)
	}
	entries, err := r.FS.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list tile folder %s: %w", dir, err)
	}

	var (
		tiles    []tileFile
		rejected []rejectedTile
	)
	for _, e := range entries {
		if e.IsDir() || !hasTileExtension(e.Name(), exts) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if r.PathCheck != nil {
			if err := r.PathCheck(path, dir); err != nil {
				monitoring.Logf("warning: ignoring tile %s: %v", e.Name(), err)
				rejected = append(rejected, rejectedTile{Name: e.Name(), Reason: err.Error()})
				continue
			}
		}
		tiles = append(tiles, tileFile{Name: e.Name(), Path: path})
	}
	return tiles, rejected, nil
}

// rejectedTile is a tile left out before loading.
type rejectedTile struct {
	Name   string
	Reason string
}

// explicitTiles turns a caller-supplied path list into tiles, rejecting
// duplicates.
func explicitTiles(paths []string) ([]tileFile, error) {
	seen := make(map[string]bool, len(paths))
	tiles := make([]tileFile, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			return nil, fmt.Errorf("tile %s listed twice", p)
		}
		seen[p] = true
		tiles = append(tiles, tileFile{Name: p, Path: p})
	}
	return tiles, nil
}

// orderTiles applies the configured tile order. TileOrderInput keeps the
// order tiles were listed in.
func orderTiles(tiles []tileFile, order string) {
	if order == config.TileOrderName {
		sort.SliceStable(tiles, func(i, j int) bool {
			return filepath.Base(tiles[i].Name) < filepath.Base(tiles[j].Name)
		})
	}
}
