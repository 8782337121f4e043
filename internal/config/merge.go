package config

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tilemerge/internal/fsutil"
)

// DefaultConfigPath is the path to the canonical merge defaults file.
const DefaultConfigPath = "config/merge.defaults.json"

// Reconcile modes.
const (
	ReconcileSnapshot = "snapshot"
	ReconcileLive     = "live"
)

// Tile orders.
const (
	TileOrderName  = "name"
	TileOrderInput = "input"
)

// Index kinds. These mirror the spatial package names so a config file can
// be validated without importing it.
const (
	IndexKDTree = "kdtree"
	IndexGrid   = "grid"
)

// MergeConfig holds the tunable parameters of a merge run. Every field is a
// pointer so partial files can be layered over defaults; the Get* methods
// return the built-in default for any unset field.
type MergeConfig struct {
	// Boundary classification
	Margin *float64 `json:"margin,omitempty" yaml:"margin,omitempty"`

	// Reconciliation
	MinClusterSize *int     `json:"min_cluster_size,omitempty" yaml:"min_cluster_size,omitempty"`
	InitialRadius  *float64 `json:"initial_radius,omitempty" yaml:"initial_radius,omitempty"`
	MaxRadius      *float64 `json:"max_radius,omitempty" yaml:"max_radius,omitempty"`
	RadiusStep     *float64 `json:"radius_step,omitempty" yaml:"radius_step,omitempty"`
	ReconcileMode  *string  `json:"reconcile_mode,omitempty" yaml:"reconcile_mode,omitempty"`
	SkipReconcile  *bool    `json:"skip_reconcile,omitempty" yaml:"skip_reconcile,omitempty"`

	// Spatial index
	Index        *string  `json:"index,omitempty" yaml:"index,omitempty"`
	GridCellSize *float64 `json:"grid_cell_size,omitempty" yaml:"grid_cell_size,omitempty"`

	// Tile handling
	Workers        *int     `json:"workers,omitempty" yaml:"workers,omitempty"`
	TileOrder      *string  `json:"tile_order,omitempty" yaml:"tile_order,omitempty"`
	TileExtensions []string `json:"tile_extensions,omitempty" yaml:"tile_extensions,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultMergeConfig returns a config with every field populated with its
// built-in default.
func DefaultMergeConfig() *MergeConfig {
	return &MergeConfig{
		Margin:         ptrFloat64(0.2),
		MinClusterSize: ptrInt(300),
		InitialRadius:  ptrFloat64(1.0),
		MaxRadius:      ptrFloat64(5.0),
		RadiusStep:     ptrFloat64(1.0),
		ReconcileMode:  ptrString(ReconcileSnapshot),
		SkipReconcile:  ptrBool(false),
		Index:          ptrString(IndexKDTree),
		GridCellSize:   ptrFloat64(1.0),
		Workers:        ptrInt(0),
		TileOrder:      ptrString(TileOrderName),
		TileExtensions: defaultTileExtensions(),
	}
}

func defaultTileExtensions() []string {
	return []string{".asc", ".asc.gz", ".asc.zst"}
}

// LoadMergeConfig loads a MergeConfig from a .json, .yaml or .yml file.
// Fields omitted from the file fall back to defaults through the Get*
// methods, so partial configs are safe.
func LoadMergeConfig(path string) (*MergeConfig, error) {
	return LoadMergeConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadMergeConfigFS is LoadMergeConfig over fsys.
func LoadMergeConfigFS(fsys fsutil.FileSystem, path string) (*MergeConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &MergeConfig{}
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents up to the repository
// root. Panics if the file cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *MergeConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadMergeConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every set field. Errors name the offending key.
func (c *MergeConfig) Validate() error {
	if c.Margin != nil && (*c.Margin < 0 || !finite(*c.Margin)) {
		return fmt.Errorf("margin must be a non-negative number, got %v", *c.Margin)
	}
	if c.MinClusterSize != nil && *c.MinClusterSize < 0 {
		return fmt.Errorf("min_cluster_size must be non-negative, got %d", *c.MinClusterSize)
	}
	if c.InitialRadius != nil && (*c.InitialRadius < 0 || !finite(*c.InitialRadius)) {
		return fmt.Errorf("initial_radius must be a non-negative number, got %v", *c.InitialRadius)
	}
	if c.MaxRadius != nil && (*c.MaxRadius < 0 || !finite(*c.MaxRadius)) {
		return fmt.Errorf("max_radius must be a non-negative number, got %v", *c.MaxRadius)
	}
	if c.RadiusStep != nil && (*c.RadiusStep <= 0 || !finite(*c.RadiusStep)) {
		return fmt.Errorf("radius_step must be positive, got %v", *c.RadiusStep)
	}
	if c.GetInitialRadius() > c.GetMaxRadius() {
		return fmt.Errorf("initial_radius (%v) must not exceed max_radius (%v)", c.GetInitialRadius(), c.GetMaxRadius())
	}
	if c.ReconcileMode != nil {
		switch *c.ReconcileMode {
		case ReconcileSnapshot, ReconcileLive:
		default:
			return fmt.Errorf("reconcile_mode must be %q or %q, got %q", ReconcileSnapshot, ReconcileLive, *c.ReconcileMode)
		}
	}
	if c.Index != nil {
		switch *c.Index {
		case IndexKDTree, IndexGrid:
		default:
			return fmt.Errorf("index must be %q or %q, got %q", IndexKDTree, IndexGrid, *c.Index)
		}
	}
	if c.GridCellSize != nil && (*c.GridCellSize <= 0 || !finite(*c.GridCellSize)) {
		return fmt.Errorf("grid_cell_size must be positive, got %v", *c.GridCellSize)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.TileOrder != nil {
		switch *c.TileOrder {
		case TileOrderName, TileOrderInput:
		default:
			return fmt.Errorf("tile_order must be %q or %q, got %q", TileOrderName, TileOrderInput, *c.TileOrder)
		}
	}
	for _, ext := range c.TileExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("tile_extensions entries must start with '.', got %q", ext)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// GetMargin returns the boundary shrink margin or the default.
func (c *MergeConfig) GetMargin() float64 {
	if c.Margin == nil {
		return 0.2
	}
	return *c.Margin
}

// GetMinClusterSize returns min_cluster_size or the default.
func (c *MergeConfig) GetMinClusterSize() int {
	if c.MinClusterSize == nil {
		return 300
	}
	return *c.MinClusterSize
}

// GetInitialRadius returns initial_radius or the default.
func (c *MergeConfig) GetInitialRadius() float64 {
	if c.InitialRadius == nil {
		return 1.0
	}
	return *c.InitialRadius
}

// GetMaxRadius returns max_radius or the default.
func (c *MergeConfig) GetMaxRadius() float64 {
	if c.MaxRadius == nil {
		return 5.0
	}
	return *c.MaxRadius
}

// GetRadiusStep returns radius_step or the default.
func (c *MergeConfig) GetRadiusStep() float64 {
	if c.RadiusStep == nil {
		return 1.0
	}
	return *c.RadiusStep
}

// GetReconcileMode returns reconcile_mode or the default.
func (c *MergeConfig) GetReconcileMode() string {
	if c.ReconcileMode == nil || *c.ReconcileMode == "" {
		return ReconcileSnapshot
	}
	return *c.ReconcileMode
}

// GetSkipReconcile returns skip_reconcile or the default.
func (c *MergeConfig) GetSkipReconcile() bool {
	if c.SkipReconcile == nil {
		return false
	}
	return *c.SkipReconcile
}

// GetIndex returns the spatial index kind or the default.
func (c *MergeConfig) GetIndex() string {
	if c.Index == nil || *c.Index == "" {
		return IndexKDTree
	}
	return *c.Index
}

// GetGridCellSize returns grid_cell_size or the default.
func (c *MergeConfig) GetGridCellSize() float64 {
	if c.GridCellSize == nil {
		return 1.0
	}
	return *c.GridCellSize
}

// GetWorkers returns workers or the default (0, meaning GOMAXPROCS).
func (c *MergeConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetTileOrder returns tile_order or the default.
func (c *MergeConfig) GetTileOrder() string {
	if c.TileOrder == nil || *c.TileOrder == "" {
		return TileOrderName
	}
	return *c.TileOrder
}

// GetTileExtensions returns tile_extensions or the default set.
func (c *MergeConfig) GetTileExtensions() []string {
	if len(c.TileExtensions) == 0 {
		return defaultTileExtensions()
	}
	return c.TileExtensions
}

// SetMargin overrides margin, e.g. from a CLI flag.
func (c *MergeConfig) SetMargin(v float64) { c.Margin = ptrFloat64(v) }

// SetMinClusterSize overrides min_cluster_size.
func (c *MergeConfig) SetMinClusterSize(v int) { c.MinClusterSize = ptrInt(v) }

// SetWorkers overrides workers.
func (c *MergeConfig) SetWorkers(v int) { c.Workers = ptrInt(v) }
