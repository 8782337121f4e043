package merge

import (
	"fmt"
	"sort"

	"github.com/banshee-data/tilemerge/internal/pointcloud"
)

// LabelState holds the global per-point labels for the target point set.
type LabelState struct {
	Instance []int
	Semantic []int
}

// NewLabelState returns n points labelled pointcloud.Unassigned.
func NewLabelState(n int) *LabelState {
	s := &LabelState{
		Instance: make([]int, n),
		Semantic: make([]int, n),
	}
	for i := range s.Instance {
		s.Instance[i] = pointcloud.Unassigned
		s.Semantic[i] = pointcloud.Unassigned
	}
	return s
}

// Len returns the number of target points.
func (s *LabelState) Len() int { return len(s.Instance) }

// Assigned counts points holding an instance id other than Unassigned.
func (s *LabelState) Assigned() int {
	n := 0
	for _, id := range s.Instance {
		if id != pointcloud.Unassigned {
			n++
		}
	}
	return n
}

// ClusterSize is one instance id and its point count.
type ClusterSize struct {
	ID   int
	Size int
}

// ClusterSizes groups Instance by id, including Unassigned, in ascending id
// order.
func ClusterSizes(instance []int) []ClusterSize {
	counts := make(map[int]int)
	for _, id := range instance {
		counts[id]++
	}
	out := make([]ClusterSize, 0, len(counts))
	for id, n := range counts {
		out = append(out, ClusterSize{ID: id, Size: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply writes the labels onto a copy of target as PredInstance and
// PredSemantic columns.
func (s *LabelState) Apply(target *pointcloud.Cloud) (*pointcloud.Cloud, error) {
	if target.Len() != s.Len() {
		return nil, fmt.Errorf("%w: %d labels for %d target points", pointcloud.ErrShapeMismatch, s.Len(), target.Len())
	}
	return target.WithLabels(s.Instance, s.Semantic)
}
