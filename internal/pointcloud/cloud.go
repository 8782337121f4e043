package pointcloud

import (
	"fmt"
	"math"
)

// Header carries the non-column header lines of a cloud file (coordinate
// reference, provenance). Readers fill it and writers emit it verbatim.
type Header struct {
	Comments []string
}

// Cloud is a point set plus named per-point attribute columns. Attribute
// order is preserved so a read-modify-write keeps the original layout.
type Cloud struct {
	Header Header
	Points []Point

	names []string
	attrs map[string][]float64
}

// NewCloud wraps points with an empty attribute table.
func NewCloud(header Header, points []Point) *Cloud {
	return &Cloud{
		Header: header,
		Points: points,
		attrs:  make(map[string][]float64),
	}
}

// Len returns the number of points.
func (c *Cloud) Len() int {
	return len(c.Points)
}

// AttributeNames returns attribute names in column order.
func (c *Cloud) AttributeNames() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// HasAttribute reports whether name is present.
func (c *Cloud) HasAttribute(name string) bool {
	_, ok := c.attrs[name]
	return ok
}

// Attribute returns the raw column for name.
func (c *Cloud) Attribute(name string) ([]float64, bool) {
	v, ok := c.attrs[name]
	return v, ok
}

// SetAttribute adds or replaces a column. Its length must match the point count.
func (c *Cloud) SetAttribute(name string, values []float64) error {
	if len(values) != len(c.Points) {
		return fmt.Errorf("%w: attribute %q has %d values for %d points", ErrShapeMismatch, name, len(values), len(c.Points))
	}
	if c.attrs == nil {
		c.attrs = make(map[string][]float64)
	}
	if _, ok := c.attrs[name]; !ok {
		c.names = append(c.names, name)
	}
	c.attrs[name] = values
	return nil
}

// IntAttribute returns a column as integers. Fractional values are truncated;
// NaN, infinities and values outside the int32 range are rejected.
func (c *Cloud) IntAttribute(name string) ([]int, error) {
	v, ok := c.attrs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAttributeMissing, name)
	}
	if len(v) != len(c.Points) {
		return nil, fmt.Errorf("%w: attribute %q has %d values for %d points", ErrShapeMismatch, name, len(v), len(c.Points))
	}
	out := make([]int, len(v))
	for i, f := range v {
		if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
			return nil, fmt.Errorf("attribute %q: value %v at point %d is not a valid label", name, f, i)
		}
		out[i] = int(f)
	}
	return out, nil
}

// SetIntAttribute adds or replaces an integer column.
func (c *Cloud) SetIntAttribute(name string, values []int) error {
	f := make([]float64, len(values))
	for i, v := range values {
		f[i] = float64(v)
	}
	return c.SetAttribute(name, f)
}

// Validate checks every column against the point count.
func (c *Cloud) Validate() error {
	for _, name := range c.names {
		if n := len(c.attrs[name]); n != len(c.Points) {
			return fmt.Errorf("%w: attribute %q has %d values for %d points", ErrShapeMismatch, name, n, len(c.Points))
		}
	}
	return nil
}

// WithLabels returns a shallow copy of c with PredInstance and PredSemantic
// set, adding the columns when absent. The receiver is not modified.
func (c *Cloud) WithLabels(instance, semantic []int) (*Cloud, error) {
	out := &Cloud{
		Header: c.Header,
		Points: c.Points,
		names:  append([]string(nil), c.names...),
		attrs:  make(map[string][]float64, len(c.attrs)+2),
	}
	for k, v := range c.attrs {
		out.attrs[k] = v
	}
	if err := out.SetIntAttribute(AttrPredInstance, instance); err != nil {
		return nil, err
	}
	if err := out.SetIntAttribute(AttrPredSemantic, semantic); err != nil {
		return nil, err
	}
	return out, nil
}

// Reader loads a cloud from a path.
type Reader interface {
	ReadCloud(path string) (*Cloud, error)
}

// Writer persists a cloud to a path.
type Writer interface {
	WriteCloud(path string, c *Cloud) error
}
