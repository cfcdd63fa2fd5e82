package grid

import "context"

// Dimension names recognised on a source dataset.
const (
	DimTime  = "time"
	DimDepth = "depth"
	DimLat   = "lat"
	DimLon   = "lon"
)

// Dim is a named axis and its length.
type Dim struct {
	Name string
	Len  int
}

// Variable describes a variable exposed by a Source.
type Variable struct {
	Name string
	Dims []string
	// Chunks is the storage chunk shape, one entry per dim. A zero entry
	// means the engine does not chunk along that dim.
	Chunks []int
	Attrs  map[string]any
}

// Source is the read side of a grid I/O engine.
//
// Read returns the hyperslab [start, start+count) of a variable in row-major
// order over the variable's dims. Fill values are decoded to NaN, which is
// the only missing-value sentinel the engine understands.
type Source interface {
	Dims() []Dim
	Variables() []Variable
	Attrs() map[string]any
	Read(ctx context.Context, variable string, start, count []int) ([]float64, error)
	Close() error
}

// VarLayout declares one variable of a dataset to be created.
type VarLayout struct {
	Name   string
	Dims   []string
	Chunks []int
	// DType is the on-disk element type: "f4" or "f8".
	DType string
	Attrs map[string]any
}

// Layout declares the dataset a Sink creates.
type Layout struct {
	Dims  []Dim
	Vars  []VarLayout
	Attrs map[string]any
}

// Var returns the layout of the named variable.
func (l Layout) Var(name string) (VarLayout, bool) {
	for _, v := range l.Vars {
		if v.Name == name {
			return v, true
		}
	}
	return VarLayout{}, false
}

// Sink is the write side of a grid I/O engine. Nothing written through a
// Sink is visible at its target path until Close returns nil; Abort discards
// everything.
type Sink interface {
	Write(ctx context.Context, variable string, start, count []int, data []float64) error
	Close() error
	Abort() error
}

// Engine opens and creates datasets of one storage format.
type Engine interface {
	Name() string
	Open(path string) (Source, error)
	Create(path string, layout Layout) (Sink, error)
}
