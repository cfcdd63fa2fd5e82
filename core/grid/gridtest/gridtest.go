// Package gridtest provides in-memory grid sources and sinks for tests.
package gridtest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sync"

	"github.com/kilianp07/wqforecast/core/grid"
)

var nan = math.NaN()

// Var is an in-memory variable stored in row-major order.
type Var struct {
	Dims   []string
	Chunks []int
	Data   []float64
	Attrs  map[string]any
}

// Dataset is an in-memory grid.Source.
type Dataset struct {
	dims  []grid.Dim
	vars  map[string]*Var
	order []string
	attrs map[string]any

	mu     sync.Mutex
	reads  int
	failOn map[string]error
	closed bool
}

// New returns an empty dataset with the given dims.
func New(dims ...grid.Dim) *Dataset {
	return &Dataset{dims: dims, vars: make(map[string]*Var), attrs: map[string]any{}, failOn: map[string]error{}}
}

// Synthetic builds a (time, lat, lon) dataset with index coordinates and one
// variable per name, valued by fn.
func Synthetic(nt, ny, nx int, fn func(name string, t, y, x int) float64, names ...string) *Dataset {
	d := New(grid.Dim{Name: grid.DimTime, Len: nt}, grid.Dim{Name: grid.DimLat, Len: ny}, grid.Dim{Name: grid.DimLon, Len: nx})
	d.Add(grid.DimTime, []string{grid.DimTime}, index(nt), map[string]any{"units": "days since 2024-01-01"})
	d.Add(grid.DimLat, []string{grid.DimLat}, index(ny), map[string]any{"units": "degrees_north"})
	d.Add(grid.DimLon, []string{grid.DimLon}, index(nx), map[string]any{"units": "degrees_east"})
	for _, name := range names {
		data := make([]float64, nt*ny*nx)
		i := 0
		for t := 0; t < nt; t++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					data[i] = fn(name, t, y, x)
					i++
				}
			}
		}
		d.Add(name, []string{grid.DimTime, grid.DimLat, grid.DimLon}, data, nil)
	}
	return d
}

func index(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = float64(i)
	}
	return v
}

// Add stores a variable. It panics when data does not match the dims.
func (d *Dataset) Add(name string, dims []string, data []float64, attrs map[string]any) *Dataset {
	n := 1
	for _, dn := range dims {
		n *= d.dimLen(dn)
	}
	if n != len(data) {
		panic(fmt.Sprintf("gridtest: %s has %d values, dims need %d", name, len(data), n))
	}
	if _, ok := d.vars[name]; !ok {
		d.order = append(d.order, name)
	}
	d.vars[name] = &Var{Dims: dims, Data: data, Attrs: attrs}
	return d
}

// Chunk sets the native chunk shape of a variable.
func (d *Dataset) Chunk(name string, chunks ...int) *Dataset {
	d.vars[name].Chunks = chunks
	return d
}

// Var returns the stored variable.
func (d *Dataset) Var(name string) *Var { return d.vars[name] }

// FailReads makes every read of variable return err.
func (d *Dataset) FailReads(variable string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOn[variable] = err
}

// Reads returns the number of Read calls served.
func (d *Dataset) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// Closed reports whether Close was called.
func (d *Dataset) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dataset) dimLen(name string) int {
	for _, dim := range d.dims {
		if dim.Name == name {
			return dim.Len
		}
	}
	return 0
}

func (d *Dataset) Dims() []grid.Dim { return append([]grid.Dim(nil), d.dims...) }

func (d *Dataset) Attrs() map[string]any { return maps.Clone(d.attrs) }

func (d *Dataset) Variables() []grid.Variable {
	out := make([]grid.Variable, 0, len(d.order))
	for _, name := range d.order {
		v := d.vars[name]
		out = append(out, grid.Variable{Name: name, Dims: v.Dims, Chunks: v.Chunks, Attrs: maps.Clone(v.Attrs)})
	}
	return out
}

func (d *Dataset) Read(ctx context.Context, variable string, start, count []int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.reads++
	ferr := d.failOn[variable]
	d.mu.Unlock()
	if ferr != nil {
		return nil, ferr
	}
	v, ok := d.vars[variable]
	if !ok {
		return nil, fmt.Errorf("gridtest: no variable %s", variable)
	}
	shape := make([]int, len(v.Dims))
	for i, dn := range v.Dims {
		shape[i] = d.dimLen(dn)
	}
	out := make([]float64, 0, product(count))
	err := eachIndex(start, count, shape, func(off int) { out = append(out, v.Data[off]) })
	return out, err
}

func (d *Dataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func product(s []int) int {
	n := 1
	for _, v := range s {
		n *= v
	}
	return n
}

// eachIndex calls fn with the flat offset of every element of the hyperslab
// in row-major order.
func eachIndex(start, count, shape []int, fn func(off int)) error {
	if len(start) != len(shape) || len(count) != len(shape) {
		return errors.New("gridtest: hyperslab rank mismatch")
	}
	for i := range shape {
		if start[i] < 0 || count[i] < 0 || start[i]+count[i] > shape[i] {
			return fmt.Errorf("gridtest: hyperslab out of range on axis %d", i)
		}
	}
	if product(count) == 0 {
		return nil
	}
	idx := make([]int, len(shape))
	for {
		off := 0
		for i := range shape {
			off = off*shape[i] + start[i] + idx[i]
		}
		fn(off)
		k := len(idx) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < count[k] {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			return nil
		}
	}
}

// Sink is an in-memory grid.Sink.
type Sink struct {
	Layout grid.Layout

	mu      sync.Mutex
	data    map[string][]float64
	writes  int
	closed  bool
	aborted bool
	failOn  map[string]error
}

// NewSink allocates NaN-filled storage for every variable of layout.
func NewSink(layout grid.Layout) *Sink {
	s := &Sink{Layout: layout, data: make(map[string][]float64), failOn: map[string]error{}}
	for _, v := range layout.Vars {
		n := 1
		for _, dn := range v.Dims {
			n *= s.dimLen(dn)
		}
		buf := make([]float64, n)
		for i := range buf {
			buf[i] = nan
		}
		s.data[v.Name] = buf
	}
	return s
}

func (s *Sink) dimLen(name string) int {
	for _, d := range s.Layout.Dims {
		if d.Name == name {
			return d.Len
		}
	}
	return 0
}

// FailWrites makes every write of variable return err.
func (s *Sink) FailWrites(variable string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[variable] = err
}

func (s *Sink) Write(ctx context.Context, variable string, start, count []int, data []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.aborted {
		return errors.New("gridtest: sink is finished")
	}
	if err := s.failOn[variable]; err != nil {
		return err
	}
	v, ok := s.Layout.Var(variable)
	if !ok {
		return fmt.Errorf("gridtest: no variable %s", variable)
	}
	if len(data) != product(count) {
		return fmt.Errorf("gridtest: got %d values for %v", len(data), count)
	}
	shape := make([]int, len(v.Dims))
	for i, dn := range v.Dims {
		shape[i] = s.dimLen(dn)
	}
	buf := s.data[variable]
	i := 0
	err := eachIndex(start, count, shape, func(off int) {
		buf[off] = data[i]
		i++
	})
	s.writes++
	return err
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return errors.New("gridtest: sink aborted")
	}
	s.closed = true
	return nil
}

func (s *Sink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

// Data returns the committed values of a variable, or nil before Close.
func (s *Sink) Data(variable string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	return append([]float64(nil), s.data[variable]...)
}

// State reports the number of writes and whether the sink was committed or
// aborted.
func (s *Sink) State() (writes int, closed, aborted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.closed, s.aborted
}

// Engine serves registered datasets and records created sinks.
type Engine struct {
	mu      sync.Mutex
	sources map[string]*Dataset
	sinks   map[string]*Sink
}

// NewEngine returns an engine serving the given datasets by path.
func NewEngine(sources map[string]*Dataset) *Engine {
	return &Engine{sources: sources, sinks: make(map[string]*Sink)}
}

func (e *Engine) Name() string { return "memory" }

func (e *Engine) Open(path string) (grid.Source, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.sources[path]
	if !ok {
		return nil, fmt.Errorf("gridtest: no dataset at %s", path)
	}
	return d, nil
}

func (e *Engine) Create(path string, layout grid.Layout) (grid.Sink, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := NewSink(layout)
	e.sinks[path] = s
	return s, nil
}

// Sink returns the sink created for path.
func (e *Engine) Sink(path string) *Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sinks[path]
}
