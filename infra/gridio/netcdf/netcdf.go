// Package netcdf reads and writes netCDF classic files with ctessum/cdf.
//
// A Source reads only the requested hyperslab of a variable; a Sink buffers
// every variable and encodes the file on Close.
package netcdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ctessum/cdf"

	"github.com/kilianp07/wqforecast/core/grid"
	"github.com/kilianp07/wqforecast/infra/gridio/slab"
)

// Name is the engine name used in configuration.
const Name = "netcdf"

// Default fill values of the netCDF classic types.
const (
	fillFloat  = 9.9692099683868690e+36
	fillDouble = 9.9692099683868690e+36
	fillShort  = -32767
	fillInt    = -2147483647
	fillByte   = -127
)

// Engine implements grid.Engine.
type Engine struct{}

// New returns the netCDF engine.
func New() *Engine { return &Engine{} }

func (*Engine) Name() string { return Name }

// Open reads the header of a netCDF classic file.
func (*Engine) Open(path string) (grid.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	nc, err := cdf.Open(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("netcdf %s: %w", path, err)
	}
	return &source{path: path, file: f, nc: nc}, nil
}

type source struct {
	path string
	file *os.File
	nc   *cdf.File

	mu sync.Mutex
	// decoded counts the values read from the file.
	decoded atomic.Int64
}

func (s *source) Dims() []grid.Dim {
	h := s.nc.Header
	names := h.Dimensions("")
	lengths := h.Lengths("")
	// record dimensions report 0; take their length from the variables
	for _, v := range h.Variables() {
		vd, vl := h.Dimensions(v), h.Lengths(v)
		for i, d := range vd {
			if j := slices.Index(names, d); j >= 0 && i < len(vl) && vl[i] > lengths[j] {
				lengths[j] = vl[i]
			}
		}
	}
	out := make([]grid.Dim, len(names))
	for i, n := range names {
		out[i] = grid.Dim{Name: n, Len: lengths[i]}
	}
	return out
}

func (s *source) Variables() []grid.Variable {
	h := s.nc.Header
	var out []grid.Variable
	for _, v := range h.Variables() {
		out = append(out, grid.Variable{Name: v, Dims: h.Dimensions(v), Attrs: s.attrs(v)})
	}
	return out
}

func (s *source) Attrs() map[string]any { return s.attrs("") }

func (s *source) attrs(v string) map[string]any {
	h := s.nc.Header
	out := make(map[string]any)
	for _, a := range h.Attributes(v) {
		out[a] = decodeAttr(h.GetAttribute(v, a))
	}
	return out
}

func (s *source) Read(ctx context.Context, variable string, start, count []int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := s.nc.Header
	if !slices.Contains(h.Variables(), variable) {
		return nil, fmt.Errorf("netcdf %s: no variable %s", s.path, variable)
	}
	if err := slab.Check(h.Lengths(variable), start, count); err != nil {
		return nil, fmt.Errorf("netcdf %s: %s: %w", s.path, variable, err)
	}
	n := slab.Size(count)
	if n == 0 {
		return []float64{}, nil
	}
	end := make([]int, len(start))
	for i := range start {
		end[i] = start[i] + count[i]
	}

	s.mu.Lock()
	r := s.nc.Reader(variable, start, end)
	buf := r.Zero(n)
	got, err := r.Read(buf)
	s.mu.Unlock()
	if err != nil && !(errors.Is(err, io.EOF) && got == n) {
		return nil, fmt.Errorf("netcdf %s: read %s: %w", s.path, variable, err)
	}
	if got != n {
		return nil, fmt.Errorf("netcdf %s: read %s: got %d of %d values", s.path, variable, got, n)
	}
	s.decoded.Add(int64(n))

	raw, deflt, err := toFloat64(buf)
	if err != nil {
		return nil, fmt.Errorf("netcdf %s: %s: %w", s.path, variable, err)
	}
	s.unpack(variable, raw, deflt)
	return raw, nil
}

// unpack replaces fill values with NaN and applies scale_factor and
// add_offset in place.
func (s *source) unpack(variable string, raw []float64, deflt float64) {
	attrs := s.attrs(variable)
	fills := []float64{deflt}
	for _, key := range []string{"_FillValue", "missing_value"} {
		if f, ok := number(attrs[key]); ok {
			fills = append(fills, f)
		}
	}
	scale, hasScale := number(attrs["scale_factor"])
	offset, hasOffset := number(attrs["add_offset"])
	for i, v := range raw {
		if slices.Contains(fills, v) {
			raw[i] = math.NaN()
			continue
		}
		if hasScale {
			v *= scale
		}
		if hasOffset {
			v += offset
		}
		raw[i] = v
	}
}

func (s *source) Close() error { return s.file.Close() }

func toFloat64(buf any) ([]float64, float64, error) {
	switch b := buf.(type) {
	case []float64:
		return slices.Clone(b), fillDouble, nil
	case []float32:
		return convert(b), float64(float32(fillFloat)), nil
	case []int32:
		return convert(b), fillInt, nil
	case []int16:
		return convert(b), fillShort, nil
	case []int8:
		return convert(b), fillByte, nil
	}
	return nil, 0, fmt.Errorf("unsupported element type %T", buf)
}

func convert[T float32 | int32 | int16 | int8](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case []float64:
		if len(n) > 0 {
			return n[0], true
		}
	}
	return 0, false
}

// decodeAttr turns a cdf attribute into a string, a float64 or a []float64.
func decodeAttr(v any) any {
	var vals []float64
	switch a := v.(type) {
	case string:
		return a
	case []byte:
		return string(a)
	case []float64:
		vals = a
	case []float32:
		vals = convert(a)
	case []int32:
		vals = convert(a)
	case []int16:
		vals = convert(a)
	case []int8:
		vals = convert(a)
	default:
		return fmt.Sprint(v)
	}
	if len(vals) == 1 {
		return vals[0]
	}
	return vals
}

// encodeAttr turns an attribute value into a type cdf can store. ok is false
// for values netCDF attributes cannot hold.
func encodeAttr(v any) (any, bool) {
	switch a := v.(type) {
	case string:
		return a, true
	case float64:
		return []float64{a}, true
	case float32:
		return []float32{a}, true
	case int:
		return []int32{int32(a)}, true
	case int32:
		return []int32{a}, true
	case int64:
		return []int32{int32(a)}, true
	case bool:
		return fmt.Sprint(a), true
	case []float64:
		return a, len(a) > 0
	case []float32:
		return a, len(a) > 0
	case []int32:
		return a, len(a) > 0
	case []string:
		return strings.Join(a, ", "), true
	case []any:
		out := make([]float64, 0, len(a))
		for _, e := range a {
			switch n := e.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			default:
				return nil, false
			}
		}
		return out, len(out) > 0
	}
	return nil, false
}

// Create declares a netCDF classic file next to path. It becomes visible at
// path when the returned Sink is closed.
func (*Engine) Create(path string, layout grid.Layout) (grid.Sink, error) {
	names := make([]string, len(layout.Dims))
	lengths := make([]int, len(layout.Dims))
	for i, d := range layout.Dims {
		if d.Len <= 0 {
			return nil, fmt.Errorf("netcdf: dimension %s has length %d", d.Name, d.Len)
		}
		names[i], lengths[i] = d.Name, d.Len
	}
	h := cdf.NewHeader(names, lengths)
	addAttrs(h, "", layout.Attrs)
	shapes := make(map[string][]int, len(layout.Vars))
	types := make(map[string]string, len(layout.Vars))
	for _, v := range layout.Vars {
		shape := make([]int, len(v.Dims))
		for i, d := range v.Dims {
			j := slices.Index(names, d)
			if j < 0 {
				return nil, fmt.Errorf("netcdf: variable %s uses undeclared dimension %s", v.Name, d)
			}
			shape[i] = lengths[j]
		}
		shapes[v.Name] = shape
		types[v.Name] = v.DType
		coord := len(v.Dims) == 1 && v.Dims[0] == v.Name
		switch v.DType {
		case "f4":
			h.AddVariable(v.Name, v.Dims, []float32{0})
			if !coord {
				h.AddAttribute(v.Name, "_FillValue", []float32{float32(math.NaN())})
			}
		case "f8", "":
			h.AddVariable(v.Name, v.Dims, []float64{0})
			if !coord {
				h.AddAttribute(v.Name, "_FillValue", []float64{math.NaN()})
			}
		default:
			return nil, fmt.Errorf("netcdf: unsupported dtype %q for %s", v.DType, v.Name)
		}
		addAttrs(h, v.Name, v.Attrs)
	}
	h.Define()
	if errs := h.Check(); len(errs) > 0 {
		return nil, fmt.Errorf("netcdf: invalid header: %w", errs[0])
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return nil, err
	}
	nc, err := cdf.Create(tmp, h)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("netcdf: %w", err)
	}
	return &sink{path: path, tmp: tmp, nc: nc, types: types, buf: slab.NewBuffer(shapes)}, nil
}

func addAttrs(h *cdf.Header, v string, attrs map[string]any) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if k == "_FillValue" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if val, ok := encodeAttr(attrs[k]); ok {
			h.AddAttribute(v, k, val)
		}
	}
}

type sink struct {
	path  string
	tmp   *os.File
	nc    *cdf.File
	types map[string]string
	buf   *slab.Buffer

	once sync.Once
}

func (s *sink) Write(ctx context.Context, variable string, start, count []int, data []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.buf.Write(variable, start, count, data)
}

// Close encodes every variable and renames the file into place.
func (s *sink) Close() error {
	var err error
	done := false
	s.once.Do(func() {
		done = true
		err = s.commit()
	})
	if !done {
		return fmt.Errorf("netcdf %s: sink already finished", s.path)
	}
	return err
}

func (s *sink) commit() error {
	for _, name := range s.nc.Header.Variables() {
		data := s.buf.Data(name)
		var vals any = data
		if s.types[name] == "f4" {
			f32 := make([]float32, len(data))
			for i, v := range data {
				f32[i] = float32(v)
			}
			vals = f32
		}
		end := s.nc.Header.Lengths(name)
		w := s.nc.Writer(name, make([]int, len(end)), end)
		if _, err := w.Write(vals); err != nil {
			s.discard()
			return fmt.Errorf("netcdf %s: write %s: %w", s.path, name, err)
		}
	}
	if err := s.tmp.Close(); err != nil {
		_ = os.Remove(s.tmp.Name())
		return err
	}
	if err := os.Rename(s.tmp.Name(), s.path); err != nil {
		_ = os.Remove(s.tmp.Name())
		return err
	}
	return nil
}

// Abort removes the temporary file. It is a no-op after Close.
func (s *sink) Abort() error {
	s.once.Do(s.discard)
	return nil
}

func (s *sink) discard() {
	_ = s.tmp.Close()
	_ = os.Remove(s.tmp.Name())
}
