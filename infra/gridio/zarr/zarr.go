// Package zarr reads and writes Zarr v2 directory stores.
//
// Arrays are stored in C order with "." separated chunk keys. Chunks are
// compressed with zlib or gzip from klauspost/compress, or left raw.
package zarr

import (
	"bytes"
	"container/list"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/kilianp07/wqforecast/core/grid"
	"github.com/kilianp07/wqforecast/infra/gridio/slab"
)

// Name is the engine name used in configuration.
const Name = "zarr"

const dimsAttr = "_ARRAY_DIMENSIONS"

// chunkCacheSize is the number of decoded chunks kept per array. Adjacent
// spatial tiles often share a native chunk; older chunks are evicted.
const chunkCacheSize = 4

// Config selects the compressor of written arrays.
type Config struct {
	// Compressor is "zlib", "gzip" or "none".
	Compressor string `json:"compressor"`
	Level      int    `json:"level"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Compressor == "" {
		c.Compressor = "zlib"
	}
	if c.Level == 0 {
		c.Level = 1
	}
}

// Validate checks the compressor settings.
func (c Config) Validate() error {
	switch c.Compressor {
	case "zlib", "gzip", "none":
	default:
		return fmt.Errorf("zarr: unknown compressor %q", c.Compressor)
	}
	if c.Level < -1 || c.Level > 9 {
		return fmt.Errorf("zarr: compression level %d out of range", c.Level)
	}
	return nil
}

// Engine implements grid.Engine.
type Engine struct {
	cfg Config
}

// New returns a Zarr engine writing with cfg.
func New(cfg Config) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

func (*Engine) Name() string { return Name }

// compressor is the .zarray compressor object.
type compressor struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

// meta is the content of a .zarray file.
type meta struct {
	Shape      []int           `json:"shape"`
	Chunks     []int           `json:"chunks"`
	DType      string          `json:"dtype"`
	Compressor *compressor     `json:"compressor"`
	FillValue  json.RawMessage `json:"fill_value"`
	Order      string          `json:"order"`
	Filters    json.RawMessage `json:"filters"`
	Format     int             `json:"zarr_format"`
	Separator  string          `json:"dimension_separator,omitempty"`
}

type dtype struct {
	order binary.ByteOrder
	kind  byte
	size  int
}

func parseDType(s string) (dtype, error) {
	if len(s) < 3 {
		return dtype{}, fmt.Errorf("zarr: invalid dtype %q", s)
	}
	var d dtype
	switch s[0] {
	case '<', '|':
		d.order = binary.LittleEndian
	case '>':
		d.order = binary.BigEndian
	default:
		return dtype{}, fmt.Errorf("zarr: invalid dtype %q", s)
	}
	d.kind = s[1]
	n, err := strconv.Atoi(s[2:])
	if err != nil {
		return dtype{}, fmt.Errorf("zarr: invalid dtype %q", s)
	}
	d.size = n
	switch {
	case d.kind == 'f' && (n == 4 || n == 8):
	case d.kind == 'i' && (n == 1 || n == 2 || n == 4 || n == 8):
	case d.kind == 'u' && (n == 1 || n == 2 || n == 4):
	default:
		return dtype{}, fmt.Errorf("zarr: unsupported dtype %q", s)
	}
	return d, nil
}

func (d dtype) decode(b []byte, out []float64) {
	for i := range out {
		p := b[i*d.size : (i+1)*d.size]
		switch {
		case d.kind == 'f' && d.size == 4:
			out[i] = float64(math.Float32frombits(d.order.Uint32(p)))
		case d.kind == 'f':
			out[i] = math.Float64frombits(d.order.Uint64(p))
		case d.kind == 'i' && d.size == 1:
			out[i] = float64(int8(p[0]))
		case d.kind == 'i' && d.size == 2:
			out[i] = float64(int16(d.order.Uint16(p)))
		case d.kind == 'i' && d.size == 4:
			out[i] = float64(int32(d.order.Uint32(p)))
		case d.kind == 'i':
			out[i] = float64(int64(d.order.Uint64(p)))
		case d.size == 1:
			out[i] = float64(p[0])
		case d.size == 2:
			out[i] = float64(d.order.Uint16(p))
		default:
			out[i] = float64(d.order.Uint32(p))
		}
	}
}

func (d dtype) encode(vals []float64) []byte {
	b := make([]byte, len(vals)*d.size)
	for i, v := range vals {
		p := b[i*d.size : (i+1)*d.size]
		if d.size == 4 {
			d.order.PutUint32(p, math.Float32bits(float32(v)))
		} else {
			d.order.PutUint64(p, math.Float64bits(v))
		}
	}
	return b
}

// parseFill decodes a fill_value; ok is false for null.
func parseFill(raw json.RawMessage) (float64, bool, error) {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null":
		return 0, false, nil
	case `"NaN"`:
		return math.NaN(), true, nil
	case `"Infinity"`:
		return math.Inf(1), true, nil
	case `"-Infinity"`:
		return math.Inf(-1), true, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("zarr: invalid fill_value %s", s)
	}
	return f, true, nil
}

func decompress(c *compressor, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	var r io.ReadCloser
	var err error
	switch c.ID {
	case "zlib":
		r, err = zlib.NewReader(bytes.NewReader(data))
	case "gzip":
		r, err = gzip.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("zarr: unsupported compressor %q", c.ID)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func compress(c *compressor, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch c.ID {
	case "zlib":
		w, err = zlib.NewWriterLevel(&buf, c.Level)
	case "gzip":
		w, err = gzip.NewWriterLevel(&buf, c.Level)
	default:
		return nil, fmt.Errorf("zarr: unsupported compressor %q", c.ID)
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func chunkKey(idx []int, sep string) string {
	if len(idx) == 0 {
		return "0"
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, sep)
}

// eachChunk calls fn with the index of every chunk intersecting the
// hyperslab [start, start+count).
func eachChunk(chunks, start, count []int, fn func(idx []int) error) error {
	lo := make([]int, len(chunks))
	n := make([]int, len(chunks))
	for i := range chunks {
		if count[i] == 0 {
			return nil
		}
		lo[i] = start[i] / chunks[i]
		n[i] = (start[i]+count[i]-1)/chunks[i] - lo[i] + 1
	}
	upper := make([]int, len(chunks))
	for i := range upper {
		upper[i] = lo[i] + n[i]
	}
	return slab.EachIndex(upper, lo, n, fn)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// cleanJSON drops attribute values JSON cannot encode.
func cleanJSON(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			continue
		}
		if f, ok := v.(float32); ok && (math.IsNaN(float64(f)) || math.IsInf(float64(f), 0)) {
			continue
		}
		out[k] = v
	}
	return out
}

// Open reads the metadata of a Zarr v2 store.
func (*Engine) Open(path string) (grid.Source, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("zarr: %s is not a directory store", path)
	}
	s := &source{path: path, attrs: map[string]any{}, arrays: map[string]*array{}}
	if err := readJSON(filepath.Join(path, ".zattrs"), &s.attrs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("zarr: %w", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	lengths := map[string]int{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		a, err := openArray(filepath.Join(path, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zarr %s: %w", e.Name(), err)
		}
		s.arrays[e.Name()] = a
		s.order = append(s.order, e.Name())
		for i, d := range a.dims {
			if a.meta.Shape[i] > lengths[d] {
				lengths[d] = a.meta.Shape[i]
			}
			if _, ok := s.seen(d); !ok {
				s.dims = append(s.dims, grid.Dim{Name: d})
			}
		}
	}
	for i := range s.dims {
		s.dims[i].Len = lengths[s.dims[i].Name]
	}
	return s, nil
}

type array struct {
	dir   string
	meta  meta
	dt    dtype
	dims  []string
	attrs map[string]any
	fill  float64
	has   bool
	sep   string

	mu    sync.Mutex
	cache *chunkCache
	// decoded counts the chunks read from disk.
	decoded atomic.Int64
}

func openArray(dir string) (*array, error) {
	a := &array{dir: dir, attrs: map[string]any{}, cache: newChunkCache(chunkCacheSize)}
	if err := readJSON(filepath.Join(dir, ".zarray"), &a.meta); err != nil {
		return nil, err
	}
	if a.meta.Format != 2 {
		return nil, fmt.Errorf("unsupported zarr_format %d", a.meta.Format)
	}
	if a.meta.Order != "" && a.meta.Order != "C" {
		return nil, fmt.Errorf("unsupported order %q", a.meta.Order)
	}
	if f := strings.TrimSpace(string(a.meta.Filters)); f != "" && f != "null" && f != "[]" {
		return nil, fmt.Errorf("filters are not supported")
	}
	if len(a.meta.Chunks) != len(a.meta.Shape) {
		return nil, fmt.Errorf("chunks %v do not match shape %v", a.meta.Chunks, a.meta.Shape)
	}
	var err error
	if a.dt, err = parseDType(a.meta.DType); err != nil {
		return nil, err
	}
	if a.fill, a.has, err = parseFill(a.meta.FillValue); err != nil {
		return nil, err
	}
	a.sep = a.meta.Separator
	if a.sep == "" {
		a.sep = "."
	}
	if err := readJSON(filepath.Join(dir, ".zattrs"), &a.attrs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if raw, ok := a.attrs[dimsAttr].([]any); ok {
		for _, d := range raw {
			a.dims = append(a.dims, fmt.Sprint(d))
		}
		delete(a.attrs, dimsAttr)
	}
	if len(a.dims) != len(a.meta.Shape) {
		return nil, fmt.Errorf("%s missing or inconsistent with shape %v", dimsAttr, a.meta.Shape)
	}
	return a, nil
}

// chunk returns the decoded values of one chunk, a full chunk-shaped array.
func (a *array) chunk(idx []int) ([]float64, error) {
	key := chunkKey(idx, a.sep)
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.cache.get(key); ok {
		return c, nil
	}
	a.decoded.Add(1)
	n := slab.Size(a.meta.Chunks)
	out := make([]float64, n)
	data, err := os.ReadFile(filepath.Join(a.dir, key))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		for i := range out {
			out[i] = math.NaN()
		}
		a.cache.put(key, out)
		return out, nil
	case err != nil:
		return nil, err
	}
	raw, err := decompress(a.meta.Compressor, data)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", key, err)
	}
	if len(raw) != n*a.dt.size {
		return nil, fmt.Errorf("chunk %s has %d bytes, want %d", key, len(raw), n*a.dt.size)
	}
	a.dt.decode(raw, out)
	scale, hasScale := number(a.attrs["scale_factor"])
	offset, hasOffset := number(a.attrs["add_offset"])
	attrFill, hasAttrFill := number(a.attrs["_FillValue"])
	for i, v := range out {
		if (a.has && v == a.fill) || (hasAttrFill && v == attrFill) {
			out[i] = math.NaN()
			continue
		}
		if hasScale {
			v *= scale
		}
		if hasOffset {
			v += offset
		}
		out[i] = v
	}
	a.cache.put(key, out)
	return out, nil
}

// chunkCache is a least recently used set of decoded chunks.
type chunkCache struct {
	size  int
	order *list.List
	items map[string]*list.Element
}

type cachedChunk struct {
	key  string
	vals []float64
}

func newChunkCache(size int) *chunkCache {
	return &chunkCache{size: size, order: list.New(), items: make(map[string]*list.Element)}
}

func (c *chunkCache) get(key string) ([]float64, bool) {
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(e)
	return e.Value.(*cachedChunk).vals, true
}

func (c *chunkCache) put(key string, vals []float64) {
	if e, ok := c.items[key]; ok {
		e.Value.(*cachedChunk).vals = vals
		c.order.MoveToFront(e)
		return
	}
	c.items[key] = c.order.PushFront(&cachedChunk{key: key, vals: vals})
	for c.order.Len() > c.size {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.items, last.Value.(*cachedChunk).key)
	}
}

func (c *chunkCache) clear() {
	c.order.Init()
	clear(c.items)
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

type source struct {
	path   string
	attrs  map[string]any
	dims   []grid.Dim
	arrays map[string]*array
	order  []string
}

func (s *source) seen(name string) (int, bool) {
	for i, d := range s.dims {
		if d.Name == name {
			return i, true
		}
	}
	return -1, false
}

func (s *source) Dims() []grid.Dim { return append([]grid.Dim(nil), s.dims...) }

func (s *source) Attrs() map[string]any {
	out := make(map[string]any, len(s.attrs))
	for k, v := range s.attrs {
		out[k] = v
	}
	return out
}

func (s *source) Variables() []grid.Variable {
	out := make([]grid.Variable, 0, len(s.order))
	for _, name := range s.order {
		a := s.arrays[name]
		attrs := make(map[string]any, len(a.attrs))
		for k, v := range a.attrs {
			attrs[k] = v
		}
		out = append(out, grid.Variable{
			Name:   name,
			Dims:   append([]string(nil), a.dims...),
			Chunks: append([]int(nil), a.meta.Chunks...),
			Attrs:  attrs,
		})
	}
	return out
}

func (s *source) Read(ctx context.Context, variable string, start, count []int) ([]float64, error) {
	a, ok := s.arrays[variable]
	if !ok {
		return nil, fmt.Errorf("zarr %s: no variable %s", s.path, variable)
	}
	shape, chunks := a.meta.Shape, a.meta.Chunks
	if err := slab.Check(shape, start, count); err != nil {
		return nil, fmt.Errorf("zarr %s: %s: %w", s.path, variable, err)
	}
	out := make([]float64, slab.Size(count))
	err := eachChunk(chunks, start, count, func(idx []int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := a.chunk(idx)
		if err != nil {
			return err
		}
		local := make([]int, len(idx))
		outStart := make([]int, len(idx))
		n := make([]int, len(idx))
		for i := range idx {
			c0 := idx[i] * chunks[i]
			lo := max(start[i], c0)
			hi := min(start[i]+count[i], c0+chunks[i])
			local[i], outStart[i], n[i] = lo-c0, lo-start[i], hi-lo
		}
		vals, err := slab.Extract(c, chunks, local, n)
		if err != nil {
			return err
		}
		return slab.Insert(out, count, outStart, n, vals)
	})
	if err != nil {
		return nil, fmt.Errorf("zarr %s: read %s: %w", s.path, variable, err)
	}
	return out, nil
}

func (s *source) Close() error {
	for _, a := range s.arrays {
		a.mu.Lock()
		a.cache.clear()
		a.mu.Unlock()
	}
	return nil
}

// Create declares a Zarr store written to a temporary directory next to
// path. It replaces path when the returned Sink is closed.
func (e *Engine) Create(path string, layout grid.Layout) (grid.Sink, error) {
	lengths := make(map[string]int, len(layout.Dims))
	for _, d := range layout.Dims {
		if d.Len <= 0 {
			return nil, fmt.Errorf("zarr: dimension %s has length %d", d.Name, d.Len)
		}
		lengths[d.Name] = d.Len
	}
	var comp *compressor
	if e.cfg.Compressor != "none" {
		comp = &compressor{ID: e.cfg.Compressor, Level: e.cfg.Level}
	}
	shapes := make(map[string][]int, len(layout.Vars))
	arrays := make([]outArray, 0, len(layout.Vars))
	for _, v := range layout.Vars {
		m := meta{Compressor: comp, Order: "C", Format: 2, FillValue: json.RawMessage(`"NaN"`), Filters: json.RawMessage("null"), Separator: "."}
		switch v.DType {
		case "f4":
			m.DType = "<f4"
		case "f8", "":
			m.DType = "<f8"
		default:
			return nil, fmt.Errorf("zarr: unsupported dtype %q for %s", v.DType, v.Name)
		}
		for i, d := range v.Dims {
			n, ok := lengths[d]
			if !ok {
				return nil, fmt.Errorf("zarr: variable %s uses undeclared dimension %s", v.Name, d)
			}
			c := n
			if i < len(v.Chunks) && v.Chunks[i] > 0 {
				c = min(v.Chunks[i], n)
			}
			m.Shape = append(m.Shape, n)
			m.Chunks = append(m.Chunks, c)
		}
		attrs := cleanJSON(v.Attrs)
		delete(attrs, "_FillValue")
		attrs[dimsAttr] = v.Dims
		shapes[v.Name] = m.Shape
		arrays = append(arrays, outArray{name: v.Name, meta: m, attrs: attrs})
	}
	tmp, err := os.MkdirTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return nil, err
	}
	return &sink{path: path, tmp: tmp, attrs: cleanJSON(layout.Attrs), arrays: arrays, buf: slab.NewBuffer(shapes)}, nil
}

type outArray struct {
	name  string
	meta  meta
	attrs map[string]any
}

type sink struct {
	path   string
	tmp    string
	attrs  map[string]any
	arrays []outArray
	buf    *slab.Buffer

	once sync.Once
}

func (s *sink) Write(ctx context.Context, variable string, start, count []int, data []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.buf.Write(variable, start, count, data)
}

// Close encodes every array and moves the store into place.
func (s *sink) Close() error {
	var err error
	done := false
	s.once.Do(func() {
		done = true
		if err = s.commit(); err != nil {
			_ = os.RemoveAll(s.tmp)
		}
	})
	if !done {
		return fmt.Errorf("zarr %s: sink already finished", s.path)
	}
	return err
}

func (s *sink) commit() error {
	if err := writeJSON(filepath.Join(s.tmp, ".zgroup"), map[string]int{"zarr_format": 2}); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(s.tmp, ".zattrs"), s.attrs); err != nil {
		return err
	}
	for _, a := range s.arrays {
		if err := s.writeArray(a); err != nil {
			return fmt.Errorf("zarr %s: write %s: %w", s.path, a.name, err)
		}
	}
	if err := os.RemoveAll(s.path); err != nil {
		return err
	}
	return os.Rename(s.tmp, s.path)
}

func (s *sink) writeArray(a outArray) error {
	dir := filepath.Join(s.tmp, a.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, ".zarray"), a.meta); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, ".zattrs"), a.attrs); err != nil {
		return err
	}
	dt, err := parseDType(a.meta.DType)
	if err != nil {
		return err
	}
	data := s.buf.Data(a.name)
	shape, chunks := a.meta.Shape, a.meta.Chunks
	full := make([]int, len(shape))
	return eachChunk(chunks, full, shape, func(idx []int) error {
		block := make([]float64, slab.Size(chunks))
		for i := range block {
			block[i] = math.NaN()
		}
		start := make([]int, len(idx))
		n := make([]int, len(idx))
		for i := range idx {
			start[i] = idx[i] * chunks[i]
			n[i] = min(chunks[i], shape[i]-start[i])
		}
		vals, err := slab.Extract(data, shape, start, n)
		if err != nil {
			return err
		}
		if err := slab.Insert(block, chunks, make([]int, len(idx)), n, vals); err != nil {
			return err
		}
		raw, err := compress(a.meta.Compressor, dt.encode(block))
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, chunkKey(idx, a.meta.Separator)), raw, 0o644)
	})
}

// Abort removes the temporary store. It is a no-op after Close.
func (s *sink) Abort() error {
	s.once.Do(func() { _ = os.RemoveAll(s.tmp) })
	return nil
}
