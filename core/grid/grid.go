// Package grid exposes a source dataset as an immutable (time, lat, lon) grid
// and defines the ports grid I/O engines implement.
package grid

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/ctessum/sparse"

	"github.com/kilianp07/wqforecast/core/errdefs"
)

var dimAliases = map[string]string{
	"latitude":  DimLat,
	"longitude": DimLon,
	"lev":       DimDepth,
}

// Canonical maps a source dimension name to the name used by the engine.
func Canonical(dim string) string {
	if c, ok := dimAliases[dim]; ok {
		return c
	}
	return dim
}

// Grid is a read-only view of a Source resolved to the (time, lat, lon)
// axes. A depth axis, when present, is fixed to one level at Open.
type Grid struct {
	src    Source
	shape  Shape
	depth  int
	vars   map[string]Variable
	coords map[string][]float64
	attrs  map[string]any
}

// Open resolves the axes of src. depthLevel selects one level of a depth
// axis; it may be nil when the source has no depth axis or a single level.
func Open(ctx context.Context, src Source, depthLevel *float64) (*Grid, error) {
	g := &Grid{
		src:    src,
		depth:  -1,
		vars:   make(map[string]Variable),
		coords: make(map[string][]float64),
		attrs:  src.Attrs(),
	}
	lengths := make(map[string]int)
	for _, d := range src.Dims() {
		lengths[Canonical(d.Name)] = d.Len
	}
	for _, name := range []string{DimTime, DimLat, DimLon} {
		if lengths[name] <= 0 {
			return nil, errdefs.GraphConstruction("source has no %s axis", name)
		}
	}
	g.shape = Shape{Time: lengths[DimTime], Lat: lengths[DimLat], Lon: lengths[DimLon]}

	for _, v := range src.Variables() {
		if len(v.Dims) == 1 && Canonical(v.Dims[0]) == Canonical(v.Name) {
			vals, err := src.Read(ctx, v.Name, []int{0}, []int{lengths[Canonical(v.Name)]})
			if err != nil {
				return nil, errdefs.Data("read coordinate %s: %w", v.Name, err)
			}
			g.coords[Canonical(v.Name)] = vals
			g.vars[Canonical(v.Name)] = v
			continue
		}
		g.vars[v.Name] = v
	}
	for _, name := range []string{DimTime, DimLat, DimLon} {
		if _, ok := g.coords[name]; !ok {
			g.coords[name] = indexCoord(lengths[name])
		}
	}

	if n, ok := lengths[DimDepth]; ok {
		idx, err := selectDepth(g.coords[DimDepth], n, depthLevel)
		if err != nil {
			return nil, err
		}
		g.depth = idx
	}
	return g, nil
}

func indexCoord(n int) []float64 {
	c := make([]float64, n)
	for i := range c {
		c[i] = float64(i)
	}
	return c
}

func selectDepth(coord []float64, n int, level *float64) (int, error) {
	if level == nil {
		if n == 1 {
			return 0, nil
		}
		return -1, errdefs.Configuration("source has %d depth levels, a depth level must be selected", n)
	}
	for i, c := range coord {
		if math.Abs(c-*level) <= 1e-6*math.Max(1, math.Abs(*level)) {
			return i, nil
		}
	}
	return -1, errdefs.Configuration("depth level %g not found in source levels %v", *level, coord)
}

// Shape returns the grid extent.
func (g *Grid) Shape() Shape { return g.shape }

// Coord returns a copy of the coordinate values of a canonical dim.
func (g *Grid) Coord(dim string) []float64 { return slices.Clone(g.coords[dim]) }

// Attrs returns the global attributes of the source.
func (g *Grid) Attrs() map[string]any { return maps.Clone(g.attrs) }

// VarAttrs returns the attributes of a data or coordinate variable.
func (g *Grid) VarAttrs(name string) map[string]any { return maps.Clone(g.vars[name].Attrs) }

// Has reports whether the grid exposes a variable spanning lat and lon.
func (g *Grid) Has(name string) bool {
	v, ok := g.vars[name]
	if !ok {
		return false
	}
	var lat, lon bool
	for _, d := range v.Dims {
		switch Canonical(d) {
		case DimLat:
			lat = true
		case DimLon:
			lon = true
		}
	}
	return lat && lon
}

// NativeChunks returns the storage chunk size of a variable along lat and
// lon. Zero means the variable is not chunked along that axis.
func (g *Grid) NativeChunks(name string) (lat, lon int) {
	v := g.vars[name]
	for i, d := range v.Dims {
		if i >= len(v.Chunks) {
			break
		}
		switch Canonical(d) {
		case DimLat:
			lat = v.Chunks[i]
		case DimLon:
			lon = v.Chunks[i]
		}
	}
	return lat, lon
}

// ReadBlock reads a variable over the whole time axis and the spatial region
// r. The result has shape [time][r.Ny()][r.Nx()]; variables without a time
// axis are broadcast along it.
func (g *Grid) ReadBlock(ctx context.Context, name string, r Region) (*sparse.DenseArray, error) {
	v, ok := g.vars[name]
	if !ok || !g.Has(name) {
		return nil, errdefs.Data("variable %s is not a (lat, lon) field of the source", name)
	}
	start := make([]int, len(v.Dims))
	count := make([]int, len(v.Dims))
	pos := map[string]int{DimTime: -1, DimLat: -1, DimLon: -1}
	for i, d := range v.Dims {
		switch c := Canonical(d); c {
		case DimTime:
			count[i] = g.shape.Time
		case DimLat:
			start[i], count[i] = r.Y0, r.Ny()
		case DimLon:
			start[i], count[i] = r.X0, r.Nx()
		case DimDepth:
			if g.depth < 0 {
				return nil, errdefs.Data("variable %s has a depth axis the source does not declare", name)
			}
			start[i], count[i] = g.depth, 1
		default:
			return nil, errdefs.Data("variable %s has unsupported dimension %s", name, d)
		}
		pos[Canonical(d)] = i
	}
	raw, err := g.src.Read(ctx, name, start, count)
	if err != nil {
		return nil, fmt.Errorf("read %s%s: %w", name, r, err)
	}
	strides := make([]int, len(count))
	n := 1
	for i := len(count) - 1; i >= 0; i-- {
		strides[i] = n
		n *= count[i]
	}
	if len(raw) != n {
		return nil, errdefs.Data("read %s%s: got %d values, want %d", name, r, len(raw), n)
	}
	stride := func(dim string) int {
		if p := pos[dim]; p >= 0 {
			return strides[p]
		}
		return 0
	}
	st, sy, sx := stride(DimTime), stride(DimLat), stride(DimLon)

	out := sparse.ZerosDense(g.shape.Time, r.Ny(), r.Nx())
	i := 0
	for t := 0; t < g.shape.Time; t++ {
		for y := 0; y < r.Ny(); y++ {
			for x := 0; x < r.Nx(); x++ {
				val := raw[t*st+y*sy+x*sx]
				if IsMissing(val) {
					val = math.NaN()
				}
				out.Elements[i] = val
				i++
			}
		}
	}
	return out, nil
}

// Close releases the underlying source.
func (g *Grid) Close() error { return g.src.Close() }
