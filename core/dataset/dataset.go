// Package dataset declares the forecast dataset of a run and materializes a
// completed scheduler result through a grid.Sink.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/ctessum/sparse"

	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/graph"
	"github.com/kilianp07/wqforecast/core/grid"
	"github.com/kilianp07/wqforecast/core/scheduler"
)

// Template holds the attributes applied to every output dataset. Variables
// is keyed by variable name.
type Template struct {
	Global    map[string]any            `yaml:"global"`
	Variables map[string]map[string]any `yaml:"variables"`
}

// Output is the planned layout of a forecast dataset.
type Output struct {
	RunID    string
	Variable string
	Layout   grid.Layout
	Lat      []float64
	Lon      []float64
}

// packing attributes describe the source encoding, not the decoded values
// written out.
var packing = []string{"_FillValue", "missing_value", "scale_factor", "add_offset", "_ChunkSizes", "chunksizes", "dtype"}

func cleanAttrs(in map[string]any) map[string]any {
	out := maps.Clone(in)
	if out == nil {
		out = map[string]any{}
	}
	for _, k := range packing {
		delete(out, k)
	}
	return out
}

func merge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Plan declares the output of a graph built on src. Template attributes
// override source attributes; run attributes and the run identifier are
// added to the global attributes.
func Plan(src *grid.Grid, meta graph.Meta, tmpl Template, runAttrs map[string]string, runID string, created time.Time) Output {
	out := Output{
		RunID:    runID,
		Variable: meta.Variable,
		Lat:      src.Coord(grid.DimLat),
		Lon:      src.Coord(grid.DimLon),
	}
	coord := func(name string) grid.VarLayout {
		return grid.VarLayout{
			Name:  name,
			Dims:  []string{name},
			DType: "f8",
			Attrs: merge(cleanAttrs(src.VarAttrs(name)), tmpl.Variables[name]),
		}
	}
	fc := grid.VarLayout{
		Name:   meta.Variable,
		Dims:   []string{grid.DimTime, grid.DimLat, grid.DimLon},
		Chunks: []int{1, meta.ChunkShape.Lat, meta.ChunkShape.Lon},
		DType:  "f4",
		Attrs:  merge(cleanAttrs(src.VarAttrs(meta.Variable)), tmpl.Variables[meta.Variable]),
	}
	global := merge(map[string]any{}, tmpl.Global)
	for k, v := range runAttrs {
		global[k] = v
	}
	global["uuid"] = runID
	global["date_created"] = created.UTC().Format(time.RFC3339)
	if title, ok := src.Attrs()["title"]; ok {
		global["source"] = fmt.Sprint(title)
	}
	if meta.Test {
		global["forecast_mode"] = fmt.Sprintf("test: step %d of each reference", meta.Horizon)
	}
	out.Layout = grid.Layout{
		Dims: []grid.Dim{
			{Name: grid.DimTime, Len: meta.Steps},
			{Name: grid.DimLat, Len: len(out.Lat)},
			{Name: grid.DimLon, Len: len(out.Lon)},
		},
		Vars:  []grid.VarLayout{coord(grid.DimTime), coord(grid.DimLat), coord(grid.DimLon), fc},
		Attrs: global,
	}
	return out
}

// Write materializes res through sink and commits it. Any failure aborts
// the sink, so nothing is left at the target.
func Write(ctx context.Context, res *scheduler.Result, out Output, sink grid.Sink) (err error) {
	if sink == nil {
		return errdefs.Configuration("no output sink")
	}
	defer func() {
		if err == nil {
			return
		}
		if aerr := sink.Abort(); aerr != nil {
			err = errors.Join(err, fmt.Errorf("abort output: %w", aerr))
		}
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, errdefs.ErrCancelled) {
			err = errdefs.Cancelled(errors.Join(cerr, err))
		}
	}()
	if res == nil {
		return errdefs.Execution("write", errors.New("no completed result to write"))
	}
	if len(res.Meta.Time) != res.Meta.Steps {
		return errdefs.Execution("write", fmt.Errorf("%d time coordinates for %d steps", len(res.Meta.Time), res.Meta.Steps))
	}

	coords := []struct {
		name string
		vals []float64
	}{
		{grid.DimTime, res.Meta.Time},
		{grid.DimLat, out.Lat},
		{grid.DimLon, out.Lon},
	}
	for _, c := range coords {
		if err := sink.Write(ctx, c.name, []int{0}, []int{len(c.vals)}, c.vals); err != nil {
			return errdefs.Execution("write "+c.name, err)
		}
	}
	for _, o := range res.Outputs {
		block, ok := o.Value.(*sparse.DenseArray)
		if !ok {
			return errdefs.Execution("write"+o.Chunk.String(), fmt.Errorf("chunk value is %T", o.Value))
		}
		r := o.Chunk.Region
		if err := sink.Write(ctx, out.Variable, []int{0, r.Y0, r.X0}, []int{res.Meta.Steps, r.Ny(), r.Nx()}, block.Elements); err != nil {
			return errdefs.Execution("write"+o.Chunk.String(), err)
		}
	}
	if err := sink.Close(); err != nil {
		return errdefs.Execution("commit", err)
	}
	return nil
}

// Stats summarises the values of a completed result.
type Stats struct {
	Values  int
	Missing int
	Min     float64
	Max     float64
}

// Summarize counts valid and missing forecast values.
func Summarize(res *scheduler.Result) Stats {
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, o := range res.Outputs {
		block, ok := o.Value.(*sparse.DenseArray)
		if !ok {
			continue
		}
		for _, v := range block.Elements {
			s.Values++
			if grid.IsMissing(v) {
				s.Missing++
				continue
			}
			s.Min = math.Min(s.Min, v)
			s.Max = math.Max(s.Max, v)
		}
	}
	if s.Missing == s.Values {
		s.Min, s.Max = math.NaN(), math.NaN()
	}
	return s
}
