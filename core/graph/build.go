package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/ctessum/sparse"

	"github.com/kilianp07/wqforecast/core/chunk"
	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/filter"
	"github.com/kilianp07/wqforecast/core/grid"
	"github.com/kilianp07/wqforecast/core/model"
	"github.com/kilianp07/wqforecast/core/run"
	"github.com/kilianp07/wqforecast/core/window"
)

// Build declares the forecast of g under cfg with model h. Nothing is read
// or computed; problems with the inputs are reported as
// ErrGraphConstruction, invalid parameters as ErrConfiguration.
//
// Every chunk gets a load task and a forecast task. When the lateral filter
// is enabled, each chunk also gets a filter task depending on the forecast
// tasks of every chunk within the filter radius.
func Build(g *grid.Grid, cfg run.Config, h *model.Handle) (*Graph, error) {
	if g == nil {
		return nil, errdefs.GraphConstruction("no source grid")
	}
	if h == nil {
		return nil, errdefs.GraphConstruction("no model handle")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Horizon > h.MaxHorizon() {
		return nil, errdefs.GraphConstruction("model %s forecasts up to %d steps, %d requested", h.Name(), h.MaxHorizon(), cfg.Horizon)
	}
	if h.Target() != cfg.Target {
		return nil, errdefs.GraphConstruction("model %s forecasts %s, the run targets %s", h.Name(), h.Target(), cfg.Target)
	}
	mask := cfg.MaskVariable
	if mask != "" && !g.Has(mask) {
		mask = ""
	}
	spec := h.WindowSpec(mask, cfg.Horizon)
	vars := spec.Vars()
	if mask != "" && !slices.Contains(vars, mask) {
		vars = append(vars, mask)
	}
	for _, v := range vars {
		if !g.Has(v) {
			return nil, errdefs.GraphConstruction("model %s reads %s, which the source does not provide", h.Name(), v)
		}
	}

	shape := g.Shape()
	refs, err := spec.References(shape.Time, cfg.Test)
	if err != nil {
		return nil, err
	}
	nativeLat, nativeLon := g.NativeChunks(cfg.Target)
	cs, err := chunk.Plan(chunk.Shape{Lat: nativeLat, Lon: nativeLon}, shape, cfg.ChunkLat, cfg.ChunkLon)
	if err != nil {
		return nil, err
	}
	chunks := chunk.Tile(shape, cs)

	fwhm := 0.0
	if cfg.Filtering() {
		fwhm = *cfg.FilterFWHM
	}
	gauss := filter.NewGaussian(fwhm)
	// Windows are per pixel, so the model itself reads no neighbour.
	const modelReach = 0

	times := g.Coord(grid.DimTime)
	steps := cfg.Horizon
	outTime := times[len(times)-cfg.Horizon:]
	if cfg.Test {
		steps = len(refs)
		outTime = make([]float64, len(refs))
		for i, r := range refs {
			outTime[i] = times[r+cfg.Horizon]
		}
	}
	gr := New(Meta{
		Variable:   cfg.Target,
		Input:      shape,
		ChunkShape: cs,
		Steps:      steps,
		Time:       slices.Clone(outTime),
		Halo:       max(modelReach, gauss.Radius()),
		TimeHalo:   h.Lookback(),
		Horizon:    cfg.Horizon,
		Test:       cfg.Test,
	})

	forecasts := make([]TaskID, len(chunks))
	for i, c := range chunks {
		load, err := gr.Add(OpLoad, c, nil, loadFunc(g, vars, c.Region))
		if err != nil {
			return nil, errdefs.GraphConstruction("%w", err)
		}
		forecasts[i], err = gr.Add(OpForecast, c, []TaskID{load}, forecastFunc(h, spec, refs, cfg.Test, c.Region))
		if err != nil {
			return nil, errdefs.GraphConstruction("%w", err)
		}
	}
	for i, c := range chunks {
		out := forecasts[i]
		if !gauss.Identity() {
			halo := c.Region.Grow(gr.meta.Halo, shape)
			var deps []TaskID
			var regions []grid.Region
			for j, n := range chunks {
				if !n.Region.Intersect(halo).Empty() {
					deps = append(deps, forecasts[j])
					regions = append(regions, n.Region)
				}
			}
			if out, err = gr.Add(OpFilter, c, deps, filterFunc(gauss, steps, halo, regions, c.Region)); err != nil {
				return nil, errdefs.GraphConstruction("%w", err)
			}
		}
		if err := gr.MarkOutput(c, out); err != nil {
			return nil, errdefs.GraphConstruction("%w", err)
		}
	}
	if err := gr.Validate(); err != nil {
		return nil, errdefs.GraphConstruction("%w", err)
	}
	return gr, nil
}

func loadFunc(g *grid.Grid, vars []string, r grid.Region) Func {
	return func(ctx context.Context, _ []any) (any, error) {
		in := window.Inputs{Region: r, Blocks: make(map[string]*sparse.DenseArray, len(vars))}
		for _, v := range vars {
			b, err := g.ReadBlock(ctx, v, r)
			if err != nil {
				return nil, err
			}
			in.Blocks[v] = b
		}
		return in, nil
	}
}

func forecastFunc(h *model.Handle, spec window.Spec, refs []int, test bool, r grid.Region) Func {
	return func(ctx context.Context, inputs []any) (any, error) {
		in, ok := inputs[0].(window.Inputs)
		if !ok {
			return nil, fmt.Errorf("forecast input is %T", inputs[0])
		}
		steps := spec.Horizon
		if test {
			steps = len(refs)
		}
		plane := r.Ny() * r.Nx()
		out := grid.NewBlock(steps, r.Ny(), r.Nx())
		for i, ref := range refs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ws, err := window.Extract(in, spec, ref)
			if err != nil {
				return nil, err
			}
			fc, err := h.Predict(ctx, ws, spec.Horizon)
			if err != nil {
				return nil, err
			}
			for p, f := range fc {
				if test {
					out.Elements[i*plane+p] = f[spec.Horizon-1]
					continue
				}
				for s, v := range f {
					out.Elements[s*plane+p] = v
				}
			}
		}
		return out, nil
	}
}

func filterFunc(gauss filter.Gaussian, steps int, halo grid.Region, regions []grid.Region, core grid.Region) Func {
	return func(ctx context.Context, inputs []any) (any, error) {
		block := grid.NewBlock(steps, halo.Ny(), halo.Nx())
		for i, in := range inputs {
			b, ok := in.(*sparse.DenseArray)
			if !ok {
				return nil, fmt.Errorf("filter input %d is %T", i, in)
			}
			grid.CopyRegion(block, halo, b, regions[i])
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		smoothed := gauss.Apply(block)
		out := grid.NewBlock(steps, core.Ny(), core.Nx())
		grid.CopyRegion(out, core, smoothed, halo)
		return out, nil
	}
}
