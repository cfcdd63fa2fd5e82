// Package window cuts per-pixel model inputs out of the time series of one
// chunk.
package window

import (
	"math"

	"github.com/ctessum/sparse"

	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/grid"
)

// Spec describes the series a model consumes.
type Spec struct {
	Target     string
	Covariates []string
	// Mask, when set and present in the inputs, marks the steps at which the
	// target is not observable.
	Mask     string
	Lookback int
	Horizon  int
}

// Vars lists the variables of a window: the target first, then covariates.
func (s Spec) Vars() []string {
	return append([]string{s.Target}, s.Covariates...)
}

// Len is the number of steps carried by a window.
func (s Spec) Len() int { return s.Lookback + s.Horizon }

// References returns the reference steps to forecast from on a time axis of
// the given length. A reference step is the last observed step of a window;
// the horizon steps after it must exist on the axis for their covariates.
// In test mode every such step is used, otherwise only the last one.
func (s Spec) References(steps int, test bool) ([]int, error) {
	first, last := s.Lookback-1, steps-s.Horizon-1
	if s.Lookback < 1 || s.Horizon < 1 {
		return nil, errdefs.GraphConstruction("lookback %d and horizon %d must be positive", s.Lookback, s.Horizon)
	}
	if last < first {
		return nil, errdefs.GraphConstruction("time axis of %d steps is shorter than lookback %d plus horizon %d", steps, s.Lookback, s.Horizon)
	}
	if !test {
		return []int{last}, nil
	}
	refs := make([]int, 0, last-first+1)
	for r := first; r <= last; r++ {
		refs = append(refs, r)
	}
	return refs, nil
}

// Inputs holds the [time][ny][nx] blocks of one chunk.
type Inputs struct {
	Region grid.Region
	Blocks map[string]*sparse.DenseArray
}

// Window is the model input for one pixel and one reference step.
type Window struct {
	// Y and X are global pixel indices.
	Y, X int
	Ref  int
	// Valid is false when any lookback value of the target is missing.
	Valid bool
	// Series holds Spec.Len() steps per variable in Spec.Vars order, starting
	// Lookback-1 steps before Ref. Target values after Ref are NaN.
	Series [][]float64
	// Masked marks horizon steps whose forecast must be reported missing.
	Masked []bool
}

// Extract returns one window per pixel of the inputs, row-major, for the
// reference step ref.
func Extract(in Inputs, s Spec, ref int) ([]Window, error) {
	vars := s.Vars()
	blocks := make([]*sparse.DenseArray, len(vars))
	for i, v := range vars {
		b, ok := in.Blocks[v]
		if !ok {
			return nil, errdefs.Data("chunk %s has no data for %s", in.Region, v)
		}
		blocks[i] = b
	}
	mask := in.Blocks[s.Mask]
	if s.Mask == "" {
		mask = nil
	}
	steps := blocks[0].Shape[0]
	t0 := ref - s.Lookback + 1
	if t0 < 0 || ref+s.Horizon >= steps {
		return nil, errdefs.Data("reference step %d leaves no room for lookback %d and horizon %d in %d steps", ref, s.Lookback, s.Horizon, steps)
	}
	ny, nx := in.Region.Ny(), in.Region.Nx()
	plane := ny * nx
	n := s.Len()

	out := make([]Window, 0, plane)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			px := y*nx + x
			w := Window{
				Y:      in.Region.Y0 + y,
				X:      in.Region.X0 + x,
				Ref:    ref,
				Valid:  true,
				Series: make([][]float64, len(vars)),
				Masked: make([]bool, s.Horizon),
			}
			for vi, b := range blocks {
				series := make([]float64, n)
				for k := 0; k < n; k++ {
					series[k] = b.Elements[(t0+k)*plane+px]
				}
				w.Series[vi] = series
			}
			target := w.Series[0]
			for k := 0; k < n; k++ {
				if mask != nil && grid.IsMissing(mask.Elements[(t0+k)*plane+px]) {
					target[k] = math.NaN()
					if k >= s.Lookback {
						w.Masked[k-s.Lookback] = true
					}
				}
				if k >= s.Lookback {
					target[k] = math.NaN()
				} else if grid.IsMissing(target[k]) {
					w.Valid = false
				}
			}
			out = append(out, w)
		}
	}
	return out, nil
}
