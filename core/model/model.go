// Package model loads pretrained forecast models and runs multi-horizon
// inference on per-pixel windows.
//
// A model is resolved from a single identifier: the name of an embedded
// preset, the "default" alias, or the path of a definition file. Whatever
// the source, Load returns the same immutable Handle, which may be shared by
// any number of goroutines.
package model

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/window"
)

// Forecast holds one value per horizon step. NaN marks a missing value.
type Forecast []float64

// Missing returns a forecast of n missing values.
func Missing(n int) Forecast {
	f := make(Forecast, n)
	for i := range f {
		f[i] = math.NaN()
	}
	return f
}

// Options constrain how a model is loaded and run.
type Options struct {
	// Horizon is the number of steps the run forecasts. Load fails when the
	// model cannot reach it.
	Horizon int
	// Threads bounds the goroutines one Predict call may use; 0 means 1.
	Threads int
}

// Handle is a loaded model. It is immutable and safe for concurrent use.
type Handle struct {
	name        string
	kind        string
	features    []feature
	vars        []string
	lookback    int
	maxHorizon  int
	nonNegative bool
	pred        predictor
	threads     int
}

// minBatch is the smallest share of windows worth a goroutine of its own.
const minBatch = 64

// Load resolves id to a model. All failures are reported as ErrModelLoad.
func Load(id string, opts Options) (*Handle, error) {
	name, data, ok, err := preset(id)
	if err != nil {
		return nil, errdefs.ModelLoad("preset registry: %w", err)
	}
	if !ok {
		data, err = os.ReadFile(id)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				names, _, _ := Presets()
				return nil, errdefs.ModelLoad("%q is neither a preset %v nor a readable model file", id, names)
			}
			return nil, errdefs.ModelLoad("read model file: %w", err)
		}
		name = id
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, errdefs.ModelLoad("%s: %w", name, err)
	}
	h, err := newHandle(name, def, opts)
	if err != nil {
		return nil, errdefs.ModelLoad("%s: %w", name, err)
	}
	return h, nil
}

// FromDefinition builds a Handle from an already decoded definition.
func FromDefinition(def Definition, opts Options) (*Handle, error) {
	if def.Target == "" {
		def.Target = "chl"
	}
	h, err := newHandle(def.Name, def, opts)
	if err != nil {
		return nil, errdefs.ModelLoad("%s: %w", def.Name, err)
	}
	return h, nil
}

func newHandle(name string, def Definition, opts Options) (*Handle, error) {
	if def.Name != "" {
		name = def.Name
	}
	feats, vars, lookback, err := def.resolveFeatures()
	if err != nil {
		return nil, err
	}
	if def.MaxHorizon < 1 {
		return nil, fmt.Errorf("max_horizon must be positive, got %d", def.MaxHorizon)
	}
	if opts.Horizon > def.MaxHorizon {
		return nil, fmt.Errorf("model forecasts up to %d steps, %d requested", def.MaxHorizon, opts.Horizon)
	}
	pred, err := newPredictor(def, len(feats))
	if err != nil {
		return nil, err
	}
	return &Handle{
		name:        name,
		kind:        def.Kind,
		features:    feats,
		vars:        vars,
		lookback:    lookback,
		maxHorizon:  def.MaxHorizon,
		nonNegative: def.NonNegative,
		pred:        pred,
		threads:     max(opts.Threads, 1),
	}, nil
}

func (h *Handle) Name() string    { return h.name }
func (h *Handle) Kind() string    { return h.kind }
func (h *Handle) Lookback() int   { return h.lookback }
func (h *Handle) MaxHorizon() int { return h.maxHorizon }
func (h *Handle) Threads() int    { return h.threads }
func (h *Handle) Target() string  { return h.vars[0] }

// Covariates returns the non-target variables the model reads.
func (h *Handle) Covariates() []string { return slices.Clone(h.vars[1:]) }

// Features returns the feature names in model order.
func (h *Handle) Features() []string {
	out := make([]string, len(h.features))
	for i, f := range h.features {
		out[i] = f.name
	}
	return out
}

// WindowSpec returns the extraction spec matching the model's inputs.
func (h *Handle) WindowSpec(mask string, horizon int) window.Spec {
	return window.Spec{
		Target:     h.Target(),
		Covariates: h.Covariates(),
		Mask:       mask,
		Lookback:   h.lookback,
		Horizon:    horizon,
	}
}

// Predict forecasts horizon steps for every window. Steps are predicted
// recursively: the forecast of step h feeds the target lags of later steps.
// Invalid windows yield missing forecasts.
func (h *Handle) Predict(ctx context.Context, ws []window.Window, horizon int) ([]Forecast, error) {
	if horizon < 1 || horizon > h.maxHorizon {
		return nil, errdefs.Configuration("horizon %d outside model range [1, %d]", horizon, h.maxHorizon)
	}
	out := make([]Forecast, len(ws))
	valid := make([]int, 0, len(ws))
	for i, w := range ws {
		if !w.Valid {
			out[i] = Missing(horizon)
			continue
		}
		if len(w.Series) != len(h.vars) || len(w.Series[0]) < h.lookback+horizon || len(w.Masked) < horizon {
			return nil, fmt.Errorf("window (%d,%d) does not match model %s inputs", w.Y, w.X, h.name)
		}
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return out, nil
	}

	parts := min(h.threads, (len(valid)+minBatch-1)/minBatch)
	size := (len(valid) + parts - 1) / parts
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.threads)
	for lo := 0; lo < len(valid); lo += size {
		idx := valid[lo:min(lo+size, len(valid))]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h.predictBatch(ws, idx, horizon, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Handle) predictBatch(ws []window.Window, idx []int, horizon int, out []Forecast) {
	x := mat.NewDense(len(idx), len(h.features), nil)
	pred := make([]float64, len(idx))
	targets := make([][]float64, len(idx))
	for i, wi := range idx {
		targets[i] = slices.Clone(ws[wi].Series[0])
		out[wi] = make(Forecast, horizon)
	}
	for step := 1; step <= horizon; step++ {
		k := h.lookback - 1 + step
		for i, wi := range idx {
			row := x.RawRowView(i)
			for f, ft := range h.features {
				series := ws[wi].Series[ft.v]
				if ft.v == 0 {
					series = targets[i]
				}
				row[f] = series[k+ft.lag]
			}
		}
		h.pred.predict(x, pred)
		for i, wi := range idx {
			v := pred[i]
			if h.nonNegative && v < 0 {
				v = 0
			}
			targets[i][k] = v
			if ws[wi].Masked[step-1] {
				v = math.NaN()
			}
			out[wi][step-1] = v
		}
	}
}
