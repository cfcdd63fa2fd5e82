package model

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/window"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// windowFor builds a valid window for a model reading chl and no3.
func windowFor(h *Handle, horizon int, chl []float64, no3 float64) window.Window {
	n := h.Lookback() + horizon
	target := make([]float64, n)
	copy(target, chl)
	for k := h.Lookback(); k < n; k++ {
		target[k] = math.NaN()
	}
	w := window.Window{Valid: true, Series: [][]float64{target}, Masked: make([]bool, horizon)}
	for range h.Covariates() {
		cov := make([]float64, n)
		for k := range cov {
			cov[k] = no3
		}
		w.Series = append(w.Series, cov)
	}
	return w
}

func TestLoadPresets(t *testing.T) {
	names, def, err := Presets()
	require.NoError(t, err)
	assert.Contains(t, names, def)
	for _, n := range append(names, DefaultPreset) {
		h, err := Load(n, Options{Horizon: 7})
		require.NoError(t, err, n)
		assert.GreaterOrEqual(t, h.Lookback(), 1)
		assert.Equal(t, "chl", h.Target())
	}

	h, err := Load(DefaultPreset, Options{Horizon: 3})
	require.NoError(t, err)
	assert.Equal(t, def, h.Name())
	assert.Equal(t, 5, h.Lookback())
	assert.Equal(t, []string{"no3"}, h.Covariates())
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, "m.json", `{
		"name": "two-lag",
		"kind": "linear",
		"max_horizon": 3,
		"features": ["t-1_chl", "t-2_chl", "sst"],
		"linear": {"intercept": 1, "weights": [0.5, 0.25, 2]}
	}`)
	h, err := Load(p, Options{Horizon: 2, Threads: 2})
	require.NoError(t, err)
	assert.Equal(t, "two-lag", h.Name())
	assert.Equal(t, 2, h.Lookback())
	assert.Equal(t, 3, h.MaxHorizon())
	assert.Equal(t, []string{"t-1_chl", "t-2_chl", "sst"}, h.Features())
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"unknown preset": "no-such-model",
		"bad yaml":       writeFile(t, "bad.yaml", "kind: [linear"),
		"unknown kind":   writeFile(t, "k.yaml", "kind: forest\nmax_horizon: 2\nfeatures: [t-1_chl]\n"),
		"weights":        writeFile(t, "w.yaml", "kind: linear\nmax_horizon: 2\nfeatures: [t-1_chl]\nlinear: {weights: [1, 2]}\n"),
		"target lag 0":   writeFile(t, "l.yaml", "kind: linear\nmax_horizon: 2\nfeatures: [t-1_chl, chl]\nlinear: {weights: [1, 2]}\n"),
		"no past":        writeFile(t, "p.yaml", "kind: linear\nmax_horizon: 2\nfeatures: [no3]\nlinear: {weights: [1]}\n"),
		"short horizon":  writeFile(t, "h.yaml", "kind: linear\nmax_horizon: 1\nfeatures: [t-1_chl]\nlinear: {weights: [1]}\n"),
		"cyclic tree": writeFile(t, "c.yaml", `kind: gbtree
max_horizon: 3
features: [t-1_chl]
gbtree:
  trees:
    - {split_indices: [0, 0], split_conditions: [1, 0], left_children: [1, 0], right_children: [1, 0], default_left: [true, true]}
`),
	}
	for name, id := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(id, Options{Horizon: 2})
			require.Error(t, err)
			assert.ErrorIs(t, err, errdefs.ErrModelLoad)
		})
	}
}

func TestPredictLinearRecursive(t *testing.T) {
	h, err := FromDefinition(Definition{
		Name: "ar2", Kind: KindLinear, MaxHorizon: 3,
		Features: []string{"t-1_chl", "t-2_chl", "no3"},
		Linear:   &LinearParams{Intercept: 1, Weights: []float64{0.5, 0.25, 1}},
	}, Options{Horizon: 3})
	require.NoError(t, err)

	w := windowFor(h, 3, []float64{4, 8}, 2)
	out, err := h.Predict(context.Background(), []window.Window{w}, 3)
	require.NoError(t, err)

	// y2 = 1 + 0.5*8 + 0.25*4 + 2 = 8
	// y3 = 1 + 0.5*8 + 0.25*8 + 2 = 9
	// y4 = 1 + 0.5*9 + 0.25*8 + 2 = 9.5
	assert.Equal(t, Forecast{8, 9, 9.5}, out[0])
}

func TestPredictMissingAndMasked(t *testing.T) {
	h, err := Load("persistence", Options{Horizon: 2})
	require.NoError(t, err)

	invalid := windowFor(h, 2, []float64{math.NaN()}, 0)
	invalid.Valid = false
	masked := windowFor(h, 2, []float64{3}, 0)
	masked.Masked[1] = true

	out, err := h.Predict(context.Background(), []window.Window{invalid, masked}, 2)
	require.NoError(t, err)
	for _, v := range out[0] {
		assert.True(t, math.IsNaN(v))
	}
	assert.Equal(t, 3.0, out[1][0])
	assert.True(t, math.IsNaN(out[1][1]))
}

func TestPredictNonNegative(t *testing.T) {
	h, err := FromDefinition(Definition{
		Name: "neg", Kind: KindLinear, MaxHorizon: 2, NonNegative: true,
		Features: []string{"t-1_chl"},
		Linear:   &LinearParams{Intercept: -10, Weights: []float64{1}},
	}, Options{Horizon: 2})
	require.NoError(t, err)
	out, err := h.Predict(context.Background(), []window.Window{windowFor(h, 2, []float64{1}, 0)}, 2)
	require.NoError(t, err)
	assert.Equal(t, Forecast{0, 0}, out[0])
}

func TestTreeMissingValueFollowsDefault(t *testing.T) {
	tree := Tree{
		SplitIndices:    []int{0, 0, 0},
		SplitConditions: []float64{1, -1, 1},
		LeftChildren:    []int{1, -1, -1},
		RightChildren:   []int{2, -1, -1},
		DefaultLeft:     []bool{false, false, false},
	}
	require.NoError(t, tree.validate(1))
	assert.Equal(t, -1.0, tree.eval([]float64{0.5}))
	assert.Equal(t, 1.0, tree.eval([]float64{1}))
	assert.Equal(t, 1.0, tree.eval([]float64{math.NaN()}))
}

// The thread budget changes scheduling only, never values.
func TestPredictThreadsDeterministic(t *testing.T) {
	one, err := Load("chl-gbtree-l3", Options{Horizon: 4, Threads: 1})
	require.NoError(t, err)
	many, err := Load("chl-gbtree-l3", Options{Horizon: 4, Threads: 8})
	require.NoError(t, err)

	ws := make([]window.Window, 1000)
	for i := range ws {
		v := float64(i%37) / 5
		ws[i] = windowFor(one, 4, []float64{v, v / 2, v * 1.5}, float64(i%5))
		if i%11 == 0 {
			ws[i].Valid = false
		}
	}
	a, err := one.Predict(context.Background(), ws, 4)
	require.NoError(t, err)
	b, err := many.Predict(context.Background(), ws, 4)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b, cmpopts.EquateNaNs()); diff != "" {
		t.Fatalf("thread count changed predictions (-1 +8):\n%s", diff)
	}
}

func TestPredictCancelled(t *testing.T) {
	h, err := Load("persistence", Options{Horizon: 1, Threads: 2})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ws := make([]window.Window, 500)
	for i := range ws {
		ws[i] = windowFor(h, 1, []float64{1}, 0)
	}
	_, err = h.Predict(ctx, ws, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPredictRejectsHorizonBeyondModel(t *testing.T) {
	h, err := Load("persistence", Options{Horizon: 1})
	require.NoError(t, err)
	_, err = h.Predict(context.Background(), nil, 8)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}
