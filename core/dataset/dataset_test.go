package dataset

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/wqforecast/core/chunk"
	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/graph"
	"github.com/kilianp07/wqforecast/core/grid"
	"github.com/kilianp07/wqforecast/core/grid/gridtest"
	"github.com/kilianp07/wqforecast/core/model"
	"github.com/kilianp07/wqforecast/core/run"
	"github.com/kilianp07/wqforecast/core/scheduler"
)

var tmpl = Template{
	Global: map[string]any{"Conventions": "CF-1.11", "title": "forecast"},
	Variables: map[string]map[string]any{
		"chl": {"long_name": "chlorophyll forecast", "units": "mg m-3"},
	},
}

func setup(t *testing.T) (*grid.Grid, *scheduler.Result, graph.Meta) {
	t.Helper()
	ds := gridtest.Synthetic(8, 5, 4, func(_ string, tt, y, x int) float64 {
		return float64(tt + y + x)
	}, "chl")
	ds.Var("chl").Attrs = map[string]any{"units": "mg/m3", "scale_factor": 0.01, "_FillValue": -999.0, "comment": "L4"}
	g, err := grid.Open(context.Background(), ds, nil)
	require.NoError(t, err)

	cfg := run.Defaults()
	cfg.Model = "persistence"
	cfg.MaskVariable = ""
	cfg.Horizon = 2
	cfg.ChunkLat, cfg.ChunkLon = chunk.Size(2), chunk.Size(3)
	h, err := model.Load(cfg.Model, model.Options{Horizon: cfg.Horizon})
	require.NoError(t, err)
	gr, err := graph.Build(g, cfg, h)
	require.NoError(t, err)
	res, err := scheduler.New(scheduler.Options{Mode: run.ModeSynchronous}).Run(context.Background(), gr)
	require.NoError(t, err)
	return g, res, gr.Meta()
}

func TestPlanLayout(t *testing.T) {
	g, _, meta := setup(t)
	created := time.Date(2025, 6, 1, 8, 30, 0, 0, time.FixedZone("CEST", 7200))
	out := Plan(g, meta, tmpl, map[string]string{"model": "persistence"}, "run-1", created)

	assert.Equal(t, []grid.Dim{{Name: "time", Len: 2}, {Name: "lat", Len: 5}, {Name: "lon", Len: 4}}, out.Layout.Dims)
	fc, ok := out.Layout.Var("chl")
	require.True(t, ok)
	assert.Equal(t, "f4", fc.DType)
	assert.Equal(t, []int{1, 2, 3}, fc.Chunks)
	assert.Equal(t, map[string]any{"units": "mg m-3", "long_name": "chlorophyll forecast", "comment": "L4"}, fc.Attrs)

	tv, ok := out.Layout.Var("time")
	require.True(t, ok)
	assert.Equal(t, "days since 2024-01-01", tv.Attrs["units"])

	attrs := out.Layout.Attrs
	assert.Equal(t, "CF-1.11", attrs["Conventions"])
	assert.Equal(t, "persistence", attrs["model"])
	assert.Equal(t, "run-1", attrs["uuid"])
	assert.Equal(t, "2025-06-01T06:30:00Z", attrs["date_created"])
	assert.NotContains(t, tmpl.Global, "uuid", "template must not be modified")
}

func TestWriteCommits(t *testing.T) {
	g, res, meta := setup(t)
	out := Plan(g, meta, tmpl, nil, "run-2", time.Now())
	sink := gridtest.NewSink(out.Layout)
	require.NoError(t, Write(context.Background(), res, out, sink))

	writes, closed, aborted := sink.State()
	assert.Equal(t, 3+6, writes, "coordinates plus one write per chunk")
	assert.True(t, closed)
	assert.False(t, aborted)
	assert.Equal(t, []float64{6, 7}, sink.Data("time"))

	data := sink.Data("chl")
	require.Len(t, data, 2*5*4)
	// persistence repeats the last observation, t=5, at both steps.
	for s := 0; s < 2; s++ {
		for y := 0; y < 5; y++ {
			for x := 0; x < 4; x++ {
				assert.Equal(t, float64(5+y+x), data[s*20+y*4+x])
			}
		}
	}

	st := Summarize(res)
	assert.Equal(t, Stats{Values: 40, Min: 5, Max: 12}, st)
}

func TestWriteAbortsOnFailure(t *testing.T) {
	g, res, meta := setup(t)
	out := Plan(g, meta, tmpl, nil, "run-3", time.Now())
	boom := errors.New("disk full")
	sink := gridtest.NewSink(out.Layout)
	sink.FailWrites("chl", boom)

	err := Write(context.Background(), res, out, sink)
	assert.ErrorIs(t, err, errdefs.ErrExecution)
	assert.ErrorIs(t, err, boom)
	_, closed, aborted := sink.State()
	assert.False(t, closed)
	assert.True(t, aborted)
	assert.Nil(t, sink.Data("chl"))
}

func TestWriteRequiresResult(t *testing.T) {
	g, _, meta := setup(t)
	out := Plan(g, meta, tmpl, nil, "run-4", time.Now())
	sink := gridtest.NewSink(out.Layout)
	assert.ErrorIs(t, Write(context.Background(), nil, out, sink), errdefs.ErrExecution)
	_, closed, aborted := sink.State()
	assert.False(t, closed)
	assert.True(t, aborted)
}

func TestWriteCancelled(t *testing.T) {
	g, res, meta := setup(t)
	out := Plan(g, meta, tmpl, nil, "run-5", time.Now())
	sink := gridtest.NewSink(out.Layout)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Write(ctx, res, out, sink)
	assert.Equal(t, errdefs.ErrCancelled, errdefs.KindOf(err))
	_, _, aborted := sink.State()
	assert.True(t, aborted)
}

func TestSummarizeAllMissing(t *testing.T) {
	block := grid.NewBlock(1, 2, 2)
	st := Summarize(&scheduler.Result{Outputs: []scheduler.Output{{Value: block}}})
	assert.Equal(t, 4, st.Missing)
	assert.True(t, math.IsNaN(st.Min))
}
