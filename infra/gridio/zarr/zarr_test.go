package zarr

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/wqforecast/core/grid"
)

func layout() grid.Layout {
	return grid.Layout{
		Dims: []grid.Dim{{Name: "time", Len: 2}, {Name: "lat", Len: 3}, {Name: "lon", Len: 4}},
		Vars: []grid.VarLayout{
			{Name: "time", Dims: []string{"time"}, DType: "f8", Attrs: map[string]any{"units": "days since 2024-01-01"}},
			{Name: "lat", Dims: []string{"lat"}, DType: "f8"},
			{Name: "lon", Dims: []string{"lon"}, DType: "f8"},
			{Name: "chl", Dims: []string{"time", "lat", "lon"}, Chunks: []int{1, 2, 3}, DType: "f4", Attrs: map[string]any{
				"units": "mg m-3", "_FillValue": 1.0, "bad": math.NaN(),
			}},
		},
		Attrs: map[string]any{"Conventions": "CF-1.11", "horizon": 2},
	}
}

func seq(n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) * scale
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	for _, comp := range []string{"zlib", "gzip", "none"} {
		t.Run(comp, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "out.zarr")
			e, err := New(Config{Compressor: comp})
			require.NoError(t, err)
			assert.Equal(t, "zarr", e.Name())

			s, err := e.Create(path, layout())
			require.NoError(t, err)
			require.NoError(t, s.Write(ctx, "time", []int{0}, []int{2}, []float64{10, 11}))
			require.NoError(t, s.Write(ctx, "lat", []int{0}, []int{3}, []float64{50, 51, 52}))
			require.NoError(t, s.Write(ctx, "lon", []int{0}, []int{4}, []float64{1, 2, 3, 4}))
			require.NoError(t, s.Write(ctx, "chl", []int{0, 0, 0}, []int{2, 2, 4}, seq(16, 0.25)))
			require.NoError(t, s.Write(ctx, "chl", []int{0, 2, 0}, []int{2, 1, 3}, []float64{1, 2, 3, 4, math.NaN(), 6}))
			_, err = os.Stat(path)
			assert.True(t, os.IsNotExist(err), "not visible before close")
			require.NoError(t, s.Close())
			assert.Error(t, s.Close())

			src, err := e.Open(path)
			require.NoError(t, err)
			defer src.Close()
			assert.Equal(t, []grid.Dim{{Name: "time", Len: 2}, {Name: "lat", Len: 3}, {Name: "lon", Len: 4}}, src.Dims())
			assert.Equal(t, "CF-1.11", src.Attrs()["Conventions"])
			assert.Equal(t, 2.0, src.Attrs()["horizon"])

			vars := map[string]grid.Variable{}
			for _, v := range src.Variables() {
				vars[v.Name] = v
			}
			require.Len(t, vars, 4)
			chl := vars["chl"]
			assert.Equal(t, []string{"time", "lat", "lon"}, chl.Dims)
			assert.Equal(t, []int{1, 2, 3}, chl.Chunks)
			assert.Equal(t, "mg m-3", chl.Attrs["units"])
			assert.NotContains(t, chl.Attrs, "_FillValue")
			assert.NotContains(t, chl.Attrs, "bad")
			assert.NotContains(t, chl.Attrs, dimsAttr)

			got, err := src.Read(ctx, "chl", []int{1, 1, 2}, []int{1, 2, 2})
			require.NoError(t, err)
			// [1,1,2] [1,1,3] [1,2,2] [1,2,3]
			if diff := cmp.Diff([]float64{3.5, 3.75, 6, math.NaN()}, got, cmpopts.EquateNaNs()); diff != "" {
				t.Fatal(diff)
			}
			lat, err := src.Read(ctx, "lat", []int{0}, []int{3})
			require.NoError(t, err)
			assert.Equal(t, []float64{50, 51, 52}, lat)

			_, err = src.Read(ctx, "chl", []int{0, 0, 0}, []int{3, 1, 1})
			assert.Error(t, err)
			_, err = src.Read(ctx, "sst", []int{0}, []int{1})
			assert.Error(t, err)
		})
	}
}

func TestReadDecodesOnlyIntersectingChunks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "src.zarr")
	e, err := New(Config{Compressor: "zlib"})
	require.NoError(t, err)
	s, err := e.Create(path, layout())
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "chl", []int{0, 0, 0}, []int{2, 3, 4}, seq(24, 1)))
	require.NoError(t, s.Close())

	g, err := e.Open(path)
	require.NoError(t, err)
	defer g.Close()
	chl := g.(*source).arrays["chl"]

	// chunks are 1x2x3 on a 2x3x4 array, eight in total
	_, err = g.Read(ctx, "chl", []int{0, 0, 0}, []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), chl.decoded.Load())

	_, err = g.Read(ctx, "chl", []int{0, 1, 1}, []int{1, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), chl.decoded.Load(), "same chunk is served from the cache")

	got, err := g.Read(ctx, "chl", []int{1, 2, 3}, []int{1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{23}, got)
	assert.Equal(t, int64(2), chl.decoded.Load())

	// a full read walks all eight chunks in row-major order; the cache holds
	// four, so only [0,0,0] is still cached when it is reached
	all, err := g.Read(ctx, "chl", []int{0, 0, 0}, []int{2, 3, 4})
	require.NoError(t, err)
	assert.Len(t, all, 24)
	assert.Equal(t, int64(9), chl.decoded.Load())
	assert.Equal(t, chunkCacheSize, chl.cache.order.Len())
	assert.Len(t, chl.cache.items, chunkCacheSize)

	require.NoError(t, g.Close())
	assert.Zero(t, chl.cache.order.Len())
}

func TestChunkCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newChunkCache(2)
	c.put("a", []float64{1})
	c.put("b", []float64{2})
	_, ok := c.get("a")
	require.True(t, ok)
	c.put("c", []float64{3})

	_, ok = c.get("b")
	assert.False(t, ok)
	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, []float64{1}, v)
	_, ok = c.get("c")
	assert.True(t, ok)
}

func writeJSONFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestReadPackedBigEndian(t *testing.T) {
	root := filepath.Join(t.TempDir(), "in.zarr")
	writeJSONFile(t, filepath.Join(root, ".zgroup"), `{"zarr_format": 2}`)
	writeJSONFile(t, filepath.Join(root, "sst", ".zarray"), `{
		"shape": [2, 3], "chunks": [2, 2], "dtype": ">i2",
		"compressor": {"id": "gzip", "level": 5}, "fill_value": -1,
		"order": "C", "filters": null, "zarr_format": 2}`)
	writeJSONFile(t, filepath.Join(root, "sst", ".zattrs"),
		`{"_ARRAY_DIMENSIONS": ["lat", "lon"], "scale_factor": 0.5, "add_offset": 10}`)

	raw := new(bytes.Buffer)
	for _, v := range []int16{0, -1, 2, 3} {
		require.NoError(t, binary.Write(raw, binary.BigEndian, v))
	}
	var packed bytes.Buffer
	w := gzip.NewWriter(&packed)
	_, err := w.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	// chunk 0.1 is absent and reads as missing
	require.NoError(t, os.WriteFile(filepath.Join(root, "sst", "0.0"), packed.Bytes(), 0o644))

	e, err := New(Config{})
	require.NoError(t, err)
	src, err := e.Open(root)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, []grid.Dim{{Name: "lat", Len: 2}, {Name: "lon", Len: 3}}, src.Dims())

	got, err := src.Read(context.Background(), "sst", []int{0, 0}, []int{2, 3})
	require.NoError(t, err)
	want := []float64{10, math.NaN(), math.NaN(), 11, 11.5, math.NaN()}
	if diff := cmp.Diff(want, got, cmpopts.EquateNaNs()); diff != "" {
		t.Fatal(diff)
	}
}

func TestOpenRejects(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	dir := t.TempDir()

	file := filepath.Join(dir, "plain.zarr")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = e.Open(file)
	assert.Error(t, err)

	_, err = e.Open(filepath.Join(dir, "missing.zarr"))
	assert.Error(t, err)

	filtered := filepath.Join(dir, "f.zarr")
	writeJSONFile(t, filepath.Join(filtered, "x", ".zarray"), `{
		"shape": [2], "chunks": [2], "dtype": "<f4", "compressor": null,
		"fill_value": "NaN", "order": "C", "filters": [{"id": "delta"}], "zarr_format": 2}`)
	writeJSONFile(t, filepath.Join(filtered, "x", ".zattrs"), `{"_ARRAY_DIMENSIONS": ["x"]}`)
	_, err = e.Open(filtered)
	assert.ErrorContains(t, err, "filters")

	nodims := filepath.Join(dir, "d.zarr")
	writeJSONFile(t, filepath.Join(nodims, "x", ".zarray"), `{
		"shape": [2], "chunks": [2], "dtype": "<f4", "compressor": null,
		"fill_value": null, "order": "C", "filters": null, "zarr_format": 2}`)
	_, err = e.Open(nodims)
	assert.ErrorContains(t, err, dimsAttr)
}

func TestAbortRemovesStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.zarr")
	e, err := New(Config{})
	require.NoError(t, err)
	s, err := e.Create(path, layout())
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), "lat", []int{0}, []int{3}, []float64{1, 2, 3}))
	require.NoError(t, s.Abort())
	assert.Error(t, s.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateRejectsBadLayout(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	dir := t.TempDir()

	l := layout()
	l.Vars[3].DType = "i2"
	_, err = e.Create(filepath.Join(dir, "a.zarr"), l)
	assert.Error(t, err)

	l = layout()
	l.Vars[3].Dims = []string{"time", "depth", "lon"}
	_, err = e.Create(filepath.Join(dir, "b.zarr"), l)
	assert.Error(t, err)
}

func TestConfig(t *testing.T) {
	_, err := New(Config{Compressor: "blosc"})
	assert.Error(t, err)
	_, err = New(Config{Compressor: "zlib", Level: 12})
	assert.Error(t, err)

	var c Config
	c.SetDefaults()
	assert.Equal(t, Config{Compressor: "zlib", Level: 1}, c)
}

func TestDType(t *testing.T) {
	for _, s := range []string{"<f4", ">f8", "|u1", "<i8", "<u2"} {
		_, err := parseDType(s)
		assert.NoError(t, err, s)
	}
	for _, s := range []string{"<c8", "f4", "<f2", "<U8"} {
		_, err := parseDType(s)
		assert.Error(t, err, s)
	}
	f, ok, err := parseFill([]byte(`"-Infinity"`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, math.IsInf(f, -1))
	_, ok, err = parseFill([]byte(`null`))
	require.NoError(t, err)
	assert.False(t, ok)
}
