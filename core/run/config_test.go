package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/wqforecast/core/chunk"
	"github.com/kilianp07/wqforecast/core/errdefs"
)

func ptr[T any](v T) *T { return &v }

func TestValidate(t *testing.T) {
	ok := Defaults()
	require.NoError(t, ok.Validate())

	cases := map[string]func(*Config){
		"horizon zero":      func(c *Config) { c.Horizon = 0 },
		"horizon too large": func(c *Config) { c.Horizon = 8 },
		"bad chunk":         func(c *Config) { c.ChunkLat = chunk.Size(-3) },
		"negative filter":   func(c *Config) { c.FilterFWHM = ptr(-1.0) },
		"too many workers":  func(c *Config) { c.Workers = 9 },
		"too many threads":  func(c *Config) { c.Threads = 9 },
		"unknown mode":      func(c *Config) { c.Mode = "parallel" },
		"no model":          func(c *Config) { c.Model = "" },
		"profiling concurrently": func(c *Config) {
			c.Mode = ModeConcurrent
			c.ProfilePath = "prof.jsonl"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Defaults()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}
}

func TestResolve(t *testing.T) {
	c := Defaults().Resolve(16)
	assert.Equal(t, ModeConcurrent, c.Mode)
	assert.Equal(t, 8, c.Workers)
	assert.Equal(t, 2, c.Threads)

	c = Defaults()
	c.ProfilePath = "prof.db"
	c = c.Resolve(4)
	assert.Equal(t, ModeSynchronous, c.Mode)
	assert.Equal(t, 1, c.Workers)
	assert.Equal(t, 4, c.Threads)

	c = Defaults()
	c.Workers, c.Threads = 3, 2
	c = c.Resolve(2)
	assert.Equal(t, 3, c.Workers)
	assert.Equal(t, 2, c.Threads)

	c = Defaults().Resolve(0)
	assert.Equal(t, 1, c.Workers)
	assert.Equal(t, 1, c.Threads)
}

func TestAttributes(t *testing.T) {
	c := Defaults()
	c.Horizon = 3
	c.FilterFWHM = ptr(1.5)
	c.ChunkLat = chunk.Size(chunk.Full)
	attrs := c.Attributes()
	assert.Equal(t, "3", attrs["horizon"])
	assert.Equal(t, "1.5", attrs["gaussian_filter"])
	assert.Equal(t, "full", attrs["chunk_size_lat"])
	assert.Equal(t, "inherit", attrs["chunk_size_lon"])
	assert.NotContains(t, attrs, "depth_level")
}
