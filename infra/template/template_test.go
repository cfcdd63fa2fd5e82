package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/wqforecast/core/errdefs"
)

func TestDefault(t *testing.T) {
	tmpl, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "CF-1.11", tmpl.Global["Conventions"])
	assert.Contains(t, tmpl.Global["funding"], "ESA AO/1-10468/20/I-FvO")
	assert.Equal(t, "mg m-3", tmpl.Variables["chl"]["units"])
	assert.Equal(t, 1000.0, tmpl.Variables["chl"]["valid_max"])
	for _, v := range []string{"time", "lat", "lon"} {
		assert.Contains(t, tmpl.Variables, v)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.yaml")
	require.NoError(t, os.WriteFile(path, []byte("global:\n  title: test\n"), 0o644))
	tmpl, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "test"}, tmpl.Global)
	assert.NotNil(t, tmpl.Variables)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	require.NoError(t, os.WriteFile(path, []byte("global: [1, 2"), 0o644))
	_, err = Load(path)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)

	tmpl, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "CF-1.11", tmpl.Global["Conventions"])
}

func TestAcknowledge(t *testing.T) {
	tmpl, err := Default()
	require.NoError(t, err)
	assert.NotContains(t, Acknowledge(tmpl, false, false).Global, "acknowledgements")

	tmpl, err = Default()
	require.NoError(t, err)
	got := Acknowledge(tmpl, true, true).Global["acknowledgements"].(string)
	assert.Contains(t, got, "Copernicus Service")
	assert.Contains(t, got, "odims.ospar.org")
	assert.Less(t, len(Copernicus), len(got))
}
