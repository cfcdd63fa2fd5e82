// Package gridio builds grid I/O engines from configuration.
package gridio

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/factory"
	"github.com/kilianp07/wqforecast/core/grid"
	"github.com/kilianp07/wqforecast/infra/gridio/netcdf"
	"github.com/kilianp07/wqforecast/infra/gridio/zarr"
)

var registry = factory.NewRegistry[grid.Engine]()

func init() {
	_ = registry.Register(netcdf.Name, func(map[string]any) (grid.Engine, error) {
		return netcdf.New(), nil
	})
	_ = registry.Register(zarr.Name, func(conf map[string]any) (grid.Engine, error) {
		var c zarr.Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return zarr.New(c)
	})
}

// Register adds an engine factory.
func Register(name string, f factory.Factory[grid.Engine]) error {
	return registry.Register(name, f)
}

// Engines lists the registered engine names.
func Engines() []string { return registry.Names() }

// New builds the named engine. Unknown names and invalid settings are
// configuration errors.
func New(name string, conf map[string]any) (grid.Engine, error) {
	e, err := registry.Create(factory.ModuleConfig{Type: name, Conf: conf})
	if err != nil {
		return nil, errdefs.Configuration("engine %s: %w", name, err)
	}
	return e, nil
}

// Auto picks the engine for path: ".zarr" stores use zarr, ".nc" files
// netcdf unless another file engine is configured, anything else the
// configured engine.
func Auto(path, configured string) string {
	switch strings.ToLower(filepath.Ext(strings.TrimRight(path, "/"))) {
	case ".zarr":
		return zarr.Name
	case ".nc":
		if configured == zarr.Name || configured == "" {
			return netcdf.Name
		}
		return configured
	}
	if configured == "" {
		return netcdf.Name
	}
	return configured
}

// Resolve builds the engine for path, honouring Auto.
func Resolve(path, configured string, conf map[string]any) (grid.Engine, error) {
	name := Auto(path, configured)
	if !registry.Has(name) {
		return nil, errdefs.Configuration("unknown engine %q for %s (known: %v)", name, path, Engines())
	}
	e, err := New(name, conf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return e, nil
}
