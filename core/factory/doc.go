// Package factory provides a small generic registry used to instantiate modules
// from configuration. Modules are defined by a type string and a map of raw
// settings. Factories decode the settings into typed structs and return the
// concrete implementation. Grid I/O engines and metrics sinks are both built
// through it.
//
// Example usage:
//
//	reg := factory.NewRegistry[grid.Engine]()
//	reg.Register("zarr", func(conf map[string]any) (grid.Engine, error) {
//	    var c struct{ Level int `json:"compression_level"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return zarr.New(c.Level), nil
//	})
//	eng, err := reg.Create(factory.ModuleConfig{Type: "zarr", Conf: map[string]any{"compression_level": 1}})
package factory
