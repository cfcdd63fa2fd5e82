package model

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// DefaultPreset is the alias resolved to the registry's default model.
const DefaultPreset = "default"

type registry struct {
	Default string            `yaml:"default"`
	Presets map[string]string `yaml:"presets"`
}

var loadRegistry = sync.OnceValues(func() (registry, error) {
	data, err := presetFS.ReadFile("presets/registry.yaml")
	if err != nil {
		return registry{}, err
	}
	var r registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return registry{}, fmt.Errorf("decode preset registry: %w", err)
	}
	if _, ok := r.Presets[r.Default]; !ok {
		return registry{}, fmt.Errorf("default preset %q is not registered", r.Default)
	}
	return r, nil
})

// Presets returns the registered preset names in sorted order and the name
// the "default" alias resolves to.
func Presets() (names []string, def string, err error) {
	r, err := loadRegistry()
	if err != nil {
		return nil, "", err
	}
	for n := range r.Presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, r.Default, nil
}

// preset returns the definition document of a preset, if id names one.
func preset(id string) (name string, data []byte, ok bool, err error) {
	r, err := loadRegistry()
	if err != nil {
		return "", nil, false, err
	}
	if id == DefaultPreset {
		id = r.Default
	}
	file, found := r.Presets[id]
	if !found {
		return "", nil, false, nil
	}
	data, err = presetFS.ReadFile(path.Join("presets", file))
	if err != nil {
		return "", nil, false, err
	}
	return id, data, true, nil
}
