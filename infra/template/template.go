// Package template loads the attribute template applied to forecast
// datasets.
package template

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/wqforecast/core/dataset"
	"github.com/kilianp07/wqforecast/core/errdefs"
)

//go:embed cf.yaml
var defaultTemplate []byte

// Acknowledgement texts for the data sources of the training set.
const (
	Copernicus = "Contains modified Copernicus Service information 2016, 2017, 2018, 2019, 2020. "
	OSPAR      = "Contains unpublished chlorophyll concentration data provided by the OSPAR Commission " +
		"2016, 2017, 2018, 2019, 2020. Public OSPAR data are available at OSPAR Data and Information " +
		"Management System, https://odims.ospar.org/."
)

// Default returns the embedded CF template.
func Default() (dataset.Template, error) { return Parse(defaultTemplate) }

// Load reads the template at path, or the embedded one when path is empty.
func Load(path string) (dataset.Template, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return dataset.Template{}, errdefs.Configuration("template: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return dataset.Template{}, errdefs.Configuration("template %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a YAML template.
func Parse(data []byte) (dataset.Template, error) {
	var t dataset.Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return dataset.Template{}, fmt.Errorf("decode template: %w", err)
	}
	if t.Global == nil {
		t.Global = map[string]any{}
	}
	if t.Variables == nil {
		t.Variables = map[string]map[string]any{}
	}
	return t, nil
}

// Acknowledge appends the selected acknowledgements to the global
// attributes of t.
func Acknowledge(t dataset.Template, copernicus, ospar bool) dataset.Template {
	var b strings.Builder
	if s, ok := t.Global["acknowledgements"].(string); ok {
		b.WriteString(s)
	}
	if copernicus {
		b.WriteString(Copernicus)
	}
	if ospar {
		b.WriteString(OSPAR)
	}
	if b.Len() == 0 {
		delete(t.Global, "acknowledgements")
		return t
	}
	t.Global["acknowledgements"] = strings.TrimSpace(b.String())
	return t
}
