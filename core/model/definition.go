package model

import (
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	KindLinear = "linear"
	KindGBTree = "gbtree"
)

// Definition is the on-disk description of a pretrained model. YAML and JSON
// are both accepted.
type Definition struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Target is the forecast variable, "chl" when empty.
	Target     string `yaml:"target"`
	MaxHorizon int    `yaml:"max_horizon"`
	// NonNegative clips predictions at zero.
	NonNegative bool `yaml:"non_negative"`
	// Features are named "t-<lag>_<variable>" for past steps and
	// "<variable>" for the forecast step itself.
	Features []string      `yaml:"features"`
	Linear   *LinearParams `yaml:"linear,omitempty"`
	GBTree   *TreeEnsemble `yaml:"gbtree,omitempty"`
}

// LinearParams are the coefficients of a linear model.
type LinearParams struct {
	Intercept float64   `yaml:"intercept"`
	Weights   []float64 `yaml:"weights"`
}

// TreeEnsemble is a boosted tree ensemble in the array layout of an XGBoost
// JSON dump. Leaves are nodes whose left child is -1 and carry their value
// in SplitConditions.
type TreeEnsemble struct {
	BaseScore float64 `yaml:"base_score"`
	Trees     []Tree  `yaml:"trees"`
}

// Tree is one regression tree.
type Tree struct {
	SplitIndices    []int     `yaml:"split_indices"`
	SplitConditions []float64 `yaml:"split_conditions"`
	LeftChildren    []int     `yaml:"left_children"`
	RightChildren   []int     `yaml:"right_children"`
	DefaultLeft     []bool    `yaml:"default_left"`
}

// ParseDefinition decodes a model definition document.
func ParseDefinition(data []byte) (Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("decode model definition: %w", err)
	}
	if d.Target == "" {
		d.Target = "chl"
	}
	return d, nil
}

// feature is a resolved model input: a variable sampled lag steps from the
// step being predicted.
type feature struct {
	name string
	v    int
	lag  int
}

var lagged = regexp.MustCompile(`^t-(\d+)_(.+)$`)

func parseFeature(name string) (variable string, lag int, err error) {
	if m := lagged.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n == 0 {
			return "", 0, fmt.Errorf("feature %q has an invalid lag", name)
		}
		return m[2], -n, nil
	}
	if name == "" {
		return "", 0, fmt.Errorf("empty feature name")
	}
	return name, 0, nil
}

// resolveFeatures maps feature names to variable indices with the target at
// index 0. It returns the variables and the lookback.
func (d Definition) resolveFeatures() ([]feature, []string, int, error) {
	if len(d.Features) == 0 {
		return nil, nil, 0, fmt.Errorf("model declares no features")
	}
	vars := []string{d.Target}
	index := map[string]int{d.Target: 0}
	feats := make([]feature, 0, len(d.Features))
	lookback := 0
	for _, name := range d.Features {
		v, lag, err := parseFeature(name)
		if err != nil {
			return nil, nil, 0, err
		}
		if v == d.Target && lag == 0 {
			return nil, nil, 0, fmt.Errorf("feature %q reads the target at the step being forecast", name)
		}
		i, ok := index[v]
		if !ok {
			i = len(vars)
			index[v] = i
			vars = append(vars, v)
		}
		feats = append(feats, feature{name: name, v: i, lag: lag})
		lookback = max(lookback, -lag)
	}
	if lookback == 0 {
		return nil, nil, 0, fmt.Errorf("model reads no past value of %s", d.Target)
	}
	return feats, vars, lookback, nil
}
