package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// predictor evaluates one row of x per output value.
type predictor interface {
	predict(x *mat.Dense, out []float64)
}

func newPredictor(d Definition, nFeatures int) (predictor, error) {
	switch d.Kind {
	case KindLinear:
		if d.Linear == nil {
			return nil, fmt.Errorf("linear model has no linear section")
		}
		if len(d.Linear.Weights) != nFeatures {
			return nil, fmt.Errorf("linear model has %d weights for %d features", len(d.Linear.Weights), nFeatures)
		}
		return &linear{
			intercept: d.Linear.Intercept,
			weights:   mat.NewVecDense(nFeatures, append([]float64(nil), d.Linear.Weights...)),
		}, nil
	case KindGBTree:
		if d.GBTree == nil || len(d.GBTree.Trees) == 0 {
			return nil, fmt.Errorf("gbtree model has no trees")
		}
		for i, t := range d.GBTree.Trees {
			if err := t.validate(nFeatures); err != nil {
				return nil, fmt.Errorf("tree %d: %w", i, err)
			}
		}
		return &ensemble{base: d.GBTree.BaseScore, trees: d.GBTree.Trees}, nil
	}
	return nil, fmt.Errorf("unknown model kind %q", d.Kind)
}

type linear struct {
	intercept float64
	weights   *mat.VecDense
}

// Rows are evaluated one at a time so that a pixel's value never depends on
// the batch it was evaluated in.
func (l *linear) predict(x *mat.Dense, out []float64) {
	rows, _ := x.Dims()
	for i := 0; i < rows; i++ {
		out[i] = l.intercept + mat.Dot(x.RowView(i), l.weights)
	}
}

type ensemble struct {
	base  float64
	trees []Tree
}

func (e *ensemble) predict(x *mat.Dense, out []float64) {
	rows, _ := x.Dims()
	for i := 0; i < rows; i++ {
		row := x.RawRowView(i)
		v := e.base
		for t := range e.trees {
			v += e.trees[t].eval(row)
		}
		out[i] = v
	}
}

func (t *Tree) eval(row []float64) float64 {
	n := 0
	for t.LeftChildren[n] != -1 {
		v := row[t.SplitIndices[n]]
		switch {
		case math.IsNaN(v):
			if t.DefaultLeft[n] {
				n = t.LeftChildren[n]
			} else {
				n = t.RightChildren[n]
			}
		case v < t.SplitConditions[n]:
			n = t.LeftChildren[n]
		default:
			n = t.RightChildren[n]
		}
	}
	return t.SplitConditions[n]
}

func (t *Tree) validate(nFeatures int) error {
	n := len(t.LeftChildren)
	if n == 0 {
		return fmt.Errorf("empty tree")
	}
	if len(t.RightChildren) != n || len(t.SplitIndices) != n || len(t.SplitConditions) != n || len(t.DefaultLeft) != n {
		return fmt.Errorf("node arrays differ in length")
	}
	for i := 0; i < n; i++ {
		l, r := t.LeftChildren[i], t.RightChildren[i]
		if l == -1 {
			continue
		}
		// Children always follow their parent, which rules out cycles.
		if l <= i || r <= i || l >= n || r >= n {
			return fmt.Errorf("node %d has invalid children %d, %d", i, l, r)
		}
		if s := t.SplitIndices[i]; s < 0 || s >= nFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, s, nFeatures)
		}
	}
	return nil
}
