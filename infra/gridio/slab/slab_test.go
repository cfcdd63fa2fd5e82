package slab

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func TestExtract(t *testing.T) {
	data := seq(2 * 3 * 4)
	got, err := Extract(data, []int{2, 3, 4}, []int{1, 1, 2}, []int{1, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{18, 19, 22, 23}, got)

	got, err = Extract(data, []int{2, 3, 4}, []int{0, 0, 0}, []int{2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = Extract(data, []int{2, 3, 4}, []int{0, 2, 0}, []int{1, 2, 1})
	assert.Error(t, err)
	_, err = Extract(data, []int{2, 3}, []int{0, 0}, []int{1, 1})
	assert.Error(t, err)
}

func TestEmptyAndScalar(t *testing.T) {
	calls := 0
	require.NoError(t, Each([]int{3, 3}, []int{1, 1}, []int{0, 2}, func(int) { calls++ }))
	assert.Zero(t, calls)
	require.NoError(t, Each(nil, nil, nil, func(int) { calls++ }))
	assert.Equal(t, 1, calls)
}

func TestBuffer(t *testing.T) {
	b := NewBuffer(map[string][]int{"chl": {2, 2, 2}})
	require.NoError(t, b.Write("chl", []int{0, 1, 0}, []int{2, 1, 2}, []float64{1, 2, 3, 4}))
	d := b.Data("chl")
	assert.True(t, math.IsNaN(d[0]))
	assert.Equal(t, []float64{1, 2}, d[2:4])
	assert.Equal(t, []float64{3, 4}, d[6:8])

	assert.Error(t, b.Write("sst", []int{0}, []int{1}, []float64{1}))
	assert.Error(t, b.Write("chl", []int{0, 0, 0}, []int{1, 1, 1}, []float64{1, 2}))
}

func TestEachIndex(t *testing.T) {
	var got [][]int
	err := EachIndex([]int{3, 4}, []int{1, 2}, []int{2, 2}, func(idx []int) error {
		got = append(got, append([]int(nil), idx...))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}, {1, 3}, {2, 2}, {2, 3}}, got)

	calls := 0
	err = EachIndex([]int{5}, []int{0}, []int{5}, func([]int) error {
		calls++
		if calls == 2 {
			return assert.AnError
		}
		return nil
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, calls)
}
