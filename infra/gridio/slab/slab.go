// Package slab copies hyperslabs in and out of row-major arrays and buffers
// the variables of a dataset being written.
package slab

import (
	"fmt"
	"math"
	"sync"
)

// Size returns the number of elements of shape.
func Size(shape []int) int {
	n := 1
	for _, v := range shape {
		n *= v
	}
	return n
}

// Check validates the hyperslab [start, start+count) against shape.
func Check(shape, start, count []int) error {
	if len(start) != len(shape) || len(count) != len(shape) {
		return fmt.Errorf("hyperslab rank %d/%d does not match rank %d", len(start), len(count), len(shape))
	}
	for i := range shape {
		if start[i] < 0 || count[i] < 0 || start[i]+count[i] > shape[i] {
			return fmt.Errorf("hyperslab [%d, %d) out of range on axis %d of length %d", start[i], start[i]+count[i], i, shape[i])
		}
	}
	return nil
}

// Each calls fn with the flat offset in shape of every element of the
// hyperslab, in row-major order.
func Each(shape, start, count []int, fn func(off int)) error {
	if err := Check(shape, start, count); err != nil {
		return err
	}
	if Size(count) == 0 {
		return nil
	}
	if len(shape) == 0 {
		fn(0)
		return nil
	}
	last := len(shape) - 1
	idx := make([]int, len(shape))
	for {
		off := 0
		for i := range shape {
			off = off*shape[i] + start[i] + idx[i]
		}
		// the innermost axis is contiguous
		for j := 0; j < count[last]; j++ {
			fn(off + j)
		}
		i := last - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < count[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return nil
		}
	}
}

// Extract returns the hyperslab of data, an array of the given shape.
func Extract(data []float64, shape, start, count []int) ([]float64, error) {
	if len(data) != Size(shape) {
		return nil, fmt.Errorf("array has %d values, shape %v needs %d", len(data), shape, Size(shape))
	}
	out := make([]float64, 0, Size(count))
	err := Each(shape, start, count, func(off int) { out = append(out, data[off]) })
	return out, err
}

// Insert copies vals into the hyperslab of data.
func Insert(data []float64, shape, start, count []int, vals []float64) error {
	if len(vals) != Size(count) {
		return fmt.Errorf("got %d values for a hyperslab of %d", len(vals), Size(count))
	}
	i := 0
	return Each(shape, start, count, func(off int) {
		data[off] = vals[i]
		i++
	})
}

// Buffer holds the variables of a dataset in memory until they are encoded
// at once. Unwritten elements are NaN.
type Buffer struct {
	mu     sync.Mutex
	shapes map[string][]int
	data   map[string][]float64
}

// NewBuffer allocates one NaN-filled array per variable.
func NewBuffer(shapes map[string][]int) *Buffer {
	b := &Buffer{shapes: shapes, data: make(map[string][]float64, len(shapes))}
	for name, shape := range shapes {
		d := make([]float64, Size(shape))
		for i := range d {
			d[i] = math.NaN()
		}
		b.data[name] = d
	}
	return b
}

// Write stores vals in the hyperslab of variable.
func (b *Buffer) Write(variable string, start, count []int, vals []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	shape, ok := b.shapes[variable]
	if !ok {
		return fmt.Errorf("variable %s is not part of the dataset", variable)
	}
	return Insert(b.data[variable], shape, start, count, vals)
}

// Data returns the buffered values of variable.
func (b *Buffer) Data(variable string) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[variable]
}

// EachIndex calls fn with the index of every element of the hyperslab, in
// row-major order, and stops at the first error. The slice passed to fn is
// reused between calls.
func EachIndex(shape, start, count []int, fn func(idx []int) error) error {
	if err := Check(shape, start, count); err != nil {
		return err
	}
	if Size(count) == 0 {
		return nil
	}
	idx := make([]int, len(shape))
	copy(idx, start)
	for {
		if err := fn(idx); err != nil {
			return err
		}
		i := len(shape) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < start[i]+count[i] {
				break
			}
			idx[i] = start[i]
		}
		if i < 0 {
			return nil
		}
	}
}
