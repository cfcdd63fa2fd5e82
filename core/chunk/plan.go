// Package chunk decides how the spatial axes of a grid are partitioned into
// independent units of work.
package chunk

import (
	"fmt"
	"strconv"

	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/grid"
)

const (
	// Full requests a single chunk spanning the axis.
	Full = -1
	// Native requests the storage chunk size of the source.
	Native = 0
)

// Request is a requested chunk size for one axis. The zero value inherits
// the source's storage chunking.
type Request struct {
	size int
	set  bool
}

// Inherit returns the unset request.
func Inherit() Request { return Request{} }

// Size returns a request for n: Full, Native or a positive size.
func Size(n int) Request { return Request{size: n, set: true} }

// FromPtr converts an optional size, as decoded from configuration.
func FromPtr(n *int) Request {
	if n == nil {
		return Inherit()
	}
	return Size(*n)
}

// IsSet reports whether a size was given.
func (r Request) IsSet() bool { return r.set }

// Value returns the requested size; meaningless when unset.
func (r Request) Value() int { return r.size }

func (r Request) String() string {
	if !r.set {
		return "inherit"
	}
	switch r.size {
	case Full:
		return "full"
	case Native:
		return "native"
	}
	return strconv.Itoa(r.size)
}

// Validate rejects sizes below Full.
func (r Request) Validate() error {
	if r.set && r.size < Full {
		return errdefs.Configuration("chunk size %d is invalid: use -1 (full axis), 0 (source chunking) or a positive size", r.size)
	}
	return nil
}

// Shape is a planned chunk extent along lat and lon.
type Shape struct {
	Lat, Lon int
}

func (s Shape) String() string { return fmt.Sprintf("%dx%d", s.Lat, s.Lon) }

// Plan derives the chunk shape for a grid of the given extent. native holds
// the storage chunk sizes of the source, zero when unchunked.
func Plan(native Shape, extent grid.Shape, lat, lon Request) (Shape, error) {
	cy, err := planAxis(grid.DimLat, native.Lat, extent.Lat, lat)
	if err != nil {
		return Shape{}, err
	}
	cx, err := planAxis(grid.DimLon, native.Lon, extent.Lon, lon)
	if err != nil {
		return Shape{}, err
	}
	return Shape{Lat: cy, Lon: cx}, nil
}

func planAxis(axis string, native, length int, r Request) (int, error) {
	if err := r.Validate(); err != nil {
		return 0, fmt.Errorf("%s: %w", axis, err)
	}
	if length <= 0 {
		return 0, errdefs.GraphConstruction("%s axis is empty", axis)
	}
	size := r.size
	if !r.set || size == Native {
		size = native
	}
	if size == Full || size <= 0 || size > length {
		size = length
	}
	return size, nil
}
