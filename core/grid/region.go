package grid

import (
	"fmt"
	"math"

	"github.com/ctessum/sparse"
)

// Shape is the extent of a grid along its three logical axes.
type Shape struct {
	Time, Lat, Lon int
}

// Region is a half-open spatial window [Y0,Y1) x [X0,X1) over (lat, lon).
// The time axis is always read whole.
type Region struct {
	Y0, Y1 int
	X0, X1 int
}

// Full returns the region covering a whole grid.
func Full(s Shape) Region { return Region{Y1: s.Lat, X1: s.Lon} }

func (r Region) Ny() int { return r.Y1 - r.Y0 }
func (r Region) Nx() int { return r.X1 - r.X0 }

// Empty reports whether the region covers no pixel.
func (r Region) Empty() bool { return r.Ny() <= 0 || r.Nx() <= 0 }

// Grow returns r extended by halo pixels on every side, clipped to s.
func (r Region) Grow(halo int, s Shape) Region {
	return Region{
		Y0: max(r.Y0-halo, 0),
		Y1: min(r.Y1+halo, s.Lat),
		X0: max(r.X0-halo, 0),
		X1: min(r.X1+halo, s.Lon),
	}
}

// Intersect returns the overlap of r and o, which may be empty.
func (r Region) Intersect(o Region) Region {
	return Region{
		Y0: max(r.Y0, o.Y0),
		Y1: min(r.Y1, o.Y1),
		X0: max(r.X0, o.X0),
		X1: min(r.X1, o.X1),
	}
}

// Contains reports whether o lies inside r.
func (r Region) Contains(o Region) bool {
	return o.Y0 >= r.Y0 && o.Y1 <= r.Y1 && o.X0 >= r.X0 && o.X1 <= r.X1
}

func (r Region) String() string {
	return fmt.Sprintf("[%d:%d,%d:%d]", r.Y0, r.Y1, r.X0, r.X1)
}

// NewBlock allocates an [n][ny][nx] block filled with NaN.
func NewBlock(n, ny, nx int) *sparse.DenseArray {
	b := sparse.ZerosDense(n, ny, nx)
	for i := range b.Elements {
		b.Elements[i] = math.NaN()
	}
	return b
}

// CopyRegion copies the pixels of src lying in both regions into dst. src
// covers srcRegion and dst covers dstRegion; both blocks share their leading
// dimension.
func CopyRegion(dst *sparse.DenseArray, dstRegion Region, src *sparse.DenseArray, srcRegion Region) {
	ov := dstRegion.Intersect(srcRegion)
	if ov.Empty() {
		return
	}
	n := src.Shape[0]
	sny, snx := src.Shape[1], src.Shape[2]
	dny, dnx := dst.Shape[1], dst.Shape[2]
	for k := 0; k < n; k++ {
		for y := ov.Y0; y < ov.Y1; y++ {
			so := k*sny*snx + (y-srcRegion.Y0)*snx + (ov.X0 - srcRegion.X0)
			do := k*dny*dnx + (y-dstRegion.Y0)*dnx + (ov.X0 - dstRegion.X0)
			copy(dst.Elements[do:do+ov.Nx()], src.Elements[so:so+ov.Nx()])
		}
	}
}

// IsMissing reports whether v is the missing-value sentinel or otherwise
// not a finite number.
func IsMissing(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }
