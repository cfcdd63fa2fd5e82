// Package filter implements the lateral smoothing applied to forecasts.
package filter

import (
	"math"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"

	"github.com/kilianp07/wqforecast/core/grid"
)

// truncate is the kernel support in standard deviations.
const truncate = 4.0

// Gaussian is a separable lateral Gaussian filter that ignores missing
// values: each output pixel is the kernel-weighted mean of the valid pixels
// around it, and missing pixels stay missing.
type Gaussian struct {
	sigma  float64
	kernel []float64
}

// NewGaussian returns a filter with the given full width at half maximum,
// in pixels. A width of zero or less yields the identity filter.
func NewGaussian(fwhm float64) Gaussian {
	if fwhm <= 0 || math.IsNaN(fwhm) {
		return Gaussian{kernel: []float64{1}}
	}
	sigma := fwhm / (2 * math.Sqrt(2*math.Ln2))
	r := int(truncate*sigma + 0.5)
	k := make([]float64, 2*r+1)
	for i := -r; i <= r; i++ {
		k[i+r] = math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return Gaussian{sigma: sigma, kernel: k}
}

// Radius is the number of pixels the filter reads on each side of a pixel.
func (g Gaussian) Radius() int { return len(g.kernel) / 2 }

// Sigma is the kernel standard deviation in pixels.
func (g Gaussian) Sigma() float64 { return g.sigma }

// Identity reports whether the filter leaves data unchanged.
func (g Gaussian) Identity() bool { return g.Radius() == 0 }

// Apply returns the filtered copy of an [n][ny][nx] block. Every leading
// index is filtered independently. Pixels outside the block count as
// missing, so filtering a block that includes a halo of at least Radius
// pixels gives the interior the same values as filtering the whole grid.
func (g Gaussian) Apply(in *sparse.DenseArray) *sparse.DenseArray {
	out := sparse.ZerosDense(in.Shape...)
	copy(out.Elements, in.Elements)
	if g.Identity() {
		return out
	}
	n, ny, nx := in.Shape[0], in.Shape[1], in.Shape[2]
	plane := ny * nx
	r := g.Radius()
	vals := make([]float64, plane)
	wts := make([]float64, plane)
	tv := make([]float64, plane)
	tw := make([]float64, plane)
	for k := 0; k < n; k++ {
		src := in.Elements[k*plane : (k+1)*plane]
		for i, v := range src {
			if grid.IsMissing(v) {
				vals[i], wts[i] = 0, 0
			} else {
				vals[i], wts[i] = v, 1
			}
		}
		// Along lon.
		for y := 0; y < ny; y++ {
			row := y * nx
			for x := 0; x < nx; x++ {
				var sv, sw float64
				for d := max(-r, -x); d <= min(r, nx-1-x); d++ {
					c := g.kernel[d+r]
					sv += c * vals[row+x+d]
					sw += c * wts[row+x+d]
				}
				tv[row+x], tw[row+x] = sv, sw
			}
		}
		// Along lat.
		dst := out.Elements[k*plane : (k+1)*plane]
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				i := y*nx + x
				if wts[i] == 0 {
					dst[i] = math.NaN()
					continue
				}
				var sv, sw float64
				for d := max(-r, -y); d <= min(r, ny-1-y); d++ {
					c := g.kernel[d+r]
					sv += c * tv[i+d*nx]
					sw += c * tw[i+d*nx]
				}
				dst[i] = sv / sw
			}
		}
	}
	return out
}

// Apply filters block with the width fwhm. A nil or zero width returns the
// block unchanged.
func Apply(block *sparse.DenseArray, fwhm *float64) *sparse.DenseArray {
	if fwhm == nil || *fwhm == 0 {
		return block
	}
	return NewGaussian(*fwhm).Apply(block)
}
