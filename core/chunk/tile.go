package chunk

import (
	"fmt"

	"github.com/kilianp07/wqforecast/core/grid"
)

// Chunk is one spatial tile of the grid. Index is its (lat, lon) position in
// the chunk grid.
type Chunk struct {
	Index  [2]int
	Region grid.Region
}

func (c Chunk) String() string { return fmt.Sprintf("[%d,%d]", c.Index[0], c.Index[1]) }

// Tile partitions extent into chunks of shape cs in row-major order. Only the
// last chunk along each axis may be smaller than cs.
func Tile(extent grid.Shape, cs Shape) []Chunk {
	if cs.Lat <= 0 || cs.Lon <= 0 {
		return nil
	}
	ny := ceilDiv(extent.Lat, cs.Lat)
	nx := ceilDiv(extent.Lon, cs.Lon)
	out := make([]Chunk, 0, ny*nx)
	for i := 0; i < ny; i++ {
		for j := 0; j < nx; j++ {
			out = append(out, Chunk{
				Index: [2]int{i, j},
				Region: grid.Region{
					Y0: i * cs.Lat, Y1: min((i+1)*cs.Lat, extent.Lat),
					X0: j * cs.Lon, X1: min((j+1)*cs.Lon, extent.Lon),
				},
			})
		}
	}
	return out
}

// Covers checks that chunks tile extent with no gap and no overlap.
func Covers(extent grid.Shape, chunks []Chunk) error {
	seen := make([]bool, extent.Lat*extent.Lon)
	for _, c := range chunks {
		if !grid.Full(extent).Contains(c.Region) || c.Region.Empty() {
			return fmt.Errorf("chunk %s region %s lies outside the grid", c, c.Region)
		}
		for y := c.Region.Y0; y < c.Region.Y1; y++ {
			for x := c.Region.X0; x < c.Region.X1; x++ {
				i := y*extent.Lon + x
				if seen[i] {
					return fmt.Errorf("chunk %s overlaps pixel (%d,%d)", c, y, x)
				}
				seen[i] = true
			}
		}
	}
	for i, ok := range seen {
		if !ok {
			return fmt.Errorf("pixel (%d,%d) is not covered", i/extent.Lon, i%extent.Lon)
		}
	}
	return nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
