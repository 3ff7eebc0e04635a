// Package volume holds the image-side operations of the registration
// engine: sampling, resampling for the resolution pyramid, reformatting
// through a transformation, moments and histogram matching.
package volume

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"

	"warpreg/internal/models"
)

// Interpolation selects how a volume is sampled between grid points.
type Interpolation int

const (
	Linear Interpolation = iota
	NearestNeighbor
)

func (i Interpolation) String() string {
	switch i {
	case Linear:
		return "linear"
	case NearestNeighbor:
		return "nearest"
	}
	return fmt.Sprintf("Interpolation(%d)", int(i))
}

// ParseInterpolation accepts "linear" and "nearest".
func ParseInterpolation(name string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "linear", "trilinear":
		return Linear, nil
	case "nearest", "nn", "nearest-neighbor":
		return NearestNeighbor, nil
	}
	return 0, fmt.Errorf("unknown interpolation %q", name)
}

const gridSlack = 1e-6

// gridCoordinate converts a physical coordinate to a cell index and
// fraction; ok is false outside [0, n-1].
func gridCoordinate(p, delta float64, n int) (int, float64, bool) {
	f := p / delta
	if f < -gridSlack || f > float64(n-1)+gridSlack {
		return 0, 0, false
	}
	i := int(math.Floor(f))
	if i < 0 {
		i = 0
	}
	if i > n-2 {
		i = n - 2
	}
	t := f - float64(i)
	return i, math.Max(0, math.Min(1, t)), true
}

// Probe samples v at physical point p. ok is false outside the grid.
func Probe(v *models.Volume, p r3.Vector, interp Interpolation) (float64, bool) {
	ix, tx, okx := gridCoordinate(p.X, v.VoxelSize.X, v.Width)
	iy, ty, oky := gridCoordinate(p.Y, v.VoxelSize.Y, v.Height)
	iz, tz, okz := gridCoordinate(p.Z, v.VoxelSize.Z, v.Depth)
	if !okx || !oky || !okz {
		return 0, false
	}

	if interp == NearestNeighbor {
		if tx >= 0.5 {
			ix++
		}
		if ty >= 0.5 {
			iy++
		}
		if tz >= 0.5 {
			iz++
		}
		return v.At(ix, iy, iz), true
	}

	base := v.Index(ix, iy, iz)
	nx := 1
	ny := v.Width
	nz := v.Width * v.Height
	d := v.Data
	c00 := d[base]*(1-tx) + d[base+nx]*tx
	c10 := d[base+ny]*(1-tx) + d[base+ny+nx]*tx
	c01 := d[base+nz]*(1-tx) + d[base+nz+nx]*tx
	c11 := d[base+nz+ny]*(1-tx) + d[base+nz+ny+nx]*tx
	c0 := c00*(1-ty) + c10*ty
	c1 := c01*(1-ty) + c11*ty
	return c0*(1-tz) + c1*tz, true
}
