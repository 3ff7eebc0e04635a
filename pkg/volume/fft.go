package volume

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/dsp/fourier"

	"warpreg/internal/models"
)

const (
	// maxCorrelationGrid bounds the samples per axis before zero padding.
	maxCorrelationGrid = 64
	taperFraction      = 0.25
)

// correlationGrid is a zero padded complex volume on an isotropic grid.
type correlationGrid struct {
	dims  [3]int
	delta float64
	data  []complex128
}

func newCorrelationGrid(dims [3]int, delta float64) *correlationGrid {
	return &correlationGrid{dims: dims, delta: delta, data: make([]complex128, dims[0]*dims[1]*dims[2])}
}

func (g *correlationGrid) index(x, y, z int) int {
	return x + g.dims[0]*(y+g.dims[1]*z)
}

// fill samples v at the grid points it covers, tapered towards the volume
// borders so they do not correlate; the padding stays zero.
func (g *correlationGrid) fill(v *models.Volume) {
	size := v.Size()
	extent := [3]int{
		min(int(size.X/g.delta)+1, g.dims[0]),
		min(int(size.Y/g.delta)+1, g.dims[1]),
		min(int(size.Z/g.delta)+1, g.dims[2]),
	}
	window := [3][]float64{tukey(extent[0]), tukey(extent[1]), tukey(extent[2])}
	for z := 0; z < extent[2]; z++ {
		for y := 0; y < extent[1]; y++ {
			for x := 0; x < extent[0]; x++ {
				p := r3.Vector{X: float64(x) * g.delta, Y: float64(y) * g.delta, Z: float64(z) * g.delta}
				if value, ok := Probe(v, p, Linear); ok {
					w := window[0][x] * window[1][y] * window[2][z]
					g.data[g.index(x, y, z)] = complex(value*w, 0)
				}
			}
		}
	}
}

// tukey returns a window that is flat over its middle and tapers with a
// cosine over the outer taperFraction/2 of samples at each end.
func tukey(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	if n < 3 {
		return w
	}
	for i := range w {
		r := float64(i) / float64(n-1)
		if r > 0.5 {
			r = 1 - r
		}
		if r < taperFraction/2 {
			w[i] = 0.5 * (1 - math.Cos(2*math.Pi*r/taperFraction))
		}
	}
	return w
}

// transform runs a complex FFT along every axis in place. inverse selects
// the unnormalized backward transform.
func (g *correlationGrid) transform(inverse bool) {
	for axis := 0; axis < 3; axis++ {
		n := g.dims[axis]
		fft := fourier.NewCmplxFFT(n)
		line := make([]complex128, n)
		out := make([]complex128, n)
		stride := [3]int{1, g.dims[0], g.dims[0] * g.dims[1]}[axis]

		// Iterate over all lines parallel to axis.
		a, b := (axis+1)%3, (axis+2)%3
		for j := 0; j < g.dims[b]; j++ {
			for i := 0; i < g.dims[a]; i++ {
				var pos [3]int
				pos[a], pos[b] = i, j
				start := g.index(pos[0], pos[1], pos[2])
				for k := 0; k < n; k++ {
					line[k] = g.data[start+k*stride]
				}
				if inverse {
					fft.Sequence(out, line)
				} else {
					fft.Coefficients(out, line)
				}
				for k := 0; k < n; k++ {
					g.data[start+k*stride] = out[k]
				}
			}
		}
	}
}

// PhaseCorrelation estimates the translation t for which flt(p + t)
// matches ref(p), by locating the peak of the normalized cross power
// spectrum of both volumes on a common zero padded grid. The returned
// peak height lies in [0,1]; values near zero mean no clear match.
func PhaseCorrelation(ref, flt *models.Volume) (r3.Vector, float64, error) {
	if ref.NumberOfPixels() == 0 || flt.NumberOfPixels() == 0 {
		return r3.Vector{}, 0, fmt.Errorf("phase correlation needs non-empty volumes")
	}
	refSize, fltSize := ref.Size(), flt.Size()
	extent := [3]float64{
		math.Max(refSize.X, fltSize.X),
		math.Max(refSize.Y, fltSize.Y),
		math.Max(refSize.Z, fltSize.Z),
	}
	delta := math.Max(maxDelta(ref), maxDelta(flt))
	for _, e := range extent {
		delta = math.Max(delta, e/(maxCorrelationGrid-1))
	}

	var dims [3]int
	for axis, e := range extent {
		dims[axis] = 2 * (int(math.Ceil(e/delta)) + 1)
	}

	fixed := newCorrelationGrid(dims, delta)
	fixed.fill(ref)
	moving := newCorrelationGrid(dims, delta)
	moving.fill(flt)
	fixed.transform(false)
	moving.transform(false)

	// Bins far below the strongest carry only rounding noise in their phase.
	var strongest float64
	for i := range moving.data {
		moving.data[i] *= cmplx.Conj(fixed.data[i])
		strongest = math.Max(strongest, cmplx.Abs(moving.data[i]))
	}
	cutoff := 1e-10 * strongest
	for i, cross := range moving.data {
		if mag := cmplx.Abs(cross); mag > cutoff && mag > 0 {
			moving.data[i] = cross / complex(mag, 0)
		} else {
			moving.data[i] = 0
		}
	}
	moving.transform(true)

	best, peak := 0, math.Inf(-1)
	for i, c := range moving.data {
		if real(c) > peak {
			best, peak = i, real(c)
		}
	}
	x := best % dims[0]
	y := (best / dims[0]) % dims[1]
	z := best / (dims[0] * dims[1])
	shift := [3]float64{
		moving.refinePeak(x, y, z, 0),
		moving.refinePeak(x, y, z, 1),
		moving.refinePeak(x, y, z, 2),
	}
	n := float64(len(moving.data))
	return r3.Vector{X: shift[0] * delta, Y: shift[1] * delta, Z: shift[2] * delta}, peak / n, nil
}

// refinePeak returns the signed peak offset along axis with a parabolic
// sub-voxel correction from the two circular neighbours.
func (g *correlationGrid) refinePeak(x, y, z, axis int) float64 {
	pos := [3]int{x, y, z}
	n := g.dims[axis]
	at := func(k int) float64 {
		p := pos
		p[axis] = (k + n) % n
		return real(g.data[g.index(p[0], p[1], p[2])])
	}
	k := pos[axis]
	lo, mid, hi := at(k-1), at(k), at(k+1)
	offset := 0.0
	if denom := lo - 2*mid + hi; denom < 0 {
		offset = math.Max(-0.5, math.Min(0.5, 0.5*(lo-hi)/denom))
	}
	signed := float64(k)
	if k > n/2 {
		signed -= float64(n)
	}
	return signed + offset
}

func maxDelta(v *models.Volume) float64 {
	return math.Max(v.VoxelSize.X, math.Max(v.VoxelSize.Y, v.VoxelSize.Z))
}
