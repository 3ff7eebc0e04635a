package volume

import (
	"math"

	"warpreg/internal/models"
	"warpreg/pkg/parallel"
	"warpreg/pkg/xform"
)

// Resample returns v on a grid with voxel size resolution along every axis
// that is currently finer than resolution. Each output voxel is the mean of
// the input voxels inside its box, which acts as the anti-aliasing filter
// of the pyramid. Axes that are already coarser keep their sampling.
func Resample(v *models.Volume, resolution float64, pool *parallel.Pool) *models.Volume {
	if pool == nil {
		pool = parallel.Default()
	}
	dims := v.Dims()
	delta := v.Delta()
	size := [3]float64{v.Size().X, v.Size().Y, v.Size().Z}

	var outDims [3]int
	var outDelta [3]float64
	for axis := 0; axis < 3; axis++ {
		if resolution <= delta[axis] {
			outDims[axis] = dims[axis]
			outDelta[axis] = delta[axis]
			continue
		}
		outDims[axis] = max(2, 1+int(size[axis]/resolution))
		outDelta[axis] = resolution
	}

	out := models.NewVolume(outDims[0], outDims[1], outDims[2],
		models.VoxelSize{X: outDelta[0], Y: outDelta[1], Z: outDelta[2]})
	for k, val := range v.Meta {
		out.Meta[k] = val
	}

	// Per axis and output index, the input index range averaged into it.
	var from, to [3][]int
	for axis := 0; axis < 3; axis++ {
		from[axis] = make([]int, outDims[axis])
		to[axis] = make([]int, outDims[axis])
		for i := 0; i < outDims[axis]; i++ {
			if outDelta[axis] == delta[axis] {
				from[axis][i], to[axis][i] = i, i+1
				continue
			}
			center := float64(i) * outDelta[axis]
			half := 0.5 * outDelta[axis]
			lo := int(math.Ceil((center - half) / delta[axis]))
			hi := int(math.Floor((center+half)/delta[axis])) + 1
			lo = max(0, lo)
			hi = min(dims[axis], hi)
			if hi <= lo {
				lo = min(dims[axis]-1, int(math.Round(center/delta[axis])))
				hi = lo + 1
			}
			from[axis][i], to[axis][i] = lo, hi
		}
	}

	pool.Run(outDims[2], func(z, _, _, _ int) {
		for y := 0; y < outDims[1]; y++ {
			for x := 0; x < outDims[0]; x++ {
				var sum float64
				var n int
				for zz := from[2][z]; zz < to[2][z]; zz++ {
					for yy := from[1][y]; yy < to[1][y]; yy++ {
						for xx := from[0][x]; xx < to[0][x]; xx++ {
							sum += v.At(xx, yy, zz)
							n++
						}
					}
				}
				out.Set(x, y, z, sum/float64(n))
			}
		}
	})

	if !v.Crop.Empty() {
		for axis := 0; axis < 3; axis++ {
			scale := delta[axis] / outDelta[axis]
			out.Crop.From[axis] = int(float64(v.Crop.From[axis]) * scale)
			out.Crop.To[axis] = min(outDims[axis], int(math.Ceil(float64(v.Crop.To[axis])*scale)))
		}
	}
	return out
}

// Reformat resamples flt onto the grid of ref through x: output voxel p
// takes the value of flt at x(p), or padding where x(p) falls outside flt.
func Reformat(ref, flt *models.Volume, x xform.Xform, interp Interpolation, padding float64, pool *parallel.Pool) *models.Volume {
	if pool == nil {
		pool = parallel.Default()
	}
	out := models.NewVolume(ref.Width, ref.Height, ref.Depth, ref.VoxelSize)
	out.Crop = ref.Crop
	pool.Run(ref.Depth, func(z, _, _, _ int) {
		for y := 0; y < ref.Height; y++ {
			for xi := 0; xi < ref.Width; xi++ {
				p := x.Apply(ref.Position(xi, y, z))
				value, ok := Probe(flt, p, interp)
				if !ok {
					value = padding
				}
				out.Set(xi, y, z, value)
			}
		}
	})
	return out
}

// JacobianMap returns a volume on the grid of ref holding the Jacobian
// determinant of x at every voxel.
func JacobianMap(ref *models.Volume, x xform.Xform, pool *parallel.Pool) *models.Volume {
	if pool == nil {
		pool = parallel.Default()
	}
	out := models.NewVolume(ref.Width, ref.Height, ref.Depth, ref.VoxelSize)
	pool.Run(ref.Depth, func(z, _, _, _ int) {
		for y := 0; y < ref.Height; y++ {
			for xi := 0; xi < ref.Width; xi++ {
				out.Set(xi, y, z, x.JacobianDeterminant(ref.Position(xi, y, z)))
			}
		}
	})
	return out
}
