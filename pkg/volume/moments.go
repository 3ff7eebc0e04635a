package volume

import (
	"fmt"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"warpreg/internal/models"
	"warpreg/pkg/xform"
)

// CenterOfMass returns the intensity weighted centroid of the crop region.
// Intensities are shifted so that the minimum has zero weight; a constant
// volume yields the geometric center of the crop region.
func CenterOfMass(v *models.Volume) r3.Vector {
	region := v.CropRegion()
	min, _ := v.Range()
	var sum r3.Vector
	var mass float64
	for z := region.From[2]; z < region.To[2]; z++ {
		for y := region.From[1]; y < region.To[1]; y++ {
			for x := region.From[0]; x < region.To[0]; x++ {
				w := v.At(x, y, z) - min
				if w <= 0 {
					continue
				}
				sum = sum.Add(v.Position(x, y, z).Mul(w))
				mass += w
			}
		}
	}
	if mass == 0 {
		return v.CropCenter()
	}
	return sum.Mul(1 / mass)
}

// PrincipalAxes returns the intensity weighted centroid of the crop region,
// a right-handed rotation whose columns are the principal axes ordered by
// decreasing second moment, and the moments themselves.
func PrincipalAxes(v *models.Volume) (r3.Vector, xform.Matrix3, [3]float64, error) {
	region := v.CropRegion()
	min, _ := v.Range()

	var rows []float64
	var weights []float64
	for z := region.From[2]; z < region.To[2]; z++ {
		for y := region.From[1]; y < region.To[1]; y++ {
			for x := region.From[0]; x < region.To[0]; x++ {
				w := v.At(x, y, z) - min
				if w <= 0 {
					continue
				}
				p := v.Position(x, y, z)
				rows = append(rows, p.X, p.Y, p.Z)
				weights = append(weights, w)
			}
		}
	}
	if len(weights) < 4 {
		return r3.Vector{}, xform.Matrix3{}, [3]float64{}, fmt.Errorf("principal axes need at least 4 non-background voxels, have %d", len(weights))
	}

	points := mat.NewDense(len(weights), 3, rows)
	center := r3.Vector{
		X: stat.Mean(mat.Col(nil, 0, points), weights),
		Y: stat.Mean(mat.Col(nil, 1, points), weights),
		Z: stat.Mean(mat.Col(nil, 2, points), weights),
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, points, weights)

	var eig mat.EigenSym
	if ok := eig.Factorize(&cov, true); !ok {
		return r3.Vector{}, xform.Matrix3{}, [3]float64{}, fmt.Errorf("eigen decomposition of the covariance failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	order := []int{0, 1, 2}
	sort.Slice(order, func(i, j int) bool { return values[order[i]] > values[order[j]] })

	var axes xform.Matrix3
	var moments [3]float64
	for col, src := range order {
		moments[col] = values[src]
		for row := 0; row < 3; row++ {
			axes[row][col] = vectors.At(row, src)
		}
	}
	if axes.Det() < 0 {
		for row := 0; row < 3; row++ {
			axes[row][2] = -axes[row][2]
		}
	}
	return center, axes, moments, nil
}
