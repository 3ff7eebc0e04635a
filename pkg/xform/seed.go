package xform

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"

	"warpreg/internal/models"
)

// controlPointImage is a control point position together with its image
// under the warp. Tree lookups compare images.
type controlPointImage struct {
	pos, image r3.Vector
}

func (p controlPointImage) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(controlPointImage)
	switch d {
	case 0:
		return p.image.X - q.image.X
	case 1:
		return p.image.Y - q.image.Y
	case 2:
		return p.image.Z - q.image.Z
	default:
		panic("illegal dimension")
	}
}

func (p controlPointImage) Dims() int { return 3 }

// Distance returns the squared distance between the two images.
func (p controlPointImage) Distance(c kdtree.Comparable) float64 {
	return p.image.Sub(c.(controlPointImage).image).Norm2()
}

type controlPointImages []controlPointImage

func (p controlPointImages) Index(i int) kdtree.Comparable { return p[i] }
func (p controlPointImages) Len() int { return len(p) }
func (p controlPointImages) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p controlPointImages) Pivot(d kdtree.Dim) int {
	plane := imagePlane{controlPointImages: p, Dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfRandoms(plane, 100))
}

// imagePlane sorts images along one axis for kdtree partitioning.
type imagePlane struct {
	controlPointImages
	kdtree.Dim
}

func (p imagePlane) Less(i, j int) bool {
	a, b := p.controlPointImages[i].image, p.controlPointImages[j].image
	switch p.Dim {
	case 0:
		return a.X < b.X
	case 1:
		return a.Y < b.Y
	case 2:
		return a.Z < b.Z
	default:
		panic("illegal dimension")
	}
}

func (p imagePlane) Slice(start, end int) kdtree.SortSlicer {
	return imagePlane{controlPointImages: p.controlPointImages[start:end], Dim: p.Dim}
}

func (p imagePlane) Swap(i, j int) {
	p.controlPointImages[i], p.controlPointImages[j] = p.controlPointImages[j], p.controlPointImages[i]
}

// InverseSeeds indexes the forward images of the control points that lie
// inside the warp domain. It is a snapshot: changing the warp's parameters
// afterwards leaves the index stale.
type InverseSeeds struct {
	tree *kdtree.Tree
}

// InverseSeeds builds the starting point index used when the Newton
// iteration fails to converge from the target point itself.
func (w *SplineWarp) InverseSeeds() *InverseSeeds {
	points := make(controlPointImages, 0, w.NumberOfControlPoints())
	for k := 0; k < w.dims[2]; k++ {
		for j := 0; j < w.dims[1]; j++ {
			for i := 0; i < w.dims[0]; i++ {
				pos := w.ControlPointPosition(i, j, k)
				if !w.InDomain(pos) {
					continue
				}
				points = append(points, controlPointImage{pos: pos, image: w.Apply(pos)})
			}
		}
	}
	if len(points) == 0 {
		return &InverseSeeds{}
	}
	return &InverseSeeds{tree: kdtree.New(points, false)}
}

// Nearest returns the control point whose image is closest to v.
func (s *InverseSeeds) Nearest(v r3.Vector) (r3.Vector, bool) {
	if s == nil || s.tree == nil {
		return v, false
	}
	got, _ := s.tree.Nearest(controlPointImage{image: v})
	if got == nil {
		return v, false
	}
	return got.(controlPointImage).pos, true
}

// ApplyInverseSeeded inverts v starting at v itself and, when that fails,
// retries from the control point whose image lies nearest to v.
func (w *SplineWarp) ApplyInverseSeeded(v r3.Vector, seeds *InverseSeeds) (r3.Vector, bool) {
	if u, ok := w.invert(v, v, w.inverseOptions); ok {
		return u, true
	}
	seed, ok := seeds.Nearest(v)
	if !ok {
		return v, false
	}
	return w.invert(v, seed, w.inverseOptions)
}

// NumericalInverseError returns the mean distance |T^-1(T(v)) - v| over
// the voxels of region, using the Newton inverse of the warp itself, and
// the number of voxels that could not be inverted.
func (w *SplineWarp) NumericalInverseError(dims [3]int, delta [3]float64, region models.Region) (float64, int) {
	if region.Empty() {
		region = models.Region{To: dims}
	}
	seeds := w.InverseSeeds()
	var sum float64
	var count, failed int
	for z := region.From[2]; z < region.To[2]; z++ {
		for y := region.From[1]; y < region.To[1]; y++ {
			for x := region.From[0]; x < region.To[0]; x++ {
				v := r3.Vector{X: float64(x) * delta[0], Y: float64(y) * delta[1], Z: float64(z) * delta[2]}
				u, ok := w.ApplyInverseSeeded(w.Apply(v), seeds)
				if !ok {
					failed++
					continue
				}
				sum += u.Sub(v).Norm()
				count++
			}
		}
	}
	if count == 0 {
		return 0, failed
	}
	return sum / float64(count), failed
}
