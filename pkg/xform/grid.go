package xform

import "fmt"

// CoefficientGrid is a dense 3D array of 3-component control point
// coefficients stored in a flat slice. The stride contract is
//
//	offset(i, j, k) = 3*i + StrideJ*j + StrideK*k
//
// with StrideJ = 3*Dims[0] and StrideK = 3*Dims[0]*Dims[1], so the three
// components of one control point are adjacent and parameter index
// 3*(i + Dims[0]*(j + Dims[1]*k)) + dim addresses component dim.
type CoefficientGrid struct {
	Dims    [3]int
	StrideJ int
	StrideK int
	Data    []float64
}

// NewCoefficientGrid allocates a zero grid.
func NewCoefficientGrid(dims [3]int) CoefficientGrid {
	return CoefficientGrid{
		Dims:    dims,
		StrideJ: 3 * dims[0],
		StrideK: 3 * dims[0] * dims[1],
		Data:    make([]float64, 3*dims[0]*dims[1]*dims[2]),
	}
}

// Strides returns the offsets between neighbouring control points along
// each axis.
func (g *CoefficientGrid) Strides() [3]int {
	return [3]int{3, g.StrideJ, g.StrideK}
}

// NumberOfControlPoints returns Dims[0]*Dims[1]*Dims[2].
func (g *CoefficientGrid) NumberOfControlPoints() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// Offset returns the index of the first component of control point (i,j,k).
func (g *CoefficientGrid) Offset(i, j, k int) int {
	if boundsCheck {
		g.check(i, j, k)
	}
	return 3*i + g.StrideJ*j + g.StrideK*k
}

// At returns component dim of control point (i,j,k).
func (g *CoefficientGrid) At(i, j, k, dim int) float64 {
	return g.Data[g.Offset(i, j, k)+dim]
}

// Set assigns component dim of control point (i,j,k).
func (g *CoefficientGrid) Set(i, j, k, dim int, value float64) {
	g.Data[g.Offset(i, j, k)+dim] = value
}

// ControlPointIndex splits a parameter index into control point coordinates
// and component.
func (g *CoefficientGrid) ControlPointIndex(param int) (i, j, k, dim int) {
	dim = param % 3
	cp := param / 3
	i = cp % g.Dims[0]
	j = (cp / g.Dims[0]) % g.Dims[1]
	k = cp / (g.Dims[0] * g.Dims[1])
	return i, j, k, dim
}

// Clone returns a deep copy.
func (g *CoefficientGrid) Clone() CoefficientGrid {
	out := *g
	out.Data = append([]float64(nil), g.Data...)
	return out
}

func (g *CoefficientGrid) check(i, j, k int) {
	if i < 0 || j < 0 || k < 0 || i >= g.Dims[0] || j >= g.Dims[1] || k >= g.Dims[2] {
		panic(fmt.Sprintf("xform: control point (%d,%d,%d) outside grid %v", i, j, k, g.Dims))
	}
}
