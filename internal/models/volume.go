package models

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// VoxelSize is the physical size of a voxel in mm along each axis
type VoxelSize struct {
	X, Y, Z float64
}

// Volume represents a 3D image on a regular grid. Voxel (x, y, z) sits at the
// physical position (x*VoxelSize.X, y*VoxelSize.Y, z*VoxelSize.Z).
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	// (x fastest, then y, then z)
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize VoxelSize

	// Crop is the region of interest used for centering and initial alignment.
	// A zero Region means the whole grid.
	Crop Region

	// Meta carries free-form tags handed through from the I/O layer
	Meta map[string]string
}

// NewVolume allocates a zero-filled volume
func NewVolume(width, height, depth int, voxelSize VoxelSize) *Volume {
	return &Volume{
		Data:      make([]float64, width*height*depth),
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: voxelSize,
		Meta:      make(map[string]string),
	}
}

// Dims returns the grid dimensions as an array
func (v *Volume) Dims() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Delta returns the voxel size as an array
func (v *Volume) Delta() [3]float64 {
	return [3]float64{v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z}
}

// NumberOfPixels returns the total number of voxels
func (v *Volume) NumberOfPixels() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the offset of voxel (x, y, z) in Data
func (v *Volume) Index(x, y, z int) int {
	return x + v.Width*(y+v.Height*z)
}

// At returns the value of voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set assigns the value of voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Size returns the physical extent of the grid, (dims-1)*delta per axis
func (v *Volume) Size() r3.Vector {
	return r3.Vector{
		X: float64(v.Width-1) * v.VoxelSize.X,
		Y: float64(v.Height-1) * v.VoxelSize.Y,
		Z: float64(v.Depth-1) * v.VoxelSize.Z,
	}
}

// MaxSize returns the largest physical extent over all axes
func (v *Volume) MaxSize() float64 {
	s := v.Size()
	return math.Max(s.X, math.Max(s.Y, s.Z))
}

// MinDelta returns the smallest voxel size
func (v *Volume) MinDelta() float64 {
	return math.Min(v.VoxelSize.X, math.Min(v.VoxelSize.Y, v.VoxelSize.Z))
}

// VoxelVolume returns the physical volume of a single voxel
func (v *Volume) VoxelVolume() float64 {
	return v.VoxelSize.X * v.VoxelSize.Y * v.VoxelSize.Z
}

// Position returns the physical location of voxel (x, y, z)
func (v *Volume) Position(x, y, z int) r3.Vector {
	return r3.Vector{
		X: float64(x) * v.VoxelSize.X,
		Y: float64(y) * v.VoxelSize.Y,
		Z: float64(z) * v.VoxelSize.Z,
	}
}

// CropRegion returns the crop region, or the whole grid when none is set
func (v *Volume) CropRegion() Region {
	if v.Crop.Empty() {
		return Region{To: [3]int{v.Width, v.Height, v.Depth}}
	}
	return v.Crop
}

// CropCenter returns the physical center of the crop region
func (v *Volume) CropCenter() r3.Vector {
	r := v.CropRegion()
	return r3.Vector{
		X: 0.5 * float64(r.From[0]+r.To[0]-1) * v.VoxelSize.X,
		Y: 0.5 * float64(r.From[1]+r.To[1]-1) * v.VoxelSize.Y,
		Z: 0.5 * float64(r.From[2]+r.To[2]-1) * v.VoxelSize.Z,
	}
}

// Validate checks that the volume has a non-degenerate grid and matching data
func (v *Volume) Validate() error {
	if v.Width < 2 || v.Height < 2 || v.Depth < 2 {
		return fmt.Errorf("volume grid %dx%dx%d is degenerate", v.Width, v.Height, v.Depth)
	}
	if v.VoxelSize.X <= 0 || v.VoxelSize.Y <= 0 || v.VoxelSize.Z <= 0 {
		return fmt.Errorf("voxel size %+v must be positive", v.VoxelSize)
	}
	if len(v.Data) != v.NumberOfPixels() {
		return fmt.Errorf("volume data has %d values, grid needs %d", len(v.Data), v.NumberOfPixels())
	}
	return nil
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = append([]float64(nil), v.Data...)
	out.Meta = make(map[string]string, len(v.Meta))
	for k, val := range v.Meta {
		out.Meta[k] = val
	}
	return &out
}

// Range returns the minimum and maximum data value
func (v *Volume) Range() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = v.Data[0], v.Data[0]
	for _, d := range v.Data[1:] {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	return min, max
}
