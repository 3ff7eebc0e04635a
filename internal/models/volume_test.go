package models

import (
	"testing"

	"github.com/golang/geo/r3"
)

func TestVolumeGeometry(t *testing.T) {
	v := NewVolume(11, 21, 5, VoxelSize{X: 2, Y: 1, Z: 4})

	if got := v.Size(); got != (r3.Vector{X: 20, Y: 20, Z: 16}) {
		t.Errorf("Expected size (20,20,16), got %v", got)
	}
	if got := v.MaxSize(); got != 20 {
		t.Errorf("Expected max size 20, got %g", got)
	}
	if got := v.MinDelta(); got != 1 {
		t.Errorf("Expected min delta 1, got %g", got)
	}
	if got := v.VoxelVolume(); got != 8 {
		t.Errorf("Expected voxel volume 8, got %g", got)
	}
	if got := v.CropCenter(); got != (r3.Vector{X: 10, Y: 10, Z: 8}) {
		t.Errorf("Expected center (10,10,8), got %v", got)
	}

	v.Set(3, 4, 2, 7)
	if v.At(3, 4, 2) != 7 || v.Data[3+11*(4+21*2)] != 7 {
		t.Errorf("Expected x-fastest layout")
	}
}

func TestCropRegion(t *testing.T) {
	v := NewVolume(10, 10, 10, VoxelSize{X: 1, Y: 1, Z: 1})
	if v.CropRegion().Size() != 1000 {
		t.Errorf("Expected the whole grid without a crop")
	}
	v.Crop = Region{From: [3]int{2, 2, 2}, To: [3]int{6, 8, 4}}
	if got := v.CropRegion().Size(); got != 4*6*2 {
		t.Errorf("Expected crop size 48, got %d", got)
	}
	if got := v.CropCenter(); got != (r3.Vector{X: 3.5, Y: 4.5, Z: 2.5}) {
		t.Errorf("Expected crop center (3.5,4.5,2.5), got %v", got)
	}
	if !v.Crop.Contains(2, 7, 3) || v.Crop.Contains(6, 2, 2) {
		t.Errorf("Expected half-open containment")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		vol  *Volume
		ok   bool
	}{
		{"Valid", NewVolume(2, 2, 2, VoxelSize{X: 1, Y: 1, Z: 1}), true},
		{"Flat", NewVolume(4, 4, 1, VoxelSize{X: 1, Y: 1, Z: 1}), false},
		{"ZeroVoxel", NewVolume(4, 4, 4, VoxelSize{X: 1, Y: 0, Z: 1}), false},
		{"ShortData", &Volume{Width: 2, Height: 2, Depth: 2, VoxelSize: VoxelSize{X: 1, Y: 1, Z: 1}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.vol.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Expected ok=%v, got %v", tt.ok, err)
			}
		})
	}
}

func TestCloneAndRange(t *testing.T) {
	v := NewVolume(2, 2, 2, VoxelSize{X: 1, Y: 1, Z: 1})
	v.Data[0], v.Data[7] = -3, 9
	v.Meta["source"] = "test"

	c := v.Clone()
	c.Data[0] = 100
	c.Meta["source"] = "copy"
	if v.Data[0] != -3 || v.Meta["source"] != "test" {
		t.Errorf("Expected clone to be independent")
	}
	if lo, hi := v.Range(); lo != -3 || hi != 9 {
		t.Errorf("Expected range [-3,9], got [%g,%g]", lo, hi)
	}
	if (ResolutionLevel{Resolution: -1}).Original() != true {
		t.Errorf("Expected negative resolution to mark the original data level")
	}
}
