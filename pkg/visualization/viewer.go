package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"warpreg/internal/models"
)

// Viewer renders 2D slices of a volume as grayscale images, mapping the
// intensity window [low, high] onto black to white.
type Viewer struct {
	volume *models.Volume

	low  float64
	high float64
}

// NewViewer creates a viewer windowed to the intensity range of v
func NewViewer(v *models.Volume) *Viewer {
	low, high := v.Range()
	return NewViewerWindow(v, low, high)
}

// NewViewerWindow creates a viewer with a fixed intensity window, e.g.
// [0, 2] for Jacobian determinant maps
func NewViewerWindow(v *models.Volume, low, high float64) *Viewer {
	return &Viewer{volume: v, low: low, high: high}
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.high <= v.low {
		return color.Gray16{}
	}
	t := (value - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// sliceGeometry returns the image size of a slice and a function mapping
// image pixel (u, w) to voxel coordinates.
func (v *Viewer) sliceGeometry(axis string, position int) (int, int, func(u, w int) (int, int, int), error) {
	vol := v.volume
	if position < 0 {
		return 0, 0, nil, fmt.Errorf("position must be non-negative")
	}
	switch axis {
	case "x", "X":
		if position >= vol.Width {
			return 0, 0, nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		return vol.Depth, vol.Height, func(u, w int) (int, int, int) { return position, w, u }, nil
	case "y", "Y":
		if position >= vol.Height {
			return 0, 0, nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		return vol.Width, vol.Depth, func(u, w int) (int, int, int) { return u, position, w }, nil
	case "z", "Z":
		if position >= vol.Depth {
			return 0, 0, nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		return vol.Width, vol.Height, func(u, w int) (int, int, int) { return u, w, position }, nil
	}
	return 0, 0, nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	width, height, voxel, err := v.sliceGeometry(axis, position)
	if err != nil {
		return nil, err
	}
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for w := 0; w < height; w++ {
		for u := 0; u < width; u++ {
			img.SetGray16(u, w, v.gray(v.volume.At(voxel(u, w))))
		}
	}
	return img, nil
}

// Checkerboard interleaves tiles of this viewer's volume and other, which
// must share its grid, on one slice. Misregistration shows as broken edges
// at tile borders.
func (v *Viewer) Checkerboard(other *models.Volume, axis string, position, tile int) (image.Image, error) {
	if other.Dims() != v.volume.Dims() {
		return nil, fmt.Errorf("grid %v does not match %v", other.Dims(), v.volume.Dims())
	}
	if tile <= 0 {
		return nil, fmt.Errorf("tile size must be positive")
	}
	width, height, voxel, err := v.sliceGeometry(axis, position)
	if err != nil {
		return nil, err
	}
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for w := 0; w < height; w++ {
		for u := 0; u < width; u++ {
			src := v.volume
			if (u/tile+w/tile)%2 == 1 {
				src = other
			}
			img.SetGray16(u, w, v.gray(src.At(voxel(u, w))))
		}
	}
	return img, nil
}

// ExtractRegion extracts a subvolume with the same voxel size
func (v *Viewer) ExtractRegion(region models.Region) (*models.Volume, error) {
	vol := v.volume
	if region.Empty() {
		return nil, fmt.Errorf("region is empty")
	}
	for axis, n := range vol.Dims() {
		if region.From[axis] < 0 || region.To[axis] > n {
			return nil, fmt.Errorf("region extends beyond volume boundaries")
		}
	}
	size := [3]int{region.To[0] - region.From[0], region.To[1] - region.From[1], region.To[2] - region.From[2]}
	out := models.NewVolume(size[0], size[1], size[2], vol.VoxelSize)
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				out.Set(x, y, z, vol.At(region.From[0]+x, region.From[1]+y, region.From[2]+z))
			}
		}
	}
	return out, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Width
	case "y", "Y":
		maxPos = v.volume.Height
	case "z", "Z":
		maxPos = v.volume.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
