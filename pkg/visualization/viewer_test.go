package visualization

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"warpreg/internal/models"
	"warpreg/pkg/registration"
)

// createTestVolume fills a volume using the given pattern
func createTestVolume(width, height, depth int, pattern func(x, y, z int) float64) *models.Volume {
	v := models.NewVolume(width, height, depth, models.VoxelSize{X: 1, Y: 1, Z: 2})
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(x, y, z, pattern(x, y, z))
			}
		}
	}
	return v
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5

	// Each slice along Z has a unique value
	vol := createTestVolume(width, height, depth, func(_, _, z int) float64 {
		return float64(z) / float64(depth-1)
	})
	viewer := NewViewer(vol)

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d", width, height, bounds.Dx(), bounds.Dy())
		}

		gray16Img, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}
		expectedValue := float64(z) / float64(depth-1) * 65535
		centerValue := float64(gray16Img.Gray16At(width/2, height/2).Y)
		if math.Abs(centerValue-expectedValue) > 1.0 {
			t.Errorf("Expected Z slice value ~%.0f at center, got %.0f", expectedValue, centerValue)
		}
	}

	t.Run("XAndY", func(t *testing.T) {
		imgX, err := viewer.ExtractSlice("x", width/2)
		if err != nil {
			t.Fatalf("Failed to extract X slice: %v", err)
		}
		if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
			t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
		}

		imgY, err := viewer.ExtractSlice("y", height/2)
		if err != nil {
			t.Fatalf("Failed to extract Y slice: %v", err)
		}
		if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
			t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
			t.Error("Expected error for invalid axis, got nil")
		}
		if _, err := viewer.ExtractSlice("z", depth+1); err == nil {
			t.Error("Expected error for out of bounds position, got nil")
		}
	})
}

// TestFixedWindow verifies that values outside the window saturate
func TestFixedWindow(t *testing.T) {
	vol := createTestVolume(4, 4, 4, func(x, _, _ int) float64 { return float64(x) })
	viewer := NewViewerWindow(vol, 1, 2)
	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatal(err)
	}
	g := img.(*image.Gray16)
	if g.Gray16At(0, 0).Y != 0 {
		t.Errorf("Expected black below the window, got %d", g.Gray16At(0, 0).Y)
	}
	if g.Gray16At(3, 0).Y != 65535 {
		t.Errorf("Expected white above the window, got %d", g.Gray16At(3, 0).Y)
	}
}

// TestCheckerboard verifies tile alternation between the two volumes
func TestCheckerboard(t *testing.T) {
	black := createTestVolume(8, 8, 2, func(_, _, _ int) float64 { return 0 })
	white := createTestVolume(8, 8, 2, func(_, _, _ int) float64 { return 1 })
	viewer := NewViewerWindow(black, 0, 1)

	img, err := viewer.Checkerboard(white, "z", 1, 4)
	if err != nil {
		t.Fatalf("Checkerboard failed: %v", err)
	}
	g := img.(*image.Gray16)
	if g.Gray16At(0, 0).Y != 0 || g.Gray16At(5, 0).Y != 65535 || g.Gray16At(5, 5).Y != 0 {
		t.Error("Expected alternating 4x4 tiles")
	}

	small := createTestVolume(4, 4, 2, func(_, _, _ int) float64 { return 0 })
	if _, err := viewer.Checkerboard(small, "z", 0, 4); err == nil {
		t.Error("Expected error for mismatched grids")
	}
}

// TestExtractRegion verifies that subvolumes are correctly extracted
func TestExtractRegion(t *testing.T) {
	vol := createTestVolume(10, 10, 5, func(x, y, z int) float64 {
		return float64(x) + 10*float64(y) + 100*float64(z)
	})
	viewer := NewViewer(vol)

	region := models.Region{From: [3]int{2, 3, 1}, To: [3]int{6, 6, 3}}
	sub, err := viewer.ExtractRegion(region)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	if sub.Dims() != [3]int{4, 3, 2} {
		t.Errorf("Expected dims [4 3 2], got %v", sub.Dims())
	}
	if got, want := sub.At(1, 2, 1), vol.At(3, 5, 2); got != want {
		t.Errorf("Expected %f, got %f", want, got)
	}

	if _, err := viewer.ExtractRegion(models.Region{From: [3]int{8, 0, 0}, To: [3]int{12, 2, 2}}); err == nil {
		t.Error("Expected error for region beyond the boundaries")
	}
}

// TestSaveSliceSequence verifies that one JPEG per slice is written
func TestSaveSliceSequence(t *testing.T) {
	vol := createTestVolume(6, 6, 3, func(x, y, z int) float64 { return float64(x * y * z) })
	viewer := NewViewer(vol)

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	for z := 0; z < 3; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.jpg", z))
		if _, err := os.Stat(filename); err != nil {
			t.Errorf("Expected slice file %s: %v", filename, err)
		}
	}

	if err := viewer.SaveSliceSequence("w", outputDir); err == nil {
		t.Error("Expected error for invalid axis")
	}
}

// TestPlotConvergence verifies that a plot file is produced
func TestPlotConvergence(t *testing.T) {
	history := []registration.HistoryEntry{
		{Step: 0, Level: 1, Metric: -10},
		{Step: 1, Level: 1, Metric: -6},
		{Step: 2, Level: 2, Metric: -7},
		{Step: 3, Level: 2, Metric: -2},
	}
	path := filepath.Join(t.TempDir(), "convergence.png")
	if err := PlotConvergence(history, "test", path); err != nil {
		t.Fatalf("PlotConvergence failed: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("Expected non-empty plot file, err=%v", err)
	}

	if err := PlotConvergence(nil, "empty", path); err == nil {
		t.Error("Expected error for empty history")
	}
}
