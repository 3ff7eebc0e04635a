package volume

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"golang.org/x/image/tiff"

	"warpreg/internal/models"
	"warpreg/pkg/xform"
)

func rampVolume(w, h, d int, delta float64) *models.Volume {
	v := models.NewVolume(w, h, d, models.VoxelSize{X: delta, Y: delta, Z: delta})
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := v.Position(x, y, z)
				v.Set(x, y, z, p.X+2*p.Y+3*p.Z)
			}
		}
	}
	return v
}

func TestProbe(t *testing.T) {
	v := rampVolume(5, 5, 5, 2)

	t.Run("LinearIsExactOnRamp", func(t *testing.T) {
		p := r3.Vector{X: 3.3, Y: 1.1, Z: 7.9}
		got, ok := Probe(v, p, Linear)
		if !ok {
			t.Fatalf("Expected %v inside the grid", p)
		}
		if want := p.X + 2*p.Y + 3*p.Z; math.Abs(got-want) > 1e-9 {
			t.Errorf("Expected %g, got %g", want, got)
		}
	})

	t.Run("Nearest", func(t *testing.T) {
		got, ok := Probe(v, r3.Vector{X: 3.3, Y: 0.9, Z: 8}, NearestNeighbor)
		if !ok || got != 4+2*0+3*8 {
			t.Errorf("Expected 28, got %g (ok=%v)", got, ok)
		}
	})

	t.Run("UpperEdge", func(t *testing.T) {
		got, ok := Probe(v, r3.Vector{X: 8, Y: 8, Z: 8}, Linear)
		if !ok || math.Abs(got-48) > 1e-9 {
			t.Errorf("Expected 48 at the corner, got %g (ok=%v)", got, ok)
		}
	})

	t.Run("Outside", func(t *testing.T) {
		if _, ok := Probe(v, r3.Vector{X: -0.5}, Linear); ok {
			t.Errorf("Expected a miss outside the grid")
		}
		if _, ok := Probe(v, r3.Vector{X: 8.1}, Linear); ok {
			t.Errorf("Expected a miss outside the grid")
		}
	})
}

func TestParseInterpolation(t *testing.T) {
	for name, want := range map[string]Interpolation{"linear": Linear, "": Linear, "nearest": NearestNeighbor, "NN": NearestNeighbor} {
		got, err := ParseInterpolation(name)
		if err != nil || got != want {
			t.Errorf("Expected %v for %q, got %v (%v)", want, name, got, err)
		}
	}
	if _, err := ParseInterpolation("cubic"); err == nil {
		t.Errorf("Expected error for unknown interpolation")
	}
}

func TestResample(t *testing.T) {
	v := models.NewVolume(16, 16, 4, models.VoxelSize{X: 1, Y: 1, Z: 4})
	for i := range v.Data {
		v.Data[i] = 5
	}

	out := Resample(v, 2, nil)
	if out.Width != 8 || out.Height != 8 {
		t.Errorf("Expected 8x8 in-plane, got %dx%d", out.Width, out.Height)
	}
	if out.Depth != 4 || out.VoxelSize.Z != 4 {
		t.Errorf("Expected the coarser z axis to be kept, got %d slices of %g mm", out.Depth, out.VoxelSize.Z)
	}
	for _, value := range out.Data {
		if math.Abs(value-5) > 1e-12 {
			t.Fatalf("Expected box filter to preserve a constant, got %g", value)
		}
	}

	same := Resample(v, 0.5, nil)
	if same.NumberOfPixels() != v.NumberOfPixels() {
		t.Errorf("Expected no change for a finer resolution")
	}
}

func TestReformat(t *testing.T) {
	v := rampVolume(6, 6, 6, 1)

	t.Run("Identity", func(t *testing.T) {
		out := Reformat(v, v, xform.NewAffine(), Linear, -1, nil)
		for i := range v.Data {
			if math.Abs(out.Data[i]-v.Data[i]) > 1e-9 {
				t.Fatalf("Expected identical voxel %d: %g != %g", i, out.Data[i], v.Data[i])
			}
		}
	})

	t.Run("TranslationPads", func(t *testing.T) {
		a := xform.NewAffine()
		a.SetTranslation(r3.Vector{X: 1})
		out := Reformat(v, v, a, Linear, -1, nil)
		if got := out.At(0, 2, 2); got != v.At(1, 2, 2) {
			t.Errorf("Expected shifted value %g, got %g", v.At(1, 2, 2), got)
		}
		if got := out.At(5, 2, 2); got != -1 {
			t.Errorf("Expected padding -1, got %g", got)
		}
	})
}

func TestJacobianMap(t *testing.T) {
	v := rampVolume(4, 4, 4, 1)
	a := xform.NewAffine()
	a.SetScales(r3.Vector{X: 2, Y: 1, Z: 1.5})
	out := JacobianMap(v, a, nil)
	for _, value := range out.Data {
		if math.Abs(value-3) > 1e-12 {
			t.Fatalf("Expected determinant 3 everywhere, got %g", value)
		}
	}
}

func blobVolume(center r3.Vector, radii r3.Vector) *models.Volume {
	v := models.NewVolume(32, 32, 32, models.VoxelSize{X: 1, Y: 1, Z: 1})
	for z := 0; z < 32; z++ {
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				d := v.Position(x, y, z).Sub(center)
				r := d.X*d.X/(radii.X*radii.X) + d.Y*d.Y/(radii.Y*radii.Y) + d.Z*d.Z/(radii.Z*radii.Z)
				if r <= 1 {
					v.Set(x, y, z, 1)
				}
			}
		}
	}
	return v
}

func TestMoments(t *testing.T) {
	center := r3.Vector{X: 12, Y: 16, Z: 18}
	v := blobVolume(center, r3.Vector{X: 4, Y: 9, Z: 6})

	t.Run("CenterOfMass", func(t *testing.T) {
		if got := CenterOfMass(v); got.Sub(center).Norm() > 1e-9 {
			t.Errorf("Expected %v, got %v", center, got)
		}
	})

	t.Run("ConstantVolume", func(t *testing.T) {
		flat := models.NewVolume(5, 5, 5, models.VoxelSize{X: 1, Y: 1, Z: 1})
		if got := CenterOfMass(flat); got != flat.CropCenter() {
			t.Errorf("Expected crop center, got %v", got)
		}
		if _, _, _, err := PrincipalAxes(flat); err == nil {
			t.Errorf("Expected error for a constant volume")
		}
	})

	t.Run("PrincipalAxes", func(t *testing.T) {
		c, axes, moments, err := PrincipalAxes(v)
		if err != nil {
			t.Fatalf("PrincipalAxes failed: %v", err)
		}
		if c.Sub(center).Norm() > 1e-9 {
			t.Errorf("Expected center %v, got %v", center, c)
		}
		if !(moments[0] >= moments[1] && moments[1] >= moments[2]) {
			t.Errorf("Expected decreasing moments, got %v", moments)
		}
		// The longest radius is along y, the shortest along x.
		if math.Abs(axes[1][0]) < 0.99 || math.Abs(axes[0][2]) < 0.99 {
			t.Errorf("Expected major axis y and minor axis x, got %v", axes)
		}
		if math.Abs(axes.Det()-1) > 1e-9 {
			t.Errorf("Expected a rotation, got determinant %g", axes.Det())
		}
	})
}

func TestMatchHistogram(t *testing.T) {
	ref := rampVolume(8, 8, 8, 1)
	flt := ref.Clone()
	for i, v := range flt.Data {
		flt.Data[i] = 0.5*v + 10
	}

	out := MatchHistogram(flt, ref, 256)
	refMin, refMax := ref.Range()
	outMin, outMax := out.Range()
	if math.Abs(outMin-refMin) > 1 || math.Abs(outMax-refMax) > 1 {
		t.Errorf("Expected range near [%g,%g], got [%g,%g]", refMin, refMax, outMin, outMax)
	}
	var maxErr float64
	for i := range ref.Data {
		maxErr = math.Max(maxErr, math.Abs(out.Data[i]-ref.Data[i]))
	}
	if maxErr > 2 {
		t.Errorf("Expected matched intensities within 2 of the reference, max error %g", maxErr)
	}

	constant := models.NewVolume(2, 2, 2, models.VoxelSize{X: 1, Y: 1, Z: 1})
	if same := MatchHistogram(constant, ref, 16); same.Data[0] != 0 {
		t.Errorf("Expected a constant volume to be returned unchanged")
	}
}

func writeSlice(t *testing.T, path string, w, h int, value uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: value})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSliceStack(t *testing.T) {
	dir := t.TempDir()
	writeSlice(t, filepath.Join(dir, "slice_10.png"), 6, 4, 255)
	writeSlice(t, filepath.Join(dir, "slice_2.png"), 6, 4, 0)
	writeSlice(t, filepath.Join(dir, "slice_3.png"), 6, 4, 51)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	v, err := LoadSliceStack(dir, models.VoxelSize{X: 0.5, Y: 0.5, Z: 3})
	if err != nil {
		t.Fatalf("LoadSliceStack failed: %v", err)
	}
	if v.Width != 6 || v.Height != 4 || v.Depth != 3 {
		t.Fatalf("Expected 6x4x3, got %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	want := []float64{0, 0.2, 1}
	for z, w := range want {
		if got := v.At(1, 1, z); math.Abs(got-w) > 1e-3 {
			t.Errorf("Expected slice %d value %g, got %g", z, w, got)
		}
	}

	t.Run("SizeMismatch", func(t *testing.T) {
		writeSlice(t, filepath.Join(dir, "slice_11.png"), 5, 4, 0)
		if _, err := LoadSliceStack(dir, models.VoxelSize{X: 1, Y: 1, Z: 1}); err == nil {
			t.Errorf("Expected error for mismatched slice sizes")
		}
	})

	t.Run("MixedFormats", func(t *testing.T) {
		mixed := t.TempDir()
		writeSlice(t, filepath.Join(mixed, "slice_1.png"), 4, 4, 0)
		img := image.NewGray16(image.Rect(0, 0, 4, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.SetGray16(x, y, color.Gray16{Y: 0x8000})
			}
		}
		f, err := os.Create(filepath.Join(mixed, "slice_2.tif"))
		if err != nil {
			t.Fatal(err)
		}
		if err := tiff.Encode(f, img, nil); err != nil {
			t.Fatal(err)
		}
		f.Close()

		v, err := LoadSliceStack(mixed, models.VoxelSize{X: 1, Y: 1, Z: 1})
		if err != nil {
			t.Fatalf("LoadSliceStack failed: %v", err)
		}
		if got := v.At(2, 2, 1); math.Abs(got-0.5) > 1e-3 {
			t.Errorf("Expected 16-bit TIFF value 0.5, got %g", got)
		}
	})

	t.Run("TooFewSlices", func(t *testing.T) {
		empty := t.TempDir()
		writeSlice(t, filepath.Join(empty, "only.png"), 4, 4, 0)
		if _, err := LoadSliceStack(empty, models.VoxelSize{X: 1, Y: 1, Z: 1}); err == nil {
			t.Errorf("Expected error for a single slice")
		}
	})
}

func TestPhaseCorrelation(t *testing.T) {
	radii := r3.Vector{X: 4, Y: 5, Z: 6}
	ref := blobVolume(r3.Vector{X: 12, Y: 14, Z: 16}, radii)
	flt := blobVolume(r3.Vector{X: 15, Y: 12, Z: 19}, radii)

	shift, peak, err := PhaseCorrelation(ref, flt)
	if err != nil {
		t.Fatalf("PhaseCorrelation failed: %v", err)
	}
	want := r3.Vector{X: 3, Y: -2, Z: 3}
	if shift.Sub(want).Norm() > 0.5 {
		t.Errorf("Expected shift %v, got %v", want, shift)
	}
	if peak <= 0 || peak > 1+1e-9 {
		t.Errorf("Expected peak height in (0,1], got %g", peak)
	}

	t.Run("EmptyVolume", func(t *testing.T) {
		if _, _, err := PhaseCorrelation(ref, &models.Volume{}); err == nil {
			t.Errorf("Expected an error for an empty volume")
		}
	})
}
