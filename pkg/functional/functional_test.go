package functional

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"

	"warpreg/internal/models"
	"warpreg/pkg/metric"
	"warpreg/pkg/parallel"
	"warpreg/pkg/volume"
	"warpreg/pkg/xform"
)

// blob returns a smooth Gaussian blob on a 16^3 grid with 2 mm voxels.
func blob(center r3.Vector) *models.Volume {
	v := models.NewVolume(16, 16, 16, models.VoxelSize{X: 2, Y: 2, Z: 2})
	for z := 0; z < v.Depth; z++ {
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				d := v.Position(x, y, z).Sub(center)
				v.Set(x, y, z, 100*math.Exp(-d.Norm2()/(2*36)))
			}
		}
	}
	return v
}

var blobCenter = r3.Vector{X: 15, Y: 15, Z: 15}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) <= 1e-8*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func newTestWarp(t *testing.T, ref *models.Volume, amplitude float64) *xform.SplineWarp {
	t.Helper()
	w, err := xform.NewSplineWarp(ref.Size(), 10, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	data := w.Coefficients().Data
	for i := range data {
		data[i] = amplitude * math.Sin(0.61*float64(i))
	}
	return w
}

func TestAffineFunctional(t *testing.T) {
	pool := parallel.NewPool(2)
	defer pool.Close()
	ref := blob(blobCenter)

	t.Run("IdenticalImages", func(t *testing.T) {
		x := xform.NewAffine()
		f := NewAffine(ref, ref, x, &metric.MSD{}, volume.Linear, pool)
		if got := f.EvaluateAt(x.ParamVector()); math.Abs(got) > 1e-12 {
			t.Errorf("Expected MSD 0 for identical images, got %g", got)
		}
		g := make([]float64, f.ParamVectorDim())
		f.EvaluateWithGradient(x.ParamVector(), g, 1)
		for i, v := range g {
			if v != 0 {
				t.Errorf("Expected zero gradient at the optimum, entry %d is %g", i, v)
			}
		}
	})

	t.Run("GradientPointsToShift", func(t *testing.T) {
		flt := blob(blobCenter.Add(r3.Vector{X: 2}))
		x := xform.NewAffine()
		if err := x.SetNumberDOFs(6); err != nil {
			t.Fatal(err)
		}
		f := NewAffine(ref, flt, x, &metric.MSD{}, volume.Linear, pool)
		v := x.ParamVector()
		g := make([]float64, f.ParamVectorDim())
		current := f.EvaluateWithGradient(v, g, 1)

		if g[0] <= 0 {
			t.Errorf("Expected positive x translation gradient, got %g", g[0])
		}
		if math.Abs(g[1]) > 1e-9 || math.Abs(g[2]) > 1e-9 {
			t.Errorf("Expected no y/z translation gradient, got %g, %g", g[1], g[2])
		}
		if got := f.EvaluateAt(v); got != current {
			t.Errorf("Expected the transformation restored after the gradient, got %g != %g", got, current)
		}
		for i := 6; i < len(g); i++ {
			if g[i] != 0 {
				t.Errorf("Expected fixed parameter %d to have zero gradient", i)
			}
		}
	})

	t.Run("ForceOutside", func(t *testing.T) {
		x := xform.NewAffine()
		x.SetTranslation(r3.Vector{X: 100})
		f := NewAffine(ref, ref, x, &metric.MSD{}, volume.Linear, pool)
		if got := f.Evaluate(); got != 0 {
			t.Errorf("Expected no samples without ForceOutside, got %g", got)
		}
		f.SetForceOutside(0)
		if got := f.Evaluate(); got >= 0 {
			t.Errorf("Expected a penalty with ForceOutside, got %g", got)
		}
	})
}

// checkGradient compares every sampled gradient entry with two full
// evaluations of the objective.
func checkGradient(t *testing.T, f Functional, step float64, every int) {
	t.Helper()
	v := f.ParamVector()
	g := make([]float64, len(v))
	current := f.EvaluateWithGradient(v, g, step)

	checked := 0
	for p := 0; p < len(v); p += every {
		delta := f.ParamStep(p, step)
		if delta == 0 {
			continue
		}
		trial := append([]float64(nil), v...)
		trial[p] = v[p] + delta
		upper := f.EvaluateAt(trial)
		trial[p] = v[p] - delta
		lower := f.EvaluateAt(trial)

		want := 0.0
		if upper > current || lower > current {
			want = upper - lower
		}
		if !closeTo(g[p], want) {
			t.Errorf("Parameter %d: expected gradient %g, got %g", p, want, g[p])
		}
		checked++
	}
	f.EvaluateAt(v)
	if checked == 0 {
		t.Fatalf("No active parameters checked")
	}
}

func TestNonrigidGradientMatchesFullEvaluation(t *testing.T) {
	pool := parallel.NewPool(4)
	defer pool.Close()
	ref := blob(blobCenter)
	flt := blob(blobCenter.Add(r3.Vector{X: 1.5, Y: -1}))

	tests := []struct {
		name              string
		metric            metric.Metric
		jacobian, energy  float64
		inverseConsistent bool
	}{
		{"MSD", &metric.MSD{}, 0, 0, false},
		{"NCCWithRegularizers", &metric.NCC{}, 0.5, 0.2, false},
		{"NMIWithInverse", metric.NewHistogram(true, 16, 0, 100, 0, 100), 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewNonrigid(ref, flt, tt.metric, volume.Linear, pool)
			f.JacobianConstraintWeight = tt.jacobian
			f.GridEnergyWeight = tt.energy
			f.SetWarp(newTestWarp(t, ref, 0.7))
			if tt.inverseConsistent {
				f.InverseConsistencyWeight = 0.1
				f.SetInverse(newTestWarp(t, flt, -0.5))
			}
			checkGradient(t, f, 0.5, 5)
		})
	}
}

func TestNonrigidIdentity(t *testing.T) {
	ref := blob(blobCenter)
	f := NewNonrigid(ref, ref, &metric.MSD{}, volume.Linear, nil)
	f.JacobianConstraintWeight = 1
	f.GridEnergyWeight = 1
	f.SetWarp(newTestWarp(t, ref, 0))

	if got := f.Evaluate(); math.Abs(got) > 1e-12 {
		t.Errorf("Expected objective 0 for the identity, got %g", got)
	}
	g := make([]float64, f.ParamVectorDim())
	f.EvaluateWithGradient(f.ParamVector(), g, 0.5)
	for i, v := range g {
		if v != 0 {
			t.Fatalf("Expected zero gradient at the optimum, entry %d is %g", i, v)
		}
	}
}

func TestUpdateFixedParameters(t *testing.T) {
	ref := blob(blobCenter)
	w := newTestWarp(t, ref, 0)

	f := NewNonrigid(ref, ref, &metric.MSD{}, volume.Linear, nil)
	f.SetWarp(w)
	all := w.ActiveCount()
	if all != w.ParamVectorDim() {
		t.Errorf("Expected all %d parameters active, got %d", w.ParamVectorDim(), all)
	}

	f.AdaptiveFixParameters = true
	f.AdaptiveFixThreshFactor = 0.5
	f.UpdateFixedParameters()
	adaptive := w.ActiveCount()
	if adaptive == 0 || adaptive >= all {
		t.Errorf("Expected some but not all parameters fixed, %d of %d active", adaptive, all)
	}
	if adaptive%3 != 0 {
		t.Errorf("Expected whole control points to be fixed, %d active parameters", adaptive)
	}

	f.AdaptiveFixParameters = false
	f.ActiveAxes = "z"
	f.UpdateFixedParameters()
	if got := w.ActiveCount(); got != all/3 {
		t.Errorf("Expected %d active parameters for one axis, got %d", all/3, got)
	}
	if f.ParamStep(0, 1) != 0 || f.ParamStep(2, 1) != 1 {
		t.Errorf("Expected only z components to move")
	}
}

func TestSymmetricFunctional(t *testing.T) {
	pool := parallel.NewPool(2)
	defer pool.Close()
	ref := blob(blobCenter)
	flt := blob(blobCenter.Add(r3.Vector{Y: 1}))

	forward := NewNonrigid(ref, flt, &metric.MSD{}, volume.Linear, pool)
	backward := NewNonrigid(flt, ref, &metric.MSD{}, volume.Linear, pool)
	s := NewSymmetric(forward, backward)
	s.SetWeights(0.1, 0.2, 0.05)
	s.SetWarps(newTestWarp(t, ref, 0.4), newTestWarp(t, flt, -0.4))

	n := forward.ParamVectorDim()
	if s.ParamVectorDim() != 2*n || len(s.ParamVector()) != 2*n {
		t.Fatalf("Expected %d parameters, got %d", 2*n, s.ParamVectorDim())
	}
	if backward.InverseConsistencyWeight != 0.05 || forward.GridEnergyWeight != 0.1 {
		t.Errorf("Expected weights on both directions")
	}

	t.Run("ValueIsSum", func(t *testing.T) {
		v := s.ParamVector()
		total := s.EvaluateAt(v)
		if want := forward.Evaluate() + backward.Evaluate(); !closeTo(total, want) {
			t.Errorf("Expected %g, got %g", want, total)
		}
	})

	t.Run("ParamStepDelegates", func(t *testing.T) {
		backward.Warp().SetParameterInactive(4)
		if s.ParamStep(n+4, 1) != 0 {
			t.Errorf("Expected backward parameter 4 to be fixed")
		}
		if s.ParamStep(4, 1) == 0 {
			t.Errorf("Expected forward parameter 4 to stay active")
		}
		backward.Warp().SetParameterActive(4)
	})

	t.Run("GradientHalves", func(t *testing.T) {
		v := s.ParamVector()
		g := make([]float64, len(v))
		s.EvaluateWithGradient(v, g, 0.5)

		fwdValue := forward.Evaluate()
		gFwd := make([]float64, n)
		forward.gradient(gFwd, 0.5, fwdValue)
		for i := range gFwd {
			if !closeTo(g[i], gFwd[i]) {
				t.Fatalf("Expected forward gradient entry %d = %g, got %g", i, gFwd[i], g[i])
			}
		}
	})
}
