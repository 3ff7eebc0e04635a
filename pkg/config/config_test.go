package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"

	"warpreg/pkg/archive"
	"warpreg/pkg/metric"
	"warpreg/pkg/registration"
	"warpreg/pkg/volume"
	"warpreg/pkg/xform"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Registration.NumCores <= 0 {
		t.Errorf("Expected positive NumCores, got %d", cfg.Registration.NumCores)
	}
	if !cfg.Affine.Enabled || !cfg.Warp.Enabled {
		t.Errorf("Expected both stages enabled by default")
	}
	if cfg.Warp.GridSpacing != 15 {
		t.Errorf("Expected grid spacing 15, got %g", cfg.Warp.GridSpacing)
	}
	if cfg.Warp.InverseMaxIterations <= 0 || cfg.Warp.InverseTolerance <= 0 {
		t.Errorf("Expected positive inversion settings, got %g/%d", cfg.Warp.InverseTolerance, cfg.Warp.InverseMaxIterations)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.Registration.Metric != DefaultConfig().Registration.Metric {
		t.Errorf("Expected default metric, got %q", cfg.Registration.Metric)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "warpreg.yaml")

	cfg := DefaultConfig()
	cfg.Registration.Metric = "msd"
	cfg.Affine.DOFs = []int{6, 9, 12}
	cfg.Warp.Refine = 2
	cfg.Warp.InverseConsistencyWeight = 0.1
	cfg.Database.Backend = "memory"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loaded.Registration.Metric != "msd" {
		t.Errorf("Expected metric msd, got %q", loaded.Registration.Metric)
	}
	if len(loaded.Affine.DOFs) != 3 || loaded.Affine.DOFs[2] != 12 {
		t.Errorf("Expected DOFs [6 9 12], got %v", loaded.Affine.DOFs)
	}
	if loaded.Warp.Refine != 2 {
		t.Errorf("Expected refine 2, got %d", loaded.Warp.Refine)
	}
	if loaded.Database.Backend != "memory" {
		t.Errorf("Expected backend memory, got %q", loaded.Database.Backend)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	data := []byte("warp:\n  gridSpacing: 20\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Warp.GridSpacing != 20 {
		t.Errorf("Expected grid spacing 20, got %g", cfg.Warp.GridSpacing)
	}
	if cfg.Warp.Refine != DefaultConfig().Warp.Refine {
		t.Errorf("Expected default refine, got %d", cfg.Warp.Refine)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("warp: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("Expected parse error")
	}
}

func TestAffineParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registration.Metric = "ncc"
	cfg.Registration.Interpolation = "nearest"
	cfg.Affine.DOFs = []int{6, 12}
	cfg.Affine.Init = "com"
	cfg.Affine.Exploration = 4

	p, err := cfg.AffineParams()
	if err != nil {
		t.Fatalf("AffineParams failed: %v", err)
	}
	if p.Metric != metric.CrossCorrelation {
		t.Errorf("Expected ncc, got %v", p.Metric)
	}
	if p.Interpolation != volume.NearestNeighbor {
		t.Errorf("Expected nearest interpolation, got %v", p.Interpolation)
	}
	if p.Init != registration.InitCenterOfMass {
		t.Errorf("Expected com init, got %q", p.Init)
	}
	if p.Exploration != 4 || len(p.NumberDOFs) != 2 {
		t.Errorf("Expected exploration 4 and 2 DOF entries, got %g and %v", p.Exploration, p.NumberDOFs)
	}
}

func TestElasticParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Warp.GridSpacing = 10
	cfg.Warp.MaxStepSize = 2
	cfg.Warp.MinStepSize = 0.2
	cfg.Warp.JacobianConstraintWeight = 0.5
	cfg.Warp.RestrictToAxes = "xy"

	initial := xform.NewAffine()
	p, err := cfg.ElasticParams(initial)
	if err != nil {
		t.Fatalf("ElasticParams failed: %v", err)
	}
	if p.GridSpacing != 10 || p.Exploration != 2 || p.Accuracy != 0.2 {
		t.Errorf("Expected spacing 10, steps 2/0.2, got %g, %g/%g", p.GridSpacing, p.Exploration, p.Accuracy)
	}
	if p.JacobianConstraintWeight != 0.5 || p.RestrictToAxes != "xy" {
		t.Errorf("Expected weights and axes carried over, got %g and %q", p.JacobianConstraintWeight, p.RestrictToAxes)
	}
	if p.InitialAffine != initial {
		t.Errorf("Expected initial affine to be passed through")
	}
	if p.Optimizer != registration.OptimizerBestDirection {
		t.Errorf("Expected direction optimizer, got %q", p.Optimizer)
	}
}

func TestUnknownMetricIsConfigError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registration.Metric = "psnr"

	_, err := cfg.AffineParams()
	if !errors.Is(err, registration.ErrInvalidConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestInitialTransform(t *testing.T) {
	dir := t.TempDir()
	shift := r3.Vector{X: 4, Y: -2, Z: 1}
	affine := xform.NewAffine()
	affine.SetTranslation(shift)
	affinePath := filepath.Join(dir, "affine.yaml")
	if err := archive.Save(affinePath, affine); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	warp, err := xform.NewSplineWarp(r3.Vector{X: 40, Y: 40, Z: 40}, 10, nil, false)
	if err != nil {
		t.Fatalf("NewSplineWarp failed: %v", err)
	}
	warpPath := filepath.Join(dir, "warp.yaml")
	if err := archive.Save(warpPath, warp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Run("None", func(t *testing.T) {
		cfg := DefaultConfig()
		x, err := cfg.InitialTransform()
		if err != nil || x != nil {
			t.Errorf("Expected no initial transformation, got %v, %v", x, err)
		}
	})

	t.Run("AffineSeedsBothStages", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Registration.InitialXform = affinePath
		ap, err := cfg.AffineParams()
		if err != nil {
			t.Fatalf("AffineParams failed: %v", err)
		}
		if ap.InitialXform == nil || ap.InitialXform.Translation().Sub(shift).Norm() > 1e-9 {
			t.Errorf("Expected initial translation %v, got %v", shift, ap.InitialXform)
		}
		ep, err := cfg.ElasticParams(nil)
		if err != nil {
			t.Fatalf("ElasticParams failed: %v", err)
		}
		if ep.InitialAffine == nil || ep.InitialWarp != nil {
			t.Fatalf("Expected an initial affine only, got %v and %v", ep.InitialAffine, ep.InitialWarp)
		}
	})

	t.Run("InverseAffine", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Registration.InitialXform = affinePath
		cfg.Registration.InitialXformIsInverse = true
		ap, err := cfg.AffineParams()
		if err != nil {
			t.Fatalf("AffineParams failed: %v", err)
		}
		if !ap.InitialXformIsInverse {
			t.Errorf("Expected the inverse flag to reach the affine stage")
		}
		ep, err := cfg.ElasticParams(nil)
		if err != nil {
			t.Fatalf("ElasticParams failed: %v", err)
		}
		p := r3.Vector{X: 3, Y: 5, Z: 7}
		if got := ep.InitialAffine.Apply(p); got.Sub(p.Sub(shift)).Norm() > 1e-9 {
			t.Errorf("Expected inverted initial affine to map %v to %v, got %v", p, p.Sub(shift), got)
		}
	})

	t.Run("AffineStageResultWins", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Registration.InitialXform = warpPath
		result := xform.NewAffine()
		ep, err := cfg.ElasticParams(result)
		if err != nil {
			t.Fatalf("ElasticParams failed: %v", err)
		}
		if ep.InitialAffine != result || ep.InitialWarp != nil {
			t.Errorf("Expected the affine stage result to seed the nonrigid stage")
		}
	})

	t.Run("WarpSeedsNonrigidStage", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Registration.InitialXform = warpPath
		ep, err := cfg.ElasticParams(nil)
		if err != nil {
			t.Fatalf("ElasticParams failed: %v", err)
		}
		if ep.InitialWarp == nil {
			t.Errorf("Expected an initial warp")
		}
	})

	t.Run("Errors", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Registration.InitialXform = filepath.Join(dir, "missing.yaml")
		if _, err := cfg.AffineParams(); !errors.Is(err, registration.ErrInvalidConfiguration) {
			t.Errorf("Expected ErrInvalidConfiguration for a missing archive, got %v", err)
		}
		cfg.Registration.InitialXform = warpPath
		cfg.Registration.InitialXformIsInverse = true
		if _, err := cfg.ElasticParams(nil); !errors.Is(err, registration.ErrInvalidConfiguration) {
			t.Errorf("Expected ErrInvalidConfiguration for an inverse warp, got %v", err)
		}
	})
}
