package registration

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"warpreg/internal/models"
	"warpreg/pkg/functional"
	"warpreg/pkg/optimizer"
	"warpreg/pkg/volume"
	"warpreg/pkg/xform"
)

// ElasticRegistration refines an affine registration with a B-spline
// free-form deformation. The control point grid is refined between
// levels; with inverse consistency a backward warp is optimized together
// with the forward warp.
type ElasticRegistration struct {
	engine
	params ElasticParams

	ref, flt *models.Volume
	warp     *xform.SplineWarp
	inverse  *xform.SplineWarp

	exploration float64

	relaxationStep     bool
	refineGridCount    int
	refinedGridAtLevel int
	refineDelayed      bool
}

// NewElasticRegistration prepares a registration of flt to ref.
func NewElasticRegistration(ref, flt *models.Volume, p ElasticParams) *ElasticRegistration {
	return &ElasticRegistration{
		engine:             newEngine(p.Params),
		params:             p,
		ref:                ref,
		flt:                flt,
		refinedGridAtLevel: -1,
	}
}

// InitRegistration validates the configuration and builds the initial
// warp(s) and the resolution pyramid.
func (r *ElasticRegistration) InitRegistration() error {
	p := r.params
	if err := p.validate(); err != nil {
		return err
	}
	if err := checkVolume("reference", r.ref); err != nil {
		return err
	}
	if err := checkVolume("floating", r.flt); err != nil {
		return err
	}

	affine := xform.NewAffine()
	if p.InitialAffine != nil {
		affine = p.InitialAffine.CloneAffine()
	}
	affine.ChangeCenter(r.ref.CropCenter())

	if p.InitialWarp != nil {
		r.warp = p.InitialWarp.CloneWarp()
	} else {
		w, err := xform.NewSplineWarp(r.ref.Size(), p.GridSpacing, affine, p.ExactGridSpacing)
		if err != nil {
			return &ConfigError{Field: "grid_spacing", Reason: err.Error()}
		}
		r.warp = w
	}
	r.warp.SetInverseOptions(p.Inverse)

	r.inverse = nil
	if p.symmetric() {
		// A warp without initial affine starts from the identity, and so
		// does its backward warp.
		var inv *xform.Affine
		if initial := r.warp.InitialAffine(); initial != nil {
			var err error
			if inv, err = initial.Inverse(); err != nil {
				return errors.Wrap(err, "inverting initial affine transformation")
			}
		}
		w, err := xform.NewSplineWarp(r.flt.Size(), p.GridSpacing, inv, p.ExactGridSpacing)
		if err != nil {
			return &ConfigError{Field: "grid_spacing", Reason: err.Error()}
		}
		w.SetInverseOptions(p.Inverse)
		r.inverse = w
	}

	r.exploration = p.Exploration
	if r.exploration <= 0 {
		s := r.warp.Spacing()
		r.exploration = 0.25 * math.Max(s[0], math.Max(s[1], s[2]))
	}
	coarsest := p.CoarsestResolution
	if coarsest <= 0 {
		coarsest = r.exploration
	}
	if err := r.buildPyramid(r.ref, r.flt, coarsest); err != nil {
		return err
	}

	r.relaxationStep = false
	r.refineGridCount = 0
	r.refinedGridAtLevel = -1
	r.refineDelayed = false
	r.opt = r.newOptimizer()
	return nil
}

// Register runs the optimization; see AffineRegistration.Register.
func (r *ElasticRegistration) Register(ctx context.Context) (optimizer.CallbackResult, error) {
	if r.warp == nil {
		if err := r.InitRegistration(); err != nil {
			return optimizer.CallbackFailed, err
		}
	}
	return r.run(ctx, r, r.exploration, r.params.Accuracy)
}

func (r *ElasticRegistration) makeFunctional(level *models.ResolutionLevel) (functional.Functional, error) {
	p := r.params
	ref, flt := r.ref, r.flt
	if level.Index == 1 && p.MatchFltToRefHistogram {
		flt = volume.MatchHistogram(flt, ref, 0)
	} else if p.RepeatMatchFltToRefHistogram {
		observed := volume.Reformat(ref, flt, r.warp, volume.NearestNeighbor, 0, r.pool)
		flt = volume.MatchHistogramObserved(flt, observed, ref, 0)
	}
	ref, flt = r.levelVolumes(level, ref, flt)
	level.Reference, level.Floating = ref, flt

	forward, err := r.newNonrigid(ref, flt)
	if err != nil {
		return nil, err
	}
	forward.ActiveAxes = p.RestrictToAxes
	if r.inverse == nil {
		return forward, nil
	}
	backward, err := r.newNonrigid(flt, ref)
	if err != nil {
		return nil, err
	}
	backward.ActiveAxes = p.RestrictToAxes
	return functional.NewSymmetric(forward, backward), nil
}

func (r *ElasticRegistration) newNonrigid(ref, flt *models.Volume) (*functional.Nonrigid, error) {
	m, err := r.newMetric(ref, flt)
	if err != nil {
		return nil, err
	}
	f := functional.NewNonrigid(ref, flt, m, r.params.Interpolation, r.pool)
	f.AdaptiveFixParameters = r.params.AdaptiveFixParameters
	f.AdaptiveFixThreshFactor = r.params.AdaptiveFixThreshFactor
	f.IgnoreEdge = r.params.IgnoreEdge
	if r.params.ForceOutside {
		f.SetForceOutside(r.params.ForceOutsideValue)
	}
	return f, nil
}

// enterResolution binds the warps and sets the regularization weights,
// scaled by RelaxWeight unless this is the relaxation pass.
func (r *ElasticRegistration) enterResolution(f functional.Functional, _, _ int) error {
	p := r.params
	energy, jacobian, ic := p.GridEnergyWeight, p.JacobianConstraintWeight, p.InverseConsistencyWeight
	if p.RelaxWeight > 0 && !r.relaxationStep {
		energy *= p.RelaxWeight
		jacobian *= p.RelaxWeight
		ic *= p.RelaxWeight
	}

	switch f := f.(type) {
	case *functional.Nonrigid:
		f.SetWarp(r.warp)
		f.SetGridEnergyWeight(energy)
		f.SetJacobianConstraintWeight(jacobian)
	case *functional.Symmetric:
		f.SetWarps(r.warp, r.inverse)
		f.SetWeights(energy, jacobian, ic)
	default:
		return errors.Errorf("unexpected functional %T", f)
	}
	r.logger.Debug("control point grid", "dims", r.warp.Dims(), "spacing", r.warp.Spacing(), "active", r.warp.ActiveCount())
	return nil
}

// doneResolution decides whether the level needs another pass: after a
// relaxation pass, after refining the grid with delayed refinement, and on
// the last level until all refinements are done.
func (r *ElasticRegistration) doneResolution(_ functional.Functional, idx, total int) bool {
	if r.params.RelaxWeight > 0 && !r.relaxationStep {
		r.relaxationStep = true
		return false
	}
	r.relaxationStep = false

	repeat := idx == total && r.refineGridCount < r.params.RefineGrid
	if r.refinedGridAtLevel != idx || idx == total {
		if r.refineGridCount < r.params.RefineGrid {
			if !r.params.DelayRefineGrid || r.refineDelayed || idx == total {
				r.refine()
				r.refinedGridAtLevel = idx
				if r.params.DelayRefineGrid && idx > 1 {
					repeat = true
				}
				r.refineDelayed = false
			} else {
				r.refineDelayed = true
			}
		}
	} else {
		r.refineDelayed = true
	}
	return !repeat
}

func (r *ElasticRegistration) refine() {
	r.warp.Refine()
	if r.inverse != nil {
		r.inverse.Refine()
	}
	r.refineGridCount++
	r.callback.Comment("Refined control point grid.")
	r.logger.Info("refined control point grid", "count", r.refineGridCount, "dims", r.warp.Dims())
}

// Transformation returns the forward warp (reference to floating).
func (r *ElasticRegistration) Transformation() (*xform.SplineWarp, error) {
	if r.warp == nil {
		return nil, ErrNoTransformation
	}
	return r.warp, nil
}

// InverseTransformation returns the backward warp of a symmetric
// registration.
func (r *ElasticRegistration) InverseTransformation() (*xform.SplineWarp, error) {
	if r.inverse == nil {
		return nil, ErrNoTransformation
	}
	return r.inverse, nil
}

// InverseConsistencyError is the mean distance |backward(forward(v)) - v|
// over the reference grid.
func (r *ElasticRegistration) InverseConsistencyError() (float64, error) {
	if r.warp == nil || r.inverse == nil {
		return 0, ErrNoTransformation
	}
	return r.warp.InverseConsistencyError(r.inverse, r.ref.Dims(), r.ref.Delta(), r.ref.CropRegion()), nil
}

// NumericalInverseError reports how well the forward warp can be inverted
// by Newton iteration: the mean residual |T^-1(T(v)) - v| over the
// reference crop region and the number of voxels that failed to invert.
func (r *ElasticRegistration) NumericalInverseError() (float64, int, error) {
	if r.warp == nil {
		return 0, 0, ErrNoTransformation
	}
	mean, failed := r.warp.NumericalInverseError(r.ref.Dims(), r.ref.Delta(), r.ref.CropRegion())
	return mean, failed, nil
}

// ReformattedFloating resamples the floating volume into the reference
// grid through the forward warp.
func (r *ElasticRegistration) ReformattedFloating(interp volume.Interpolation, padding float64) (*models.Volume, error) {
	if r.warp == nil {
		return nil, ErrNoTransformation
	}
	return volume.Reformat(r.ref, r.flt, r.warp, interp, padding, r.pool), nil
}
