package registration

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"warpreg/internal/models"
	"warpreg/pkg/functional"
	"warpreg/pkg/optimizer"
	"warpreg/pkg/volume"
	"warpreg/pkg/xform"
)

// AffineRegistration finds an affine transformation from the first volume
// to the second over a resolution pyramid, stepping through a schedule of
// degrees of freedom on every level.
type AffineRegistration struct {
	engine
	params AffineParams

	volume1, volume2 *models.Volume
	ref, flt         *models.Volume
	switched         bool

	xform *xform.Affine

	dofs    []int
	dofsIdx int
	current []int
}

// NewAffineRegistration prepares a registration of vol2 (floating) to vol1
// (reference). Call InitRegistration, then Register.
func NewAffineRegistration(vol1, vol2 *models.Volume, p AffineParams) *AffineRegistration {
	return &AffineRegistration{
		engine:  newEngine(p.Params),
		params:  p,
		volume1: vol1,
		volume2: vol2,
		dofsIdx: -1,
	}
}

// InitRegistration validates the configuration, picks the reference,
// builds the initial transformation and the resolution pyramid.
func (r *AffineRegistration) InitRegistration() error {
	p := r.params
	if err := p.validate(); err != nil {
		return err
	}
	if err := checkVolume("reference", r.volume1); err != nil {
		return err
	}
	if err := checkVolume("floating", r.volume2); err != nil {
		return err
	}

	r.ref, r.flt, r.switched = r.volume1, r.volume2, false
	if !p.NoSwitch && r.volume1.VoxelVolume() < r.volume2.VoxelVolume() {
		r.ref, r.flt, r.switched = r.volume2, r.volume1, true
		r.logger.Info("switching reference and floating volume", "reason", "finer floating grid")
	}

	var x *xform.Affine
	if p.InitialXform != nil {
		x = p.InitialXform.CloneAffine()
		if r.switched != p.InitialXformIsInverse {
			inv, err := x.Inverse()
			if err != nil {
				return errors.Wrap(err, "inverting initial transformation")
			}
			x = inv
		}
	} else {
		x = initialAffine(p.Init, r.ref, r.flt, r.logger)
	}
	x.SetUseLogScales(p.LogScales)
	x.ChangeCenter(r.ref.CropCenter())
	r.xform = x

	coarsest := p.CoarsestResolution
	if coarsest <= 0 {
		coarsest = p.Exploration
	}
	if err := r.buildPyramid(r.ref, r.flt, coarsest); err != nil {
		return err
	}

	r.dofs = p.NumberDOFs
	if len(r.dofs) == 0 {
		r.dofs = []int{6}
	}
	r.dofsIdx = -1
	r.opt = r.newOptimizer()
	return nil
}

// Register runs the optimization. It returns CallbackOK on completion or
// the interrupt reason when the callback or ctx stopped it early; in both
// cases Transformation holds the best result found.
func (r *AffineRegistration) Register(ctx context.Context) (optimizer.CallbackResult, error) {
	if r.xform == nil {
		if err := r.InitRegistration(); err != nil {
			return optimizer.CallbackFailed, err
		}
	}
	return r.run(ctx, r, r.params.Exploration, r.params.Accuracy)
}

func (r *AffineRegistration) makeFunctional(level *models.ResolutionLevel) (functional.Functional, error) {
	ref, flt := r.levelVolumes(level, r.ref, r.flt)
	level.Reference, level.Floating = ref, flt
	m, err := r.newMetric(ref, flt)
	if err != nil {
		return nil, err
	}
	f := functional.NewAffine(ref, flt, r.xform, m, r.params.Interpolation, r.pool)
	if r.params.ForceOutside {
		f.SetForceOutside(r.params.ForceOutsideValue)
	}
	return f, nil
}

func (r *AffineRegistration) enterResolution(_ functional.Functional, idx, total int) error {
	if r.dofsIdx < 0 {
		r.current = r.dofs
		if idx == total && len(r.params.NumberDOFsFinal) > 0 {
			r.current = r.params.NumberDOFsFinal
		}
		r.dofsIdx = 0
	}
	dofs := r.current[r.dofsIdx]
	if err := r.xform.SetNumberDOFs(dofs); err != nil {
		return err
	}
	r.callback.Comment(fmt.Sprintf("Setting number of DOFs to %d.", dofs))
	return nil
}

func (r *AffineRegistration) doneResolution(_ functional.Functional, _, _ int) bool {
	r.dofsIdx++
	if r.dofsIdx >= len(r.current) {
		r.dofsIdx = -1
		return true
	}
	return false
}

// Transformation returns the result mapping the first volume onto the
// second, independent of which one served as the reference.
func (r *AffineRegistration) Transformation() (*xform.Affine, error) {
	if r.xform == nil {
		return nil, ErrNoTransformation
	}
	if r.switched {
		return r.inverseCopy()
	}
	return r.xform.CloneAffine(), nil
}

// InverseTransformation returns the result mapping the second volume onto
// the first.
func (r *AffineRegistration) InverseTransformation() (*xform.Affine, error) {
	if r.xform == nil {
		return nil, ErrNoTransformation
	}
	if r.switched {
		return r.xform.CloneAffine(), nil
	}
	return r.inverseCopy()
}

// inverseCopy detaches the inverse from the transformation's cache.
func (r *AffineRegistration) inverseCopy() (*xform.Affine, error) {
	inv, err := r.xform.Inverse()
	if err != nil {
		return nil, err
	}
	return inv.CloneAffine(), nil
}

// Switched reports whether the second volume was used as the reference.
func (r *AffineRegistration) Switched() bool {
	return r.switched
}

// ReformattedFloating resamples the second volume into the grid of the
// first through the result.
func (r *AffineRegistration) ReformattedFloating(interp volume.Interpolation, padding float64) (*models.Volume, error) {
	x, err := r.Transformation()
	if err != nil {
		return nil, err
	}
	return volume.Reformat(r.volume1, r.volume2, x, interp, padding, r.pool), nil
}
