package registration

import (
	"github.com/charmbracelet/log"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"warpreg/internal/models"
	"warpreg/pkg/volume"
	"warpreg/pkg/xform"
)

func checkVolume(name string, v *models.Volume) error {
	if v == nil {
		return configErrorf(name, "volume is missing")
	}
	if err := v.Validate(); err != nil {
		return errors.Wrapf(ErrDegenerateVolume, "%s: %v", name, err)
	}
	if v.CropRegion().Empty() {
		return errors.Wrapf(ErrDegenerateVolume, "%s: empty crop region", name)
	}
	return nil
}

// initialAffine guesses a transformation mapping ref onto flt. A failed
// principal axes or phase correlation alignment falls back to the identity
// with a warning.
func initialAffine(mode InitMode, ref, flt *models.Volume, logger *log.Logger) *xform.Affine {
	a := xform.NewAffine()
	switch mode {
	case InitFieldOfView:
		a.SetTranslation(flt.CropCenter().Sub(ref.CropCenter()))
	case InitCenterOfMass:
		a.SetTranslation(volume.CenterOfMass(flt).Sub(volume.CenterOfMass(ref)))
	case InitPrincipalAxes:
		pax, err := principalAxesAffine(ref, flt)
		if err != nil {
			logger.Warn("principal axes initialization failed, using identity", "err", err)
			return a
		}
		return pax
	case InitPhaseCorrelation:
		shift, peak, err := volume.PhaseCorrelation(ref, flt)
		if err != nil {
			logger.Warn("phase correlation failed, using identity", "err", err)
			return a
		}
		logger.Debug("phase correlation", "shift", shift, "peak", peak)
		a.SetTranslation(shift)
	}
	return a
}

// principalAxesAffine maps the principal axes frame of ref onto that of
// flt: T(v) = Aflt * Aref^T * (v - cref) + cflt.
func principalAxesAffine(ref, flt *models.Volume) (*xform.Affine, error) {
	refCenter, refAxes, _, err := volume.PrincipalAxes(ref)
	if err != nil {
		return nil, errors.Wrap(err, "reference")
	}
	fltCenter, fltAxes, _, err := volume.PrincipalAxes(flt)
	if err != nil {
		return nil, errors.Wrap(err, "floating")
	}
	linear := fltAxes.Mul(refAxes.Transpose())
	m := xform.Translation4(fltCenter).Mul(xform.Linear4(linear)).Mul(xform.Translation4(r3.Vector{}.Sub(refCenter)))
	return xform.NewAffineFromMatrix(m, refCenter, false)
}
