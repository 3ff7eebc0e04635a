package registration

import (
	"warpreg/pkg/metric"
	"warpreg/pkg/volume"
	"warpreg/pkg/xform"
)

// InitMode selects how the initial affine transformation is guessed.
type InitMode string

const (
	// InitNone starts from the identity (or the caller's transformation).
	InitNone InitMode = "none"
	// InitFieldOfView aligns the centers of the crop regions.
	InitFieldOfView InitMode = "fov"
	// InitCenterOfMass aligns the intensity weighted centroids.
	InitCenterOfMass InitMode = "com"
	// InitPrincipalAxes aligns centroids and principal axes.
	InitPrincipalAxes InitMode = "pax"
	// InitPhaseCorrelation estimates a translation from the peak of the
	// FFT cross power spectrum.
	InitPhaseCorrelation InitMode = "fft"
)

// Optimizer names accepted in Params.Optimizer.
const (
	OptimizerBestNeighbour = "neighbour"
	OptimizerBestDirection = "direction"
	OptimizerNelderMead    = "neldermead"
)

// Params holds the settings shared by the affine and the elastic driver.
// It is passed by value; the drivers never modify the caller's copy.
type Params struct {
	// Metric is the similarity measure and Bins its histogram size for
	// the information theoretic measures (0 for the default).
	Metric metric.Kind
	Bins   int

	// Interpolation is used to sample the floating image.
	Interpolation volume.Interpolation

	// Exploration is the initial optimizer step in mm and Accuracy the
	// final one. The elastic driver derives Exploration from the grid
	// spacing when it is not positive.
	Exploration float64
	Accuracy    float64

	// Sampling is the finest resampled pyramid resolution in mm and
	// CoarsestResolution the coarsest; the pyramid doubles in between.
	Sampling           float64
	CoarsestResolution float64
	// UseOriginalData appends a final level on the unresampled images.
	UseOriginalData bool

	// Optimizer is one of the Optimizer* names.
	Optimizer string
	// StepFactor scales the optimizer step between passes.
	StepFactor float64
	// DeltaFThreshold stops a pass on small relative improvements.
	DeltaFThreshold float64
	// UseMaxNorm normalizes BestDirection gradients by their largest
	// component instead of their Euclidean length.
	UseMaxNorm bool

	// ForceOutside makes floating samples outside the image count with
	// ForceOutsideValue instead of being ignored.
	ForceOutside      bool
	ForceOutsideValue float64

	// Threads sizes the worker pool; zero uses all CPUs.
	Threads int
}

// DefaultParams returns the settings used when nothing is configured.
func DefaultParams() Params {
	return Params{
		Metric:          metric.NormalizedMutualInformation,
		Interpolation:   volume.Linear,
		Exploration:     8,
		Accuracy:        0.1,
		Sampling:        1,
		UseOriginalData: true,
		Optimizer:       OptimizerBestNeighbour,
		StepFactor:      0.5,
	}
}

func (p Params) validate() error {
	if p.Accuracy <= 0 {
		return configErrorf("accuracy", "must be positive, got %g", p.Accuracy)
	}
	if p.Sampling <= 0 {
		return configErrorf("sampling", "must be positive, got %g", p.Sampling)
	}
	if p.StepFactor <= 0 || p.StepFactor >= 1 {
		return configErrorf("step_factor", "must be in (0,1), got %g", p.StepFactor)
	}
	switch p.Optimizer {
	case OptimizerBestNeighbour, OptimizerBestDirection, OptimizerNelderMead:
	default:
		return configErrorf("optimizer", "unknown optimizer %q", p.Optimizer)
	}
	if p.Threads < 0 {
		return configErrorf("threads", "must not be negative, got %d", p.Threads)
	}
	return nil
}

// AffineParams configures AffineRegistration.
type AffineParams struct {
	Params

	// NumberDOFs is run on every level in turn; NumberDOFsFinal replaces
	// it on the last level when not empty. Valid entries are 3, 6, 7, 9
	// and 12.
	NumberDOFs      []int
	NumberDOFsFinal []int

	// NoSwitch keeps the first volume as the reference. Otherwise the
	// volume with the smaller voxel volume becomes the reference and the
	// result is inverted.
	NoSwitch bool

	Init InitMode
	// InitialXform seeds the search; it maps the first volume to the
	// second unless InitialXformIsInverse is set.
	InitialXform          *xform.Affine
	InitialXformIsInverse bool

	// LogScales optimizes the logarithms of the scale factors.
	LogScales bool
}

// DefaultAffineParams returns a 6 DOF schedule with field of view
// initialization.
func DefaultAffineParams() AffineParams {
	return AffineParams{
		Params:     DefaultParams(),
		NumberDOFs: []int{6},
		Init:       InitFieldOfView,
	}
}

func (p AffineParams) validate() error {
	if err := p.Params.validate(); err != nil {
		return err
	}
	if p.Exploration <= 0 {
		return configErrorf("exploration", "must be positive, got %g", p.Exploration)
	}
	for _, list := range [][]int{p.NumberDOFs, p.NumberDOFsFinal} {
		for _, dof := range list {
			if !xform.ValidDOF(dof) {
				return configErrorf("dofs", "unsupported number of degrees of freedom %d", dof)
			}
		}
	}
	switch p.Init {
	case "", InitNone, InitFieldOfView, InitCenterOfMass, InitPrincipalAxes, InitPhaseCorrelation:
	default:
		return configErrorf("init", "unknown initialization %q", p.Init)
	}
	return nil
}

// ElasticParams configures ElasticRegistration.
type ElasticParams struct {
	Params

	// GridSpacing is the initial control point spacing in mm. With
	// ExactGridSpacing the grid is extended instead of the spacing
	// adjusted to fit the domain.
	GridSpacing      float64
	ExactGridSpacing bool

	// RefineGrid is the number of grid refinements. DelayRefineGrid
	// optimizes each new level on the old grid first.
	RefineGrid      int
	DelayRefineGrid bool

	GridEnergyWeight         float64
	JacobianConstraintWeight float64
	InverseConsistencyWeight float64
	// RelaxWeight scales the regularization weights on the first pass of
	// every level; a second pass at full weight follows. Zero or negative
	// disables relaxation.
	RelaxWeight float64

	// Symmetric optimizes a backward warp alongside the forward one even
	// when InverseConsistencyWeight is zero.
	Symmetric bool

	AdaptiveFixParameters   bool
	AdaptiveFixThreshFactor float64
	RestrictToAxes          string
	IgnoreEdge              int

	MatchFltToRefHistogram       bool
	RepeatMatchFltToRefHistogram bool

	// InitialAffine is the affine part of the warp (reference to
	// floating). InitialWarp, if set, replaces the whole initial warp.
	InitialAffine *xform.Affine
	InitialWarp   *xform.SplineWarp

	// Inverse configures numerical inversion of the warps.
	Inverse xform.InverseOptions
}

// DefaultElasticParams returns a 15 mm grid refined three times.
func DefaultElasticParams() ElasticParams {
	p := DefaultParams()
	p.Exploration = 0
	p.Optimizer = OptimizerBestDirection
	return ElasticParams{
		Params:                  p,
		GridSpacing:             15,
		RefineGrid:              3,
		AdaptiveFixParameters:   true,
		AdaptiveFixThreshFactor: 0.5,
		Inverse:                 xform.DefaultInverseOptions(),
	}
}

func (p ElasticParams) symmetric() bool {
	return p.Symmetric || p.InverseConsistencyWeight > 0
}

func (p ElasticParams) validate() error {
	if err := p.Params.validate(); err != nil {
		return err
	}
	if p.GridSpacing <= 0 {
		return configErrorf("grid_spacing", "must be positive, got %g", p.GridSpacing)
	}
	if p.RefineGrid < 0 {
		return configErrorf("refine", "must not be negative, got %d", p.RefineGrid)
	}
	for name, w := range map[string]float64{
		"grid_energy_weight":         p.GridEnergyWeight,
		"jacobian_constraint_weight": p.JacobianConstraintWeight,
		"inverse_consistency_weight": p.InverseConsistencyWeight,
	} {
		if w < 0 {
			return configErrorf(name, "must not be negative, got %g", w)
		}
	}
	if p.Inverse.Tolerance <= 0 || p.Inverse.MaxIterations <= 0 {
		return configErrorf("inverse", "tolerance and iteration budget must be positive")
	}
	for _, c := range p.RestrictToAxes {
		switch c {
		case 'x', 'y', 'z', 'X', 'Y', 'Z':
		default:
			return configErrorf("restrict_to_axes", "unknown axis %q", c)
		}
	}
	return nil
}
