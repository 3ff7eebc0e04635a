// Package config provides configuration loading and management for warpreg.
// It handles loading configuration from YAML files, provides default values
// and converts the settings into registration parameters.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"warpreg/pkg/archive"
	"warpreg/pkg/metric"
	"warpreg/pkg/registration"
	"warpreg/pkg/volume"
	"warpreg/pkg/xform"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Settings shared by the affine and the nonrigid stage
	Registration struct {
		// Metric is the similarity measure: nmi, mi, ncc or msd
		Metric string `yaml:"metric"`

		// Bins is the histogram size of nmi and mi, 0 for the default
		Bins int `yaml:"bins"`

		// Interpolation is linear or nearest
		Interpolation string `yaml:"interpolation"`

		// Sampling is the finest pyramid resolution in mm
		Sampling float64 `yaml:"sampling"`

		// CoarsestResolution is the coarsest pyramid resolution in mm, 0 derives it from the step size
		CoarsestResolution float64 `yaml:"coarsestResolution"`

		// UseOriginalData adds a final level on the unresampled images
		UseOriginalData bool `yaml:"useOriginalData"`

		StepFactor      float64 `yaml:"stepFactor"`
		DeltaFThreshold float64 `yaml:"deltaFThreshold"`

		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// ForceOutside counts samples outside the floating image as ForceOutsideValue
		ForceOutside      bool    `yaml:"forceOutside"`
		ForceOutsideValue float64 `yaml:"forceOutsideValue"`

		// InitialXform is an optional transformation archive seeding the search
		InitialXform string `yaml:"initialXform"`

		// InitialXformIsInverse marks InitialXform as mapping floating to reference
		InitialXformIsInverse bool `yaml:"initialXformIsInverse"`
	} `yaml:"registration"`

	// Affine stage parameters
	Affine struct {
		Enabled bool `yaml:"enabled"`

		// DOFs is the degrees of freedom schedule run on every level
		DOFs []int `yaml:"dofs"`

		// DOFsFinal replaces DOFs on the last level when set
		DOFsFinal []int `yaml:"dofsFinal"`

		// Init is none, fov, com, pax or fft
		Init string `yaml:"init"`

		NoSwitch    bool    `yaml:"noSwitch"`
		Exploration float64 `yaml:"exploration"`
		Accuracy    float64 `yaml:"accuracy"`
		LogScales   bool    `yaml:"logScales"`

		// Optimizer is neighbour, direction or neldermead
		Optimizer string `yaml:"optimizer"`
	} `yaml:"affine"`

	// Nonrigid stage parameters
	Warp struct {
		Enabled bool `yaml:"enabled"`

		// GridSpacing is the initial control point spacing in mm
		GridSpacing      float64 `yaml:"gridSpacing"`
		ExactGridSpacing bool    `yaml:"exactGridSpacing"`

		// Refine is the number of control point grid refinements
		Refine      int  `yaml:"refine"`
		DelayRefine bool `yaml:"delayRefine"`

		// MaxStepSize and MinStepSize bound the optimizer step in mm; 0 derives the maximum from the grid spacing
		MaxStepSize float64 `yaml:"maxStepSize"`
		MinStepSize float64 `yaml:"minStepSize"`

		GridEnergyWeight         float64 `yaml:"gridEnergyWeight"`
		JacobianConstraintWeight float64 `yaml:"jacobianConstraintWeight"`
		InverseConsistencyWeight float64 `yaml:"inverseConsistencyWeight"`
		RelaxWeight              float64 `yaml:"relaxWeight"`

		// Symmetric optimizes a backward warp together with the forward warp
		Symmetric bool `yaml:"symmetric"`

		AdaptiveFixParameters   bool    `yaml:"adaptiveFixParameters"`
		AdaptiveFixThreshFactor float64 `yaml:"adaptiveFixThreshFactor"`
		RestrictToAxes          string  `yaml:"restrictToAxes"`
		IgnoreEdge              int     `yaml:"ignoreEdge"`

		MatchHistograms       bool `yaml:"matchHistograms"`
		RepeatMatchHistograms bool `yaml:"repeatMatchHistograms"`

		// InverseTolerance (mm) and InverseMaxIterations control numerical warp inversion
		InverseTolerance     float64 `yaml:"inverseTolerance"`
		InverseMaxIterations int     `yaml:"inverseMaxIterations"`

		Optimizer  string `yaml:"optimizer"`
		UseMaxNorm bool   `yaml:"useMaxNorm"`
	} `yaml:"warp"`

	// Output parameters
	Output struct {
		// Dir receives transformations, reformatted slices and plots
		Dir string `yaml:"dir"`

		SaveReformatted bool `yaml:"saveReformatted"`
		SaveJacobian    bool `yaml:"saveJacobian"`
		PlotConvergence bool `yaml:"plotConvergence"`

		// SliceAxis selects the axis of saved slice sequences
		SliceAxis string `yaml:"sliceAxis"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level"`

		// File is an optional rotating log file
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	// Transformation database parameters
	Database struct {
		// Backend is memory or sqlite; empty disables the database
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"database"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	reg := registration.DefaultParams()
	cfg.Registration.Metric = reg.Metric.String()
	cfg.Registration.Interpolation = reg.Interpolation.String()
	cfg.Registration.Sampling = reg.Sampling
	cfg.Registration.UseOriginalData = reg.UseOriginalData
	cfg.Registration.StepFactor = reg.StepFactor
	cfg.Registration.NumCores = runtime.NumCPU() // Use all available cores by default

	affine := registration.DefaultAffineParams()
	cfg.Affine.Enabled = true
	cfg.Affine.DOFs = affine.NumberDOFs
	cfg.Affine.Init = string(affine.Init)
	cfg.Affine.Exploration = affine.Exploration
	cfg.Affine.Accuracy = affine.Accuracy
	cfg.Affine.Optimizer = affine.Optimizer

	elastic := registration.DefaultElasticParams()
	cfg.Warp.Enabled = true
	cfg.Warp.GridSpacing = elastic.GridSpacing
	cfg.Warp.Refine = elastic.RefineGrid
	cfg.Warp.MinStepSize = elastic.Accuracy
	cfg.Warp.AdaptiveFixParameters = elastic.AdaptiveFixParameters
	cfg.Warp.AdaptiveFixThreshFactor = elastic.AdaptiveFixThreshFactor
	cfg.Warp.InverseTolerance = elastic.Inverse.Tolerance
	cfg.Warp.InverseMaxIterations = elastic.Inverse.MaxIterations
	cfg.Warp.Optimizer = elastic.Optimizer
	cfg.Warp.UseMaxNorm = true

	cfg.Output.Dir = "output"
	cfg.Output.SaveReformatted = true
	cfg.Output.SliceAxis = "z"

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// baseParams converts the shared section
func (cfg *Config) baseParams() (registration.Params, error) {
	p := registration.DefaultParams()
	r := cfg.Registration

	kind, err := metric.ParseKind(r.Metric)
	if err != nil {
		return p, &registration.ConfigError{Field: "registration.metric", Reason: err.Error()}
	}
	interp, err := volume.ParseInterpolation(r.Interpolation)
	if err != nil {
		return p, &registration.ConfigError{Field: "registration.interpolation", Reason: err.Error()}
	}

	p.Metric = kind
	p.Bins = r.Bins
	p.Interpolation = interp
	p.Sampling = r.Sampling
	p.CoarsestResolution = r.CoarsestResolution
	p.UseOriginalData = r.UseOriginalData
	p.StepFactor = r.StepFactor
	p.DeltaFThreshold = r.DeltaFThreshold
	p.Threads = r.NumCores
	p.ForceOutside = r.ForceOutside
	p.ForceOutsideValue = r.ForceOutsideValue
	return p, nil
}

// InitialTransform loads registration.initialXform, or returns nil when
// none is configured. A nonrigid archive cannot be marked inverse.
func (cfg *Config) InitialTransform() (xform.Xform, error) {
	r := cfg.Registration
	if r.InitialXform == "" {
		return nil, nil
	}
	x, err := archive.Load(r.InitialXform)
	if err != nil {
		return nil, &registration.ConfigError{Field: "registration.initialXform", Reason: err.Error()}
	}
	if _, ok := x.(*xform.SplineWarp); ok && r.InitialXformIsInverse {
		return nil, &registration.ConfigError{Field: "registration.initialXformIsInverse", Reason: "a nonrigid transformation cannot be inverted"}
	}
	return x, nil
}

// AffineParams returns the parameters of the affine stage. A nonrigid
// initial transformation contributes its initial affine.
func (cfg *Config) AffineParams() (registration.AffineParams, error) {
	base, err := cfg.baseParams()
	if err != nil {
		return registration.AffineParams{}, err
	}
	initial, err := cfg.InitialTransform()
	if err != nil {
		return registration.AffineParams{}, err
	}
	var initialAffine *xform.Affine
	switch x := initial.(type) {
	case *xform.Affine:
		initialAffine = x
	case *xform.SplineWarp:
		initialAffine = x.InitialAffine()
	}
	a := cfg.Affine
	base.Exploration = a.Exploration
	base.Accuracy = a.Accuracy
	if a.Optimizer != "" {
		base.Optimizer = a.Optimizer
	}
	return registration.AffineParams{
		Params:          base,
		NumberDOFs:      append([]int(nil), a.DOFs...),
		NumberDOFsFinal: append([]int(nil), a.DOFsFinal...),
		NoSwitch:        a.NoSwitch,
		Init:            registration.InitMode(a.Init),
		LogScales:       a.LogScales,

		InitialXform:          initialAffine,
		InitialXformIsInverse: cfg.Registration.InitialXformIsInverse,
	}, nil
}

// ElasticParams returns the parameters of the nonrigid stage. initial is
// the result of the affine stage and may be nil; only then does
// registration.initialXform seed the stage, as initial affine or, for a
// nonrigid archive, as the whole initial warp.
func (cfg *Config) ElasticParams(initial *xform.Affine) (registration.ElasticParams, error) {
	base, err := cfg.baseParams()
	if err != nil {
		return registration.ElasticParams{}, err
	}
	var initialWarp *xform.SplineWarp
	if initial == nil {
		loaded, err := cfg.InitialTransform()
		if err != nil {
			return registration.ElasticParams{}, err
		}
		switch x := loaded.(type) {
		case *xform.Affine:
			initial = x
			if cfg.Registration.InitialXformIsInverse {
				if initial, err = x.Inverse(); err != nil {
					return registration.ElasticParams{}, &registration.ConfigError{Field: "registration.initialXform", Reason: err.Error()}
				}
			}
		case *xform.SplineWarp:
			initialWarp = x
		}
	}
	w := cfg.Warp
	base.Exploration = w.MaxStepSize
	base.Accuracy = w.MinStepSize
	base.UseMaxNorm = w.UseMaxNorm
	if w.Optimizer != "" {
		base.Optimizer = w.Optimizer
	}
	return registration.ElasticParams{
		Params:                       base,
		GridSpacing:                  w.GridSpacing,
		ExactGridSpacing:             w.ExactGridSpacing,
		RefineGrid:                   w.Refine,
		DelayRefineGrid:              w.DelayRefine,
		GridEnergyWeight:             w.GridEnergyWeight,
		JacobianConstraintWeight:     w.JacobianConstraintWeight,
		InverseConsistencyWeight:     w.InverseConsistencyWeight,
		RelaxWeight:                  w.RelaxWeight,
		Symmetric:                    w.Symmetric,
		AdaptiveFixParameters:        w.AdaptiveFixParameters,
		AdaptiveFixThreshFactor:      w.AdaptiveFixThreshFactor,
		RestrictToAxes:               w.RestrictToAxes,
		IgnoreEdge:                   w.IgnoreEdge,
		MatchFltToRefHistogram:       w.MatchHistograms,
		RepeatMatchFltToRefHistogram: w.RepeatMatchHistograms,
		InitialAffine:                initial,
		InitialWarp:                  initialWarp,
		Inverse: xform.InverseOptions{
			Tolerance:     w.InverseTolerance,
			MaxIterations: w.InverseMaxIterations,
		},
	}, nil
}
