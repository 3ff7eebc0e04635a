// Package archive stores transformations as versioned YAML records.
package archive

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"

	"warpreg/pkg/xform"
)

const CurrentVersion = 1

const (
	TypeAffine     = "affine"
	TypeSplineWarp = "spline_warp"
)

var (
	ErrVersionMismatch = errors.New("archive version mismatch")
	ErrUnknownType     = errors.New("unknown transformation type")
)

// Record is the on-disk form of one transformation.
type Record struct {
	Version int           `yaml:"version"`
	Type    string        `yaml:"type"`
	Affine  *AffineRecord `yaml:"affine,omitempty"`
	Warp    *WarpRecord   `yaml:"spline_warp,omitempty"`
}

// AffineRecord holds the 15 affine parameters.
type AffineRecord struct {
	DOFs      int       `yaml:"dofs"`
	LogScales bool      `yaml:"log_scales,omitempty"`
	Params    []float64 `yaml:"params"`
}

// WarpRecord holds the grid geometry and coefficients of a spline warp.
type WarpRecord struct {
	Domain       [3]float64    `yaml:"domain"`
	Dims         [3]int        `yaml:"dims"`
	Spacing      [3]float64    `yaml:"spacing"`
	Coefficients []float64     `yaml:"coefficients,flow"`
	Fixed        []int         `yaml:"fixed,flow,omitempty"`
	Initial      *AffineRecord `yaml:"initial,omitempty"`
}

func affineRecord(a *xform.Affine) *AffineRecord {
	if a == nil {
		return nil
	}
	return &AffineRecord{DOFs: a.NumberDOFs(), LogScales: a.UseLogScales(), Params: a.ParamVector()}
}

func (r *AffineRecord) affine() (*xform.Affine, error) {
	if r == nil {
		return nil, nil
	}
	if len(r.Params) != xform.NumberOfAffineParameters {
		return nil, fmt.Errorf("affine record has %d parameters, expected %d", len(r.Params), xform.NumberOfAffineParameters)
	}
	a := xform.NewAffineFromParams(r.Params, r.LogScales)
	if r.DOFs != 0 {
		if err := a.SetNumberDOFs(r.DOFs); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// NewRecord converts a transformation into its archive record.
func NewRecord(x xform.Xform) (Record, error) {
	switch x := x.(type) {
	case *xform.Affine:
		return Record{Version: CurrentVersion, Type: TypeAffine, Affine: affineRecord(x)}, nil
	case *xform.SplineWarp:
		d := x.Domain()
		w := &WarpRecord{
			Domain:       [3]float64{d.X, d.Y, d.Z},
			Dims:         x.Dims(),
			Spacing:      x.Spacing(),
			Coefficients: x.ParamVector(),
			Initial:      affineRecord(x.InitialAffine()),
		}
		for idx, active := range x.ActiveFlags() {
			if !active {
				w.Fixed = append(w.Fixed, idx)
			}
		}
		return Record{Version: CurrentVersion, Type: TypeSplineWarp, Warp: w}, nil
	}
	return Record{}, fmt.Errorf("%w: %T", ErrUnknownType, x)
}

// Xform rebuilds the transformation of a record.
func (r Record) Xform() (xform.Xform, error) {
	if r.Version != CurrentVersion {
		return nil, ErrVersionMismatch
	}
	switch r.Type {
	case TypeAffine:
		if r.Affine == nil {
			return nil, fmt.Errorf("affine record without parameters")
		}
		return r.Affine.affine()
	case TypeSplineWarp:
		if r.Warp == nil {
			return nil, fmt.Errorf("spline warp record without grid")
		}
		initial, err := r.Warp.Initial.affine()
		if err != nil {
			return nil, fmt.Errorf("initial affine: %w", err)
		}
		domain := r3.Vector{X: r.Warp.Domain[0], Y: r.Warp.Domain[1], Z: r.Warp.Domain[2]}
		w, err := xform.NewSplineWarpFromGrid(domain, r.Warp.Dims, r.Warp.Spacing, r.Warp.Coefficients, initial)
		if err != nil {
			return nil, err
		}
		for _, idx := range r.Warp.Fixed {
			if idx < 0 || idx >= w.ParamVectorDim() {
				return nil, fmt.Errorf("fixed parameter %d out of range", idx)
			}
			w.SetParameterInactive(idx)
		}
		return w, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
}

// Encode serializes a transformation.
func Encode(x xform.Xform) ([]byte, error) {
	record, err := NewRecord(x)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(record)
}

// Decode parses a serialized transformation.
func Decode(data []byte) (xform.Xform, error) {
	var record Record
	if err := yaml.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("error parsing transformation: %w", err)
	}
	return record.Xform()
}

// Save writes a transformation to path.
func Save(path string, x xform.Xform) error {
	data, err := Encode(x)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing transformation file: %w", err)
	}
	return nil
}

// Load reads a transformation from path.
func Load(path string) (xform.Xform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading transformation file: %w", err)
	}
	return Decode(data)
}
