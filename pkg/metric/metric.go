// Package metric implements voxel similarity measures as incremental
// accumulators. All measures are oriented so that larger is better.
package metric

import (
	"fmt"
	"strings"

	"warpreg/internal/models"
)

// Metric accumulates (reference, floating) intensity pairs.
type Metric interface {
	// Reset clears all accumulated samples.
	Reset()
	// Increment adds one sample pair.
	Increment(ref, flt float64)
	// Decrement removes a sample pair previously added.
	Decrement(ref, flt float64)
	// Add merges the samples of other, which must be of the same type and
	// configuration.
	Add(other Metric)
	// Get returns the similarity of the accumulated samples.
	Get() float64
	// Count returns the number of accumulated samples.
	Count() int
	// Clone returns an independent copy including accumulated samples.
	Clone() Metric
}

// Kind selects a similarity measure.
type Kind int

const (
	NormalizedMutualInformation Kind = iota
	MutualInformation
	CrossCorrelation
	MeanSquaredDifference
)

var kindNames = map[Kind]string{
	NormalizedMutualInformation: "nmi",
	MutualInformation:           "mi",
	CrossCorrelation:            "ncc",
	MeanSquaredDifference:       "msd",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts the short names nmi, mi, ncc and msd.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown similarity metric %q", name)
}

// DefaultBins is the histogram size used when zero bins are requested.
const DefaultBins = 32

// New creates an empty accumulator for the given volumes. Histogram based
// measures take their intensity ranges from the volumes.
func New(kind Kind, ref, flt *models.Volume, bins int) (Metric, error) {
	if bins <= 0 {
		bins = DefaultBins
	}
	switch kind {
	case MeanSquaredDifference:
		return &MSD{}, nil
	case CrossCorrelation:
		return &NCC{}, nil
	case MutualInformation, NormalizedMutualInformation:
		refMin, refMax := ref.Range()
		fltMin, fltMax := flt.Range()
		return NewHistogram(kind == NormalizedMutualInformation, bins, refMin, refMax, fltMin, fltMax), nil
	default:
		return nil, fmt.Errorf("unsupported similarity metric %v", kind)
	}
}
