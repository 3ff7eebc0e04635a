package volume

import (
	"sort"

	"gonum.org/v1/gonum/floats"

	"warpreg/internal/models"
)

// MatchHistogram returns a copy of flt whose intensity distribution is
// mapped onto that of ref by matching cumulative histograms with the given
// number of bins.
func MatchHistogram(flt, ref *models.Volume, bins int) *models.Volume {
	return MatchHistogramObserved(flt, flt, ref, bins)
}

// MatchHistogramObserved derives the intensity mapping from the histogram
// of observed (typically flt reformatted into the reference grid) and
// applies it to flt.
func MatchHistogramObserved(flt, observed, ref *models.Volume, bins int) *models.Volume {
	if bins <= 0 {
		bins = 1024
	}
	fltMin, fltMax := observed.Range()
	refMin, refMax := ref.Range()
	out := flt.Clone()
	if fltMax <= fltMin || refMax <= refMin {
		return out
	}

	fltCDF := cumulativeHistogram(observed.Data, bins, fltMin, fltMax)
	refCDF := cumulativeHistogram(ref.Data, bins, refMin, refMax)
	refWidth := (refMax - refMin) / float64(bins)

	// lookup[b] is the reference intensity with the same cumulative rank as
	// floating bin b.
	lookup := make([]float64, bins)
	for b, c := range fltCDF {
		r := sort.SearchFloat64s(refCDF, c)
		if r >= bins {
			r = bins - 1
		}
		lo := 0.0
		if r > 0 {
			lo = refCDF[r-1]
		}
		frac := 0.5
		if refCDF[r] > lo {
			frac = (c - lo) / (refCDF[r] - lo)
		}
		lookup[b] = refMin + (float64(r)+frac)*refWidth
	}

	fltScale := float64(bins) / (fltMax - fltMin)
	for i, v := range flt.Data {
		b := int((v - fltMin) * fltScale)
		if b < 0 {
			b = 0
		} else if b >= bins {
			b = bins - 1
		}
		out.Data[i] = lookup[b]
	}
	return out
}

// cumulativeHistogram returns the normalized cumulative histogram of data.
func cumulativeHistogram(data []float64, bins int, min, max float64) []float64 {
	hist := make([]float64, bins)
	scale := float64(bins) / (max - min)
	for _, v := range data {
		b := int((v - min) * scale)
		if b < 0 {
			b = 0
		} else if b >= bins {
			b = bins - 1
		}
		hist[b]++
	}
	cdf := floats.CumSum(make([]float64, bins), hist)
	floats.Scale(1/cdf[bins-1], cdf)
	return cdf
}
