package metric

import (
	"gonum.org/v1/gonum/stat"
)

// Histogram accumulates a joint intensity histogram and reports mutual
// information or its normalized form (H(R)+H(F))/H(R,F).
type Histogram struct {
	normalized bool
	bins       int

	refMin, refScale float64
	fltMin, fltScale float64

	joint []float64
	n     int
}

// NewHistogram creates a joint histogram with bins x bins entries covering
// the given intensity ranges.
func NewHistogram(normalized bool, bins int, refMin, refMax, fltMin, fltMax float64) *Histogram {
	return &Histogram{
		normalized: normalized,
		bins:       bins,
		refMin:     refMin,
		refScale:   binScale(bins, refMin, refMax),
		fltMin:     fltMin,
		fltScale:   binScale(bins, fltMin, fltMax),
		joint:      make([]float64, bins*bins),
	}
}

func binScale(bins int, min, max float64) float64 {
	if max <= min {
		return 0
	}
	return float64(bins-1) / (max - min)
}

func (h *Histogram) bin(v, min, scale float64) int {
	b := int((v-min)*scale + 0.5)
	if b < 0 {
		return 0
	}
	if b >= h.bins {
		return h.bins - 1
	}
	return b
}

func (h *Histogram) index(ref, flt float64) int {
	return h.bin(ref, h.refMin, h.refScale)*h.bins + h.bin(flt, h.fltMin, h.fltScale)
}

func (h *Histogram) Reset() {
	for i := range h.joint {
		h.joint[i] = 0
	}
	h.n = 0
}

func (h *Histogram) Increment(ref, flt float64) {
	h.joint[h.index(ref, flt)]++
	h.n++
}

func (h *Histogram) Decrement(ref, flt float64) {
	h.joint[h.index(ref, flt)]--
	h.n--
}

func (h *Histogram) Add(other Metric) {
	o := other.(*Histogram)
	for i, v := range o.joint {
		h.joint[i] += v
	}
	h.n += o.n
}

// Entropies returns the marginal and joint entropies in nats.
func (h *Histogram) Entropies() (hRef, hFlt, hJoint float64) {
	if h.n == 0 {
		return 0, 0, 0
	}
	inv := 1 / float64(h.n)
	pRef := make([]float64, h.bins)
	pFlt := make([]float64, h.bins)
	pJoint := make([]float64, len(h.joint))
	for r := 0; r < h.bins; r++ {
		for f := 0; f < h.bins; f++ {
			p := h.joint[r*h.bins+f] * inv
			pJoint[r*h.bins+f] = p
			pRef[r] += p
			pFlt[f] += p
		}
	}
	return stat.Entropy(pRef), stat.Entropy(pFlt), stat.Entropy(pJoint)
}

func (h *Histogram) Get() float64 {
	if h.n == 0 {
		return 0
	}
	hRef, hFlt, hJoint := h.Entropies()
	if h.normalized {
		if hJoint <= 0 {
			// A single occupied bin: both images are constant.
			return 2
		}
		return (hRef + hFlt) / hJoint
	}
	return hRef + hFlt - hJoint
}

func (h *Histogram) Count() int { return h.n }

func (h *Histogram) Clone() Metric {
	out := *h
	out.joint = append([]float64(nil), h.joint...)
	return &out
}
