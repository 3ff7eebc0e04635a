package metric

import "math"

// NCC is the normalized (Pearson) cross correlation.
type NCC struct {
	sumR, sumF, sumRR, sumFF, sumRF float64
	n                               int
}

func (m *NCC) Reset() { *m = NCC{} }

func (m *NCC) Increment(ref, flt float64) {
	m.sumR += ref
	m.sumF += flt
	m.sumRR += ref * ref
	m.sumFF += flt * flt
	m.sumRF += ref * flt
	m.n++
}

func (m *NCC) Decrement(ref, flt float64) {
	m.sumR -= ref
	m.sumF -= flt
	m.sumRR -= ref * ref
	m.sumFF -= flt * flt
	m.sumRF -= ref * flt
	m.n--
}

func (m *NCC) Add(other Metric) {
	o := other.(*NCC)
	m.sumR += o.sumR
	m.sumF += o.sumF
	m.sumRR += o.sumRR
	m.sumFF += o.sumFF
	m.sumRF += o.sumRF
	m.n += o.n
}

// Get returns the correlation coefficient, or zero when either side has no
// variance.
func (m *NCC) Get() float64 {
	if m.n == 0 {
		return 0
	}
	n := float64(m.n)
	cov := m.sumRF - m.sumR*m.sumF/n
	varR := m.sumRR - m.sumR*m.sumR/n
	varF := m.sumFF - m.sumF*m.sumF/n
	if varR <= 0 || varF <= 0 {
		return 0
	}
	return cov / math.Sqrt(varR*varF)
}

func (m *NCC) Count() int { return m.n }

func (m *NCC) Clone() Metric {
	out := *m
	return &out
}
