package metric

// MSD is the negated mean squared intensity difference.
type MSD struct {
	sum float64
	n   int
}

func (m *MSD) Reset() { *m = MSD{} }

func (m *MSD) Increment(ref, flt float64) {
	d := ref - flt
	m.sum += d * d
	m.n++
}

func (m *MSD) Decrement(ref, flt float64) {
	d := ref - flt
	m.sum -= d * d
	m.n--
}

func (m *MSD) Add(other Metric) {
	o := other.(*MSD)
	m.sum += o.sum
	m.n += o.n
}

// Get returns -mean((ref-flt)^2), or zero without samples.
func (m *MSD) Get() float64 {
	if m.n == 0 {
		return 0
	}
	return -m.sum / float64(m.n)
}

func (m *MSD) Count() int { return m.n }

func (m *MSD) Clone() Metric {
	out := *m
	return &out
}
