package parallel

// SplitRange returns the half-open range [from, to) of part out of parts
// equal-sized chunks of n items.
func SplitRange(n, parts, part int) (from, to int) {
	if parts <= 0 {
		return 0, n
	}
	chunk := n / parts
	rest := n % parts
	from = part*chunk + min(part, rest)
	to = from + chunk
	if part < rest {
		to++
	}
	return from, to
}

// InterleavedGroups partitions the control points of a grid with the given
// dimensions into period^3 groups by (i mod period, j mod period,
// k mod period). Each group lists linear control point indices
// i + dims[0]*(j + dims[1]*k).
//
// With period 4, a cubic B-spline control point influences only the cells
// within three indices of itself, so the supports of two points in the same
// group never overlap: all points of one group can be perturbed
// concurrently without touching a shared voxel. Groups are ordered with the
// x offset varying fastest, starting at offset (0,0,0).
func InterleavedGroups(dims [3]int, period int) [][]int {
	if period < 1 {
		period = 1
	}
	groups := make([][]int, 0, period*period*period)
	for oz := 0; oz < period; oz++ {
		for oy := 0; oy < period; oy++ {
			for ox := 0; ox < period; ox++ {
				var group []int
				for k := oz; k < dims[2]; k += period {
					for j := oy; j < dims[1]; j += period {
						for i := ox; i < dims[0]; i += period {
							group = append(group, i+dims[0]*(j+dims[1]*k))
						}
					}
				}
				if len(group) > 0 {
					groups = append(groups, group)
				}
			}
		}
	}
	return groups
}
