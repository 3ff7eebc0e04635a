package parallel

import "testing"

func TestSplitRange(t *testing.T) {
	tests := []struct {
		n, parts int
	}{
		{10, 3},
		{3, 5},
		{0, 4},
		{100, 7},
	}
	for _, tt := range tests {
		next := 0
		for part := 0; part < tt.parts; part++ {
			from, to := SplitRange(tt.n, tt.parts, part)
			if from != next {
				t.Errorf("n=%d parts=%d: expected part %d to start at %d, got %d", tt.n, tt.parts, part, next, from)
			}
			if to-from > tt.n/tt.parts+1 {
				t.Errorf("n=%d parts=%d: part %d too large: [%d,%d)", tt.n, tt.parts, part, from, to)
			}
			next = to
		}
		if next != tt.n {
			t.Errorf("n=%d parts=%d: expected coverage up to %d, got %d", tt.n, tt.parts, tt.n, next)
		}
	}
}

func TestInterleavedGroups(t *testing.T) {
	dims := [3]int{9, 6, 5}
	groups := InterleavedGroups(dims, 4)

	t.Run("Partition", func(t *testing.T) {
		seen := make(map[int]int)
		for _, g := range groups {
			for _, idx := range g {
				seen[idx]++
			}
		}
		n := dims[0] * dims[1] * dims[2]
		if len(seen) != n {
			t.Errorf("Expected %d control points, got %d", n, len(seen))
		}
		for idx, count := range seen {
			if count != 1 {
				t.Errorf("Control point %d appears in %d groups", idx, count)
			}
		}
	})

	t.Run("DisjointSupports", func(t *testing.T) {
		for gi, g := range groups {
			for a := 0; a < len(g); a++ {
				for b := a + 1; b < len(g); b++ {
					ia, ja, ka := g[a]%dims[0], (g[a]/dims[0])%dims[1], g[a]/(dims[0]*dims[1])
					ib, jb, kb := g[b]%dims[0], (g[b]/dims[0])%dims[1], g[b]/(dims[0]*dims[1])
					if abs(ia-ib) < 4 && abs(ja-jb) < 4 && abs(ka-kb) < 4 {
						t.Fatalf("Group %d: points %d and %d share a cell", gi, g[a], g[b])
					}
				}
			}
		}
	})

	t.Run("Count", func(t *testing.T) {
		if len(groups) != 64 {
			t.Errorf("Expected 64 groups, got %d", len(groups))
		}
		small := InterleavedGroups([3]int{2, 2, 2}, 4)
		if len(small) != 8 {
			t.Errorf("Expected empty groups to be dropped, got %d groups", len(small))
		}
	})
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
