package models

// Region is a half-open box of voxel indices [From, To)
type Region struct {
	From [3]int
	To   [3]int
}

// Empty reports whether the region contains no voxels
func (r Region) Empty() bool {
	return r.To[0] <= r.From[0] || r.To[1] <= r.From[1] || r.To[2] <= r.From[2]
}

// Size returns the number of voxels in the region
func (r Region) Size() int {
	if r.Empty() {
		return 0
	}
	return (r.To[0] - r.From[0]) * (r.To[1] - r.From[1]) * (r.To[2] - r.From[2])
}

// Contains reports whether voxel (x, y, z) lies in the region
func (r Region) Contains(x, y, z int) bool {
	return x >= r.From[0] && x < r.To[0] &&
		y >= r.From[1] && y < r.To[1] &&
		z >= r.From[2] && z < r.To[2]
}

// ResolutionLevel is one entry of the registration pyramid: resampled
// reference and floating volumes plus the sampling used to create them.
// Resolution is negative for the level that works on the original data.
type ResolutionLevel struct {
	Index      int
	Resolution float64
	Reference  *Volume
	Floating   *Volume
}

// Original reports whether the level uses the unresampled volumes
func (l ResolutionLevel) Original() bool {
	return l.Resolution < 0
}
