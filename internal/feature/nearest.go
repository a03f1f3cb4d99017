package feature

import (
	"fmt"
	"math"
)

// Nearest returns the index of the candidate vector closest to query under
// squared Euclidean distance, scanning every candidate exactly. This
// mirrors a flat L2 index: candidate sets here are directory partitions of
// at most a few thousand vectors, where an exact scan beats maintaining an
// approximate structure.
func Nearest(query []float32, candidates [][]float32) (int, float32, error) {
	if len(candidates) == 0 {
		return -1, 0, fmt.Errorf("no candidate vectors")
	}

	best := -1
	bestDist := float32(math.Inf(1))
	for i, cand := range candidates {
		if len(cand) != len(query) {
			return -1, 0, fmt.Errorf("%w: candidate %d has %d elements, query has %d", ErrBadVector, i, len(cand), len(query))
		}
		d := squaredL2(query, cand)
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist, nil
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
