// Package utils contains small numeric helpers shared by the estimation packages.
package utils

import (
	"math"
	"math/rand"

	"golang.org/x/exp/constraints"
)

// Number is any integer or floating point type.
type Number interface {
	constraints.Integer | constraints.Float
}

// RadToDeg converts radians to degrees.
func RadToDeg(radians float64) float64 {
	return radians * 180 / math.Pi
}

// Square is faster than math.Pow(n, 2).
func Square[T Number](n T) T {
	return n * n
}

// MinInt returns the smaller of two ints.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// SampleRandomIntRange samples a random integer within a range given by [min, max]
// using the given rand.Rand.
func SampleRandomIntRange(min, max int, r *rand.Rand) int {
	return r.Intn(max-min+1) + min
}

// SampleDistinctInts draws k distinct integers from [0, n) with a partial Fisher-Yates shuffle.
// scratch is reused between calls when it has length n; pass nil to allocate.
func SampleDistinctInts(n, k int, r *rand.Rand, scratch []int) []int {
	if k > n {
		k = n
	}
	if len(scratch) != n {
		scratch = make([]int, n)
	}
	for i := range scratch {
		scratch[i] = i
	}
	for i := 0; i < k; i++ {
		j := SampleRandomIntRange(i, n-1, r)
		scratch[i], scratch[j] = scratch[j], scratch[i]
	}
	out := make([]int, k)
	copy(out, scratch[:k])
	return out
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
