package utils

import (
	"math"
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func TestRadToDeg(t *testing.T) {
	test.That(t, RadToDeg(math.Pi/2), test.ShouldAlmostEqual, 90.)
	test.That(t, RadToDeg(-math.Pi), test.ShouldAlmostEqual, -180.)
}

func TestSquare(t *testing.T) {
	test.That(t, Square(-3), test.ShouldEqual, 9)
	test.That(t, Square(uint8(15)), test.ShouldEqual, uint8(225))
	test.That(t, Square(1.5), test.ShouldEqual, 2.25)
}

func TestMinInt(t *testing.T) {
	test.That(t, MinInt(3, 8), test.ShouldEqual, 3)
	test.That(t, MinInt(8, -3), test.ShouldEqual, -3)
}

func TestSampleDistinctInts(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		sample := SampleDistinctInts(10, 4, r, nil)
		test.That(t, len(sample), test.ShouldEqual, 4)
		seen := map[int]bool{}
		for _, s := range sample {
			test.That(t, s, test.ShouldBeGreaterThanOrEqualTo, 0)
			test.That(t, s, test.ShouldBeLessThan, 10)
			test.That(t, seen[s], test.ShouldBeFalse)
			seen[s] = true
		}
	}
	// asking for more than available returns everything once
	all := SampleDistinctInts(3, 5, r, make([]int, 3))
	test.That(t, len(all), test.ShouldEqual, 3)
}

func TestIsFinite(t *testing.T) {
	test.That(t, IsFinite(1), test.ShouldBeTrue)
	test.That(t, IsFinite(math.NaN()), test.ShouldBeFalse)
	test.That(t, IsFinite(math.Inf(-1)), test.ShouldBeFalse)
}
