package ransac

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

// lineModel fits y = a·x + b through two points.
type lineModel struct {
	pts []r2.Point
}

type line struct{ a, b float64 }

func (m *lineModel) NumData() int    { return len(m.pts) }
func (m *lineModel) SampleSize() int { return 2 }

func (m *lineModel) Fit(sample []int) []line {
	p, q := m.pts[sample[0]], m.pts[sample[1]]
	if p.X == q.X {
		return nil
	}
	a := (q.Y - p.Y) / (q.X - p.X)
	return []line{{a: a, b: p.Y - a*p.X}}
}

func (m *lineModel) Residual(h line, i int) float64 {
	p := m.pts[i]
	return math.Abs(h.a*p.X+h.b-p.Y) / math.Sqrt(1+h.a*h.a)
}

func TestEstimateLine(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	var pts []r2.Point
	for i := 0; i < 80; i++ {
		x := float64(i) / 4
		pts = append(pts, r2.Point{X: x, Y: 2*x - 1 + (rnd.Float64()-0.5)*0.01})
	}
	outliers := map[int]bool{}
	for i := 0; i < 20; i++ {
		idx := len(pts)
		outliers[idx] = true
		pts = append(pts, r2.Point{X: rnd.Float64() * 20, Y: 50 + rnd.Float64()*20})
	}

	model := &lineModel{pts: pts}
	res, err := Estimate[line](model, NewUniformSampler(len(pts), rand.New(rand.NewSource(2))),
		Config{Threshold: 0.05, Confidence: 0.999, MaxIterations: 500})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Model.a, test.ShouldAlmostEqual, 2, 2e-2)
	test.That(t, res.Model.b, test.ShouldAlmostEqual, -1, 0.15)
	test.That(t, len(res.Inliers), test.ShouldBeGreaterThanOrEqualTo, 76)
	for _, i := range res.Inliers {
		test.That(t, outliers[i], test.ShouldBeFalse)
	}
	// 80% inliers with samples of two stop far before the cap
	test.That(t, res.Iterations, test.ShouldBeLessThan, 500)
	test.That(t, res.Iterations, test.ShouldBeGreaterThan, 0)
}

func TestEstimateFailures(t *testing.T) {
	model := &lineModel{pts: []r2.Point{{X: 1, Y: 1}}}
	_, err := Estimate[line](model, NewUniformSampler(1, rand.New(rand.NewSource(1))), Config{Threshold: 1, MaxIterations: 10})
	test.That(t, err, test.ShouldNotBeNil)

	vertical := &lineModel{pts: []r2.Point{{X: 1, Y: 1}, {X: 1, Y: 2}, {X: 1, Y: 3}}}
	_, err = Estimate[line](vertical, NewUniformSampler(3, rand.New(rand.NewSource(1))),
		Config{Threshold: 1, Confidence: 0.99, MaxIterations: 10})
	test.That(t, err, test.ShouldEqual, ErrNoConsensus)

	_, err = Estimate[line](vertical, NewUniformSampler(3, rand.New(rand.NewSource(1))), Config{Threshold: 1})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAdaptiveIterations(t *testing.T) {
	test.That(t, AdaptiveIterations(0.99, 1, 8), test.ShouldEqual, 1)
	test.That(t, AdaptiveIterations(0.99, 0, 8), test.ShouldEqual, math.MaxInt32)
	// log(0.01)/log(0.75) = 16.008
	test.That(t, AdaptiveIterations(0.99, 0.5, 2), test.ShouldEqual, 17)
	test.That(t, AdaptiveIterations(0.999, 0.5, 8), test.ShouldBeGreaterThan, AdaptiveIterations(0.99, 0.5, 8))
}

func TestUniformSamplerDistinct(t *testing.T) {
	s := NewUniformSampler(10, rand.New(rand.NewSource(3)))
	for i := 0; i < 100; i++ {
		sample := s.Sample(4)
		test.That(t, len(sample), test.ShouldEqual, 4)
		seen := map[int]bool{}
		for _, idx := range sample {
			test.That(t, idx, test.ShouldBeBetween, -1, 10)
			test.That(t, seen[idx], test.ShouldBeFalse)
			seen[idx] = true
		}
	}
}
