// Package ransac implements a generic random sample consensus loop. A Model turns a minimal sample
// of data indices into zero or more hypotheses and scores single data points against a hypothesis;
// Estimate keeps the hypothesis with the most inliers.
package ransac

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"go.viam.com/odometry/utils"
)

// ErrNoConsensus is returned when no sample produced a hypothesis with at least one inlier.
var ErrNoConsensus = errors.New("ransac found no model supported by the data")

// Model is the problem-specific half of RANSAC.
type Model[H any] interface {
	// NumData is the number of data points.
	NumData() int
	// SampleSize is the number of data points in a minimal sample.
	SampleSize() int
	// Fit returns every hypothesis consistent with the sample. Degenerate samples return none.
	Fit(sample []int) []H
	// Residual is the error of data point i under h, in the same units as Config.Threshold.
	Residual(h H, i int) float64
}

// Sampler draws minimal samples.
type Sampler interface {
	Sample(k int) []int
}

// UniformSampler draws k distinct indices uniformly from [0, n).
type UniformSampler struct {
	n       int
	rnd     *rand.Rand
	scratch []int
}

// NewUniformSampler returns a sampler over [0, n) driven by rnd.
func NewUniformSampler(n int, rnd *rand.Rand) *UniformSampler {
	return &UniformSampler{n: n, rnd: rnd, scratch: make([]int, n)}
}

// Sample returns k distinct indices.
func (s *UniformSampler) Sample(k int) []int {
	return utils.SampleDistinctInts(s.n, k, s.rnd, s.scratch)
}

// Config bounds the search.
type Config struct {
	// Threshold is the largest residual of an inlier.
	Threshold float64
	// Confidence is the probability of having drawn at least one all-inlier sample before stopping.
	Confidence float64
	// MaxIterations caps the number of samples drawn.
	MaxIterations int
}

// Result is the winning hypothesis and its consensus set.
type Result[H any] struct {
	Model      H
	Inliers    []int
	Iterations int
}

// Estimate runs RANSAC. Hypotheses are ranked by inlier count, ties broken by the lower sum of inlier
// residuals. The iteration budget shrinks as the inlier ratio of the best hypothesis grows.
func Estimate[H any](model Model[H], sampler Sampler, cfg Config) (*Result[H], error) {
	n := model.NumData()
	s := model.SampleSize()
	if n < s {
		return nil, errors.Errorf("need at least %d data points, got %d", s, n)
	}
	if cfg.MaxIterations <= 0 {
		return nil, errors.Errorf("max iterations must be positive, got %d", cfg.MaxIterations)
	}

	var best *Result[H]
	bestCost := math.Inf(1)
	budget := cfg.MaxIterations
	iter := 0
	for ; iter < budget; iter++ {
		for _, h := range model.Fit(sampler.Sample(s)) {
			inliers, cost := Score(model, h, cfg.Threshold)
			if len(inliers) == 0 {
				continue
			}
			if best != nil && (len(inliers) < len(best.Inliers) ||
				(len(inliers) == len(best.Inliers) && cost >= bestCost)) {
				continue
			}
			best = &Result[H]{Model: h, Inliers: inliers}
			bestCost = cost
			budget = utils.MinInt(cfg.MaxIterations, AdaptiveIterations(cfg.Confidence, float64(len(inliers))/float64(n), s))
		}
	}
	if best == nil {
		return nil, ErrNoConsensus
	}
	best.Iterations = iter
	return best, nil
}

// Score returns the indices of the data points within threshold of h and the sum of their residuals.
func Score[H any](model Model[H], h H, threshold float64) ([]int, float64) {
	var inliers []int
	cost := 0.0
	for i := 0; i < model.NumData(); i++ {
		r := model.Residual(h, i)
		if r <= threshold {
			inliers = append(inliers, i)
			cost += r
		}
	}
	return inliers, cost
}

// AdaptiveIterations returns the number of samples of size s needed to draw one made only of inliers
// with probability confidence, when a fraction inlierRatio of the data are inliers.
func AdaptiveIterations(confidence, inlierRatio float64, s int) int {
	if inlierRatio >= 1 {
		return 1
	}
	if inlierRatio <= 0 || confidence <= 0 {
		return math.MaxInt32
	}
	if confidence >= 1 {
		return math.MaxInt32
	}
	good := math.Pow(inlierRatio, float64(s))
	if good <= 0 {
		return math.MaxInt32
	}
	if good >= 1 {
		return 1
	}
	n := math.Log(1-confidence) / math.Log(1-good)
	if n >= math.MaxInt32 || math.IsNaN(n) {
		return math.MaxInt32
	}
	return int(math.Ceil(n))
}
