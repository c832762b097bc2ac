package odometry

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/vision/keypoints"
)

// ApproximateDepth triangulates every stride-th match with f1 at the origin and f2 at relative, and
// returns the mean distance of the points from f1's center. With a unit length relative translation
// the result is in baselines.
func ApproximateDepth(f1, f2 *Frame, relative *transform.Pose, matches []keypoints.Match, stride int) (float64, error) {
	if stride < 1 {
		return 0, errors.Errorf("stride must be at least 1, got %d", stride)
	}
	if relative == nil {
		return 0, errors.New("relative pose is nil")
	}
	if err := f1.Validate(); err != nil {
		return 0, errors.Wrap(err, "first frame")
	}
	if err := f2.Validate(); err != nil {
		return 0, errors.Wrap(err, "second frame")
	}
	if err := keypoints.ValidateMatches(matches, len(f1.KeyPoints), len(f2.KeyPoints)); err != nil {
		return 0, err
	}

	origin := transform.NewIdentityPose()
	var depths []float64
	for i := 0; i < len(matches); i += stride {
		m := matches[i]
		pt, ok := transform.TriangulatePoint(origin, relative, f1.NormalizedKeyPoint(m.Idx1), f2.NormalizedKeyPoint(m.Idx2))
		if !ok {
			continue
		}
		depths = append(depths, pt.Norm())
	}
	if len(depths) == 0 {
		return 0, ErrNoValidDepth
	}
	return stat.Mean(depths, nil), nil
}
