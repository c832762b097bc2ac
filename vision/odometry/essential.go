package odometry

import (
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/odometry/logging"
	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/utils"
	"go.viam.com/odometry/vision/keypoints"
	"go.viam.com/odometry/vision/ransac"
)

// MinEssentialCorrespondences is the smallest number of correspondences that determines a relative
// pose up to scale.
const MinEssentialCorrespondences = 5

// degenerateConditionRatio is the σ₈/σ₁ below which the inliers admit more than one essential matrix.
const degenerateConditionRatio = 1e-7

// homographyThresholdScale widens the inlier threshold for the two dimensional transfer error to the
// same chi-square confidence as the one dimensional epipolar distance, sqrt(5.99/3.84).
var homographyThresholdScale = math.Sqrt(5.99 / 3.84)

// exactResidualFraction is the largest residual, as a fraction of the inlier threshold, of a
// correspondence that an essential matrix explains exactly.
const exactResidualFraction = 0.1

// distinctEssentialDistance is the smallest Frobenius distance between two unit essential matrices,
// compared up to sign, that counts as a different solution.
const distinctEssentialDistance = 1e-2

// TwoViewResult is the relative pose of a second camera with respect to a first. Pose maps points
// from the first camera's coordinates into the second's and has a unit translation.
type TwoViewResult struct {
	Pose       *transform.Pose
	Essential  *mat.Dense
	Inliers    []keypoints.Match
	Iterations int
}

// essentialModel scores essential matrices on normalized correspondences. Residuals are Sampson
// distances converted to pixels.
type essentialModel struct {
	pts1, pts2 []r2.Point
	pixelScale float64
}

func (m *essentialModel) NumData() int {
	return len(m.pts1)
}

func (m *essentialModel) SampleSize() int {
	return transform.MinEightPointCorrespondences
}

func (m *essentialModel) Fit(sample []int) []*mat.Dense {
	E, err := transform.FitEssentialMatrix(pick(m.pts1, sample), pick(m.pts2, sample))
	if err != nil {
		return nil
	}
	return []*mat.Dense{E}
}

func (m *essentialModel) Residual(E *mat.Dense, i int) float64 {
	return transform.SampsonDistance(E, m.pts1[i], m.pts2[i]) * m.pixelScale
}

// homographyModel scores homographies between the same normalized correspondences. A homography
// explains every correspondence of a rotating camera and of a planar scene.
type homographyModel struct {
	pts1, pts2 []r2.Point
	pixelScale float64
}

func (m *homographyModel) NumData() int {
	return len(m.pts1)
}

func (m *homographyModel) SampleSize() int {
	return transform.MinHomographyCorrespondences
}

func (m *homographyModel) Fit(sample []int) []*transform.Homography {
	H, err := transform.FitHomography(pick(m.pts1, sample), pick(m.pts2, sample))
	if err != nil {
		return nil
	}
	return []*transform.Homography{H}
}

func (m *homographyModel) Residual(H *transform.Homography, i int) float64 {
	return H.TransferError(m.pts1[i], m.pts2[i]) * m.pixelScale
}

// EstimateEssentialMotion estimates the pose of f2 relative to f1 from matched keypoints. Neither
// frame is modified. A nil rnd uses a generator seeded with 1.
func EstimateEssentialMotion(
	f1, f2 *Frame,
	matches []keypoints.Match,
	cfg TwoViewConfig,
	rnd *rand.Rand,
	logger logging.Logger,
) (*TwoViewResult, error) {
	start := time.Now()
	if err := f1.Validate(); err != nil {
		return nil, errors.Wrap(err, "first frame")
	}
	if err := f2.Validate(); err != nil {
		return nil, errors.Wrap(err, "second frame")
	}
	kps1, kps2, err := keypoints.GetMatchingKeyPoints(matches, f1.KeyPoints, f2.KeyPoints)
	if err != nil {
		return nil, err
	}
	if len(matches) < MinEssentialCorrespondences {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences,
			"two-view estimation needs %d correspondences, got %d", MinEssentialCorrespondences, len(matches))
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1)) //nolint:gosec
	}

	model := &essentialModel{
		pts1:       lo.Map(kps1, func(p r2.Point, _ int) r2.Point { return f1.Intrinsics.PixelToNormalized(p) }),
		pts2:       lo.Map(kps2, func(p r2.Point, _ int) r2.Point { return f2.Intrinsics.PixelToNormalized(p) }),
		pixelScale: (f1.Intrinsics.MeanFocalLength() + f2.Intrinsics.MeanFocalLength()) / 2,
	}

	var (
		E          *mat.Dense
		inliers    []int
		iterations int
	)
	if len(matches) >= transform.MinEightPointCorrespondences {
		res, err := ransac.Estimate[*mat.Dense](model, ransac.NewUniformSampler(len(matches), rnd), ransac.Config{
			Threshold:     cfg.RansacThresholdPx,
			Confidence:    cfg.Confidence,
			MaxIterations: cfg.MaxIterations,
		})
		if err != nil {
			if errors.Is(err, ransac.ErrNoConsensus) {
				return nil, errors.Wrap(ErrDegenerateGeometry, err.Error())
			}
			return nil, err
		}
		E, inliers, iterations = res.Model, res.Inliers, res.Iterations
		if len(inliers) >= transform.MinEightPointCorrespondences {
			in1, in2 := pick(model.pts1, inliers), pick(model.pts2, inliers)
			if ratio := transform.EssentialConditionRatio(in1, in2); ratio < degenerateConditionRatio {
				return nil, errors.Wrapf(ErrDegenerateGeometry,
					"inliers do not determine a unique essential matrix (condition ratio %g)", ratio)
			}
			if refit, err := transform.FitEssentialMatrix(in1, in2); err == nil {
				refitInliers, _ := ransac.Score[*mat.Dense](model, refit, cfg.RansacThresholdPx)
				if len(refitInliers) >= len(inliers) {
					E, inliers = refit, refitInliers
				}
			}
		}
		if err := checkHomographySupport(model, len(inliers), cfg, rnd); err != nil {
			return nil, err
		}
	} else {
		var ambiguous bool
		E, ambiguous = fitEssentialNonlinear(model, cfg.RansacThresholdPx)
		if ambiguous {
			return nil, errors.Wrapf(ErrDegenerateGeometry,
				"%d correspondences are explained exactly by more than one relative pose", len(matches))
		}
		inliers, _ = ransac.Score[*mat.Dense](model, E, cfg.RansacThresholdPx)
		iterations = 1
	}
	if len(inliers) < MinEssentialCorrespondences {
		return nil, errors.Wrapf(ErrDegenerateGeometry, "only %d of %d correspondences are epipolar inliers",
			len(inliers), len(matches))
	}

	in1, in2 := pick(model.pts1, inliers), pick(model.pts2, inliers)
	pose, inFront, err := selectCameraPose(E, in1, in2)
	if err != nil {
		return nil, err
	}
	if 2*len(inFront) < len(inliers) {
		return nil, errors.Wrapf(ErrDegenerateGeometry, "best decomposition has %d of %d inliers in front of both cameras",
			len(inFront), len(inliers))
	}
	parallax, err := medianParallaxDeg(pose, pick(in1, inFront), pick(in2, inFront))
	if err != nil {
		return nil, errors.Wrap(ErrDegenerateGeometry, err.Error())
	}
	if parallax < cfg.MinParallaxDeg {
		return nil, errors.Wrapf(ErrDegenerateGeometry, "median triangulation angle %.3g° is below %.3g°",
			parallax, cfg.MinParallaxDeg)
	}

	result := &TwoViewResult{
		Pose:       pose,
		Essential:  E,
		Inliers:    lo.Map(inFront, func(k, _ int) keypoints.Match { return matches[inliers[k]] }),
		Iterations: iterations,
	}
	logger.Debugw("estimated relative pose",
		"correspondences", len(matches),
		"inliers", len(result.Inliers),
		"iterations", iterations,
		"parallax_deg", parallax,
		"elapsed", time.Since(start))
	return result, nil
}

// checkHomographySupport fits a homography to the same correspondences and fails with
// ErrDegenerateGeometry when it explains at least MaxHomographyRatio as many of them as the essential
// matrix does. A rotating camera or a planar scene fits a homography as well as any essential matrix,
// and the essential matrix found from noisy data is then arbitrary.
func checkHomographySupport(model *essentialModel, essentialInliers int, cfg TwoViewConfig, rnd *rand.Rand) error {
	if cfg.MaxHomographyRatio <= 0 || essentialInliers == 0 {
		return nil
	}
	hModel := &homographyModel{pts1: model.pts1, pts2: model.pts2, pixelScale: model.pixelScale}
	threshold := cfg.RansacThresholdPx * homographyThresholdScale
	res, err := ransac.Estimate[*transform.Homography](hModel, ransac.NewUniformSampler(hModel.NumData(), rnd), ransac.Config{
		Threshold:     threshold,
		Confidence:    cfg.Confidence,
		MaxIterations: cfg.MaxIterations,
	})
	if err != nil {
		if errors.Is(err, ransac.ErrNoConsensus) {
			return nil
		}
		return err
	}
	supported := res.Inliers
	if refit, err := transform.FitHomography(pick(model.pts1, supported), pick(model.pts2, supported)); err == nil {
		if refitInliers, _ := ransac.Score[*transform.Homography](hModel, refit, threshold); len(refitInliers) > len(supported) {
			supported = refitInliers
		}
	}
	// a minimal sample always fits exactly
	hInliers := len(supported)
	if hInliers <= transform.MinHomographyCorrespondences {
		return nil
	}
	if ratio := float64(hInliers) / float64(essentialInliers); ratio >= cfg.MaxHomographyRatio {
		return errors.Wrapf(ErrDegenerateGeometry,
			"a homography explains %d correspondences against %d for the essential matrix", hInliers, essentialInliers)
	}
	return nil
}

// medianParallaxDeg returns the median angle, in degrees, between the two viewing rays of each
// correspondence triangulated with the first camera at the identity and the second at pose.
func medianParallaxDeg(pose *transform.Pose, pts1, pts2 []r2.Point) (float64, error) {
	identity := transform.NewIdentityPose()
	center2 := pose.Inverse().Translation
	var angles []float64
	for i := range pts1 {
		pt, ok := transform.TriangulatePoint(identity, pose, pts1[i], pts2[i])
		if !ok {
			continue
		}
		angles = append(angles, utils.RadToDeg(pt.Angle(pt.Sub(center2)).Radians()))
	}
	return stats.Median(angles)
}

// selectCameraPose scores the four decompositions of E by cheirality and returns the winner together
// with the indices of the points it places in front of both cameras.
func selectCameraPose(E *mat.Dense, pts1, pts2 []r2.Point) (*transform.Pose, []int, error) {
	candidates, err := transform.PossibleCameraPoses(E)
	if err != nil {
		return nil, nil, errors.Wrap(ErrDegenerateGeometry, err.Error())
	}
	best, bestCount := 0, -1
	for i, candidate := range candidates {
		if count := transform.CountInFront(candidate, pts1, pts2); count > bestCount {
			best, bestCount = i, count
		}
	}
	pose := candidates[best]
	identity := transform.NewIdentityPose()
	var inFront []int
	for i := range pts1 {
		pt, ok := transform.TriangulatePoint(identity, pose, pts1[i], pts2[i])
		if ok && pt.Z > 0 && pose.Apply(pt).Z > 0 {
			inFront = append(inFront, i)
		}
	}
	return pose, inFront, nil
}

// fitEssentialNonlinear fits an essential matrix to fewer correspondences than the linear method needs
// by minimizing the squared pixel Sampson error over rotations and unit translation directions. Every
// seed is restarted once from its own optimum; results are ranked by inlier count, then by how many
// inliers the best decomposition places in front of both cameras, then by cost. The second return is
// true when different seeds reached different matrices that both explain every correspondence exactly.
func fitEssentialNonlinear(model *essentialModel, threshold float64) (*mat.Dense, bool) {
	cost := func(x []float64) float64 {
		E := essentialFromParams(x)
		sum := 0.0
		for i := range model.pts1 {
			sum += utils.Square(transform.SampsonDistance(E, model.pts1[i], model.pts2[i]) * model.pixelScale)
		}
		return sum
	}
	settings := &optimize.Settings{
		FuncEvaluations: 4000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Iterations: 200,
		},
	}
	minimize := func(x0 []float64) []float64 {
		// running out of evaluations is reported as an error but still leaves the best point found
		result, _ := optimize.Minimize(optimize.Problem{Func: cost}, x0, settings, &optimize.NelderMead{SimplexSize: 0.2})
		if result == nil {
			return x0
		}
		return result.X
	}

	seeds := [][]float64{
		{0, 0, 0, math.Pi / 2, 0},
		{0, 0, 0, math.Pi / 2, math.Pi / 2},
		{0, 0, 0, 0, 0},
		{0, 0, 0, math.Pi / 4, 0},
		{0, 0, 0, math.Pi / 4, math.Pi / 2},
		{0, 0, 0, math.Pi / 2, math.Pi / 4},
	}
	var (
		best                 *mat.Dense
		bestInliers, bestFwd = -1, -1
		bestCost             = math.Inf(1)
		exact                []*mat.Dense
	)
	for _, seed := range seeds {
		x := minimize(minimize(seed))
		E := essentialFromParams(x)
		if explainsExactly(model, E, threshold) {
			exact = append(exact, E)
		}
		inliers, _ := ransac.Score[*mat.Dense](model, E, threshold)
		_, fwd, err := selectCameraPose(E, pick(model.pts1, inliers), pick(model.pts2, inliers))
		if err != nil {
			continue
		}
		c := cost(x)
		better := len(inliers) > bestInliers ||
			(len(inliers) == bestInliers && len(fwd) > bestFwd) ||
			(len(inliers) == bestInliers && len(fwd) == bestFwd && c < bestCost)
		if better {
			best, bestInliers, bestFwd, bestCost = E, len(inliers), len(fwd), c
		}
	}
	if best == nil {
		return essentialFromParams(seeds[0]), false
	}
	return best, hasDistinctSolutions(exact)
}

// explainsExactly reports whether every correspondence lies within a small fraction of the inlier
// threshold of E's epipolar constraint.
func explainsExactly(model *essentialModel, E *mat.Dense, threshold float64) bool {
	for i := 0; i < model.NumData(); i++ {
		if model.Residual(E, i) > exactResidualFraction*threshold {
			return false
		}
	}
	return true
}

// hasDistinctSolutions reports whether any two essential matrices differ by more than
// distinctEssentialDistance once scaled to unit norm. E and -E are the same solution.
func hasDistinctSolutions(solutions []*mat.Dense) bool {
	unit := lo.Map(solutions, func(E *mat.Dense, _ int) *mat.Dense {
		var u mat.Dense
		u.Scale(1/mat.Norm(E, 2), E)
		return &u
	})
	for i := range unit {
		for j := i + 1; j < len(unit); j++ {
			var diff, sum mat.Dense
			diff.Sub(unit[i], unit[j])
			sum.Add(unit[i], unit[j])
			if math.Min(mat.Norm(&diff, 2), mat.Norm(&sum, 2)) > distinctEssentialDistance {
				return true
			}
		}
	}
	return false
}

// essentialFromParams maps (rotation vector, polar angle, azimuth) to [t]x·R with a unit t.
func essentialFromParams(x []float64) *mat.Dense {
	w := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
	theta, phi := x[3], x[4]
	t := r3.Vector{
		X: math.Sin(theta) * math.Cos(phi),
		Y: math.Sin(theta) * math.Sin(phi),
		Z: math.Cos(theta),
	}
	return transform.EssentialFromPose(transform.NewPoseFromAxisAngle(w, t))
}

func pick[T any](values []T, indices []int) []T {
	return lo.Map(indices, func(i, _ int) T { return values[i] })
}
