package odometry

import (
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/odometry/logging"
	"go.viam.com/odometry/pointcloud"
	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/vision/ransac"
)

// MinPnPCorrespondences is the smallest number of 2D-3D correspondences accepted. Three determine up
// to four poses; the fourth picks one.
const MinPnPCorrespondences = 4

const (
	refineMaxIterations = 20
	refineJacobianStep  = 1e-6
	refineMaxDamping    = 1e8
)

// PnPResult is the pose of a frame in the map and how well the map supports it. Inliers and Outliers
// hold map point ids. MeanReprojectionError averages over inliers only; MeanReprojectionErrorAll
// includes outliers that project in front of the camera.
type PnPResult struct {
	Pose                     *transform.Pose
	Inliers                  []int
	Outliers                 []int
	Correspondences          int
	MeanReprojectionError    float64
	MeanReprojectionErrorAll float64
	InlierRatio              float64
	Iterations               int
}

// LowConfidence reports whether the estimate fails both the reprojection error and inlier ratio
// bounds of cfg.
func (res *PnPResult) LowConfidence(cfg PnPConfig) bool {
	return res.MeanReprojectionError > cfg.MaxMeanReprojectionErrorPx && res.InlierRatio < cfg.MinInlierRatio
}

type correspondence struct {
	id    int
	world r3.Vector
	pixel r2.Point
}

// pnpModel scores camera poses by pixel reprojection error.
type pnpModel struct {
	corrs      []correspondence
	intrinsics *transform.PinholeCameraIntrinsics
}

func (m *pnpModel) NumData() int {
	return len(m.corrs)
}

func (m *pnpModel) SampleSize() int {
	return 3
}

func (m *pnpModel) Fit(sample []int) []*transform.Pose {
	var world, bearings [3]r3.Vector
	for k, i := range sample {
		world[k] = m.corrs[i].world
		bearings[k] = m.intrinsics.PixelToCam(m.corrs[i].pixel)
	}
	return solveP3P(world, bearings)
}

func (m *pnpModel) Residual(pose *transform.Pose, i int) float64 {
	px, ok := m.intrinsics.CamToPixel(pose.Apply(m.corrs[i].world))
	if !ok {
		return math.Inf(1)
	}
	return px.Sub(m.corrs[i].pixel).Norm()
}

// residuals stacks the pixel errors of the correspondences in idx under the pose with parameters x.
// It fails when any point falls behind the camera.
func (m *pnpModel) residuals(x []float64, idx []int) ([]float64, bool) {
	pose := poseFromParams(x)
	out := make([]float64, 0, 2*len(idx))
	for _, i := range idx {
		px, ok := m.intrinsics.CamToPixel(pose.Apply(m.corrs[i].world))
		if !ok {
			return nil, false
		}
		out = append(out, px.X-m.corrs[i].pixel.X, px.Y-m.corrs[i].pixel.Y)
	}
	return out, true
}

// EstimateAbsolutePose locates frame against the map. Map points seen by the frame whose coordinates
// exceed cfg.MaxPointDistance are ignored. Every remaining correspondence that is not an inlier of
// the final pose has its map point marked as an outlier; inlier flags are never set back.
//
// The pose is written to frame.Pose whenever one is found. When the estimate fails both confidence
// bounds the populated result is returned together with ErrLowConfidence.
func EstimateAbsolutePose(
	frame *Frame,
	cloud *pointcloud.SparseCloud,
	cfg PnPConfig,
	rnd *rand.Rand,
	logger logging.Logger,
) (*PnPResult, error) {
	start := time.Now()
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if cloud == nil {
		return nil, errors.New("map is nil")
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1)) //nolint:gosec
	}

	model := &pnpModel{intrinsics: frame.Intrinsics}
	tooFar := 0
	for i, id := range frame.UniquePixelIDs {
		p, ok := cloud.Get(id)
		if !ok {
			continue
		}
		if exceedsDistance(p.Position, cfg.MaxPointDistance) {
			tooFar++
			continue
		}
		model.corrs = append(model.corrs, correspondence{id: id, world: p.Position, pixel: frame.KeyPoints[i]})
	}
	if len(model.corrs) < MinPnPCorrespondences {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences,
			"absolute pose needs %d correspondences, got %d (%d too far)", MinPnPCorrespondences, len(model.corrs), tooFar)
	}

	res, err := ransac.Estimate[*transform.Pose](model, ransac.NewUniformSampler(len(model.corrs), rnd), ransac.Config{
		Threshold:     cfg.RansacThresholdPx,
		Confidence:    cfg.Confidence,
		MaxIterations: cfg.MaxIterations,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot estimate absolute pose")
	}
	pose, inliers := res.Model, res.Inliers
	if refined := refinePose(model, pose, inliers); refined != nil {
		refinedInliers, _ := ransac.Score[*transform.Pose](model, refined, cfg.RansacThresholdPx)
		if len(refinedInliers) >= len(inliers) {
			pose, inliers = refined, refinedInliers
		}
	}

	isInlier := make([]bool, len(model.corrs))
	for _, i := range inliers {
		isInlier[i] = true
	}
	result := &PnPResult{
		Pose:            pose,
		Correspondences: len(model.corrs),
		InlierRatio:     float64(len(inliers)) / float64(len(model.corrs)),
		Iterations:      res.Iterations,
	}
	for i, c := range model.corrs {
		if isInlier[i] {
			result.Inliers = append(result.Inliers, c.id)
			continue
		}
		result.Outliers = append(result.Outliers, c.id)
		cloud.MarkOutlier(c.id)
	}
	errs := lo.Map(inliers, func(i, _ int) float64 { return model.Residual(pose, i) })
	result.MeanReprojectionError = stat.Mean(errs, nil)
	all := lo.Filter(lo.Times(len(model.corrs), func(i int) float64 { return model.Residual(pose, i) }),
		func(e float64, _ int) bool { return !math.IsInf(e, 1) })
	result.MeanReprojectionErrorAll = stat.Mean(all, nil)
	frame.Pose = pose

	if result.LowConfidence(cfg) {
		logger.Warnw("absolute pose may have failed",
			"mean_reprojection_error_px", result.MeanReprojectionError,
			"inlier_ratio", result.InlierRatio,
			"correspondences", result.Correspondences)
		return result, errors.Wrapf(ErrLowConfidence, "mean reprojection error %.2fpx with inlier ratio %.2f",
			result.MeanReprojectionError, result.InlierRatio)
	}
	logger.Debugw("estimated absolute pose",
		"correspondences", result.Correspondences,
		"inliers", len(result.Inliers),
		"too_far", tooFar,
		"mean_reprojection_error_px", result.MeanReprojectionError,
		"mean_reprojection_error_all_px", result.MeanReprojectionErrorAll,
		"iterations", result.Iterations,
		"elapsed", time.Since(start))
	return result, nil
}

func exceedsDistance(p r3.Vector, bound float64) bool {
	return math.Abs(p.X) > bound || math.Abs(p.Y) > bound || math.Abs(p.Z) > bound
}

// refinePose minimizes the reprojection error of the correspondences in idx with damped Gauss-Newton
// (Levenberg-Marquardt) over a rotation vector and translation, using a forward difference Jacobian.
// A step is only taken when it lowers the cost. It returns nil when the start is already unusable.
func refinePose(model *pnpModel, start *transform.Pose, idx []int) *transform.Pose {
	w := start.AxisAngle()
	t := start.Translation
	x := []float64{w.X, w.Y, w.Z, t.X, t.Y, t.Z}
	r, ok := model.residuals(x, idx)
	if !ok {
		return nil
	}
	cost := floats.Dot(r, r)
	lambda := 1e-3

	for iter := 0; iter < refineMaxIterations && lambda < refineMaxDamping; iter++ {
		jac := mat.NewDense(len(r), len(x), nil)
		usable := true
		for j := range x {
			shifted := append([]float64(nil), x...)
			shifted[j] += refineJacobianStep
			rj, ok := model.residuals(shifted, idx)
			if !ok {
				usable = false
				break
			}
			floats.Sub(rj, r)
			floats.Scale(1/refineJacobianStep, rj)
			jac.SetCol(j, rj)
		}
		if !usable {
			break
		}

		var normal mat.Dense
		normal.Mul(jac.T(), jac)
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(len(r), r))
		grad.ScaleVec(-1, &grad)

		improved := false
		for lambda < refineMaxDamping {
			damped := mat.DenseCopyOf(&normal)
			for j := range x {
				damped.Set(j, j, normal.At(j, j)*(1+lambda)+lambda)
			}
			var step mat.VecDense
			if err := step.SolveVec(damped, &grad); err != nil {
				lambda *= 10
				continue
			}
			candidate := append([]float64(nil), x...)
			floats.Add(candidate, step.RawVector().Data)
			rc, ok := model.residuals(candidate, idx)
			if ok {
				if c := floats.Dot(rc, rc); c < cost {
					converged := cost-c <= 1e-12*cost
					x, r, cost = candidate, rc, c
					lambda = math.Max(lambda/10, 1e-9)
					improved = true
					if converged {
						return poseFromParams(x)
					}
					break
				}
			}
			lambda *= 10
		}
		if !improved {
			break
		}
	}
	return poseFromParams(x)
}

func poseFromParams(x []float64) *transform.Pose {
	return transform.NewPoseFromAxisAngle(r3.Vector{X: x[0], Y: x[1], Z: x[2]}, r3.Vector{X: x[3], Y: x[4], Z: x[5]})
}
