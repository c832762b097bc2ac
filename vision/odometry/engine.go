// Package odometry estimates camera motion from feature correspondences and grows a sparse map of
// triangulated points. A sequence starts with Engine.Bootstrap on two frames and continues with
// Engine.Track for every following frame.
package odometry

import (
	"math/rand"

	"github.com/pkg/errors"

	"go.viam.com/odometry/logging"
	"go.viam.com/odometry/pointcloud"
	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/utils"
	"go.viam.com/odometry/vision/keypoints"
)

// Engine runs the estimators with one configuration. It is not safe for concurrent use.
type Engine struct {
	cfg    Config
	rnd    *rand.Rand
	logger logging.Logger
}

// BootstrapResult is the outcome of initializing a map from two frames.
type BootstrapResult struct {
	TwoView       *TwoViewResult
	Depth         float64
	Triangulation *TriangulationResult
}

// TrackResult is the outcome of locating one frame and extending the map from it.
type TrackResult struct {
	PnP           *PnPResult
	Triangulation *TriangulationResult
}

// NewEngine returns an engine after validating cfg.
func NewEngine(cfg Config, logger logging.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid odometry config")
	}
	return &Engine{
		cfg:    cfg,
		rnd:    rand.New(rand.NewSource(cfg.Seed)), //nolint:gosec
		logger: logger,
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Bootstrap estimates the pose of f2 relative to f1 and triangulates the inlier matches into cloud.
// f1 is placed at the origin when it has no pose. f2's pose is set once the relative motion is found
// and the mean scene depth is within Depth.MaxBaselines.
func (e *Engine) Bootstrap(f1, f2 *Frame, matches []keypoints.Match, cloud *pointcloud.SparseCloud) (*BootstrapResult, error) {
	twoView, err := EstimateEssentialMotion(f1, f2, matches, e.cfg.TwoView, e.rnd, e.logger.Sublogger("two_view"))
	if err != nil {
		return nil, err
	}
	depth, err := ApproximateDepth(f1, f2, twoView.Pose, twoView.Inliers, e.cfg.Depth.Stride)
	if err != nil {
		return nil, err
	}
	if limit := e.cfg.Depth.MaxBaselines; limit > 0 && depth > limit {
		return nil, errors.Wrapf(ErrDegenerateGeometry, "mean scene depth is %.1f baselines, more than %.1f", depth, limit)
	}
	e.logger.Infow("bootstrapped relative pose",
		"inliers", len(twoView.Inliers),
		"correspondences", len(matches),
		"rotation_deg", utils.RadToDeg(twoView.Pose.AxisAngle().Norm()),
		"mean_depth_baselines", depth)

	if f1.Pose == nil {
		f1.Pose = transform.NewIdentityPose()
	}
	f2.Pose = twoView.Pose.Compose(f1.Pose)
	tri, err := Triangulate(f1, f2, twoView.Inliers, cloud, e.logger.Sublogger("triangulation"))
	if err != nil {
		return nil, err
	}
	return &BootstrapResult{TwoView: twoView, Depth: depth, Triangulation: tri}, nil
}

// Track locates frame against cloud and triangulates its matches with prev. Match indices point into
// prev first and frame second. A low confidence pose is still written to frame but nothing is
// triangulated from it; the partial result is returned with ErrLowConfidence.
func (e *Engine) Track(frame, prev *Frame, matches []keypoints.Match, cloud *pointcloud.SparseCloud) (*TrackResult, error) {
	pnp, err := EstimateAbsolutePose(frame, cloud, e.cfg.PnP, e.rnd, e.logger.Sublogger("pnp"))
	if err != nil {
		if errors.Is(err, ErrLowConfidence) {
			return &TrackResult{PnP: pnp}, err
		}
		return nil, err
	}
	tri, err := Triangulate(prev, frame, matches, cloud, e.logger.Sublogger("triangulation"))
	if err != nil {
		return &TrackResult{PnP: pnp}, err
	}
	e.logger.Infow("tracked frame",
		"inliers", len(pnp.Inliers),
		"outliers", len(pnp.Outliers),
		"added", tri.Added,
		"map_size", cloud.Len())
	return &TrackResult{PnP: pnp, Triangulation: tri}, nil
}

// FilterMap removes statistical outliers from cloud and returns how many were removed.
func (e *Engine) FilterMap(cloud *pointcloud.SparseCloud) (int, error) {
	before := cloud.Len()
	removed, err := pointcloud.StatisticalOutlierFilter(cloud, e.cfg.OutlierFilter)
	if err != nil {
		return 0, err
	}
	e.logger.Debugw("filtered map", "before", before, "removed", removed)
	return removed, nil
}
