package odometry

import "github.com/pkg/errors"

var (
	// ErrInsufficientCorrespondences is returned when there are fewer correspondences than the
	// estimator's minimal sample needs.
	ErrInsufficientCorrespondences = errors.New("not enough correspondences")
	// ErrDegenerateGeometry is returned when the correspondences do not determine a relative pose, as
	// happens under pure rotation or when no decomposition puts the scene in front of both cameras.
	ErrDegenerateGeometry = errors.New("degenerate two-view geometry")
	// ErrLowConfidence is returned alongside a pose whose mean reprojection error is high and whose
	// inlier ratio is low.
	ErrLowConfidence = errors.New("pose estimate has low confidence")
	// ErrNoValidDepth is returned when no sampled correspondence triangulates to a finite point.
	ErrNoValidDepth = errors.New("no correspondence produced a valid depth")
)
