package odometry

import (
	"time"

	"github.com/pkg/errors"

	"go.viam.com/odometry/logging"
	"go.viam.com/odometry/pointcloud"
	"go.viam.com/odometry/rimage"
	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/vision/keypoints"
)

// TriangulationResult counts what happened to each match. Skipped matches carried an id already in
// the map; Rejected ones triangulated to a point at infinity or a non-finite point.
type TriangulationResult struct {
	Added    int
	Skipped  int
	Rejected int
}

// Triangulate adds a map point for every match whose id (taken from f1) is not yet mapped. Both frames
// must have poses. Points take the color of f1's image at the keypoint when there is one. Existing
// points are never moved or removed.
func Triangulate(
	f1, f2 *Frame,
	matches []keypoints.Match,
	cloud *pointcloud.SparseCloud,
	logger logging.Logger,
) (*TriangulationResult, error) {
	start := time.Now()
	if err := f1.Validate(); err != nil {
		return nil, errors.Wrap(err, "first frame")
	}
	if err := f2.Validate(); err != nil {
		return nil, errors.Wrap(err, "second frame")
	}
	if f1.Pose == nil || f2.Pose == nil {
		return nil, errors.New("both frames need a pose to triangulate")
	}
	if cloud == nil {
		return nil, errors.New("map is nil")
	}
	if err := keypoints.ValidateMatches(matches, len(f1.KeyPoints), len(f2.KeyPoints)); err != nil {
		return nil, err
	}

	result := &TriangulationResult{}
	seen := make(map[int]struct{}, len(matches))
	for _, m := range matches {
		id := f1.UniquePixelIDs[m.Idx1]
		if _, dup := seen[id]; dup || cloud.Has(id) {
			result.Skipped++
			continue
		}
		seen[id] = struct{}{}

		pos, ok := transform.TriangulatePoint(f1.Pose, f2.Pose, f1.NormalizedKeyPoint(m.Idx1), f2.NormalizedKeyPoint(m.Idx2))
		if !ok {
			result.Rejected++
			continue
		}
		pt := pointcloud.MapPoint{ID: id, Position: pos, Inlier: true}
		pt.Color, pt.HasColor = rimage.PixelColor(f1.Image, f1.KeyPoints[m.Idx1])
		if err := cloud.Add(pt); err != nil {
			return result, err
		}
		result.Added++
	}
	logger.Debugw("triangulated matches",
		"added", result.Added,
		"skipped", result.Skipped,
		"rejected", result.Rejected,
		"map_size", cloud.Len(),
		"elapsed", time.Since(start))
	return result, nil
}
