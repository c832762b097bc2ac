package pointcloud

import "go.viam.com/odometry/rimage/transform"

// Transform returns a new cloud with every position mapped through pose. Ids, colors and inlier
// flags are carried over.
func Transform(cloud *SparseCloud, pose *transform.Pose) *SparseCloud {
	out := cloud.Clone()
	for i, p := range transform.TransformPoints(pose, out.Positions()) {
		out.points[i].Position = p
	}
	out.rebuild(out.points)
	return out
}
