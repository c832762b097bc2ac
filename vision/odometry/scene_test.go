package odometry

import (
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/odometry/pointcloud"
	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/vision/keypoints"
)

func testIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  640,
		Height: 480,
		Fx:     500,
		Fy:     500,
		Ppx:    320,
		Ppy:    240,
	}
}

// randomScene returns n points in a box in front of a camera at the origin looking down +z.
func randomScene(rnd *rand.Rand, n int) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{
			X: rnd.Float64()*4 - 2,
			Y: rnd.Float64()*3 - 1.5,
			Z: 4 + rnd.Float64()*4,
		}
	}
	return pts
}

// observe projects world points into a camera with world-to-camera pose. Keypoint i gets id i.
func observe(intrinsics *transform.PinholeCameraIntrinsics, pose *transform.Pose, world []r3.Vector) *Frame {
	f := &Frame{Intrinsics: intrinsics}
	for i, w := range world {
		px, ok := intrinsics.CamToPixel(pose.Apply(w))
		if !ok {
			panic("test point behind camera")
		}
		f.KeyPoints = append(f.KeyPoints, px)
		f.UniquePixelIDs = append(f.UniquePixelIDs, i)
	}
	return f
}

func identityMatches(n int) []keypoints.Match {
	matches := make([]keypoints.Match, n)
	for i := range matches {
		matches[i] = keypoints.Match{Idx1: i, Idx2: i}
	}
	return matches
}

// secondCameraPose is a small sideways motion with a little rotation.
func secondCameraPose() *transform.Pose {
	return transform.NewPoseFromAxisAngle(r3.Vector{X: 0.02, Y: -0.05, Z: 0.01}, r3.Vector{X: -0.5, Y: 0.05, Z: 0.1})
}

func cloudFromPoints(world []r3.Vector) *pointcloud.SparseCloud {
	cloud := pointcloud.New()
	for i, w := range world {
		if err := cloud.Add(pointcloud.MapPoint{ID: i, Position: w, Inlier: true}); err != nil {
			panic(err)
		}
	}
	return cloud
}

// displace moves keypoint i by at least minPx in a random direction.
func displace(rnd *rand.Rand, pt r2.Point, minPx float64) r2.Point {
	d := r2.Point{X: rnd.Float64()*2 - 1, Y: rnd.Float64()*2 - 1}
	for d.Norm() < 1e-3 {
		d = r2.Point{X: rnd.Float64()*2 - 1, Y: rnd.Float64()*2 - 1}
	}
	return pt.Add(d.Normalize().Mul(minPx + rnd.Float64()*minPx))
}
