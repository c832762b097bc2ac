package odometry

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/odometry/logging"
	"go.viam.com/odometry/pointcloud"
	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/vision/keypoints"
)

func TestTriangulate(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rnd := rand.New(rand.NewSource(37))
	world := randomScene(rnd, 30)
	f1 := observe(testIntrinsics(), transform.NewIdentityPose(), world)
	f2 := observe(testIntrinsics(), secondCameraPose(), world)
	f1.Pose = transform.NewIdentityPose()
	f2.Pose = secondCameraPose()
	img := image.NewNRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 7, A: 255})
		}
	}
	f1.Image = img

	cloud := pointcloud.New()
	res, err := Triangulate(f1, f2, identityMatches(30), cloud, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *res, test.ShouldResemble, TriangulationResult{Added: 30})
	test.That(t, cloud.Len(), test.ShouldEqual, 30)
	for i, w := range world {
		p, ok := cloud.Get(i)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, p.Position.Sub(w).Norm(), test.ShouldBeLessThan, 1e-6)
		test.That(t, p.Inlier, test.ShouldBeTrue)
		test.That(t, p.HasColor, test.ShouldBeTrue)
		kp := f1.KeyPoints[i]
		test.That(t, p.Color, test.ShouldResemble, img.NRGBAAt(int(kp.X), int(kp.Y)))
	}

	// running again adds nothing and moves nothing
	before := cloud.Positions()
	res, err = Triangulate(f1, f2, identityMatches(30), cloud, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *res, test.ShouldResemble, TriangulationResult{Skipped: 30})
	test.That(t, cloud.Positions(), test.ShouldResemble, before)
}

func TestTriangulateDuplicatesInOneCall(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rnd := rand.New(rand.NewSource(41))
	world := randomScene(rnd, 5)
	f1 := observe(testIntrinsics(), transform.NewIdentityPose(), world)
	f2 := observe(testIntrinsics(), secondCameraPose(), world)
	f1.Pose = transform.NewIdentityPose()
	f2.Pose = secondCameraPose()

	matches := append(identityMatches(5), keypoints.Match{Idx1: 2, Idx2: 2}, keypoints.Match{Idx1: 4, Idx2: 3})
	cloud := pointcloud.New()
	res, err := Triangulate(f1, f2, matches, cloud, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Added, test.ShouldEqual, 5)
	test.That(t, res.Skipped, test.ShouldEqual, 2)
	test.That(t, cloud.IDs(), test.ShouldResemble, []int{0, 1, 2, 3, 4})
	// no image means no color
	p, _ := cloud.Get(0)
	test.That(t, p.HasColor, test.ShouldBeFalse)
}

func TestTriangulateRejectsPointsAtInfinity(t *testing.T) {
	logger := logging.NewTestLogger(t)
	intrinsics := testIntrinsics()
	// the same pixel in two cameras that only differ by translation is a ray to infinity
	f1 := &Frame{
		KeyPoints:      keypoints.KeyPoints{{X: 320, Y: 240}, {X: 400, Y: 300}},
		UniquePixelIDs: []int{7, 8},
		Intrinsics:     intrinsics,
		Pose:           transform.NewIdentityPose(),
	}
	f2 := &Frame{
		KeyPoints:      keypoints.KeyPoints{{X: 320, Y: 240}, {X: 400, Y: 300}},
		UniquePixelIDs: []int{7, 8},
		Intrinsics:     intrinsics,
		Pose:           transform.NewPoseFromAxisAngle(r3.Vector{}, r3.Vector{X: -1}),
	}
	cloud := pointcloud.New()
	res, err := Triangulate(f1, f2, identityMatches(2), cloud, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Rejected, test.ShouldEqual, 2)
	test.That(t, cloud.Len(), test.ShouldEqual, 0)
}

func TestTriangulateNeedsPoses(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rnd := rand.New(rand.NewSource(43))
	world := randomScene(rnd, 5)
	f1 := observe(testIntrinsics(), transform.NewIdentityPose(), world)
	f2 := observe(testIntrinsics(), secondCameraPose(), world)
	_, err := Triangulate(f1, f2, identityMatches(5), pointcloud.New(), logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestApproximateDepth(t *testing.T) {
	rnd := rand.New(rand.NewSource(47))
	world := randomScene(rnd, 40)
	truth := secondCameraPose()
	f1 := observe(testIntrinsics(), transform.NewIdentityPose(), world)
	f2 := observe(testIntrinsics(), truth, world)
	baseline := truth.Translation.Norm()
	unit := &transform.Pose{Rotation: truth.Rotation, Translation: truth.Translation.Mul(1 / baseline)}

	depth, err := ApproximateDepth(f1, f2, unit, identityMatches(40), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, depth*baseline, test.ShouldAlmostEqual, meanNorm(world), 1e-6)

	var every4th []r3.Vector
	for i := 0; i < 40; i += 4 {
		every4th = append(every4th, world[i])
	}
	depth, err = ApproximateDepth(f1, f2, unit, identityMatches(40), 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, depth*baseline, test.ShouldAlmostEqual, meanNorm(every4th), 1e-6)

	_, err = ApproximateDepth(f1, f2, unit, identityMatches(40), 0)
	test.That(t, err, test.ShouldNotBeNil)

	// a pure rotation has no baseline to triangulate with
	rotation := transform.NewPoseFromAxisAngle(r3.Vector{Y: 0.1}, r3.Vector{})
	_, err = ApproximateDepth(f1, observe(testIntrinsics(), rotation, world), rotation, identityMatches(40), 1)
	test.That(t, errors.Is(err, ErrNoValidDepth), test.ShouldBeTrue)
}
