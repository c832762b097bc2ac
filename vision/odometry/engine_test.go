package odometry

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/odometry/logging"
	"go.viam.com/odometry/pointcloud"
	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/vision/keypoints"
)

func TestEngineSequence(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rnd := rand.New(rand.NewSource(53))
	world := randomScene(rnd, 80)
	pose2 := secondCameraPose()
	pose3 := transform.NewPoseFromAxisAngle(r3.Vector{X: -0.01, Y: -0.08}, r3.Vector{X: -0.9, Y: 0.1, Z: 0.2})
	f1 := observe(testIntrinsics(), transform.NewIdentityPose(), world[:60])
	f2 := observe(testIntrinsics(), pose2, world[:60])

	cfg := DefaultConfig()
	cfg.OutlierFilter.MeanK = 10
	cfg.OutlierFilter.StdDevMultiplier = 3
	engine, err := NewEngine(cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	cloud := pointcloud.New()
	boot, err := engine.Bootstrap(f1, f2, identityMatches(60), cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, boot.Triangulation.Added, test.ShouldEqual, 60)
	test.That(t, f1.Pose.AlmostEqual(transform.NewIdentityPose(), 1e-12), test.ShouldBeTrue)
	test.That(t, transform.RotationAngleBetween(f2.Pose, pose2), test.ShouldBeLessThan, 1e-6)

	// the map is known up to the bootstrap baseline
	scale := 1 / pose2.Translation.Norm()
	scaled := make([]r3.Vector, len(world))
	for i, w := range world {
		scaled[i] = w.Mul(scale)
	}
	scaledPose3 := &transform.Pose{Rotation: pose3.Rotation, Translation: pose3.Translation.Mul(scale)}

	// the third frame sees 40 mapped points and 20 new ones
	f3 := observe(testIntrinsics(), scaledPose3, scaled[20:])
	for i := range f3.UniquePixelIDs {
		f3.UniquePixelIDs[i] += 20
	}
	// f2's view of the shared points, ids 20..59, paired with f3's first 40 keypoints, plus the 20 new ones
	f2ext := observe(testIntrinsics(), pose2, world)
	f2ext.Pose = f2.Pose
	track, err := engine.Track(f3, f2ext, shiftedMatches(20, 60), cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, track.PnP.Correspondences, test.ShouldEqual, 40)
	test.That(t, track.PnP.Pose.AlmostEqual(scaledPose3, 1e-4), test.ShouldBeTrue)
	test.That(t, track.Triangulation.Added, test.ShouldEqual, 20)
	test.That(t, track.Triangulation.Skipped, test.ShouldEqual, 40)
	test.That(t, cloud.Len(), test.ShouldEqual, 80)
	for i := 60; i < 80; i++ {
		p, ok := cloud.Get(i)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, p.Position.Sub(scaled[i]).Norm(), test.ShouldBeLessThan, 1e-4)
	}

	removed, err := engine.FilterMap(cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Len(), test.ShouldEqual, 80-removed)
}

// shiftedMatches pairs keypoint i of a frame holding every point with keypoint i-offset of a frame
// that starts at point offset.
func shiftedMatches(offset, n int) []keypoints.Match {
	matches := make([]keypoints.Match, 0, n)
	for i := offset; i < offset+n; i++ {
		matches = append(matches, keypoints.Match{Idx1: i, Idx2: i - offset})
	}
	return matches
}

func TestEngineTrackLowConfidence(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	rnd := rand.New(rand.NewSource(59))
	world := randomScene(rnd, 40)
	cfg := DefaultConfig()
	cfg.PnP.RansacThresholdPx = 30
	cfg.PnP.MaxMeanReprojectionErrorPx = 1
	cfg.PnP.MinInlierRatio = 0.9
	engine, err := NewEngine(cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	frame := observe(testIntrinsics(), secondCameraPose(), world)
	for i := range frame.KeyPoints {
		frame.KeyPoints[i].X += rnd.Float64()*8 - 4
		frame.KeyPoints[i].Y += rnd.Float64()*8 - 4
	}
	for i := 0; i < 15; i++ {
		frame.KeyPoints[i] = displace(rnd, frame.KeyPoints[i], 100)
	}
	prev := observe(testIntrinsics(), transform.NewIdentityPose(), world)
	prev.Pose = transform.NewIdentityPose()
	cloud := cloudFromPoints(world)

	res, err := engine.Track(frame, prev, identityMatches(40), cloud)
	test.That(t, errors.Is(err, ErrLowConfidence), test.ShouldBeTrue)
	test.That(t, res.PnP, test.ShouldNotBeNil)
	test.That(t, res.Triangulation, test.ShouldBeNil)
	test.That(t, frame.Pose, test.ShouldNotBeNil)
	test.That(t, logs.FilterMessage("absolute pose may have failed").Len(), test.ShouldEqual, 1)
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Depth.Stride = 0
	_, err := NewEngine(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFrameValidateAndUndistort(t *testing.T) {
	f := &Frame{Intrinsics: testIntrinsics()}
	test.That(t, f.Validate(), test.ShouldBeNil)
	f.KeyPoints = append(f.KeyPoints, r2.Point{X: 320, Y: 240})
	test.That(t, f.Validate(), test.ShouldNotBeNil)
	f.UniquePixelIDs = []int{1}
	test.That(t, f.Validate(), test.ShouldBeNil)

	noIntrinsics := &Frame{}
	test.That(t, errors.Is(noIntrinsics.Validate(), transform.ErrNoIntrinsics), test.ShouldBeTrue)

	test.That(t, UndistortFrame(f, nil), test.ShouldNotBeNil)
	img := image.NewNRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	f.Image = img
	distortion, err := transform.NewBrownConrady([]float64{-0.2, 0.05})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, UndistortFrame(f, distortion), test.ShouldBeNil)
	test.That(t, f.Image.Bounds(), test.ShouldResemble, img.Bounds())
	// the center is unaffected by radial distortion
	test.That(t, color.NRGBAModel.Convert(f.Image.At(320, 240)), test.ShouldResemble, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
}

func TestBootstrapDepthBound(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rnd := rand.New(rand.NewSource(61))
	world := randomScene(rnd, 50)
	f1 := observe(testIntrinsics(), transform.NewIdentityPose(), world)
	f2 := observe(testIntrinsics(), secondCameraPose(), world)

	// the scene is about 6 units away with a baseline of about half a unit
	cfg := DefaultConfig()
	cfg.Depth.MaxBaselines = 5
	engine, err := NewEngine(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	cloud := pointcloud.New()
	_, err = engine.Bootstrap(f1, f2, identityMatches(50), cloud)
	test.That(t, errors.Is(err, ErrDegenerateGeometry), test.ShouldBeTrue)
	test.That(t, f2.Pose, test.ShouldBeNil)
	test.That(t, cloud.Len(), test.ShouldEqual, 0)

	cfg.Depth.MaxBaselines = 0
	engine, err = NewEngine(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	boot, err := engine.Bootstrap(f1, f2, identityMatches(50), cloud)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, boot.Depth, test.ShouldBeGreaterThan, 5)
	test.That(t, boot.Depth, test.ShouldBeLessThan, DefaultConfig().Depth.MaxBaselines)
	test.That(t, f2.Pose, test.ShouldNotBeNil)
}

func TestUndistortKeyPoints(t *testing.T) {
	intrinsics := testIntrinsics()
	distortion, err := transform.NewBrownConrady([]float64{-0.2, 0.05})
	test.That(t, err, test.ShouldBeNil)

	ideal := []r2.Point{{X: 320, Y: 240}, {X: 100, Y: 60}, {X: 600, Y: 400}, {X: 450, Y: 90}}
	f := &Frame{Intrinsics: intrinsics, UniquePixelIDs: []int{0, 1, 2, 3}}
	for _, p := range ideal {
		x, y := distortion.Transform((p.X-intrinsics.Ppx)/intrinsics.Fx, (p.Y-intrinsics.Ppy)/intrinsics.Fy)
		f.KeyPoints = append(f.KeyPoints, r2.Point{X: x*intrinsics.Fx + intrinsics.Ppx, Y: y*intrinsics.Fy + intrinsics.Ppy})
	}
	test.That(t, f.KeyPoints[2].Sub(ideal[2]).Norm(), test.ShouldBeGreaterThan, 1)

	test.That(t, UndistortKeyPoints(f, distortion), test.ShouldBeNil)
	for i, p := range ideal {
		test.That(t, f.KeyPoints[i].Sub(p).Norm(), test.ShouldBeLessThan, 1e-6)
	}
	test.That(t, UndistortKeyPoints(f, nil), test.ShouldNotBeNil)
}
