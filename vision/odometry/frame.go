package odometry

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/vision/keypoints"
)

// Frame is one camera view. UniquePixelIDs[i] is the map id observed at KeyPoints[i]. Pose maps world
// coordinates into this camera and is nil until it has been estimated.
type Frame struct {
	KeyPoints      keypoints.KeyPoints
	UniquePixelIDs []int
	Intrinsics     *transform.PinholeCameraIntrinsics
	Pose           *transform.Pose
	Image          image.Image
}

// Validate checks that the keypoints and ids line up and that the intrinsics are usable.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("frame is nil")
	}
	if len(f.KeyPoints) != len(f.UniquePixelIDs) {
		return errors.Errorf("frame has %d keypoints but %d ids", len(f.KeyPoints), len(f.UniquePixelIDs))
	}
	if f.Intrinsics == nil {
		return transform.NewNoIntrinsicsError("frame has no intrinsics")
	}
	return f.Intrinsics.CheckValid()
}

// NormalizedKeyPoint returns keypoint i on the normalized image plane.
func (f *Frame) NormalizedKeyPoint(i int) r2.Point {
	return f.Intrinsics.PixelToNormalized(f.KeyPoints[i])
}

// UndistortFrame replaces the frame's image by its undistorted version. Keypoints are left alone; they
// are expected to be detected on the undistorted image.
func UndistortFrame(f *Frame, distortion transform.Distorter) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Image == nil {
		return errors.New("frame has no image to undistort")
	}
	model := &transform.PinholeCameraModel{PinholeCameraIntrinsics: f.Intrinsics, Distortion: distortion}
	undistorted, err := model.UndistortImage(f.Image)
	if err != nil {
		return errors.Wrap(err, "cannot undistort frame")
	}
	f.Image = undistorted
	return nil
}

// UndistortKeyPoints maps keypoints detected on a distorted image onto the undistorted image plane.
func UndistortKeyPoints(f *Frame, distortion transform.Distorter) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if distortion == nil {
		return errors.New("no distortion model to invert")
	}
	model := &transform.PinholeCameraModel{PinholeCameraIntrinsics: f.Intrinsics, Distortion: distortion}
	for i, kp := range f.KeyPoints {
		f.KeyPoints[i] = model.UndistortPixel(kp)
	}
	return nil
}
