package transform

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/odometry/rimage"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraModel is the model of a pinhole camera.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               Distorter `json:"distortion"`
}

// DistortionMap is a function that transforms the undistorted input points (u,v) to the distorted points (x,y)
// according to the model in PinholeCameraModel.Distortion.
func (params *PinholeCameraModel) DistortionMap() func(u, v float64) (float64, float64) {
	return func(u, v float64) (float64, float64) {
		if params.Distortion == nil {
			return u, v
		}
		x := (u - params.Ppx) / params.Fx
		y := (v - params.Ppy) / params.Fy
		x, y = params.Distortion.Transform(x, y)
		x = x*params.Fx + params.Ppx
		y = y*params.Fy + params.Ppy
		return x, y
	}
}

// UndistortImage takes an input image and creates a new image the same size with the same camera parameters
// as the original image, but undistorted according to the distortion model in PinholeCameraModel. Each output
// pixel takes the color of the nearest source pixel; pixels that map outside the source are black.
func (params *PinholeCameraModel) UndistortImage(img image.Image) (*image.NRGBA, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	// Check dimensions, they should be equal between the color image and what the intrinsics expect
	if params.Width != bounds.Dx() || params.Height != bounds.Dy() {
		return nil, errors.Errorf("img dimension and intrinsics don't match Image(%d,%d) != Intrinsics(%d,%d)",
			bounds.Dx(), bounds.Dy(), params.Width, params.Height)
	}
	// work on an origin-anchored NRGBA copy so pixel lookups match the intrinsics frame
	src := imaging.Clone(img)
	undistortedImg := image.NewNRGBA(image.Rect(0, 0, params.Width, params.Height))
	distortionMap := params.DistortionMap()
	black := color.NRGBA{A: 255}
	for v := 0; v < params.Height; v++ {
		for u := 0; u < params.Width; u++ {
			x, y := distortionMap(float64(u), float64(v))
			if c := rimage.NearestNeighborColor(r2.Point{X: x, Y: y}, src); c != nil {
				undistortedImg.SetNRGBA(u, v, *c)
			} else {
				undistortedImg.SetNRGBA(u, v, black)
			}
		}
	}
	return undistortedImg, nil
}

// UndistortPixel maps a pixel observed through the lens to where an ideal pinhole camera with the
// same intrinsics would see it. It is the inverse of DistortionMap.
func (params *PinholeCameraModel) UndistortPixel(pt r2.Point) r2.Point {
	if params.Distortion == nil {
		return pt
	}
	x := (pt.X - params.Ppx) / params.Fx
	y := (pt.Y - params.Ppy) / params.Fy
	x, y = InvertDistortion(params.Distortion, x, y)
	return r2.Point{X: x*params.Fx + params.Ppx, Y: y*params.Fy + params.Ppy}
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px" yaml:"width_px"`
	Height int     `json:"height_px" yaml:"height_px"`
	Fx     float64 `json:"fx" yaml:"fx"`
	Fy     float64 `json:"fy" yaml:"fy"`
	Ppx    float64 `json:"ppx" yaml:"ppx"`
	Ppy    float64 `json:"ppy" yaml:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, nil
}

// NewPinholeCameraIntrinsicsFromMatrix reads fx, fy, ppx and ppy from a 3×3 camera matrix. The skew
// term must be zero.
func NewPinholeCameraIntrinsicsFromMatrix(k mat.Matrix, width, height int) (*PinholeCameraIntrinsics, error) {
	if r, c := k.Dims(); r != 3 || c != 3 {
		return nil, NewNoIntrinsicsError(fmt.Sprintf("camera matrix must be 3x3, got %dx%d", r, c))
	}
	if k.At(0, 1) != 0 || k.At(1, 0) != 0 || k.At(2, 0) != 0 || k.At(2, 1) != 0 || k.At(2, 2) != 1 {
		return nil, NewNoIntrinsicsError("camera matrix is not of the form [[fx 0 ppx] [0 fy ppy] [0 0 1]]")
	}
	params := &PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     k.At(0, 0),
		Fy:     k.At(1, 1),
		Ppx:    k.At(0, 2),
		Ppy:    k.At(1, 2),
	}
	if err := params.CheckValid(); err != nil {
		return nil, err
	}
	return params, nil
}

// PixelToCam returns the normalized camera ray (x, y, 1) through a pixel, K⁻¹·[u v 1]ᵀ.
func (params *PinholeCameraIntrinsics) PixelToCam(pt r2.Point) r3.Vector {
	return r3.Vector{
		X: (pt.X - params.Ppx) / params.Fx,
		Y: (pt.Y - params.Ppy) / params.Fy,
		Z: 1,
	}
}

// PixelToNormalized is PixelToCam without the homogeneous coordinate.
func (params *PinholeCameraIntrinsics) PixelToNormalized(pt r2.Point) r2.Point {
	ray := params.PixelToCam(pt)
	return r2.Point{X: ray.X, Y: ray.Y}
}

// CamToPixel projects a point in camera coordinates to sub-pixel image coordinates. The second return
// is false when the point is not in front of the camera.
func (params *PinholeCameraIntrinsics) CamToPixel(pt r3.Vector) (r2.Point, bool) {
	if pt.Z <= 0 || !vectorIsFinite(pt) {
		return r2.Point{}, false
	}
	return r2.Point{
		X: pt.X/pt.Z*params.Fx + params.Ppx,
		Y: pt.Y/pt.Z*params.Fy + params.Ppy,
	}, true
}

// MeanFocalLength converts distances on the normalized image plane to approximate pixels.
func (params *PinholeCameraIntrinsics) MeanFocalLength() float64 {
	return (params.Fx + params.Fy) / 2
}
