package transform

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func testIntrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 510, Ppx: 320, Ppy: 240}
}

func TestPixelCamRoundTrip(t *testing.T) {
	intrinsics := testIntrinsics()
	for _, px := range []r2.Point{{X: 0, Y: 0}, {X: 320, Y: 240}, {X: 100.25, Y: 400.75}, {X: 639, Y: 479}} {
		ray := intrinsics.PixelToCam(px)
		test.That(t, ray.Z, test.ShouldEqual, 1.)
		for _, depth := range []float64{0.5, 3, 40} {
			back, ok := intrinsics.CamToPixel(ray.Mul(depth))
			test.That(t, ok, test.ShouldBeTrue)
			test.That(t, back.X, test.ShouldAlmostEqual, px.X, 1e-9)
			test.That(t, back.Y, test.ShouldAlmostEqual, px.Y, 1e-9)
		}
	}

	_, ok := intrinsics.CamToPixel(r3.Vector{X: 1, Y: 1, Z: -2})
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = intrinsics.CamToPixel(r3.Vector{X: 1})
	test.That(t, ok, test.ShouldBeFalse)

	n := intrinsics.PixelToNormalized(r2.Point{X: 420, Y: 240})
	test.That(t, n.X, test.ShouldAlmostEqual, 0.2)
	test.That(t, n.Y, test.ShouldAlmostEqual, 0.)
}

func TestIntrinsicsFromMatrix(t *testing.T) {
	k := mat.NewDense(3, 3, []float64{500, 0, 320, 0, 510, 240, 0, 0, 1})
	intrinsics, err := NewPinholeCameraIntrinsicsFromMatrix(k, 640, 480)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *intrinsics, test.ShouldResemble, *testIntrinsics())
	test.That(t, intrinsics.MeanFocalLength(), test.ShouldEqual, 505.)

	skewed := mat.DenseCopyOf(k)
	skewed.Set(0, 1, 0.5)
	_, err = NewPinholeCameraIntrinsicsFromMatrix(skewed, 640, 480)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewPinholeCameraIntrinsicsFromMatrix(k, 0, 480)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCheckValid(t *testing.T) {
	var nilIntrinsics *PinholeCameraIntrinsics
	err := nilIntrinsics.CheckValid()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, ErrNoIntrinsics.Error())

	bad := testIntrinsics()
	bad.Fy = 0
	test.That(t, bad.CheckValid(), test.ShouldNotBeNil)
	test.That(t, testIntrinsics().CheckValid(), test.ShouldBeNil)
}

func TestIntrinsicsFromJSONFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "intrinsics.json")
	content := `{"width_px": 640, "height_px": 480, "fx": 500, "fy": 510, "ppx": 320, "ppy": 240}`
	test.That(t, os.WriteFile(fn, []byte(content), 0o600), test.ShouldBeNil)

	intrinsics, err := NewPinholeCameraIntrinsicsFromJSONFile(fn)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *intrinsics, test.ShouldResemble, *testIntrinsics())

	_, err = NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(t.TempDir(), "nope.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestUndistortImage(t *testing.T) {
	intrinsics := &PinholeCameraIntrinsics{Width: 40, Height: 30, Fx: 40, Fy: 40, Ppx: 20, Ppy: 15}
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 6), uint8(y * 8), 100, 255})
		}
	}

	t.Run("no distortion is the identity", func(t *testing.T) {
		model := &PinholeCameraModel{PinholeCameraIntrinsics: intrinsics}
		out, err := model.UndistortImage(img)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Pix, test.ShouldResemble, img.Pix)
		test.That(t, model.UndistortPixel(r2.Point{X: 3, Y: 4}), test.ShouldResemble, r2.Point{X: 3, Y: 4})
	})

	t.Run("barrel distortion keeps the center", func(t *testing.T) {
		bc, err := NewBrownConrady([]float64{-0.2, 0.05})
		test.That(t, err, test.ShouldBeNil)
		model := &PinholeCameraModel{PinholeCameraIntrinsics: intrinsics, Distortion: bc}
		out, err := model.UndistortImage(img)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.NRGBAAt(20, 15), test.ShouldResemble, img.NRGBAAt(20, 15))
		test.That(t, out.Pix, test.ShouldNotResemble, img.Pix)

		// a pixel pushed through the distortion map comes back through UndistortPixel
		distortionMap := model.DistortionMap()
		x, y := distortionMap(35, 5)
		back := model.UndistortPixel(r2.Point{X: x, Y: y})
		test.That(t, back.X, test.ShouldAlmostEqual, 35, 1e-6)
		test.That(t, back.Y, test.ShouldAlmostEqual, 5, 1e-6)
	})

	t.Run("size mismatch", func(t *testing.T) {
		model := &PinholeCameraModel{PinholeCameraIntrinsics: testIntrinsics()}
		_, err := model.UndistortImage(img)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = model.UndistortImage(nil)
		test.That(t, err, test.ShouldNotBeNil)
	})
}
