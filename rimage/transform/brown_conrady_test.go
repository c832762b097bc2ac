package transform

import (
	"testing"

	"go.viam.com/test"
)

func TestBrownConradyInverse(t *testing.T) {
	bc, err := NewBrownConrady([]float64{-0.28, 0.07, 0.001, 0.0005, -0.0007})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bc.Parameters(), test.ShouldResemble, []float64{-0.28, 0.07, 0.001, 0.0005, -0.0007})

	for _, pt := range [][2]float64{{0, 0}, {0.1, -0.2}, {-0.3, 0.25}, {0.45, 0.3}} {
		xd, yd := bc.Transform(pt[0], pt[1])
		xu, yu := bc.Undistort(xd, yd)
		test.That(t, xu, test.ShouldAlmostEqual, pt[0], 1e-9)
		test.That(t, yu, test.ShouldAlmostEqual, pt[1], 1e-9)

		// the finite difference solver agrees with the analytic one
		xn, yn := newtonInvert(bc.Transform, xd, yd)
		test.That(t, xn, test.ShouldAlmostEqual, pt[0], 1e-6)
		test.That(t, yn, test.ShouldAlmostEqual, pt[1], 1e-6)
	}

	_, err = NewBrownConrady(make([]float64, 6))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestInverseBrownConrady(t *testing.T) {
	ibc, err := NewInverseBrownConrady([]float64{0.1, -0.02})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ibc.ModelType(), test.ShouldEqual, InverseBrownConradyDistortionType)

	xd, yd := ibc.Transform(0.2, -0.1)
	xu, yu := InvertDistortion(ibc, xd, yd)
	test.That(t, xu, test.ShouldAlmostEqual, 0.2, 1e-9)
	test.That(t, yu, test.ShouldAlmostEqual, -0.1, 1e-9)
}

func TestNewDistorter(t *testing.T) {
	d, err := NewDistorter(BrownConradyDistortionType, []float64{0.1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.ModelType(), test.ShouldEqual, BrownConradyDistortionType)
	test.That(t, d.Parameters(), test.ShouldResemble, []float64{0.1, 0, 0, 0, 0})

	_, err = NewDistorter("kannala_brandt", []float64{0.1})
	test.That(t, err, test.ShouldNotBeNil)

	var cfg *DistortionConfig
	d, err = cfg.Distorter()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldBeNil)

	cfg = &DistortionConfig{Parameters: []float64{-0.1, 0.01}}
	d, err = cfg.Distorter()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.ModelType(), test.ShouldEqual, BrownConradyDistortionType)
}
