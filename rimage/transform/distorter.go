package transform

import "github.com/pkg/errors"

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// BrownConradyDistortionType is for simple lenses of narrow field easily modeled as a pinhole camera.
	BrownConradyDistortionType = DistortionType("brown_conrady")
	// InverseBrownConradyDistortionType is a Brown-Conrady model whose coefficients map distorted
	// coordinates to undistorted ones.
	InverseBrownConradyDistortionType = DistortionType("inverse_brown_conrady")
)

// Distorter defines a Transform that takes an undistorted image and distorts it according to the model.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	Transform(x, y float64) (float64, float64)
}

// undistorter is implemented by models with an analytic or iterative inverse of Transform.
type undistorter interface {
	Undistort(x, y float64) (float64, float64)
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case BrownConradyDistortionType:
		return NewBrownConrady(parameters)
	case InverseBrownConradyDistortionType:
		return NewInverseBrownConrady(parameters)
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}

// DistortionConfig is the serialized form of a distortion model.
type DistortionConfig struct {
	Model      DistortionType `json:"model" yaml:"model"`
	Parameters []float64      `json:"parameters" yaml:"parameters"`
}

// Distorter builds the model described by the config. A nil config or one with no parameters
// returns a nil Distorter, meaning no distortion.
func (cfg *DistortionConfig) Distorter() (Distorter, error) {
	if cfg == nil || len(cfg.Parameters) == 0 {
		return nil, nil
	}
	model := cfg.Model
	if model == "" {
		model = BrownConradyDistortionType
	}
	d, err := NewDistorter(model, cfg.Parameters)
	if err != nil {
		return nil, err
	}
	return d, d.CheckValid()
}

// InvertDistortion finds the undistorted normalized point that d maps onto (xd, yd).
func InvertDistortion(d Distorter, xd, yd float64) (float64, float64) {
	if u, ok := d.(undistorter); ok {
		return u.Undistort(xd, yd)
	}
	return newtonInvert(d.Transform, xd, yd)
}

// newtonInvert solves f(x, y) = (xd, yd) with Newton-Raphson and a finite difference Jacobian,
// starting from the target point.
func newtonInvert(f func(x, y float64) (float64, float64), xd, yd float64) (float64, float64) {
	const (
		maxIterations = 20
		tolerance     = 1e-10
		h             = 1e-7
	)
	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		fx, fy := f(xu, yu)
		errX, errY := fx-xd, fy-yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}
		fxDx, fyDx := f(xu+h, yu)
		fxDy, fyDy := f(xu, yu+h)
		a, b := (fxDx-fx)/h, (fxDy-fx)/h
		c, d := (fyDx-fy)/h, (fyDy-fy)/h
		det := a*d - b*c
		if det == 0 {
			break
		}
		xu -= (d*errX - b*errY) / det
		yu -= (-c*errX + a*errY) / det
	}
	return xu, yu
}
