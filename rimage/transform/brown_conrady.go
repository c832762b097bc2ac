package transform

import "github.com/pkg/errors"

// BrownConrady is the radial and tangential lens distortion model. On normalized coordinates:
//
//	x_d = x·(1 + k1·r² + k2·r⁴ + k3·r⁶) + 2·p1·x·y + p2·(r² + 2·x²)
//	y_d = y·(1 + k1·r² + k2·r⁴ + k3·r⁶) + 2·p2·x·y + p1·(r² + 2·y²)
//
// Parameters are ordered (k1, k2, k3, p1, p2). OpenCV style vectors (k1, k2, p1, p2, k3) need
// reordering.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// NewBrownConrady takes in a slice of floats that will be passed into the struct in order. Missing
// trailing values are zero.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	if len(inp) > 5 {
		return nil, errors.Errorf("list of parameters too long, expected max 5, got %d", len(inp))
	}
	params := make([]float64, 5)
	copy(params, inp)
	return &BrownConrady{params[0], params[1], params[2], params[3], params[4]}, nil
}

// CheckValid checks if the fields for BrownConrady have valid inputs.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	return nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	return BrownConradyDistortionType
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// Transform distorts an undistorted normalized point.
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	radial := 1 + bc.RadialK1*r2 + bc.RadialK2*r2*r2 + bc.RadialK3*r2*r2*r2
	xd := x*radial + 2*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2*x*x)
	yd := y*radial + 2*bc.TangentialP2*x*y + bc.TangentialP1*(r2+2*y*y)
	return xd, yd
}

// jacobian returns the partial derivatives of Transform at (x, y), row major.
func (bc *BrownConrady) jacobian(x, y float64) (float64, float64, float64, float64) {
	r2 := x*x + y*y
	radial := 1 + bc.RadialK1*r2 + bc.RadialK2*r2*r2 + bc.RadialK3*r2*r2*r2
	dRadial := 2 * (bc.RadialK1 + 2*bc.RadialK2*r2 + 3*bc.RadialK3*r2*r2)

	dxdx := radial + x*x*dRadial + 2*bc.TangentialP1*y + 6*bc.TangentialP2*x
	dxdy := x*y*dRadial + 2*bc.TangentialP1*x + 2*bc.TangentialP2*y
	dydx := x*y*dRadial + 2*bc.TangentialP2*y + 2*bc.TangentialP1*x
	dydy := radial + y*y*dRadial + 2*bc.TangentialP2*x + 6*bc.TangentialP1*y
	return dxdx, dxdy, dydx, dydy
}

// Undistort inverts Transform with Newton-Raphson, starting from the distorted point.
func (bc *BrownConrady) Undistort(xd, yd float64) (float64, float64) {
	if bc == nil {
		return xd, yd
	}
	const maxIterations = 20
	const tolerance = 1e-10

	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		fx, fy := bc.Transform(xu, yu)
		errX, errY := fx-xd, fy-yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}
		a, b, c, d := bc.jacobian(xu, yu)
		det := a*d - b*c
		if det == 0 {
			break
		}
		xu -= (d*errX - b*errY) / det
		yu -= (-c*errX + a*errY) / det
	}
	return xu, yu
}

// InverseBrownConrady holds Brown-Conrady coefficients that describe the undistortion direction:
// its Transform is the Newton-Raphson inverse of the polynomial and its Undistort is the polynomial.
type InverseBrownConrady struct {
	BrownConrady
}

// NewInverseBrownConrady takes in a slice of floats that will be passed into the struct in order.
func NewInverseBrownConrady(inp []float64) (*InverseBrownConrady, error) {
	bc, err := NewBrownConrady(inp)
	if err != nil {
		return nil, err
	}
	return &InverseBrownConrady{*bc}, nil
}

// CheckValid checks if the fields for InverseBrownConrady have valid inputs.
func (ibc *InverseBrownConrady) CheckValid() error {
	if ibc == nil {
		return InvalidDistortionError("InverseBrownConrady shaped distortion_parameters not provided")
	}
	return nil
}

// ModelType returns the type of distortion model.
func (ibc *InverseBrownConrady) ModelType() DistortionType {
	return InverseBrownConradyDistortionType
}

// Transform maps an undistorted point to the distorted point.
func (ibc *InverseBrownConrady) Transform(x, y float64) (float64, float64) {
	return ibc.BrownConrady.Undistort(x, y)
}

// Undistort applies the polynomial directly.
func (ibc *InverseBrownConrady) Undistort(x, y float64) (float64, float64) {
	return ibc.BrownConrady.Transform(x, y)
}
