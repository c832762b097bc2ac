package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ErrInvalidPose is returned when a matrix does not describe a rigid transform.
var ErrInvalidPose = errors.New("matrix is not a valid rigid transform")

// rotationTolerance bounds |RᵀR - I| and |det R - 1| for a matrix to count as a rotation.
const rotationTolerance = 1e-6

// Pose is a rigid transform x' = R·x + t. Camera poses follow the world-to-camera convention, so
// for a camera with pose P the 3×4 projection of a world point in normalized coordinates is
// P.ProjectionMatrix().
type Pose struct {
	Rotation    *mat.Dense
	Translation r3.Vector
}

// NewIdentityPose returns the identity transform.
func NewIdentityPose() *Pose {
	return &Pose{Rotation: eye(3)}
}

// NewPose checks that rot is a proper rotation and returns the pose (rot, t). rot is copied.
func NewPose(rot mat.Matrix, t r3.Vector) (*Pose, error) {
	if r, c := rot.Dims(); r != 3 || c != 3 {
		return nil, errors.Wrapf(ErrInvalidPose, "rotation must be 3x3, got %dx%d", r, c)
	}
	if err := checkRotation(rot); err != nil {
		return nil, err
	}
	if !vectorIsFinite(t) {
		return nil, errors.Wrap(ErrInvalidPose, "translation is not finite")
	}
	return &Pose{Rotation: mat.DenseCopyOf(rot), Translation: t}, nil
}

// NewPoseFromMatrix builds a pose from a 4×4 homogeneous matrix or a 3×4 [R|t] matrix. A 4×4 input
// must have a bottom row of [0 0 0 1].
func NewPoseFromMatrix(m mat.Matrix) (*Pose, error) {
	rows, cols := m.Dims()
	if cols != 4 || (rows != 3 && rows != 4) {
		return nil, errors.Wrapf(ErrInvalidPose, "expected a 3x4 or 4x4 matrix, got %dx%d", rows, cols)
	}
	if rows == 4 {
		for j, want := range []float64{0, 0, 0, 1} {
			if math.Abs(m.At(3, j)-want) > rotationTolerance {
				return nil, errors.Wrapf(ErrInvalidPose, "bottom row must be [0 0 0 1], got %v at column %d", m.At(3, j), j)
			}
		}
	}
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, m.At(i, j))
		}
	}
	return NewPose(rot, r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)})
}

// NewPoseFromAxisAngle returns the pose rotating by |w| radians about w (Rodrigues) and then
// translating by t.
func NewPoseFromAxisAngle(w, t r3.Vector) *Pose {
	return &Pose{Rotation: RotationFromAxisAngle(w), Translation: t}
}

// RotationFromAxisAngle converts a rotation vector to a 3×3 rotation matrix.
func RotationFromAxisAngle(w r3.Vector) *mat.Dense {
	theta := w.Norm()
	if theta < 1e-12 {
		// first order: I + [w]x
		rot := eye(3)
		rot.Add(rot, skew(w))
		return rot
	}
	k := w.Mul(1 / theta)
	kx := skew(k)
	var kx2 mat.Dense
	kx2.Mul(kx, kx)

	rot := eye(3)
	kx.Scale(math.Sin(theta), kx)
	kx2.Scale(1-math.Cos(theta), &kx2)
	rot.Add(rot, kx)
	rot.Add(rot, &kx2)
	return rot
}

// AxisAngle returns the rotation vector of the pose's rotation.
func (p *Pose) AxisAngle() r3.Vector {
	q := p.Quaternion()
	vec := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := vec.Norm()
	if s < 1e-12 {
		return r3.Vector{}
	}
	angle := 2 * math.Atan2(s, q.Real)
	return vec.Mul(angle / s)
}

// Matrix returns the 4×4 homogeneous matrix of the pose.
func (p *Pose) Matrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, p.Rotation.At(i, j))
		}
	}
	m.Set(0, 3, p.Translation.X)
	m.Set(1, 3, p.Translation.Y)
	m.Set(2, 3, p.Translation.Z)
	m.Set(3, 3, 1)
	return m
}

// ProjectionMatrix returns the 3×4 [R|t] matrix.
func (p *Pose) ProjectionMatrix() *mat.Dense {
	var out mat.Dense
	out.Augment(p.Rotation, mat.NewDense(3, 1, []float64{p.Translation.X, p.Translation.Y, p.Translation.Z}))
	return &out
}

// Apply transforms a point.
func (p *Pose) Apply(v r3.Vector) r3.Vector {
	r := p.Rotation
	return r3.Vector{
		X: r.At(0, 0)*v.X + r.At(0, 1)*v.Y + r.At(0, 2)*v.Z + p.Translation.X,
		Y: r.At(1, 0)*v.X + r.At(1, 1)*v.Y + r.At(1, 2)*v.Z + p.Translation.Y,
		Z: r.At(2, 0)*v.X + r.At(2, 1)*v.Y + r.At(2, 2)*v.Z + p.Translation.Z,
	}
}

// Rotate applies only the rotation part of the pose.
func (p *Pose) Rotate(v r3.Vector) r3.Vector {
	return p.Apply(v).Sub(p.Translation)
}

// Compose returns the pose that applies q first and then p.
func (p *Pose) Compose(q *Pose) *Pose {
	var rot mat.Dense
	rot.Mul(p.Rotation, q.Rotation)
	return &Pose{Rotation: &rot, Translation: p.Apply(q.Translation)}
}

// Inverse returns the inverse transform (Rᵀ, -Rᵀt).
func (p *Pose) Inverse() *Pose {
	rt := transposeDense(p.Rotation)
	inv := &Pose{Rotation: rt}
	inv.Translation = inv.Rotate(p.Translation).Mul(-1)
	return inv
}

// Center returns the position of the pose's origin in the source frame, -Rᵀt. For a
// world-to-camera pose this is the camera center in world coordinates.
func (p *Pose) Center() r3.Vector {
	return p.Inverse().Translation
}

// Quaternion returns the unit quaternion of the rotation with a non-negative real part.
func (p *Pose) Quaternion() quat.Number {
	r := p.Rotation
	m00, m11, m22 := r.At(0, 0), r.At(1, 1), r.At(2, 2)
	trace := m00 + m11 + m22
	var q quat.Number
	switch {
	case trace > 0:
		s := 2 * math.Sqrt(trace+1)
		q = quat.Number{
			Real: s / 4,
			Imag: (r.At(2, 1) - r.At(1, 2)) / s,
			Jmag: (r.At(0, 2) - r.At(2, 0)) / s,
			Kmag: (r.At(1, 0) - r.At(0, 1)) / s,
		}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{
			Real: (r.At(2, 1) - r.At(1, 2)) / s,
			Imag: s / 4,
			Jmag: (r.At(0, 1) + r.At(1, 0)) / s,
			Kmag: (r.At(0, 2) + r.At(2, 0)) / s,
		}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{
			Real: (r.At(0, 2) - r.At(2, 0)) / s,
			Imag: (r.At(0, 1) + r.At(1, 0)) / s,
			Jmag: s / 4,
			Kmag: (r.At(1, 2) + r.At(2, 1)) / s,
		}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{
			Real: (r.At(1, 0) - r.At(0, 1)) / s,
			Imag: (r.At(0, 2) + r.At(2, 0)) / s,
			Jmag: (r.At(1, 2) + r.At(2, 1)) / s,
			Kmag: s / 4,
		}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return quat.Scale(1/quat.Abs(q), q)
}

// AlmostEqual compares rotation and translation entrywise within tol.
func (p *Pose) AlmostEqual(q *Pose, tol float64) bool {
	if !mat.EqualApprox(p.Rotation, q.Rotation, tol) {
		return false
	}
	d := p.Translation.Sub(q.Translation)
	return math.Abs(d.X) <= tol && math.Abs(d.Y) <= tol && math.Abs(d.Z) <= tol
}

// RotationAngleBetween returns the angle in radians of the rotation taking a's rotation to b's.
func RotationAngleBetween(a, b *Pose) float64 {
	var rel mat.Dense
	rel.Mul(transposeDense(a.Rotation), b.Rotation)
	c := (mat.Trace(&rel) - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// TransformPoints applies the pose to every point and returns the new slice.
func TransformPoints(p *Pose, pts []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(pts))
	for i, pt := range pts {
		out[i] = p.Apply(pt)
	}
	return out
}

func checkRotation(rot mat.Matrix) error {
	var rtr mat.Dense
	rtr.Mul(rot.T(), rot)
	if !mat.EqualApprox(&rtr, eye(3), rotationTolerance) {
		return errors.Wrap(ErrInvalidPose, "rotation is not orthonormal")
	}
	if det := mat.Det(rot); math.Abs(det-1) > rotationTolerance {
		return errors.Wrapf(ErrInvalidPose, "rotation determinant is %v", det)
	}
	return nil
}

// skew returns the cross product matrix [v]x.
func skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

func vectorIsFinite(v r3.Vector) bool {
	for _, f := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
