package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MinEightPointCorrespondences is the number of correspondences the linear essential fit needs.
const MinEightPointCorrespondences = 8

// ErrEssentialFitFailed is returned when the linear system for the essential matrix cannot be solved.
var ErrEssentialFitFailed = errors.New("cannot fit essential matrix")

// FitEssentialMatrix fits the essential matrix E with x2ᵀ·E·x1 = 0 to normalized image points
// (pixels already mapped through K⁻¹) with the normalized eight-point algorithm. The singular
// values of the result are forced to (1, 1, 0).
func FitEssentialMatrix(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < MinEightPointCorrespondences {
		return nil, errors.Errorf("sets of points must have at least %d elements, got %d",
			MinEightPointCorrespondences, len(pts1))
	}
	points1, T1 := normalizePoints(pts1)
	points2, T2 := normalizePoints(pts2)

	svd, ok := designSVD(points1, points2)
	if !ok {
		return nil, errors.Wrap(ErrEssentialFitFailed, "SVD of design matrix did not converge")
	}
	var v mat.Dense
	svd.VTo(&v)
	data := make([]float64, 9)
	for i := range data {
		data[i] = v.At(i, 8)
	}
	E := mat.NewDense(3, 3, data)

	// undo the normalization: T2ᵀ·Ê·T1
	E.Mul(transposeDense(T2), E)
	E.Mul(E, T1)

	return ProjectToEssential(E)
}

// EssentialConditionRatio returns σ₈/σ₁ of the eight-point design matrix built from the
// correspondences. Values near zero mean the epipolar constraint has more than one solution, as it
// does for a pure rotation or a planar scene. It returns 1 for fewer than eight correspondences,
// where the test is not informative.
func EssentialConditionRatio(pts1, pts2 []r2.Point) float64 {
	if len(pts1) < MinEightPointCorrespondences || len(pts1) != len(pts2) {
		return 1
	}
	points1, _ := normalizePoints(pts1)
	points2, _ := normalizePoints(pts2)
	svd, ok := designSVD(points1, points2)
	if !ok {
		return 0
	}
	values := svd.Values(nil)
	if values[0] == 0 {
		return 0
	}
	return values[7] / values[0]
}

// ProjectToEssential returns the closest matrix to E whose singular values are (1, 1, 0).
func ProjectToEssential(E mat.Matrix) (*mat.Dense, error) {
	mats := performSVD(mat.DenseCopyOf(E))
	if mats == nil {
		return nil, errors.Wrap(ErrEssentialFitFailed, "SVD of essential matrix did not converge")
	}
	S := eye(3)
	S.Set(2, 2, 0)
	var out mat.Dense
	out.Mul(mats.U, S)
	out.Mul(&out, mats.VT)
	return &out, nil
}

// EssentialFromPose returns [t]x·R, the essential matrix of the relative pose.
func EssentialFromPose(p *Pose) *mat.Dense {
	var e mat.Dense
	e.Mul(skew(p.Translation), p.Rotation)
	return &e
}

// DecomposeEssentialMatrix decomposes the Essential matrix into 2 possible 3D rotations and a unit
// 3D translation known up to sign.
func DecomposeEssentialMatrix(essMat mat.Matrix) (*mat.Dense, *mat.Dense, r3.Vector, error) {
	mats := performSVD(mat.DenseCopyOf(essMat))
	if mats == nil {
		return nil, nil, r3.Vector{}, errors.New("failed to factorize essential matrix")
	}
	// E is only defined up to sign, so flipping U or V keeps it valid and makes both rotations proper
	if mat.Det(mats.U) < 0 {
		mats.U.Scale(-1, mats.U)
	}
	if mat.Det(mats.VT) < 0 {
		mats.VT.Scale(-1, mats.VT)
	}
	W := mat.NewDense(3, 3, []float64{
		0, -1, 0,
		1, 0, 0,
		0, 0, 1,
	})
	var R1, R2 mat.Dense
	// UWVᵀ
	R1.Mul(mats.U, W)
	R1.Mul(&R1, mats.VT)
	// UWᵀVᵀ
	R2.Mul(mats.U, W.T())
	R2.Mul(&R2, mats.VT)

	u3 := mats.U.ColView(2)
	t := r3.Vector{X: u3.AtVec(0), Y: u3.AtVec(1), Z: u3.AtVec(2)}
	return &R1, &R2, t.Normalize(), nil
}

// PossibleCameraPoses returns the four poses {R1,+t}, {R1,-t}, {R2,+t}, {R2,-t} consistent with
// the essential matrix, in that order.
func PossibleCameraPoses(essMat mat.Matrix) ([]*Pose, error) {
	R1, R2, t, err := DecomposeEssentialMatrix(essMat)
	if err != nil {
		return nil, err
	}
	return []*Pose{
		{Rotation: R1, Translation: t},
		{Rotation: R1, Translation: t.Mul(-1)},
		{Rotation: R2, Translation: t},
		{Rotation: R2, Translation: t.Mul(-1)},
	}, nil
}

// homogeneousEpsilon is the smallest |w| of a unit homogeneous point that is not treated as lying
// at infinity.
const homogeneousEpsilon = 1e-8

// TriangulatePoint intersects the rays through the normalized image points x1 and x2 seen by cameras
// with world-to-camera poses p1 and p2 with the linear (DLT) method. The second return is false when
// the point is at infinity or not finite.
func TriangulatePoint(p1, p2 *Pose, x1, x2 r2.Point) (r3.Vector, bool) {
	P1 := p1.ProjectionMatrix()
	P2 := p2.ProjectionMatrix()
	A := mat.NewDense(4, 4, nil)
	for j := 0; j < 4; j++ {
		A.Set(0, j, x1.X*P1.At(2, j)-P1.At(0, j))
		A.Set(1, j, x1.Y*P1.At(2, j)-P1.At(1, j))
		A.Set(2, j, x2.X*P2.At(2, j)-P2.At(0, j))
		A.Set(3, j, x2.Y*P2.At(2, j)-P2.At(1, j))
	}
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFull) {
		return r3.Vector{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < homogeneousEpsilon {
		return r3.Vector{}, false
	}
	pt := r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}
	if !vectorIsFinite(pt) {
		return r3.Vector{}, false
	}
	return pt, true
}

// CountInFront triangulates every correspondence with the first camera at the identity and the second
// at pose, and returns how many points land in front of both cameras.
func CountInFront(pose *Pose, pts1, pts2 []r2.Point) int {
	identity := NewIdentityPose()
	n := 0
	for i := range pts1 {
		pt, ok := TriangulatePoint(identity, pose, pts1[i], pts2[i])
		if !ok {
			continue
		}
		if pt.Z > 0 && pose.Apply(pt).Z > 0 {
			n++
		}
	}
	return n
}

// SampsonDistance returns the first order geometric distance of the correspondence (x1, x2) to the
// epipolar constraint of E, in the units of the normalized image plane.
func SampsonDistance(E mat.Matrix, x1, x2 r2.Point) float64 {
	// E·x1
	l2x := E.At(0, 0)*x1.X + E.At(0, 1)*x1.Y + E.At(0, 2)
	l2y := E.At(1, 0)*x1.X + E.At(1, 1)*x1.Y + E.At(1, 2)
	l2z := E.At(2, 0)*x1.X + E.At(2, 1)*x1.Y + E.At(2, 2)
	// Eᵀ·x2
	l1x := E.At(0, 0)*x2.X + E.At(1, 0)*x2.Y + E.At(2, 0)
	l1y := E.At(0, 1)*x2.X + E.At(1, 1)*x2.Y + E.At(2, 1)

	num := x2.X*l2x + x2.Y*l2y + l2z
	den := l2x*l2x + l2y*l2y + l1x*l1x + l1y*l1y
	if den == 0 {
		return math.Inf(1)
	}
	return math.Abs(num) / math.Sqrt(den)
}

// designSVD factorizes the n×9 eight-point design matrix. Rows are padded with zeros up to 9 so the
// thin factorization always returns the full right singular basis.
func designSVD(points1, points2 []r2.Point) (*mat.SVD, bool) {
	rows := len(points1)
	if rows < 9 {
		rows = 9
	}
	m := mat.NewDense(rows, 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDThin) {
		return nil, false
	}
	return &svd, true
}

// normalizePoints normalizes points as described in Multiple View Geometry, Alg 11.1.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt(2) / d
	}
	T := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	pointsTransformed := make([]r2.Point, nPoints)
	for i, pt := range pts {
		pointsTransformed[i] = pt.Sub(mu).Mul(scale)
	}
	return pointsTransformed, T
}

// mat.Dense utils.
func transposeDense(m mat.Matrix) *mat.Dense {
	return mat.DenseCopyOf(m.T())
}

// eye create an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	if n <= 0 {
		return nil
	}
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  *mat.Dense
}

// performSVD performs SVD on inputMatrix and returns matrices U, Sigma and V from the decomposition.
func performSVD(inputMatrix *mat.Dense) *matsSVD {
	var svd mat.SVD
	ok := svd.Factorize(inputMatrix, mat.SVDFull)
	if !ok {
		return nil
	}

	u, v, sigma, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}, &mat.Dense{}

	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())

	singularValues := svd.Values(nil)
	sigma.CloneFrom(mat.NewDiagDense(len(singularValues), singularValues))

	return &matsSVD{u, v, vt, sigma}
}
