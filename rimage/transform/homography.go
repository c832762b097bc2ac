package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MinHomographyCorrespondences is the number of correspondences that determine a homography.
const MinHomographyCorrespondences = 4

// Homography is a 3x3 matrix mapping points of one image plane onto another, so x2 ~ H·x1.
type Homography struct {
	*mat.Dense
}

// FitHomography fits a homography to the correspondences with the normalized DLT.
func FitHomography(pts1, pts2 []r2.Point) (*Homography, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < MinHomographyCorrespondences {
		return nil, errors.Errorf("sets of points must have at least %d elements, got %d",
			MinHomographyCorrespondences, len(pts1))
	}
	points1, T1 := normalizePoints(pts1)
	points2, T2 := normalizePoints(pts2)

	rows := 2 * len(points1)
	if rows < 9 {
		rows = 9
	}
	A := mat.NewDense(rows, 9, nil)
	for i := range points1 {
		X, Y := points1[i].X, points1[i].Y
		x, y := points2[i].X, points2[i].Y
		A.SetRow(2*i, []float64{X, Y, 1, 0, 0, 0, -X * x, -Y * x, -x})
		A.SetRow(2*i+1, []float64{0, 0, 0, X, Y, 1, -X * y, -Y * y, -y})
	}
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDThin) {
		return nil, errors.New("SVD of homography design matrix did not converge")
	}
	var v mat.Dense
	svd.VTo(&v)
	data := make([]float64, 9)
	for i := range data {
		data[i] = v.At(i, 8)
	}
	H := mat.NewDense(3, 3, data)

	// T2⁻¹·Ĥ·T1
	var T2inv mat.Dense
	if err := T2inv.Inverse(T2); err != nil {
		return nil, errors.Wrap(err, "normalization is not invertible")
	}
	H.Mul(&T2inv, H)
	H.Mul(H, T1)
	if s := H.At(2, 2); math.Abs(s) > 1e-12 {
		H.Scale(1/s, H)
	}
	return &Homography{H}, nil
}

// Apply maps pt through the homography. The second return is false when pt maps to infinity.
func (h *Homography) Apply(pt r2.Point) (r2.Point, bool) {
	x := h.At(0, 0)*pt.X + h.At(0, 1)*pt.Y + h.At(0, 2)
	y := h.At(1, 0)*pt.X + h.At(1, 1)*pt.Y + h.At(1, 2)
	z := h.At(2, 0)*pt.X + h.At(2, 1)*pt.Y + h.At(2, 2)
	if math.Abs(z) < homogeneousEpsilon {
		return r2.Point{}, false
	}
	return r2.Point{X: x / z, Y: y / z}, true
}

// TransferError is the distance between H·x1 and x2, or +Inf when x1 maps to infinity.
func (h *Homography) TransferError(x1, x2 r2.Point) float64 {
	p, ok := h.Apply(x1)
	if !ok {
		return math.Inf(1)
	}
	return p.Sub(x2).Norm()
}
