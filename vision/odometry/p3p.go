package odometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/utils"
)

const (
	// polyEpsilon is the relative magnitude below which a leading polynomial coefficient is dropped.
	polyEpsilon = 1e-12
	// rootImagTolerance is the largest imaginary part of a quartic root still treated as real. Double
	// roots come out of the eigen solver as close complex pairs.
	rootImagTolerance = 1e-6
)

// solveP3P returns every camera pose (world to camera) that maps the three world points onto the
// three viewing rays, using Grunert's formulation. Bearings need not be unit length.
func solveP3P(world [3]r3.Vector, bearings [3]r3.Vector) []*transform.Pose {
	var b [3]r3.Vector
	for i := range bearings {
		b[i] = bearings[i].Normalize()
	}
	a2 := world[1].Sub(world[2]).Norm2()
	b2 := world[0].Sub(world[2]).Norm2()
	c2 := world[0].Sub(world[1]).Norm2()
	if a2 == 0 || b2 == 0 || c2 == 0 {
		return nil
	}
	cosAlpha := b[1].Dot(b[2])
	cosBeta := b[0].Dot(b[2])
	cosGamma := b[0].Dot(b[1])

	// With u = s2/s1 and v = s3/s1 the distance equations become u² + p1·u + q1 = 0 and
	// u² + p2·u + q2 = 0 whose coefficients are polynomials in v. Eliminating u leaves a quartic in v.
	k1 := a2 / b2
	k2 := c2 / b2
	p1 := []float64{0, -2 * cosAlpha}
	q1 := []float64{-k1, 2 * k1 * cosBeta, 1 - k1}
	p2 := []float64{-2 * cosGamma}
	q2 := []float64{1 - k2, 2 * k2 * cosBeta, -k2}
	d := polySub(p1, p2)
	e := polySub(q1, q2)
	quartic := polySub(polyMul(e, e), polyMul(p2, polyMul(e, d)))
	quartic = polyAdd(quartic, polyMul(q2, polyMul(d, d)))

	var poses []*transform.Pose
	for _, v := range realRoots(quartic) {
		if v <= 0 {
			continue
		}
		dv := polyEval(d, v)
		if math.Abs(dv) < polyEpsilon {
			continue
		}
		u := -polyEval(e, v) / dv
		if u <= 0 {
			continue
		}
		den := 1 + v*v - 2*v*cosBeta
		if den <= 0 {
			continue
		}
		s1 := math.Sqrt(b2 / den)
		cam := [3]r3.Vector{b[0].Mul(s1), b[1].Mul(u * s1), b[2].Mul(v * s1)}
		pose, ok := alignPoints(world[:], cam[:])
		if ok {
			poses = append(poses, pose)
		}
	}
	return poses
}

// alignPoints returns the rigid transform taking src onto dst in the least squares sense (Kabsch).
func alignPoints(src, dst []r3.Vector) (*transform.Pose, bool) {
	n := float64(len(src))
	var cSrc, cDst r3.Vector
	for i := range src {
		cSrc = cSrc.Add(src[i])
		cDst = cDst.Add(dst[i])
	}
	cSrc = cSrc.Mul(1 / n)
	cDst = cDst.Mul(1 / n)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		s := src[i].Sub(cSrc)
		t := dst[i].Sub(cDst)
		sv := []float64{s.X, s.Y, s.Z}
		tv := []float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+sv[r]*tv[c])
			}
		}
	}
	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		fix := mat.NewDiagDense(3, []float64{1, 1, -1})
		rot.Mul(&v, fix)
		rot.Mul(&rot, u.T())
	}
	pose := &transform.Pose{Rotation: &rot}
	pose.Translation = cDst.Sub(pose.Rotate(cSrc))
	if !isFinitePose(pose) {
		return nil, false
	}
	return pose, true
}

func isFinitePose(p *transform.Pose) bool {
	t := p.Translation
	values := append([]float64{t.X, t.Y, t.Z}, p.Rotation.RawMatrix().Data...)
	for _, v := range values {
		if !utils.IsFinite(v) {
			return false
		}
	}
	return true
}

// realRoots returns the real roots of the polynomial with ascending coefficients coeffs.
func realRoots(coeffs []float64) []float64 {
	scale := floats.Norm(coeffs, math.Inf(1))
	if scale == 0 {
		return nil
	}
	deg := len(coeffs) - 1
	for deg > 0 && math.Abs(coeffs[deg]) <= polyEpsilon*scale {
		deg--
	}
	if deg == 0 {
		return nil
	}
	lead := coeffs[deg]
	// companion matrix of the monic polynomial
	companion := mat.NewDense(deg, deg, nil)
	for i := 1; i < deg; i++ {
		companion.Set(i, i-1, 1)
	}
	for i := 0; i < deg; i++ {
		companion.Set(i, deg-1, -coeffs[i]/lead)
	}
	var eig mat.Eigen
	if !eig.Factorize(companion, mat.EigenNone) {
		return nil
	}
	var roots []float64
	for _, z := range eig.Values(nil) {
		if math.Abs(imag(z)) > rootImagTolerance*(1+math.Abs(real(z))) {
			continue
		}
		roots = append(roots, polishRoot(coeffs[:deg+1], real(z)))
	}
	return roots
}

// polishRoot refines a root with a few Newton steps.
func polishRoot(coeffs []float64, x float64) float64 {
	deriv := make([]float64, len(coeffs)-1)
	for i := 1; i < len(coeffs); i++ {
		deriv[i-1] = float64(i) * coeffs[i]
	}
	for iter := 0; iter < 5; iter++ {
		dfx := polyEval(deriv, x)
		if dfx == 0 {
			break
		}
		step := polyEval(coeffs, x) / dfx
		if math.IsNaN(step) || math.IsInf(step, 0) {
			break
		}
		x -= step
	}
	return x
}

// Polynomials are coefficient slices in ascending order of degree.

func polyEval(p []float64, x float64) float64 {
	y := 0.0
	for i := len(p) - 1; i >= 0; i-- {
		y = y*x + p[i]
	}
	return y
}

func polyMul(a, b []float64) []float64 {
	out := make([]float64, len(a)+len(b)-1)
	for i, ai := range a {
		for j, bj := range b {
			out[i+j] += ai * bj
		}
	}
	return out
}

func polyAdd(a, b []float64) []float64 {
	if len(a) < len(b) {
		a, b = b, a
	}
	out := append([]float64(nil), a...)
	floats.Add(out[:len(b)], b)
	return out
}

func polySub(a, b []float64) []float64 {
	neg := append([]float64(nil), b...)
	floats.Scale(-1, neg)
	return polyAdd(a, neg)
}
