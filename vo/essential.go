package vo

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// Ratio of the 8th to the 1st singular value of the design matrix below which the system is rank deficient
	rankTolerance = 1e-9
	// Homogeneous coordinate below which triangulated point is considered to be at infinity
	infinityTolerance = 1e-12
)

// essentialMotion is a motion hypothesis in the epipolar convention: X_curr = R*X_prev + t
type essentialMotion struct {
	R Matrix3
	t r3.Vector
}

// relative converts motion to RelativePose (current camera expressed in previous camera frame)
func (m essentialMotion) relative() RelativePose {
	rt := m.R.T()
	return RelativePose{
		Rotation:    rt,
		Translation: rt.MulVec(m.t).Mul(-1),
	}
}

// hartleyTransform returns similarity which moves centroid of points to the origin
// and makes their mean distance from it equal to sqrt(2)
func hartleyTransform(points []r3.Vector, idx []int) (Matrix3, bool) {
	cx, cy := 0.0, 0.0
	for _, i := range idx {
		cx += points[i].X
		cy += points[i].Y
	}
	cx /= float64(len(idx))
	cy /= float64(len(idx))
	meanDist := 0.0
	for _, i := range idx {
		meanDist += math.Hypot(points[i].X-cx, points[i].Y-cy)
	}
	meanDist /= float64(len(idx))
	if meanDist < 1e-12 {
		return Identity3(), false
	}
	s := math.Sqrt2 / meanDist
	return Matrix3{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	}, true
}

// eightPoint estimates essential matrix from normalized correspondences x1[idx] <-> x2[idx]
// with the normalized eight-point algorithm. Points x1 belong to the previous frame, x2 to the current one.
func eightPoint(x1, x2 []r3.Vector, idx []int) (Matrix3, error) {
	if len(idx) < minimalSampleSize {
		return Matrix3{}, errors.Wrapf(ErrDegenerateConfiguration, "%d correspondences, need %d", len(idx), minimalSampleSize)
	}
	t1, ok1 := hartleyTransform(x1, idx)
	t2, ok2 := hartleyTransform(x2, idx)
	if !ok1 || !ok2 {
		return Matrix3{}, errors.Wrap(ErrDegenerateConfiguration, "all points coincide")
	}

	// Pad with zero rows: thin SVD of a matrix with fewer than 9 rows does not expose the null vector
	rows := maxInt(len(idx), 9)
	design := mat.NewDense(rows, 9, nil)
	for k, i := range idx {
		p1 := t1.MulVec(x1[i])
		p2 := t2.MulVec(x2[i])
		design.SetRow(k, []float64{
			p2.X * p1.X, p2.X * p1.Y, p2.X,
			p2.Y * p1.X, p2.Y * p1.Y, p2.Y,
			p1.X, p1.Y, 1,
		})
	}

	var svd mat.SVD
	if ok := svd.Factorize(design, mat.SVDThin); !ok {
		return Matrix3{}, errors.Wrap(ErrDegenerateConfiguration, "design matrix SVD failed")
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[7]/values[0] < rankTolerance {
		return Matrix3{}, errors.Wrapf(ErrDegenerateConfiguration, "rank deficient design matrix (sigma8/sigma1 = %e)", values[7]/values[0])
	}
	var v mat.Dense
	svd.VTo(&v)
	var normalized Matrix3
	for k := 0; k < 9; k++ {
		normalized[k] = v.At(k, 8)
	}

	// Undo normalization: E = T2^T * E' * T1
	essential := t2.T().Mul(normalized).Mul(t1)
	return enforceEssential(essential)
}

// enforceEssential projects matrix onto essential manifold: singular values (1, 1, 0)
func enforceEssential(e Matrix3) (Matrix3, error) {
	var svd mat.SVD
	if ok := svd.Factorize(e.Dense(), mat.SVDFull); !ok {
		return Matrix3{}, errors.Wrap(ErrDegenerateConfiguration, "essential matrix SVD failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sigma := mat.NewDiagDense(3, []float64{1, 1, 0})
	var tmp, out mat.Dense
	tmp.Mul(&u, sigma)
	out.Mul(&tmp, v.T())
	return NewMatrix3FromDense(&out), nil
}

// sampsonError returns first-order approximation of squared geometric distance of a correspondence to epipolar geometry
func sampsonError(e Matrix3, x1, x2 r3.Vector) float64 {
	ex1 := e.MulVec(x1)
	etx2 := e.T().MulVec(x2)
	num := x2.Dot(ex1)
	den := ex1.X*ex1.X + ex1.Y*ex1.Y + etx2.X*etx2.X + etx2.Y*etx2.Y
	if den < 1e-300 {
		return math.Inf(1)
	}
	return num * num / den
}

// decomposeEssential returns four motion candidates encoded by essential matrix
func decomposeEssential(e Matrix3) ([4]essentialMotion, error) {
	var svd mat.SVD
	if ok := svd.Factorize(e.Dense(), mat.SVDFull); !ok {
		return [4]essentialMotion{}, errors.Wrap(ErrDegenerateConfiguration, "essential matrix SVD failed")
	}
	var uDense, vDense mat.Dense
	svd.UTo(&uDense)
	svd.VTo(&vDense)
	u := NewMatrix3FromDense(&uDense)
	v := NewMatrix3FromDense(&vDense)
	// Proper rotations only
	if u.Det() < 0 {
		for i := range u {
			u[i] = -u[i]
		}
	}
	if v.Det() < 0 {
		for i := range v {
			v[i] = -v[i]
		}
	}
	w := Matrix3{
		0, -1, 0,
		1, 0, 0,
		0, 0, 1,
	}
	r1 := u.Mul(w).Mul(v.T())
	r2 := u.Mul(w.T()).Mul(v.T())
	t := r3.Vector{X: u.At(0, 2), Y: u.At(1, 2), Z: u.At(2, 2)}.Normalize()
	return [4]essentialMotion{
		{R: r1, t: t},
		{R: r1, t: t.Mul(-1)},
		{R: r2, t: t},
		{R: r2, t: t.Mul(-1)},
	}, nil
}

// triangulate reconstructs point in the previous camera frame by linear (DLT) triangulation
// with cameras P1 = [I|0] and P2 = [R|t]
func triangulate(m essentialMotion, x1, x2 r3.Vector) (r3.Vector, bool) {
	r, t := m.R, m.t
	p2 := [3][4]float64{
		{r[0], r[1], r[2], t.X},
		{r[3], r[4], r[5], t.Y},
		{r[6], r[7], r[8], t.Z},
	}
	a := mat.NewDense(4, 4, []float64{
		-1, 0, x1.X, 0,
		0, -1, x1.Y, 0,
		x2.X*p2[2][0] - p2[0][0], x2.X*p2[2][1] - p2[0][1], x2.X*p2[2][2] - p2[0][2], x2.X*p2[2][3] - p2[0][3],
		x2.Y*p2[2][0] - p2[1][0], x2.Y*p2[2][1] - p2[1][1], x2.Y*p2[2][2] - p2[1][2], x2.Y*p2[2][3] - p2[1][3],
	})
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < infinityTolerance {
		return r3.Vector{}, false
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, true
}

// inFront reports whether point (previous camera frame) has positive depth in both cameras
func (m essentialMotion) inFront(point r3.Vector) bool {
	return point.Z > 0 && m.R.MulVec(point).Add(m.t).Z > 0
}
