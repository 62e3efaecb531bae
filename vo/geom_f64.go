package vo

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Rectangle is an axis-aligned window in pixel coordinates.
type Rectangle struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// NewWindow returns square window with half-size radius centered on point
func NewWindow(center Point, radius float64) Rectangle {
	return Rectangle{
		X:      center.X - radius,
		Y:      center.Y - radius,
		Width:  2 * radius,
		Height: 2 * radius,
	}
}

// Contains reports whether point lies inside rectangle (borders included)
func (r Rectangle) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.Width && p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// Point is a pixel location. Sub-pixel values are allowed.
type Point struct {
	X float64
	Y float64
}

func NewPoint(x, y float64) Point {
	return Point{
		X: x,
		Y: y,
	}
}

func euclideanDistance(p1, p2 Point) float64 {
	return math.Hypot(p1.X-p2.X, p1.Y-p2.Y)
}

// Matrix3 is a row-major 3x3 matrix. Value semantics keep poses comparable and immutable.
type Matrix3 [9]float64

// Identity3 returns identity matrix
func Identity3() Matrix3 {
	return Matrix3{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}
}

// NewMatrix3FromDense copies 3x3 dense matrix
func NewMatrix3FromDense(m mat.Matrix) Matrix3 {
	var out Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m.At(i, j)
		}
	}
	return out
}

// At returns element at row i and column j
func (m Matrix3) At(i, j int) float64 {
	return m[i*3+j]
}

// Dense returns a gonum copy of the matrix
func (m Matrix3) Dense() *mat.Dense {
	data := m
	return mat.NewDense(3, 3, data[:])
}

// Mul returns m*other
func (m Matrix3) Mul(other Matrix3) Matrix3 {
	var out Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m[i*3]*other[j] + m[i*3+1]*other[3+j] + m[i*3+2]*other[6+j]
		}
	}
	return out
}

// MulVec returns m*v
func (m Matrix3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// T returns transposed matrix
func (m Matrix3) T() Matrix3 {
	return Matrix3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Det returns determinant
func (m Matrix3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// OrthonormalityError returns Frobenius norm of (m^T*m - I)
func (m Matrix3) OrthonormalityError() float64 {
	prod := m.T().Mul(m)
	id := Identity3()
	sum := 0.0
	for i := range prod {
		d := prod[i] - id[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Orthonormalize returns the rotation nearest to m in the Frobenius sense (U*V^T from SVD).
// Second return value is false when factorization fails.
func (m Matrix3) Orthonormalize() (Matrix3, bool) {
	var svd mat.SVD
	if ok := svd.Factorize(m.Dense(), mat.SVDFull); !ok {
		return m, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// Flip the axis of the smallest singular value
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	return NewMatrix3FromDense(&r), true
}

// RotationY returns rotation about camera vertical axis
func RotationY(angle float64) Matrix3 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Matrix3{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	}
}

// RotationX returns rotation about camera horizontal axis
func RotationX(angle float64) Matrix3 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Matrix3{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	}
}
