package vo

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

const (
	eps = 0.00001
)

// skew returns cross-product matrix [v]x
func skew(v r3.Vector) Matrix3 {
	return Matrix3{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	}
}

func TestEuclideanDistance(t *testing.T) {
	p1 := Point{X: 341, Y: 264}
	p2 := Point{X: 421, Y: 427}
	correnctAnswer := 181.57367
	answer := euclideanDistance(p1, p2)
	if math.Abs(answer-correnctAnswer) > eps {
		t.Errorf("Wrong answer: %v, correct answer: %v", answer, correnctAnswer)
	}
}

func TestWindowContains(t *testing.T) {
	window := NewWindow(NewPoint(100, 50), 10)
	inside := []Point{{100, 50}, {90, 40}, {110, 60}, {95, 58}}
	for _, p := range inside {
		if !window.Contains(p) {
			t.Errorf("Point %v should be inside %v", p, window)
		}
	}
	outside := []Point{{89.9, 50}, {100, 60.1}, {0, 0}}
	for _, p := range outside {
		if window.Contains(p) {
			t.Errorf("Point %v should be outside %v", p, window)
		}
	}
}

func TestMatrix3Products(t *testing.T) {
	a := RotationY(0.3)
	b := RotationX(-0.2)
	ab := a.Mul(b)
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	lhs := ab.MulVec(v)
	rhs := a.MulVec(b.MulVec(v))
	if lhs.Sub(rhs).Norm() > eps {
		t.Errorf("(A*B)*v = %v, A*(B*v) = %v", lhs, rhs)
	}
	if math.Abs(ab.Det()-1) > eps {
		t.Errorf("Determinant of rotation should be 1, got %v", ab.Det())
	}
	back := ab.T().MulVec(lhs)
	if back.Sub(v).Norm() > eps {
		t.Errorf("Transposed rotation should invert it: got %v, expected %v", back, v)
	}
}

func TestSkew(t *testing.T) {
	a := r3.Vector{X: 0.5, Y: -1, Z: 2}
	b := r3.Vector{X: 3, Y: 1, Z: -0.5}
	got := skew(a).MulVec(b)
	expected := a.Cross(b)
	if got.Sub(expected).Norm() > eps {
		t.Errorf("[a]x * b = %v, a x b = %v", got, expected)
	}
}

func TestOrthonormalize(t *testing.T) {
	rotation := RotationY(0.7).Mul(RotationX(0.1))
	perturbed := rotation
	perturbed[0] += 1e-3
	perturbed[4] -= 2e-3
	perturbed[7] += 1e-3
	if perturbed.OrthonormalityError() < 1e-4 {
		t.Fatalf("Perturbation is too small for the test: %v", perturbed.OrthonormalityError())
	}
	fixed, ok := perturbed.Orthonormalize()
	if !ok {
		t.Fatal("Orthonormalize failed")
	}
	if fixed.OrthonormalityError() > 1e-12 {
		t.Errorf("||R^T*R - I|| = %v after orthonormalization", fixed.OrthonormalityError())
	}
	if math.Abs(fixed.Det()-1) > 1e-12 {
		t.Errorf("Determinant should be 1, got %v", fixed.Det())
	}
	for i := range fixed {
		if math.Abs(fixed[i]-rotation[i]) > 1e-2 {
			t.Errorf("Element %d moved too far: %v vs %v", i, fixed[i], rotation[i])
		}
	}
}

func TestOrthonormalizeReflection(t *testing.T) {
	reflection := Identity3()
	reflection[8] = -1
	fixed, ok := reflection.Orthonormalize()
	if !ok {
		t.Fatal("Orthonormalize failed")
	}
	if math.Abs(fixed.Det()-1) > 1e-12 {
		t.Errorf("Reflection should be turned into proper rotation, det = %v", fixed.Det())
	}
}
