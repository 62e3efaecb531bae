package vo

import (
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// errNoGroundPlane is returned when triangulated points contain no plane usable as the road
var errNoGroundPlane = errors.New("no ground plane")

// Plane is n*X + d = 0 with unit normal n
type Plane struct {
	Normal r3.Vector
	Offset float64
}

// Distance returns signed distance from point to the plane
func (pl Plane) Distance(p r3.Vector) float64 {
	return pl.Normal.Dot(p) + pl.Offset
}

// Height returns distance from origin (camera centre) to the plane
func (pl Plane) Height() float64 {
	return math.Abs(pl.Offset)
}

// groundPlaneFitter finds dominant near-horizontal plane below the camera.
// Camera convention: X right, Y down, Z forward.
type groundPlaneFitter struct {
	// Minimum |n.Y| of accepted plane
	minVertical float64
	// Inlier distance relative to plane height
	threshold  float64
	minPoints  int
	iterations int
}

func newGroundPlaneFitter(cfg ScaleConfig) *groundPlaneFitter {
	return &groundPlaneFitter{
		minVertical: math.Cos(cfg.MaxPlaneTilt),
		threshold:   cfg.PlaneInlierThreshold,
		minPoints:   cfg.MinGroundPoints,
		iterations:  cfg.PlaneIterations,
	}
}

// planeFromPoints returns plane through three points. False when points are (nearly) collinear.
func planeFromPoints(a, b, c r3.Vector) (Plane, bool) {
	ab := b.Sub(a)
	ac := c.Sub(a)
	normal := ab.Cross(ac)
	scale := ab.Norm() * ac.Norm()
	if scale == 0 || normal.Norm() < 1e-9*scale {
		return Plane{}, false
	}
	normal = normal.Normalize()
	return Plane{Normal: normal, Offset: -normal.Dot(a)}, true
}

// fit runs seeded RANSAC over points below the camera and refines the winner by least squares.
func (gf *groundPlaneFitter) fit(rng *rand.Rand, points []r3.Vector) (Plane, []int, error) {
	below := make([]int, 0, len(points))
	for i := range points {
		if points[i].Y > 0 {
			below = append(below, i)
		}
	}
	if len(below) < gf.minPoints {
		return Plane{}, nil, errors.Wrapf(errNoGroundPlane, "%d points below the camera, need %d", len(below), gf.minPoints)
	}

	var best []int
	for it := 0; it < gf.iterations; it++ {
		sample := drawSample(rng, len(below), 3)
		plane, ok := planeFromPoints(points[below[sample[0]]], points[below[sample[1]]], points[below[sample[2]]])
		if !ok || math.Abs(plane.Normal.Y) < gf.minVertical || plane.Height() < 1e-9 {
			continue
		}
		inliers := gf.inliers(plane, points, below)
		if len(inliers) > len(best) {
			best = inliers
		}
	}
	if len(best) < gf.minPoints {
		return Plane{}, nil, errors.Wrapf(errNoGroundPlane, "best plane has %d inliers, need %d", len(best), gf.minPoints)
	}

	plane, err := leastSquaresPlane(points, best)
	if err != nil {
		return Plane{}, nil, err
	}
	if math.Abs(plane.Normal.Y) < gf.minVertical {
		return Plane{}, nil, errors.Wrap(errNoGroundPlane, "refined plane is too steep")
	}
	if plane.Height() < 1e-9 {
		return Plane{}, nil, errors.Wrap(errNoGroundPlane, "plane passes through camera centre")
	}
	return plane, best, nil
}

func (gf *groundPlaneFitter) inliers(plane Plane, points []r3.Vector, candidates []int) []int {
	limit := gf.threshold * plane.Height()
	inliers := make([]int, 0, len(candidates))
	for _, i := range candidates {
		if math.Abs(plane.Distance(points[i])) < limit {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// leastSquaresPlane fits plane to points[idx] minimizing orthogonal distances.
// Collinear sets do not define a plane and are rejected.
func leastSquaresPlane(points []r3.Vector, idx []int) (Plane, error) {
	if len(idx) < 3 {
		return Plane{}, errors.Wrapf(errNoGroundPlane, "%d points can't define a plane", len(idx))
	}
	centroid := r3.Vector{}
	for _, i := range idx {
		centroid = centroid.Add(points[i])
	}
	centroid = centroid.Mul(1.0 / float64(len(idx)))

	centered := mat.NewDense(len(idx), 3, nil)
	for k, i := range idx {
		d := points[i].Sub(centroid)
		centered.SetRow(k, []float64{d.X, d.Y, d.Z})
	}
	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDThin); !ok {
		return Plane{}, errors.Wrap(errNoGroundPlane, "plane SVD failed")
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[1] < 1e-9*values[0] {
		return Plane{}, errors.Wrap(errNoGroundPlane, "points are collinear")
	}
	var v mat.Dense
	svd.VTo(&v)
	normal := r3.Vector{X: v.At(0, 2), Y: v.At(1, 2), Z: v.At(2, 2)}.Normalize()
	return Plane{Normal: normal, Offset: -normal.Dot(centroid)}, nil
}
