package vo

import (
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// RelativePose is the motion between two frames up to scale.
// Rotation maps current camera coordinates into previous camera coordinates.
// Translation is the unit-norm position of the current camera centre in previous camera coordinates.
type RelativePose struct {
	Rotation    Matrix3
	Translation r3.Vector
}

// Scaled returns copy with translation multiplied by scale
func (rp RelativePose) Scaled(scale float64) RelativePose {
	return RelativePose{
		Rotation:    rp.Rotation,
		Translation: rp.Translation.Mul(scale),
	}
}

// PoseEstimate is the outcome of relative pose estimation
type PoseEstimate struct {
	Motion RelativePose
	// Indices of inlier correspondences (ascending)
	Inliers     []int
	InlierRatio float64
	// Number of evaluated hypotheses. Zero for the exact eight-point solve
	Iterations int
	// Triangulated inliers with positive depth, previous camera frame, unit baseline
	Points []r3.Vector
}

// PoseEstimator recovers relative camera motion from 2D-2D correspondences
type PoseEstimator struct {
	camera *Camera
	cfg    PoseConfig
	// Squared Sampson distance threshold on normalized image plane
	threshold float64
	workers   int
}

// NewPoseEstimator creates estimator. Zero workers means GOMAXPROCS.
func NewPoseEstimator(camera *Camera, cfg PoseConfig, workers int) *PoseEstimator {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	th := camera.PixelThreshold(cfg.InlierThresholdPx)
	return &PoseEstimator{
		camera:    camera,
		cfg:       cfg,
		threshold: th * th,
		workers:   workers,
	}
}

// hypothesis is a single essential matrix candidate with its support
type hypothesis struct {
	essential Matrix3
	inliers   int
	// Truncated Sampson loss: sum of min(error, threshold) over all correspondences
	cost  float64
	valid bool
}

const (
	// Non-minimal samples drawn from the consensus set during local optimization
	localIterations = 20
	localSampleSize = 12
	// Final refit keeps consensus points with error up to trimFactor times the median error
	trimFactor = 9.0
)

// Estimate computes relative pose. Stream selects independent random sequence (e.g. frame index),
// so the result depends only on (Seed, stream, correspondences).
func (pe *PoseEstimator) Estimate(stream uint64, corrs []Correspondence) (*PoseEstimate, error) {
	n := len(corrs)
	if n < minimalSampleSize {
		return nil, errors.Wrapf(ErrDegenerateConfiguration, "%d correspondences, need %d", n, minimalSampleSize)
	}
	x1 := make([]r3.Vector, n)
	x2 := make([]r3.Vector, n)
	all := make([]int, n)
	for i := range corrs {
		x1[i] = pe.camera.Normalize(corrs[i].Prev)
		x2[i] = pe.camera.Normalize(corrs[i].Curr)
		all[i] = i
	}

	var essential Matrix3
	iterations := 0
	if n == minimalSampleSize {
		// Exact solve, nothing to sample from
		e, err := eightPoint(x1, x2, all)
		if err != nil {
			return nil, err
		}
		essential = e
	} else {
		rng := rand.New(rand.NewPCG(pe.cfg.Seed, stream))
		best, evaluated, err := pe.sample(rng, x1, x2)
		if err != nil {
			return nil, err
		}
		iterations = evaluated
		essential = pe.refine(rng, best, x1, x2)
	}

	inliers := pe.inliers(essential, x1, x2)
	ratio := float64(len(inliers)) / float64(n)
	if ratio < pe.cfg.MinInlierRatio {
		return nil, errors.Wrapf(ErrDegenerateConfiguration, "inlier ratio %.3f is below %.3f", ratio, pe.cfg.MinInlierRatio)
	}
	if len(inliers) > minimalSampleSize {
		// Near-planar inlier set gives unreliable decomposition
		if _, err := eightPoint(x1, x2, inliers); err != nil {
			return nil, errors.Wrap(err, "inlier set")
		}
	}

	motion, err := pe.selectMotion(essential, x1, x2, inliers)
	if err != nil {
		return nil, err
	}
	rotation, ok := motion.R.Orthonormalize()
	if !ok {
		return nil, errors.Wrap(ErrDegenerateConfiguration, "can't orthonormalize rotation")
	}
	motion.R = rotation

	points := make([]r3.Vector, 0, len(inliers))
	for _, i := range inliers {
		if p, ok := triangulate(motion, x1[i], x2[i]); ok && motion.inFront(p) {
			points = append(points, p)
		}
	}
	return &PoseEstimate{
		Motion:      motion.relative(),
		Inliers:     inliers,
		InlierRatio: ratio,
		Iterations:  iterations,
		Points:      points,
	}, nil
}

// sample runs hypothesize-and-verify loop. Samples are drawn sequentially batch by batch,
// hypotheses of a batch are scored concurrently and reduced in index order,
// so the winner does not depend on number of workers. Hypotheses are ranked by truncated Sampson loss,
// inlier count drives the adaptive stop.
func (pe *PoseEstimator) sample(rng *rand.Rand, x1, x2 []r3.Vector) (hypothesis, int, error) {
	n := len(x1)
	best := hypothesis{}
	required := pe.cfg.MaxIterations
	evaluated := 0

	for evaluated < required && evaluated < pe.cfg.MaxIterations {
		size := minInt(pe.cfg.HypothesisBatch, pe.cfg.MaxIterations-evaluated)
		samples := make([][]int, size)
		for k := range samples {
			samples[k] = drawSample(rng, n, minimalSampleSize)
		}
		batch := make([]hypothesis, size)
		g := new(errgroup.Group)
		g.SetLimit(pe.workers)
		for k := range samples {
			g.Go(func() error {
				e, err := eightPoint(x1, x2, samples[k])
				if err != nil {
					return nil
				}
				inliers, cost := pe.score(e, x1, x2)
				batch[k] = hypothesis{
					essential: e,
					inliers:   inliers,
					cost:      cost,
					valid:     true,
				}
				return nil
			})
		}
		_ = g.Wait()
		for _, h := range batch {
			if h.valid && (!best.valid || h.cost < best.cost) {
				best = h
			}
		}
		evaluated += size
		if best.valid {
			required = requiredIterations(float64(best.inliers)/float64(n), pe.cfg.Confidence, pe.cfg.MaxIterations)
		}
	}
	if !best.valid {
		return best, evaluated, errors.Wrapf(ErrDegenerateConfiguration, "no valid hypothesis in %d samples", evaluated)
	}
	return best, evaluated, nil
}

// refine improves the best hypothesis on its consensus set. Non-minimal samples of the consensus set are fitted
// and the model with the least median Sampson error over the set wins, then it is refitted on the points
// it explains. Every step is kept only if the median error does not grow.
func (pe *PoseEstimator) refine(rng *rand.Rand, best hypothesis, x1, x2 []r3.Vector) Matrix3 {
	support := pe.inliers(best.essential, x1, x2)
	if len(support) < minimalSampleSize {
		return best.essential
	}
	current := best.essential
	currentMedian := median(pe.sampsonErrors(current, x1, x2, support))

	if len(support) > localSampleSize {
		idx := make([]int, localSampleSize)
		for it := 0; it < localIterations; it++ {
			for k, j := range drawSample(rng, len(support), localSampleSize) {
				idx[k] = support[j]
			}
			e, err := eightPoint(x1, x2, idx)
			if err != nil {
				continue
			}
			if m := median(pe.sampsonErrors(e, x1, x2, support)); m < currentMedian {
				current, currentMedian = e, m
			}
		}
	}

	cutoff := math.Max(trimFactor*currentMedian, 1e-6*pe.threshold)
	errs := pe.sampsonErrors(current, x1, x2, support)
	explained := make([]int, 0, len(support))
	for k, i := range support {
		if errs[k] <= cutoff {
			explained = append(explained, i)
		}
	}
	refit, err := eightPoint(x1, x2, explained)
	if err != nil {
		return current
	}
	if median(pe.sampsonErrors(refit, x1, x2, support)) > currentMedian {
		return current
	}
	return refit
}

// selectMotion picks decomposition candidate with the most points in front of both cameras.
// Up to CheiralitySamples evenly spaced inliers are checked.
func (pe *PoseEstimator) selectMotion(essential Matrix3, x1, x2 []r3.Vector, inliers []int) (essentialMotion, error) {
	candidates, err := decomposeEssential(essential)
	if err != nil {
		return essentialMotion{}, err
	}
	count := minInt(pe.cfg.CheiralitySamples, len(inliers))
	bestIdx, bestFront := -1, 0
	for c := range candidates {
		front := 0
		for k := 0; k < count; k++ {
			i := inliers[k*len(inliers)/count]
			if p, ok := triangulate(candidates[c], x1[i], x2[i]); ok && candidates[c].inFront(p) {
				front++
			}
		}
		if front > bestFront {
			bestIdx, bestFront = c, front
		}
	}
	if bestIdx < 0 {
		return essentialMotion{}, errors.Wrap(ErrDegenerateConfiguration, "no decomposition puts points in front of both cameras")
	}
	return candidates[bestIdx], nil
}

// score returns number of inliers and truncated Sampson loss of essential matrix
func (pe *PoseEstimator) score(e Matrix3, x1, x2 []r3.Vector) (int, float64) {
	count, cost := 0, 0.0
	for i := range x1 {
		err := sampsonError(e, x1[i], x2[i])
		if err < pe.threshold {
			count++
			cost += err
		} else {
			cost += pe.threshold
		}
	}
	return count, cost
}

// sampsonErrors returns Sampson errors of correspondences idx
func (pe *PoseEstimator) sampsonErrors(e Matrix3, x1, x2 []r3.Vector, idx []int) []float64 {
	errs := make([]float64, len(idx))
	for k, i := range idx {
		errs[k] = sampsonError(e, x1[i], x2[i])
	}
	return errs
}

func (pe *PoseEstimator) inliers(e Matrix3, x1, x2 []r3.Vector) []int {
	idx := make([]int, 0, len(x1))
	for i := range x1 {
		if sampsonError(e, x1[i], x2[i]) < pe.threshold {
			idx = append(idx, i)
		}
	}
	return idx
}

// drawSample returns k distinct indices from [0, n)
func drawSample(rng *rand.Rand, n, k int) []int {
	sample := make([]int, 0, k)
	for len(sample) < k {
		candidate := rng.IntN(n)
		duplicate := false
		for _, s := range sample {
			if s == candidate {
				duplicate = true
				break
			}
		}
		if !duplicate {
			sample = append(sample, candidate)
		}
	}
	return sample
}

// requiredIterations returns number of hypotheses needed to draw an outlier-free sample
// with given confidence when inlier fraction is w
func requiredIterations(w, confidence float64, maxIterations int) int {
	if w >= 1 {
		return 0
	}
	if w <= 0 {
		return maxIterations
	}
	pOutlierFree := math.Pow(w, minimalSampleSize)
	if pOutlierFree < 1e-300 {
		return maxIterations
	}
	required := math.Log(1-confidence) / math.Log(1-pOutlierFree)
	if !isFinite(required) || required > float64(maxIterations) {
		return maxIterations
	}
	return int(math.Ceil(required))
}
