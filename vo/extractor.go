package vo

import (
	"math"
	"runtime"

	"github.com/pkg/errors"
)

// FeatureExtractor detects keypoints in a single frame.
// Implementations must be deterministic: same frame gives same keypoints in the same order.
type FeatureExtractor interface {
	Extract(frame *Frame) ([]Keypoint, error)
}

// FastBriefExtractor detects FAST corners and describes them with BRIEF
type FastBriefExtractor struct {
	cfg      FeatureConfig
	camera   *Camera
	detector *fastDetector
	pattern  *samplePairs
	workers  int
}

// NewFastBriefExtractor creates extractor. Zero workers means GOMAXPROCS.
func NewFastBriefExtractor(camera *Camera, cfg FeatureConfig, workers int) *FastBriefExtractor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &FastBriefExtractor{
		cfg:    cfg,
		camera: camera,
		detector: &fastDetector{
			threshold: cfg.FastThreshold,
			arc:       cfg.FastArc,
			margin:    cfg.PatchSize/2 + 1,
			workers:   workers,
		},
		pattern: newSamplePairs(cfg.PatchSize, cfg.PatternSeed),
		workers: workers,
	}
}

// Extract returns up to MaxFeatures keypoints ordered by decreasing response.
// ErrInsufficientFeatures is returned together with keypoints found when there are fewer than MinFeatures of them.
func (ex *FastBriefExtractor) Extract(frame *Frame) ([]Keypoint, error) {
	if frame == nil || frame.Image == nil {
		return nil, errors.Wrap(ErrInsufficientFeatures, "empty frame")
	}
	intr := ex.camera.Intrinsics()
	if intr.Width > 0 && intr.Height > 0 && (frame.Width() != intr.Width || frame.Height() != intr.Height) {
		return nil, errors.Wrapf(ErrInsufficientFeatures, "frame %d size (%d, %d) doesn't match camera (%d, %d)",
			frame.Index, frame.Width(), frame.Height(), intr.Width, intr.Height)
	}
	candidates := ex.detector.detect(frame.Image)
	selected := suppressByDistance(candidates, ex.cfg.MinDistance, ex.cfg.MaxFeatures)

	kps := make([]Keypoint, len(selected))
	for i, c := range selected {
		kps[i] = Keypoint{
			Frame:    frame.Index,
			Point:    Point{X: float64(c.x), Y: float64(c.y)},
			Response: c.score,
		}
	}
	if len(kps) > 0 {
		smoothed := smoothGray(frame.Image, ex.cfg.BlurSigma)
		computeBRIEF(smoothed, ex.pattern, kps, ex.workers)
	}
	if len(kps) < ex.cfg.MinFeatures {
		return kps, errors.Wrapf(ErrInsufficientFeatures, "frame %d: %d keypoints, need %d", frame.Index, len(kps), ex.cfg.MinFeatures)
	}
	return kps, nil
}

// suppressByDistance accepts candidates strongest-first, skipping those closer than minDist to an accepted one
func suppressByDistance(candidates []cornerCandidate, minDist float64, maxCount int) []cornerCandidate {
	if len(candidates) == 0 || maxCount <= 0 {
		return nil
	}
	h := make(responseHeap, len(candidates))
	copy(h, candidates)
	h.init()

	accepted := make([]cornerCandidate, 0, minInt(maxCount, len(candidates)))
	if minDist <= 0 {
		for h.Len() > 0 && len(accepted) < maxCount {
			accepted = append(accepted, h.Pop())
		}
		return accepted
	}

	// Grid with cell size minDist: conflicting neighbours can only be in adjacent cells
	cell := minDist
	grid := make(map[[2]int][]int)
	minDist2 := minDist * minDist
	for h.Len() > 0 && len(accepted) < maxCount {
		c := h.Pop()
		cx := int(math.Floor(float64(c.x) / cell))
		cy := int(math.Floor(float64(c.y) / cell))
		conflict := false
		for dy := -1; dy <= 1 && !conflict; dy++ {
			for dx := -1; dx <= 1 && !conflict; dx++ {
				for _, idx := range grid[[2]int{cx + dx, cy + dy}] {
					ax := float64(accepted[idx].x - c.x)
					ay := float64(accepted[idx].y - c.y)
					if ax*ax+ay*ay < minDist2 {
						conflict = true
						break
					}
				}
			}
		}
		if conflict {
			continue
		}
		grid[[2]int{cx, cy}] = append(grid[[2]int{cx, cy}], len(accepted))
		accepted = append(accepted, c)
	}
	return accepted
}
