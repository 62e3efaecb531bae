package vo

import (
	"math"

	"github.com/pkg/errors"
)

// Correspondence is a pair of keypoints believed to observe the same 3D point.
// Prev belongs to the reference (keyframe) frame and Curr to the frame being processed.
type Correspondence struct {
	// Index of keypoint in the reference keypoints
	PrevIdx int
	// Index of keypoint in the current keypoints
	CurrIdx int
	Prev    Point
	Curr    Point
	// Descriptor distance
	Distance int
}

// TrackResult is the outcome of matching two keypoint sets
type TrackResult struct {
	// Ordered by PrevIdx
	Correspondences []Correspondence
	// Indices of reference keypoints which found no partner
	Lost []int
}

// SurvivalRatio returns fraction of reference keypoints that were tracked
func (res *TrackResult) SurvivalRatio() float64 {
	total := len(res.Correspondences) + len(res.Lost)
	if total == 0 {
		return 0
	}
	return float64(len(res.Correspondences)) / float64(total)
}

// Tracker matches keypoints of two consecutive frames.
// A pair is kept only when both keypoints are nearest to each other in descriptor space
// inside the search window (cross-check).
type Tracker struct {
	// Half-size of search window. Default 100.0
	searchRadius float64
	// Matches with bigger Hamming distance are rejected. Default 64
	maxDistance int
	// Minimum number of correspondences. Default 8
	minCorrespondences int
}

// NewTrackerDefault creates default instance of Tracker
func NewTrackerDefault() *Tracker {
	return NewTracker(DefaultConfig().Tracking)
}

// NewTracker creates new instance of Tracker
func NewTracker(cfg TrackingConfig) *Tracker {
	return &Tracker{
		searchRadius:       cfg.SearchRadius,
		maxDistance:        cfg.MaxHammingDistance,
		minCorrespondences: cfg.MinCorrespondences,
	}
}

// keypointGrid is spatial hash of keypoints with cell size equal to search radius
type keypointGrid struct {
	cell  float64
	cells map[[2]int][]int
}

func newKeypointGrid(kps []Keypoint, cell float64) *keypointGrid {
	grid := &keypointGrid{
		cell:  cell,
		cells: make(map[[2]int][]int),
	}
	for i := range kps {
		key := grid.key(kps[i].Point)
		grid.cells[key] = append(grid.cells[key], i)
	}
	return grid
}

func (grid *keypointGrid) key(p Point) [2]int {
	return [2]int{int(math.Floor(p.X / grid.cell)), int(math.Floor(p.Y / grid.cell))}
}

// nearest returns index of keypoint from kps inside window with the smallest descriptor distance.
// Equal distances resolve to the lower index. Returns -1 when window is empty.
func (grid *keypointGrid) nearest(kps []Keypoint, query Keypoint, window Rectangle) (int, int) {
	best, bestDist := -1, math.MaxInt
	center := grid.key(query.Point)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			for _, idx := range grid.cells[[2]int{center[0] + dx, center[1] + dy}] {
				if !window.Contains(kps[idx].Point) {
					continue
				}
				dist := HammingDistance(query.Descriptor, kps[idx].Descriptor)
				if dist < bestDist || (dist == bestDist && idx < best) {
					best, bestDist = idx, dist
				}
			}
		}
	}
	return best, bestDist
}

// Track matches reference keypoints prev against keypoints curr of the next frame.
// ErrTrackingFailure is returned together with the (partial) result when too few pairs survive.
func (tracker *Tracker) Track(prev, curr []Keypoint) (*TrackResult, error) {
	result := &TrackResult{
		Correspondences: make([]Correspondence, 0, minInt(len(prev), len(curr))),
		Lost:            make([]int, 0),
	}
	if len(prev) == 0 || len(curr) == 0 {
		for i := range prev {
			result.Lost = append(result.Lost, i)
		}
		return result, errors.Wrapf(ErrTrackingFailure, "nothing to match: %d reference keypoints, %d current keypoints", len(prev), len(curr))
	}

	currGrid := newKeypointGrid(curr, tracker.searchRadius)
	prevGrid := newKeypointGrid(prev, tracker.searchRadius)

	// Backward pass is computed lazily and cached: only candidates of the forward pass need it
	backward := make(map[int]int)
	for i := range prev {
		j, dist := currGrid.nearest(curr, prev[i], NewWindow(prev[i].Point, tracker.searchRadius))
		if j < 0 || dist > tracker.maxDistance {
			result.Lost = append(result.Lost, i)
			continue
		}
		back, ok := backward[j]
		if !ok {
			back, _ = prevGrid.nearest(prev, curr[j], NewWindow(curr[j].Point, tracker.searchRadius))
			backward[j] = back
		}
		if back != i {
			result.Lost = append(result.Lost, i)
			continue
		}
		result.Correspondences = append(result.Correspondences, Correspondence{
			PrevIdx:  i,
			CurrIdx:  j,
			Prev:     prev[i].Point,
			Curr:     curr[j].Point,
			Distance: dist,
		})
	}

	if len(result.Correspondences) < tracker.minCorrespondences {
		return result, errors.Wrapf(ErrTrackingFailure, "%d correspondences, need %d", len(result.Correspondences), tracker.minCorrespondences)
	}
	return result, nil
}

// medianDisplacement returns median pixel distance between corresponding points
func medianDisplacement(corrs []Correspondence) float64 {
	if len(corrs) == 0 {
		return 0
	}
	dists := make([]float64, len(corrs))
	for i := range corrs {
		dists[i] = euclideanDistance(corrs[i].Prev, corrs[i].Curr)
	}
	return median(dists)
}
