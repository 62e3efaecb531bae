package vo

import (
	kalman_filter "github.com/LdDl/kalman-filter"
	"github.com/pkg/errors"
)

// QualityMonitor smooths per-step tracking quality indicators:
// track survival ratio (how many keyframe keypoints were matched) and inlier ratio of pose estimation.
// Smoothed value going down indicates drift-prone tracking.
type QualityMonitor struct {
	tracker *kalman_filter.Kalman2D
	// Filter parameters to re-create it on reset
	processNoise     float64
	measurementNoise float64
	survival         float64
	inliers          float64
}

// NewQualityMonitor creates monitor which starts from perfect quality
func NewQualityMonitor(processNoise, measurementNoise float64) *QualityMonitor {
	qm := &QualityMonitor{
		processNoise:     processNoise,
		measurementNoise: measurementNoise,
	}
	qm.Reset()
	return qm
}

// Reset forgets history and starts from perfect quality again (new keyframe segment)
func (qm *QualityMonitor) Reset() {
	// dt = 1 frame, no control input
	qm.tracker = kalman_filter.NewKalman2D(1.0, 0.0, 0.0, qm.processNoise, qm.measurementNoise, qm.measurementNoise, kalman_filter.WithState2D(1.0, 1.0))
	qm.survival = 1.0
	qm.inliers = 1.0
}

// Observe feeds measurements of a successful step and returns smoothed quality
func (qm *QualityMonitor) Observe(survivalRatio, inlierRatio float64) (float64, error) {
	qm.tracker.Predict()
	if err := qm.tracker.Update(survivalRatio, inlierRatio); err != nil {
		return qm.Quality(), errors.Wrap(err, "can't update quality filter")
	}
	qm.survival, qm.inliers = qm.tracker.GetState()
	return qm.Quality(), nil
}

// Quality returns the weaker of two smoothed indicators clamped to [0, 1]
func (qm *QualityMonitor) Quality() float64 {
	q := minFloat64(qm.survival, qm.inliers)
	return maxFloat64(0, minFloat64(1, q))
}

// Indicators returns smoothed survival ratio and inlier ratio
func (qm *QualityMonitor) Indicators() (float64, float64) {
	return qm.survival, qm.inliers
}
