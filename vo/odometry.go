package vo

import (
	"context"
	"fmt"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// keyframe is the reference frame the next frame is matched against.
// It is replaced as a whole on every step and never shared.
type keyframe struct {
	index     int
	keypoints []Keypoint
	pose      Pose
	segment   uuid.UUID
}

// StepReport describes what happened while processing one frame
type StepReport struct {
	Index int
	// State after the step
	State           State
	Keypoints       int
	Correspondences int
	Inliers         int
	// Evaluated pose hypotheses
	Iterations int
	// Metric scale applied to the relative motion (zero when no motion was composed)
	Scale float64
	// Smoothed tracking quality
	Quality float64
	// Frame the motion was estimated against. -1 when there was none
	Keyframe int
	Segment  uuid.UUID
	// Median keypoint displacement against the keyframe (pixels)
	Parallax float64
	// Parallax was too small, pose is the keyframe pose
	Stationary bool
	// Frame became the keyframe for the next step
	Promoted bool
	// A new keyframe segment was opened by the step, Segment holds its ID
	NewSegment bool
	// Recoverable condition of the step, if any
	Err error
}

// Result is the outcome of processing a frame sequence
type Result struct {
	Poses   []Pose
	Reports []StepReport
	State   State
	// Index of the frame which caused FAILED state. -1 when odometry did not fail
	FailedAt int
}

// Option configures Odometry
type Option func(*Odometry)

// WithFeatureExtractor replaces the FAST/BRIEF extractor
func WithFeatureExtractor(extractor FeatureExtractor) Option {
	return func(odo *Odometry) {
		odo.extractor = extractor
	}
}

// WithScaleReference supplies external scale for ScaleModeReference
func WithScaleReference(reference ScaleReference) Option {
	return func(odo *Odometry) {
		odo.reference = reference
	}
}

// Odometry composes frame-to-frame motion into camera trajectory.
// It is not safe for concurrent use: frames must be processed one after another.
type Odometry struct {
	camera *Camera
	cfg    Config
	logger golog.Logger
	// Random ID for log correlation only
	runID uuid.UUID

	extractor FeatureExtractor
	reference ScaleReference
	tracker   *Tracker
	estimator *PoseEstimator
	scale     *ScaleResolver
	quality   *QualityMonitor

	trajectory *Trajectory
	state      State
	keyframe   *keyframe
	lastIndex  int
	failures   int
	// Per-frame motion of the last composed step, used by extrapolate policy
	lastMotion *RelativePose
}

// NewOdometry creates odometry for calibrated camera. Nil logger disables logging.
func NewOdometry(camera *Camera, cfg Config, logger golog.Logger, opts ...Option) (*Odometry, error) {
	if camera == nil {
		return nil, errors.Wrap(ErrInvalidIntrinsics, "no camera")
	}
	if err := camera.Intrinsics().Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	odo := &Odometry{
		camera:     camera,
		cfg:        cfg,
		runID:      uuid.New(),
		tracker:    NewTracker(cfg.Tracking),
		estimator:  NewPoseEstimator(camera, cfg.Pose, cfg.Workers),
		quality:    NewQualityMonitor(cfg.Trajectory.QualityProcessNoise, cfg.Trajectory.QualityMeasurementNoise),
		trajectory: NewTrajectory(),
		state:      StateInit,
		lastIndex:  -1,
	}
	for _, opt := range opts {
		opt(odo)
	}
	if odo.extractor == nil {
		odo.extractor = NewFastBriefExtractor(camera, cfg.Features, cfg.Workers)
	}
	if cfg.Scale.Mode == ScaleModeReference && odo.reference == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "scale.mode: 'reference' requires ScaleReference")
	}
	odo.scale = NewScaleResolver(cfg.Scale, cfg.Pose.Seed, odo.reference)
	odo.logger = logger.With("run", odo.runID.String())
	return odo, nil
}

// State returns current state
func (odo *Odometry) State() State {
	return odo.state
}

// Trajectory returns copy of accumulated poses
func (odo *Odometry) Trajectory() []Pose {
	return odo.trajectory.Poses()
}

// segmentID returns name-based ID of the segment started at frame index, so that runs are reproducible
func segmentID(index int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("vo/segment/%d", index)))
}

// Process consumes next frame and appends its pose.
// Recoverable conditions do not produce error: they are reported in StepReport.Err.
// ErrConsecutiveFailureLimitExceeded is returned (and no pose appended) when the frame makes odometry FAILED.
func (odo *Odometry) Process(frame *Frame) (Pose, StepReport, error) {
	if odo.state == StateFailed {
		return Pose{}, StepReport{}, ErrOdometryFailed
	}
	if frame == nil {
		return Pose{}, StepReport{}, errors.New("nil frame")
	}
	if odo.lastIndex >= 0 && frame.Index <= odo.lastIndex {
		return Pose{}, StepReport{}, errors.Wrapf(ErrFrameOrder, "got %d after %d", frame.Index, odo.lastIndex)
	}

	report := StepReport{
		Index:    frame.Index,
		Keyframe: -1,
	}
	if odo.keyframe != nil {
		report.Keyframe = odo.keyframe.index
		report.Segment = odo.keyframe.segment
	}

	keypoints, err := odo.extractor.Extract(frame)
	report.Keypoints = len(keypoints)
	if err != nil {
		// Keyframe is kept: the next frame may still match it
		return odo.fail(frame.Index, report, err, nil)
	}

	if odo.keyframe == nil {
		pose := IdentityPose(frame.Index)
		if last, ok := odo.trajectory.Last(); ok {
			pose = odo.degradedPose(frame.Index, last)
		}
		odo.keyframe = &keyframe{
			index:     frame.Index,
			keypoints: keypoints,
			pose:      pose,
			segment:   segmentID(frame.Index),
		}
		report.Segment = odo.keyframe.segment
		report.Promoted = true
		report.NewSegment = true
		return odo.succeed(pose, report)
	}

	track, err := odo.tracker.Track(odo.keyframe.keypoints, keypoints)
	if track != nil {
		report.Correspondences = len(track.Correspondences)
	}
	if err != nil {
		return odo.fail(frame.Index, report, err, keypoints)
	}

	parallax := medianDisplacement(track.Correspondences)
	report.Parallax = parallax
	if parallax < odo.cfg.Trajectory.MinParallaxPx {
		pose := odo.keyframe.pose
		pose.Index = frame.Index
		report.Stationary = true
		odo.lastMotion = &RelativePose{Rotation: Identity3()}
		return odo.succeed(pose, report)
	}

	est, err := odo.estimator.Estimate(uint64(frame.Index), track.Correspondences)
	if err != nil {
		return odo.fail(frame.Index, report, err, keypoints)
	}
	report.Inliers = len(est.Inliers)
	report.Iterations = est.Iterations

	scale, err := odo.scale.Resolve(est, odo.keyframe.index, frame.Index)
	if err != nil {
		// Fallback scale is still positive, step is not a failure
		report.Err = err
		odo.logger.Debugw("scale fallback", "frame", frame.Index, "scale", scale, "error", err)
	}
	report.Scale = scale

	pose := odo.keyframe.pose.Compose(frame.Index, est.Motion.Scaled(scale))
	if last, ok := odo.trajectory.Last(); ok {
		motion := last.Relative(pose)
		odo.lastMotion = &motion
	}

	quality, qerr := odo.quality.Observe(track.SurvivalRatio(), est.InlierRatio)
	if qerr != nil {
		odo.logger.Warnw("quality monitor", "frame", frame.Index, "error", qerr)
	}
	report.Quality = quality
	switch {
	case quality < odo.cfg.Trajectory.ReKeyframeQuality:
		// Re-anchor: motion is no longer estimated against the drifting keyframe
		segment := segmentID(frame.Index)
		odo.quality.Reset()
		odo.lastMotion = nil
		odo.keyframe = &keyframe{
			index:     frame.Index,
			keypoints: keypoints,
			pose:      pose,
			segment:   segment,
		}
		report.Segment = segment
		report.Promoted = true
		report.NewSegment = true
		odo.logger.Infow("tracking quality dropped, new segment", "frame", frame.Index, "quality", quality, "segment", segment.String())
	case parallax >= odo.cfg.Trajectory.KeyframeParallaxPx:
		odo.keyframe = &keyframe{
			index:     frame.Index,
			keypoints: keypoints,
			pose:      pose,
			segment:   odo.keyframe.segment,
		}
		report.Promoted = true
	}
	return odo.succeed(pose, report)
}

// succeed appends pose of successful step and resets failure counter
func (odo *Odometry) succeed(pose Pose, report StepReport) (Pose, StepReport, error) {
	odo.trajectory.Append(pose)
	odo.lastIndex = pose.Index
	odo.failures = 0
	odo.state = StateTracking
	report.State = odo.state
	if report.Quality == 0 {
		report.Quality = odo.quality.Quality()
	}
	odo.logger.Debugw("step",
		"frame", pose.Index,
		"keyframe", report.Keyframe,
		"keypoints", report.Keypoints,
		"correspondences", report.Correspondences,
		"inliers", report.Inliers,
		"iterations", report.Iterations,
		"scale", report.Scale,
		"parallax", report.Parallax,
		"stationary", report.Stationary,
		"promoted", report.Promoted,
	)
	return pose, report, nil
}

// fail handles recoverable step failure. Non-nil keypoints make the current frame the new keyframe.
func (odo *Odometry) fail(index int, report StepReport, stepErr error, keypoints []Keypoint) (Pose, StepReport, error) {
	odo.failures++
	report.Err = stepErr
	if odo.failures > odo.cfg.Trajectory.MaxConsecutiveFailures {
		odo.state = StateFailed
		report.State = odo.state
		odo.logger.Errorw("odometry failed", "frame", index, "failures", odo.failures, "error", stepErr)
		return Pose{}, report, errors.Wrapf(ErrConsecutiveFailureLimitExceeded, "frame %d: %d consecutive failures, last: %v", index, odo.failures, stepErr)
	}

	pose := IdentityPose(index)
	if last, ok := odo.trajectory.Last(); ok {
		pose = odo.degradedPose(index, last)
	}
	odo.trajectory.Append(pose)
	odo.lastIndex = index
	odo.state = StateDegraded
	report.State = odo.state
	report.Quality = odo.quality.Quality()

	if keypoints != nil {
		segment := segmentID(index)
		odo.keyframe = &keyframe{
			index:     index,
			keypoints: keypoints,
			pose:      pose,
			segment:   segment,
		}
		odo.quality.Reset()
		report.Segment = segment
		report.Promoted = true
		report.NewSegment = true
	}
	odo.logger.Warnw("step degraded",
		"frame", index,
		"failures", odo.failures,
		"policy", string(odo.cfg.Trajectory.DegradedPolicy),
		"rekeyframe", keypoints != nil,
		"error", stepErr,
	)
	return pose, report, nil
}

// degradedPose returns pose of a frame which could not be estimated
func (odo *Odometry) degradedPose(index int, last Pose) Pose {
	if odo.cfg.Trajectory.DegradedPolicy == DegradedPolicyExtrapolate && odo.lastMotion != nil {
		return last.Compose(index, *odo.lastMotion)
	}
	last.Index = index
	return last
}

// Run processes every frame of the source in order. Context is checked between frames;
// on cancellation poses accumulated so far are returned together with the context error.
// When odometry reaches FAILED the partial trajectory is returned with ErrConsecutiveFailureLimitExceeded.
func (odo *Odometry) Run(ctx context.Context, source FrameSource) (*Result, error) {
	result := &Result{
		Reports:  make([]StepReport, 0, source.Len()),
		FailedAt: -1,
	}
	finish := func(err error) (*Result, error) {
		result.Poses = odo.trajectory.Poses()
		result.State = odo.state
		return result, err
	}
	odo.logger.Infow("run started", "frames", source.Len())
	for i := 0; i < source.Len(); i++ {
		if err := ctx.Err(); err != nil {
			odo.logger.Infow("run cancelled", "frame", i, "poses", odo.trajectory.Len())
			return finish(errors.Wrapf(err, "stopped before frame %d", i))
		}
		frame, err := source.Frame(i)
		if err != nil {
			return finish(errors.Wrapf(err, "can't get frame %d", i))
		}
		_, report, err := odo.Process(frame)
		result.Reports = append(result.Reports, report)
		if err != nil {
			if errors.Is(err, ErrConsecutiveFailureLimitExceeded) {
				result.FailedAt = frame.Index
			}
			return finish(err)
		}
	}
	odo.logger.Infow("run finished", "poses", odo.trajectory.Len(), "state", odo.state.String())
	return finish(nil)
}
