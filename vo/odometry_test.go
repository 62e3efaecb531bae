package vo

import (
	"context"
	"image"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// syntheticConfig uses constant speed scale matching straightPoses(n, 0.5, yaw)
func syntheticConfig() Config {
	cfg := DefaultConfig()
	cfg.Scale.Mode = ScaleModeConstantSpeed
	cfg.Scale.Speed = 5
	cfg.Scale.FrameInterval = 0.1
	return cfg
}

func newSyntheticOdometry(t *testing.T, scene *syntheticScene, cfg Config, blank ...int) *Odometry {
	t.Helper()
	blankFrames := make(map[int]bool, len(blank))
	for _, b := range blank {
		blankFrames[b] = true
	}
	odo, err := NewOdometry(scene.camera, cfg, golog.NewTestLogger(t), WithFeatureExtractor(&sceneExtractor{scene: scene, blank: blankFrames}))
	if err != nil {
		t.Fatal(err)
	}
	return odo
}

func checkPose(t *testing.T, got, expected Pose, tolerance float64) {
	t.Helper()
	if got.Index != expected.Index {
		t.Errorf("Wrong pose index: %d, expected %d", got.Index, expected.Index)
	}
	if d := rotationDistance(got.Rotation, expected.Rotation); d > tolerance {
		t.Errorf("Frame %d: rotation differs by %v", expected.Index, d)
	}
	if d := got.Translation.Sub(expected.Translation).Norm(); d > tolerance {
		t.Errorf("Frame %d: translation %v, expected %v", expected.Index, got.Translation, expected.Translation)
	}
	if e := got.Rotation.OrthonormalityError(); e > 1e-9 {
		t.Errorf("Frame %d: rotation is not orthonormal (%v)", expected.Index, e)
	}
}

func TestRunSyntheticSequence(t *testing.T) {
	scene := newSyntheticScene(t, 21, 300)
	scene.poses = straightPoses(6, 0.5, 0.01)
	odo := newSyntheticOdometry(t, scene, syntheticConfig())
	if odo.State() != StateInit {
		t.Errorf("New odometry should be in INIT state, got %s", odo.State())
	}
	res, err := odo.Run(context.Background(), syntheticFrames(6))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateTracking || res.FailedAt != -1 {
		t.Errorf("Expected TRACKING without failure, got %s (failed at %d)", res.State, res.FailedAt)
	}
	if len(res.Poses) != 6 || len(res.Reports) != 6 {
		t.Fatalf("Expected 6 poses and reports, got %d and %d", len(res.Poses), len(res.Reports))
	}
	if res.Poses[0] != IdentityPose(0) {
		t.Errorf("First pose should be identity, got %+v", res.Poses[0])
	}
	for i := range res.Poses {
		checkPose(t, res.Poses[i], scene.poses[i], 1e-6)
		if res.Reports[i].Err != nil {
			t.Errorf("Frame %d: unexpected error %v", i, res.Reports[i].Err)
		}
	}
	for _, report := range res.Reports[1:] {
		if report.Keyframe != report.Index-1 {
			t.Errorf("Frame %d should be estimated against previous frame, got %d", report.Index, report.Keyframe)
		}
		if math.Abs(report.Scale-0.5) > eps {
			t.Errorf("Frame %d: wrong scale %v", report.Index, report.Scale)
		}
		if report.Segment != res.Reports[1].Segment || report.NewSegment {
			t.Errorf("Frame %d: no new segments expected", report.Index)
		}
		if report.Quality < 0.5 || report.Quality > 1 {
			t.Errorf("Frame %d: quality %v", report.Index, report.Quality)
		}
	}
}

func TestRunGroundPlaneScale(t *testing.T) {
	scene := newSyntheticScene(t, 22, 200)
	// Scene objects above the camera, road below it
	for i := range scene.landmarks {
		scene.landmarks[i].Y = -math.Abs(scene.landmarks[i].Y) - 0.5
	}
	rng := rand.New(rand.NewPCG(22, 1))
	for i := 0; i < 150; i++ {
		scene.landmarks = append(scene.landmarks, r3.Vector{X: -10 + 20*rng.Float64(), Y: 1.65, Z: 15 + 45*rng.Float64()})
		scene.descriptors = append(scene.descriptors, randomDescriptor(rng))
	}
	scene.poses = straightPoses(4, 0.8, -0.01)
	cfg := DefaultConfig()
	cfg.Scale.Mode = ScaleModeGroundPlane
	odo := newSyntheticOdometry(t, scene, cfg)
	res, err := odo.Run(context.Background(), syntheticFrames(4))
	if err != nil {
		t.Fatal(err)
	}
	for i := range res.Poses {
		checkPose(t, res.Poses[i], scene.poses[i], 1e-5)
	}
	for _, report := range res.Reports[1:] {
		if report.Err != nil {
			t.Errorf("Frame %d: %v", report.Index, report.Err)
		}
		if math.Abs(report.Scale-0.8) > 1e-5 {
			t.Errorf("Frame %d: wrong scale %v", report.Index, report.Scale)
		}
	}
}

func TestRunBlankMiddleFrame(t *testing.T) {
	scene := newSyntheticScene(t, 23, 300)
	scene.poses = straightPoses(3, 0.5, 0.01)
	odo := newSyntheticOdometry(t, scene, syntheticConfig(), 1)
	res, err := odo.Run(context.Background(), syntheticFrames(3))
	if err != nil {
		t.Fatal(err)
	}
	correctStates := []State{StateTracking, StateDegraded, StateTracking}
	for i, report := range res.Reports {
		if report.State != correctStates[i] {
			t.Errorf("Frame %d: expected %s, got %s", i, correctStates[i], report.State)
		}
	}
	if !errors.Is(res.Reports[1].Err, ErrInsufficientFeatures) {
		t.Errorf("Frame 1 should report ErrInsufficientFeatures, got %v", res.Reports[1].Err)
	}
	if len(res.Poses) != 3 {
		t.Fatalf("Expected 3 poses, got %d", len(res.Poses))
	}
	held := res.Poses[0]
	held.Index = 1
	if res.Poses[1] != held {
		t.Errorf("Pose of blank frame should be carried forward: %+v", res.Poses[1])
	}
	// Frame 2 is matched against the last good frame
	if res.Reports[2].Keyframe != 0 {
		t.Errorf("Frame 2 should be estimated against frame 0, got %d", res.Reports[2].Keyframe)
	}
	checkPose(t, res.Poses[2], scene.poses[2], 1e-6)
}

func TestRunExtrapolatePolicy(t *testing.T) {
	scene := newSyntheticScene(t, 24, 300)
	scene.poses = straightPoses(5, 0.5, 0)
	cfg := syntheticConfig()
	cfg.Trajectory.DegradedPolicy = DegradedPolicyExtrapolate
	odo := newSyntheticOdometry(t, scene, cfg, 3)
	res, err := odo.Run(context.Background(), syntheticFrames(5))
	if err != nil {
		t.Fatal(err)
	}
	if res.Reports[3].State != StateDegraded {
		t.Errorf("Frame 3 should be DEGRADED, got %s", res.Reports[3].State)
	}
	// Constant velocity: repeating the last motion lands on the true pose
	for i := range res.Poses {
		checkPose(t, res.Poses[i], scene.poses[i], 1e-6)
	}
}

func TestKeyframeKeptForSmallParallax(t *testing.T) {
	scene := newSyntheticScene(t, 24, 300)
	// Median displacement against frame 0 grows by about 1.8 px per frame
	scene.poses = straightPoses(4, 0.5, 0)
	odo := newSyntheticOdometry(t, scene, syntheticConfig())
	res, err := odo.Run(context.Background(), syntheticFrames(4))
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 4; i++ {
		report := res.Reports[i]
		if report.Keyframe != 0 {
			t.Errorf("Frame %d should be estimated against frame 0, got %d", i, report.Keyframe)
		}
		promoted := report.Parallax >= DefaultConfig().Trajectory.KeyframeParallaxPx
		if report.Promoted != promoted {
			t.Errorf("Frame %d: parallax %v, promoted %v", i, report.Parallax, report.Promoted)
		}
		if math.Abs(report.Scale-0.5*float64(i)) > eps {
			t.Errorf("Frame %d: scale should cover %d frames, got %v", i, i, report.Scale)
		}
		checkPose(t, res.Poses[i], scene.poses[i], 1e-6)
	}
	if res.Reports[1].Promoted || !res.Reports[3].Promoted {
		t.Errorf("Only frame 3 has enough parallax to become keyframe: %+v", res.Reports)
	}
}

func TestQualityDropOpensSegment(t *testing.T) {
	scene := newSyntheticScene(t, 30, 300)
	scene.poses = straightPoses(12, 0.5, 0.01)
	extractor := &sceneExtractor{scene: scene, blank: map[int]bool{}, unstable: map[int]bool{}}
	for i := 5; i < 12; i++ {
		extractor.unstable[i] = true
	}
	cfg := syntheticConfig()
	cfg.Trajectory.DegradedPolicy = DegradedPolicyExtrapolate
	odo, err := NewOdometry(scene.camera, cfg, golog.NewTestLogger(t), WithFeatureExtractor(extractor))
	if err != nil {
		t.Fatal(err)
	}
	frames := syntheticFrames(12)
	var segment uuid.UUID
	opened := -1
	for i := 0; i < 11 && opened < 0; i++ {
		pose, report, err := odo.Process(frames[i])
		if err != nil {
			t.Fatal(err)
		}
		if report.State != StateTracking {
			t.Fatalf("Frame %d: expected TRACKING, got %s (%v)", i, report.State, report.Err)
		}
		checkPose(t, pose, scene.poses[i], 1e-6)
		if i == 0 {
			segment = report.Segment
			continue
		}
		if !report.NewSegment {
			if report.Segment != segment {
				t.Errorf("Frame %d: segment changed without NewSegment", i)
			}
			continue
		}
		if i < 5 {
			t.Errorf("Frame %d: tracking is stable, no new segment expected (quality %v)", i, report.Quality)
			continue
		}
		opened = i
		if report.Quality >= cfg.Trajectory.ReKeyframeQuality {
			t.Errorf("Frame %d: new segment with quality %v", i, report.Quality)
		}
		if report.Segment == segment || report.Segment != segmentID(i) {
			t.Errorf("Frame %d: segment %v should be new", i, report.Segment)
		}
		if !report.Promoted || odo.keyframe.index != i {
			t.Errorf("Frame %d should become keyframe", i)
		}
		if odo.lastMotion != nil {
			t.Errorf("Frame %d: extrapolation history should be cleared", i)
		}
		if odo.quality.Quality() != 1 {
			t.Errorf("Frame %d: quality monitor should restart, got %v", i, odo.quality.Quality())
		}

		// Without motion history extrapolate policy holds the pose
		extractor.blank[i+1] = true
		next, nextReport, err := odo.Process(frames[i+1])
		if err != nil {
			t.Fatal(err)
		}
		if nextReport.State != StateDegraded {
			t.Errorf("Frame %d should be DEGRADED, got %s", i+1, nextReport.State)
		}
		held := pose
		held.Index = i + 1
		if next != held {
			t.Errorf("Frame %d: pose should be held after new segment, got %+v", i+1, next)
		}
	}
	if opened < 0 {
		t.Fatal("Persistent drop of track survival should open a new segment")
	}
}

func TestRunRenderedFrames(t *testing.T) {
	scene := newSyntheticScene(t, 31, 300)
	scene.poses = straightPoses(5, 0.5, 0.01)
	frames := make(SliceSource, len(scene.poses))
	for i, pose := range scene.poses {
		frames[i] = NewFrame(i, scene.renderFrame(pose, 9))
	}
	intr := scene.camera.Intrinsics()
	frames[2] = NewFrame(2, image.NewGray(image.Rect(0, 0, intr.Width, intr.Height)))

	odo, err := NewOdometry(scene.camera, syntheticConfig(), golog.NewTestLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	res, err := odo.Run(context.Background(), frames)
	if err != nil {
		t.Fatal(err)
	}
	correctStates := []State{StateTracking, StateTracking, StateDegraded, StateTracking, StateTracking}
	for i, report := range res.Reports {
		if report.State != correctStates[i] {
			t.Errorf("Frame %d: expected %s, got %s (%v)", i, correctStates[i], report.State, report.Err)
		}
	}
	if !errors.Is(res.Reports[2].Err, ErrInsufficientFeatures) || res.Reports[2].Keypoints != 0 {
		t.Errorf("Blank frame should have no keypoints, got %d (%v)", res.Reports[2].Keypoints, res.Reports[2].Err)
	}
	if res.Reports[3].Keyframe != 1 {
		t.Errorf("Frame 3 should be matched against frame 1, got %d", res.Reports[3].Keyframe)
	}
	for _, i := range []int{1, 3, 4} {
		report := res.Reports[i]
		if report.Keypoints < 200 || report.Correspondences < 100 {
			t.Errorf("Frame %d: %d keypoints, %d correspondences", i, report.Keypoints, report.Correspondences)
		}
		if 2*report.Inliers < report.Correspondences {
			t.Errorf("Frame %d: %d inliers of %d correspondences", i, report.Inliers, report.Correspondences)
		}
	}
	for _, pose := range res.Poses {
		if e := pose.Rotation.OrthonormalityError(); e > 1e-9 {
			t.Errorf("Frame %d: rotation is not orthonormal (%v)", pose.Index, e)
		}
	}
	// Camera drives forward
	if last := res.Poses[len(res.Poses)-1]; last.Translation.Z <= 0 {
		t.Errorf("Camera should move forward, got %v", last.Translation)
	}
}

func TestRunFailureLimit(t *testing.T) {
	scene := newSyntheticScene(t, 25, 300)
	scene.poses = straightPoses(2, 0.5, 0.01)
	cfg := syntheticConfig()
	cfg.Trajectory.MaxConsecutiveFailures = 5
	odo := newSyntheticOdometry(t, scene, cfg, 2, 3, 4, 5, 6, 7, 8, 9)
	res, err := odo.Run(context.Background(), syntheticFrames(10))
	if !errors.Is(err, ErrConsecutiveFailureLimitExceeded) {
		t.Fatalf("Expected ErrConsecutiveFailureLimitExceeded, got %v", err)
	}
	if res.State != StateFailed || odo.State() != StateFailed {
		t.Errorf("Expected FAILED state, got %s", res.State)
	}
	if res.FailedAt != 7 {
		t.Errorf("Sixth consecutive failure is at frame 7, got %d", res.FailedAt)
	}
	// Frames 0..6 have poses, the failing frame has not
	if len(res.Poses) != 7 {
		t.Errorf("Expected partial trajectory of 7 poses, got %d", len(res.Poses))
	}
	if len(res.Reports) != 8 {
		t.Errorf("Expected 8 reports, got %d", len(res.Reports))
	}
	for i := 2; i < 7; i++ {
		if res.Reports[i].State != StateDegraded {
			t.Errorf("Frame %d should be DEGRADED, got %s", i, res.Reports[i].State)
		}
	}
	_, _, err = odo.Process(&Frame{Index: 10})
	if !errors.Is(err, ErrOdometryFailed) {
		t.Errorf("Expected ErrOdometryFailed after FAILED, got %v", err)
	}
}

func TestRunDeterministic(t *testing.T) {
	scene := newSyntheticScene(t, 26, 300)
	scene.poses = straightPoses(6, 0.5, 0.02)
	// Wrong matches: some descriptors are shared by landmarks far away from each other
	for i := 0; i < 30; i++ {
		scene.descriptors[i+100] = scene.descriptors[i]
	}
	runs := make([][]Pose, 0, 3)
	for _, workers := range []int{1, 2, 8} {
		cfg := syntheticConfig()
		cfg.Workers = workers
		odo := newSyntheticOdometry(t, scene, cfg, 3)
		res, err := odo.Run(context.Background(), syntheticFrames(6))
		if err != nil {
			t.Fatal(err)
		}
		runs = append(runs, res.Poses)
	}
	for i := 1; i < len(runs); i++ {
		if !cmp.Equal(runs[0], runs[i]) {
			t.Errorf("Run %d differs:\n%s", i, cmp.Diff(runs[0], runs[i]))
		}
	}
}

func TestRunCancelled(t *testing.T) {
	scene := newSyntheticScene(t, 27, 100)
	scene.poses = straightPoses(3, 0.5, 0.01)
	odo := newSyntheticOdometry(t, scene, syntheticConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := odo.Run(ctx, syntheticFrames(3))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(res.Poses) != 0 {
		t.Errorf("No frame should be processed, got %d poses", len(res.Poses))
	}
}

func TestProcessFrameOrder(t *testing.T) {
	scene := newSyntheticScene(t, 28, 100)
	scene.poses = straightPoses(3, 0.5, 0.01)
	odo := newSyntheticOdometry(t, scene, syntheticConfig())
	frames := syntheticFrames(3)
	if _, _, err := odo.Process(frames[1]); err != nil {
		t.Fatal(err)
	}
	if _, _, err := odo.Process(frames[0]); !errors.Is(err, ErrFrameOrder) {
		t.Errorf("Expected ErrFrameOrder, got %v", err)
	}
	if _, _, err := odo.Process(frames[1]); !errors.Is(err, ErrFrameOrder) {
		t.Errorf("Expected ErrFrameOrder for repeated frame, got %v", err)
	}
	pose, report, err := odo.Process(frames[2])
	if err != nil {
		t.Fatal(err)
	}
	if report.State != StateTracking || pose.Index != 2 {
		t.Errorf("Processing should continue after rejected frames: %s, %d", report.State, pose.Index)
	}
	if len(odo.Trajectory()) != 2 {
		t.Errorf("Rejected frames must not add poses, got %d", len(odo.Trajectory()))
	}
}

func TestProcessStationary(t *testing.T) {
	scene := newSyntheticScene(t, 29, 200)
	moving := straightPoses(2, 0.5, 0.01)
	scene.poses = []Pose{moving[0], moving[0], moving[1]}
	scene.poses[1].Index = 1
	scene.poses[2].Index = 2
	odo := newSyntheticOdometry(t, scene, syntheticConfig())
	res, err := odo.Run(context.Background(), syntheticFrames(3))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Reports[1].Stationary || res.Reports[1].State != StateTracking {
		t.Errorf("Frame 1 should be stationary success: %+v", res.Reports[1])
	}
	if res.Poses[1].Translation != (r3.Vector{}) || res.Poses[1].Rotation != Identity3() {
		t.Errorf("Stationary frame should keep keyframe pose: %+v", res.Poses[1])
	}
	if res.Reports[2].Keyframe != 0 {
		t.Errorf("Stationary frame must not become keyframe, got %d", res.Reports[2].Keyframe)
	}
}

func TestNewOdometryInvalid(t *testing.T) {
	cam, err := NewCamera(kittiIntrinsics())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewOdometry(nil, DefaultConfig(), nil); !errors.Is(err, ErrInvalidIntrinsics) {
		t.Errorf("Expected ErrInvalidIntrinsics, got %v", err)
	}
	if _, err := NewOdometry(&Camera{}, DefaultConfig(), nil); !errors.Is(err, ErrInvalidIntrinsics) {
		t.Errorf("Expected ErrInvalidIntrinsics for zero camera, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.Pose.Confidence = 1.5
	if _, err := NewOdometry(cam, cfg, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.Scale.Mode = ScaleModeReference
	if _, err := NewOdometry(cam, cfg, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig without scale reference, got %v", err)
	}
	odo, err := NewOdometry(cam, cfg, nil, WithScaleReference(ScaleReferenceFunc(func(from, to int) (float64, bool) {
		return 1, true
	})))
	if err != nil {
		t.Fatal(err)
	}
	if odo.State() != StateInit {
		t.Errorf("Expected INIT, got %s", odo.State())
	}
}

func TestStateString(t *testing.T) {
	correctAnswer := map[State]string{
		StateInit:     "INIT",
		StateTracking: "TRACKING",
		StateDegraded: "DEGRADED",
		StateFailed:   "FAILED",
		State(42):     "UNKNOWN",
	}
	for state, name := range correctAnswer {
		if state.String() != name {
			t.Errorf("Wrong answer: %v, correct answer: %v", state.String(), name)
		}
	}
}
