package vo

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// ScaleMode selects where metric scale comes from
type ScaleMode string

const (
	// ScaleModeGroundPlane uses known camera height above the road plane
	ScaleModeGroundPlane = ScaleMode("ground_plane")
	// ScaleModeConstantSpeed assumes constant speed of the camera
	ScaleModeConstantSpeed = ScaleMode("constant_speed")
	// ScaleModeReference asks external ScaleReference (e.g. ground truth)
	ScaleModeReference = ScaleMode("reference")
)

// DegradedPolicy selects what pose is reported for frames which failed
type DegradedPolicy string

const (
	// DegradedPolicyHold carries previous pose forward unchanged
	DegradedPolicyHold = DegradedPolicy("hold")
	// DegradedPolicyExtrapolate repeats the last known per-frame relative motion
	DegradedPolicyExtrapolate = DegradedPolicy("extrapolate")
)

// minimalSampleSize is the number of correspondences needed by the eight-point algorithm
const minimalSampleSize = 8

// FeatureConfig contains parameters of keypoint detection and description
type FeatureConfig struct {
	// Intensity threshold of FAST segment test
	FastThreshold float64 `json:"fast_threshold" yaml:"fast_threshold"`
	// Number of contiguous circle pixels needed to accept a corner
	FastArc int `json:"fast_arc" yaml:"fast_arc"`
	// Cap of keypoints per frame
	MaxFeatures int `json:"max_features" yaml:"max_features"`
	// Frames with fewer keypoints are reported as ErrInsufficientFeatures
	MinFeatures int `json:"min_features" yaml:"min_features"`
	// Minimum distance between two keypoints (pixels)
	MinDistance float64 `json:"min_distance_px" yaml:"min_distance_px"`
	// BRIEF patch size (pixels)
	PatchSize int `json:"patch_size" yaml:"patch_size"`
	// Gaussian blur applied before sampling descriptors
	BlurSigma float64 `json:"blur_sigma" yaml:"blur_sigma"`
	// Seed of BRIEF sampling pattern
	PatternSeed uint64 `json:"pattern_seed" yaml:"pattern_seed"`
}

// TrackingConfig contains parameters of frame-to-frame matching
type TrackingConfig struct {
	// Half-size of search window around previous keypoint location (pixels)
	SearchRadius float64 `json:"search_radius_px" yaml:"search_radius_px"`
	// Matches with bigger descriptor distance are discarded
	MaxHammingDistance int `json:"max_hamming_distance" yaml:"max_hamming_distance"`
	// Fewer correspondences are reported as ErrTrackingFailure
	MinCorrespondences int `json:"min_correspondences" yaml:"min_correspondences"`
}

// PoseConfig contains parameters of relative pose estimation
type PoseConfig struct {
	// Seed of hypothesis sampling
	Seed uint64 `json:"seed" yaml:"seed"`
	// Hard cap of evaluated hypotheses
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
	// Hypotheses drawn and evaluated together. Part of the reproducibility contract
	HypothesisBatch int `json:"hypothesis_batch" yaml:"hypothesis_batch"`
	// Probability of drawing at least one outlier-free sample, used for early stop
	Confidence float64 `json:"confidence" yaml:"confidence"`
	// Sampson distance threshold (pixels)
	InlierThresholdPx float64 `json:"inlier_threshold_px" yaml:"inlier_threshold_px"`
	// Minimum fraction of inliers
	MinInlierRatio float64 `json:"min_inlier_ratio" yaml:"min_inlier_ratio"`
	// Number of inliers used to pick physically valid decomposition
	CheiralitySamples int `json:"cheirality_samples" yaml:"cheirality_samples"`
}

// ScaleConfig contains parameters of metric scale recovery
type ScaleConfig struct {
	Mode ScaleMode `json:"mode" yaml:"mode"`
	// Camera height above the ground (meters), ground_plane mode
	CameraHeight float64 `json:"camera_height_m" yaml:"camera_height_m"`
	// Max angle between plane normal and camera vertical axis (radians)
	MaxPlaneTilt float64 `json:"max_plane_tilt_rad" yaml:"max_plane_tilt_rad"`
	// Inlier distance to plane relative to estimated height
	PlaneInlierThreshold float64 `json:"plane_inlier_threshold" yaml:"plane_inlier_threshold"`
	// Minimum number of plane inliers
	MinGroundPoints int `json:"min_ground_points" yaml:"min_ground_points"`
	// RANSAC iterations of plane fitting
	PlaneIterations int `json:"plane_iterations" yaml:"plane_iterations"`
	// Camera speed (m/s), constant_speed mode
	Speed float64 `json:"speed_mps" yaml:"speed_mps"`
	// Time between two frames (seconds), constant_speed mode
	FrameInterval float64 `json:"frame_interval_s" yaml:"frame_interval_s"`
	// Scale used before the first successful estimate
	InitialScale float64 `json:"initial_scale" yaml:"initial_scale"`
	// Estimates above are treated as unreliable
	MaxScale float64 `json:"max_scale" yaml:"max_scale"`
}

// TrajectoryConfig contains parameters of pose accumulation and recovery policy
type TrajectoryConfig struct {
	// Number of failed steps in a row tolerated before FAILED
	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	// Median keypoint displacement below is treated as no motion (pixels)
	MinParallaxPx float64 `json:"min_parallax_px" yaml:"min_parallax_px"`
	// Keyframe is kept while median displacement against it stays below (pixels)
	KeyframeParallaxPx float64 `json:"keyframe_parallax_px" yaml:"keyframe_parallax_px"`
	// Pose reported for failed frames
	DegradedPolicy DegradedPolicy `json:"degraded_policy" yaml:"degraded_policy"`
	// Smoothed tracking quality below makes the current frame a keyframe of a new segment
	ReKeyframeQuality float64 `json:"rekeyframe_quality" yaml:"rekeyframe_quality"`
	// Kalman filter noise of quality monitor
	QualityProcessNoise     float64 `json:"quality_process_noise" yaml:"quality_process_noise"`
	QualityMeasurementNoise float64 `json:"quality_measurement_noise" yaml:"quality_measurement_noise"`
}

// Config is the full configuration of visual odometry
type Config struct {
	Features   FeatureConfig    `json:"features" yaml:"features"`
	Tracking   TrackingConfig   `json:"tracking" yaml:"tracking"`
	Pose       PoseConfig       `json:"pose" yaml:"pose"`
	Scale      ScaleConfig      `json:"scale" yaml:"scale"`
	Trajectory TrajectoryConfig `json:"trajectory" yaml:"trajectory"`
	// Goroutines used inside a single step. Zero means GOMAXPROCS. Output does not depend on it
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns configuration tuned for KITTI-like driving sequences
func DefaultConfig() Config {
	return Config{
		Features: FeatureConfig{
			FastThreshold: 20,
			FastArc:       9,
			MaxFeatures:   1500,
			MinFeatures:   minimalSampleSize,
			MinDistance:   8,
			PatchSize:     31,
			BlurSigma:     2,
			PatternSeed:   0x6272696566,
		},
		Tracking: TrackingConfig{
			SearchRadius:       100,
			MaxHammingDistance: 64,
			MinCorrespondences: minimalSampleSize,
		},
		Pose: PoseConfig{
			Seed:              42,
			MaxIterations:     500,
			HypothesisBatch:   16,
			Confidence:        0.999,
			InlierThresholdPx: 1.0,
			MinInlierRatio:    0.5,
			CheiralitySamples: 100,
		},
		Scale: ScaleConfig{
			Mode:                 ScaleModeGroundPlane,
			CameraHeight:         1.65,
			MaxPlaneTilt:         15 * math.Pi / 180,
			PlaneInlierThreshold: 0.05,
			MinGroundPoints:      10,
			PlaneIterations:      100,
			Speed:                10,
			FrameInterval:        0.1,
			InitialScale:         1,
			MaxScale:             10,
		},
		Trajectory: TrajectoryConfig{
			MaxConsecutiveFailures:  5,
			MinParallaxPx:           0.5,
			KeyframeParallaxPx:      5,
			DegradedPolicy:          DegradedPolicyHold,
			ReKeyframeQuality:       0.25,
			QualityProcessNoise:     0.05,
			QualityMeasurementNoise: 0.2,
		},
	}
}

func invalidField(field string, format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, "%s: %s", field, fmt.Sprintf(format, args...))
}

// Validate checks every section and returns all problems at once
func (cfg *Config) Validate() error {
	var err error
	f := cfg.Features
	if f.FastThreshold <= 0 || f.FastThreshold >= 255 {
		err = multierr.Append(err, invalidField("features.fast_threshold", "should be in (0, 255), got %v", f.FastThreshold))
	}
	if f.FastArc < 9 || f.FastArc > 12 {
		err = multierr.Append(err, invalidField("features.fast_arc", "should be in [9, 12], got %d", f.FastArc))
	}
	if f.MaxFeatures <= 0 {
		err = multierr.Append(err, invalidField("features.max_features", "should be > 0, got %d", f.MaxFeatures))
	}
	if f.MinFeatures < 0 || f.MinFeatures > f.MaxFeatures {
		err = multierr.Append(err, invalidField("features.min_features", "should be in [0, max_features], got %d", f.MinFeatures))
	}
	if f.MinDistance < 0 {
		err = multierr.Append(err, invalidField("features.min_distance_px", "should be >= 0, got %v", f.MinDistance))
	}
	if f.PatchSize < 7 || f.PatchSize%2 == 0 {
		err = multierr.Append(err, invalidField("features.patch_size", "should be odd and >= 7, got %d", f.PatchSize))
	}
	if f.BlurSigma < 0 {
		err = multierr.Append(err, invalidField("features.blur_sigma", "should be >= 0, got %v", f.BlurSigma))
	}

	t := cfg.Tracking
	if t.SearchRadius <= 0 {
		err = multierr.Append(err, invalidField("tracking.search_radius_px", "should be > 0, got %v", t.SearchRadius))
	}
	if t.MaxHammingDistance <= 0 || t.MaxHammingDistance > DescriptorBits {
		err = multierr.Append(err, invalidField("tracking.max_hamming_distance", "should be in (0, %d], got %d", DescriptorBits, t.MaxHammingDistance))
	}
	if t.MinCorrespondences < minimalSampleSize {
		err = multierr.Append(err, invalidField("tracking.min_correspondences", "should be >= %d, got %d", minimalSampleSize, t.MinCorrespondences))
	}

	p := cfg.Pose
	if p.MaxIterations <= 0 {
		err = multierr.Append(err, invalidField("pose.max_iterations", "should be > 0, got %d", p.MaxIterations))
	}
	if p.HypothesisBatch <= 0 {
		err = multierr.Append(err, invalidField("pose.hypothesis_batch", "should be > 0, got %d", p.HypothesisBatch))
	}
	if p.Confidence <= 0 || p.Confidence >= 1 {
		err = multierr.Append(err, invalidField("pose.confidence", "should be in (0, 1), got %v", p.Confidence))
	}
	if p.InlierThresholdPx <= 0 {
		err = multierr.Append(err, invalidField("pose.inlier_threshold_px", "should be > 0, got %v", p.InlierThresholdPx))
	}
	if p.MinInlierRatio <= 0 || p.MinInlierRatio > 1 {
		err = multierr.Append(err, invalidField("pose.min_inlier_ratio", "should be in (0, 1], got %v", p.MinInlierRatio))
	}
	if p.CheiralitySamples <= 0 {
		err = multierr.Append(err, invalidField("pose.cheirality_samples", "should be > 0, got %d", p.CheiralitySamples))
	}

	s := cfg.Scale
	switch s.Mode {
	case ScaleModeGroundPlane:
		if s.CameraHeight <= 0 {
			err = multierr.Append(err, invalidField("scale.camera_height_m", "should be > 0, got %v", s.CameraHeight))
		}
		if s.MaxPlaneTilt <= 0 || s.MaxPlaneTilt >= math.Pi/2 {
			err = multierr.Append(err, invalidField("scale.max_plane_tilt_rad", "should be in (0, pi/2), got %v", s.MaxPlaneTilt))
		}
		if s.PlaneInlierThreshold <= 0 {
			err = multierr.Append(err, invalidField("scale.plane_inlier_threshold", "should be > 0, got %v", s.PlaneInlierThreshold))
		}
		if s.MinGroundPoints < 3 {
			err = multierr.Append(err, invalidField("scale.min_ground_points", "should be >= 3, got %d", s.MinGroundPoints))
		}
		if s.PlaneIterations <= 0 {
			err = multierr.Append(err, invalidField("scale.plane_iterations", "should be > 0, got %d", s.PlaneIterations))
		}
	case ScaleModeConstantSpeed:
		if s.Speed <= 0 {
			err = multierr.Append(err, invalidField("scale.speed_mps", "should be > 0, got %v", s.Speed))
		}
		if s.FrameInterval <= 0 {
			err = multierr.Append(err, invalidField("scale.frame_interval_s", "should be > 0, got %v", s.FrameInterval))
		}
	case ScaleModeReference:
	default:
		err = multierr.Append(err, invalidField("scale.mode", "unknown mode '%s'", s.Mode))
	}
	if s.InitialScale <= 0 {
		err = multierr.Append(err, invalidField("scale.initial_scale", "should be > 0, got %v", s.InitialScale))
	}
	if s.MaxScale < s.InitialScale {
		err = multierr.Append(err, invalidField("scale.max_scale", "should be >= initial_scale, got %v", s.MaxScale))
	}

	tr := cfg.Trajectory
	if tr.MaxConsecutiveFailures < 0 {
		err = multierr.Append(err, invalidField("trajectory.max_consecutive_failures", "should be >= 0, got %d", tr.MaxConsecutiveFailures))
	}
	if tr.MinParallaxPx < 0 {
		err = multierr.Append(err, invalidField("trajectory.min_parallax_px", "should be >= 0, got %v", tr.MinParallaxPx))
	}
	if tr.KeyframeParallaxPx < tr.MinParallaxPx {
		err = multierr.Append(err, invalidField("trajectory.keyframe_parallax_px", "should be >= min_parallax_px, got %v", tr.KeyframeParallaxPx))
	}
	if tr.DegradedPolicy != DegradedPolicyHold && tr.DegradedPolicy != DegradedPolicyExtrapolate {
		err = multierr.Append(err, invalidField("trajectory.degraded_policy", "unknown policy '%s'", tr.DegradedPolicy))
	}
	if tr.ReKeyframeQuality < 0 || tr.ReKeyframeQuality > 1 {
		err = multierr.Append(err, invalidField("trajectory.rekeyframe_quality", "should be in [0, 1], got %v", tr.ReKeyframeQuality))
	}
	if tr.QualityProcessNoise <= 0 || tr.QualityMeasurementNoise <= 0 {
		err = multierr.Append(err, invalidField("trajectory.quality_*_noise", "should be > 0"))
	}

	if cfg.Workers < 0 {
		err = multierr.Append(err, invalidField("workers", "should be >= 0, got %d", cfg.Workers))
	}
	return err
}

// LoadConfig reads configuration from JSON (.json) or YAML (.yaml, .yml) file.
// Fields missing in the file keep values of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrapf(err, "can't read config '%s'", path)
	}
	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return nil, errors.Errorf("unsupported config extension '%s'", ext)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "can't decode config '%s'", path)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
