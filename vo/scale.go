package vo

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// ScaleReference supplies metric distance travelled between two frames (e.g. from ground truth).
// Second return value is false when reference has no data for the pair.
type ScaleReference interface {
	Scale(from, to int) (float64, bool)
}

// ScaleReferenceFunc is an adapter to allow the use of ordinary functions as ScaleReference
type ScaleReferenceFunc func(from, to int) (float64, bool)

// Scale calls f(from, to)
func (f ScaleReferenceFunc) Scale(from, to int) (float64, bool) {
	return f(from, to)
}

// ScaleResolver assigns metric length to the unit translation of relative pose.
// It is stateful: the last accepted scale is the fallback for unreliable estimates.
type ScaleResolver struct {
	cfg       ScaleConfig
	seed      uint64
	reference ScaleReference
	ground    *groundPlaneFitter
	previous  float64
}

// NewScaleResolver creates resolver. Reference is used only in ScaleModeReference.
func NewScaleResolver(cfg ScaleConfig, seed uint64, reference ScaleReference) *ScaleResolver {
	return &ScaleResolver{
		cfg:       cfg,
		seed:      seed,
		reference: reference,
		ground:    newGroundPlaneFitter(cfg),
		previous:  cfg.InitialScale,
	}
}

// Previous returns the last accepted scale
func (sr *ScaleResolver) Previous() float64 {
	return sr.previous
}

// Resolve returns positive scale for motion from frame `from` to frame `to`.
// When estimate is unreliable previous scale is returned together with ErrScaleEstimateDegraded.
func (sr *ScaleResolver) Resolve(est *PoseEstimate, from, to int) (float64, error) {
	scale, err := sr.estimate(est, from, to)
	if err == nil {
		switch {
		case !isFinite(scale):
			err = errors.Errorf("non-finite scale %v", scale)
		case scale <= 0:
			err = errors.Errorf("non-positive scale %v", scale)
		case scale > sr.cfg.MaxScale:
			err = errors.Errorf("scale %v exceeds %v", scale, sr.cfg.MaxScale)
		}
	}
	if err != nil {
		return sr.previous, errors.Wrapf(ErrScaleEstimateDegraded, "frames %d->%d, keeping %v: %v", from, to, sr.previous, err)
	}
	sr.previous = scale
	return scale, nil
}

func (sr *ScaleResolver) estimate(est *PoseEstimate, from, to int) (float64, error) {
	switch sr.cfg.Mode {
	case ScaleModeGroundPlane:
		if est == nil {
			return 0, errors.New("no pose estimate")
		}
		rng := rand.New(rand.NewPCG(sr.seed, uint64(to)))
		plane, _, err := sr.ground.fit(rng, est.Points)
		if err != nil {
			return 0, err
		}
		return sr.cfg.CameraHeight / plane.Height(), nil
	case ScaleModeConstantSpeed:
		return sr.cfg.Speed * sr.cfg.FrameInterval * float64(to-from), nil
	case ScaleModeReference:
		if sr.reference == nil {
			return 0, errors.New("no scale reference supplied")
		}
		scale, ok := sr.reference.Scale(from, to)
		if !ok {
			return 0, errors.Errorf("reference has no scale for frames %d->%d", from, to)
		}
		return scale, nil
	default:
		return 0, errors.Errorf("unknown scale mode '%s'", sr.cfg.Mode)
	}
}
