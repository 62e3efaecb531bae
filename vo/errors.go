package vo

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidIntrinsics is returned when camera calibration can't be used (e.g. focal length <= 0). Fatal.
	ErrInvalidIntrinsics = errors.New("invalid camera intrinsics")
	// ErrInvalidConfig is returned when configuration does not pass validation. Fatal.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInsufficientFeatures is returned when frame has not enough keypoints. Recoverable.
	ErrInsufficientFeatures = errors.New("insufficient features")
	// ErrTrackingFailure is returned when not enough correspondences survived matching. Recoverable.
	ErrTrackingFailure = errors.New("tracking failure")
	// ErrDegenerateConfiguration is returned when relative pose can't be recovered from correspondences. Recoverable.
	ErrDegenerateConfiguration = errors.New("degenerate configuration")
	// ErrScaleEstimateDegraded is returned when scale fell back to the previous value. Recoverable.
	ErrScaleEstimateDegraded = errors.New("scale estimate degraded")
	// ErrConsecutiveFailureLimitExceeded is returned when too many steps in a row failed. Fatal.
	ErrConsecutiveFailureLimitExceeded = errors.New("consecutive failure limit exceeded")
	// ErrOdometryFailed is returned by Process once odometry reached FAILED state.
	ErrOdometryFailed = errors.New("odometry is in failed state")
	// ErrFrameOrder is returned when frame index does not increase.
	ErrFrameOrder = errors.New("frame index must increase monotonically")
)

// IsRecoverable reports whether err (e.g. StepReport.Err) is one of per-step conditions absorbed by DEGRADED state
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInsufficientFeatures) ||
		errors.Is(err, ErrTrackingFailure) ||
		errors.Is(err, ErrDegenerateConfiguration) ||
		errors.Is(err, ErrScaleEstimateDegraded)
}
