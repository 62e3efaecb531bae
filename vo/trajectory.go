package vo

import (
	"github.com/golang/geo/r3"
)

// Pose is camera-to-world transform of a frame: X_world = Rotation*X_camera + Translation.
// World frame is the camera frame of the first processed frame.
type Pose struct {
	Index       int
	Rotation    Matrix3
	Translation r3.Vector
}

// IdentityPose returns pose of the first frame
func IdentityPose(index int) Pose {
	return Pose{
		Index:       index,
		Rotation:    Identity3(),
		Translation: r3.Vector{},
	}
}

// Compose applies relative motion (already scaled) to the pose.
// Rotation is re-orthonormalized when accumulated error exceeds tolerance.
func (p Pose) Compose(index int, rel RelativePose) Pose {
	rotation := p.Rotation.Mul(rel.Rotation)
	if rotation.OrthonormalityError() > orthonormalityTolerance {
		if fixed, ok := rotation.Orthonormalize(); ok {
			rotation = fixed
		}
	}
	return Pose{
		Index:       index,
		Rotation:    rotation,
		Translation: p.Translation.Add(p.Rotation.MulVec(rel.Translation)),
	}
}

// Relative returns motion from p to other expressed in p's camera frame (inverse of Compose)
func (p Pose) Relative(other Pose) RelativePose {
	rt := p.Rotation.T()
	return RelativePose{
		Rotation:    rt.Mul(other.Rotation),
		Translation: rt.MulVec(other.Translation.Sub(p.Translation)),
	}
}

// orthonormalityTolerance is max ||R^T*R - I|| of accumulated rotation
const orthonormalityTolerance = 1e-9

// Trajectory is append-only sequence of poses ordered by frame index
type Trajectory struct {
	poses []Pose
}

// NewTrajectory creates empty trajectory
func NewTrajectory() *Trajectory {
	return &Trajectory{
		poses: make([]Pose, 0),
	}
}

// Append adds pose to the end of trajectory
func (tr *Trajectory) Append(pose Pose) {
	tr.poses = append(tr.poses, pose)
}

// Len returns number of poses
func (tr *Trajectory) Len() int {
	return len(tr.poses)
}

// Last returns the most recent pose. False for empty trajectory
func (tr *Trajectory) Last() (Pose, bool) {
	if len(tr.poses) == 0 {
		return Pose{}, false
	}
	return tr.poses[len(tr.poses)-1], true
}

// Poses returns copy of poses
func (tr *Trajectory) Poses() []Pose {
	out := make([]Pose, len(tr.poses))
	copy(out, tr.poses)
	return out
}
