package vo

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CameraIntrinsics holds pinhole calibration of the camera. Width and Height are optional:
// zero means that frame size is not checked.
type CameraIntrinsics struct {
	Fx     float64 `json:"fx" yaml:"fx"`
	Fy     float64 `json:"fy" yaml:"fy"`
	Cx     float64 `json:"cx" yaml:"cx"`
	Cy     float64 `json:"cy" yaml:"cy"`
	Width  int     `json:"width_px" yaml:"width_px"`
	Height int     `json:"height_px" yaml:"height_px"`
}

// Validate checks that intrinsics describe a usable pinhole camera
func (in CameraIntrinsics) Validate() error {
	if !isFinite(in.Fx) || in.Fx <= 0 {
		return errors.Wrapf(ErrInvalidIntrinsics, "focal length fx = %v", in.Fx)
	}
	if !isFinite(in.Fy) || in.Fy <= 0 {
		return errors.Wrapf(ErrInvalidIntrinsics, "focal length fy = %v", in.Fy)
	}
	if !isFinite(in.Cx) || !isFinite(in.Cy) {
		return errors.Wrapf(ErrInvalidIntrinsics, "principal point (%v, %v)", in.Cx, in.Cy)
	}
	if in.Width < 0 || in.Height < 0 {
		return errors.Wrapf(ErrInvalidIntrinsics, "image size (%d, %d)", in.Width, in.Height)
	}
	return nil
}

// Camera is immutable pinhole camera model
type Camera struct {
	intrinsics CameraIntrinsics
}

// NewCamera creates camera model. Returns ErrInvalidIntrinsics for unusable calibration.
func NewCamera(intrinsics CameraIntrinsics) (*Camera, error) {
	if err := intrinsics.Validate(); err != nil {
		return nil, err
	}
	return &Camera{intrinsics: intrinsics}, nil
}

// Intrinsics returns copy of calibration
func (cam *Camera) Intrinsics() CameraIntrinsics {
	return cam.intrinsics
}

// Normalize maps pixel to the camera ray (x, y, 1) on the normalized image plane
func (cam *Camera) Normalize(p Point) r3.Vector {
	return r3.Vector{
		X: (p.X - cam.intrinsics.Cx) / cam.intrinsics.Fx,
		Y: (p.Y - cam.intrinsics.Cy) / cam.intrinsics.Fy,
		Z: 1,
	}
}

// Denormalize maps ray back to pixel coordinates. Ray is intersected with plane Z=1 first.
func (cam *Camera) Denormalize(ray r3.Vector) Point {
	x, y := ray.X, ray.Y
	if ray.Z != 0 && ray.Z != 1 {
		x /= ray.Z
		y /= ray.Z
	}
	return Point{
		X: x*cam.intrinsics.Fx + cam.intrinsics.Cx,
		Y: y*cam.intrinsics.Fy + cam.intrinsics.Cy,
	}
}

// Project projects point given in camera coordinates. Returns false for points behind the camera.
func (cam *Camera) Project(point r3.Vector) (Point, bool) {
	if point.Z <= 0 {
		return Point{}, false
	}
	return cam.Denormalize(point), true
}

// Contains reports whether pixel lies inside image bounds. Always true when size is unknown.
func (cam *Camera) Contains(p Point) bool {
	if cam.intrinsics.Width == 0 || cam.intrinsics.Height == 0 {
		return true
	}
	return p.X >= 0 && p.Y >= 0 && p.X < float64(cam.intrinsics.Width) && p.Y < float64(cam.intrinsics.Height)
}

// FocalLength returns mean focal length in pixels
func (cam *Camera) FocalLength() float64 {
	return (cam.intrinsics.Fx + cam.intrinsics.Fy) / 2.0
}

// PixelThreshold converts distance in pixels to distance on the normalized image plane
func (cam *Camera) PixelThreshold(px float64) float64 {
	return px / cam.FocalLength()
}

// CameraMatrix returns K
func (cam *Camera) CameraMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		cam.intrinsics.Fx, 0, cam.intrinsics.Cx,
		0, cam.intrinsics.Fy, cam.intrinsics.Cy,
		0, 0, 1,
	})
}
