package vo

import (
	"image"
	"image/draw"

	"github.com/pkg/errors"
)

// Frame is a grayscale image with its position in the sequence.
// Frame must not be modified once handed to Odometry.
type Frame struct {
	Index int
	Image *image.Gray
}

// NewFrame wraps image. Non-gray images are converted to grayscale copy.
func NewFrame(index int, img image.Image) *Frame {
	gray, ok := img.(*image.Gray)
	if !ok {
		bounds := img.Bounds()
		gray = image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	}
	return &Frame{
		Index: index,
		Image: gray,
	}
}

// Width returns frame width in pixels
func (frame *Frame) Width() int {
	if frame.Image == nil {
		return 0
	}
	return frame.Image.Bounds().Dx()
}

// Height returns frame height in pixels
func (frame *Frame) Height() int {
	if frame.Image == nil {
		return 0
	}
	return frame.Image.Bounds().Dy()
}

// FrameSource is an ordered indexable supplier of frames (dataset readers live outside of this package)
type FrameSource interface {
	Len() int
	Frame(i int) (*Frame, error)
}

// SliceSource is FrameSource over in-memory frames
type SliceSource []*Frame

// Len returns number of frames
func (src SliceSource) Len() int {
	return len(src)
}

// Frame returns i-th frame
func (src SliceSource) Frame(i int) (*Frame, error) {
	if i < 0 || i >= len(src) {
		return nil, errors.Errorf("frame %d is out of range [0, %d)", i, len(src))
	}
	return src[i], nil
}
