package vo

import (
	"math/bits"
)

// DescriptorBits is the length of BRIEF descriptor
const DescriptorBits = 256

// Descriptor is binary appearance descriptor of a keypoint.
// Bits are packed into uint64 words.
type Descriptor [DescriptorBits / 64]uint64

// SetBit sets i-th bit of descriptor
func (d *Descriptor) SetBit(i int) {
	d[i/64] |= 1 << uint(i%64)
}

// Bit returns i-th bit of descriptor
func (d Descriptor) Bit(i int) bool {
	return d[i/64]&(1<<uint(i%64)) != 0
}

// HammingDistance returns number of different bits between two descriptors
func HammingDistance(a, b Descriptor) int {
	dist := 0
	for i := range a {
		dist += bits.OnesCount64(a[i] ^ b[i])
	}
	return dist
}

// Keypoint is salient image location with its appearance descriptor
type Keypoint struct {
	// Index of the frame keypoint belongs to
	Frame int
	// Pixel location
	Point Point
	// Detector response. Bigger is stronger
	Response float64
	// Appearance
	Descriptor Descriptor
}

