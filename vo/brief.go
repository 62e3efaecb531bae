package vo

import (
	"image"
	"math"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

// samplePairs are the point pairs compared by BRIEF test, relative to keypoint
type samplePairs struct {
	p0 [DescriptorBits]image.Point
	p1 [DescriptorBits]image.Point
}

// newSamplePairs draws isotropic gaussian pairs (sigma = patchSize/5) clipped to the patch.
// Same seed gives same pattern, so descriptors are comparable across runs.
func newSamplePairs(patchSize int, seed uint64) *samplePairs {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	half := float64(patchSize / 2)
	sigma := float64(patchSize) / 5.0
	sample := func() image.Point {
		x := math.Round(rng.NormFloat64() * sigma)
		y := math.Round(rng.NormFloat64() * sigma)
		x = math.Max(-half, math.Min(half, x))
		y = math.Max(-half, math.Min(half, y))
		return image.Point{X: int(x), Y: int(y)}
	}
	sp := samplePairs{}
	for i := 0; i < DescriptorBits; i++ {
		sp.p0[i] = sample()
		sp.p1[i] = sample()
		// Degenerate test would always give zero bit
		for sp.p1[i] == sp.p0[i] {
			sp.p1[i] = sample()
		}
	}
	return &sp
}

// smoothGray blurs image with gaussian kernel. Result has bounds starting at (0, 0).
func smoothGray(img *image.Gray, sigma float64) *image.Gray {
	bounds := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	if sigma <= 0 {
		for y := 0; y < bounds.Dy(); y++ {
			copy(out.Pix[y*out.Stride:y*out.Stride+bounds.Dx()], img.Pix[y*img.Stride:y*img.Stride+bounds.Dx()])
		}
		return out
	}
	blurred := imaging.Blur(img, sigma)
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			// Gray input gives R == G == B
			out.Pix[y*out.Stride+x] = blurred.Pix[y*blurred.Stride+x*4]
		}
	}
	return out
}

// computeBRIEF fills descriptors of keypoints using smoothed image.
// Keypoints must be at least patchSize/2 pixels away from the border.
func computeBRIEF(smoothed *image.Gray, sp *samplePairs, kps []Keypoint, workers int) {
	if len(kps) == 0 {
		return
	}
	chunks := minInt(workers, len(kps))
	chunkSize := (len(kps) + chunks - 1) / chunks
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for from := 0; from < len(kps); from += chunkSize {
		to := minInt(from+chunkSize, len(kps))
		g.Go(func() error {
			for k := from; k < to; k++ {
				x, y := int(kps[k].Point.X), int(kps[k].Point.Y)
				var desc Descriptor
				for i := 0; i < DescriptorBits; i++ {
					a := smoothed.Pix[(y+sp.p0[i].Y)*smoothed.Stride+x+sp.p0[i].X]
					b := smoothed.Pix[(y+sp.p1[i].Y)*smoothed.Stride+x+sp.p1[i].X]
					if a < b {
						desc.SetBit(i)
					}
				}
				kps[k].Descriptor = desc
			}
			return nil
		})
	}
	_ = g.Wait()
}
