package vo

import (
	"image"

	"golang.org/x/sync/errgroup"
)

// circleOffsets is the Bresenham circle of radius 3 used by FAST, clockwise starting from the top
var circleOffsets = [16]image.Point{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// fastDetector runs FAST segment test
type fastDetector struct {
	threshold float64
	arc       int
	margin    int
	workers   int
}

// detect returns corner candidates in row-major order.
// Coordinates are relative to img.Bounds().Min.
func (fd *fastDetector) detect(img *image.Gray) []cornerCandidate {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	margin := maxInt(fd.margin, 3)
	rowStart, rowEnd := margin, h-margin
	if rowEnd <= rowStart || w-margin <= margin {
		return nil
	}
	bands := fd.workers
	rows := rowEnd - rowStart
	if bands > rows {
		bands = rows
	}
	bandSize := (rows + bands - 1) / bands
	perBand := make([][]cornerCandidate, bands)

	g := new(errgroup.Group)
	g.SetLimit(fd.workers)
	for b := 0; b < bands; b++ {
		from := rowStart + b*bandSize
		to := minInt(from+bandSize, rowEnd)
		g.Go(func() error {
			found := make([]cornerCandidate, 0)
			for y := from; y < to; y++ {
				for x := margin; x < w-margin; x++ {
					if score, ok := fd.segmentTest(img, x, y); ok {
						found = append(found, cornerCandidate{x: x, y: y, score: score})
					}
				}
			}
			perBand[b] = found
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, band := range perBand {
		total += len(band)
	}
	corners := make([]cornerCandidate, 0, total)
	for _, band := range perBand {
		corners = append(corners, band...)
	}
	return corners
}

// segmentTest checks whether a contiguous arc of circle pixels is brighter or darker than the center.
// Score is the sum of absolute differences above threshold over the winning class.
func (fd *fastDetector) segmentTest(img *image.Gray, x, y int) (float64, bool) {
	center := float64(img.Pix[y*img.Stride+x])
	hi := center + fd.threshold
	lo := center - fd.threshold

	var values [16]float64
	var classes [16]int8
	for i, off := range circleOffsets {
		v := float64(img.Pix[(y+off.Y)*img.Stride+x+off.X])
		values[i] = v
		switch {
		case v > hi:
			classes[i] = 1
		case v < lo:
			classes[i] = -1
		}
	}

	// High-speed rejection: an arc of 9 or more always covers two of the compass pixels
	brighter, darker := 0, 0
	for i := 0; i < 16; i += 4 {
		switch classes[i] {
		case 1:
			brighter++
		case -1:
			darker++
		}
	}
	if brighter < 2 && darker < 2 {
		return 0, false
	}

	for _, class := range [2]int8{1, -1} {
		if longestRun(classes, class) < fd.arc {
			continue
		}
		score := 0.0
		for i := range values {
			if classes[i] != class {
				continue
			}
			if class == 1 {
				score += values[i] - hi
			} else {
				score += lo - values[i]
			}
		}
		return score, true
	}
	return 0, false
}

// longestRun returns the longest circular run of class in classes
func longestRun(classes [16]int8, class int8) int {
	best, current := 0, 0
	// Walk twice around the circle to handle wrap-around
	for i := 0; i < 32; i++ {
		if classes[i%16] == class {
			current++
			if current > best {
				best = current
			}
		} else {
			current = 0
		}
	}
	if best > 16 {
		best = 16
	}
	return best
}
