package vo

import (
	"image"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// syntheticScene is a set of 3D landmarks observed by a moving camera with known poses.
// World frame is the camera frame of pose 0 (X right, Y down, Z forward).
type syntheticScene struct {
	camera      *Camera
	landmarks   []r3.Vector
	descriptors []Descriptor
	poses       []Pose
}

func newSyntheticScene(t *testing.T, seed uint64, n int) *syntheticScene {
	t.Helper()
	cam, err := NewCamera(kittiIntrinsics())
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	scene := &syntheticScene{
		camera:      cam,
		landmarks:   make([]r3.Vector, n),
		descriptors: make([]Descriptor, n),
	}
	for i := 0; i < n; i++ {
		scene.landmarks[i] = r3.Vector{
			X: -15 + 30*rng.Float64(),
			Y: -3 + 6*rng.Float64(),
			Z: 20 + 40*rng.Float64(),
		}
		scene.descriptors[i] = randomDescriptor(rng)
	}
	return scene
}

// straightPoses moves camera centre by step meters per frame along fixed direction while the heading turns by yaw per frame
func straightPoses(frames int, step, yaw float64) []Pose {
	direction := r3.Vector{X: 0.1, Y: 0, Z: 1}.Normalize()
	poses := make([]Pose, frames)
	for k := range poses {
		poses[k] = Pose{
			Index:       k,
			Rotation:    RotationY(yaw * float64(k)),
			Translation: direction.Mul(step * float64(k)),
		}
	}
	return poses
}

// observe projects landmarks into camera with given pose. Returns pixel and landmark index of visible ones.
func (scene *syntheticScene) observe(pose Pose) ([]Point, []int) {
	rt := pose.Rotation.T()
	pixels := make([]Point, 0, len(scene.landmarks))
	ids := make([]int, 0, len(scene.landmarks))
	for i, landmark := range scene.landmarks {
		local := rt.MulVec(landmark.Sub(pose.Translation))
		px, ok := scene.camera.Project(local)
		if !ok || !scene.camera.Contains(px) {
			continue
		}
		pixels = append(pixels, px)
		ids = append(ids, i)
	}
	return pixels, ids
}

// correspondences returns noise-free matches between two poses
func (scene *syntheticScene) correspondences(a, b Pose) []Correspondence {
	pxA, idsA := scene.observe(a)
	pxB, idsB := scene.observe(b)
	inB := make(map[int]int, len(idsB))
	for k, id := range idsB {
		inB[id] = k
	}
	corrs := make([]Correspondence, 0, len(idsA))
	for k, id := range idsA {
		j, ok := inB[id]
		if !ok {
			continue
		}
		corrs = append(corrs, Correspondence{PrevIdx: k, CurrIdx: j, Prev: pxA[k], Curr: pxB[j]})
	}
	return corrs
}

// sceneExtractor emulates feature extraction on frames of syntheticScene: frame index selects the pose.
// Frames listed in blank produce no keypoints. In unstable frames only every tenth landmark keeps its descriptor,
// the others get descriptors unique to the frame.
type sceneExtractor struct {
	scene    *syntheticScene
	blank    map[int]bool
	unstable map[int]bool
}

func (ex *sceneExtractor) Extract(frame *Frame) ([]Keypoint, error) {
	if ex.blank[frame.Index] || frame.Index >= len(ex.scene.poses) {
		return nil, errors.Wrapf(ErrInsufficientFeatures, "frame %d is blank", frame.Index)
	}
	pixels, ids := ex.scene.observe(ex.scene.poses[frame.Index])
	kps := make([]Keypoint, len(pixels))
	for k := range pixels {
		descriptor := ex.scene.descriptors[ids[k]]
		if ex.unstable[frame.Index] && ids[k]%10 != 0 {
			descriptor = randomDescriptor(rand.New(rand.NewPCG(uint64(frame.Index), uint64(ids[k]))))
		}
		kps[k] = Keypoint{
			Frame:      frame.Index,
			Point:      pixels[k],
			Response:   1,
			Descriptor: descriptor,
		}
	}
	return kps, nil
}

// syntheticFrames returns frames with placeholder images, content is produced by sceneExtractor
func syntheticFrames(n int) SliceSource {
	frames := make(SliceSource, n)
	for i := range frames {
		frames[i] = NewFrame(i, image.NewGray(image.Rect(0, 0, 8, 8)))
	}
	return frames
}

// renderFrame draws every visible landmark as a square of random texture (unique per landmark) on gray background
func (scene *syntheticScene) renderFrame(pose Pose, size int) *image.Gray {
	intr := scene.camera.Intrinsics()
	img := image.NewGray(image.Rect(0, 0, intr.Width, intr.Height))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	pixels, ids := scene.observe(pose)
	for k := range pixels {
		rng := rand.New(rand.NewPCG(7, uint64(ids[k])))
		x0 := int(math.Floor(pixels[k].X+0.5)) - size/2
		y0 := int(math.Floor(pixels[k].Y+0.5)) - size/2
		for dy := 0; dy < size; dy++ {
			for dx := 0; dx < size; dx++ {
				value := uint8(rng.IntN(256))
				x, y := x0+dx, y0+dy
				if x < 0 || y < 0 || x >= intr.Width || y >= intr.Height {
					continue
				}
				img.Pix[y*img.Stride+x] = value
			}
		}
	}
	return img
}
