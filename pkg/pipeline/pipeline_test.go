package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bodymeasure/pkg/bodylength"
	"github.com/menta2k/bodymeasure/pkg/calibration"
	"github.com/menta2k/bodymeasure/pkg/types"
)

type fakeSource struct {
	img image.Image
	err error
}

func (s fakeSource) Load(ctx context.Context, source string) (image.Image, error) {
	return s.img, s.err
}

type fakeDetector struct {
	set     types.DetectionSet
	err     error
	calls   atomic.Int32
	classID atomic.Int32
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image, classID int) (types.DetectionSet, error) {
	d.calls.Add(1)
	d.classID.Store(int32(classID))
	return d.set, d.err
}

type fakeKeypoints struct {
	pose  types.Pose
	err   error
	calls atomic.Int32
}

func (k *fakeKeypoints) Estimate(ctx context.Context, img image.Image) (types.Pose, error) {
	k.calls.Add(1)
	return k.pose, k.err
}

// fixedFinder always reports one circle of the given radius
type fixedFinder struct {
	radius float64
}

func (f fixedFinder) FindCircles(img image.Image) ([]types.Circle, error) {
	if f.radius == 0 {
		return nil, nil
	}
	b := img.Bounds()
	return []types.Circle{{X: float64(b.Dx()) / 2, Y: float64(b.Dy()) / 2, Radius: f.radius}}, nil
}

func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{120, 110, 100, 255})
		}
	}
	return img
}

func coinSet() types.DetectionSet {
	return types.DetectionSet{{Label: "coin", Box: types.Box{CenterX: 125, CenterY: 125, Width: 50, Height: 50}}}
}

func straightPose() types.Pose {
	return types.Pose{Skeleton: types.Skeleton{
		types.Nose:      {X: 200, Y: 50, Confidence: 0.9},
		types.LeftAnkle: {X: 200, Y: 450, Confidence: 0.9},
	}}
}

func newPipeline(t *testing.T, det *fakeDetector, kp *fakeKeypoints, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{
		WithCalibrator(calibration.NewWithConfig(calibration.Config{ReferenceDiameterCm: 2.7}, fixedFinder{radius: 24}, nil)),
		WithEstimator(bodylength.NewWithConfig(bodylength.Config{Mode: types.ModeDirect}, nil)),
		WithImageSource(fakeSource{img: createTestImage(400, 500)}),
	}
	p, err := New(det, kp, append(base, opts...)...)
	require.NoError(t, err)
	return p
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, &fakeKeypoints{})
	assert.Error(t, err)

	_, err = New(&fakeDetector{}, nil)
	assert.Error(t, err)

	p, err := New(&fakeDetector{}, &fakeKeypoints{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), p.config)
}

func TestRunWorkedExample(t *testing.T) {
	det := &fakeDetector{set: coinSet()}
	kp := &fakeKeypoints{pose: straightPose()}
	p := newPipeline(t, det, kp)

	m, err := p.Run(context.Background(), "baby.jpg")
	require.NoError(t, err)

	assert.Equal(t, 22.5, m.LengthCm)
	assert.InDelta(t, 0.05625, float64(m.Calibration.ScaleFactor), 1e-12)
	assert.Equal(t, types.SourceCircle, m.Calibration.Source)
	assert.Equal(t, types.ModeDirect, m.Mode)
	require.NotNil(t, m.Pose)
	assert.Equal(t, int32(1), det.calls.Load())
	assert.Equal(t, int32(1), kp.calls.Load())
}

func TestRunImageWorkedExampleDetectsCoin(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 500))
	for y := 0; y < 500; y++ {
		for x := 0; x < 400; x++ {
			dx, dy := float64(x)-125, float64(y)-125
			if dx*dx+dy*dy <= 24*24 {
				img.Set(x, y, color.RGBA{200, 170, 60, 255})
			} else {
				img.Set(x, y, color.RGBA{30, 30, 30, 255})
			}
		}
	}

	det := &fakeDetector{set: coinSet()}
	kp := &fakeKeypoints{pose: straightPose()}
	p, err := New(det, kp, WithEstimator(bodylength.NewWithConfig(bodylength.Config{Mode: types.ModeDirect}, nil)))
	require.NoError(t, err)

	m, err := p.RunImage(context.Background(), img)
	require.NoError(t, err)

	assert.Equal(t, types.SourceCircle, m.Calibration.Source)
	assert.InDelta(t, 48, m.Calibration.ReferencePixels, 1.2)
	assert.InDelta(t, 22.5, m.LengthCm, 0.45)
}

func TestRunEmptyDetectionSetStopsBeforeKeypoints(t *testing.T) {
	det := &fakeDetector{set: types.DetectionSet{}}
	kp := &fakeKeypoints{pose: straightPose()}
	p := newPipeline(t, det, kp)

	m, err := p.Run(context.Background(), "baby.jpg")
	assert.ErrorIs(t, err, types.ErrNoReferenceObjectDetected)
	assert.Equal(t, types.Measurement{}, m)
	assert.Zero(t, kp.calls.Load())
}

func TestRunPassesReferenceClass(t *testing.T) {
	det := &fakeDetector{set: coinSet()}
	p := newPipeline(t, det, &fakeKeypoints{pose: straightPose()}, WithConfig(Config{ReferenceClassID: 3, Precision: 2}))

	_, err := p.Run(context.Background(), "baby.jpg")
	require.NoError(t, err)
	assert.Equal(t, int32(3), det.classID.Load())
}

func TestRunSourceErrors(t *testing.T) {
	det := &fakeDetector{set: coinSet()}

	p := newPipeline(t, det, &fakeKeypoints{}, WithImageSource(fakeSource{err: errors.New("disk on fire")}))
	_, err := p.Run(context.Background(), "baby.jpg")
	assert.ErrorIs(t, err, types.ErrImageUnreadable)

	p = newPipeline(t, det, &fakeKeypoints{}, WithImageSource(fakeSource{}))
	_, err = p.Run(context.Background(), "baby.jpg")
	assert.ErrorIs(t, err, types.ErrImageUnreadable)

	p, err = New(det, &fakeKeypoints{})
	require.NoError(t, err)
	_, err = p.Run(context.Background(), "baby.jpg")
	assert.Error(t, err)

	assert.Zero(t, det.calls.Load())
}

func TestRunImageUnsupportedChannels(t *testing.T) {
	det := &fakeDetector{set: coinSet()}
	p := newPipeline(t, det, &fakeKeypoints{})

	_, err := p.RunImage(context.Background(), image.NewAlpha(image.Rect(0, 0, 100, 100)))
	assert.ErrorIs(t, err, types.ErrUnsupportedImageFormat)
	assert.Zero(t, det.calls.Load())
}

func TestRunImageGrayscale(t *testing.T) {
	det := &fakeDetector{set: coinSet()}
	p := newPipeline(t, det, &fakeKeypoints{pose: straightPose()})

	m, err := p.RunImage(context.Background(), image.NewGray(image.Rect(0, 0, 400, 500)))
	require.NoError(t, err)
	assert.Equal(t, 22.5, m.LengthCm)
}

func TestRunCollaboratorErrors(t *testing.T) {
	boom := errors.New("inference server down")

	det := &fakeDetector{err: boom}
	kp := &fakeKeypoints{}
	_, err := newPipeline(t, det, kp).Run(context.Background(), "baby.jpg")
	assert.ErrorIs(t, err, types.ErrCollaborator)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, kp.calls.Load())

	det = &fakeDetector{set: coinSet()}
	kp = &fakeKeypoints{err: boom}
	_, err = newPipeline(t, det, kp).Run(context.Background(), "baby.jpg")
	assert.ErrorIs(t, err, types.ErrCollaborator)
}

func TestRunIncompleteSkeleton(t *testing.T) {
	pose := straightPose()
	pose.Skeleton[types.LeftAnkle] = types.Keypoint{X: math.NaN(), Y: math.NaN()}

	_, err := newPipeline(t, &fakeDetector{set: coinSet()}, &fakeKeypoints{pose: pose}).Run(context.Background(), "baby.jpg")
	assert.ErrorIs(t, err, types.ErrIncompleteSkeleton)
}

func TestRunDegenerateReference(t *testing.T) {
	det := &fakeDetector{set: types.DetectionSet{{Box: types.Box{CenterX: 100, CenterY: 100, Width: 0, Height: 10}}}}
	kp := &fakeKeypoints{pose: straightPose()}

	_, err := newPipeline(t, det, kp).Run(context.Background(), "baby.jpg")
	assert.ErrorIs(t, err, types.ErrDegenerateReferenceSize)
	assert.Zero(t, kp.calls.Load())
}

func TestRunCanceledContext(t *testing.T) {
	det := &fakeDetector{set: coinSet()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newPipeline(t, det, &fakeKeypoints{}).Run(ctx, "baby.jpg")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, det.calls.Load())
}

func TestRunRoundsToPrecision(t *testing.T) {
	pose := types.Pose{Skeleton: types.Skeleton{
		types.Nose:      {X: 0, Y: 0},
		types.LeftAnkle: {X: 0, Y: 399.3},
	}}
	det := &fakeDetector{set: coinSet()}

	m, err := newPipeline(t, det, &fakeKeypoints{pose: pose}).Run(context.Background(), "baby.jpg")
	require.NoError(t, err)
	assert.Equal(t, 22.46, m.LengthCm)

	m, err = newPipeline(t, det, &fakeKeypoints{pose: pose}, WithConfig(Config{Precision: 0})).Run(context.Background(), "baby.jpg")
	require.NoError(t, err)
	assert.Equal(t, 22.0, m.LengthCm)
}

func TestRunConcurrent(t *testing.T) {
	det := &fakeDetector{set: coinSet()}
	kp := &fakeKeypoints{pose: straightPose()}
	p := newPipeline(t, det, kp)

	var wg sync.WaitGroup
	results := make([]float64, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := p.Run(context.Background(), "baby.jpg")
			if err == nil {
				results[i] = m.LengthCm
			}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, 22.5, r)
	}
	assert.Equal(t, int32(8), det.calls.Load())
}

func TestRound(t *testing.T) {
	tests := []struct {
		v         float64
		precision int
		want      float64
	}{
		{22.456, 2, 22.46},
		{22.454, 2, 22.45},
		{22.5, 0, 23},
		{1.23456, -1, 1.23456},
		{-3.14159, 3, -3.142},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Round(tt.v, tt.precision))
	}
}

func TestRunCollaboratorMeasurementErrorPassesThrough(t *testing.T) {
	kp := &fakeKeypoints{err: fmt.Errorf("%w: no person found", types.ErrIncompleteSkeleton)}

	_, err := newPipeline(t, &fakeDetector{set: coinSet()}, kp).Run(context.Background(), "baby.jpg")
	assert.ErrorIs(t, err, types.ErrIncompleteSkeleton)
	assert.NotErrorIs(t, err, types.ErrCollaborator)
}
