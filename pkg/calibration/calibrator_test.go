package calibration

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bodymeasure/pkg/cropper"
	"github.com/menta2k/bodymeasure/pkg/types"
	"github.com/menta2k/bodymeasure/pkg/vision"
)

// stubFinder returns fixed circles and records the crops it was given
type stubFinder struct {
	circles []types.Circle
	err     error
	crops   []image.Rectangle
}

func (f *stubFinder) FindCircles(img image.Image) ([]types.Circle, error) {
	f.crops = append(f.crops, img.Bounds())
	return f.circles, f.err
}

// marginFinder is a stubFinder that asks for context around the reference box
type marginFinder struct {
	stubFinder
	margin int
}

func (f *marginFinder) Margin() int { return f.margin }

// createCoinImage draws a filled coin on a dark background
func createCoinImage(width, height int, cx, cy, r float64) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy <= r*r {
				img.Set(x, y, color.RGBA{200, 170, 60, 255})
			} else {
				img.Set(x, y, color.RGBA{30, 30, 30, 255})
			}
		}
	}
	return img
}

func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{90, 90, 90, 255})
		}
	}
	return img
}

func newCalibrator(finder vision.CircleFinder) *Calibrator {
	return NewWithConfig(Config{ReferenceDiameterCm: DefaultReferenceDiameterCm}, finder, nil)
}

func TestCalibrateEmptySet(t *testing.T) {
	c := newCalibrator(&stubFinder{})

	_, err := c.Calibrate(createTestImage(100, 100), nil)
	assert.ErrorIs(t, err, types.ErrNoReferenceObjectDetected)

	_, err = c.Calibrate(createTestImage(100, 100), types.DetectionSet{})
	assert.ErrorIs(t, err, types.ErrNoReferenceObjectDetected)
}

func TestCalibrateWorkedExample(t *testing.T) {
	finder := &stubFinder{circles: []types.Circle{{X: 25, Y: 25, Radius: 24}}}
	c := newCalibrator(finder)

	set := types.DetectionSet{{Box: types.Box{CenterX: 125, CenterY: 125, Width: 50, Height: 50}}}
	result, err := c.Calibrate(createTestImage(400, 500), set)
	require.NoError(t, err)

	assert.Equal(t, types.SourceCircle, result.Source)
	assert.Equal(t, 48.0, result.ReferencePixels)
	assert.InDelta(t, 0.05625, float64(result.ScaleFactor), 1e-12)
	assert.Equal(t, image.Rect(100, 100, 150, 150), result.Crop)

	// circle is reported in full image coordinates
	require.NotNil(t, result.Circle)
	assert.Equal(t, 125.0, result.Circle.X)
	assert.Equal(t, 125.0, result.Circle.Y)

	require.Len(t, finder.crops, 1)
	assert.Equal(t, 50, finder.crops[0].Dx())
}

func TestCalibrateFirstCircleWins(t *testing.T) {
	finder := &stubFinder{circles: []types.Circle{{Radius: 10}, {Radius: 20}}}
	c := newCalibrator(finder)

	set := types.DetectionSet{{Box: types.Box{CenterX: 50, CenterY: 50, Width: 40, Height: 40}}}
	result, err := c.Calibrate(createTestImage(100, 100), set)
	require.NoError(t, err)
	assert.Equal(t, 20.0, result.ReferencePixels)
}

func TestCalibrateSelectsSmallestArea(t *testing.T) {
	c := newCalibrator(&stubFinder{})

	set := types.DetectionSet{
		{Label: "bowl", Confidence: 0.9, Box: types.Box{CenterX: 200, CenterY: 200, Width: 120, Height: 100}},
		{Label: "coin", Confidence: 0.3, Box: types.Box{CenterX: 50, CenterY: 50, Width: 30, Height: 36}},
		{Label: "cup", Confidence: 0.8, Box: types.Box{CenterX: 300, CenterY: 100, Width: 40, Height: 40}},
	}
	result, err := c.Calibrate(createTestImage(400, 400), set)
	require.NoError(t, err)

	assert.Equal(t, "coin", result.Reference.Label)
	assert.Equal(t, types.SourceBoundingBox, result.Source)
	assert.Equal(t, 30.0, result.ReferencePixels)
	assert.InDelta(t, 2.7/30, float64(result.ScaleFactor), 1e-12)
}

func TestCalibrateTieKeepsFirst(t *testing.T) {
	c := newCalibrator(&stubFinder{})

	set := types.DetectionSet{
		{Label: "first", Box: types.Box{CenterX: 50, CenterY: 50, Width: 20, Height: 50}},
		{Label: "second", Box: types.Box{CenterX: 150, CenterY: 150, Width: 50, Height: 20}},
	}
	result, err := c.Calibrate(createTestImage(300, 300), set)
	require.NoError(t, err)
	assert.Equal(t, "first", result.Reference.Label)
}

func TestCalibrateSkipsNaNBox(t *testing.T) {
	c := newCalibrator(&stubFinder{})

	set := types.DetectionSet{
		{Label: "broken", Box: types.Box{CenterX: 50, CenterY: 50, Width: math.NaN(), Height: 20}},
		{Label: "coin", Box: types.Box{CenterX: 100, CenterY: 100, Width: 30, Height: 30}},
	}
	result, err := c.Calibrate(createTestImage(200, 200), set)
	require.NoError(t, err)
	assert.Equal(t, "coin", result.Reference.Label)
	assert.Equal(t, 30.0, result.ReferencePixels)
}

func TestCalibrateFallbackUsesMinSide(t *testing.T) {
	c := newCalibrator(&stubFinder{})

	set := types.DetectionSet{{Box: types.Box{CenterX: 60, CenterY: 60, Width: 45, Height: 54}}}
	result, err := c.Calibrate(createTestImage(200, 200), set)
	require.NoError(t, err)

	assert.Nil(t, result.Circle)
	assert.Equal(t, 45.0, result.ReferencePixels)
	assert.InDelta(t, 0.06, float64(result.ScaleFactor), 1e-12)
}

func TestCalibrateDegenerateBox(t *testing.T) {
	c := newCalibrator(&stubFinder{})

	set := types.DetectionSet{{Box: types.Box{CenterX: 60, CenterY: 60, Width: 0, Height: 30}}}
	_, err := c.Calibrate(createTestImage(200, 200), set)
	assert.ErrorIs(t, err, types.ErrDegenerateReferenceSize)
}

func TestCalibrateZeroRadiusCircle(t *testing.T) {
	c := newCalibrator(&stubFinder{circles: []types.Circle{{Radius: 0}}})

	set := types.DetectionSet{{Box: types.Box{CenterX: 60, CenterY: 60, Width: 30, Height: 30}}}
	_, err := c.Calibrate(createTestImage(200, 200), set)
	assert.ErrorIs(t, err, types.ErrDegenerateReferenceSize)
}

func TestCalibrateOutsideImage(t *testing.T) {
	c := newCalibrator(&stubFinder{})

	set := types.DetectionSet{{Box: types.Box{CenterX: 900, CenterY: 900, Width: 30, Height: 30}}}
	_, err := c.Calibrate(createTestImage(200, 200), set)
	assert.ErrorIs(t, err, types.ErrReferenceOutsideImage)
}

func TestCalibrateStrictCropPolicy(t *testing.T) {
	cfg := Config{
		ReferenceDiameterCm: DefaultReferenceDiameterCm,
		Crop:                cropper.CropConfig{Policy: cropper.PolicyStrict},
	}
	c := NewWithConfig(cfg, &stubFinder{}, nil)

	set := types.DetectionSet{{Box: types.Box{CenterX: 5, CenterY: 5, Width: 30, Height: 30}}}
	_, err := c.Calibrate(createTestImage(200, 200), set)
	assert.ErrorIs(t, err, types.ErrReferenceOutsideImage)
}

func TestCalibrateFinderError(t *testing.T) {
	boom := errors.New("boom")
	c := newCalibrator(&stubFinder{err: boom})

	set := types.DetectionSet{{Box: types.Box{CenterX: 60, CenterY: 60, Width: 30, Height: 30}}}
	_, err := c.Calibrate(createTestImage(200, 200), set)
	assert.ErrorIs(t, err, boom)
}

func TestCalibrateCustomReferenceDiameter(t *testing.T) {
	cfg := Config{ReferenceDiameterCm: 2.4}
	c := NewWithConfig(cfg, &stubFinder{circles: []types.Circle{{Radius: 20}}}, nil)

	set := types.DetectionSet{{Box: types.Box{CenterX: 60, CenterY: 60, Width: 45, Height: 45}}}
	result, err := c.Calibrate(createTestImage(200, 200), set)
	require.NoError(t, err)
	assert.InDelta(t, 0.06, float64(result.ScaleFactor), 1e-12)
}

func TestCalibrateWithHoughDetector(t *testing.T) {
	cx, cy, r := 150.0, 120.0, 30.0
	img := createCoinImage(300, 300, cx, cy, r)

	c := New()
	set := types.DetectionSet{{Box: types.Box{CenterX: cx, CenterY: cy, Width: 80, Height: 80}}}
	result, err := c.Calibrate(img, set)
	require.NoError(t, err)

	assert.Equal(t, types.SourceCircle, result.Source)
	assert.InDelta(t, 2*r, result.ReferencePixels, 4)
	require.NotNil(t, result.Circle)
	assert.InDelta(t, cx, result.Circle.X, 2)
	assert.InDelta(t, cy, result.Circle.Y, 2)
}

func TestCalibrateTightBoxFindsCircle(t *testing.T) {
	tests := []struct {
		radius float64
		margin float64
	}{
		{10, 1},
		{15, 2},
		{24, 1},
		{40, 2},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("r%.0f_margin%.0f", tt.radius, tt.margin), func(t *testing.T) {
			cx, cy := 150.0, 140.0
			img := createCoinImage(300, 300, cx, cy, tt.radius)
			side := 2 * (tt.radius + tt.margin)
			set := types.DetectionSet{{Box: types.Box{CenterX: cx, CenterY: cy, Width: side, Height: side}}}

			result, err := New().Calibrate(img, set)
			require.NoError(t, err)

			assert.Equal(t, types.SourceCircle, result.Source)
			assert.InDelta(t, 2*tt.radius, result.ReferencePixels, 2)
			require.NotNil(t, result.Circle)
			assert.InDelta(t, cx, result.Circle.X, 2)
			assert.InDelta(t, cy, result.Circle.Y, 2)
		})
	}
}

func TestCalibrateWorkedExampleDetected(t *testing.T) {
	img := createCoinImage(400, 500, 125, 125, 24)
	set := types.DetectionSet{{Box: types.Box{CenterX: 125, CenterY: 125, Width: 50, Height: 50}}}

	result, err := New().Calibrate(img, set)
	require.NoError(t, err)

	assert.Equal(t, types.SourceCircle, result.Source)
	assert.InDelta(t, 48, result.ReferencePixels, 2)
	assert.InDelta(t, 0.05625, float64(result.ScaleFactor), 0.0015)
	assert.Equal(t, image.Rect(100, 100, 150, 150), result.Crop)
}

func TestCalibrateSearchesWithMargin(t *testing.T) {
	finder := &marginFinder{margin: 10}
	// relative to the search region (90,90)-(160,160): the first circle is centered
	// outside the reference box and is skipped
	finder.circles = []types.Circle{{X: 3, Y: 3, Radius: 5}, {X: 35, Y: 35, Radius: 24}}
	c := newCalibrator(finder)

	set := types.DetectionSet{{Box: types.Box{CenterX: 125, CenterY: 125, Width: 50, Height: 50}}}
	result, err := c.Calibrate(createTestImage(400, 500), set)
	require.NoError(t, err)

	require.Len(t, finder.crops, 1)
	assert.Equal(t, 70, finder.crops[0].Dx())
	assert.Equal(t, 70, finder.crops[0].Dy())

	assert.Equal(t, image.Rect(100, 100, 150, 150), result.Crop)
	assert.Equal(t, types.SourceCircle, result.Source)
	assert.Equal(t, 48.0, result.ReferencePixels)
	require.NotNil(t, result.Circle)
	assert.Equal(t, 125.0, result.Circle.X)
	assert.Equal(t, 125.0, result.Circle.Y)
}

func TestCalibrateSearchMarginClampedToImage(t *testing.T) {
	finder := &marginFinder{margin: 10}
	c := newCalibrator(finder)

	set := types.DetectionSet{{Box: types.Box{CenterX: 20, CenterY: 20, Width: 30, Height: 30}}}
	result, err := c.Calibrate(createTestImage(200, 200), set)
	require.NoError(t, err)

	require.Len(t, finder.crops, 1)
	assert.Equal(t, 45, finder.crops[0].Dx())
	assert.Equal(t, types.SourceBoundingBox, result.Source)
	assert.Equal(t, 30.0, result.ReferencePixels)
}

func TestCalibrateCircleOutsideBoxFallsBack(t *testing.T) {
	finder := &marginFinder{margin: 10, stubFinder: stubFinder{circles: []types.Circle{{X: 1, Y: 1, Radius: 8}}}}
	c := newCalibrator(finder)

	set := types.DetectionSet{{Box: types.Box{CenterX: 60, CenterY: 60, Width: 40, Height: 40}}}
	result, err := c.Calibrate(createTestImage(200, 200), set)
	require.NoError(t, err)

	assert.Nil(t, result.Circle)
	assert.Equal(t, types.SourceBoundingBox, result.Source)
	assert.Equal(t, 40.0, result.ReferencePixels)
}

func TestScaleFactor(t *testing.T) {
	tests := []struct {
		name    string
		pixels  float64
		wantErr bool
	}{
		{"normal", 48, false},
		{"sub pixel", 0.5, false},
		{"zero", 0, true},
		{"negative", -10, true},
		{"infinite", math.Inf(1), true},
		{"nan", math.NaN(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scale, err := ScaleFactor(DefaultReferenceDiameterCm, tt.pixels)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrDegenerateReferenceSize)
				return
			}
			require.NoError(t, err)
			assert.True(t, scale.Valid())
		})
	}
}

func TestCalibrateScaleAlwaysPositive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	img := createTestImage(400, 400)
	c := newCalibrator(&stubFinder{})

	for i := 0; i < 200; i++ {
		n := 1 + rng.Intn(5)
		set := make(types.DetectionSet, n)
		for j := range set {
			set[j] = types.Detection{Box: types.Box{
				CenterX: 50 + rng.Float64()*300,
				CenterY: 50 + rng.Float64()*300,
				Width:   1 + rng.Float64()*80,
				Height:  1 + rng.Float64()*80,
			}}
		}

		result, err := c.Calibrate(img, set)
		require.NoError(t, err)
		assert.True(t, result.ScaleFactor.Valid())
		assert.Equal(t, set[set.Smallest()], result.Reference)
	}
}
