package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/bodymeasure/pkg/types"
)

func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x), uint8(y), 100, 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestLoadLocalFile(t *testing.T) {
	p := NewProcessor()
	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, createTestImage(40, 30)), 0o644))

	img, err := p.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())

	img, err = p.Load(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, 30, img.Bounds().Dy())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewProcessor().Load(context.Background(), filepath.Join(t.TempDir(), "nope.jpg"))
	assert.ErrorIs(t, err, types.ErrImageUnreadable)

	_, err = NewProcessor().Load(context.Background(), "  ")
	assert.ErrorIs(t, err, types.ErrImageUnreadable)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jpg")
	require.NoError(t, os.WriteFile(path, []byte("definitely not an image"), 0o644))

	_, err := NewProcessor().LoadImage(path)
	assert.ErrorIs(t, err, types.ErrImageUnreadable)
}

func TestLoadImageFromURL(t *testing.T) {
	data := pngBytes(t, createTestImage(20, 10))
	var userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(data)
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewProcessor()

	img, err := p.Load(context.Background(), srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 10), img.Bounds())
	assert.Equal(t, "bodymeasure/1.0", userAgent)

	_, err = p.Load(context.Background(), srv.URL+"/page")
	assert.ErrorIs(t, err, types.ErrImageUnreadable)

	_, err = p.Load(context.Background(), srv.URL+"/missing.png")
	assert.ErrorIs(t, err, types.ErrImageUnreadable)
}

func TestLoadImageFromURLTooLarge(t *testing.T) {
	data := pngBytes(t, createTestImage(64, 64))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	p := NewProcessorWithConfig(Config{MaxBytes: 16})
	_, err := p.LoadImageFromURL(context.Background(), srv.URL)
	assert.ErrorIs(t, err, types.ErrImageUnreadable)
}

func TestLoadImageFromURLBadScheme(t *testing.T) {
	_, err := NewProcessor().LoadImageFromURL(context.Background(), "ftp://example.com/a.png")
	assert.ErrorIs(t, err, types.ErrImageUnreadable)
}

func TestLoadImageFromReader(t *testing.T) {
	p := NewProcessor()

	img, err := p.LoadImageFromReader(bytes.NewReader(pngBytes(t, createTestImage(8, 8))))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	_, err = p.LoadImageFromReader(strings.NewReader(""))
	assert.ErrorIs(t, err, types.ErrImageUnreadable)
}

func TestSaveImageFormats(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(16, 16)
	dir := t.TempDir()

	for _, format := range []string{"png", "jpg", "webp"} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(dir, "out."+format)
			require.NoError(t, p.SaveImage(img, path, format, 90, false))

			loaded, err := p.LoadImage(path)
			require.NoError(t, err)
			assert.Equal(t, img.Bounds(), loaded.Bounds())
		})
	}
}

func TestPrepareImageForModel(t *testing.T) {
	p := NewProcessor()

	encoded, scale, err := p.PrepareImageForModel(createTestImage(200, 100), "png", 50, 0)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, scale, 1e-9)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 25, img.Bounds().Dy())

	_, scale, err = p.PrepareImageForModel(createTestImage(20, 10), "jpg", 50, 85)
	require.NoError(t, err)
	assert.Equal(t, 1.0, scale)
}

func TestCreateDebugOverlay(t *testing.T) {
	p := NewProcessor()
	img := image.NewNRGBA(image.Rect(0, 0, 200, 200))

	nan := math.NaN()
	pose := &types.Pose{
		Skeleton: types.Skeleton{
			types.Nose:      {X: 100, Y: 20},
			types.LeftAnkle: {X: 100, Y: 180},
			types.RightEye:  {X: nan, Y: nan},
		},
	}
	m := types.Measurement{
		Segments: []types.Segment{{Name: "nose_to_ankle", From: "nose", To: "left_ankle"}},
		Calibration: types.Calibration{
			Reference: types.Detection{Box: types.Box{CenterX: 40, CenterY: 40, Width: 20, Height: 20}},
			Circle:    &types.Circle{X: 40, Y: 40, Radius: 9},
		},
		Pose: pose,
	}

	out := p.CreateDebugOverlay(img, m).(*image.NRGBA)

	assert.Equal(t, green, out.NRGBAAt(30, 40))
	assert.Equal(t, gold, out.NRGBAAt(49, 40))
	assert.Equal(t, blue, out.NRGBAAt(100, 100))
	assert.Equal(t, red, out.NRGBAAt(100, 20))
	// source is left untouched
	assert.Equal(t, color.NRGBA{}, img.NRGBAAt(100, 100))
}

func TestCreateDebugOverlayFarKeypoints(t *testing.T) {
	pose := &types.Pose{
		Skeleton: types.Skeleton{
			types.Nose:      {X: 1e9, Y: 20},
			types.LeftAnkle: {X: 100, Y: -1e9},
			types.RightKnee: {X: math.MaxFloat64, Y: math.MaxFloat64},
		},
	}
	m := types.Measurement{
		Segments: []types.Segment{
			{Name: "nose_to_ankle", From: "nose", To: "left_ankle"},
			{Name: "knee_to_ankle", From: "right_knee", To: "left_ankle"},
		},
		Calibration: types.Calibration{Circle: &types.Circle{X: 10, Y: 10, Radius: 1e12}},
		Pose:        pose,
	}

	done := make(chan image.Image, 1)
	go func() {
		done <- NewProcessor().CreateDebugOverlay(image.NewNRGBA(image.Rect(0, 0, 200, 200)), m)
	}()

	select {
	case out := <-done:
		assert.Equal(t, image.Rect(0, 0, 200, 200), out.Bounds())
	case <-time.After(5 * time.Second):
		t.Fatal("overlay did not finish for far away keypoints")
	}
}

func TestClipLine(t *testing.T) {
	r := image.Rect(0, 0, 100, 50)

	a, b, ok := clipLine(image.Pt(-50, 25), image.Pt(150, 25), r)
	require.True(t, ok)
	assert.Equal(t, image.Pt(0, 25), a)
	assert.Equal(t, image.Pt(99, 25), b)

	a, b, ok = clipLine(image.Pt(10, 10), image.Pt(20, 30), r)
	require.True(t, ok)
	assert.Equal(t, image.Pt(10, 10), a)
	assert.Equal(t, image.Pt(20, 30), b)

	_, _, ok = clipLine(image.Pt(-10, -10), image.Pt(-5, 80), r)
	assert.False(t, ok)

	a, b, ok = clipLine(image.Pt(50, 1_000_000_000), image.Pt(50, 10), r)
	require.True(t, ok)
	assert.Equal(t, image.Pt(50, 49), a)
	assert.Equal(t, image.Pt(50, 10), b)
}

func TestCreateDebugOverlayWithoutPose(t *testing.T) {
	out := NewProcessor().CreateDebugOverlay(createTestImage(50, 50), types.Measurement{})
	assert.Equal(t, image.Rect(0, 0, 50, 50), out.Bounds())
}
