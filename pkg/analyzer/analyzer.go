// Package analyzer inspects decoded images and normalizes their channel layout
// before they reach the detectors.
package analyzer

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/menta2k/bodymeasure/pkg/types"
)

// ImageAnalyzer validates and normalizes input images
type ImageAnalyzer struct {
	config Config
}

// Config holds configuration for the image analyzer
type Config struct {
	MinImageSize int
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return &ImageAnalyzer{
		config: Config{
			MinImageSize: 32,
		},
	}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int
	Height      int
	AspectRatio float64
	Area        int
	Channels    int
	ColorModel  string
	Supported   bool
}

// GetImageInfo returns basic information about an image
func (a *ImageAnalyzer) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{
		Width:  width,
		Height: height,
		Area:   width * height,
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	info.Channels, info.ColorModel, info.Supported = channelLayout(img)
	return info
}

// channelLayout reports the channel count of the underlying pixel buffer.
// Alpha-only images carry no color and are not supported.
func channelLayout(img image.Image) (int, string, bool) {
	switch img.(type) {
	case *image.Gray:
		return 1, "gray", true
	case *image.Gray16:
		return 1, "gray16", true
	case *image.YCbCr:
		return 3, "ycbcr", true
	case *image.Paletted:
		return 3, "paletted", true
	case *image.RGBA:
		return 4, "rgba", true
	case *image.RGBA64:
		return 4, "rgba64", true
	case *image.NRGBA:
		return 4, "nrgba", true
	case *image.NRGBA64:
		return 4, "nrgba64", true
	case *image.NYCbCrA:
		return 4, "nycbcra", true
	case *image.CMYK:
		return 4, "cmyk", true
	case *image.Alpha:
		return 1, "alpha", false
	case *image.Alpha16:
		return 1, "alpha16", false
	}

	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return 1, "gray", true
	case color.AlphaModel, color.Alpha16Model:
		return 1, "alpha", false
	case color.YCbCrModel:
		return 3, "ycbcr", true
	}
	return 4, "generic", true
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", types.ErrImageUnreadable)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return fmt.Errorf("%w: empty image", types.ErrImageUnreadable)
	}
	if bounds.Dx() < a.config.MinImageSize || bounds.Dy() < a.config.MinImageSize {
		return fmt.Errorf("%w: image too small: %dx%d (minimum: %d)",
			types.ErrImageUnreadable, bounds.Dx(), bounds.Dy(), a.config.MinImageSize)
	}
	if _, model, ok := channelLayout(img); !ok {
		return fmt.Errorf("%w: %s images have no color channels", types.ErrUnsupportedImageFormat, model)
	}
	return nil
}

// Normalize validates the image and converts it to an opaque NRGBA buffer
// anchored at the origin. Gray input is expanded to three equal channels and
// any alpha channel is dropped.
func (a *ImageAnalyzer) Normalize(img image.Image) (*image.NRGBA, error) {
	if err := a.ValidateImage(img); err != nil {
		return nil, err
	}

	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out, nil
}
