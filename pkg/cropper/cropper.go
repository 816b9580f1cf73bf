package cropper

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/bodymeasure/pkg/types"
)

// BoundsPolicy decides what happens when a crop box reaches outside the image
type BoundsPolicy string

const (
	// PolicyClamp intersects the box with the image bounds. Only an empty intersection fails.
	PolicyClamp BoundsPolicy = "clamp"
	// PolicyStrict fails as soon as any part of the box lies outside the image.
	PolicyStrict BoundsPolicy = "strict"
)

// RegionCropper cuts detected regions out of an image
type RegionCropper struct {
	config CropConfig
}

// CropConfig holds configuration for region cropping
type CropConfig struct {
	// PaddingRatio grows the box on each side by this fraction of its size. 0 crops to the box extents.
	PaddingRatio float64
	Policy       BoundsPolicy
}

// New creates a new RegionCropper with default configuration
func New() *RegionCropper {
	return &RegionCropper{
		config: CropConfig{
			PaddingRatio: 0,
			Policy:       PolicyClamp,
		},
	}
}

// NewWithConfig creates a new RegionCropper with custom configuration
func NewWithConfig(config CropConfig) *RegionCropper {
	if config.Policy == "" {
		config.Policy = PolicyClamp
	}
	return &RegionCropper{config: config}
}

// CropResult contains the result of a cropping operation
type CropResult struct {
	// Image is a copy of the cropped pixels with its origin at (0,0)
	Image image.Image
	// Region is the cropped rectangle in source image coordinates
	Region image.Rectangle
}

// Region returns the rectangle that Crop would cut for a box, after padding and the bounds policy
func (c *RegionCropper) Region(bounds image.Rectangle, box types.Box) (image.Rectangle, error) {
	if box.Width <= 0 || box.Height <= 0 || math.IsNaN(box.Area()) || math.IsInf(box.Area(), 0) {
		return image.Rectangle{}, fmt.Errorf("%w: box %.1fx%.1f", types.ErrDegenerateReferenceSize, box.Width, box.Height)
	}

	if c.config.PaddingRatio > 0 {
		box.Width += 2 * box.Width * c.config.PaddingRatio
		box.Height += 2 * box.Height * c.config.PaddingRatio
	}
	rect := box.Rect()

	switch c.config.Policy {
	case PolicyStrict:
		if !rect.In(bounds) {
			return image.Rectangle{}, fmt.Errorf("%w: crop %v exceeds image %v", types.ErrReferenceOutsideImage, rect, bounds)
		}
	default:
		rect = rect.Intersect(bounds)
	}

	if rect.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: empty crop rectangle for box %v in image %v", types.ErrReferenceOutsideImage, box.Rect(), bounds)
	}
	return rect, nil
}

// Crop cuts the box out of the image
func (c *RegionCropper) Crop(img image.Image, box types.Box) (CropResult, error) {
	rect, err := c.Region(img.Bounds(), box)
	if err != nil {
		return CropResult{}, err
	}

	return CropResult{
		Image:  imaging.Crop(img, rect),
		Region: rect,
	}, nil
}
