// Package calibration derives a per-image pixel to centimeter scale factor
// from a reference object of known diameter, usually a coin.
//
// The reference is the smallest detected box. Its crop is searched for a circle
// and the circle diameter is used as the reference size; when no circle is found
// the smaller side of the detection box is used instead. Finders that report a
// Margin are given that much surrounding image so a coin filling its box still
// has a visible edge.
package calibration

import (
	"fmt"
	"image"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/bodymeasure/pkg/cropper"
	"github.com/menta2k/bodymeasure/pkg/types"
	"github.com/menta2k/bodymeasure/pkg/vision"
)

// DefaultReferenceDiameterCm is the diameter of the reference coin
const DefaultReferenceDiameterCm = 2.7

// margined is implemented by circle finders that need background around a region
type margined interface {
	Margin() int
}

// Config holds configuration for the calibrator
type Config struct {
	ReferenceDiameterCm float64
	Crop                cropper.CropConfig
}

// Calibrator turns reference object detections into a scale factor
type Calibrator struct {
	config  Config
	cropper *cropper.RegionCropper
	finder  vision.CircleFinder
	log     logrus.FieldLogger
}

// New creates a Calibrator with the default coin diameter and the pure Go circle finder
func New() *Calibrator {
	return NewWithConfig(Config{ReferenceDiameterCm: DefaultReferenceDiameterCm}, vision.New(), nil)
}

// NewWithConfig creates a Calibrator with custom configuration and circle finder
func NewWithConfig(config Config, finder vision.CircleFinder, log logrus.FieldLogger) *Calibrator {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if finder == nil {
		finder = vision.New()
	}
	return &Calibrator{
		config:  config,
		cropper: cropper.NewWithConfig(config.Crop),
		finder:  finder,
		log:     log,
	}
}

// Calibrate selects the reference object and computes the scale factor for this image only
func (c *Calibrator) Calibrate(img image.Image, detections types.DetectionSet) (types.Calibration, error) {
	idx := detections.Smallest()
	if idx < 0 {
		return types.Calibration{}, types.ErrNoReferenceObjectDetected
	}
	ref := detections[idx]

	c.log.WithFields(logrus.Fields{
		"candidates": len(detections),
		"selected":   idx,
		"box":        fmt.Sprintf("%.1fx%.1f@%.1f,%.1f", ref.Box.Width, ref.Box.Height, ref.Box.CenterX, ref.Box.CenterY),
	}).Debug("reference object selected")

	crop, err := c.cropper.Crop(img, ref.Box)
	if err != nil {
		return types.Calibration{}, fmt.Errorf("failed to crop reference object: %w", err)
	}

	result := types.Calibration{
		Reference: ref,
		Crop:      crop.Region,
	}

	search, searchRect := crop.Image, crop.Region
	if m, ok := c.finder.(margined); ok && m.Margin() > 0 {
		searchRect = crop.Region.Inset(-m.Margin()).Intersect(img.Bounds())
		search = imaging.Crop(img, searchRect)
	}

	circles, err := c.finder.FindCircles(search)
	if err != nil {
		return types.Calibration{}, fmt.Errorf("circle detection failed: %w", err)
	}

	if circle, ok := firstCircleIn(circles, searchRect.Min, crop.Region); ok {
		result.Circle = &circle
		result.ReferencePixels = circle.Diameter()
		result.Source = types.SourceCircle
	} else {
		c.log.Debug("no circle found in reference crop, using bounding box size")
		result.ReferencePixels = ref.Box.MinSide()
		result.Source = types.SourceBoundingBox
	}

	scale, err := ScaleFactor(c.config.ReferenceDiameterCm, result.ReferencePixels)
	if err != nil {
		return types.Calibration{}, err
	}
	result.ScaleFactor = scale

	c.log.WithFields(logrus.Fields{
		"reference_px": result.ReferencePixels,
		"source":       result.Source,
		"scale_factor": float64(scale),
	}).Debug("scale factor computed")

	return result, nil
}

// firstCircleIn returns the strongest circle centered inside region, in image
// coordinates. Circles are reported relative to origin.
func firstCircleIn(circles []types.Circle, origin image.Point, region image.Rectangle) (types.Circle, bool) {
	for _, circle := range circles {
		circle.X += float64(origin.X)
		circle.Y += float64(origin.Y)
		if circle.X >= float64(region.Min.X) && circle.X <= float64(region.Max.X) &&
			circle.Y >= float64(region.Min.Y) && circle.Y <= float64(region.Max.Y) {
			return circle, true
		}
	}
	return types.Circle{}, false
}

// ScaleFactor divides the physical reference size by its size in pixels
func ScaleFactor(referenceCm, referencePixels float64) (types.ScaleFactor, error) {
	if !(referencePixels > 0) || math.IsInf(referencePixels, 0) {
		return 0, fmt.Errorf("%w: reference size %v px", types.ErrDegenerateReferenceSize, referencePixels)
	}
	scale := types.ScaleFactor(referenceCm / referencePixels)
	if !scale.Valid() {
		return 0, fmt.Errorf("%w: %v cm / %v px", types.ErrDegenerateReferenceSize, referenceCm, referencePixels)
	}
	return scale, nil
}
