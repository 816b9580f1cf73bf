// Package pipeline runs a full measurement for one image: acquisition,
// reference detection, scale calibration, keypoint estimation and length
// computation. Any failing stage stops the run and no partial result is returned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/bodymeasure/pkg/analyzer"
	"github.com/menta2k/bodymeasure/pkg/bodylength"
	"github.com/menta2k/bodymeasure/pkg/calibration"
	"github.com/menta2k/bodymeasure/pkg/types"
)

// ImageSource resolves a source string to a decoded image
type ImageSource interface {
	Load(ctx context.Context, source string) (image.Image, error)
}

// ObjectDetector finds objects of one class in an image
type ObjectDetector interface {
	Detect(ctx context.Context, img image.Image, classID int) (types.DetectionSet, error)
}

// KeypointEstimator finds the pose of the single subject in an image
type KeypointEstimator interface {
	Estimate(ctx context.Context, img image.Image) (types.Pose, error)
}

// Config holds pipeline settings
type Config struct {
	// ReferenceClassID is the detector class of the reference object
	ReferenceClassID int
	// Precision is the number of decimal places of the reported length. Negative disables rounding.
	Precision int
}

// DefaultConfig returns the default pipeline settings
func DefaultConfig() Config {
	return Config{
		ReferenceClassID: 0,
		Precision:        2,
	}
}

// Pipeline wires the collaborators and the measurement core together.
// It holds no per-image state and is safe for concurrent use when its
// collaborators are.
type Pipeline struct {
	config     Config
	source     ImageSource
	detector   ObjectDetector
	keypoints  KeypointEstimator
	analyzer   *analyzer.ImageAnalyzer
	calibrator *calibration.Calibrator
	estimator  *bodylength.Estimator
	log        logrus.FieldLogger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithConfig sets the pipeline configuration
func WithConfig(config Config) Option {
	return func(p *Pipeline) {
		p.config = config
	}
}

// WithImageSource sets the image source used by Run
func WithImageSource(source ImageSource) Option {
	return func(p *Pipeline) {
		p.source = source
	}
}

// WithCalibrator replaces the default calibrator
func WithCalibrator(c *calibration.Calibrator) Option {
	return func(p *Pipeline) {
		p.calibrator = c
	}
}

// WithEstimator replaces the default body length estimator
func WithEstimator(e *bodylength.Estimator) Option {
	return func(p *Pipeline) {
		p.estimator = e
	}
}

// WithAnalyzer replaces the default image analyzer
func WithAnalyzer(a *analyzer.ImageAnalyzer) Option {
	return func(p *Pipeline) {
		p.analyzer = a
	}
}

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// New creates a Pipeline around an object detector and a keypoint estimator
func New(detector ObjectDetector, keypoints KeypointEstimator, opts ...Option) (*Pipeline, error) {
	if detector == nil {
		return nil, errors.New("object detector is required")
	}
	if keypoints == nil {
		return nil, errors.New("keypoint estimator is required")
	}

	p := &Pipeline{
		config:    DefaultConfig(),
		detector:  detector,
		keypoints: keypoints,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		p.log = l
	}
	if p.analyzer == nil {
		p.analyzer = analyzer.New()
	}
	if p.calibrator == nil {
		p.calibrator = calibration.NewWithConfig(calibration.Config{ReferenceDiameterCm: calibration.DefaultReferenceDiameterCm}, nil, p.log)
	}
	if p.estimator == nil {
		p.estimator = bodylength.NewWithConfig(bodylength.DefaultConfig(), p.log)
	}
	return p, nil
}

// Run loads the image named by source and measures it
func (p *Pipeline) Run(ctx context.Context, source string) (types.Measurement, error) {
	if p.source == nil {
		return types.Measurement{}, errors.New("no image source configured")
	}

	img, err := p.source.Load(ctx, source)
	if err != nil {
		if errors.Is(err, types.ErrImageUnreadable) || errors.Is(err, types.ErrUnsupportedImageFormat) {
			return types.Measurement{}, err
		}
		return types.Measurement{}, fmt.Errorf("%w: %v", types.ErrImageUnreadable, err)
	}
	if img == nil {
		return types.Measurement{}, fmt.Errorf("%w: source returned no image", types.ErrImageUnreadable)
	}

	return p.RunImage(ctx, img)
}

// RunImage measures an already decoded image
func (p *Pipeline) RunImage(ctx context.Context, img image.Image) (types.Measurement, error) {
	start := time.Now()

	normalized, err := p.analyzer.Normalize(img)
	if err != nil {
		return types.Measurement{}, err
	}

	if err := ctx.Err(); err != nil {
		return types.Measurement{}, err
	}
	detections, err := p.detector.Detect(ctx, normalized, p.config.ReferenceClassID)
	if err != nil {
		return types.Measurement{}, collaboratorError("reference detection", err)
	}
	p.log.WithField("detections", len(detections)).Debug("reference detection done")

	cal, err := p.calibrator.Calibrate(normalized, detections)
	if err != nil {
		return types.Measurement{}, err
	}

	if err := ctx.Err(); err != nil {
		return types.Measurement{}, err
	}
	pose, err := p.keypoints.Estimate(ctx, normalized)
	if err != nil {
		return types.Measurement{}, collaboratorError("keypoint estimation", err)
	}

	m, err := p.estimator.Estimate(pose, cal.ScaleFactor)
	if err != nil {
		return types.Measurement{}, err
	}
	m.LengthCm = Round(m.LengthCm, p.config.Precision)
	m.Calibration = cal
	m.Pose = &pose

	p.log.WithFields(logrus.Fields{
		"length_cm":    m.LengthCm,
		"mode":         m.Mode,
		"scale_factor": float64(cal.ScaleFactor),
		"source":       cal.Source,
		"elapsed":      time.Since(start).String(),
	}).Info("measurement complete")

	return m, nil
}

// collaboratorError marks a detector or estimator failure. Context errors and
// errors already carrying a measurement kind pass through unchanged.
func collaboratorError(stage string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for _, kind := range passthroughKinds {
		if errors.Is(err, kind) {
			return fmt.Errorf("%s: %w", stage, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", types.ErrCollaborator, stage, err)
}

var passthroughKinds = []error{
	types.ErrCollaborator,
	types.ErrImageUnreadable,
	types.ErrUnsupportedImageFormat,
	types.ErrNoReferenceObjectDetected,
	types.ErrIncompleteSkeleton,
}

// Round rounds v to the given number of decimal places. Negative precision returns v unchanged.
func Round(v float64, precision int) float64 {
	if precision < 0 {
		return v
	}
	pow := math.Pow(10, float64(precision))
	return math.Round(v*pow) / pow
}
