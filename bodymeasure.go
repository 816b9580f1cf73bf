// Package bodymeasure estimates the body length of a subject from a single photo
// that also shows a reference object of known size, usually a coin.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		"github.com/menta2k/bodymeasure"
//	)
//
//	func main() {
//		m, err := bodymeasure.New(bodymeasure.WithInferenceURL("http://localhost:8000"))
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		result, err := m.Measure(context.Background(), "photo.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("length: %.2f cm\n", result.LengthCm)
//	}
//
// A run goes through four stages:
//
// 1. Acquisition (pkg/processing, pkg/analyzer): load and normalize the image
// 2. Calibration (pkg/calibration, pkg/vision): derive centimeters per pixel from the reference
// 3. Keypoints (pkg/inference or pkg/detection): locate the body landmarks
// 4. Length (pkg/bodylength): measure the skeleton and scale it
//
// The object detector and keypoint estimator are external collaborators. By
// default both are served by a YOLO inference sidecar; a vision language model
// behind Ollama or llama.cpp can be used instead.
package bodymeasure

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/bodymeasure/pkg/analyzer"
	"github.com/menta2k/bodymeasure/pkg/bodylength"
	"github.com/menta2k/bodymeasure/pkg/calibration"
	"github.com/menta2k/bodymeasure/pkg/client"
	"github.com/menta2k/bodymeasure/pkg/detection"
	"github.com/menta2k/bodymeasure/pkg/inference"
	"github.com/menta2k/bodymeasure/pkg/pipeline"
	"github.com/menta2k/bodymeasure/pkg/processing"
	"github.com/menta2k/bodymeasure/pkg/types"
	"github.com/menta2k/bodymeasure/pkg/vision"
)

// Version of the bodymeasure library
const Version = "1.0.0"

// Measurer measures subjects in images. It is safe for concurrent use.
type Measurer struct {
	pipeline  *pipeline.Pipeline
	processor *processing.Processor
	log       logrus.FieldLogger
}

type settings struct {
	detector  pipeline.ObjectDetector
	keypoints pipeline.KeypointEstimator

	inference    inference.Config
	visionClient client.VisionClient
	detection    detection.Config

	circleBackend string
	circle        vision.CircleConfig
	finder        vision.CircleFinder
	calibration   calibration.Config
	estimator     bodylength.Config
	pipeline      pipeline.Config
	analyzer      analyzer.Config
	processing    processing.Config
	log           logrus.FieldLogger
}

// Option configures a Measurer
type Option func(*settings) error

// WithBackend uses the given collaborators for detection and keypoint estimation
func WithBackend(detector pipeline.ObjectDetector, keypoints pipeline.KeypointEstimator) Option {
	return func(s *settings) error {
		if detector == nil || keypoints == nil {
			return errors.New("detector and keypoint estimator are required")
		}
		s.detector, s.keypoints = detector, keypoints
		return nil
	}
}

// WithInference uses a YOLO inference sidecar as detector and keypoint estimator
func WithInference(config inference.Config) Option {
	return func(s *settings) error {
		s.inference = config
		return nil
	}
}

// WithInferenceURL is WithInference with default settings for the given URL
func WithInferenceURL(url string) Option {
	config := inference.DefaultConfig()
	config.URL = url
	return WithInference(config)
}

// WithVisionModel uses a vision language model as detector and keypoint estimator
func WithVisionModel(vc client.VisionClient, config detection.Config) Option {
	return func(s *settings) error {
		if vc == nil {
			return errors.New("vision client is required")
		}
		if config.Model == "" {
			return errors.New("vision model name is required")
		}
		s.visionClient, s.detection = vc, config
		return nil
	}
}

// WithCircleBackend selects the circle finder backend by name
func WithCircleBackend(name string, config vision.CircleConfig) Option {
	return func(s *settings) error {
		if err := config.Validate(); err != nil {
			return err
		}
		s.circleBackend, s.circle = name, config
		return nil
	}
}

// WithCircleFinder uses a custom circle finder
func WithCircleFinder(finder vision.CircleFinder) Option {
	return func(s *settings) error {
		s.finder = finder
		return nil
	}
}

// WithCalibration sets the reference object and crop settings
func WithCalibration(config calibration.Config) Option {
	return func(s *settings) error {
		if config.ReferenceDiameterCm <= 0 {
			return fmt.Errorf("reference diameter must be positive, got %v", config.ReferenceDiameterCm)
		}
		s.calibration = config
		return nil
	}
}

// WithEstimator sets the measurement mode, body side and keypoint confidence
func WithEstimator(config bodylength.Config) Option {
	return func(s *settings) error {
		if err := config.Validate(); err != nil {
			return err
		}
		s.estimator = config
		return nil
	}
}

// WithPipeline sets the reference class and result precision
func WithPipeline(config pipeline.Config) Option {
	return func(s *settings) error {
		s.pipeline = config
		return nil
	}
}

// WithAnalyzer sets the image acceptance rules
func WithAnalyzer(config analyzer.Config) Option {
	return func(s *settings) error {
		s.analyzer = config
		return nil
	}
}

// WithProcessing sets the image acquisition settings
func WithProcessing(config processing.Config) Option {
	return func(s *settings) error {
		s.processing = config
		return nil
	}
}

// WithLogger sets the logger used by every stage
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *settings) error {
		s.log = log
		return nil
	}
}

// New creates a Measurer. Without a backend option the inference sidecar on localhost is used.
func New(opts ...Option) (*Measurer, error) {
	s := &settings{
		inference:     inference.DefaultConfig(),
		detection:     detection.DefaultConfig(),
		circleBackend: "hough",
		circle:        vision.DefaultCircleConfig(),
		calibration:   calibration.Config{ReferenceDiameterCm: calibration.DefaultReferenceDiameterCm},
		estimator:     bodylength.DefaultConfig(),
		pipeline:      pipeline.DefaultConfig(),
		analyzer:      analyzer.Config{MinImageSize: 32},
		processing:    processing.DefaultConfig(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}

	detector, keypoints, err := s.backend()
	if err != nil {
		return nil, err
	}

	finder := s.finder
	if finder == nil {
		finder, err = vision.NewFinder(s.circleBackend, s.circle)
		if err != nil {
			return nil, err
		}
	}

	processor := processing.NewProcessorWithConfig(s.processing)
	p, err := pipeline.New(detector, keypoints,
		pipeline.WithConfig(s.pipeline),
		pipeline.WithImageSource(processor),
		pipeline.WithAnalyzer(analyzer.NewWithConfig(s.analyzer)),
		pipeline.WithCalibrator(calibration.NewWithConfig(s.calibration, finder, s.log)),
		pipeline.WithEstimator(bodylength.NewWithConfig(s.estimator, s.log)),
		pipeline.WithLogger(s.log),
	)
	if err != nil {
		return nil, err
	}

	return &Measurer{pipeline: p, processor: processor, log: s.log}, nil
}

func (s *settings) backend() (pipeline.ObjectDetector, pipeline.KeypointEstimator, error) {
	switch {
	case s.detector != nil:
		return s.detector, s.keypoints, nil
	case s.visionClient != nil:
		d := detection.NewDetector(s.visionClient, s.detection, s.log)
		return d, d, nil
	default:
		c, err := inference.NewClient(s.inference, s.log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create inference client: %w", err)
		}
		return c, c, nil
	}
}

// Measure loads the image at source (path, file:// or http(s) URL) and measures it
func (m *Measurer) Measure(ctx context.Context, source string) (types.Measurement, error) {
	return m.pipeline.Run(ctx, source)
}

// MeasureImage measures an already decoded image
func (m *Measurer) MeasureImage(ctx context.Context, img image.Image) (types.Measurement, error) {
	return m.pipeline.RunImage(ctx, img)
}

// MeasureReader decodes an image from r and measures it
func (m *Measurer) MeasureReader(ctx context.Context, r io.Reader) (types.Measurement, error) {
	img, err := m.processor.LoadImageFromReader(r)
	if err != nil {
		return types.Measurement{}, err
	}
	return m.pipeline.RunImage(ctx, img)
}

// LoadImage resolves a source to an image without measuring it
func (m *Measurer) LoadImage(ctx context.Context, source string) (image.Image, error) {
	return m.processor.Load(ctx, source)
}

// DebugOverlay draws the reference, circle and measured chain of m onto a copy of img
func (m *Measurer) DebugOverlay(img image.Image, result types.Measurement) image.Image {
	return m.processor.CreateDebugOverlay(img, result)
}

// SaveImage writes img as jpg, png or webp
func (m *Measurer) SaveImage(img image.Image, path, format string, quality int) error {
	return m.processor.SaveImage(img, path, format, quality, false)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
