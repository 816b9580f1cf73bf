package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/bodymeasure"
	"github.com/menta2k/bodymeasure/pkg/analyzer"
	"github.com/menta2k/bodymeasure/pkg/bodylength"
	"github.com/menta2k/bodymeasure/pkg/calibration"
	"github.com/menta2k/bodymeasure/pkg/client"
	"github.com/menta2k/bodymeasure/pkg/cropper"
	"github.com/menta2k/bodymeasure/pkg/detection"
	"github.com/menta2k/bodymeasure/pkg/inference"
	"github.com/menta2k/bodymeasure/pkg/llamacpp"
	"github.com/menta2k/bodymeasure/pkg/ollama"
	"github.com/menta2k/bodymeasure/pkg/pipeline"
	"github.com/menta2k/bodymeasure/pkg/types"
	"github.com/menta2k/bodymeasure/pkg/vision"
)

// CircleParams returns the circle detector parameters
func (c *Config) CircleParams() vision.CircleConfig {
	return vision.CircleConfig{
		DP:         c.Circle.DP,
		MinDist:    c.Circle.MinDist,
		Param1:     c.Circle.Param1,
		Param2:     c.Circle.Param2,
		MinRadius:  c.Circle.MinRadius,
		MaxRadius:  c.Circle.MaxRadius,
		BlurKernel: c.Circle.BlurKernel,
		BlurSigma:  c.Circle.BlurSigma,
	}
}

// CalibratorSettings returns the calibrator configuration
func (c *Config) CalibratorSettings() calibration.Config {
	return calibration.Config{
		ReferenceDiameterCm: c.Calibration.ReferenceDiameterCm,
		Crop: cropper.CropConfig{
			PaddingRatio: c.Calibration.PaddingRatio,
			Policy:       cropper.BoundsPolicy(c.Calibration.CropPolicy),
		},
	}
}

// EstimatorSettings returns the body length estimator configuration
func (c *Config) EstimatorSettings() bodylength.Config {
	return bodylength.Config{
		Mode:          types.MeasurementMode(c.Estimator.Mode),
		Side:          bodylength.Side(c.Estimator.Side),
		MinConfidence: c.Estimator.MinConfidence,
	}
}

// PipelineSettings returns the orchestration configuration
func (c *Config) PipelineSettings() pipeline.Config {
	return pipeline.Config{
		ReferenceClassID: c.Pipeline.ReferenceClassID,
		Precision:        c.Pipeline.Precision,
	}
}

// InferenceSettings returns the sidecar client configuration
func (c *Config) InferenceSettings() inference.Config {
	config := inference.DefaultConfig()
	config.URL = c.Backend.URL
	config.Timeout = time.Duration(c.Backend.TimeoutSeconds) * time.Second
	if c.Backend.Confidence > 0 {
		config.Confidence = c.Backend.Confidence
	}
	return config
}

// DetectionSettings returns the vision model detector configuration
func (c *Config) DetectionSettings() detection.Config {
	config := detection.DefaultConfig()
	config.Model = c.Backend.Model
	config.MaxDimension = c.Backend.MaxDimension
	if c.Backend.ReferenceLabel != "" {
		config.Labels = map[int]string{c.Pipeline.ReferenceClassID: c.Backend.ReferenceLabel}
	}
	return config
}

// VisionClient creates the vision model client for the ollama and llamacpp backends
func (c *Config) VisionClient() (client.VisionClient, error) {
	switch c.Backend.Type {
	case "ollama":
		oc, err := ollama.NewClientWithHTTP(c.Backend.URL, &http.Client{Timeout: time.Duration(c.Backend.TimeoutSeconds) * time.Second})
		if err != nil {
			return nil, err
		}
		return oc, nil
	case "llamacpp":
		lc, err := llamacpp.NewClient(c.Backend.URL)
		if err != nil {
			return nil, err
		}
		return lc, nil
	default:
		return nil, fmt.Errorf("backend %q does not use a vision client", c.Backend.Type)
	}
}

// Options translates the configuration into Measurer options
func (c *Config) Options(log logrus.FieldLogger) ([]bodymeasure.Option, error) {
	opts := []bodymeasure.Option{
		bodymeasure.WithCircleBackend(c.Circle.Backend, c.CircleParams()),
		bodymeasure.WithCalibration(c.CalibratorSettings()),
		bodymeasure.WithEstimator(c.EstimatorSettings()),
		bodymeasure.WithPipeline(c.PipelineSettings()),
		bodymeasure.WithAnalyzer(analyzer.Config{MinImageSize: c.Pipeline.MinImageSize}),
	}
	if log != nil {
		opts = append(opts, bodymeasure.WithLogger(log))
	}

	switch c.Backend.Type {
	case "inference":
		opts = append(opts, bodymeasure.WithInference(c.InferenceSettings()))
	case "ollama", "llamacpp":
		vc, err := c.VisionClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", c.Backend.Type, err)
		}
		opts = append(opts, bodymeasure.WithVisionModel(vc, c.DetectionSettings()))
	default:
		return nil, fmt.Errorf("unknown backend: %s", c.Backend.Type)
	}
	return opts, nil
}

// NewMeasurer builds a Measurer from the configuration
func (c *Config) NewMeasurer(log logrus.FieldLogger) (*bodymeasure.Measurer, error) {
	opts, err := c.Options(log)
	if err != nil {
		return nil, err
	}
	return bodymeasure.New(opts...)
}
