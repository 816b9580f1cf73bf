package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/bodymeasure"
	"github.com/menta2k/bodymeasure/internal/config"
	"github.com/menta2k/bodymeasure/internal/log"
	"github.com/menta2k/bodymeasure/internal/utils"
	"github.com/menta2k/bodymeasure/pkg/detection"
	"github.com/menta2k/bodymeasure/pkg/types"
)

// result is one line of CLI output
type result struct {
	Source            string             `json:"source"`
	Status            string             `json:"status"`
	PredictedLengthCm *float64           `json:"predicted_length_cm,omitempty"`
	Measurement       *types.Measurement `json:"measurement,omitempty"`
	Overlay           string             `json:"overlay,omitempty"`
	Error             string             `json:"error,omitempty"`
}

type options struct {
	debug  bool
	format string
}

func main() {
	parser := argparse.NewParser("bodymeasure", "Estimate body length from a photo with a coin-sized reference object")
	input := parser.String("i", "input", &argparse.Options{Help: "Image path, URL, or directory of images", Required: false})
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: config.GetConfigPath()})
	backend := parser.String("b", "backend", &argparse.Options{Help: "Detector backend: inference, ollama or llamacpp"})
	backendURL := parser.String("u", "url", &argparse.Options{Help: "Backend server URL"})
	model := parser.String("m", "model", &argparse.Options{Help: "Vision model name (ollama, llamacpp)"})
	mode := parser.String("", "mode", &argparse.Options{Help: "Measurement mode: direct or segmented"})
	side := parser.String("", "side", &argparse.Options{Help: "Body side for the segmented chain: left or right"})
	diameter := parser.Float("", "diameter", &argparse.Options{Help: "Reference object diameter in cm (0 keeps the configured value)", Default: 0.0})
	outDir := parser.String("o", "out", &argparse.Options{Help: "Output directory for debug overlays"})
	debug := parser.Flag("d", "debug", &argparse.Options{Help: "Write a debug overlay per image", Default: false})
	format := parser.String("", "format", &argparse.Options{Help: "Debug overlay format: jpg, png or webp"})
	recursive := parser.Flag("r", "recursive", &argparse.Options{Help: "Descend into subdirectories of an input directory", Default: false})
	asJSON := parser.Flag("j", "json", &argparse.Options{Help: "Print results as JSON", Default: false})
	check := parser.Flag("", "check", &argparse.Options{Help: "Ask the vision model to describe the input image and exit", Default: false})
	saveConfig := parser.Flag("", "save-config", &argparse.Options{Help: "Write the effective configuration to the config path and exit", Default: false})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *backend, *backendURL, *model, *mode, *side, *diameter, *outDir, *format)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := log.NewLogger(cfg.Log)
	if utils.FileExists(*configFile) {
		logger.WithField("path", *configFile).Debug("config loaded")
	}

	if *saveConfig {
		if err := cfg.SaveToFile(*configFile); err != nil {
			logger.Fatalf("Failed to save config: %v", err)
		}
		logger.WithField("path", *configFile).Info("config saved")
		return
	}

	if *input == "" {
		fmt.Fprint(os.Stderr, parser.Usage("an input image is required (-i)"))
		os.Exit(2)
	}

	measurer, err := cfg.NewMeasurer(logger)
	if err != nil {
		logger.Fatalf("Failed to set up measurer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *check {
		if err := checkVision(ctx, cfg, measurer, logger, *input); err != nil {
			logger.Fatalf("Vision check failed: %v", err)
		}
		return
	}

	sources := []string{*input}
	if !utils.IsURL(*input) && utils.DirExists(*input) {
		sources, err = utils.ListImageFiles(*input, *recursive)
		if err != nil {
			logger.Fatalf("Failed to list images: %v", err)
		}
		if len(sources) == 0 {
			logger.Fatalf("No images found in %s", *input)
		}
	}

	opts := options{debug: *debug, format: cfg.Output.DefaultFormat}
	if opts.debug {
		if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
			logger.Fatalf("Failed to create output directory: %v", err)
		}
	}

	results := make([]result, 0, len(sources))
	failed := 0
	for _, source := range sources {
		if ctx.Err() != nil {
			break
		}
		r := measureOne(ctx, measurer, cfg, logger, source, opts)
		if r.Status != "success" {
			failed++
		}
		results = append(results, r)
		if !*asJSON {
			printResult(r)
		}
	}

	if *asJSON {
		var out interface{} = results
		if len(results) == 1 {
			out = results[0]
		}
		data, err := jsoniter.MarshalIndent(out, "", "  ")
		if err != nil {
			logger.Fatalf("Failed to encode results: %v", err)
		}
		fmt.Println(string(data))
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config, backend, backendURL, model, mode, side string, diameter float64, outDir, format string) {
	if backend != "" {
		cfg.Backend.Type = backend
	}
	if backendURL != "" {
		cfg.Backend.URL = backendURL
	}
	if model != "" {
		cfg.Backend.Model = model
	}
	if mode != "" {
		cfg.Estimator.Mode = mode
	}
	if side != "" {
		cfg.Estimator.Side = side
	}
	if diameter > 0 {
		cfg.Calibration.ReferenceDiameterCm = diameter
	}
	if outDir != "" {
		cfg.Output.OutputDir = outDir
	}
	if format != "" {
		cfg.Output.DefaultFormat = format
	}
}

func measureOne(ctx context.Context, m *bodymeasure.Measurer, cfg *config.Config, logger *logrus.Logger, source string, opts options) result {
	entry := logger.WithField("source", source)

	img, err := m.LoadImage(ctx, source)
	if err != nil {
		entry.WithField("error", err.Error()).Warn("failed to load image")
		return result{Source: source, Status: "error", Error: err.Error()}
	}

	measurement, err := m.MeasureImage(ctx, img)
	if err != nil {
		entry.WithField("error", err.Error()).Warn("measurement failed")
		return result{Source: source, Status: "error", Error: err.Error()}
	}

	length := measurement.LengthCm
	r := result{Source: source, Status: "success", PredictedLengthCm: &length, Measurement: &measurement}

	if opts.debug {
		path := utils.GenerateOutputFilename(source, cfg.Output.OutputDir, cfg.Output.Prefix, cfg.Output.Suffix, opts.format)
		if err := m.SaveImage(m.DebugOverlay(img, measurement), path, opts.format, cfg.Output.Quality); err != nil {
			entry.WithField("error", err.Error()).Warn("debug overlay save failed")
		} else {
			entry.WithField("path", path).Info("wrote debug overlay")
			r.Overlay = path
		}
	}
	return r
}

func printResult(r result) {
	if r.Status != "success" {
		fmt.Printf("%s: error: %s\n", r.Source, r.Error)
		return
	}
	m := r.Measurement
	fmt.Printf("%s: %.2f cm (%s, %.4f cm/px, reference from %s)\n",
		r.Source, m.LengthCm, m.Mode, float64(m.Calibration.ScaleFactor), m.Calibration.Source)
	for _, s := range m.Segments {
		fmt.Printf("  %-18s %8.1f px\n", s.Name, s.Pixels)
	}
}

func checkVision(ctx context.Context, cfg *config.Config, m *bodymeasure.Measurer, logger *logrus.Logger, source string) error {
	vc, err := cfg.VisionClient()
	if err != nil {
		return err
	}
	img, err := m.LoadImage(ctx, source)
	if err != nil {
		return err
	}
	description, err := detection.NewDetector(vc, cfg.DetectionSettings(), logger).TestVision(ctx, img)
	if err != nil {
		return err
	}
	fmt.Println(description)
	return nil
}
