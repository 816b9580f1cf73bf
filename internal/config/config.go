package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// Config holds the application configuration
type Config struct {
	Calibration CalibrationConfig `json:"calibration"`
	Circle      CircleConfig      `json:"circle"`
	Estimator   EstimatorConfig   `json:"estimator"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Backend     BackendConfig     `json:"backend"`
	Server      ServerConfig      `json:"server"`
	Log         LogConfig         `json:"log"`
	Output      OutputConfig      `json:"output"`
}

// CalibrationConfig holds the reference object settings
type CalibrationConfig struct {
	ReferenceDiameterCm float64 `json:"reference_diameter_cm" validate:"gt=0"`
	PaddingRatio        float64 `json:"padding_ratio" validate:"gte=0,lte=1"`
	CropPolicy          string  `json:"crop_policy" validate:"oneof=clamp strict"`
}

// CircleConfig holds the circle detector parameters
type CircleConfig struct {
	Backend    string  `json:"backend" validate:"oneof=hough opencv"`
	DP         float64 `json:"dp" validate:"gte=1"`
	MinDist    float64 `json:"min_dist" validate:"gt=0"`
	Param1     float64 `json:"param1" validate:"gt=0"`
	Param2     float64 `json:"param2" validate:"gt=0"`
	MinRadius  int     `json:"min_radius" validate:"gte=0"`
	MaxRadius  int     `json:"max_radius" validate:"omitempty,gtefield=MinRadius"`
	BlurKernel int     `json:"blur_kernel" validate:"gte=0"`
	BlurSigma  float64 `json:"blur_sigma" validate:"gte=0"`
}

// EstimatorConfig selects how body length is measured
type EstimatorConfig struct {
	Mode          string  `json:"mode" validate:"oneof=direct segmented"`
	Side          string  `json:"side" validate:"oneof=left right"`
	MinConfidence float64 `json:"min_confidence" validate:"gte=0,lte=1"`
}

// PipelineConfig holds orchestration settings
type PipelineConfig struct {
	ReferenceClassID int `json:"reference_class_id" validate:"gte=0"`
	Precision        int `json:"precision" validate:"gte=-1,lte=10"`
	MinImageSize     int `json:"min_image_size" validate:"gte=1"`
}

// BackendConfig selects the detector and keypoint estimator implementation
type BackendConfig struct {
	Type           string  `json:"type" validate:"oneof=inference ollama llamacpp"`
	URL            string  `json:"url" validate:"required,url"`
	Model          string  `json:"model" validate:"required_unless=Type inference"`
	TimeoutSeconds int     `json:"timeout_seconds" validate:"gt=0"`
	Confidence     float64 `json:"confidence" validate:"gte=0,lte=1"`
	MaxDimension   int     `json:"max_dimension" validate:"gte=0"`
	ReferenceLabel string  `json:"reference_label"`
}

// ServerConfig holds HTTP service settings
type ServerConfig struct {
	Port                  string `json:"port" validate:"required,numeric"`
	BodyLimitMB           int    `json:"body_limit_mb" validate:"gt=0"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" validate:"gt=0"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level    string `json:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	File     string `json:"file"`
	NoColors bool   `json:"no_colors"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format" validate:"oneof=jpg jpeg png webp"`
	OutputDir     string `json:"output_dir"`
	Prefix        string `json:"prefix"`
	Suffix        string `json:"suffix"`
	Quality       int    `json:"quality" validate:"gte=1,lte=100"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Calibration: CalibrationConfig{
			ReferenceDiameterCm: 2.7,
			PaddingRatio:        0,
			CropPolicy:          "clamp",
		},
		Circle: CircleConfig{
			Backend:    "hough",
			DP:         1,
			MinDist:    20,
			Param1:     50,
			Param2:     30,
			MinRadius:  5,
			MaxRadius:  100,
			BlurKernel: 15,
		},
		Estimator: EstimatorConfig{
			Mode: "segmented",
			Side: "left",
		},
		Pipeline: PipelineConfig{
			ReferenceClassID: 0,
			Precision:        2,
			MinImageSize:     32,
		},
		Backend: BackendConfig{
			Type:           "inference",
			URL:            "http://localhost:8000",
			TimeoutSeconds: 60,
			Confidence:     0.25,
			MaxDimension:   1024,
			ReferenceLabel: "coin",
		},
		Server: ServerConfig{
			Port:                  "3000",
			BodyLimitMB:           20,
			RequestTimeoutSeconds: 120,
		},
		Log: LogConfig{
			Level: "info",
		},
		Output: OutputConfig{
			DefaultFormat: "jpg",
			OutputDir:     "./output",
			Suffix:        "_measured",
			Quality:       90,
		},
	}
}

// Load reads the config file when it exists, then applies .env and environment overrides
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			loaded, err := LoadFromFile(filename)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a JSON file. Missing fields keep their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := NewValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Circle.BlurKernel > 0 && c.Circle.BlurKernel%2 == 0 {
		return fmt.Errorf("invalid config: circle.blur_kernel must be odd")
	}
	return nil
}

// NewValidator returns a validator that reports json field names
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	return v
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "bodymeasure", "config.json")
}
