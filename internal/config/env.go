package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "BODYMEASURE_"

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// LoadEnvFiles loads .env style files into the process environment.
// Variables already set win. Missing files are ignored.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"REFERENCE_DIAMETER_CM", func(c *Config, v string) error { return parseFloat(v, &c.Calibration.ReferenceDiameterCm) }},
	{"CROP_POLICY", func(c *Config, v string) error { c.Calibration.CropPolicy = v; return nil }},
	{"CIRCLE_BACKEND", func(c *Config, v string) error { c.Circle.Backend = v; return nil }},
	{"MODE", func(c *Config, v string) error { c.Estimator.Mode = strings.ToLower(v); return nil }},
	{"SIDE", func(c *Config, v string) error { c.Estimator.Side = strings.ToLower(v); return nil }},
	{"MIN_CONFIDENCE", func(c *Config, v string) error { return parseFloat(v, &c.Estimator.MinConfidence) }},
	{"REFERENCE_CLASS_ID", func(c *Config, v string) error { return parseInt(v, &c.Pipeline.ReferenceClassID) }},
	{"PRECISION", func(c *Config, v string) error { return parseInt(v, &c.Pipeline.Precision) }},
	{"BACKEND", func(c *Config, v string) error { c.Backend.Type = strings.ToLower(v); return nil }},
	{"BACKEND_URL", func(c *Config, v string) error { c.Backend.URL = v; return nil }},
	{"MODEL", func(c *Config, v string) error { c.Backend.Model = v; return nil }},
	{"BACKEND_TIMEOUT_SECONDS", func(c *Config, v string) error { return parseInt(v, &c.Backend.TimeoutSeconds) }},
	{"PORT", func(c *Config, v string) error { c.Server.Port = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil }},
	{"LOG_FILE", func(c *Config, v string) error { c.Log.File = v; return nil }},
	{"OUTPUT_DIR", func(c *Config, v string) error { c.Output.OutputDir = v; return nil }},
}

// ApplyEnv overrides configuration values from BODYMEASURE_* variables
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}

// EnvKeys lists the supported environment overrides
func EnvKeys() []string {
	keys := make([]string, len(envBindings))
	for i, b := range envBindings {
		keys[i] = EnvPrefix + b.key
	}
	return keys
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func parseInt(v string, dst *int) error {
	i, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = i
	return nil
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}
