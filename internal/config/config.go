package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Detector backends understood by Load.
const (
	BackendONNX = "onnx"
	BackendGRPC = "grpc"
)

// DefaultAllowedOrigins is used when CORS_ALLOWED_ORIGINS is unset. The first
// entry doubles as the fallback origin for requests from unknown origins.
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"https://www.drangue.ai",
	"https://drangue.ai",
	"https://palm.drangue.ai",
	"https://pineapple.drangue.ai",
	"https://simple-inference.vercel.app",
}

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	ShutdownTimeout time.Duration

	DetectorBackend     string
	ModelPath           string
	ModelMetadataPath   string
	ONNXRuntimeLib      string
	DetectorAddr        string
	DetectorInstances   int
	ConfidenceThreshold float64
	IoUThreshold        float64

	JPEGQuality     int
	ArtifactDir     string
	MaxRequestBytes int64
	MaxImagePixels  int64

	AllowedOrigins []string

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var errs []error
	parse := func(key string, fallback string, conv func(string) error) {
		raw := getEnv(key, fallback)
		if err := conv(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	cfg := &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DetectorBackend:   strings.ToLower(getEnv("DETECTOR_BACKEND", BackendONNX)),
		ModelPath:         getEnv("MODEL_PATH", "models/pineapple_ripe.onnx"),
		ModelMetadataPath: getEnv("MODEL_METADATA_PATH", "models/pineapple_ripe.json"),
		ONNXRuntimeLib:    os.Getenv("ONNXRUNTIME_LIB"),
		DetectorAddr:      getEnv("DETECTOR_ADDR", "detector:50051"),
		ArtifactDir:       os.Getenv("ARTIFACT_DIR"),
		AllowedOrigins:    parseList(os.Getenv("CORS_ALLOWED_ORIGINS"), DefaultAllowedOrigins),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTAudience:       os.Getenv("JWT_AUDIENCE"),
	}

	parse("SHUTDOWN_TIMEOUT", "15s", func(raw string) (err error) {
		cfg.ShutdownTimeout, err = cast.ToDurationE(raw)
		return err
	})
	parse("DETECTOR_INSTANCES", "1", func(raw string) (err error) {
		cfg.DetectorInstances, err = cast.ToIntE(raw)
		return err
	})
	parse("CONFIDENCE_THRESHOLD", "0", func(raw string) (err error) {
		cfg.ConfidenceThreshold, err = cast.ToFloat64E(raw)
		return err
	})
	parse("IOU_THRESHOLD", "0", func(raw string) (err error) {
		cfg.IoUThreshold, err = cast.ToFloat64E(raw)
		return err
	})
	parse("JPEG_QUALITY", "95", func(raw string) (err error) {
		cfg.JPEGQuality, err = cast.ToIntE(raw)
		return err
	})
	parse("MAX_REQUEST_BYTES", "20971520", func(raw string) (err error) {
		cfg.MaxRequestBytes, err = cast.ToInt64E(raw)
		return err
	})

	parse("MAX_IMAGE_PIXELS", "40000000", func(raw string) (err error) {
		cfg.MaxImagePixels, err = cast.ToInt64E(raw)
		return err
	})

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.DetectorBackend {
	case BackendONNX, BackendGRPC:
	default:
		errs = append(errs, fmt.Errorf("DETECTOR_BACKEND: unknown backend %q", c.DetectorBackend))
	}
	if c.DetectorInstances < 1 {
		errs = append(errs, errors.New("DETECTOR_INSTANCES: must be at least 1"))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("CONFIDENCE_THRESHOLD: must be within [0,1]"))
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		errs = append(errs, errors.New("IOU_THRESHOLD: must be within [0,1]"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, errors.New("JPEG_QUALITY: must be within [1,100]"))
	}
	if c.MaxRequestBytes <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_BYTES: must be positive"))
	}
	if c.MaxImagePixels <= 0 {
		errs = append(errs, errors.New("MAX_IMAGE_PIXELS: must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT: must be positive"))
	}
	if len(c.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("CORS_ALLOWED_ORIGINS: at least one origin required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string, fallback []string) []string {
	var out []string
	for _, item := range cast.ToStringSlice(strings.ReplaceAll(raw, ",", " ")) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}
