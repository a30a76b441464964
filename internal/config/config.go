/**
 * Configuration for the Face Detection Worker
 *
 * Loads configuration once from environment variables (after .env has been
 * applied by the entry point). The resulting Config is treated as immutable;
 * nothing downstream reads the environment again.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/adverant/nexus/facedetect-worker/internal/detector"
	"github.com/adverant/nexus/facedetect-worker/internal/logging"
	"github.com/adverant/nexus/facedetect-worker/internal/yolo"
)

// Weights override keys. The first guards the override, the second carries
// the path. Both must be set for the override to apply.
const (
	CustomWeightsGuardKey = "CUSTOM_YOLO_WEIGHTS"
	CustomWeightsValueKey = "YOLO_CUSTOM_WEIGHTS"
)

// Source looks up a configuration key
type Source func(key string) (string, bool)

// Config holds worker configuration
type Config struct {
	// Detector configuration
	DetectorBackend  string  `validate:"required"`
	DetectorPoolSize int     `validate:"min=1,max=16"`
	YoloDevice       string  `validate:"required"`
	YoloConfidence   float64 `validate:"gte=0,lte=1"`
	YoloWeightsPath  string
	YoloBackend      string  `validate:"oneof=http opencv"`
	YoloServerURL    string  `validate:"omitempty,url"`
	YoloServerMaxRPS float64 `validate:"gte=0"`
	YoloNMSThreshold float64 `validate:"gt=0,lte=1"`
	YoloInputSize    int     `validate:"min=32,max=4096"`
	DeepFaceHome     string

	// Redis configuration
	RedisURL    string `validate:"required"`
	QueueDriver string `validate:"oneof=redis asynq"`
	QueueName   string `validate:"required"`

	// PostgreSQL configuration
	DatabaseURL string `validate:"required"`

	// AWS configuration for s3:// inputs
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSS3Endpoint      string

	// Worker configuration
	WorkerConcurrency int   `validate:"min=1,max=100"`
	MaxFileSize       int64 `validate:"min=1024,max=10737418240"`
	ProcessingTimeout int   `validate:"min=1000"`

	// Logging
	LogLevel string `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFile  string

	// Node environment
	NodeEnv string

	// Warnings collected while loading, already logged
	Warnings []string `validate:"-"`
}

var validate = validator.New()

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(os.LookupEnv)
}

// LoadConfigFrom loads configuration from an arbitrary source
func LoadConfigFrom(source Source) (*Config, error) {
	env := &envReader{source: source}

	cfg := &Config{
		DetectorBackend:    env.getOrDefault("DETECTOR_BACKEND", detector.YoloName),
		DetectorPoolSize:   env.getIntOrDefault("DETECTOR_POOL_SIZE", 1),
		YoloDevice:         env.getOrDefault("YOLO_DEVICE", detector.DefaultDevice),
		YoloConfidence:     env.getFloatOrDefault("YOLO_CONFIDENCE", detector.DefaultConfidence),
		YoloBackend:        strings.ToLower(env.getOrDefault("YOLO_BACKEND", yolo.BackendHTTP)),
		YoloServerURL:      env.getOrDefault("YOLO_SERVER_URL", ""),
		YoloServerMaxRPS:   env.getFloatOrDefault("YOLO_SERVER_MAX_RPS", 0),
		YoloNMSThreshold:   env.getFloatOrDefault("YOLO_NMS_THRESHOLD", 0.45),
		YoloInputSize:      env.getIntOrDefault("YOLO_INPUT_SIZE", 640),
		DeepFaceHome:       env.getOrDefault("DEEPFACE_HOME", ""),
		RedisURL:           env.getOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueDriver:        strings.ToLower(env.getOrDefault("QUEUE_DRIVER", "redis")),
		QueueName:          env.getOrDefault("QUEUE_NAME", "facedetect:jobs"),
		DatabaseURL:        env.getOrDefault("DATABASE_URL", ""),
		AWSRegion:          env.getOrDefault("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     env.getOrDefault("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: env.getOrDefault("AWS_SECRET_ACCESS_KEY", ""),
		AWSS3Endpoint:      env.getOrDefault("AWS_S3_ENDPOINT", ""),
		WorkerConcurrency:  env.getIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:        env.getInt64OrDefault("MAX_FILE_SIZE", 52428800),  // 50MB
		ProcessingTimeout:  env.getIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
		LogLevel:           strings.ToLower(env.getOrDefault("LOG_LEVEL", "info")),
		LogFile:            env.getOrDefault("LOG_FILE", ""),
		NodeEnv:            env.getOrDefault("NODE_ENV", "development"),
	}

	cfg.YoloWeightsPath, cfg.Warnings = resolveWeightsOverride(source)

	if len(env.errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(env.errs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger := logging.NewLogger("config")
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	return cfg, nil
}

// resolveWeightsOverride returns the custom weights path. The guard key is
// only tested for presence; the path is read from the value key.
func resolveWeightsOverride(source Source) (string, []string) {
	_, guarded := source(CustomWeightsGuardKey)
	value, _ := source(CustomWeightsValueKey)
	value = strings.TrimSpace(value)

	switch {
	case guarded && value != "":
		return value, nil
	case guarded:
		return "", []string{fmt.Sprintf("%s is set but %s is empty; using default weights",
			CustomWeightsGuardKey, CustomWeightsValueKey)}
	case value != "":
		return "", []string{fmt.Sprintf("%s is set but %s is not; custom weights ignored",
			CustomWeightsValueKey, CustomWeightsGuardKey)}
	default:
		return "", nil
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}

	if c.YoloBackend == yolo.BackendOpenCV && c.YoloWeightsPath == "" {
		return fmt.Errorf("YOLO_BACKEND=opencv needs an ONNX export; set %s and %s",
			CustomWeightsGuardKey, CustomWeightsValueKey)
	}

	return nil
}

// YoloConfig returns the detector settings
func (c *Config) YoloConfig() detector.YoloConfig {
	confidence := c.YoloConfidence
	return detector.YoloConfig{
		WeightsPath: c.YoloWeightsPath,
		Device:      c.YoloDevice,
		Confidence:  &confidence,
	}
}

// BackendOptions returns the model backend settings
func (c *Config) BackendOptions() yolo.BackendOptions {
	return yolo.BackendOptions{
		Backend:      c.YoloBackend,
		ServerURL:    c.YoloServerURL,
		Device:       c.YoloDevice,
		NMSThreshold: c.YoloNMSThreshold,
		InputSize:    c.YoloInputSize,
		MaxRPS:       c.YoloServerMaxRPS,
	}
}

// IsProduction reports whether NODE_ENV is production
func (c *Config) IsProduction() bool {
	return c.NodeEnv == "production"
}

// envReader reads typed values from a Source, collecting parse errors
type envReader struct {
	source Source
	errs   []string
}

// getOrDefault gets a value or returns default when unset or empty
func (e *envReader) getOrDefault(key, defaultValue string) string {
	if value, ok := e.source(key); ok && value != "" {
		return value
	}
	return defaultValue
}

// getIntOrDefault gets a value as int or returns default
func (e *envReader) getIntOrDefault(key string, defaultValue int) int {
	valueStr := e.getOrDefault(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s must be an integer, got %q", key, valueStr))
		return defaultValue
	}

	return value
}

// getInt64OrDefault gets a value as int64 or returns default
func (e *envReader) getInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := e.getOrDefault(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(strings.TrimSpace(valueStr), 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s must be an integer, got %q", key, valueStr))
		return defaultValue
	}

	return value
}

// getFloatOrDefault gets a value as float64 or returns default
func (e *envReader) getFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := e.getOrDefault(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s must be a number, got %q", key, valueStr))
		return defaultValue
	}

	return value
}
