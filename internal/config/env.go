package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Env struct {
	AppName string
	AppPort string
	AppEnv  string

	ModelDir             string
	DefaultModel         string
	AvailableModels      []string
	PreloadModels        []string
	DefaultConfThreshold float64
	JPEGQuality          int

	OnnxLibraryPath string
	OnnxPoolSize    int

	DetectTimeout  time.Duration
	BodyLimitMB    int
	RateLimitRPS   float64
	RateLimitBurst int

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	ModelBucket        string
	ModelPrefix        string
	S3Endpoint         string

	GeminiAPIKey      string
	RemoteDetectorURL string
}

// LoadEnv reads the process environment. Unset variables take their
// defaults; set but malformed numbers are an error.
func LoadEnv() (*Env, error) {
	env := &Env{
		AppName: getEnv("APP_NAME", "Detection Service"),
		AppPort: getEnv("APP_PORT", "8000"),
		AppEnv:  getEnv("APP_ENV", "development"),

		ModelDir:        getEnv("MODEL_DIR", "./models"),
		DefaultModel:    getEnv("DEFAULT_MODEL", "yolov8n.pt"),
		AvailableModels: getEnvList("AVAILABLE_MODELS", "yolov8n.pt,yolov8s.pt,yolov8m.pt"),
		PreloadModels:   getEnvList("PRELOAD_MODELS", ""),

		OnnxLibraryPath: getEnv("ONNX_LIBRARY_PATH", ""),

		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		ModelBucket:        getEnv("MODEL_BUCKET", ""),
		ModelPrefix:        strings.Trim(getEnv("MODEL_PREFIX", ""), "/"),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),

		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		RemoteDetectorURL: getEnv("REMOTE_DETECTOR_URL", ""),
	}

	var err error
	if env.DefaultConfThreshold, err = getEnvFloat("DEFAULT_CONF_THRESHOLD", 0.3); err != nil {
		return nil, err
	}
	if env.JPEGQuality, err = getEnvInt("JPEG_QUALITY", 90); err != nil {
		return nil, err
	}
	if env.JPEGQuality < 1 || env.JPEGQuality > 100 {
		return nil, fmt.Errorf("JPEG_QUALITY must be between 1 and 100, got %d", env.JPEGQuality)
	}
	if env.OnnxPoolSize, err = getEnvInt("ONNX_POOL_SIZE", 2); err != nil {
		return nil, err
	}
	if env.DetectTimeout, err = getEnvDuration("DETECT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if env.BodyLimitMB, err = getEnvInt("BODY_LIMIT_MB", 20); err != nil {
		return nil, err
	}
	if env.RateLimitRPS, err = getEnvFloat("RATE_LIMIT_RPS", 0); err != nil {
		return nil, err
	}
	if env.RateLimitBurst, err = getEnvInt("RATE_LIMIT_BURST", 0); err != nil {
		return nil, err
	}
	if env.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}

	return env, nil
}

func (e *Env) BodyLimit() int {
	if e.BodyLimitMB <= 0 {
		return 20 * 1024 * 1024
	}
	return e.BodyLimitMB * 1024 * 1024
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvList(key, defaultVal string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultVal), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// getEnvDuration accepts Go durations ("45s") or a plain number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
