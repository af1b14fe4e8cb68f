// Package config loads runtime settings from the environment (optionally
// seeded from a .env file) and validates them.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Backend names
const (
	BackendONNX   = "onnx"
	BackendRemote = "remote"
)

// Config holds all runtime settings
type Config struct {
	// camera
	CameraIndex int `validate:"min=0"`
	Width       int `validate:"min=0,max=7680"`
	Height      int `validate:"min=0,max=4320"`
	TargetFPS   int `validate:"min=1,max=240"`
	Rotation    int `validate:"oneof=0 90 180 270"`
	PoolSize    int `validate:"min=2,max=16"`

	// detection
	Backend         string        `validate:"oneof=onnx remote"`
	ModelPath       string        `validate:"required_if=Backend onnx"`
	OrtLibPath      string        `validate:"required_if=Backend onnx"`
	DetectionSize   int           `validate:"oneof=320 480 640"`
	ConfThreshold   float32       `validate:"gt=0,lt=1"`
	NMSThreshold    float32       `validate:"gt=0,lt=1"`
	CoreML          bool
	Threads         int           `validate:"min=0,max=64"`
	RemoteURL       string        `validate:"required_if=Backend remote,omitempty,url"`
	AnalysisTimeout time.Duration `validate:"min=100ms,max=1m"`

	// display
	Preview        bool
	ViewportWidth  int `validate:"min=160"`
	ViewportHeight int `validate:"min=160"`
	Mirror         bool
	ShowFPS        bool
	OverlayAddr    string `validate:"omitempty,hostname_port"`

	// logging
	LogLevel string `validate:"oneof=trace debug info warn warning error"`
	LogFile  string
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		TargetFPS:       30,
		PoolSize:        4,
		Backend:         BackendONNX,
		ModelPath:       "models/scrfd_10g.onnx",
		OrtLibPath:      "/opt/homebrew/lib/libonnxruntime.dylib",
		DetectionSize:   640,
		ConfThreshold:   0.5,
		NMSThreshold:    0.4,
		AnalysisTimeout: 2 * time.Second,
		Preview:         true,
		ViewportWidth:   960,
		ViewportHeight:  720,
		ShowFPS:         true,
		LogLevel:        "info",
	}
}

// Load reads envFile (a missing file is ignored), then applies FACEPREVIEW_*
// variables over the defaults. The result is not validated; flags may still
// override it.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	var errs []error
	env := envReader{errs: &errs}

	env.integer("CAMERA_INDEX", &cfg.CameraIndex)
	env.integer("CAMERA_WIDTH", &cfg.Width)
	env.integer("CAMERA_HEIGHT", &cfg.Height)
	env.integer("TARGET_FPS", &cfg.TargetFPS)
	env.integer("ROTATION", &cfg.Rotation)
	env.integer("POOL_SIZE", &cfg.PoolSize)

	env.str("BACKEND", &cfg.Backend)
	env.str("MODEL_PATH", &cfg.ModelPath)
	env.str("ORT_LIB_PATH", &cfg.OrtLibPath)
	env.integer("DETECTION_SIZE", &cfg.DetectionSize)
	env.float("CONF_THRESHOLD", &cfg.ConfThreshold)
	env.float("NMS_THRESHOLD", &cfg.NMSThreshold)
	env.boolean("COREML", &cfg.CoreML)
	env.integer("THREADS", &cfg.Threads)
	env.str("REMOTE_URL", &cfg.RemoteURL)
	env.duration("ANALYSIS_TIMEOUT", &cfg.AnalysisTimeout)

	env.boolean("PREVIEW", &cfg.Preview)
	env.integer("VIEWPORT_WIDTH", &cfg.ViewportWidth)
	env.integer("VIEWPORT_HEIGHT", &cfg.ViewportHeight)
	env.boolean("MIRROR", &cfg.Mirror)
	env.boolean("SHOW_FPS", &cfg.ShowFPS)
	env.str("OVERLAY_ADDR", &cfg.OverlayAddr)

	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("LOG_FILE", &cfg.LogFile)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and reports all failures at once
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", fe.Field(), fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

const envPrefix = "FACEPREVIEW_"

type envReader struct {
	errs *[]error
}

func (r envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r envReader) fail(key string, err error) {
	*r.errs = append(*r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
}

func (r envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r envReader) integer(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = n
	}
}

func (r envReader) float(key string, dst *float32) {
	if v, ok := r.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = float32(f)
	}
}

func (r envReader) boolean(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = b
	}
}

func (r envReader) duration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = d
	}
}
