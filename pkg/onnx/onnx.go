// Package onnx runs YOLOv8 detection checkpoints exported to ONNX through onnxruntime.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"DetectionService/pkg/model"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	InputSize       = 640
	NumAnchors      = 8400
	IoUThreshold    = 0.45
	MaxDetections   = 300
	DefaultPoolSize = 2

	DefaultDrainTimeout = 5 * time.Second
)

var (
	initOnce sync.Once
	initErr  error
)

// Init loads the onnxruntime shared library once per process.
func Init(libPath string) error {
	initOnce.Do(func() {
		if libPath == "" {
			libPath = defaultSharedLibPath()
		}
		ort.SetSharedLibraryPath(libPath)
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

func Destroy() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func defaultSharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/libonnxruntime_arm64.so"
		}
		return "./third_party/libonnxruntime.so"
	}
}

// ModelStore fetches model files that are missing locally. Download must
// return an error wrapping fs.ErrNotExist when the store has no such key.
type ModelStore interface {
	Download(ctx context.Context, key, dst string) error
}

type Config struct {
	ModelDir    string
	LibraryPath string
	PoolSize    int
	Names       []string
	Store       ModelStore
	// DrainTimeout bounds how long Close waits for running inferences.
	DrainTimeout time.Duration
}

type Loader struct {
	cfg Config
	log *logrus.Logger
	mu  sync.Mutex
}

func NewLoader(cfg Config, log *logrus.Logger) *Loader {
	if cfg.ModelDir == "" {
		cfg.ModelDir = "./models"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if len(cfg.Names) == 0 {
		cfg.Names = model.COCONames
	}
	return &Loader{cfg: cfg, log: log}
}

// ModelFileName maps a selector such as "yolov8n.pt" to its exported file "yolov8n.onnx".
func ModelFileName(selector string) (string, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" || strings.ContainsAny(selector, `/\`) || strings.Contains(selector, "..") {
		return "", fmt.Errorf("%w: invalid selector %q", model.ErrModelNotFound, selector)
	}
	base := strings.TrimSuffix(selector, filepath.Ext(selector))
	if base == "" {
		return "", fmt.Errorf("%w: invalid selector %q", model.ErrModelNotFound, selector)
	}
	return base + ".onnx", nil
}

func (l *Loader) Load(ctx context.Context, selector string) (model.Backend, error) {
	path, err := l.resolve(ctx, selector)
	if err != nil {
		return nil, err
	}

	if err := Init(l.cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	pool, err := newSessionPool(path, len(l.cfg.Names), l.cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("create sessions for %s: %w", filepath.Base(path), err)
	}

	l.log.WithFields(logrus.Fields{
		"model":     selector,
		"path":      path,
		"pool_size": l.cfg.PoolSize,
	}).Info("ONNX model sessions ready")

	return &Backend{
		pool:         pool,
		names:        model.NamesFromList(l.cfg.Names),
		drainTimeout: l.cfg.DrainTimeout,
	}, nil
}

func (l *Loader) resolve(ctx context.Context, selector string) (string, error) {
	fileName, err := ModelFileName(selector)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.cfg.ModelDir, fileName)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat model file: %w", err)
	}

	if l.cfg.Store == nil {
		return "", fmt.Errorf("%w: %s", model.ErrModelNotFound, selector)
	}

	// downloads of different selectors may race on creating the directory only
	l.mu.Lock()
	err = os.MkdirAll(l.cfg.ModelDir, 0o755)
	l.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"model": selector,
		"key":   fileName,
	}).Info("Model file missing locally, fetching from store")

	if err := l.cfg.Store.Download(ctx, fileName, path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", model.ErrModelNotFound, selector)
		}
		return "", fmt.Errorf("download model file: %w", err)
	}

	return path, nil
}

// Backend is a loaded model with a fixed pool of sessions.
type Backend struct {
	pool         *sessionPool
	names        map[int]string
	drainTimeout time.Duration
}

func (b *Backend) Predict(ctx context.Context, img image.Image, conf float64) ([]model.Prediction, error) {
	s, err := b.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer b.pool.release(s)

	bounds := img.Bounds()
	fillInput(img, s.input.GetData())

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	preds, err := decodeOutput(s.output.GetData(), len(b.names), bounds.Dx(), bounds.Dy(), float32(conf))
	if err != nil {
		return nil, err
	}

	return nonMaxSuppression(preds, IoUThreshold, MaxDetections), nil
}

func (b *Backend) Names() map[int]string {
	return b.names
}

// Close waits up to DrainTimeout for running inferences before freeing sessions.
func (b *Backend) Close() error {
	return b.pool.destroy(b.drainTimeout)
}
