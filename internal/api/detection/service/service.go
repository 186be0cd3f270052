package detectionService

import (
	"DetectionService/internal/api/detection"
	"DetectionService/internal/entity"
	"DetectionService/pkg/codec"
	"DetectionService/pkg/model"
	"context"
	"github.com/sirupsen/logrus"
)

type IDetectionService interface {
	Annotate(ctx context.Context, req detection.AnnotateRequest) (*detection.AnnotateResponse, error)
	Detect(ctx context.Context, req detection.AnnotateRequest) (*entity.DetectionResult, error)
	Models() detection.ModelsResponse
}

// Registry resolves model selectors to loaded backends.
type Registry interface {
	Get(ctx context.Context, selector string) (model.Backend, error)
	Loaded() []string
}

type Config struct {
	DefaultModel    string
	AvailableModels []string
	JPEGQuality     int
}

type detectionService struct {
	log      *logrus.Logger
	registry Registry
	cfg      Config
}

func NewDetectionService(
	log *logrus.Logger,
	registry Registry,
	cfg Config,
) IDetectionService {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = detection.DefaultModel
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = codec.DefaultJPEGQuality
	}

	return &detectionService{
		log:      log,
		registry: registry,
		cfg:      cfg,
	}
}
