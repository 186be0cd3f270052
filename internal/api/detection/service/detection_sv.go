package detectionService

import (
	"DetectionService/internal/api/detection"
	"DetectionService/internal/entity"
	"DetectionService/pkg/codec"
	contextPkg "DetectionService/pkg/context"
	"DetectionService/pkg/log"
	"DetectionService/pkg/metrics"
	"DetectionService/pkg/model"
	"DetectionService/pkg/overlay"
	"DetectionService/pkg/response"
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"time"
)

func (s *detectionService) Annotate(ctx context.Context, req detection.AnnotateRequest) (*detection.AnnotateResponse, error) {
	selector := s.selector(req.ModelVersion)

	result, err := s.Detect(ctx, req)
	if err != nil {
		metrics.AnnotateRequests.WithLabelValues(selector, outcome(err)).Inc()
		return nil, err
	}

	start := time.Now()
	overlay.Draw(result.Image, annotations(result.Image.Bounds(), result.Detections))
	metrics.ObserveStage("draw", start)

	format := req.Format
	if format == "" {
		format = codec.JPEG
	}

	start = time.Now()
	out, err := codec.Encode(result.Image, format, s.cfg.JPEGQuality)
	metrics.ObserveStage("encode", start)
	if err != nil {
		metrics.AnnotateRequests.WithLabelValues(selector, "encoding_error").Inc()
		return nil, response.Wrap(detection.ErrEncoding, err)
	}

	metrics.AnnotateRequests.WithLabelValues(selector, "ok").Inc()
	metrics.DetectionsReturned.WithLabelValues(selector).Add(float64(len(result.Detections)))

	s.log.WithFields(log.Fields{
		"request_id": contextPkg.GetRequestID(ctx),
		"model":      selector,
		"detections": len(result.Detections),
		"format":     format,
	}).Debug("Image annotated")

	return &detection.AnnotateResponse{
		Image:      out,
		MediaType:  format.MediaType(),
		Detections: result.Detections,
	}, nil
}

// Detect decodes the image, resolves the model and runs it. The image is only
// decoded once and the model is only resolved for decodable input.
func (s *detectionService) Detect(ctx context.Context, req detection.AnnotateRequest) (*entity.DetectionResult, error) {
	start := time.Now()
	img, err := codec.Decode(req.Image)
	metrics.ObserveStage("decode", start)
	if err != nil {
		return nil, response.Wrap(detection.ErrInvalidImage, err)
	}

	selector := s.selector(req.ModelVersion)

	start = time.Now()
	backend, err := s.registry.Get(ctx, selector)
	metrics.ObserveStage("resolve", start)
	if err != nil {
		if errors.Is(err, model.ErrModelNotFound) {
			return nil, response.Wrap(detection.ErrModelNotFound, fmt.Errorf("%q: %w", selector, err))
		}
		return nil, response.Wrap(detection.ErrModelLoad, err)
	}

	start = time.Now()
	preds, err := backend.Predict(ctx, img, req.ConfThreshold)
	metrics.ObserveStage("predict", start)
	if err != nil {
		return nil, response.Wrap(detection.ErrInference, err)
	}

	names := backend.Names()
	detections := make([]entity.Detection, 0, len(preds))
	for _, p := range preds {
		if !p.Box.Finite() {
			s.log.WithField("selector", selector).Warn("Dropping detection with a non-finite box")
			continue
		}
		detections = append(detections, entity.Detection{
			Box: entity.Box{
				X1: p.Box.X1,
				Y1: p.Box.Y1,
				X2: p.Box.X2,
				Y2: p.Box.Y2,
			},
			Class:      className(names, p.ClassID),
			Confidence: float64(p.Confidence),
		})
	}

	return &entity.DetectionResult{
		Detections: detections,
		Image:      img,
	}, nil
}

func (s *detectionService) Models() detection.ModelsResponse {
	available := append([]string(nil), s.cfg.AvailableModels...)
	if len(available) == 0 {
		available = []string{s.cfg.DefaultModel}
	}

	loaded := s.registry.Loaded()
	if loaded == nil {
		loaded = []string{}
	}

	return detection.ModelsResponse{
		Default:   s.cfg.DefaultModel,
		Available: available,
		Loaded:    loaded,
	}
}

func (s *detectionService) selector(version string) string {
	if version == "" {
		return s.cfg.DefaultModel
	}
	return version
}

func className(names map[int]string, id int) string {
	if name, ok := names[id]; ok {
		return name
	}
	return "class" + strconv.Itoa(id)
}

// Label renders the text drawn above a detection box.
func Label(d entity.Detection) string {
	return fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
}

// clipMargin keeps far off-image coordinates representable as int while
// leaving every edge and label that could touch the image where it was.
const clipMargin = 64

// Boxes are drawn in backend order.
func annotations(bounds image.Rectangle, detections []entity.Detection) []overlay.Annotation {
	out := make([]overlay.Annotation, 0, len(detections))
	for _, d := range detections {
		box := model.Box{X1: d.Box.X1, Y1: d.Box.Y1, X2: d.Box.X2, Y2: d.Box.Y2}.Clip(bounds, clipMargin)
		out = append(out, overlay.Annotation{
			X1:    int(box.X1),
			Y1:    int(box.Y1),
			X2:    int(box.X2),
			Y2:    int(box.Y2),
			Label: Label(d),
		})
	}
	return out
}

func outcome(err error) string {
	switch {
	case errors.Is(err, detection.ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, detection.ErrModelNotFound):
		return "model_not_found"
	case errors.Is(err, detection.ErrModelLoad):
		return "model_load_error"
	case errors.Is(err, detection.ErrInference):
		return "inference_error"
	default:
		return "error"
	}
}
