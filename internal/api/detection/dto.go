package detection

import (
	"DetectionService/internal/entity"
	"DetectionService/pkg/codec"
)

const (
	DefaultConfThreshold = 0.3
	DefaultModel         = "yolov8n.pt"
)

type AnnotateRequest struct {
	Image         []byte
	ConfThreshold float64
	ModelVersion  string
	Format        codec.Format
}

type AnnotateResponse struct {
	Image      []byte
	MediaType  string
	Detections []entity.Detection
}

// DetectRequest carries the query or form parameters of POST /detect/ and
// the settings messages of the detection stream.
type DetectRequest struct {
	ConfThreshold string `json:"conf_threshold" validate:"omitempty,max=32"`
	ModelVersion  string `json:"model_version" validate:"omitempty,max=128"`
	Format        string `json:"format" validate:"omitempty,oneof=jpeg jpg png"`
}

type DetectionsResponse struct {
	Model      string             `json:"model"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Detections []entity.Detection `json:"detections"`
}

type ModelsResponse struct {
	Default   string   `json:"default"`
	Available []string `json:"available"`
	Loaded    []string `json:"loaded"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
