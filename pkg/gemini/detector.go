package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"

	"DetectionService/pkg/codec"
	"DetectionService/pkg/model"
)

const detectPrompt = `
Detect every object in this image that belongs to one of these classes:
%s

Return ONLY a JSON array. Each element must look like:
{"box_2d": [ymin, xmin, ymax, xmax], "label": "class name", "confidence": 0.0}
Coordinates are integers normalized to 0-1000. confidence is your certainty between 0 and 1.
Only report objects with confidence of at least %.2f. Return [] when nothing is found.
`

type detection struct {
	Box2D      []float64 `json:"box_2d"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
}

// Detector asks a Gemini vision model for bounding boxes of COCO classes.
type Detector struct {
	client    IGemini
	modelName string
	names     map[int]string
	index     map[string]int
}

// NewLoader resolves "gemini:<model-name>" selectors. Without a client every
// selector is reported as not found.
func NewLoader(client IGemini) model.Loader {
	names := model.NamesFromList(model.COCONames)
	index := model.ClassIndex(names)

	return func(_ context.Context, modelName string) (model.Backend, error) {
		if client == nil {
			return nil, fmt.Errorf("%w: gemini backend is not configured", model.ErrModelNotFound)
		}
		return &Detector{
			client:    client,
			modelName: modelName,
			names:     names,
			index:     index,
		}, nil
	}
}

func (d *Detector) Predict(ctx context.Context, img image.Image, conf float64) ([]model.Prediction, error) {
	data, err := codec.Encode(img, codec.JPEG, codec.DefaultJPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("encode image for gemini: %w", err)
	}

	prompt := fmt.Sprintf(detectPrompt, strings.Join(model.COCONames, ", "), conf)
	response, err := d.client.AnalyzeImage(ctx, d.modelName, data, prompt)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	return parseDetections(response, b.Dx(), b.Dy(), conf, d.index)
}

func (d *Detector) Names() map[int]string {
	return d.names
}

// Close is a no-op; the client is shared by every Gemini model and closed at shutdown.
func (d *Detector) Close() error {
	return nil
}

func parseDetections(response string, width, height int, conf float64, index map[string]int) ([]model.Prediction, error) {
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")

	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, errors.New("cannot find valid JSON in response")
	}

	var items []detection
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &items); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}

	preds := make([]model.Prediction, 0, len(items))
	for _, item := range items {
		classID, ok := index[strings.ToLower(strings.TrimSpace(item.Label))]
		if !ok || len(item.Box2D) != 4 || item.Confidence < conf {
			continue
		}

		box := model.Box{
			X1: scale(item.Box2D[1], width),
			Y1: scale(item.Box2D[0], height),
			X2: scale(item.Box2D[3], width),
			Y2: scale(item.Box2D[2], height),
		}
		if box.X2 <= box.X1 || box.Y2 <= box.Y1 {
			continue
		}

		preds = append(preds, model.Prediction{
			Box:        box,
			ClassID:    classID,
			Confidence: float32(item.Confidence),
		})
	}

	return preds, nil
}

func scale(v float64, size int) float64 {
	return max(0, min(v, 1000)) / 1000 * float64(size)
}
