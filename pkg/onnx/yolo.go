package onnx

import (
	"fmt"
	"image"
	"sort"

	"DetectionService/pkg/model"
	"github.com/disintegration/imaging"
)

// fillInput resizes img to the network input and writes it as planar RGB in [0,1].
func fillInput(img image.Image, dst []float32) {
	resized := imaging.Resize(img, InputSize, InputSize, imaging.Linear)
	channelSize := InputSize * InputSize

	for y := 0; y < InputSize; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < InputSize; x++ {
			i := y*InputSize + x
			p := row[x*4 : x*4+3]
			dst[i] = float32(p[0]) / 255.0
			dst[channelSize+i] = float32(p[1]) / 255.0
			dst[channelSize*2+i] = float32(p[2]) / 255.0
		}
	}
}

// decodeOutput reads a [1, 4+numClasses, NumAnchors] YOLOv8 head. Each anchor
// keeps its best class when that score reaches conf; boxes are scaled back to
// the source image and clamped to it.
func decodeOutput(out []float32, numClasses, width, height int, conf float32) ([]model.Prediction, error) {
	if want := (4 + numClasses) * NumAnchors; len(out) < want {
		return nil, fmt.Errorf("unexpected output length: got %d, want %d", len(out), want)
	}

	scaleX := float64(width) / InputSize
	scaleY := float64(height) / InputSize

	preds := make([]model.Prediction, 0, 64)
	for i := 0; i < NumAnchors; i++ {
		classID, score := -1, float32(0)
		for c := 0; c < numClasses; c++ {
			if v := out[(4+c)*NumAnchors+i]; v > score {
				classID, score = c, v
			}
		}
		if classID < 0 || score < conf {
			continue
		}

		cx := float64(out[i])
		cy := float64(out[NumAnchors+i])
		w := float64(out[2*NumAnchors+i])
		h := float64(out[3*NumAnchors+i])

		box := model.Box{
			X1: clamp((cx-w/2)*scaleX, 0, float64(width)),
			Y1: clamp((cy-h/2)*scaleY, 0, float64(height)),
			X2: clamp((cx+w/2)*scaleX, 0, float64(width)),
			Y2: clamp((cy+h/2)*scaleY, 0, float64(height)),
		}
		if box.X2 <= box.X1 || box.Y2 <= box.Y1 {
			continue
		}

		preds = append(preds, model.Prediction{Box: box, ClassID: classID, Confidence: score})
	}

	return preds, nil
}

// nonMaxSuppression keeps the highest scoring box of every overlapping group
// of the same class, ordered by confidence.
func nonMaxSuppression(preds []model.Prediction, iouThreshold float64, limit int) []model.Prediction {
	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Confidence > preds[j].Confidence
	})

	kept := make([]model.Prediction, 0, len(preds))
	suppressed := make([]bool, len(preds))
	for i := range preds {
		if suppressed[i] {
			continue
		}
		kept = append(kept, preds[i])
		if limit > 0 && len(kept) == limit {
			break
		}
		for j := i + 1; j < len(preds); j++ {
			if suppressed[j] || preds[j].ClassID != preds[i].ClassID {
				continue
			}
			if preds[i].Box.IoU(preds[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
