// Package model holds the detection backend contract and the registry that
// resolves model selectors to loaded backends.
package model

import (
	"context"
	"errors"
	"image"
	"math"
)

var (
	ErrModelNotFound  = errors.New("model not found")
	ErrRegistryClosed = errors.New("model registry is closed")
)

// Box is an axis-aligned box in pixel coordinates of the source image.
type Box struct {
	X1, Y1, X2, Y2 float64
}

func (b Box) Area() float64 {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return 0
	}
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// Finite reports whether every coordinate is a real number.
func (b Box) Finite() bool {
	for _, v := range [...]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Clip limits the box to r, widened by pad on every side.
func (b Box) Clip(r image.Rectangle, pad float64) Box {
	minX, maxX := float64(r.Min.X)-pad, float64(r.Max.X)+pad
	minY, maxY := float64(r.Min.Y)-pad, float64(r.Max.Y)+pad
	return Box{
		X1: min(max(b.X1, minX), maxX),
		Y1: min(max(b.Y1, minY), maxY),
		X2: min(max(b.X2, minX), maxX),
		Y2: min(max(b.Y2, minY), maxY),
	}
}

// IoU returns the intersection over union of two boxes.
func (b Box) IoU(o Box) float64 {
	inter := Box{
		X1: max(b.X1, o.X1),
		Y1: max(b.Y1, o.Y1),
		X2: min(b.X2, o.X2),
		Y2: min(b.Y2, o.Y2),
	}.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

type Prediction struct {
	Box        Box
	ClassID    int
	Confidence float32
}

// Backend runs a loaded detection model. Implementations own region proposal,
// classification, confidence filtering and duplicate suppression, and must be
// safe for concurrent use.
type Backend interface {
	Predict(ctx context.Context, img image.Image, conf float64) ([]Prediction, error)
	Names() map[int]string
	Close() error
}

// Loader builds the backend for a selector. Unknown selectors fail with an
// error wrapping ErrModelNotFound.
type Loader func(ctx context.Context, selector string) (Backend, error)
