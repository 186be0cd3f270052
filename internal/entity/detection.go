package entity

import "image"

type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type Detection struct {
	Box        Box     `json:"box"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// DetectionResult holds the detections of one call together with the decoded
// image they refer to. The image is private to the call.
type DetectionResult struct {
	Detections []Detection
	Image      *image.NRGBA
}
