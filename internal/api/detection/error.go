package detection

import (
	"DetectionService/pkg/response"
	"net/http"
)

var (
	ErrInvalidImage     = response.NewError(http.StatusBadRequest, "invalid image")
	ErrMissingFile      = response.NewError(http.StatusBadRequest, "missing image file")
	ErrInvalidParameter = response.NewError(http.StatusBadRequest, "invalid parameter")
	ErrFileTooLarge     = response.NewError(http.StatusRequestEntityTooLarge, "image file too large")
	ErrModelNotFound    = response.NewError(http.StatusNotFound, "model not found")
	ErrModelLoad        = response.NewError(http.StatusInternalServerError, "failed to load model")
	ErrInference        = response.NewError(http.StatusInternalServerError, "inference failed")
	ErrEncoding         = response.NewError(http.StatusInternalServerError, "failed to encode image")
)
