package detectionHandler

import (
	"DetectionService/internal/api/detection"
	"DetectionService/internal/entity"
	"DetectionService/pkg/codec"
	contextPkg "DetectionService/pkg/context"
	"DetectionService/pkg/handlerUtil"
	"DetectionService/pkg/log"
	"DetectionService/pkg/response"
	"DetectionService/pkg/utils"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"
)

type annotateResult struct {
	resp *detection.AnnotateResponse
	err  error
}

type detectResult struct {
	result *entity.DetectionResult
	err    error
}

func (h *DetectionHandler) Detect(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), h.cfg.Timeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"path":       ctx.Path(),
	}).Debug("Processing detection request")

	req, ok, err := h.parseUpload(ctx, requestID)
	if !ok {
		return err
	}

	done := make(chan annotateResult, 1)
	go func() {
		resp, err := h.detectionService.Annotate(c, req)
		done <- annotateResult{resp: resp, err: err}
	}()

	select {
	case <-c.Done():
		h.logTimeout(ctx, requestID)
		return errHandler.HandleRequestTimeout(ctx)
	case result := <-done:
		if result.err != nil {
			return errHandler.Handle(ctx, requestID, result.err, ctx.Path(), "annotate")
		}

		h.log.WithFields(log.Fields{
			"request_id": requestID,
			"path":       ctx.Path(),
			"model":      req.ModelVersion,
			"detections": len(result.resp.Detections),
			"bytes":      len(result.resp.Image),
		}).Info("Detection successful")

		ctx.Set("X-Detection-Count", strconv.Itoa(len(result.resp.Detections)))
		return errHandler.HandleImage(ctx, result.resp.MediaType, result.resp.Image)
	}
}

// DetectJSON runs detection without drawing and returns the detections.
func (h *DetectionHandler) DetectJSON(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), h.cfg.Timeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	req, ok, err := h.parseUpload(ctx, requestID)
	if !ok {
		return err
	}

	done := make(chan detectResult, 1)
	go func() {
		result, err := h.detectionService.Detect(c, req)
		done <- detectResult{result: result, err: err}
	}()

	select {
	case <-c.Done():
		h.logTimeout(ctx, requestID)
		return errHandler.HandleRequestTimeout(ctx)
	case res := <-done:
		if res.err != nil {
			return errHandler.Handle(ctx, requestID, res.err, ctx.Path(), "detect")
		}

		bounds := res.result.Image.Bounds()
		detections := res.result.Detections
		if detections == nil {
			detections = []entity.Detection{}
		}

		ctx.Set("X-Detection-Count", strconv.Itoa(len(detections)))
		return errHandler.HandleSuccess(ctx, fiber.StatusOK, detection.DetectionsResponse{
			Model:      req.ModelVersion,
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
			Detections: detections,
		})
	}
}

// parseUpload reads parameters and the uploaded image. When ok is false the
// error response has already been written and err is the result of writing it.
func (h *DetectionHandler) parseUpload(ctx *fiber.Ctx, requestID string) (req detection.AnnotateRequest, ok bool, err error) {
	errHandler := handlerUtil.New(h.log)

	params := detection.DetectRequest{
		ConfThreshold: ctx.FormValue("conf_threshold"),
		ModelVersion:  ctx.FormValue("model_version"),
		Format:        strings.ToLower(ctx.FormValue("format")),
	}
	if err := h.validator.Struct(params); err != nil {
		return req, false, errHandler.HandleValidationError(ctx, requestID, err, ctx.Path())
	}

	req, err = h.annotateRequest(params)
	if err != nil {
		return req, false, errHandler.Handle(ctx, requestID, err, ctx.Path(), "parse_parameters")
	}

	file, err := ctx.FormFile("file")
	if err != nil {
		file, err = ctx.FormFile("image")
	}
	if err != nil {
		return req, false, errHandler.Handle(ctx, requestID, response.Wrap(detection.ErrMissingFile, err), ctx.Path(), "read_form_file")
	}

	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"path":       ctx.Path(),
		"file_name":  file.Filename,
		"file_size":  file.Size,
		"model":      req.ModelVersion,
		"conf":       req.ConfThreshold,
	}).Debug("Processing file upload")

	req.Image, err = h.utils.ReadImageFile(file)
	if err != nil {
		return req, false, errHandler.Handle(ctx, requestID, uploadError(err), ctx.Path(), "read_image_file")
	}

	return req, true, nil
}

func (h *DetectionHandler) logTimeout(ctx *fiber.Ctx, requestID string) {
	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"path":       ctx.Path(),
		"timeout":    h.cfg.Timeout.String(),
	}).Warn("Detection request timed out")
}

func (h *DetectionHandler) Models(ctx *fiber.Ctx) error {
	errHandler := handlerUtil.New(h.log)
	return errHandler.HandleSuccess(ctx, fiber.StatusOK, h.detectionService.Models())
}

// handleDetectWebSocket annotates every binary frame it receives. Text frames
// carry JSON settings that apply to the frames after them.
func (h *DetectionHandler) handleDetectWebSocket(c *websocket.Conn) {
	h.log.Info("Detection WebSocket client connected")
	defer h.log.Info("Detection WebSocket client disconnected")

	c.SetPingHandler(func(data string) error {
		h.log.Debug("Received ping, sending pong")
		if err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second)); err != nil {
			h.log.Errorf("Error sending pong: %v", err)
		}
		return nil
	})

	settings, err := h.annotateRequest(detection.DetectRequest{
		ConfThreshold: c.Query("conf_threshold"),
		ModelVersion:  c.Query("model_version"),
		Format:        strings.ToLower(c.Query("format")),
	})
	if err != nil {
		h.writeStreamError(c, err)
		return
	}

	requestID, _ := c.Locals("X-Request-ID").(string)
	baseCtx := contextPkg.WithRequestID(context.Background(), requestID)
	maxReadTimeout := 60 * time.Second

	for {
		if err := c.SetReadDeadline(time.Now().Add(maxReadTimeout)); err != nil {
			h.log.Errorf("Error setting read deadline: %v", err)
			break
		}

		messageType, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Errorf("Detection WebSocket error: %v", err)
			} else {
				h.log.Info("Detection WebSocket connection closed")
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			next, err := h.updateSettings(settings, message)
			if err != nil {
				if !h.writeStreamError(c, err) {
					return
				}
				continue
			}
			settings = next

		case websocket.BinaryMessage:
			req := settings
			req.Image = message

			ctx, cancel := context.WithTimeout(baseCtx, h.cfg.Timeout)
			resp, err := h.detectionService.Annotate(ctx, req)
			cancel()
			if err != nil {
				h.log.Errorf("Error processing frame: %v", err)
				if !h.writeStreamError(c, err) {
					return
				}
				continue
			}

			if err := c.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				h.log.Errorf("Error setting write deadline: %v", err)
				return
			}

			if err := c.WriteMessage(websocket.BinaryMessage, resp.Image); err != nil {
				h.log.Errorf("Error writing annotated frame: %v", err)
				return
			}

			if err := c.SetWriteDeadline(time.Time{}); err != nil {
				h.log.Errorf("Error resetting write deadline: %v", err)
				return
			}

		default:
			h.log.Warnf("Received unexpected message type: %d", messageType)
		}
	}
}

func (h *DetectionHandler) updateSettings(current detection.AnnotateRequest, message []byte) (detection.AnnotateRequest, error) {
	var params detection.DetectRequest
	if err := jsoniter.Unmarshal(message, &params); err != nil {
		return current, response.Wrap(detection.ErrInvalidParameter, err)
	}
	if err := h.validator.Struct(params); err != nil {
		return current, response.Wrap(detection.ErrInvalidParameter, err)
	}

	next, err := h.annotateRequest(params)
	if err != nil {
		return current, err
	}
	if params.ConfThreshold == "" {
		next.ConfThreshold = current.ConfThreshold
	}
	if params.ModelVersion == "" {
		next.ModelVersion = current.ModelVersion
	}
	if params.Format == "" {
		next.Format = current.Format
	}
	return next, nil
}

// writeStreamError reports a failed frame to the client and tells whether the
// connection is still usable.
func (h *DetectionHandler) writeStreamError(c *websocket.Conn, err error) bool {
	if writeErr := c.WriteJSON(detection.ErrorResponse{Error: publicMessage(err)}); writeErr != nil {
		h.log.Errorf("Error sending error response: %v", writeErr)
		return false
	}
	return true
}

func (h *DetectionHandler) annotateRequest(params detection.DetectRequest) (detection.AnnotateRequest, error) {
	req := detection.AnnotateRequest{
		ConfThreshold: h.cfg.DefaultConfThreshold,
		// fiber values alias the request buffer and the selector outlives it as a registry key
		ModelVersion: strings.Clone(strings.TrimSpace(params.ModelVersion)),
	}

	if params.ConfThreshold != "" {
		conf, err := strconv.ParseFloat(strings.TrimSpace(params.ConfThreshold), 64)
		if err != nil {
			return req, response.Wrap(detection.ErrInvalidParameter, fmt.Errorf("conf_threshold %q is not a number", params.ConfThreshold))
		}
		req.ConfThreshold = conf
	}

	format, err := codec.ParseFormat(params.Format)
	if err != nil {
		return req, response.Wrap(detection.ErrInvalidParameter, err)
	}
	req.Format = format

	return req, nil
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, utils.ErrFileTooLarge):
		return response.Wrap(detection.ErrFileTooLarge, err)
	case errors.Is(err, utils.ErrEmptyFile):
		return response.Wrap(detection.ErrInvalidImage, err)
	case errors.Is(err, utils.ErrNoFile):
		return response.Wrap(detection.ErrMissingFile, err)
	}
	return err
}

func publicMessage(err error) string {
	var respErr *response.Error
	if errors.As(err, &respErr) {
		if respErr.ClientFacing() {
			return err.Error()
		}
		return respErr.Error()
	}
	return "An unexpected error occurred"
}
