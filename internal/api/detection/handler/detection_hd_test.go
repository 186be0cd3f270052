package detectionHandler

import (
	"DetectionService/internal/api/detection"
	detectionService "DetectionService/internal/api/detection/service"
	"DetectionService/internal/entity"
	"DetectionService/internal/middleware"
	"DetectionService/pkg/model"
	"DetectionService/pkg/response"
	"DetectionService/pkg/utils"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	mu       sync.Mutex
	requests []detection.AnnotateRequest
	err      error
	delay    time.Duration
}

func (s *stubService) Annotate(ctx context.Context, req detection.AnnotateRequest) (*detection.AnnotateResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &detection.AnnotateResponse{
		Image:     append([]byte("annotated:"), req.Image...),
		MediaType: req.Format.MediaType(),
		Detections: []entity.Detection{
			{Class: "cat", Confidence: 0.87},
			{Class: "dog", Confidence: 0.5},
		},
	}, nil
}

func (s *stubService) Detect(ctx context.Context, req detection.AnnotateRequest) (*entity.DetectionResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	return &entity.DetectionResult{
		Image: image.NewNRGBA(image.Rect(0, 0, 64, 48)),
		Detections: []entity.Detection{
			{Box: entity.Box{X1: 10, Y1: 10, X2: 50, Y2: 40}, Class: "cat", Confidence: 0.87},
		},
	}, nil
}

func (s *stubService) Models() detection.ModelsResponse {
	return detection.ModelsResponse{
		Default:   "yolov8n.pt",
		Available: []string{"yolov8n.pt", "yolov8s.pt"},
		Loaded:    []string{},
	}
}

func (s *stubService) last() detection.AnnotateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newTestApp(svc *stubService, timeout time.Duration) *fiber.App {
	return newHandlerApp(svc, timeout)
}

func newHandlerApp(svc detectionService.IDetectionService, timeout time.Duration) *fiber.App {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mw := middleware.New(logger, middleware.Config{})
	h := New(logger, validator.New(), mw, svc, utils.New(1024), Config{
		DefaultConfThreshold: detection.DefaultConfThreshold,
		Timeout:              timeout,
	})

	app := fiber.New(fiber.Config{StrictRouting: true})
	app.Use(mw.NewRequestIDMiddleware())
	h.Start(app)
	return app
}

func multipartRequest(t *testing.T, target, field string, data []byte, fields map[string]string) *http.Request {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if field != "" {
		part, err := w.CreateFormFile(field, "photo.jpg")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func errorBody(t *testing.T, resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestDetectDefaults(t *testing.T) {
	svc := &stubService{}
	app := newTestApp(svc, time.Second)

	resp, err := app.Test(multipartRequest(t, "/detect/", "file", []byte("img"), nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "2", resp.Header.Get("X-Detection-Count"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "annotated:img", string(body))

	got := svc.last()
	assert.Equal(t, 0.3, got.ConfThreshold)
	assert.Equal(t, "", got.ModelVersion)
	assert.Equal(t, []byte("img"), got.Image)
}

func TestDetectParameters(t *testing.T) {
	svc := &stubService{}
	app := newTestApp(svc, time.Second)

	resp, err := app.Test(multipartRequest(t, "/detect/?conf_threshold=0.55&model_version=yolov8s.pt&format=png", "file", []byte("img"), nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	got := svc.last()
	assert.Equal(t, 0.55, got.ConfThreshold)
	assert.Equal(t, "yolov8s.pt", got.ModelVersion)

	resp, err = app.Test(multipartRequest(t, "/detect", "image", []byte("img"), map[string]string{
		"conf_threshold": "0.8",
		"model_version":  "yolov8m.pt",
	}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got = svc.last()
	assert.Equal(t, 0.8, got.ConfThreshold)
	assert.Equal(t, "yolov8m.pt", got.ModelVersion)
}

func TestDetectBadInput(t *testing.T) {
	tests := []struct {
		name   string
		req    func(t *testing.T) *http.Request
		status int
	}{
		{
			name:   "missing file",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "/detect/", "", nil, nil) },
			status: http.StatusBadRequest,
		},
		{
			name: "malformed threshold",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/detect/?conf_threshold=high", "file", []byte("img"), nil)
			},
			status: http.StatusBadRequest,
		},
		{
			name: "unknown format",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/detect/?format=webp", "file", []byte("img"), nil)
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "empty file",
			req:    func(t *testing.T) *http.Request { return multipartRequest(t, "/detect/", "file", []byte{}, nil) },
			status: http.StatusBadRequest,
		},
		{
			name: "file too large",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, "/detect/", "file", bytes.Repeat([]byte("x"), 2048), nil)
			},
			status: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			app := newTestApp(svc, time.Second)

			resp, err := app.Test(tt.req(t))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, errorBody(t, resp))
			assert.Empty(t, svc.requests)
		})
	}
}

func TestDetectServiceErrors(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{
			err:     response.Wrap(detection.ErrInvalidImage, errors.New("unexpected EOF")),
			status:  http.StatusBadRequest,
			message: "invalid image: unexpected EOF",
		},
		{
			err:     response.Wrap(detection.ErrModelNotFound, errors.New(`"yolov99.pt"`)),
			status:  http.StatusNotFound,
			message: `model not found: "yolov99.pt"`,
		},
		{
			err:     response.Wrap(detection.ErrModelLoad, errors.New("/srv/models/x.onnx: corrupt")),
			status:  http.StatusInternalServerError,
			message: "failed to load model",
		},
		{
			err:     response.Wrap(detection.ErrInference, errors.New("tensor mismatch")),
			status:  http.StatusInternalServerError,
			message: "inference failed",
		},
		{
			err:     response.Wrap(detection.ErrEncoding, errors.New("disk")),
			status:  http.StatusInternalServerError,
			message: "failed to encode image",
		},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			app := newTestApp(&stubService{err: tt.err}, time.Second)

			resp, err := app.Test(multipartRequest(t, "/detect/", "file", []byte("img"), nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.message, errorBody(t, resp))
		})
	}
}

func TestDetectTimeout(t *testing.T) {
	app := newTestApp(&stubService{delay: 300 * time.Millisecond}, 20*time.Millisecond)

	resp, err := app.Test(multipartRequest(t, "/detect/", "file", []byte("img"), nil), 2000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
}

func TestDetectJSON(t *testing.T) {
	svc := &stubService{}
	app := newTestApp(svc, time.Second)

	resp, err := app.Test(multipartRequest(t, "/detect/json?model_version=yolov8s.pt", "file", []byte("img"), nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Detection-Count"))

	var body detection.DetectionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "yolov8s.pt", body.Model)
	assert.Equal(t, 64, body.Width)
	assert.Equal(t, 48, body.Height)
	require.Len(t, body.Detections, 1)
	assert.Equal(t, "cat", body.Detections[0].Class)
	assert.Equal(t, entity.Box{X1: 10, Y1: 10, X2: 50, Y2: 40}, body.Detections[0].Box)
}

func TestDetectJSONError(t *testing.T) {
	app := newTestApp(&stubService{err: response.Wrap(detection.ErrModelNotFound, errors.New("x"))}, time.Second)

	resp, err := app.Test(multipartRequest(t, "/detect/json", "file", []byte("img"), nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModels(t *testing.T) {
	app := newTestApp(&stubService{}, time.Second)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/models", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body detection.ModelsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "yolov8n.pt", body.Default)
	assert.Equal(t, []string{"yolov8n.pt", "yolov8s.pt"}, body.Available)
}

func TestDetectWebSocketRequiresUpgrade(t *testing.T) {
	app := newTestApp(&stubService{}, time.Second)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/detect/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func startServer(t *testing.T, app *fiber.App) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return fmt.Sprintf("ws://%s", ln.Addr().String())
}

func TestDetectWebSocket(t *testing.T) {
	svc := &stubService{}
	base := startServer(t, newTestApp(svc, time.Second))

	conn, _, err := websocket.DefaultDialer.Dial(base+"/detect/ws?conf_threshold=0.4&model_version=yolov8s.pt", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("frame1")))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, "annotated:frame1", string(data))

	got := svc.last()
	assert.Equal(t, 0.4, got.ConfThreshold)
	assert.Equal(t, "yolov8s.pt", got.ModelVersion)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"conf_threshold":"0.9"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("frame2")))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "annotated:frame2", string(data))

	got = svc.last()
	assert.Equal(t, 0.9, got.ConfThreshold)
	assert.Equal(t, "yolov8s.pt", got.ModelVersion)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"format":"gif"}`)))
	messageType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	assert.Contains(t, string(data), "invalid parameter")
}

func TestDetectWebSocketErrorKeepsStreaming(t *testing.T) {
	svc := &stubService{err: response.Wrap(detection.ErrInference, errors.New("session lost"))}
	base := startServer(t, newTestApp(svc, time.Second))

	conn, _, err := websocket.DefaultDialer.Dial(base+"/detect/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("frame")))
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, messageType)
		assert.True(t, strings.Contains(string(data), `"error":"inference failed"`), string(data))
	}
}

type countingBackend struct{}

func (countingBackend) Predict(context.Context, image.Image, float64) ([]model.Prediction, error) {
	return nil, nil
}

func (countingBackend) Names() map[int]string { return map[int]string{} }

func (countingBackend) Close() error { return nil }

func TestDetectKeepAliveModelSelectors(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var mu sync.Mutex
	loads := map[string]int{}
	registry := model.NewRegistry(func(_ context.Context, selector string) (model.Backend, error) {
		mu.Lock()
		loads[selector]++
		mu.Unlock()
		return countingBackend{}, nil
	}, logger)
	t.Cleanup(func() { _ = registry.Close() })

	svc := detectionService.NewDetectionService(logger, registry, detectionService.Config{})
	base := strings.Replace(startServer(t, newHandlerApp(svc, 5*time.Second)), "ws://", "http://", 1)

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewNRGBA(image.Rect(0, 0, 64, 48))))

	// a single client reuses one connection for every request
	client := &http.Client{Transport: &http.Transport{MaxConnsPerHost: 1}}
	defer client.CloseIdleConnections()

	for _, selector := range []string{"aaaa.pt", "bbbb.pt", "aaaa.pt", "cccc.pt", "aaaa.pt", "bbbb.pt"} {
		req := multipartRequest(t, base+"/detect/?model_version="+selector, "file", img.Bytes(), nil)
		req.RequestURI = ""
		resp, err := client.Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, selector)
	}

	assert.Equal(t, []string{"aaaa.pt", "bbbb.pt", "cccc.pt"}, registry.Loaded())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"aaaa.pt": 1, "bbbb.pt": 1, "cccc.pt": 1}, loads)
}
