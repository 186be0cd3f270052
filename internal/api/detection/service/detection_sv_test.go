package detectionService

import (
	"DetectionService/internal/api/detection"
	"DetectionService/internal/entity"
	"DetectionService/pkg/codec"
	"DetectionService/pkg/model"
	"DetectionService/pkg/overlay"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	preds []model.Prediction
	names map[int]string
	err   error
	calls atomic.Int32
	conf  float64
}

func (b *stubBackend) Predict(_ context.Context, _ image.Image, conf float64) ([]model.Prediction, error) {
	b.calls.Add(1)
	b.conf = conf
	return b.preds, b.err
}

func (b *stubBackend) Names() map[int]string { return b.names }

func (b *stubBackend) Close() error { return nil }

type stubRegistry struct {
	backends map[string]model.Backend
	loadErr  error
	gets     atomic.Int32
}

func (r *stubRegistry) Get(_ context.Context, selector string) (model.Backend, error) {
	r.gets.Add(1)
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	b, ok := r.backends[selector]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrModelNotFound, selector)
	}
	return b, nil
}

func (r *stubRegistry) Loaded() []string { return []string{"yolov8n.pt"} }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 2), G: 40, B: uint8(y * 3), A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func catBackend() *stubBackend {
	return &stubBackend{
		names: model.NamesFromList(model.COCONames),
		preds: []model.Prediction{
			{Box: model.Box{X1: 10, Y1: 10, X2: 50, Y2: 50}, ClassID: 15, Confidence: 0.87},
		},
	}
}

func newService(backends map[string]model.Backend) (IDetectionService, *stubRegistry) {
	reg := &stubRegistry{backends: backends}
	return NewDetectionService(quietLogger(), reg, Config{}), reg
}

func TestAnnotateKeepsDimensions(t *testing.T) {
	svc, _ := newService(map[string]model.Backend{"yolov8n.pt": catBackend()})
	src := testImage(120, 90)

	for name, input := range map[string][]byte{
		"png":  pngBytes(t, src),
		"jpeg": jpegBytes(t, src),
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := svc.Annotate(context.Background(), detection.AnnotateRequest{
				Image:         input,
				ConfThreshold: 0.3,
			})
			require.NoError(t, err)
			assert.Equal(t, "image/jpeg", resp.MediaType)

			cfg, format, err := image.DecodeConfig(bytes.NewReader(resp.Image))
			require.NoError(t, err)
			assert.Equal(t, "jpeg", format)
			assert.Equal(t, 120, cfg.Width)
			assert.Equal(t, 90, cfg.Height)
		})
	}
}

func TestAnnotateNoDetectionsMatchesReencode(t *testing.T) {
	svc, _ := newService(map[string]model.Backend{"yolov8n.pt": &stubBackend{}})
	input := pngBytes(t, testImage(64, 48))

	resp, err := svc.Annotate(context.Background(), detection.AnnotateRequest{Image: input, ConfThreshold: 0.3})
	require.NoError(t, err)
	assert.Empty(t, resp.Detections)

	decoded, err := codec.Decode(input)
	require.NoError(t, err)
	want, err := codec.Encode(decoded, codec.JPEG, codec.DefaultJPEGQuality)
	require.NoError(t, err)

	assert.Equal(t, want, resp.Image)
}

func TestAnnotateDrawsBoxAndLabel(t *testing.T) {
	svc, _ := newService(map[string]model.Backend{"yolov8n.pt": catBackend()})
	src := testImage(100, 80)

	resp, err := svc.Annotate(context.Background(), detection.AnnotateRequest{
		Image:         pngBytes(t, src),
		ConfThreshold: 0.3,
		Format:        codec.PNG,
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", resp.MediaType)

	require.Len(t, resp.Detections, 1)
	assert.Equal(t, "cat", resp.Detections[0].Class)
	assert.Equal(t, "cat 0.87", Label(resp.Detections[0]))

	out, err := png.Decode(bytes.NewReader(resp.Image))
	require.NoError(t, err)

	green := color.NRGBAModel.Convert(overlay.BoxColor)
	for _, p := range []image.Point{{10, 10}, {50, 10}, {10, 50}, {50, 50}, {30, 11}, {11, 30}} {
		assert.Equal(t, green, color.NRGBAModel.Convert(out.At(p.X, p.Y)), "pixel %v", p)
	}
	// inside the box and far from it nothing changes
	assert.Equal(t, src.At(30, 30), color.NRGBAModel.Convert(out.At(30, 30)))
	assert.Equal(t, src.At(90, 70), color.NRGBAModel.Convert(out.At(90, 70)))

	// the label is exactly what overlay renders for "cat 0.87" at the box corner
	want := image.NewNRGBA(src.Bounds())
	copy(want.Pix, src.Pix)
	overlay.Draw(want, []overlay.Annotation{{X1: 10, Y1: 10, X2: 50, Y2: 50, Label: "cat 0.87"}})
	assert.Equal(t, want.Pix, toNRGBA(out).Pix)

	labelPixels := 0
	for y := 0; y < 10; y++ {
		for x := 10; x < 10+overlay.LabelWidth("cat 0.87"); x++ {
			if color.NRGBAModel.Convert(out.At(x, y)) == green {
				labelPixels++
			}
		}
	}
	assert.Positive(t, labelPixels)
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}

func TestAnnotateKeepsBackendOrder(t *testing.T) {
	backend := &stubBackend{
		names: map[int]string{0: "person", 1: "dog"},
		preds: []model.Prediction{
			{Box: model.Box{X1: 1, Y1: 1, X2: 5, Y2: 5}, ClassID: 1, Confidence: 0.4},
			{Box: model.Box{X1: 2, Y1: 2, X2: 9, Y2: 9}, ClassID: 0, Confidence: 0.9},
			{Box: model.Box{X1: 3, Y1: 3, X2: 8, Y2: 8}, ClassID: 7, Confidence: 0.6},
		},
	}
	svc, _ := newService(map[string]model.Backend{"yolov8n.pt": backend})

	resp, err := svc.Annotate(context.Background(), detection.AnnotateRequest{Image: pngBytes(t, testImage(20, 20))})
	require.NoError(t, err)

	require.Len(t, resp.Detections, 3)
	assert.Equal(t, "dog", resp.Detections[0].Class)
	assert.Equal(t, "person", resp.Detections[1].Class)
	assert.Equal(t, "class7", resp.Detections[2].Class)
}

func TestAnnotateOversizedAndNonFiniteBoxes(t *testing.T) {
	backend := &stubBackend{
		names: map[int]string{0: "person"},
		preds: []model.Prediction{
			{Box: model.Box{X1: 0, Y1: 0, X2: 2e9, Y2: 20}, ClassID: 0, Confidence: 0.9},
			{Box: model.Box{X1: math.NaN(), Y1: 0, X2: 10, Y2: 10}, ClassID: 0, Confidence: 0.8},
			{Box: model.Box{X1: -1e12, Y1: math.Inf(-1), X2: 5, Y2: 5}, ClassID: 0, Confidence: 0.7},
		},
	}
	svc, _ := newService(map[string]model.Backend{"yolov8n.pt": backend})

	start := time.Now()
	resp, err := svc.Annotate(context.Background(), detection.AnnotateRequest{
		Image:  pngBytes(t, testImage(64, 48)),
		Format: codec.PNG,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, resp.Detections, 1)
	assert.Equal(t, 2e9, resp.Detections[0].Box.X2)

	out, err := png.Decode(bytes.NewReader(resp.Image))
	require.NoError(t, err)
	assert.Equal(t, overlay.BoxColor, color.NRGBAModel.Convert(out.At(40, 20)))
}

func TestAnnotateInvalidImage(t *testing.T) {
	backend := catBackend()
	svc, reg := newService(map[string]model.Backend{"yolov8n.pt": backend})

	valid := pngBytes(t, testImage(32, 32))
	for name, input := range map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("definitely not an image"),
		"truncated": valid[:len(valid)/2],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Annotate(context.Background(), detection.AnnotateRequest{Image: input})
			assert.ErrorIs(t, err, detection.ErrInvalidImage)
		})
	}

	assert.Zero(t, reg.gets.Load())
	assert.Zero(t, backend.calls.Load())
}

func TestAnnotateModelNotFound(t *testing.T) {
	backend := catBackend()
	svc, _ := newService(map[string]model.Backend{"yolov8n.pt": backend})

	_, err := svc.Annotate(context.Background(), detection.AnnotateRequest{
		Image:        pngBytes(t, testImage(16, 16)),
		ModelVersion: "yolov99x.pt",
	})
	assert.ErrorIs(t, err, detection.ErrModelNotFound)
	assert.ErrorIs(t, err, model.ErrModelNotFound)
	assert.Zero(t, backend.calls.Load())
}

func TestAnnotateModelLoadError(t *testing.T) {
	reg := &stubRegistry{loadErr: errors.New("corrupt weights")}
	svc := NewDetectionService(quietLogger(), reg, Config{})

	_, err := svc.Annotate(context.Background(), detection.AnnotateRequest{Image: pngBytes(t, testImage(16, 16))})
	assert.ErrorIs(t, err, detection.ErrModelLoad)
	assert.Contains(t, err.Error(), "corrupt weights")
}

func TestAnnotateInferenceError(t *testing.T) {
	backend := &stubBackend{err: errors.New("session failed")}
	svc, _ := newService(map[string]model.Backend{"yolov8n.pt": backend})

	_, err := svc.Annotate(context.Background(), detection.AnnotateRequest{Image: pngBytes(t, testImage(16, 16))})
	assert.ErrorIs(t, err, detection.ErrInference)
}

func TestAnnotateEncodingError(t *testing.T) {
	svc, _ := newService(map[string]model.Backend{"yolov8n.pt": &stubBackend{}})

	_, err := svc.Annotate(context.Background(), detection.AnnotateRequest{
		Image:  pngBytes(t, testImage(16, 16)),
		Format: codec.Format("webp"),
	})
	assert.ErrorIs(t, err, detection.ErrEncoding)
}

func TestAnnotatePassesThresholdThrough(t *testing.T) {
	backend := &stubBackend{}
	svc, _ := newService(map[string]model.Backend{"custom.pt": backend})

	_, err := svc.Annotate(context.Background(), detection.AnnotateRequest{
		Image:         pngBytes(t, testImage(16, 16)),
		ConfThreshold: 1.7,
		ModelVersion:  "custom.pt",
	})
	require.NoError(t, err)
	assert.Equal(t, 1.7, backend.conf)
}

func TestAnnotateIsIdempotent(t *testing.T) {
	svc, _ := newService(map[string]model.Backend{"yolov8n.pt": catBackend()})
	input := jpegBytes(t, testImage(80, 60))

	first, err := svc.Annotate(context.Background(), detection.AnnotateRequest{Image: input, ConfThreshold: 0.3})
	require.NoError(t, err)
	second, err := svc.Annotate(context.Background(), detection.AnnotateRequest{Image: input, ConfThreshold: 0.3})
	require.NoError(t, err)

	assert.Equal(t, first.Image, second.Image)
}

func TestAnnotateConcurrentDistinctModels(t *testing.T) {
	slowStarted := make(chan struct{})
	release := make(chan struct{})

	loader := func(ctx context.Context, selector string) (model.Backend, error) {
		switch selector {
		case "slow.pt":
			close(slowStarted)
			<-release
			return &stubBackend{}, nil
		case "yolov8n.pt":
			return catBackend(), nil
		}
		return nil, model.ErrModelNotFound
	}
	reg := model.NewRegistry(loader, quietLogger())
	defer reg.Close()

	svc := NewDetectionService(quietLogger(), reg, Config{})
	input := pngBytes(t, testImage(64, 64))

	slowDone := make(chan error, 1)
	go func() {
		_, err := svc.Annotate(context.Background(), detection.AnnotateRequest{Image: input, ModelVersion: "slow.pt"})
		slowDone <- err
	}()
	<-slowStarted

	want, err := svc.Annotate(context.Background(), detection.AnnotateRequest{Image: input})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := svc.Annotate(context.Background(), detection.AnnotateRequest{Image: input})
			if err == nil {
				results[i] = resp.Image
			}
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want.Image, got)
	}

	close(release)
	assert.NoError(t, <-slowDone)
}

func TestModels(t *testing.T) {
	reg := &stubRegistry{}
	svc := NewDetectionService(quietLogger(), reg, Config{
		DefaultModel:    "yolov8s.pt",
		AvailableModels: []string{"yolov8n.pt", "yolov8s.pt"},
	})

	got := svc.Models()
	assert.Equal(t, "yolov8s.pt", got.Default)
	assert.Equal(t, []string{"yolov8n.pt", "yolov8s.pt"}, got.Available)
	assert.Equal(t, []string{"yolov8n.pt"}, got.Loaded)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "person 0.50", Label(entity.Detection{Class: "person", Confidence: 0.5}))
	assert.Equal(t, "cat 0.87", Label(entity.Detection{Class: "cat", Confidence: float64(float32(0.87))}))
}
