package websocketPkg

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strconv"
	"sync"
	"time"

	"DetectionService/pkg/codec"
	"DetectionService/pkg/model"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	messageHello   = "hello"
	messagePredict = "predict"
)

type request struct {
	Type  string  `json:"type"`
	Model string  `json:"model"`
	Conf  float64 `json:"conf,omitempty"`
	Image string  `json:"image,omitempty"`
}

type helloResponse struct {
	Names map[string]string `json:"names"`
	Error string            `json:"error,omitempty"`
}

type remoteDetection struct {
	Box        [4]float64 `json:"box"`
	ClassID    int        `json:"class_id"`
	Confidence float32    `json:"confidence"`
}

type predictResponse struct {
	Detections []remoteDetection `json:"detections"`
	Error      string            `json:"error,omitempty"`
}

type Config struct {
	URL          string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// webSocketClient is one connection to a remote inference server. Calls are
// serialized; a failed call drops the connection and the next one re-dials.
type webSocketClient struct {
	cfg    Config
	mu     sync.Mutex
	conn   *websocket.Conn
	log    *logrus.Logger
	dialer *websocket.Dialer
}

func newClient(cfg Config, log *logrus.Logger) *webSocketClient {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &webSocketClient{
		cfg: cfg,
		log: log,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (c *webSocketClient) roundTrip(ctx context.Context, req request, resp interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.log.WithField("url", c.cfg.URL).Info("Connecting to remote detector")
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
		}
		c.conn = conn
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(req); err != nil {
		c.dropLocked()
		return fmt.Errorf("error sending %s request: %w", req.Type, err)
	}

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	if err := c.conn.ReadJSON(resp); err != nil {
		c.dropLocked()
		return fmt.Errorf("error reading %s response: %w", req.Type, err)
	}

	c.conn.SetReadDeadline(time.Time{})
	c.conn.SetWriteDeadline(time.Time{})
	return nil
}

func (c *webSocketClient) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *webSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout),
	)
	c.dropLocked()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// RemoteDetector forwards frames of one model to the remote inference server.
type RemoteDetector struct {
	client *webSocketClient
	model  string
	names  map[int]string
}

// NewLoader resolves "remote:<model>" selectors against the server at cfg.URL.
// The server is asked for the model's class names; an empty answer means the
// model is unknown there.
func NewLoader(cfg Config, log *logrus.Logger) model.Loader {
	return func(ctx context.Context, name string) (model.Backend, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: remote detector is not configured", model.ErrModelNotFound)
		}

		client := newClient(cfg, log)

		var hello helloResponse
		if err := client.roundTrip(ctx, request{Type: messageHello, Model: name}, &hello); err != nil {
			return nil, err
		}
		if len(hello.Names) == 0 {
			_ = client.Close()
			return nil, fmt.Errorf("%w: remote server does not serve %q", model.ErrModelNotFound, name)
		}

		names := make(map[int]string, len(hello.Names))
		for k, v := range hello.Names {
			id, err := strconv.Atoi(k)
			if err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("invalid class id %q from remote server", k)
			}
			names[id] = v
		}

		return &RemoteDetector{client: client, model: name, names: names}, nil
	}
}

func (d *RemoteDetector) Predict(ctx context.Context, img image.Image, conf float64) ([]model.Prediction, error) {
	frame, err := codec.Encode(img, codec.JPEG, codec.DefaultJPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var resp predictResponse
	err = d.client.roundTrip(ctx, request{
		Type:  messagePredict,
		Model: d.model,
		Conf:  conf,
		Image: base64.StdEncoding.EncodeToString(frame),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("remote detector: %s", resp.Error)
	}

	bounds := img.Bounds()
	preds := make([]model.Prediction, 0, len(resp.Detections))
	for _, det := range resp.Detections {
		box := model.Box{
			X1: det.Box[0],
			Y1: det.Box[1],
			X2: det.Box[2],
			Y2: det.Box[3],
		}
		if !box.Finite() {
			continue
		}
		preds = append(preds, model.Prediction{
			Box:        box.Clip(bounds, 0),
			ClassID:    det.ClassID,
			Confidence: det.Confidence,
		})
	}

	return preds, nil
}

func (d *RemoteDetector) Names() map[int]string {
	return d.names
}

func (d *RemoteDetector) Close() error {
	return d.client.Close()
}
