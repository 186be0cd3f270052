package detectionHandler

import (
	detectionService "DetectionService/internal/api/detection/service"
	"DetectionService/internal/middleware"
	"DetectionService/pkg/utils"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

type Config struct {
	DefaultConfThreshold float64
	Timeout              time.Duration
}

type DetectionHandler struct {
	log              *logrus.Logger
	validator        *validator.Validate
	middleware       middleware.Middleware
	detectionService detectionService.IDetectionService
	utils            utils.IUtils
	cfg              Config
}

func New(
	log *logrus.Logger,
	validator *validator.Validate,
	middleware middleware.Middleware,
	ds detectionService.IDetectionService,
	utils utils.IUtils,
	cfg Config,
) *DetectionHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &DetectionHandler{
		detectionService: ds,
		log:              log,
		validator:        validator,
		middleware:       middleware,
		utils:            utils,
		cfg:              cfg,
	}
}

func (h *DetectionHandler) Start(srv fiber.Router) {
	wsMiddleware := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}

	detect := srv.Group("/detect")
	detect.Use("/ws", wsMiddleware)
	detect.Get("/ws", websocket.New(h.handleDetectWebSocket))

	srv.Post("/detect/", h.middleware.NewRateLimiter, h.Detect)
	srv.Post("/detect", h.middleware.NewRateLimiter, h.Detect)
	srv.Post("/detect/json", h.middleware.NewRateLimiter, h.DetectJSON)

	srv.Get("/models", h.Models)
}
