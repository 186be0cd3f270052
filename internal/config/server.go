package config

import (
	detectionHandler "DetectionService/internal/api/detection/handler"
	detectionService "DetectionService/internal/api/detection/service"
	"DetectionService/internal/middleware"
	"DetectionService/pkg/gemini"
	"DetectionService/pkg/model"
	"DetectionService/pkg/onnx"
	"DetectionService/pkg/redis"
	"DetectionService/pkg/s3"
	"DetectionService/pkg/utils"
	"DetectionService/web"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type ServerOption func(*Server) error

type Server struct {
	engine       *fiber.App
	log          *logrus.Logger
	env          *Env
	middleware   middleware.Middleware
	validator    *validator.Validate
	utils        utils.IUtils
	handlers     []handler
	registry     *model.Registry
	geminiClient gemini.IGemini
	s3Client     s3.ItfS3
	redisServer  redis.IRedis
	startedAt    time.Time
}

type handler interface {
	Start(srv fiber.Router)
}

func NewServer(options ...ServerOption) (*Server, error) {
	server := &Server{startedAt: time.Now()}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if server.engine == nil {
		return nil, fmt.Errorf("fiber app is required")
	}
	if server.log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if server.env == nil {
		return nil, fmt.Errorf("environment is required")
	}
	if server.validator == nil {
		server.validator = NewValidator()
	}
	if server.middleware == nil {
		server.middleware = middleware.New(server.log, middleware.Config{})
	}
	if server.utils == nil {
		server.utils = utils.New(int64(server.env.BodyLimit()))
	}
	if server.registry == nil {
		server.registry = NewModelRegistry(server.env, server.s3Client, server.geminiClient, server.log)
	}

	return server, nil
}

func WithFiber(fiberApp *fiber.App) ServerOption {
	return func(s *Server) error {
		s.engine = fiberApp
		return nil
	}
}

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

func WithEnv(env *Env) ServerOption {
	return func(s *Server) error {
		s.env = env
		return nil
	}
}

func WithValidator(validator *validator.Validate) ServerOption {
	return func(s *Server) error {
		s.validator = validator
		return nil
	}
}

func WithMiddleware() ServerOption {
	return func(s *Server) error {
		if s.log == nil {
			return fmt.Errorf("logger must be initialized before middleware")
		}
		if s.env == nil {
			return fmt.Errorf("environment must be loaded before middleware")
		}
		cfg := middleware.Config{
			RateLimit: s.env.RateLimitRPS,
			Burst:     s.env.RateLimitBurst,
		}
		if s.redisServer != nil {
			cfg.Shared = s.redisServer
		}
		s.middleware = middleware.New(s.log, cfg)
		return nil
	}
}

// WithRedisServer shares the rate limit between replicas when REDIS_ADDRESS
// is set. It must come before WithMiddleware.
func WithRedisServer() ServerOption {
	return func(s *Server) error {
		if s.env == nil || s.env.RedisAddress == "" {
			return nil
		}
		if s.log == nil {
			return fmt.Errorf("logger must be initialized before redis")
		}
		s.redisServer = redis.New(redis.Config{
			Addr:     s.env.RedisAddress,
			Password: s.env.RedisPassword,
			DB:       s.env.RedisDB,
		}, s.log)
		return nil
	}
}

// WithS3Client enables fetching missing model files from MODEL_BUCKET.
// It is a no-op when no bucket is configured.
func WithS3Client() ServerOption {
	return func(s *Server) error {
		if s.env == nil || s.env.ModelBucket == "" {
			return nil
		}
		client, err := s3.New(s3.Config{
			Region:          s.env.AWSRegion,
			AccessKeyID:     s.env.AWSAccessKeyID,
			SecretAccessKey: s.env.AWSSecretAccessKey,
			Bucket:          s.env.ModelBucket,
			Prefix:          s.env.ModelPrefix,
			Endpoint:        s.env.S3Endpoint,
		})
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to initialize S3 client: %v", err)
			}
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		s.s3Client = client
		return nil
	}
}

// WithGeminiClient enables "gemini:" selectors when GEMINI_API_KEY is set.
func WithGeminiClient() ServerOption {
	return func(s *Server) error {
		if s.env == nil || s.env.GeminiAPIKey == "" {
			return nil
		}
		client, err := gemini.NewGeminiClient(context.Background(), s.env.GeminiAPIKey)
		if err != nil {
			if s.log != nil {
				s.log.Errorf("Failed to create Gemini client: %v", err)
			}
			return fmt.Errorf("failed to create Gemini client: %w", err)
		}
		s.geminiClient = client
		return nil
	}
}

// WithRegistry replaces the registry built from the environment.
func WithRegistry(registry *model.Registry) ServerOption {
	return func(s *Server) error {
		s.registry = registry
		return nil
	}
}

func WithUtils() ServerOption {
	return func(s *Server) error {
		if s.env == nil {
			return fmt.Errorf("environment must be loaded before utils")
		}
		s.utils = utils.New(int64(s.env.BodyLimit()))
		return nil
	}
}

func (s *Server) RegisterHandler() {
	// Detection
	detectionServices := detectionService.NewDetectionService(s.log, s.registry, detectionService.Config{
		DefaultModel:    s.env.DefaultModel,
		AvailableModels: s.env.AvailableModels,
		JPEGQuality:     s.env.JPEGQuality,
	})
	detectionHandlers := detectionHandler.New(s.log, s.validator, s.middleware, detectionServices, s.utils, detectionHandler.Config{
		DefaultConfThreshold: s.env.DefaultConfThreshold,
		Timeout:              s.env.DetectTimeout,
	})

	s.handlers = append(s.handlers, detectionHandlers)
}

// Preload warms the registry with PRELOAD_MODELS. Failures are logged and
// the models are loaded again on first use.
func (s *Server) Preload(ctx context.Context) {
	if len(s.env.PreloadModels) == 0 {
		return
	}
	s.registry.Preload(ctx, s.env.PreloadModels...)
}

// Setup installs middleware and routes. Run calls it; tests use it directly.
func (s *Server) Setup() *fiber.App {
	s.engine.Use(recover.New())
	s.engine.Use(s.middleware.NewRequestIDMiddleware())
	s.engine.Use(s.middleware.NewLoggingMiddleware)

	s.setupHealthCheck()
	s.setupMetrics()
	s.setupUI()

	for _, h := range s.handlers {
		h.Start(s.engine)
	}

	return s.engine
}

func (s *Server) Run() error {
	s.Setup()

	if err := s.engine.Listen(fmt.Sprintf(":%s", s.env.AppPort)); err != nil {
		return err
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.engine.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	registryErr := s.registry.Close()
	if registryErr != nil {
		errs = append(errs, fmt.Errorf("model registry: %w", registryErr))
	}
	if s.geminiClient != nil {
		if err := s.geminiClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gemini client: %w", err))
		}
	}
	if s.redisServer != nil {
		if err := s.redisServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if errors.Is(registryErr, onnx.ErrSessionsBusy) {
		s.log.Warn("Leaving onnxruntime loaded, inferences are still running")
	} else if err := onnx.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("onnxruntime: %w", err))
	}

	return errors.Join(errs...)
}

func (s *Server) setupHealthCheck() {
	s.engine.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{
			"message":       "Server is Healthy!",
			"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
			"loaded_models": s.registry.Loaded(),
		})
	})
}

func (s *Server) setupMetrics() {
	s.engine.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func (s *Server) setupUI() {
	s.engine.Get("/", func(ctx *fiber.Ctx) error {
		return filesystem.SendFile(ctx, web.FileSystem(), "index.html")
	})
}
