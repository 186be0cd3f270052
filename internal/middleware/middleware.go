package middleware

import (
	"context"
	"math"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Middleware interface {
	NewRateLimiter(ctx *fiber.Ctx) error
	NewRequestIDMiddleware() fiber.Handler
	NewLoggingMiddleware(ctx *fiber.Ctx) error
	GetRequestID(ctx *fiber.Ctx) string
}

// SharedLimiter counts requests across replicas.
type SharedLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Config struct {
	// RateLimit is the sustained requests per second allowed per client IP.
	// Zero disables limiting.
	RateLimit float64
	Burst     int
	// Shared, when set, enforces the limit across replicas. The in-process
	// limiter takes over while it is unreachable.
	Shared SharedLimiter
}

type middleware struct {
	rateLimitter        *rateLimiter
	shared              SharedLimiter
	sharedLimit         int
	loggingMiddleware   *loggingMiddleware
	requestIDMiddleware fiber.Handler
	log                 *logrus.Logger
}

func New(logger *logrus.Logger, cfg Config) Middleware {
	var rateLimit *rateLimiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		rateLimit = newRateLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	logging := newLoggingMiddleware(logger)
	requestID := NewRequestIDMiddleware()

	sharedLimit := 0
	if rateLimit != nil {
		sharedLimit = max(rateLimit.burstSize, int(math.Ceil(cfg.RateLimit)))
	}

	return &middleware{
		rateLimitter:        rateLimit,
		shared:              cfg.Shared,
		sharedLimit:         sharedLimit,
		loggingMiddleware:   logging,
		requestIDMiddleware: requestID,
		log:                 logger,
	}
}

func (m *middleware) GetRequestID(ctx *fiber.Ctx) string {
	requestID, ok := ctx.Locals(RequestIDKey).(string)
	if !ok || requestID == "" {
		return "unknown"
	}
	return requestID
}

func (m *middleware) NewRequestIDMiddleware() fiber.Handler {
	return m.requestIDMiddleware
}
