package middleware

import (
	"DetectionService/pkg/response"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTooManyRequests = response.NewError(http.StatusTooManyRequests, "too many requests")
)

// idleTTL is how long a client's limiter is kept after its last request.
const idleTTL = 5 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

type rateLimiter struct {
	bucket    map[string]*clientLimiter
	rate      rate.Limit
	burstSize int
	mutex     *sync.RWMutex
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(reqRate rate.Limit, burstSize int) *rateLimiter {
	return &rateLimiter{
		bucket:    make(map[string]*clientLimiter),
		rate:      reqRate,
		burstSize: burstSize,
		mutex:     &sync.RWMutex{},
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (r *rateLimiter) GetLimiterFrom(ip string) *rate.Limiter {
	now := r.now()

	r.mutex.RLock()
	client, exist := r.bucket[ip]
	r.mutex.RUnlock()
	if exist {
		client.lastSeen.Store(now.UnixNano())
		return client.limiter
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if now.Sub(r.lastSweep) >= idleTTL {
		r.evictIdle(now)
	}

	client, exist = r.bucket[ip]
	if !exist {
		client = &clientLimiter{limiter: rate.NewLimiter(r.rate, r.burstSize)}
		r.bucket[ip] = client
	}
	client.lastSeen.Store(now.UnixNano())

	return client.limiter
}

// evictIdle drops limiters unused for idleTTL. Callers hold the write lock.
func (r *rateLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-idleTTL).UnixNano()
	for ip, client := range r.bucket {
		if client.lastSeen.Load() < cutoff {
			delete(r.bucket, ip)
		}
	}
	r.lastSweep = now
}

func (m *middleware) NewRateLimiter(ctx *fiber.Ctx) error {
	if m.rateLimitter == nil {
		return ctx.Next()
	}

	clientIP := ctx.IP()

	if m.shared != nil {
		allowed, err := m.shared.Allow(ctx.UserContext(), clientIP, m.sharedLimit, time.Second)
		if err == nil {
			if !allowed {
				return m.tooManyRequests(ctx, clientIP)
			}
			return ctx.Next()
		}
		m.log.Warnf("shared rate limiter unavailable, using local limiter: %v", err)
	}

	limiter := m.rateLimitter.GetLimiterFrom(clientIP)
	if !limiter.Allow() {
		return m.tooManyRequests(ctx, clientIP)
	}

	return ctx.Next()
}

func (m *middleware) tooManyRequests(ctx *fiber.Ctx, clientIP string) error {
	m.log.Warnf("too many requests for IP %s", clientIP)
	return ctx.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error": ErrTooManyRequests.Error(),
	})
}
