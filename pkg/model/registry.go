package model

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"DetectionService/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Registry caches one backend per selector. Loads go through a singleflight
// group so a selector is loaded at most once at a time; callers asking for the
// same selector meanwhile wait for that load. Failed loads are not cached.
type Registry struct {
	loader Loader
	log    *logrus.Logger

	mu       sync.RWMutex
	backends map[string]Backend
	closed   bool

	group singleflight.Group
}

func NewRegistry(loader Loader, log *logrus.Logger) *Registry {
	return &Registry{
		loader:   loader,
		log:      log,
		backends: make(map[string]Backend),
	}
}

func (r *Registry) Get(ctx context.Context, selector string) (Backend, error) {
	if b, ok, err := r.lookup(selector); err != nil || ok {
		return b, err
	}

	v, err, shared := r.group.Do(selector, func() (interface{}, error) {
		if b, ok, err := r.lookup(selector); err != nil || ok {
			return b, err
		}
		return r.load(ctx, selector)
	})
	if err != nil {
		return nil, err
	}

	if shared {
		r.log.WithField("model", selector).Debug("Reused in-flight model load")
	}

	return v.(Backend), nil
}

func (r *Registry) lookup(selector string) (Backend, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	b, ok := r.backends[selector]
	return b, ok, nil
}

func (r *Registry) load(ctx context.Context, selector string) (Backend, error) {
	start := time.Now()
	// the load outlives the request that triggered it when other callers share it
	b, err := r.loader(context.WithoutCancel(ctx), selector)
	if err != nil {
		result := "error"
		if errors.Is(err, ErrModelNotFound) {
			result = "not_found"
		}
		metrics.ModelLoads.WithLabelValues(selector, result).Inc()
		r.log.WithFields(logrus.Fields{
			"model": selector,
			"error": err.Error(),
		}).Warn("Failed to load model")
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		_ = b.Close()
		return nil, ErrRegistryClosed
	}
	r.backends[selector] = b
	metrics.ModelLoads.WithLabelValues(selector, "ok").Inc()
	metrics.LoadedModels.Set(float64(len(r.backends)))

	r.log.WithFields(logrus.Fields{
		"model":      selector,
		"latency_ms": time.Since(start).Milliseconds(),
	}).Info("Model loaded")

	return b, nil
}

// Preload loads the given selectors concurrently. Failures are logged and skipped.
func (r *Registry) Preload(ctx context.Context, selectors ...string) {
	var wg sync.WaitGroup
	for _, selector := range selectors {
		wg.Add(1)
		go func(selector string) {
			defer wg.Done()
			if _, err := r.Get(ctx, selector); err != nil {
				r.log.WithFields(logrus.Fields{
					"model": selector,
					"error": err.Error(),
				}).Warn("Model preload failed")
			}
		}(selector)
	}
	wg.Wait()
}

// Loaded returns the selectors with a cached backend, sorted.
func (r *Registry) Loaded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selectors := make([]string, 0, len(r.backends))
	for s := range r.backends {
		selectors = append(selectors, s)
	}
	sort.Strings(selectors)
	return selectors
}

// Close releases every cached backend. Later calls to Get fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for selector, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.backends, selector)
	}
	metrics.LoadedModels.Set(0)

	return errors.Join(errs...)
}
