package model

import (
	"context"
	"fmt"
	"strings"
)

type route struct {
	prefix string
	loader Loader
}

// Router dispatches selectors to loaders by prefix, e.g. "gemini:" or
// "remote:". The prefix is stripped before the loader sees the selector.
// Selectors matching no prefix go to the fallback loader.
type Router struct {
	routes   []route
	fallback Loader
}

func NewRouter(fallback Loader) *Router {
	return &Router{fallback: fallback}
}

func (r *Router) Handle(prefix string, loader Loader) *Router {
	r.routes = append(r.routes, route{prefix: prefix, loader: loader})
	return r
}

func (r *Router) Load(ctx context.Context, selector string) (Backend, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, fmt.Errorf("%w: empty selector", ErrModelNotFound)
	}

	for _, rt := range r.routes {
		if name, ok := strings.CutPrefix(selector, rt.prefix); ok {
			if name == "" {
				return nil, fmt.Errorf("%w: %q names no model", ErrModelNotFound, selector)
			}
			return rt.loader(ctx, name)
		}
	}

	if r.fallback == nil {
		return nil, fmt.Errorf("%w: %q", ErrModelNotFound, selector)
	}
	return r.fallback(ctx, selector)
}
