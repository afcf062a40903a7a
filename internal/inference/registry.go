package inference

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pestwatch/backend/pkg/logger"
)

// Loader builds an engine for a model file.
type Loader func(modelPath string) (Engine, error)

// Registry owns loaded engines. With reuse enabled an engine is loaded on
// first use and shared until Close; otherwise every Acquire loads a fresh
// engine that is closed on release.
type Registry struct {
	mu      sync.Mutex
	load    Loader
	reuse   bool
	engines map[string]Engine
}

func NewRegistry(load Loader, reuse bool) *Registry {
	return &Registry{
		load:    load,
		reuse:   reuse,
		engines: make(map[string]Engine),
	}
}

// Acquire returns the engine for modelPath and a release func the caller
// must invoke when done with it.
func (r *Registry) Acquire(modelPath string) (Engine, func(), error) {
	if !r.reuse {
		e, err := r.load(modelPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load model %s: %w", modelPath, err)
		}
		return e, e.Close, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[modelPath]; ok {
		return e, func() {}, nil
	}

	e, err := r.load(modelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load model %s: %w", modelPath, err)
	}
	r.engines[modelPath] = e

	logger.Info("Detection model loaded", zap.String("model_path", modelPath))
	return e, func() {}, nil
}

// Close releases every shared engine.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for path, e := range r.engines {
		e.Close()
		delete(r.engines, path)
	}
}
