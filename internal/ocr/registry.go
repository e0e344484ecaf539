package ocr

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/adverant/nexus/digitizer-worker/internal/errors"
	"github.com/adverant/nexus/digitizer-worker/internal/logging"
)

// Registry builds engines on first use and shares them afterwards.
// A failed construction is remembered so the engine is reported
// unavailable once instead of on every request.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Engine
	failures  map[string]error
	logger    *logging.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Engine),
		failures:  make(map[string]error),
		logger:    logging.NewLogger("EngineRegistry"),
	}
}

// Register installs the factory for an engine name, replacing any previous one
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = factory
}

// Names lists the registered engine names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the shared engine for spec, constructing it on first use
func (r *Registry) Get(ctx context.Context, spec Spec) (Engine, error) {
	key := spec.Key()

	r.mu.RLock()
	engine, ok := r.instances[key]
	failure := r.failures[key]
	r.mu.RUnlock()
	if ok {
		return engine, nil
	}
	if failure != nil {
		return nil, failure
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if engine, ok := r.instances[key]; ok {
		return engine, nil
	}
	if failure := r.failures[key]; failure != nil {
		return nil, failure
	}

	name := strings.ToLower(spec.Name)
	factory, ok := r.factories[name]
	if !ok {
		err := apperrors.NewEngineUnavailableError(name, fmt.Errorf("no factory registered"))
		r.failures[key] = err
		r.logger.Warn("Engine not registered", "engine", name)
		return nil, err
	}

	engine, err := factory(ctx, spec)
	if err != nil {
		perr := apperrors.NewEngineUnavailableError(name, err)
		r.failures[key] = perr
		r.logger.Warn("Engine disabled after failed initialization",
			"engine", name,
			"device", spec.Device.String(),
			"error", err)
		return nil, perr
	}

	r.instances[key] = engine
	r.logger.Info("Engine initialized", "engine", name, "device", spec.Device.String())
	return engine, nil
}

// Reset closes every instance and forgets cached failures
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, engine := range r.instances {
		if closer, ok := engine.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				r.logger.Warn("Failed to close engine", "key", key, "error", err)
			}
		}
	}
	r.instances = make(map[string]Engine)
	r.failures = make(map[string]error)
}
