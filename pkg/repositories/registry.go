package repositories

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/TFMV/quarry/pkg/errors"
)

// Factory opens a storage backend.
type Factory func(cfg Config, logger zerolog.Logger) (StorageRepository, error)

// Registry maps backend names to factories. Build one at startup and pass
// it to whatever needs to open storage.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a backend. Names are case-insensitive and may only be
// registered once.
func (r *Registry) Register(name string, factory Factory) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return errors.New(errors.CodeInternal, "backend name and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return errors.Newf(errors.CodeInternal, "backend %q already registered", key)
	}
	r.factories[key] = factory
	return nil
}

// Open creates the backend named by cfg.Backend.
func (r *Registry) Open(cfg Config, logger zerolog.Logger) (StorageRepository, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Backend))

	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown storage backend %q", cfg.Backend).
			WithDetail("available", r.Backends())
	}

	repo, err := factory(cfg, logger.With().Str("backend", key).Logger())
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeConnectionFailed, "failed to open %s storage", key)
	}
	return repo, nil
}

// Backends returns the registered names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
