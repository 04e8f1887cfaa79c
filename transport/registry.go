package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownTransport is returned by Build for a producer_transport value
// nothing registered.
var ErrUnknownTransport = errors.New("transport: unknown producer transport")

type registration struct {
	build Builder
	caps  Capabilities
	// declared is false when the backend registered without capabilities.
	declared bool
}

// Registry maps producer transport names ("franz", "kafka", "channel") to
// their builders and declared capabilities. Backend packages register
// themselves from init.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a builder under name, keeping capabilities declared earlier.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.entries[name]
	reg.build = builder
	r.entries[name] = reg
}

// RegisterWithCapabilities adds a builder together with its capabilities.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registration{build: builder, caps: caps, declared: true}
}

// GetCapabilities returns the capabilities registered for name. Backends
// that declared none report only their name, which fails every guarantee.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.entries[name]; ok && reg.declared {
		return reg.caps
	}
	return Capabilities{Name: name}
}

// Build creates the transport selected by cfg.GetProducerTransport. A
// builder returning no producer is an error.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("transport: config is required")
	}
	name := cfg.GetProducerTransport()

	r.mu.RLock()
	reg, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || reg.build == nil {
		return Transport{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}

	built, err := reg.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	return built, nil
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name, reg := range r.entries {
		if reg.build != nil {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Has reports whether name has a builder.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name].build != nil
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
