package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
)

// Registry maintains a mapping of endpoint schemes to their builders and capabilities.
// Driver packages should register themselves using Register.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the registry used by Open and by driver init functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a driver builder for scheme. Without capabilities the driver
// is assumed to carry every pattern.
func (r *Registry) Register(scheme string, builder Builder) {
	r.RegisterWithCapabilities(scheme, builder, Capabilities{
		Name:            scheme,
		Patterns:        allPatterns,
		SupportsBind:    true,
		SupportsConnect: true,
	})
}

// RegisterWithCapabilities adds a driver builder and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[scheme] = builder
	r.capabilities[scheme] = caps
}

// GetCapabilities returns the capabilities for a registered scheme.
// Returns a Capabilities with only Name set if the scheme is unknown.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[scheme]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Build opens a raw Conn with the driver registered for the endpoint scheme.
// The driver must support the endpoint's pattern and bind mode.
func (r *Registry) Build(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	r.mu.RLock()
	builder, ok := r.builders[ep.Scheme]
	caps := r.capabilities[ep.Scheme]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown transport scheme: %q (registered: %v)", ep.Scheme, r.Names())
	}
	if !caps.Supports(ep.Socket.Kind()) {
		return nil, fmt.Errorf("%w: %s does not carry %s", ferrors.ErrUnsupportedPattern, ep.Scheme, ep.Socket.Kind())
	}
	if ep.Bind && !caps.SupportsBind || !ep.Bind && !caps.SupportsConnect {
		return nil, fmt.Errorf("%w: %s cannot %s", ferrors.ErrUnsupportedPattern, ep.Scheme, bindMode(ep.Bind))
	}
	return builder(ctx, ep, opts.WithDefaults())
}

// Open builds a Conn for ep and wraps it in a Socket.
func (r *Registry) Open(ctx context.Context, ep Endpoint, opts Options) (*Socket, error) {
	opts = opts.WithDefaults()
	if caps := r.GetCapabilities(ep.Scheme); caps.MaxMessageSize > 0 {
		if opts.MaxFrameSize <= 0 || opts.MaxFrameSize > caps.MaxMessageSize {
			opts.MaxFrameSize = caps.MaxMessageSize
		}
	}
	conn, err := r.Build(ctx, ep, opts)
	if err != nil {
		return nil, err
	}
	return NewSocket(ep, conn, opts), nil
}

// Names returns the sorted list of registered schemes.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has returns true if a driver is registered for scheme.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[scheme]
	return ok
}

// Register adds a driver builder to the default registry.
func Register(scheme string, builder Builder) {
	DefaultRegistry.Register(scheme, builder)
}

// RegisterWithCapabilities adds a driver builder and its capabilities to the default registry.
func RegisterWithCapabilities(scheme string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(scheme, builder, caps)
}

// Open opens a Socket using the default registry.
func Open(ctx context.Context, ep Endpoint, opts Options) (*Socket, error) {
	return DefaultRegistry.Open(ctx, ep, opts)
}

func bindMode(bind bool) string {
	if bind {
		return "bind"
	}
	return "connect"
}
