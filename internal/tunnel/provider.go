package tunnel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Provider is the uniform contract a tunneling backend must satisfy.
// Implementations wrap a specific external tool (CLI subprocess) or SDK.
type Provider interface {
	// Name returns the provider identifier, e.g. "cloudflared".
	Name() string

	// IsAvailable reports whether the backend can plausibly create a
	// tunnel right now. It is used purely for provider selection and must
	// never fail; any internal error collapses to false.
	IsAvailable(ctx context.Context) bool

	// ValidateConfig verifies the provider's configuration, returning a
	// *ProviderError with a machine-readable code on failure.
	ValidateConfig(ctx context.Context) error

	// CreateTunnel establishes a tunnel forwarding the public URL to the
	// local port. It blocks until the tunnel is reachable or fails with a
	// *ProviderError.
	CreateTunnel(ctx context.Context, port int, opts CreateOptions) (Instance, error)
}

// Instance is a live tunnel handle owned exclusively by the manager.
type Instance interface {
	// URL returns the public URL assigned by the provider.
	URL() string

	// Provider returns the owning provider's name.
	Provider() string

	// CreatedAt returns the instance creation timestamp.
	CreatedAt() time.Time

	// Status returns the current lifecycle status (StatusActive,
	// StatusClosing, StatusError).
	Status() string

	// Health probes the tunnel. While status is active it reports healthy
	// with a best-effort latency; otherwise unhealthy with a reason.
	Health(ctx context.Context) HealthProbe

	// Close tears the tunnel down. It is idempotent: a second call while
	// already closing is a no-op.
	Close(ctx context.Context) error
}

// Registry maps lower-cased provider names to adapters. It is populated by
// explicit Register calls at startup and only ever mutated by registration.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Provider
	order  []string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Provider)}
}

// Register adds a provider under its lower-cased name. Providers validate
// their structured configuration in their constructors, so a registered
// provider is statically well-formed; availability is probed per start.
func (r *Registry) Register(p Provider) error {
	name := strings.ToLower(strings.TrimSpace(p.Name()))
	if name == "" {
		return fmt.Errorf("provider name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrProviderRegistered)
	}
	r.byName[name] = p
	r.order = append(r.order, name)
	return nil
}

// Get returns the provider registered under name (case-insensitive).
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names returns provider names in registration (priority) order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Providers returns adapters in registration (priority) order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}
