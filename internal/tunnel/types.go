// Package tunnel coordinates pluggable tunnel providers that expose a local
// dashboard port to the internet. It owns provider registration, selection
// and failover, health monitoring with automatic recovery, and the typed
// event stream consumed by the dashboard layer.
package tunnel

import "time"

// Status constants describe the lifecycle of a tunnel instance.
const (
	StatusActive  = "active"
	StatusClosing = "closing"
	StatusError   = "error"
)

// Health state constants for an active tunnel.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// unhealthyThreshold is the number of consecutive failed probes after which
// a tunnel is considered unhealthy rather than degraded.
const unhealthyThreshold = 3

// Info is the externally visible summary of an active tunnel. It is
// recomputed on every start and safe to hand out by value.
type Info struct {
	URL               string     `json:"url"`
	Provider          string     `json:"provider"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	PasswordProtected bool       `json:"passwordProtected"`
}

// HealthReport tracks the outcome of periodic health probes for the current
// tunnel. Mutated only by the manager's health-check cycle.
type HealthReport struct {
	State               string        `json:"state"`
	LastCheck           time.Time     `json:"lastCheck"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Uptime              time.Duration `json:"uptime"`
	Message             string        `json:"message,omitempty"`
}

// HealthProbe is a single probe result reported by a tunnel instance.
type HealthProbe struct {
	Healthy bool
	Latency time.Duration
	Message string
}

// StartOptions are caller overrides merged over the manager's configured
// defaults on each start.
type StartOptions struct {
	// Provider narrows selection to a single registered provider.
	// Empty or "auto" tries all available providers in registration order.
	Provider string
	// TTL, when positive, stamps an expiry on the returned Info.
	TTL time.Duration
	// MaxViewers is advisory metadata surfaced through Status.
	MaxViewers int
	// Password, when set, gates the tunnel behind the access controller.
	Password string
}

// CreateOptions are passed through to a provider's CreateTunnel call.
type CreateOptions struct {
	// Hostname requests a specific public hostname where the provider
	// supports reserved names. Best effort; providers may ignore it.
	Hostname string
}

// Stats is the usage summary attached to a stopped event when tracking was
// enabled for the tunnel's lifetime.
type Stats struct {
	TotalAccesses  int64 `json:"totalAccesses"`
	UniqueVisitors int   `json:"uniqueVisitors"`
	ActiveVisitors int   `json:"activeVisitors"`
}

// ManagerStatus is the pure-read snapshot returned by Manager.Status.
type ManagerStatus struct {
	Active     bool          `json:"active"`
	Info       *Info         `json:"info,omitempty"`
	Health     *HealthReport `json:"health,omitempty"`
	Viewers    int           `json:"viewers"`
	MaxViewers int           `json:"maxViewers,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// attempt carries explicit retry state through start attempts so the
// implicit-stop and backoff branches are auditable instead of hanging off a
// positional boolean.
type attempt struct {
	number   int  // zero-based attempt counter
	selfHeal bool // true for retries and health-recovery restarts
}
