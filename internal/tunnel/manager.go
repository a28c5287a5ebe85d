package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/specdash/dashtun/internal/access"
	"github.com/specdash/dashtun/internal/usage"
)

const (
	defaultMaxRetries          = 3
	defaultRetryDelay          = 2 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	availabilityProbeTimeout   = 5 * time.Second
)

// ManagerConfig holds the manager's defaults. Per-start options merge over
// these on every Start call.
type ManagerConfig struct {
	// Port is the local dashboard port every tunnel forwards to.
	Port int

	// DefaultProvider narrows selection; empty or "auto" tries all
	// registered providers in registration order.
	DefaultProvider string
	// DefaultTTL stamps an expiry on tunnels when positive.
	DefaultTTL time.Duration
	// DefaultMaxViewers is advisory metadata surfaced through Status.
	DefaultMaxViewers int
	// DefaultPassword gates tunnels when set.
	DefaultPassword string

	// MaxRetries bounds start attempts per Start call and per self-heal
	// cycle. The first attempt is free: MaxRetries 3 allows 4 tries total
	// on explicit starts and 3 on self-heal restarts.
	MaxRetries int
	// RetryDelay is the backoff base; attempt n waits RetryDelay * 2^n.
	RetryDelay time.Duration

	// HealthCheckInterval is the probe period for active tunnels.
	HealthCheckInterval time.Duration
	// AutoReconnect enables self-healing restarts when a tunnel turns
	// unhealthy.
	AutoReconnect bool

	// FingerprintSalt seeds visitor fingerprinting for the usage tracker.
	FingerprintSalt string

	// Access configures the per-tunnel access controller.
	Access access.Config
}

// SessionRecorder persists tunnel session history. Satisfied by the sqlite
// store; nil disables history.
type SessionRecorder interface {
	RecordSessionStart(ctx context.Context, id, provider, url string, startedAt time.Time) error
	RecordSessionStop(ctx context.Context, id string, stoppedAt time.Time, totalAccesses int64, uniqueVisitors int) error
}

// Manager owns the single active tunnel: provider selection and failover,
// the retry budget, health monitoring with optional self-healing, and the
// per-tunnel access controller and usage tracker lifecycles.
type Manager struct {
	cfg      ManagerConfig
	log      *slog.Logger
	registry *Registry
	bus      *Bus
	handler  *ErrorHandler
	history  SessionRecorder

	mu         sync.Mutex
	inst       Instance
	info       *Info
	health     HealthReport
	tunnelID   string
	tracker    *usage.Tracker
	access     *access.Controller
	healthStop chan struct{}
	healthDone chan struct{}
	lastOpts   StartOptions
	lastErr    *ProviderError

	// stopCount increments on every Stop call, including no-op stops while
	// a self-heal owns teardown, so an in-flight recovery can detect that
	// the user stopped the tunnel and abort instead of resurrecting it.
	stopCount uint64
}

// ManagerOption customizes a Manager at construction.
type ManagerOption func(*Manager)

// WithSessionRecorder persists session history through the given recorder.
func WithSessionRecorder(r SessionRecorder) ManagerOption {
	return func(m *Manager) { m.history = r }
}

// NewManager creates a manager over the given provider registry and event
// bus.
func NewManager(cfg ManagerConfig, registry *Registry, bus *Bus, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	m := &Manager{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		bus:      bus,
		handler:  NewErrorHandler(logger),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Access returns the controller for the active tunnel, or nil when idle.
func (m *Manager) Access() *access.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access
}

// Tracker returns the usage tracker for the active tunnel, or nil when idle.
func (m *Manager) Tracker() *usage.Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker
}

// Start brings a tunnel up, retrying with exponential backoff within the
// configured budget. A tunnel that is already running is stopped first; only
// the internal retry and self-heal paths skip that stop.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (Info, error) {
	if err := m.Stop(ctx); err != nil {
		m.log.Warn("stopping previous tunnel before restart failed", "err", err)
	}

	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()

	opts = m.mergeDefaults(opts)
	info, err := m.startWithRetries(ctx, opts, attempt{})
	if err != nil {
		return Info{}, err
	}
	return *info, nil
}

// mergeDefaults overlays configured defaults onto per-start options.
func (m *Manager) mergeDefaults(opts StartOptions) StartOptions {
	if opts.Provider == "" {
		opts.Provider = m.cfg.DefaultProvider
	}
	if opts.TTL == 0 {
		opts.TTL = m.cfg.DefaultTTL
	}
	if opts.MaxViewers == 0 {
		opts.MaxViewers = m.cfg.DefaultMaxViewers
	}
	if opts.Password == "" {
		opts.Password = m.cfg.DefaultPassword
	}
	return opts
}

// startWithRetries runs start attempts until one succeeds, the budget is
// exhausted, or the failure class is not retryable. Retries are a facet of
// automatic reconnection; with it disabled a start gets exactly one attempt.
func (m *Manager) startWithRetries(ctx context.Context, opts StartOptions, a attempt) (*Info, error) {
	budget := m.cfg.MaxRetries
	if !m.cfg.AutoReconnect {
		budget = 0
	}

	var lastErr *ProviderError
	for ; a.number <= budget; a.number++ {
		if a.number > 0 || a.selfHeal {
			delay := backoffDelay(m.cfg.RetryDelay, a.number)
			m.log.Info("retrying tunnel start", "attempt", a.number, "delay", delay)
			m.bus.Publish(Event{Kind: EventRetry, Attempt: a.number, Err: errString(lastErr)})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		info, err := m.startOnce(ctx, opts)
		if err == nil {
			return info, nil
		}
		lastErr = AsProviderError(err, "all")
		if !retryable(lastErr) {
			return nil, lastErr
		}
		m.log.Warn("tunnel start failed", "attempt", a.number, "err", lastErr)
	}
	return nil, lastErr
}

// retryable reports whether a failure class is worth another attempt.
// No amount of retrying conjures a provider, installs a missing binary, or
// supplies credentials; those surface immediately with setup guidance.
func retryable(pe *ProviderError) bool {
	switch {
	case pe.Code == CodeNoAvailableProviders,
		codeSuffixIs(pe.Code, CodeNotFound),
		codeSuffixIs(pe.Code, CodeAuthRequired):
		return false
	}
	return true
}

// backoffDelay computes RetryDelay * 2^n, saturating at attempt 10 to avoid
// overflow on pathological budgets.
func backoffDelay(base time.Duration, n int) time.Duration {
	if n < 1 {
		return base
	}
	if n > 10 {
		n = 10
	}
	return base * time.Duration(1<<uint(n-1))
}

// startOnce performs a single failover pass: pick candidates, try each in
// order, activate the first success.
func (m *Manager) startOnce(ctx context.Context, opts StartOptions) (*Info, error) {
	candidates, err := m.selectProviders(ctx, opts.Provider)
	if err != nil {
		return nil, m.handler.Handle(ctx, err, "all")
	}

	var lastErr *ProviderError
	for _, p := range candidates {
		inst, err := p.CreateTunnel(ctx, m.cfg.Port, CreateOptions{})
		if err != nil {
			lastErr = m.handler.Handle(ctx, err, p.Name())
			m.mu.Lock()
			m.lastErr = lastErr
			m.mu.Unlock()
			m.log.Warn("provider failed", "provider", p.Name(), "code", lastErr.Code, "err", lastErr)
			continue
		}
		return m.activate(ctx, inst, opts)
	}

	summary := &ProviderError{
		Provider: "all",
		Code:     CodeProviderFailures,
		Message:  fmt.Sprintf("all %d candidate providers failed", len(candidates)),
		Err:      lastErr,
	}
	return nil, m.handler.Handle(ctx, summary, "all")
}

// selectProviders resolves the candidate list. A named provider yields a
// single candidate; auto probes all registered providers concurrently and
// keeps the available ones in registration order.
func (m *Manager) selectProviders(ctx context.Context, name string) ([]Provider, error) {
	if name != "" && name != "auto" {
		p, ok := m.registry.Get(name)
		if !ok {
			return nil, &ProviderError{
				Provider: "all",
				Code:     CodeNoAvailableProviders,
				Message:  fmt.Sprintf("provider %q is not registered", name),
			}
		}
		if err := p.ValidateConfig(ctx); err != nil {
			return nil, err
		}
		return []Provider{p}, nil
	}

	all := m.registry.Providers()
	probeCtx, cancel := context.WithTimeout(ctx, availabilityProbeTimeout)
	defer cancel()

	available := make([]bool, len(all))
	var wg sync.WaitGroup
	for i, p := range all {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			available[i] = p.IsAvailable(probeCtx)
		}(i, p)
	}
	wg.Wait()

	var candidates []Provider
	for i, p := range all {
		if available[i] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, &ProviderError{
			Provider: "all",
			Code:     CodeNoAvailableProviders,
			Message:  "no registered provider is available",
		}
	}
	return candidates, nil
}

// activate wires up per-tunnel state for a freshly created instance and
// starts the health loop.
func (m *Manager) activate(ctx context.Context, inst Instance, opts StartOptions) (*Info, error) {
	id, err := newTunnelID()
	if err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}

	info := &Info{
		URL:               inst.URL(),
		Provider:          inst.Provider(),
		PasswordProtected: opts.Password != "",
	}
	if opts.TTL > 0 {
		exp := time.Now().Add(opts.TTL)
		info.ExpiresAt = &exp
	}

	ctrl := access.NewController(m.cfg.Access, m.log)
	if opts.Password != "" {
		if err := ctrl.SetPassword(id, opts.Password); err != nil {
			_ = inst.Close(ctx)
			return nil, fmt.Errorf("set tunnel password: %w", err)
		}
	}

	tracker := usage.NewTracker(m.cfg.FingerprintSalt, m.log)
	tracker.OnNewVisitor(func(v usage.Visitor) {
		m.bus.Publish(Event{Kind: EventVisitorNew, Visitor: v.ID})
	})
	tracker.OnMetricsUpdated(func(u usage.Metrics) {
		m.bus.Publish(Event{Kind: EventMetricsUpdated, Stats: statsFrom(u)})
	})

	now := time.Now()
	m.mu.Lock()
	if m.inst != nil {
		// A concurrent start won the race.
		m.mu.Unlock()
		_ = inst.Close(ctx)
		return nil, ErrTunnelActive
	}
	m.inst = inst
	m.info = info
	m.tunnelID = id
	m.tracker = tracker
	m.access = ctrl
	m.lastOpts = opts
	m.health = HealthReport{State: HealthHealthy, LastCheck: now}
	m.healthStop = make(chan struct{})
	m.healthDone = make(chan struct{})
	go m.healthLoop(inst, m.healthStop, m.healthDone)
	m.mu.Unlock()

	if m.history != nil {
		if err := m.history.RecordSessionStart(ctx, id, info.Provider, info.URL, now); err != nil {
			m.log.Warn("session history write failed", "err", err)
		}
	}

	m.log.Info("tunnel active", "id", id, "provider", info.Provider, "url", info.URL)
	m.bus.Publish(Event{Kind: EventStarted, Info: info})
	return info, nil
}

// Stop tears the active tunnel down. Idempotent: stopping an idle manager
// is a no-op and the stopped event fires exactly once per active tunnel.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopCount++
	inst := m.inst
	if inst == nil {
		m.mu.Unlock()
		return nil
	}
	id := m.tunnelID
	info := m.info
	tracker := m.tracker
	stop, done := m.healthStop, m.healthDone
	m.inst = nil
	m.info = nil
	m.tunnelID = ""
	m.tracker = nil
	m.access = nil
	m.healthStop = nil
	m.healthDone = nil
	m.mu.Unlock()

	// Halt the health loop before closing so a probe never races teardown.
	close(stop)
	<-done

	err := inst.Close(ctx)

	var stats *Stats
	if tracker != nil {
		stats = statsFrom(tracker.Metrics())
	}
	if m.history != nil && stats != nil {
		if herr := m.history.RecordSessionStop(ctx, id, time.Now(), stats.TotalAccesses, stats.UniqueVisitors); herr != nil {
			m.log.Warn("session history write failed", "err", herr)
		}
	}

	m.log.Info("tunnel stopped", "id", id)
	m.bus.Publish(Event{Kind: EventStopped, Info: info, Stats: stats})
	return err
}

// stoppedSince reports whether Stop ran after the given stop-counter value
// was observed.
func (m *Manager) stoppedSince(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCount != n
}

// Status returns a point-in-time snapshot. It never mutates manager state.
func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := ManagerStatus{MaxViewers: m.cfg.DefaultMaxViewers}
	if m.inst == nil {
		if m.lastErr != nil {
			st.Error = m.lastErr.Error()
		}
		return st
	}
	st.Active = true
	infoCopy := *m.info
	st.Info = &infoCopy
	healthCopy := m.health
	healthCopy.Uptime = time.Since(m.inst.CreatedAt())
	st.Health = &healthCopy
	// A live, healthy tunnel has nothing to report even when an earlier
	// provider failed on the way here.
	if healthCopy.State != HealthHealthy {
		st.Error = healthCopy.Message
		if m.lastErr != nil {
			st.Error = m.lastErr.Error()
		}
	}
	if m.tracker != nil {
		st.Viewers = m.tracker.Metrics().ActiveVisitors
	}
	return st
}

func statsFrom(u usage.Metrics) *Stats {
	return &Stats{
		TotalAccesses:  u.TotalAccesses,
		UniqueVisitors: u.UniqueVisitors,
		ActiveVisitors: u.ActiveVisitors,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func newTunnelID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return fmt.Sprintf("tun_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b)), nil
}
