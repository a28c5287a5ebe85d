package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeInstance struct {
	url       string
	provider  string
	createdAt time.Time

	mu         sync.Mutex
	healthy    bool
	closeCalls int
}

func newFakeInstance(provider, url string) *fakeInstance {
	return &fakeInstance{url: url, provider: provider, createdAt: time.Now(), healthy: true}
}

func (f *fakeInstance) URL() string          { return f.url }
func (f *fakeInstance) Provider() string     { return f.provider }
func (f *fakeInstance) CreatedAt() time.Time { return f.createdAt }

func (f *fakeInstance) Status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCalls > 0 {
		return StatusClosing
	}
	return StatusActive
}

func (f *fakeInstance) Health(context.Context) HealthProbe {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy {
		return HealthProbe{Healthy: true, Latency: time.Millisecond}
	}
	return HealthProbe{Message: "probe failed"}
}

func (f *fakeInstance) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeInstance) setHealthy(v bool) {
	f.mu.Lock()
	f.healthy = v
	f.mu.Unlock()
}

func (f *fakeInstance) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

type fakeProvider struct {
	name      string
	available bool
	failures  int32         // fail this many CreateTunnel calls before succeeding
	gate      chan struct{} // when set, CreateTunnel blocks on it after counting the call
	calls     atomic.Int32
	instances []*fakeInstance
	mu        sync.Mutex
}

func (p *fakeProvider) Name() string                      { return p.name }
func (p *fakeProvider) IsAvailable(context.Context) bool  { return p.available }
func (p *fakeProvider) ValidateConfig(context.Context) error {
	if !p.available {
		return NewProviderError(p.name, CodeNotFound, "binary missing", nil)
	}
	return nil
}

func (p *fakeProvider) CreateTunnel(ctx context.Context, port int, opts CreateOptions) (Instance, error) {
	n := p.calls.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	if n <= p.failures {
		return nil, NewProviderError(p.name, CodeStartError, "simulated failure", nil)
	}
	inst := newFakeInstance(p.name, "https://"+p.name+".example.test")
	p.mu.Lock()
	p.instances = append(p.instances, inst)
	p.mu.Unlock()
	return inst, nil
}

func (p *fakeProvider) lastInstance() *fakeInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.instances) == 0 {
		return nil
	}
	return p.instances[len(p.instances)-1]
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) record(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, cfg ManagerConfig, providers ...Provider) (*Manager, *eventSink) {
	t.Helper()
	reg := NewRegistry()
	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	bus := NewBus()
	sink := &eventSink{}
	bus.Subscribe(sink.record)
	return NewManager(cfg, reg, bus, testLogger()), sink
}

func TestStartFailover(t *testing.T) {
	t.Parallel()

	flaky := &fakeProvider{name: "cloudflared", available: true, failures: 99}
	solid := &fakeProvider{name: "ngrok", available: true}
	m, sink := newTestManager(t, ManagerConfig{Port: 3000, MaxRetries: -1}, flaky, solid)

	info, err := m.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	if info.Provider != "ngrok" {
		t.Errorf("Provider = %q, want ngrok (failover target)", info.Provider)
	}
	if flaky.calls.Load() != 1 {
		t.Errorf("first provider attempted %d times, want 1", flaky.calls.Load())
	}
	if sink.count(EventStarted) != 1 {
		t.Errorf("started events = %d, want 1", sink.count(EventStarted))
	}

	// The first provider's failure stays recorded for diagnostics, but a
	// live healthy tunnel reports no error.
	m.mu.Lock()
	le := m.lastErr
	m.mu.Unlock()
	if le == nil || le.Provider != "cloudflared" {
		t.Errorf("lastErr = %v, want the first provider's failure", le)
	}
	if st := m.Status(); st.Error != "" {
		t.Errorf("healthy active status reports error %q", st.Error)
	}
}

func TestStartNamedProvider(t *testing.T) {
	t.Parallel()

	cf := &fakeProvider{name: "cloudflared", available: true}
	ng := &fakeProvider{name: "ngrok", available: true}
	m, _ := newTestManager(t, ManagerConfig{Port: 3000}, cf, ng)

	info, err := m.Start(context.Background(), StartOptions{Provider: "NGROK"})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	if info.Provider != "ngrok" {
		t.Errorf("Provider = %q, want ngrok", info.Provider)
	}
	if cf.calls.Load() != 0 {
		t.Errorf("unselected provider was called %d times", cf.calls.Load())
	}
}

func TestStartNoAvailableProviders(t *testing.T) {
	t.Parallel()

	cf := &fakeProvider{name: "cloudflared", available: false}
	m, sink := newTestManager(t, ManagerConfig{Port: 3000, MaxRetries: 5, AutoReconnect: true}, cf)

	_, err := m.Start(context.Background(), StartOptions{})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if pe.Code != CodeNoAvailableProviders {
		t.Errorf("code = %q, want %q", pe.Code, CodeNoAvailableProviders)
	}
	if pe.UserMessage == "" || len(pe.Steps) == 0 {
		t.Error("error was not enriched with guidance")
	}
	if sink.count(EventRetry) != 0 {
		t.Errorf("retried %d times on a non-retryable failure", sink.count(EventRetry))
	}
}

func TestRetryBudget(t *testing.T) {
	t.Parallel()

	broken := &fakeProvider{name: "cloudflared", available: true, failures: 99}
	m, sink := newTestManager(t, ManagerConfig{Port: 3000, MaxRetries: 2, AutoReconnect: true}, broken)

	_, err := m.Start(context.Background(), StartOptions{})
	if err == nil {
		t.Fatal("expected error from a permanently failing provider")
	}
	// Initial attempt plus two retries.
	if got := broken.calls.Load(); got != 3 {
		t.Errorf("CreateTunnel called %d times, want 3", got)
	}
	if sink.count(EventRetry) != 2 {
		t.Errorf("retry events = %d, want 2", sink.count(EventRetry))
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if pe.Code != CodeProviderFailures {
		t.Errorf("code = %q, want %q", pe.Code, CodeProviderFailures)
	}
}

func TestStartNoRetryWithoutAutoReconnect(t *testing.T) {
	t.Parallel()

	broken := &fakeProvider{name: "cloudflared", available: true, failures: 99}
	m, sink := newTestManager(t, ManagerConfig{Port: 3000, MaxRetries: 2}, broken)

	if _, err := m.Start(context.Background(), StartOptions{}); err == nil {
		t.Fatal("expected error from a permanently failing provider")
	}
	if got := broken.calls.Load(); got != 1 {
		t.Errorf("CreateTunnel called %d times, want 1 with auto-reconnect off", got)
	}
	if got := sink.count(EventRetry); got != 0 {
		t.Errorf("retry events = %d, want 0 with auto-reconnect off", got)
	}
}

func TestStartConfigErrorNotRetried(t *testing.T) {
	t.Parallel()

	cf := &fakeProvider{name: "cloudflared", available: false}
	m, sink := newTestManager(t, ManagerConfig{Port: 3000, MaxRetries: 3, AutoReconnect: true}, cf)

	_, err := m.Start(context.Background(), StartOptions{Provider: "cloudflared"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %v", err)
	}
	if !codeSuffixIs(pe.Code, CodeNotFound) {
		t.Errorf("code = %q, want a missing-binary code", pe.Code)
	}
	if got := cf.calls.Load(); got != 0 {
		t.Errorf("CreateTunnel called %d times on a misconfigured provider", got)
	}
	if got := sink.count(EventRetry); got != 0 {
		t.Errorf("retry events = %d, want 0 for a configuration failure", got)
	}
}

func TestStartReplacesActiveTunnel(t *testing.T) {
	t.Parallel()

	cf := &fakeProvider{name: "cloudflared", available: true}
	m, sink := newTestManager(t, ManagerConfig{Port: 3000}, cf)

	if _, err := m.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	old := cf.lastInstance()

	// A second start stops the running tunnel first.
	if _, err := m.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	if old.closed() != 1 {
		t.Errorf("old instance closed %d times, want 1", old.closed())
	}
	if cf.lastInstance() == old {
		t.Error("restart did not create a fresh instance")
	}
	if got := sink.count(EventStopped); got != 1 {
		t.Errorf("stopped events = %d, want 1", got)
	}
	if got := sink.count(EventStarted); got != 2 {
		t.Errorf("started events = %d, want 2", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	cf := &fakeProvider{name: "cloudflared", available: true}
	m, sink := newTestManager(t, ManagerConfig{Port: 3000}, cf)

	if _, err := m.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := sink.count(EventStopped); got != 1 {
		t.Errorf("stopped events = %d, want 1", got)
	}
	if got := cf.lastInstance().closed(); got != 1 {
		t.Errorf("instance closed %d times, want 1", got)
	}
	if st := m.Status(); st.Active {
		t.Error("status still active after stop")
	}
}

func TestStartOptionsMergeAndInfo(t *testing.T) {
	t.Parallel()

	cf := &fakeProvider{name: "cloudflared", available: true}
	m, _ := newTestManager(t, ManagerConfig{
		Port:       3000,
		DefaultTTL: time.Hour,
	}, cf)

	info, err := m.Start(context.Background(), StartOptions{Password: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	if !info.PasswordProtected {
		t.Error("PasswordProtected = false with a password set")
	}
	if info.ExpiresAt == nil {
		t.Fatal("ExpiresAt not stamped from default TTL")
	}
	if remaining := time.Until(*info.ExpiresAt); remaining < 59*time.Minute || remaining > time.Hour {
		t.Errorf("expiry %v not within the TTL", remaining)
	}
	if m.Access() == nil || !m.Access().HasPassword(m.tunnelID) {
		t.Error("access controller has no password for the tunnel")
	}
}

func TestHealthTransitions(t *testing.T) {
	t.Parallel()

	cf := &fakeProvider{name: "cloudflared", available: true}
	m, sink := newTestManager(t, ManagerConfig{Port: 3000, HealthCheckInterval: time.Hour}, cf)

	if _, err := m.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	inst := cf.lastInstance()
	inst.setHealthy(false)

	if ok := m.probeOnce(inst); !ok {
		t.Fatal("single failure already reported unhealthy")
	}
	if st := m.Status(); st.Health.State != HealthDegraded {
		t.Errorf("state after 1 failure = %q, want degraded", st.Health.State)
	}

	m.probeOnce(inst)
	if ok := m.probeOnce(inst); ok {
		t.Fatal("third failure did not report unhealthy")
	}
	st := m.Status()
	if st.Health.State != HealthUnhealthy {
		t.Errorf("state after 3 failures = %q, want unhealthy", st.Health.State)
	}
	if st.Health.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", st.Health.ConsecutiveFailures)
	}

	// Recovery resets the streak.
	inst.setHealthy(true)
	m.probeOnce(inst)
	st = m.Status()
	if st.Health.State != HealthHealthy || st.Health.ConsecutiveFailures != 0 {
		t.Errorf("state after success = %q/%d, want healthy/0", st.Health.State, st.Health.ConsecutiveFailures)
	}

	if sink.count(EventHealth) == 0 {
		t.Error("no health events published across transitions")
	}
}

func TestSelfHealRestartsTunnel(t *testing.T) {
	t.Parallel()

	cf := &fakeProvider{name: "cloudflared", available: true}
	m, sink := newTestManager(t, ManagerConfig{
		Port:                3000,
		MaxRetries:          2,
		HealthCheckInterval: time.Hour,
		AutoReconnect:       true,
	}, cf)

	if _, err := m.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	old := cf.lastInstance()
	m.selfHeal(old)

	if old.closed() == 0 {
		t.Error("unhealthy instance was not closed")
	}
	st := m.Status()
	if !st.Active {
		t.Fatal("manager not active after recovery")
	}
	if cf.lastInstance() == old {
		t.Error("recovery did not create a fresh instance")
	}
	if sink.count(EventRecoveryStart) != 1 {
		t.Errorf("recovery start events = %d, want 1", sink.count(EventRecoveryStart))
	}
	if sink.count(EventRecoverySuccess) != 1 {
		t.Errorf("recovery success events = %d, want 1", sink.count(EventRecoverySuccess))
	}
}

func TestSelfHealExhausted(t *testing.T) {
	t.Parallel()

	cf := &fakeProvider{name: "cloudflared", available: true}
	m, sink := newTestManager(t, ManagerConfig{
		Port:                3000,
		MaxRetries:          2,
		HealthCheckInterval: time.Hour,
		AutoReconnect:       true,
	}, cf)

	if _, err := m.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	old := cf.lastInstance()

	// Every restart attempt fails from here on.
	cf.failures = 99
	m.selfHeal(old)

	if st := m.Status(); st.Active {
		t.Error("manager active after exhausted recovery")
	} else if st.Error == "" {
		t.Error("status carries no error after exhausted recovery")
	}
	if sink.count(EventRecoveryFailed) != 2 {
		t.Errorf("recovery failed events = %d, want 2", sink.count(EventRecoveryFailed))
	}
	if sink.count(EventRecoveryExhausted) != 1 {
		t.Errorf("recovery exhausted events = %d, want 1", sink.count(EventRecoveryExhausted))
	}
}

func TestStopCancelsSelfHeal(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{}, 1)
	gate <- struct{}{} // let the initial start through
	cf := &fakeProvider{name: "cloudflared", available: true, gate: gate}
	m, sink := newTestManager(t, ManagerConfig{
		Port:                3000,
		MaxRetries:          2,
		HealthCheckInterval: time.Hour,
		AutoReconnect:       true,
	}, cf)

	if _, err := m.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	old := cf.lastInstance()

	done := make(chan struct{})
	go func() {
		m.selfHeal(old)
		close(done)
	}()

	// Wait until the recovery attempt is blocked inside the provider.
	deadline := time.Now().Add(2 * time.Second)
	for cf.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("recovery attempt never reached the provider")
		}
		time.Sleep(time.Millisecond)
	}

	// The user stops the tunnel mid-recovery; the restart must not survive.
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	gate <- struct{}{}
	<-done

	if st := m.Status(); st.Active {
		t.Error("stopped tunnel was resurrected by recovery")
	}
	if got := sink.count(EventRecoverySuccess); got != 0 {
		t.Errorf("recovery success events = %d, want 0 after stop", got)
	}
}

func TestVisitorEventsFlow(t *testing.T) {
	t.Parallel()

	cf := &fakeProvider{name: "cloudflared", available: true}
	m, sink := newTestManager(t, ManagerConfig{Port: 3000, FingerprintSalt: "pepper"}, cf)

	if _, err := m.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(context.Background())

	tr := m.Tracker()
	tr.Record("203.0.113.9", "Mozilla/5.0", "/", time.Now())
	tr.Record("203.0.113.9", "Mozilla/5.0", "/api", time.Now())

	if got := sink.count(EventVisitorNew); got != 1 {
		t.Errorf("visitor events = %d, want 1", got)
	}
	if got := sink.count(EventMetricsUpdated); got != 2 {
		t.Errorf("metrics events = %d, want 2", got)
	}
	if st := m.Status(); st.Viewers != 1 {
		t.Errorf("Viewers = %d, want 1", st.Viewers)
	}
}
