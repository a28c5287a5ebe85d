// Package ngrok adapts the ngrok agent SDK as a tunnel provider. The SDK
// returns a net.Listener bound to an ngrok edge; the adapter accepts
// connections from it and forwards them to the local dashboard port.
package ngrok

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sdk "golang.ngrok.com/ngrok"
	sdkconfig "golang.ngrok.com/ngrok/config"

	"github.com/specdash/dashtun/internal/tunnel"
)

const providerName = "ngrok"

const (
	defaultStartTimeout = 30 * time.Second
	probeTimeout        = 5 * time.Second
)

// Config tunes the adapter. Zero values fall back to defaults.
type Config struct {
	// Authtoken overrides token discovery from the environment and the
	// agent config files.
	Authtoken string
	// Region selects the ngrok region, e.g. "eu". Empty lets ngrok choose.
	Region string
	// StartTimeout bounds how long CreateTunnel waits for the edge listener.
	StartTimeout time.Duration
}

// listener is the slice of sdk.Tunnel the adapter relies on.
type listener interface {
	net.Listener
	URL() string
}

// Provider creates ngrok tunnels through the agent SDK.
type Provider struct {
	cfg Config
	log *slog.Logger

	// listen is an injection point for tests; the default dials ngrok.
	listen func(ctx context.Context, token string, cfg Config, hostname string) (listener, error)

	probeClient *http.Client
}

// New creates an ngrok provider.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	return &Provider{
		cfg:         cfg,
		log:         logger.With("provider", providerName),
		listen:      sdkListen,
		probeClient: &http.Client{Timeout: probeTimeout},
	}
}

func sdkListen(ctx context.Context, token string, cfg Config, hostname string) (listener, error) {
	endpointOpts := []sdkconfig.HTTPEndpointOption{}
	if hostname != "" {
		endpointOpts = append(endpointOpts, sdkconfig.WithDomain(hostname))
	}
	var connectOpts []sdk.ConnectOption
	if token != "" {
		connectOpts = append(connectOpts, sdk.WithAuthtoken(token))
	}
	if cfg.Region != "" {
		connectOpts = append(connectOpts, sdk.WithRegion(cfg.Region))
	}
	return sdk.Listen(ctx, sdkconfig.HTTPEndpoint(endpointOpts...), connectOpts...)
}

// Name implements tunnel.Provider.
func (p *Provider) Name() string { return providerName }

// IsAvailable always reports true: the SDK is compiled in, and a missing
// authtoken only degrades the session rather than preventing one.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	return true
}

// ValidateConfig checks authtoken discovery. A missing token is logged but
// does not fail validation; anonymous sessions work with reduced features.
func (p *Provider) ValidateConfig(ctx context.Context) error {
	if p.resolveToken() == "" {
		p.log.Warn("no authtoken found in config, NGROK_AUTHTOKEN, or the agent config file; session will be anonymous")
	}
	return nil
}

// resolveToken finds an authtoken: explicit config, then the NGROK_AUTHTOKEN
// environment variable, then the agent's YAML config files.
func (p *Provider) resolveToken() string {
	if p.cfg.Authtoken != "" {
		return p.cfg.Authtoken
	}
	if tok := os.Getenv("NGROK_AUTHTOKEN"); tok != "" {
		return tok
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, path := range []string{
		filepath.Join(home, ".config", "ngrok", "ngrok.yml"),
		filepath.Join(home, ".ngrok2", "ngrok.yml"),
	} {
		if tok := tokenFromAgentConfig(path); tok != "" {
			return tok
		}
	}
	return ""
}

// tokenFromAgentConfig extracts the authtoken line from an ngrok agent
// config file. The file is YAML but the token is a flat top-level scalar, so
// a line scan avoids pulling in a YAML parser for one key.
func tokenFromAgentConfig(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "authtoken:"); ok {
			return strings.Trim(strings.TrimSpace(rest), `"'`)
		}
	}
	return ""
}

// CreateTunnel connects to the ngrok edge and starts forwarding accepted
// connections to the local port.
func (p *Provider) CreateTunnel(ctx context.Context, port int, opts tunnel.CreateOptions) (tunnel.Instance, error) {
	token := p.resolveToken()
	if token == "" {
		p.log.Warn("starting ngrok session without an authtoken")
	}

	// The SDK ties the session's lifetime to the context given to Listen:
	// cancelling it closes the session and every tunnel on it. Listen gets
	// the caller's long-lived context, and the creation deadline is enforced
	// around the call instead.
	type listenResult struct {
		l   listener
		err error
	}
	results := make(chan listenResult, 1)
	go func() {
		l, err := p.listen(ctx, token, p.cfg, opts.Hostname)
		results <- listenResult{l: l, err: err}
	}()
	closeLateSession := func() {
		if res := <-results; res.err == nil && res.l != nil {
			_ = res.l.Close()
		}
	}

	timer := time.NewTimer(p.cfg.StartTimeout)
	defer timer.Stop()

	var l listener
	select {
	case res := <-results:
		if res.err != nil {
			return nil, classifyListenError(res.err, p.cfg.StartTimeout)
		}
		l = res.l
	case <-timer.C:
		go closeLateSession()
		return nil, tunnel.NewProviderError(providerName, tunnel.CodeTimeout,
			fmt.Sprintf("no ngrok session within %s", p.cfg.StartTimeout), nil)
	case <-ctx.Done():
		go closeLateSession()
		return nil, tunnel.NewProviderError(providerName, tunnel.CodeStartError,
			"ngrok session canceled", ctx.Err())
	}

	if l.URL() == "" {
		_ = l.Close()
		return nil, tunnel.NewProviderError(providerName, tunnel.CodeNoURL,
			"ngrok session established but no public URL was assigned", nil)
	}

	inst := &instance{
		url:       l.URL(),
		createdAt: time.Now(),
		listener:  l,
		target:    fmt.Sprintf("127.0.0.1:%d", port),
		log:       p.log,
		probe:     p.probeClient,
	}
	go inst.acceptLoop()
	p.log.Info("tunnel established", "url", inst.url)
	return inst, nil
}

func classifyListenError(err error, timeout time.Duration) *tunnel.ProviderError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth") || strings.Contains(msg, "token"):
		return tunnel.NewProviderError(providerName, tunnel.CodeAuthRequired,
			"ngrok rejected the authtoken", err)
	case ctxTimeout(err):
		return tunnel.NewProviderError(providerName, tunnel.CodeTimeout,
			fmt.Sprintf("no ngrok session within %s", timeout), err)
	default:
		return tunnel.NewProviderError(providerName, tunnel.CodeStartError,
			"ngrok session failed", err)
	}
}

func ctxTimeout(err error) bool {
	return strings.Contains(err.Error(), context.DeadlineExceeded.Error())
}

// instance forwards connections from the ngrok edge to the local port.
type instance struct {
	url       string
	createdAt time.Time
	listener  listener
	target    string
	log       *slog.Logger
	probe     *http.Client

	closing atomic.Bool
}

func (i *instance) URL() string          { return i.url }
func (i *instance) Provider() string     { return providerName }
func (i *instance) CreatedAt() time.Time { return i.createdAt }

func (i *instance) Status() string {
	if i.closing.Load() {
		return tunnel.StatusClosing
	}
	return tunnel.StatusActive
}

// acceptLoop takes connections from the edge listener until it closes.
func (i *instance) acceptLoop() {
	for {
		conn, err := i.listener.Accept()
		if err != nil {
			if !i.closing.Load() {
				i.log.Warn("ngrok listener closed unexpectedly", "err", err)
			}
			return
		}
		go i.forward(conn)
	}
}

// forward proxies a single edge connection to the local dashboard.
func (i *instance) forward(remote net.Conn) {
	defer remote.Close()
	local, err := net.Dial("tcp", i.target)
	if err != nil {
		i.log.Warn("local dial failed", "target", i.target, "err", err)
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()
	<-done
}

// Health probes the public URL. Any HTTP response counts as healthy.
func (i *instance) Health(ctx context.Context) tunnel.HealthProbe {
	if i.Status() != tunnel.StatusActive {
		return tunnel.HealthProbe{Message: "tunnel is closing"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, i.url, nil)
	if err != nil {
		return tunnel.HealthProbe{Message: err.Error()}
	}
	start := time.Now()
	resp, err := i.probe.Do(req)
	if err != nil {
		return tunnel.HealthProbe{Message: fmt.Sprintf("probe failed: %v", err)}
	}
	resp.Body.Close()
	return tunnel.HealthProbe{Healthy: true, Latency: time.Since(start)}
}

// Close shuts the edge listener down, which also ends the accept loop.
// Idempotent.
func (i *instance) Close(ctx context.Context) error {
	if !i.closing.CompareAndSwap(false, true) {
		return nil
	}
	i.log.Debug("stopping ngrok tunnel", "url", i.url)
	return i.listener.Close()
}
