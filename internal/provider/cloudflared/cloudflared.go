// Package cloudflared adapts the cloudflared CLI as a tunnel provider. It
// runs `cloudflared tunnel --url ...` as a child process and scrapes the
// assigned trycloudflare.com URL from its output.
package cloudflared

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/specdash/dashtun/internal/tunnel"
)

const providerName = "cloudflared"

const (
	defaultBinary       = "cloudflared"
	defaultStartTimeout = 30 * time.Second
	closeGracePeriod    = 5 * time.Second
	probeTimeout        = 5 * time.Second
)

// urlPattern matches the ephemeral public URL cloudflared prints once the
// tunnel is registered with the edge.
var urlPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// Config tunes the adapter. Zero values fall back to defaults.
type Config struct {
	// Path is the cloudflared binary name or absolute path.
	Path string
	// StartTimeout bounds how long CreateTunnel waits for a URL.
	StartTimeout time.Duration
}

// Provider runs cloudflared quick tunnels.
type Provider struct {
	cfg Config
	log *slog.Logger

	// lookPath and probeClient are injection points for tests.
	lookPath    func(string) (string, error)
	probeClient *http.Client
}

// New creates a cloudflared provider.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.Path == "" {
		cfg.Path = defaultBinary
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	return &Provider{
		cfg:         cfg,
		log:         logger.With("provider", providerName),
		lookPath:    exec.LookPath,
		probeClient: &http.Client{Timeout: probeTimeout},
	}
}

// Name implements tunnel.Provider.
func (p *Provider) Name() string { return providerName }

// IsAvailable reports whether the cloudflared binary is resolvable. Quick
// tunnels need no account, so binary presence is the whole check.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	_, err := p.lookPath(p.cfg.Path)
	return err == nil
}

// ValidateConfig verifies the binary can be resolved.
func (p *Provider) ValidateConfig(ctx context.Context) error {
	if _, err := p.lookPath(p.cfg.Path); err != nil {
		return tunnel.NewProviderError(providerName, tunnel.CodeNotFound,
			fmt.Sprintf("binary %q not found on PATH", p.cfg.Path), err)
	}
	return nil
}

// CreateTunnel starts a cloudflared child process forwarding to the local
// port and blocks until the public URL appears in its output, the process
// exits, the start timeout fires, or ctx is canceled.
func (p *Provider) CreateTunnel(ctx context.Context, port int, opts tunnel.CreateOptions) (tunnel.Instance, error) {
	bin, err := p.lookPath(p.cfg.Path)
	if err != nil {
		return nil, tunnel.NewProviderError(providerName, tunnel.CodeNotFound,
			fmt.Sprintf("binary %q not found on PATH", p.cfg.Path), err)
	}

	args := []string{"tunnel", "--url", fmt.Sprintf("http://localhost:%d", port)}
	if opts.Hostname != "" {
		args = append(args, "--hostname", opts.Hostname)
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, tunnel.NewProviderError(providerName, tunnel.CodeStartError, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, tunnel.NewProviderError(providerName, tunnel.CodeStartError, "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, tunnel.NewProviderError(providerName, tunnel.CodeStartError, "start cloudflared", err)
	}
	p.log.Debug("cloudflared started", "pid", cmd.Process.Pid, "port", port)

	urlCh := make(chan string, 1)
	diagCh := make(chan string, 32)
	go scanOutput(stdout, urlCh, diagCh)
	go scanOutput(stderr, urlCh, diagCh)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(p.cfg.StartTimeout)
	defer timer.Stop()

	var diagnostics []string
	for {
		select {
		case <-ctx.Done():
			stop(cmd, done)
			return nil, tunnel.NewProviderError(providerName, tunnel.CodeStartError, "canceled while starting", ctx.Err())

		case line := <-diagCh:
			diagnostics = append(diagnostics, line)

		case url := <-urlCh:
			inst := &instance{
				url:       url,
				createdAt: time.Now(),
				cmd:       cmd,
				exited:    make(chan struct{}),
				log:       p.log,
				probe:     p.probeClient,
			}
			go func() {
				<-done
				close(inst.exited)
			}()
			p.log.Info("tunnel established", "url", url)
			return inst, nil

		case err := <-done:
			drainDiagnostics(diagCh, &diagnostics)
			msg := "cloudflared exited before reporting a URL"
			if len(diagnostics) > 0 {
				msg = fmt.Sprintf("%s: %s", msg, strings.Join(diagnostics, "; "))
			}
			return nil, tunnel.NewProviderError(providerName, tunnel.CodeExitEarly, msg, err)

		case <-timer.C:
			stop(cmd, done)
			return nil, tunnel.NewProviderError(providerName, tunnel.CodeTimeout,
				fmt.Sprintf("no tunnel URL within %s", p.cfg.StartTimeout), nil)
		}
	}
}

// scanOutput reads process output line by line, forwarding the first URL
// match and any line that looks like an error diagnostic.
func scanOutput(r io.Reader, urlCh chan<- string, diagCh chan<- string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if url := urlPattern.FindString(line); url != "" {
			select {
			case urlCh <- url:
			default:
			}
			continue
		}
		if strings.Contains(strings.ToLower(line), "error") {
			select {
			case diagCh <- strings.TrimSpace(line):
			default:
			}
		}
	}
}

func drainDiagnostics(diagCh <-chan string, out *[]string) {
	for {
		select {
		case line := <-diagCh:
			*out = append(*out, line)
		default:
			return
		}
	}
}

// stop terminates the child: SIGTERM, then SIGKILL after the grace period.
func stop(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(closeGracePeriod):
		_ = cmd.Process.Kill()
		<-done
	}
}

// instance is a live cloudflared child process. The exited channel is
// closed once the child terminates, so any number of readers can observe it.
type instance struct {
	url       string
	createdAt time.Time
	cmd       *exec.Cmd
	exited    chan struct{}
	log       *slog.Logger
	probe     *http.Client

	closing atomic.Bool
}

func (i *instance) URL() string          { return i.url }
func (i *instance) Provider() string     { return providerName }
func (i *instance) CreatedAt() time.Time { return i.createdAt }

// Status derives the lifecycle state from the close flag and the child
// process.
func (i *instance) Status() string {
	if i.closing.Load() {
		return tunnel.StatusClosing
	}
	select {
	case <-i.exited:
		return tunnel.StatusError
	default:
		return tunnel.StatusActive
	}
}

// Health probes the public URL. Any HTTP response means the edge is
// reachable; transport errors and a dead child process do not.
func (i *instance) Health(ctx context.Context) tunnel.HealthProbe {
	if i.Status() != tunnel.StatusActive {
		return tunnel.HealthProbe{Message: "cloudflared process is not running"}
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

// Close terminates the child process. Idempotent: subsequent calls return
// immediately.
func (i *instance) Close(ctx context.Context) error {
	if !i.closing.CompareAndSwap(false, true) {
		return nil
	}
	i.log.Debug("stopping cloudflared", "url", i.url)

	if i.cmd.Process != nil {
		_ = i.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-i.exited:
		return nil
	case <-time.After(closeGracePeriod):
		if i.cmd.Process != nil {
			_ = i.cmd.Process.Kill()
		}
		<-i.exited
		return nil
	case <-ctx.Done():
		if i.cmd.Process != nil {
			_ = i.cmd.Process.Kill()
		}
		return ctx.Err()
	}
}
