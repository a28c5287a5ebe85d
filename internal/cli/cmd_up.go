package cli

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/specdash/dashtun/internal/access"
	"github.com/specdash/dashtun/internal/config"
	ilog "github.com/specdash/dashtun/internal/log"
	"github.com/specdash/dashtun/internal/provider/cloudflared"
	"github.com/specdash/dashtun/internal/provider/ngrok"
	"github.com/specdash/dashtun/internal/store/sqlite"
	"github.com/specdash/dashtun/internal/tunnel"
)

const stopGracePeriod = 10 * time.Second

func runUp(ctx context.Context, args []string) int {
	cfg, err := config.ParseUpFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "up config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	if cfg.RequirePassword && cfg.Password == "" {
		pw, err := randomSecret(12)
		if err != nil {
			fmt.Fprintln(os.Stderr, "up error:", err)
			return 1
		}
		cfg.Password = pw
		fmt.Println("generated access password:", pw)
	}
	salt := cfg.FingerprintSalt
	if salt == "" {
		if salt, err = randomSecret(16); err != nil {
			fmt.Fprintln(os.Stderr, "up error:", err)
			return 1
		}
	}

	reg := tunnel.NewRegistry()
	if err := reg.Register(cloudflared.New(cloudflared.Config{Path: cfg.CloudflaredPath}, logger)); err != nil {
		fmt.Fprintln(os.Stderr, "up error:", err)
		return 1
	}
	if err := reg.Register(ngrok.New(ngrok.Config{Authtoken: cfg.NgrokAuthtoken, Region: cfg.NgrokRegion}, logger)); err != nil {
		fmt.Fprintln(os.Stderr, "up error:", err)
		return 1
	}

	bus := tunnel.NewBus()
	bus.Subscribe(eventPrinter())

	var mgrOpts []tunnel.ManagerOption
	if cfg.HistoryDBPath != "" {
		store, err := sqlite.Open(cfg.HistoryDBPath)
		if err != nil {
			logger.Warn("session history disabled", "path", cfg.HistoryDBPath, "err", err)
		} else {
			defer store.Close()
			mgrOpts = append(mgrOpts, tunnel.WithSessionRecorder(store))
		}
	}

	mgr := tunnel.NewManager(tunnel.ManagerConfig{
		Port:                cfg.Port,
		DefaultProvider:     cfg.Provider,
		DefaultTTL:          cfg.TTL,
		DefaultMaxViewers:   cfg.MaxViewers,
		DefaultPassword:     cfg.Password,
		MaxRetries:          cfg.MaxRetries,
		RetryDelay:          cfg.RetryDelay,
		HealthCheckInterval: cfg.HealthCheckInterval,
		AutoReconnect:       cfg.AutoReconnect,
		FingerprintSalt:     salt,
		Access:              access.Config{ReadOnly: cfg.ReadOnly, AllowedOrigins: cfg.AllowedOrigins},
	}, reg, bus, logger, mgrOpts...)

	info, err := mgr.Start(ctx, tunnel.StartOptions{})
	if err != nil {
		printTunnelError(err)
		return 1
	}

	fmt.Println()
	fmt.Println("  dashboard:", fmt.Sprintf("http://localhost:%d", cfg.Port))
	fmt.Println("  public:   ", info.URL)
	if info.PasswordProtected {
		fmt.Println("  access:    password protected")
	}
	if cfg.ReadOnly {
		fmt.Println("  mode:      read-only")
	}
	if info.ExpiresAt != nil {
		fmt.Println("  expires:  ", info.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()

	var ttlCh <-chan time.Time
	if cfg.TTL > 0 {
		ttlCh = time.After(cfg.TTL)
	}
	select {
	case <-ctx.Done():
	case <-ttlCh:
		logger.Info("tunnel lifetime reached")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
	defer cancel()
	if err := mgr.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "stop error:", err)
		return 1
	}
	return 0
}

// eventPrinter renders the manager's event stream for the terminal.
func eventPrinter() func(tunnel.Event) {
	return func(e tunnel.Event) {
		switch e.Kind {
		case tunnel.EventRetry:
			fmt.Printf("retrying (attempt %d)...\n", e.Attempt)
		case tunnel.EventHealth:
			if e.Health != nil && e.Health.State != tunnel.HealthHealthy {
				fmt.Printf("tunnel %s (%d consecutive failures)\n", e.Health.State, e.Health.ConsecutiveFailures)
			}
		case tunnel.EventRecoveryStart:
			fmt.Println("tunnel lost, reconnecting...")
		case tunnel.EventRecoverySuccess:
			if e.Info != nil {
				fmt.Println("reconnected:", e.Info.URL)
			}
		case tunnel.EventRecoveryExhausted:
			fmt.Fprintln(os.Stderr, "reconnect failed:", e.Err)
		case tunnel.EventStopped:
			if e.Stats != nil {
				fmt.Printf("session summary: %d accesses from %d unique visitors\n",
					e.Stats.TotalAccesses, e.Stats.UniqueVisitors)
			}
		}
	}
}

// printTunnelError shows the enriched guidance when available, falling back
// to the raw error.
func printTunnelError(err error) {
	var pe *tunnel.ProviderError
	if !errors.As(err, &pe) || pe.UserMessage == "" {
		fmt.Fprintln(os.Stderr, "up error:", err)
		return
	}
	fmt.Fprintln(os.Stderr, "error:", pe.UserMessage)
	for _, step := range pe.Steps {
		fmt.Fprintln(os.Stderr, "  -", step)
	}
	fmt.Fprintln(os.Stderr, "detail:", pe.Error())
}

// randomSecret returns n bytes of randomness as URL-safe text.
func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
