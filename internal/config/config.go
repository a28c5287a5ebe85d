// Package config parses the dashtun command line. Every flag can also be
// set through a DASHTUN_* environment variable; flags win over env.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config drives the `dashtun up` command.
type Config struct {
	Port       int
	Provider   string
	TTL        time.Duration
	MaxViewers int

	Password        string
	RequirePassword bool
	ReadOnly        bool
	AllowedOrigins  []string

	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	AutoReconnect       bool

	FingerprintSalt string
	HistoryDBPath   string
	LogLevel        string

	CloudflaredPath string
	NgrokAuthtoken  string
	NgrokRegion     string
}

const defaultMaxRetries = 3
const defaultRetryDelay = 2 * time.Second
const defaultHealthCheckInterval = 30 * time.Second
const defaultHistoryDBPath = "./dashtun.db"
const defaultCloudflaredPath = "cloudflared"

// ParseUpFlags builds the up-command configuration from env defaults and
// flags.
func ParseUpFlags(args []string) (Config, error) {
	cfg := Config{
		Port:                envIntOrDefault("DASHTUN_PORT", 0),
		Provider:            envOrDefault("DASHTUN_PROVIDER", "auto"),
		TTL:                 envDurationOrDefault("DASHTUN_TTL", 0),
		MaxViewers:          envIntOrDefault("DASHTUN_MAX_VIEWERS", 0),
		Password:            envOrDefault("DASHTUN_PASSWORD", ""),
		MaxRetries:          envIntOrDefault("DASHTUN_MAX_RETRIES", defaultMaxRetries),
		RetryDelay:          envDurationOrDefault("DASHTUN_RETRY_DELAY", defaultRetryDelay),
		HealthCheckInterval: envDurationOrDefault("DASHTUN_HEALTH_CHECK_INTERVAL", defaultHealthCheckInterval),
		AutoReconnect:       envBoolOrDefault("DASHTUN_AUTO_RECONNECT", true),
		FingerprintSalt:     envOrDefault("DASHTUN_FINGERPRINT_SALT", ""),
		HistoryDBPath:       envOrDefault("DASHTUN_HISTORY_DB", defaultHistoryDBPath),
		LogLevel:            envOrDefault("DASHTUN_LOG_LEVEL", "info"),
		CloudflaredPath:     envOrDefault("DASHTUN_CLOUDFLARED_PATH", defaultCloudflaredPath),
		NgrokAuthtoken:      envOrDefault("DASHTUN_NGROK_AUTHTOKEN", ""),
		NgrokRegion:         envOrDefault("DASHTUN_NGROK_REGION", ""),
	}

	fs := flag.NewFlagSet("up", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Local dashboard port to share")
	fs.StringVar(&cfg.Provider, "provider", cfg.Provider, "Tunnel provider: auto|cloudflared|ngrok")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "Tunnel lifetime (0 = until stopped)")
	fs.IntVar(&cfg.MaxViewers, "max-viewers", cfg.MaxViewers, "Advisory viewer limit (0 = unlimited)")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "Access password for viewers")
	fs.BoolVar(&cfg.RequirePassword, "require-password", false, "Require a password; one is generated when --password is empty")
	fs.BoolVar(&cfg.ReadOnly, "read-only", false, "Serve the dashboard read-only")
	origins := fs.String("allowed-origins", envOrDefault("DASHTUN_ALLOWED_ORIGINS", ""), "Comma-separated Origin allow list (empty allows all)")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Start retries after the first attempt")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Base retry backoff delay")
	fs.DurationVar(&cfg.HealthCheckInterval, "health-check-interval", cfg.HealthCheckInterval, "Tunnel health probe period")
	fs.BoolVar(&cfg.AutoReconnect, "auto-reconnect", cfg.AutoReconnect, "Restart the tunnel when it turns unhealthy")
	fs.StringVar(&cfg.FingerprintSalt, "fingerprint-salt", cfg.FingerprintSalt, "Salt for visitor fingerprints (random per run when empty)")
	fs.StringVar(&cfg.HistoryDBPath, "history-db", cfg.HistoryDBPath, "SQLite session history path (empty disables history)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.CloudflaredPath, "cloudflared-path", cfg.CloudflaredPath, "cloudflared binary name or path")
	fs.StringVar(&cfg.NgrokAuthtoken, "ngrok-authtoken", cfg.NgrokAuthtoken, "ngrok authtoken override")
	fs.StringVar(&cfg.NgrokRegion, "ngrok-region", cfg.NgrokRegion, "ngrok region, e.g. eu")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.AllowedOrigins = splitList(*origins)

	if cfg.Port == 0 {
		return cfg, errors.New("missing --port or DASHTUN_PORT")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, errors.New("port must be between 1 and 65535")
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch cfg.Provider {
	case "", "auto", "cloudflared", "ngrok":
	default:
		return cfg, errors.New("provider must be one of: auto, cloudflared, ngrok")
	}
	if cfg.MaxRetries < 0 {
		return cfg, errors.New("max retries must be >= 0")
	}
	if cfg.RetryDelay <= 0 {
		return cfg, errors.New("retry delay must be > 0")
	}
	if cfg.HealthCheckInterval <= 0 {
		return cfg, errors.New("health check interval must be > 0")
	}
	if cfg.TTL < 0 {
		return cfg, errors.New("ttl must be >= 0")
	}
	if cfg.MaxViewers < 0 {
		return cfg, errors.New("max viewers must be >= 0")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
