package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`dashtun - share a local dashboard through a tunnel

Usage:
  dashtun up --port 3000                Share the dashboard on port 3000
  dashtun 3000                          Shorthand for the above
  dashtun up --provider ngrok ...       Pin a specific tunnel provider
  dashtun up --require-password ...     Gate viewers behind a password
  dashtun up --read-only ...            Block mutating requests from viewers
  dashtun history                       List past tunnel sessions
  dashtun version                       Print version
  dashtun help                          Show this help

Environment Variables:
  DASHTUN_PORT                  Local dashboard port
  DASHTUN_PROVIDER              Provider: auto|cloudflared|ngrok (default: auto)
  DASHTUN_TTL                   Tunnel lifetime, e.g. 2h (default: until stopped)
  DASHTUN_PASSWORD              Viewer access password
  DASHTUN_ALLOWED_ORIGINS       Comma-separated Origin allow list (default: all)
  DASHTUN_MAX_RETRIES           Start retries after the first attempt (default: 3)
  DASHTUN_RETRY_DELAY           Base retry backoff (default: 2s)
  DASHTUN_HEALTH_CHECK_INTERVAL Health probe period (default: 30s)
  DASHTUN_AUTO_RECONNECT        Self-heal unhealthy tunnels (default: true)
  DASHTUN_FINGERPRINT_SALT      Visitor fingerprint salt (random per run)
  DASHTUN_HISTORY_DB            SQLite history path (default: ./dashtun.db)
  DASHTUN_LOG_LEVEL             Log level: debug|info|warn|error (default: info)
  DASHTUN_CLOUDFLARED_PATH      cloudflared binary name or path
  DASHTUN_NGROK_AUTHTOKEN       ngrok authtoken override
  DASHTUN_NGROK_REGION          ngrok region, e.g. eu`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	// Normalize: ensure non-dev versions start with "v" (GoReleaser
	// template {{.Version}} strips the prefix while git-describe keeps it).
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("dashtun", Version)
}
