package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RecoveryStrategy inspects a tunnel error and optionally performs a
// best-effort mitigation. Recover returning nil means "safe to try the next
// thing", not "the problem is fixed".
type RecoveryStrategy interface {
	Name() string
	CanRecover(err *ProviderError) bool
	Recover(ctx context.Context, err *ProviderError) error
}

// ErrorHandler translates raw provider errors into actionable guidance and
// runs the ordered recovery strategies.
type ErrorHandler struct {
	log        *slog.Logger
	strategies []RecoveryStrategy
}

// NewErrorHandler creates a handler with the built-in strategy chain:
// failover, configuration, network.
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{
		log: logger,
		strategies: []RecoveryStrategy{
			failoverStrategy{},
			configurationStrategy{},
			networkStrategy{baseDelay: 250 * time.Millisecond, maxDelay: 2 * time.Second},
		},
	}
}

// Handle classifies err, runs every applicable recovery strategy, and
// returns the error enriched with a user-facing message and troubleshooting
// steps. Enrichment always happens, whether or not a strategy recovered.
func (h *ErrorHandler) Handle(ctx context.Context, err error, provider string) *ProviderError {
	pe := AsProviderError(err, provider)

	for _, s := range h.strategies {
		if !s.CanRecover(pe) {
			continue
		}
		if rerr := s.Recover(ctx, pe); rerr != nil {
			h.log.Debug("recovery strategy declined", "strategy", s.Name(), "code", pe.Code, "err", rerr)
			continue
		}
		h.log.Debug("recovery strategy applied", "strategy", s.Name(), "code", pe.Code)
	}

	enrich(pe)
	return pe
}

// errManualIntervention is returned by the configuration strategy: missing
// binaries and auth tokens need a human, not a retry loop.
var errManualIntervention = errors.New("requires manual intervention")

// failoverStrategy matches any error that is not a blanket "no providers"
// failure and is not already scoped to all providers. Its recovery is a
// no-op signal that the caller should try the next provider.
type failoverStrategy struct{}

func (failoverStrategy) Name() string { return "failover" }

func (failoverStrategy) CanRecover(err *ProviderError) bool {
	return err.Code != CodeNoAvailableProviders && err.Provider != "all"
}

func (failoverStrategy) Recover(context.Context, *ProviderError) error { return nil }

// configurationStrategy matches missing-binary and auth-required codes and
// explicitly declines to recover, forcing the enrichment path instead of
// silently retrying a doomed operation.
type configurationStrategy struct{}

func (configurationStrategy) Name() string { return "configuration" }

func (configurationStrategy) CanRecover(err *ProviderError) bool {
	return codeSuffixIs(err.Code, CodeNotFound) || codeSuffixIs(err.Code, CodeAuthRequired)
}

func (configurationStrategy) Recover(context.Context, *ProviderError) error {
	return errManualIntervention
}

// networkStrategy matches timeout-class codes and applies a short
// exponential-backoff delay as a best-effort mitigation before signaling
// the caller to retry.
type networkStrategy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

func (networkStrategy) Name() string { return "network" }

func (networkStrategy) CanRecover(err *ProviderError) bool {
	return codeSuffixIs(err.Code, CodeTimeout)
}

func (s networkStrategy) Recover(ctx context.Context, _ *ProviderError) error {
	delay := s.baseDelay
	for i := 0; i < 3; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
	return nil
}

type guidance struct {
	message string
	steps   []string
}

// guidanceByClass maps error classes to plain-language remediation. Keys are
// matched by code suffix with a generic fallback.
var guidanceByClass = map[string]guidance{
	CodeNoAvailableProviders: {
		message: "No tunnel providers are available on this machine.",
		steps: []string{
			"Install cloudflared (https://developers.cloudflare.com/cloudflare-one/connections/connect-apps/install-and-setup/installation/) or sign up for ngrok (https://ngrok.com)",
			"Verify the binary is on your PATH with `cloudflared --version`",
			"Re-run with --provider auto to retry provider detection",
		},
	},
	CodeNotFound: {
		message: "The tunnel provider's binary could not be found.",
		steps: []string{
			"Install the provider tool (e.g. `brew install cloudflared`)",
			"Ensure the install location is on your PATH",
			"Or select a different provider with --provider",
		},
	},
	CodeAuthRequired: {
		message: "The tunnel provider requires authentication before it can create tunnels.",
		steps: []string{
			"Create an account with the provider and copy your auth token",
			"Export it (e.g. NGROK_AUTHTOKEN=<token>) or pass --ngrok-authtoken",
			"Re-run the start command",
		},
	},
	CodeTimeout: {
		message: "The tunnel provider did not come up in time. This is usually a transient network problem.",
		steps: []string{
			"Check your internet connection",
			"Retry in a few seconds",
			"If the problem persists, try the other provider with --provider",
		},
	},
}

var genericGuidance = guidance{
	message: "The tunnel could not be started.",
	steps: []string{
		"Check the log output above for the underlying provider error",
		"Retry the start command",
		"Try the other provider with --provider",
	},
}

func enrich(err *ProviderError) {
	if err.UserMessage != "" {
		return
	}
	for class, g := range guidanceByClass {
		if codeSuffixIs(err.Code, class) {
			err.UserMessage = g.message
			err.Steps = g.steps
			return
		}
	}
	err.UserMessage = genericGuidance.message
	err.Steps = genericGuidance.steps
}
