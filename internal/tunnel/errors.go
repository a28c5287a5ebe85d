package tunnel

import (
	"errors"
	"fmt"
	"strings"
)

// Machine-readable error codes surfaced by providers and the manager.
// Provider-specific codes are prefixed with the upper-cased provider name,
// e.g. CLOUDFLARED_NOT_FOUND or NGROK_AUTH_REQUIRED.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeAuthRequired = "AUTH_REQUIRED"
	CodeStartError   = "START_ERROR"
	CodeExitEarly    = "EXIT_EARLY"
	CodeTimeout      = "TIMEOUT"
	CodeNoURL        = "NO_URL"

	// Manager-level codes scoped to provider "all".
	CodeNoAvailableProviders = "NO_AVAILABLE_PROVIDERS"
	CodeProviderFailures     = "PROVIDER_FAILURES"
)

// Sentinel errors for conditions callers match with errors.Is.
var (
	// ErrTunnelActive is returned when a concurrent start already claimed
	// the manager's single tunnel slot.
	ErrTunnelActive = errors.New("tunnel already active")

	// ErrProviderRegistered indicates a duplicate provider registration.
	ErrProviderRegistered = errors.New("provider already registered")
)

// ProviderError wraps a tunnel creation or runtime failure with the owning
// provider, a machine-readable code, and optional user-facing remediation
// produced by the error handler.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
	Err      error

	// UserMessage and Steps are filled by the error handler's enrichment
	// pass; they are plain-language guidance, never a stack trace.
	UserMessage string
	Steps       []string
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProviderCode builds a provider-scoped code, e.g.
// ProviderCode("cloudflared", CodeTimeout) == "CLOUDFLARED_TIMEOUT".
func ProviderCode(provider, suffix string) string {
	return strings.ToUpper(strings.TrimSpace(provider)) + "_" + suffix
}

// NewProviderError constructs a ProviderError with a provider-scoped code.
func NewProviderError(provider, codeSuffix, message string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Code:     ProviderCode(provider, codeSuffix),
		Message:  message,
		Err:      err,
	}
}

// AsProviderError unwraps err into a *ProviderError, or wraps it in a
// generic one scoped to the given provider when it is not already typed.
func AsProviderError(err error, provider string) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{
		Provider: provider,
		Code:     ProviderCode(provider, CodeStartError),
		Message:  err.Error(),
		Err:      err,
	}
}

// codeSuffixIs reports whether code ends in the given suffix, matching both
// provider-scoped and bare codes.
func codeSuffixIs(code, suffix string) bool {
	return code == suffix || strings.HasSuffix(code, "_"+suffix)
}
