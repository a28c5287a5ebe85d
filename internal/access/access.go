// Package access gates a shared tunnel: optional password per tunnel id,
// per-IP rate limiting on authentication attempts, session token issuance,
// and read-only enforcement for the dashboard's mutation endpoints.
package access

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors matched by callers with errors.Is.
var (
	// ErrInvalidPassword indicates a password mismatch.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrTooManyAttempts is returned when a client IP exceeded the allowed
	// authentication attempts within the current window. Validation fails
	// closed regardless of password correctness.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrNoPassword indicates no password was ever set for the tunnel id.
	ErrNoPassword = errors.New("no password set")
)

const (
	defaultMaxAttempts     = 5
	defaultRateLimitWindow = time.Minute
	defaultSessionTTL      = time.Hour
)

// Config tunes the controller. Zero values fall back to defaults.
type Config struct {
	MaxAttempts     int           // auth attempts per IP per window
	RateLimitWindow time.Duration // fixed rate-limit window
	SessionTTL      time.Duration // session token lifetime
	ReadOnly        bool          // reject mutating HTTP requests
	AllowedOrigins  []string      // Origin allow list; empty allows all
}

type passwordEntry struct {
	hash        []byte
	attempts    int
	lastAttempt time.Time
}

type rateLimitEntry struct {
	count   int
	resetAt time.Time
}

type sessionEntry struct {
	tunnelID  string
	createdAt time.Time
	expiresAt time.Time
}

// Controller holds all per-tunnel access state. A fresh controller is
// created for every tunnel start, so no state leaks across restarts.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu               sync.Mutex
	passwords        map[string]*passwordEntry
	limits           map[string]*rateLimitEntry
	sessions         map[string]*sessionEntry
	readOnlySessions map[string]struct{}
}

// NewController creates a controller with the given configuration.
func NewController(cfg Config, logger *slog.Logger) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaultRateLimitWindow
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	return &Controller{
		cfg:              cfg,
		log:              logger,
		passwords:        make(map[string]*passwordEntry),
		limits:           make(map[string]*rateLimitEntry),
		sessions:         make(map[string]*sessionEntry),
		readOnlySessions: make(map[string]struct{}),
	}
}

// SetPassword stores a one-way bcrypt hash for the tunnel id. Plaintext is
// never retained.
func (c *Controller) SetPassword(tunnelID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.passwords[tunnelID] = &passwordEntry{hash: hash}
	c.mu.Unlock()
	return nil
}

// HasPassword reports whether a password gate exists for the tunnel id.
func (c *Controller) HasPassword(tunnelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.passwords[tunnelID]
	return ok
}

// ValidatePassword checks the password for the tunnel id. If no password was
// ever set, validation trivially succeeds (open tunnel). The rate limiter is
// consulted first: an IP over the ceiling fails closed with
// ErrTooManyAttempts even for the correct password. A mismatch increments
// both the stored attempt counter and the rate-limit counter; a match
// increments neither.
func (c *Controller) ValidatePassword(tunnelID, password, clientIP string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.passwords[tunnelID]
	if !ok {
		return nil
	}

	now := time.Now()
	limit := c.limits[clientIP]
	if limit == nil || now.After(limit.resetAt) {
		limit = &rateLimitEntry{resetAt: now.Add(c.cfg.RateLimitWindow)}
		c.limits[clientIP] = limit
	}
	if limit.count >= c.cfg.MaxAttempts {
		c.log.Warn("password validation throttled", "ip", clientIP)
		return ErrTooManyAttempts
	}

	if bcrypt.CompareHashAndPassword(entry.hash, []byte(password)) != nil {
		entry.attempts++
		entry.lastAttempt = now
		limit.count++
		return ErrInvalidPassword
	}
	return nil
}

// Attempts returns the failed attempt counter for the tunnel id.
func (c *Controller) Attempts(tunnelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.passwords[tunnelID]; ok {
		return entry.attempts
	}
	return 0
}

// CleanupRateLimits evicts rate-limit entries whose window has expired.
func (c *Controller) CleanupRateLimits() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for ip, entry := range c.limits {
		if now.After(entry.resetAt) {
			delete(c.limits, ip)
			removed++
		}
	}
	return removed
}

// CreateSession issues an opaque session token scoped to the tunnel id.
// Expired sessions are opportunistically swept on every call.
func (c *Controller) CreateSession(tunnelID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for t, s := range c.sessions {
		if now.After(s.expiresAt) {
			delete(c.sessions, t)
		}
	}
	c.sessions[token] = &sessionEntry{
		tunnelID:  tunnelID,
		createdAt: now,
		expiresAt: now.Add(c.cfg.SessionTTL),
	}
	return token, nil
}

// ValidateSession reports whether token is a live session for the given
// tunnel id. A token scoped to another tunnel fails even before expiry.
// Expired tokens are lazily deleted.
func (c *Controller) ValidateSession(token, tunnelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(s.expiresAt) {
		delete(c.sessions, token)
		return false
	}
	return s.tunnelID == tunnelID
}

// SessionCount returns the number of live (non-swept) sessions.
func (c *Controller) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// newToken returns a cryptographically random, URL-safe session token.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
