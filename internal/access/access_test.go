package access

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(cfg Config) *Controller {
	return NewController(cfg, testLogger())
}

func TestValidatePasswordNoGate(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	if err := c.ValidatePassword("tun_1", "anything", "10.0.0.1"); err != nil {
		t.Fatalf("open tunnel rejected a viewer: %v", err)
	}
	if c.HasPassword("tun_1") {
		t.Error("HasPassword = true with no password set")
	}
}

func TestValidatePassword(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	if err := c.SetPassword("tun_1", "hunter2"); err != nil {
		t.Fatal(err)
	}

	if err := c.ValidatePassword("tun_1", "wrong", "10.0.0.1"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("err = %v, want ErrInvalidPassword", err)
	}
	if err := c.ValidatePassword("tun_1", "hunter2", "10.0.0.1"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
	if got := c.Attempts("tun_1"); got != 1 {
		t.Errorf("Attempts = %d, want 1 (successes do not count)", got)
	}
}

func TestRateLimitFailsClosed(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{MaxAttempts: 3, RateLimitWindow: time.Hour})
	if err := c.SetPassword("tun_1", "hunter2"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := c.ValidatePassword("tun_1", "wrong", "10.0.0.1"); !errors.Is(err, ErrInvalidPassword) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	// Over the ceiling even the correct password is refused.
	if err := c.ValidatePassword("tun_1", "hunter2", "10.0.0.1"); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("err = %v, want ErrTooManyAttempts", err)
	}
	// A different IP is unaffected.
	if err := c.ValidatePassword("tun_1", "hunter2", "10.0.0.2"); err != nil {
		t.Fatalf("unrelated IP throttled: %v", err)
	}
}

func TestRateLimitWindowResets(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{MaxAttempts: 1, RateLimitWindow: time.Hour})
	if err := c.SetPassword("tun_1", "hunter2"); err != nil {
		t.Fatal(err)
	}
	if err := c.ValidatePassword("tun_1", "wrong", "10.0.0.1"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatal(err)
	}
	if err := c.ValidatePassword("tun_1", "hunter2", "10.0.0.1"); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatal(err)
	}

	// Expire the window by hand and verify the counter resets.
	c.mu.Lock()
	c.limits["10.0.0.1"].resetAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	if err := c.ValidatePassword("tun_1", "hunter2", "10.0.0.1"); err != nil {
		t.Fatalf("expired window still throttles: %v", err)
	}
}

func TestCleanupRateLimits(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	c.mu.Lock()
	c.limits["10.0.0.1"] = &rateLimitEntry{resetAt: time.Now().Add(-time.Minute)}
	c.limits["10.0.0.2"] = &rateLimitEntry{resetAt: time.Now().Add(time.Hour)}
	c.mu.Unlock()

	if removed := c.CleanupRateLimits(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

func TestSessionScopeAndExpiry(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{SessionTTL: time.Hour})
	token, err := c.CreateSession("tun_1")
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty session token")
	}

	if !c.ValidateSession(token, "tun_1") {
		t.Error("valid session rejected")
	}
	if c.ValidateSession(token, "tun_2") {
		t.Error("session accepted for a different tunnel")
	}
	if c.ValidateSession("bogus", "tun_1") {
		t.Error("unknown token accepted")
	}

	// Expire the session by hand; validation must lazily delete it.
	c.mu.Lock()
	c.sessions[token].expiresAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()
	if c.ValidateSession(token, "tun_1") {
		t.Error("expired session accepted")
	}
	if got := c.SessionCount(); got != 0 {
		t.Errorf("SessionCount = %d after lazy delete, want 0", got)
	}
}

func TestCreateSessionSweepsExpired(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{SessionTTL: time.Hour})
	stale, err := c.CreateSession("tun_1")
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	c.sessions[stale].expiresAt = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	if _, err := c.CreateSession("tun_1"); err != nil {
		t.Fatal(err)
	}
	if got := c.SessionCount(); got != 1 {
		t.Errorf("SessionCount = %d, want 1 (stale swept on create)", got)
	}
}
