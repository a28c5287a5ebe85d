package access

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthMiddlewareOpenTunnel(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	next, called := passthroughHandler()
	h := c.AuthMiddleware("tun_1", next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !*called {
		t.Error("open tunnel blocked a request")
	}
}

func TestAuthMiddlewareLoginFlow(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{})
	if err := c.SetPassword("tun_1", "hunter2"); err != nil {
		t.Fatal(err)
	}
	next, called := passthroughHandler()
	h := c.AuthMiddleware("tun_1", next)

	// No session: denied.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if *called || rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request passed: code=%d called=%v", rec.Code, *called)
	}

	// Wrong password: 401.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, loginPath, strings.NewReader("password=wrong"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.7:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password code = %d", rec.Code)
	}

	// Correct password: session cookie plus token in the body.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, loginPath, strings.NewReader("password=hunter2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "203.0.113.7:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login code = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	token := body["token"]
	if token == "" {
		t.Fatal("no token in login response")
	}

	// Cookie session passes.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	h.ServeHTTP(rec, req)
	if !*called {
		t.Error("valid session cookie rejected")
	}

	// Bearer token passes too.
	*called = false
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	if !*called {
		t.Error("valid bearer token rejected")
	}
}

func TestAuthMiddlewareRateLimited(t *testing.T) {
	t.Parallel()

	c := newTestController(Config{MaxAttempts: 1})
	if err := c.SetPassword("tun_1", "hunter2"); err != nil {
		t.Fatal(err)
	}
	h := c.AuthMiddleware("tun_1", http.NotFoundHandler())

	login := func(pw string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, loginPath, strings.NewReader("password="+pw))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "203.0.113.9:1234"
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := login("wrong"); code != http.StatusUnauthorized {
		t.Fatalf("first attempt code = %d", code)
	}
	if code := login("hunter2"); code != http.StatusTooManyRequests {
		t.Fatalf("throttled attempt code = %d, want 429", code)
	}
}
