package access

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/specdash/dashtun/internal/netutil"
)

// SessionCookie carries the viewer's session token on tunnel requests.
const SessionCookie = "dashtun_session"

// loginPath is the endpoint AuthMiddleware intercepts for password submission.
const loginPath = "/__dashtun/login"

type authError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// AuthMiddleware gates all requests for the tunnel behind the password, when
// one is set. Requests with a valid session cookie pass through; a POST to
// the login endpoint exchanges the password for a session cookie. Everything
// else gets 401.
func (c *Controller) AuthMiddleware(tunnelID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.HasPassword(tunnelID) {
			next.ServeHTTP(w, r)
			return
		}

		if r.URL.Path == loginPath && r.Method == http.MethodPost {
			c.handleLogin(w, r, tunnelID)
			return
		}

		if cookie, err := r.Cookie(SessionCookie); err == nil && c.ValidateSession(cookie.Value, tunnelID) {
			next.ServeHTTP(w, r)
			return
		}
		if token := bearerToken(r); token != "" && c.ValidateSession(token, tunnelID) {
			next.ServeHTTP(w, r)
			return
		}

		writeAuthError(w, http.StatusUnauthorized, "auth_required",
			"This dashboard is password protected. POST the password to "+loginPath+".")
	})
}

// handleLogin validates the submitted password and issues a session cookie.
func (c *Controller) handleLogin(w http.ResponseWriter, r *http.Request, tunnelID string) {
	password := r.PostFormValue("password")
	if password == "" {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			password = body.Password
		}
	}

	ip := netutil.ClientIP(r)
	switch err := c.ValidatePassword(tunnelID, password, ip); {
	case errors.Is(err, ErrTooManyAttempts):
		writeAuthError(w, http.StatusTooManyRequests, "too_many_attempts",
			"Too many password attempts. Try again later.")
		return
	case err != nil:
		writeAuthError(w, http.StatusUnauthorized, "invalid_password", "The password is incorrect.")
		return
	}

	token, err := c.CreateSession(tunnelID)
	if err != nil {
		writeAuthError(w, http.StatusInternalServerError, "session_error", "Could not create a session.")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.cfg.SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(authError{Error: code, Message: message})
}
