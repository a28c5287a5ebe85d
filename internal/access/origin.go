package access

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginMiddleware rejects cross-origin requests whose Origin header is not
// on the allow list. Requests without an Origin header (same-origin
// navigation, curl) pass through. An empty allow list disables the check;
// "*" allows every origin.
func (c *Controller) OriginMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || c.originAllowed(origin) {
			next.ServeHTTP(w, r)
			return
		}
		c.log.Warn("rejected disallowed origin", "origin", origin, "path", r.URL.Path)
		writeAuthError(w, http.StatusForbidden, "origin_not_allowed",
			"Requests from this origin are not allowed.")
	})
}

// originAllowed matches the Origin header against the configured list.
// Entries compare case-insensitively; an entry without a scheme matches the
// origin's host alone.
func (c *Controller) originAllowed(origin string) bool {
	if len(c.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin = strings.ToLower(strings.TrimSuffix(origin, "/"))
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	for _, allowed := range c.cfg.AllowedOrigins {
		allowed = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(allowed), "/"))
		if allowed == "*" || allowed == origin || allowed == host {
			return true
		}
	}
	return false
}
