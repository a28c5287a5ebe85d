package usage

import (
	"net/http"
	"time"

	"github.com/specdash/dashtun/internal/netutil"
)

// Middleware records every request passing through it against the tracker.
// It never blocks or rejects; tracking is observation only.
func Middleware(t *Tracker, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Record(netutil.ClientIP(r), r.UserAgent(), r.URL.Path, time.Now())
		next.ServeHTTP(w, r)
	})
}
