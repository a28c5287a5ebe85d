package usage

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareRecords(t *testing.T) {
	t.Parallel()

	tr := NewTracker("salt", testLogger())
	h := Middleware(tr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/panel", nil)
		req.RemoteAddr = "203.0.113.4:5555"
		req.Header.Set("User-Agent", "Mozilla/5.0")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("middleware altered the response: %d", rec.Code)
		}
	}

	m := tr.Metrics()
	if m.TotalAccesses != 2 || m.UniqueVisitors != 1 {
		t.Errorf("metrics = %d/%d, want 2 accesses from 1 visitor", m.TotalAccesses, m.UniqueVisitors)
	}
}
