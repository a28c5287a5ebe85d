// Package usage collects privacy-preserving visitor analytics for a shared
// tunnel. Client IPs are hashed with an injected salt before any further
// processing, so raw addresses are never retained past fingerprinting.
package usage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultActivityWindow = 5 * time.Minute
	visitorIDLength       = 16
)

// Visitor is the per-fingerprint record kept in memory. The ID is derived
// and non-reversible; neither the IP nor its hash is stored.
type Visitor struct {
	ID          string
	FirstSeen   time.Time
	LastSeen    time.Time
	AccessCount int64
	userAgent   string // retained for classification only, never exported raw
}

// Metrics is the on-demand summary of tracker state. ActiveVisitors is
// derived from the activity window at call time, never stored.
type Metrics struct {
	TotalAccesses  int64     `json:"totalAccesses"`
	UniqueVisitors int       `json:"uniqueVisitors"`
	ActiveVisitors int       `json:"activeVisitors"`
	StartedAt      time.Time `json:"startedAt"`
}

// Tracker fingerprints access events and aggregates counts. A fresh tracker
// is created per tunnel start; the manager extracts final metrics before
// discarding it on stop.
type Tracker struct {
	salt   string
	window time.Duration
	log    *slog.Logger

	mu            sync.Mutex
	visitors      map[string]*Visitor
	totalAccesses int64
	startedAt     time.Time

	onVisitor []func(Visitor)
	onMetrics []func(Metrics)
}

// Option tunes a Tracker at construction.
type Option func(*Tracker)

// WithActivityWindow overrides the window used to derive active-visitor
// counts (default 5 minutes).
func WithActivityWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// NewTracker creates a tracker using the given fingerprint salt. The salt is
// an explicit configuration value: rotating it deliberately breaks
// fingerprint continuity.
func NewTracker(salt string, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		salt:      salt,
		window:    defaultActivityWindow,
		log:       logger,
		visitors:  make(map[string]*Visitor),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnNewVisitor registers a handler invoked when a fingerprint is seen for
// the first time. Handlers run synchronously under no lock.
func (t *Tracker) OnNewVisitor(fn func(Visitor)) {
	if fn != nil {
		t.onVisitor = append(t.onVisitor, fn)
	}
}

// OnMetricsUpdated registers a handler invoked after every recorded access.
func (t *Tracker) OnMetricsUpdated(fn func(Metrics)) {
	if fn != nil {
		t.onMetrics = append(t.onMetrics, fn)
	}
}

// Record ingests a single access event. The IP is one-way hashed with the
// salt, combined with the user agent, and hashed again to form the visitor
// id, so the raw address never outlives this call.
func (t *Tracker) Record(ip, userAgent, path string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	id := t.fingerprint(ip, userAgent)

	t.mu.Lock()
	v, seen := t.visitors[id]
	if !seen {
		v = &Visitor{ID: id, FirstSeen: at, userAgent: userAgent}
		t.visitors[id] = v
	}
	v.LastSeen = at
	v.AccessCount++
	t.totalAccesses++
	snapshot := *v
	metrics := t.metricsLocked(at)
	t.mu.Unlock()

	t.log.Debug("access recorded", "visitor", id, "path", path)
	if !seen {
		for _, fn := range t.onVisitor {
			fn(snapshot)
		}
	}
	for _, fn := range t.onMetrics {
		fn(metrics)
	}
}

// fingerprint derives the visitor id: sha256(ip+salt) → hex, then
// sha256(hexHash | userAgent) truncated. Deterministic for a fixed salt.
func (t *Tracker) fingerprint(ip, userAgent string) string {
	ipSum := sha256.Sum256([]byte(ip + t.salt))
	ipHash := hex.EncodeToString(ipSum[:])
	sum := sha256.Sum256([]byte(ipHash + "|" + userAgent))
	return hex.EncodeToString(sum[:])[:visitorIDLength]
}

// Metrics computes the current summary. Active visitors are those whose
// last access falls within the activity window.
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metricsLocked(time.Now())
}

func (t *Tracker) metricsLocked(now time.Time) Metrics {
	active := 0
	cutoff := now.Add(-t.window)
	for _, v := range t.visitors {
		if !v.LastSeen.Before(cutoff) {
			active++
		}
	}
	return Metrics{
		TotalAccesses:  t.totalAccesses,
		UniqueVisitors: len(t.visitors),
		ActiveVisitors: active,
		StartedAt:      t.startedAt,
	}
}

// exportedVisitor is the shape written by Export. Hashed IPs and raw user
// agents are deliberately omitted; the client field is a coarse
// classification to prevent re-identification even in exported data.
type exportedVisitor struct {
	ID          string    `json:"id"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	AccessCount int64     `json:"accessCount"`
	Client      string    `json:"client"`
}

type exportSnapshot struct {
	ExportedAt time.Time         `json:"exportedAt"`
	Metrics    Metrics           `json:"metrics"`
	Visitors   []exportedVisitor `json:"visitors"`
}

// Export produces a JSON snapshot safe to persist or share.
func (t *Tracker) Export() ([]byte, error) {
	t.mu.Lock()
	now := time.Now()
	snap := exportSnapshot{
		ExportedAt: now,
		Metrics:    t.metricsLocked(now),
		Visitors:   make([]exportedVisitor, 0, len(t.visitors)),
	}
	for _, v := range t.visitors {
		snap.Visitors = append(snap.Visitors, exportedVisitor{
			ID:          v.ID,
			FirstSeen:   v.FirstSeen,
			LastSeen:    v.LastSeen,
			AccessCount: v.AccessCount,
			Client:      ClassifyUserAgent(v.userAgent),
		})
	}
	t.mu.Unlock()
	return json.MarshalIndent(snap, "", "  ")
}

// CleanupInactiveVisitors purges visitors whose last access is older than
// maxAge. It is an explicit, caller-invoked sweep used to bound memory on
// long-running tunnels; it returns the number removed.
func (t *Tracker) CleanupInactiveVisitors(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, v := range t.visitors {
		if v.LastSeen.Before(cutoff) {
			delete(t.visitors, id)
			removed++
		}
	}
	if removed > 0 {
		t.log.Info("inactive visitors purged", "count", removed)
	}
	return removed
}
