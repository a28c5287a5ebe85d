// Package sqlite persists tunnel session history in a SQLite database so
// past shares survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10
const defaultPurgeLimit = 1000

// Session is one row of tunnel history. StoppedAt is nil while the tunnel
// is still running or if the process died before recording the stop.
type Session struct {
	ID             string
	Provider       string
	URL            string
	StartedAt      time.Time
	StoppedAt      *time.Time
	TotalAccesses  int64
	UniqueVisitors int
}

// Store wraps a SQLite database connection for session history.
type Store struct {
	db *sql.DB
}

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	// foreign_keys and synchronous are per-connection via DSN _pragma parameters.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tunnel_sessions (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	url TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	stopped_at DATETIME NULL,
	total_accesses INTEGER NOT NULL DEFAULT 0,
	unique_visitors INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tunnel_sessions_started_at ON tunnel_sessions(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_tunnel_sessions_provider ON tunnel_sessions(provider);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// RecordSessionStart inserts a history row for a freshly started tunnel.
func (s *Store) RecordSessionStart(ctx context.Context, id, provider, url string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tunnel_sessions(id, provider, url, started_at, stopped_at, total_accesses, unique_visitors)
VALUES(?, ?, ?, ?, NULL, 0, 0)`, id, provider, url, startedAt.UTC())
	return err
}

// RecordSessionStop stamps the stop time and final usage counters on the
// session row. A missing row reports sql.ErrNoRows.
func (s *Store) RecordSessionStop(ctx context.Context, id string, stoppedAt time.Time, totalAccesses int64, uniqueVisitors int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tunnel_sessions
SET stopped_at = ?, total_accesses = ?, unique_visitors = ?
WHERE id = ?`, stoppedAt.UTC(), totalAccesses, uniqueVisitors, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, provider, url, started_at, stopped_at, total_accesses, unique_visitors
FROM tunnel_sessions
ORDER BY started_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		var sess Session
		var stopped sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.Provider, &sess.URL, &sess.StartedAt, &stopped, &sess.TotalAccesses, &sess.UniqueVisitors); err != nil {
			return nil, err
		}
		if stopped.Valid {
			t := stopped.Time
			sess.StoppedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PurgeSessionsBefore deletes stopped sessions that started before the
// cutoff. Each run is bounded to avoid long write transactions; running
// sessions (stopped_at IS NULL) are never purged.
func (s *Store) PurgeSessionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tunnel_sessions
WHERE id IN (
	SELECT id
	FROM tunnel_sessions
	WHERE started_at < ? AND stopped_at IS NOT NULL
	ORDER BY started_at ASC
	LIMIT ?
)`, cutoff.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
