package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/specdash/dashtun/internal/store/sqlite"
)

func TestRandomSecret(t *testing.T) {
	t.Parallel()

	a, err := randomSecret(12)
	if err != nil {
		t.Fatal(err)
	}
	b, err := randomSecret(12)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two secrets are identical")
	}
	if len(a) < 12 {
		t.Errorf("secret too short: %q", a)
	}
}

func TestRunUpRejectsBadConfig(t *testing.T) {
	if code := runUp(context.Background(), []string{"--port", "0"}); code != 2 {
		t.Errorf("exit code = %d, want 2 for config error", code)
	}
	if code := runUp(context.Background(), []string{"--provider", "bogus", "--port", "3000"}); code != 2 {
		t.Errorf("exit code = %d, want 2 for unknown provider", code)
	}
}

func TestRunHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	if code := runHistory(context.Background(), []string{"--history-db", dbPath}); code != 0 {
		t.Fatalf("empty history exit code = %d", code)
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	started := time.Now().Add(-time.Hour)
	if err := store.RecordSessionStart(context.Background(), "tun_1", "cloudflared", "https://a.trycloudflare.com", started); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordSessionStop(context.Background(), "tun_1", started.Add(10*time.Minute), 5, 2); err != nil {
		t.Fatal(err)
	}
	store.Close()

	if code := runHistory(context.Background(), []string{"--history-db", dbPath, "--limit", "5"}); code != 0 {
		t.Fatalf("history exit code = %d", code)
	}
}
