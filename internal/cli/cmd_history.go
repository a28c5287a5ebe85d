package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/specdash/dashtun/internal/store/sqlite"
)

func runHistory(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	dbPath := envOr("DASHTUN_HISTORY_DB", "./dashtun.db")
	var limit int
	var purgeOlderThan time.Duration
	fs.StringVar(&dbPath, "history-db", dbPath, "SQLite session history path")
	fs.IntVar(&limit, "limit", 20, "Number of sessions to show")
	fs.DurationVar(&purgeOlderThan, "purge-older-than", 0, "Delete stopped sessions older than this before listing")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "history error:", err)
		return 1
	}
	defer store.Close()

	if purgeOlderThan > 0 {
		purged, err := store.PurgeSessionsBefore(ctx, time.Now().Add(-purgeOlderThan), 0)
		if err != nil {
			fmt.Fprintln(os.Stderr, "history purge error:", err)
			return 1
		}
		if purged > 0 {
			fmt.Printf("purged %d sessions\n", purged)
		}
	}

	sessions, err := store.RecentSessions(ctx, limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "history error:", err)
		return 1
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions recorded")
		return 0
	}
	for _, s := range sessions {
		duration := "running"
		if s.StoppedAt != nil {
			duration = s.StoppedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%s\t%s\t%s\t%s\taccesses=%d\tvisitors=%d\n",
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.Provider, s.URL, duration, s.TotalAccesses, s.UniqueVisitors)
	}
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
