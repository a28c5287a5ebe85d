// Package cli implements the dashtun command line: sharing a local
// dashboard through a tunnel provider and inspecting past sessions.
package cli

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "up":
		return runUp(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		// Bare `dashtun 3000` shares that port.
		return runUp(ctx, append([]string{"--port"}, args...))
	}
}
