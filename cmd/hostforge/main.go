package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hostforge/hostforge/cmd/hostforge/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// The first interrupt cancels the context; the runner finishes the
	// in-flight step, unwinds, and exits. A second interrupt kills the
	// process the usual way.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(commands.Execute(ctx, Version, Commit, BuildDate))
}
