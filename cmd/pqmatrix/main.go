package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pqmatrix/pqmatrix/cmd/pqmatrix/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Exit codes: 0 success, 1 failure, 130 interrupted.
const exitInterrupted = 130

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}

	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(exitInterrupted)
	}

	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
