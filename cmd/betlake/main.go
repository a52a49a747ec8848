package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/baldanca/betlake/internal/cli"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, cli.BuildInfo{Version: version, Commit: commit, Date: date}, os.Args[1:])
	cancel()
	os.Exit(int(code))
}
