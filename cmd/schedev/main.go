// schedev is the operator command line: it drives the simulator's
// control API and runs the listener poll loop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/schedev/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := cli.NewRunner(os.Stdout, os.Stderr)
	os.Exit(runner.Run(ctx, os.Args[1:]))
}
