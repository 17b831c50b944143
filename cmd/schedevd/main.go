// schedevd serves a simulated scheduled-events metadata endpoint plus
// an operator control API, so listeners can be exercised without a
// real cloud host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/schedev/internal/config"
	"github.com/g960059/schedev/internal/document"
	"github.com/g960059/schedev/internal/log"
	"github.com/g960059/schedev/internal/playback"
	"github.com/g960059/schedev/internal/scenario"
	"github.com/g960059/schedev/internal/simulator"
)

func main() {
	cfg := config.DefaultSimulator()
	if err := config.ParseEnv(&cfg); err != nil {
		fatal(err)
	}
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	flag.DurationVar(&cfg.PlaybackTick, "tick", cfg.PlaybackTick, "playback tick duration")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.Parse()

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "schedevd"})
	logger := log.Base()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	catalog := scenario.Default()
	store := document.NewStore(catalog)
	pb := playback.NewManager(store, cfg.PlaybackTick, logger)
	srv := simulator.NewServer(cfg, catalog, store, pb, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "schedevd: %v\n", err)
	os.Exit(1)
}
