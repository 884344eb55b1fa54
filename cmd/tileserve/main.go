// Command tileserve runs the tile window continuously and streams frame
// summaries to websocket clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"kosmostile/config"
	"kosmostile/internal/app"
	"kosmostile/server"
)

func main() {
	settings, err := config.FromArgs("tileserve", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(settings); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(settings config.Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := app.Open(settings)
	if err != nil {
		return err
	}
	defer env.Close()

	log := env.Log
	hub := server.NewHub(log)
	interval := time.Duration(settings.Server.UpdateIntervalMs) * time.Millisecond
	runner := server.NewRunner(env.Grid, hub, interval, settings.Server.TicksPerUpdate, log)
	srv := server.New(runner, hub, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", settings.Server.Port)) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down")
		return nil
	}
	return err
}
