// Command tiletick advances the tile window a fixed number of steps and
// logs a summary of the result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"kosmostile/config"
	"kosmostile/core"
	"kosmostile/internal/app"
)

func main() {
	settings, err := config.FromArgs("tiletick", os.Args[1:])
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := app.Open(settings)
	if err != nil {
		return err
	}
	defer env.Close()
	log := env.Log
	grid := env.Grid
	sim := settings.Simulation

	start := time.Now()
	for i := 1; i <= sim.Ticks; i++ {
		if err := grid.TickWithoutSync(ctx); err != nil {
			return err
		}
		if sim.SyncEvery > 0 && i%sim.SyncEvery == 0 {
			if err := grid.Sync(ctx); err != nil {
				return err
			}
			logSummary(log, "tick", grid.Engine().Frame(), core.Summarize(grid.Cells()))
		}
	}
	if err := grid.Engine().Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	if err := grid.Sync(ctx); err != nil {
		return err
	}
	logSummary(log, "done", grid.Engine().Frame(), core.Summarize(grid.Cells()))
	log.Info("finished",
		"ticks", sim.Ticks,
		"window", grid.Dims().String(),
		"elapsed", elapsed,
		"perTick", elapsed/time.Duration(max(sim.Ticks, 1)))
	return nil
}

func logSummary(log *slog.Logger, msg string, frame uint64, s core.Summary) {
	log.Info(msg,
		"frame", frame,
		"cells", s.Cells,
		"terrain", s.Terrain,
		"meanTemperature", s.MeanTemperature,
		"meanPressure", s.MeanPressure,
		"meanGravity", s.MeanGravity,
		"peakGravity", s.PeakGravity)
}
