package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"kosmostile/core"
	"kosmostile/simulation"
)

// Runner advances a grid on a fixed interval and broadcasts a Frame after
// every update.
type Runner struct {
	grid     *simulation.Grid
	hub      *Hub
	interval time.Duration
	log      *slog.Logger

	ticksPerUpdate atomic.Int64
	paused         atomic.Bool
	updates        atomic.Uint64
}

func NewRunner(grid *simulation.Grid, hub *Hub, interval time.Duration, ticksPerUpdate int, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{grid: grid, hub: hub, interval: interval, log: log}
	r.ticksPerUpdate.Store(int64(ticksPerUpdate))
	return r
}

func (r *Runner) Paused() bool        { return r.paused.Load() }
func (r *Runner) TicksPerUpdate() int { return int(r.ticksPerUpdate.Load()) }
func (r *Runner) Updates() uint64     { return r.updates.Load() }

// Apply handles a client control message
func (r *Runner) Apply(c Control) {
	if c.Paused != nil {
		r.paused.Store(*c.Paused)
		r.log.Info("simulation paused", "paused", *c.Paused)
	}
	if c.TicksPerUpdate != nil && *c.TicksPerUpdate >= 0 {
		r.ticksPerUpdate.Store(int64(*c.TicksPerUpdate))
		r.log.Info("ticks per update changed", "ticks", *c.TicksPerUpdate)
	}
}

// Run calls Step every interval until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	lastReport := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		start := time.Now()
		if _, err := r.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		elapsed := time.Since(start)
		if elapsed > r.interval {
			r.log.Warn("slow update", "elapsed", elapsed, "interval", r.interval)
		}
		if time.Since(lastReport) > 10*time.Second {
			lastReport = time.Now()
			r.log.Info("simulation running",
				"tick", r.grid.Engine().Frame(),
				"clients", r.hub.Count(),
				"update", elapsed)
		}
	}
}

// Step runs one update: ticks unless paused, downloads the window and
// broadcasts the resulting frame.
func (r *Runner) Step(ctx context.Context) (*Frame, error) {
	if !r.paused.Load() {
		n := r.ticksPerUpdate.Load()
		for i := int64(0); i < n; i++ {
			if err := r.grid.TickWithoutSync(ctx); err != nil {
				return nil, err
			}
		}
	}
	if err := r.grid.Sync(ctx); err != nil {
		return nil, err
	}

	tiles := r.grid.Cells()
	d := r.grid.Dims()
	frame := &Frame{
		Type:       "frame",
		Tick:       r.grid.Engine().Frame(),
		Width:      d.Width,
		ChunkWidth: r.grid.ChunkWidth(),
		Paused:     r.paused.Load(),
		Summary:    core.Summarize(tiles),
		Chunks:     chunkFrames(tiles, d, r.grid.ChunkWidth(), r.grid.ChunkRadius()),
	}
	r.hub.Broadcast(frame)
	r.updates.Add(1)
	return frame, nil
}
