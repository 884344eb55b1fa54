// Package app holds the setup shared by the binaries.
package app

import (
	"fmt"
	"log/slog"

	"kosmostile/config"
	"kosmostile/core"
	"kosmostile/gpu"
	"kosmostile/simulation"
)

// Env is an opened grid plus the device behind it.
type Env struct {
	Settings config.Settings
	Log      *slog.Logger
	Device   gpu.Device
	Grid     *simulation.Grid
}

// Open builds the logger, device and tile window described by s, seeds the
// window and pushes it to the device.
func Open(s config.Settings) (*Env, error) {
	log := s.Logger()
	gpu.SetLogger(log)
	simulation.SetLogger(log)

	dev, err := gpu.Open(s.GPU.Backend, s.GPU.Workers)
	if err != nil {
		return nil, fmt.Errorf("open %s device: %w", s.GPU.Backend, err)
	}

	opts := []simulation.Option{
		simulation.WithDevice(dev),
		simulation.WithMaxInFlight(s.Simulation.MaxInFlight),
		simulation.WithLogger(log),
	}
	if s.GPU.KernelPath != "" {
		kernel, err := simulation.LoadTickKernel(s.GPU.KernelPath)
		if err != nil {
			dev.Release()
			return nil, err
		}
		opts = append(opts, simulation.WithKernel(kernel))
	}

	grid, err := simulation.NewTilemap(s.Simulation.ChunkWidth, s.Simulation.ChunkRadius, opts...)
	if err != nil {
		dev.Release()
		return nil, err
	}
	env := &Env{Settings: s, Log: log, Device: dev, Grid: grid}
	if err := env.Reseed(s.Simulation.Seed); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// Reseed replaces the window with Perturb(seed), or an empty window when
// seed is zero, and uploads it.
func (e *Env) Reseed(seed uint64) error {
	d := e.Grid.Dims()
	tiles := make([]core.Tile, d.Len())
	if seed != 0 {
		simulation.Perturb(tiles, d, seed)
	}
	e.Grid.Fill(func(x, y, z int) core.Tile {
		return tiles[d.Index(x, y, z)]
	})
	return e.Grid.Push()
}

// Close releases the grid and then the device.
func (e *Env) Close() error {
	err := e.Grid.Close()
	e.Device.Release()
	return err
}
