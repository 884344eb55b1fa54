// Command tileview shows one Z slice of the tile window in a raylib window.
//
// Keys: space pauses, N steps once while paused, up and down move the
// slice, R reseeds the window.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"

	rl "github.com/gen2brain/raylib-go/raylib"

	"kosmostile/config"
	"kosmostile/internal/app"
	"kosmostile/rendering"
)

const (
	screenWidth  = 900
	screenHeight = 960
	panelHeight  = 60
)

func init() {
	// raylib needs the main thread
	runtime.LockOSThread()
}

func main() {
	settings, err := config.FromArgs("tileview", os.Args[1:])
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

type viewer struct {
	env    *app.Env
	z      int
	paused bool
	seed   uint64
	colors []rl.Color
}

func run(settings config.Settings) error {
	env, err := app.Open(settings)
	if err != nil {
		return err
	}
	defer env.Close()

	rl.SetConfigFlags(rl.FlagVsyncHint)
	rl.InitWindow(screenWidth, screenHeight, "tileview")
	defer rl.CloseWindow()
	rl.SetTargetFPS(30)

	ctx := context.Background()
	v := &viewer{
		env:  env,
		z:    env.Grid.Dims().Depth / 2,
		seed: settings.Simulation.Seed,
	}
	v.refresh()

	for !rl.WindowShouldClose() {
		if err := v.update(ctx); err != nil {
			return err
		}
		v.draw()
	}
	return nil
}

func (v *viewer) update(ctx context.Context) error {
	d := v.env.Grid.Dims()
	if rl.IsKeyPressed(rl.KeySpace) {
		v.paused = !v.paused
	}
	if rl.IsKeyPressed(rl.KeyUp) && v.z < d.Depth-1 {
		v.z++
		v.refresh()
	}
	if rl.IsKeyPressed(rl.KeyDown) && v.z > 0 {
		v.z--
		v.refresh()
	}
	if rl.IsKeyPressed(rl.KeyR) {
		v.seed++
		if err := v.env.Reseed(v.seed); err != nil {
			return err
		}
		v.env.Log.Info("reseeded", "seed", v.seed)
		v.refresh()
	}

	step := !v.paused || rl.IsKeyPressed(rl.KeyN)
	if !step {
		return nil
	}
	if err := v.env.Grid.TickWithoutSync(ctx); err != nil {
		return err
	}
	if err := v.env.Grid.Sync(ctx); err != nil {
		return err
	}
	v.refresh()
	return nil
}

func (v *viewer) refresh() {
	v.colors = rendering.SliceColors(v.env.Grid.Cells(), v.env.Grid.Dims(), v.z)
}

func (v *viewer) draw() {
	d := v.env.Grid.Dims()
	cell := rendering.CellSize(d, screenWidth, screenHeight-panelHeight)

	rl.BeginDrawing()
	rl.ClearBackground(rl.Black)
	for x := 0; x < d.Width; x++ {
		for y := 0; y < d.Height; y++ {
			// y grows upwards in the grid, downwards on screen
			sy := int32(d.Height-1-y) * cell
			rl.DrawRectangle(int32(x)*cell, panelHeight+sy, cell, cell, v.colors[x*d.Height+y])
		}
	}

	status := "running"
	if v.paused {
		status = "paused"
	}
	rl.DrawText(fmt.Sprintf("frame %d  z %d/%d  %s", v.env.Grid.Engine().Frame(), v.z, d.Depth-1, status),
		10, 10, 20, rl.RayWhite)
	rl.DrawText("space pause  N step  up/down slice  R reseed", 10, 34, 16, rl.LightGray)
	rl.EndDrawing()
}
