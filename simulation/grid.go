package simulation

import (
	"context"
	"fmt"
	"sync"

	"kosmostile/core"
	"kosmostile/gpu"
)

// Grid is a cubic window of tiles kept in two device generations, plus the
// host snapshot that Tick uploads from and downloads into.
type Grid struct {
	mu     sync.Mutex
	closed bool
	window []core.Tile

	dims        core.Dims
	chunkWidth  int
	chunkRadius int

	device     gpu.Device
	ownsDevice bool
	session    *DeviceSession
	engine     *TickEngine
}

// New creates a grid with windowWidth³ tiles, all zero.
func New(windowWidth int, opts ...Option) (*Grid, error) {
	return newGrid(windowWidth, windowWidth, 0, opts)
}

// NewTilemap creates the window of (2r+1)³ chunks of chunkWidth³ tiles
// centred on the viewer, so the window side is chunkWidth·(2r+1).
func NewTilemap(chunkWidth, chunkRadius int, opts ...Option) (*Grid, error) {
	if chunkWidth < 1 || chunkRadius < 0 {
		return nil, fmt.Errorf("%w: chunk width %d radius %d", ErrPrecondition, chunkWidth, chunkRadius)
	}
	return newGrid(chunkWidth*(2*chunkRadius+1), chunkWidth, chunkRadius, opts)
}

func newGrid(width, chunkWidth, chunkRadius int, opts []Option) (*Grid, error) {
	if err := CheckWindow(width); err != nil {
		return nil, err
	}
	o := options{maxInFlight: DefaultMaxInFlight}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = slogger()
	}
	kernel := TickKernel()
	if o.kernel != nil {
		kernel = *o.kernel
	}

	dev, owns := o.device, false
	if dev == nil {
		dev, owns = gpu.NewCPUDevice(0), true
	}
	dims := core.Cube(width)

	session, err := NewDeviceSession(dev, kernel, dims)
	if err != nil {
		if owns {
			dev.Release()
		}
		return nil, err
	}
	engine, err := NewTickEngine(session, o.maxInFlight, log)
	if err != nil {
		session.Release()
		if owns {
			dev.Release()
		}
		return nil, err
	}

	log.Info("grid ready",
		"window", dims.String(),
		"cells", dims.Len(),
		"device", dev.Name(),
		"dispatch", session.DispatchSize())

	return &Grid{
		window:      make([]core.Tile, dims.Len()),
		dims:        dims,
		chunkWidth:  chunkWidth,
		chunkRadius: chunkRadius,
		device:      dev,
		ownsDevice:  owns,
		session:     session,
		engine:      engine,
	}, nil
}

func (g *Grid) Dims() core.Dims         { return g.dims }
func (g *Grid) ChunkWidth() int         { return g.chunkWidth }
func (g *Grid) ChunkRadius() int        { return g.chunkRadius }
func (g *Grid) Engine() *TickEngine     { return g.engine }
func (g *Grid) Device() gpu.Device      { return g.device }
func (g *Grid) Session() *DeviceSession { return g.session }

// Cells returns the host snapshot. The slice belongs to the grid and is
// replaced by Tick and Sync.
func (g *Grid) Cells() []core.Tile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window
}

func (g *Grid) At(x, y, z int) core.Tile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window[g.dims.Index(x, y, z)]
}

// Set changes one tile of the host snapshot. It reaches the device with
// the next Tick.
func (g *Grid) Set(x, y, z int, t core.Tile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window[g.dims.Index(x, y, z)] = t
}

// Fill overwrites every tile of the host snapshot with fn(x, y, z)
func (g *Grid) Fill(fn func(x, y, z int) core.Tile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.window {
		x, y, z := g.dims.Coords(i)
		g.window[i] = fn(x, y, z)
	}
}

// Tick uploads the host snapshot, advances one step and downloads the
// result into the snapshot.
func (g *Grid) Tick(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if err := g.engine.Upload(g.window); err != nil {
		return err
	}
	if err := g.engine.Tick(ctx); err != nil {
		return err
	}
	tiles, err := g.engine.Download(ctx)
	if err != nil {
		return err
	}
	g.window = tiles
	return nil
}

// Push uploads the host snapshot to the device so later device-only ticks
// start from it.
func (g *Grid) Push() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	return g.engine.Upload(g.window)
}

// TickWithoutSync advances one step on the device only. The host snapshot
// goes stale until the next Sync or Tick.
func (g *Grid) TickWithoutSync(ctx context.Context) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return g.engine.Tick(ctx)
}

// Sync downloads the current generation into the host snapshot.
func (g *Grid) Sync(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	tiles, err := g.engine.Download(ctx)
	if err != nil {
		return err
	}
	g.window = tiles
	return nil
}

// Close waits for queued work and releases the device objects.
func (g *Grid) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	err := g.engine.Wait()
	g.engine.Release()
	g.session.Release()
	if g.ownsDevice {
		g.device.Release()
	}
	return err
}
