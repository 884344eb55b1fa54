package simulation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"kosmostile/core"
	"kosmostile/gpu"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGrid(t *testing.T, width int, opts ...Option) *Grid {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	g, err := New(width, opts...)
	if err != nil {
		t.Fatalf("New(%d): %v", width, err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConcreteScenario(t *testing.T) {
	ctx := testContext(t)
	g := newTestGrid(t, 8)
	d := g.Dims()
	if d.Len() != 512 {
		t.Fatalf("cells = %d, want 512", d.Len())
	}

	g.Set(4, 4, 4, core.Tile{Gravity: [3]int8{10, 0, 0}})
	e := g.Engine()
	if err := e.Upload(g.Cells()); err != nil {
		t.Fatal(err)
	}
	if err := e.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Wait(); err != nil {
		t.Fatal(err)
	}
	out, err := e.Download(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// the source cell reads its neighbours, not itself
	if got := out[d.Index(4, 4, 4)].Gravity; got != [3]int8{0, 0, 0} {
		t.Errorf("(4,4,4) gravity = %v, want zero", got)
	}
	for _, x := range []int{3, 5} {
		if got := out[d.Index(x, 4, 4)].Gravity; got != [3]int8{5, 5, 5} {
			t.Errorf("(%d,4,4) gravity = %v, want [5 5 5]", x, got)
		}
	}
	nonZero := 0
	for _, tile := range out {
		if tile.Gravity != [3]int8{} {
			nonZero++
		}
	}
	if nonZero != 2 {
		t.Errorf("%d cells carry gravity, want 2", nonZero)
	}
	if e.Frame() != 1 {
		t.Errorf("Frame = %d, want 1", e.Frame())
	}
}

func TestRoundTrip(t *testing.T) {
	t.Run("width 2 has no interior", func(t *testing.T) {
		ctx := testContext(t)
		g := newTestGrid(t, 2)
		want := make([]core.Tile, g.Dims().Len())
		Perturb(want, g.Dims(), 7)

		e := g.Engine()
		if err := e.Upload(want); err != nil {
			t.Fatal(err)
		}
		if err := e.Tick(ctx); err != nil {
			t.Fatal(err)
		}
		got, err := e.Download(ctx)
		if err != nil {
			t.Fatal(err)
		}
		assertTiles(t, got, want)
	})

	t.Run("width 3 with uniform gravity", func(t *testing.T) {
		ctx := testContext(t)
		g := newTestGrid(t, 3)
		want := make([]core.Tile, g.Dims().Len())
		Perturb(want, g.Dims(), 8)
		for i := range want {
			want[i].Gravity = [3]int8{-9, -9, -9}
		}

		g.Fill(func(x, y, z int) core.Tile { return want[g.Dims().Index(x, y, z)] })
		for i := 0; i < 3; i++ {
			if err := g.Tick(ctx); err != nil {
				t.Fatal(err)
			}
		}
		assertTiles(t, g.Cells(), want)
	})

	t.Run("no tick returns the upload", func(t *testing.T) {
		ctx := testContext(t)
		g := newTestGrid(t, 5)
		want := make([]core.Tile, g.Dims().Len())
		Perturb(want, g.Dims(), 9)
		if err := g.Engine().Upload(want); err != nil {
			t.Fatal(err)
		}
		got, err := g.Engine().Download(ctx)
		if err != nil {
			t.Fatal(err)
		}
		assertTiles(t, got, want)
	})
}

func assertTiles(t *testing.T, got, want []core.Tile) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d tiles, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tile %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDeviceMatchesHostRule(t *testing.T) {
	ctx := testContext(t)
	// 6 is not a multiple of the workgroup, so the last groups overrun
	g := newTestGrid(t, 6)
	d := g.Dims()
	initial := make([]core.Tile, d.Len())
	Perturb(initial, d, 1234)
	g.Fill(func(x, y, z int) core.Tile { return initial[d.Index(x, y, z)] })

	if err := g.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := g.TickWithoutSync(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	assertTiles(t, g.Cells(), hostTicks(t, initial, d, 5))
}

type recordingDevice struct {
	gpu.Device
	mu         sync.Mutex
	dispatches []gpu.DispatchCommand
}

func (r *recordingDevice) Submit(cb *gpu.CommandBuffer) error {
	r.mu.Lock()
	for _, c := range cb.Commands() {
		if d, ok := c.(gpu.DispatchCommand); ok {
			r.dispatches = append(r.dispatches, d)
		}
	}
	r.mu.Unlock()
	return r.Device.Submit(cb)
}

func TestMonotonicGenerations(t *testing.T) {
	ctx := testContext(t)
	cpu := gpu.NewCPUDevice(2)
	t.Cleanup(cpu.Release)
	rec := &recordingDevice{Device: cpu}
	g := newTestGrid(t, 4, WithDevice(rec))
	e := g.Engine()
	s := g.Session()

	const n = 7
	for k := 0; k < n; k++ {
		if err := e.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if e.Frame() != n {
		t.Fatalf("Frame = %d after %d ticks", e.Frame(), n)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.dispatches) != n {
		t.Fatalf("%d dispatches recorded, want %d", len(rec.dispatches), n)
	}
	for k, d := range rec.dispatches {
		want := s.BindGroup(RoleB)
		if k%2 == 0 {
			want = s.BindGroup(RoleA)
		}
		if d.BindGroup != want {
			t.Errorf("tick %d used bind group %d, want %d", k, d.BindGroup, want)
		}
		c, err := core.ParseTickConstants(d.Constants)
		if err != nil {
			t.Fatal(err)
		}
		if c.FrameNumber != uint32(k) || c.Width != 4 || c.Height != 4 || c.Depth != 4 {
			t.Errorf("tick %d constants = %+v", k, c)
		}
		if d.Groups != [3]uint32{1, 1, 1} {
			t.Errorf("tick %d dispatch = %v", k, d.Groups)
		}
	}
	if RoleA.Source() != 0 || RoleA.Destination() != 1 || RoleB.Source() != 1 || RoleB.Destination() != 0 {
		t.Error("role generations")
	}
}

func TestUploadLengthMismatch(t *testing.T) {
	g := newTestGrid(t, 3)
	err := g.Engine().Upload(make([]core.Tile, 26))
	var te *TransferError
	if !errors.As(err, &te) || !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("Upload err = %v, want TransferError wrapping ErrLengthMismatch", err)
	}
}

func TestDownloadRejectsBadTerrain(t *testing.T) {
	ctx := testContext(t)
	g := newTestGrid(t, 2)
	raw := core.EncodeTiles(make([]core.Tile, 8))
	raw[5*core.TileSize] = 3
	s := g.Session()
	if err := s.Device().WriteBuffer(s.Buffer(0), 0, raw); err != nil {
		t.Fatal(err)
	}

	_, err := g.Engine().Download(ctx)
	var de *core.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("Download err = %v, want DecodeError", err)
	}
	if de.Index != 5 || de.Value != 3 {
		t.Errorf("DecodeError = %+v", de)
	}

	// the staging buffer was unmapped despite the failure
	if _, err := g.Engine().Download(ctx); err == nil {
		t.Error("second download of the same bad data succeeded")
	} else if !errors.As(err, &de) {
		t.Errorf("second download err = %v", err)
	}
}

func TestConcurrentDownloads(t *testing.T) {
	ctx := testContext(t)
	g := newTestGrid(t, 4)
	want := make([]core.Tile, g.Dims().Len())
	Perturb(want, g.Dims(), 3)
	if err := g.Engine().Upload(want); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := g.Engine().Download(ctx)
			if err != nil {
				errs <- err
				return
			}
			for j := range want {
				if got[j] != want[j] {
					errs <- errors.New("download returned different data")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDownloadAsync(t *testing.T) {
	ctx := testContext(t)
	g := newTestGrid(t, 8)
	e := g.Engine()
	tiles := make([]core.Tile, g.Dims().Len())
	tiles[g.Dims().Index(4, 4, 4)].Gravity[0] = 10
	if err := e.Upload(tiles); err != nil {
		t.Fatal(err)
	}
	if err := e.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	result := e.DownloadAsync(ctx)
	// a tick after the request must not show up in its result
	if err := e.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	r := <-result
	if r.Err != nil {
		t.Fatal(r.Err)
	}
	if got := r.Tiles[g.Dims().Index(3, 4, 4)].Gravity; got != [3]int8{5, 5, 5} {
		t.Errorf("(3,4,4) gravity = %v, want the first tick's result", got)
	}
}

// stall blocks dev's queue until the returned func is called
func stall(dev gpu.Device) func() {
	block := make(chan struct{})
	dev.OnSubmittedWorkDone(func() { <-block })
	return func() { close(block) }
}

func TestDownloadCancellationReleasesStaging(t *testing.T) {
	dev := gpu.NewCPUDevice(1)
	t.Cleanup(dev.Release)
	g := newTestGrid(t, 4, WithDevice(dev))
	want := make([]core.Tile, g.Dims().Len())
	Perturb(want, g.Dims(), 11)
	if err := g.Engine().Upload(want); err != nil {
		t.Fatal(err)
	}

	resume := stall(dev)
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Engine().Download(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Download err = %v, want DeadlineExceeded", err)
	}
	resume()

	got, err := g.Engine().Download(testContext(t))
	if err != nil {
		t.Fatalf("Download after cancellation: %v", err)
	}
	assertTiles(t, got, want)
}

func TestInFlightBound(t *testing.T) {
	dev := gpu.NewCPUDevice(1)
	t.Cleanup(dev.Release)
	g := newTestGrid(t, 4, WithDevice(dev), WithMaxInFlight(2))
	e := g.Engine()
	ctx := testContext(t)

	resume := stall(dev)
	for i := 0; i < 2; i++ {
		if err := e.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if e.InFlight() != 2 {
		t.Errorf("InFlight = %d, want 2", e.InFlight())
	}
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Tick(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third Tick err = %v, want DeadlineExceeded", err)
	}
	if e.Frame() != 2 {
		t.Errorf("Frame = %d, a blocked tick must not take a frame number", e.Frame())
	}

	resume()
	if err := e.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Wait(); err != nil {
		t.Fatal(err)
	}
	if e.InFlight() != 0 {
		t.Errorf("InFlight = %d after Wait", e.InFlight())
	}
}

func TestDeviceLoss(t *testing.T) {
	ctx := testContext(t)
	dev := gpu.NewCPUDevice(1)
	t.Cleanup(dev.Release)
	g := newTestGrid(t, 4, WithDevice(dev))

	dev.Lose()
	if err := g.TickWithoutSync(ctx); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Errorf("Tick err = %v, want ErrDeviceLost", err)
	}
	if f := g.Engine().Frame(); f != 0 {
		t.Errorf("Frame = %d after a failed tick, want 0", f)
	}
	_, err := g.Engine().Download(ctx)
	var te *TransferError
	if !errors.As(err, &te) || !errors.Is(err, gpu.ErrDeviceLost) {
		t.Errorf("Download err = %v, want TransferError wrapping ErrDeviceLost", err)
	}
	if err := g.Engine().Upload(make([]core.Tile, 64)); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Errorf("Upload err = %v", err)
	}

	_, err = New(4, WithDevice(dev), WithLogger(quietLogger()))
	var ie *InitError
	if !errors.As(err, &ie) || !errors.Is(err, gpu.ErrDeviceLost) {
		t.Errorf("New on lost device err = %v, want InitError wrapping ErrDeviceLost", err)
	}
}

func TestPreconditions(t *testing.T) {
	tests := []struct {
		name string
		make func() (*Grid, error)
	}{
		{"zero width", func() (*Grid, error) { return New(0) }},
		{"negative width", func() (*Grid, error) { return New(-3) }},
		{"too wide", func() (*Grid, error) { return New(MaxWindowWidth + 1) }},
		{"zero chunk width", func() (*Grid, error) { return NewTilemap(0, 2) }},
		{"negative radius", func() (*Grid, error) { return NewTilemap(4, -1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := tt.make()
			if g != nil {
				g.Close()
			}
			if !errors.Is(err, ErrPrecondition) {
				t.Errorf("err = %v, want ErrPrecondition", err)
			}
		})
	}
}

func TestInitErrors(t *testing.T) {
	noHost := TickKernel()
	noHost.Func = nil
	renamed := TickKernel()
	renamed.EntryPoint = "main"

	tests := []struct {
		name   string
		kernel gpu.Kernel
		stage  string
	}{
		{"kernel without host form", noHost, "pipeline"},
		{"wrong entry point", renamed, "kernel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(4, WithKernel(tt.kernel), WithLogger(quietLogger()))
			var ie *InitError
			if !errors.As(err, &ie) {
				t.Fatalf("err = %v, want InitError", err)
			}
			if ie.Stage != tt.stage {
				t.Errorf("Stage = %q, want %q", ie.Stage, tt.stage)
			}
		})
	}

	if _, err := NewDeviceSession(nil, TickKernel(), core.Cube(4)); err == nil {
		t.Error("session without a device")
	}
}

func TestNewTilemap(t *testing.T) {
	g, err := NewTilemap(2, 1, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if g.Dims() != core.Cube(6) {
		t.Errorf("Dims = %v, want 6x6x6", g.Dims())
	}
	if g.ChunkWidth() != 2 || g.ChunkRadius() != 1 {
		t.Errorf("chunks = %d, %d", g.ChunkWidth(), g.ChunkRadius())
	}
	if got := g.Session().DispatchSize(); got != [3]uint32{2, 2, 2} {
		t.Errorf("DispatchSize = %v, want [2 2 2]", got)
	}
}

func TestClosedGrid(t *testing.T) {
	g, err := New(2, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if err := g.Tick(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Tick after Close = %v", err)
	}
	if err := g.TickWithoutSync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("TickWithoutSync after Close = %v", err)
	}
	if err := g.Push(); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after Close = %v", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestPushThenDeviceTicks(t *testing.T) {
	ctx := testContext(t)
	g := newTestGrid(t, 8)
	g.Set(4, 4, 4, core.Tile{Gravity: [3]int8{10, 0, 0}})
	if err := g.Push(); err != nil {
		t.Fatal(err)
	}
	if err := g.TickWithoutSync(ctx); err != nil {
		t.Fatal(err)
	}
	if got := g.At(3, 4, 4).Gravity; got != [3]int8{} {
		t.Errorf("snapshot changed before Sync: %v", got)
	}
	if err := g.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if got := g.At(3, 4, 4).Gravity; got != [3]int8{5, 5, 5} {
		t.Errorf("(3,4,4) gravity = %v, want [5 5 5]", got)
	}
	if got := g.At(4, 4, 4).Gravity; got != [3]int8{} {
		t.Errorf("(4,4,4) gravity = %v, want zero", got)
	}
}
