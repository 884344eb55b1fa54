package simulation

import (
	"testing"

	"kosmostile/core"
)

// hostTick applies TickCell to every cell of d for one frame
func hostTick(src []byte, d core.Dims, frame uint64) []byte {
	dst := make([]byte, len(src))
	c := core.NewTickConstants(d, frame)
	for x := 0; x < d.Width; x++ {
		for y := 0; y < d.Height; y++ {
			for z := 0; z < d.Depth; z++ {
				TickCell([3]uint32{uint32(x), uint32(y), uint32(z)}, c, src, dst)
			}
		}
	}
	return dst
}

// hostTicks runs n frames starting at frame 0
func hostTicks(t *testing.T, tiles []core.Tile, d core.Dims, n int) []core.Tile {
	t.Helper()
	buf := core.EncodeTiles(tiles)
	for f := 0; f < n; f++ {
		buf = hostTick(buf, d, uint64(f))
	}
	out, err := core.DecodeTiles(buf)
	if err != nil {
		t.Fatalf("decode host result: %v", err)
	}
	return out
}

func TestTickCellBoundaryInvariance(t *testing.T) {
	d := core.Cube(5)
	tiles := make([]core.Tile, d.Len())
	Perturb(tiles, d, 42)

	src := core.EncodeTiles(tiles)
	for frame := uint64(0); frame < 3; frame++ {
		out, err := core.DecodeTiles(hostTick(src, d, frame))
		if err != nil {
			t.Fatal(err)
		}
		for i, tile := range out {
			x, y, z := d.Coords(i)
			if d.OnBoundary(x, y, z) && tile != tiles[i] {
				t.Fatalf("frame %d: boundary tile (%d,%d,%d) changed from %+v to %+v", frame, x, y, z, tiles[i], tile)
			}
		}
	}
}

func TestTickCellDiffusion(t *testing.T) {
	tests := []struct {
		name   string
		frame  uint64
		source [3]int
		axis   [3]int
	}{
		{"x axis", 0, [3]int{4, 4, 4}, [3]int{1, 0, 0}},
		{"y axis", 1, [3]int{4, 4, 4}, [3]int{0, 1, 0}},
		{"z axis", 2, [3]int{3, 4, 3}, [3]int{0, 0, 1}},
		{"frame 3 wraps to x", 3, [3]int{4, 3, 4}, [3]int{1, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := core.Cube(8)
			tiles := make([]core.Tile, d.Len())
			axis := int(tt.frame % 3)
			sx, sy, sz := tt.source[0], tt.source[1], tt.source[2]
			tiles[d.Index(sx, sy, sz)].Gravity[axis] = 10

			out, err := core.DecodeTiles(hostTick(core.EncodeTiles(tiles), d, tt.frame))
			if err != nil {
				t.Fatal(err)
			}

			lo := d.Index(sx-tt.axis[0], sy-tt.axis[1], sz-tt.axis[2])
			hi := d.Index(sx+tt.axis[0], sy+tt.axis[1], sz+tt.axis[2])
			for i, tile := range out {
				want := [3]int8{}
				if i == lo || i == hi {
					want = [3]int8{5, 5, 5}
				}
				if tile.Gravity != want {
					x, y, z := d.Coords(i)
					t.Errorf("(%d,%d,%d) gravity = %v, want %v", x, y, z, tile.Gravity, want)
				}
			}
		})
	}
}

func TestTickCellTruncatesTowardZero(t *testing.T) {
	tests := []struct {
		lo, hi int8
		want   int8
	}{
		{-3, 0, -1},
		{3, 0, 1},
		{-128, -128, -128},
		{127, 127, 127},
		{-128, 127, 0},
		{-5, 2, -1},
	}
	d := core.Cube(3)
	for _, tt := range tests {
		tiles := make([]core.Tile, d.Len())
		tiles[d.Index(0, 1, 1)].Gravity[0] = tt.lo
		tiles[d.Index(2, 1, 1)].Gravity[0] = tt.hi
		out, _ := core.DecodeTiles(hostTick(core.EncodeTiles(tiles), d, 0))
		got := out[d.Index(1, 1, 1)].Gravity
		if got != [3]int8{tt.want, tt.want, tt.want} {
			t.Errorf("mean of %d and %d = %v, want %d", tt.lo, tt.hi, got, tt.want)
		}
	}
}

func TestTickCellKeepsOtherFields(t *testing.T) {
	d := core.Cube(3)
	tiles := make([]core.Tile, d.Len())
	center := d.Index(1, 1, 1)
	tiles[center] = core.Tile{Terrain: core.ShallowWater, Temperature: 90, Pressure: 33, Gravity: [3]int8{7, 8, 9}}

	out, _ := core.DecodeTiles(hostTick(core.EncodeTiles(tiles), d, 1))
	got := out[center]
	want := core.Tile{Terrain: core.ShallowWater, Temperature: 90, Pressure: 33}
	if got != want {
		t.Errorf("center = %+v, want %+v", got, want)
	}
}

func TestTickCellIgnoresOverrun(t *testing.T) {
	d := core.Cube(3)
	c := core.NewTickConstants(d, 0)
	src := core.EncodeTiles(make([]core.Tile, d.Len()))
	dst := make([]byte, len(src))
	for i := range dst {
		dst[i] = 0xEE
	}
	for _, id := range [][3]uint32{{3, 0, 0}, {0, 3, 0}, {0, 0, 3}, {3, 3, 3}} {
		TickCell(id, c, src, dst)
	}
	for i, b := range dst {
		if b != 0xEE {
			t.Fatalf("byte %d written by an out-of-range invocation", i)
		}
	}
}

func TestTickKernelDescriptor(t *testing.T) {
	k := TickKernel()
	if k.EntryPoint != "tick" || k.Workgroup != [3]uint32{4, 4, 4} || k.PushConstantSize != 16 {
		t.Errorf("kernel = %+v", k)
	}
	if len(k.Source) == 0 || k.Func == nil {
		t.Error("kernel is missing its shader or host form")
	}
	if _, err := LoadTickKernel("does/not/exist.comp"); err == nil {
		t.Error("LoadTickKernel of a missing file succeeded")
	}
}
