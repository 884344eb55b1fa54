package simulation

import (
	_ "embed"
	"fmt"
	"os"

	"kosmostile/core"
	"kosmostile/gpu"
)

//go:embed shaders/tick.comp
var tickSource []byte

const (
	// TickEntryPoint names the per-cell update kernel
	TickEntryPoint = "tick"
	tickUniform    = "tickConstants"
)

// TickKernel returns the rotating-axis gravity diffusion kernel: slot 0 is
// the read-only source generation, slot 1 the destination.
func TickKernel() gpu.Kernel {
	return gpu.Kernel{
		EntryPoint:          TickEntryPoint,
		Workgroup:           gpu.WorkgroupSize,
		PushConstantSize:    core.TickConstantsSize,
		PushConstantUniform: tickUniform,
		Bindings: []gpu.BindingLayout{
			{Binding: 0, ReadOnly: true},
			{Binding: 1},
		},
		Source: tickSource,
		Func:   tickKernel,
	}
}

// LoadTickKernel is TickKernel with the shader source read from path
func LoadTickKernel(path string) (gpu.Kernel, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return gpu.Kernel{}, fmt.Errorf("load kernel: %w", err)
	}
	k := TickKernel()
	k.Source = src
	return k, nil
}

func tickKernel(id [3]uint32, constants []byte, bindings [][]byte) {
	c, err := core.ParseTickConstants(constants)
	if err != nil {
		return
	}
	TickCell(id, c, bindings[0], bindings[1])
}

// TickCell computes the output tile at id.
//
// Ids past the grid do nothing. Boundary tiles are copied unchanged.
// Interior tiles take the truncated mean of the two neighbours' gravity
// along the frame's axis and store it in all three gravity components;
// every other field is copied from the same tile.
func TickCell(id [3]uint32, c core.TickConstants, src, dst []byte) {
	if id[0] >= c.Width || id[1] >= c.Height || id[2] >= c.Depth {
		return
	}
	d := core.Dims{Width: int(c.Width), Height: int(c.Height), Depth: int(c.Depth)}
	x, y, z := int(id[0]), int(id[1]), int(id[2])
	i := d.Index(x, y, z)
	off := i * core.TileSize
	out := dst[off : off+core.TileSize]
	copy(out, src[off:off+core.TileSize])
	out[6], out[7] = 0, 0
	if d.OnBoundary(x, y, z) {
		return
	}

	axis := c.Axis()
	stride := [3]int{d.Width * d.Height, d.Height, 1}[axis]
	lo := int8(src[(i-stride)*core.TileSize+3+axis])
	hi := int8(src[(i+stride)*core.TileSize+3+axis])
	v := byte(int8((int32(lo) + int32(hi)) / 2))
	out[3], out[4], out[5] = v, v, v
}
