// Package rendering maps tiles to colours for the slice viewer.
package rendering

import (
	rl "github.com/gen2brain/raylib-go/raylib"

	"kosmostile/core"
)

var terrainColors = [...]rl.Color{
	core.Space:        rl.NewColor(12, 12, 24, 255),
	core.ShallowWater: rl.NewColor(64, 164, 223, 255),
	core.DeepWater:    rl.NewColor(18, 52, 120, 255),
}

// Invalid terrain codes never come out of a decode, but a hand-built tile
// may carry one.
var unknownColor = rl.NewColor(255, 0, 255, 255)

// TileColor returns the terrain base colour brightened by the tile's
// gravity magnitude. Zero gravity leaves the base colour unchanged.
func TileColor(t core.Tile) rl.Color {
	if !t.Terrain.Valid() {
		return unknownColor
	}
	base := terrainColors[t.Terrain]
	peak := 0
	for _, c := range t.Gravity {
		v := int(c)
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	if peak == 0 {
		return base
	}
	return rl.ColorBrightness(base, GravityBrightness(peak))
}

// GravityBrightness maps |gravity| in [0,128] to a brightness factor in [0,0.6].
func GravityBrightness(peak int) float32 {
	peak = min(max(peak, 0), 128)
	return float32(peak) / 128 * 0.6
}

// SliceColors returns the colours of the z layer in x-major order, so
// entry x*Height+y is tile (x, y, z).
func SliceColors(tiles []core.Tile, d core.Dims, z int) []rl.Color {
	if z < 0 || z >= d.Depth || len(tiles) != d.Len() {
		return nil
	}
	out := make([]rl.Color, 0, d.Width*d.Height)
	for x := 0; x < d.Width; x++ {
		for y := 0; y < d.Height; y++ {
			out = append(out, TileColor(tiles[d.Index(x, y, z)]))
		}
	}
	return out
}

// CellSize is the largest square cell that fits a Width×Height slice into
// a screenW×screenH area, at least 1.
func CellSize(d core.Dims, screenW, screenH int32) int32 {
	if d.Width == 0 || d.Height == 0 {
		return 1
	}
	return max(min(screenW/int32(d.Width), screenH/int32(d.Height)), 1)
}
