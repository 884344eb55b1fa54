package simulation

import (
	"math/rand/v2"

	"kosmostile/core"
)

// Perturb fills tiles with a random starting state: water below the
// midplane, space above, and random gravity everywhere.
func Perturb(tiles []core.Tile, d core.Dims, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	for i := range tiles {
		_, y, _ := d.Coords(i)
		t := core.Tile{Terrain: core.Space}
		switch {
		case y < d.Height/4:
			t.Terrain = core.DeepWater
		case y < d.Height/2:
			t.Terrain = core.ShallowWater
		}
		t.Temperature = uint8(rng.IntN(256))
		t.Pressure = uint8(rng.IntN(256))
		for a := range t.Gravity {
			t.Gravity[a] = int8(rng.IntN(256) - 128)
		}
		tiles[i] = t
	}
}
