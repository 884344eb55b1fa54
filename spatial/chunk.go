package spatial

import (
	"math/bits"
	"sort"
)

// ChunkCoord addresses one chunk of a (2r+1)³ chunk window
type ChunkCoord struct {
	X, Y, Z int
	Index   uint64
}

// LevelFor returns the smallest curve level whose side covers n cells.
func LevelFor(n int) int {
	if n <= 2 {
		return 1
	}
	return bits.Len(uint(n - 1))
}

// ChunkOrder lists the chunks of a window of the given radius sorted along
// the 3D Hilbert curve, so neighbours in the list are neighbours in space
// wherever the window side is a power of two.
func ChunkOrder(radius int) []ChunkCoord {
	if radius < 0 {
		return nil
	}
	n := 2*radius + 1
	level := LevelFor(n)
	out := make([]ChunkCoord, 0, n*n*n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			for z := 0; z < n; z++ {
				// in range by construction of level
				h, _ := Index3(uint64(x), uint64(y), uint64(z), level)
				out = append(out, ChunkCoord{X: x, Y: y, Z: z, Index: h})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
