package server

import (
	"kosmostile/core"
	"kosmostile/spatial"
)

// Frame is broadcast to every client after each update
type Frame struct {
	Type       string       `json:"type"`
	Tick       uint64       `json:"tick"`
	Width      int          `json:"width"`
	ChunkWidth int          `json:"chunkWidth"`
	Paused     bool         `json:"paused"`
	Summary    core.Summary `json:"summary"`
	Chunks     []ChunkFrame `json:"chunks"`
}

// ChunkFrame summarises one chunk. Chunks are listed in Hilbert order.
type ChunkFrame struct {
	X       int          `json:"x"`
	Y       int          `json:"y"`
	Z       int          `json:"z"`
	Index   uint64       `json:"hilbert"`
	Summary core.Summary `json:"summary"`
}

// Control is a message sent by a client. Absent fields are left alone.
type Control struct {
	Paused         *bool `json:"paused,omitempty"`
	TicksPerUpdate *int  `json:"ticksPerUpdate,omitempty"`
}

func chunkFrames(tiles []core.Tile, d core.Dims, chunkWidth, radius int) []ChunkFrame {
	order := spatial.ChunkOrder(radius)
	out := make([]ChunkFrame, 0, len(order))
	for _, c := range order {
		lo := [3]int{c.X * chunkWidth, c.Y * chunkWidth, c.Z * chunkWidth}
		box := core.Box{Min: lo, Max: [3]int{lo[0] + chunkWidth, lo[1] + chunkWidth, lo[2] + chunkWidth}}
		out = append(out, ChunkFrame{
			X:       c.X,
			Y:       c.Y,
			Z:       c.Z,
			Index:   c.Index,
			Summary: core.SummarizeBox(tiles, d, box),
		})
	}
	return out
}
