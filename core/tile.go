package core

import (
	"fmt"
	"strings"
)

// Terrain represents what occupies a tile
type Terrain uint8

const (
	Space Terrain = iota
	ShallowWater
	DeepWater
)

// TileSize is the encoded size of a Tile in bytes, padding included.
const TileSize = 8

// Valid reports whether t is one of the known terrain kinds
func (t Terrain) Valid() bool {
	return t <= DeepWater
}

func (t Terrain) String() string {
	switch t {
	case Space:
		return "space"
	case ShallowWater:
		return "shallow-water"
	case DeepWater:
		return "deep-water"
	}
	return fmt.Sprintf("terrain(%d)", uint8(t))
}

// ParseTerrain accepts the names produced by Terrain.String
func ParseTerrain(s string) (Terrain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "space":
		return Space, nil
	case "shallow-water", "shallow_water", "shallowwater":
		return ShallowWater, nil
	case "deep-water", "deep_water", "deepwater":
		return DeepWater, nil
	}
	return Space, fmt.Errorf("unknown terrain %q", s)
}

// Tile is one voxel of the simulated window.
//
// Layout on the device (8 bytes, no implicit padding):
//
//	0    terrain
//	1    temperature
//	2    pressure
//	3..5 gravity x, y, z (signed)
//	6..7 zero
type Tile struct {
	Terrain     Terrain
	Temperature uint8
	Pressure    uint8
	Gravity     [3]int8
	_           [2]uint8
}

// DecodeError reports a terrain byte that is not a known Terrain.
type DecodeError struct {
	Index int
	Value uint8
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("tile %d: invalid terrain byte %d", e.Index, e.Value)
}

// Put writes the device encoding of t into b, which must hold TileSize bytes.
func (t Tile) Put(b []byte) {
	_ = b[TileSize-1]
	b[0] = byte(t.Terrain)
	b[1] = t.Temperature
	b[2] = t.Pressure
	b[3] = byte(t.Gravity[0])
	b[4] = byte(t.Gravity[1])
	b[5] = byte(t.Gravity[2])
	b[6] = 0
	b[7] = 0
}

// DecodeTile reads one tile. The index is only used for error reporting.
func DecodeTile(b []byte, index int) (Tile, error) {
	_ = b[TileSize-1]
	terrain := Terrain(b[0])
	if !terrain.Valid() {
		return Tile{}, &DecodeError{Index: index, Value: b[0]}
	}
	return Tile{
		Terrain:     terrain,
		Temperature: b[1],
		Pressure:    b[2],
		Gravity:     [3]int8{int8(b[3]), int8(b[4]), int8(b[5])},
	}, nil
}

// EncodeTiles packs tiles into a freshly allocated byte slice
func EncodeTiles(tiles []Tile) []byte {
	out := make([]byte, len(tiles)*TileSize)
	for i, t := range tiles {
		t.Put(out[i*TileSize:])
	}
	return out
}

// DecodeTiles unpacks a device buffer. Any unknown terrain byte fails the
// whole decode; nothing is coerced to a default.
func DecodeTiles(b []byte) ([]Tile, error) {
	if len(b)%TileSize != 0 {
		return nil, fmt.Errorf("decode tiles: %d bytes is not a multiple of %d", len(b), TileSize)
	}
	tiles := make([]Tile, len(b)/TileSize)
	for i := range tiles {
		t, err := DecodeTile(b[i*TileSize:], i)
		if err != nil {
			return nil, err
		}
		tiles[i] = t
	}
	return tiles, nil
}
