package core

import (
	"errors"
	"testing"
)

func TestTileEncoding(t *testing.T) {
	tile := Tile{
		Terrain:     DeepWater,
		Temperature: 200,
		Pressure:    7,
		Gravity:     [3]int8{-1, 127, -128},
	}
	b := make([]byte, TileSize)
	for i := range b {
		b[i] = 0xAA
	}
	tile.Put(b)

	want := []byte{2, 200, 7, 0xFF, 0x7F, 0x80, 0, 0}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, b[i], want[i])
		}
	}

	got, err := DecodeTile(b, 0)
	if err != nil {
		t.Fatalf("DecodeTile: %v", err)
	}
	if got != tile {
		t.Errorf("DecodeTile = %+v, want %+v", got, tile)
	}
}

func TestDecodeTilesRejectsUnknownTerrain(t *testing.T) {
	tests := []struct {
		name  string
		value byte
		index int
	}{
		{"three", 3, 0},
		{"max", 255, 2},
		{"just past deep water", byte(DeepWater) + 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := EncodeTiles(make([]Tile, 4))
			b[tt.index*TileSize] = tt.value

			_, err := DecodeTiles(b)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("DecodeTiles error = %v, want *DecodeError", err)
			}
			if de.Index != tt.index || de.Value != tt.value {
				t.Errorf("DecodeError = %+v, want index %d value %d", de, tt.index, tt.value)
			}
		})
	}
}

func TestDecodeTilesLength(t *testing.T) {
	if _, err := DecodeTiles(make([]byte, TileSize+3)); err == nil {
		t.Fatal("expected error for ragged buffer")
	}
	tiles, err := DecodeTiles(nil)
	if err != nil || len(tiles) != 0 {
		t.Fatalf("DecodeTiles(nil) = %v, %v", tiles, err)
	}
}

func TestParseTerrain(t *testing.T) {
	for _, terrain := range []Terrain{Space, ShallowWater, DeepWater} {
		got, err := ParseTerrain(terrain.String())
		if err != nil || got != terrain {
			t.Errorf("ParseTerrain(%q) = %v, %v", terrain.String(), got, err)
		}
	}
	if _, err := ParseTerrain("lava"); err == nil {
		t.Error("ParseTerrain(lava) should fail")
	}
	if Terrain(9).Valid() {
		t.Error("terrain 9 reported valid")
	}
}
