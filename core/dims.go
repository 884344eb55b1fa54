package core

import (
	"encoding/binary"
	"fmt"
)

// Dims is the extent of a tile grid. Windows are cubes in practice but the
// index math keeps the three axes apart.
type Dims struct {
	Width, Height, Depth int
}

// Cube returns the dims of a width³ window
func Cube(width int) Dims {
	return Dims{Width: width, Height: width, Depth: width}
}

func (d Dims) Len() int {
	return d.Width * d.Height * d.Depth
}

// ByteSize is the size of a device buffer holding one generation
func (d Dims) ByteSize() int {
	return d.Len() * TileSize
}

// Index returns the linear index of (x, y, z): x·W·H + y·H + z.
// The formula mixes the width and height strides the same way the device
// kernel does, so it is only a bijection for cubes.
func (d Dims) Index(x, y, z int) int {
	return x*d.Width*d.Height + y*d.Height + z
}

// Coords inverts Index for cube windows
func (d Dims) Coords(i int) (x, y, z int) {
	plane := d.Width * d.Height
	x = i / plane
	rem := i % plane
	y = rem / d.Height
	z = rem % d.Height
	return x, y, z
}

// Contains reports whether (x, y, z) lies inside the grid
func (d Dims) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < d.Width && y < d.Height && z < d.Depth
}

// OnBoundary reports whether any coordinate touches a face of the grid.
func (d Dims) OnBoundary(x, y, z int) bool {
	return x == 0 || y == 0 || z == 0 ||
		x == d.Width-1 || y == d.Height-1 || z == d.Depth-1
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.Width, d.Height, d.Depth)
}

// TickConstantsSize is the size of the per-dispatch parameter block
const TickConstantsSize = 16

// TickConstants is the parameter block handed to the kernel with every
// dispatch. It is built fresh per tick and never stored.
type TickConstants struct {
	Width       uint32
	Height      uint32
	Depth       uint32
	FrameNumber uint32
}

// NewTickConstants fills the block for one dispatch over d
func NewTickConstants(d Dims, frame uint64) TickConstants {
	return TickConstants{
		Width:       uint32(d.Width),
		Height:      uint32(d.Height),
		Depth:       uint32(d.Depth),
		FrameNumber: uint32(frame),
	}
}

// Bytes encodes the block as four little-endian uint32 words
func (c TickConstants) Bytes() []byte {
	b := make([]byte, TickConstantsSize)
	binary.LittleEndian.PutUint32(b[0:], c.Width)
	binary.LittleEndian.PutUint32(b[4:], c.Height)
	binary.LittleEndian.PutUint32(b[8:], c.Depth)
	binary.LittleEndian.PutUint32(b[12:], c.FrameNumber)
	return b
}

// ParseTickConstants decodes a block produced by Bytes
func ParseTickConstants(b []byte) (TickConstants, error) {
	if len(b) < TickConstantsSize {
		return TickConstants{}, fmt.Errorf("tick constants: need %d bytes, got %d", TickConstantsSize, len(b))
	}
	return TickConstants{
		Width:       binary.LittleEndian.Uint32(b[0:]),
		Height:      binary.LittleEndian.Uint32(b[4:]),
		Depth:       binary.LittleEndian.Uint32(b[8:]),
		FrameNumber: binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

// Axis is the gravity component updated by this frame: 0 = X, 1 = Y, 2 = Z.
func (c TickConstants) Axis() int {
	return int(c.FrameNumber % 3)
}
