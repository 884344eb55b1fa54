// Package spatial maps D-dimensional lattice points onto a Hilbert curve.
package spatial

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxDims bounds the dimension so that one sub-cube index fits a byte.
const MaxDims = 8

// ErrOutOfRange is returned for coordinates or codes outside the curve.
var ErrOutOfRange = errors.New("spatial: out of range")

// Curve is a Hilbert curve over Dims dimensions. The order (level) is
// chosen per call; each coordinate must lie in [0, 2^level).
type Curve struct {
	Dims int
}

// NewCurve validates the dimension count
func NewCurve(dims int) (Curve, error) {
	if dims < 1 || dims > MaxDims {
		return Curve{}, fmt.Errorf("spatial: %d dimensions not in [1, %d]", dims, MaxDims)
	}
	return Curve{Dims: dims}, nil
}

func (c Curve) check(level int) error {
	if c.Dims < 1 || c.Dims > MaxDims {
		return fmt.Errorf("%w: %d dimensions", ErrOutOfRange, c.Dims)
	}
	if level < 1 || c.Dims*level > 64 {
		return fmt.Errorf("%w: level %d with %d dimensions", ErrOutOfRange, level, c.Dims)
	}
	return nil
}

// ToIndex returns the position of coords along the curve of the given level.
func (c Curve) ToIndex(coords []uint64, level int) (uint64, error) {
	if err := c.check(level); err != nil {
		return 0, err
	}
	if len(coords) != c.Dims {
		return 0, fmt.Errorf("%w: %d coordinates for %d dimensions", ErrOutOfRange, len(coords), c.Dims)
	}
	for _, x := range coords {
		if level < 64 && x >= 1<<uint(level) {
			return 0, fmt.Errorf("%w: coordinate %d at level %d", ErrOutOfRange, x, level)
		}
	}

	var h, e uint64
	d := 0
	for i := level - 1; i >= 0; i-- {
		var l uint64
		for k := 0; k < c.Dims; k++ {
			l |= ((coords[k] >> uint(i)) & 1) << uint(k)
		}
		l = c.transform(l, e, d)
		w := c.grayInverse(l)
		e ^= c.rotl(entry(w), d+1)
		d = (d + c.direction(w) + 1) % c.Dims
		h = (h << uint(c.Dims)) | w
	}
	return h, nil
}

// FromIndex inverts ToIndex.
func (c Curve) FromIndex(code uint64, level int) ([]uint64, error) {
	if err := c.check(level); err != nil {
		return nil, err
	}
	if total := c.Dims * level; total < 64 && code >= 1<<uint(total) {
		return nil, fmt.Errorf("%w: code %d at level %d", ErrOutOfRange, code, level)
	}

	coords := make([]uint64, c.Dims)
	mask := c.mask()
	var e uint64
	d := 0
	for i := level - 1; i >= 0; i-- {
		w := (code >> uint(i*c.Dims)) & mask
		l := c.transformInverse(gray(w), e, d)
		for k := 0; k < c.Dims; k++ {
			coords[k] |= ((l >> uint(k)) & 1) << uint(i)
		}
		e ^= c.rotl(entry(w), d+1)
		d = (d + c.direction(w) + 1) % c.Dims
	}
	return coords, nil
}

func (c Curve) mask() uint64 {
	return 1<<uint(c.Dims) - 1
}

func gray(i uint64) uint64 {
	return i ^ (i >> 1)
}

func (c Curve) grayInverse(g uint64) uint64 {
	i := g
	for j := 1; j < c.Dims; j++ {
		i ^= g >> uint(j)
	}
	return i
}

// entry is the entry point of sub-cube i
func entry(i uint64) uint64 {
	if i == 0 {
		return 0
	}
	return gray(2 * ((i - 1) / 2))
}

// direction is the intra sub-cube direction of sub-cube i
func (c Curve) direction(i uint64) int {
	switch {
	case i == 0:
		return 0
	case i%2 == 0:
		return bits.TrailingZeros64(^(i - 1)) % c.Dims
	default:
		return bits.TrailingZeros64(^i) % c.Dims
	}
}

func (c Curve) rotr(b uint64, i int) uint64 {
	n := uint(c.Dims)
	s := uint(i % c.Dims)
	if s == 0 {
		return b & c.mask()
	}
	return ((b >> s) | (b << (n - s))) & c.mask()
}

func (c Curve) rotl(b uint64, i int) uint64 {
	n := uint(c.Dims)
	s := uint(i % c.Dims)
	if s == 0 {
		return b & c.mask()
	}
	return ((b << s) | (b >> (n - s))) & c.mask()
}

func (c Curve) transform(b, e uint64, d int) uint64 {
	return c.rotr(b^e, d+1)
}

func (c Curve) transformInverse(b, e uint64, d int) uint64 {
	return c.rotl(b, d+1) ^ e
}

// Index2 is ToIndex for a 2D point
func Index2(x, y uint64, level int) (uint64, error) {
	return Curve{Dims: 2}.ToIndex([]uint64{x, y}, level)
}

// Index3 is ToIndex for a 3D point
func Index3(x, y, z uint64, level int) (uint64, error) {
	return Curve{Dims: 3}.ToIndex([]uint64{x, y, z}, level)
}

// Coords3 is FromIndex for a 3D curve
func Coords3(code uint64, level int) (x, y, z uint64, err error) {
	p, err := Curve{Dims: 3}.FromIndex(code, level)
	if err != nil {
		return 0, 0, 0, err
	}
	return p[0], p[1], p[2], nil
}
