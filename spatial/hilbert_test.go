package spatial

import (
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	for _, dims := range []int{1, 2, 3, 4} {
		c, err := NewCurve(dims)
		if err != nil {
			t.Fatal(err)
		}
		for level := 1; level <= 3; level++ {
			total := uint64(1) << uint(dims*level)
			for code := uint64(0); code < total; code++ {
				p, err := c.FromIndex(code, level)
				if err != nil {
					t.Fatalf("D=%d level %d FromIndex(%d): %v", dims, level, code, err)
				}
				back, err := c.ToIndex(p, level)
				if err != nil {
					t.Fatalf("D=%d level %d ToIndex(%v): %v", dims, level, p, err)
				}
				if back != code {
					t.Fatalf("D=%d level %d: %d -> %v -> %d", dims, level, code, p, back)
				}
			}
		}
	}
}

func TestInjective(t *testing.T) {
	tests := []struct {
		dims, level int
	}{
		{2, 3},
		{3, 2},
	}
	for _, tt := range tests {
		c := Curve{Dims: tt.dims}
		total := uint64(1) << uint(tt.dims*tt.level)
		seen := make(map[[MaxDims]uint64]uint64, total)
		for code := uint64(0); code < total; code++ {
			p, err := c.FromIndex(code, tt.level)
			if err != nil {
				t.Fatal(err)
			}
			var key [MaxDims]uint64
			copy(key[:], p)
			if prev, dup := seen[key]; dup {
				t.Fatalf("D=%d: codes %d and %d both map to %v", tt.dims, prev, code, p)
			}
			seen[key] = code
		}
		if uint64(len(seen)) != total {
			t.Errorf("D=%d level %d: %d distinct points, want %d", tt.dims, tt.level, len(seen), total)
		}
	}
}

func TestAdjacency(t *testing.T) {
	for _, dims := range []int{2, 3} {
		c := Curve{Dims: dims}
		level := 3
		prev, _ := c.FromIndex(0, level)
		for code := uint64(1); code < 1<<uint(dims*level); code++ {
			p, err := c.FromIndex(code, level)
			if err != nil {
				t.Fatal(err)
			}
			dist := 0
			for k := range p {
				if p[k] > prev[k] {
					dist += int(p[k] - prev[k])
				} else {
					dist += int(prev[k] - p[k])
				}
			}
			if dist != 1 {
				t.Fatalf("D=%d: codes %d and %d are %d apart (%v, %v)", dims, code-1, code, dist, prev, p)
			}
			prev = p
		}
	}
}

func TestKnownValues(t *testing.T) {
	order := [][2]uint64{
		{0, 0}, {1, 0}, {1, 1}, {0, 1},
		{0, 2}, {0, 3}, {1, 3}, {1, 2},
		{2, 2}, {2, 3}, {3, 3}, {3, 2},
		{3, 1}, {2, 1}, {2, 0}, {3, 0},
	}
	for code, want := range order {
		got, err := Index2(want[0], want[1], 2)
		if err != nil {
			t.Fatal(err)
		}
		if got != uint64(code) {
			t.Errorf("Index2(%d,%d) = %d, want %d", want[0], want[1], got, code)
		}
	}

	if h, _ := Index3(1, 2, 3, 2); h != 22 {
		t.Errorf("Index3(1,2,3) = %d, want 22", h)
	}
	x, y, z, err := Coords3(7, 1)
	if err != nil || x != 1 || y != 0 || z != 0 {
		t.Errorf("Coords3(7) = (%d,%d,%d), %v", x, y, z, err)
	}
}

func TestOutOfRange(t *testing.T) {
	c := Curve{Dims: 2}
	tests := []struct {
		name string
		err  error
	}{
		{"coordinate too large", func() error { _, err := c.ToIndex([]uint64{4, 0}, 2); return err }()},
		{"wrong arity", func() error { _, err := c.ToIndex([]uint64{1}, 2); return err }()},
		{"code too large", func() error { _, err := c.FromIndex(16, 2); return err }()},
		{"level zero", func() error { _, err := c.FromIndex(0, 0); return err }()},
		{"too many bits", func() error { _, err := Curve{Dims: 3}.ToIndex([]uint64{0, 0, 0}, 22); return err }()},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, ErrOutOfRange) {
			t.Errorf("%s: err = %v, want ErrOutOfRange", tt.name, tt.err)
		}
	}
	if _, err := NewCurve(0); err == nil {
		t.Error("NewCurve(0) accepted")
	}
}

func TestChunkOrder(t *testing.T) {
	order := ChunkOrder(1)
	if len(order) != 27 {
		t.Fatalf("len = %d, want 27", len(order))
	}
	seen := make(map[[3]int]bool)
	for i, c := range order {
		if i > 0 && order[i-1].Index >= c.Index {
			t.Fatalf("order not strictly increasing at %d", i)
		}
		seen[[3]int{c.X, c.Y, c.Z}] = true
	}
	if len(seen) != 27 {
		t.Errorf("%d distinct chunks, want 27", len(seen))
	}
	if order[0] != (ChunkCoord{}) {
		t.Errorf("first chunk = %+v, want origin", order[0])
	}
	if got := ChunkOrder(0); len(got) != 1 {
		t.Errorf("radius 0 gives %d chunks", len(got))
	}
	if LevelFor(11) != 4 || LevelFor(1) != 1 || LevelFor(4) != 2 {
		t.Error("LevelFor")
	}
}
