package core

import "github.com/go-gl/mathgl/mgl32"

// Summary is a host-side digest of a tile snapshot
type Summary struct {
	Cells            int            `json:"cells"`
	Terrain          map[string]int `json:"terrain"`
	MeanTemperature  float32        `json:"meanTemperature"`
	MeanPressure     float32        `json:"meanPressure"`
	MeanGravity      mgl32.Vec3     `json:"meanGravity"`
	GravityMagnitude float32        `json:"gravityMagnitude"`
	PeakGravity      int            `json:"peakGravity"`
}

// Box is a half-open region [Min, Max) of a grid
type Box struct {
	Min, Max [3]int
}

// Whole returns the box covering all of d
func (d Dims) Whole() Box {
	return Box{Max: [3]int{d.Width, d.Height, d.Depth}}
}

// Summarize digests every tile in the slice
func Summarize(tiles []Tile) Summary {
	var acc summaryAcc
	for _, t := range tiles {
		acc.add(t)
	}
	return acc.finish()
}

// SummarizeBox digests the tiles of a grid that fall inside box.
// The box is clipped to the grid.
func SummarizeBox(tiles []Tile, d Dims, box Box) Summary {
	var acc summaryAcc
	lo, hi := box.Min, box.Max
	ext := [3]int{d.Width, d.Height, d.Depth}
	for a := 0; a < 3; a++ {
		lo[a] = max(lo[a], 0)
		hi[a] = min(hi[a], ext[a])
	}
	for x := lo[0]; x < hi[0]; x++ {
		for y := lo[1]; y < hi[1]; y++ {
			for z := lo[2]; z < hi[2]; z++ {
				i := d.Index(x, y, z)
				if i < len(tiles) {
					acc.add(tiles[i])
				}
			}
		}
	}
	return acc.finish()
}

type summaryAcc struct {
	n       int
	terrain [3]int
	temp    float64
	press   float64
	gravity mgl32.Vec3
	peak    int
}

func (a *summaryAcc) add(t Tile) {
	a.n++
	if t.Terrain.Valid() {
		a.terrain[t.Terrain]++
	}
	a.temp += float64(t.Temperature)
	a.press += float64(t.Pressure)
	g := mgl32.Vec3{float32(t.Gravity[0]), float32(t.Gravity[1]), float32(t.Gravity[2])}
	a.gravity = a.gravity.Add(g)
	for _, c := range t.Gravity {
		v := int(c)
		if v < 0 {
			v = -v
		}
		if v > a.peak {
			a.peak = v
		}
	}
}

func (a *summaryAcc) finish() Summary {
	s := Summary{
		Cells:       a.n,
		Terrain:     make(map[string]int, len(a.terrain)),
		PeakGravity: a.peak,
	}
	for i, c := range a.terrain {
		s.Terrain[Terrain(i).String()] = c
	}
	if a.n == 0 {
		return s
	}
	inv := 1 / float32(a.n)
	s.MeanTemperature = float32(a.temp) * inv
	s.MeanPressure = float32(a.press) * inv
	s.MeanGravity = a.gravity.Mul(inv)
	s.GravityMagnitude = s.MeanGravity.Len()
	return s
}
