package dem

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/spatial/r3"
)

// GridSampler emits points on a regular cubic lattice inside a box, with
// optional uniform jitter per point.
type GridSampler struct {
	Spacing float64
	Jitter  float64 // max per-axis displacement; 0 = exact lattice
	rng     *rand.Rand
}

// NewGridSampler builds a grid sampler; rng may be nil when Jitter is zero.
func NewGridSampler(spacing, jitter float64, rng *rand.Rand) *GridSampler {
	return &GridSampler{Spacing: spacing, Jitter: jitter, rng: rng}
}

// SampleBox fills the axis-aligned box [lo, hi] with lattice points.
func (s *GridSampler) SampleBox(lo, hi r3.Vec) []r3.Vec {
	var out []r3.Vec
	for z := lo.Z; z <= hi.Z+1e-12; z += s.Spacing {
		for y := lo.Y; y <= hi.Y+1e-12; y += s.Spacing {
			for x := lo.X; x <= hi.X+1e-12; x += s.Spacing {
				p := r3.Vec{X: x, Y: y, Z: z}
				if s.Jitter > 0 && s.rng != nil {
					p = r3.Add(p, r3.Vec{
						X: (s.rng.Float64()*2 - 1) * s.Jitter,
						Y: (s.rng.Float64()*2 - 1) * s.Jitter,
						Z: (s.rng.Float64()*2 - 1) * s.Jitter,
					})
				}
				out = append(out, p)
			}
		}
	}
	return out
}

// HCPSampler emits points on a hexagonal-close-packed lattice, the densest
// regular sphere packing; spacing is the sphere diameter.
type HCPSampler struct {
	Spacing float64
}

// NewHCPSampler builds an HCP sampler.
func NewHCPSampler(spacing float64) *HCPSampler {
	return &HCPSampler{Spacing: spacing}
}

// SampleBox fills [lo, hi] with HCP lattice points.
func (s *HCPSampler) SampleBox(lo, hi r3.Vec) []r3.Vec {
	d := s.Spacing
	rowStep := d * math.Sqrt(3) / 2
	layerStep := d * math.Sqrt(6) / 3
	var out []r3.Vec
	layer := 0
	for z := lo.Z; z <= hi.Z+1e-12; z += layerStep {
		row := 0
		yOff := 0.0
		if layer%2 == 1 {
			yOff = rowStep / 3
		}
		for y := lo.Y + yOff; y <= hi.Y+1e-12; y += rowStep {
			xOff := 0.0
			if row%2 == 1 {
				xOff = d / 2
			}
			if layer%2 == 1 {
				xOff += d / 2
			}
			for x := lo.X + xOff; x <= hi.X+1e-12; x += d {
				out = append(out, r3.Vec{X: x, Y: y, Z: z})
			}
			row++
		}
		layer++
	}
	return out
}
