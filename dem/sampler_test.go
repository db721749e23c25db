package dem

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestGridSampler_CountsAndBounds(t *testing.T) {
	s := NewGridSampler(0.5, 0, nil)
	pts := s.SampleBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1})
	if len(pts) != 27 {
		t.Fatalf("3x3x3 lattice expected, got %d points", len(pts))
	}
	for _, p := range pts {
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 || p.Z < 0 || p.Z > 1 {
			t.Fatalf("point %+v escaped the box", p)
		}
	}
}

func TestGridSampler_JitterIsDeterministicPerSeed(t *testing.T) {
	rng1 := NewPartitionedRNG(42).ForSubsystem(SubsystemSampler)
	rng2 := NewPartitionedRNG(42).ForSubsystem(SubsystemSampler)
	a := NewGridSampler(0.5, 0.1, rng1).SampleBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1})
	b := NewGridSampler(0.5, 0.1, rng2).SampleBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1})
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed must reproduce identical jitter at %d", i)
		}
	}
}

func TestHCPSampler_MinimumSeparation(t *testing.T) {
	s := NewHCPSampler(0.2)
	pts := s.SampleBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1})
	if len(pts) == 0 {
		t.Fatal("sampler produced no points")
	}
	// No two lattice points may be closer than the spacing (less a small
	// float tolerance).
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			if d := r3.Norm(r3.Sub(pts[i], pts[j])); d < 0.2-1e-9 {
				t.Fatalf("points %d and %d only %g apart", i, j, d)
			}
		}
	}
	// HCP packs denser than the simple cubic grid.
	grid := NewGridSampler(0.2, 0, nil).SampleBox(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1})
	if len(pts) <= len(grid) {
		t.Fatalf("HCP (%d) should beat the cubic grid (%d)", len(pts), len(grid))
	}
}
