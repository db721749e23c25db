package dem

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// Two-ball elastic bounce: two unit-mass spheres on a head-on course with
// CoR=1 must separate symmetrically with speed and kinetic energy
// recovered within 1%.
func TestScenario_TwoBallElasticBounce(t *testing.T) {
	if testing.Short() {
		t.Skip("long scenario")
	}
	s := NewSolver()
	s.InstructBoxDomainDimension(1, 1, 1)
	s.InstructCoordSysOrigin("center")
	s.SetTimeStepSize(1e-5)
	s.SetCDUpdateFreq(10)
	s.SuggestExpandFactorWithCD(2, 1e-4)
	s.UseFrictionlessHertzianModel()

	mat := s.LoadMaterial(Material{E: 1e7, Nu: 0.3, CoR: 1.0})
	ball, err := s.LoadClumpSimpleSphere(1, 0.1, mat)
	if err != nil {
		t.Fatal(err)
	}
	batch, err := s.AddClumpsOfType(ball, []r3.Vec{{X: -0.2}, {X: 0.2}})
	if err != nil {
		t.Fatal(err)
	}
	batch.SetFamily(0)
	batch.SetVels([]r3.Vec{{X: 1}, {X: -1}})
	tracker := s.Track(batch)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	keBefore := s.GetTotalKineticEnergy()
	if err := s.DoDynamicsThenSync(0.5); err != nil {
		t.Fatalf("DoDynamicsThenSync: %v", err)
	}

	p0, p1 := tracker.Pos(0), tracker.Pos(1)
	v0, v1 := tracker.Vel(0), tracker.Vel(1)

	// The centres separated again and symmetrically.
	if p0.X >= -0.1 || p1.X <= 0.1 {
		t.Fatalf("balls did not separate: %+v, %+v", p0, p1)
	}
	if math.Abs(p0.X+p1.X) > 0.01 {
		t.Fatalf("separation not symmetric: %g vs %g", p0.X, p1.X)
	}

	// Relative speed recovered within 1%.
	relSpeed := math.Abs(v0.X - v1.X)
	if math.Abs(relSpeed-2) > 0.02 {
		t.Fatalf("relative speed = %g, want 2 within 1%%", relSpeed)
	}

	// Kinetic energy preserved within 1%.
	keAfter := s.GetTotalKineticEnergy()
	if math.Abs(keAfter-keBefore) > 0.01*keBefore {
		t.Fatalf("kinetic energy drifted: %g -> %g", keBefore, keAfter)
	}

	// The collaboration log saw both workers move.
	stats := s.ThreadCollaborationStats()
	if stats.DynamicUpdates == 0 || stats.KinematicUpdates == 0 {
		t.Fatalf("workers did not collaborate: %+v", stats)
	}
}
