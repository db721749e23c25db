package dem

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// Asynchronous drift bound: with max drift 8, every adopted pair list is at
// most 8 dT steps stale, and kT runs about one update per 8 dT steps.
func TestScenario_DriftBound(t *testing.T) {
	if testing.Short() {
		t.Skip("long scenario")
	}
	s := NewSolver()
	s.InstructBoxDomainDimension(2, 2, 2)
	s.InstructCoordSysOrigin("center")
	s.SetTimeStepSize(1e-5)
	s.SetCDUpdateFreq(8)
	s.SuggestExpandFactorWithCD(1, 8e-5)
	s.UseFrictionlessHertzianModel()

	mat := s.LoadMaterial(Material{E: 1e7, Nu: 0.3, CoR: 0.9})
	ball, err := s.LoadClumpSimpleSphere(1, 0.05, mat)
	if err != nil {
		t.Fatal(err)
	}
	batch, err := s.AddClumpsOfType(ball, []r3.Vec{{X: -0.5}, {X: 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	batch.SetFamily(0)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	const steps = 20000
	if err := s.DoDynamicsThenSync(steps * 1e-5); err != nil {
		t.Fatalf("DoDynamicsThenSync: %v", err)
	}

	// Every recorded drift obeys 0 <= drift <= maxDrift.
	s.hs.mu.Lock()
	window := append([]float64(nil), s.hs.driftWindow...)
	s.hs.mu.Unlock()
	if len(window) == 0 {
		t.Fatal("no drift was recorded")
	}
	for _, d := range window {
		if d < 0 || d > 8 {
			t.Fatalf("drift %g violates the bound [0, 8]", d)
		}
	}

	// kT updates land near steps/maxDrift; the window generously covers
	// the pre-emptive hand-off cadence.
	stats := s.ThreadCollaborationStats()
	lo, hi := int64(steps/8*6/10), int64(steps/8*16/10)
	if stats.KinematicUpdates < lo || stats.KinematicUpdates > hi {
		t.Fatalf("kinematic updates = %d, want within [%d, %d]", stats.KinematicUpdates, lo, hi)
	}
}

// With the update frequency at zero, every dT step waits for a fresh pair
// list: the lock-step mode.
func TestScenario_LockStepWhenFreqZero(t *testing.T) {
	s := NewSolver()
	s.InstructBoxDomainDimension(2, 2, 2)
	s.InstructCoordSysOrigin("center")
	s.SetTimeStepSize(1e-4)
	s.SetCDUpdateFreq(0)

	mat := s.LoadMaterial(Material{E: 1e7, Nu: 0.3, CoR: 0.9})
	ball, err := s.LoadClumpSimpleSphere(1, 0.05, mat)
	if err != nil {
		t.Fatal(err)
	}
	batch, err := s.AddClumpsOfType(ball, []r3.Vec{{X: -0.5}, {X: 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	batch.SetFamily(0)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	const steps = 200
	if err := s.DoDynamicsThenSync(steps * 1e-4); err != nil {
		t.Fatalf("DoDynamicsThenSync: %v", err)
	}

	stats := s.ThreadCollaborationStats()
	// One kinematic update per dT step, plus the warm-up round.
	if stats.KinematicUpdates < steps || stats.KinematicUpdates > steps+2 {
		t.Fatalf("lock-step mode made %d kT updates for %d steps", stats.KinematicUpdates, steps)
	}
}
