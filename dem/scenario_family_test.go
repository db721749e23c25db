package dem

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// Family-change rule: spheres crossing z < 0.05 move to a family that does
// not contact family 1, and cease to appear in pair lists on the next
// broad-phase round.
func TestScenario_FamilyChangeRule(t *testing.T) {
	s := NewSolver()
	s.InstructBoxDomainDimension(2, 2, 2)
	s.InstructCoordSysOrigin("center")
	s.SetTimeStepSize(1e-4)
	s.SetCDUpdateFreq(0)
	s.UseFrictionlessHertzianModel()

	mat := s.LoadMaterial(Material{E: 1e6, Nu: 0.3, CoR: 0.5})
	ball, err := s.LoadClumpSimpleSphere(1, 0.06, mat)
	if err != nil {
		t.Fatal(err)
	}
	// Two overlapping spheres: one above the threshold plane, one
	// descending through it.
	batch, err := s.AddClumpsOfType(ball, []r3.Vec{{Z: 0.10}, {Z: 0.049}})
	if err != nil {
		t.Fatal(err)
	}
	batch.SetFamily(1)
	s.DisableContactBetweenFamilies(1, 2)
	s.DisableContactBetweenFamilies(2, 2)
	s.ChangeFamilyWhen(1, 2, "z < 0.05")

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// One step: the family sweep reassigns the low sphere.
	if err := s.DoDynamicsThenSync(1e-4); err != nil {
		t.Fatalf("DoDynamicsThenSync: %v", err)
	}
	implLow := s.dT.state.family[1]
	if s.famTable.implToUser[implLow] != 2 {
		t.Fatalf("low sphere stayed in family %d", s.famTable.implToUser[implLow])
	}
	implHigh := s.dT.state.family[0]
	if s.famTable.implToUser[implHigh] != 1 {
		t.Fatalf("high sphere should remain in family 1, got %d", s.famTable.implToUser[implHigh])
	}

	// The next broad-phase round drops the cross-family pair: inspect the
	// newest published pair list after the sync barrier.
	if err := s.DoDynamicsThenSync(1e-4); err != nil {
		t.Fatalf("second call: %v", err)
	}
	s.hs.mu.Lock()
	published := s.hs.pairsBuf
	s.hs.mu.Unlock()
	if published == nil {
		t.Fatal("no pair list was published")
	}
	for _, p := range published.pairs {
		fa := s.dT.state.family[s.geo.spheres.owner[p.GeoA]]
		var fb FamilyTag
		if p.Kind == SphereSphere {
			fb = s.dT.state.family[s.geo.spheres.owner[p.GeoB]]
		} else {
			continue
		}
		ua, ub := s.famTable.implToUser[fa], s.famTable.implToUser[fb]
		if (ua == 1 && ub == 2) || (ua == 2 && ub == 1) {
			t.Fatalf("pair list still crosses the disabled family pair (%d, %d)", ua, ub)
		}
	}
}

// The narrow phase re-checks the mask against the current tags even before
// the broad phase catches up, so a reassigned owner stops feeling force
// immediately.
func TestScenario_FamilyChangeMaskRecheckInNarrowPhase(t *testing.T) {
	s := NewSolver()
	s.InstructBoxDomainDimension(2, 2, 2)
	s.InstructCoordSysOrigin("center")
	s.SetTimeStepSize(1e-4)
	s.SetCDUpdateFreq(0)
	s.UseFrictionlessHertzianModel()

	mat := s.LoadMaterial(Material{E: 1e6, Nu: 0.3, CoR: 0.5})
	ball, err := s.LoadClumpSimpleSphere(1, 0.06, mat)
	if err != nil {
		t.Fatal(err)
	}
	batch, err := s.AddClumpsOfType(ball, []r3.Vec{{Z: 0.05}, {Z: -0.05}})
	if err != nil {
		t.Fatal(err)
	}
	batch.SetFamily(1)
	s.DisableContactBetweenFamilies(1, 2)
	// Family 2 must exist in the remap; a never-firing rule registers it.
	s.ChangeFamilyWhen(2, 2, "false")

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Reassign just the upper owner to family 2 by hand (both workers are
	// idle between calls), leaving the broad phase's view stale.
	s.dT.state.family[0] = s.famTable.userToImpl[2]

	v0 := s.GetOwnerVelocity(0)
	if err := s.DoDynamicsThenSync(1e-4); err != nil {
		t.Fatalf("DoDynamicsThenSync: %v", err)
	}
	v1 := s.GetOwnerVelocity(0)
	if v1 != v0 {
		t.Fatalf("masked overlap still produced force: %+v -> %+v", v0, v1)
	}
}
