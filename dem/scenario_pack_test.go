package dem

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// Packing under gravity, reduced: a cloud of frictional spheres dropped in
// a closed box settles — kinetic energy decays and the bulk centre of mass
// ends below its start.
func TestScenario_PackingSettles(t *testing.T) {
	if testing.Short() {
		t.Skip("long scenario")
	}
	s := NewSolver()
	s.InstructBoxDomainDimension(1, 1, 2)
	s.SetGravitationalAcceleration(r3.Vec{Z: -9.81})
	s.SetTimeStepSize(5e-5)
	s.SetCDUpdateFreq(10)
	s.SuggestExpandSafetyParam(1.2)
	if err := s.SuggestExpandFactor(4); err != nil {
		t.Fatal(err)
	}
	s.UseFrictionalHertzianModel()

	mat := s.LoadMaterial(Material{E: 1e6, Nu: 0.3, CoR: 0.5, Mu: 0.3})
	s.InstructBoxDomainBoundingBC("all", mat)
	grain, err := s.LoadClumpSimpleSphere(0.005, 0.03, mat)
	if err != nil {
		t.Fatal(err)
	}
	pos := NewHCPSampler(0.09).SampleBox(
		r3.Vec{X: 0.2, Y: 0.2, Z: 0.3},
		r3.Vec{X: 0.8, Y: 0.8, Z: 0.45},
	)
	batch, err := s.AddClumpsOfType(grain, pos)
	if err != nil {
		t.Fatal(err)
	}
	batch.SetFamily(1)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	n := batch.NumClumps()
	if n < 50 {
		t.Fatalf("scene too small: %d grains", n)
	}

	comZ := func() float64 {
		var z float64
		for i := 0; i < n; i++ {
			z += s.GetOwnerPosition(OwnerID(i)).Z
		}
		return z / float64(n)
	}
	z0 := comZ()

	if err := s.DoDynamicsThenSync(0.5); err != nil {
		t.Fatalf("DoDynamicsThenSync: %v", err)
	}
	keMid := s.GetTotalKineticEnergy()
	if err := s.DoDynamicsThenSync(0.3); err != nil {
		t.Fatalf("DoDynamicsThenSync: %v", err)
	}
	keEnd := s.GetTotalKineticEnergy()

	if z := comZ(); z >= z0-0.1 {
		t.Fatalf("bulk did not settle: CoM z %g -> %g", z0, z)
	}
	// Settling: late kinetic energy well below the mid-flight level.
	if keEnd > keMid*0.5 {
		t.Fatalf("kinetic energy not decaying: mid %g, end %g", keMid, keEnd)
	}
	// At rest the energy per grain is tiny.
	if keEnd/float64(n) > 1e-4 {
		t.Fatalf("residual kinetic energy too high: %g per grain", keEnd/float64(n))
	}
}
