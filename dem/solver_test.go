package dem

import (
	"errors"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/grainflow/grainflow/dem/out"
)

// smallScene builds a solver with two separated unit spheres, ready to
// initialize.
func smallScene(t *testing.T) *Solver {
	t.Helper()
	s := NewSolver()
	s.InstructBoxDomainDimension(4, 4, 4)
	s.InstructCoordSysOrigin("center")
	s.SetTimeStepSize(1e-4)
	s.SetCDUpdateFreq(4)
	s.SuggestExpandFactorWithCD(1, 4e-4)
	mat := s.LoadMaterial(Material{E: 1e7, Nu: 0.3, CoR: 0.8})
	ball, err := s.LoadClumpSimpleSphere(1, 0.1, mat)
	if err != nil {
		t.Fatalf("LoadClumpSimpleSphere: %v", err)
	}
	batch, err := s.AddClumpsOfType(ball, []r3.Vec{{X: -1}, {X: 1}})
	if err != nil {
		t.Fatalf("AddClumps: %v", err)
	}
	batch.SetFamily(1)
	return s
}

func TestInitialize_FatalWithoutMaterials(t *testing.T) {
	s := NewSolver()
	s.InstructBoxDomainDimension(1, 1, 1)
	s.SetTimeStepSize(1e-4)
	err := s.Initialize()
	var cfg *ConfigError
	if !errors.As(err, &cfg) || cfg.Kind != ErrNoMaterials {
		t.Fatalf("expected ErrNoMaterials, got %v", err)
	}
}

func TestInitialize_FatalWithoutTimeStep(t *testing.T) {
	s := NewSolver()
	s.InstructBoxDomainDimension(1, 1, 1)
	s.LoadMaterial(Material{E: 1e7, Nu: 0.3, CoR: 0.5})
	err := s.Initialize()
	var cfg *ConfigError
	if !errors.As(err, &cfg) || cfg.Kind != ErrTimeStep {
		t.Fatalf("expected ErrTimeStep, got %v", err)
	}
}

func TestInitialize_FatalWithDegenerateWorld(t *testing.T) {
	s := NewSolver()
	s.SetTimeStepSize(1e-4)
	s.LoadMaterial(Material{E: 1e7, Nu: 0.3, CoR: 0.5})
	if _, err := s.LoadClumpSimpleSphere(1, 0.1, Material{E: 1e7, Nu: 0.3, CoR: 0.5}); err != nil {
		t.Fatal(err)
	}
	err := s.Initialize()
	var cfg *ConfigError
	if !errors.As(err, &cfg) || cfg.Kind != ErrWorldGeometry {
		t.Fatalf("expected ErrWorldGeometry, got %v", err)
	}
}

func TestInitialize_DerivesCountsAndDefaults(t *testing.T) {
	s := smallScene(t)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if s.counts.owners != 2 || s.counts.clumps != 2 || s.counts.spheres != 2 {
		t.Fatalf("counts = %+v", s.counts)
	}
	// Bin size defaults to twice the smallest radius.
	if s.grid.binSize != 0.2 {
		t.Fatalf("bin size = %g, want 0.2", s.grid.binSize)
	}
	// The reserved fixed family participates in the remap.
	if _, ok := s.famTable.userToImpl[ReservedFixedFamily]; !ok {
		t.Fatal("reserved family missing from remap")
	}
}

func TestInitialize_TemplateSortByComponentCount(t *testing.T) {
	s := NewSolver()
	s.InstructBoxDomainDimension(4, 4, 4)
	s.SetTimeStepSize(1e-4)
	mat := s.LoadMaterial(Material{E: 1e7, Nu: 0.3, CoR: 0.5})

	big, _ := s.LoadClumpTemplateUniform(3, r3.Vec{X: 1, Y: 1, Z: 1},
		[]float64{0.1, 0.1, 0.1}, []r3.Vec{{X: -0.1}, {}, {X: 0.1}}, mat)
	small, _ := s.LoadClumpSimpleSphere(1, 0.1, mat)
	batch, _ := s.AddClumps([]*ClumpTemplate{big, small}, []r3.Vec{{X: -1}, {X: 1}})
	batch.SetFamily(0)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Small clumps sort first so they end up specialized; marks follow
	// the sorted order.
	if small.Mark() != 0 || big.Mark() != 1 {
		t.Fatalf("template marks after sort: small=%d big=%d", small.Mark(), big.Mark())
	}
	// Mass table rows follow the same order.
	if s.geo.mass.mass[0] != 1 || s.geo.mass.mass[1] != 3 {
		t.Fatalf("mass rows out of order: %v", s.geo.mass.mass)
	}

	// Re-initialization keeps the same order (idempotent marks).
	if err := s.Initialize(); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if small.Mark() != 0 || big.Mark() != 1 {
		t.Fatalf("re-init changed template order: small=%d big=%d", small.Mark(), big.Mark())
	}
}

func TestInitialize_BoundingBoxAddsPlanesOnce(t *testing.T) {
	s := smallScene(t)
	s.InstructBoxDomainBoundingBC("top_open", Material{E: 1e9, Nu: 0.3, CoR: 0.5})
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.counts.analytical != 5 {
		t.Fatalf("top_open should add 5 planes, got %d", s.counts.analytical)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if s.counts.analytical != 5 {
		t.Fatalf("re-init duplicated the bounding planes: %d", s.counts.analytical)
	}
}

func TestChangeFamilyNow_RequiresKnownFamilies(t *testing.T) {
	s := smallScene(t)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.ChangeFamilyNow(9, 1); err == nil {
		t.Fatal("unknown source family must be rejected")
	}
	if err := s.ChangeFamilyNow(1, ReservedFixedFamily); err != nil {
		t.Fatalf("valid reassignment failed: %v", err)
	}
	impl := s.famTable.userToImpl[ReservedFixedFamily]
	for i := range s.dT.state.family {
		if int(s.dT.state.massIdx[i]) < len(s.templates) && s.dT.state.family[i] != impl {
			t.Fatal("owners did not move to the new family")
		}
	}
}

func TestPurgeFamily_DeactivatesOwners(t *testing.T) {
	s := smallScene(t)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.PurgeFamily(1); err != nil {
		t.Fatalf("PurgeFamily: %v", err)
	}
	for i := range s.dT.state.active {
		if s.dT.state.active[i] {
			t.Fatal("purged owners must be inactive")
		}
	}
	if ke := s.GetTotalKineticEnergy(); ke != 0 {
		t.Fatalf("purged system has kinetic energy %g", ke)
	}
}

func TestTracker_ResolvesToContiguousRange(t *testing.T) {
	s := smallScene(t)
	batch := s.batches[0]
	tracker := s.Track(batch)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if tracker.NumOwners() != 2 {
		t.Fatalf("tracker range = %d, want 2", tracker.NumOwners())
	}
	if p := tracker.Pos(0); p.X != -1 {
		t.Fatalf("tracker Pos(0) = %+v", p)
	}
	if p := tracker.Pos(1); p.X != 1 {
		t.Fatalf("tracker Pos(1) = %+v", p)
	}
	tracker.SetVel(r3.Vec{Z: 2}, 1)
	if v := s.GetOwnerVelocity(1); v.Z != 2 {
		t.Fatalf("tracker setter missed: %+v", v)
	}
}

func TestInspector_MaxZAndKineticEnergy(t *testing.T) {
	s := smallScene(t)
	s.batches[0].SetVels([]r3.Vec{{X: 2}, {}})
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	maxZ, err := s.CreateInspector("clump_max_z")
	if err != nil {
		t.Fatalf("CreateInspector: %v", err)
	}
	v, err := maxZ.GetValue()
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if v != 0 {
		t.Fatalf("clump_max_z = %g, want 0", v)
	}

	absv, err := s.CreateInspector("clump_max_absv")
	if err != nil {
		t.Fatalf("CreateInspector: %v", err)
	}
	if v, _ := absv.GetValue(); v != 2 {
		t.Fatalf("clump_max_absv = %g, want 2", v)
	}

	if _, err := s.CreateInspector("no_such_quantity"); err == nil {
		t.Fatal("unknown inspector name must be rejected")
	}

	// Translational kinetic energy: 0.5*1*4 = 2.
	if ke := s.GetTotalKineticEnergy(); ke != 2 {
		t.Fatalf("kinetic energy = %g, want 2", ke)
	}
}

func TestAnomalies_RecordedAndCleared(t *testing.T) {
	s := smallScene(t)
	s.LoadMaterial(Material{E: 1e7, Nu: 0.3, CoR: 1.5}) // bad restitution
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(s.Anomalies()) == 0 {
		t.Fatal("restitution outside (0,1] must be recorded as an anomaly")
	}
	s.ClearAnomalies()
	if len(s.Anomalies()) != 0 {
		t.Fatal("ClearAnomalies must empty the ring")
	}
}

func TestUpdateGPUArrays_LiveAddition(t *testing.T) {
	s := smallScene(t)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.DoDynamicsThenSync(1e-3); err != nil {
		t.Fatalf("DoDynamicsThenSync: %v", err)
	}

	// Live-add one more clump of an existing template and family.
	batch, err := s.AddClumpsOfType(s.templates[0], []r3.Vec{{Y: 1}})
	if err != nil {
		t.Fatal(err)
	}
	batch.SetFamily(1)
	if err := s.UpdateGPUArrays(); err != nil {
		t.Fatalf("UpdateGPUArrays: %v", err)
	}
	if s.counts.owners != 3 || s.counts.spheres != 3 {
		t.Fatalf("live addition not reflected: %+v", s.counts)
	}
	if p := s.GetOwnerPosition(2); p.Y != 1 {
		t.Fatalf("added owner misplaced: %+v", p)
	}
	// The system keeps simulating with the grown arrays.
	if err := s.DoDynamicsThenSync(1e-3); err != nil {
		t.Fatalf("post-addition dynamics: %v", err)
	}

	// A family unseen at initialization is rejected.
	bad, err := s.AddClumpsOfType(s.templates[0], []r3.Vec{{Y: -1}})
	if err != nil {
		t.Fatal(err)
	}
	bad.SetFamily(77)
	if err := s.UpdateGPUArrays(); err == nil {
		t.Fatal("live addition with an unknown family must fail")
	}
}

func TestWriteClumpFile_WildcardsReachTheDump(t *testing.T) {
	s := smallScene(t)
	s.SetClumpOutputMode(out.ModeClump)
	s.SetOutputContent(out.ContentPosition | out.ContentWildcards)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	s.SetOwnerWildcard("wear", 0, 0.5)
	s.SetOwnerWildcard("wear", 1, 1.5)

	path := filepath.Join(t.TempDir(), "clumps.csv")
	if err := s.WriteClumpFile(path); err != nil {
		t.Fatalf("WriteClumpFile: %v", err)
	}
	rows, err := out.ReadCSVFile(path)
	if err != nil {
		t.Fatalf("ReadCSVFile: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("row count %d, want 2", len(rows))
	}
	if len(rows[0].Wildcards) != 1 || rows[0].Wildcards[0] != 0.5 {
		t.Fatalf("owner 0 wildcards = %v, want [0.5]", rows[0].Wildcards)
	}
	if rows[1].Wildcards[0] != 1.5 {
		t.Fatalf("owner 1 wildcards = %v, want [1.5]", rows[1].Wildcards)
	}
}

func TestPosition_DecompositionInvariantAfterSet(t *testing.T) {
	s := smallScene(t)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	want := r3.Vec{X: 0.123, Y: -0.456, Z: 0.789}
	s.SetOwnerPosition(0, want)
	got := s.GetOwnerPosition(0)
	if d := r3.Norm(r3.Sub(got, want)); d > s.codec.LengthUnit() {
		t.Fatalf("position round trip off by %g (> l)", d)
	}
}
