package dem

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"
)

// initState is the forward-only initialization state machine. Only
// stateReady accepts DoDynamics calls; re-initialization transitions back
// to stateValidated and replays the pipeline.
type initState int

const (
	stateUninitialized initState = iota
	stateValidated
	stateTemplatesFlat
	stateFamiliesCompiled
	stateArraysAllocated
	stateKernelsSpecialized
	stateReady
)

// bodyCounts are the derived entity counts reported at initialization and
// checked against index-type ceilings.
type bodyCounts struct {
	owners         int
	clumps         int
	extObjs        int
	meshes         int
	spheres        int
	analytical     int
	triangles      int
	massProperties int
	materials      int
}

const (
	// specializationBudget caps the clump components woven into kernel
	// text; templates past it stay in device memory.
	specializationBudget = 512
	// maxMassProperties is the inertia-offset index ceiling.
	maxMassProperties = 1 << 16
	// tinyFloat guards against degenerate radii and sizes.
	tinyFloat = 1e-12
)

// validateUserInputs is the first-round coarse sanity check: anything that
// makes the simulation impossible is fatal here.
func (s *Solver) validateUserInputs() error {
	if len(s.cachedMaterials) == 0 {
		return newConfigError(ErrNoMaterials,
			"at least one material must be loaded via LoadMaterial before initializing")
	}
	if s.dt <= 0 {
		return newConfigError(ErrTimeStep,
			"time step size is %g; supply a positive number via SetTimeStepSize", s.dt)
	}
	if len(s.templates) == 0 {
		return newConfigError(ErrNoTemplates,
			"at least one clump template must be defined via LoadClumpTemplate before initializing")
	}
	if !s.explicitNV && (s.userBox.X <= 0 || s.userBox.Y <= 0 || s.userBox.Z <= 0) {
		return newConfigError(ErrWorldGeometry,
			"the simulation world is %g by %g by %g; it is impossibly small",
			s.userBox.X, s.userBox.Y, s.userBox.Z)
	}
	if s.originMode != "explicit" && s.originMode != "center" {
		return newConfigError(ErrWorldGeometry, "unrecognized location of system origin %q", s.originMode)
	}

	for _, m := range s.cachedMaterials {
		if m.CoR <= 0 || m.CoR > 1 {
			s.anomalies.warnf("Material restitution %g is outside (0, 1]; the Hertzian damping will saturate", m.CoR)
		}
	}
	for ti, t := range s.templates {
		if t.Mass <= 0 || t.MOI.X <= 0 || t.MOI.Y <= 0 || t.MOI.Z <= 0 {
			s.anomalies.warnf("Clump template %d has degenerate mass %g or inertia %v", ti, t.Mass, t.MOI)
		}
		for _, r := range t.Radii {
			if r <= tinyFloat {
				s.anomalies.warnf("Clump template %d has a zero-radius sphere component", ti)
			}
		}
	}
	if s.governor.effective() <= 0 && s.updateFreq > 0 {
		s.anomalies.warnf("The physics can stretch %d steps into the future but no expand factor is set; "+
			"contact detection will likely miss events before it is too late", s.updateFreq)
	}
	if s.updateFreq < 0 {
		s.anomalies.warnf("Contact detection frequency is negative: the integrator may drift arbitrarily far " +
			"ahead of detection; make sure this is intended")
	}
	return nil
}

// processUserInputs derives the clump-side counts and installs the fixed
// prescription of the reserved family.
func (s *Solver) processUserInputs() {
	s.counts.clumps = 0
	s.counts.spheres = 0
	s.flatEntityFamilies = s.flatEntityFamilies[:0]
	for _, b := range s.batches {
		s.counts.clumps += b.NumClumps()
		for _, t := range b.Templates {
			s.counts.spheres += t.NumComp()
		}
		if !b.familiesSet {
			s.anomalies.warnf("A clump batch was loaded without family numbers; defaulting to family 0")
		}
		s.flatEntityFamilies = append(s.flatEntityFamilies, b.Families...)
	}

	if !s.reservedFixedInstalled {
		s.SetFamilyFixed(ReservedFixedFamily)
		s.reservedFixedInstalled = true
	}
}

// figureOutWorld decides the voxel codec: either from an explicit voxel
// instruction or derived from the user box.
func (s *Solver) figureOutWorld() error {
	origin := s.origin
	if s.originMode == "center" {
		origin = r3.Scale(-0.5, s.userBox)
	}
	if s.explicitNV {
		codec, err := NewVoxelCodec(s.nvX, s.nvY, s.nvZ, s.lUnit, origin)
		if err != nil {
			return err
		}
		s.codec = codec
		if !s.userBoxSet {
			wx, wy, wz := codec.WorldDims()
			s.userBox = r3.Vec{X: wx, Y: wy, Z: wz}
			if s.originMode == "center" {
				origin = r3.Scale(-0.5, s.userBox)
				s.codec, _ = NewVoxelCodec(s.nvX, s.nvY, s.nvZ, s.lUnit, origin)
			}
		}
		return nil
	}
	nvX, nvY, nvZ := deriveVoxelPowers(s.userBox.X, s.userBox.Y, s.userBox.Z)
	l := deriveLengthUnit(s.userBox.X, s.userBox.Y, s.userBox.Z, nvX, nvY, nvZ)
	codec, err := NewVoxelCodec(nvX, nvY, nvZ, l, origin)
	if err != nil {
		return err
	}
	s.codec = codec
	return nil
}

// addWorldBoundingBox emits the boundary planes the user asked for, at the
// faces of the user box (not the voxel-addressable box, which may be
// larger).
func (s *Solver) addWorldBoundingBox() {
	if s.boundingBoxMode != "all" && s.boundingBoxMode != "top_open" {
		return
	}
	if s.boundingBoxObj != nil {
		// Re-initialization must not stack a second set of planes.
		return
	}
	lbf := s.codec.Origin()
	b := s.userBox
	box := s.AddExternalObject()
	s.boundingBoxObj = box
	box.Family = ReservedFixedFamily
	box.Mass = 1
	box.MOI = r3.Vec{X: 1, Y: 1, Z: 1}
	mat := s.boundingBoxMat
	box.AddPlane(r3.Vec{X: lbf.X + b.X/2, Y: lbf.Y + b.Y/2, Z: lbf.Z}, r3.Vec{Z: 1}, mat)
	box.AddPlane(r3.Vec{X: lbf.X, Y: lbf.Y + b.Y/2, Z: lbf.Z + b.Z/2}, r3.Vec{X: 1}, mat)
	box.AddPlane(r3.Vec{X: lbf.X + b.X, Y: lbf.Y + b.Y/2, Z: lbf.Z + b.Z/2}, r3.Vec{X: -1}, mat)
	box.AddPlane(r3.Vec{X: lbf.X + b.X/2, Y: lbf.Y, Z: lbf.Z + b.Z/2}, r3.Vec{Y: 1}, mat)
	box.AddPlane(r3.Vec{X: lbf.X + b.X/2, Y: lbf.Y + b.Y, Z: lbf.Z + b.Z/2}, r3.Vec{Y: -1}, mat)
	if s.boundingBoxMode == "all" {
		box.AddPlane(r3.Vec{X: lbf.X + b.X/2, Y: lbf.Y + b.Y/2, Z: lbf.Z + b.Z}, r3.Vec{Z: -1}, mat)
	}
}

// preprocessClumpTemplates sorts templates by component count ascending (so
// the small ones are specialized into kernel text and the big ones stay in
// device memory), renumbers their marks to match the new order, and stashes
// their materials in the canonical table.
func (s *Solver) preprocessClumpTemplates() {
	sort.SliceStable(s.templates, func(i, j int) bool {
		return s.templates[i].NumComp() < s.templates[j].NumComp()
	})
	for i, t := range s.templates {
		if t.mark != i {
			logrus.Debugf("Clump template re-order: %d->%d, nComp: %d", t.mark, i, t.NumComp())
		}
		t.mark = i
	}

	s.geo.mass.mass = s.geo.mass.mass[:0]
	s.geo.mass.moi = s.geo.mass.moi[:0]
	for _, t := range s.templates {
		s.geo.mass.mass = append(s.geo.mass.mass, t.Mass)
		s.geo.mass.moi = append(s.geo.mass.moi, t.MOI)
		t.MatIDs = t.MatIDs[:0]
		for _, m := range t.Materials {
			t.MatIDs = append(t.MatIDs, int32(s.matSet.InsertOrFind(m)))
		}
	}
}

// preprocessAnalyticalObjs appends external-object mass rows and flattens
// their primitive components. External objects' owner ids follow all clump
// owners.
func (s *Solver) preprocessAnalyticalObjs() {
	a := &s.geo.anal
	a.n = 0
	a.owner = a.owner[:0]
	a.kind = a.kind[:0]
	a.mat = a.mat[:0]
	a.relPos = a.relPos[:0]
	a.rot = a.rot[:0]
	a.size1 = a.size1[:0]
	a.size2 = a.size2[:0]
	a.size3 = a.size3[:0]
	a.normal = a.normal[:0]

	s.counts.extObjs = len(s.externals)
	for oi, obj := range s.externals {
		s.geo.mass.mass = append(s.geo.mass.mass, obj.Mass)
		s.geo.mass.moi = append(s.geo.mass.moi, obj.MOI)
		owner := OwnerID(s.counts.clumps + oi)
		for _, c := range obj.comps {
			a.owner = append(a.owner, owner)
			a.kind = append(a.kind, c.kind)
			a.mat = append(a.mat, int32(s.matSet.InsertOrFind(c.material)))
			a.relPos = append(a.relPos, c.pos)
			a.rot = append(a.rot, c.rot)
			a.size1 = append(a.size1, c.size1)
			a.size2 = append(a.size2, c.size2)
			a.size3 = append(a.size3, c.size3)
			a.normal = append(a.normal, c.normal)
			a.n++
		}
		s.flatEntityFamilies = append(s.flatEntityFamilies, obj.Family)
	}
	s.counts.analytical = a.n
}

// preprocessTriangleObjs appends mesh mass rows and writes one facet-table
// row per triangle, reorienting vertices against supplied normals.
func (s *Solver) preprocessTriangleObjs() {
	tg := &s.geo.tris
	tg.n = 0
	tg.owner = tg.owner[:0]
	tg.mat = tg.mat[:0]
	tg.p1 = tg.p1[:0]
	tg.p2 = tg.p2[:0]
	tg.p3 = tg.p3[:0]

	s.counts.meshes = len(s.meshes)
	for mi, mesh := range s.meshes {
		s.geo.mass.mass = append(s.geo.mass.mass, mesh.Mass)
		s.geo.mass.moi = append(s.geo.mass.moi, mesh.MOI)
		owner := OwnerID(s.counts.clumps + s.counts.extObjs + mi)
		for fi := range mesh.Facets {
			tri := mesh.orientedFacet(fi)
			tg.owner = append(tg.owner, owner)
			tg.mat = append(tg.mat, int32(s.matSet.InsertOrFind(mesh.Materials[fi])))
			tg.p1 = append(tg.p1, tri.P1)
			tg.p2 = append(tg.p2, tri.P2)
			tg.p3 = append(tg.p3, tri.P3)
			tg.n++
		}
		s.flatEntityFamilies = append(s.flatEntityFamilies, mesh.Family)
	}
	s.counts.triangles = tg.n
}

// decideBinSize finds the smallest sphere radius and defaults the bin size
// to twice it when the user did not fix one, then derives the grid.
func (s *Solver) decideBinSize() error {
	s.smallestRadius = math.MaxFloat64
	for _, t := range s.templates {
		for _, r := range t.Radii {
			if r < s.smallestRadius {
				s.smallestRadius = r
			}
		}
	}
	if s.smallestRadius > tinyFloat {
		if !s.binSizeSet {
			s.binSize = 2 * s.smallestRadius
		}
	} else if !s.binSizeSet {
		return newConfigError(ErrBinSize,
			"clump templates contain zero-radius spheres and no bin size was instructed; "+
				"the bin size defaults to the smallest sphere, so the solver does not know what to use")
	} else {
		s.anomalies.warnf("Clump templates contain zero-radius spheres; make sure this is intentional")
	}

	grid, err := deriveBinGrid(s.codec, s.binSize)
	if err != nil {
		return err
	}
	s.grid = grid
	return nil
}

// postResourceGenSanityCheck marks the non-specializable template tail and
// enforces the mass-property ceiling.
func (s *Solver) postResourceGenSanityCheck() error {
	comp := 0
	s.nJitifiableTemplates = len(s.templates)
	for i, t := range s.templates {
		comp += t.NumComp()
		if comp > specializationBudget && s.nJitifiableTemplates == len(s.templates) {
			s.nJitifiableTemplates = i
		}
	}
	if s.nJitifiableTemplates < len(s.templates) {
		s.anomalies.warnf("%d clump templates are loaded but only %d are specializable; "+
			"the rest stay in device memory and are fetched at run time",
			len(s.templates), s.nJitifiableTemplates)
	}

	s.counts.massProperties = len(s.geo.mass.mass)
	if s.counts.massProperties >= maxMassProperties {
		return newCapacityError(ErrCapacity, uint64(s.counts.massProperties), maxMassProperties,
			"%d distinct mass properties are loaded but the index type allows %d; widen the inertia-offset type",
			s.counts.massProperties, maxMassProperties)
	}
	s.counts.materials = s.matSet.Len()
	return nil
}

// initializeArrays populates the owner state and per-instance geometry
// arrays from the cached user inputs, in load order: clump batches, then
// external objects, then meshes.
func (s *Solver) initializeArrays() {
	s.counts.owners = s.counts.clumps + s.counts.extObjs + s.counts.meshes
	st := newOwnerState(s.counts.owners)

	sp := &s.geo.spheres
	sp.n = 0
	sp.owner = sp.owner[:0]
	sp.relPos = sp.relPos[:0]
	sp.radius = sp.radius[:0]
	sp.mat = sp.mat[:0]

	owner := 0
	for _, b := range s.batches {
		for ci := 0; ci < b.NumClumps(); ci++ {
			t := b.Templates[ci]
			st.setPos(s.codec, OwnerID(owner), b.Pos[ci])
			st.oriQ[owner] = quatNormalize(b.OriQ[ci])
			st.vel[owner] = b.Vel[ci]
			st.angVel[owner] = b.AngVel[ci]
			st.family[owner] = s.famTable.userToImpl[b.Families[ci]]
			st.massIdx[owner] = int32(t.mark)
			for c := 0; c < t.NumComp(); c++ {
				sp.owner = append(sp.owner, OwnerID(owner))
				sp.relPos = append(sp.relPos, t.RelPos[c])
				sp.radius = append(sp.radius, t.Radii[c])
				sp.mat = append(sp.mat, t.MatIDs[c])
				sp.n++
			}
			owner++
		}
	}
	for oi, obj := range s.externals {
		st.setPos(s.codec, OwnerID(owner), obj.InitPos)
		q := obj.InitOri
		if q == (quatZero()) {
			q = quatIdentity()
		}
		st.oriQ[owner] = quatNormalize(q)
		st.family[owner] = s.famTable.userToImpl[obj.Family]
		st.massIdx[owner] = int32(len(s.templates) + oi)
		owner++
	}
	for mi, mesh := range s.meshes {
		st.setPos(s.codec, OwnerID(owner), mesh.InitPos)
		q := mesh.InitOri
		if q == (quatZero()) {
			q = quatIdentity()
		}
		st.oriQ[owner] = quatNormalize(q)
		st.family[owner] = s.famTable.userToImpl[mesh.Family]
		st.massIdx[owner] = int32(len(s.templates) + len(s.externals) + mi)
		owner++
	}

	s.dT.state = st
	s.resolveTrackers()
}

// resolveTrackers binds each tracked object's load-order index to its base
// owner id and range.
func (s *Solver) resolveTrackers() {
	for _, obj := range s.trackedObjs {
		switch obj.kind {
		case trackClumpBatch:
			base := 0
			for i, b := range s.batches {
				if i == obj.loadOrder {
					obj.baseOwner = OwnerID(base)
					obj.count = b.NumClumps()
					obj.resolved = true
					break
				}
				base += b.NumClumps()
			}
		case trackExternalObject:
			obj.baseOwner = OwnerID(s.counts.clumps + obj.loadOrder)
			obj.count = 1
			obj.resolved = true
		case trackMesh:
			obj.baseOwner = OwnerID(s.counts.clumps + s.counts.extObjs + obj.loadOrder)
			obj.count = 1
			obj.resolved = true
		}
	}
}

// specializeKernels assembles the substitution map from the registry
// snapshot, specializes every kernel class, and compiles the
// expression-bearing slots.
func (s *Solver) specializeKernels() error {
	subs := make(SubstitutionMap)
	equipSimParams(subs, s.codec, s.grid, s.gravity, s.dt, s.governor.effective(), s.counts)
	equipFamilyMasks(subs, s.famTable)
	equipMassMat(subs, s.geo.mass, s.matSet)
	equipClumpTemplates(subs, s.templates, s.nJitifiableTemplates, s.governor.effective())
	equipAnalGeoTemplates(subs, s.geo.anal)
	equipFamilyPrescribedMotions(subs, s.famTable, s.ensureKernelLineNum)
	equipFamilyOnFlyChanges(subs, s.famTable, s.ensureKernelLineNum)
	equipForceModel(subs, s.forceModelSource(), s.ensureKernelLineNum)

	s.kernelSources = map[string]string{
		"binning":      Specialize(binningKernelTemplate, subs),
		"pairSweep":    Specialize(pairSweepKernelTemplate, subs),
		"force":        Specialize(forceKernelTemplate, subs),
		"prescription": Specialize(prescriptionKernelTemplate, subs),
		"familyChange": Specialize(familyChangeKernelTemplate, subs),
	}

	pres, rules, err := compileFamilyKernels(s.famTable, s.jit, subs)
	if err != nil {
		return err
	}
	s.pres = pres
	s.cRules = rules
	return nil
}

// reportInitStats logs what initialization produced.
func (s *Solver) reportInitStats() {
	wx, wy, wz := s.codec.WorldDims()
	o := s.codec.Origin()
	logrus.Infof("The dimension of the simulation world: %.17g, %.17g, %.17g", wx, wy, wz)
	logrus.Infof("Simulation world X range: [%.7g, %.7g]", o.X, o.X+wx)
	logrus.Infof("Simulation world Y range: [%.7g, %.7g]", o.Y, o.Y+wy)
	logrus.Infof("Simulation world Z range: [%.7g, %.7g]", o.Z, o.Z+wz)
	logrus.Infof("The length unit in this simulation is: %.17g", s.codec.LengthUnit())
	logrus.Infof("The edge length of a voxel: %.17g", s.codec.VoxelEdge())
	logrus.Infof("The edge length of a bin: %.17g", s.grid.binSize)
	logrus.Infof("The total number of bins: %d", s.grid.numBins)
	logrus.Infof("The total number of clumps: %d", s.counts.clumps)
	logrus.Infof("The combined number of component spheres: %d", s.counts.spheres)
	logrus.Infof("The total number of analytical objects: %d", s.counts.extObjs)
	logrus.Infof("Grand total number of owners: %d", s.counts.owners)
	logrus.Infof("The total number of families: %d", s.famTable.numFamilies())
	if beta := s.governor.effective(); beta > 0 && s.smallestRadius < math.MaxFloat64 {
		logrus.Infof("All geometries are enlarged/thickened by %.9g for contact detection", beta)
		logrus.Infof("For the smallest sphere this means enlarging the radius by %.9g%%",
			beta/s.smallestRadius*100)
	}
	logrus.Infof("The number of material types: %d", s.matSet.Len())
	if s.model.Historyless() {
		logrus.Info("This run uses a HISTORYLESS solver setup")
	} else {
		logrus.Info("This run uses a HISTORY-BASED solver setup")
	}
}
