package dem

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/grainflow/grainflow/dem/accel"
	"github.com/grainflow/grainflow/dem/out"
)

// Solver is the root of one simulation system: it owns the configuration
// caches, the two workers and their handshake, and every derived table. All
// configuration goes through its methods; there is no process-wide state.
type Solver struct {
	// World geometry instructions.
	userBox    r3.Vec
	userBoxSet bool
	originMode string
	origin     r3.Vec
	explicitNV bool
	nvX        uint8
	nvY        uint8
	nvZ        uint8
	lUnit      float64

	gravity    r3.Vec
	dt         float64
	updateFreq int

	binSize    float64
	binSizeSet bool
	governor   *marginGovernor

	model           ForceModel
	shouldSortPairs bool
	accumMode       ForceAccumulation
	scheme          IntegratorScheme

	boundingBoxMode string
	boundingBoxMat  Material
	boundingBoxObj  *ExternalObject

	ensureKernelLineNum bool
	instructedNumOwners int
	maxGeomPerBin       int
	avgContactsCeil     float64

	outMode          out.Mode
	outFormat        out.Format
	outContent       out.Content
	noOutputFamilies map[uint32]bool

	// Cached user inputs, flattened at initialization.
	cachedMaterials    []Material
	templates          []*ClumpTemplate
	batches            []*ClumpBatch
	batchesUploaded    int
	externals          []*ExternalObject
	meshes             []*TriMesh
	noContactPairs     []familyPair
	prescriptionInputs []Prescription
	changeRules        []ChangeRule
	trackedObjs        []*trackedObj
	nBatchLoads        int
	nExtLoads          int
	nMeshLoads         int

	reservedFixedInstalled bool
	flatEntityFamilies     []uint32

	rng *PartitionedRNG

	// Derived at initialization.
	codec                *VoxelCodec
	grid                 binGrid
	matSet               *MaterialSet
	famTable             *familyTable
	geo                  *geomTables
	pres                 []compiledPrescription
	cRules               []compiledChangeRule
	jit                  *kernelCache
	kernelSources        map[string]string
	counts               bodyCounts
	nJitifiableTemplates int
	smallestRadius       float64

	// Workers and their coordination state, constructed with the solver
	// and torn down with it.
	hs       *handshake
	kT       *kinematicWorker
	dT       *dynamicWorker
	kTReport *reportChannel
	dTReport *reportChannel
	timing   *timingStats

	anomalies anomalyLog

	state      initState
	running    bool
	ktLaunched bool
	simTime    float64
}

// NewSolver constructs a solver with both workers and their handshake
// buffers in place, and the stock frictional Hertzian model selected.
func NewSolver() *Solver {
	s := &Solver{
		originMode:       "explicit",
		boundingBoxMode:  "none",
		governor:         newMarginGovernor(),
		model:            FrictionalHertz{},
		shouldSortPairs:  true,
		maxGeomPerBin:    defaultMaxGeomPerBin,
		outFormat:        out.FormatCSV,
		outContent:       out.DefaultContent,
		noOutputFamilies: make(map[uint32]bool),
		matSet:           NewMaterialSet(),
		jit:              newKernelCache(),
		timing:           newTimingStats(),
		rng:              NewPartitionedRNG(0),
		dt:               -1,
	}
	s.hs = newHandshake(0)
	s.kTReport = newReportChannel()
	s.dTReport = newReportChannel()
	s.geo = &geomTables{}
	s.kT = &kinematicWorker{
		hs:     s.hs,
		report: s.kTReport,
		stream: accel.NewStream(0),
		timing: s.timing,
	}
	s.dT = &dynamicWorker{
		hs:      s.hs,
		report:  s.dTReport,
		stream:  accel.NewStream(0),
		timing:  s.timing,
		history: newContactHistory(),
		ktPeer:  s.kT,
	}
	return s
}

//
// World and solver configuration
//

// InstructBoxDomainDimension sets the dimensions of the simulation world; a
// box at least this large will be generated.
func (s *Solver) InstructBoxDomainDimension(x, y, z float64) {
	s.userBox = r3.Vec{X: x, Y: y, Z: z}
	s.userBoxSet = true
}

// InstructBoxDomainNumVoxel explicitly sets the per-axis voxel counts (as
// powers of 2) and the base length unit, overriding the derived world.
// Mostly for tests.
func (s *Solver) InstructBoxDomainNumVoxel(x, y, z uint8, lenUnit float64) error {
	if int(x)+int(y)+int(z) != voxelIDBits {
		return newConfigError(ErrWorldGeometry,
			"voxel numbers (as powers of 2) along each direction must add up to %d", voxelIDBits)
	}
	s.nvX, s.nvY, s.nvZ = x, y, z
	s.lUnit = lenUnit
	s.explicitNV = true
	return nil
}

// InstructCoordSysOrigin selects the origin mode: "explicit" (use whatever
// origin was set, default zero) or "center" (world centered on zero).
func (s *Solver) InstructCoordSysOrigin(mode string) { s.originMode = mode }

// InstructCoordSysOriginPoint pins the origin to an explicit point.
func (s *Solver) InstructCoordSysOriginPoint(o r3.Vec) {
	s.origin = o
	s.originMode = "explicit"
}

// InstructBoxDomainBoundingBC selects boundary planes added at
// initialization: "none", "all" (6 planes) or "top_open" (5 planes, z top
// open), with the material the planes use.
func (s *Solver) InstructBoxDomainBoundingBC(mode string, mat Material) {
	s.boundingBoxMode = mode
	s.boundingBoxMat = mat
}

// SetGravitationalAcceleration sets the gravity vector.
func (s *Solver) SetGravitationalAcceleration(g r3.Vec) { s.gravity = g }

// SetTimeStepSize sets the constant integrator step.
func (s *Solver) SetTimeStepSize(dt float64) { s.dt = dt }

// GetConstStepSize returns the cached constant step size.
func (s *Solver) GetConstStepSize() float64 { return s.dt }

// SetCDUpdateFreq sets how many dT steps may run before dT waits for a
// fresh contact-pair update from kT. Zero makes every step wait; negative
// removes the bound.
func (s *Solver) SetCDUpdateFreq(freq int) { s.updateFreq = freq }

// InstructBinSize explicitly fixes the contact-detection bin size.
func (s *Solver) InstructBinSize(size float64) {
	s.binSize = size
	s.binSizeSet = true
}

// InstructNumOwners pre-sizes the owner arrays; purely an allocation hint.
func (s *Solver) InstructNumOwners(n int) { s.instructedNumOwners = n }

// SetIntegratorScheme selects the explicit stepping scheme.
func (s *Solver) SetIntegratorScheme(scheme IntegratorScheme) { s.scheme = scheme }

// SetSeed re-keys the partitioned RNG behind the samplers.
func (s *Solver) SetSeed(seed int64) { s.rng = NewPartitionedRNG(SimulationKey(seed)) }

// RNG exposes the solver's partitioned RNG for samplers.
func (s *Solver) RNG() *PartitionedRNG { return s.rng }

//
// Safety margin
//

// SetExpandFactor explicitly sets the amount by which radii are expanded
// for contact detection.
func (s *Solver) SetExpandFactor(beta float64) { s.governor.setExpand(beta) }

// SuggestExpandFactorWithCD derives the expand factor from the max expected
// velocity and the max simulated time per contact detection.
func (s *Solver) SuggestExpandFactorWithCD(maxVel, maxTimePerCD float64) {
	s.governor.suggest(maxVel, maxTimePerCD)
}

// SuggestExpandFactor derives the expand factor from the max expected
// velocity and the configured step size and update frequency, which must
// both be set first.
func (s *Solver) SuggestExpandFactor(maxVel float64) error {
	if s.dt <= 0 {
		return newConfigError(ErrTimeStep,
			"set the constant time step size before suggesting an expand factor, or supply the max time per CD explicitly")
	}
	if s.updateFreq == 0 {
		return newConfigError(ErrBadInput,
			"set the contact-detection frequency via SetCDUpdateFreq before suggesting an expand factor, or supply the max time per CD explicitly")
	}
	s.governor.suggest(maxVel, s.dt*float64(s.updateFreq))
	return nil
}

// SuggestExpandSafetyParam further scales the safety perimeter; larger
// numbers miss fewer contacts at the cost of more false positives.
func (s *Solver) SuggestExpandSafetyParam(param float64) { s.governor.safety = param }

// EnableAdaptiveCD turns on the adaptive bin-size governor with a target
// mean geometries-per-bin and bounded per-retune change rates.
func (s *Solver) EnableAdaptiveCD(targetBinLoad, proactivity, minRate, maxRate float64) {
	s.governor.adaptive.enabled = true
	if targetBinLoad > 0 {
		s.governor.adaptive.targetBinLoad = targetBinLoad
	}
	if proactivity > 0 {
		s.governor.adaptive.proactivity = proactivity
	}
	if minRate > 0 {
		s.governor.adaptive.minRate = minRate
	}
	if maxRate > 0 {
		s.governor.adaptive.maxRate = maxRate
	}
}

//
// Force model
//

// UseFrictionalHertzianModel selects the stock history-based model.
func (s *Solver) UseFrictionalHertzianModel() { s.model = FrictionalHertz{} }

// UseFrictionlessHertzianModel selects the stock historyless model.
func (s *Solver) UseFrictionlessHertzianModel() {
	s.model = FrictionlessHertz{}
	s.anomalies.warnf("Solver set to historyless mode; make sure the force model is compatible")
}

// DefineContactForceModel installs a custom force model from a snippet that
// evaluates to the [fx, fy, fz] world force on body A.
func (s *Solver) DefineContactForceModel(source string, historyless bool) error {
	m, err := newCustomForceModel("user", source, historyless, s.jit)
	if err != nil {
		return newConfigError(ErrKernelCompile, "%v", err)
	}
	s.model = m
	return nil
}

// SetSortContactPairs instructs kT whether to sort pair lists before
// publishing. History-based models require it.
func (s *Solver) SetSortContactPairs(sorted bool) { s.shouldSortPairs = sorted }

// UseCompactForceKernel selects the sort-then-reduce force accumulation
// strategy; it requires sorted contact pairs.
func (s *Solver) UseCompactForceKernel(useCompact bool) {
	if useCompact {
		s.shouldSortPairs = true
		s.accumMode = AccumulateSortReduce
	} else {
		s.accumMode = AccumulateScatter
	}
}

// EnsureKernelErrMsgLineNum makes each specialization substitution a
// one-liner so compile-error line numbers reflect the emission site.
func (s *Solver) EnsureKernelErrMsgLineNum(flag bool) { s.ensureKernelLineNum = flag }

// SetMaxGeometriesPerBin reconfigures the per-bin overflow guard.
func (s *Solver) SetMaxGeometriesPerBin(n int) { s.maxGeomPerBin = n }

// SetMaxAverageContactsPerSphere sets the runtime saturation threshold on
// mean contacts per sphere; zero disables the check.
func (s *Solver) SetMaxAverageContactsPerSphere(n float64) { s.avgContactsCeil = n }

//
// Registry: materials, templates, entities
//

// LoadMaterial caches a material and returns its canonical value.
func (s *Solver) LoadMaterial(m Material) Material {
	s.cachedMaterials = append(s.cachedMaterials, m)
	return m
}

// LoadClumpTemplate caches a clump template. All slices must share a
// length; one material per component.
func (s *Solver) LoadClumpTemplate(mass float64, moi r3.Vec, radii []float64, relPos []r3.Vec, mats []Material) (*ClumpTemplate, error) {
	if len(radii) != len(relPos) || len(radii) != len(mats) {
		return nil, newConfigError(ErrBadInput, "clump template arrays must all have the same length")
	}
	t := &ClumpTemplate{
		Mass:      mass,
		MOI:       moi,
		Radii:     append([]float64(nil), radii...),
		RelPos:    append([]r3.Vec(nil), relPos...),
		Materials: append([]Material(nil), mats...),
		mark:      len(s.templates),
	}
	s.templates = append(s.templates, t)
	return t, nil
}

// LoadClumpTemplateUniform is the single-material overload.
func (s *Solver) LoadClumpTemplateUniform(mass float64, moi r3.Vec, radii []float64, relPos []r3.Vec, mat Material) (*ClumpTemplate, error) {
	mats := make([]Material, len(radii))
	for i := range mats {
		mats[i] = mat
	}
	return s.LoadClumpTemplate(mass, moi, radii, relPos, mats)
}

// LoadClumpSimpleSphere loads a one-sphere clump template with the solid
// sphere's moment of inertia.
func (s *Solver) LoadClumpSimpleSphere(mass, radius float64, mat Material) (*ClumpTemplate, error) {
	moi := 2.0 / 5.0 * mass * radius * radius
	return s.LoadClumpTemplateUniform(mass, r3.Vec{X: moi, Y: moi, Z: moi},
		[]float64{radius}, []r3.Vec{{}}, mat)
}

// AddClumps loads a batch of clumps on a per-pair basis: one template and
// one initial CoM position per clump.
func (s *Solver) AddClumps(types []*ClumpTemplate, pos []r3.Vec) (*ClumpBatch, error) {
	if len(types) != len(pos) {
		return nil, newConfigError(ErrBadInput, "AddClumps arrays must all have the same length")
	}
	b := newClumpBatch(append([]*ClumpTemplate(nil), types...), append([]r3.Vec(nil), pos...))
	b.loadOrder = s.nBatchLoads
	s.nBatchLoads++
	s.batches = append(s.batches, b)
	return b, nil
}

// AddClumpsOfType is the uniform-template overload.
func (s *Solver) AddClumpsOfType(t *ClumpTemplate, pos []r3.Vec) (*ClumpBatch, error) {
	types := make([]*ClumpTemplate, len(pos))
	for i := range types {
		types[i] = t
	}
	return s.AddClumps(types, pos)
}

// AddExternalObject creates an empty analytically-represented object for
// the caller to attach primitives to.
func (s *Solver) AddExternalObject() *ExternalObject {
	obj := &ExternalObject{
		Mass:      1,
		MOI:       r3.Vec{X: 1, Y: 1, Z: 1},
		InitOri:   quatIdentity(),
		Family:    ReservedFixedFamily,
		loadOrder: s.nExtLoads,
	}
	s.nExtLoads++
	s.externals = append(s.externals, obj)
	return obj
}

// AddBCPlane adds a fixed boundary plane as its own external object.
func (s *Solver) AddBCPlane(pos, normal r3.Vec, mat Material) *ExternalObject {
	obj := s.AddExternalObject()
	obj.AddPlane(pos, normal, mat)
	return obj
}

// AddTriMesh loads a mesh-represented object.
func (s *Solver) AddTriMesh(mesh *TriMesh) *TriMesh {
	mesh.loadOrder = s.nMeshLoads
	if mesh.InitOri == quatZero() {
		mesh.InitOri = quatIdentity()
	}
	s.nMeshLoads++
	s.meshes = append(s.meshes, mesh)
	return mesh
}

// Track returns a tracker over a clump batch's owner range.
func (s *Solver) Track(b *ClumpBatch) *Tracker {
	obj := &trackedObj{kind: trackClumpBatch, loadOrder: b.loadOrder}
	s.trackedObjs = append(s.trackedObjs, obj)
	return &Tracker{solver: s, obj: obj}
}

// TrackExternal returns a tracker over an external object's owner.
func (s *Solver) TrackExternal(o *ExternalObject) *Tracker {
	obj := &trackedObj{kind: trackExternalObject, loadOrder: o.loadOrder}
	s.trackedObjs = append(s.trackedObjs, obj)
	return &Tracker{solver: s, obj: obj}
}

// TrackMesh returns a tracker over a mesh's owner.
func (s *Solver) TrackMesh(m *TriMesh) *Tracker {
	obj := &trackedObj{kind: trackMesh, loadOrder: m.loadOrder}
	s.trackedObjs = append(s.trackedObjs, obj)
	return &Tracker{solver: s, obj: obj}
}

//
// Families
//

// DisableContactBetweenFamilies marks a user family pair as non-contacting.
// The two families may be equal, disabling self-contact.
func (s *Solver) DisableContactBetweenFamilies(a, b uint32) {
	s.noContactPairs = append(s.noContactPairs, familyPair{a: a, b: b})
}

// DisableFamilyOutput suppresses entities of a family from output files.
func (s *Solver) DisableFamilyOutput(family uint32) {
	s.noOutputFamilies[family] = true
}

// SetFamilyFixed prescribes zero velocity on all axes of a family,
// dictated.
func (s *Solver) SetFamilyFixed(family uint32) {
	s.prescriptionInputs = append(s.prescriptionInputs, fixedPrescription(family))
}

// SetFamilyPrescribedLinVel prescribes the linear velocity expressions of a
// family. dictate=true makes the prescription completely dictate the
// family's linear motion.
func (s *Solver) SetFamilyPrescribedLinVel(family uint32, velX, velY, velZ string, dictate bool) {
	p := emptyPrescription(family)
	p.LinVelX, p.LinVelY, p.LinVelZ = velX, velY, velZ
	p.LinVelDictate = dictate
	p.used = true
	s.prescriptionInputs = append(s.prescriptionInputs, p)
}

// SetFamilyPrescribedAngVel prescribes the angular velocity expressions of
// a family.
func (s *Solver) SetFamilyPrescribedAngVel(family uint32, velX, velY, velZ string, dictate bool) {
	p := emptyPrescription(family)
	p.RotVelX, p.RotVelY, p.RotVelZ = velX, velY, velZ
	p.RotVelDictate = dictate
	p.used = true
	s.prescriptionInputs = append(s.prescriptionInputs, p)
}

// SetFamilyPrescribedPosition prescribes the position expressions of a
// family, dictated.
func (s *Solver) SetFamilyPrescribedPosition(family uint32, posX, posY, posZ string) {
	p := emptyPrescription(family)
	p.LinPosX, p.LinPosY, p.LinPosZ = posX, posY, posZ
	p.LinPosDictate = true
	p.used = true
	s.prescriptionInputs = append(s.prescriptionInputs, p)
}

// SetFamilyPrescribedQuaternion prescribes the orientation of a family as a
// rotation-angle formula about the current spin axis, dictated.
func (s *Solver) SetFamilyPrescribedQuaternion(family uint32, formula string) {
	p := emptyPrescription(family)
	p.OriQ = formula
	p.RotPosDictate = true
	p.used = true
	s.prescriptionInputs = append(s.prescriptionInputs, p)
}

// ChangeFamilyWhen bakes a conditional family reassignment into the solver:
// owners move from one family to another whenever the condition expression
// holds, checked every step.
func (s *Solver) ChangeFamilyWhen(from, to uint32, condition string) {
	s.changeRules = append(s.changeRules, ChangeRule{From: from, To: to, Condition: condition})
}

// ChangeFamilyNow reassigns all owners of a family immediately. Both
// workers must be idle; mid-run calls are rejected.
func (s *Solver) ChangeFamilyNow(from, to uint32) error {
	if s.running {
		return newConfigError(ErrWorkersBusy, "ChangeFamilyNow requires both workers idle")
	}
	if s.state != stateReady {
		return newConfigError(ErrNotInitialized, "ChangeFamilyNow requires an initialized solver")
	}
	fromImpl, ok := s.famTable.userToImpl[from]
	if !ok {
		return newConfigError(ErrBadInput, "no entity belongs to family %d", from)
	}
	toImpl, ok := s.famTable.userToImpl[to]
	if !ok {
		return newConfigError(ErrBadInput,
			"family %d was never seen at initialization; re-initialize with it present first", to)
	}
	for i := range s.dT.state.family {
		if s.dT.state.family[i] == fromImpl {
			s.dT.state.family[i] = toImpl
		}
	}
	return nil
}

// PurgeFamily drops all owners of a family from the simulation: they are
// marked purged and stop participating in contact detection and
// integration. Their array slots stay allocated; no later call reclaims
// them.
func (s *Solver) PurgeFamily(family uint32) error {
	if s.running {
		return newConfigError(ErrWorkersBusy, "PurgeFamily requires both workers idle")
	}
	if s.state != stateReady {
		return newConfigError(ErrNotInitialized, "PurgeFamily requires an initialized solver")
	}
	impl, ok := s.famTable.userToImpl[family]
	if !ok {
		return newConfigError(ErrBadInput, "no entity belongs to family %d", family)
	}
	n := 0
	for i := range s.dT.state.family {
		if s.dT.state.family[i] == impl && s.dT.state.active[i] {
			s.dT.state.active[i] = false
			n++
		}
	}
	logrus.Infof("Purged %d owners of family %d", n, family)
	return nil
}

//
// Output policy
//

// SetClumpOutputMode chooses between per-sphere and per-owner output rows.
func (s *Solver) SetClumpOutputMode(mode out.Mode) { s.outMode = mode }

// SetOutputFormat chooses the dump encoding.
func (s *Solver) SetOutputFormat(format out.Format) { s.outFormat = format }

// SetOutputContent sets the field bitmask written to dumps.
func (s *Solver) SetOutputContent(content out.Content) { s.outContent = content }

//
// Initialization and runtime
//

func (s *Solver) initialized() bool { return s.state == stateReady }

// forceModelSource is the text woven into the force kernel: the custom
// snippet when one is installed, otherwise the stock model's name.
func (s *Solver) forceModelSource() string {
	if m, ok := s.model.(*CustomForceModel); ok {
		return m.source
	}
	return "builtin:" + s.model.Name()
}

// Initialize runs the preprocessor pipeline and brings the system to the
// ready state. Calling it again on an unchanged configuration reproduces
// the same internal template order, family remap and pair output.
func (s *Solver) Initialize() error {
	if err := s.validateUserInputs(); err != nil {
		return err
	}
	s.state = stateValidated

	s.matSet = NewMaterialSet()
	for _, m := range s.cachedMaterials {
		s.matSet.InsertOrFind(m)
	}

	s.processUserInputs()
	if err := s.figureOutWorld(); err != nil {
		return err
	}
	s.addWorldBoundingBox()

	s.preprocessClumpTemplates()
	s.preprocessAnalyticalObjs()
	s.preprocessTriangleObjs()
	s.state = stateTemplatesFlat

	famTable, err := buildFamilyTable(s.flatEntityFamilies, s.noContactPairs, s.prescriptionInputs, s.changeRules)
	if err != nil {
		return err
	}
	s.famTable = famTable
	s.state = stateFamiliesCompiled

	if err := s.decideBinSize(); err != nil {
		return err
	}
	if err := s.postResourceGenSanityCheck(); err != nil {
		return err
	}

	s.geo.matPair = buildMaterialPairTable(s.matSet)
	s.geo.mats = s.matSet
	s.initializeArrays()
	s.batchesUploaded = len(s.batches)
	s.state = stateArraysAllocated

	if err := s.specializeKernels(); err != nil {
		return err
	}
	s.state = stateKernelsSpecialized

	s.wireWorkers()
	s.reportInitStats()
	s.state = stateReady
	return nil
}

// wireWorkers hands the derived tables to both workers.
func (s *Solver) wireWorkers() {
	maxDrift := int64(s.updateFreq)
	if s.updateFreq < 0 {
		maxDrift = -1
	}
	s.hs.mu.Lock()
	s.hs.maxDrift = maxDrift
	s.hs.mu.Unlock()

	kt := s.kT
	kt.geo = s.geo
	kt.codec = s.codec
	kt.family = s.famTable
	kt.pres = s.pres
	kt.grid = s.grid
	kt.governor = s.governor
	kt.shouldSortPairs = s.shouldSortPairs || !s.model.Historyless()
	kt.maxGeomPerBin = s.maxGeomPerBin
	kt.kernelSources = s.kernelSources

	dt := s.dT
	dt.geo = s.geo
	dt.codec = s.codec
	dt.family = s.famTable
	dt.model = s.model
	dt.accum = s.accumMode
	dt.pres = s.pres
	dt.changeRules = s.cRules
	dt.avgContactsCeil = s.avgContactsCeil
	dt.integ = integrator{
		scheme:  s.scheme,
		gravity: s.gravity,
		dt:      s.dt,
		codec:   s.codec,
	}
}

// computeDTCycles rounds a call duration into integrator steps.
func (s *Solver) computeDTCycles(duration float64) int64 {
	return int64(math.Round(duration / s.dt))
}

// DoDynamics advances the simulation by the given duration without syncing
// kT and dT at the end; suitable for short calls interleaved with
// co-simulation.
func (s *Solver) DoDynamics(duration float64) error {
	if s.state != stateReady {
		return newConfigError(ErrNotInitialized, "call Initialize before DoDynamics")
	}
	n := s.computeDTCycles(duration)
	if n == 0 {
		return nil
	}

	// A kT goroutine from the previous call exits once it observes the
	// done flag; wait it out so exactly one runs.
	if s.ktLaunched {
		s.kTReport.awaitDone()
	}
	s.hs.resetDoneFlags()

	s.running = true
	defer func() { s.running = false }()

	var dtErr error
	go s.kT.run()
	s.ktLaunched = true
	go func() {
		dtErr = s.dT.run(n)
		s.dTReport.signalDone()
	}()

	s.dTReport.awaitDone()
	s.simTime = s.dT.simTime
	if dtErr == nil {
		// A kT failure dT never had to wait on still aborts the call.
		s.hs.mu.Lock()
		dtErr = s.hs.kTErr
		s.hs.mu.Unlock()
	}
	if dtErr != nil {
		// Coordinated shutdown: break the other worker's wait, join it,
		// and leave the system in a resettable state.
		s.hs.breakWaiting()
		s.syncWorkers()
		s.hs.resetFlags()
	}
	return dtErr
}

// DoDynamicsThenSync advances the simulation and synchronizes the workers
// on return: kT has observed and acknowledged dT's latest state.
func (s *Solver) DoDynamicsThenSync(duration float64) error {
	if err := s.DoDynamics(duration); err != nil {
		return err
	}
	s.ResetWorkerThreads()
	return nil
}

// DoStepDynamics advances exactly one time step.
func (s *Solver) DoStepDynamics() error { return s.DoDynamics(s.dt) }

// syncWorkers drains any in-flight kT work; used by inspectors and the
// sync barrier.
func (s *Solver) syncWorkers() {
	if s.ktLaunched {
		s.kTReport.awaitDone()
		s.ktLaunched = false
	}
}

// ResetWorkerThreads brings both workers back to their constructed state:
// blocking waits are released and per-call flags cleared. The collaboration
// log survives.
func (s *Solver) ResetWorkerThreads() {
	s.hs.breakWaiting()
	s.syncWorkers()
	s.hs.resetFlags()
}

// UpdateSimParams pushes changed solver preferences to the workers
// mid-simulation; no reallocation or respecialization happens.
func (s *Solver) UpdateSimParams() {
	if s.state != stateReady {
		return
	}
	s.wireWorkers()
}

// UpdateGPUArrays appends clump batches loaded after initialization to the
// worker arrays; slots of purged owners are not reclaimed. New templates or
// analytical entities still require re-initialization.
func (s *Solver) UpdateGPUArrays() error {
	if s.state != stateReady {
		return newConfigError(ErrNotInitialized, "call Initialize before UpdateGPUArrays")
	}
	if s.running {
		return newConfigError(ErrWorkersBusy, "UpdateGPUArrays requires both workers idle")
	}
	if s.batchesUploaded == len(s.batches) {
		return nil
	}
	newBatches := s.batches[s.batchesUploaded:]
	st := s.dT.state
	for _, b := range newBatches {
		for ci := 0; ci < b.NumClumps(); ci++ {
			t := b.Templates[ci]
			impl, ok := s.famTable.userToImpl[b.Families[ci]]
			if !ok {
				return newConfigError(ErrBadInput,
					"live-added clumps use family %d, which was not present at initialization", b.Families[ci])
			}
			owner := OwnerID(st.n)
			st.appendOwner()
			st.setPos(s.codec, owner, b.Pos[ci])
			st.oriQ[owner] = quatNormalize(b.OriQ[ci])
			st.vel[owner] = b.Vel[ci]
			st.angVel[owner] = b.AngVel[ci]
			st.family[owner] = impl
			st.massIdx[owner] = int32(t.mark)
			sp := &s.geo.spheres
			for c := 0; c < t.NumComp(); c++ {
				sp.owner = append(sp.owner, owner)
				sp.relPos = append(sp.relPos, t.RelPos[c])
				sp.radius = append(sp.radius, t.Radii[c])
				sp.mat = append(sp.mat, t.MatIDs[c])
				sp.n++
			}
			s.counts.clumps++
			s.counts.owners++
			s.counts.spheres += t.NumComp()
		}
	}
	s.batchesUploaded = len(s.batches)
	return nil
}

// ClearCache removes the host-side cached user inputs so the system can be
// re-defined and re-initialized.
func (s *Solver) ClearCache() {
	s.state = stateUninitialized
	s.cachedMaterials = nil
	s.templates = nil
	s.batches = nil
	s.batchesUploaded = 0
	s.externals = nil
	s.meshes = nil
	s.noContactPairs = nil
	s.prescriptionInputs = nil
	s.changeRules = nil
	s.trackedObjs = nil
	s.flatEntityFamilies = nil
	s.reservedFixedInstalled = false
	s.boundingBoxObj = nil
	s.jit.clear()
}

// ReleaseFlattenedArrays frees the intermediate flattened buffers kept only
// for initialization transfers and diagnostics.
func (s *Solver) ReleaseFlattenedArrays() {
	s.flatEntityFamilies = nil
	s.kernelSources = nil
}

//
// Stats
//

// ShowThreadCollaborationStats logs the kT--dT co-op counters.
func (s *Solver) ShowThreadCollaborationStats() {
	st := s.hs.snapshotStats()
	logrus.Infof("~~ kT--dT CO-OP STATISTICS ~~")
	logrus.Infof("Number of dynamic updates: %d", st.DynamicUpdates)
	logrus.Infof("Number of kinematic updates: %d", st.KinematicUpdates)
	logrus.Infof("Number of times dynamic held back: %d", st.DynamicHeldBack)
	logrus.Infof("Number of times kinematic held back: %d", st.KinematicHeldBack)
	p50, p95 := s.hs.driftPercentiles()
	logrus.Infof("Drift at pair adoption: mean %.2f, p50 %.1f, p95 %.1f steps",
		s.hs.averageDrift(), p50, p95)
}

// ThreadCollaborationStats returns the co-op counters.
func (s *Solver) ThreadCollaborationStats() CollaborationStats { return s.hs.snapshotStats() }

// ClearThreadCollaborationStats zeroes the co-op counters and drift
// history.
func (s *Solver) ClearThreadCollaborationStats() { s.hs.clearStats() }

// ShowTimingStats logs wall time per solver task.
func (s *Solver) ShowTimingStats() { s.timing.report() }

// ClearTimingStats resets the wall-time accounting.
func (s *Solver) ClearTimingStats() { s.timing.clear() }

// AverageDrift returns the mean pair-list staleness in dT steps.
func (s *Solver) AverageDrift() float64 { return s.hs.averageDrift() }

// Anomalies returns the recorded non-fatal warnings, oldest first.
func (s *Solver) Anomalies() []string { return s.anomalies.all() }

// ClearAnomalies empties the anomaly ring.
func (s *Solver) ClearAnomalies() { s.anomalies.clear() }

// SimTime returns the accumulated simulated time.
func (s *Solver) SimTime() float64 { return s.simTime }

// NumOwners returns the owner count after initialization.
func (s *Solver) NumOwners() int { return s.counts.owners }

//
// Owner state access
//

// GetOwnerPosition returns an owner's CoM position.
func (s *Solver) GetOwnerPosition(id OwnerID) r3.Vec {
	return s.dT.state.pos(s.codec, id)
}

// GetOwnerVelocity returns an owner's linear velocity.
func (s *Solver) GetOwnerVelocity(id OwnerID) r3.Vec { return s.dT.state.vel[id] }

// GetOwnerAngVel returns an owner's angular velocity (owner-local frame).
func (s *Solver) GetOwnerAngVel(id OwnerID) r3.Vec { return s.dT.state.angVel[id] }

// GetOwnerOriQ returns an owner's orientation quaternion.
func (s *Solver) GetOwnerOriQ(id OwnerID) quat.Number { return s.dT.state.oriQ[id] }

// SetOwnerPosition repositions an owner.
func (s *Solver) SetOwnerPosition(id OwnerID, p r3.Vec) { s.dT.state.setPos(s.codec, id, p) }

// SetOwnerVelocity sets an owner's linear velocity.
func (s *Solver) SetOwnerVelocity(id OwnerID, v r3.Vec) { s.dT.state.vel[id] = v }

// SetOwnerAngVel sets an owner's angular velocity (owner-local frame).
func (s *Solver) SetOwnerAngVel(id OwnerID, w r3.Vec) { s.dT.state.angVel[id] = w }

// SetOwnerOriQ sets an owner's orientation quaternion.
func (s *Solver) SetOwnerOriQ(id OwnerID, q quat.Number) { s.dT.state.oriQ[id] = quatNormalize(q) }

// AddForce applies an extra force to an owner for the next time step.
func (s *Solver) AddForce(id OwnerID, f r3.Vec) {
	s.dT.state.extraForce[id] = r3.Add(s.dT.state.extraForce[id], f)
}

// SetOwnerWildcard sets a named per-owner scalar, allocating the array on
// first use.
func (s *Solver) SetOwnerWildcard(name string, id OwnerID, v float64) {
	st := s.dT.state
	arr, ok := st.wildcards[name]
	if !ok {
		arr = make([]float64, st.n)
		st.wildcards[name] = arr
	}
	arr[id] = v
}

// GetOwnerWildcard reads a named per-owner scalar; zero when the wildcard
// was never set.
func (s *Solver) GetOwnerWildcard(name string, id OwnerID) float64 {
	if arr, ok := s.dT.state.wildcards[name]; ok {
		return arr[id]
	}
	return 0
}

// GetTotalKineticEnergy returns the kinetic energy of all active owners.
func (s *Solver) GetTotalKineticEnergy() float64 {
	if s.state != stateReady {
		return 0
	}
	return s.dT.kineticEnergy()
}

//
// Persistence
//

// WriteClumpFile dumps the current clump state using the configured output
// mode, format and content.
func (s *Solver) WriteClumpFile(path string) error {
	if s.state != stateReady {
		return newConfigError(ErrNotInitialized, "call Initialize before WriteClumpFile")
	}
	names := s.wildcardNames()
	rows := s.collectOutputRows(names)
	return out.WriteFile(path, s.outFormat, s.outMode, s.outContent, names, rows)
}

// wildcardNames returns the per-owner wildcard names in a stable (sorted)
// order, so dump columns and Row.Wildcards always line up.
func (s *Solver) wildcardNames() []string {
	st := s.dT.state
	names := make([]string, 0, len(st.wildcards))
	for name := range st.wildcards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// collectOutputRows flattens the owner state into output rows, honoring the
// output mode and the per-family suppression set. wildcardNames fixes the
// order of the Wildcards column values.
func (s *Solver) collectOutputRows(wildcardNames []string) []out.Row {
	st := s.dT.state
	var rows []out.Row
	emitOwner := func(o OwnerID, pos r3.Vec, mat int, radius float64) {
		userFam := s.famTable.implToUser[st.family[o]]
		if s.noOutputFamilies[userFam] {
			return
		}
		q := st.oriQ[o]
		v := st.vel[o]
		w := st.angVel[o]
		row := out.Row{
			X: pos.X, Y: pos.Y, Z: pos.Z,
			QW: q.Real, QX: q.Imag, QY: q.Jmag, QZ: q.Kmag,
			VX: v.X, VY: v.Y, VZ: v.Z,
			WX: w.X, WY: w.Y, WZ: w.Z,
			AbsV:     r3.Norm(v),
			Family:   userFam,
			Material: mat,
			Radius:   radius,
		}
		if s.outContent&out.ContentWildcards != 0 && len(wildcardNames) > 0 {
			row.Wildcards = make([]float64, len(wildcardNames))
			for i, name := range wildcardNames {
				row.Wildcards[i] = st.wildcards[name][o]
			}
		}
		rows = append(rows, row)
	}
	if s.outMode == out.ModeSphere {
		sp := &s.geo.spheres
		for i := 0; i < sp.n; i++ {
			o := sp.owner[i]
			if !st.active[o] {
				continue
			}
			c := r3.Add(st.pos(s.codec, o), rotateVec(st.oriQ[o], sp.relPos[i]))
			emitOwner(o, c, int(sp.mat[i]), sp.radius[i])
		}
		return rows
	}
	for o := 0; o < st.n; o++ {
		if !st.active[o] {
			continue
		}
		// Owner rows only cover clumps; analytical objects and meshes
		// carry their own dump paths.
		if int(st.massIdx[o]) >= len(s.templates) {
			continue
		}
		emitOwner(OwnerID(o), st.pos(s.codec, OwnerID(o)), -1, 0)
	}
	return rows
}

// LoadClumpStateCSV restores owner positions, orientations and velocities
// of clump owners from a clump-mode CSV dump, for deterministic restarts.
func (s *Solver) LoadClumpStateCSV(path string) error {
	if s.state != stateReady {
		return newConfigError(ErrNotInitialized, "call Initialize before loading a clump state")
	}
	rows, err := out.ReadCSVFile(path)
	if err != nil {
		return newConfigError(ErrBadInput, "%v", err)
	}
	st := s.dT.state
	if len(rows) != s.counts.clumps {
		return newConfigError(ErrBadInput,
			"dump carries %d rows but the system has %d clumps", len(rows), s.counts.clumps)
	}
	for i, row := range rows {
		o := OwnerID(i)
		st.setPos(s.codec, o, r3.Vec{X: row.X, Y: row.Y, Z: row.Z})
		if row.QW != 0 || row.QX != 0 || row.QY != 0 || row.QZ != 0 {
			st.oriQ[o] = quatNormalize(quat.Number{Real: row.QW, Imag: row.QX, Jmag: row.QY, Kmag: row.QZ})
		}
		st.vel[o] = r3.Vec{X: row.VX, Y: row.VY, Z: row.VZ}
		st.angVel[o] = r3.Vec{X: row.WX, Y: row.WY, Z: row.WZ}
	}
	s.dT.history.reset()
	return nil
}
