package dem

import (
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/grainflow/grainflow/dem/accel"
)

// ForceAccumulation selects how per-pair contributions land on the owner
// force accumulators.
type ForceAccumulation uint8

const (
	// AccumulateScatter adds each contribution under striped locks as it
	// is produced.
	AccumulateScatter ForceAccumulation = iota
	// AccumulateSortReduce sorts contributions by owner and reduces each
	// segment sequentially; deterministic order, needs sorted pairs.
	AccumulateSortReduce
)

// contactResult is one pair's narrow-phase output, produced in parallel and
// folded into owner accumulators afterwards.
type contactResult struct {
	valid   bool
	ownerA  OwnerID
	ownerB  OwnerID
	point   r3.Vec
	force   r3.Vec // on A; B gets the negation
	torqueA r3.Vec
	torqueB r3.Vec

	histKey uint64
	newHist [3]float64
	hasHist bool
}

// dynamicWorker (dT) owns the writable owner state: narrow phase, force
// evaluation, integration, family sweep and output extraction all happen
// here, against the most recent pair list adopted from kT.
type dynamicWorker struct {
	hs     *handshake
	report *reportChannel
	stream *accel.Stream
	timing *timingStats

	geo    *geomTables
	codec  *VoxelCodec
	family *familyTable

	state *ownerState

	model   ForceModel
	history *contactHistory
	accum   ForceAccumulation

	integ       integrator
	pres        []compiledPrescription
	changeRules []compiledChangeRule

	// ktPeer lets dT observe kT idleness for opportunistic hand-offs.
	ktPeer *kinematicWorker

	// Current pair list and the dT step its snapshot was taken at. The
	// drift bound itself lives in the handshake, where the adaptive
	// governor may retune it between rounds.
	pairs           *pairList
	dtStep          int64
	snapshotStep    int64
	cyclesThisCall  int64
	simTime         float64
	avgContactsCeil float64
	workerState     atomic.Int32
	scatterLocks    [64]sync.Mutex
	results         []contactResult
}

func (dt *dynamicWorker) setState(s workerState) { dt.workerState.Store(int32(s)) }

// run executes nCycles integrator steps, cooperating with kT through the
// handshake. Returns the first fatal error from either side.
func (dt *dynamicWorker) run(nCycles int64) error {
	defer dt.setState(workerIdle)
	dt.cyclesThisCall = nCycles

	kt := dt.ktPeer
	if dt.pairs == nil {
		// First cycle ever: no pair list exists, so hand kT the initial
		// state and block for the first detection round.
		dt.publishState()
		dt.setState(workerWaitingForInput)
		p, err := dt.hs.waitForPairs()
		if err != nil {
			return err
		}
		if p == nil {
			dt.setState(workerBreaking)
			return nil
		}
		dt.adoptPairs(p)
	}
	for cycle := int64(0); cycle < nCycles; cycle++ {
		dt.setState(workerRunning)

		// Adopt a fresh pair list whenever kT delivered one.
		if p, ok := dt.hs.tryConsumePairs(); ok {
			dt.adoptPairs(p)
		}

		if err := dt.step(); err != nil {
			return err
		}
		dt.dtStep++
		dt.simTime += dt.integ.dt

		last := cycle == nCycles-1
		drift := dt.dtStep - dt.snapshotStep
		maxDrift := dt.hs.currentMaxDrift()

		if last {
			// The done flag is raised before the final publication so a
			// kT blocked on state is released either way.
			dt.hs.setDynamicDone()
			dt.publishState()
			break
		}

		if maxDrift >= 0 && drift >= maxDrift {
			// The physics may not stretch further into the future than
			// the pair list allows. Adopt a list that already arrived;
			// otherwise hand our state to kT if it is starved (a busy kT
			// is already producing one) and block for the fresh list.
			if p, ok := dt.hs.tryConsumePairs(); ok {
				dt.adoptPairs(p)
				continue
			}
			if kt == nil || kt.idle() {
				dt.publishState()
			}
			dt.setState(workerWaitingForInput)
			p, err := dt.hs.waitForPairs()
			if err != nil {
				return err
			}
			if p == nil {
				// Broken out of the wait (reset/teardown).
				dt.setState(workerBreaking)
				return nil
			}
			dt.adoptPairs(p)
		} else if kt != nil && kt.idle() && dt.hs.stateConsumed() &&
			(maxDrift < 0 || drift >= maxDrift-1) {
			// Opportunistic hand-off: kT is starved, our state is newer
			// than anything it has seen, and the next pair list is about
			// to be needed anyway.
			dt.publishState()
		}
	}
	return nil
}

func (dt *dynamicWorker) adoptPairs(p *pairList) {
	dt.pairs = p
	dt.snapshotStep = p.fromDTStep
	dt.hs.recordDrift(dt.dtStep - p.fromDTStep)
}

// publishState snapshots the current owner state for kT.
func (dt *dynamicWorker) publishState() {
	dt.setState(workerPublishing)
	var snap *stateSnapshot
	dt.timing.timed("dT state publish", func() {
		snap = dt.snapshot()
	})
	dt.hs.publishState(snap)
}

// snapshot deep-copies the owner state arrays kT reads.
func (dt *dynamicWorker) snapshot() *stateSnapshot {
	s := dt.state
	snap := &stateSnapshot{
		voxel:  append([]VoxelID(nil), s.voxel...),
		subPos: append([]r3.Vec(nil), s.subPos...),
		oriQ:   append([]quat.Number(nil), s.oriQ...),
		vel:    append([]r3.Vec(nil), s.vel...),
		angVel: append([]r3.Vec(nil), s.angVel...),
		family: append([]FamilyTag(nil), s.family...),
		active: append([]bool(nil), s.active...),
		dtStep: dt.dtStep,
	}
	for _, v := range s.vel {
		if n := r3.Norm(v); n > snap.maxVel {
			snap.maxVel = n
		}
	}
	return snap
}

// step runs one narrow-phase + integration cycle against the current pair
// list.
func (dt *dynamicWorker) step() error {
	if dt.pairs != nil && len(dt.pairs.pairs) > 0 {
		if err := dt.contactPass(); err != nil {
			return err
		}
	}
	dt.timing.timed("dT integration", func() {
		n := dt.state.n
		dt.stream.For(n, func(i int) {
			if !dt.state.active[i] {
				return
			}
			pres := &dt.pres[dt.state.family[i]]
			dt.integ.stepLinear(dt.state, dt.geo.mass, OwnerID(i), pres, dt.simTime)
			dt.integ.stepAngular(dt.state, dt.geo.mass, OwnerID(i), pres, dt.simTime)
		})
		if len(dt.changeRules) > 0 {
			for i := 0; i < n; i++ {
				if dt.state.active[i] {
					applyFamilyChanges(dt.state, dt.codec, dt.changeRules, OwnerID(i), dt.simTime)
				}
			}
		}
	})
	if !dt.model.Historyless() {
		dt.history.advance()
	}
	return nil
}

// contactPass evaluates all candidate pairs and accumulates forces and
// torques onto the owners.
func (dt *dynamicWorker) contactPass() error {
	pairs := dt.pairs.pairs
	if dt.avgContactsCeil > 0 && dt.geo.spheres.n > 0 {
		avg := float64(len(pairs)) / float64(dt.geo.spheres.n)
		if avg > dt.avgContactsCeil {
			return &ConfigError{
				Kind:    ErrContactOverflow,
				Detail:  "average contacts per sphere exceeded the configured threshold",
				Count:   uint64(len(pairs)),
				Ceiling: uint64(dt.avgContactsCeil * float64(dt.geo.spheres.n)),
				Cycle:   dt.dtStep,
			}
		}
	}

	if cap(dt.results) < len(pairs) {
		dt.results = make([]contactResult, len(pairs))
	}
	results := dt.results[:len(pairs)]

	dt.timing.timed("dT narrow phase", func() {
		dt.stream.For(len(pairs), func(i int) {
			results[i] = dt.evaluatePair(pairs[i])
		})
	})

	dt.timing.timed("dT force accumulate", func() {
		switch dt.accum {
		case AccumulateSortReduce:
			dt.reduceAccumulate(results)
		default:
			dt.scatterAccumulate(results)
		}
	})

	// History write-back is sequential: the map is not sharded.
	if !dt.model.Historyless() {
		for i := range results {
			if results[i].valid && results[i].hasHist {
				dt.history.store(results[i].histKey, results[i].newHist)
			}
		}
	}
	return nil
}

// evaluatePair runs geometry + force model for one candidate.
func (dt *dynamicWorker) evaluatePair(p ContactPair) contactResult {
	s := dt.state
	geo := dt.geo

	sa := int(p.GeoA)
	ownerA := geo.spheres.owner[sa]
	if !s.active[ownerA] {
		return contactResult{}
	}
	posA := s.pos(dt.codec, ownerA)
	qA := s.oriQ[ownerA]
	centerA := r3.Add(posA, rotateVec(qA, geo.spheres.relPos[sa]))
	radiusA := geo.spheres.radius[sa]
	matA := int(geo.spheres.mat[sa])

	var (
		cg     contactGeom
		ok     bool
		ownerB OwnerID
		matB   int
	)
	switch p.Kind {
	case SphereSphere:
		sb := int(p.GeoB)
		ownerB = geo.spheres.owner[sb]
		if !s.active[ownerB] {
			return contactResult{}
		}
		posB := s.pos(dt.codec, ownerB)
		centerB := r3.Add(posB, rotateVec(s.oriQ[ownerB], geo.spheres.relPos[sb]))
		cg, ok = sphereSphereContact(centerA, radiusA, centerB, geo.spheres.radius[sb])
		matB = int(geo.spheres.mat[sb])
	case SphereAnalytical:
		ai := int(p.GeoB)
		ownerB = geo.anal.owner[ai]
		if !s.active[ownerB] {
			return contactResult{}
		}
		posB := s.pos(dt.codec, ownerB)
		qB := s.oriQ[ownerB]
		compPos := r3.Add(posB, rotateVec(qB, geo.anal.relPos[ai]))
		compRot := rotateVec(qB, geo.anal.rot[ai])
		switch geo.anal.kind[ai] {
		case ObjPlane:
			cg, ok = spherePlaneContact(centerA, radiusA, compPos, compRot)
		case ObjPlate:
			cg, ok = spherePlateContact(centerA, radiusA, compPos, compRot, geo.anal.size1[ai], geo.anal.size2[ai])
		default:
			cg, ok = sphereCylinderContact(centerA, radiusA, compPos, compRot,
				geo.anal.size1[ai], geo.anal.size3[ai], geo.anal.normal[ai])
		}
		matB = int(geo.anal.mat[ai])
	case SphereTriangle:
		ti := int(p.GeoB)
		ownerB = geo.tris.owner[ti]
		if !s.active[ownerB] {
			return contactResult{}
		}
		posB := s.pos(dt.codec, ownerB)
		qB := s.oriQ[ownerB]
		tri := Triangle{
			P1: r3.Add(posB, rotateVec(qB, geo.tris.p1[ti])),
			P2: r3.Add(posB, rotateVec(qB, geo.tris.p2[ti])),
			P3: r3.Add(posB, rotateVec(qB, geo.tris.p3[ti])),
		}
		cg, ok = sphereTriangleContact(centerA, radiusA, tri)
		matB = int(geo.tris.mat[ti])
	default:
		return contactResult{}
	}
	if !ok {
		return contactResult{}
	}

	// The family mask may have changed since the broad phase ran;
	// re-check against the current tags.
	if !dt.family.maskAllows(s.family[ownerA], s.family[ownerB]) {
		return contactResult{}
	}

	// Relative velocity at the contact point.
	posB := s.pos(dt.codec, ownerB)
	wA := rotateVec(qA, s.angVel[ownerA])
	wB := rotateVec(s.oriQ[ownerB], s.angVel[ownerB])
	vA := r3.Add(s.vel[ownerA], r3.Cross(wA, r3.Sub(cg.point, posA)))
	vB := r3.Add(s.vel[ownerB], r3.Cross(wB, r3.Sub(cg.point, posB)))
	relVel := r3.Sub(vA, vB)
	vn := r3.Scale(r3.Dot(relVel, cg.normal), cg.normal)
	vt := r3.Sub(relVel, vn)

	mA := dt.geo.mass.mass[s.massIdx[ownerA]]
	mB := dt.geo.mass.mass[s.massIdx[ownerB]]
	effMass := effectivePair(mA, mB)
	rB := radiusA // analytical and facet surfaces act as flat: R* = rA
	if p.Kind == SphereSphere {
		rB = geo.spheres.radius[int(p.GeoB)]
		rB = radiusA * rB / (radiusA + rB)
	}

	ctx := ContactContext{
		Dt:          dt.integ.dt,
		Penetration: cg.depth,
		Normal:      cg.normal,
		Point:       cg.point,
		RelVel:      relVel,
		RelVelN:     vn,
		RelVelT:     vt,
		RelAngVel:   r3.Sub(wA, wB),
		EffMass:     effMass,
		EffRadius:   rB,
		Mat:         dt.geo.matPair.at(matA, matB),
	}

	res := contactResult{
		valid:  true,
		ownerA: ownerA,
		ownerB: ownerB,
		point:  cg.point,
	}
	if !dt.model.Historyless() {
		key := pairSortKey(p)
		if h, found := dt.history.lookup(key); found {
			hc := h
			ctx.History = &hc
		}
		res.histKey = key
		res.hasHist = true
	}

	out := dt.model.Evaluate(&ctx)
	res.force = out.Force
	res.newHist = out.NewHistory
	res.torqueA = r3.Add(r3.Cross(r3.Sub(cg.point, posA), out.Force), out.RollingTorque)
	res.torqueB = r3.Add(r3.Cross(r3.Sub(cg.point, posB), r3.Scale(-1, out.Force)), r3.Scale(-1, out.RollingTorque))
	return res
}

func effectivePair(a, b float64) float64 {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	return a * b / (a + b)
}

// scatterAccumulate adds contributions under striped locks.
func (dt *dynamicWorker) scatterAccumulate(results []contactResult) {
	s := dt.state
	dt.stream.For(len(results), func(i int) {
		r := &results[i]
		if !r.valid {
			return
		}
		la := &dt.scatterLocks[int(r.ownerA)&63]
		la.Lock()
		s.force[r.ownerA] = r3.Add(s.force[r.ownerA], r.force)
		s.torque[r.ownerA] = r3.Add(s.torque[r.ownerA], r.torqueA)
		la.Unlock()
		lb := &dt.scatterLocks[int(r.ownerB)&63]
		lb.Lock()
		s.force[r.ownerB] = r3.Sub(s.force[r.ownerB], r.force)
		s.torque[r.ownerB] = r3.Add(s.torque[r.ownerB], r.torqueB)
		lb.Unlock()
	})
}

// reduceAccumulate sorts (owner, contribution) records by owner and reduces
// each segment in order, giving a deterministic summation order.
func (dt *dynamicWorker) reduceAccumulate(results []contactResult) {
	type contrib struct {
		force  r3.Vec
		torque r3.Vec
	}
	n := 0
	for i := range results {
		if results[i].valid {
			n++
		}
	}
	keys := make([]uint64, 0, 2*n)
	recs := make([]contrib, 0, 2*n)
	for i := range results {
		r := &results[i]
		if !r.valid {
			continue
		}
		keys = append(keys, uint64(r.ownerA))
		recs = append(recs, contrib{force: r.force, torque: r.torqueA})
		keys = append(keys, uint64(r.ownerB))
		recs = append(recs, contrib{force: r3.Scale(-1, r.force), torque: r.torqueB})
	}
	idx := make([]int32, len(keys))
	for i := range idx {
		idx[i] = int32(i)
	}
	accel.SortPairs(keys, idx)
	s := dt.state
	for _, run := range accel.RunLengthEncode(keys) {
		owner := OwnerID(run.Key)
		var f, tq r3.Vec
		for k := run.Start; k < run.Start+run.Count; k++ {
			c := &recs[idx[k]]
			f = r3.Add(f, c.force)
			tq = r3.Add(tq, c.torque)
		}
		s.force[owner] = r3.Add(s.force[owner], f)
		s.torque[owner] = r3.Add(s.torque[owner], tq)
	}
}

// kineticEnergy sums translational and rotational energy over active
// owners, in a read-only pass.
func (dt *dynamicWorker) kineticEnergy() float64 {
	s := dt.state
	per := make([]float64, s.n)
	dt.stream.For(s.n, func(i int) {
		if !s.active[i] {
			return
		}
		m := dt.geo.mass.mass[s.massIdx[i]]
		moi := dt.geo.mass.moi[s.massIdx[i]]
		v2 := norm2(s.vel[i])
		w := s.angVel[i]
		per[i] = 0.5*m*v2 + 0.5*(moi.X*w.X*w.X+moi.Y*w.Y*w.Y+moi.Z*w.Z*w.Z)
	})
	return accel.ReduceSum(dt.stream, per)
}

// maxAbsVelocity returns the largest body speed, used by margin auditing
// and the clump_max_absv inspector.
func (dt *dynamicWorker) maxAbsVelocity() float64 {
	s := dt.state
	per := make([]float64, s.n)
	dt.stream.For(s.n, func(i int) {
		if s.active[i] {
			per[i] = r3.Norm(s.vel[i])
		}
	})
	v, ok := accel.ReduceMax(dt.stream, per)
	if !ok {
		return 0
	}
	return v
}
