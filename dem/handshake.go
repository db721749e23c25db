package dem

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// stateSnapshot is the dT→kT message: the most recent integrated owner
// state, tagged with the dT step it was taken at and the largest body speed
// (for margin auditing).
type stateSnapshot struct {
	voxel  []VoxelID
	subPos []r3.Vec
	oriQ   []quat.Number
	vel    []r3.Vec
	angVel []r3.Vec
	family []FamilyTag
	active []bool

	dtStep int64
	maxVel float64
}

// CollaborationStats counts worker hand-offs. Reset only on explicit user
// request, never by ResetWorkerThreads.
type CollaborationStats struct {
	DynamicUpdates    int64
	KinematicUpdates  int64
	DynamicHeldBack   int64
	KinematicHeldBack int64
}

// handshake is the coordination state shared by the coordinator, the
// kinematic worker and the dynamic worker: one single-slot buffer per
// direction, a fresh flag per direction toggled under the same mutex as the
// buffer write, the drift accounting, and the cooperative cancellation
// flags. It is the only object both workers touch.
type handshake struct {
	mu sync.Mutex
	// stateFresh guards the dT→kT buffer; pairsFresh the kT→dT buffer.
	stateCond *sync.Cond
	pairsCond *sync.Cond

	stateBuf   *stateSnapshot
	stateFresh bool

	pairsBuf   *pairList
	pairsFresh bool

	// dynamicDone releases a kT blocked on state when the run ends.
	dynamicDone bool
	// breakKT / breakDT release blocking waits during reset/teardown.
	breakKT bool
	breakDT bool

	// kTErr carries a fatal broad-phase failure to the coordinator.
	kTErr error

	// maxDrift is the allowed dT lead in steps over the snapshot its pair
	// list was computed from. Negative means unbounded. The adaptive
	// governor may retune it between broad-phase rounds, so reads go
	// through currentMaxDrift.
	maxDrift int64

	stats CollaborationStats

	// driftWindow records the drift at each pair-list adoption; survives
	// per-call resets so long-run tuning can read it.
	driftWindow []float64
}

func newHandshake(maxDrift int64) *handshake {
	h := &handshake{maxDrift: maxDrift}
	h.stateCond = sync.NewCond(&h.mu)
	h.pairsCond = sync.NewCond(&h.mu)
	return h
}

// publishState hands a snapshot to kT, overwriting any unconsumed one (kT
// only ever wants the most recent state) and waking a waiting kT.
func (h *handshake) publishState(s *stateSnapshot) {
	h.mu.Lock()
	h.stateBuf = s
	h.stateFresh = true
	h.stats.DynamicUpdates++
	h.mu.Unlock()
	h.stateCond.Signal()
}

// setDynamicDone marks the run finished and releases any blocked kT.
func (h *handshake) setDynamicDone() {
	h.mu.Lock()
	h.dynamicDone = true
	h.mu.Unlock()
	h.stateCond.Signal()
}

// waitForState blocks kT until fresh state, done, or break. Returns the
// snapshot (nil when released without input).
func (h *handshake) waitForState() *stateSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stateFresh && !h.dynamicDone && !h.breakKT {
		h.stats.KinematicHeldBack++
	}
	for !h.stateFresh && !h.dynamicDone && !h.breakKT {
		h.stateCond.Wait()
	}
	if h.breakKT || (!h.stateFresh && h.dynamicDone) {
		return nil
	}
	s := h.stateBuf
	h.stateFresh = false
	return s
}

// stateConsumed reports whether kT has taken the last published snapshot.
func (h *handshake) stateConsumed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stateFresh
}

// publishPairs delivers a pair list to dT and wakes it if blocked on drift.
func (h *handshake) publishPairs(p *pairList) {
	h.mu.Lock()
	h.pairsBuf = p
	h.pairsFresh = true
	h.stats.KinematicUpdates++
	h.mu.Unlock()
	h.pairsCond.Signal()
}

// failKinematic aborts the current cycle with a fatal broad-phase error and
// releases a dT blocked on pair data.
func (h *handshake) failKinematic(err error) {
	h.mu.Lock()
	h.kTErr = err
	h.mu.Unlock()
	h.pairsCond.Signal()
}

// tryConsumePairs swaps in a fresh pair list without blocking. Second
// return is false when nothing fresh is available.
func (h *handshake) tryConsumePairs() (*pairList, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pairsFresh {
		return nil, false
	}
	p := h.pairsBuf
	h.pairsFresh = false
	return p, true
}

// waitForPairs blocks dT until a fresh pair list, a kT failure, or break.
func (h *handshake) waitForPairs() (*pairList, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pairsFresh && h.kTErr == nil && !h.breakDT {
		h.stats.DynamicHeldBack++
	}
	for !h.pairsFresh && h.kTErr == nil && !h.breakDT {
		h.pairsCond.Wait()
	}
	if h.kTErr != nil {
		return nil, h.kTErr
	}
	if h.breakDT {
		return nil, nil
	}
	p := h.pairsBuf
	h.pairsFresh = false
	return p, nil
}

// currentMaxDrift returns the drift bound in force.
func (h *handshake) currentMaxDrift() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxDrift
}

// setMaxDrift installs a retuned drift bound; dT picks it up on its next
// cycle. An unbounded (negative) configuration is never overwritten.
func (h *handshake) setMaxDrift(d int64) {
	h.mu.Lock()
	if h.maxDrift > 0 && d > 0 {
		h.maxDrift = d
	}
	h.mu.Unlock()
}

// recordDrift notes the staleness (in dT steps) of the pair list adopted at
// a step.
func (h *handshake) recordDrift(drift int64) {
	h.mu.Lock()
	h.driftWindow = append(h.driftWindow, float64(drift))
	if len(h.driftWindow) > 1024 {
		h.driftWindow = h.driftWindow[len(h.driftWindow)-1024:]
	}
	h.mu.Unlock()
}

// averageDrift returns the mean of the recorded drift window.
func (h *handshake) averageDrift() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.driftWindow) == 0 {
		return 0
	}
	return stat.Mean(h.driftWindow, nil)
}

// driftPercentiles returns the p50 and p95 of the recorded drift window.
func (h *handshake) driftPercentiles() (p50, p95 float64) {
	h.mu.Lock()
	sorted := append([]float64(nil), h.driftWindow...)
	h.mu.Unlock()
	sort.Float64s(sorted)
	return percentile(sorted, 50), percentile(sorted, 95)
}

// breakWaiting releases both workers from any blocking wait. Buffers and
// stats are left alone.
func (h *handshake) breakWaiting() {
	h.mu.Lock()
	h.breakKT = true
	h.breakDT = true
	h.mu.Unlock()
	h.stateCond.Broadcast()
	h.pairsCond.Broadcast()
}

// resetDoneFlags clears only the end-of-run and break flags, preserving
// any fresh buffer so the next call starts from the newest data.
func (h *handshake) resetDoneFlags() {
	h.mu.Lock()
	h.dynamicDone = false
	h.breakKT = false
	h.breakDT = false
	h.kTErr = nil
	h.mu.Unlock()
}

// resetFlags drains both buffers and clears the per-call flags, keeping the
// collaboration stats and the drift history. Called from the sync barrier
// and from worker reset.
func (h *handshake) resetFlags() {
	h.mu.Lock()
	h.stateFresh = false
	h.pairsFresh = false
	h.dynamicDone = false
	h.breakKT = false
	h.breakDT = false
	h.kTErr = nil
	h.mu.Unlock()
}

// snapshotStats returns a copy of the collaboration counters.
func (h *handshake) snapshotStats() CollaborationStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// clearStats zeroes the collaboration counters and drift history.
func (h *handshake) clearStats() {
	h.mu.Lock()
	h.stats = CollaborationStats{}
	h.driftWindow = h.driftWindow[:0]
	h.mu.Unlock()
}

// reportChannel lets a worker signal the coordinator that a user call has
// completed, mirroring the main-thread interaction channel pattern.
type reportChannel struct {
	mu           sync.Mutex
	cond         *sync.Cond
	userCallDone bool
}

func newReportChannel() *reportChannel {
	rc := &reportChannel{}
	rc.cond = sync.NewCond(&rc.mu)
	return rc
}

// signalDone marks the worker's current user call complete.
func (rc *reportChannel) signalDone() {
	rc.mu.Lock()
	rc.userCallDone = true
	rc.mu.Unlock()
	rc.cond.Signal()
}

// awaitDone blocks the coordinator until the worker reports, then rearms.
func (rc *reportChannel) awaitDone() {
	rc.mu.Lock()
	for !rc.userCallDone {
		rc.cond.Wait()
	}
	rc.userCallDone = false
	rc.mu.Unlock()
}
