package dem

import (
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/grainflow/grainflow/dem/accel"
)

// kinematicWorker (kT) is the contact-detection side of the co-simulation:
// it consumes owner-state snapshots released by the dynamic worker, runs
// the broad phase, and publishes candidate pair lists. It never writes
// owner state.
type kinematicWorker struct {
	hs     *handshake
	report *reportChannel
	stream *accel.Stream
	timing *timingStats

	// Read-only shared tables after initialization.
	geo    *geomTables
	codec  *VoxelCodec
	family *familyTable
	pres   []compiledPrescription

	grid     binGrid
	governor *marginGovernor

	shouldSortPairs bool
	maxGeomPerBin   int

	state atomic.Int32

	// Specialized kernel sources kept for diagnosis.
	kernelSources map[string]string
}

func (kt *kinematicWorker) setState(s workerState) { kt.state.Store(int32(s)) }

// idle reports whether kT currently has nothing to chew on; dT uses it for
// opportunistic state publication.
func (kt *kinematicWorker) idle() bool {
	s := workerState(kt.state.Load())
	return s == workerIdle || s == workerWaitingForInput
}

// run is the kT loop: block for fresh state (or the end of the run),
// detect, publish. One iteration per adopted snapshot.
func (kt *kinematicWorker) run() {
	defer kt.setState(workerIdle)
	defer kt.report.signalDone()
	for {
		kt.setState(workerWaitingForInput)
		snap := kt.hs.waitForState()
		if snap == nil {
			return
		}
		kt.setState(workerRunning)

		pairs, err := kt.detect(snap)
		if err != nil {
			logrus.Errorf("Broad phase failed at dT step %d: %v", snap.dtStep, err)
			kt.hs.failKinematic(err)
			return
		}

		kt.setState(workerPublishing)
		discipline := pairsUnsorted
		if kt.shouldSortPairs {
			discipline = pairsSortedByKey
		}
		kt.hs.publishPairs(&pairList{
			pairs:      pairs,
			discipline: discipline,
			fromDTStep: snap.dtStep,
		})
	}
}

// detect runs one full broad-phase pass over a snapshot.
func (kt *kinematicWorker) detect(snap *stateSnapshot) ([]ContactPair, error) {
	beta := kt.governor.effective()
	fixed := fixedOwnerFlags(snap, kt.pres)

	var pairs []ContactPair
	var meanLoad float64
	var err error
	kt.timing.timed("kT broad phase", func() {
		spheres := worldSpheres(kt.stream, snap, kt.geo, kt.codec, beta, fixed)
		geoms := spheres
		if kt.geo.tris.n > 0 {
			geoms = append(append([]broadGeom{}, spheres...), worldTriangles(kt.stream, snap, kt.geo, kt.codec, beta, fixed)...)
		}

		keys, vals := binEntries(kt.stream, kt.grid, geoms)
		maskAllows := func(a, b FamilyTag) bool { return kt.family.maskAllows(a, b) }
		pairs, meanLoad, err = sweepBins(kt.stream, kt.grid, geoms, keys, vals, maskAllows, kt.maxGeomPerBin)
		if err != nil {
			return
		}
		pairs = append(pairs, pairAnalytical(kt.stream, snap, kt.geo, kt.codec, spheres, maskAllows, fixed)...)
	})
	if err != nil {
		return nil, err
	}

	if kt.shouldSortPairs {
		kt.timing.timed("kT pair sort", func() {
			sort.Slice(pairs, func(i, j int) bool {
				return pairSortKey(pairs[i]) < pairSortKey(pairs[j])
			})
		})
	}

	// Adaptive cadence: retune the bin size and the drift allowance within
	// the configured rate bounds. Bin ids need no continuity across
	// rounds; the retuned drift bound reaches dT through the handshake.
	factor, due := kt.governor.observe(meanLoad)
	if factor != 1 {
		if g, gerr := deriveBinGrid(kt.codec, kt.grid.binSize*factor); gerr == nil {
			kt.grid = g
		}
	}
	if due {
		if cur := kt.hs.currentMaxDrift(); cur > 0 {
			if next := kt.governor.retuneMaxDrift(kt.hs.averageDrift(), cur); next != cur {
				kt.hs.setMaxDrift(next)
			}
		}
	}

	logrus.Debugf("kT: %d candidate pairs from dT step %d (mean bin load %.1f)", len(pairs), snap.dtStep, meanLoad)
	return pairs, nil
}
