package dem

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// OwnerID indexes the owner state arrays.
type OwnerID int32

// GeomID indexes one geometry table; which table is determined by the
// contact kind it appears with.
type GeomID int32

// ownerState is the dynamic worker's structure-of-arrays body state. dT is
// the sole writer after initialization; kT sees copies through the
// handshake snapshots.
type ownerState struct {
	n int

	voxel  []VoxelID
	subPos []r3.Vec // sub-voxel offsets, components in [0, voxelEdge)
	oriQ   []quat.Number
	vel    []r3.Vec
	angVel []r3.Vec
	family []FamilyTag
	active []bool

	massIdx []int32 // into massProps

	// Per-step accumulators, cleared by the integrator after use.
	force  []r3.Vec
	torque []r3.Vec // world frame
	// User-applied extra force, consumed on the next step.
	extraForce []r3.Vec

	// Per-owner named scalar wildcards.
	wildcards map[string][]float64
}

func newOwnerState(n int) *ownerState {
	s := &ownerState{
		n:          n,
		voxel:      make([]VoxelID, n),
		subPos:     make([]r3.Vec, n),
		oriQ:       make([]quat.Number, n),
		vel:        make([]r3.Vec, n),
		angVel:     make([]r3.Vec, n),
		family:     make([]FamilyTag, n),
		active:     make([]bool, n),
		massIdx:    make([]int32, n),
		force:      make([]r3.Vec, n),
		torque:     make([]r3.Vec, n),
		extraForce: make([]r3.Vec, n),
		wildcards:  make(map[string][]float64),
	}
	for i := range s.oriQ {
		s.oriQ[i] = quat.Number{Real: 1}
		s.active[i] = true
	}
	return s
}

// appendOwner grows every state array by one default-initialized owner.
func (s *ownerState) appendOwner() {
	s.voxel = append(s.voxel, 0)
	s.subPos = append(s.subPos, r3.Vec{})
	s.oriQ = append(s.oriQ, quat.Number{Real: 1})
	s.vel = append(s.vel, r3.Vec{})
	s.angVel = append(s.angVel, r3.Vec{})
	s.family = append(s.family, 0)
	s.active = append(s.active, true)
	s.massIdx = append(s.massIdx, 0)
	s.force = append(s.force, r3.Vec{})
	s.torque = append(s.torque, r3.Vec{})
	s.extraForce = append(s.extraForce, r3.Vec{})
	for name := range s.wildcards {
		s.wildcards[name] = append(s.wildcards[name], 0)
	}
	s.n++
}

// pos decodes owner i's world position.
func (s *ownerState) pos(codec *VoxelCodec, i OwnerID) r3.Vec {
	return codec.Decode(s.voxel[i], s.subPos[i])
}

// setPos re-encodes a world position into owner i's voxel id and offset.
func (s *ownerState) setPos(codec *VoxelCodec, i OwnerID, p r3.Vec) {
	s.voxel[i], s.subPos[i] = codec.Encode(p)
}

// massProps holds one mass/inertia row per distinct mass property: clump
// templates first, then analytical objects, then meshes.
type massProps struct {
	mass []float64
	moi  []r3.Vec
}

// sphereGeom is the flattened sphere-component table.
type sphereGeom struct {
	n      int
	owner  []OwnerID
	relPos []r3.Vec
	radius []float64
	mat    []int32
}

// analGeom is the flattened analytical-primitive table. rot carries the
// orientation vector (normal or axis) in the owner frame.
type analGeom struct {
	n      int
	owner  []OwnerID
	kind   []ObjComponentKind
	mat    []int32
	relPos []r3.Vec
	rot    []r3.Vec
	size1  []float64
	size2  []float64
	size3  []float64
	normal []NormalSense
}

// triGeom is the flattened mesh-facet table, vertices in the owner frame.
type triGeom struct {
	n     int
	owner []OwnerID
	mat   []int32
	p1    []r3.Vec
	p2    []r3.Vec
	p3    []r3.Vec
}

// geomTables groups the three read-only geometry tables shared by both
// workers after initialization.
type geomTables struct {
	spheres sphereGeom
	anal    analGeom
	tris    triGeom
	mass    massProps
	matPair *materialPairTable
	mats    *MaterialSet
}
