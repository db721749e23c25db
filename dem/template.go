package dem

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ClumpTemplate describes a rigid body assembled from welded spherical
// components. Templates are owned by the solver registry; the shared
// pointer handed back by LoadClumpTemplate stays valid for the life of the
// longest holder.
type ClumpTemplate struct {
	Mass      float64
	MOI       r3.Vec // principal-axis moments of inertia
	Radii     []float64
	RelPos    []r3.Vec // component centers in the clump frame
	Materials []Material
	MatIDs    []int32 // canonical material table ids, parallel to Materials

	// mark is the internal template id. It is rewritten when templates are
	// sorted at initialization; after that it equals the template's index
	// in the sorted registry, so re-initialization needs no second remap.
	mark int
}

// NumComp returns the sphere component count.
func (t *ClumpTemplate) NumComp() int { return len(t.Radii) }

// Mark returns the internal template id assigned at initialization.
func (t *ClumpTemplate) Mark() int { return t.mark }

// ClumpBatch is a batch of clump instances loaded together: one template
// reference and one initial CoM position per clump, with optional initial
// velocities, orientations and family tags.
type ClumpBatch struct {
	Templates []*ClumpTemplate
	Pos       []r3.Vec
	Vel       []r3.Vec
	AngVel    []r3.Vec
	OriQ      []quat.Number
	Families  []uint32

	familiesSet bool
	loadOrder   int
}

func newClumpBatch(templates []*ClumpTemplate, pos []r3.Vec) *ClumpBatch {
	n := len(templates)
	b := &ClumpBatch{
		Templates: templates,
		Pos:       pos,
		Vel:       make([]r3.Vec, n),
		AngVel:    make([]r3.Vec, n),
		OriQ:      make([]quat.Number, n),
		Families:  make([]uint32, n),
	}
	for i := range b.OriQ {
		b.OriQ[i] = quat.Number{Real: 1}
	}
	return b
}

// NumClumps returns the number of clumps in the batch.
func (b *ClumpBatch) NumClumps() int { return len(b.Templates) }

// SetVel assigns one initial velocity to every clump in the batch.
func (b *ClumpBatch) SetVel(v r3.Vec) {
	for i := range b.Vel {
		b.Vel[i] = v
	}
}

// SetVels assigns per-clump initial velocities; the slice length must match
// the batch size.
func (b *ClumpBatch) SetVels(vs []r3.Vec) { copy(b.Vel, vs) }

// SetAngVel assigns one initial angular velocity to every clump.
func (b *ClumpBatch) SetAngVel(w r3.Vec) {
	for i := range b.AngVel {
		b.AngVel[i] = w
	}
}

// SetOriQ assigns one initial orientation to every clump.
func (b *ClumpBatch) SetOriQ(q quat.Number) {
	for i := range b.OriQ {
		b.OriQ[i] = q
	}
}

// SetFamily tags every clump in the batch with one user family number.
func (b *ClumpBatch) SetFamily(family uint32) {
	for i := range b.Families {
		b.Families[i] = family
	}
	b.familiesSet = true
}

// SetFamilies tags clumps individually.
func (b *ClumpBatch) SetFamilies(families []uint32) {
	copy(b.Families, families)
	b.familiesSet = true
}

// ObjComponentKind enumerates the analytical primitive kinds.
type ObjComponentKind uint8

const (
	// ObjPlane is an infinite plane given by a point and a normal.
	ObjPlane ObjComponentKind = iota
	// ObjPlate is a finite rectangular plate: center, normal, two
	// half-dimensions.
	ObjPlate
	// ObjZCylinder is a cylinder aligned with the world Z axis.
	ObjZCylinder
	// ObjCylinder is a cylinder around an arbitrary axis.
	ObjCylinder
)

// NormalSense selects which side of a curved primitive pushes.
type NormalSense uint8

const (
	// NormalInward: the surface pushes bodies toward the primitive's
	// interior axis/center (a container wall).
	NormalInward NormalSense = iota
	// NormalOutward: the surface pushes bodies away (a solid obstacle).
	NormalOutward
)

// analComponent is one flattened analytical primitive row.
type analComponent struct {
	kind     ObjComponentKind
	material Material
	pos      r3.Vec // component position in the owner frame
	rot      r3.Vec // orientation carrier: plane/plate normal, cylinder axis
	size1    float64
	size2    float64
	size3    float64
	normal   NormalSense
}

// ExternalObject is an analytically-represented rigid body: one owner
// carrying planes, plates and cylinders.
type ExternalObject struct {
	Mass    float64
	MOI     r3.Vec
	InitPos r3.Vec
	InitOri quat.Number
	Family  uint32

	comps     []analComponent
	loadOrder int
}

// AddPlane appends an infinite plane component. pos is a point on the
// plane, normal its outward normal, both in the owner frame.
func (o *ExternalObject) AddPlane(pos, normal r3.Vec, mat Material) {
	o.comps = append(o.comps, analComponent{
		kind: ObjPlane, material: mat, pos: pos, rot: r3.Unit(normal),
	})
}

// AddPlate appends a finite rectangular plate: center, normal, and the two
// half-dimensions of its in-plane extent.
func (o *ExternalObject) AddPlate(center, normal r3.Vec, halfX, halfY float64, mat Material) {
	o.comps = append(o.comps, analComponent{
		kind: ObjPlate, material: mat, pos: center, rot: r3.Unit(normal),
		size1: halfX, size2: halfY,
	})
}

// AddZCylinder appends a Z-aligned cylinder through center with the given
// radius and half-length. sense selects the pushing side.
func (o *ExternalObject) AddZCylinder(center r3.Vec, radius, halfLen float64, sense NormalSense, mat Material) {
	o.comps = append(o.comps, analComponent{
		kind: ObjZCylinder, material: mat, pos: center, rot: r3.Vec{Z: 1},
		size1: radius, size3: halfLen, normal: sense,
	})
}

// AddCylinder appends a cylinder around an arbitrary axis.
func (o *ExternalObject) AddCylinder(center, axis r3.Vec, radius, halfLen float64, sense NormalSense, mat Material) {
	o.comps = append(o.comps, analComponent{
		kind: ObjCylinder, material: mat, pos: center, rot: r3.Unit(axis),
		size1: radius, size3: halfLen, normal: sense,
	})
}

// NumComponents returns the number of analytical primitives on the object.
func (o *ExternalObject) NumComponents() int { return len(o.comps) }
