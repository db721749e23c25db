package dem

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// trackedKind tags what a tracker follows.
type trackedKind uint8

const (
	trackClumpBatch trackedKind = iota
	trackExternalObject
	trackMesh
)

// trackedObj is the solver-internal record behind a Tracker: the load-order
// index recorded at Track time resolves to a base owner id at
// initialization.
type trackedObj struct {
	kind      trackedKind
	loadOrder int

	resolved  bool
	baseOwner OwnerID
	count     int
}

// Tracker is a stable handle onto a contiguous owner range (a clump batch,
// an external object or a mesh), for direct query and control. Offsets
// index into the range.
type Tracker struct {
	solver *Solver
	obj    *trackedObj
}

func (t *Tracker) owner(offset int) OwnerID {
	return t.obj.baseOwner + OwnerID(offset)
}

// Pos returns the tracked owner's CoM position.
func (t *Tracker) Pos(offset int) r3.Vec {
	return t.solver.GetOwnerPosition(t.owner(offset))
}

// Vel returns the tracked owner's linear velocity.
func (t *Tracker) Vel(offset int) r3.Vec {
	return t.solver.GetOwnerVelocity(t.owner(offset))
}

// AngVel returns the tracked owner's angular velocity.
func (t *Tracker) AngVel(offset int) r3.Vec {
	return t.solver.GetOwnerAngVel(t.owner(offset))
}

// OriQ returns the tracked owner's orientation quaternion.
func (t *Tracker) OriQ(offset int) quat.Number {
	return t.solver.GetOwnerOriQ(t.owner(offset))
}

// SetPos repositions the tracked owner.
func (t *Tracker) SetPos(p r3.Vec, offset int) {
	t.solver.SetOwnerPosition(t.owner(offset), p)
}

// SetVel sets the tracked owner's linear velocity.
func (t *Tracker) SetVel(v r3.Vec, offset int) {
	t.solver.SetOwnerVelocity(t.owner(offset), v)
}

// SetAngVel sets the tracked owner's angular velocity.
func (t *Tracker) SetAngVel(w r3.Vec, offset int) {
	t.solver.SetOwnerAngVel(t.owner(offset), w)
}

// SetOriQ sets the tracked owner's orientation.
func (t *Tracker) SetOriQ(q quat.Number, offset int) {
	t.solver.SetOwnerOriQ(t.owner(offset), q)
}

// AddForce applies an extra force to the tracked owner for the next time
// step. A persistent external force is better expressed as a family
// prescription.
func (t *Tracker) AddForce(f r3.Vec, offset int) {
	t.solver.AddForce(t.owner(offset), f)
}

// NumOwners returns the size of the tracked owner range.
func (t *Tracker) NumOwners() int { return t.obj.count }
