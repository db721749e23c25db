package dem

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// FamilyTag is the internal (dense, 0-based) family number. User-chosen
// family numbers are remapped onto this range at initialization.
type FamilyTag uint8

// maxFamilies is the ceiling on distinct families, set by the FamilyTag
// width.
const maxFamilies = 256

// ReservedFixedFamily is the user family number reserved for completely
// fixed entities. Anything tagged with it has zero velocity prescribed on
// all axes, dictated.
const ReservedFixedFamily uint32 = 255

const prescriptionNone = "none"

// Prescription declares per-family motion control. Each channel is either
// "none" or a closed-form expression in simulation time t and the owner's
// state (x, y, z, vx, vy, vz, wx, wy, wz). The dictate booleans state
// whether prescribed channels override integration or merely seed it.
type Prescription struct {
	Family uint32 // user family number

	LinVelX, LinVelY, LinVelZ string
	RotVelX, RotVelY, RotVelZ string
	LinPosX, LinPosY, LinPosZ string
	OriQ                      string

	LinVelDictate bool
	RotVelDictate bool
	LinPosDictate bool
	RotPosDictate bool

	// External sources deliver the channel values from outside the solver
	// (co-simulation); the expression strings are ignored for them.
	ExternVel bool
	ExternPos bool

	used bool
}

func emptyPrescription(family uint32) Prescription {
	return Prescription{
		Family:  family,
		LinVelX: prescriptionNone, LinVelY: prescriptionNone, LinVelZ: prescriptionNone,
		RotVelX: prescriptionNone, RotVelY: prescriptionNone, RotVelZ: prescriptionNone,
		LinPosX: prescriptionNone, LinPosY: prescriptionNone, LinPosZ: prescriptionNone,
		OriQ: prescriptionNone,
	}
}

// fixedPrescription is what SetFamilyFixed installs: all velocity channels
// zero and dictated.
func fixedPrescription(family uint32) Prescription {
	p := emptyPrescription(family)
	p.LinVelX, p.LinVelY, p.LinVelZ = "0", "0", "0"
	p.RotVelX, p.RotVelY, p.RotVelZ = "0", "0", "0"
	p.LinVelDictate = true
	p.RotVelDictate = true
	p.used = true
	return p
}

// ChangeRule is a conditional family reassignment: owners in From whose
// state satisfies Condition move to To, checked every step.
type ChangeRule struct {
	From      uint32
	To        uint32
	Condition string

	fromImpl FamilyTag
	toImpl   FamilyTag
}

// familyPair is an unordered user-family pair.
type familyPair struct {
	a, b uint32
}

// familyTable is the compiled family service: dense remap, packed contact
// mask, merged prescriptions, and remapped change rules. Read-only after
// initialization.
type familyTable struct {
	userToImpl map[uint32]FamilyTag
	implToUser []uint32

	// mask is the symmetric contact-allow matrix packed as the upper
	// triangle; true = contacts allowed.
	mask []bool

	prescriptions []Prescription // one per internal family, merged
	changeRules   []ChangeRule
}

func (t *familyTable) numFamilies() int { return len(t.implToUser) }

// maskAllows reports whether contacts between two internal families are
// allowed.
func (t *familyTable) maskAllows(i, j FamilyTag) bool {
	return t.mask[pairIndex(int(i), int(j), len(t.implToUser))]
}

// buildFamilyTable compiles the family service from the union of user
// family numbers seen on entities, the no-contact pairs, the prescription
// inputs, and the change rules. Mirrors the preprocessor's family-mask
// pass: remap first, then mask, then per-family prescription merge.
func buildFamilyTable(
	entityFamilies []uint32,
	noContact []familyPair,
	inputs []Prescription,
	rules []ChangeRule,
) (*familyTable, error) {
	seen := make(map[uint32]bool, len(entityFamilies))
	for _, f := range entityFamilies {
		seen[f] = true
	}
	// Rules and the reserved fixed family always participate in the remap,
	// so prescriptions addressed to them can compile.
	seen[ReservedFixedFamily] = true
	for _, r := range rules {
		seen[r.From] = true
		seen[r.To] = true
	}

	unique := make([]uint32, 0, len(seen))
	for f := range seen {
		unique = append(unique, f)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	if len(unique) > maxFamilies {
		return nil, newCapacityError(ErrCapacity, uint64(len(unique)), maxFamilies,
			"%d distinct families, but the family tag width allows at most %d", len(unique), maxFamilies)
	}
	for _, f := range unique {
		if f > ReservedFixedFamily {
			logrus.Warnf("Family number %d is beyond the reserved fixed family %d; it is remapped like any other family and is not made fixed",
				f, ReservedFixedFamily)
		}
	}

	t := &familyTable{
		userToImpl: make(map[uint32]FamilyTag, len(unique)),
		implToUser: unique,
	}
	for i, f := range unique {
		t.userToImpl[f] = FamilyTag(i)
	}

	n := len(unique)
	t.mask = make([]bool, n*(n+1)/2)
	for i := range t.mask {
		t.mask[i] = true
	}
	for _, p := range noContact {
		ia, aok := t.userToImpl[p.a]
		ib, bok := t.userToImpl[p.b]
		if !aok || !bok {
			logrus.Warnf("Contact between families %d and %d is disabled, but no entity belongs to one of them", p.a, p.b)
			continue
		}
		t.mask[pairIndex(int(ia), int(ib), n)] = false
	}

	// Merge prescriptions per internal family; dictate flags OR-combine.
	t.prescriptions = make([]Prescription, n)
	for i := range t.prescriptions {
		t.prescriptions[i] = emptyPrescription(unique[i])
	}
	for _, in := range inputs {
		impl, ok := t.userToImpl[in.Family]
		if !ok {
			if in.Family != ReservedFixedFamily {
				logrus.Warnf("Family %d has prescribed motion, but no entity is associated with it", in.Family)
			}
			continue
		}
		dst := &t.prescriptions[impl]
		mergeChannel(&dst.LinVelX, in.LinVelX)
		mergeChannel(&dst.LinVelY, in.LinVelY)
		mergeChannel(&dst.LinVelZ, in.LinVelZ)
		mergeChannel(&dst.RotVelX, in.RotVelX)
		mergeChannel(&dst.RotVelY, in.RotVelY)
		mergeChannel(&dst.RotVelZ, in.RotVelZ)
		mergeChannel(&dst.LinPosX, in.LinPosX)
		mergeChannel(&dst.LinPosY, in.LinPosY)
		mergeChannel(&dst.LinPosZ, in.LinPosZ)
		mergeChannel(&dst.OriQ, in.OriQ)
		dst.LinVelDictate = dst.LinVelDictate || in.LinVelDictate
		dst.RotVelDictate = dst.RotVelDictate || in.RotVelDictate
		dst.LinPosDictate = dst.LinPosDictate || in.LinPosDictate
		dst.RotPosDictate = dst.RotPosDictate || in.RotPosDictate
		dst.ExternVel = dst.ExternVel || in.ExternVel
		dst.ExternPos = dst.ExternPos || in.ExternPos
		dst.used = true
	}

	t.changeRules = make([]ChangeRule, len(rules))
	copy(t.changeRules, rules)
	for i := range t.changeRules {
		t.changeRules[i].fromImpl = t.userToImpl[t.changeRules[i].From]
		t.changeRules[i].toImpl = t.userToImpl[t.changeRules[i].To]
	}
	return t, nil
}

func mergeChannel(dst *string, src string) {
	if src != prescriptionNone && src != "" {
		*dst = src
	}
}
