package dem

import (
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Kernel class templates. Each template is a parameterized source text with
// placeholder tokens; Specialize substitutes registry-snapshot literals and
// user snippets into them, and the compile layer turns the expression slots
// into programs. The specialized text is retained per worker as the
// diagnosable form of the kernel.

const binningKernelTemplate = `
kernel binSphereOverlaps:
  grid  = (_nbX_, _nbY_, _nbZ_) bins of edge _binSize_
  world = origin (_LBFX_, _LBFY_, _LBFZ_), voxel edge _voxelSize_, l _l_
  counts: owners=_nOwnerBodies_ spheres=_nSpheresGM_ analytical=_nAnalGM_ tris=_nTriGM_
  inflate every radius by _beta_
  emit (binID, geomID) for every bin the inflated bound intersects
`

const pairSweepKernelTemplate = `
kernel sweepBinPairs:
  familyMasks[_nFamilyMaskEntries_] = { _familyMasks_ }
  for each populated bin: test all unordered pairs under inflated radii
  reject masked pairs and fixed same-owner pairs
  accept at the pair's home bin only
`

const forceKernelTemplate = `
kernel contactForce:
  massProperties = { _MassProperties_ }
  moi = { _moiX_ | _moiY_ | _moiZ_ }
  materials: E { _EProxy_ } nu { _nuProxy_ } CoR { _CoRProxy_ } mu { _muProxy_ } Crr { _CrrProxy_ }
  clump components: r { _Radii_ } cd-r { _CDRadii_ } rel ( _CDRelPosX_ | _CDRelPosY_ | _CDRelPosZ_ )
  component acquisition: _componentAcqStrat_
  analytical rows: owner { _objOwner_ } type { _objType_ } material { _objMaterial_ } normal { _objNormal_ }
    rel ( _objRelPosX_ | _objRelPosY_ | _objRelPosZ_ ) rot ( _objRotX_ | _objRotY_ | _objRotZ_ )
    size ( _objSize1_ | _objSize2_ | _objSize3_ )
  model:
_DEMForceModel_
`

const prescriptionKernelTemplate = `
kernel applyPrescriptions:
  gravity = (_Gx_, _Gy_, _Gz_), dt = _ts_
  switch (family) velocity: _velPrescriptionStrategy_
  switch (family) position: _posPrescriptionStrategy_
`

const familyChangeKernelTemplate = `
kernel familyChangeSweep:
  nRules = _nRulesOfChange_
  _familyChangeRules_
`

// equipSimParams contributes the world-geometry and count tokens.
func equipSimParams(subs SubstitutionMap, codec *VoxelCodec, grid binGrid, g r3.Vec, dt, beta float64, counts bodyCounts) {
	subs["_nbX_"] = strconv.FormatUint(uint64(grid.nbX), 10)
	subs["_nbY_"] = strconv.FormatUint(uint64(grid.nbY), 10)
	subs["_nbZ_"] = strconv.FormatUint(uint64(grid.nbZ), 10)
	subs["_binSize_"] = floatLit(grid.binSize)
	subs["_l_"] = floatLit(codec.LengthUnit())
	subs["_voxelSize_"] = floatLit(codec.VoxelEdge())
	o := codec.Origin()
	subs["_LBFX_"] = floatLit(o.X)
	subs["_LBFY_"] = floatLit(o.Y)
	subs["_LBFZ_"] = floatLit(o.Z)
	subs["_Gx_"] = floatLit(g.X)
	subs["_Gy_"] = floatLit(g.Y)
	subs["_Gz_"] = floatLit(g.Z)
	subs["_ts_"] = floatLit(dt)
	subs["_beta_"] = floatLit(beta)
	subs["_nOwnerBodies_"] = strconv.Itoa(counts.owners)
	subs["_nSpheresGM_"] = strconv.Itoa(counts.spheres)
	subs["_nAnalGM_"] = strconv.Itoa(counts.analytical)
	subs["_nTriGM_"] = strconv.Itoa(counts.triangles)
	subs["_nDistinctMassProperties_"] = strconv.Itoa(counts.massProperties)
	subs["_nMatTuples_"] = strconv.Itoa(counts.materials)
}

// equipFamilyMasks serializes the packed mask matrix.
func equipFamilyMasks(subs SubstitutionMap, t *familyTable) {
	var b strings.Builder
	for _, allow := range t.mask {
		if allow {
			b.WriteString("1,")
		} else {
			b.WriteString("0,")
		}
	}
	subs["_nFamilyMaskEntries_"] = strconv.Itoa(len(t.mask))
	subs["_familyMasks_"] = b.String()
}

// equipMassMat serializes mass properties and the material proxy arrays.
func equipMassMat(subs SubstitutionMap, mass massProps, mats *MaterialSet) {
	var m, mx, my, mz strings.Builder
	for i := range mass.mass {
		m.WriteString(floatLit(mass.mass[i]) + ",")
		mx.WriteString(floatLit(mass.moi[i].X) + ",")
		my.WriteString(floatLit(mass.moi[i].Y) + ",")
		mz.WriteString(floatLit(mass.moi[i].Z) + ",")
	}
	subs["_MassProperties_"] = m.String()
	subs["_moiX_"] = mx.String()
	subs["_moiY_"] = my.String()
	subs["_moiZ_"] = mz.String()

	var e, nu, cor, mu, crr strings.Builder
	for _, mat := range mats.All() {
		e.WriteString(floatLit(mat.E) + ",")
		nu.WriteString(floatLit(mat.Nu) + ",")
		cor.WriteString(floatLit(mat.CoR) + ",")
		mu.WriteString(floatLit(mat.Mu) + ",")
		crr.WriteString(floatLit(mat.Crr) + ",")
	}
	subs["_EProxy_"] = e.String()
	subs["_nuProxy_"] = nu.String()
	subs["_CoRProxy_"] = cor.String()
	subs["_muProxy_"] = mu.String()
	subs["_CrrProxy_"] = crr.String()
}

// equipClumpTemplates serializes the jitifiable clump component tables,
// with contact-detection radii pre-inflated by the expand factor.
func equipClumpTemplates(subs SubstitutionMap, templates []*ClumpTemplate, nJitifiable int, expand float64) {
	var radii, cdRadii, x, y, z strings.Builder
	for i := 0; i < nJitifiable && i < len(templates); i++ {
		t := templates[i]
		for j := range t.Radii {
			radii.WriteString(floatLit(t.Radii[j]) + ",")
			cdRadii.WriteString(floatLit(t.Radii[j]+expand) + ",")
			x.WriteString(floatLit(t.RelPos[j].X) + ",")
			y.WriteString(floatLit(t.RelPos[j].Y) + ",")
			z.WriteString(floatLit(t.RelPos[j].Z) + ",")
		}
	}
	subs["_Radii_"] = radii.String()
	subs["_CDRadii_"] = cdRadii.String()
	subs["_CDRelPosX_"] = x.String()
	subs["_CDRelPosY_"] = y.String()
	subs["_CDRelPosZ_"] = z.String()
	if nJitifiable >= len(templates) {
		subs["_componentAcqStrat_"] = "all templates specialized"
	} else {
		subs["_componentAcqStrat_"] = "templates past " + strconv.Itoa(nJitifiable) + " fetched from device memory"
	}
}

// equipAnalGeoTemplates serializes the analytical-primitive rows. Some
// systems carry no boundary entities; a single space keeps the slot
// non-empty so specialization cannot fail on them.
func equipAnalGeoTemplates(subs SubstitutionMap, anal analGeom) {
	owner, typ, mat, normal := " ", " ", " ", " "
	px, py, pz := " ", " ", " "
	rx, ry, rz := " ", " ", " "
	s1, s2, s3 := " ", " ", " "
	for i := 0; i < anal.n; i++ {
		owner += strconv.Itoa(int(anal.owner[i])) + ","
		typ += strconv.Itoa(int(anal.kind[i])) + ","
		mat += strconv.Itoa(int(anal.mat[i])) + ","
		normal += strconv.Itoa(int(anal.normal[i])) + ","
		px += floatLit(anal.relPos[i].X) + ","
		py += floatLit(anal.relPos[i].Y) + ","
		pz += floatLit(anal.relPos[i].Z) + ","
		rx += floatLit(anal.rot[i].X) + ","
		ry += floatLit(anal.rot[i].Y) + ","
		rz += floatLit(anal.rot[i].Z) + ","
		s1 += floatLit(anal.size1[i]) + ","
		s2 += floatLit(anal.size2[i]) + ","
		s3 += floatLit(anal.size3[i]) + ","
	}
	subs["_objOwner_"] = owner
	subs["_objType_"] = typ
	subs["_objMaterial_"] = mat
	subs["_objNormal_"] = normal
	subs["_objRelPosX_"] = px
	subs["_objRelPosY_"] = py
	subs["_objRelPosZ_"] = pz
	subs["_objRotX_"] = rx
	subs["_objRotY_"] = ry
	subs["_objRotZ_"] = rz
	subs["_objSize1_"] = s1
	subs["_objSize2_"] = s2
	subs["_objSize3_"] = s3
}

// equipFamilyPrescribedMotions weaves each used family's prescription into
// the velocity and position switch-case slots.
func equipFamilyPrescribedMotions(subs SubstitutionMap, t *familyTable, compact bool) {
	vel, pos := " ", " "
	for i, p := range t.prescriptions {
		if !p.used {
			continue
		}
		v := "case " + strconv.Itoa(i) + ": {"
		if !p.ExternVel {
			for _, ch := range []struct{ name, src string }{
				{"vX", p.LinVelX}, {"vY", p.LinVelY}, {"vZ", p.LinVelZ},
				{"omgBarX", p.RotVelX}, {"omgBarY", p.RotVelY}, {"omgBarZ", p.RotVelZ},
			} {
				if ch.src != prescriptionNone {
					v += ch.name + " = " + weave(ch.src, compact) + ";"
				}
			}
			v += "LinPrescribed = " + boolLit(p.LinVelDictate) + ";"
			v += "RotPrescribed = " + boolLit(p.RotVelDictate) + ";"
		}
		v += "break; }"
		vel += v

		q := "case " + strconv.Itoa(i) + ": {"
		if !p.ExternPos {
			for _, ch := range []struct{ name, src string }{
				{"X", p.LinPosX}, {"Y", p.LinPosY}, {"Z", p.LinPosZ},
			} {
				if ch.src != prescriptionNone {
					q += ch.name + " = " + weave(ch.src, compact) + ";"
				}
			}
			if p.OriQ != prescriptionNone {
				q += "oriQ = " + weave(p.OriQ, compact) + ";"
			}
			q += "LinPrescribed = " + boolLit(p.LinPosDictate) + ";"
			q += "RotPrescribed = " + boolLit(p.RotPosDictate) + ";"
		}
		q += "break; }"
		pos += q
	}
	subs["_velPrescriptionStrategy_"] = vel
	subs["_posPrescriptionStrategy_"] = pos
}

// equipFamilyOnFlyChanges weaves the conditional family-change rules into a
// chain of guarded mutations.
func equipFamilyOnFlyChanges(subs SubstitutionMap, t *familyTable, compact bool) {
	cond := " "
	for _, r := range t.changeRules {
		cond += "if (family == " + strconv.Itoa(int(r.fromImpl)) + ") { when (" +
			weave(r.Condition, compact) + ") { family = " + strconv.Itoa(int(r.toImpl)) + "; } }"
	}
	subs["_nRulesOfChange_"] = strconv.Itoa(len(t.changeRules))
	subs["_familyChangeRules_"] = cond
}

// equipForceModel installs the force-model snippet.
func equipForceModel(subs SubstitutionMap, model string, compact bool) {
	subs["_DEMForceModel_"] = weave(model, compact)
}

// weave compacts a user snippet to one line unless line-number-preserving
// mode is on.
func weave(snippet string, compact bool) string {
	if compact {
		return compactCode(snippet)
	}
	return snippet
}

func boolLit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
