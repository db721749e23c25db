package dem

import (
	"github.com/expr-lang/expr/vm"
	"gonum.org/v1/gonum/spatial/r3"
)

// IntegratorScheme selects the explicit time-stepping scheme.
type IntegratorScheme uint8

const (
	// SchemeForwardEuler: v += a*dt, then x += v*dt.
	SchemeForwardEuler IntegratorScheme = iota
	// SchemeCentered: central-difference position update using the
	// midpoint velocity.
	SchemeCentered
	// SchemeExtendedTaylor: second-order position expansion in dt.
	SchemeExtendedTaylor
	// SchemeChung: the Chung explicit scheme with its fixed weighting
	// parameters.
	SchemeChung
)

// Chung scheme weights.
const (
	chungGamma = 1.5
	chungBeta  = 28.0 / 27.0
)

// integrator advances one owner's linear and angular state by dt under the
// selected scheme, honoring prescribed-motion overrides compiled from the
// family table.
type integrator struct {
	scheme  IntegratorScheme
	gravity r3.Vec
	dt      float64
	codec   *VoxelCodec
}

// ownerEnv builds the expression environment a prescription channel sees
// for one owner.
func ownerEnv(t float64, pos, vel, angVel r3.Vec) map[string]any {
	env := mathEnv()
	env["t"] = t
	env["x"], env["y"], env["z"] = pos.X, pos.Y, pos.Z
	env["vx"], env["vy"], env["vz"] = vel.X, vel.Y, vel.Z
	env["wx"], env["wy"], env["wz"] = angVel.X, angVel.Y, angVel.Z
	return env
}

// stepLinear integrates owner i's linear state in place. pres is the
// owner's compiled family prescription; t is the simulation time at the
// start of the step.
func (ig *integrator) stepLinear(s *ownerState, mass massProps, i OwnerID, pres *compiledPrescription, t float64) {
	pos := s.pos(ig.codec, i)
	vel := s.vel[i]
	dt := ig.dt

	var env map[string]any
	envFor := func() map[string]any {
		if env == nil {
			env = ownerEnv(t, pos, vel, s.angVel[i])
		}
		return env
	}

	// Velocity channels: dictated prescriptions replace the integrated
	// value; non-dictated ones seed it before the force contribution.
	m := mass.mass[s.massIdx[i]]
	accel := r3.Add(r3.Scale(1/m, r3.Add(s.force[i], s.extraForce[i])), ig.gravity)

	prescribed := pres != nil && pres.used
	if prescribed {
		for a, ch := range pres.linVel {
			if ch.active() {
				if v, err := ch.eval(envFor()); err == nil {
					setComponent(&vel, a, v)
				}
			}
		}
	}
	dictatesVel := prescribed && pres.linVelDictate
	if !dictatesVel {
		vel = r3.Add(vel, r3.Scale(dt, accel))
	}

	var newPos r3.Vec
	switch ig.scheme {
	case SchemeCentered:
		// vel already holds v_{n+1}; average with v_n for the midpoint.
		vOld := s.vel[i]
		newPos = r3.Add(pos, r3.Scale(dt*0.5, r3.Add(vOld, vel)))
	case SchemeExtendedTaylor:
		newPos = r3.Add(pos, r3.Add(r3.Scale(dt, s.vel[i]), r3.Scale(0.5*dt*dt, accel)))
	case SchemeChung:
		newPos = r3.Add(pos, r3.Add(r3.Scale(dt, s.vel[i]), r3.Scale(chungBeta*dt*dt, accel)))
	default: // forward Euler: semi-implicit, position uses the new velocity
		newPos = r3.Add(pos, r3.Scale(dt, vel))
	}

	// Position channels override whatever the scheme produced when
	// dictated.
	if prescribed && pres.linPosDictate {
		for a, ch := range pres.linPos {
			if ch.active() {
				if v, err := ch.eval(envFor()); err == nil {
					setComponent(&newPos, a, v)
				}
			}
		}
	}

	s.vel[i] = vel
	s.setPos(ig.codec, i, newPos)
	s.force[i] = r3.Vec{}
	s.extraForce[i] = r3.Vec{}
}

// stepAngular integrates owner i's angular state in the owner-local frame:
// world torque is rotated into the body frame, the gyroscopic term applied,
// and the quaternion advanced with the exponential-map increment.
func (ig *integrator) stepAngular(s *ownerState, mass massProps, i OwnerID, pres *compiledPrescription, t float64) {
	q := s.oriQ[i]
	w := s.angVel[i] // stored in the owner-local frame
	moi := mass.moi[s.massIdx[i]]
	dt := ig.dt

	prescribed := pres != nil && pres.used
	var env map[string]any
	envFor := func() map[string]any {
		if env == nil {
			env = ownerEnv(t, s.pos(ig.codec, i), s.vel[i], w)
		}
		return env
	}

	if prescribed {
		for a, ch := range pres.rotVel {
			if ch.active() {
				if v, err := ch.eval(envFor()); err == nil {
					setComponent(&w, a, v)
				}
			}
		}
	}
	if !(prescribed && pres.rotVelDictate) {
		tauLocal := rotateVecInv(q, s.torque[i])
		// Euler's equations with the gyroscopic term, principal frame.
		iw := r3.Vec{X: moi.X * w.X, Y: moi.Y * w.Y, Z: moi.Z * w.Z}
		gyro := r3.Cross(w, iw)
		dw := r3.Vec{
			X: (tauLocal.X - gyro.X) / safeMOI(moi.X),
			Y: (tauLocal.Y - gyro.Y) / safeMOI(moi.Y),
			Z: (tauLocal.Z - gyro.Z) / safeMOI(moi.Z),
		}
		w = r3.Add(w, r3.Scale(dt, dw))
	}

	q = quatIncrement(q, w, dt)
	s.angVel[i] = w
	s.torque[i] = r3.Vec{}

	if prescribed && pres.oriQ.active() && pres.rotPosDictate {
		// A prescribed quaternion expression yields the rotation angle
		// about the current spin axis; full quaternion prescriptions come
		// through the external-source path.
		if v, err := pres.oriQ.eval(envFor()); err == nil {
			axis := r3.Vec{Z: 1}
			if n := r3.Norm(w); n > 0 {
				axis = r3.Scale(1/n, w)
			}
			q = quatFromAxisAngle(axis, v)
		}
	}
	s.oriQ[i] = quatNormalize(q)
}

func safeMOI(m float64) float64 {
	if m <= 0 {
		return 1
	}
	return m
}

func setComponent(v *r3.Vec, axis int, val float64) {
	switch axis {
	case 0:
		v.X = val
	case 1:
		v.Y = val
	default:
		v.Z = val
	}
}

// applyFamilyChanges evaluates the compiled change rules for owner i in
// declaration order, mutating the family tag on the first match.
func applyFamilyChanges(s *ownerState, codec *VoxelCodec, rules []compiledChangeRule, i OwnerID, t float64) bool {
	if len(rules) == 0 {
		return false
	}
	fam := s.family[i]
	var env map[string]any
	for _, r := range rules {
		if r.from != fam {
			continue
		}
		if env == nil {
			env = ownerEnv(t, s.pos(codec, i), s.vel[i], s.angVel[i])
		}
		out, err := vm.Run(r.cond, env)
		if err != nil {
			continue
		}
		if truthy(out) {
			s.family[i] = r.to
			return true
		}
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	default:
		return false
	}
}
