package dem

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr/vm"
	"gonum.org/v1/gonum/spatial/r3"
)

// ContactContext is the fixed set of named locals a force model may read.
type ContactContext struct {
	Dt          float64
	Penetration float64
	Normal      r3.Vec // from B into A
	Point       r3.Vec
	RelVel      r3.Vec // velocity of A relative to B at the contact point
	RelVelN     r3.Vec
	RelVelT     r3.Vec
	RelAngVel   r3.Vec // angular velocity of A relative to B
	EffMass     float64
	EffRadius   float64
	Mat         CombinedMaterial

	// History is the carried tangential-displacement wildcard; nil for
	// historyless models or first contact.
	History *[3]float64
}

// ContactForce is a model's output: the force on body A at the contact
// point (B receives the negation) plus an optional pure rolling-resistance
// torque applied to both owners.
type ContactForce struct {
	Force         r3.Vec
	RollingTorque r3.Vec
	// NewHistory is the advanced wildcard to carry to the next step;
	// ignored for historyless models.
	NewHistory [3]float64
}

// ForceModel evaluates contact forces for one pair.
type ForceModel interface {
	Name() string
	// Historyless models need no per-pair wildcards and permit unsorted
	// pair lists.
	Historyless() bool
	Evaluate(ctx *ContactContext) ContactForce
}

// hertzDamping converts a restitution coefficient into the Hertzian
// damping ratio.
func hertzDamping(cor float64) float64 {
	if cor <= 0 {
		// A zero restitution would need infinite damping; saturate.
		cor = 1e-4
	}
	lnE := math.Log(cor)
	return -lnE / math.Sqrt(lnE*lnE+math.Pi*math.Pi)
}

// FrictionlessHertz is the stock historyless model: nonlinear normal
// stiffness in penetration with restitution-linked damping, no tangential
// force.
type FrictionlessHertz struct{}

// Name implements ForceModel.
func (FrictionlessHertz) Name() string { return "hertz-frictionless" }

// Historyless implements ForceModel.
func (FrictionlessHertz) Historyless() bool { return true }

// Evaluate implements ForceModel.
func (FrictionlessHertz) Evaluate(ctx *ContactContext) ContactForce {
	fn := hertzNormalForce(ctx)
	return ContactForce{Force: r3.Scale(fn, ctx.Normal)}
}

// hertzNormalForce returns the scalar normal-force magnitude along the
// contact normal (positive pushes A away from B).
func hertzNormalForce(ctx *ContactContext) float64 {
	delta := ctx.Penetration
	sqrtRd := math.Sqrt(ctx.EffRadius * delta)
	kn := (4.0 / 3.0) * ctx.Mat.EStar * sqrtRd
	fElastic := kn * delta

	beta := hertzDamping(ctx.Mat.CoR)
	sn := 2 * ctx.Mat.EStar * sqrtRd
	vn := r3.Dot(ctx.RelVel, ctx.Normal)
	fDamp := -2 * math.Sqrt(5.0/6.0) * beta * math.Sqrt(sn*ctx.EffMass) * vn

	f := fElastic + fDamp
	if f < 0 {
		// The dashpot must not glue bodies together.
		f = 0
	}
	return f
}

// FrictionalHertz is the stock history-based model: Hertzian normal force
// plus a tangential spring-dashpot with a Coulomb cap and a rolling
// resistance term.
type FrictionalHertz struct{}

// Name implements ForceModel.
func (FrictionalHertz) Name() string { return "hertz-frictional" }

// Historyless implements ForceModel.
func (FrictionalHertz) Historyless() bool { return false }

// Evaluate implements ForceModel.
func (FrictionalHertz) Evaluate(ctx *ContactContext) ContactForce {
	fn := hertzNormalForce(ctx)
	out := ContactForce{Force: r3.Scale(fn, ctx.Normal)}

	// Advance the tangential history: delta += vT*dt, projected back to
	// the current tangent plane.
	var delta r3.Vec
	if ctx.History != nil {
		delta = r3.Vec{X: ctx.History[0], Y: ctx.History[1], Z: ctx.History[2]}
	}
	delta = r3.Add(delta, r3.Scale(ctx.Dt, ctx.RelVelT))
	delta = r3.Sub(delta, r3.Scale(r3.Dot(delta, ctx.Normal), ctx.Normal))

	sqrtRd := math.Sqrt(ctx.EffRadius * ctx.Penetration)
	kt := 8 * ctx.Mat.GStar * sqrtRd
	beta := hertzDamping(ctx.Mat.CoR)
	st := 8 * ctx.Mat.GStar * sqrtRd
	ft := r3.Add(
		r3.Scale(-kt, delta),
		r3.Scale(-2*math.Sqrt(5.0/6.0)*beta*math.Sqrt(st*ctx.EffMass), ctx.RelVelT),
	)

	// Coulomb cap: sliding rescales the spring stretch so the next step
	// starts at the cap.
	coulomb := ctx.Mat.Mu * fn
	if ftMag := r3.Norm(ft); ftMag > coulomb && ftMag > 0 {
		ft = r3.Scale(coulomb/ftMag, ft)
		if kt > 0 {
			delta = r3.Scale(-1/kt, ft)
		}
	}
	out.Force = r3.Add(out.Force, ft)
	out.NewHistory = [3]float64{delta.X, delta.Y, delta.Z}

	// Rolling resistance: oppose relative rotation, scaled by Crr.
	if w := r3.Norm(ctx.RelAngVel); w > 1e-12 && ctx.Mat.Crr > 0 {
		out.RollingTorque = r3.Scale(-ctx.Mat.Crr*fn*ctx.EffRadius/w, ctx.RelAngVel)
	}
	return out
}

// CustomForceModel runs a user snippet compiled by the specialization
// pipeline. The snippet evaluates to [fx, fy, fz] (world force on A) and
// may read the fixed locals plus any declared wildcard.
type CustomForceModel struct {
	name        string
	source      string
	historyless bool
	prog        *vm.Program
	// properties the model declared it needs; registration verifies the
	// material table populates exactly these.
	RequiredProps []string
}

// Name implements ForceModel.
func (m *CustomForceModel) Name() string { return m.name }

// Historyless implements ForceModel.
func (m *CustomForceModel) Historyless() bool { return m.historyless }

// Evaluate implements ForceModel.
func (m *CustomForceModel) Evaluate(ctx *ContactContext) ContactForce {
	env := contactEnv(ctx)
	out, err := vm.Run(m.prog, env)
	if err != nil {
		// Model errors are reported once at registration-time validation;
		// at run time a failing snippet contributes no force.
		return ContactForce{}
	}
	comps, ok := out.([]any)
	if !ok || len(comps) != 3 {
		return ContactForce{}
	}
	var f r3.Vec
	if f.X, err = toFloat(comps[0]); err != nil {
		return ContactForce{}
	}
	if f.Y, err = toFloat(comps[1]); err != nil {
		return ContactForce{}
	}
	if f.Z, err = toFloat(comps[2]); err != nil {
		return ContactForce{}
	}
	return ContactForce{Force: f}
}

// newCustomForceModel compiles a snippet through the kernel cache and
// probes it once against a zero-contact environment so malformed snippets
// fail registration, not simulation.
func newCustomForceModel(name, source string, historyless bool, cache *kernelCache) (*CustomForceModel, error) {
	prog, err := cache.compile(source)
	if err != nil {
		return nil, fmt.Errorf("force model %q: %w", name, err)
	}
	m := &CustomForceModel{name: name, source: source, historyless: historyless, prog: prog}
	probe := &ContactContext{Normal: r3.Vec{Z: 1}, EffMass: 1, EffRadius: 1, Mat: CombinedMaterial{EStar: 1, GStar: 1, CoR: 0.5, Mu: 0.5}}
	if out, err := vm.Run(prog, contactEnv(probe)); err != nil {
		return nil, fmt.Errorf("force model %q does not evaluate: %w", name, err)
	} else if comps, ok := out.([]any); !ok || len(comps) != 3 {
		return nil, fmt.Errorf("force model %q must evaluate to a 3-component force, got %T", name, out)
	}
	return m, nil
}

// contactEnv is the fixed set of named locals a custom model's snippet
// sees.
func contactEnv(ctx *ContactContext) map[string]any {
	env := mathEnv()
	env["dt"] = ctx.Dt
	env["pen"] = ctx.Penetration
	env["nx"], env["ny"], env["nz"] = ctx.Normal.X, ctx.Normal.Y, ctx.Normal.Z
	env["vrx"], env["vry"], env["vrz"] = ctx.RelVel.X, ctx.RelVel.Y, ctx.RelVel.Z
	env["vnx"], env["vny"], env["vnz"] = ctx.RelVelN.X, ctx.RelVelN.Y, ctx.RelVelN.Z
	env["vtx"], env["vty"], env["vtz"] = ctx.RelVelT.X, ctx.RelVelT.Y, ctx.RelVelT.Z
	env["mEff"], env["rEff"] = ctx.EffMass, ctx.EffRadius
	env["EStar"], env["GStar"] = ctx.Mat.EStar, ctx.Mat.GStar
	env["CoR"], env["mu"], env["Crr"] = ctx.Mat.CoR, ctx.Mat.Mu, ctx.Mat.Crr
	env["deltaTanX"], env["deltaTanY"], env["deltaTanZ"] = 0.0, 0.0, 0.0
	if ctx.History != nil {
		env["deltaTanX"] = ctx.History[0]
		env["deltaTanY"] = ctx.History[1]
		env["deltaTanZ"] = ctx.History[2]
	}
	return env
}
