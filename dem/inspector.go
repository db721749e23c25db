package dem

import (
	"sync"

	"github.com/expr-lang/expr/vm"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/grainflow/grainflow/dem/accel"
)

// ReduceFlavor selects the reduction an inspector applies over its
// per-geometry quantities.
type ReduceFlavor uint8

const (
	// ReduceMax keeps the largest quantity.
	ReduceMax ReduceFlavor = iota
	// ReduceMin keeps the smallest.
	ReduceMin
	// ReduceSum totals the quantities.
	ReduceSum
	// ReduceNone returns the quantity of the first sphere geometry (0 when
	// there are no spheres).
	ReduceNone
)

// Inspector is a lazy reduction query over the solver's geometry state: an
// element predicate (a compiled expression producing one scalar per sphere)
// plus a reduction flavour. Nothing is precomputed between calls.
type Inspector struct {
	solver *Solver
	name   string
	flavor ReduceFlavor
	prog   *vm.Program
	source string
}

// builtinInspectors maps the stock inspector names to their quantity
// expression and reduction.
var builtinInspectors = map[string]struct {
	quantity string
	flavor   ReduceFlavor
}{
	"clump_max_z":          {"z", ReduceMax},
	"clump_min_z":          {"z", ReduceMin},
	"clump_max_absv":       {"absv", ReduceMax},
	"clump_kinetic_energy": {"ke", ReduceSum},
}

// CreateInspector returns an inspector for one of the stock quantities.
func (s *Solver) CreateInspector(name string) (*Inspector, error) {
	def, ok := builtinInspectors[name]
	if !ok {
		return nil, newConfigError(ErrBadInput, "unknown inspector %q", name)
	}
	return s.CreateCustomInspector(name, def.quantity, def.flavor)
}

// CreateCustomInspector compiles a per-sphere quantity expression (over x,
// y, z, absv, ke, r, family) with the chosen reduction.
func (s *Solver) CreateCustomInspector(name, quantity string, flavor ReduceFlavor) (*Inspector, error) {
	prog, err := s.jit.compile(quantity)
	if err != nil {
		return nil, newConfigError(ErrKernelCompile, "inspector %q: %v", name, err)
	}
	return &Inspector{solver: s, name: name, flavor: flavor, prog: prog, source: quantity}, nil
}

// Name returns the inspector's name.
func (ins *Inspector) Name() string { return ins.name }

// GetValue synchronizes the dynamic worker and runs the specialized
// predicate over the sphere geometries, then the parallel reduction.
func (ins *Inspector) GetValue() (float64, error) {
	s := ins.solver
	if !s.initialized() {
		return 0, newConfigError(ErrNotInitialized, "inspectors require an initialized solver")
	}
	s.syncWorkers()

	dt := s.dT
	geo := s.geo
	vals := make([]float64, geo.spheres.n)
	var errMu sync.Mutex
	var firstErr error
	dt.stream.For(geo.spheres.n, func(i int) {
		o := geo.spheres.owner[i]
		if !dt.state.active[o] {
			return
		}
		pos := r3.Add(dt.state.pos(s.codec, o), rotateVec(dt.state.oriQ[o], geo.spheres.relPos[i]))
		m := geo.mass.mass[dt.state.massIdx[o]]
		absv := r3.Norm(dt.state.vel[o])
		env := mathEnv()
		env["x"], env["y"], env["z"] = pos.X, pos.Y, pos.Z
		env["absv"] = absv
		env["ke"] = 0.5 * m * absv * absv
		env["r"] = geo.spheres.radius[i]
		env["family"] = int(dt.state.family[o])
		out, err := vm.Run(ins.prog, env)
		if err != nil {
			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
			return
		}
		if f, err := toFloat(out); err == nil {
			vals[i] = f
		}
	})
	if firstErr != nil {
		return 0, newConfigError(ErrKernelCompile, "inspector %q: %v", ins.name, firstErr)
	}

	switch ins.flavor {
	case ReduceMax:
		v, _ := accel.ReduceMax(dt.stream, vals)
		return v, nil
	case ReduceMin:
		v, _ := accel.ReduceMin(dt.stream, vals)
		return v, nil
	case ReduceSum:
		return accel.ReduceSum(dt.stream, vals), nil
	default:
		if len(vals) > 0 {
			return vals[0], nil
		}
		return 0, nil
	}
}
