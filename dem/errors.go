package dem

import "fmt"

// ErrorKind tags a ConfigError with the class of failure, so callers can
// branch on the kind without parsing messages.
type ErrorKind int

const (
	// ErrNoMaterials: initialization requires at least one loaded material.
	ErrNoMaterials ErrorKind = iota
	// ErrNoTemplates: initialization requires at least one clump template.
	ErrNoTemplates
	// ErrTimeStep: non-positive constant time step.
	ErrTimeStep
	// ErrWorldGeometry: degenerate world box, bad voxel split, or an
	// unrecognized origin mode.
	ErrWorldGeometry
	// ErrBinSize: zero or negative bin size with no user override.
	ErrBinSize
	// ErrCapacity: a derived count exceeds its index-type ceiling.
	ErrCapacity
	// ErrBinOverflow: a bin holds more geometries than the per-sweep
	// working set allows.
	ErrBinOverflow
	// ErrContactOverflow: average contacts per sphere exceeded its bound.
	ErrContactOverflow
	// ErrKernelCompile: kernel specialization or compilation failed.
	ErrKernelCompile
	// ErrNotInitialized: a runtime call arrived before Initialize.
	ErrNotInitialized
	// ErrWorkersBusy: an operation requiring idle workers arrived mid-run.
	ErrWorkersBusy
	// ErrBadInput: malformed user input outside the categories above.
	ErrBadInput
)

var errorKindNames = map[ErrorKind]string{
	ErrNoMaterials:     "no-materials",
	ErrNoTemplates:     "no-templates",
	ErrTimeStep:        "time-step",
	ErrWorldGeometry:   "world-geometry",
	ErrBinSize:         "bin-size",
	ErrCapacity:        "capacity",
	ErrBinOverflow:     "bin-overflow",
	ErrContactOverflow: "contact-overflow",
	ErrKernelCompile:   "kernel-compile",
	ErrNotInitialized:  "not-initialized",
	ErrWorkersBusy:     "workers-busy",
	ErrBadInput:        "bad-input",
}

// ConfigError is the tagged failure result for configuration, capacity and
// runtime-saturation problems. Count/Ceiling carry the offending quantity
// for capacity errors; Cycle carries the step index for runtime errors.
type ConfigError struct {
	Kind    ErrorKind
	Detail  string
	Count   uint64
	Ceiling uint64
	Cycle   int64
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", errorKindNames[e.Kind], e.Detail)
}

// Is lets errors.Is match on a bare kind-carrying ConfigError.
func (e *ConfigError) Is(target error) bool {
	t, ok := target.(*ConfigError)
	return ok && t.Kind == e.Kind
}

func newConfigError(kind ErrorKind, format string, args ...any) *ConfigError {
	return &ConfigError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func newCapacityError(kind ErrorKind, count, ceiling uint64, format string, args ...any) *ConfigError {
	return &ConfigError{Kind: kind, Detail: fmt.Sprintf(format, args...), Count: count, Ceiling: ceiling}
}
