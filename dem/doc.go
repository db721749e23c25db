// Package dem is the core engine of grainflow: a Discrete Element Method
// solver for large populations of rigid granular bodies, built around an
// asynchronous two-worker co-simulation core.
//
// # Reading Guide
//
// Start with these three files to understand the engine:
//   - solver.go: the Solver root object, its configuration surface, and
//     the DoDynamics entry points
//   - handshake.go: the kT/dT exchange — single-slot buffers, fresh flags,
//     the drift bound, and the cooperative cancellation contract
//   - dynamic.go / kinematic.go: the two worker loops
//
// # Architecture
//
// The solver splits every simulation cycle across two workers:
//   - kT (kinematic.go, binning.go): broad-phase contact detection — bin
//     overlap, sort, run-length encode, per-bin sweep — producing candidate
//     pair lists from the most recent owner state it was handed
//   - dT (dynamic.go, narrowphase.go, force.go, integrator.go): exact
//     contact geometry, force evaluation, time stepping, owner-state
//     updates
//
// The two run on separate OS threads and exchange data only through the
// handshake: dT may run up to a configured number of steps ahead of the
// pair list it integrates against (the drift bound), so neither side
// blocks the other within a step.
//
// The preprocessor (preprocess.go) flattens user inputs — clump templates,
// analytical objects, meshes, materials, families — into the dense tables
// both workers share read-only, and the specialization pipeline
// (specialize.go, kernels.go) bakes registry snapshots and user snippets
// into compiled kernels.
//
// Sub-packages:
//   - dem/accel: streams and the data-parallel primitives (sort, scan,
//     run-length encode, reductions) the pipelines are built from
//   - dem/out: clump-state dump writers (CSV, binary, chpf) and the CSV
//     reader used for restarts
package dem
