package dem

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// SimulationKey uniquely identifies a reproducible initial configuration.
// Two solvers built with the same SimulationKey and identical inputs MUST
// produce bit-for-bit identical initial states.
type SimulationKey int64

// Subsystem names for the partitioned RNG.
const (
	// SubsystemSampler seeds the position samplers; it uses the master
	// seed directly so existing seed behavior is preserved.
	SubsystemSampler = "sampler"
)

// SubsystemBatch returns the subsystem name for clump batch N, isolating
// per-batch jitter streams.
func SubsystemBatch(id int) string {
	return fmt.Sprintf("batch_%d", id)
}

// PartitionedRNG provides deterministic, isolated RNG instances per
// subsystem.
//
// Derivation formula:
//   - For SubsystemSampler: uses the master seed directly
//   - For all other subsystems: masterSeed XOR fnv1a64(subsystemName)
//
// Thread-safety: NOT thread-safe. Must be called from a single goroutine.
type PartitionedRNG struct {
	key        SimulationKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named
// subsystem. The same name always returns the same instance (cached).
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	var derivedSeed int64
	if name == SubsystemSampler {
		derivedSeed = int64(p.key)
	} else {
		derivedSeed = int64(p.key) ^ fnv1a64(name)
	}
	rng := rand.New(rand.NewSource(derivedSeed))
	p.subsystems[name] = rng
	return rng
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
