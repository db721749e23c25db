package dem

import "testing"

func TestPartitionedRNG_SameSubsystemIsCached(t *testing.T) {
	p := NewPartitionedRNG(42)
	a := p.ForSubsystem(SubsystemSampler)
	b := p.ForSubsystem(SubsystemSampler)
	if a != b {
		t.Fatal("same subsystem must return the cached instance")
	}
}

func TestPartitionedRNG_SubsystemsAreIsolated(t *testing.T) {
	p := NewPartitionedRNG(42)
	a := p.ForSubsystem(SubsystemBatch(0))
	b := p.ForSubsystem(SubsystemBatch(1))
	same := true
	for i := 0; i < 8; i++ {
		if a.Int63() != b.Int63() {
			same = false
			break
		}
	}
	if same {
		t.Fatal("distinct subsystems must draw distinct streams")
	}
}

func TestPartitionedRNG_DeterministicAcrossInstances(t *testing.T) {
	a := NewPartitionedRNG(7).ForSubsystem(SubsystemBatch(3))
	b := NewPartitionedRNG(7).ForSubsystem(SubsystemBatch(3))
	for i := 0; i < 16; i++ {
		if a.Int63() != b.Int63() {
			t.Fatal("same key and subsystem must reproduce the stream")
		}
	}
}
