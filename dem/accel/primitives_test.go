package accel

import (
	"math/rand"
	"sort"
	"testing"
)

func TestSortPairs_SortsAndKeepsPairing(t *testing.T) {
	// GIVEN random keys with attached values
	rng := rand.New(rand.NewSource(7))
	n := 5000
	keys := make([]uint64, n)
	vals := make([]int32, n)
	for i := range keys {
		keys[i] = uint64(rng.Intn(1 << 40))
		vals[i] = int32(i)
	}
	orig := make([]uint64, n)
	copy(orig, keys)

	// WHEN sorted
	SortPairs(keys, vals)

	// THEN keys are nondecreasing and each value still rides its key
	for i := 1; i < n; i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("keys out of order at %d: %d > %d", i, keys[i-1], keys[i])
		}
	}
	for i := 0; i < n; i++ {
		if orig[vals[i]] != keys[i] {
			t.Fatalf("value %d detached from its key", vals[i])
		}
	}
}

func TestSortPairs_Stable(t *testing.T) {
	// GIVEN many duplicated keys
	keys := []uint64{3, 1, 3, 1, 3, 1}
	vals := []int32{0, 1, 2, 3, 4, 5}

	// WHEN sorted
	SortPairs(keys, vals)

	// THEN equal keys preserve input order of values
	want := []int32{1, 3, 5, 0, 2, 4}
	for i, v := range vals {
		if v != want[i] {
			t.Fatalf("vals[%d] = %d, want %d (stability broken)", i, v, want[i])
		}
	}
}

func TestExclusiveScan(t *testing.T) {
	offsets, total := ExclusiveScan([]int{3, 0, 2, 5})
	wantOff := []int{0, 3, 3, 5}
	if total != 10 {
		t.Fatalf("total = %d, want 10", total)
	}
	for i, o := range offsets {
		if o != wantOff[i] {
			t.Fatalf("offsets[%d] = %d, want %d", i, o, wantOff[i])
		}
	}
}

func TestRunLengthEncode(t *testing.T) {
	runs := RunLengthEncode([]uint64{2, 2, 2, 5, 9, 9})
	want := []Run{{2, 0, 3}, {5, 3, 1}, {9, 4, 2}}
	if len(runs) != len(want) {
		t.Fatalf("got %d runs, want %d", len(runs), len(want))
	}
	for i, r := range runs {
		if r != want[i] {
			t.Fatalf("run %d = %+v, want %+v", i, r, want[i])
		}
	}
	if got := RunLengthEncode(nil); len(got) != 0 {
		t.Fatalf("empty input should give no runs, got %d", len(got))
	}
}

func TestReduce_AgainstSortedReference(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	xs := make([]float64, 10000)
	for i := range xs {
		xs[i] = rng.NormFloat64() * 100
	}
	ref := make([]float64, len(xs))
	copy(ref, xs)
	sort.Float64s(ref)

	s := NewStream(4)
	if got, ok := ReduceMax(s, xs); !ok || got != ref[len(ref)-1] {
		t.Fatalf("ReduceMax = %v, want %v", got, ref[len(ref)-1])
	}
	if got, ok := ReduceMin(s, xs); !ok || got != ref[0] {
		t.Fatalf("ReduceMin = %v, want %v", got, ref[0])
	}
	var want float64
	for _, x := range xs {
		want += x
	}
	got := ReduceSum(s, xs)
	if diff := got - want; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("ReduceSum = %v, want %v", got, want)
	}
}

func TestStreamFor_CoversAllIndices(t *testing.T) {
	s := NewStream(3)
	n := 10000
	seen := make([]int32, n)
	s.For(n, func(i int) { seen[i]++ })
	for i, c := range seen {
		if c != 1 {
			t.Fatalf("index %d visited %d times", i, c)
		}
	}
}
