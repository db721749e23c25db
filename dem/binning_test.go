package dem

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/grainflow/grainflow/dem/accel"
)

func asConfigError(err error, target **ConfigError) bool { return errors.As(err, target) }

func testGrid(t *testing.T, binSize float64) (binGrid, *VoxelCodec) {
	t.Helper()
	nvX, nvY, nvZ := deriveVoxelPowers(10, 10, 10)
	l := deriveLengthUnit(10, 10, 10, nvX, nvY, nvZ)
	codec, err := NewVoxelCodec(nvX, nvY, nvZ, l, r3.Vec{})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	grid, err := deriveBinGrid(codec, binSize)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	return grid, codec
}

func allowAll(a, b FamilyTag) bool { return true }

func TestBinEntries_EmitsEveryOverlappedBin(t *testing.T) {
	grid, _ := testGrid(t, 1.0)
	// A sphere straddling a bin corner overlaps 8 bins.
	geoms := []broadGeom{{center: r3.Vec{X: 2, Y: 2, Z: 2}, radius: 0.3, id: 0}}
	keys, vals := binEntries(accel.NewStream(1), grid, geoms)
	if len(keys) != 8 {
		t.Fatalf("corner-straddling sphere should hit 8 bins, got %d", len(keys))
	}
	for _, v := range vals {
		if v != 0 {
			t.Fatalf("all entries must reference geometry 0, got %d", v)
		}
	}
}

func TestSweepBins_FindsOverlapExactlyOnce(t *testing.T) {
	grid, _ := testGrid(t, 1.0)
	st := accel.NewStream(1)
	// GIVEN two overlapping spheres straddling a bin boundary
	geoms := []broadGeom{
		{center: r3.Vec{X: 1.9, Y: 2, Z: 2}, radius: 0.3, id: 0, kind: SphereSphere, owner: 0},
		{center: r3.Vec{X: 2.1, Y: 2, Z: 2}, radius: 0.3, id: 1, kind: SphereSphere, owner: 1},
	}
	keys, vals := binEntries(st, grid, geoms)

	// WHEN swept
	pairs, _, err := sweepBins(st, grid, geoms, keys, vals, allowAll, 64)
	if err != nil {
		t.Fatalf("sweepBins: %v", err)
	}

	// THEN exactly one candidate survives, despite both spheres sharing
	// several bins
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want exactly 1 (home-bin dedupe)", len(pairs))
	}
	if pairs[0].GeoA != 0 || pairs[0].GeoB != 1 || pairs[0].Kind != SphereSphere {
		t.Fatalf("unexpected pair %+v", pairs[0])
	}
}

func TestSweepBins_RejectsMaskedAndSameOwnerAndFixed(t *testing.T) {
	grid, _ := testGrid(t, 1.0)
	st := accel.NewStream(1)
	mk := func(fa, fb FamilyTag, sameOwner, fixedA, fixedB bool) []broadGeom {
		ownerB := OwnerID(1)
		if sameOwner {
			ownerB = 0
		}
		return []broadGeom{
			{center: r3.Vec{X: 2, Y: 2, Z: 2}, radius: 0.3, id: 0, owner: 0, family: fa, fixed: fixedA},
			{center: r3.Vec{X: 2.1, Y: 2, Z: 2}, radius: 0.3, id: 1, owner: ownerB, family: fb, fixed: fixedB},
		}
	}

	// Masked pair.
	geoms := mk(1, 2, false, false, false)
	keys, vals := binEntries(st, grid, geoms)
	pairs, _, _ := sweepBins(st, grid, geoms, keys, vals,
		func(a, b FamilyTag) bool { return false }, 64)
	if len(pairs) != 0 {
		t.Fatal("masked pair must be rejected")
	}

	// Same owner.
	geoms = mk(0, 0, true, false, false)
	keys, vals = binEntries(st, grid, geoms)
	pairs, _, _ = sweepBins(st, grid, geoms, keys, vals, allowAll, 64)
	if len(pairs) != 0 {
		t.Fatal("same-owner pair must be rejected")
	}

	// Both fixed.
	geoms = mk(0, 0, false, true, true)
	keys, vals = binEntries(st, grid, geoms)
	pairs, _, _ = sweepBins(st, grid, geoms, keys, vals, allowAll, 64)
	if len(pairs) != 0 {
		t.Fatal("fixed-fixed pair must be rejected")
	}

	// One fixed, one free: allowed.
	geoms = mk(0, 0, false, true, false)
	keys, vals = binEntries(st, grid, geoms)
	pairs, _, _ = sweepBins(st, grid, geoms, keys, vals, allowAll, 64)
	if len(pairs) != 1 {
		t.Fatal("fixed-free pair must survive")
	}
}

func TestSweepBins_BinOverflowIsFatal(t *testing.T) {
	grid, _ := testGrid(t, 1.0)
	st := accel.NewStream(1)
	geoms := make([]broadGeom, 5)
	for i := range geoms {
		geoms[i] = broadGeom{center: r3.Vec{X: 2.5, Y: 2.5, Z: 2.5}, radius: 0.1, id: GeomID(i), owner: OwnerID(i)}
	}
	keys, vals := binEntries(st, grid, geoms)
	_, _, err := sweepBins(st, grid, geoms, keys, vals, allowAll, 4)
	if err == nil {
		t.Fatal("expected a bin-overflow error")
	}
	var cfg *ConfigError
	if !asConfigError(err, &cfg) || cfg.Kind != ErrBinOverflow {
		t.Fatalf("error should be ErrBinOverflow, got %v", err)
	}
}

func TestDeriveBinGrid_CapacityError(t *testing.T) {
	_, codec := testGrid(t, 1.0)
	if _, err := deriveBinGrid(codec, 1e-9); err == nil {
		t.Fatal("expected a capacity error for absurdly small bins")
	}
}
