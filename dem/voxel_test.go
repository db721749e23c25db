package dem

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestVoxelCodec_RoundTrip(t *testing.T) {
	// GIVEN a codec derived from a 1x1x2 box
	nvX, nvY, nvZ := deriveVoxelPowers(1, 1, 2)
	l := deriveLengthUnit(1, 1, 2, nvX, nvY, nvZ)
	codec, err := NewVoxelCodec(nvX, nvY, nvZ, l, r3.Vec{})
	if err != nil {
		t.Fatalf("NewVoxelCodec: %v", err)
	}

	// WHEN random in-box positions are encoded and decoded
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 1000; i++ {
		p := r3.Vec{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64() * 2}
		id, off := codec.Encode(p)
		got := codec.Decode(id, off)

		// THEN the round trip agrees within the base length unit
		if d := r3.Norm(r3.Sub(got, p)); d > codec.LengthUnit() {
			t.Fatalf("round trip error %g exceeds l=%g for %+v", d, codec.LengthUnit(), p)
		}
		// AND the offset obeys the decomposition invariant
		if off.X < 0 || off.X > codec.VoxelEdge() ||
			off.Y < 0 || off.Y > codec.VoxelEdge() ||
			off.Z < 0 || off.Z > codec.VoxelEdge() {
			t.Fatalf("sub-voxel offset %+v out of [0, voxelEdge=%g]", off, codec.VoxelEdge())
		}
	}
}

func TestVoxelCodec_PowersMustSumToIDWidth(t *testing.T) {
	_, err := NewVoxelCodec(20, 20, 20, 1e-10, r3.Vec{})
	if err == nil {
		t.Fatal("expected an error for voxel powers not summing to 64")
	}
}

func TestDeriveVoxelPowers_SumAndProportion(t *testing.T) {
	nvX, nvY, nvZ := deriveVoxelPowers(1, 1, 8)
	if int(nvX)+int(nvY)+int(nvZ) != voxelIDBits {
		t.Fatalf("powers sum to %d, want %d", int(nvX)+int(nvY)+int(nvZ), voxelIDBits)
	}
	// The longer axis gets more bits.
	if nvZ <= nvX || nvZ <= nvY {
		t.Fatalf("z axis (8x longer) should get more bits: got %d %d %d", nvX, nvY, nvZ)
	}
}

func TestDeriveLengthUnit_CoversBox(t *testing.T) {
	nvX, nvY, nvZ := deriveVoxelPowers(3, 5, 7)
	l := deriveLengthUnit(3, 5, 7, nvX, nvY, nvZ)
	codec, err := NewVoxelCodec(nvX, nvY, nvZ, l, r3.Vec{})
	if err != nil {
		t.Fatalf("NewVoxelCodec: %v", err)
	}
	wx, wy, wz := codec.WorldDims()
	if wx < 3 || wy < 5 || wz < 7 {
		t.Fatalf("derived world %g %g %g does not cover the user box", wx, wy, wz)
	}
}

func TestVoxelCodec_PackUnpack(t *testing.T) {
	codec, err := NewVoxelCodec(21, 21, 22, 1e-8, r3.Vec{})
	if err != nil {
		t.Fatalf("NewVoxelCodec: %v", err)
	}
	ix, iy, iz := codec.Unpack(codec.Pack(123, 456, 789))
	if ix != 123 || iy != 456 || iz != 789 {
		t.Fatalf("pack/unpack mismatch: got %d %d %d", ix, iy, iz)
	}
}
