package dem

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// VoxelID is a packed 3-D voxel index. The per-axis bit widths are chosen at
// initialization and must sum to the width of this type.
type VoxelID uint64

const (
	// voxelIDBits is the total bit budget split across the three axes.
	voxelIDBits = 64
	// subVoxelResPower fixes the voxel edge at 2^subVoxelResPower base
	// length units, so sub-voxel offsets keep full float precision at any
	// world size.
	subVoxelResPower = 16
)

// VoxelCodec encodes world positions as (voxel index, sub-voxel offset)
// against a fixed origin. Decomposition invariant:
//
//	pos = origin + voxelIndex*voxelEdge + subVoxelOffset
//
// with every component of subVoxelOffset in [0, voxelEdge).
type VoxelCodec struct {
	nvX, nvY, nvZ uint8 // voxels per axis as powers of 2
	l             float64
	voxelEdge     float64
	origin        r3.Vec
}

// NewVoxelCodec builds a codec from per-axis voxel-count powers, the base
// length unit l, and the world origin (left-bottom-front corner). The three
// powers must sum to the VoxelID width.
func NewVoxelCodec(nvX, nvY, nvZ uint8, l float64, origin r3.Vec) (*VoxelCodec, error) {
	if int(nvX)+int(nvY)+int(nvZ) != voxelIDBits {
		return nil, newConfigError(ErrWorldGeometry,
			"voxel counts (as powers of 2) along each direction must add up to %d, got %d+%d+%d",
			voxelIDBits, nvX, nvY, nvZ)
	}
	if l <= 0 {
		return nil, newConfigError(ErrWorldGeometry, "base length unit must be positive, got %g", l)
	}
	return &VoxelCodec{
		nvX:       nvX,
		nvY:       nvY,
		nvZ:       nvZ,
		l:         l,
		voxelEdge: float64(uint64(1)<<subVoxelResPower) * l,
		origin:    origin,
	}, nil
}

// VoxelEdge returns the edge length of a voxel.
func (c *VoxelCodec) VoxelEdge() float64 { return c.voxelEdge }

// LengthUnit returns the base length unit l.
func (c *VoxelCodec) LengthUnit() float64 { return c.l }

// Origin returns the world origin.
func (c *VoxelCodec) Origin() r3.Vec { return c.origin }

// WorldDims returns the exact world dimensions the codec can address. These
// are never smaller than the user-requested box.
func (c *VoxelCodec) WorldDims() (x, y, z float64) {
	return c.voxelEdge * float64(uint64(1)<<c.nvX),
		c.voxelEdge * float64(uint64(1)<<c.nvY),
		c.voxelEdge * float64(uint64(1)<<c.nvZ)
}

// VoxelsPerAxis returns the voxel counts along each axis.
func (c *VoxelCodec) VoxelsPerAxis() (nx, ny, nz uint64) {
	return uint64(1) << c.nvX, uint64(1) << c.nvY, uint64(1) << c.nvZ
}

// Encode decomposes a world position into a packed voxel index and a
// sub-voxel offset. Positions outside the world box clamp to the boundary
// voxel; the offset absorbs the remainder.
func (c *VoxelCodec) Encode(p r3.Vec) (VoxelID, r3.Vec) {
	rel := r3.Sub(p, c.origin)
	ix := clampIndex(math.Floor(rel.X/c.voxelEdge), uint64(1)<<c.nvX)
	iy := clampIndex(math.Floor(rel.Y/c.voxelEdge), uint64(1)<<c.nvY)
	iz := clampIndex(math.Floor(rel.Z/c.voxelEdge), uint64(1)<<c.nvZ)
	off := r3.Vec{
		X: rel.X - float64(ix)*c.voxelEdge,
		Y: rel.Y - float64(iy)*c.voxelEdge,
		Z: rel.Z - float64(iz)*c.voxelEdge,
	}
	return c.Pack(ix, iy, iz), off
}

// Decode recomposes a world position from a voxel index and offset.
func (c *VoxelCodec) Decode(id VoxelID, off r3.Vec) r3.Vec {
	ix, iy, iz := c.Unpack(id)
	return r3.Vec{
		X: c.origin.X + float64(ix)*c.voxelEdge + off.X,
		Y: c.origin.Y + float64(iy)*c.voxelEdge + off.Y,
		Z: c.origin.Z + float64(iz)*c.voxelEdge + off.Z,
	}
}

// Pack linearizes per-axis voxel indices: X occupies the low bits, then Y,
// then Z.
func (c *VoxelCodec) Pack(ix, iy, iz uint64) VoxelID {
	return VoxelID(ix | iy<<c.nvX | iz<<(c.nvX+c.nvY))
}

// Unpack splits a VoxelID into per-axis indices.
func (c *VoxelCodec) Unpack(id VoxelID) (ix, iy, iz uint64) {
	v := uint64(id)
	ix = v & (uint64(1)<<c.nvX - 1)
	iy = (v >> c.nvX) & (uint64(1)<<c.nvY - 1)
	iz = v >> (c.nvX + c.nvY)
	return ix, iy, iz
}

func clampIndex(f float64, n uint64) uint64 {
	if f < 0 {
		return 0
	}
	i := uint64(f)
	if i >= n {
		return n - 1
	}
	return i
}

// deriveVoxelPowers splits the VoxelID bit budget across the three axes so
// that voxels stay as close to cubic as the user box allows: the axis whose
// current voxel edge is longest receives the next bit. Deterministic for a
// fixed box.
func deriveVoxelPowers(boxX, boxY, boxZ float64) (nvX, nvY, nvZ uint8) {
	dims := [3]float64{boxX, boxY, boxZ}
	var nv [3]uint8
	for bit := 0; bit < voxelIDBits; bit++ {
		best := 0
		bestEdge := dims[0] / float64(uint64(1)<<nv[0])
		for a := 1; a < 3; a++ {
			edge := dims[a] / float64(uint64(1)<<nv[a])
			if edge > bestEdge {
				best = a
				bestEdge = edge
			}
		}
		nv[best]++
	}
	return nv[0], nv[1], nv[2]
}

// deriveLengthUnit picks the smallest base length unit such that the voxel
// grid covers the user box along every axis.
func deriveLengthUnit(boxX, boxY, boxZ float64, nvX, nvY, nvZ uint8) float64 {
	perVoxel := float64(uint64(1) << subVoxelResPower)
	l := boxX / (float64(uint64(1)<<nvX) * perVoxel)
	if ly := boxY / (float64(uint64(1)<<nvY) * perVoxel); ly > l {
		l = ly
	}
	if lz := boxZ / (float64(uint64(1)<<nvZ) * perVoxel); lz > l {
		l = lz
	}
	return l
}
