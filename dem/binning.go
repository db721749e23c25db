package dem

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/grainflow/grainflow/dem/accel"
)

// binID is a linearized 3-D bin index. The grid is sized at initialization
// so every id fits this width.
type binID = uint32

// maxBinCount is the bin-id ceiling set by the binID width.
const maxBinCount = uint64(math.MaxUint32)

// defaultMaxGeomPerBin bounds the per-bin working set of the pair sweep. A bin
// exceeding it aborts the cycle: growing further would silently corrupt the
// sweep.
const defaultMaxGeomPerBin = 1024

// binGrid is the contact-detection grid derived at initialization: cubic
// bins of edge binSize covering the voxel-addressable world.
type binGrid struct {
	binSize float64
	nbX     binID
	nbY     binID
	nbZ     binID
	numBins uint64
	origin  r3.Vec
}

// deriveBinGrid computes per-axis bin counts the way the preprocessor does:
// from the voxel-addressable extent, not the user box, since voxels may
// cover more space than the user asked for.
func deriveBinGrid(codec *VoxelCodec, binSize float64) (binGrid, error) {
	if binSize <= 0 {
		return binGrid{}, newConfigError(ErrBinSize, "bin size must be positive, got %g", binSize)
	}
	wx, wy, wz := codec.WorldDims()
	nbX := uint64(wx/binSize) + 1
	nbY := uint64(wy/binSize) + 1
	nbZ := uint64(wz/binSize) + 1
	total := nbX * nbY * nbZ
	if nbX > maxBinCount || nbY > maxBinCount || nbZ > maxBinCount || total > maxBinCount {
		return binGrid{}, newCapacityError(ErrCapacity, total, maxBinCount,
			"the world needs %d bins but the largest bin ID is %d; enlarge the bin size or widen the bin-id type",
			total, maxBinCount)
	}
	return binGrid{
		binSize: binSize,
		nbX:     binID(nbX),
		nbY:     binID(nbY),
		nbZ:     binID(nbZ),
		numBins: total,
		origin:  codec.Origin(),
	}, nil
}

// binAt linearizes a world position's bin index, clamped to the grid.
func (g *binGrid) binAt(p r3.Vec) binID {
	ix := g.axisBin(p.X-g.origin.X, g.nbX)
	iy := g.axisBin(p.Y-g.origin.Y, g.nbY)
	iz := g.axisBin(p.Z-g.origin.Z, g.nbZ)
	return ix + iy*g.nbX + iz*g.nbX*g.nbY
}

func (g *binGrid) axisBin(rel float64, nb binID) binID {
	if rel <= 0 {
		return 0
	}
	i := binID(rel / g.binSize)
	if i >= nb {
		return nb - 1
	}
	return i
}

// axisRange returns the inclusive bin-index range an interval [lo, hi]
// covers along one axis.
func (g *binGrid) axisRange(lo, hi float64, nb binID) (binID, binID) {
	return g.axisBin(lo, nb), g.axisBin(hi, nb)
}

// broadGeom is one binnable geometry in the world frame: a bounding sphere
// plus its identity in the geometry tables.
type broadGeom struct {
	center r3.Vec
	radius float64 // already inflated by the safety margin
	id     GeomID
	kind   ContactKind // which table id indexes (sphere/tri); analytical handled separately
	owner  OwnerID
	family FamilyTag
	fixed  bool
}

// worldSpheres projects the sphere table into the world frame of a
// snapshot, inflating radii by beta.
func worldSpheres(st *accel.Stream, snap *stateSnapshot, geo *geomTables, codec *VoxelCodec, beta float64, fixed []bool) []broadGeom {
	out := make([]broadGeom, geo.spheres.n)
	st.For(geo.spheres.n, func(i int) {
		o := geo.spheres.owner[i]
		if !snap.active[o] {
			out[i] = broadGeom{radius: -1, id: GeomID(i), kind: SphereSphere, owner: o}
			return
		}
		pos := codec.Decode(snap.voxel[o], snap.subPos[o])
		c := r3.Add(pos, rotateVec(snap.oriQ[o], geo.spheres.relPos[i]))
		out[i] = broadGeom{
			center: c,
			radius: geo.spheres.radius[i] + beta,
			id:     GeomID(i),
			kind:   SphereSphere,
			owner:  o,
			family: snap.family[o],
			fixed:  fixed[o],
		}
	})
	return out
}

// worldTriangles projects facets into the world frame as bounding spheres
// around their centroids.
func worldTriangles(st *accel.Stream, snap *stateSnapshot, geo *geomTables, codec *VoxelCodec, beta float64, fixed []bool) []broadGeom {
	out := make([]broadGeom, geo.tris.n)
	st.For(geo.tris.n, func(i int) {
		o := geo.tris.owner[i]
		if !snap.active[o] {
			out[i] = broadGeom{radius: -1, id: GeomID(i), kind: SphereTriangle, owner: o}
			return
		}
		pos := codec.Decode(snap.voxel[o], snap.subPos[o])
		q := snap.oriQ[o]
		p1 := r3.Add(pos, rotateVec(q, geo.tris.p1[i]))
		p2 := r3.Add(pos, rotateVec(q, geo.tris.p2[i]))
		p3 := r3.Add(pos, rotateVec(q, geo.tris.p3[i]))
		c := r3.Scale(1.0/3.0, r3.Add(p1, r3.Add(p2, p3)))
		r := math.Sqrt(math.Max(norm2(r3.Sub(p1, c)), math.Max(norm2(r3.Sub(p2, c)), norm2(r3.Sub(p3, c)))))
		out[i] = broadGeom{
			center: c,
			radius: r + beta,
			id:     GeomID(i),
			kind:   SphereTriangle,
			owner:  o,
			family: snap.family[o],
			fixed:  fixed[o],
		}
	})
	return out
}

func norm2(v r3.Vec) float64 { return r3.Dot(v, v) }

// binEntries runs the count → scan → emit sequence: for every geometry, the
// set of bins its inflated bound intersects, flattened and sorted by bin
// id.
func binEntries(st *accel.Stream, grid binGrid, geoms []broadGeom) (keys []uint64, vals []int32) {
	n := len(geoms)
	counts := make([]int, n)
	st.For(n, func(i int) {
		g := &geoms[i]
		if g.radius < 0 {
			return
		}
		rel := r3.Sub(g.center, grid.origin)
		x0, x1 := grid.axisRange(rel.X-g.radius, rel.X+g.radius, grid.nbX)
		y0, y1 := grid.axisRange(rel.Y-g.radius, rel.Y+g.radius, grid.nbY)
		z0, z1 := grid.axisRange(rel.Z-g.radius, rel.Z+g.radius, grid.nbZ)
		counts[i] = int(x1-x0+1) * int(y1-y0+1) * int(z1-z0+1)
	})
	offsets, total := accel.ExclusiveScan(counts)
	keys = make([]uint64, total)
	vals = make([]int32, total)
	st.For(n, func(i int) {
		g := &geoms[i]
		if g.radius < 0 {
			return
		}
		rel := r3.Sub(g.center, grid.origin)
		x0, x1 := grid.axisRange(rel.X-g.radius, rel.X+g.radius, grid.nbX)
		y0, y1 := grid.axisRange(rel.Y-g.radius, rel.Y+g.radius, grid.nbY)
		z0, z1 := grid.axisRange(rel.Z-g.radius, rel.Z+g.radius, grid.nbZ)
		k := offsets[i]
		for z := z0; z <= z1; z++ {
			for y := y0; y <= y1; y++ {
				for x := x0; x <= x1; x++ {
					keys[k] = uint64(x + y*grid.nbX + z*grid.nbX*grid.nbY)
					vals[k] = int32(i)
					k++
				}
			}
		}
	})
	accel.SortPairs(keys, vals)
	return keys, vals
}

// sweepBins walks each populated bin and emits surviving candidate pairs.
// A pair is accepted only in its home bin (the bin containing the center of
// its AABB intersection) so duplicates across bins cannot arise. maskAllows
// is the family-mask predicate; maxPerBin is the overflow guard.
func sweepBins(st *accel.Stream, grid binGrid, geoms []broadGeom, keys []uint64, vals []int32, maskAllows func(a, b FamilyTag) bool, maxPerBin int) ([]ContactPair, float64, error) {
	runs := accel.RunLengthEncode(keys)
	var loadSum float64
	for _, r := range runs {
		loadSum += float64(r.Count)
		if r.Count > maxPerBin {
			return nil, 0, &ConfigError{
				Kind:    ErrBinOverflow,
				Detail:  "too many geometries in one contact-detection bin",
				Count:   uint64(r.Count),
				Ceiling: uint64(maxPerBin),
			}
		}
	}
	meanLoad := 0.0
	if len(runs) > 0 {
		meanLoad = loadSum / float64(len(runs))
	}

	perRun := make([][]ContactPair, len(runs))
	st.For(len(runs), func(ri int) {
		r := runs[ri]
		var local []ContactPair
		for i := r.Start; i < r.Start+r.Count; i++ {
			for j := i + 1; j < r.Start+r.Count; j++ {
				a := &geoms[vals[i]]
				b := &geoms[vals[j]]
				if p, ok := testBroadPair(grid, binID(r.Key), a, b, maskAllows); ok {
					local = append(local, p)
				}
			}
		}
		perRun[ri] = local
	})

	var pairs []ContactPair
	for _, l := range perRun {
		pairs = append(pairs, l...)
	}
	return pairs, meanLoad, nil
}

// testBroadPair is the cheap in-bin overlap test plus the rejection rules.
func testBroadPair(grid binGrid, home binID, a, b *broadGeom, maskAllows func(x, y FamilyTag) bool) (ContactPair, bool) {
	// Sphere-sphere pairs keep sphere-sphere kind; mixed sphere/triangle
	// pairs become sphere-triangle with the sphere as side A. Two
	// triangles never pair.
	var kind ContactKind
	switch {
	case a.kind == SphereSphere && b.kind == SphereSphere:
		kind = SphereSphere
	case a.kind == SphereSphere && b.kind == SphereTriangle:
		kind = SphereTriangle
	case a.kind == SphereTriangle && b.kind == SphereSphere:
		a, b = b, a
		kind = SphereTriangle
	default:
		return ContactPair{}, false
	}

	if a.owner == b.owner {
		return ContactPair{}, false
	}
	if a.fixed && b.fixed {
		return ContactPair{}, false
	}
	if !maskAllows(a.family, b.family) {
		return ContactPair{}, false
	}

	d := r3.Sub(a.center, b.center)
	rr := a.radius + b.radius
	if r3.Dot(d, d) > rr*rr {
		return ContactPair{}, false
	}

	// Home bin = the bin of the AABB-intersection center. Both geometries'
	// bounds contain that point, so exactly one bin in the sweep owns the
	// pair.
	home2 := grid.binAt(r3.Vec{
		X: 0.5 * (math.Max(a.center.X-a.radius, b.center.X-b.radius) + math.Min(a.center.X+a.radius, b.center.X+b.radius)),
		Y: 0.5 * (math.Max(a.center.Y-a.radius, b.center.Y-b.radius) + math.Min(a.center.Y+a.radius, b.center.Y+b.radius)),
		Z: 0.5 * (math.Max(a.center.Z-a.radius, b.center.Z-b.radius) + math.Min(a.center.Z+a.radius, b.center.Z+b.radius)),
	})
	if home2 != home {
		return ContactPair{}, false
	}

	if kind == SphereSphere && a.id > b.id {
		a, b = b, a
	}
	return ContactPair{GeoA: a.id, GeoB: b.id, Kind: kind}, true
}

// pairAnalytical emits sphere-analytical candidates directly: analytical
// primitives are few and unbounded in extent, so they skip the bin pass the
// way the original keeps them resident in every kernel.
func pairAnalytical(st *accel.Stream, snap *stateSnapshot, geo *geomTables, codec *VoxelCodec, spheres []broadGeom, maskAllows func(a, b FamilyTag) bool, fixed []bool) []ContactPair {
	if geo.anal.n == 0 {
		return nil
	}
	type analWorld struct {
		pos    r3.Vec
		rot    r3.Vec
		family FamilyTag
		owner  OwnerID
		fixed  bool
	}
	aw := make([]analWorld, geo.anal.n)
	inactive := make([]bool, geo.anal.n)
	for i := 0; i < geo.anal.n; i++ {
		o := geo.anal.owner[i]
		if !snap.active[o] {
			inactive[i] = true
			continue
		}
		ownerPos := codec.Decode(snap.voxel[o], snap.subPos[o])
		aw[i] = analWorld{
			pos:    r3.Add(ownerPos, rotateVec(snap.oriQ[o], geo.anal.relPos[i])),
			rot:    rotateVec(snap.oriQ[o], geo.anal.rot[i]),
			family: snap.family[o],
			owner:  o,
			fixed:  fixed[o],
		}
	}
	perSphere := make([][]ContactPair, len(spheres))
	st.For(len(spheres), func(si int) {
		s := &spheres[si]
		if s.radius < 0 {
			return
		}
		var local []ContactPair
		for ai := 0; ai < geo.anal.n; ai++ {
			if inactive[ai] {
				continue
			}
			a := &aw[ai]
			if a.owner == s.owner {
				continue
			}
			if a.fixed && s.fixed {
				continue
			}
			if !maskAllows(s.family, a.family) {
				continue
			}
			if analyticalMightTouch(geo, ai, a.pos, a.rot, s.center, s.radius) {
				local = append(local, ContactPair{GeoA: s.id, GeoB: GeomID(ai), Kind: SphereAnalytical})
			}
		}
		perSphere[si] = local
	})
	var pairs []ContactPair
	for _, l := range perSphere {
		pairs = append(pairs, l...)
	}
	return pairs
}

// analyticalMightTouch is the conservative broad test per primitive kind,
// against the inflated sphere.
func analyticalMightTouch(geo *geomTables, i int, pos, rot, center r3.Vec, radius float64) bool {
	switch geo.anal.kind[i] {
	case ObjPlane:
		return r3.Dot(r3.Sub(center, pos), rot) <= radius
	case ObjPlate:
		d := r3.Dot(r3.Sub(center, pos), rot)
		if math.Abs(d) > radius {
			return false
		}
		rel := r3.Sub(center, pos)
		reach := math.Sqrt(geo.anal.size1[i]*geo.anal.size1[i]+geo.anal.size2[i]*geo.anal.size2[i]) + radius
		return r3.Norm(rel) <= reach
	case ObjZCylinder, ObjCylinder:
		rel := r3.Sub(center, pos)
		along := r3.Dot(rel, rot)
		if geo.anal.size3[i] > 0 && math.Abs(along) > geo.anal.size3[i]+radius {
			return false
		}
		radial := r3.Norm(r3.Sub(rel, r3.Scale(along, rot)))
		if geo.anal.normal[i] == NormalInward {
			return radial+radius >= geo.anal.size1[i]
		}
		return radial-radius <= geo.anal.size1[i]
	}
	return false
}

// fixedOwnerFlags derives, per owner, whether its family fully dictates
// zero velocity (the fixed rejection in the sweep).
func fixedOwnerFlags(snap *stateSnapshot, pres []compiledPrescription) []bool {
	fixed := make([]bool, len(snap.family))
	for i, f := range snap.family {
		p := &pres[f]
		fixed[i] = p.used && p.linVelDictate && p.rotVelDictate &&
			isZeroChannel(p.linVel[0]) && isZeroChannel(p.linVel[1]) && isZeroChannel(p.linVel[2]) &&
			isZeroChannel(p.rotVel[0]) && isZeroChannel(p.rotVel[1]) && isZeroChannel(p.rotVel[2])
	}
	return fixed
}

func isZeroChannel(c *compiledChannel) bool {
	return c != nil && c.src == "0"
}
