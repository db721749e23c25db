package dem

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// contactGeom is the exact (un-inflated) contact geometry of one pair:
// penetration depth, contact normal pointing from B into A, and the contact
// point, all in the world frame.
type contactGeom struct {
	depth  float64
	normal r3.Vec
	point  r3.Vec
}

// sphereSphereContact tests two world-frame spheres for true overlap.
func sphereSphereContact(ca r3.Vec, ra float64, cb r3.Vec, rb float64) (contactGeom, bool) {
	d := r3.Sub(ca, cb)
	dist := r3.Norm(d)
	depth := ra + rb - dist
	if depth <= 0 || dist == 0 {
		return contactGeom{}, false
	}
	n := r3.Scale(1/dist, d)
	return contactGeom{
		depth:  depth,
		normal: n,
		point:  r3.Add(cb, r3.Scale(rb-depth/2, n)),
	}, true
}

// spherePlaneContact tests a sphere against an infinite plane (point p on
// plane, unit normal n pointing toward allowed space).
func spherePlaneContact(c r3.Vec, r float64, p, n r3.Vec) (contactGeom, bool) {
	dist := r3.Dot(r3.Sub(c, p), n)
	depth := r - dist
	if depth <= 0 {
		return contactGeom{}, false
	}
	return contactGeom{
		depth:  depth,
		normal: n,
		point:  r3.Sub(c, r3.Scale(dist, n)),
	}, true
}

// spherePlateContact tests a sphere against a finite rectangular plate:
// center q, unit normal n, half-dimensions hx, hy along the in-plane axes.
func spherePlateContact(c r3.Vec, r float64, q, n r3.Vec, hx, hy float64) (contactGeom, bool) {
	u, v := planeBasis(n)
	rel := r3.Sub(c, q)
	pu := clampAbs(r3.Dot(rel, u), hx)
	pv := clampAbs(r3.Dot(rel, v), hy)
	closest := r3.Add(q, r3.Add(r3.Scale(pu, u), r3.Scale(pv, v)))
	d := r3.Sub(c, closest)
	dist := r3.Norm(d)
	depth := r - dist
	if depth <= 0 || dist == 0 {
		return contactGeom{}, false
	}
	normal := r3.Scale(1/dist, d)
	return contactGeom{depth: depth, normal: normal, point: closest}, true
}

// sphereCylinderContact tests a sphere against a finite cylinder around
// axis (unit) through center q, with radius cr and half-length hl. An
// inward sense means the cylinder is a container pushing bodies toward the
// axis's surface from inside.
func sphereCylinderContact(c r3.Vec, r float64, q, axis r3.Vec, cr, hl float64, sense NormalSense) (contactGeom, bool) {
	rel := r3.Sub(c, q)
	along := r3.Dot(rel, axis)
	if hl > 0 && math.Abs(along) > hl+r {
		return contactGeom{}, false
	}
	radial := r3.Sub(rel, r3.Scale(along, axis))
	dist := r3.Norm(radial)
	if dist == 0 {
		return contactGeom{}, false
	}
	var depth float64
	var n r3.Vec
	if sense == NormalInward {
		// Container wall: overlap when the sphere pokes past cr from
		// inside.
		depth = dist + r - cr
		n = r3.Scale(-1/dist, radial)
	} else {
		depth = cr + r - dist
		n = r3.Scale(1/dist, radial)
	}
	if depth <= 0 {
		return contactGeom{}, false
	}
	surface := r3.Add(q, r3.Add(r3.Scale(along, axis), r3.Scale(cr, r3.Scale(1/dist, radial))))
	return contactGeom{depth: depth, normal: n, point: surface}, true
}

// sphereTriangleContact tests a sphere against a world-frame triangle.
func sphereTriangleContact(c r3.Vec, r float64, tri Triangle) (contactGeom, bool) {
	closest := closestPointOnTriangle(c, tri)
	d := r3.Sub(c, closest)
	dist := r3.Norm(d)
	depth := r - dist
	if depth <= 0 {
		return contactGeom{}, false
	}
	var n r3.Vec
	if dist > 1e-14 {
		n = r3.Scale(1/dist, d)
	} else {
		// Center on the facet: fall back to the facet normal.
		n = r3.Unit(r3.Cross(r3.Sub(tri.P2, tri.P1), r3.Sub(tri.P3, tri.P1)))
	}
	return contactGeom{depth: depth, normal: n, point: closest}, true
}

// closestPointOnTriangle is the standard barycentric-region point query.
func closestPointOnTriangle(p r3.Vec, tri Triangle) r3.Vec {
	a, b, c := tri.P1, tri.P2, tri.P3
	ab := r3.Sub(b, a)
	ac := r3.Sub(c, a)
	ap := r3.Sub(p, a)

	d1 := r3.Dot(ab, ap)
	d2 := r3.Dot(ac, ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}

	bp := r3.Sub(p, b)
	d3 := r3.Dot(ab, bp)
	d4 := r3.Dot(ac, bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}

	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		v := d1 / (d1 - d3)
		return r3.Add(a, r3.Scale(v, ab))
	}

	cp := r3.Sub(p, c)
	d5 := r3.Dot(ab, cp)
	d6 := r3.Dot(ac, cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}

	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		w := d2 / (d2 - d6)
		return r3.Add(a, r3.Scale(w, ac))
	}

	va := d3*d6 - d5*d4
	if va <= 0 && (d4-d3) >= 0 && (d5-d6) >= 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		return r3.Add(b, r3.Scale(w, r3.Sub(c, b)))
	}

	denom := 1 / (va + vb + vc)
	v := vb * denom
	w := vc * denom
	return r3.Add(a, r3.Add(r3.Scale(v, ab), r3.Scale(w, ac)))
}

// planeBasis returns two unit vectors spanning the plane orthogonal to n.
func planeBasis(n r3.Vec) (u, v r3.Vec) {
	ref := r3.Vec{X: 1}
	if math.Abs(n.X) > 0.9 {
		ref = r3.Vec{Y: 1}
	}
	u = r3.Unit(r3.Cross(n, ref))
	v = r3.Cross(n, u)
	return u, v
}

func clampAbs(x, lim float64) float64 {
	if x > lim {
		return lim
	}
	if x < -lim {
		return -lim
	}
	return x
}
