package dem

import (
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Triangle is one mesh facet with vertices in the owner-local frame.
type Triangle struct {
	P1, P2, P3 r3.Vec
}

// TriMesh is a triangle-soup rigid body: one owner, many facets, one
// material per facet.
type TriMesh struct {
	Mass    float64
	MOI     r3.Vec
	InitPos r3.Vec
	InitOri quat.Number
	Family  uint32

	Facets    []Triangle
	Materials []Material // one per facet

	// UseMeshNormals enables facet reorientation against the supplied
	// reference normals: whenever the right-hand-rule normal of a facet
	// disagrees with its reference, two vertices are swapped.
	UseMeshNormals bool
	Normals        []r3.Vec
	FaceNormalIdx  []int // per facet, index into Normals

	loadOrder int
}

// NumTriangles returns the facet count.
func (m *TriMesh) NumTriangles() int { return len(m.Facets) }

// AddFacet appends one facet with its material.
func (m *TriMesh) AddFacet(tri Triangle, mat Material) {
	m.Facets = append(m.Facets, tri)
	m.Materials = append(m.Materials, mat)
}

// orientedFacet returns facet i with its winding corrected against the
// reference normal, when the mesh carries normals. The vertex set is never
// changed, only the order of P2 and P3.
func (m *TriMesh) orientedFacet(i int) Triangle {
	tri := m.Facets[i]
	if !m.UseMeshNormals || i >= len(m.FaceNormalIdx) {
		return tri
	}
	ref := m.Normals[m.FaceNormalIdx[i]]
	ab := r3.Sub(tri.P2, tri.P1)
	ac := r3.Sub(tri.P3, tri.P1)
	if r3.Dot(r3.Cross(ab, ac), ref) < 0 {
		tri.P2, tri.P3 = tri.P3, tri.P2
	}
	return tri
}
