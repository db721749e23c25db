// Package out writes clump-state dumps in the solver's three formats (CSV,
// raw binary, chpf) and reads the CSV form back for restarts. The column
// set is driven by a content bitmask; rows are one entity each — component
// spheres or whole owners depending on the output mode.
package out

// Format selects the on-disk encoding of a clump dump.
type Format uint8

const (
	// FormatCSV writes a header row plus one comma-separated row per
	// entity.
	FormatCSV Format = iota
	// FormatBinary writes a little-endian packed stream with a short
	// header.
	FormatBinary
	// FormatCHPF writes the chpf container: magic, field table, packed
	// column data.
	FormatCHPF
)

// Mode selects row granularity.
type Mode uint8

const (
	// ModeSphere emits one row per component sphere (larger files, less
	// post-processing).
	ModeSphere Mode = iota
	// ModeClump emits one row per owner; positions are CoM locations.
	ModeClump
)

// Content is the bitmask of fields that go into the dump.
type Content uint32

const (
	ContentPosition Content = 1 << iota
	ContentQuaternion
	ContentVelocity
	ContentAngVelocity
	ContentAbsV
	ContentFamily
	ContentMaterial
	ContentRadius
	ContentWildcards
)

// DefaultContent mirrors the solver's default output selection.
const DefaultContent = ContentPosition | ContentQuaternion | ContentAbsV

// Row is one output entity in user units.
type Row struct {
	X, Y, Z          float64
	QW, QX, QY, QZ   float64
	VX, VY, VZ       float64
	WX, WY, WZ       float64
	AbsV             float64
	Family           uint32
	Material         int
	Radius           float64
	Wildcards        []float64
}

// columnSet returns the ordered column names a content mask produces.
// wildcards are the per-owner wildcard names, emitted as trailing "w_"
// columns when ContentWildcards is set; Row.Wildcards must follow the same
// order.
func columnSet(content Content, mode Mode, wildcards []string) []string {
	cols := []string{}
	if content&ContentPosition != 0 {
		cols = append(cols, "x", "y", "z")
	}
	if content&ContentQuaternion != 0 {
		cols = append(cols, "qw", "qx", "qy", "qz")
	}
	if content&ContentVelocity != 0 {
		cols = append(cols, "vx", "vy", "vz")
	}
	if content&ContentAngVelocity != 0 {
		cols = append(cols, "wx", "wy", "wz")
	}
	if content&ContentAbsV != 0 {
		cols = append(cols, "absv")
	}
	if content&ContentFamily != 0 {
		cols = append(cols, "family")
	}
	if content&ContentMaterial != 0 {
		cols = append(cols, "material")
	}
	if mode == ModeSphere && content&ContentRadius != 0 {
		cols = append(cols, "r")
	}
	if content&ContentWildcards != 0 {
		for _, name := range wildcards {
			cols = append(cols, "w_"+name)
		}
	}
	return cols
}

// values flattens a row into the column order of columnSet. nWildcards is
// the wildcard column count; short Wildcards slices pad with zeros.
func (r *Row) values(content Content, mode Mode, nWildcards int) []float64 {
	vals := []float64{}
	if content&ContentPosition != 0 {
		vals = append(vals, r.X, r.Y, r.Z)
	}
	if content&ContentQuaternion != 0 {
		vals = append(vals, r.QW, r.QX, r.QY, r.QZ)
	}
	if content&ContentVelocity != 0 {
		vals = append(vals, r.VX, r.VY, r.VZ)
	}
	if content&ContentAngVelocity != 0 {
		vals = append(vals, r.WX, r.WY, r.WZ)
	}
	if content&ContentAbsV != 0 {
		vals = append(vals, r.AbsV)
	}
	if content&ContentFamily != 0 {
		vals = append(vals, float64(r.Family))
	}
	if content&ContentMaterial != 0 {
		vals = append(vals, float64(r.Material))
	}
	if mode == ModeSphere && content&ContentRadius != 0 {
		vals = append(vals, r.Radius)
	}
	if content&ContentWildcards != 0 {
		for i := 0; i < nWildcards; i++ {
			if i < len(r.Wildcards) {
				vals = append(vals, r.Wildcards[i])
			} else {
				vals = append(vals, 0)
			}
		}
	}
	return vals
}
