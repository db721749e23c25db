package out

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleRows() []Row {
	return []Row{
		{X: 0.1, Y: -0.2, Z: 3.5, QW: 1, VX: 0.5, VY: 0, VZ: -1, AbsV: 1.118, Family: 1, Material: 0, Radius: 0.05},
		{X: -1.5, Y: 2.25, Z: 0, QW: 0.7071, QZ: 0.7071, VX: 0, VY: 0, VZ: 0, Family: 2, Material: 1, Radius: 0.1},
	}
}

func TestCSV_RoundTrip(t *testing.T) {
	// GIVEN rows dumped with positions, quaternions and velocities
	content := ContentPosition | ContentQuaternion | ContentVelocity | ContentFamily
	var buf bytes.Buffer
	rows := sampleRows()
	if err := Write(&buf, FormatCSV, ModeClump, content, nil, rows); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// WHEN read back
	got, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}

	// THEN every written field survives exactly
	if len(got) != len(rows) {
		t.Fatalf("row count %d, want %d", len(got), len(rows))
	}
	for i := range rows {
		assert.Equal(t, rows[i].X, got[i].X)
		assert.Equal(t, rows[i].QZ, got[i].QZ)
		assert.Equal(t, rows[i].VZ, got[i].VZ)
		assert.Equal(t, rows[i].Family, got[i].Family)
		// Fields outside the content mask read back as zero.
		assert.Equal(t, 0.0, got[i].Radius)
	}
}

func TestCSV_WildcardsRoundTrip(t *testing.T) {
	// GIVEN rows carrying two named per-owner wildcards
	content := ContentPosition | ContentWildcards
	names := []string{"charge", "wear"}
	rows := sampleRows()
	rows[0].Wildcards = []float64{1.5, -0.25}
	rows[1].Wildcards = []float64{0, 3}

	var buf bytes.Buffer
	if err := Write(&buf, FormatCSV, ModeClump, content, names, rows); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// THEN the header carries the wildcard columns in order
	header, _, _ := bytes.Cut(buf.Bytes(), []byte("\n"))
	assert.Equal(t, "x,y,z,w_charge,w_wear", string(header))

	// AND the values survive the round trip
	got, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	assert.Equal(t, rows[0].Wildcards, got[0].Wildcards)
	assert.Equal(t, rows[1].Wildcards, got[1].Wildcards)
}

func TestCSV_HeaderMatchesContentMask(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatCSV, ModeSphere, ContentPosition|ContentRadius, nil, sampleRows()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	header, _, _ := bytes.Cut(buf.Bytes(), []byte("\n"))
	assert.Equal(t, "x,y,z,r", string(header))
}

func TestBinary_HeaderAndPayloadSize(t *testing.T) {
	var buf bytes.Buffer
	content := ContentPosition
	if err := Write(&buf, FormatBinary, ModeClump, content, nil, sampleRows()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// header: uint32 content + uint8 mode + uint64 count, then 2 rows x 3
	// float64 columns.
	wantLen := 4 + 1 + 8 + 2*3*8
	if buf.Len() != wantLen {
		t.Fatalf("binary dump is %d bytes, want %d", buf.Len(), wantLen)
	}
	var gotContent uint32
	if err := binary.Read(bytes.NewReader(buf.Bytes()[:4]), binary.LittleEndian, &gotContent); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint32(content), gotContent)
}

func TestBinary_WildcardColumnsWidenRows(t *testing.T) {
	var buf bytes.Buffer
	content := ContentPosition | ContentWildcards
	rows := sampleRows()
	rows[0].Wildcards = []float64{7}
	rows[1].Wildcards = []float64{8}
	if err := Write(&buf, FormatBinary, ModeClump, content, []string{"wear"}, rows); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// 3 position columns + 1 wildcard column per row.
	wantLen := 4 + 1 + 8 + 2*4*8
	if buf.Len() != wantLen {
		t.Fatalf("binary dump is %d bytes, want %d", buf.Len(), wantLen)
	}
}

func TestCHPF_MagicAndColumnTable(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, FormatCHPF, ModeClump, ContentPosition|ContentWildcards, []string{"wear"}, sampleRows()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	b := buf.Bytes()
	assert.Equal(t, "CHPF", string(b[:4]))
	var ncols uint32
	if err := binary.Read(bytes.NewReader(b[4:8]), binary.LittleEndian, &ncols); err != nil {
		t.Fatal(err)
	}
	// x, y, z plus the wildcard column.
	assert.Equal(t, uint32(4), ncols)
}

func TestColumnSet_RadiusOnlyInSphereMode(t *testing.T) {
	withR := columnSet(ContentPosition|ContentRadius, ModeSphere, nil)
	withoutR := columnSet(ContentPosition|ContentRadius, ModeClump, nil)
	assert.Contains(t, withR, "r")
	assert.NotContains(t, withoutR, "r")
}

func TestColumnSet_WildcardsNeedTheBit(t *testing.T) {
	// Names alone must not leak columns without ContentWildcards.
	cols := columnSet(ContentPosition, ModeClump, []string{"wear"})
	assert.NotContains(t, cols, "w_wear")
}
