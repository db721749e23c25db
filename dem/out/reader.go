package out

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadCSV parses a CSV clump dump back into rows, recognizing the column
// names Write emits. Unknown columns are ignored so dumps stay forward
// compatible.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	// Trailing "w_" columns are per-owner wildcards, restored in column
	// order.
	var wildcardCols []int
	for i, name := range header {
		if strings.HasPrefix(name, "w_") {
			wildcardCols = append(wildcardCols, i)
		}
	}

	var rows []Row
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", line, err)
		}
		get := func(name string) float64 {
			i, ok := idx[name]
			if !ok || i >= len(rec) {
				return 0
			}
			v, err := strconv.ParseFloat(rec[i], 64)
			if err != nil {
				return 0
			}
			return v
		}
		row := Row{
			X: get("x"), Y: get("y"), Z: get("z"),
			QW: get("qw"), QX: get("qx"), QY: get("qy"), QZ: get("qz"),
			VX: get("vx"), VY: get("vy"), VZ: get("vz"),
			WX: get("wx"), WY: get("wy"), WZ: get("wz"),
			AbsV:     get("absv"),
			Family:   uint32(get("family")),
			Material: int(get("material")),
			Radius:   get("r"),
		}
		for _, ci := range wildcardCols {
			row.Wildcards = append(row.Wildcards, get(header[ci]))
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadCSVFile is the file-path convenience wrapper around ReadCSV.
func ReadCSVFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open clump dump: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}
