package out

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// chpfMagic marks a chpf container.
var chpfMagic = [4]byte{'C', 'H', 'P', 'F'}

// Write emits the rows in the requested format. wildcards names the
// per-owner wildcard columns (in Row.Wildcards order); it matters only when
// content carries ContentWildcards.
func Write(w io.Writer, format Format, mode Mode, content Content, wildcards []string, rows []Row) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, mode, content, wildcards, rows)
	case FormatBinary:
		return writeBinary(w, mode, content, wildcards, rows)
	case FormatCHPF:
		return writeCHPF(w, mode, content, wildcards, rows)
	}
	return fmt.Errorf("unknown output format %d", format)
}

// WriteFile is the file-path convenience wrapper around Write.
func WriteFile(path string, format Format, mode Mode, content Content, wildcards []string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create clump dump: %w", err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	if err := Write(bw, format, mode, content, wildcards, rows); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	logrus.Debugf("Wrote %d rows to %s", len(rows), path)
	return nil
}

func writeCSV(w io.Writer, mode Mode, content Content, wildcards []string, rows []Row) error {
	cw := csv.NewWriter(w)
	cols := columnSet(content, mode, wildcards)
	if err := cw.Write(cols); err != nil {
		return err
	}
	rec := make([]string, len(cols))
	for i := range rows {
		vals := rows[i].values(content, mode, len(wildcards))
		for j, v := range vals {
			rec[j] = strconv.FormatFloat(v, 'g', 17, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeBinary(w io.Writer, mode Mode, content Content, wildcards []string, rows []Row) error {
	header := []any{uint32(content), uint8(mode), uint64(len(rows))}
	for _, h := range header {
		if err := binary.Write(w, binary.LittleEndian, h); err != nil {
			return err
		}
	}
	for i := range rows {
		for _, v := range rows[i].values(content, mode, len(wildcards)) {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeCHPF writes the chpf container: magic, column table, then one packed
// float64 column per field.
func writeCHPF(w io.Writer, mode Mode, content Content, wildcards []string, rows []Row) error {
	if _, err := w.Write(chpfMagic[:]); err != nil {
		return err
	}
	cols := columnSet(content, mode, wildcards)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(cols))); err != nil {
		return err
	}
	for _, c := range cols {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(c))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(c)); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(rows))); err != nil {
		return err
	}
	// Column-major payload.
	for ci := range cols {
		for ri := range rows {
			v := rows[ri].values(content, mode, len(wildcards))[ci]
			if err := binary.Write(w, binary.LittleEndian, math.Float64bits(v)); err != nil {
				return err
			}
		}
	}
	return nil
}
