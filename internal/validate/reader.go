package validate

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fibersqs/telesim/internal/tables"
)

// tableReader streams one dataset CSV, validating its header against the
// table schema up front. Rows are reused between Next calls; retain
// individual fields, not the slice.
type tableReader struct {
	id   tables.ID
	info tables.Info
	file *os.File
	csv  *csv.Reader
	idx  map[string]int
	rows int
}

func openTable(dir string, id tables.ID) (*tableReader, error) {
	info, ok := tables.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", id)
	}
	path := filepath.Join(dir, info.FileName())
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", info.FileName(), err)
	}
	r := csv.NewReader(f)
	r.ReuseRecord = true
	r.FieldsPerRecord = len(info.Columns)

	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s header: %w", info.FileName(), err)
	}
	if !slices.Equal(header, info.Header()) {
		f.Close()
		return nil, fmt.Errorf("%s header mismatch: got %v", info.FileName(), header)
	}

	idx := make(map[string]int, len(info.Columns))
	for i, c := range info.Columns {
		idx[c.Name] = i
	}
	return &tableReader{id: id, info: info, file: f, csv: r, idx: idx}, nil
}

// tableExists reports whether the table's CSV is present in dir.
func tableExists(dir string, id tables.ID) bool {
	info, ok := tables.Lookup(id)
	if !ok {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, info.FileName()))
	return err == nil
}

// Next returns the next data row or io.EOF.
func (t *tableReader) Next() ([]string, error) {
	row, err := t.csv.Read()
	if err != nil {
		return nil, err
	}
	t.rows++
	return row, nil
}

// Col returns the named column of row.
func (t *tableReader) Col(row []string, name string) string {
	return row[t.idx[name]]
}

// Rows returns how many data rows have been read so far.
func (t *tableReader) Rows() int {
	return t.rows
}

func (t *tableReader) Close() error {
	return t.file.Close()
}

// eachRow streams every row of the table through fn and records the row
// count into counts.
func eachRow(dir string, id tables.ID, counts map[string]int, fn func(t *tableReader, row []string) error) error {
	t, err := openTable(dir, id)
	if err != nil {
		return err
	}
	defer t.Close()
	for {
		row, err := t.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", t.info.FileName(), err)
		}
		if err := fn(t, row); err != nil {
			return err
		}
	}
	counts[string(id)] = t.Rows()
	return nil
}

// parseTS accepts both table timestamp encodings.
func parseTS(raw string) (time.Time, error) {
	if ts, err := time.Parse(tables.TimeLayoutMicro, raw); err == nil {
		return ts, nil
	}
	return time.Parse(tables.TimeLayoutSecond, raw)
}
