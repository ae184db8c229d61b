package dataset

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fibersqs/telesim/internal/fact"
	"github.com/fibersqs/telesim/internal/tables"
)

const writeBufferSize = 1 << 20

// csvFile is one table's output file: header written up front, rows
// buffered through a megabyte writer, count kept for the report.
type csvFile struct {
	info tables.Info
	f    *os.File
	buf  *bufio.Writer
	w    *csv.Writer
	rows int
}

func newCSVFile(dir string, id tables.ID) (*csvFile, error) {
	info, ok := tables.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", id)
	}
	f, err := os.Create(filepath.Join(dir, info.FileName()))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", info.FileName(), err)
	}
	buf := bufio.NewWriterSize(f, writeBufferSize)
	w := csv.NewWriter(buf)
	if err := w.Write(info.Header()); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s header: %w", info.FileName(), err)
	}
	return &csvFile{info: info, f: f, buf: buf, w: w}, nil
}

func (c *csvFile) Write(row []string) error {
	c.rows++
	return c.w.Write(row)
}

func (c *csvFile) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return fmt.Errorf("flush %s: %w", c.info.FileName(), err)
	}
	if err := c.buf.Flush(); err != nil {
		c.f.Close()
		return fmt.Errorf("flush %s: %w", c.info.FileName(), err)
	}
	if err := c.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", c.info.FileName(), err)
	}
	return nil
}

// factRow renders one canonical fact in txn_facts column order.
func factRow(f *fact.Fact) []string {
	return []string{
		f.TransactionID,
		f.CustomerID,
		f.OriginRegion,
		f.TxnType,
		tables.FormatMicro(f.StartTS),
		tables.FormatMicro(f.EndTS),
		string(f.Outcome),
		f.ErrorCode,
		strconv.FormatFloat(f.E2ELatencyMS, 'f', 2, 64),
	}
}
