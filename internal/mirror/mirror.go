// Package mirror appends committed records to per-day CSV files for
// offline consumers. The mirror is non-authoritative: the database holds
// the truth, and a mirror write failure never fails the run.
package mirror

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hazyhaar/moisson/internal/record"
)

// Writer appends normalized records under Dir, one file per target per
// UTC day: <dir>/<YYYY-MM-DD>/<target>.csv.
type Writer struct {
	Dir string
}

// New returns a Writer rooted at dir.
func New(dir string) *Writer {
	return &Writer{Dir: dir}
}

// Append writes records for a target to today's CSV file, creating the
// day directory and header row as needed. A fresh file gets the sorted
// union of the batch's field names plus fingerprint and page_url; later
// appends follow the file's existing header so rows stay aligned, with
// fields the header does not know silently dropped.
func (w *Writer) Append(targetID string, records []record.Normalized, now time.Time) error {
	if len(records) == 0 {
		return nil
	}
	day := now.UTC().Format("2006-01-02")
	dir := filepath.Join(w.Dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mirror: mkdir: %w", err)
	}
	path := filepath.Join(dir, targetID+".csv")

	cols, fresh, err := columnsFor(path, records)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mirror: open: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if fresh {
		if err := cw.Write(append(append([]string{}, cols...), "fingerprint", "page_url")); err != nil {
			return fmt.Errorf("mirror: header: %w", err)
		}
	}
	for _, rec := range records {
		row := make([]string, 0, len(cols)+2)
		for _, c := range cols {
			row = append(row, rec.Fields[c])
		}
		row = append(row, rec.Fingerprint, rec.PageURL)
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("mirror: row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("mirror: flush: %w", err)
	}
	return nil
}

// columnsFor returns the field column order for path: the existing
// header if the file already has one, otherwise the sorted union of the
// batch's field names. The second return reports whether a header still
// needs to be written.
func columnsFor(path string, records []record.Normalized) ([]string, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return batchColumns(records), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mirror: open: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return batchColumns(records), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mirror: read header: %w", err)
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("mirror: malformed header in %s", path)
	}
	// The trailing fingerprint and page_url columns are not fields.
	return header[:len(header)-2], false, nil
}

func batchColumns(records []record.Normalized) []string {
	set := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec.Fields {
			set[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
