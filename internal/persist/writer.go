package persist

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Writer appends sample rows to a CSV file whose header is fixed at creation.
type Writer struct {
	path    string
	columns []string
	file    *os.File
	csv     *csv.Writer
	rows    int
}

// Create opens path for writing and emits the BOM and the name[unit] header.
func Create(path string, cols types.Columns) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, &types.PersistenceError{Path: path, Op: "open", Err: err}
	}

	w := &Writer{
		path:    path,
		columns: cols.Names(),
		file:    f,
		csv:     csv.NewWriter(f),
	}

	if _, err := f.Write(utf8BOM); err != nil {
		f.Close()
		return nil, &types.PersistenceError{Path: path, Op: "write", Err: err}
	}
	if err := w.writeRecord(cols.Header()); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// WriteRow writes one row in header order. Missing columns are left empty,
// keys outside the header are ignored.
func (w *Writer) WriteRow(values map[string]float64) error {
	record := make([]string, len(w.columns))
	for i, name := range w.columns {
		if v, ok := values[name]; ok {
			record[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	if err := w.writeRecord(record); err != nil {
		return err
	}
	w.rows++
	return nil
}

func (w *Writer) writeRecord(record []string) error {
	if err := w.csv.Write(record); err != nil {
		return &types.PersistenceError{Path: w.path, Op: "write", Err: err}
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return &types.PersistenceError{Path: w.path, Op: "write", Err: err}
	}
	return nil
}

func (w *Writer) Rows() int { return w.rows }

func (w *Writer) Path() string { return w.path }

func (w *Writer) Close() error {
	w.csv.Flush()
	if err := w.file.Close(); err != nil {
		return &types.PersistenceError{Path: w.path, Op: "close", Err: err}
	}
	return nil
}
