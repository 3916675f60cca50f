package histostats

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// ErrNoTemp is returned when there are no pending statistics to store
var ErrNoTemp = errors.New("no histogram statistics to store")

// Handler accumulates rows of statistics.  Temp holds the latest row, which is only added
// to the table once stored.  It is safe for concurrent use.
type Handler struct {
	mu   sync.RWMutex
	rows []Row
	temp *Row
}

// SetTemp replaces the pending row
func (h *Handler) SetTemp(r Row) {
	h.mu.Lock()
	h.temp = &r
	h.mu.Unlock()
}

// Temp returns the pending row
func (h *Handler) Temp() (Row, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.temp == nil {
		return Row{}, false
	}
	return *h.temp, true
}

// Store appends the pending row to the table and returns it
func (h *Handler) Store() (Row, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.temp == nil {
		return Row{}, ErrNoTemp
	}
	r := *h.temp
	h.rows = append(h.rows, r)
	h.temp = nil
	return r, nil
}

// NextID is the ID for the next histogram
func (h *Handler) NextID() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rows)
}

// Rows returns a copy of the table
func (h *Handler) Rows() []Row {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Row(nil), h.rows...)
}

// Reset empties the table.  Stored rows are still in the log.
func (h *Handler) Reset() {
	h.mu.Lock()
	h.rows = nil
	h.temp = nil
	h.mu.Unlock()
}

// XY returns two columns of the table as numbers, for plotting one statistic against another
func (h *Handler) XY(x, y string) (xs, ys []float64, err error) {
	for _, r := range h.Rows() {
		xv, err := r.Float(x)
		if err != nil {
			return nil, nil, err
		}
		yv, err := r.Float(y)
		if err != nil {
			return nil, nil, err
		}
		xs = append(xs, xv)
		ys = append(ys, yv)
	}
	return xs, ys, nil
}

// ColumnLine is the commented line naming the columns
func ColumnLine() string {
	return "#" + strings.Join(Columns, ", ")
}

// WriteTable writes the table to w with a commented header
func (h *Handler) WriteTable(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "#Single Atom Image Analyser Log File: collects histogram data")
	fmt.Fprintln(bw, "#include --[]")
	fmt.Fprintln(bw, ColumnLine())
	for _, r := range h.Rows() {
		fmt.Fprintln(bw, r.String())
	}
	return bw.Flush()
}

// SaveTable writes the table to a file at path
func (h *Handler) SaveTable(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = h.WriteTable(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadRows parses rows from a log or a saved table, skipping header and comment lines
func ReadRows(r io.Reader) ([]Row, error) {
	var rows []Row
	scn := bufio.NewScanner(r)
	line := 0
	for scn.Scan() {
		line++
		txt := strings.TrimSpace(scn.Text())
		if txt == "" || strings.HasPrefix(txt, "#") || strings.HasPrefix(txt, "//") || strings.HasPrefix(txt, "include") {
			continue
		}
		row, err := ParseRow(strings.Split(txt, ","))
		if err != nil {
			return rows, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, scn.Err()
}

// LoadTable replaces the table with the rows in the file at path
func (h *Handler) LoadTable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	rows, err := ReadRows(f)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	h.mu.Lock()
	h.rows = rows
	h.mu.Unlock()
	return nil
}
