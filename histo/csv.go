package histo

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// CSVHeader is the column line of a saved histogram, %d is the threshold
const CSVHeader = "File, Counts, Atom Detected (threshold=%d), X-pos (pix), Y-pos (pix), Mean Count, s.d."

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func btoa(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// WriteCSV writes the processed images to w, one row per image after a commented header
func (h *Handler) WriteCSV(w io.Writer) error {
	h.mu.RLock()
	recs := h.records()
	thresh := h.thresh
	h.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "# "+CSVHeader+"\n", int(thresh)); err != nil {
		return err
	}
	cw := csv.NewWriter(bw)
	for _, r := range recs {
		err := cw.Write([]string{
			r.File, ftoa(r.Count), btoa(r.Atom),
			strconv.Itoa(r.MaxX), strconv.Itoa(r.MaxY),
			ftoa(r.BgMean), ftoa(r.BgStd),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// SaveCSV writes the processed images to a file at path
func (h *Handler) SaveCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = h.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadCSV replaces the buffers with the images in r, leaving room to process more.
// The threshold in the header is restored if it can be parsed.
func (h *Handler) ReadCSV(r io.Reader) error {
	br := bufio.NewReader(r)
	thresh, hasThresh := 0., false
	if line, err := br.Peek(1); err == nil && line[0] == '#' {
		header, _ := br.ReadString('\n')
		var t int
		idx := strings.Index(header, "threshold=")
		if idx >= 0 {
			if _, err := fmt.Sscanf(header[idx:], "threshold=%d", &t); err == nil {
				thresh, hasThresh = float64(t), true
			}
		}
	}
	cr := csv.NewReader(br)
	cr.Comment = '#'
	cr.FieldsPerRecord = 7
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return err
	}
	recs := make([]Record, len(rows))
	for i, row := range rows {
		var rec Record
		rec.File = row[0]
		vals := make([]float64, 6)
		for j := range vals {
			vals[j], err = strconv.ParseFloat(strings.TrimSpace(row[j+1]), 64)
			if err != nil {
				return fmt.Errorf("row %d column %d: %w", i+1, j+2, err)
			}
		}
		rec.Count = vals[0]
		rec.Atom = vals[1] > 0
		rec.MaxX, rec.MaxY = int(vals[2]), int(vals[3])
		rec.BgMean, rec.BgStd = vals[4], vals[5]
		recs[i] = rec
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restore(recs)
	if hasThresh {
		h.thresh = thresh
	}
	return nil
}

// LoadCSV replaces the buffers with the images in the file at path
func (h *Handler) LoadCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = h.ReadCSV(f); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
