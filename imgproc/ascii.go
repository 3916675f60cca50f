package imgproc

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrEmptyImage is returned for an image file with no pixel data
var ErrEmptyImage = errors.New("image file holds no data")

// EmptyRetry is how long to wait before reading an empty image file a second time.
// The camera driver may not have filled it yet.
var EmptyRetry = 10 * time.Millisecond

// splitter returns a function splitting a line on delim, with whitespace delimiters
// treated as runs of any whitespace
func splitter(delim string) func(string) []string {
	if strings.TrimSpace(delim) == "" {
		return strings.Fields
	}
	return func(line string) []string {
		parts := strings.Split(line, delim)
		out := parts[:0]
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}
}

func readASCII(path, delim string) (Frame, error) {
	var fr Frame
	f, err := os.Open(path)
	if err != nil {
		return fr, err
	}
	defer f.Close()

	split := splitter(delim)
	scn := bufio.NewScanner(f)
	scn.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scn.Scan() {
		cols := split(scn.Text())
		if len(cols) == 0 {
			continue
		}
		// the first column is the row number
		cols = cols[1:]
		if fr.Height == 0 {
			fr.Width = len(cols)
		} else if len(cols) != fr.Width {
			return fr, fmt.Errorf("%s row %d has %d columns, expected %d", path, fr.Height+1, len(cols), fr.Width)
		}
		for _, c := range cols {
			v, err := strconv.ParseFloat(c, 64)
			if err != nil {
				return fr, fmt.Errorf("%s row %d: %w", path, fr.Height+1, err)
			}
			fr.Pix = append(fr.Pix, v)
		}
		fr.Height++
	}
	if err := scn.Err(); err != nil {
		return fr, err
	}
	if fr.Width == 0 || fr.Height == 0 {
		return fr, ErrEmptyImage
	}
	return fr, nil
}

// LoadASCII reads an ASCII image whose first column holds the row number.
// Columns are separated by delim; a blank delim splits on any whitespace.
// An empty file is read once more after EmptyRetry.
func LoadASCII(path, delim string) (Frame, error) {
	var fr Frame
	op := func() error {
		var err error
		fr, err = readASCII(path, delim)
		if errors.Is(err, ErrEmptyImage) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewConstantBackOff(EmptyRetry), 1))
	return fr, err
}

// PicSize returns the number of pixel columns in an ASCII image, which is one less than
// the number of columns in the file
func PicSize(path, delim string) (int, error) {
	fr, err := LoadASCII(path, delim)
	if err != nil {
		return 0, err
	}
	return fr.Width, nil
}

// IsFITS reports if path has a FITS extension
func IsFITS(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		return true
	}
	return false
}

// Load reads an image, choosing the format from the extension
func Load(path, delim string) (Frame, error) {
	if IsFITS(path) {
		return LoadFITS(path)
	}
	return LoadASCII(path, delim)
}
