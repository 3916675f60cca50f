package histostats

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/saia-lab/saia/imgrec"
)

// LogHeader is the first line of a log file
const LogHeader = "//Single Atom Image Analyser Log File: collects histogram data"

// Log appends stored statistics to a dated log file,
// <Root>/<yyyy>/<Month>/<dd>/<Species><ddMonyyyy>.dat
type Log struct {
	mu sync.Mutex

	Root    string
	Species string

	// Now returns the date of the log file; time.Now if nil
	Now func() time.Time
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Path returns today's log file
func (l *Log) Path() string {
	t := l.now()
	return filepath.Join(imgrec.DatedFolder(l.Root, t), l.Species+imgrec.DateLabel(t)+".dat")
}

// Init creates today's log file with its header if it does not exist, and returns its path.
// If the log folder cannot be created the log is started under the working directory.
func (l *Log) Init() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.init()
}

func (l *Log) init() (string, error) {
	path := l.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		if !errors.Is(err, os.ErrPermission) {
			return "", err
		}
		t := l.now()
		path = filepath.Join(imgrec.DatedFolder(".", t), filepath.Base(path))
		if err = os.MkdirAll(filepath.Dir(path), 0777); err != nil {
			return "", err
		}
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	_, err = fmt.Fprintf(f, "%s\ninclude --[]\n%s\n", LogHeader, ColumnLine())
	if err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// Append writes a row to today's log
func (l *Log) Append(r Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	path, err := l.init()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintln(f, r.String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
