// Package dexter reads the run number the experiment controller (Dexter) writes
// into its sync file, so that saved images carry the same number as the run.
package dexter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/saia-lab/saia/util"
)

// ErrEmpty is returned when the sync file stayed empty for the whole retry window
var ErrEmpty = errors.New("dexter sync file is empty")

// PollInterval is how often an empty sync file is re-read.  The controller
// usually finishes writing within ~10 ms.
var PollInterval = time.Millisecond

// Syncer hands out run numbers read from the sync file.  It is safe for concurrent use.
type Syncer struct {
	// Path is the location of the sync file
	Path string

	mu      sync.Mutex
	current int
	synced  bool
}

// New returns a Syncer for the file at path
func New(path string) *Syncer {
	return &Syncer{Path: path}
}

// Current returns the last run number handed out and whether one has been read yet
func (s *Syncer) Current() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.synced
}

// Set forces the current run number
func (s *Syncer) Set(n int) {
	s.mu.Lock()
	s.current = n
	s.synced = true
	s.mu.Unlock()
}

// Sync reads the sync file and returns the run number the next image belongs to.
//
// An empty file means the controller is part way through writing it, so it is
// re-read until it has contents or ctx is done.  If the number in the file has not
// changed since the last call, the controller has not advanced it yet and the
// next number is returned instead.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	var txt string
	op := func() error {
		b, err := os.ReadFile(s.Path)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("reading sync file %s: %w", s.Path, err))
		}
		txt = strings.TrimSpace(string(b))
		if txt == "" {
			return ErrEmpty
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(PollInterval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, ErrEmpty) {
			return 0, fmt.Errorf("%w: %s", ErrEmpty, s.Path)
		}
		return 0, err
	}

	if !util.AllElementsNumbers(txt) {
		return 0, fmt.Errorf("sync file %s does not hold a run number: %q", s.Path, txt)
	}
	n, err := strconv.Atoi(txt)
	if err != nil {
		return 0, fmt.Errorf("sync file %s does not hold a run number: %w", s.Path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.synced && s.current == n {
		n++
	}
	s.current = n
	s.synced = true
	return n, nil
}
