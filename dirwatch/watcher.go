// Package dirwatch watches the camera's output folder, relabels each new image with the
// synchronised run number and hands it on for analysis.
package dirwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/saia-lab/saia/dexter"
	"github.com/saia-lab/saia/imgrec"
)

// LockName is the lock file held in the storage root by an active watcher
const LockName = ".saia.lock"

var (
	// ErrLocked is returned when another active watcher owns the storage root
	ErrLocked = errors.New("another watcher is storing images in this folder")

	// ErrRunning is returned by Start on a running watcher
	ErrRunning = errors.New("watcher already running")
)

var (
	// PollInterval is how often a file's size is checked while waiting for it to be written
	PollInterval = 10 * time.Millisecond

	// RemoveRetry is the pause before retrying to delete an image the camera driver still holds
	RemoveRetry = 500 * time.Millisecond
)

// Timing is how long the parts of handling an image took
type Timing struct {
	// Idle is the time since the previous image was done
	Idle time.Duration `json:"idle"`

	// Write is the time spent waiting for the camera driver to finish the file
	Write time.Duration `json:"write"`

	// Copy is the time spent storing the file
	Copy time.Duration `json:"copy"`

	// Total is the time from the event to the image being handed on
	Total time.Duration `json:"total"`
}

// String formats the timings in milliseconds
func (t Timing) String() string {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return fmt.Sprintf("idle %.1f ms, write %.1f ms, copy %.1f ms, total %.1f ms",
		ms(t.Idle), ms(t.Write), ms(t.Copy), ms(t.Total))
}

// Event is an image ready for analysis
type Event struct {
	// Path is where the image is now, in the storage tree when active
	Path string

	// Source is where the camera driver wrote it
	Source string

	// Run is the synchronised run number, zero when passive
	Run int

	Timing Timing
}

// Watcher turns file creation events in Dirs.ImageRead into Events.  When its recorder is
// enabled it is active: each image is copied under the synchronised run number and the
// original deleted.  Otherwise it is passive and images are handed on where they are.
type Watcher struct {
	Dirs Dirs
	Rec  *imgrec.Recorder
	Sync *dexter.Syncer

	// Log receives progress and errors; a no-op logger if nil
	Log *zap.SugaredLogger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	lock    *flock.Flock
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	lastEnd time.Time
	times   Timing
	handled int

	// stranded are images that failed in active mode and are still in the read folder.
	// The camera overwrites them, so their next write arrives without a create.
	stranded map[string]bool
}

// New returns a Watcher over dirs storing through rec
func New(dirs Dirs, rec *imgrec.Recorder, log *zap.SugaredLogger) *Watcher {
	return &Watcher{
		Dirs:     dirs,
		Rec:      rec,
		Sync:     dexter.New(dirs.DexterSync),
		Log:      log,
		lock:     flock.New(filepath.Join(dirs.ImageStorage, LockName)),
		events:   make(chan Event, 16),
		lastEnd:  time.Now(),
		stranded: map[string]bool{},
	}
}

func (w *Watcher) log() *zap.SugaredLogger {
	if w.Log == nil {
		return zap.NewNop().Sugar()
	}
	return w.Log
}

// Events delivers handled images in the order they were written
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Active reports if images are being copied and deleted
func (w *Watcher) Active() bool {
	return w.Rec.Enabled()
}

// Running reports if the watcher has been started and not stopped
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Times returns the timings of the last image handled
func (w *Watcher) Times() Timing {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.times
}

// Handled is the number of images handed on since the watcher was made
func (w *Watcher) Handled() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handled
}

func (w *Watcher) acquire() error {
	if w.lock.Locked() {
		return nil
	}
	if err := os.MkdirAll(w.Dirs.ImageStorage, 0777); err != nil {
		return fmt.Errorf("creating storage folder: %w", err)
	}
	ok, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Start begins watching.  It returns once the folder is being watched; images are handled on
// a separate goroutine until Stop is called or ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrRunning
	}
	if w.Dirs.SyncInReadDir() {
		w.log().Warnw("the Dexter sync file is in the image read folder, its updates will be ignored",
			"sync", w.Dirs.DexterSync)
	}
	if w.Rec.Enabled() {
		if err := w.acquire(); err != nil {
			return err
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.release()
		return err
	}
	if err = fsw.Add(w.Dirs.ImageRead); err != nil {
		fsw.Close()
		w.release()
		return fmt.Errorf("watching %s: %w", w.Dirs.ImageRead, err)
	}
	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.run(ctx)
	w.log().Infow("watching for images", "dir", w.Dirs.ImageRead, "active", w.Rec.Enabled())
	return nil
}

func (w *Watcher) release() {
	if !w.lock.Locked() {
		return
	}
	if err := w.lock.Unlock(); err != nil {
		w.log().Warnw("failed to release storage lock", "err", err)
	}
}

// Stop stops watching and waits for the image in hand to be finished
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done

	w.mu.Lock()
	if err := w.fsw.Close(); err != nil {
		w.log().Errorw("error closing file watcher", "err", err)
	}
	w.release()
	w.mu.Unlock()
	w.log().Infow("stopped watching", "dir", w.Dirs.ImageRead)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.wanted(ev) || w.ignore(ev.Name) {
				continue
			}
			out, err := w.Handle(ctx, ev.Name)
			if err != nil {
				if ctx.Err() == nil {
					w.log().Errorw("failed to handle image", "path", ev.Name, "err", err)
					w.strand(ev.Name)
				}
				continue
			}
			select {
			case w.events <- out:
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log().Errorw("file watcher error", "err", err)
		}
	}
}

// wanted reports if ev announces a new image: a creation, or a write to a stranded image
func (w *Watcher) wanted(ev fsnotify.Event) bool {
	if ev.Op&fsnotify.Create != 0 {
		return true
	}
	if ev.Op&fsnotify.Write == 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stranded[ev.Name] {
		return false
	}
	delete(w.stranded, ev.Name)
	return true
}

// strand remembers an image that could not be handled if it is still in the read folder
// of an active watcher
func (w *Watcher) strand(path string) {
	if !w.Rec.Enabled() {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	w.log().Warnw("image left in the read folder, the next write to it will be handled", "path", path)
	w.mu.Lock()
	w.stranded[path] = true
	w.mu.Unlock()
}

// Stranded lists the images left in the read folder after failing
func (w *Watcher) Stranded() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.stranded))
	for p := range w.stranded {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ignore reports if a created path is not an image: the sync file, folders and temp files
func (w *Watcher) ignore(path string) bool {
	if w.Dirs.DexterSync != "" && filepath.Clean(path) == filepath.Clean(w.Dirs.DexterSync) {
		return true
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~") || strings.HasSuffix(base, ".tmp") {
		return true
	}
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// WaitForFile blocks until the size of the file at path stops changing between polls
func WaitForFile(ctx context.Context, path string) error {
	last := int64(-1)
	for {
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		if fi.Size() == last {
			return nil
		}
		last = fi.Size()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// remove deletes path, retrying while another process holds it
func (w *Watcher) remove(ctx context.Context, path string) error {
	op := func() error {
		err := os.Remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if !errors.Is(err, os.ErrPermission) {
			return backoff.Permanent(err)
		}
		w.log().Warnw("image still held by another process, retrying delete", "path", path)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(RemoveRetry), 5), ctx)
	return backoff.Retry(op, b)
}

// Handle processes one new image at src and returns the Event for it
func (w *Watcher) Handle(ctx context.Context, src string) (Event, error) {
	ev := Event{Source: src, Path: src}
	t0 := time.Now()
	w.mu.Lock()
	ev.Timing.Idle = t0.Sub(w.lastEnd)
	w.mu.Unlock()

	if err := WaitForFile(ctx, src); err != nil {
		return ev, fmt.Errorf("waiting for %s: %w", src, err)
	}
	ev.Timing.Write = time.Since(t0)

	if w.Rec.Enabled() {
		if err := w.acquire(); err != nil {
			return ev, err
		}
		run, err := w.Sync.Sync(ctx)
		if err != nil {
			return ev, fmt.Errorf("syncing run number: %w", err)
		}
		ev.Run = run
		tc := time.Now()
		dst, err := w.Rec.Store(ctx, src, run)
		if err != nil {
			return ev, err
		}
		if err = WaitForFile(ctx, dst); err != nil {
			return ev, fmt.Errorf("waiting for copy %s: %w", dst, err)
		}
		ev.Timing.Copy = time.Since(tc)
		if err = w.remove(ctx, src); err != nil {
			return ev, fmt.Errorf("removing %s: %w", src, err)
		}
		ev.Path = dst
	} else if run, err := imgrec.RunNumber(src); err == nil {
		ev.Run = run
	}

	end := time.Now()
	ev.Timing.Total = end.Sub(t0)
	w.mu.Lock()
	w.lastEnd = end
	w.times = ev.Timing
	w.handled++
	w.mu.Unlock()
	w.log().Debugw("image handled", "path", ev.Path, "run", ev.Run, "timing", ev.Timing.String())
	return ev, nil
}

// Existing lists the files with extension ext already in the read folder, which will not
// produce creation events.  An empty ext lists every file.
func (w *Watcher) Existing(ext string) ([]string, error) {
	entries, err := os.ReadDir(w.Dirs.ImageRead)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(w.Dirs.ImageRead, e.Name())
		if w.ignore(p) {
			continue
		}
		if ext != "" && !strings.EqualFold(filepath.Ext(p), "."+strings.TrimPrefix(ext, ".")) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ClearReadDir deletes the files Existing lists and returns how many were removed
func (w *Watcher) ClearReadDir(ctx context.Context, ext string) (int, error) {
	files, err := w.Existing(ext)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range files {
		if err := w.remove(ctx, f); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		w.log().Infow("cleared read folder", "dir", w.Dirs.ImageRead, "removed", n)
	}
	return n, nil
}
