// Package analysis ties the image watcher to the histogram and statistics handlers and
// exposes them over HTTP.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/saia-lab/saia/dirwatch"
	"github.com/saia-lab/saia/histo"
	"github.com/saia-lab/saia/histostats"
	"github.com/saia-lab/saia/imgrec"
	"github.com/saia-lab/saia/server/middleware/locker"
)

// DefaultRefresh is the shortest interval between histogram recomputations while images arrive
const DefaultRefresh = 200 * time.Millisecond

// ErrNoMultirun is returned when aborting a multirun that is not running
var ErrNoMultirun = errors.New("no multirun in progress")

// Service is the analyser.  Images from the watcher are added to Hist and the histogram
// is recomputed at most once per refresh interval.  Statistics of the histogram are
// kept in Stats and appended to StatLog when stored.
type Service struct {
	Hist    *histo.Handler
	Stats   *histostats.Handler
	StatLog *histostats.Log

	// Watcher is optional; without one the watcher routes report errors
	Watcher *dirwatch.Watcher

	// Locker is locked for the duration of a multirun
	Locker *locker.Locker

	Camera histostats.Camera

	// Results is the folder histograms and tables are saved to when given a bare name
	Results string

	// Log receives progress and errors; a no-op logger if nil
	Log *zap.SugaredLogger

	limiter *rate.Limiter

	mu      sync.Mutex
	userVar float64
	mr      *multirun
	measure int
}

// New returns a Service around hist which recomputes the histogram at most once per
// refresh.  refresh <= 0 selects DefaultRefresh.
func New(hist *histo.Handler, statLog *histostats.Log, refresh time.Duration) *Service {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	lck := locker.New()
	lck.DoNotProtect = append(lck.DoNotProtect, "multirun")
	return &Service{
		Hist:    hist,
		Stats:   &histostats.Handler{},
		StatLog: statLog,
		Locker:  lck,
		Camera:  histostats.DefaultCamera,
		limiter: rate.NewLimiter(rate.Every(refresh), 1),
	}
}

func (s *Service) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

// Run handles events until the channel is closed or ctx is done.  The histogram is
// refreshed once more on exit so the last images are not left out.
func (s *Service) Run(ctx context.Context, events <-chan dirwatch.Event) error {
	defer s.refresh()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.HandleEvent(ev); err != nil {
				s.log().Errorw("processing image", "path", ev.Path, "err", err)
			}
		}
	}
}

// HandleEvent adds the image of ev to the histogram, or passes it to the multirun
func (s *Service) HandleEvent(ev dirwatch.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mr != nil {
		return s.multirunStep(ev)
	}
	if _, err := s.Hist.Process(ev.Path); err != nil {
		return err
	}
	if s.limiter.Allow() {
		s.refresh()
	}
	return nil
}

// refresh recomputes the histogram and, unless it is manual, the threshold
func (s *Service) refresh() {
	if _, err := s.Hist.Refresh(); err != nil && !errors.Is(err, histo.ErrNoData) {
		s.log().Debugw("histogram refresh", "err", err)
	}
}

// UserVar returns the user variable recorded with the statistics
func (s *Service) UserVar() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userVar, nil
}

// SetUserVar sets the user variable recorded with the statistics
func (s *Service) SetUserVar(v float64) error {
	s.mu.Lock()
	s.userVar = v
	s.mu.Unlock()
	return nil
}

// UpdateStats computes the statistics of the current histogram and holds them as the
// pending row
func (s *Service) UpdateStats() (histostats.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStats()
}

func (s *Service) updateStats() (histostats.Row, error) {
	row, err := histostats.Compute(s.Hist.Snapshot(), s.userVar, s.Stats.NextID(), s.Camera)
	if err != nil {
		return row, err
	}
	s.Stats.SetTemp(row)
	return row, nil
}

// Fit fits Gaussians to the histogram until the threshold settles, falling back on the
// peak estimates when the fit fails, then updates the pending statistics
func (s *Service) Fit() (histostats.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fit()
	return s.updateStats()
}

func (s *Service) fit() {
	if err := s.Hist.UpdateFit(); err != nil {
		s.log().Warnw("fit failed, using peak estimates", "err", err)
		s.refresh()
	}
}

// FitBackground fits a single Gaussian for histograms with no signal peak and updates
// the pending statistics
func (s *Service) FitBackground() (histostats.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.Hist.FitBackground(); err != nil {
		return histostats.Row{}, err
	}
	return s.updateStats()
}

// StoreStats adds the pending statistics to the table and the log
func (s *Service) StoreStats() (histostats.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeStats()
}

func (s *Service) storeStats() (histostats.Row, error) {
	row, err := s.Stats.Store()
	if err != nil {
		return row, err
	}
	if s.StatLog != nil {
		if err = s.StatLog.Append(row); err != nil {
			return row, fmt.Errorf("appending to statistics log: %w", err)
		}
	}
	return row, nil
}

// resultPath puts bare names in the results folder and adds ext if there is none
func (s *Service) resultPath(name, ext string) string {
	if filepath.Ext(name) == "" {
		name += ext
	}
	if filepath.IsAbs(name) || filepath.Dir(name) != "." {
		return name
	}
	return filepath.Join(s.Results, name)
}

// SaveHistogram writes the per-image data as CSV and returns the path written
func (s *Service) SaveHistogram(name string) (string, error) {
	path := s.resultPath(name, ".csv")
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return "", err
	}
	return path, s.Hist.SaveCSV(path)
}

// LoadHistogram replaces the per-image data with a saved CSV and recomputes the histogram
func (s *Service) LoadHistogram(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Hist.LoadCSV(s.resultPath(name, ".csv")); err != nil {
		return err
	}
	s.refresh()
	return nil
}

// SaveStats writes the statistics table and returns the path written
func (s *Service) SaveStats(name string) (string, error) {
	path := s.resultPath(name, ".dat")
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return "", err
	}
	return path, s.Stats.SaveTable(path)
}

// LoadStats replaces the statistics table with a saved one
func (s *Service) LoadStats(name string) error {
	return s.Stats.LoadTable(s.resultPath(name, ".dat"))
}

// Reset empties the histogram.  It is refused during a multirun.
func (s *Service) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mr != nil {
		return ErrMultirunActive
	}
	s.Hist.Reset()
	return nil
}

// StartMultirun resets the histogram and begins a multirun.  An empty prefix is replaced
// by the number of the measure.  Settings are locked until it ends.
func (s *Service) StartMultirun(spec MultirunSpec) (MultirunSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mr != nil {
		return spec, ErrMultirunActive
	}
	if spec.Prefix == "" {
		spec.Prefix = strconv.Itoa(s.measure)
	}
	if spec.Dir == "" {
		spec.Dir = s.Results
	}
	if err := spec.Validate(); err != nil {
		return spec, err
	}
	if err := os.MkdirAll(spec.Dir, 0777); err != nil {
		return spec, fmt.Errorf("creating multirun folder: %w", err)
	}
	s.Hist.Reset()
	s.mr = &multirun{spec: spec}
	s.Locker.Lock()
	s.log().Infow("multirun started", "prefix", spec.Prefix, "vars", len(spec.Vars),
		"omit", spec.Omit, "perHist", spec.PerHist, "dir", spec.Dir)
	return spec, nil
}

// Measure is the number of the next multirun, used as its prefix when none is given
func (s *Service) Measure() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.measure, nil
}

// SetMeasure sets the number of the next multirun
func (s *Service) SetMeasure(n int) error {
	if n < 0 {
		return fmt.Errorf("measure number %d is negative", n)
	}
	s.mu.Lock()
	s.measure = n
	s.mu.Unlock()
	return nil
}

// AbortMultirun stops the multirun, keeping whatever it has saved
func (s *Service) AbortMultirun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mr == nil {
		return ErrNoMultirun
	}
	s.log().Warnw("multirun aborted", "status", s.mr.status().String())
	s.endMultirun()
	return nil
}

// Multirun returns the progress of the multirun
func (s *Service) Multirun() MultirunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mr == nil {
		return MultirunStatus{}
	}
	return s.mr.status()
}

func (s *Service) endMultirun() {
	s.mr = nil
	s.Locker.Unlock()
}

// multirunStep stores nothing for omitted images, adds the rest to the histogram and
// closes off each histogram once it is complete.  s.mu is held.
func (s *Service) multirunStep(ev dirwatch.Event) error {
	switch s.mr.next() {
	case stepDone:
		s.endMultirun()
		return nil
	case stepOmit:
		s.log().Debugw("omitted", "path", ev.Path)
	case stepProcess:
		if _, err := s.Hist.Process(ev.Path); err != nil {
			s.mr.drop()
			return err
		}
		if s.limiter.Allow() {
			s.refresh()
		}
	}
	if !s.mr.histDone() {
		return nil
	}
	return s.finishHist()
}

// finishHist fits and stores the histogram of the current user variable, saves it and
// moves on.  s.mu is held.
func (s *Service) finishHist() error {
	spec, i := s.mr.spec, s.mr.v
	s.userVar = spec.Vars[i]
	csvPath := filepath.Join(spec.Dir, spec.Prefix+"_"+strconv.Itoa(i)+".csv")

	s.fit()
	var errs []error
	if _, err := s.updateStats(); err != nil {
		errs = append(errs, fmt.Errorf("statistics of %s: %w", csvPath, err))
	} else if _, err = s.storeStats(); err != nil {
		errs = append(errs, err)
	}
	if err := s.Hist.SaveCSV(csvPath); err != nil {
		errs = append(errs, err)
	}
	s.Hist.Reset()
	s.log().Infow("multirun histogram saved", "path", csvPath, "var", s.userVar)

	if s.mr.advance() {
		datPath := filepath.Join(spec.Dir, spec.Prefix+".dat")
		if err := s.Stats.SaveTable(datPath); err != nil {
			errs = append(errs, err)
		}
		s.log().Infow("multirun finished", "path", datPath)
		s.measure++
		s.endMultirun()
	}
	return errors.Join(errs...)
}

// Reprocess adds stored images to the histogram in run order, calling progress after each
// one, and refreshes the histogram at the end.  Images that fail are logged and skipped.
func (s *Service) Reprocess(ctx context.Context, paths []string, progress func(done, total int)) (int, error) {
	paths = slices.Clone(paths)
	slices.SortStableFunc(paths, func(a, b string) int {
		ra, erra := imgrec.RunNumber(a)
		rb, errb := imgrec.RunNumber(b)
		if erra != nil || errb != nil {
			return 0
		}
		return ra - rb
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := s.Hist.Process(p); err != nil {
			s.log().Warnw("skipping image", "path", p, "err", err)
		} else {
			n++
		}
		if progress != nil {
			progress(i+1, len(paths))
		}
	}
	s.refresh()
	return n, nil
}
