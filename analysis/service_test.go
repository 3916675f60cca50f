package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saia-lab/saia/dirwatch"
	"github.com/saia-lab/saia/histo"
	"github.com/saia-lab/saia/histostats"
)

// writeImage writes a 2x2 ASCII image whose pixels sum to count
func writeImage(t *testing.T, dir string, run int, count float64) string {
	t.Helper()
	p := filepath.Join(dir, fmt.Sprintf("Cs-133_18Oct2026_%d.asc", run))
	txt := fmt.Sprintf("0 %g 0\n1 0 0\n", count)
	require.NoError(t, os.WriteFile(p, []byte(txt), 0644))
	return p
}

// bimodal returns n counts, a fifth of them bright
func bimodal(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%5 == 4 {
			out[i] = 1300 + float64(i%7)*4
		} else {
			out[i] = 1000 + float64(i%7)*3
		}
	}
	return out
}

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	s := New(histo.NewHandler(0, " "), nil, 0)
	s.Results = filepath.Join(dir, "results")
	return s, dir
}

func TestHandleEvent(t *testing.T) {
	s, dir := newService(t)
	for i, c := range bimodal(50) {
		require.NoError(t, s.HandleEvent(dirwatch.Event{Path: writeImage(t, dir, i, c)}))
	}
	assert.Equal(t, 50, s.Hist.ImNum())

	s.refresh()
	assert.Len(t, s.Hist.Peaks(), 2)
	th := s.Hist.Threshold()
	assert.Greater(t, th, 1018.)
	assert.Less(t, th, 1300.)
	l := s.Hist.LoadingProbability()
	assert.Equal(t, 10, l.Above)

	err := s.HandleEvent(dirwatch.Event{Path: filepath.Join(dir, "missing.asc")})
	assert.Error(t, err)
	assert.Equal(t, 50, s.Hist.ImNum())
}

func TestRunStopsWhenClosed(t *testing.T) {
	s, dir := newService(t)
	events := make(chan dirwatch.Event, 3)
	for i := 0; i < 3; i++ {
		events <- dirwatch.Event{Path: writeImage(t, dir, i, 1000)}
	}
	close(events)
	require.NoError(t, s.Run(context.Background(), events))
	assert.Equal(t, 3, s.Hist.ImNum())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx, make(chan dirwatch.Event)), context.Canceled)
}

func TestStatsStoreAndLog(t *testing.T) {
	s, dir := newService(t)
	s.StatLog = &histostats.Log{Root: filepath.Join(dir, "log"), Species: "Cs-133"}

	_, err := s.StoreStats()
	assert.ErrorIs(t, err, histostats.ErrNoTemp)
	_, err = s.UpdateStats()
	assert.ErrorIs(t, err, histo.ErrNoData)

	for i, c := range bimodal(50) {
		_, err := s.Hist.Process(writeImage(t, dir, i+100, c))
		require.NoError(t, err)
	}
	require.NoError(t, s.SetUserVar(3.5))
	row, err := s.Fit()
	require.NoError(t, err)
	assert.Equal(t, 3.5, row.UserVar)
	assert.Equal(t, 100, row.StartFile)
	assert.Equal(t, 149, row.EndFile)
	assert.Equal(t, 50, row.Above+row.Below)

	stored, err := s.StoreStats()
	require.NoError(t, err)
	assert.Equal(t, row, stored)
	assert.Len(t, s.Stats.Rows(), 1)

	b, err := os.ReadFile(s.StatLog.Path())
	require.NoError(t, err)
	assert.Contains(t, string(b), row.String())
}

func TestSaveLoadHistogram(t *testing.T) {
	s, dir := newService(t)
	for i, c := range bimodal(20) {
		_, err := s.Hist.Process(writeImage(t, dir, i, c))
		require.NoError(t, err)
	}
	p, err := s.SaveHistogram("first")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Results, "first.csv"), p)

	require.NoError(t, s.Reset())
	assert.Equal(t, 0, s.Hist.ImNum())
	require.NoError(t, s.LoadHistogram("first"))
	assert.Equal(t, 20, s.Hist.ImNum())
}

func TestMultirun(t *testing.T) {
	s, dir := newService(t)
	spec, err := s.StartMultirun(MultirunSpec{Vars: []float64{1, 2}, Omit: 2, PerHist: 30})
	require.NoError(t, err)
	assert.Equal(t, "0", spec.Prefix)
	assert.Equal(t, s.Results, spec.Dir)
	assert.True(t, s.Locker.Locked())
	assert.ErrorIs(t, s.Reset(), ErrMultirunActive)
	_, err = s.StartMultirun(spec)
	assert.ErrorIs(t, err, ErrMultirunActive)

	run := 0
	for v := 0; v < 2; v++ {
		for i := 0; i < 2; i++ {
			require.NoError(t, s.HandleEvent(dirwatch.Event{Path: writeImage(t, dir, run, 5000)}))
			run++
		}
		for _, c := range bimodal(30) {
			require.NoError(t, s.HandleEvent(dirwatch.Event{Path: writeImage(t, dir, run, c)}))
			run++
		}
		assert.FileExists(t, filepath.Join(s.Results, fmt.Sprintf("0_%d.csv", v)))
		assert.Equal(t, 0, s.Hist.ImNum())
	}

	assert.FileExists(t, filepath.Join(s.Results, "0.dat"))
	assert.False(t, s.Locker.Locked())
	assert.False(t, s.Multirun().Active)
	rows := s.Stats.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, 1., rows[0].UserVar)
	assert.Equal(t, 2., rows[1].UserVar)
	assert.Equal(t, 30, rows[0].ImNum)
	assert.Equal(t, 2, rows[0].StartFile)

	// the next measure gets the next prefix
	spec, err = s.StartMultirun(MultirunSpec{Vars: []float64{1}, PerHist: 1})
	require.NoError(t, err)
	assert.Equal(t, "1", spec.Prefix)
	require.NoError(t, s.AbortMultirun())
	assert.False(t, s.Locker.Locked())
	assert.ErrorIs(t, s.AbortMultirun(), ErrNoMultirun)
}

func TestMultirunSkipsUnreadableImage(t *testing.T) {
	s, dir := newService(t)
	_, err := s.StartMultirun(MultirunSpec{Vars: []float64{1, 2}, PerHist: 30})
	require.NoError(t, err)

	counts := bimodal(30)
	for i, c := range counts[:29] {
		require.NoError(t, s.HandleEvent(dirwatch.Event{Path: writeImage(t, dir, i, c)}))
	}
	assert.Error(t, s.HandleEvent(dirwatch.Event{Path: filepath.Join(dir, "missing_29.asc")}))
	assert.Equal(t, 29, s.Multirun().InHist)

	require.NoError(t, s.HandleEvent(dirwatch.Event{Path: writeImage(t, dir, 30, counts[29])}))
	assert.FileExists(t, filepath.Join(s.Results, "0_0.csv"))
	for i, c := range counts {
		require.NoError(t, s.HandleEvent(dirwatch.Event{Path: writeImage(t, dir, 31+i, c)}))
	}

	assert.False(t, s.Multirun().Active)
	assert.False(t, s.Locker.Locked())
	rows := s.Stats.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, 30, rows[0].ImNum)
	assert.Equal(t, 30, rows[1].ImNum)
}

func TestReprocess(t *testing.T) {
	s, dir := newService(t)
	var paths []string
	for _, run := range []int{12, 3, 7} {
		paths = append(paths, writeImage(t, dir, run, float64(run)))
	}
	paths = append(paths, filepath.Join(dir, "missing_4.asc"))

	var calls int
	n, err := s.Reprocess(context.Background(), paths, func(done, total int) {
		calls++
		assert.Equal(t, 4, total)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 4, calls)

	snap := s.Hist.Snapshot()
	var files []string
	for _, r := range snap.Records {
		files = append(files, r.File)
	}
	assert.Equal(t, []string{"3", "7", "12"}, files)
}
