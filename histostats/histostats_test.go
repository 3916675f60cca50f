package histostats

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saia-lab/saia/histo"
	"github.com/saia-lab/saia/imgproc"
)

func twoPeakSnapshot() histo.Snapshot {
	s := histo.Snapshot{
		ROI:         imgproc.ROI{XC: 3, YC: 4, Size: 5},
		Thresh:      1150.7,
		Peaks:       []histo.Peak{{Height: 10, Centre: 1000, Width: 20}, {Height: 5, Centre: 1300, Width: 30}},
		Fidelity:    0.9987,
		ErrFidelity: 0.0004,
	}
	for i := 0; i < 10; i++ {
		c := 990.0 + float64(i%3)*10
		atom := i >= 6
		if atom {
			c += 300
		}
		s.Records = append(s.Records, histo.Record{File: fmt.Sprint(100 + i), Count: c, Atom: atom})
	}
	return s
}

func TestComputeTwoPeaks(t *testing.T) {
	r, err := Compute(twoPeakSnapshot(), 2.5, 3, DefaultCamera)
	require.NoError(t, err)
	assert.Equal(t, 3, r.HistID)
	assert.Equal(t, 2.5, r.UserVar)
	assert.Equal(t, 100, r.StartFile)
	assert.Equal(t, 109, r.EndFile)
	assert.Equal(t, "3 ; 4 ; 5", r.ROI)
	assert.Equal(t, 10, r.ImNum)
	assert.Equal(t, 4, r.Above)
	assert.Equal(t, 6, r.Below)
	assert.Equal(t, 0.4, r.Loading)
	assert.Equal(t, 1000, r.BgCount)
	// sqrt(8.8^2 + 1000 - 697) = 19.5
	assert.Equal(t, 19, r.BgNoise)
	assert.Equal(t, 300, r.Separation)
	assert.Equal(t, 0.9987, r.Fidelity)
	assert.Equal(t, 1150, r.Threshold)
	// 300 / sqrt(20^2 + 30^2)
	assert.Equal(t, 8.32, r.SN)
	assert.Greater(t, r.SNErr, 0.0)
	assert.Equal(t, 1000.0, r.BgMean)
}

func TestComputeBackgroundOnly(t *testing.T) {
	s := twoPeakSnapshot()
	s.Peaks = s.Peaks[:1]
	r, err := Compute(s, 0, 0, DefaultCamera)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Above)
	assert.Equal(t, 10, r.Below)
	assert.Zero(t, r.Loading)
	assert.Greater(t, r.LoadingUpperErr, 0.0)
	assert.Equal(t, r.LoadingUpperErr, r.LoadingErr)
	assert.Zero(t, r.SigCount)
	assert.Zero(t, r.Fidelity)
}

func TestComputeNoData(t *testing.T) {
	_, err := Compute(histo.Snapshot{}, 0, 0, DefaultCamera)
	assert.ErrorIs(t, err, histo.ErrNoData)
}

func TestRowRoundTrip(t *testing.T) {
	r, err := Compute(twoPeakSnapshot(), 1, 2, DefaultCamera)
	require.NoError(t, err)
	assert.Len(t, r.Values(), len(Columns))
	got, err := ParseRow(strings.Split(r.String(), ","))
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = ParseRow([]string{"1"})
	assert.Error(t, err)
}

func TestHandlerStore(t *testing.T) {
	var h Handler
	_, err := h.Store()
	assert.ErrorIs(t, err, ErrNoTemp)

	h.SetTemp(Row{HistID: h.NextID(), UserVar: 1, Loading: 0.2})
	_, ok := h.Temp()
	assert.True(t, ok)
	_, err = h.Store()
	require.NoError(t, err)
	_, ok = h.Temp()
	assert.False(t, ok)

	h.SetTemp(Row{HistID: h.NextID(), UserVar: 2, Loading: 0.4})
	_, err = h.Store()
	require.NoError(t, err)

	xs, ys, err := h.XY("User variable", "Loading probability")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, xs)
	assert.Equal(t, []float64{0.2, 0.4}, ys)
	assert.Equal(t, 1, h.Rows()[1].HistID)

	_, _, err = h.XY("nope", "Loading probability")
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, h.WriteTable(&buf))
	rows, err := ReadRows(&buf)
	require.NoError(t, err)
	assert.Equal(t, h.Rows(), rows)

	h.Reset()
	assert.Zero(t, h.NextID())
}

func TestLog(t *testing.T) {
	root := t.TempDir()
	l := &Log{Root: root, Species: "Cs", Now: func() time.Time {
		return time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)
	}}
	want := filepath.Join(root, "2026", "October", "18", "Cs18Oct2026.dat")
	assert.Equal(t, want, l.Path())

	require.NoError(t, l.Append(Row{HistID: 0, ROI: "1 ; 2 ; 3"}))
	require.NoError(t, l.Append(Row{HistID: 1, ROI: "1 ; 2 ; 3"}))
	path, err := l.Init()
	require.NoError(t, err)
	assert.Equal(t, want, path)

	b, err := os.ReadFile(want)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, LogHeader, lines[0])
	assert.Equal(t, "include --[]", lines[1])
	assert.Equal(t, ColumnLine(), lines[2])

	var h Handler
	require.NoError(t, h.LoadTable(want))
	assert.Len(t, h.Rows(), 2)
}
