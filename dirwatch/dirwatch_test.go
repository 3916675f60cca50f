package dirwatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/saia-lab/saia/imgrec"
)

var testDay = time.Date(2026, time.October, 18, 9, 30, 0, 0, time.UTC)

func setup(t *testing.T, run string) (Dirs, *imgrec.Recorder) {
	t.Helper()
	root := t.TempDir()
	d := Dirs{
		ImageStorage: filepath.Join(root, "store"),
		LogFile:      filepath.Join(root, "log"),
		DexterSync:   filepath.Join(root, "dexter", "sync.txt"),
		ImageRead:    filepath.Join(root, "read"),
		Results:      filepath.Join(root, "results"),
	}
	require.NoError(t, os.MkdirAll(d.ImageRead, 0777))
	require.NoError(t, os.MkdirAll(filepath.Dir(d.DexterSync), 0777))
	require.NoError(t, os.WriteFile(d.DexterSync, []byte(run), 0644))
	rec := imgrec.New(d.ImageStorage, "")
	rec.Now = func() time.Time { return testDay }
	return d, rec
}

func TestDirsRoundTrip(t *testing.T) {
	d := Dirs{
		ImageStorage: `C:\images`,
		LogFile:      "/var/log/saia",
		DexterSync:   "/dexter/sync.txt",
		ImageRead:    "/camera",
		Results:      "/results",
	}
	p := filepath.Join(t.TempDir(), "config.dat")
	require.NoError(t, d.Save(p))
	got, err := LoadDirs(p)
	require.NoError(t, err)
	assert.Equal(t, d, got)
	assert.True(t, strings.HasPrefix(d.String(), "// list of required directories for SAIA\nimage storage path\t--"))
}

func TestLoadDirsLegacy(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.dat")
	txt := "// list of required directories for SAIA\n" +
		"image storage path\t--/a\n" +
		"log file path\t\t--/b\n" +
		"dexter sync file\t\t--/c/sync.txt\n" +
		"image read path\t--/c\n" +
		"results path\t\t--/e\n"
	require.NoError(t, os.WriteFile(p, []byte(txt), 0644))
	d, err := LoadDirs(p)
	require.NoError(t, err)
	assert.Equal(t, "/a", d.ImageStorage)
	assert.Equal(t, "/e", d.Results)
	assert.True(t, d.SyncInReadDir())

	require.NoError(t, os.WriteFile(p, []byte("nothing here\n"), 0644))
	_, err = LoadDirs(p)
	assert.Error(t, err)
}

func TestHandleActive(t *testing.T) {
	d, rec := setup(t, "41")
	w := New(d, rec, nil)
	src := filepath.Join(d.ImageRead, "im.asc")
	require.NoError(t, os.WriteFile(src, []byte("0 1 2\n"), 0644))

	ev, err := w.Handle(context.Background(), src)
	require.NoError(t, err)
	want := filepath.Join(d.ImageStorage, "2026", "October", "18", "Cs-133_18Oct2026_41.asc")
	assert.Equal(t, want, ev.Path)
	assert.Equal(t, 41, ev.Run)
	assert.NoFileExists(t, src)
	assert.FileExists(t, want)
	assert.Equal(t, ev.Timing, w.Times())
	assert.GreaterOrEqual(t, ev.Timing.Total, ev.Timing.Write)

	// the controller has not moved on, so the next image gets the next number
	require.NoError(t, os.WriteFile(src, []byte("0 1 2\n"), 0644))
	ev, err = w.Handle(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 42, ev.Run)
	assert.Equal(t, 2, w.Handled())
	w.release()
}

func TestHandlePassive(t *testing.T) {
	d, rec := setup(t, "7")
	require.NoError(t, rec.SetEnabled(false))
	w := New(d, rec, nil)
	src := filepath.Join(d.ImageRead, "Cs-133_18Oct2026_12.asc")
	require.NoError(t, os.WriteFile(src, []byte("0 1 2\n"), 0644))

	ev, err := w.Handle(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, src, ev.Path)
	assert.Equal(t, 12, ev.Run)
	assert.FileExists(t, src)
	assert.NoDirExists(t, d.ImageStorage)
}

func TestHandleMissingFile(t *testing.T) {
	d, rec := setup(t, "1")
	w := New(d, rec, nil)
	_, err := w.Handle(context.Background(), filepath.Join(d.ImageRead, "gone.asc"))
	assert.Error(t, err)
}

func TestWatcherEmitsEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, rec := setup(t, "100")
	w := New(d, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.Running())
	assert.ErrorIs(t, w.Start(ctx), ErrRunning)

	// neither of these is an image
	require.NoError(t, os.Mkdir(filepath.Join(d.ImageRead, "sub"), 0777))
	require.NoError(t, os.WriteFile(filepath.Join(d.ImageRead, ".partial"), nil, 0644))

	src := filepath.Join(d.ImageRead, "im.asc")
	require.NoError(t, os.WriteFile(src, []byte("0 1 2\n1 3 4\n"), 0644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, 100, ev.Run)
		assert.Equal(t, src, ev.Source)
		b, err := os.ReadFile(ev.Path)
		require.NoError(t, err)
		assert.Equal(t, "0 1 2\n1 3 4\n", string(b))
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
	w.Stop()
	assert.False(t, w.Running())
	w.Stop()
}

func TestStrandedImageHandledOnNextWrite(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, rec := setup(t, "not a number")
	w := New(d, rec, nil)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	src := filepath.Join(d.ImageRead, "im.asc")
	require.NoError(t, os.WriteFile(src, []byte("0 1 2\n"), 0644))
	require.Eventually(t, func() bool {
		return len(w.Stranded()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{src}, w.Stranded())
	assert.FileExists(t, src)

	require.NoError(t, os.WriteFile(d.DexterSync, []byte("5"), 0644))
	require.NoError(t, os.WriteFile(src, []byte("0 3 4\n"), 0644))
	select {
	case ev := <-w.Events():
		assert.Equal(t, 5, ev.Run)
		assert.Equal(t, src, ev.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("stranded image was not handled")
	}
}

func TestStrandOnlyWhenActive(t *testing.T) {
	d, rec := setup(t, "1")
	w := New(d, rec, nil)
	src := filepath.Join(d.ImageRead, "im.asc")
	w.strand(src)
	assert.Empty(t, w.Stranded())

	require.NoError(t, os.WriteFile(src, nil, 0644))
	assert.False(t, w.wanted(fsnotify.Event{Name: src, Op: fsnotify.Write}))
	w.strand(src)
	assert.True(t, w.wanted(fsnotify.Event{Name: src, Op: fsnotify.Write}))
	assert.Empty(t, w.Stranded())

	require.NoError(t, rec.SetEnabled(false))
	w.strand(src)
	assert.Empty(t, w.Stranded())
}

func TestSecondActiveWatcherLocked(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, rec := setup(t, "1")
	a := New(d, rec, nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	b := New(d, rec, nil)
	assert.ErrorIs(t, b.Start(context.Background()), ErrLocked)
	assert.False(t, b.Running())
}

func TestExistingAndClear(t *testing.T) {
	d, rec := setup(t, "1")
	w := New(d, rec, nil)
	for _, n := range []string{"a.asc", "b.asc", "c.fits"} {
		require.NoError(t, os.WriteFile(filepath.Join(d.ImageRead, n), nil, 0644))
	}
	files, err := w.Existing("asc")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	files, err = w.Existing("")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	n, err := w.ClearReadDir(context.Background(), ".asc")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	files, err = w.Existing("")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(d.ImageRead, "c.fits")}, files)
}

func TestTimingString(t *testing.T) {
	tm := Timing{Idle: time.Second, Write: 10 * time.Millisecond, Copy: 2 * time.Millisecond, Total: 15 * time.Millisecond}
	assert.Equal(t, "idle 1000.0 ms, write 10.0 ms, copy 2.0 ms, total 15.0 ms", tm.String())
}
