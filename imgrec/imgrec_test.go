package imgrec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saia-lab/saia/generichttp"
)

var fixed = time.Date(2026, time.October, 8, 14, 3, 0, 0, time.UTC)

func newTestRecorder(t *testing.T) *Recorder {
	r := New(t.TempDir(), "")
	r.Now = func() time.Time { return fixed }
	return r
}

func TestNameAndFolder(t *testing.T) {
	r := newTestRecorder(t)
	assert.Equal(t, "Cs-133_08Oct2026_1234.asc", r.Name(1234, ".asc"))
	assert.Equal(t, "Cs-133_08Oct2026_7.fits", r.Name(7, "fits"))
	assert.Equal(t, filepath.Join(r.Root(), "2026", "October", "08"), r.Folder())
}

func TestStoreCopiesIntoDatedFolder(t *testing.T) {
	r := newTestRecorder(t)
	src := filepath.Join(t.TempDir(), "im.asc")
	require.NoError(t, os.WriteFile(src, []byte("0 1 2 3\n1 4 5 6\n"), 0o644))

	dst, err := r.Store(context.Background(), src, 55)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Folder(), "Cs-133_08Oct2026_55.asc"), dst)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "0 1 2 3\n1 4 5 6\n", string(b))

	// the source is left alone, deleting it is the watcher's job
	_, err = os.Stat(src)
	assert.NoError(t, err)

	n, err := RunNumber(dst)
	require.NoError(t, err)
	assert.Equal(t, 55, n)
}

func TestStoreAtMidnightKeepsNameAndFolderTogether(t *testing.T) {
	r := New(t.TempDir(), "")
	day := time.Date(2026, time.October, 18, 23, 59, 59, 0, time.UTC)
	calls := 0
	r.Now = func() time.Time {
		calls++
		return day.Add(time.Duration(calls-1) * time.Second)
	}
	src := filepath.Join(t.TempDir(), "im.asc")
	require.NoError(t, os.WriteFile(src, []byte("0 1\n"), 0o644))

	dst, err := r.Store(context.Background(), src, 9)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "2026", "October", "18", "Cs-133_18Oct2026_9.asc"), dst)
}

func TestStoreMissingSourceFailsFast(t *testing.T) {
	r := newTestRecorder(t)
	start := time.Now()
	_, err := r.Store(context.Background(), filepath.Join(t.TempDir(), "nope.asc"), 1)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), CopyRetry)
}

func TestRunNumberRejectsUnlabelled(t *testing.T) {
	_, err := RunNumber("/data/image.asc")
	assert.Error(t, err)
	_, err = RunNumber("/data/Cs-133_08Oct2026_x.asc")
	assert.Error(t, err)
}

func TestSetSpeciesValidates(t *testing.T) {
	r := newTestRecorder(t)
	assert.Error(t, r.SetSpecies(""))
	assert.Error(t, r.SetSpecies("Rb_87"))
	require.NoError(t, r.SetSpecies("Rb-87"))
	assert.True(t, strings.HasPrefix(r.Name(1, "asc"), "Rb-87_"))
}

type table struct{ rt generichttp.RouteTable }

func (t table) RT() generichttp.RouteTable { return t.rt }

func TestHTTPWrapperInject(t *testing.T) {
	r := newTestRecorder(t)
	tbl := table{rt: generichttp.RouteTable{}}
	NewHTTPWrapper(r).Inject(tbl)
	mux := chi.NewRouter()
	tbl.RT().Bind(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/autowrite/enabled", strings.NewReader(`{"bool": false}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, r.Enabled())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/autowrite/species", strings.NewReader(`{"str": "Rb-87"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/autowrite/species", nil))
	assert.JSONEq(t, `{"str": "Rb-87"}`, rec.Body.String())
}
