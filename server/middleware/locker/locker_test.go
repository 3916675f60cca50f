package locker_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"

	"github.com/saia-lab/saia/generichttp"
	"github.com/saia-lab/saia/server/middleware/locker"
)

type table struct{ rt generichttp.RouteTable }

func (t table) RT() generichttp.RouteTable { return t.rt }

func TestLockerRefusesWritesOnly(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	tbl := table{rt: generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/roi"}:  ok,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/roi"}: ok,
	}}
	l := locker.New()
	locker.Inject(tbl, l)

	r := chi.NewRouter()
	r.Use(l.Check)
	tbl.RT().Bind(r)

	do := func(method, path, body string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/roi", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool": true}`))
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusLocked, do(http.MethodPost, "/roi", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/roi", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool": false}`))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/roi", ""))
}
