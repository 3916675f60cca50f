package generichttp_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saia-lab/saia/generichttp"
)

type knob struct {
	f float64
}

func (k *knob) get() (float64, error) { return k.f, nil }
func (k *knob) set(f float64) error {
	if f < 0 {
		return errors.New("negative")
	}
	k.f = f
	return nil
}

func TestFloatRoundTripThroughRouteTable(t *testing.T) {
	k := &knob{f: 2}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/thresh"}:  generichttp.GetFloat(k.get),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/thresh"}: generichttp.SetFloat(k.set),
	}
	r := chi.NewRouter()
	rt.Bind(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/thresh", strings.NewReader(`{"f64": 812.5}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 812.5, k.f)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thresh", nil))
	assert.JSONEq(t, `{"f64": 812.5}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/thresh", strings.NewReader(`{"f64": -1}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/thresh", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEndpointsSorted(t *testing.T) {
	noop := func(w http.ResponseWriter, r *http.Request) {}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/roi"}:       noop,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/histogram"}: noop,
	}
	assert.Equal(t, []string{"GET /histogram", "POST /roi"}, rt.Endpoints())
}

func TestSubMuxSanitize(t *testing.T) {
	for _, in := range []string{"saia", "/saia/", "/saia/*", "saia/*"} {
		assert.Equal(t, "/saia", generichttp.SubMuxSanitize(in), in)
	}
	assert.Equal(t, "/", generichttp.SubMuxSanitize("/"))
}
