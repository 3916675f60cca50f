package server_test

import (
	"go/types"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saia-lab/saia/server"
)

func TestHumanPayloadFloat(t *testing.T) {
	rec := httptest.NewRecorder()
	hp := server.HumanPayload{T: types.Float64, Float: 1.5}
	hp.EncodeAndRespond(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"f64": 1.5}`, rec.Body.String())
}

func TestHumanPayloadUnsupported(t *testing.T) {
	rec := httptest.NewRecorder()
	hp := server.HumanPayload{T: types.Complex128}
	hp.EncodeAndRespond(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReplyWithFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hist.csv"), []byte("a,b\n"), 0o644))

	rec := httptest.NewRecorder()
	server.ReplyWithFile(rec, httptest.NewRequest(http.MethodGet, "/", nil), "hist.csv", dir)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a,b\n", rec.Body.String())

	rec = httptest.NewRecorder()
	server.ReplyWithFile(rec, httptest.NewRequest(http.MethodGet, "/", nil), "missing.csv", dir)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
