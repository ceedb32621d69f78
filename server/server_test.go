package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/treeline/backstop/queue"
)

func testServer() http.Handler {
	a := NewSharedSecretAuthorizer()
	a.AddUser("test", "password")
	return Get(a, queue.New(nil), nil)
}

func TestNoAuthReturns401(t *testing.T) {
	t.Parallel()
	s := testServer()
	req := httptest.NewRequest("GET", "/v1/jobs", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Basic realm=\"backstop\"", w.Header().Get("WWW-Authenticate"))
}

func TestWrongPasswordReturns403(t *testing.T) {
	t.Parallel()
	s := testServer()
	req := httptest.NewRequest("GET", "/v1/jobs", nil)
	req.SetBasicAuth("test", "wrongpassword")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "incorrect_password")
}

func TestServerHeaderSet(t *testing.T) {
	t.Parallel()
	s := testServer()
	req := httptest.NewRequest("GET", "/v1/jobs", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Contains(t, w.Header().Get("Server"), "backstop/")
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestEnqueueMissingType(t *testing.T) {
	t.Parallel()
	s := testServer()
	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(`{"payload": {}}`))
	req.SetBasicAuth("test", "password")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_parameter")
}

func TestEnqueueBadJSON(t *testing.T) {
	t.Parallel()
	s := testServer()
	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(`{{{`))
	req.SetBasicAuth("test", "password")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestEnqueueUnknownQueue(t *testing.T) {
	t.Parallel()
	s := testServer()
	body := `{"type": "backup.run", "queue": "express", "payload": {}}`
	req := httptest.NewRequest("POST", "/v1/jobs", strings.NewReader(body))
	req.SetBasicAuth("test", "password")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Unknown queue lane: express")
}

func TestGetJobBadID(t *testing.T) {
	t.Parallel()
	s := testServer()
	req := httptest.NewRequest("GET", "/v1/jobs/notanumber", nil)
	req.SetBasicAuth("test", "password")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsUnavailableWithoutHub(t *testing.T) {
	t.Parallel()
	s := testServer()
	req := httptest.NewRequest("GET", "/v1/events", nil)
	req.SetBasicAuth("test", "password")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
