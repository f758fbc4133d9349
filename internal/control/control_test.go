package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestHandlers() (*Handlers, *chi.Mux) {
	h := New(nil, nil, nil, zap.NewNop())
	r := chi.NewRouter()
	h.Mount(r)
	return h, r
}

func TestGetTask_RejectsInvalidID(t *testing.T) {
	_, r := newTestHandlers()
	req := httptest.NewRequest(http.MethodGet, "/tasks/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayTask_RejectsInvalidID(t *testing.T) {
	_, r := newTestHandlers()
	req := httptest.NewRequest(http.MethodPost, "/tasks/not-a-uuid/replay", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForgetIdempotency_RejectsMalformedBody(t *testing.T) {
	_, r := newTestHandlers()
	req := httptest.NewRequest(http.MethodPost, "/idempotency/forget", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForgetIdempotency_RejectsMissingFields(t *testing.T) {
	_, r := newTestHandlers()
	req := httptest.NewRequest(http.MethodPost, "/idempotency/forget", strings.NewReader(`{"scope":"webhook"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStats_RejectsUnknownQueue(t *testing.T) {
	_, r := newTestHandlers()
	req := httptest.NewRequest(http.MethodGet, "/queues/not-a-queue/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
