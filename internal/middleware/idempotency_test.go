package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cassiomorais/outbox/internal/domain/idempotency"
	"github.com/cassiomorais/outbox/internal/repository/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRepo struct{}

func (failingRepo) Get(context.Context, string) (*idempotency.Entry, error) {
	return nil, errors.New("db down")
}
func (failingRepo) Set(context.Context, *idempotency.Entry) error { return errors.New("db down") }
func (failingRepo) Cleanup(context.Context) (int64, error)        { return 0, nil }

func countingHandler(status int, calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"id":` + strconv.Itoa(*calls) + `}`))
	})
}

func post(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	var calls int
	mw := Idempotency(memory.NewIdempotencyRepository(memory.NewDB()), time.Hour, zerolog.Nop())
	h := mw(countingHandler(http.StatusCreated, &calls))

	first := post(h, "/api/v1/orders", "k1")
	second := post(h, "/api/v1/orders", "k1")

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.Empty(t, first.Header().Get("X-Idempotency-Replayed"))
}

func TestIdempotency_NoKeyPassesThrough(t *testing.T) {
	var calls int
	h := Idempotency(memory.NewIdempotencyRepository(memory.NewDB()), time.Hour, zerolog.Nop())(countingHandler(http.StatusCreated, &calls))

	post(h, "/api/v1/orders", "")
	post(h, "/api/v1/orders", "")
	assert.Equal(t, 2, calls)
}

func TestIdempotency_KeysScopedToPath(t *testing.T) {
	var calls int
	h := Idempotency(memory.NewIdempotencyRepository(memory.NewDB()), time.Hour, zerolog.Nop())(countingHandler(http.StatusOK, &calls))

	post(h, "/api/v1/orders", "k1")
	post(h, "/api/v1/outbox/records/1/requeue", "k1")
	assert.Equal(t, 2, calls)
}

func TestIdempotency_ServerErrorsNotStored(t *testing.T) {
	var calls int
	h := Idempotency(memory.NewIdempotencyRepository(memory.NewDB()), time.Hour, zerolog.Nop())(countingHandler(http.StatusInternalServerError, &calls))

	post(h, "/api/v1/orders", "k1")
	post(h, "/api/v1/orders", "k1")
	assert.Equal(t, 2, calls)
}

func TestIdempotency_ClientErrorsStored(t *testing.T) {
	var calls int
	h := Idempotency(memory.NewIdempotencyRepository(memory.NewDB()), time.Hour, zerolog.Nop())(countingHandler(http.StatusBadRequest, &calls))

	post(h, "/api/v1/orders", "k1")
	w := post(h, "/api/v1/orders", "k1")
	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIdempotency_RepositoryFailureProcessesRequest(t *testing.T) {
	var calls int
	h := Idempotency(failingRepo{}, 0, zerolog.Nop())(countingHandler(http.StatusCreated, &calls))

	w := post(h, "/api/v1/orders", "k1")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, calls)
}

func TestIdempotency_LargeBodyNotStored(t *testing.T) {
	large := bytes.Repeat([]byte("x"), maxIdempotencyBodySize+100)
	var calls int
	h := Idempotency(memory.NewIdempotencyRepository(memory.NewDB()), time.Hour, zerolog.Nop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			_, _ = w.Write(large)
		}),
	)

	w := post(h, "/api/v1/orders", "k1")
	assert.Equal(t, len(large), w.Body.Len(), "client still receives the full body")
	post(h, "/api/v1/orders", "k1")
	assert.Equal(t, 2, calls)
}
