package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_Publish(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, time.Second, map[string]string{"Authorization": "Bearer token"})
	defer wh.Close()

	require.NoError(t, wh.Publish(context.Background(), testMessage()))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.JSONEq(t, `{"orderId":"42"}`, string(body))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer token", got.Header.Get("Authorization"))
	assert.Equal(t, "5f0c6a52-3d38-4a3a-9d7c-2b0f3b0c8e11", got.Header.Get("Idempotency-Key"))
	assert.Equal(t, "5f0c6a52-3d38-4a3a-9d7c-2b0f3b0c8e11", got.Header.Get("X-Outbox-Event-Id"))
	assert.Equal(t, "OrderCreated", got.Header.Get("X-Outbox-Event-Type"))
	assert.Equal(t, "42", got.Header.Get("X-Outbox-Aggregate-Id"))
	assert.Equal(t, "1", got.Header.Get("X-Outbox-Delivery-Attempt"))
	assert.Equal(t, "00-abc-def-01", got.Header.Get("traceparent"))
}

func TestWebhook_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
	}{
		{"ok", http.StatusOK, false, false},
		{"no content", http.StatusNoContent, false, false},
		{"bad request", http.StatusBadRequest, true, true},
		{"unprocessable", http.StatusUnprocessableEntity, true, true},
		{"request timeout", http.StatusRequestTimeout, true, false},
		{"too many requests", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusInternalServerError, true, false},
		{"unavailable", http.StatusServiceUnavailable, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("detail"))
			}))
			defer srv.Close()

			err := NewWebhook(srv.URL, time.Second, nil).Publish(context.Background(), testMessage())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
			assert.Contains(t, err.Error(), "detail")
		})
	}
}

func TestWebhook_ErrorBodyStaysValidUTF8(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("x" + strings.Repeat("é", 600)))
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second, nil).Publish(context.Background(), testMessage())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Contains(t, err.Error(), "x"+strings.Repeat("é", 255))
}

func TestWebhook_Timeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, 50*time.Millisecond, nil).Publish(context.Background(), testMessage())

	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhook(url, time.Second, nil).Publish(context.Background(), testMessage())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestHeaderName(t *testing.T) {
	assert.Equal(t, "X-Outbox-Event-Id", headerName(HeaderEventID))
	assert.Equal(t, "X-Outbox-Aggregate-Type", headerName(HeaderAggregateType))
	assert.Equal(t, "traceparent", headerName("traceparent"))
	assert.Equal(t, "baggage", headerName("baggage"))
}
