package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/cassiomorais/outbox/internal/domain/idempotency"
	"github.com/rs/zerolog"
)

const (
	IdempotencyKeyHeader   = "Idempotency-Key"
	maxIdempotencyBodySize = 1 << 20
)

// Idempotency replays the stored response for a repeated Idempotency-Key so a
// client retry does not create a second order and a second event. Keys are
// scoped to method and path. 5xx responses are not stored.
func Idempotency(repo idempotency.Repository, ttl time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.Method + " " + r.URL.Path + " " + key

			entry, err := repo.Get(r.Context(), scoped)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("Idempotency lookup failed, processing request")
			}
			if err == nil && entry != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(entry.ResponseStatus)
				_, _ = w.Write([]byte(entry.ResponseBody))
				return
			}

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= 500 || rec.bodyTruncated {
				return
			}
			now := time.Now()
			if err := repo.Set(r.Context(), &idempotency.Entry{
				Key:            scoped,
				ResponseBody:   rec.body.String(),
				ResponseStatus: rec.statusCode,
				CreatedAt:      now,
				ExpiresAt:      now.Add(ttl),
			}); err != nil {
				logger.Error().Err(err).Str("key", key).Msg("Failed to store idempotent response")
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
