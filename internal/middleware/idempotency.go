// Package middleware provides shared HTTP middleware utilities.
package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"tavren/pkg/cache"
	"tavren/pkg/logger"
)

const (
	idempotencyHeader   = "Idempotency-Key"
	idempotencyLockTTL  = 30 * time.Second
	idempotencyWaitPoll = 250 * time.Millisecond
	idempotencyWaitMax  = 5 * time.Second
	maxCapturedBody     = 1 << 20
)

// IdempotencyMiddleware replays cached responses for repeated mutating
// requests that carry the same Idempotency-Key. A replayed query never
// debits the privacy budget a second time.
type IdempotencyMiddleware struct {
	cache  *cache.RedisCache
	logger logger.Logger
	ttl    time.Duration
}

// NewIdempotencyMiddleware constructs an IdempotencyMiddleware with the
// given response retention TTL.
func NewIdempotencyMiddleware(c *cache.RedisCache, log logger.Logger, ttl time.Duration) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{cache: c, logger: log, ttl: ttl}
}

type capturedResponse struct {
	Status  int                 `json:"status"`
	Body    []byte              `json:"body"`
	Headers map[string][]string `json:"headers"`
}

// captureWriter buffers the response so it can be cached for replay.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	capped bool
}

func (w *captureWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.body.Len()+len(b) <= maxCapturedBody {
		w.body.Write(b)
	} else {
		w.capped = true
	}
	return w.ResponseWriter.Write(b)
}

// Handle wraps mutating handlers with idempotency replay.
func (m *IdempotencyMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		principal, _ := PrincipalFromContext(r.Context())
		cacheKey := "idempotency:" + principal.String() + ":" + key
		lockKey := cacheKey + ":lock"

		if m.replayCached(r.Context(), w, cacheKey) {
			return
		}

		acquired, err := m.cache.SetNX(r.Context(), lockKey, "1", idempotencyLockTTL)
		if err != nil {
			m.logger.Error("Idempotency lock failed", map[string]interface{}{"error": err.Error()})
			next.ServeHTTP(w, r)
			return
		}

		if !acquired {
			// Another request with this key is in flight. Wait briefly for
			// its cached response before giving up.
			deadline := time.Now().Add(idempotencyWaitMax)
			for time.Now().Before(deadline) {
				time.Sleep(idempotencyWaitPoll)
				if m.replayCached(r.Context(), w, cacheKey) {
					return
				}
			}
			jsonError(w, http.StatusConflict, "Request with this idempotency key is still processing")
			return
		}

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(cw, r)

		if cw.status < 500 && !cw.capped {
			m.cacheResponse(r.Context(), cacheKey, cw)
		}
		_ = m.cache.Delete(r.Context(), lockKey)
	})
}

func (m *IdempotencyMiddleware) replayCached(ctx context.Context, w http.ResponseWriter, cacheKey string) bool {
	var cached capturedResponse
	if err := m.cache.Get(ctx, cacheKey, &cached); err != nil {
		return false
	}

	for name, values := range cached.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("X-Idempotent-Replay", "true")
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
	return true
}

func (m *IdempotencyMiddleware) cacheResponse(ctx context.Context, cacheKey string, cw *captureWriter) {
	cached := capturedResponse{
		Status:  cw.status,
		Body:    cw.body.Bytes(),
		Headers: cw.Header().Clone(),
	}
	if err := m.cache.Set(ctx, cacheKey, cached, m.ttl); err != nil {
		m.logger.Error("Idempotency cache write failed", map[string]interface{}{"error": err.Error()})
	}
}

// BodyLimit caps request body size to protect JSON decoding.
func BodyLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
