package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
)

type contextKey string

// requestIDKey carries the per-request correlation id.
const requestIDKey contextKey = "request_id"

// requestIDHeader is honored when the client supplies its own id.
const requestIDHeader = "X-Request-ID"

// RequestIDFromContext returns the correlation id, or empty outside a
// request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusRecorder captures the written status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withObservability assigns a request id, logs the request, and feeds
// the route's counters. route is the registered pattern, not the raw
// path, to keep label cardinality bounded.
func (h *Handler) withObservability(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r.WithContext(ctx))
		elapsed := time.Since(start)

		h.metrics.Requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		h.metrics.Latency.WithLabelValues(route).Observe(elapsed.Seconds())
		h.logger.Info("http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed,
			"remote", r.RemoteAddr,
		)
	}
}

// requireAdminKey guards mutating endpoints. With no hash configured
// the guard is open, which is the development posture.
func (h *Handler) requireAdminKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminKeyHash == "" {
			next(w, r)
			return
		}
		key, ok := bearerToken(r)
		if !ok {
			h.respondError(w, http.StatusUnauthorized, "admin_key_required", "Authorization: Bearer <key> required")
			return
		}
		match, err := argon2id.ComparePasswordAndHash(key, h.adminKeyHash)
		if err != nil || !match {
			h.logger.Warn("admin key rejected", "remote", r.RemoteAddr)
			h.respondError(w, http.StatusForbidden, "admin_key_invalid", "admin key does not match")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
