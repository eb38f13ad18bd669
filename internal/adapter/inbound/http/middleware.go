package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/policyledger/internal/ctxkey"
)

const correlationHeader = "X-Correlation-ID"

// otherRoute labels every path outside the routed set, which keeps the
// label space fixed no matter what scanners request.
const otherRoute = "other"

// instrument observes latency and counts responses by route and outcome.
func instrument(m *Metrics, routes ...string) func(http.Handler) http.Handler {
	routed := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		routed[r] = struct{}{}
	}
	label := func(path string) string {
		if _, ok := routed[path]; ok {
			return path
		}
		return otherRoute
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			cw := &codeWriter{ResponseWriter: w}
			next.ServeHTTP(cw, r)

			route := label(r.URL.Path)
			m.RequestDuration.WithLabelValues(route).Observe(time.Since(began).Seconds())
			m.RequestsTotal.WithLabelValues(route, outcome(cw.code())).Inc()
		})
	}
}

// codeWriter remembers the status code written through it.
type codeWriter struct {
	http.ResponseWriter
	status int
}

func (c *codeWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *codeWriter) code() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func outcome(status int) string {
	if status < http.StatusBadRequest {
		return "ok"
	}
	return "error"
}

// correlate adopts the caller's correlation ID, or mints one, and stores it
// in the request context together with a logger that carries it.
func correlate(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(correlationHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(correlationHeader, id)

			ctx := ctxkey.WithCorrelationID(r.Context(), id)
			ctx = ctxkey.WithLogger(ctx, logger.With("correlation_id", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
