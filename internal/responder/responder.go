// Package responder is a minimal upstream that reports which target served
// a request. The router spawns one per target for local experiments.
package responder

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/router-lab/internal/target"
)

// ServedByHeader names the target that produced a response.
const ServedByHeader = "X-Served-By"

type responder struct {
	id     target.ID
	delay  time.Duration
	logger *slog.Logger
}

// New returns a handler that answers every method and path with a short
// plain-text description of the request, after waiting delay.
func New(id target.ID, delay time.Duration, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &responder{
		id:     id,
		delay:  delay,
		logger: logger.With(slog.String("component", "responder"), slog.String("target", id.String())),
	}
}

func (rs *responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rs.delay > 0 {
		timer := time.NewTimer(rs.delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-r.Context().Done():
			rs.logger.Debug("Request abandoned during delay", slog.String("path", r.URL.Path))
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(ServedByHeader, rs.id.String())
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Backend on port %d\nMethod: %s\nPath: %s\n", rs.id.Port, r.Method, r.URL.Path)

	rs.logger.Debug("Request served",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", r.Header.Get("X-Request-Id")))
}
