package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicq/internal/metrics"

	"github.com/rs/zerolog"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// LoggingMiddleware logs every request with its route, status, and latency,
// and feeds the same observation into the request metrics.
func LoggingMiddleware(log zerolog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		route := routeLabel(r.URL.Path)
		if m != nil {
			m.ObserveRequest(route, strconv.Itoa(sw.status), elapsed.Seconds())
		}
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Int("status", sw.status).
			Dur("elapsed", elapsed).
			Str("remote", clientIP(r)).
			Msg("http request")
	})
}

// routeLabel collapses IDs out of the path so metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		return "/" + strings.Join(parts, "/")
	}
	switch parts[1] {
	case "visits":
		if len(parts) >= 3 && parts[2] == "by-token" {
			return "/api/visits/by-token/{token}"
		}
		if len(parts) == 5 && parts[3] == "actions" {
			return "/api/visits/{id}/actions/" + parts[4]
		}
		if len(parts) == 3 {
			return "/api/visits/{id}"
		}
		return "/api/visits"
	case "resources":
		if len(parts) == 5 && parts[4] == "reset" {
			return "/api/resources/{kind}/{id}/reset"
		}
		return "/" + strings.Join(parts, "/")
	default:
		return "/" + strings.Join(parts, "/")
	}
}
