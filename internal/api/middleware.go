package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(started)))
	})
}

// Paths that stay reachable regardless of origin.
var publicPaths = map[string]struct{}{
	"/":        {},
	"/healthz": {},
}

// originCheck restricts the API to known frontends in production. Requests
// without Origin or Referer (server to server) pass through.
func (s *Server) originCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(s.cfg.Environment, "production") {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		referer := r.Header.Get("Referer")
		if origin == "" && referer == "" {
			s.logger.Warn("Request without origin or referer",
				zap.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
			return
		}

		for _, allowed := range s.cfg.AllowedOrigins {
			if (origin != "" && strings.HasPrefix(origin, allowed)) ||
				(referer != "" && strings.HasPrefix(referer, allowed)) {
				next.ServeHTTP(w, r)
				return
			}
		}

		s.logger.Warn("Blocked request from unauthorized origin",
			zap.String("origin", origin),
			zap.String("referer", referer))
		s.writeError(w, http.StatusForbidden, "access denied", "unauthorized origin")
	})
}
