// Package admin serves operator endpoints on a port separate from the
// directory API, whose every path is an object key.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/metrics"
)

// Server serves /health and /metrics.
type Server struct {
	server *http.Server
	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewServer creates an admin server. health reports whether the directory
// can serve requests; a nil health always reports healthy.
func NewServer(health func() error, logger zerolog.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		logger: logger.With().Str("component", "admin").Logger(),
	}
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				s.logger.Warn().Err(err).Msg("Health check failed")
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("Admin server listening")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the admin server. A nil Server is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
