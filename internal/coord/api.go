package coord

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/logging/audit"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/volume"
)

// MethodUnlink is the non-standard method that tombstones a key without
// touching volume data.
const MethodUnlink = "UNLINK"

// RequestIDHeader carries the per-request id in both directions.
const RequestIDHeader = "X-Request-Id"

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Not thread-safe; used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyStatus converts an HTTP status code to a metric status string.
func classifyStatus(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 400:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusForbidden:
		return "forbidden"
	case httpStatus == http.StatusConflict:
		return "conflict"
	default:
		return "error"
	}
}

// statusFor maps a directory outcome to its HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusNoContent
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBusy), errors.Is(err, ErrExists):
		return http.StatusConflict
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Server exposes the coordinator over HTTP. Every request path is a key, so
// operator endpoints such as /metrics live on the admin server instead.
type Server struct {
	coord   *Coordinator
	metrics *metrics.DirectoryMetrics
	audit   *audit.Logger
	logger  zerolog.Logger
}

// NewServer creates the directory HTTP API. If m is nil, metrics will not be
// recorded.
func NewServer(c *Coordinator, m *metrics.DirectoryMetrics, logger zerolog.Logger) *Server {
	return &Server{
		coord:   c,
		metrics: m,
		audit:   audit.NewLogger(logger),
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)
	ctx := s.logger.With().Str("request_id", id).Logger().WithContext(r.Context())
	r = r.WithContext(ctx)

	// Paths are keys, so no ServeMux: it would clean and redirect them.
	s.handleKey(w, r)
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	operation := operationName(r)
	startTime := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		status := rec.getStatus()
		result := classifyStatus(status)
		s.metrics.RecordRequest(operation, result, time.Since(startTime).Seconds())
		switch operation {
		case "put", "delete", "unlink":
			s.audit.LogMutation(operation, []byte(r.URL.Path), result, w.Header().Get(RequestIDHeader), r.RemoteAddr)
		}
		zerolog.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(startTime)).
			Msg("Request handled")
	}()

	key := []byte(r.URL.Path)

	switch operation {
	case "list":
		s.list(rec, r, key)
	case "get", "head":
		s.redirect(rec, r, key)
	case "put":
		s.put(rec, r, key)
	case "delete":
		s.remove(rec, r, key, false)
	case "unlink":
		s.remove(rec, r, key, true)
	default:
		rec.Header().Set("Allow", "GET, HEAD, PUT, DELETE, UNLINK")
		rec.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func operationName(r *http.Request) string {
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Has("list") {
			return "list"
		}
		return "get"
	case http.MethodHead:
		return "head"
	case http.MethodPut:
		return "put"
	case http.MethodDelete:
		return "delete"
	case MethodUnlink:
		return "unlink"
	default:
		return "unsupported"
	}
}

// redirect sends the client to the first replica holding key.
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, key []byte) {
	vol, err := s.coord.Locate(key)
	switch {
	case errors.Is(err, ErrNotFound):
		if fallback := s.coord.Options().Fallback; fallback != "" {
			w.Header().Set("Location", "http://"+fallback+r.URL.EscapedPath())
			w.WriteHeader(http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Lookup failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if rec, err := s.coord.Get(key); err == nil && rec.Hash != "" {
		w.Header().Set("Content-Md5", rec.Hash)
	}
	w.Header().Set("Location", volume.URL(vol, key))
	w.WriteHeader(http.StatusFound)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request, key []byte) {
	if r.ContentLength == 0 {
		w.WriteHeader(http.StatusLengthRequired)
		return
	}
	limit := s.coord.Options().MaxObjectSize
	if limit > 0 {
		if r.ContentLength > limit {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Failed to read request body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := s.coord.Put(r.Context(), key, body); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("Write failed")
		}
		w.WriteHeader(status)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request, key []byte, unlink bool) {
	err := s.coord.Delete(r.Context(), key, unlink)
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Bool("unlink", unlink).Msg("Delete failed")
	}
	w.WriteHeader(status)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, prefix []byte) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}

	res, err := s.coord.List(prefix, []byte(q.Get("start")), limit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("List failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Failed to encode listing")
	}
}
