package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jpalmerr/jobwatch"
	"github.com/jpalmerr/jobwatch/internal/store"
	"github.com/jpalmerr/jobwatch/internal/watch"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second

	// refetchTimeout bounds a manual refetch triggered over HTTP.
	refetchTimeout = 30 * time.Second
)

// Refetcher triggers an immediate fetch of a watched resource.
// *watch.Watcher implements it.
type Refetcher interface {
	Refetch(ctx context.Context, kind, id string) error
}

// Server exposes the status store over HTTP.
//
// Routes:
//   - GET /health: liveness probe
//   - GET /api/status: all current statuses as JSON
//   - GET /api/status/{kind}/{id}: one status as JSON
//   - GET /api/sse: Server-Sent Events stream of status changes
//   - POST /api/refetch/{kind}/{id}: manual refetch of a job or model version
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	store     store.Store
	refetcher Refetcher
	port      int
	logger    *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// NewServer creates a new HTTP [Server].
//
// refetcher may be nil, in which case the refetch route answers 501.
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, refetcher Refetcher, port int, logger *slog.Logger) *Server {
	return &Server{
		store:     st,
		refetcher: refetcher,
		port:      port,
		logger:    logger,
	}
}

// Handler returns the router with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(s.recovery)

	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/status/{kind}/{id}", s.handleStatusOne)
	r.Get("/api/sse", s.handleSSE)
	r.Post("/api/refetch/{kind}/{id}", s.handleRefetch)

	return r
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like SSE.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("status server listening", "addr", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns all current statuses as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, s.store.GetAll())
}

func (s *Server) handleStatusOne(w http.ResponseWriter, r *http.Request) {
	kind, id := resourceParams(r)

	record, ok := s.store.Get(kind, id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no status for %s", store.Key(kind, id)))
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, record)
}

// handleRefetch maps watcher errors onto HTTP status codes. A fetch that
// reaches the API but fails is reported as 502 with the upstream message.
func (s *Server) handleRefetch(w http.ResponseWriter, r *http.Request) {
	if s.refetcher == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "refetch is not available")
		return
	}

	kind, id := resourceParams(r)
	ctx, cancel := context.WithTimeout(r.Context(), refetchTimeout)
	defer cancel()

	err := s.refetcher.Refetch(ctx, kind, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"kind": kind, "id": id})
	case errors.Is(err, watch.ErrUnknownTarget):
		writeError(w, http.StatusNotFound, "UNKNOWN_TARGET", err.Error())
	case errors.Is(err, watch.ErrNotRefetchable):
		writeError(w, http.StatusConflict, "NOT_REFETCHABLE", err.Error())
	case errors.Is(err, watch.ErrNotRunning), errors.Is(err, jobwatch.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "NOT_RUNNING", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		s.logger.Warn("manual refetch failed", "resource", store.Key(kind, id), "error", err.Error())
		writeError(w, http.StatusBadGateway, "FETCH_FAILED", err.Error())
	}
}

// resourceParams reads {kind} and {id}, canonicalizing UUIDs so lookups
// match the keys the watcher writes.
func resourceParams(r *http.Request) (kind, id string) {
	kind = chi.URLParam(r, "kind")
	id = chi.URLParam(r, "id")
	if parsed, err := uuid.Parse(id); err == nil {
		id = parsed.String()
	}
	return kind, id
}

// handleSSE streams status updates via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or channel closure.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Debug("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	// send initial statuses (also protected by write deadline)
	for _, record := range s.store.GetAll() {
		data, err := json.Marshal(record)
		if err != nil {
			continue
		}
		if err := writeAndFlush(data); err != nil {
			return
		}
	}

	for {
		select {
		case record, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(record)
			if err != nil {
				continue
			}
			if err := writeAndFlush(data); err != nil {
				return
			}

		case <-r.Context().Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}

// requestLogger logs one line per request. The wrapped writer keeps
// http.Flusher so SSE still works behind it.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error("panic recovered",
					"panic", p,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
