// Package httpapi exposes the aggregator's HTTP surface: the JSON-RPC
// endpoint, health/readiness probes, and session lifecycle endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/5dlabs/toolman/internal/backend"
	"github.com/5dlabs/toolman/internal/dispatch"
	"github.com/5dlabs/toolman/internal/session"
)

// Header names the aggregator reads on /mcp, carried over from the
// stdio bridge's own request headers so a caller migrating from the
// bridge to direct HTTP keeps the same conventions.
const (
	HeaderSessionID  = "X-Session-ID"
	HeaderWorkingDir = "X-Working-Directory"
	HeaderToolFilter = "X-Tool-Filter"
)

// Options configures the HTTP server's listen address and the window
// /ready tolerates before backends have finished their startup fan-out.
type Options struct {
	Addr          string
	StartupWindow time.Duration
	ShutdownGrace time.Duration
	CORSOrigins   []string
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.StartupWindow <= 0 {
		o.StartupWindow = 10 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
	return o
}

// Server is the aggregator's HTTP front door. It owns no business logic of
// its own: every request is translated into a dispatch.RequestContext and a
// JSON-RPC frame, or a session registry call, and the result marshaled back.
type Server struct {
	opts       Options
	dispatcher *dispatch.Dispatcher
	pool       *backend.Pool
	sessions   *session.Registry
	logger     *slog.Logger

	handler http.Handler

	mu     sync.Mutex
	server *http.Server

	startedAt time.Time
}

func New(d *dispatch.Dispatcher, pool *backend.Pool, sessions *session.Registry, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:       opts.withDefaults(),
		dispatcher: d,
		pool:       pool,
		sessions:   sessions,
		logger:     logger,
		startedAt:  time.Now(),
	}
	s.handler = s.mountHandler()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) mountHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("POST /session/init", s.handleSessionInit)
	mux.HandleFunc("DELETE /session/{id}", s.handleSessionDelete)

	mcpHandler := http.HandlerFunc(s.handleMCP)
	if len(s.opts.CORSOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", HeaderSessionID, HeaderWorkingDir, HeaderToolFilter},
		})
		mux.Handle("POST /mcp", c.Handler(mcpHandler))
	} else {
		mux.Handle("POST /mcp", mcpHandler)
	}
	return mux
}

// ListenAndServe runs the HTTP server until ctx is canceled or the server
// fails. A listener bind failure is fatal and propagated to the caller,
// per §7's "HTTP listener bind failure aborts the aggregator" rule.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return fmt.Errorf("httpapi: server already running on %s", s.opts.Addr)
	}
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.handler}
	s.server = srv
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.server == srv {
			s.server = nil
		}
		s.mu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleHealth reports whether the aggregator's own runtime is alive, with
// no opinion on backend state: per §6, a crashed backend never makes
// /health unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "uptimeSeconds": time.Since(s.startedAt).Seconds()})
}

// handleReady reports 200 once at least one backend is ready, or once the
// startup window has elapsed (so a deployment with every backend
// legitimately misconfigured doesn't poll /ready forever).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap := s.pool.Snapshot()
	anyReady := false
	for _, st := range snap {
		if st == backend.StateReady {
			anyReady = true
			break
		}
	}
	if anyReady || time.Since(s.startedAt) > s.opts.StartupWindow {
		writeJSON(w, http.StatusOK, map[string]any{"ready": anyReady, "backends": snap})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "backends": snap})
}

type sessionInitRequest struct {
	ClientName     string                `json:"clientName"`
	ClientVersion  string                `json:"clientVersion"`
	WorkingDir     string                `json:"workingDirectory"`
	LocalServers   []sessionLocalServer  `json:"localServers,omitempty"`
	RequestedTools []string              `json:"requestedTools,omitempty"`
}

type sessionLocalServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_params"})
		return
	}
	var req sessionInitRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_params"})
			return
		}
	}

	locals := make([]session.LocalServerDescriptor, 0, len(req.LocalServers))
	for _, l := range req.LocalServers {
		locals = append(locals, session.LocalServerDescriptor{Name: l.Name, Command: l.Command, Args: l.Args, Env: l.Env})
	}

	result := s.sessions.Create(session.ClientInfo{Name: req.ClientName, Version: req.ClientVersion}, req.WorkingDir, locals, req.RequestedTools)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_params"})
		return
	}
	s.sessions.Destroy(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleMCP is the JSON-RPC surface. It accepts exactly one frame per POST
// body: a request (replied to synchronously) or a notification (replied to
// with 204, no body).
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_params"})
		return
	}

	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_params"})
		return
	}

	rc := dispatch.RequestContext{
		SessionID:    strings.TrimSpace(r.Header.Get(HeaderSessionID)),
		WorkingDir:   strings.TrimSpace(r.Header.Get(HeaderWorkingDir)),
		FilterHeader: r.Header.Get(HeaderToolFilter),
	}

	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_params"})
		return
	}
	if !req.ID.IsValid() {
		s.dispatcher.DispatchNotification(req)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	resp := s.dispatcher.Dispatch(r.Context(), req, rc)
	out, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "encode response"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
