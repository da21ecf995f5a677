// Package control is the daemon's loopback-only HTTP surface: the child
// self-report webhook plus local administrative operations. It binds
// 127.0.0.1 on an OS-assigned port that gets recorded in the state file;
// loopback binding is the sole protection, there is no authentication.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/remcli/remcli/internal/supervisor"
)

// Status is the daemon self-description returned by GET /status.
type Status struct {
	PID        int                       `json:"pid"`
	Version    string                    `json:"version"`
	StartedAt  time.Time                 `json:"startedAt"`
	PublicPort int                       `json:"publicPort"`
	ConnectURL string                    `json:"connectUrl"`
	Children   []supervisor.TrackedChild `json:"children"`
}

// Hooks are the daemon callbacks the control plane invokes.
type Hooks struct {
	Status   func() Status
	Shutdown func(reason string)
	Upgrade  func() error
}

// sessionStartedRequest is the child self-report webhook body.
type sessionStartedRequest struct {
	SessionID string `json:"sessionId"`
	Metadata  struct {
		HostPID int `json:"hostPid"`
	} `json:"metadata"`
}

type stopSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// Server is the loopback control server.
type Server struct {
	logger *slog.Logger
	sup    *supervisor.Supervisor
	hooks  Hooks

	httpSrv *http.Server
	port    int
}

// New creates a control Server.
func New(sup *supervisor.Supervisor, hooks Hooks, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger.With("component", "control"),
		sup:    sup,
		hooks:  hooks,
	}
}

// Start listens on a loopback OS-assigned port and serves in the background.
// Returns the bound port.
func (s *Server) Start() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listen control: %w", err)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{Handler: s.Routes()}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server", "error", err)
		}
	}()

	s.logger.Info("control plane listening", "port", s.port)
	return s.port, nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Port returns the bound port, 0 before Start.
func (s *Server) Port() int { return s.port }

// Routes builds the control router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/session-started", s.handleSessionStarted)
	r.Get("/list", s.handleList)
	r.Post("/spawn-session", s.handleSpawnSession)
	r.Post("/stop-session", s.handleStopSession)
	r.Post("/stop", s.handleStop)
	r.Get("/status", s.handleStatus)
	r.Post("/upgrade", s.handleUpgrade)

	return r
}

func (s *Server) handleSessionStarted(w http.ResponseWriter, r *http.Request) {
	var req sessionStartedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.Metadata.HostPID <= 0 {
		http.Error(w, "sessionId and metadata.hostPid are required", http.StatusBadRequest)
		return
	}

	s.sup.OnChildReport(req.SessionID, req.Metadata.HostPID)
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"children": s.sup.List()})
}

func (s *Server) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	var opts supervisor.SpawnOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.sup.Spawn(r.Context(), opts))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	var req stopSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]bool{"stopped": s.sup.Stop(r.Context(), req.SessionID)})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"stopping": true})
	// Respond first; the shutdown tears this server down.
	go s.hooks.Shutdown("control /stop")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.hooks.Status())
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Upgrade == nil {
		http.Error(w, "upgrade not available", http.StatusNotImplemented)
		return
	}
	if err := s.hooks.Upgrade(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]bool{"upgrading": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
