// Package public is the daemon's externally reachable surface: an HTTP API
// and a WebSocket endpoint sharing one LAN-bound port, plus the static web
// app bundle. Everything under /v1 and /v2 requires the bearer token derived
// from the daemon's shared secret.
package public

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/remcli/remcli/internal/authkit"
	"github.com/remcli/remcli/internal/events"
	"github.com/remcli/remcli/internal/rpc"
	"github.com/remcli/remcli/internal/store"
	"github.com/remcli/remcli/internal/usage"
	"github.com/remcli/remcli/pkg/wire"
)

// Options configures the public server.
type Options struct {
	Secret    []byte
	Store     *store.Store
	Events    *events.Router
	RPC       *rpc.Registry
	Usage     *usage.Ledger // optional
	WebappDir string        // optional static bundle
	Version   string
	Logger    *slog.Logger
}

// Server glues the store, event router and rpc registry behind HTTP and
// WebSocket.
type Server struct {
	logger    *slog.Logger
	secret    []byte
	store     *store.Store
	events    *events.Router
	rpc       *rpc.Registry
	usage     *usage.Ledger
	webappDir string
	version   string

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	port     int
}

// NewServer creates a public Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:    logger.With("component", "public"),
		secret:    opts.Secret,
		store:     opts.Store,
		events:    opts.Events,
		rpc:       opts.RPC,
		usage:     opts.Usage,
		webappDir: opts.WebappDir,
		version:   opts.Version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary LAN origins; auth
			// happens in the handshake frame, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start listens on all interfaces on an OS-assigned port and serves in the
// background. Returns the bound port.
func (s *Server) Start() (int, error) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return 0, fmt.Errorf("listen public: %w", err)
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{Handler: s.Routes()}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("public server", "error", err)
		}
	}()

	s.logger.Info("public plane listening", "port", s.port)
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

// Routes builds the public router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/updates", s.handleWebSocket)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/sessions/{id}/messages", s.handleListMessages)

		r.Post("/machines", s.handleUpsertMachine)
		r.Get("/machines", s.handleListMachines)
		r.Get("/machines/{id}", s.handleGetMachine)

		r.HandleFunc("/artifacts", s.handleArtifactsHTTP)
		r.HandleFunc("/artifacts/*", s.handleArtifactsHTTP)
	})

	r.Route("/v2", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/sessions/active", s.handleListActiveSessions)
		r.Get("/sessions", s.handleListSessionsPaged)
	})

	r.NotFound(s.handleStatic)

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !authkit.VerifyToken(token, s.secret) {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": s.version})
}

// handleStatic serves the web bundle with SPA fallback: any unmatched GET
// outside the API prefixes falls back to index.html so client-side routing
// works on deep links.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet ||
		strings.HasPrefix(r.URL.Path, "/v1/") || strings.HasPrefix(r.URL.Path, "/v2/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if s.webappDir == "" {
		writeError(w, http.StatusNotFound, "no web bundle configured")
		return
	}

	path := filepath.Join(s.webappDir, filepath.Clean("/"+r.URL.Path))
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		http.ServeFile(w, r, path)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.webappDir, "index.html"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- store → wire conversions ---

func wireSession(s store.Session) wire.Session {
	return wire.Session{
		ID:                s.ID,
		Tag:               s.Tag,
		Seq:               s.Seq,
		Metadata:          s.Metadata,
		MetadataVersion:   s.MetadataVersion,
		AgentState:        s.AgentState,
		AgentStateVersion: s.AgentStateVersion,
		DataEncryptionKey: s.DataEncryptionKey,
		Active:            s.Active,
		ActiveAt:          wire.Millis(s.ActiveAt),
		CreatedAt:         wire.Millis(s.CreatedAt),
		UpdatedAt:         wire.Millis(s.UpdatedAt),
	}
}

func wireMessage(m store.Message) wire.Message {
	return wire.Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Seq:       m.Seq,
		Content:   wire.EncryptedContent(m.Content),
		LocalID:   m.LocalID,
		CreatedAt: wire.Millis(m.CreatedAt),
		UpdatedAt: wire.Millis(m.UpdatedAt),
	}
}

func wireMachine(m store.Machine) wire.Machine {
	return wire.Machine{
		ID:                 m.ID,
		Seq:                m.Seq,
		Metadata:           m.Metadata,
		MetadataVersion:    m.MetadataVersion,
		DaemonState:        m.DaemonState,
		DaemonStateVersion: m.DaemonStateVersion,
		DataEncryptionKey:  m.DataEncryptionKey,
		Active:             m.Active,
		ActiveAt:           wire.Millis(m.ActiveAt),
		CreatedAt:          wire.Millis(m.CreatedAt),
		UpdatedAt:          wire.Millis(m.UpdatedAt),
	}
}

func wireArtifact(a store.Artifact) wire.Artifact {
	return wire.Artifact{
		ID:                a.ID,
		Seq:               a.Seq,
		Header:            a.Header,
		HeaderVersion:     a.HeaderVersion,
		Body:              a.Body,
		BodyVersion:       a.BodyVersion,
		DataEncryptionKey: a.DataEncryptionKey,
		CreatedAt:         wire.Millis(a.CreatedAt),
		UpdatedAt:         wire.Millis(a.UpdatedAt),
	}
}
