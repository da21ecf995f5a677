package public

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/remcli/remcli/pkg/wire"
)

type upsertMachineRequest struct {
	ID                string  `json:"id"`
	Metadata          string  `json:"metadata"`
	DaemonState       *string `json:"daemonState,omitempty"`
	DataEncryptionKey *string `json:"dataEncryptionKey,omitempty"`
}

func (s *Server) handleUpsertMachine(w http.ResponseWriter, r *http.Request) {
	var req upsertMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	m, created := s.store.UpsertMachine(req.ID, req.Metadata, req.DaemonState, req.DataEncryptionKey)
	if created {
		s.emitNewMachine(m, nil)
	} else {
		s.emitMachineMetadata(m.ID, m.MetadataVersion, m.Metadata, nil)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"machine": wireMachine(m),
		"created": created,
	})
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines := s.store.ListMachines()
	out := make([]wire.Machine, 0, len(machines))
	for _, m := range machines {
		out = append(out, wireMachine(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": out})
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	m := s.store.GetMachine(chi.URLParam(r, "id"))
	if m == nil {
		writeError(w, http.StatusNotFound, "machine not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": wireMachine(*m)})
}

// handleArtifactsHTTP rejects the HTTP artifact routes; artifact CRUD is
// available over the WebSocket connection only.
func (s *Server) handleArtifactsHTTP(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "artifacts are managed over the websocket connection")
}
