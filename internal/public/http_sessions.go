package public

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/remcli/remcli/pkg/wire"
)

const (
	cursorPrefix     = "cursor_v1_"
	defaultPageLimit = 50
)

type createSessionRequest struct {
	Tag               string  `json:"tag"`
	Metadata          string  `json:"metadata"`
	DataEncryptionKey *string `json:"dataEncryptionKey,omitempty"`
}

// handleCreateSession creates a session or rebinds the existing one carrying
// the same tag, and broadcasts the resulting update.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}

	sess, created := s.store.CreateSession(req.Tag, req.Metadata, req.DataEncryptionKey)
	if created {
		s.emitNewSession(sess, nil)
	} else {
		s.emitSessionMetadata(sess.ID, sess.MetadataVersion, sess.Metadata, nil)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session": wireSession(sess),
		"created": created,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.ListSessions()
	out := make([]wire.Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, wireSession(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.store.GetSession(chi.URLParam(r, "id"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": wireSession(*sess)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.store.DeleteSession(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.emitDeleteSession(id, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.store.GetSession(id) == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	msgs := s.store.ListMessages(id, queryInt(r, "limit", 0))
	out := make([]wire.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleListActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.ListActiveSessions(queryInt(r, "limit", 0))
	out := make([]wire.Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, wireSession(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleListSessionsPaged pages through sessions ordered by recency. The
// opaque cursor names the last session of the previous page; changedSince
// (unix millis) drops sessions not touched since the client's last sync.
func (s *Server) handleListSessionsPaged(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultPageLimit)
	if limit <= 0 {
		limit = defaultPageLimit
	}

	var changedSince int64
	if raw := r.URL.Query().Get("changedSince"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid changedSince")
			return
		}
		changedSince = v
	}

	all := s.store.ListSessions()

	start := 0
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		lastID, ok := strings.CutPrefix(cursor, cursorPrefix)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		for i, sess := range all {
			if sess.ID == lastID {
				start = i + 1
				break
			}
		}
	}

	out := make([]wire.Session, 0, limit)
	var nextCursor string
	for i := start; i < len(all); i++ {
		sess := all[i]
		if changedSince > 0 && wire.Millis(sess.UpdatedAt) <= changedSince {
			continue
		}
		if len(out) == limit {
			nextCursor = cursorPrefix + out[len(out)-1].ID
			break
		}
		out = append(out, wireSession(sess))
	}

	resp := map[string]any{"sessions": out, "hasMore": nextCursor != ""}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
