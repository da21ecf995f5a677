// Package store is the daemon's authoritative in-memory state: sessions,
// messages, machines and artifacts, with monotonic sequence counters and
// per-field version counters. The store is the single consistency boundary;
// every mutation runs under one write lock so sequence allocation and the
// dependent field writes are atomic.
package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// activeWindow is how recently a session must have been alive to count as
// active in listings.
const activeWindow = 15 * time.Minute

// Session is a logical agent run, identified internally by ID and externally
// by a client-supplied unique Tag.
type Session struct {
	ID                string    `json:"id"`
	Tag               string    `json:"tag"`
	Seq               int64     `json:"seq"`
	Metadata          string    `json:"metadata"`
	MetadataVersion   int64     `json:"metadataVersion"`
	AgentState        *string   `json:"agentState"`
	AgentStateVersion int64     `json:"agentStateVersion"`
	DataEncryptionKey *string   `json:"dataEncryptionKey"`
	Active            bool      `json:"active"`
	ActiveAt          time.Time `json:"activeAt"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Message is an immutable transcript entry. Content is an opaque base64
// ciphertext; the daemon never parses its interior.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	Content   string    `json:"content"`
	LocalID   *string   `json:"localId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Machine is a registered client machine (typically the daemon host itself).
type Machine struct {
	ID                 string    `json:"id"`
	Seq                int64     `json:"seq"`
	Metadata           string    `json:"metadata"`
	MetadataVersion    int64     `json:"metadataVersion"`
	DaemonState        *string   `json:"daemonState"`
	DaemonStateVersion int64     `json:"daemonStateVersion"`
	DataEncryptionKey  *string   `json:"dataEncryptionKey"`
	Active             bool      `json:"active"`
	ActiveAt           time.Time `json:"activeAt"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Artifact is an independently versioned header/body pair.
type Artifact struct {
	ID                string    `json:"id"`
	Seq               int64     `json:"seq"`
	Header            string    `json:"header"`
	HeaderVersion     int64     `json:"headerVersion"`
	Body              string    `json:"body"`
	BodyVersion       int64     `json:"bodyVersion"`
	DataEncryptionKey *string   `json:"dataEncryptionKey"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Write outcome of an optimistic-concurrency update.
type WriteStatus int

const (
	WriteSuccess WriteStatus = iota
	WriteVersionMismatch
	WriteNotFound
)

// WriteResult reports the outcome of a versioned write. On a mismatch,
// Version and Value carry the current state so the caller can merge.
type WriteResult struct {
	Status  WriteStatus
	Version int64
	Value   string
}

// Options configures a Store.
type Options struct {
	SnapshotPath string // empty disables snapshots
	Logger       *slog.Logger
	Now          func() time.Time // defaults to time.Now
}

// Store holds all daemon state. Safe for concurrent use.
type Store struct {
	logger *slog.Logger
	now    func() time.Time

	mu            sync.RWMutex
	sessions      map[string]*Session
	sessionsByTag map[string]string
	messages      map[string][]*Message
	machines      map[string]*Machine
	artifacts     map[string]*Artifact
	userSeq       int64
	sessionSeqs   map[string]int64

	snap *snapshotter
}

// New creates a Store. If a snapshot path is configured and a snapshot exists
// there, it is loaded; missing, stale-schema or corrupt snapshots start
// fresh.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		logger:        logger.With("component", "store"),
		now:           now,
		sessions:      make(map[string]*Session),
		sessionsByTag: make(map[string]string),
		messages:      make(map[string][]*Message),
		machines:      make(map[string]*Machine),
		artifacts:     make(map[string]*Artifact),
		sessionSeqs:   make(map[string]int64),
	}

	if opts.SnapshotPath != "" {
		s.snap = newSnapshotter(opts.SnapshotPath, s.logger)
		s.loadSnapshot()
	}
	return s
}

// --- Sequence counters ---

// NextUserSeq allocates the next per-user update sequence number. It is the
// sole source of user-level sequence numbers.
func (s *Store) NextUserSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextUserSeqLocked()
}

func (s *Store) nextUserSeqLocked() int64 {
	s.userSeq++
	return s.userSeq
}

// NextSessionSeq allocates the next per-session message sequence number.
func (s *Store) NextSessionSeq(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSessionSeqLocked(sessionID)
}

func (s *Store) nextSessionSeqLocked(sessionID string) int64 {
	s.sessionSeqs[sessionID]++
	return s.sessionSeqs[sessionID]
}

// --- Sessions ---

// CreateSession creates a session for tag, or rebinds an existing one: if the
// tag is taken, its session keeps its id and seq, receives the new metadata
// with a bumped version, and is marked active. Returns the resulting session
// and whether it was newly created.
func (s *Store) CreateSession(tag, metadata string, dataEncryptionKey *string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.sessionsByTag[tag]; ok {
		sess := s.sessions[id]
		sess.Metadata = metadata
		sess.MetadataVersion++
		sess.Active = true
		sess.ActiveAt = now
		sess.UpdatedAt = now
		if dataEncryptionKey != nil {
			sess.DataEncryptionKey = dataEncryptionKey
		}
		s.dirty()
		return *sess, false
	}

	sess := &Session{
		ID:                uuid.New().String(),
		Tag:               tag,
		Seq:               s.nextUserSeqLocked(),
		Metadata:          metadata,
		MetadataVersion:   1,
		AgentStateVersion: 1,
		DataEncryptionKey: dataEncryptionKey,
		Active:            true,
		ActiveAt:          now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.sessions[sess.ID] = sess
	s.sessionsByTag[tag] = sess.ID
	s.dirty()
	return *sess, true
}

// GetSession returns a session by id, or nil.
func (s *Store) GetSession(id string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		cp := *sess
		return &cp
	}
	return nil
}

// GetSessionByTag returns a session by tag, or nil.
func (s *Store) GetSessionByTag(tag string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.sessionsByTag[tag]; ok {
		cp := *s.sessions[id]
		return &cp
	}
	return nil
}

// ListSessions returns all sessions sorted by UpdatedAt descending.
func (s *Store) ListSessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListActiveSessions returns up to limit sessions that are active and were
// alive within the activity window, most recently updated first. limit <= 0
// means no limit.
func (s *Store) ListActiveSessions(limit int) []Session {
	cutoff := s.now().Add(-activeWindow)

	all := s.ListSessions()
	out := make([]Session, 0, len(all))
	for _, sess := range all {
		if !sess.Active || !sess.ActiveAt.After(cutoff) {
			continue
		}
		out = append(out, sess)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// DeleteSession removes a session and its messages. Returns false if absent.
func (s *Store) DeleteSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	delete(s.sessions, id)
	delete(s.sessionsByTag, sess.Tag)
	delete(s.messages, id)
	delete(s.sessionSeqs, id)
	s.dirty()
	return true
}

// UpdateSessionMetadata replaces session metadata under OCC.
func (s *Store) UpdateSessionMetadata(id, value string, expectedVersion int64) WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return WriteResult{Status: WriteNotFound}
	}
	if sess.MetadataVersion != expectedVersion {
		return WriteResult{Status: WriteVersionMismatch, Version: sess.MetadataVersion, Value: sess.Metadata}
	}
	sess.Metadata = value
	sess.MetadataVersion++
	sess.UpdatedAt = s.now()
	s.dirty()
	return WriteResult{Status: WriteSuccess, Version: sess.MetadataVersion, Value: sess.Metadata}
}

// UpdateSessionState replaces the opaque agent state under OCC.
func (s *Store) UpdateSessionState(id, value string, expectedVersion int64) WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return WriteResult{Status: WriteNotFound}
	}
	if sess.AgentStateVersion != expectedVersion {
		current := ""
		if sess.AgentState != nil {
			current = *sess.AgentState
		}
		return WriteResult{Status: WriteVersionMismatch, Version: sess.AgentStateVersion, Value: current}
	}
	sess.AgentState = &value
	sess.AgentStateVersion++
	sess.UpdatedAt = s.now()
	s.dirty()
	return WriteResult{Status: WriteSuccess, Version: sess.AgentStateVersion, Value: value}
}

// SetSessionActive refreshes a session's activity flags. No version changes.
// Returns the updated session and false if the session is absent.
func (s *Store) SetSessionActive(id string, active bool) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	now := s.now()
	sess.Active = active
	if active {
		sess.ActiveAt = now
	}
	sess.UpdatedAt = now
	s.dirty()
	return *sess, true
}

// --- Messages ---

// AppendMessage appends an immutable message to a session's transcript,
// allocating the per-session sequence number and refreshing session activity.
// Returns nil if the session does not exist.
func (s *Store) AppendMessage(sessionID, content string, localID *string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	now := s.now()
	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       s.nextSessionSeqLocked(sessionID),
		Content:   content,
		LocalID:   localID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)

	sess.Active = true
	sess.ActiveAt = now
	sess.UpdatedAt = now

	s.dirty()
	cp := *msg
	return &cp
}

// ListMessages returns the last limit messages of a session, newest first.
// limit <= 0 means all.
func (s *Store) ListMessages(sessionID string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	n := len(msgs)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Message, 0, n)
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *msgs[i])
	}
	return out
}

// --- Machines ---

// UpsertMachine registers a machine or, if it already exists, rebinds its
// metadata with a bumped version and marks it active. Returns the machine and
// whether it was newly created.
func (s *Store) UpsertMachine(id, metadata string, daemonState, dataEncryptionKey *string) (Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if m, ok := s.machines[id]; ok {
		m.Metadata = metadata
		m.MetadataVersion++
		if daemonState != nil {
			m.DaemonState = daemonState
			m.DaemonStateVersion++
		}
		if dataEncryptionKey != nil {
			m.DataEncryptionKey = dataEncryptionKey
		}
		m.Active = true
		m.ActiveAt = now
		m.UpdatedAt = now
		s.dirty()
		return *m, false
	}

	m := &Machine{
		ID:                 id,
		Seq:                s.nextUserSeqLocked(),
		Metadata:           metadata,
		MetadataVersion:    1,
		DaemonState:        daemonState,
		DaemonStateVersion: 1,
		DataEncryptionKey:  dataEncryptionKey,
		Active:             true,
		ActiveAt:           now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.machines[id] = m
	s.dirty()
	return *m, true
}

// GetMachine returns a machine by id, or nil.
func (s *Store) GetMachine(id string) *Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.machines[id]; ok {
		cp := *m
		return &cp
	}
	return nil
}

// ListMachines returns all machines sorted by UpdatedAt descending.
func (s *Store) ListMachines() []Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateMachineMetadata replaces machine metadata under OCC.
func (s *Store) UpdateMachineMetadata(id, value string, expectedVersion int64) WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return WriteResult{Status: WriteNotFound}
	}
	if m.MetadataVersion != expectedVersion {
		return WriteResult{Status: WriteVersionMismatch, Version: m.MetadataVersion, Value: m.Metadata}
	}
	m.Metadata = value
	m.MetadataVersion++
	m.UpdatedAt = s.now()
	s.dirty()
	return WriteResult{Status: WriteSuccess, Version: m.MetadataVersion, Value: m.Metadata}
}

// UpdateMachineDaemonState replaces the opaque daemon state under OCC.
func (s *Store) UpdateMachineDaemonState(id, value string, expectedVersion int64) WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return WriteResult{Status: WriteNotFound}
	}
	if m.DaemonStateVersion != expectedVersion {
		current := ""
		if m.DaemonState != nil {
			current = *m.DaemonState
		}
		return WriteResult{Status: WriteVersionMismatch, Version: m.DaemonStateVersion, Value: current}
	}
	m.DaemonState = &value
	m.DaemonStateVersion++
	m.UpdatedAt = s.now()
	s.dirty()
	return WriteResult{Status: WriteSuccess, Version: m.DaemonStateVersion, Value: value}
}

// SetMachineActive refreshes a machine's activity flags.
func (s *Store) SetMachineActive(id string, active bool) (Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return Machine{}, false
	}
	now := s.now()
	m.Active = active
	if active {
		m.ActiveAt = now
	}
	m.UpdatedAt = now
	s.dirty()
	return *m, true
}

// --- Artifacts ---

// CreateArtifact inserts a new artifact. Returns false if the id is taken.
func (s *Store) CreateArtifact(id, header, body string, dataEncryptionKey *string) (Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.artifacts[id]; exists {
		return Artifact{}, false
	}

	now := s.now()
	a := &Artifact{
		ID:                id,
		Seq:               s.nextUserSeqLocked(),
		Header:            header,
		HeaderVersion:     1,
		Body:              body,
		BodyVersion:       1,
		DataEncryptionKey: dataEncryptionKey,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.artifacts[id] = a
	s.dirty()
	return *a, true
}

// GetArtifact returns an artifact by id, or nil.
func (s *Store) GetArtifact(id string) *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.artifacts[id]; ok {
		cp := *a
		return &cp
	}
	return nil
}

// ListArtifacts returns all artifacts sorted by UpdatedAt descending.
func (s *Store) ListArtifacts() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateArtifactHeader replaces the artifact header under OCC. The header and
// body version counters are independent.
func (s *Store) UpdateArtifactHeader(id, value string, expectedVersion int64) WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok {
		return WriteResult{Status: WriteNotFound}
	}
	if a.HeaderVersion != expectedVersion {
		return WriteResult{Status: WriteVersionMismatch, Version: a.HeaderVersion, Value: a.Header}
	}
	a.Header = value
	a.HeaderVersion++
	a.UpdatedAt = s.now()
	s.dirty()
	return WriteResult{Status: WriteSuccess, Version: a.HeaderVersion, Value: a.Header}
}

// UpdateArtifactBody replaces the artifact body under OCC.
func (s *Store) UpdateArtifactBody(id, value string, expectedVersion int64) WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[id]
	if !ok {
		return WriteResult{Status: WriteNotFound}
	}
	if a.BodyVersion != expectedVersion {
		return WriteResult{Status: WriteVersionMismatch, Version: a.BodyVersion, Value: a.Body}
	}
	a.Body = value
	a.BodyVersion++
	a.UpdatedAt = s.now()
	s.dirty()
	return WriteResult{Status: WriteSuccess, Version: a.BodyVersion, Value: a.Body}
}

// DeleteArtifact removes an artifact. Returns false if absent.
func (s *Store) DeleteArtifact(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.artifacts[id]; !ok {
		return false
	}
	delete(s.artifacts, id)
	s.dirty()
	return true
}

// dirty marks the state as needing a snapshot flush. Called with s.mu held.
func (s *Store) dirty() {
	if s.snap != nil {
		s.snap.markDirty()
	}
}
