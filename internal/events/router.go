// Package events fans out update and ephemeral frames to connected clients
// according to their scope. The router serializes emission so that sequence
// allocation and delivery order agree: if update A gets a lower seq than B,
// every recipient that receives both receives A first.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/remcli/remcli/pkg/wire"
)

// ScopeKind classifies an authenticated connection.
type ScopeKind int

const (
	ScopeUser ScopeKind = iota
	ScopeSession
	ScopeMachine
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeUser:
		return "user"
	case ScopeSession:
		return "session"
	case ScopeMachine:
		return "machine"
	default:
		return "unknown"
	}
}

// Scope identifies what a connection is allowed to see. SessionID is set for
// session-scoped connections, MachineID for machine-scoped ones.
type Scope struct {
	Kind      ScopeKind
	SessionID string
	MachineID string
}

// Recipient is a connection the router can deliver frames to. Send must not
// block; it reports whether the frame was accepted. A slow consumer drops
// frames rather than stalling the emit path.
type Recipient interface {
	Scope() Scope
	Send(frame wire.Frame) bool
}

// Filter selects which scopes receive an emission.
type Filter func(Scope) bool

// UserScopedOnly delivers to user-scoped connections.
func UserScopedOnly() Filter {
	return func(s Scope) bool { return s.Kind == ScopeUser }
}

// InterestedInSession delivers to user-scoped connections and to the
// session-scoped connections of the given session.
func InterestedInSession(sessionID string) Filter {
	return func(s Scope) bool {
		if s.Kind == ScopeUser {
			return true
		}
		return s.Kind == ScopeSession && s.SessionID == sessionID
	}
}

// MachineScopedOnly delivers to user-scoped connections and to the
// machine-scoped connections of the given machine.
func MachineScopedOnly(machineID string) Filter {
	return func(s Scope) bool {
		if s.Kind == ScopeUser {
			return true
		}
		return s.Kind == ScopeMachine && s.MachineID == machineID
	}
}

// AllAuthenticated delivers to every connection.
func AllAuthenticated() Filter {
	return func(Scope) bool { return true }
}

// SeqSource allocates update sequence numbers. Satisfied by the store.
type SeqSource interface {
	NextUserSeq() int64
}

// Router tracks subscribed recipients and emits frames to them.
type Router struct {
	logger *slog.Logger
	seqs   SeqSource

	mu         sync.Mutex
	recipients map[Recipient]struct{}
}

// NewRouter creates a Router drawing sequence numbers from seqs.
func NewRouter(seqs SeqSource, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:     logger.With("component", "events"),
		seqs:       seqs,
		recipients: make(map[Recipient]struct{}),
	}
}

// Subscribe registers a recipient for future emissions.
func (r *Router) Subscribe(rec Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipients[rec] = struct{}{}
}

// Unsubscribe removes a recipient. Safe to call twice.
func (r *Router) Unsubscribe(rec Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recipients, rec)
}

// RecipientCount returns the number of subscribed connections.
func (r *Router) RecipientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recipients)
}

// EmitUpdate allocates the next sequence number and delivers a sequenced
// update to every recipient matched by filter, except skip (normally the
// originator, which learns the outcome from its correlated response instead).
// Returns the envelope as delivered.
func (r *Router) EmitUpdate(filter Filter, body wire.UpdateBody, createdAt int64, skip Recipient) wire.UpdateEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitLocked(filter, r.seqs.NextUserSeq(), body, createdAt, skip)
}

// EmitUpdateWithSeq delivers an update under a sequence number the caller
// already allocated. Used when the triggering write itself consumed the
// number, so creation events carry the entity's own seq.
func (r *Router) EmitUpdateWithSeq(filter Filter, seq int64, body wire.UpdateBody, createdAt int64, skip Recipient) wire.UpdateEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitLocked(filter, seq, body, createdAt, skip)
}

func (r *Router) emitLocked(filter Filter, seq int64, body wire.UpdateBody, createdAt int64, skip Recipient) wire.UpdateEnvelope {
	env := wire.UpdateEnvelope{
		ID:        uuid.New().String(),
		Seq:       seq,
		Body:      body,
		CreatedAt: createdAt,
	}
	frame, err := wire.NewFrame(wire.TypeUpdate, "", env)
	if err != nil {
		r.logger.Error("encode update", "type", body.T, "error", err)
		return env
	}

	for rec := range r.recipients {
		if rec == skip || !filter(rec.Scope()) {
			continue
		}
		if !rec.Send(frame) {
			r.logger.Debug("dropped update for slow recipient",
				"scope", rec.Scope().Kind.String(), "seq", seq)
		}
	}
	return env
}

// EmitEphemeral delivers a transient notification to every recipient matched
// by filter, except skip. Ephemerals carry no sequence number and are never
// persisted.
func (r *Router) EmitEphemeral(filter Filter, env wire.EphemeralEnvelope, skip Recipient) {
	frame, err := wire.NewFrame(wire.TypeEphemeral, "", env)
	if err != nil {
		r.logger.Error("encode ephemeral", "type", env.Type, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for rec := range r.recipients {
		if rec == skip || !filter(rec.Scope()) {
			continue
		}
		rec.Send(frame)
	}
}
