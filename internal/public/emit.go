package public

import (
	"time"

	"github.com/remcli/remcli/internal/events"
	"github.com/remcli/remcli/internal/store"
	"github.com/remcli/remcli/pkg/wire"
)

// Emission helpers shared by the HTTP handlers and the WebSocket handlers.
// The skip argument is the originating connection, which learns the outcome
// from its correlated response instead of an echo.

// emitNewSession announces a freshly created session. The update reuses the
// seq the store allocated to the session itself, so the first update a client
// sees for a session carries the session's own sequence number.
func (s *Server) emitNewSession(sess store.Session, skip events.Recipient) {
	ws := wireSession(sess)
	s.events.EmitUpdateWithSeq(events.InterestedInSession(sess.ID), sess.Seq, wire.UpdateBody{
		T:         wire.UpdateNewSession,
		SessionID: sess.ID,
		Session:   &ws,
	}, now(), skip)
}

func (s *Server) emitSessionMetadata(sessionID string, version int64, value string, skip events.Recipient) {
	s.events.EmitUpdate(events.InterestedInSession(sessionID), wire.UpdateBody{
		T:         wire.UpdateSession,
		SessionID: sessionID,
		Metadata:  &wire.VersionedValue{Version: version, Value: value},
	}, now(), skip)
}

func (s *Server) emitSessionState(sessionID string, version int64, value string, skip events.Recipient) {
	s.events.EmitUpdate(events.InterestedInSession(sessionID), wire.UpdateBody{
		T:          wire.UpdateSession,
		SessionID:  sessionID,
		AgentState: &wire.VersionedValue{Version: version, Value: value},
	}, now(), skip)
}

func (s *Server) emitDeleteSession(sessionID string, skip events.Recipient) {
	s.events.EmitUpdate(events.InterestedInSession(sessionID), wire.UpdateBody{
		T:         wire.UpdateDeleteSession,
		SessionID: sessionID,
	}, now(), skip)
}

func (s *Server) emitNewMessage(msg store.Message, skip events.Recipient) {
	wm := wireMessage(msg)
	s.events.EmitUpdate(events.InterestedInSession(msg.SessionID), wire.UpdateBody{
		T:         wire.UpdateNewMessage,
		SessionID: msg.SessionID,
		Message:   &wm,
	}, now(), skip)
}

// emitNewMachine announces a machine registration; like sessions, the update
// reuses the machine's own seq.
func (s *Server) emitNewMachine(m store.Machine, skip events.Recipient) {
	wm := wireMachine(m)
	s.events.EmitUpdateWithSeq(events.MachineScopedOnly(m.ID), m.Seq, wire.UpdateBody{
		T:         wire.UpdateNewMachine,
		MachineID: m.ID,
		Machine:   &wm,
	}, now(), skip)
}

func (s *Server) emitMachineMetadata(machineID string, version int64, value string, skip events.Recipient) {
	s.events.EmitUpdate(events.MachineScopedOnly(machineID), wire.UpdateBody{
		T:         wire.UpdateMachine,
		MachineID: machineID,
		Metadata:  &wire.VersionedValue{Version: version, Value: value},
	}, now(), skip)
}

func (s *Server) emitMachineState(machineID string, version int64, value string, skip events.Recipient) {
	s.events.EmitUpdate(events.MachineScopedOnly(machineID), wire.UpdateBody{
		T:           wire.UpdateMachine,
		MachineID:   machineID,
		DaemonState: &wire.VersionedValue{Version: version, Value: value},
	}, now(), skip)
}

func (s *Server) emitNewArtifact(a store.Artifact, skip events.Recipient) {
	wa := wireArtifact(a)
	s.events.EmitUpdateWithSeq(events.UserScopedOnly(), a.Seq, wire.UpdateBody{
		T:        wire.UpdateNewArtifact,
		Artifact: &wa,
	}, now(), skip)
}

func (s *Server) emitArtifactHeader(id string, version int64, value string, skip events.Recipient) {
	a := wire.Artifact{ID: id}
	s.events.EmitUpdate(events.UserScopedOnly(), wire.UpdateBody{
		T:        wire.UpdateArtifact,
		Artifact: &a,
		Header:   &wire.VersionedValue{Version: version, Value: value},
	}, now(), skip)
}

func (s *Server) emitArtifactBody(id string, version int64, value string, skip events.Recipient) {
	a := wire.Artifact{ID: id}
	s.events.EmitUpdate(events.UserScopedOnly(), wire.UpdateBody{
		T:        wire.UpdateArtifact,
		Artifact: &a,
		Body:     &wire.VersionedValue{Version: version, Value: value},
	}, now(), skip)
}

func (s *Server) emitDeleteArtifact(id string, skip events.Recipient) {
	a := wire.Artifact{ID: id}
	s.events.EmitUpdate(events.UserScopedOnly(), wire.UpdateBody{
		T:        wire.UpdateDeleteArtifact,
		Artifact: &a,
	}, now(), skip)
}

func (s *Server) emitSessionActivity(sess store.Session, thinking bool, skip events.Recipient) {
	active := sess.Active
	s.events.EmitEphemeral(events.UserScopedOnly(), wire.EphemeralEnvelope{
		Type:      wire.EphemeralActivity,
		SessionID: sess.ID,
		Active:    &active,
		ActiveAt:  wire.Millis(sess.ActiveAt),
		Thinking:  &thinking,
	}, skip)
}

func (s *Server) emitMachineActivity(m store.Machine, skip events.Recipient) {
	active := m.Active
	s.events.EmitEphemeral(events.UserScopedOnly(), wire.EphemeralEnvelope{
		Type:      wire.EphemeralMachineActivity,
		MachineID: m.ID,
		Active:    &active,
		ActiveAt:  wire.Millis(m.ActiveAt),
	}, skip)
}

func (s *Server) emitUsage(report wire.UsageReport, skip events.Recipient) {
	env := wire.EphemeralEnvelope{
		Type:   wire.EphemeralUsage,
		Key:    report.Key,
		Tokens: report.Tokens,
		Cost:   report.Cost,
	}
	if report.SessionID != nil {
		env.SessionID = *report.SessionID
	}
	s.events.EmitEphemeral(events.UserScopedOnly(), env, skip)
}

// EmitDaemonStatus broadcasts a daemon lifecycle notice to every connected
// client, e.g. "stopping" when shutdown begins.
func (s *Server) EmitDaemonStatus(status string) {
	s.events.EmitEphemeral(events.AllAuthenticated(), wire.EphemeralEnvelope{
		Type:   wire.EphemeralDaemonStatus,
		Status: status,
	}, nil)
}

func now() int64 {
	return time.Now().UnixMilli()
}
