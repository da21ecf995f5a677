package public

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/remcli/remcli/internal/store"
	"github.com/remcli/remcli/pkg/wire"
)

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(raw, v)
}

// respond sends a correlated response frame. Fire-and-forget frames carry no
// id and get no response.
func (c *wsConn) respond(id string, payload any) {
	if id == "" {
		return
	}
	frame, err := wire.NewFrame(wire.TypeResponse, id, payload)
	if err != nil {
		c.srv.logger.Error("encode response", "error", err)
		return
	}
	c.Send(frame)
}

func (c *wsConn) respondError(id, msg string) {
	c.respond(id, wire.WriteResult{Result: wire.ResultError, Message: msg})
}

// handleFrame dispatches one client frame.
func (s *Server) handleFrame(c *wsConn, frame wire.Frame) {
	switch frame.Type {
	case wire.TypePing:
		c.respond(frame.ID, map[string]bool{"ok": true})

	case wire.TypeMessage:
		s.wsMessage(c, frame)
	case wire.TypeSessionAlive:
		s.wsSessionAlive(c, frame)
	case wire.TypeSessionEnd:
		s.wsSessionEnd(c, frame)
	case wire.TypeUpdateMetadata:
		s.wsUpdateMetadata(c, frame)
	case wire.TypeUpdateState:
		s.wsUpdateState(c, frame)

	case wire.TypeMachineAlive:
		s.wsMachineAlive(c, frame)
	case wire.TypeMachineUpdateMetadata:
		s.wsMachineUpdateMetadata(c, frame)
	case wire.TypeMachineUpdateState:
		s.wsMachineUpdateState(c, frame)

	case wire.TypeArtifactCreate:
		s.wsArtifactCreate(c, frame)
	case wire.TypeArtifactRead:
		s.wsArtifactRead(c, frame)
	case wire.TypeArtifactUpdate:
		s.wsArtifactUpdate(c, frame)
	case wire.TypeArtifactDelete:
		s.wsArtifactDelete(c, frame)

	case wire.TypeUsageReport:
		s.wsUsageReport(c, frame)

	case wire.TypeRPCRegister:
		s.wsRPCRegister(c, frame)
	case wire.TypeRPCUnregister:
		s.wsRPCUnregister(c, frame)
	case wire.TypeRPCCall:
		s.wsRPCCall(c, frame)
	case wire.TypeRPCResponse:
		s.wsRPCResponse(c, frame)

	default:
		c.respondError(frame.ID, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (s *Server) wsMessage(c *wsConn, frame wire.Frame) {
	var req wire.MessageSend
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	msg := s.store.AppendMessage(req.SessionID, req.Message, req.LocalID)
	if msg == nil {
		c.respondError(frame.ID, "session not found")
		return
	}

	s.emitNewMessage(*msg, c)
	c.respond(frame.ID, map[string]any{"result": wire.ResultSuccess, "message": wireMessage(*msg)})
}

func (s *Server) wsSessionAlive(c *wsConn, frame wire.Frame) {
	var req wire.SessionAlive
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	sess, ok := s.store.SetSessionActive(req.SessionID, true)
	if !ok {
		c.respondError(frame.ID, "session not found")
		return
	}
	s.emitSessionActivity(sess, req.Thinking, c)
	c.respond(frame.ID, wire.WriteResult{Result: wire.ResultSuccess})
}

func (s *Server) wsSessionEnd(c *wsConn, frame wire.Frame) {
	var req wire.SessionEnd
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	sess, ok := s.store.SetSessionActive(req.SessionID, false)
	if !ok {
		c.respondError(frame.ID, "session not found")
		return
	}
	s.emitSessionActivity(sess, false, c)
	c.respond(frame.ID, wire.WriteResult{Result: wire.ResultSuccess})
}

// occResponse renders a store write outcome into the correlated response.
// The entity value travels under valueField: the written value on success,
// the current value on a version conflict so the client can rebase.
func occResponse(res store.WriteResult, valueField string) map[string]any {
	switch res.Status {
	case store.WriteSuccess:
		return map[string]any{
			"result":   wire.ResultSuccess,
			"version":  res.Version,
			valueField: res.Value,
		}
	case store.WriteVersionMismatch:
		return map[string]any{
			"result":   wire.ResultVersionMismatch,
			"version":  res.Version,
			valueField: res.Value,
		}
	default:
		return map[string]any{"result": wire.ResultError, "message": "not found"}
	}
}

func (s *Server) wsUpdateMetadata(c *wsConn, frame wire.Frame) {
	var req wire.MetadataUpdate
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	res := s.store.UpdateSessionMetadata(req.SessionID, req.Metadata, req.ExpectedVersion)
	if res.Status == store.WriteSuccess {
		s.emitSessionMetadata(req.SessionID, res.Version, res.Value, c)
	}
	c.respond(frame.ID, occResponse(res, "metadata"))
}

func (s *Server) wsUpdateState(c *wsConn, frame wire.Frame) {
	var req wire.StateUpdate
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	res := s.store.UpdateSessionState(req.SessionID, req.AgentState, req.ExpectedVersion)
	if res.Status == store.WriteSuccess {
		s.emitSessionState(req.SessionID, res.Version, res.Value, c)
	}
	c.respond(frame.ID, occResponse(res, "agentState"))
}

func (s *Server) wsMachineAlive(c *wsConn, frame wire.Frame) {
	var req wire.MachineAlive
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	m, ok := s.store.SetMachineActive(req.MachineID, true)
	if !ok {
		c.respondError(frame.ID, "machine not found")
		return
	}
	s.emitMachineActivity(m, c)
	c.respond(frame.ID, wire.WriteResult{Result: wire.ResultSuccess})
}

func (s *Server) wsMachineUpdateMetadata(c *wsConn, frame wire.Frame) {
	var req wire.MachineMetadataUpdate
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	res := s.store.UpdateMachineMetadata(req.MachineID, req.Metadata, req.ExpectedVersion)
	if res.Status == store.WriteSuccess {
		s.emitMachineMetadata(req.MachineID, res.Version, res.Value, c)
	}
	c.respond(frame.ID, occResponse(res, "metadata"))
}

func (s *Server) wsMachineUpdateState(c *wsConn, frame wire.Frame) {
	var req wire.MachineStateUpdate
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	res := s.store.UpdateMachineDaemonState(req.MachineID, req.DaemonState, req.ExpectedVersion)
	if res.Status == store.WriteSuccess {
		s.emitMachineState(req.MachineID, res.Version, res.Value, c)
	}
	c.respond(frame.ID, occResponse(res, "daemonState"))
}

func (s *Server) wsArtifactCreate(c *wsConn, frame wire.Frame) {
	var req wire.ArtifactCreate
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}
	if req.ID == "" {
		c.respondError(frame.ID, "id is required")
		return
	}

	a, ok := s.store.CreateArtifact(req.ID, req.Header, req.Body, req.DataEncryptionKey)
	if !ok {
		c.respondError(frame.ID, "artifact id already exists")
		return
	}
	s.emitNewArtifact(a, c)
	c.respond(frame.ID, map[string]any{"result": wire.ResultSuccess, "artifact": wireArtifact(a)})
}

func (s *Server) wsArtifactRead(c *wsConn, frame wire.Frame) {
	var req wire.ArtifactRead
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	a := s.store.GetArtifact(req.ID)
	if a == nil {
		c.respondError(frame.ID, "artifact not found")
		return
	}
	c.respond(frame.ID, map[string]any{"result": wire.ResultSuccess, "artifact": wireArtifact(*a)})
}

func (s *Server) wsArtifactUpdate(c *wsConn, frame wire.Frame) {
	var req wire.ArtifactUpdate
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}
	if req.Header == nil && req.Body == nil {
		c.respondError(frame.ID, "nothing to update")
		return
	}

	resp := map[string]any{"result": wire.ResultSuccess}
	if req.Header != nil {
		res := s.store.UpdateArtifactHeader(req.ID, *req.Header, req.ExpectedHeaderVersion)
		if res.Status == store.WriteSuccess {
			s.emitArtifactHeader(req.ID, res.Version, res.Value, c)
		}
		resp["header"] = occResponse(res, "value")
	}
	if req.Body != nil {
		res := s.store.UpdateArtifactBody(req.ID, *req.Body, req.ExpectedBodyVersion)
		if res.Status == store.WriteSuccess {
			s.emitArtifactBody(req.ID, res.Version, res.Value, c)
		}
		resp["body"] = occResponse(res, "value")
	}
	c.respond(frame.ID, resp)
}

func (s *Server) wsArtifactDelete(c *wsConn, frame wire.Frame) {
	var req wire.ArtifactDelete
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	if !s.store.DeleteArtifact(req.ID) {
		c.respondError(frame.ID, "artifact not found")
		return
	}
	s.emitDeleteArtifact(req.ID, c)
	c.respond(frame.ID, wire.WriteResult{Result: wire.ResultSuccess})
}

func (s *Server) wsUsageReport(c *wsConn, frame wire.Frame) {
	var req wire.UsageReport
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}
	if req.Key == "" {
		c.respondError(frame.ID, "key is required")
		return
	}

	// The ledger is advisory; a write failure must never break the session.
	if s.usage != nil {
		if err := s.usage.Record(context.Background(), req); err != nil {
			s.logger.Warn("record usage", "key", req.Key, "error", err)
		}
	}
	s.emitUsage(req, c)
	c.respond(frame.ID, wire.WriteResult{Result: wire.ResultSuccess})
}

func (s *Server) wsRPCRegister(c *wsConn, frame wire.Frame) {
	var req wire.RPCRegister
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	if err := s.rpc.Register(req.Method, c); err != nil {
		if f, ferr := wire.NewFrame(wire.TypeRPCError, frame.ID, wire.RPCErrorEvent{Method: req.Method, Error: err.Error()}); ferr == nil {
			c.Send(f)
		}
		return
	}
	if f, err := wire.NewFrame(wire.TypeRPCRegistered, frame.ID, wire.RPCMethodEvent{Method: req.Method}); err == nil {
		c.Send(f)
	}
}

func (s *Server) wsRPCUnregister(c *wsConn, frame wire.Frame) {
	var req wire.RPCUnregister
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	if err := s.rpc.Unregister(req.Method, c); err != nil {
		if f, ferr := wire.NewFrame(wire.TypeRPCError, frame.ID, wire.RPCErrorEvent{Method: req.Method, Error: err.Error()}); ferr == nil {
			c.Send(f)
		}
		return
	}
	if f, err := wire.NewFrame(wire.TypeRPCUnregistered, frame.ID, wire.RPCMethodEvent{Method: req.Method}); err == nil {
		c.Send(f)
	}
}

// wsRPCCall forwards the call to the registrant and answers the caller when
// the registrant responds or the deadline fires. Runs async because the wait
// may take the full deadline and must not stall this connection's read loop.
func (s *Server) wsRPCCall(c *wsConn, frame wire.Frame) {
	var req wire.RPCCall
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		c.respondError(frame.ID, err.Error())
		return
	}

	go func() {
		result := s.rpc.Call(context.Background(), req.Method, req.Params)
		c.respond(frame.ID, result)
	}()
}

func (s *Server) wsRPCResponse(c *wsConn, frame wire.Frame) {
	var result wire.RPCCallResult
	if err := unmarshalPayload(frame.Payload, &result); err != nil {
		s.logger.Debug("malformed rpc response", "error", err)
		return
	}
	if !s.rpc.Resolve(frame.ID, result) {
		s.logger.Debug("rpc response without waiter", "id", frame.ID)
	}
}
