package public

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remcli/remcli/internal/authkit"
	"github.com/remcli/remcli/internal/events"
	"github.com/remcli/remcli/pkg/wire"
)

const (
	authDeadline = 10 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 75 * time.Second
	sendBuffer   = 256
)

// wsConn is one authenticated WebSocket connection. It satisfies both
// events.Recipient and rpc.Endpoint: frames queue onto a buffered channel
// drained by a single writer goroutine, so Send never blocks an emitter.
type wsConn struct {
	srv   *Server
	conn  *websocket.Conn
	scope events.Scope

	send chan wire.Frame
	done chan struct{}
	once sync.Once
}

func (c *wsConn) Scope() events.Scope { return c.scope }

// Send queues a frame for delivery. Returns false when the connection is
// closed or its buffer is full; the frame is dropped either way.
func (c *wsConn) Send(frame wire.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// handleWebSocket upgrades the connection, runs the auth handshake, then
// serves frames until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	scope, ok := s.handshake(conn)
	if !ok {
		conn.Close()
		return
	}

	c := &wsConn{
		srv:   s,
		conn:  conn,
		scope: scope,
		send:  make(chan wire.Frame, sendBuffer),
		done:  make(chan struct{}),
	}

	s.events.Subscribe(c)
	s.logger.Info("client connected", "scope", scope.Kind.String(),
		"session", scope.SessionID, "machine", scope.MachineID)

	go c.writeLoop()
	c.readLoop()

	s.events.Unsubscribe(c)
	s.rpc.DropEndpoint(c)
	c.close()

	// A vanished session client means its agent is gone; reflect that for
	// the UIs immediately rather than waiting for the activity window.
	if scope.Kind == events.ScopeSession {
		if sess, ok := s.store.SetSessionActive(scope.SessionID, false); ok {
			s.emitSessionActivity(sess, false, nil)
		}
	}

	s.logger.Info("client disconnected", "scope", scope.Kind.String(),
		"session", scope.SessionID, "machine", scope.MachineID)
}

// handshake reads and validates the auth frame. The ack is sent either way;
// a failed handshake reports why before the connection drops.
func (s *Server) handshake(conn *websocket.Conn) (events.Scope, bool) {
	conn.SetReadDeadline(time.Now().Add(authDeadline))

	var frame wire.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return events.Scope{}, false
	}
	if frame.Type != wire.TypeAuth {
		s.rejectHandshake(conn, "first frame must be auth")
		return events.Scope{}, false
	}

	var req wire.AuthRequest
	if err := unmarshalPayload(frame.Payload, &req); err != nil {
		s.rejectHandshake(conn, "invalid auth payload")
		return events.Scope{}, false
	}
	if !authkit.VerifyToken(req.Token, s.secret) {
		s.rejectHandshake(conn, "invalid token")
		return events.Scope{}, false
	}

	var scope events.Scope
	switch req.ClientType {
	case wire.ClientTypeUser:
		scope = events.Scope{Kind: events.ScopeUser}
	case wire.ClientTypeSession:
		if req.SessionID == "" {
			s.rejectHandshake(conn, "session-scoped client requires sessionId")
			return events.Scope{}, false
		}
		scope = events.Scope{Kind: events.ScopeSession, SessionID: req.SessionID}
	case wire.ClientTypeMachine:
		if req.MachineID == "" {
			s.rejectHandshake(conn, "machine-scoped client requires machineId")
			return events.Scope{}, false
		}
		scope = events.Scope{Kind: events.ScopeMachine, MachineID: req.MachineID}
	default:
		s.rejectHandshake(conn, "unknown client type")
		return events.Scope{}, false
	}

	ack, err := wire.NewFrame(wire.TypeAuthAck, frame.ID, wire.AuthAck{OK: true})
	if err != nil {
		return events.Scope{}, false
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ack); err != nil {
		return events.Scope{}, false
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	return scope, true
}

func (s *Server) rejectHandshake(conn *websocket.Conn, reason string) {
	if ack, err := wire.NewFrame(wire.TypeAuthAck, "", wire.AuthAck{OK: false, Error: reason}); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteJSON(ack)
	}
}

func (c *wsConn) readLoop() {
	for {
		var frame wire.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		c.srv.handleFrame(c, frame)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
