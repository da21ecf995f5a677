package daemon

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remcli/remcli/internal/supervisor"
	"github.com/remcli/remcli/pkg/wire"
)

// selfMethods are the RPC methods the daemon serves to its clients through
// its own machine-scoped connection.
var selfMethods = []string{
	"spawn-remcli-session",
	"stop-session",
	"stop-daemon",
	"bash",
	"read-file",
	"write-file",
	"list-directory",
}

const (
	selfReconnectDelay = 2 * time.Second
	selfAliveInterval  = 30 * time.Second
	bashTimeout        = 60 * time.Second
	maxFileBytes       = 10 << 20
)

// SelfClient is the daemon's own machine-scoped WebSocket client. Connecting
// to its own public plane keeps the daemon honest (its operations travel the
// same path as any remote machine) and is how mobile clients reach spawn,
// stop and filesystem helpers via rpc-call.
type SelfClient struct {
	logger    *slog.Logger
	url       string
	token     string
	machineID string
	sup       *supervisor.Supervisor
	shutdown  func(reason string)

	mu   sync.Mutex // guards writes to conn
	conn *websocket.Conn
}

// NewSelfClient creates the machine client for the daemon's own public port.
func NewSelfClient(publicPort int, token, machineID string, sup *supervisor.Supervisor, shutdown func(string), logger *slog.Logger) *SelfClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SelfClient{
		logger:    logger.With("component", "selfclient"),
		url:       fmt.Sprintf("ws://127.0.0.1:%d/v1/updates", publicPort),
		token:     token,
		machineID: machineID,
		sup:       sup,
		shutdown:  shutdown,
	}
}

// Run maintains the connection until ctx is cancelled, reconnecting after
// failures.
func (c *SelfClient) Run(ctx context.Context) {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("self connection lost", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(selfReconnectDelay):
		}
	}
}

func (c *SelfClient) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(wire.TypeAuth, "", wire.AuthRequest{
		Token:      c.token,
		ClientType: wire.ClientTypeMachine,
		MachineID:  c.machineID,
	}); err != nil {
		return err
	}
	var ackFrame wire.Frame
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&ackFrame); err != nil {
		return fmt.Errorf("read auth ack: %w", err)
	}
	var ack wire.AuthAck
	if err := json.Unmarshal(ackFrame.Payload, &ack); err != nil || !ack.OK {
		return fmt.Errorf("handshake rejected: %s", ack.Error)
	}
	conn.SetReadDeadline(time.Time{})

	for _, method := range selfMethods {
		if err := c.write(wire.TypeRPCRegister, "", wire.RPCRegister{Method: method}); err != nil {
			return err
		}
	}
	c.logger.Info("self client connected", "methods", len(selfMethods))

	stop := make(chan struct{})
	defer close(stop)
	go c.aliveLoop(ctx, stop)

	for {
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.Type == wire.TypeRPCRequest {
			go c.handleRequest(ctx, frame)
		}
	}
}

func (c *SelfClient) aliveLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(selfAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.write(wire.TypeMachineAlive, "", wire.MachineAlive{
				MachineID: c.machineID,
				Time:      time.Now().UnixMilli(),
			})
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *SelfClient) write(frameType, id string, payload any) error {
	frame, err := wire.NewFrame(frameType, id, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(frame)
}

func (c *SelfClient) handleRequest(ctx context.Context, frame wire.Frame) {
	var req wire.RPCRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		c.reply(frame.ID, wire.RPCCallResult{OK: false, Error: "malformed request"})
		return
	}

	result, err := c.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		c.reply(frame.ID, wire.RPCCallResult{OK: false, Error: err.Error()})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		c.reply(frame.ID, wire.RPCCallResult{OK: false, Error: err.Error()})
		return
	}
	c.reply(frame.ID, wire.RPCCallResult{OK: true, Result: raw})
}

func (c *SelfClient) reply(id string, result wire.RPCCallResult) {
	if err := c.write(wire.TypeRPCResponse, id, result); err != nil {
		c.logger.Warn("send rpc response", "error", err)
	}
}

func (c *SelfClient) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "spawn-remcli-session":
		var opts supervisor.SpawnOptions
		if err := json.Unmarshal(params, &opts); err != nil {
			return nil, fmt.Errorf("invalid spawn params: %w", err)
		}
		return c.sup.Spawn(ctx, opts), nil

	case "stop-session":
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("invalid stop params: %w", err)
		}
		return map[string]bool{"stopped": c.sup.Stop(ctx, req.SessionID)}, nil

	case "stop-daemon":
		go c.shutdown("rpc stop-daemon")
		return map[string]bool{"stopping": true}, nil

	case "bash":
		return c.runBash(ctx, params)

	case "read-file":
		var req struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		info, err := os.Stat(req.Path)
		if err != nil {
			return nil, err
		}
		if info.Size() > maxFileBytes {
			return nil, fmt.Errorf("file too large (%d bytes)", info.Size())
		}
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return nil, err
		}
		return map[string]string{"content": base64.StdEncoding.EncodeToString(data)}, nil

	case "write-file":
		var req struct {
			Path    string `json:"path"`
			Content string `json:"content"` // base64
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(req.Path, data, 0o644); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "list-directory":
		var req struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(req.Path)
		if err != nil {
			return nil, err
		}
		type entry struct {
			Name string `json:"name"`
			Dir  bool   `json:"dir"`
			Size int64  `json:"size"`
		}
		out := make([]entry, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, entry{Name: e.Name(), Dir: e.IsDir(), Size: info.Size()})
		}
		return map[string]any{"entries": out}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (c *SelfClient) runBash(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd,omitempty"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if req.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, bashTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", req.Command)
	cmd.Dir = req.Cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run command: %w", err)
		}
	}
	return map[string]any{
		"stdout":   stdout.String(),
		"stderr":   stderr.String(),
		"exitCode": exitCode,
	}, nil
}
