package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remcli/remcli/internal/authkit"
	"github.com/remcli/remcli/internal/config"
	"github.com/remcli/remcli/internal/daemon"
	"github.com/remcli/remcli/pkg/wire"
)

const sessionAliveInterval = 20 * time.Second

// runRemoteSession is the child-side entry point: the daemon launches this
// binary inside a tmux window with `--remcli-starting-mode remote`. It
// registers a session record with the daemon, reports its own PID back over
// the control webhook, then keeps the session alive until terminated.
func runRemoteSession(ctx context.Context, startedBy string) error {
	logger := slog.Default().With("component", "session")

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	state, err := daemon.LoadState(cfg.StateFilePath())
	if err != nil {
		return err
	}
	if state == nil {
		return errors.New("no daemon state file; is the daemon running?")
	}
	secret, err := authkit.DecodeSecret(state.Secret)
	if err != nil {
		return fmt.Errorf("state file secret: %w", err)
	}
	token := authkit.DeriveToken(secret)

	sessionID, err := registerSession(state.PublicPort, token, startedBy)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	logger.Info("session registered", "sessionId", sessionID)

	if err := reportSessionStarted(state.ControlPort, sessionID); err != nil {
		return fmt.Errorf("report to daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return sessionKeepalive(ctx, state.PublicPort, token, sessionID, logger)
}

// registerSession creates (or rebinds) the session record over the public
// API. The tag is the working directory, so a re-spawn in the same place
// resumes the existing session.
func registerSession(publicPort int, token, startedBy string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	hostname, _ := os.Hostname()

	metadata, err := json.Marshal(map[string]string{
		"path":      cwd,
		"host":      hostname,
		"startedBy": startedBy,
	})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]string{
		"tag":      cwd,
		"metadata": string(metadata),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://127.0.0.1:%d/v1/sessions", publicPort), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session create returned %d", resp.StatusCode)
	}

	var created struct {
		Session wire.Session `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	if created.Session.ID == "" {
		return "", errors.New("session create returned no id")
	}
	return created.Session.ID, nil
}

// reportSessionStarted is the self-report webhook that resolves the daemon's
// spawn awaiter.
func reportSessionStarted(controlPort int, sessionID string) error {
	body, err := json.Marshal(map[string]any{
		"sessionId": sessionID,
		"metadata":  map[string]int{"hostPid": os.Getpid()},
	})
	if err != nil {
		return err
	}
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/session-started", controlPort),
		"application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session-started returned %d", resp.StatusCode)
	}
	return nil
}

// sessionKeepalive holds a session-scoped WebSocket open, sending periodic
// session-alive frames, and marks the session ended on shutdown. Reconnects
// if the daemon drops the connection mid-life.
func sessionKeepalive(ctx context.Context, publicPort int, token, sessionID string, logger *slog.Logger) error {
	for {
		conn, err := dialSession(publicPort, token, sessionID)
		if err != nil {
			logger.Warn("session socket unavailable", "error", err)
		} else {
			err = aliveLoop(ctx, conn, sessionID)
			conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("session socket dropped, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func dialSession(publicPort int, token, sessionID string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://127.0.0.1:%d/v1/updates", publicPort), nil)
	if err != nil {
		return nil, err
	}

	auth, err := wire.NewFrame(wire.TypeAuth, "auth", wire.AuthRequest{
		Token:      token,
		ClientType: wire.ClientTypeSession,
		SessionID:  sessionID,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, err
	}

	var ackFrame wire.Frame
	if err := conn.ReadJSON(&ackFrame); err != nil {
		conn.Close()
		return nil, err
	}
	var ack wire.AuthAck
	if err := json.Unmarshal(ackFrame.Payload, &ack); err != nil || !ack.OK {
		conn.Close()
		return nil, fmt.Errorf("auth rejected: %s", ack.Error)
	}
	return conn, nil
}

func aliveLoop(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	// Drain incoming frames so pings get answered and server pushes don't
	// back up the connection.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	send := func(frameType string, payload any) error {
		frame, err := wire.NewFrame(frameType, "", payload)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(frame)
	}

	if err := send(wire.TypeSessionAlive, wire.SessionAlive{
		SessionID: sessionID, Time: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	ticker := time.NewTicker(sessionAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = send(wire.TypeSessionEnd, wire.SessionEnd{
				SessionID: sessionID, Time: time.Now().UnixMilli(),
			})
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := send(wire.TypeSessionAlive, wire.SessionAlive{
				SessionID: sessionID, Time: time.Now().UnixMilli(),
			}); err != nil {
				return err
			}
		}
	}
}
