// Package tunnel exposes the daemon's public port beyond the LAN through an
// optional tunnel provider. When a tunnel is active the connect URL carries
// the public tunnel address with port 0.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"time"
)

// Provider starts and stops a tunnel in front of a local port.
type Provider interface {
	// Start brings the tunnel up and returns its public URL.
	Start(ctx context.Context, port int) (string, error)
	// Stop tears the tunnel down.
	Stop()
}

// ForName returns the provider selected by name: "cloudflared", or nil for an
// empty name. Unknown names are an error.
func ForName(name string, logger *slog.Logger) (Provider, error) {
	switch name {
	case "":
		return nil, nil
	case "cloudflared":
		return NewCloudflared(logger), nil
	default:
		return nil, fmt.Errorf("unknown tunnel provider %q", name)
	}
}

// startupTimeout bounds how long we wait for cloudflared to print its URL.
const startupTimeout = 30 * time.Second

var cloudflaredURLPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// Cloudflared runs a quick tunnel via the cloudflared binary, parsing the
// assigned public URL from its log output.
type Cloudflared struct {
	logger *slog.Logger
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// NewCloudflared creates a cloudflared-backed Provider.
func NewCloudflared(logger *slog.Logger) *Cloudflared {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cloudflared{logger: logger.With("component", "tunnel")}
}

// Start launches cloudflared against the local port and waits for the public
// URL to appear on its stderr.
func (c *Cloudflared) Start(ctx context.Context, port int) (string, error) {
	if _, err := exec.LookPath("cloudflared"); err != nil {
		return "", fmt.Errorf("cloudflared not found on PATH: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, "cloudflared", "tunnel", "--url", fmt.Sprintf("http://127.0.0.1:%d", port))
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return "", err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("start cloudflared: %w", err)
	}
	c.cmd = cmd
	c.cancel = cancel

	urlCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if m := cloudflaredURLPattern.FindString(line); m != "" {
				select {
				case urlCh <- m:
				default:
				}
			}
		}
		// Keep draining so cloudflared never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stderr)
	}()

	select {
	case url := <-urlCh:
		c.logger.Info("tunnel established", "url", url)
		return url, nil
	case <-time.After(startupTimeout):
		c.Stop()
		return "", fmt.Errorf("cloudflared did not report a URL within %s", startupTimeout)
	case <-ctx.Done():
		c.Stop()
		return "", ctx.Err()
	}
}

// Stop terminates the cloudflared process.
func (c *Cloudflared) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.cmd != nil {
		_ = c.cmd.Wait()
		c.cmd = nil
	}
}
