// Package daemon runs the remcli background process: single-instance
// locking, component wiring, the housekeeping heartbeat, and orderly
// shutdown. One daemon generation owns the lock file; its rendezvous details
// live in the state file for the CLI and the next generation to find.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/remcli/remcli/internal/authkit"
	"github.com/remcli/remcli/internal/config"
	"github.com/remcli/remcli/internal/control"
	"github.com/remcli/remcli/internal/events"
	"github.com/remcli/remcli/internal/public"
	"github.com/remcli/remcli/internal/rpc"
	"github.com/remcli/remcli/internal/store"
	"github.com/remcli/remcli/internal/supervisor"
	"github.com/remcli/remcli/internal/tmuxctl"
	"github.com/remcli/remcli/internal/tunnel"
	"github.com/remcli/remcli/internal/usage"
	"github.com/remcli/remcli/pkg/wire"
)

// ErrAlreadyRunning means a daemon of the same version already serves this
// home directory. Treated as success by the CLI.
var ErrAlreadyRunning = errors.New("daemon already running")

// ErrShutdownStalled means orderly shutdown exceeded the watchdog budget.
// Run returns it so the process exits non-zero.
var ErrShutdownStalled = errors.New("shutdown stalled past the watchdog deadline")

const (
	lockAcquireWait  = 5 * time.Second
	retireWait       = 5 * time.Second
	shutdownWatchdog = 1 * time.Second
)

// Info is handed to OnReady once the daemon is serving.
type Info struct {
	ConnectURL  string
	PublicPort  int
	ControlPort int
	TunnelURL   string
}

// Options configures Run.
type Options struct {
	Config  *config.Config
	Version string
	Logger  *slog.Logger
	// OnReady is called once startup completes, with the pairing details.
	OnReady func(Info)
}

type daemon struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	store      *store.Store
	sup        *supervisor.Supervisor
	publicSrv  *public.Server
	controlSrv *control.Server
	tun        tunnel.Provider
	ledger     *usage.Ledger
	lock       *Lock
	startedAt  time.Time
	connectURL string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Run starts the daemon and blocks until shutdown. Returns ErrAlreadyRunning
// when a same-version daemon already owns this home directory.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	if err := cfg.EnsureHome(); err != nil {
		return err
	}
	if err := retireExisting(cfg, opts.Version, logger); err != nil {
		return err
	}

	lock, err := AcquireLock(cfg.LockPath(), lockAcquireWait)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return ErrAlreadyRunning
		}
		return err
	}

	d := &daemon{
		cfg:        cfg,
		version:    opts.Version,
		logger:     logger.With("component", "daemon"),
		lock:       lock,
		startedAt:  time.Now(),
		shutdownCh: make(chan struct{}),
	}
	defer lock.Release()

	if !tmuxctl.Available() {
		return errors.New("tmux is required but not found on PATH")
	}
	tmux := tmuxctl.New(cfg.TmuxSession())
	d.killOrphans(ctx, tmux)

	secret, err := authkit.GenerateSecret()
	if err != nil {
		return err
	}
	token := authkit.DeriveToken(secret)

	d.store = store.New(store.Options{SnapshotPath: cfg.SnapshotPath(), Logger: logger})
	eventRouter := events.NewRouter(d.store, logger)
	rpcRegistry := rpc.NewRegistry(logger)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own binary: %w", err)
	}
	d.sup = supervisor.New(supervisor.Options{
		Tmux:       tmux,
		Logger:     logger,
		Exe:        exe,
		ScratchDir: cfg.ScratchDir(),
	})

	if ledger, err := usage.Open(cfg.UsageDBPath(), logger); err != nil {
		logger.Warn("usage ledger unavailable", "error", err)
	} else {
		d.ledger = ledger
		defer ledger.Close()
	}

	d.publicSrv = public.NewServer(public.Options{
		Secret:    secret,
		Store:     d.store,
		Events:    eventRouter,
		RPC:       rpcRegistry,
		Usage:     d.ledger,
		WebappDir: cfg.WebappDir,
		Version:   opts.Version,
		Logger:    logger,
	})
	publicPort, err := d.publicSrv.Start()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tunnelURL := ""
	if provider, err := tunnel.ForName(cfg.Tunnel, logger); err != nil {
		return err
	} else if provider != nil {
		url, err := provider.Start(runCtx, publicPort)
		if err != nil {
			logger.Warn("tunnel unavailable, serving LAN only", "error", err)
		} else {
			d.tun = provider
			tunnelURL = url
		}
	}

	d.connectURL, err = wire.BuildConnectURL(lanIP(), publicPort, secret, tunnelURL)
	if err != nil {
		return err
	}

	d.controlSrv = control.New(d.sup, control.Hooks{
		Status:   d.status,
		Shutdown: d.Shutdown,
		Upgrade:  d.upgrade,
	}, logger)
	controlPort, err := d.controlSrv.Start()
	if err != nil {
		return err
	}

	state := &State{
		PID:                   os.Getpid(),
		StartedWithCLIVersion: opts.Version,
		ControlPort:           controlPort,
		PublicPort:            publicPort,
		Secret:                authkit.EncodeSecret(secret),
		ConnectURL:            d.connectURL,
		TunnelURL:             tunnelURL,
		StartedAt:             d.startedAt.UnixMilli(),
	}
	if err := state.Save(cfg.StateFilePath()); err != nil {
		return err
	}
	defer RemoveStateIfOwned(cfg.StateFilePath(), os.Getpid())

	d.inhibitSleep(runCtx)
	d.store.StartSnapshots(runCtx)

	machineID, _ := os.Hostname()
	if machineID == "" {
		machineID = "local"
	}
	d.registerSelfMachine(publicPort, token, machineID)
	self := NewSelfClient(publicPort, token, machineID, d.sup, d.Shutdown, logger)
	go self.Run(runCtx)

	go d.heartbeat(runCtx)

	logger.Info("daemon ready",
		"version", opts.Version, "publicPort", publicPort, "controlPort", controlPort)
	if opts.OnReady != nil {
		opts.OnReady(Info{
			ConnectURL:  d.connectURL,
			PublicPort:  publicPort,
			ControlPort: controlPort,
			TunnelURL:   tunnelURL,
		})
	}

	select {
	case <-ctx.Done():
		d.Shutdown("signal")
	case <-d.shutdownCh:
	}

	return d.cleanup(cancel)
}

// Shutdown begins a graceful stop. Safe to call from any goroutine, once
// wins.
func (d *daemon) Shutdown(reason string) {
	d.shutdownOnce.Do(func() {
		d.logger.Info("shutting down", "reason", reason)
		d.publicSrv.EmitDaemonStatus("stopping")
		close(d.shutdownCh)
	})
}

// cleanup tears the daemon down. A watchdog bounds the graceful path so a
// stuck connection can never wedge shutdown.
func (d *daemon) cleanup(cancel context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownWatchdog)
		defer stopCancel()

		d.sup.StopAll(stopCtx)
		_ = d.controlSrv.Stop(stopCtx)
		_ = d.publicSrv.Stop(stopCtx)
		if d.tun != nil {
			d.tun.Stop()
		}
		d.store.SaveNow()
	}()

	if err := waitOrStall(done, shutdownWatchdog+time.Second); err != nil {
		d.logger.Error("shutdown watchdog fired, exiting anyway")
		return err
	}
	return nil
}

// waitOrStall waits for done, giving up with ErrShutdownStalled after budget.
func waitOrStall(done <-chan struct{}, budget time.Duration) error {
	select {
	case <-done:
		return nil
	case <-time.After(budget):
		return ErrShutdownStalled
	}
}

// heartbeat is the periodic housekeeping tick: reap dead children, notice a
// pending upgrade, and verify this generation still owns the state file.
func (d *daemon) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d.sup.Prune()

		if marker := readVersionMarker(d.cfg.VersionMarkerPath()); marker != "" && marker != d.version {
			d.logger.Info("version marker changed", "installed", marker, "running", d.version)
			if err := d.upgrade(); err != nil {
				d.logger.Warn("self-upgrade failed", "error", err)
			}
			return
		}

		state, err := LoadState(d.cfg.StateFilePath())
		if err != nil || state == nil || state.PID != os.Getpid() {
			d.Shutdown("state file no longer owned")
			return
		}

		state.LastHeartbeat = time.Now().UnixMilli()
		if err := state.Save(d.cfg.StateFilePath()); err != nil {
			d.logger.Warn("write heartbeat state", "error", err)
		}
	}
}

// upgrade launches a fresh daemon from the installed binary and steps aside.
// The new generation retires this one through the normal takeover path.
func (d *daemon) upgrade() error {
	marker := readVersionMarker(d.cfg.VersionMarkerPath())
	if marker == "" {
		return errors.New("no version marker installed")
	}
	if marker == d.version {
		return fmt.Errorf("already running version %s", d.version)
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if _, err := SpawnDetached(exe, []string{"daemon", "run"}, d.cfg.HomeDir); err != nil {
		return fmt.Errorf("launch replacement daemon: %w", err)
	}

	go d.Shutdown("upgrading to " + marker)
	return nil
}

func (d *daemon) status() control.Status {
	return control.Status{
		PID:        os.Getpid(),
		Version:    d.version,
		StartedAt:  d.startedAt,
		PublicPort: d.publicSrv.Port(),
		ConnectURL: d.connectURL,
		Children:   d.sup.List(),
	}
}

// killOrphans removes windows left over from a previous daemon generation in
// our tmux session.
func (d *daemon) killOrphans(ctx context.Context, tmux *tmuxctl.Controller) {
	windows, err := tmux.List(ctx)
	if err != nil {
		d.logger.Warn("list orphan windows", "error", err)
		return
	}
	for _, w := range windows {
		d.logger.Info("killing orphaned child window", "window", w.Name, "pid", w.PanePID)
		_ = tmux.Kill(ctx, w.Name)
	}
}

// registerSelfMachine upserts this host's machine record over the public
// API, so the daemon appears in machine listings like any remote.
func (d *daemon) registerSelfMachine(publicPort int, token, machineID string) {
	hostname, _ := os.Hostname()
	metadata := fmt.Sprintf(`{"host":%q,"os":%q,"remcliVersion":%q}`, hostname, runtime.GOOS, d.version)

	body := strings.NewReader(fmt.Sprintf(`{"id":%q,"metadata":%s}`, machineID, metadata))
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://127.0.0.1:%d/v1/machines", publicPort), body)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		d.logger.Warn("register self machine", "error", err)
		return
	}
	resp.Body.Close()
}

// inhibitSleep keeps the workstation awake while the daemon serves.
// Best effort, darwin only.
func (d *daemon) inhibitSleep(ctx context.Context) {
	if d.cfg.NoSleep || runtime.GOOS != "darwin" {
		return
	}
	cmd := exec.CommandContext(ctx, "caffeinate", "-dims")
	if err := cmd.Start(); err != nil {
		d.logger.Warn("start caffeinate", "error", err)
		return
	}
	go func() { _ = cmd.Wait() }()
}

// retireExisting handles a daemon already recorded in the state file: a
// same-version live daemon means we yield; a different version is told to
// stop, with an OS kill as fallback.
func retireExisting(cfg *config.Config, version string, logger *slog.Logger) error {
	state, err := LoadState(cfg.StateFilePath())
	if err != nil {
		logger.Warn("unreadable state file, ignoring", "error", err)
		return nil
	}
	if state == nil {
		return nil
	}

	if !controlReachable(state.ControlPort) {
		// Stale record from a crashed daemon.
		return nil
	}
	if state.StartedWithCLIVersion == version {
		return ErrAlreadyRunning
	}

	logger.Info("retiring previous daemon",
		"pid", state.PID, "version", state.StartedWithCLIVersion)
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/stop", state.ControlPort), "application/json", nil)
	if err == nil {
		resp.Body.Close()
	}

	deadline := time.Now().Add(retireWait)
	for time.Now().Before(deadline) {
		if !controlReachable(state.ControlPort) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	logger.Warn("previous daemon ignored stop, killing", "pid", state.PID)
	killProcess(state.PID)
	return nil
}

func controlReachable(port int) bool {
	if port == 0 {
		return false
	}
	client := http.Client{Timeout: time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func readVersionMarker(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// lanIP picks the first non-loopback IPv4 address, the one LAN peers can
// reach us on.
func lanIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
