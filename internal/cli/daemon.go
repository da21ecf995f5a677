package cli

import (
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

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/remcli/remcli/internal/config"
	"github.com/remcli/remcli/internal/control"
	"github.com/remcli/remcli/internal/daemon"
)

// startupWait bounds how long `daemon start` waits for the background
// process to write its state file.
const startupWait = 15 * time.Second

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func newDaemonCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background daemon",
	}
	cmd.AddCommand(
		newDaemonRunCmd(version),
		newDaemonStartCmd(),
		newDaemonStopCmd(),
		newDaemonStatusCmd(),
	)
	return cmd
}

func newDaemonRunCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = daemon.Run(ctx, daemon.Options{
				Config:  cfg,
				Version: version,
				Logger:  slog.Default(),
				OnReady: func(info daemon.Info) {
					fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("daemon ready"))
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Render("connect:"), info.ConnectURL)
				},
			})
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon already running")
				return nil
			}
			return err
		},
	}
}

func newDaemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := cfg.EnsureHome(); err != nil {
				return err
			}

			if state, _ := daemon.LoadState(cfg.StateFilePath()); state != nil {
				if _, err := fetchStatus(state.ControlPort); err == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "daemon already running")
					return nil
				}
			}

			exe, err := os.Executable()
			if err != nil {
				return err
			}
			pid, err := daemon.SpawnDetached(exe, []string{"daemon", "run"}, cfg.HomeDir)
			if err != nil {
				return err
			}

			state, err := waitForState(cfg, pid)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pid %d\n", okStyle.Render("daemon started"), state.PID)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Render("connect:"), state.ConnectURL)
			return nil
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			state, err := daemon.LoadState(cfg.StateFilePath())
			if err != nil {
				return err
			}
			if state == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
				return nil
			}

			resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/stop", state.ControlPort), "application/json", nil)
			if err != nil {
				return fmt.Errorf("daemon unreachable (stale state file?): %w", err)
			}
			resp.Body.Close()

			// Give the graceful path a moment, then fall back to a kill.
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if _, err := fetchStatus(state.ControlPort); err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("daemon stopped"))
					return nil
				}
				time.Sleep(200 * time.Millisecond)
			}
			fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("daemon did not stop in time, killing"))
			return syscall.Kill(state.PID, syscall.SIGKILL)
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			state, err := daemon.LoadState(cfg.StateFilePath())
			if err != nil {
				return err
			}
			if state == nil {
				fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("daemon is not running"))
				return nil
			}

			status, err := fetchStatus(state.ControlPort)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("daemon is not responding (stale state file)"))
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s running\n", okStyle.Render("daemon"))
			fmt.Fprintf(out, "%s %d\n", labelStyle.Render("pid:"), status.PID)
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("version:"), status.Version)
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("started:"), status.StartedAt.Format(time.RFC1123))
			fmt.Fprintf(out, "%s %d\n", labelStyle.Render("public port:"), status.PublicPort)
			fmt.Fprintf(out, "%s %d\n", labelStyle.Render("sessions:"), len(status.Children))
			for _, child := range status.Children {
				fmt.Fprintf(out, "  %s (pid %d, %s)\n", child.SessionID, child.PID, child.StartedBy)
			}
			return nil
		},
	}
}

func fetchStatus(controlPort int) (*control.Status, error) {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/status", controlPort))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}
	var status control.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// waitForState polls until the freshly spawned daemon publishes its state
// file, or it may see an older generation hand over to the new PID.
func waitForState(cfg *config.Config, pid int) (*daemon.State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupWait)
	defer cancel()

	for {
		state, err := daemon.LoadState(cfg.StateFilePath())
		if err == nil && state != nil && state.PID == pid {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.New("daemon did not come up; see daemon.log in the remcli home directory")
		case <-time.After(200 * time.Millisecond):
		}
	}
}
