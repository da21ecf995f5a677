// Package cli implements the remcli command tree.
package cli

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var verbose bool

// Execute runs the CLI. version is stamped at build time.
func Execute(version string) {
	root := NewRootCmd(version)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds the root command.
func NewRootCmd(version string) *cobra.Command {
	var startingMode, startedBy string

	root := &cobra.Command{
		Use:           "remcli",
		Short:         "Control AI coding agents on this machine from your other devices",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Child invocation: the daemon re-runs this binary inside a tmux
			// window in remote starting mode.
			if startingMode == "remote" {
				return runRemoteSession(cmd.Context(), startedBy)
			}
			return cmd.Help()
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.Flags().StringVar(&startingMode, "remcli-starting-mode", "", "internal: session starting mode")
	root.Flags().StringVar(&startedBy, "started-by", "", "internal: who launched this session")
	root.Flags().MarkHidden("remcli-starting-mode")
	root.Flags().MarkHidden("started-by")

	root.AddCommand(
		newDaemonCmd(version),
		newConnectCmd(),
		newVersionCmd(version),
	)
	return root
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stderr.Fd())),
	})))
}
