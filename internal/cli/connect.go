package cli

import (
	"fmt"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/remcli/remcli/internal/config"
	"github.com/remcli/remcli/internal/daemon"
)

func newConnectCmd() *cobra.Command {
	var noQR bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Show the pairing link and QR code for this machine",
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
				return fmt.Errorf("daemon is not running; start it with `remcli daemon start`")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("connect:"), state.ConnectURL)
			if state.TunnelURL != "" {
				fmt.Fprintf(out, "%s %s\n", labelStyle.Render("tunnel:"), state.TunnelURL)
			}
			// QR codes are noise when output is piped.
			if !noQR && term.IsTerminal(int(os.Stdout.Fd())) {
				fmt.Fprintln(out)
				qrterminal.GenerateWithConfig(state.ConnectURL, qrterminal.Config{
					Level:     qrterminal.L,
					Writer:    out,
					BlackChar: qrterminal.BLACK,
					WhiteChar: qrterminal.WHITE,
					QuietZone: 1,
				})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "print the link only")
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the remcli version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
