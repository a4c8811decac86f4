package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/sessionstate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve [session-name]",
	Short: "Start the control server",
	Long: `Start the HTTP control server. It reports the state of the open session,
saves, cleans and archives it on request and exposes Prometheus metrics on
/metrics. A session given as argument is opened before serving.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("listen")

		srv := server.New(cfg, cfgFile, addr)
		if len(args) == 1 {
			snapshot, _ := cmd.Flags().GetString("snapshot")
			if err := srv.Service().Open(cmd.Context(), args[0], snapshot); err != nil {
				return fmt.Errorf("failed to open session: %w", err)
			}
			slog.Info("Session opened", "session", args[0])
		}

		if err := srv.Start(cmd.Context()); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default: metrics.listen from the config)")
	serveCmd.Flags().String("snapshot", "", "snapshot to open with the session")
}
