package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/sessionstate/internal/config"
	"github.com/audiolibrelab/sessionstate/internal/service"
	"github.com/audiolibrelab/sessionstate/internal/session"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "sessionstate",
	Short: "Save, recover and manage audio session state",
	Long: `sessionstate saves and restores the complete state of an audio session:
routes, sources, regions, playlists, locations and undo history.

It recovers unsaved changes after a crash, upgrades documents written by
older versions, and manages session files: snapshots, renaming, copies,
archives, templates and cleanup of unused media.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		explicit := cfgFile != ""
		if !explicit {
			cfgFile = os.ExpandEnv("$HOME/.config/sessionstate.yaml")
		}
		if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) && !explicit {
			slog.Debug("No config file, using defaults", "path", cfgFile)
			cfgFile = ""
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/sessionstate.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(saveAsCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(handler))
}

// openSession opens the session named by the first argument, relative to
// the configured sessions directory.
func openSession(ctx context.Context, name, snapshot string) (service.Service, *session.Session, error) {
	svc := service.New(cfg, cfgFile, nil)
	if err := svc.Open(ctx, name, snapshot); err != nil {
		return nil, nil, err
	}
	return svc, svc.Current(), nil
}
