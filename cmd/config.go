package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/sessionstate/internal/audio"
	"github.com/audiolibrelab/sessionstate/internal/config"
	"github.com/audiolibrelab/sessionstate/internal/layout"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage sessionstate configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "nano"
		}

		configPath := cfgFile
		if configPath == "" {
			configPath = os.ExpandEnv("$HOME/.config/sessionstate.yaml")
		}
		fmt.Printf("Opening %s with %s...\n", configPath, editor)

		c := exec.CommandContext(cmd.Context(), editor, configPath)
		c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("editor failed: %w", err)
		}
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if _, err := config.ValidateConfigurationFormat(configPath); err != nil {
			return fmt.Errorf("config file is no longer valid: %w", err)
		}
		return nil
	},
}

var configPathsCmd = &cobra.Command{
	Use:   "paths [session-name]",
	Short: "Show resolved configuration and directory layout for a session",
	Long:  `Display the resolved configuration with inheritance indicators and the directories the given session uses. Shows which values are inherited from the globals and which are profile-specific.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		root := filepath.Join(cfg.Session.Directory, name)
		dir := layout.NewDir(root, name)

		fmt.Printf("=== SESSION PATHS ===\n")
		fmt.Printf("root: %s\n", dir.Root)
		fmt.Printf("state: %s\n", dir.StatePath(name))
		fmt.Printf("pending: %s\n", dir.PendingPath(name))
		fmt.Printf("sounds: %s\n", dir.SoundPath())
		fmt.Printf("midi: %s\n", dir.MIDIPath())
		fmt.Printf("peaks: %s\n", dir.PeakPath())
		fmt.Printf("dead: %s\n", dir.DeadPath())
		fmt.Printf("legal_name: %s\n", layout.LegalizeForPath(name))

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Session]\n")
		fmt.Printf("directory: %s %s\n", cfg.Session.Directory, inheritance("session.directory"))
		fmt.Printf("storage_roots: %s %s\n", strings.Join(cfg.Session.StorageRoots, ", "), inheritance("session.storage_roots"))
		fmt.Printf("disk_threshold_blocks: %d %s\n", cfg.Session.DiskThresholdBlocks, inheritance("session.disk_threshold_blocks"))
		fmt.Printf("save_history: %t %s\n", cfg.Session.SaveHistoryEnabled(), inheritance("session.save_history"))
		fmt.Printf("history_depth: %d %s\n", cfg.Session.HistoryDepth, inheritance("session.history_depth"))
		fmt.Printf("periodic_backups: %t %s\n", cfg.Session.PeriodicBackupsEnabled(), inheritance("session.periodic_backups"))

		fmt.Printf("\n[Engine]\n")
		fmt.Printf("backend: %s %s\n", cfg.Engine.Backend, inheritance("engine.backend"))
		fmt.Printf("sample_rate: %d %s\n", cfg.Engine.SampleRate, inheritance("engine.sample_rate"))
		fmt.Printf("block_size: %d %s\n", cfg.Engine.BlockSize, inheritance("engine.block_size"))
		var available []string
		for _, b := range audio.GetAvailableBackends() {
			available = append(available, string(b))
		}
		fmt.Printf("available_backends: %s\n", strings.Join(available, ", "))

		fmt.Printf("\n[Archive]\n")
		fmt.Printf("compression: %s\n", cfg.Archive.Compression)
		fmt.Printf("encoder: %s\n", cfg.Archive.Encoder)
		if cfg.Archive.S3.Bucket != "" {
			fmt.Printf("bucket: %s/%s\n", cfg.Archive.S3.Bucket, cfg.Archive.S3.Prefix)
		}
		return nil
	},
}

// inheritance returns a formatted indicator for the inheritance status of field
func inheritance(field string) string {
	if cfg.Inheritance == nil {
		return "[default]"
	}
	switch cfg.Inheritance.Fields[field] {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[default]"
	}
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configPathsCmd)
}
