package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/sessionstate/internal/session"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove unused media from a session",
}

var cleanupSourcesCmd = &cobra.Command{
	Use:   "sources [session-name]",
	Short: "Move media no snapshot uses into dead/",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()
		rep, err := sess.CleanupSources(cmd.Context())
		if err != nil {
			return err
		}
		printCleanup("Moved to dead", rep)
		return nil
	},
}

var cleanupTrashCmd = &cobra.Command{
	Use:   "trash [session-name]",
	Short: "Delete the files in dead/",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()
		rep, err := sess.CleanupTrashSources(cmd.Context())
		if err != nil {
			return err
		}
		printCleanup("Deleted", rep)
		return nil
	},
}

var cleanupPeaksCmd = &cobra.Command{
	Use:   "peaks [session-name]",
	Short: "Delete cached peak files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := sess.CleanupPeakfiles(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Peak files removed")
		return nil
	},
}

func printCleanup(verb string, rep session.CleanupReport) {
	if rep.Aborted {
		fmt.Println("Cleanup aborted, nothing was removed")
		return
	}
	for _, p := range rep.Paths {
		fmt.Printf("  %s\n", p)
	}
	fmt.Printf("%s: %d files, %s\n", verb, len(rep.Paths), humanBytes(rep.Bytes))
	if rep.DeletedPlaylists > 0 {
		fmt.Printf("Unused playlists removed: %d\n", rep.DeletedPlaylists)
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	cleanupCmd.AddCommand(cleanupSourcesCmd)
	cleanupCmd.AddCommand(cleanupTrashCmd)
	cleanupCmd.AddCommand(cleanupPeaksCmd)
}
