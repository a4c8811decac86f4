package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/sessionstate/internal/service"
	"github.com/audiolibrelab/sessionstate/internal/session"
)

var newCmd = &cobra.Command{
	Use:   "new [session-name]",
	Short: "Create a new session",
	Long: `Create a session directory in the sessions directory and save its first
snapshot. With --template the routes and settings of a template are used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		template, _ := cmd.Flags().GetString("template")
		svc := service.New(cfg, cfgFile, nil)
		defer svc.Close()
		if err := svc.Create(cmd.Context(), args[0], template); err != nil {
			return err
		}
		st := svc.Status()
		fmt.Printf("Created %s in %s\n", st.Name, st.Path)
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:     "open [session-name]",
	Aliases: []string{"info"},
	Short:   "Load a session and show its state",
	Long: `Load a session the way the editor would, recovering unsaved changes and
upgrading older documents, then print a summary.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, _ := cmd.Flags().GetString("snapshot")
		svc, sess, err := openSession(cmd.Context(), args[0], snapshot)
		if err != nil {
			return err
		}
		defer svc.Close()

		st := svc.Status()
		fmt.Printf("=== SESSION ===\n")
		fmt.Printf("name: %s\n", st.Name)
		fmt.Printf("path: %s\n", st.Path)
		fmt.Printf("snapshot: %s\n", st.Snapshot)
		fmt.Printf("state: %s (%s)\n", st.Status, st.Recovery)
		fmt.Printf("unnamed: %t\n", st.Unnamed)

		g := sess.Graph()
		fmt.Printf("\n=== CONTENTS ===\n")
		fmt.Printf("sample_rate: %d\n", g.SampleRate)
		fmt.Printf("format_version: %d\n", g.Version)
		fmt.Printf("created_with: %s\n", g.Program.CreatedWith)
		fmt.Printf("modified_with: %s\n", g.Program.ModifiedWith)
		fmt.Printf("routes: %d\n", st.Routes)
		fmt.Printf("playlists: %d\n", st.Playlists)
		fmt.Printf("regions: %d\n", st.Regions)
		fmt.Printf("sources: %d\n", st.Sources)
		fmt.Printf("undo_depth: %d\n", sess.History().UndoDepth())

		if len(g.MissingFiles) > 0 {
			fmt.Printf("\n=== MISSING FILES ===\n")
			for _, p := range g.MissingFiles {
				fmt.Printf("  %s\n", p)
			}
		}
		return nil
	},
}

var saveCmd = &cobra.Command{
	Use:   "save [session-name]",
	Short: "Save the session, or a new snapshot of it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, _ := cmd.Flags().GetString("snapshot")
		switchTo, _ := cmd.Flags().GetBool("switch")
		svc, _, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.Save(cmd.Context(), snapshot, switchTo); err != nil {
			return err
		}
		slog.Info("Saved", "session", args[0], "snapshot", svc.Status().Snapshot)
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename [session-name] [new-name]",
	Short: "Rename a session and its media directories",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := sess.Rename(cmd.Context(), args[1]); err != nil {
			return err
		}
		fmt.Printf("Renamed to %s (%s)\n", sess.Name(), sess.Dir().Root)
		return nil
	},
}

var saveAsCmd = &cobra.Command{
	Use:   "save-as [session-name] [new-name]",
	Short: "Copy a session to a new directory",
	Long: `Copy the session to <parent>/<new-name>. Media is referenced from the
original unless --copy-media is given; --no-media writes an empty session
with the same routes.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetString("parent")
		noMedia, _ := cmd.Flags().GetBool("no-media")
		copyMedia, _ := cmd.Flags().GetBool("copy-media")
		copyExternal, _ := cmd.Flags().GetBool("copy-external")

		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()
		if parent == "" {
			parent = filepath.Dir(sess.Dir().Root)
		}

		newRoot, err := sess.SaveAs(cmd.Context(), session.SaveAsOptions{
			NewParentDir: parent,
			NewName:      args[1],
			IncludeMedia: !noMedia,
			CopyMedia:    copyMedia,
			CopyExternal: copyExternal,
			Progress: func(done, total int) {
				slog.Debug("Copying", "done", done, "total", total)
			},
		})
		if err != nil {
			return err
		}
		fmt.Printf("Copied to %s\n", newRoot)
		return nil
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources [session-name]",
	Short: "List the sources of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()

		g := sess.Graph()
		uses := g.SourceUses()
		fmt.Printf("📋 SOURCES (%d found):\n", g.Sources.Len())
		for id, src := range g.Sources.Snapshot().All() {
			where := "session"
			if !src.WithinSession {
				where = "external"
			}
			state := ""
			if src.Silent {
				state = " [missing]"
			}
			fmt.Printf("  %s  %-5s %-8s uses=%d %s%s\n", id, src.Type, where, uses[id], src.Name, state)
		}

		files, err := sess.Externals(cmd.Context())
		if err != nil {
			return err
		}
		if len(files) > 0 {
			fmt.Printf("\n📋 EXTERNAL FILES (%d recorded):\n", len(files))
			for _, f := range files {
				fmt.Printf("  %s (%s)\n", f.Path, f.Type)
			}
		}
		return nil
	},
}

func init() {
	newCmd.Flags().String("template", "", "template file to build the session from")
	openCmd.Flags().String("snapshot", "", "snapshot to load (default: the session name)")
	saveCmd.Flags().String("snapshot", "", "save as this snapshot instead of the current one")
	saveCmd.Flags().Bool("switch", false, "make the new snapshot the current one")
	saveAsCmd.Flags().String("parent", "", "parent directory of the copy (default: next to the session)")
	saveAsCmd.Flags().Bool("no-media", false, "write an empty session with the same routes")
	saveAsCmd.Flags().Bool("copy-media", false, "copy audio files instead of referencing them")
	saveAsCmd.Flags().Bool("copy-external", false, "copy files from outside the session into the copy")
}
