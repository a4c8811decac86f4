package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/sessionstate/internal/archive"
	"github.com/audiolibrelab/sessionstate/internal/encode"
	"github.com/audiolibrelab/sessionstate/internal/session"
)

var archiveCmd = &cobra.Command{
	Use:   "archive [session-name]",
	Short: "Bundle a session into a single archive file",
	Long: `Write the current snapshot and its media into a tar archive with a
signed manifest. Audio can be transcoded on the way with --encode and the
result uploaded to the configured bucket with --upload.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("dest")
		encodeFlag, _ := cmd.Flags().GetString("encode")
		compressionFlag, _ := cmd.Flags().GetString("compression")
		onlyUsed, _ := cmd.Flags().GetBool("only-used")
		upload, _ := cmd.Flags().GetBool("upload")

		mode, err := encode.ParseMode(encodeFlag)
		if err != nil {
			return fmt.Errorf("%w: %w", session.ErrConfiguration, err)
		}
		if compressionFlag == "" {
			compressionFlag = cfg.Archive.Compression
		}
		level, err := archive.ParseCompression(compressionFlag)
		if err != nil {
			return fmt.Errorf("%w: %w", session.ErrConfiguration, err)
		}

		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()
		if dest == "" {
			dest = "."
		}

		res, err := sess.Archive(cmd.Context(), session.ArchiveOptions{
			Dest:        dest,
			Encode:      mode,
			Compression: level,
			OnlyUsed:    onlyUsed,
			Upload:      upload,
			Progress: func(done, total int) {
				slog.Debug("Archiving", "done", done, "total", total)
			},
		})
		if err != nil {
			return err
		}
		fmt.Printf("Archive: %s (%d files)\n", res.Path, len(res.Manifest.Files))
		if res.URL != "" {
			fmt.Printf("Uploaded: %s\n", res.URL)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import [archive-file]",
	Short: "Unpack a session archive into the sessions directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := archive.Extract(cmd.Context(), args[0], cfg.Session.Directory)
		if err != nil {
			return err
		}
		name := archiveRoot(m)
		if name == "" {
			return fmt.Errorf("%w: archive %s holds no session", session.ErrMissingAsset, args[0])
		}
		slog.Info("Archive extracted", "archive", args[0], "session", name, "files", len(m.Files))

		svc, _, err := openSession(cmd.Context(), name, m.Snapshot)
		if err != nil {
			return err
		}
		defer svc.Close()
		st := svc.Status()
		fmt.Printf("Imported %s into %s\n", st.Snapshot, st.Path)
		return nil
	},
}

// archiveRoot is the top-level directory shared by the archived files.
func archiveRoot(m *archive.Manifest) string {
	for _, f := range m.Files {
		if root, _, ok := strings.Cut(f.Name, "/"); ok {
			return root
		}
	}
	return ""
}

func init() {
	archiveCmd.Flags().String("dest", "", "directory to write the archive to (default: current directory)")
	archiveCmd.Flags().String("encode", "", "transcode audio: none, flac or flac16")
	archiveCmd.Flags().String("compression", "", "archive compression: none, fast or good (default: archive.compression)")
	archiveCmd.Flags().Bool("only-used", false, "leave out sources no playlist refers to")
	archiveCmd.Flags().Bool("upload", false, "upload the archive to the configured bucket")
}
