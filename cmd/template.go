package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/sessionstate/internal/layout"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage session templates",
}

var templateSaveCmd = &cobra.Command{
	Use:   "save [session-name] [template-name]",
	Short: "Save a session as a template",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		description, _ := cmd.Flags().GetString("description")
		replace, _ := cmd.Flags().GetBool("replace")

		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()
		path, err := sess.SaveTemplate(cmd.Context(), dir, args[1], description, replace)
		if err != nil {
			return err
		}
		fmt.Printf("Template saved: %s\n", path)
		return nil
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("No templates")
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name(), e.Name()+layout.TemplateSuffix)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("  %s  %s\n", e.Name(), path)
			}
		}
		return nil
	},
}

func defaultTemplateDir() string {
	return os.ExpandEnv("$HOME/.config/sessionstate/templates")
}

func init() {
	templateSaveCmd.Flags().String("dir", defaultTemplateDir(), "directory templates are kept in")
	templateSaveCmd.Flags().String("description", "", "description stored with the template")
	templateSaveCmd.Flags().Bool("replace", false, "overwrite an existing template")
	templateListCmd.Flags().String("dir", defaultTemplateDir(), "directory templates are kept in")
	templateCmd.AddCommand(templateSaveCmd)
	templateCmd.AddCommand(templateListCmd)
}
