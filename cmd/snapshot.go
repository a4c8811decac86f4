package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage the snapshots of a session",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [session-name]",
	Short: "List snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()

		names, err := sess.Snapshots()
		if err != nil {
			return err
		}
		current := sess.Snapshot()
		for _, name := range names {
			mark := " "
			if name == current {
				mark = "*"
			}
			fmt.Printf("%s %s\n", mark, name)
		}
		return nil
	},
}

var snapshotRemoveCmd = &cobra.Command{
	Use:   "remove [session-name] [snapshot]",
	Short: "Remove a snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := sess.RemoveState(args[1]); err != nil {
			return err
		}
		fmt.Printf("Removed snapshot %s\n", args[1])
		return nil
	},
}

var snapshotRenameCmd = &cobra.Command{
	Use:   "rename [session-name] [snapshot] [new-name]",
	Short: "Rename a snapshot",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, sess, err := openSession(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := sess.RenameState(args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Renamed snapshot %s to %s\n", args[1], args[2])
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRemoveCmd)
	snapshotCmd.AddCommand(snapshotRenameCmd)
}
