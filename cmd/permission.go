package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var permissionCmd = &cobra.Command{
	Use:     "permission",
	Aliases: []string{"perm"},
	Short:   "Manage pending tool approvals",
	Long: `List and resolve pending permission requests. A request stays pending
until it is approved, denied, or its timeout elapses (timeout denies).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return permissionListRun("")
	},
}

var permissionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List pending permission requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		return permissionListRun(sessionID)
	},
}

var permissionApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending permission request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return permissionResolveRun(args[0], true, "")
	},
}

var permissionDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending permission request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return permissionResolveRun(args[0], false, reason)
	},
}

func init() {
	permissionListCmd.Flags().String("session", "", "Only requests for this session")
	permissionDenyCmd.Flags().String("reason", "", "Reason recorded with the denial")
	permissionCmd.AddCommand(permissionListCmd)
	permissionCmd.AddCommand(permissionApproveCmd)
	permissionCmd.AddCommand(permissionDenyCmd)
	rootCmd.AddCommand(permissionCmd)
}

func permissionListRun(sessionID string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	pending, err := d.permissions.Pending(context.Background(), sessionID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		ui.Info("No pending permission requests.")
		return nil
	}
	return ui.PermissionTable(pending)
}

func permissionResolveRun(id string, approve bool, reason string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	if err := d.permissions.Resolve(context.Background(), id, approve, reason); err != nil {
		return err
	}
	if approve {
		ui.Success("Permission %s approved", id)
	} else {
		ui.Success("Permission %s denied", id)
	}
	return nil
}
