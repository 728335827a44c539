package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage session worktrees",
	Long:    "Create, list, and remove the isolated git worktrees sessions run in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list <repo>",
	Aliases: []string{"ls"},
	Short:   "List worktrees for a repository",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(args[0])
	},
}

var worktreeCreateCmd = &cobra.Command{
	Use:   "create <repo> <name>",
	Short: "Create a worktree branched off a base ref",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseRef, _ := cmd.Flags().GetString("base")
		return worktreeCreateRun(args[0], args[1], baseRef)
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:     "remove <repo> <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a worktree",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return worktreeRemoveRun(args[0], args[1], force)
	},
}

func init() {
	worktreeCreateCmd.Flags().String("base", "", "Base ref to branch from (default: current HEAD)")
	worktreeRemoveCmd.Flags().Bool("force", false, "Remove even with uncommitted changes")
	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeCreateCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func worktreeListRun(repoRef string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repo, err := resolveRepo(ctx, d.store, repoRef)
	if err != nil {
		return err
	}
	worktrees, err := d.worktrees.List(ctx, repo.ID)
	if err != nil {
		return err
	}
	if len(worktrees) == 0 {
		ui.Info("No worktrees for %s. Use 'agentdeck worktree create %s <name>'.", repo.Slug, repo.Slug)
	} else if err := ui.WorktreeTable(worktrees); err != nil {
		return err
	}

	// Worktrees added by hand with git won't run sessions until registered;
	// point them out rather than silently ignoring them.
	untracked, err := d.worktrees.Untracked(ctx, repo.ID)
	if err != nil {
		return err
	}
	for _, info := range untracked {
		ui.Warning("Unregistered git worktree: %s (branch %s)", info.Path, info.Branch)
	}
	return nil
}

func worktreeCreateRun(repoRef, name, baseRef string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repo, err := resolveRepo(ctx, d.store, repoRef)
	if err != nil {
		return err
	}
	wt, err := d.worktrees.Create(ctx, repo.ID, name, baseRef)
	if err != nil {
		return err
	}
	ui.Success("Created worktree %s at %s", wt.Name, wt.Path)
	return nil
}

func worktreeRemoveRun(repoRef, name string, force bool) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repo, err := resolveRepo(ctx, d.store, repoRef)
	if err != nil {
		return err
	}
	wt, err := d.store.GetWorktreeByName(ctx, repo.ID, name)
	if err != nil {
		return err
	}
	if err := d.worktrees.Remove(ctx, wt.ID, force); err != nil {
		return err
	}
	ui.Success("Removed worktree %s", name)
	return nil
}
