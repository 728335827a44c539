package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/git"
	"github.com/agentdeck/agentdeck/internal/models"
	"github.com/agentdeck/agentdeck/internal/store"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage registered repositories",
	Long:  "Register, list, and remove the git repositories sessions run against.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoListRun()
	},
}

var repoAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug, _ := cmd.Flags().GetString("slug")
		return repoAddRun(args[0], slug)
	},
}

var repoCloneCmd = &cobra.Command{
	Use:   "clone <url> [dir]",
	Short: "Clone a repository and register it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dir string
		if len(args) > 1 {
			dir = args[1]
		}
		slug, _ := cmd.Flags().GetString("slug")
		return repoCloneRun(cmd.Context(), args[0], dir, slug)
	},
}

var repoListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoListRun()
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:     "remove <slug>",
	Aliases: []string{"rm"},
	Short:   "Remove a repository registration",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoRemoveRun(args[0])
	},
}

func init() {
	repoAddCmd.Flags().String("slug", "", "Short name for the repo (default: directory name)")
	repoCloneCmd.Flags().String("slug", "", "Short name for the repo (default: directory name)")
	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoCloneCmd)
	repoCmd.AddCommand(repoListCmd)
	repoCmd.AddCommand(repoRemoveCmd)
	rootCmd.AddCommand(repoCmd)
}

// resolveRepo accepts a slug or an id.
func resolveRepo(ctx context.Context, s store.Store, ref string) (*models.Repo, error) {
	if repo, err := s.GetRepoBySlug(ctx, ref); err == nil {
		return repo, nil
	}
	return s.GetRepo(ctx, ref)
}

func repoAddRun(path, slug string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	gc := git.NewClient()
	root, err := gc.RepoRoot(ctx, path)
	if err != nil {
		return fmt.Errorf("not a git repository: %s", path)
	}
	if slug == "" {
		slug = filepath.Base(root)
	}
	remote, _ := gc.RemoteURL(ctx, root)

	repo := &models.Repo{Slug: slug, Path: root, RemoteURL: remote}
	if err := s.CreateRepo(ctx, repo); err != nil {
		return err
	}

	ui.Success("Registered %s (%s)", slug, root)
	return nil
}

func repoCloneRun(ctx context.Context, url, dir, slug string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	if dir == "" {
		dir = strings.TrimSuffix(filepath.Base(url), ".git")
	}

	gc := git.NewClient()
	ui.Info("Cloning %s into %s", url, dir)
	if err := gc.Clone(ctx, url, dir); err != nil {
		return fmt.Errorf("clone: %w", err)
	}

	root, err := gc.RepoRoot(ctx, dir)
	if err != nil {
		return err
	}
	if slug == "" {
		slug = filepath.Base(root)
	}

	repo := &models.Repo{Slug: slug, Path: root, RemoteURL: url}
	if err := s.CreateRepo(ctx, repo); err != nil {
		return err
	}

	ui.Success("Registered %s (%s)", slug, root)
	return nil
}

func repoListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	repos, err := s.ListRepos(context.Background())
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		ui.Info("No repositories registered. Use 'agentdeck repo add <path>'.")
		return nil
	}
	return ui.RepoTable(repos)
}

func repoRemoveRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repo, err := resolveRepo(ctx, s, ref)
	if err != nil {
		return err
	}
	if err := s.DeleteRepo(ctx, repo.ID); err != nil {
		return err
	}
	ui.Success("Removed %s", repo.Slug)
	return nil
}
