package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for coding-agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets MCP-capable agents drive agentdeck natively: list repos and
worktrees, start and stop sessions, read transcripts, and resolve
pending tool approvals. Configure in Claude Code with:

  {
    "mcpServers": {
      "agentdeck": { "command": "agentdeck", "args": ["mcp"] }
    }
  }

Available tools: deck_list_repos, deck_list_worktrees, deck_list_sessions,
deck_session_log, deck_start_session, deck_stop_session,
deck_pending_permissions, deck_resolve_permission, deck_session_genealogy`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := buildDeps()
		if err != nil {
			return err
		}
		srv := mcp.NewServer(d.store, d.worktrees, d.orch, d.permissions, d.genealogy)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
