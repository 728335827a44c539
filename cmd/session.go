package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/broadcast"
	"github.com/agentdeck/agentdeck/internal/llm"
	"github.com/agentdeck/agentdeck/internal/models"
	"github.com/agentdeck/agentdeck/internal/output"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Manage agent sessions",
	Long:    "Start, stop, and inspect agent sessions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun("", "")
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list [repo]",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var repoRef string
		if len(args) > 0 {
			repoRef = args[0]
		}
		status, _ := cmd.Flags().GetString("status")
		return sessionListRun(repoRef, status)
	},
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <repo> <worktree>",
	Short: "Start an agent session on a worktree",
	Long: `Start an agent session bound to a worktree. The session holds the
worktree's lock until it finishes; its output streams to the terminal.
Press Ctrl-C to stop the session.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentKind, _ := cmd.Flags().GetString("agent")
		prompt, _ := cmd.Flags().GetString("prompt")
		title, _ := cmd.Flags().GetString("title")
		from, _ := cmd.Flags().GetString("from")
		fromTask, _ := cmd.Flags().GetString("from-task")
		return sessionStartRun(args[0], args[1], agentKind, prompt, title, from, fromTask)
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session>",
	Short: "Stop a running session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStopRun(args[0])
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show session details and tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionLogCmd = &cobra.Command{
	Use:   "log <session>",
	Short: "Print the session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionLogRun(args[0])
	},
}

var sessionSummaryCmd = &cobra.Command{
	Use:   "summary <session>",
	Short: "Summarize a finished session with the configured LLM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionSummaryRun(cmd.Context(), args[0])
	},
}

func init() {
	sessionListCmd.Flags().String("status", "", "Filter by status (comma separated)")
	sessionStartCmd.Flags().String("agent", string(models.AgentClaude), "Agent kind: claude, codex, or gemini")
	sessionStartCmd.Flags().StringP("prompt", "p", "", "Initial prompt for the agent")
	sessionStartCmd.Flags().String("title", "", "Session title")
	sessionStartCmd.Flags().String("from", "", "Fork from this session")
	sessionStartCmd.Flags().String("from-task", "", "Task within the source session")
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionLogCmd)
	sessionCmd.AddCommand(sessionSummaryCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionListRun(repoRef, status string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.SessionListFilter{}
	if repoRef != "" {
		repo, err := resolveRepo(ctx, d.store, repoRef)
		if err != nil {
			return err
		}
		filter.RepoID = repo.ID
	}
	for _, part := range strings.Split(status, ",") {
		if part = strings.TrimSpace(part); part != "" {
			filter.Statuses = append(filter.Statuses, models.SessionStatus(part))
		}
	}

	sessions, err := d.orch.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions.")
		return nil
	}
	return ui.SessionTable(sessions)
}

func sessionStartRun(repoRef, wtName, agentKind, prompt, title, from, fromTask string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	repo, err := resolveRepo(ctx, d.store, repoRef)
	if err != nil {
		return err
	}
	wt, err := d.store.GetWorktreeByName(ctx, repo.ID, wtName)
	if err != nil {
		return err
	}

	opts := session.StartOptions{
		WorktreeID:        wt.ID,
		AgentKind:         models.AgentKind(agentKind),
		Title:             title,
		Prompt:            prompt,
		ParentSessionID:   from,
		ParentTaskID:      fromTask,
		PermissionTimeout: d.permTimeout,
	}
	if from != "" {
		opts.Kind = models.GenealogyFork
	}

	// Subscribe before starting so no event is missed.
	connID := uuid.NewString()
	stream := d.router.Connect(connID)
	defer d.router.Disconnect(connID)

	sess, err := d.orch.Start(ctx, opts)
	if err != nil {
		return err
	}
	d.router.Join(connID, broadcast.SessionChannel(sess.ID))

	ui.Info("Session %s started on %s/%s (%s)", sess.ID, repo.Slug, wt.Name, agentKind)

	for {
		select {
		case <-ctx.Done():
			ui.Warning("Stopping session %s", sess.ID)
			return d.orch.Stop(context.Background(), sess.ID)
		case ev := <-stream:
			renderEvent(ev)
			if ev.Type == broadcast.EventSessionUpdated {
				if final, ok := ev.Payload.(*models.Session); ok && final.Status.Terminal() {
					if final.Status == models.SessionStatusFailed {
						ui.Error("Session failed: %s", final.LastError)
					} else {
						ui.Success("Session completed")
					}
					return nil
				}
			}
		}
	}
}

// renderEvent prints one broadcast event for the interactive session view.
func renderEvent(ev broadcast.Event) {
	switch ev.Type {
	case broadcast.EventTaskCreated:
		if t, ok := ev.Payload.(*models.Task); ok {
			ui.Info("Task %d started (%s)", t.Index+1, output.Cyan(short(t.ShaBefore)))
		}
	case broadcast.EventTaskUpdated:
		if t, ok := ev.Payload.(*models.Task); ok && t.EndedAt != nil {
			ui.Info("Task %d %s (%s)", t.Index+1, output.StatusColor(string(t.Status)), output.Cyan(short(t.ShaAfter)))
		}
	case broadcast.EventMessageCreated:
		if m, ok := ev.Payload.(*models.Message); ok {
			printMessage(m)
		}
	case broadcast.EventPermissionCreated:
		if p, ok := ev.Payload.(*models.PermissionRequest); ok {
			ui.Warning("Approval needed: %s %s", output.Yellow(p.Tool), p.ArgsJSON)
			ui.Warning("Resolve with: agentdeck permission approve %s", p.ID)
		}
	case broadcast.EventPermissionResolved:
		if p, ok := ev.Payload.(*models.PermissionRequest); ok {
			ui.Info("Permission %s: %s", p.ID, output.PermissionColor(string(p.State)))
		}
	}
}

func printMessage(m *models.Message) {
	for _, block := range m.Blocks {
		switch b := block.(type) {
		case models.TextBlock:
			fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan(string(m.Role)+":"), b.Text)
		case models.ToolUseBlock:
			fmt.Fprintf(ui.Out, "%s %s\n", output.Yellow("tool:"), b.Name)
		case models.ToolResultBlock:
			if b.IsError {
				fmt.Fprintf(ui.Out, "%s %s\n", output.Red("tool error:"), truncate(b.Content, 200))
			} else if verbose {
				fmt.Fprintf(ui.Out, "%s %s\n", output.Green("result:"), truncate(b.Content, 200))
			}
		}
	}
}

func sessionStopRun(sessionID string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	if err := d.orch.Stop(context.Background(), sessionID); err != nil {
		return err
	}
	ui.Success("Session %s stopped", sessionID)
	return nil
}

func sessionShowRun(sessionID string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	ctx := context.Background()

	sess, err := d.orch.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	title := sess.Title
	if title == "" {
		title = "(untitled)"
	}
	ui.Info("%s  %s", sess.ID, title)
	fmt.Fprintf(ui.Out, "  agent:    %s\n", sess.AgentKind)
	fmt.Fprintf(ui.Out, "  status:   %s\n", output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "  worktree: %s\n", sess.WorktreeID)
	fmt.Fprintf(ui.Out, "  tasks:    %d  messages: %d  tool uses: %d\n", sess.TaskCount, sess.MessageCount, sess.ToolUseCount)
	if sess.ParentSessionID != "" {
		fmt.Fprintf(ui.Out, "  parent:   %s\n", sess.ParentSessionID)
	}
	if sess.LastError != "" {
		fmt.Fprintf(ui.Out, "  error:    %s\n", output.Red(sess.LastError))
	}

	tasks, err := d.store.ListTasks(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"#", "STATUS", "TOOLS", "SHA BEFORE", "SHA AFTER"})
	for _, t := range tasks {
		table.Append([]string{
			fmt.Sprintf("%d", t.Index+1),
			output.StatusColor(string(t.Status)),
			fmt.Sprintf("%d", t.ToolUseCount),
			short(t.ShaBefore),
			short(t.ShaAfter),
		})
	}
	return table.Render()
}

func sessionLogRun(sessionID string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if _, err := d.orch.Get(ctx, sessionID); err != nil {
		return err
	}
	msgs, err := d.store.ListSessionMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		printMessage(m)
	}
	return nil
}

func sessionSummaryRun(ctx context.Context, sessionID string) error {
	client := llmClient()
	if client == nil {
		return fmt.Errorf("summaries require anthropic.api_key (or ANTHROPIC_API_KEY) to be configured")
	}

	d, err := buildDeps()
	if err != nil {
		return err
	}

	sess, err := d.orch.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Status.Terminal() {
		return fmt.Errorf("session %s is still %s; summaries cover finished sessions", sess.ID, sess.Status)
	}

	msgs, err := d.store.ListSessionMessages(ctx, sess.ID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	summary, err := client.SummarizeSession(ctx, llm.Transcript(msgs))
	if err != nil {
		return fmt.Errorf("summarize session: %w", err)
	}

	fmt.Fprintln(ui.Out, summary.Summary)
	if len(summary.Changes) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Info("Changes")
		for _, c := range summary.Changes {
			fmt.Fprintf(ui.Out, "  - %s\n", c)
		}
	}
	if len(summary.Followups) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Info("Follow-ups")
		for _, f := range summary.Followups {
			fmt.Fprintf(ui.Out, "  - %s\n", f)
		}
	}
	return nil
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
