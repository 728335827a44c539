package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/agentdeck/agentdeck/internal/models"
)

// UI provides colored output and respects verbose mode.
type UI struct {
	Verbose bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI with default stdout/stderr writers.
func New() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	verbosePrefix = color.New(color.FgHiBlue).Sprint("  →")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
)

// Cyan returns a cyan-colored string.
func Cyan(s string) string { return cyan(s) }

// Green returns a green-colored string.
func Green(s string) string { return green(s) }

// Yellow returns a yellow-colored string.
func Yellow(s string) string { return yellow(s) }

// Red returns a red-colored string.
func Red(s string) string { return red(s) }

// StatusColor returns the string colored by session or task status.
func StatusColor(status string) string {
	switch strings.ToLower(status) {
	case "running":
		return green(status)
	case "idle", "pending":
		return yellow(status)
	case "completed":
		return cyan(status)
	case "failed":
		return red(status)
	default:
		return status
	}
}

// PermissionColor returns the string colored by permission state.
func PermissionColor(state string) string {
	switch strings.ToLower(state) {
	case "pending":
		return yellow(state)
	case "approved":
		return green(state)
	case "denied", "timed_out":
		return red(state)
	default:
		return state
	}
}

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		fmt.Fprintf(u.Out, "%s %s\n", verbosePrefix, fmt.Sprintf(format, a...))
	}
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

// SessionTable renders sessions as a table.
func (u *UI) SessionTable(sessions []*models.Session) error {
	table := u.Table([]string{"ID", "TITLE", "AGENT", "STATUS", "TASKS", "TOOLS", "STARTED"})
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		table.Append([]string{
			shortID(s.ID),
			title,
			string(s.AgentKind),
			StatusColor(string(s.Status)),
			fmt.Sprintf("%d", s.TaskCount),
			fmt.Sprintf("%d", s.ToolUseCount),
			Ago(s.StartedAt),
		})
	}
	return table.Render()
}

// WorktreeTable renders worktrees as a table.
func (u *UI) WorktreeTable(worktrees []*models.Worktree) error {
	table := u.Table([]string{"ID", "NAME", "BRANCH", "BASE", "LOCKED BY"})
	for _, w := range worktrees {
		locked := "-"
		if w.Locked() {
			locked = Yellow(shortID(w.LockSessionID))
		}
		table.Append([]string{shortID(w.ID), w.Name, w.Branch, w.BaseRef, locked})
	}
	return table.Render()
}

// RepoTable renders repos as a table.
func (u *UI) RepoTable(repos []*models.Repo) error {
	table := u.Table([]string{"ID", "SLUG", "PATH", "REMOTE"})
	for _, r := range repos {
		remote := r.RemoteURL
		if remote == "" {
			remote = "-"
		}
		table.Append([]string{shortID(r.ID), r.Slug, r.Path, remote})
	}
	return table.Render()
}

// PermissionTable renders permission requests as a table.
func (u *UI) PermissionTable(reqs []*models.PermissionRequest) error {
	table := u.Table([]string{"ID", "SESSION", "TOOL", "STATE", "REQUESTED"})
	for _, p := range reqs {
		table.Append([]string{
			shortID(p.ID),
			shortID(p.SessionID),
			p.Tool,
			PermissionColor(string(p.State)),
			Ago(p.CreatedAt),
		})
	}
	return table.Render()
}

// Ago formats a time as a compact relative duration.
func Ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// shortID truncates a ULID for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
