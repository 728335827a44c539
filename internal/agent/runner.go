package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/agentdeck/agentdeck/internal/models"
)

// Process is a handle on one running agent. Events is closed when the
// process's output ends; Wait reports the exit outcome.
type Process interface {
	Events() <-chan Event
	Decide(toolID string, approved bool) error
	Terminate() error
	Wait() error
}

// Runner starts agent processes. The CLI runner shells out to the real
// agent binaries; tests substitute a scripted implementation.
type Runner interface {
	Start(ctx context.Context, spec RunSpec) (Process, error)
}

// Command resolves an agent kind to the binary and base arguments used to
// launch it. Values come from config; these are the fallbacks.
var defaultCommands = map[models.AgentKind][]string{
	models.AgentClaude: {"claude", "-p", "--output-format", "stream-json", "--input-format", "stream-json"},
	models.AgentCodex:  {"codex", "exec", "--json"},
	models.AgentGemini: {"gemini", "--output-format", "stream-json"},
}

// CLIRunner launches real agent CLIs in the worktree directory.
type CLIRunner struct {
	// Commands overrides the per-kind launch command; nil entries fall
	// back to defaults.
	Commands map[models.AgentKind][]string
}

// NewCLIRunner creates a runner with optional per-kind command overrides.
func NewCLIRunner(commands map[models.AgentKind][]string) *CLIRunner {
	return &CLIRunner{Commands: commands}
}

func (r *CLIRunner) command(kind models.AgentKind) ([]string, error) {
	if argv, ok := r.Commands[kind]; ok && len(argv) > 0 {
		return argv, nil
	}
	if argv, ok := defaultCommands[kind]; ok {
		return argv, nil
	}
	return nil, fmt.Errorf("unknown agent kind %q", kind)
}

// Start spawns the agent process with its cwd in the worktree and begins
// decoding stream-json lines from stdout.
func (r *CLIRunner) Start(ctx context.Context, spec RunSpec) (Process, error) {
	argv, err := r.command(spec.Kind)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", argv[0], err)
	}

	p := &cliProcess{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, streamBuffer),
	}
	go p.readLoop(spec.SessionID, stdout)

	if spec.Prompt != "" {
		if err := p.send(map[string]string{"type": "prompt", "text": spec.Prompt}); err != nil {
			_ = p.Terminate()
			return nil, fmt.Errorf("send prompt: %w", err)
		}
	}
	return p, nil
}

type cliProcess struct {
	cmd     *exec.Cmd
	stdinMu sync.Mutex
	stdin   io.WriteCloser
	events  chan Event
}

func (p *cliProcess) Events() <-chan Event { return p.events }

// readLoop decodes stdout lines into events until the pipe closes.
// Malformed lines are logged and skipped; the stream keeps going.
func (p *cliProcess) readLoop(sessionID string, stdout io.Reader) {
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := DecodeEvent(line)
		if err != nil {
			slog.Warn("skipping malformed agent output", "session", sessionID, "error", err)
			continue
		}
		p.events <- ev
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("agent stdout read failed", "session", sessionID, "error", err)
	}
}

func (p *cliProcess) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

// Decide writes a permission decision for a previously requested tool call.
func (p *cliProcess) Decide(toolID string, approved bool) error {
	return p.send(Decision{Type: "decision", ToolID: toolID, Approved: approved})
}

// Terminate asks the process to stop. Closing stdin signals a clean
// shutdown; the context cancellation backing the command is the hard stop.
func (p *cliProcess) Terminate() error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	return p.stdin.Close()
}

// Wait blocks until the process exits. A nil return is a clean exit;
// anything else maps to a failed session.
func (p *cliProcess) Wait() error {
	return p.cmd.Wait()
}
