package mux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/orchestration/types"
)

// Tmux drives sessions through the tmux binary.
type Tmux struct {
	binary string
}

// NewTmux creates a tmux adapter. An empty binary defaults to "tmux" on PATH.
func NewTmux(binary string) *Tmux {
	if binary == "" {
		binary = "tmux"
	}
	return &Tmux{binary: binary}
}

var _ Adapter = (*Tmux)(nil)

// run executes a tmux subcommand and returns combined output.
func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, t.binary, args...) //nolint:gosec // G204: binary comes from config, args are built internally
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// StartSession launches a detached session running the command.
func (t *Tmux) StartSession(ctx context.Context, name, workdir string, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("%w: empty session command", types.ErrValidation)
	}
	args := []string{"new-session", "-d", "-s", name, "-c", workdir}
	args = append(args, command...)
	if _, err := t.run(ctx, args...); err != nil {
		return fmt.Errorf("%w: starting session %s: %v", types.ErrSubprocessFailure, name, err)
	}
	log.Debug(log.CatMux, "Session started", "session", name, "workdir", workdir)
	return nil
}

// SessionAlive reports whether tmux knows the session.
func (t *Tmux) SessionAlive(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, t.binary, "has-session", "-t", "="+name) //nolint:gosec // G204: see run
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("%w: has-session %s: %v", types.ErrSubprocessFailure, name, err)
}

// KillSession terminates the session. A missing session is treated as
// already dead.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	alive, err := t.SessionAlive(ctx, name)
	if err != nil {
		return err
	}
	if !alive {
		return nil
	}
	if _, err := t.run(ctx, "kill-session", "-t", "="+name); err != nil {
		return fmt.Errorf("%w: killing session %s: %v", types.ErrSubprocessFailure, name, err)
	}
	log.Debug(log.CatMux, "Session killed", "session", name)
	return nil
}

// CaptureOutput returns the last lines of the session's pane content.
func (t *Tmux) CaptureOutput(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := t.run(ctx, "capture-pane", "-p", "-t", "="+name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("%w: capturing pane for %s: %v", types.ErrSubprocessFailure, name, err)
	}
	return out, nil
}

// ListSessions returns all live session names. No server running means no
// sessions, not an error.
func (t *Tmux) ListSessions(ctx context.Context) ([]string, error) {
	out, err := t.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(out, "no server running") || strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing sessions: %v", types.ErrSubprocessFailure, err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// PanePID returns the PID of the session's first pane process.
func (t *Tmux) PanePID(ctx context.Context, name string) (int, error) {
	out, err := t.run(ctx, "list-panes", "-t", "="+name, "-F", "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("%w: resolving pane pid for %s: %v", types.ErrSubprocessFailure, name, err)
	}
	first := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	pid, err := strconv.Atoi(first)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing pane pid %q for %s", types.ErrSubprocessFailure, first, name)
	}
	return pid, nil
}
