// Package mux wraps the terminal multiplexer that hosts worker processes.
// Workers run in detached sessions named after their worker ID so the daemon
// can find, inspect, and kill them across restarts.
package mux

import "context"

// Adapter is the session control surface. The default implementation shells
// out to tmux; tests use an in-memory fake.
type Adapter interface {
	// StartSession launches command in a new detached session. The session
	// survives the daemon; ownership is tracked through the registry.
	StartSession(ctx context.Context, name, workdir string, command []string) error

	// SessionAlive reports whether the named session currently exists.
	SessionAlive(ctx context.Context, name string) (bool, error)

	// KillSession terminates the named session and its process tree.
	// Killing a session that does not exist is not an error.
	KillSession(ctx context.Context, name string) error

	// CaptureOutput returns the last n lines visible in the session's pane.
	CaptureOutput(ctx context.Context, name string, lines int) (string, error)

	// ListSessions returns the names of all live sessions.
	ListSessions(ctx context.Context) ([]string, error)

	// PanePID returns the PID of the session's root process. The PID is
	// discovered after launch, so callers record it asynchronously.
	PanePID(ctx context.Context, name string) (int, error)
}
