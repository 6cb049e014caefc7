package mux

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/maestro/internal/orchestration/types"
)

// Fake is an in-memory Adapter for tests. Sessions are plain map entries;
// tests flip liveness and inject failures directly.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	nextPID  int

	// StartErr, when set, fails the next StartSession call.
	StartErr error
	// KillErr, when set, fails KillSession calls.
	KillErr error
}

type fakeSession struct {
	workdir string
	command []string
	pid     int
	output  string
}

// NewFake creates an empty fake adapter.
func NewFake() *Fake {
	return &Fake{sessions: make(map[string]*fakeSession), nextPID: 10000}
}

var _ Adapter = (*Fake)(nil)

// StartSession records the session in memory.
func (f *Fake) StartSession(_ context.Context, name, workdir string, command []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		err := f.StartErr
		f.StartErr = nil
		return err
	}
	if _, exists := f.sessions[name]; exists {
		return fmt.Errorf("%w: session %s already exists", types.ErrSubprocessFailure, name)
	}
	f.nextPID++
	f.sessions[name] = &fakeSession{workdir: workdir, command: command, pid: f.nextPID}
	return nil
}

// SessionAlive reports whether the fake session exists.
func (f *Fake) SessionAlive(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok, nil
}

// KillSession removes the session.
func (f *Fake) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.KillErr != nil {
		return f.KillErr
	}
	delete(f.sessions, name)
	return nil
}

// CaptureOutput returns the output set by SetOutput.
func (f *Fake) CaptureOutput(_ context.Context, name string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return "", fmt.Errorf("%w: session %s not found", types.ErrSubprocessFailure, name)
	}
	return s.output, nil
}

// ListSessions returns all fake session names.
func (f *Fake) ListSessions(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sessions))
	for name := range f.sessions {
		names = append(names, name)
	}
	return names, nil
}

// PanePID returns the synthetic PID assigned at start.
func (f *Fake) PanePID(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return 0, fmt.Errorf("%w: session %s not found", types.ErrSubprocessFailure, name)
	}
	return s.pid, nil
}

// SetOutput sets the pane content returned by CaptureOutput.
func (f *Fake) SetOutput(name, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		s.output = output
	}
}

// Drop simulates a session dying outside the daemon's control.
func (f *Fake) Drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
}

// Inject registers a session that the daemon did not start, for orphan
// detection tests.
func (f *Fake) Inject(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.sessions[name] = &fakeSession{pid: f.nextPID}
}
