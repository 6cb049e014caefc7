// Package supervisor manages worker process lifecycle: spawning external
// agent processes inside mux sessions, tracking their PIDs and files,
// recording self-reported progress, and cleaning up on termination.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sys/unix"

	"github.com/zjrosen/maestro/internal/config"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/orchestration/eventlog"
	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/mux"
	"github.com/zjrosen/maestro/internal/orchestration/prompt"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/types"
)

// promptPreviewLen is how much of the prompt is kept inline in the registry.
const promptPreviewLen = 200

// recentFindingsKeep is how many findings the coordination response carries.
const recentFindingsKeep = 3

// Supervisor spawns and tracks workers for the orchestration engine.
type Supervisor struct {
	store *registry.Store
	mux   mux.Adapter
	cfg   *config.Config

	// recentFindings caches the last few findings per task so minimal
	// coordination responses never re-read the findings streams.
	recentFindings *cache.Cache

	// bg tracks background PID discovery so Close can join it before the
	// workspace goes away.
	bg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// New creates a supervisor over the given store and mux adapter.
func New(store *registry.Store, adapter mux.Adapter, cfg *config.Config) *Supervisor {
	return &Supervisor{
		store:          store,
		mux:            adapter,
		cfg:            cfg,
		recentFindings: cache.New(30*time.Minute, 10*time.Minute),
		quit:           make(chan struct{}),
	}
}

// Close stops background PID discovery and waits for in-flight goroutines.
// No spawns may happen after Close.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	s.bg.Wait()
}

// SpawnRequest describes a worker to launch.
type SpawnRequest struct {
	TaskID   string
	Type     string
	Prompt   string
	ParentID string

	// ReviewID marks the worker as a reviewer for an open review, which
	// relaxes the phase-state check to review states.
	ReviewID string
}

// deployRecord is written next to the output stream at spawn time.
type deployRecord struct {
	WorkerID  string    `json:"worker_id"`
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"`
	ParentID  string    `json:"parent_id"`
	Session   string    `json:"session"`
	Command   []string  `json:"command"`
	SpawnedAt time.Time `json:"spawned_at"`
}

// Spawn launches a worker per the spawn protocol: pre-flight checks, file
// creation, mux session start, and registry registration happen inside one
// locked registry mutation. Any failure reverts files and the session.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*registry.Worker, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt must not be empty", types.ErrValidation)
	}
	if !validWorkerType(req.Type) {
		return nil, fmt.Errorf("%w: worker type %q must be 1-40 chars of [a-z0-9_-]", types.ErrValidation, req.Type)
	}
	if req.ParentID == "" {
		req.ParentID = registry.OrchestratorID
	}

	ws := s.store.Workspace()
	var spawned registry.Worker

	_, err := s.store.Mutate(req.TaskID, func(task *registry.Task) error {
		if task.Status.IsTerminal() {
			return fmt.Errorf("%w: task %s is %s", types.ErrPhaseStateInvalid, task.ID, task.Status)
		}
		if err := s.checkCapacity(task, req.ParentID); err != nil {
			return err
		}
		if err := s.checkPhaseAcceptsWorkers(task, req.ReviewID); err != nil {
			return err
		}
		if err := s.preflight(ws.TaskDir(task.ID)); err != nil {
			return err
		}

		workerID := registry.NewWorkerID(req.Type, time.Now())
		for task.Worker(workerID) != nil {
			workerID = registry.NewWorkerID(req.Type, time.Now())
		}
		session := registry.SessionName(workerID)

		files := registry.WorkerFiles{
			Prompt:    ws.PromptPath(task.ID, workerID),
			Output:    ws.OutputPath(task.ID, workerID),
			Progress:  ws.ProgressPath(task.ID, workerID),
			Findings:  ws.FindingsPath(task.ID, workerID),
			DeployLog: ws.DeployLogPath(task.ID, workerID),
		}

		command := s.workerCommand(files.Prompt, files.Output)

		cleanup := func() {
			for _, p := range []string{files.Prompt, files.Output, files.Progress, files.Findings, files.DeployLog} {
				_ = os.Remove(p)
			}
			_ = s.mux.KillSession(ctx, session)
		}

		for _, p := range []string{files.Output, files.Progress, files.Findings} {
			if err := touchFile(p); err != nil {
				cleanup()
				return fmt.Errorf("creating stream file: %w", err)
			}
		}
		composed := prompt.Compose(prompt.Role(req.Type), req.Prompt)
		if err := os.WriteFile(files.Prompt, []byte(composed), 0o600); err != nil {
			cleanup()
			return fmt.Errorf("writing prompt file: %w", err)
		}

		now := time.Now().UTC()
		deploy := deployRecord{
			WorkerID: workerID, TaskID: task.ID, Type: req.Type,
			ParentID: req.ParentID, Session: session, Command: command, SpawnedAt: now,
		}
		deployData, err := json.MarshalIndent(deploy, "", "  ")
		if err != nil {
			cleanup()
			return fmt.Errorf("marshaling deploy record: %w", err)
		}
		if err := os.WriteFile(files.DeployLog, deployData, 0o600); err != nil {
			cleanup()
			return fmt.Errorf("writing deploy record: %w", err)
		}

		if err := s.mux.StartSession(ctx, session, ws.TaskDir(task.ID), command); err != nil {
			cleanup()
			return err
		}

		preview := req.Prompt
		if len(preview) > promptPreviewLen {
			preview = preview[:promptPreviewLen]
		}
		spawned = registry.Worker{
			ID:            workerID,
			Type:          req.Type,
			Session:       session,
			ParentID:      req.ParentID,
			Depth:         task.WorkerDepth(req.ParentID) + 1,
			PhaseIndex:    task.CurrentPhase,
			Status:        events.WorkerRunning,
			StartedAt:     now,
			PromptPreview: preview,
			Files:         files,
		}
		task.Workers = append(task.Workers, spawned)
		if task.Hierarchy == nil {
			task.Hierarchy = make(map[string][]string)
		}
		task.Hierarchy[req.ParentID] = append(task.Hierarchy[req.ParentID], workerID)

		if task.Status == events.TaskInitialized {
			task.Status = events.TaskActive
		}
		// A rejected phase starts revising as soon as new workers arrive.
		if phase := task.ActivePhase(); phase != nil && phase.Status == events.PhaseRejected {
			phase.Status = events.PhaseRevising
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info(log.CatSupervisor, "Worker spawned",
		"taskID", req.TaskID, "workerID", spawned.ID, "type", req.Type, "parent", req.ParentID)
	s.store.Publish(events.Event{
		Type: events.EventWorkerSpawned, TaskID: req.TaskID,
		WorkerID: spawned.ID, Status: events.WorkerRunning,
	})

	// PID discovery runs after the lock is released; the pane takes a moment
	// to come up.
	s.bg.Add(1)
	log.SafeGo("pid-discovery-"+spawned.ID, func() {
		defer s.bg.Done()
		s.discoverPID(req.TaskID, spawned.ID, spawned.Session)
	})

	return &spawned, nil
}

// SpawnChild launches a worker under an existing parent worker.
func (s *Supervisor) SpawnChild(ctx context.Context, taskID, parentWorkerID, workerType, prompt string) (*registry.Worker, error) {
	task, err := s.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	if task.Worker(parentWorkerID) == nil {
		return nil, fmt.Errorf("%w: parent worker %s", types.ErrWorkerNotFound, parentWorkerID)
	}
	return s.Spawn(ctx, SpawnRequest{
		TaskID:   taskID,
		Type:     workerType,
		Prompt:   prompt,
		ParentID: parentWorkerID,
	})
}

// Kill terminates a worker: registry status first, then the mux session.
// Killing an already-terminal worker is a no-op.
func (s *Supervisor) Kill(ctx context.Context, taskID, workerID string) error {
	var session string
	_, err := s.store.Mutate(taskID, func(task *registry.Task) error {
		w := task.Worker(workerID)
		if w == nil {
			return fmt.Errorf("%w: %s", types.ErrWorkerNotFound, workerID)
		}
		if w.Status.IsTerminal() {
			session = ""
			return nil
		}
		w.Status = events.WorkerTerminated
		w.CompletedAt = time.Now().UTC()
		w.LastUpdateAt = w.CompletedAt
		session = w.Session
		return nil
	})
	if err != nil {
		return err
	}
	if session == "" {
		return nil
	}

	if err := s.mux.KillSession(ctx, session); err != nil {
		log.ErrorErr(log.CatSupervisor, "Failed to kill mux session", err, "session", session)
	}

	log.Info(log.CatSupervisor, "Worker killed", "taskID", taskID, "workerID", workerID)
	s.store.Publish(events.Event{
		Type: events.EventWorkerStatusChange, TaskID: taskID,
		WorkerID: workerID, Status: events.WorkerTerminated,
	})
	return nil
}

// MarkTerminated records a worker found dead without a self-reported terminal
// status. Used by lazy detection and the health daemon.
func (s *Supervisor) MarkTerminated(taskID, workerID, reason string) error {
	var progressPath string
	_, err := s.store.Mutate(taskID, func(task *registry.Task) error {
		w := task.Worker(workerID)
		if w == nil {
			return fmt.Errorf("%w: %s", types.ErrWorkerNotFound, workerID)
		}
		if w.Status.IsTerminal() {
			return nil
		}
		w.Status = events.WorkerTerminated
		w.CompletedAt = time.Now().UTC()
		w.LastUpdateAt = w.CompletedAt
		progressPath = w.Files.Progress
		return nil
	})
	if err != nil || progressPath == "" {
		return err
	}

	entry := eventlog.ProgressEntry{
		Timestamp: time.Now().UTC(),
		AgentID:   workerID,
		Status:    events.WorkerTerminated,
		Message:   reason,
	}
	if err := eventlog.Append(progressPath, entry); err != nil {
		log.ErrorErr(log.CatSupervisor, "Failed to append synthetic progress entry", err, "workerID", workerID)
	}

	log.Warn(log.CatSupervisor, "Worker marked terminated", "taskID", taskID, "workerID", workerID, "reason", reason)
	s.store.Publish(events.Event{
		Type: events.EventWorkerStatusChange, TaskID: taskID,
		WorkerID: workerID, Status: events.WorkerTerminated,
	})
	return nil
}

// CheckAlive lazily verifies a non-terminal worker's session and PID,
// marking it terminated if both are gone. Returns the fresh status.
func (s *Supervisor) CheckAlive(ctx context.Context, taskID, workerID string) (events.WorkerStatus, error) {
	task, err := s.store.Load(taskID)
	if err != nil {
		return "", err
	}
	w := task.Worker(workerID)
	if w == nil {
		return "", fmt.Errorf("%w: %s", types.ErrWorkerNotFound, workerID)
	}
	if w.Status.IsTerminal() {
		return w.Status, nil
	}

	alive, err := s.mux.SessionAlive(ctx, w.Session)
	if err != nil {
		return w.Status, err
	}
	if !alive && (w.PID == 0 || !pidAlive(w.PID)) {
		if err := s.MarkTerminated(taskID, workerID, "session and process gone"); err != nil {
			return w.Status, err
		}
		return events.WorkerTerminated, nil
	}
	return w.Status, nil
}

// GetOutput returns a bounded view of a worker's output stream. When the
// stream file is missing, the mux pane is captured as a fallback.
func (s *Supervisor) GetOutput(ctx context.Context, taskID, workerID string, opts eventlog.ReadOptions) (*eventlog.ReadResult, error) {
	task, err := s.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	w := task.Worker(workerID)
	if w == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrWorkerNotFound, workerID)
	}

	if _, statErr := os.Stat(w.Files.Output); os.IsNotExist(statErr) {
		lines := opts.Tail
		if lines <= 0 {
			lines = 50
		}
		text, capErr := s.mux.CaptureOutput(ctx, w.Session, lines)
		if capErr != nil {
			return nil, capErr
		}
		return &eventlog.ReadResult{Text: text}, nil
	}

	return eventlog.ReadBounded(w.Files.Output, opts)
}

// checkCapacity enforces the per-task spawn limits.
func (s *Supervisor) checkCapacity(task *registry.Task, parentID string) error {
	if task.Counters.TotalSpawned >= task.Limits.MaxAgents {
		return fmt.Errorf("%w: max agents reached (%d)", types.ErrCapacityExceeded, task.Limits.MaxAgents)
	}
	if task.Counters.ActiveCount >= task.Limits.MaxConcurrent {
		return fmt.Errorf("%w: max concurrent workers reached (%d)", types.ErrCapacityExceeded, task.Limits.MaxConcurrent)
	}
	if parentID != registry.OrchestratorID && task.Worker(parentID) == nil {
		return fmt.Errorf("%w: parent worker %s", types.ErrWorkerNotFound, parentID)
	}
	if task.WorkerDepth(parentID)+1 > task.Limits.MaxDepth {
		return fmt.Errorf("%w: max depth reached (%d)", types.ErrCapacityExceeded, task.Limits.MaxDepth)
	}
	return nil
}

// checkPhaseAcceptsWorkers verifies the phase is in a state that accepts new
// workers. Reviewers are allowed during the review states.
func (s *Supervisor) checkPhaseAcceptsWorkers(task *registry.Task, reviewID string) error {
	phase := task.ActivePhase()
	if phase == nil {
		return fmt.Errorf("%w: task has no active phase", types.ErrPhaseStateInvalid)
	}
	if reviewID != "" {
		switch phase.Status {
		case events.PhaseAwaitingReview, events.PhaseUnderReview:
			return nil
		}
		return fmt.Errorf("%w: phase is %s, reviewers spawn during AWAITING_REVIEW or UNDER_REVIEW", types.ErrPhaseStateInvalid, phase.Status)
	}
	switch phase.Status {
	case events.PhaseActive, events.PhaseRevising, events.PhaseRejected:
		return nil
	}
	return fmt.Errorf("%w: phase is %s, workers spawn during ACTIVE or REVISING", types.ErrPhaseStateInvalid, phase.Status)
}

// preflight verifies disk space and write access before a spawn.
func (s *Supervisor) preflight(dir string) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("%w: statfs %s: %v", types.ErrInsufficientResources, dir, err)
	}
	free := stat.Bavail * uint64(stat.Bsize)                 //nolint:gosec // G115: Bsize is positive on all supported platforms
	if free < uint64(s.cfg.Orchestration.MinFreeDiskBytes) { //nolint:gosec // G115: threshold validated non-negative
		return fmt.Errorf("%w: %d bytes free, need %d", types.ErrInsufficientResources, free, s.cfg.Orchestration.MinFreeDiskBytes)
	}

	probe, err := os.CreateTemp(dir, ".writecheck-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrWorkspaceNotWritable, dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// workerCommand assembles the shell pipeline that runs the agent binary with
// its stdout smart-teed into the output stream.
func (s *Supervisor) workerCommand(promptPath, outputPath string) []string {
	self, err := os.Executable()
	if err != nil {
		self = "maestro"
	}
	agent := s.cfg.Agent.Binary
	extra := strings.Join(s.cfg.Agent.ExtraArgs, " ")
	pipeline := fmt.Sprintf("%s --output-format stream-json %s --prompt-file %q 2>&1 | %q tee %q --line-cap %d --field-cap %d",
		agent, extra, promptPath, self, outputPath,
		s.cfg.Orchestration.LineCapBytes, s.cfg.Orchestration.FieldCapBytes)
	return []string{"sh", "-c", pipeline}
}

// discoverPID polls the mux pane for the worker's PID and patches it into
// the registry. Gives up quietly after a few attempts.
func (s *Supervisor) discoverPID(taskID, workerID, session string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var pid int
	for attempt := 0; attempt < 5; attempt++ {
		p, err := s.mux.PanePID(ctx, session)
		if err == nil && p > 0 {
			pid = p
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
	if pid == 0 {
		log.Warn(log.CatSupervisor, "Could not discover worker PID", "workerID", workerID, "session", session)
		return
	}

	_, err := s.store.Mutate(taskID, func(task *registry.Task) error {
		if w := task.Worker(workerID); w != nil && !w.Status.IsTerminal() {
			w.PID = pid
		}
		return nil
	})
	if err != nil {
		log.ErrorErr(log.CatSupervisor, "Failed to record worker PID", err, "workerID", workerID)
		return
	}
	log.Debug(log.CatSupervisor, "Worker PID recorded", "workerID", workerID, "pid", pid)
}

// pidAlive reports whether the process exists (signal 0 probe).
func pidAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// validWorkerType checks the open-set worker type tag: length and charset
// only, no compiled vocabulary.
func validWorkerType(t string) bool {
	if len(t) == 0 || len(t) > 40 {
		return false
	}
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// touchFile creates an empty file if it does not exist.
func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304: path owned by the worker's workspace
	if err != nil {
		return err
	}
	return f.Close()
}
