package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/types"
	"github.com/zjrosen/maestro/internal/pubsub"
)

// Lock acquisition policy. A conflicted lock is retried before surfacing
// RegistryLockConflict to the caller, who is expected to retry the whole call.
const (
	lockAttempts = 3
	lockBackoff  = 25 * time.Millisecond
)

// Store is the authoritative task state store. All mutations serialize
// through an advisory exclusive lock per task; reads take a shared lock.
// A mutation is durable (written and renamed into place) before Mutate
// returns, satisfying the durability-before-response rule.
type Store struct {
	ws     Workspace
	broker *pubsub.Broker[events.Event]
}

// NewStore creates a store rooted at the workspace base directory.
func NewStore(base string) *Store {
	return &Store{
		ws:     Workspace{Base: base},
		broker: pubsub.NewBroker[events.Event](0),
	}
}

// Workspace exposes the path layout for components that own files inside it.
func (s *Store) Workspace() Workspace {
	return s.ws
}

// Broker returns the event bus fed by registry mutations.
func (s *Store) Broker() *pubsub.Broker[events.Event] {
	return s.broker
}

// Publish emits an orchestration event on the store's bus.
func (s *Store) Publish(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.broker.Publish(ev)
}

// lockPath is the sidecar lock file for a task registry. The registry file
// itself is replaced by rename on every write, so the lock must live on a
// stable inode.
func (s *Store) lockPath(taskID string) string {
	return s.ws.RegistryPath(taskID) + ".lock"
}

// acquireLock opens the lock file and takes an advisory flock. how is
// unix.LOCK_EX or unix.LOCK_SH. Returns the open file; closing it releases
// the lock.
func (s *Store) acquireLock(taskID string, how int) (*os.File, error) {
	f, err := os.OpenFile(s.lockPath(taskID), os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // G304: path derived from validated task id
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("opening registry lock: %w", err)
	}

	backoff := lockBackoff
	for attempt := 1; ; attempt++ {
		err = unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			_ = f.Close()
			return nil, fmt.Errorf("flock registry: %w", err)
		}
		if attempt >= lockAttempts {
			_ = f.Close()
			return nil, fmt.Errorf("%w: task %s", types.ErrRegistryLockConflict, taskID)
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// Create initializes the task workspace on disk: directory tree, registry
// file, lock file, and global index entry. Fails if the task already exists.
func (s *Store) Create(task *Task) error {
	dir := s.ws.TaskDir(task.ID)
	for _, sub := range []string{"prompts", "logs", "progress", "findings", "handover"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return fmt.Errorf("creating task workspace: %w", err)
		}
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	path := s.ws.RegistryPath(task.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // G304: path derived from generated task id
	if err != nil {
		return fmt.Errorf("creating registry file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing registry file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing registry file: %w", err)
	}

	if err := s.upsertIndex(task); err != nil {
		return err
	}

	log.Info(log.CatRegistry, "Task registry created", "taskID", task.ID, "phases", len(task.Phases))
	s.Publish(events.Event{Type: events.EventTaskCreated, TaskID: task.ID})
	return nil
}

// Load reads the task registry under a shared lock.
func (s *Store) Load(taskID string) (*Task, error) {
	lock, err := s.acquireLock(taskID, unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Close() }()

	return s.readRegistry(taskID)
}

// readRegistry reads and parses the registry file. Caller holds the lock.
func (s *Store) readRegistry(taskID string) (*Task, error) {
	data, err := os.ReadFile(s.ws.RegistryPath(taskID)) //nolint:gosec // G304: path derived from validated task id
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("parsing registry for %s: %w", taskID, err)
	}
	return &task, nil
}

// Mutate performs a locked read-modify-write on the task registry. fn
// mutates the task in memory; on success the registry is atomically replaced
// and counters are recomputed from the worker list. If fn returns an error,
// nothing is written.
func (s *Store) Mutate(taskID string, fn func(*Task) error) (*Task, error) {
	lock, err := s.acquireLock(taskID, unix.LOCK_EX)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Close() }()

	task, err := s.readRegistry(taskID)
	if err != nil {
		return nil, err
	}

	if err := fn(task); err != nil {
		return nil, err
	}

	// Counters are always derived, never trusted from the mutation.
	task.RecomputeCounters()

	if err := s.writeRegistry(task); err != nil {
		return nil, err
	}
	if err := s.upsertIndex(task); err != nil {
		return nil, err
	}

	s.Publish(events.Event{Type: events.EventRegistryMutated, TaskID: taskID})
	return task, nil
}

// writeRegistry atomically replaces the registry file: write to a temp file
// in the same directory, then rename over the target. Caller holds the lock.
func (s *Store) writeRegistry(task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	path := s.ws.RegistryPath(task.ID)
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, RegistryFilename+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary registry file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temporary registry: %w", writeErr)
	}
	if syncErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing temporary registry: %w", syncErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temporary registry: %w", closeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replacing registry: %w", err)
	}
	return nil
}

// Exists reports whether a task registry is present on disk.
func (s *Store) Exists(taskID string) bool {
	_, err := os.Stat(s.ws.RegistryPath(taskID))
	return err == nil
}
