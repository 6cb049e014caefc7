package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
)

// debounceWindow coalesces bursts of registry writes into one rebuild.
const debounceWindow = 250 * time.Millisecond

// Reconciler keeps a task's snapshot database in sync with its registry
// file. It watches the registry through fsnotify and rebuilds on change.
// The rebuild is idempotent, so a spurious wake costs one extra query pass.
type Reconciler struct {
	store   *registry.Store
	watcher *fsnotify.Watcher

	mu  sync.Mutex
	dbs map[string]*DB
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store *registry.Store) (*Reconciler, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		store:   store,
		watcher: watcher,
		dbs:     make(map[string]*DB),
	}, nil
}

// Track starts maintaining the snapshot for a task: an immediate rebuild,
// then continuous rebuilds on registry change.
func (r *Reconciler) Track(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dbs[taskID]; ok {
		return nil
	}

	db, err := Open(r.store.Workspace().SnapshotPath(taskID))
	if err != nil {
		return err
	}

	task, err := r.store.Load(taskID)
	if err != nil {
		_ = db.Close()
		return err
	}
	if err := db.Rebuild(task); err != nil {
		_ = db.Close()
		return err
	}

	// Watch the task directory, not the registry file: atomic rename
	// replaces the file inode on every mutation.
	if err := r.watcher.Add(r.store.Workspace().TaskDir(taskID)); err != nil {
		_ = db.Close()
		return err
	}

	r.dbs[taskID] = db
	log.Debug(log.CatSnapshot, "Tracking task snapshot", "taskID", taskID)
	return nil
}

// DB returns the snapshot database for a tracked task, or nil.
func (r *Reconciler) DB(taskID string) *DB {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dbs[taskID]
}

// Run processes watcher and bus events until the context is canceled. Call
// from a supervised goroutine. Tasks created while running are picked up
// from the store's event bus and tracked automatically.
func (r *Reconciler) Run(ctx context.Context) {
	dirty := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	bus := r.store.Broker().Subscribe(ctx)

	flush := func() {
		for taskID := range dirty {
			delete(dirty, taskID)
			r.rebuild(taskID)
		}
		timerC = nil
	}

	for {
		select {
		case <-ctx.Done():
			r.close()
			return
		case ev, ok := <-bus:
			if !ok {
				bus = nil
				continue
			}
			if ev.Payload.Type != events.EventTaskCreated {
				continue
			}
			if err := r.Track(ev.Payload.TaskID); err != nil {
				log.ErrorErr(log.CatSnapshot, "Failed to track new task snapshot", err, "taskID", ev.Payload.TaskID)
			}
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			taskID := r.taskForPath(ev.Name)
			if taskID == "" {
				continue
			}
			dirty[taskID] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			timerC = timer.C
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatSnapshot, "Snapshot watcher error", err)
		case <-timerC:
			flush()
		}
	}
}

// rebuild reloads the registry and replaces the snapshot rows.
func (r *Reconciler) rebuild(taskID string) {
	db := r.DB(taskID)
	if db == nil {
		return
	}
	task, err := r.store.Load(taskID)
	if err != nil {
		log.ErrorErr(log.CatSnapshot, "Failed to load registry for snapshot rebuild", err, "taskID", taskID)
		return
	}
	if err := db.Rebuild(task); err != nil {
		log.ErrorErr(log.CatSnapshot, "Snapshot rebuild failed", err, "taskID", taskID)
		return
	}
	log.Debug(log.CatSnapshot, "Snapshot rebuilt", "taskID", taskID)
}

// taskForPath maps a watcher event path to a tracked task whose registry
// file changed. Events for other files in the task directory are ignored.
func (r *Reconciler) taskForPath(path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for taskID := range r.dbs {
		if path == r.store.Workspace().RegistryPath(taskID) {
			return taskID
		}
	}
	return ""
}

func (r *Reconciler) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.watcher.Close()
	for taskID, db := range r.dbs {
		_ = db.Close()
		delete(r.dbs, taskID)
	}
}
