package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func newTask(store *Store) *Task {
	now := time.Now().UTC()
	id := NewTaskID(now)
	return &Task{
		ID:          id,
		Description: "store behavior under concurrent mutation",
		Priority:    PriorityP2,
		Workspace:   store.Workspace().TaskDir(id),
		CreatedAt:   now,
		Status:      events.TaskInitialized,
		Phases: []Phase{
			{ID: id + "-phase-0", Index: 0, Name: "Build", Status: events.PhaseActive, CreatedAt: now},
		},
		Limits: Limits{MaxAgents: 10, MaxDepth: 3, MaxConcurrent: 5},
	}
}

func TestStore_CreateAndLoad(t *testing.T) {
	store := newTestStore(t)
	task := newTask(store)
	require.NoError(t, store.Create(task))
	require.True(t, store.Exists(task.ID))

	loaded, err := store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, task.ID, loaded.ID)
	require.Equal(t, task.Description, loaded.Description)
	require.Len(t, loaded.Phases, 1)

	// Creating the same task twice fails.
	require.Error(t, store.Create(task))
}

func TestStore_LoadUnknownTask(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load("TASK-20260101-000000-deadbeef")
	require.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestStore_MutateIsDurable(t *testing.T) {
	store := newTestStore(t)
	task := newTask(store)
	require.NoError(t, store.Create(task))

	_, err := store.Mutate(task.ID, func(task *Task) error {
		task.Status = events.TaskActive
		task.Workers = append(task.Workers, Worker{
			ID: "implementer-120000-abc123", Status: events.WorkerRunning, PhaseIndex: 0,
		})
		return nil
	})
	require.NoError(t, err)

	// A fresh load sees the mutation.
	loaded, err := store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.TaskActive, loaded.Status)
	require.Len(t, loaded.Workers, 1)
}

func TestStore_MutateErrorWritesNothing(t *testing.T) {
	store := newTestStore(t)
	task := newTask(store)
	require.NoError(t, store.Create(task))

	boom := fmt.Errorf("mutation rejected")
	_, err := store.Mutate(task.ID, func(task *Task) error {
		task.Status = events.TaskFailed
		task.Workers = append(task.Workers, Worker{ID: "ghost"})
		return boom
	})
	require.ErrorIs(t, err, boom)

	loaded, err := store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.TaskInitialized, loaded.Status)
	require.Empty(t, loaded.Workers)
}

func TestStore_MutateRecomputesCounters(t *testing.T) {
	store := newTestStore(t)
	task := newTask(store)
	require.NoError(t, store.Create(task))

	loaded, err := store.Mutate(task.ID, func(task *Task) error {
		task.Workers = []Worker{
			{ID: "a", Status: events.WorkerRunning},
			{ID: "b", Status: events.WorkerCompleted},
			{ID: "c", Status: events.WorkerTerminated},
		}
		// Garbage counters must be overwritten by the derivation.
		task.Counters = Counters{TotalSpawned: 99, ActiveCount: 99, CompletedCount: 99}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, Counters{TotalSpawned: 3, ActiveCount: 1, CompletedCount: 1}, loaded.Counters)
}

func TestStore_ConcurrentMutationsSerialize(t *testing.T) {
	store := newTestStore(t)
	task := newTask(store)
	require.NoError(t, store.Create(task))

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Retry on lock conflict, as real callers do.
			for {
				_, err := store.Mutate(task.ID, func(task *Task) error {
					task.Workers = append(task.Workers, Worker{
						ID: fmt.Sprintf("worker-%d", i), Status: events.WorkerRunning,
					})
					return nil
				})
				if err == nil || !isLockConflict(err) {
					errs[i] = err
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	loaded, err := store.Load(task.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Workers, writers)
	require.Equal(t, writers, loaded.Counters.TotalSpawned)
}

func isLockConflict(err error) bool {
	return err != nil && types.KindOf(err) == types.KindRegistryLockConflict
}

func TestRecomputeCounters_MatchesWorkerList(t *testing.T) {
	statuses := []events.WorkerStatus{
		events.WorkerRunning, events.WorkerWorking, events.WorkerBlocked,
		events.WorkerCompleted, events.WorkerFailed, events.WorkerError, events.WorkerTerminated,
	}
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "workers")
		task := &Task{}
		for i := 0; i < n; i++ {
			task.Workers = append(task.Workers, Worker{
				ID:     fmt.Sprintf("w%d", i),
				Status: rapid.SampledFrom(statuses).Draw(rt, "status"),
			})
		}
		task.RecomputeCounters()

		require.Equal(rt, n, task.Counters.TotalSpawned)
		var active, completed int
		for i := range task.Workers {
			if !task.Workers[i].Status.IsTerminal() {
				active++
			} else if task.Workers[i].Status == events.WorkerCompleted {
				completed++
			}
		}
		require.Equal(rt, active, task.Counters.ActiveCount)
		require.Equal(rt, completed, task.Counters.CompletedCount)
	})
}

func TestIndex_ListTasksNewestFirst(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		task := newTask(store)
		task.ID = fmt.Sprintf("TASK-20260101-00000%d-abcdef0%d", i, i)
		task.CreatedAt = time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC)
		task.Workspace = store.Workspace().TaskDir(task.ID)
		require.NoError(t, store.Create(task))
		ids = append(ids, task.ID)
	}

	entries, err := store.ListTasks()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, ids[2], entries[0].ID)
	require.Equal(t, ids[0], entries[2].ID)
}

func TestIndex_UpsertTracksStatus(t *testing.T) {
	store := newTestStore(t)
	task := newTask(store)
	require.NoError(t, store.Create(task))

	_, err := store.Mutate(task.ID, func(task *Task) error {
		task.Status = events.TaskCompleted
		return nil
	})
	require.NoError(t, err)

	entries, err := store.ListTasks()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, events.TaskCompleted, entries[0].Status)
}

func TestLoadIndex_MissingFileYieldsEmpty(t *testing.T) {
	idx, err := LoadIndex(t.TempDir() + "/GLOBAL_INDEX.json")
	require.NoError(t, err)
	require.Equal(t, IndexVersion, idx.Version)
	require.Empty(t, idx.Tasks)
}
