package snapshot

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
)

// Rebuild replaces the snapshot rows for the task with the registry state.
// The whole rebuild runs in one transaction so readers see either the old or
// the new view, never a mix.
func (db *DB) Rebuild(task *registry.Task) (err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("starting rebuild transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	if _, err = tx.Exec(`DELETE FROM tasks WHERE id = ?`, task.ID); err != nil {
		return fmt.Errorf("clearing task row: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		INSERT INTO tasks (id, description, status, priority, current_phase,
			total_agents, active_count, completed_count, failed_count,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Description, string(task.Status), string(task.Priority),
		task.CurrentPhase,
		task.Counters.TotalSpawned, task.Counters.ActiveCount,
		task.Counters.CompletedCount, failedCount(task),
		task.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("inserting task row: %w", err)
	}

	for i := range task.Phases {
		p := &task.Phases[i]
		_, err = tx.Exec(`
			INSERT INTO phases (task_id, phase_index, name, status, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			task.ID, p.Index, p.Name, string(p.Status),
			nullTime(p.StartedAt), nullTime(p.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting phase %d: %w", p.Index, err)
		}
	}

	for i := range task.Workers {
		w := &task.Workers[i]
		_, err = tx.Exec(`
			INSERT INTO workers (task_id, id, worker_type, session, parent_id,
				depth, phase_index, status, progress, pid, spawned_at, last_update)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, w.ID, w.Type, w.Session, w.ParentID,
			w.Depth, w.PhaseIndex, string(w.Status), w.Progress, w.PID,
			w.StartedAt.UTC(), nullTime(w.LastUpdateAt),
		)
		if err != nil {
			return fmt.Errorf("inserting worker %s: %w", w.ID, err)
		}
	}

	for i := range task.Reviews {
		r := &task.Reviews[i]
		var resolvedAt any
		switch r.Status {
		case events.ReviewCompleted, events.ReviewEscalated, events.ReviewAborted:
			resolvedAt = now
		}
		_, err = tx.Exec(`
			INSERT INTO reviews (task_id, id, phase_index, status, final_verdict,
				reviewer_count, verdict_count, started_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, r.ID, r.PhaseIndex, string(r.Status), string(r.FinalVerdict),
			len(r.ReviewerIDs), len(r.Verdicts), r.StartedAt.UTC(), resolvedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting review %s: %w", r.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing rebuild: %w", err)
	}
	return nil
}

func failedCount(task *registry.Task) int {
	n := 0
	for i := range task.Workers {
		switch task.Workers[i].Status {
		case events.WorkerFailed, events.WorkerError:
			n++
		}
	}
	return n
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
