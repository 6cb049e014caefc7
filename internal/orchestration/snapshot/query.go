package snapshot

import (
	"database/sql"
	"fmt"
	"time"
)

// TaskRow is the snapshot view of a task.
type TaskRow struct {
	ID             string
	Description    string
	Status         string
	Priority       string
	CurrentPhase   int
	TotalAgents    int
	ActiveCount    int
	CompletedCount int
	FailedCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WorkerRow is the snapshot view of a worker.
type WorkerRow struct {
	ID         string
	Type       string
	Session    string
	ParentID   string
	Depth      int
	PhaseIndex int
	Status     string
	Progress   int
	PID        int
	SpawnedAt  time.Time
	LastUpdate sql.NullTime
}

// GetTask returns the snapshot task row, or sql.ErrNoRows.
func (db *DB) GetTask(taskID string) (*TaskRow, error) {
	row := db.conn.QueryRow(`
		SELECT id, description, status, priority, current_phase,
			total_agents, active_count, completed_count, failed_count,
			created_at, updated_at
		FROM tasks WHERE id = ?`, taskID)

	var t TaskRow
	err := row.Scan(&t.ID, &t.Description, &t.Status, &t.Priority, &t.CurrentPhase,
		&t.TotalAgents, &t.ActiveCount, &t.CompletedCount, &t.FailedCount,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// WorkersByStatus returns the task's workers filtered by status. An empty
// status returns all workers.
func (db *DB) WorkersByStatus(taskID, status string) ([]WorkerRow, error) {
	query := `
		SELECT id, worker_type, session, parent_id, depth, phase_index,
			status, progress, pid, spawned_at, last_update
		FROM workers WHERE task_id = ?`
	args := []any{taskID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY spawned_at`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WorkerRow
	for rows.Next() {
		var w WorkerRow
		if err := rows.Scan(&w.ID, &w.Type, &w.Session, &w.ParentID, &w.Depth,
			&w.PhaseIndex, &w.Status, &w.Progress, &w.PID, &w.SpawnedAt, &w.LastUpdate); err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// PhaseWorkerCounts returns status counts for workers in the given phase.
func (db *DB) PhaseWorkerCounts(taskID string, phaseIndex int) (map[string]int, error) {
	rows, err := db.conn.Query(`
		SELECT status, COUNT(*) FROM workers
		WHERE task_id = ? AND phase_index = ?
		GROUP BY status`, taskID, phaseIndex)
	if err != nil {
		return nil, fmt.Errorf("querying phase worker counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
