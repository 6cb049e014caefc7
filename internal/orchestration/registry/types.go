// Package registry provides the authoritative per-task state store. Each
// task owns a registry file mutated under an advisory file lock, plus a
// global index for cross-task listing. All other components read and write
// task state exclusively through this package.
package registry

import (
	"time"

	"github.com/zjrosen/maestro/internal/orchestration/events"
)

// OrchestratorID is the sentinel parent id for root workers. The external
// orchestrator sits at depth 0; every root worker is its child at depth 1.
const OrchestratorID = "orchestrator"

// Status aliases keep the registry and the event bus on one vocabulary.
type (
	TaskStatus   = events.TaskStatus
	PhaseStatus  = events.PhaseStatus
	WorkerStatus = events.WorkerStatus
	ReviewStatus = events.ReviewStatus
	Verdict      = events.Verdict
	FinalVerdict = events.FinalVerdict
	Severity     = events.Severity
	FindingType  = events.FindingType
)

// Priority is the task priority band, P0 (highest) through P4.
type Priority string

// Priorities.
const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// IsValid reports whether p is a known priority band.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3, PriorityP4:
		return true
	default:
		return false
	}
}

// Limits are the per-task resource caps, snapshotted into the registry at
// task creation so later config changes don't shift a running task's rules.
type Limits struct {
	MaxAgents     int `json:"max_agents"`
	MaxDepth      int `json:"max_depth"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Counters are the denormalized worker counts. They are derived from the
// worker list on every reconciliation and never trusted on read paths.
type Counters struct {
	TotalSpawned   int `json:"total_spawned"`
	ActiveCount    int `json:"active_count"`
	CompletedCount int `json:"completed_count"`
}

// Phase is one ordered segment of a task, governed by the eight-state machine.
type Phase struct {
	ID          string      `json:"id"`
	Index       int         `json:"index"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      PhaseStatus `json:"status"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	ExpectedDeliverables []string `json:"expected_deliverables,omitempty"`
	SuccessCriteria      []string `json:"success_criteria,omitempty"`

	// Handover is written when the phase reaches APPROVED and summarizes
	// deliverables for the next phase.
	Handover string `json:"handover,omitempty"`
}

// Worker is one external subprocess carrying out part of a phase.
type Worker struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Session    string `json:"session"`
	ParentID   string `json:"parent_id"`
	Depth      int    `json:"depth"`
	PhaseIndex int    `json:"phase_index"`

	Status   WorkerStatus `json:"status"`
	Progress int          `json:"progress"`

	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
	LastUpdateAt time.Time `json:"last_update_at,omitzero"`

	// PromptPreview holds the first 200 chars of the prompt; the full text
	// lives in the prompt file.
	PromptPreview string `json:"prompt_preview,omitempty"`

	// PID is discovered asynchronously from the mux pane; zero until known.
	PID int `json:"pid,omitempty"`

	Files WorkerFiles `json:"files"`
}

// WorkerFiles are the per-worker file paths owned by this worker.
type WorkerFiles struct {
	Prompt    string `json:"prompt"`
	Output    string `json:"output"`
	Progress  string `json:"progress"`
	Findings  string `json:"findings"`
	DeployLog string `json:"deploy_log"`
}

// IsActive reports whether the worker counts toward active_count.
func (w *Worker) IsActive() bool {
	return !w.Status.IsTerminal()
}

// VerdictFinding is one finding attached to a submitted verdict.
type VerdictFinding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

// SubmittedVerdict is one reviewer's recorded vote.
type SubmittedVerdict struct {
	ReviewerID  string           `json:"reviewer_id"`
	Verdict     Verdict          `json:"verdict"`
	Findings    []VerdictFinding `json:"findings,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

// Review records one round of reviewing a phase.
type Review struct {
	ID         string       `json:"id"`
	PhaseIndex int          `json:"phase_index"`
	Status     ReviewStatus `json:"status"`
	StartedAt  time.Time    `json:"started_at"`

	ReviewerIDs []string           `json:"reviewer_ids"`
	Verdicts    []SubmittedVerdict `json:"verdicts,omitempty"`

	FinalVerdict     FinalVerdict `json:"final_verdict,omitempty"`
	EscalationReason string       `json:"escalation_reason,omitempty"`
}

// HasVerdictFrom reports whether the reviewer already voted.
func (r *Review) HasVerdictFrom(reviewerID string) bool {
	for _, v := range r.Verdicts {
		if v.ReviewerID == reviewerID {
			return true
		}
	}
	return false
}

// IsReviewer reports whether the worker is registered on this review.
func (r *Review) IsReviewer(workerID string) bool {
	for _, id := range r.ReviewerIDs {
		if id == workerID {
			return true
		}
	}
	return false
}

// Task is the aggregate root persisted in the per-task registry file.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	ClientDir   string     `json:"client_dir,omitempty"`
	Workspace   string     `json:"workspace"`
	CreatedAt   time.Time  `json:"created_at"`
	Status      TaskStatus `json:"status"`

	Phases       []Phase `json:"phases"`
	CurrentPhase int     `json:"current_phase"`

	Workers []Worker `json:"workers"`

	// Hierarchy maps parent worker id (or OrchestratorID) to child ids.
	// Derivable from Workers' ParentID; kept for O(1) child lookup.
	Hierarchy map[string][]string `json:"hierarchy,omitempty"`

	Reviews []Review `json:"reviews"`

	Counters Counters `json:"counters"`
	Limits   Limits   `json:"limits"`
}

// Phase returns the phase at index, or nil if out of range.
func (t *Task) Phase(index int) *Phase {
	if index < 0 || index >= len(t.Phases) {
		return nil
	}
	return &t.Phases[index]
}

// ActivePhase returns the task's current phase, or nil if the task has
// advanced past its last phase.
func (t *Task) ActivePhase() *Phase {
	return t.Phase(t.CurrentPhase)
}

// Worker returns the worker with the given id, or nil.
func (t *Task) Worker(id string) *Worker {
	for i := range t.Workers {
		if t.Workers[i].ID == id {
			return &t.Workers[i]
		}
	}
	return nil
}

// Review returns the review with the given id, or nil.
func (t *Task) Review(id string) *Review {
	for i := range t.Reviews {
		if t.Reviews[i].ID == id {
			return &t.Reviews[i]
		}
	}
	return nil
}

// OpenReviewForPhase returns the unresolved review for the phase, or nil.
// A phase has at most one review in pending or in_progress at a time.
func (t *Task) OpenReviewForPhase(phaseIndex int) *Review {
	for i := range t.Reviews {
		r := &t.Reviews[i]
		if r.PhaseIndex == phaseIndex && (r.Status == events.ReviewPending || r.Status == events.ReviewInProgress) {
			return r
		}
	}
	return nil
}

// PhaseWorkers returns the workers spawned into the given phase.
func (t *Task) PhaseWorkers(phaseIndex int) []*Worker {
	var out []*Worker
	for i := range t.Workers {
		if t.Workers[i].PhaseIndex == phaseIndex {
			out = append(out, &t.Workers[i])
		}
	}
	return out
}

// WorkerDepth returns the hierarchy depth of the given worker id, treating
// the orchestrator sentinel as depth 0.
func (t *Task) WorkerDepth(id string) int {
	if id == OrchestratorID {
		return 0
	}
	if w := t.Worker(id); w != nil {
		return w.Depth
	}
	return 0
}

// RecomputeCounters derives the counters from the worker list. This is the
// only sanctioned way to produce counts; denormalized values are overwritten.
func (t *Task) RecomputeCounters() {
	c := Counters{TotalSpawned: len(t.Workers)}
	for i := range t.Workers {
		switch {
		case t.Workers[i].IsActive():
			c.ActiveCount++
		case t.Workers[i].Status == events.WorkerCompleted:
			c.CompletedCount++
		}
	}
	t.Counters = c
}
