// Package events defines the status vocabularies and event payloads shared
// across the orchestration components. The registry aliases these types so
// the store and the event bus never disagree about a status value.
package events

import "time"

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

// Task statuses.
const (
	TaskInitialized TaskStatus = "INITIALIZED"
	TaskActive      TaskStatus = "ACTIVE"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskFailed      TaskStatus = "FAILED"
)

// IsTerminal reports whether the task can no longer change.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// PhaseStatus is one of the eight phase states.
type PhaseStatus string

// Phase states.
const (
	PhasePending        PhaseStatus = "PENDING"
	PhaseActive         PhaseStatus = "ACTIVE"
	PhaseAwaitingReview PhaseStatus = "AWAITING_REVIEW"
	PhaseUnderReview    PhaseStatus = "UNDER_REVIEW"
	PhaseApproved       PhaseStatus = "APPROVED"
	PhaseRejected       PhaseStatus = "REJECTED"
	PhaseRevising       PhaseStatus = "REVISING"
	PhaseEscalated      PhaseStatus = "ESCALATED"
)

// IsValid reports whether s is one of the eight phase states.
func (s PhaseStatus) IsValid() bool {
	switch s {
	case PhasePending, PhaseActive, PhaseAwaitingReview, PhaseUnderReview,
		PhaseApproved, PhaseRejected, PhaseRevising, PhaseEscalated:
		return true
	default:
		return false
	}
}

// IsCurrent reports whether a phase in this state is the task's single
// in-flight phase (neither waiting its turn nor already approved).
func (s PhaseStatus) IsCurrent() bool {
	switch s {
	case PhaseActive, PhaseAwaitingReview, PhaseUnderReview, PhaseRejected, PhaseRevising, PhaseEscalated:
		return true
	default:
		return false
	}
}

// WorkerStatus is a worker's lifecycle status.
type WorkerStatus string

// Worker statuses. The first three are live; the rest are terminal.
const (
	WorkerRunning    WorkerStatus = "running"
	WorkerWorking    WorkerStatus = "working"
	WorkerBlocked    WorkerStatus = "blocked"
	WorkerCompleted  WorkerStatus = "completed"
	WorkerFailed     WorkerStatus = "failed"
	WorkerError      WorkerStatus = "error"
	WorkerTerminated WorkerStatus = "terminated"
)

// IsTerminal reports whether the worker has finished. Terminal workers never
// mutate again.
func (s WorkerStatus) IsTerminal() bool {
	switch s {
	case WorkerCompleted, WorkerFailed, WorkerError, WorkerTerminated:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known worker status.
func (s WorkerStatus) IsValid() bool {
	switch s {
	case WorkerRunning, WorkerWorking, WorkerBlocked,
		WorkerCompleted, WorkerFailed, WorkerError, WorkerTerminated:
		return true
	default:
		return false
	}
}

// ReviewStatus is the lifecycle status of a review round.
type ReviewStatus string

// Review statuses.
const (
	ReviewPending    ReviewStatus = "pending"
	ReviewInProgress ReviewStatus = "in_progress"
	ReviewCompleted  ReviewStatus = "completed"
	ReviewAborted    ReviewStatus = "aborted"
	ReviewEscalated  ReviewStatus = "escalated"
)

// Verdict is a single reviewer's vote.
type Verdict string

// Reviewer verdicts.
const (
	VerdictApprove       Verdict = "approve"
	VerdictReject        Verdict = "reject"
	VerdictNeedsRevision Verdict = "needs_revision"
)

// IsValid reports whether v is a known verdict.
func (v Verdict) IsValid() bool {
	return v == VerdictApprove || v == VerdictReject || v == VerdictNeedsRevision
}

// FinalVerdict is the aggregate outcome of a review round.
type FinalVerdict string

// Aggregate verdicts. Empty means the review has not resolved.
const (
	FinalApproved      FinalVerdict = "approved"
	FinalRejected      FinalVerdict = "rejected"
	FinalNeedsRevision FinalVerdict = "needs_revision"
)

// Severity classifies a finding.
type Severity string

// Finding severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh || s == SeverityCritical
}

// FindingType classifies what kind of observation a finding carries.
type FindingType string

// Finding types.
const (
	FindingIssue          FindingType = "issue"
	FindingSolution       FindingType = "solution"
	FindingInsight        FindingType = "insight"
	FindingRecommendation FindingType = "recommendation"
)

// IsValid reports whether t is a known finding type.
func (t FindingType) IsValid() bool {
	return t == FindingIssue || t == FindingSolution || t == FindingInsight || t == FindingRecommendation
}

// EventType identifies what happened in an orchestration Event.
type EventType string

// Event types published on the orchestration bus.
const (
	EventTaskCreated        EventType = "task_created"
	EventTaskCompleted      EventType = "task_completed"
	EventWorkerSpawned      EventType = "worker_spawned"
	EventWorkerStatusChange EventType = "worker_status_change"
	EventPhaseTransition    EventType = "phase_transition"
	EventReviewStarted      EventType = "review_started"
	EventReviewResolved     EventType = "review_resolved"
	EventRegistryMutated    EventType = "registry_mutated"
)

// Event is the payload published after every durable registry mutation.
// Consumers (health daemon, snapshot reconciler) treat it as a hint and
// reconcile from the store; delivery is best-effort.
type Event struct {
	Type        EventType    `json:"type"`
	TaskID      string       `json:"task_id"`
	WorkerID    string       `json:"worker_id,omitempty"`
	ReviewID    string       `json:"review_id,omitempty"`
	PhaseIndex  int          `json:"phase_index,omitempty"`
	PhaseStatus PhaseStatus  `json:"phase_status,omitempty"`
	Status      WorkerStatus `json:"status,omitempty"`
	Time        time.Time    `json:"time"`
}
