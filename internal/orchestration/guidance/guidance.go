// Package guidance builds the structured next-step block attached to every
// tool response. Callers are external agents; the guidance tells them what
// state they are in and which tool to call next.
package guidance

import (
	"fmt"

	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/types"
)

// State tags carried in the current_state field. Part of the tool protocol.
const (
	StateTaskInitialized       = "task_initialized"
	StateTaskActiveNoAgents    = "task_active_no_agents"
	StatePhaseActiveWorking    = "phase_active_agents_working"
	StatePhaseCompleteAwaiting = "phase_complete_awaiting_review"
	StatePhaseAwaitingReview   = "phase_awaiting_review"
	StatePhaseUnderReview      = "phase_under_review"
	StatePhaseApprovedReady    = "phase_approved_ready_to_advance"
	StatePhaseRejected         = "phase_rejected"
	StatePhaseRevising         = "phase_revising"
	StatePhaseEscalated        = "phase_escalated"
	StateTaskCompleted         = "task_completed"
	StateAgentDeployed         = "agent_deployed"
	StateAgentTerminated       = "agent_terminated"
	StateAgentProgressUpdated  = "agent_progress_updated"
	StateErrorValidation       = "error_validation"
	StateErrorNotApproved      = "error_phase_not_approved"
	StateRegistryLockConflict  = "registry_lock_conflict"
	StateError                 = "error"
)

// Guidance is the structured next-step block. CurrentState, NextAction, and
// AvailableActions are always populated.
type Guidance struct {
	CurrentState     string         `json:"current_state"`
	NextAction       string         `json:"next_action"`
	AvailableActions []string       `json:"available_actions"`
	Warnings         []string       `json:"warnings,omitempty"`
	BlockedReason    string         `json:"blocked_reason,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

// WithWarning appends a warning and returns the guidance for chaining.
func (g *Guidance) WithWarning(w string) *Guidance {
	g.Warnings = append(g.Warnings, w)
	return g
}

// WithContext sets one context value and returns the guidance for chaining.
func (g *Guidance) WithContext(key string, value any) *Guidance {
	if g.Context == nil {
		g.Context = make(map[string]any)
	}
	g.Context[key] = value
	return g
}

// ForTask builds guidance from a task's current state.
func ForTask(task *registry.Task) *Guidance {
	if task.Status == events.TaskCompleted {
		return &Guidance{
			CurrentState: StateTaskCompleted,
			NextAction:   "The task is complete. Review the handover documents for the final deliverables.",
			AvailableActions: []string{
				"get_phase_handover - read a phase's handover document",
				"get_phase_status - inspect the final state",
			},
		}
	}

	phase := task.ActivePhase()
	if phase == nil {
		return &Guidance{
			CurrentState: StateTaskCompleted,
			NextAction:   "All phases are complete. Call advance_to_next_phase to finalize the task.",
			AvailableActions: []string{
				"advance_to_next_phase - finalize the task",
			},
		}
	}

	switch phase.Status {
	case events.PhaseActive:
		if task.Counters.ActiveCount == 0 && task.Counters.TotalSpawned == 0 {
			state := StateTaskActiveNoAgents
			if task.Status == events.TaskInitialized {
				state = StateTaskInitialized
			}
			return (&Guidance{
				CurrentState: state,
				NextAction:   fmt.Sprintf("Spawn workers for phase %q with spawn_worker.", phase.Name),
				AvailableActions: []string{
					"spawn_worker - launch a worker for the current phase",
					"get_phase_status - inspect the current phase",
				},
			}).WithContext("phase", phase.Name)
		}
		if workersTerminal(task, phase.Index) {
			return &Guidance{
				CurrentState: StatePhaseCompleteAwaiting,
				NextAction:   "All workers are done. Call submit_phase_for_review to open the review gate.",
				AvailableActions: []string{
					"submit_phase_for_review - move the phase to review",
					"get_worker_output - inspect worker results first",
				},
			}
		}
		return (&Guidance{
			CurrentState: StatePhaseActiveWorking,
			NextAction:   "Workers are active. Poll check_phase_progress or spawn additional workers.",
			AvailableActions: []string{
				"check_phase_progress - see whether the phase is ready for review",
				"get_worker_output - inspect a worker's output",
				"spawn_worker - add another worker",
				"kill_worker - terminate a stuck worker",
			},
		}).WithContext("active_workers", task.Counters.ActiveCount)
	case events.PhaseAwaitingReview:
		return &Guidance{
			CurrentState: StatePhaseAwaitingReview,
			NextAction:   "Call trigger_agentic_review to spawn reviewers for this phase.",
			AvailableActions: []string{
				"trigger_agentic_review - spawn reviewers and start the review",
				"get_phase_status - inspect the current phase",
			},
		}
	case events.PhaseUnderReview:
		return &Guidance{
			CurrentState: StatePhaseUnderReview,
			NextAction:   "Reviewers are working. Wait for verdicts; check get_review_status.",
			AvailableActions: []string{
				"get_review_status - see submitted verdicts",
				"abort_stalled_review - abort if reviewers are stuck",
			},
		}
	case events.PhaseApproved:
		return &Guidance{
			CurrentState: StatePhaseApprovedReady,
			NextAction:   "The phase is approved. Call advance_to_next_phase.",
			AvailableActions: []string{
				"advance_to_next_phase - promote the next phase",
				"get_phase_handover - read the handover document",
			},
		}
	case events.PhaseRejected:
		return &Guidance{
			CurrentState: StatePhaseRejected,
			NextAction:   "The review rejected this phase. Spawn workers to address the findings.",
			AvailableActions: []string{
				"spawn_worker - launch a worker to fix the findings",
				"get_review_status - read the rejecting verdicts",
			},
		}
	case events.PhaseRevising:
		return &Guidance{
			CurrentState: StatePhaseRevising,
			NextAction:   "Revision is underway. When workers finish, call submit_phase_for_review.",
			AvailableActions: []string{
				"submit_phase_for_review - resubmit for review",
				"check_phase_progress - see whether workers are done",
				"spawn_worker - add another worker",
			},
		}
	case events.PhaseEscalated:
		return &Guidance{
			CurrentState: StatePhaseEscalated,
			NextAction:   "All reviewers died. Call abort_stalled_review then trigger_agentic_review, or approve_phase_review with force_escalated=true.",
			AvailableActions: []string{
				"abort_stalled_review - clear the dead review",
				"trigger_agentic_review - start a fresh review",
				"approve_phase_review - force approval (force_escalated=true)",
			},
		}
	default:
		return &Guidance{
			CurrentState: StateTaskInitialized,
			NextAction:   "Call get_phase_status to inspect the task.",
			AvailableActions: []string{
				"get_phase_status - inspect the current phase",
			},
		}
	}
}

// ForError builds recovery guidance for a failed call.
func ForError(err error) *Guidance {
	switch types.KindOf(err) {
	case types.KindValidation:
		return &Guidance{
			CurrentState: StateErrorValidation,
			NextAction:   "Fix the reported input problems and retry the same call.",
			AvailableActions: []string{
				"create_task - retry with corrected inputs",
			},
			BlockedReason: err.Error(),
		}
	case types.KindReviewBlocked:
		return &Guidance{
			CurrentState: StatePhaseUnderReview,
			NextAction:   "Manual review decisions are blocked. Use abort_stalled_review or trigger_agentic_review, or wait for reviewer verdicts.",
			AvailableActions: []string{
				"abort_stalled_review - abort the stalled review",
				"trigger_agentic_review - start a fresh agentic review",
				"get_review_status - see submitted verdicts",
			},
			BlockedReason: err.Error(),
		}
	case types.KindPhaseStateInvalid:
		return &Guidance{
			CurrentState: StateErrorNotApproved,
			NextAction:   "Call get_phase_status to see the current phase state and the operations it allows.",
			AvailableActions: []string{
				"get_phase_status - inspect the current phase",
			},
			BlockedReason: err.Error(),
		}
	case types.KindRegistryLockConflict:
		return &Guidance{
			CurrentState: StateRegistryLockConflict,
			NextAction:   "Another mutation holds the registry lock. Retry the same call.",
			AvailableActions: []string{
				"retry - repeat the same call",
			},
			BlockedReason: err.Error(),
		}
	case types.KindCapacityExceeded:
		return &Guidance{
			CurrentState: StateError,
			NextAction:   "A spawn limit was hit. Kill idle workers or wait for active workers to finish.",
			AvailableActions: []string{
				"kill_worker - free a worker slot",
				"get_phase_status - see current worker counts",
			},
			BlockedReason: err.Error(),
		}
	case types.KindNotFound:
		return &Guidance{
			CurrentState: StateError,
			NextAction:   "The referenced entity does not exist. Call list_tasks or get_phase_status to find valid ids.",
			AvailableActions: []string{
				"list_tasks - enumerate known tasks",
				"get_phase_status - inspect a task",
			},
			BlockedReason: err.Error(),
		}
	default:
		return &Guidance{
			CurrentState: StateError,
			NextAction:   "Inspect the error, then call get_phase_status to re-orient.",
			AvailableActions: []string{
				"get_phase_status - inspect the current phase",
			},
			BlockedReason: err.Error(),
		}
	}
}

// workersTerminal reports whether every worker in the phase is terminal.
func workersTerminal(task *registry.Task, phaseIndex int) bool {
	workers := task.PhaseWorkers(phaseIndex)
	if len(workers) == 0 {
		return false
	}
	for _, w := range workers {
		if !w.Status.IsTerminal() {
			return false
		}
	}
	return true
}
