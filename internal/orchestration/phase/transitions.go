// Package phase implements the eight-state phase machine: transition
// enforcement, the review gate, verdict aggregation, and advancement.
package phase

import (
	"fmt"

	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/types"
)

// ValidTransitions enumerates every legal phase transition. Any transition
// not listed here is rejected; the table is the single source of truth for
// the machine.
var ValidTransitions = map[events.PhaseStatus][]events.PhaseStatus{
	events.PhasePending: {
		events.PhaseActive,
	},
	events.PhaseActive: {
		events.PhaseAwaitingReview,
	},
	events.PhaseAwaitingReview: {
		events.PhaseUnderReview,
	},
	events.PhaseUnderReview: {
		events.PhaseApproved,
		events.PhaseRejected,
		events.PhaseRevising,
		events.PhaseEscalated,
		// Aborting a stalled review reopens the gate.
		events.PhaseAwaitingReview,
	},
	events.PhaseRejected: {
		events.PhaseRevising,
	},
	events.PhaseRevising: {
		events.PhaseActive,
		events.PhaseAwaitingReview,
	},
	events.PhaseEscalated: {
		// abort_stalled_review clears the dead review; a fresh
		// trigger_agentic_review then moves the phase forward again.
		events.PhaseAwaitingReview,
		// force_escalated approval.
		events.PhaseApproved,
	},
	// APPROVED is terminal for the phase; advancement activates the next one.
	events.PhaseApproved: {},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to events.PhaseStatus) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition applies from → to or fails with PhaseStateInvalid naming both
// states.
func transition(current *events.PhaseStatus, to events.PhaseStatus) error {
	if !CanTransition(*current, to) {
		return fmt.Errorf("%w: cannot move phase from %s to %s", types.ErrPhaseStateInvalid, *current, to)
	}
	*current = to
	return nil
}
