package phase

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/types"
)

var allPhaseStatuses = []events.PhaseStatus{
	events.PhasePending, events.PhaseActive, events.PhaseAwaitingReview,
	events.PhaseUnderReview, events.PhaseApproved, events.PhaseRejected,
	events.PhaseRevising, events.PhaseEscalated,
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to events.PhaseStatus
		ok       bool
	}{
		{events.PhasePending, events.PhaseActive, true},
		{events.PhaseActive, events.PhaseAwaitingReview, true},
		{events.PhaseAwaitingReview, events.PhaseUnderReview, true},
		{events.PhaseUnderReview, events.PhaseApproved, true},
		{events.PhaseUnderReview, events.PhaseRejected, true},
		{events.PhaseUnderReview, events.PhaseRevising, true},
		{events.PhaseUnderReview, events.PhaseEscalated, true},
		{events.PhaseUnderReview, events.PhaseAwaitingReview, true},
		{events.PhaseRejected, events.PhaseRevising, true},
		{events.PhaseRevising, events.PhaseActive, true},
		{events.PhaseRevising, events.PhaseAwaitingReview, true},
		{events.PhaseEscalated, events.PhaseAwaitingReview, true},
		{events.PhaseEscalated, events.PhaseApproved, true},

		{events.PhasePending, events.PhaseApproved, false},
		{events.PhasePending, events.PhaseUnderReview, false},
		{events.PhaseActive, events.PhaseApproved, false},
		{events.PhaseActive, events.PhaseUnderReview, false},
		{events.PhaseAwaitingReview, events.PhaseApproved, false},
		{events.PhaseRejected, events.PhaseActive, false},
		{events.PhaseApproved, events.PhaseActive, false},
		{events.PhaseApproved, events.PhaseAwaitingReview, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.ok, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestApprovedIsTerminal(t *testing.T) {
	for _, to := range allPhaseStatuses {
		require.False(t, CanTransition(events.PhaseApproved, to),
			"APPROVED must have no outgoing edge to %s", to)
	}
}

func TestTransition_FailureLeavesStateUntouched(t *testing.T) {
	status := events.PhaseActive
	err := transition(&status, events.PhaseApproved)
	require.ErrorIs(t, err, types.ErrPhaseStateInvalid)
	require.Equal(t, events.PhaseActive, status)

	require.NoError(t, transition(&status, events.PhaseAwaitingReview))
	require.Equal(t, events.PhaseAwaitingReview, status)
}

func TestTransition_RandomWalkStaysLegal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		status := events.PhasePending
		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			next := ValidTransitions[status]
			if len(next) == 0 {
				break
			}
			to := rapid.SampledFrom(next).Draw(rt, "to")
			require.NoError(rt, transition(&status, to))
			require.True(rt, status.IsValid())
		}

		// From wherever the walk ended, any target outside the table fails.
		to := rapid.SampledFrom(allPhaseStatuses).Draw(rt, "illegal")
		if !CanTransition(status, to) {
			before := status
			require.Error(rt, transition(&status, to))
			require.Equal(rt, before, status)
		}
	})
}
