package phase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
)

// reviewFixture builds a task with one reviewer worker per entry. A nil
// verdict means the reviewer has not voted; dead marks the worker terminal.
type reviewerState struct {
	verdict  events.Verdict
	dead     bool
	critical bool
}

func buildReview(states []reviewerState) (*registry.Task, *registry.Review) {
	task := &registry.Task{ID: "task-x"}
	review := &registry.Review{ID: "review-x", Status: events.ReviewInProgress}

	for i, s := range states {
		id := string(rune('a'+i)) + "-reviewer"
		review.ReviewerIDs = append(review.ReviewerIDs, id)

		status := events.WorkerRunning
		if s.dead {
			status = events.WorkerTerminated
		}
		task.Workers = append(task.Workers, registry.Worker{ID: id, Status: status})

		if s.verdict != "" {
			v := registry.SubmittedVerdict{ReviewerID: id, Verdict: s.verdict}
			if s.critical {
				v.Findings = []registry.VerdictFinding{{
					Severity: events.SeverityCritical,
					Message:  "data loss on restart",
				}}
			}
			review.Verdicts = append(review.Verdicts, v)
		}
	}
	return task, review
}

func TestTallyVerdicts_Aggregate(t *testing.T) {
	tests := []struct {
		name    string
		states  []reviewerState
		final   events.FinalVerdict
		outcome events.PhaseStatus
	}{
		{
			name: "unanimous approve",
			states: []reviewerState{
				{verdict: events.VerdictApprove},
				{verdict: events.VerdictApprove},
				{verdict: events.VerdictApprove},
			},
			final:   events.FinalApproved,
			outcome: events.PhaseApproved,
		},
		{
			name: "approve majority",
			states: []reviewerState{
				{verdict: events.VerdictApprove},
				{verdict: events.VerdictApprove},
				{verdict: events.VerdictReject},
			},
			final:   events.FinalApproved,
			outcome: events.PhaseApproved,
		},
		{
			name: "reject majority",
			states: []reviewerState{
				{verdict: events.VerdictApprove},
				{verdict: events.VerdictReject},
				{verdict: events.VerdictReject},
			},
			final:   events.FinalRejected,
			outcome: events.PhaseRejected,
		},
		{
			name: "revision majority",
			states: []reviewerState{
				{verdict: events.VerdictApprove},
				{verdict: events.VerdictNeedsRevision},
				{verdict: events.VerdictNeedsRevision},
			},
			final:   events.FinalNeedsRevision,
			outcome: events.PhaseRevising,
		},
		{
			name: "revision ties with reject",
			states: []reviewerState{
				{verdict: events.VerdictApprove},
				{verdict: events.VerdictReject},
				{verdict: events.VerdictNeedsRevision},
			},
			final:   events.FinalNeedsRevision,
			outcome: events.PhaseRevising,
		},
		{
			name: "critical finding overrides approvals",
			states: []reviewerState{
				{verdict: events.VerdictApprove, critical: true},
				{verdict: events.VerdictApprove},
				{verdict: events.VerdictApprove},
			},
			final:   events.FinalRejected,
			outcome: events.PhaseRejected,
		},
		{
			name: "all reviewers died",
			states: []reviewerState{
				{dead: true}, {dead: true}, {dead: true},
			},
			final:   "",
			outcome: events.PhaseEscalated,
		},
		{
			name: "survivor decides when the rest died",
			states: []reviewerState{
				{verdict: events.VerdictApprove},
				{dead: true},
				{dead: true},
			},
			final:   events.FinalApproved,
			outcome: events.PhaseApproved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, review := buildReview(tt.states)
			tally := tallyVerdicts(task, review)
			require.True(t, tally.complete())

			final, outcome := tally.aggregate()
			require.Equal(t, tt.final, final)
			require.Equal(t, tt.outcome, outcome)
		})
	}
}

func TestTallyVerdicts_IncompleteWhileReviewersLive(t *testing.T) {
	task, review := buildReview([]reviewerState{
		{verdict: events.VerdictApprove},
		{}, // alive, no vote yet
		{},
	})
	tally := tallyVerdicts(task, review)
	require.False(t, tally.complete())
}

func TestTallyVerdicts_DeadReviewerWithVerdictCountsAsVote(t *testing.T) {
	// A reviewer that voted and then exited still counts by its verdict.
	task, review := buildReview([]reviewerState{
		{verdict: events.VerdictReject, dead: true},
		{verdict: events.VerdictReject},
		{verdict: events.VerdictApprove},
	})
	tally := tallyVerdicts(task, review)
	require.True(t, tally.complete())
	require.Equal(t, 0, tally.died)

	final, outcome := tally.aggregate()
	require.Equal(t, events.FinalRejected, final)
	require.Equal(t, events.PhaseRejected, outcome)
}
