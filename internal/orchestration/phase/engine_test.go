package phase

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/config"
	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/mux"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/supervisor"
	"github.com/zjrosen/maestro/internal/orchestration/types"
)

func newTestEngine(t *testing.T) (*Engine, *supervisor.Supervisor, *registry.Store, *mux.Fake) {
	t.Helper()
	base := t.TempDir()
	store := registry.NewStore(base)
	fake := mux.NewFake()

	cfg := config.Defaults()
	cfg.WorkspaceBase = base
	cfg.Orchestration.MinFreeDiskBytes = 1

	sup := supervisor.New(store, fake, &cfg)
	t.Cleanup(sup.Close)
	return NewEngine(store, sup, &cfg), sup, store, fake
}

func createTwoPhaseTask(t *testing.T, e *Engine) *registry.Task {
	t.Helper()
	task, err := e.CreateTask(CreateTaskRequest{
		Description: "add rate limiting to the ingest endpoint",
		Phases: []PhaseSpec{
			{
				Name:                 "Build",
				Description:          "implement the limiter",
				ExpectedDeliverables: []string{"token bucket middleware"},
				SuccessCriteria:      []string{"429 on burst overflow"},
			},
			{Name: "Ship", Description: "wire it into the router"},
		},
	})
	require.NoError(t, err)
	return task
}

// runWorkerToCompletion spawns one worker into the active phase and drives it
// to a completed terminal status.
func runWorkerToCompletion(t *testing.T, sup *supervisor.Supervisor, taskID string) string {
	t.Helper()
	w, err := sup.Spawn(context.Background(), supervisor.SpawnRequest{
		TaskID: taskID, Type: "implementer", Prompt: "do the phase work",
	})
	require.NoError(t, err)
	_, err = sup.UpdateProgress(taskID, w.ID, events.WorkerCompleted, "done", 100)
	require.NoError(t, err)
	return w.ID
}

// approveReviewCycle walks a phase from submission through a unanimous
// approval and returns the resolved review.
func approveReviewCycle(t *testing.T, e *Engine, taskID string) *registry.Review {
	t.Helper()
	_, err := e.SubmitPhaseForReview(taskID)
	require.NoError(t, err)

	review, err := e.TriggerAgenticReview(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, review.ReviewerIDs, 3)

	var resolved *registry.Review
	for _, id := range review.ReviewerIDs {
		resolved, err = e.SubmitReviewVerdict(taskID, review.ID, id, events.VerdictApprove, nil)
		require.NoError(t, err)
	}
	require.Equal(t, events.FinalApproved, resolved.FinalVerdict)
	return resolved
}

func TestCreateTask_InitializesPhases(t *testing.T) {
	e, _, store, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)

	require.Equal(t, events.TaskInitialized, task.Status)
	require.Equal(t, registry.PriorityP2, task.Priority)
	require.Equal(t, 0, task.CurrentPhase)

	require.Equal(t, events.PhaseActive, task.Phases[0].Status)
	require.False(t, task.Phases[0].StartedAt.IsZero())
	require.Equal(t, events.PhasePending, task.Phases[1].Status)
	require.True(t, task.Phases[1].StartedAt.IsZero())

	// Workspace directories exist on disk.
	_, err := os.Stat(store.Workspace().TaskDir(task.ID))
	require.NoError(t, err)
}

func TestCreateTask_CollectsAllViolations(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	_, err := e.CreateTask(CreateTaskRequest{
		Description: "too short",
		Priority:    registry.Priority("P9"),
		Phases:      []PhaseSpec{{Name: "  "}},
	})
	require.ErrorIs(t, err, types.ErrValidation)
	require.Contains(t, err.Error(), "description")
	require.Contains(t, err.Error(), "P9")
	require.Contains(t, err.Error(), "phase 1")

	_, err = e.CreateTask(CreateTaskRequest{
		Description: "a perfectly reasonable description",
	})
	require.ErrorIs(t, err, types.ErrValidation)
	require.Contains(t, err.Error(), "at least one phase")
}

func TestReviewGate_HappyPath(t *testing.T) {
	e, sup, store, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)
	taskID := task.ID

	runWorkerToCompletion(t, sup, taskID)

	progress, _, err := e.CheckPhaseProgress(taskID)
	require.NoError(t, err)
	require.True(t, progress.ReadyForReview)

	approveReviewCycle(t, e, taskID)

	loaded, err := store.Load(taskID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseApproved, loaded.Phases[0].Status)

	advanced, completed, err := e.AdvanceToNextPhase(taskID)
	require.NoError(t, err)
	require.False(t, completed)
	require.Equal(t, 1, advanced.CurrentPhase)
	require.Equal(t, events.PhaseActive, advanced.Phases[1].Status)

	handover, err := e.GetPhaseHandover(taskID, 0)
	require.NoError(t, err)
	require.Contains(t, handover, "# Handover: Build")
	require.Contains(t, handover, "token bucket middleware")

	// Second phase runs the same loop and completes the task.
	runWorkerToCompletion(t, sup, taskID)
	approveReviewCycle(t, e, taskID)

	final, completed, err := e.AdvanceToNextPhase(taskID)
	require.NoError(t, err)
	require.True(t, completed)
	require.Equal(t, events.TaskCompleted, final.Status)
	require.Nil(t, final.ActivePhase())

	// Advancing a finished task fails.
	_, _, err = e.AdvanceToNextPhase(taskID)
	require.ErrorIs(t, err, types.ErrPhaseStateInvalid)
}

func TestGetPhaseStatus_ReflectsWorkersAndReview(t *testing.T) {
	e, sup, _, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)

	w, err := sup.Spawn(context.Background(), supervisor.SpawnRequest{
		TaskID: task.ID, Type: "implementer", Prompt: "phase one work",
	})
	require.NoError(t, err)

	status, _, err := e.GetPhaseStatus(task.ID)
	require.NoError(t, err)
	require.Equal(t, "Build", status.PhaseName)
	require.Equal(t, 2, status.TotalPhases)
	require.Equal(t, 1, status.WorkerCounts[events.WorkerRunning])
	require.Nil(t, status.Review)

	_, err = sup.UpdateProgress(task.ID, w.ID, events.WorkerCompleted, "done", 100)
	require.NoError(t, err)
	_, err = e.SubmitPhaseForReview(task.ID)
	require.NoError(t, err)

	status, _, err = e.GetPhaseStatus(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseAwaitingReview, status.PhaseStatus)
	require.NotNil(t, status.Review)
	require.Equal(t, events.ReviewPending, status.Review.Status)
}

func TestCheckAutoSubmit_SubmitsWhenAllWorkersTerminal(t *testing.T) {
	e, sup, store, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)
	ctx := context.Background()

	a, err := sup.Spawn(ctx, supervisor.SpawnRequest{TaskID: task.ID, Type: "implementer", Prompt: "first half"})
	require.NoError(t, err)
	b, err := sup.Spawn(ctx, supervisor.SpawnRequest{TaskID: task.ID, Type: "implementer", Prompt: "second half"})
	require.NoError(t, err)

	_, err = sup.UpdateProgress(task.ID, a.ID, events.WorkerCompleted, "done", 100)
	require.NoError(t, err)

	// One worker still running: no submission.
	require.NoError(t, e.CheckAutoSubmit(task.ID))
	loaded, err := store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseActive, loaded.Phases[0].Status)

	_, err = sup.UpdateProgress(task.ID, b.ID, events.WorkerFailed, "hit a wall", 60)
	require.NoError(t, err)

	require.NoError(t, e.CheckAutoSubmit(task.ID))
	loaded, err = store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseAwaitingReview, loaded.Phases[0].Status)
	require.NotNil(t, loaded.OpenReviewForPhase(0))

	// Re-running is idempotent.
	require.NoError(t, e.CheckAutoSubmit(task.ID))
}

func TestTriggerAgenticReview_RequiresAwaitingReview(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)

	_, err := e.TriggerAgenticReview(context.Background(), task.ID)
	require.ErrorIs(t, err, types.ErrPhaseStateInvalid)
}

func TestTriggerAgenticReview_SpawnFailureKeepsGateArmed(t *testing.T) {
	e, sup, store, fake := newTestEngine(t)
	task := createTwoPhaseTask(t, e)

	runWorkerToCompletion(t, sup, task.ID)
	_, err := e.SubmitPhaseForReview(task.ID)
	require.NoError(t, err)

	fake.StartErr = fmt.Errorf("%w: mux server unreachable", types.ErrSubprocessFailure)
	_, err = e.TriggerAgenticReview(context.Background(), task.ID)
	require.Error(t, err)

	loaded, err := store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseAwaitingReview, loaded.Phases[0].Status)
	review := loaded.OpenReviewForPhase(0)
	require.NotNil(t, review)
	require.Equal(t, events.ReviewPending, review.Status)

	// Once the mux recovers, the same pending review proceeds.
	fake.StartErr = nil
	resolved, err := e.TriggerAgenticReview(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, review.ID, resolved.ID)
	require.Equal(t, events.ReviewInProgress, resolved.Status)
}

func TestSubmitReviewVerdict_Validation(t *testing.T) {
	e, sup, _, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)

	runWorkerToCompletion(t, sup, task.ID)
	_, err := e.SubmitPhaseForReview(task.ID)
	require.NoError(t, err)

	pending, _, err := e.GetPhaseStatus(task.ID)
	require.NoError(t, err)

	// Verdicts before the review starts are rejected.
	_, err = e.SubmitReviewVerdict(task.ID, pending.Review.ID, "agent_x", events.VerdictApprove, nil)
	require.ErrorIs(t, err, types.ErrPhaseStateInvalid)

	review, err := e.TriggerAgenticReview(context.Background(), task.ID)
	require.NoError(t, err)
	reviewer := review.ReviewerIDs[0]

	_, err = e.SubmitReviewVerdict(task.ID, review.ID, reviewer, events.Verdict("abstain"), nil)
	require.ErrorIs(t, err, types.ErrValidation)

	_, err = e.SubmitReviewVerdict(task.ID, review.ID, "agent_outsider", events.VerdictApprove, nil)
	require.ErrorIs(t, err, types.ErrWorkerNotFound)

	_, err = e.SubmitReviewVerdict(task.ID, review.ID, reviewer, events.VerdictApprove, nil)
	require.NoError(t, err)
	_, err = e.SubmitReviewVerdict(task.ID, review.ID, reviewer, events.VerdictReject, nil)
	require.ErrorIs(t, err, types.ErrAlreadySubmitted)

	_, err = e.SubmitReviewVerdict(task.ID, "review-ghost", reviewer, events.VerdictApprove, nil)
	require.ErrorIs(t, err, types.ErrReviewNotFound)
}

func TestReview_RevisionLoop(t *testing.T) {
	e, sup, store, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)

	runWorkerToCompletion(t, sup, task.ID)
	_, err := e.SubmitPhaseForReview(task.ID)
	require.NoError(t, err)
	review, err := e.TriggerAgenticReview(context.Background(), task.ID)
	require.NoError(t, err)

	verdicts := []events.Verdict{events.VerdictNeedsRevision, events.VerdictNeedsRevision, events.VerdictApprove}
	var resolved *registry.Review
	for i, id := range review.ReviewerIDs {
		resolved, err = e.SubmitReviewVerdict(task.ID, review.ID, id, verdicts[i], []registry.VerdictFinding{
			{Severity: events.SeverityMedium, Message: "missing edge-case tests"},
		})
		require.NoError(t, err)
	}
	require.Equal(t, events.FinalNeedsRevision, resolved.FinalVerdict)

	loaded, err := store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseRevising, loaded.Phases[0].Status)

	// Revision work happens in the same phase, then resubmission.
	runWorkerToCompletion(t, sup, task.ID)
	approveReviewCycle(t, e, task.ID)

	loaded, err = store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseApproved, loaded.Phases[0].Status)
}

func TestReview_CriticalFindingRejects(t *testing.T) {
	e, sup, store, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)

	runWorkerToCompletion(t, sup, task.ID)
	_, err := e.SubmitPhaseForReview(task.ID)
	require.NoError(t, err)
	review, err := e.TriggerAgenticReview(context.Background(), task.ID)
	require.NoError(t, err)

	for i, id := range review.ReviewerIDs {
		var findings []registry.VerdictFinding
		if i == 0 {
			findings = []registry.VerdictFinding{{Severity: events.SeverityCritical, Message: "drops writes under load"}}
		}
		_, err = e.SubmitReviewVerdict(task.ID, review.ID, id, events.VerdictApprove, findings)
		require.NoError(t, err)
	}

	loaded, err := store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseRejected, loaded.Phases[0].Status)
	require.Equal(t, events.FinalRejected, loaded.Review(review.ID).FinalVerdict)
}

func TestReview_EscalationAndForceApproval(t *testing.T) {
	e, sup, store, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)
	ctx := context.Background()

	runWorkerToCompletion(t, sup, task.ID)
	_, err := e.SubmitPhaseForReview(task.ID)
	require.NoError(t, err)
	review, err := e.TriggerAgenticReview(ctx, task.ID)
	require.NoError(t, err)

	// Every reviewer dies before voting.
	for _, id := range review.ReviewerIDs {
		require.NoError(t, sup.Kill(ctx, task.ID, id))
	}
	require.NoError(t, e.CheckAutoSubmit(task.ID))

	loaded, err := store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseEscalated, loaded.Phases[0].Status)
	require.Equal(t, events.ReviewEscalated, loaded.Review(review.ID).Status)

	// Manual approval is blocked without the escalation bypass.
	_, err = e.ApprovePhaseReview(task.ID, review.ID, false)
	require.ErrorIs(t, err, types.ErrReviewBlocked)

	approved, err := e.ApprovePhaseReview(task.ID, review.ID, true)
	require.NoError(t, err)
	require.Equal(t, events.FinalApproved, approved.FinalVerdict)

	loaded, err = store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseApproved, loaded.Phases[0].Status)

	_, completed, err := e.AdvanceToNextPhase(task.ID)
	require.NoError(t, err)
	require.False(t, completed)
}

func TestAbortStalledReview_ReopensGate(t *testing.T) {
	e, sup, store, fake := newTestEngine(t)
	task := createTwoPhaseTask(t, e)
	ctx := context.Background()

	runWorkerToCompletion(t, sup, task.ID)
	_, err := e.SubmitPhaseForReview(task.ID)
	require.NoError(t, err)
	review, err := e.TriggerAgenticReview(ctx, task.ID)
	require.NoError(t, err)

	aborted, err := e.AbortStalledReview(ctx, task.ID, review.ID)
	require.NoError(t, err)
	require.Equal(t, events.ReviewAborted, aborted.Status)

	loaded, err := store.Load(task.ID)
	require.NoError(t, err)
	require.Equal(t, events.PhaseAwaitingReview, loaded.Phases[0].Status)

	// The abort killed the reviewer sessions.
	for _, id := range review.ReviewerIDs {
		alive, err := fake.SessionAlive(ctx, loaded.Worker(id).Session)
		require.NoError(t, err)
		require.False(t, alive)
	}

	// A fresh pending review keeps the gate armed for a re-trigger.
	fresh := loaded.OpenReviewForPhase(0)
	require.NotNil(t, fresh)
	require.NotEqual(t, review.ID, fresh.ID)

	retriggered, err := e.TriggerAgenticReview(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, fresh.ID, retriggered.ID)

	// Resolved reviews cannot be aborted.
	_, err = e.AbortStalledReview(ctx, task.ID, review.ID)
	require.ErrorIs(t, err, types.ErrPhaseStateInvalid)
}

func TestAdvanceToNextPhase_RequiresApproved(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)

	_, _, err := e.AdvanceToNextPhase(task.ID)
	require.ErrorIs(t, err, types.ErrPhaseStateInvalid)
}

func TestGetPhaseHandover_Errors(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	task := createTwoPhaseTask(t, e)

	_, err := e.GetPhaseHandover(task.ID, 0)
	require.ErrorIs(t, err, types.ErrPhaseStateInvalid)

	_, err = e.GetPhaseHandover(task.ID, 7)
	require.ErrorIs(t, err, types.ErrTaskNotFound)
}

func TestRejectPhaseReview_AlwaysBlocked(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	require.ErrorIs(t, e.RejectPhaseReview(), types.ErrReviewBlocked)
}
