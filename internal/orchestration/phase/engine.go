package phase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/maestro/internal/config"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/supervisor"
	"github.com/zjrosen/maestro/internal/orchestration/types"
)

// Engine drives the phase machine over the registry. Reviewer processes are
// launched through the supervisor; everything else is registry mutation.
type Engine struct {
	store *registry.Store
	sup   *supervisor.Supervisor
	cfg   *config.Config
}

// NewEngine creates a phase engine.
func NewEngine(store *registry.Store, sup *supervisor.Supervisor, cfg *config.Config) *Engine {
	return &Engine{store: store, sup: sup, cfg: cfg}
}

// CreateTask validates the request, initializes the workspace, and writes
// the registry with the first phase ACTIVE and the rest PENDING.
func (e *Engine) CreateTask(req CreateTaskRequest) (*registry.Task, error) {
	if err := validateCreateTask(req); err != nil {
		return nil, err
	}
	if req.Priority == "" {
		req.Priority = registry.PriorityP2
	}

	now := time.Now().UTC()
	taskID := registry.NewTaskID(now)

	task := &registry.Task{
		ID:           taskID,
		Description:  req.Description,
		Priority:     req.Priority,
		ClientDir:    req.ClientDir,
		Workspace:    e.store.Workspace().TaskDir(taskID),
		CreatedAt:    now,
		Status:       events.TaskInitialized,
		CurrentPhase: 0,
		Hierarchy:    make(map[string][]string),
		Limits: registry.Limits{
			MaxAgents:     e.cfg.Orchestration.MaxAgents,
			MaxDepth:      e.cfg.Orchestration.MaxDepth,
			MaxConcurrent: e.cfg.Orchestration.MaxConcurrent,
		},
	}

	for i, spec := range req.Phases {
		status := events.PhasePending
		started := time.Time{}
		if i == 0 {
			status = events.PhaseActive
			started = now
		}
		task.Phases = append(task.Phases, registry.Phase{
			ID:                   fmt.Sprintf("%s-phase-%d", taskID, i),
			Index:                i,
			Name:                 strings.TrimSpace(spec.Name),
			Description:          spec.Description,
			Status:               status,
			CreatedAt:            now,
			StartedAt:            started,
			ExpectedDeliverables: spec.ExpectedDeliverables,
			SuccessCriteria:      spec.SuccessCriteria,
		})
	}

	if err := e.store.Create(task); err != nil {
		return nil, err
	}
	log.Info(log.CatPhase, "Task created", "taskID", taskID, "phases", len(task.Phases), "priority", string(task.Priority))
	return task, nil
}

// PhaseStatusResult is the read model for get_phase_status.
type PhaseStatusResult struct {
	TaskID       string                      `json:"task_id"`
	TaskStatus   events.TaskStatus           `json:"task_status"`
	PhaseIndex   int                         `json:"phase_index"`
	PhaseName    string                      `json:"phase_name"`
	PhaseStatus  events.PhaseStatus          `json:"phase_status"`
	TotalPhases  int                         `json:"total_phases"`
	WorkerCounts map[events.WorkerStatus]int `json:"worker_counts"`
	Counters     registry.Counters           `json:"counters"`
	Review       *registry.Review            `json:"review,omitempty"`
}

// GetPhaseStatus returns the current phase view.
func (e *Engine) GetPhaseStatus(taskID string) (*PhaseStatusResult, *registry.Task, error) {
	task, err := e.store.Load(taskID)
	if err != nil {
		return nil, nil, err
	}

	res := &PhaseStatusResult{
		TaskID:       task.ID,
		TaskStatus:   task.Status,
		PhaseIndex:   task.CurrentPhase,
		TotalPhases:  len(task.Phases),
		WorkerCounts: make(map[events.WorkerStatus]int),
		Counters:     task.Counters,
	}
	if phase := task.ActivePhase(); phase != nil {
		res.PhaseName = phase.Name
		res.PhaseStatus = phase.Status
		for _, w := range task.PhaseWorkers(phase.Index) {
			res.WorkerCounts[w.Status]++
		}
		res.Review = task.OpenReviewForPhase(phase.Index)
	}
	return res, task, nil
}

// ProgressResult is the read model for check_phase_progress.
type ProgressResult struct {
	TaskID         string `json:"task_id"`
	PhaseIndex     int    `json:"phase_index"`
	TotalWorkers   int    `json:"total_workers"`
	TerminalCount  int    `json:"terminal_count"`
	ReadyForReview bool   `json:"ready_for_review"`
}

// CheckPhaseProgress reports whether every phase worker is terminal.
func (e *Engine) CheckPhaseProgress(taskID string) (*ProgressResult, *registry.Task, error) {
	task, err := e.store.Load(taskID)
	if err != nil {
		return nil, nil, err
	}
	phase := task.ActivePhase()
	if phase == nil {
		return nil, nil, fmt.Errorf("%w: task has no active phase", types.ErrPhaseStateInvalid)
	}

	res := &ProgressResult{TaskID: task.ID, PhaseIndex: phase.Index}
	for _, w := range task.PhaseWorkers(phase.Index) {
		res.TotalWorkers++
		if w.Status.IsTerminal() {
			res.TerminalCount++
		}
	}
	res.ReadyForReview = res.TotalWorkers > 0 &&
		res.TerminalCount == res.TotalWorkers &&
		(phase.Status == events.PhaseActive || phase.Status == events.PhaseRevising)
	return res, task, nil
}

// SubmitPhaseForReview moves the current phase to AWAITING_REVIEW and opens
// a pending review. Legal from ACTIVE and REVISING.
func (e *Engine) SubmitPhaseForReview(taskID string) (*registry.Task, error) {
	task, err := e.store.Mutate(taskID, func(task *registry.Task) error {
		phase := task.ActivePhase()
		if phase == nil {
			return fmt.Errorf("%w: task has no active phase", types.ErrPhaseStateInvalid)
		}
		if err := transition(&phase.Status, events.PhaseAwaitingReview); err != nil {
			return err
		}
		if task.OpenReviewForPhase(phase.Index) == nil {
			task.Reviews = append(task.Reviews, registry.Review{
				ID:         registry.NewReviewID(time.Now()),
				PhaseIndex: phase.Index,
				Status:     events.ReviewPending,
				StartedAt:  time.Now().UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	phase := task.ActivePhase()
	log.Info(log.CatPhase, "Phase submitted for review", "taskID", taskID, "phase", phase.Name)
	e.store.Publish(events.Event{
		Type: events.EventPhaseTransition, TaskID: taskID,
		PhaseIndex: phase.Index, PhaseStatus: events.PhaseAwaitingReview,
	})
	return task, nil
}

// TriggerAgenticReview spawns the reviewer workers and moves the phase to
// UNDER_REVIEW. Reviewers spawn first so the review never sits in
// in_progress with an empty reviewer set.
func (e *Engine) TriggerAgenticReview(ctx context.Context, taskID string) (*registry.Review, error) {
	task, err := e.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	phase := task.ActivePhase()
	if phase == nil {
		return nil, fmt.Errorf("%w: task has no active phase", types.ErrPhaseStateInvalid)
	}
	if phase.Status != events.PhaseAwaitingReview {
		return nil, fmt.Errorf("%w: phase is %s, trigger_agentic_review requires AWAITING_REVIEW", types.ErrPhaseStateInvalid, phase.Status)
	}
	review := task.OpenReviewForPhase(phase.Index)
	if review == nil {
		return nil, fmt.Errorf("%w: no open review for phase %d", types.ErrReviewNotFound, phase.Index)
	}
	reviewID := review.ID

	count := e.cfg.Orchestration.ReviewerCount
	if count <= 0 {
		count = 3
	}

	var reviewerIDs []string
	for i := 0; i < count; i++ {
		w, err := e.sup.Spawn(ctx, supervisor.SpawnRequest{
			TaskID:   taskID,
			Type:     "reviewer",
			Prompt:   e.reviewerPrompt(task, phase, i+1, count),
			ReviewID: reviewID,
		})
		if err != nil {
			for _, id := range reviewerIDs {
				_ = e.sup.Kill(ctx, taskID, id)
			}
			return nil, fmt.Errorf("spawning reviewer %d of %d: %w", i+1, count, err)
		}
		reviewerIDs = append(reviewerIDs, w.ID)
	}

	var resolved registry.Review
	_, err = e.store.Mutate(taskID, func(task *registry.Task) error {
		phase := task.ActivePhase()
		if phase == nil || phase.Index != resolvedPhaseIndex(task, reviewID) {
			return fmt.Errorf("%w: phase changed during reviewer spawn", types.ErrPhaseStateInvalid)
		}
		r := task.Review(reviewID)
		if r == nil {
			return fmt.Errorf("%w: %s", types.ErrReviewNotFound, reviewID)
		}
		r.ReviewerIDs = reviewerIDs
		r.Status = events.ReviewInProgress
		if err := transition(&phase.Status, events.PhaseUnderReview); err != nil {
			return err
		}
		resolved = *r
		return nil
	})
	if err != nil {
		for _, id := range reviewerIDs {
			_ = e.sup.Kill(ctx, taskID, id)
		}
		return nil, err
	}

	log.Info(log.CatPhase, "Agentic review started", "taskID", taskID, "reviewID", reviewID, "reviewers", len(reviewerIDs))
	e.store.Publish(events.Event{
		Type: events.EventReviewStarted, TaskID: taskID, ReviewID: reviewID,
		PhaseIndex: resolved.PhaseIndex, PhaseStatus: events.PhaseUnderReview,
	})
	return &resolved, nil
}

// SubmitReviewVerdict records one reviewer's vote. The first verdict from a
// reviewer wins; re-submission returns AlreadySubmitted. When every reviewer
// has voted or died, the review resolves.
func (e *Engine) SubmitReviewVerdict(taskID, reviewID, reviewerID string, verdict events.Verdict, findings []registry.VerdictFinding) (*registry.Review, error) {
	if !verdict.IsValid() {
		return nil, fmt.Errorf("%w: unknown verdict %q", types.ErrValidation, verdict)
	}

	var resolved registry.Review
	var outcome events.PhaseStatus
	_, err := e.store.Mutate(taskID, func(task *registry.Task) error {
		review := task.Review(reviewID)
		if review == nil {
			return fmt.Errorf("%w: %s", types.ErrReviewNotFound, reviewID)
		}
		if review.Status != events.ReviewInProgress {
			return fmt.Errorf("%w: review is %s, verdicts are accepted while in_progress", types.ErrPhaseStateInvalid, review.Status)
		}
		if !review.IsReviewer(reviewerID) {
			return fmt.Errorf("%w: %s is not a reviewer on %s", types.ErrWorkerNotFound, reviewerID, reviewID)
		}
		if review.HasVerdictFrom(reviewerID) {
			return fmt.Errorf("%w: reviewer %s already voted", types.ErrAlreadySubmitted, reviewerID)
		}

		review.Verdicts = append(review.Verdicts, registry.SubmittedVerdict{
			ReviewerID:  reviewerID,
			Verdict:     verdict,
			Findings:    findings,
			SubmittedAt: time.Now().UTC(),
		})

		outcome = e.maybeResolveReview(task, review)
		resolved = *review
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome != "" {
		e.publishResolution(taskID, &resolved, outcome)
	}
	return &resolved, nil
}

// maybeResolveReview aggregates when the tally is complete. Returns the
// resulting phase status, or empty when the review stays open. Caller holds
// the registry lock.
func (e *Engine) maybeResolveReview(task *registry.Task, review *registry.Review) events.PhaseStatus {
	tally := tallyVerdicts(task, review)
	if !tally.complete() {
		return ""
	}

	final, phaseStatus := tally.aggregate()
	phase := task.Phase(review.PhaseIndex)
	if phase == nil {
		return ""
	}
	if err := transition(&phase.Status, phaseStatus); err != nil {
		log.ErrorErr(log.CatPhase, "Review resolution hit an illegal transition", err,
			"taskID", task.ID, "reviewID", review.ID, "from", string(phase.Status), "to", string(phaseStatus))
		return ""
	}

	review.FinalVerdict = final
	if phaseStatus == events.PhaseEscalated {
		review.Status = events.ReviewEscalated
		review.EscalationReason = "all reviewers died without submitting verdicts"
	} else {
		review.Status = events.ReviewCompleted
	}
	return phaseStatus
}

func (e *Engine) publishResolution(taskID string, review *registry.Review, outcome events.PhaseStatus) {
	log.Info(log.CatPhase, "Review resolved",
		"taskID", taskID, "reviewID", review.ID, "verdict", string(review.FinalVerdict), "phaseStatus", string(outcome))
	e.store.Publish(events.Event{
		Type: events.EventReviewResolved, TaskID: taskID, ReviewID: review.ID,
		PhaseIndex: review.PhaseIndex, PhaseStatus: outcome,
	})
}

// GetReviewStatus returns the review by id.
func (e *Engine) GetReviewStatus(taskID, reviewID string) (*registry.Review, error) {
	task, err := e.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	review := task.Review(reviewID)
	if review == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrReviewNotFound, reviewID)
	}
	return review, nil
}

// AbortStalledReview marks the review aborted, kills its remaining
// reviewers, and returns the phase to AWAITING_REVIEW with a fresh pending
// review.
func (e *Engine) AbortStalledReview(ctx context.Context, taskID, reviewID string) (*registry.Review, error) {
	var aborted registry.Review
	var reviewers []string
	_, err := e.store.Mutate(taskID, func(task *registry.Task) error {
		review := task.Review(reviewID)
		if review == nil {
			return fmt.Errorf("%w: %s", types.ErrReviewNotFound, reviewID)
		}
		switch review.Status {
		case events.ReviewPending, events.ReviewInProgress, events.ReviewEscalated:
		default:
			return fmt.Errorf("%w: review is %s, only open reviews can be aborted", types.ErrPhaseStateInvalid, review.Status)
		}

		phase := task.Phase(review.PhaseIndex)
		if phase == nil {
			return fmt.Errorf("%w: phase %d", types.ErrPhaseStateInvalid, review.PhaseIndex)
		}
		if phase.Status != events.PhaseAwaitingReview {
			if err := transition(&phase.Status, events.PhaseAwaitingReview); err != nil {
				return err
			}
		}

		review.Status = events.ReviewAborted
		reviewers = append([]string(nil), review.ReviewerIDs...)

		// A fresh pending review keeps the gate armed for the next trigger.
		task.Reviews = append(task.Reviews, registry.Review{
			ID:         registry.NewReviewID(time.Now()),
			PhaseIndex: phase.Index,
			Status:     events.ReviewPending,
			StartedAt:  time.Now().UTC(),
		})
		aborted = *review
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range reviewers {
		if err := e.sup.Kill(ctx, taskID, id); err != nil {
			log.ErrorErr(log.CatPhase, "Failed to kill reviewer during abort", err, "workerID", id)
		}
	}

	log.Info(log.CatPhase, "Review aborted", "taskID", taskID, "reviewID", reviewID)
	return &aborted, nil
}

// ApprovePhaseReview is blocked while an agentic review runs. The only
// bypass is force_escalated on an escalated review, which lets an operator
// rescue a phase whose reviewers all died.
func (e *Engine) ApprovePhaseReview(taskID, reviewID string, forceEscalated bool) (*registry.Review, error) {
	var approved registry.Review
	_, err := e.store.Mutate(taskID, func(task *registry.Task) error {
		review := task.Review(reviewID)
		if review == nil {
			return fmt.Errorf("%w: %s", types.ErrReviewNotFound, reviewID)
		}
		if !forceEscalated || review.Status != events.ReviewEscalated {
			return fmt.Errorf("%w: manual approval requires an escalated review and force_escalated=true", types.ErrReviewBlocked)
		}

		phase := task.Phase(review.PhaseIndex)
		if phase == nil {
			return fmt.Errorf("%w: phase %d", types.ErrPhaseStateInvalid, review.PhaseIndex)
		}
		if err := transition(&phase.Status, events.PhaseApproved); err != nil {
			return err
		}
		review.Status = events.ReviewCompleted
		review.FinalVerdict = events.FinalApproved
		approved = *review
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Warn(log.CatPhase, "Phase force-approved after escalation", "taskID", taskID, "reviewID", reviewID)
	e.publishResolution(taskID, &approved, events.PhaseApproved)
	return &approved, nil
}

// RejectPhaseReview is permanently blocked: the external caller must not
// reject its own work. Guidance points at the abort-and-retrigger path.
func (e *Engine) RejectPhaseReview() error {
	return fmt.Errorf("%w: manual rejection is not available; use abort_stalled_review and trigger_agentic_review", types.ErrReviewBlocked)
}

// AdvanceToNextPhase requires the current phase APPROVED. It writes the
// handover document, promotes the next phase, or completes the task.
func (e *Engine) AdvanceToNextPhase(taskID string) (*registry.Task, bool, error) {
	var handover string
	var handoverIndex int
	var completed bool

	task, err := e.store.Mutate(taskID, func(task *registry.Task) error {
		phase := task.ActivePhase()
		if phase == nil {
			return fmt.Errorf("%w: task already advanced past its last phase", types.ErrPhaseStateInvalid)
		}
		if phase.Status != events.PhaseApproved {
			return fmt.Errorf("%w: phase is %s, advance requires APPROVED", types.ErrPhaseStateInvalid, phase.Status)
		}

		phase.CompletedAt = time.Now().UTC()
		phase.Handover = e.buildHandover(task, phase)
		handover = phase.Handover
		handoverIndex = phase.Index

		if next := task.Phase(phase.Index + 1); next != nil {
			next.Status = events.PhaseActive
			next.StartedAt = time.Now().UTC()
			task.CurrentPhase = next.Index
		} else {
			task.CurrentPhase = len(task.Phases)
			task.Status = events.TaskCompleted
			completed = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	path := e.store.Workspace().HandoverPath(taskID, handoverIndex)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err == nil {
		if err := os.WriteFile(path, []byte(handover), 0o600); err != nil {
			log.ErrorErr(log.CatPhase, "Failed to write handover document", err, "taskID", taskID, "phase", handoverIndex)
		}
	}

	if completed {
		log.Info(log.CatPhase, "Task completed", "taskID", taskID)
		e.store.Publish(events.Event{Type: events.EventTaskCompleted, TaskID: taskID})
	} else {
		log.Info(log.CatPhase, "Advanced to next phase", "taskID", taskID, "phase", task.CurrentPhase)
		e.store.Publish(events.Event{
			Type: events.EventPhaseTransition, TaskID: taskID,
			PhaseIndex: task.CurrentPhase, PhaseStatus: events.PhaseActive,
		})
	}
	return task, completed, nil
}

// GetPhaseHandover returns the handover document for a completed phase.
func (e *Engine) GetPhaseHandover(taskID string, phaseIndex int) (string, error) {
	task, err := e.store.Load(taskID)
	if err != nil {
		return "", err
	}
	phase := task.Phase(phaseIndex)
	if phase == nil {
		return "", fmt.Errorf("%w: phase %d", types.ErrTaskNotFound, phaseIndex)
	}
	if phase.Handover == "" {
		return "", fmt.Errorf("%w: phase %d has no handover yet", types.ErrPhaseStateInvalid, phaseIndex)
	}
	return phase.Handover, nil
}

// CheckAutoSubmit runs after a worker reaches a terminal status: if every
// worker in the ACTIVE phase is terminal, the phase moves to AWAITING_REVIEW
// with a pending review. It also resolves reviews whose last missing
// reviewer died.
func (e *Engine) CheckAutoSubmit(taskID string) error {
	var submitted bool
	var resolvedReview registry.Review
	var outcome events.PhaseStatus

	_, err := e.store.Mutate(taskID, func(task *registry.Task) error {
		phase := task.ActivePhase()
		if phase == nil {
			return nil
		}

		if review := task.OpenReviewForPhase(phase.Index); review != nil && review.Status == events.ReviewInProgress {
			if out := e.maybeResolveReview(task, review); out != "" {
				resolvedReview = *review
				outcome = out
			}
			return nil
		}

		if phase.Status != events.PhaseActive {
			return nil
		}
		workers := task.PhaseWorkers(phase.Index)
		if len(workers) == 0 {
			return nil
		}
		for _, w := range workers {
			if !w.Status.IsTerminal() {
				return nil
			}
		}

		if err := transition(&phase.Status, events.PhaseAwaitingReview); err != nil {
			return err
		}
		if task.OpenReviewForPhase(phase.Index) == nil {
			task.Reviews = append(task.Reviews, registry.Review{
				ID:         registry.NewReviewID(time.Now()),
				PhaseIndex: phase.Index,
				Status:     events.ReviewPending,
				StartedAt:  time.Now().UTC(),
			})
		}
		submitted = true
		return nil
	})
	if err != nil {
		return err
	}

	if outcome != "" {
		e.publishResolution(taskID, &resolvedReview, outcome)
	}
	if submitted {
		log.Info(log.CatPhase, "Phase auto-submitted for review", "taskID", taskID)
		e.store.Publish(events.Event{
			Type: events.EventPhaseTransition, TaskID: taskID, PhaseStatus: events.PhaseAwaitingReview,
		})
	}
	return nil
}

// reviewerPrompt assembles the instructions handed to a reviewer worker.
func (e *Engine) reviewerPrompt(task *registry.Task, phase *registry.Phase, n, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reviewer %d of %d for phase %q of task %s.\n\n", n, total, phase.Name, task.ID)
	fmt.Fprintf(&b, "Task: %s\n\n", task.Description)
	if len(phase.ExpectedDeliverables) > 0 {
		b.WriteString("Expected deliverables:\n")
		for _, d := range phase.ExpectedDeliverables {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("\n")
	}
	if len(phase.SuccessCriteria) > 0 {
		b.WriteString("Success criteria:\n")
		for _, c := range phase.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	b.WriteString("Inspect the phase workers' outputs with get_worker_output, judge the work against the criteria, ")
	b.WriteString("then call submit_review_verdict exactly once with approve, reject, or needs_revision and your findings.\n")
	return b.String()
}

// resolvedPhaseIndex returns the phase index a review belongs to, or -1.
func resolvedPhaseIndex(task *registry.Task, reviewID string) int {
	if r := task.Review(reviewID); r != nil {
		return r.PhaseIndex
	}
	return -1
}
