package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/orchestration/eventlog"
	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/phase"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/supervisor"
	"github.com/zjrosen/maestro/internal/orchestration/types"
	"github.com/zjrosen/maestro/internal/orchestration/workflow"
)

type createTaskArgs struct {
	Description string            `json:"description"`
	Priority    string            `json:"priority,omitempty"`
	Phases      []phase.PhaseSpec `json:"phases,omitempty"`
	Template    string            `json:"template,omitempty"`
	ClientDir   string            `json:"client_dir,omitempty"`
}

func (cs *CoordinatorServer) handleCreateTask(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args createTaskArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}

	phases := args.Phases
	if len(phases) == 0 && args.Template != "" {
		tmpl, found := cs.templates.Get(args.Template)
		if !found {
			return fail(fmt.Errorf("%w: phase template %q", types.ErrValidation, args.Template))
		}
		phases = templatePhases(tmpl)
	}

	task, err := cs.engine.CreateTask(phase.CreateTaskRequest{
		Description: args.Description,
		Priority:    registry.Priority(args.Priority),
		Phases:      phases,
		ClientDir:   args.ClientDir,
	})
	if err != nil {
		return fail(err)
	}
	return ok(task, map[string]any{
		"task_id":   task.ID,
		"workspace": task.Workspace,
		"phases":    len(task.Phases),
	})
}

func templatePhases(tmpl workflow.Template) []phase.PhaseSpec {
	specs := make([]phase.PhaseSpec, len(tmpl.Phases))
	for i, p := range tmpl.Phases {
		specs[i] = phase.PhaseSpec{
			Name:                 p.Name,
			Description:          p.Description,
			ExpectedDeliverables: p.ExpectedDeliverables,
			SuccessCriteria:      p.SuccessCriteria,
		}
	}
	return specs
}

type taskArgs struct {
	TaskID string `json:"task_id"`
}

type reviewArgs struct {
	TaskID   string `json:"task_id"`
	ReviewID string `json:"review_id"`
}

type workerArgs struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

func (cs *CoordinatorServer) handleGetPhaseStatus(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args taskArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	status, task, err := cs.engine.GetPhaseStatus(args.TaskID)
	if err != nil {
		return fail(err)
	}
	return ok(task, status)
}

func (cs *CoordinatorServer) handleCheckPhaseProgress(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args taskArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	progress, task, err := cs.engine.CheckPhaseProgress(args.TaskID)
	if err != nil {
		return fail(err)
	}
	return ok(task, progress)
}

func (cs *CoordinatorServer) handleSubmitPhaseForReview(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args taskArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	task, err := cs.engine.SubmitPhaseForReview(args.TaskID)
	if err != nil {
		return fail(err)
	}
	return ok(task, map[string]any{
		"phase_index":  task.CurrentPhase,
		"phase_status": events.PhaseAwaitingReview,
	})
}

func (cs *CoordinatorServer) handleTriggerAgenticReview(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args taskArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	review, err := cs.engine.TriggerAgenticReview(ctx, args.TaskID)
	if err != nil {
		return fail(err)
	}
	return cs.okLoaded(args.TaskID, review)
}

type submitVerdictArgs struct {
	TaskID     string                    `json:"task_id"`
	ReviewID   string                    `json:"review_id"`
	ReviewerID string                    `json:"reviewer_id"`
	Verdict    string                    `json:"verdict"`
	Findings   []registry.VerdictFinding `json:"findings,omitempty"`
}

func (cs *CoordinatorServer) handleSubmitReviewVerdict(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args submitVerdictArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	review, err := cs.engine.SubmitReviewVerdict(
		args.TaskID, args.ReviewID, args.ReviewerID, events.Verdict(args.Verdict), args.Findings)
	if err != nil {
		return fail(err)
	}
	return cs.okLoaded(args.TaskID, review)
}

func (cs *CoordinatorServer) handleGetReviewStatus(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args reviewArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	review, err := cs.engine.GetReviewStatus(args.TaskID, args.ReviewID)
	if err != nil {
		return fail(err)
	}
	return cs.okLoaded(args.TaskID, review)
}

func (cs *CoordinatorServer) handleAbortStalledReview(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args reviewArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	review, err := cs.engine.AbortStalledReview(ctx, args.TaskID, args.ReviewID)
	if err != nil {
		return fail(err)
	}
	return cs.okLoaded(args.TaskID, review)
}

type approveReviewArgs struct {
	TaskID         string `json:"task_id"`
	ReviewID       string `json:"review_id"`
	ForceEscalated bool   `json:"force_escalated,omitempty"`
}

func (cs *CoordinatorServer) handleApprovePhaseReview(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args approveReviewArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	review, err := cs.engine.ApprovePhaseReview(args.TaskID, args.ReviewID, args.ForceEscalated)
	if err != nil {
		return fail(err)
	}
	return cs.okLoaded(args.TaskID, review)
}

func (cs *CoordinatorServer) handleRejectPhaseReview(_ context.Context, _ json.RawMessage) (*ToolCallResult, error) {
	return fail(cs.engine.RejectPhaseReview())
}

func (cs *CoordinatorServer) handleAdvanceToNextPhase(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args taskArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	task, completed, err := cs.engine.AdvanceToNextPhase(args.TaskID)
	if err != nil {
		return fail(err)
	}
	return ok(task, map[string]any{
		"task_completed": completed,
		"current_phase":  task.CurrentPhase,
	})
}

type handoverArgs struct {
	TaskID     string `json:"task_id"`
	PhaseIndex int    `json:"phase_index"`
}

func (cs *CoordinatorServer) handleGetPhaseHandover(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args handoverArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	handover, err := cs.engine.GetPhaseHandover(args.TaskID, args.PhaseIndex)
	if err != nil {
		return fail(err)
	}
	return cs.okLoaded(args.TaskID, map[string]any{
		"phase_index": args.PhaseIndex,
		"handover":    handover,
	})
}

type spawnWorkerArgs struct {
	TaskID     string `json:"task_id"`
	WorkerType string `json:"worker_type"`
	Prompt     string `json:"prompt"`
}

func (cs *CoordinatorServer) handleSpawnWorker(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args spawnWorkerArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	worker, err := cs.sup.Spawn(ctx, supervisor.SpawnRequest{
		TaskID: args.TaskID,
		Type:   args.WorkerType,
		Prompt: args.Prompt,
	})
	if err != nil {
		return fail(err)
	}
	return cs.okLoaded(args.TaskID, worker)
}

type spawnChildArgs struct {
	TaskID         string `json:"task_id"`
	ParentWorkerID string `json:"parent_worker_id"`
	WorkerType     string `json:"worker_type"`
	Prompt         string `json:"prompt"`
}

func (cs *CoordinatorServer) handleSpawnChild(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args spawnChildArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	worker, err := cs.sup.SpawnChild(ctx, args.TaskID, args.ParentWorkerID, args.WorkerType, args.Prompt)
	if err != nil {
		return fail(err)
	}
	return cs.okLoaded(args.TaskID, worker)
}

func (cs *CoordinatorServer) handleKillWorker(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args workerArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	if err := cs.sup.Kill(ctx, args.TaskID, args.WorkerID); err != nil {
		return fail(err)
	}
	return cs.okLoaded(args.TaskID, map[string]any{
		"worker_id": args.WorkerID,
		"status":    events.WorkerTerminated,
	})
}

type workerOutputArgs struct {
	TaskID          string `json:"task_id"`
	WorkerID        string `json:"worker_id"`
	Tail            int    `json:"tail,omitempty"`
	Filter          string `json:"filter,omitempty"`
	Format          string `json:"format,omitempty"`
	IncludeMetadata bool   `json:"include_metadata,omitempty"`
}

func (cs *CoordinatorServer) handleGetWorkerOutput(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args workerOutputArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	result, err := cs.sup.GetOutput(ctx, args.TaskID, args.WorkerID, eventlog.ReadOptions{
		Tail:            args.Tail,
		Filter:          args.Filter,
		Format:          eventlog.Format(args.Format),
		IncludeMetadata: args.IncludeMetadata,
	})
	if err != nil {
		return fail(err)
	}
	return cs.okLoaded(args.TaskID, result)
}

type updateProgressArgs struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Progress int    `json:"progress,omitempty"`
}

// handleUpdateProgress returns the coordination response directly, without
// the task-state guidance block. These calls happen on every worker
// heartbeat; the response stays minimal.
func (cs *CoordinatorServer) handleUpdateProgress(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args updateProgressArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	resp, err := cs.sup.UpdateProgress(
		args.TaskID, args.WorkerID, events.WorkerStatus(args.Status), args.Message, args.Progress)
	if err != nil {
		return fail(err)
	}

	// A terminal update may have finished the phase or completed a review
	// tally; the auto-submission check picks that up.
	if resp.Terminal {
		if err := cs.engine.CheckAutoSubmit(args.TaskID); err != nil {
			log.ErrorErr(log.CatMCP, "Auto-submit check failed after terminal update", err,
				"taskID", args.TaskID, "workerID", args.WorkerID)
		}
	}
	return JSONResult(resp, false), nil
}

type reportFindingArgs struct {
	TaskID      string         `json:"task_id"`
	WorkerID    string         `json:"worker_id"`
	FindingType string         `json:"finding_type"`
	Severity    string         `json:"severity"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
}

func (cs *CoordinatorServer) handleReportFinding(_ context.Context, raw json.RawMessage) (*ToolCallResult, error) {
	var args reportFindingArgs
	if err := decodeArgs(raw, &args); err != nil {
		return fail(fmt.Errorf("%w: %s", types.ErrValidation, err))
	}
	resp, err := cs.sup.ReportFinding(
		args.TaskID, args.WorkerID, events.FindingType(args.FindingType),
		events.Severity(args.Severity), args.Message, args.Data)
	if err != nil {
		return fail(err)
	}
	return JSONResult(resp, false), nil
}

func (cs *CoordinatorServer) handleTriggerHealthScan(ctx context.Context, _ json.RawMessage) (*ToolCallResult, error) {
	report, err := cs.health.TriggerScan(ctx)
	if err != nil {
		return fail(err)
	}
	return JSONResult(envelope{Success: true, Result: report}, false), nil
}

func (cs *CoordinatorServer) handleListTasks(_ context.Context, _ json.RawMessage) (*ToolCallResult, error) {
	entries, err := cs.store.ListTasks()
	if err != nil {
		return fail(err)
	}
	return JSONResult(envelope{Success: true, Result: entries}, false), nil
}

func (cs *CoordinatorServer) handleListPhaseTemplates(_ context.Context, _ json.RawMessage) (*ToolCallResult, error) {
	type templateInfo struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Phases      int    `json:"phases"`
		Source      string `json:"source"`
	}
	templates := cs.templates.List()
	infos := make([]templateInfo, len(templates))
	for i, t := range templates {
		infos[i] = templateInfo{
			Name:        t.Name,
			Description: t.Description,
			Phases:      len(t.Phases),
			Source:      t.Source.String(),
		}
	}
	return JSONResult(envelope{Success: true, Result: infos}, false), nil
}
