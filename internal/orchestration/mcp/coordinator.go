package mcp

import (
	"encoding/json"

	"github.com/zjrosen/maestro/internal/orchestration/guidance"
	"github.com/zjrosen/maestro/internal/orchestration/health"
	"github.com/zjrosen/maestro/internal/orchestration/phase"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/supervisor"
	"github.com/zjrosen/maestro/internal/orchestration/workflow"
)

// CoordinatorServer is the MCP server that exposes orchestration tools to
// the coordinator agent: task and phase lifecycle, worker management, the
// review gate, and health.
type CoordinatorServer struct {
	*Server

	store     *registry.Store
	sup       *supervisor.Supervisor
	engine    *phase.Engine
	health    health.Daemon
	templates *workflow.Registry
}

// coordinatorInstructions is the brief server description advertised during
// initialization. Detailed protocol guidance travels per-response in the
// guidance block.
const coordinatorInstructions = `Maestro orchestration server. Create phased tasks, spawn workers into phases, submit phases for multi-reviewer agentic review, and advance approved phases. Every response carries a guidance block with the current state and the sensible next actions.`

// NewCoordinatorServer creates the coordinator MCP server and registers all
// orchestration tools.
func NewCoordinatorServer(
	store *registry.Store,
	sup *supervisor.Supervisor,
	engine *phase.Engine,
	healthDaemon health.Daemon,
	templates *workflow.Registry,
) *CoordinatorServer {
	cs := &CoordinatorServer{
		Server:    NewServer("maestro-orchestrator", "1.0.0", WithInstructions(coordinatorInstructions)),
		store:     store,
		sup:       sup,
		engine:    engine,
		health:    healthDaemon,
		templates: templates,
	}
	cs.registerTools()
	return cs
}

// envelope is the uniform tool response: outcome, optional error text, a
// guidance block, and the tool-specific payload.
type envelope struct {
	Success  bool               `json:"success"`
	Error    string             `json:"error,omitempty"`
	Guidance *guidance.Guidance `json:"guidance,omitempty"`
	Result   any                `json:"result,omitempty"`
}

// ok builds a success envelope with guidance derived from the task state.
func ok(task *registry.Task, payload any) (*ToolCallResult, error) {
	return JSONResult(envelope{
		Success:  true,
		Guidance: guidance.ForTask(task),
		Result:   payload,
	}, false), nil
}

// fail builds an error envelope with recovery guidance. The error travels
// in the result body rather than as a transport failure so the agent can
// read the guidance and retry.
func fail(err error) (*ToolCallResult, error) {
	return JSONResult(envelope{
		Success:  false,
		Error:    err.Error(),
		Guidance: guidance.ForError(err),
	}, true), nil
}

// okLoaded reloads the task for guidance; used after operations that return
// no task snapshot of their own.
func (cs *CoordinatorServer) okLoaded(taskID string, payload any) (*ToolCallResult, error) {
	task, err := cs.store.Load(taskID)
	if err != nil {
		return fail(err)
	}
	return ok(task, payload)
}

func (cs *CoordinatorServer) registerTools() {
	taskIDProp := Property{Type: "string", Description: "Task identifier (task-YYYYMMDD-HHMMSS-xxxx)"}
	reviewIDProp := Property{Type: "string", Description: "Review identifier"}
	workerIDProp := Property{Type: "string", Description: "Worker identifier"}

	cs.RegisterTool(Tool{
		Name:        "create_task",
		Description: "Create a multi-phase task. Provide explicit phases or a template name; the first phase starts ACTIVE.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"description": {Type: "string", Description: "What the task accomplishes (min 20 characters)"},
				"priority":    {Type: "string", Description: "Task priority", Enum: []string{"P0", "P1", "P2", "P3", "P4"}},
				"phases": {Type: "array", Description: "Ordered phase plan; omit to use a template",
					Items: &Property{Type: "object"}},
				"template":   {Type: "string", Description: "Phase template name (see list_phase_templates)"},
				"client_dir": {Type: "string", Description: "Client project directory workers operate in"},
			},
			Required: []string{"description"},
		},
	}, cs.handleCreateTask)

	cs.RegisterTool(Tool{
		Name:        "get_phase_status",
		Description: "Current phase, worker counts by status, and the open review if any.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]Property{"task_id": taskIDProp},
			Required:   []string{"task_id"},
		},
	}, cs.handleGetPhaseStatus)

	cs.RegisterTool(Tool{
		Name:        "check_phase_progress",
		Description: "Report whether every worker in the current phase has reached a terminal status.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]Property{"task_id": taskIDProp},
			Required:   []string{"task_id"},
		},
	}, cs.handleCheckPhaseProgress)

	cs.RegisterTool(Tool{
		Name:        "submit_phase_for_review",
		Description: "Move the current phase to AWAITING_REVIEW once its work is done.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]Property{"task_id": taskIDProp},
			Required:   []string{"task_id"},
		},
	}, cs.handleSubmitPhaseForReview)

	cs.RegisterTool(Tool{
		Name:        "trigger_agentic_review",
		Description: "Spawn the reviewer panel for the awaiting phase and move it to UNDER_REVIEW.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]Property{"task_id": taskIDProp},
			Required:   []string{"task_id"},
		},
	}, cs.handleTriggerAgenticReview)

	cs.RegisterTool(Tool{
		Name:        "submit_review_verdict",
		Description: "Record one reviewer's verdict. When the last verdict lands the review resolves and the phase transitions.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"task_id":     taskIDProp,
				"review_id":   reviewIDProp,
				"reviewer_id": {Type: "string", Description: "Reviewer worker identifier"},
				"verdict":     {Type: "string", Description: "The reviewer's vote", Enum: []string{"approve", "reject", "needs_revision"}},
				"findings": {Type: "array", Description: "Optional findings backing the verdict",
					Items: &Property{Type: "object"}},
			},
			Required: []string{"task_id", "review_id", "reviewer_id", "verdict"},
		},
	}, cs.handleSubmitReviewVerdict)

	cs.RegisterTool(Tool{
		Name:        "get_review_status",
		Description: "Current state of a review round: reviewers, submitted verdicts, final verdict.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]Property{"task_id": taskIDProp, "review_id": reviewIDProp},
			Required:   []string{"task_id", "review_id"},
		},
	}, cs.handleGetReviewStatus)

	cs.RegisterTool(Tool{
		Name:        "abort_stalled_review",
		Description: "Abort an unresolvable review, kill its reviewers, and reopen the phase for a fresh review round.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]Property{"task_id": taskIDProp, "review_id": reviewIDProp},
			Required:   []string{"task_id", "review_id"},
		},
	}, cs.handleAbortStalledReview)

	cs.RegisterTool(Tool{
		Name:        "approve_phase_review",
		Description: "Operator override: approve an ESCALATED review. Requires force_escalated to acknowledge the override.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"task_id":         taskIDProp,
				"review_id":       reviewIDProp,
				"force_escalated": {Type: "boolean", Description: "Must be true; confirms overriding an escalated review"},
			},
			Required: []string{"task_id", "review_id"},
		},
	}, cs.handleApprovePhaseReview)

	cs.RegisterTool(Tool{
		Name:        "reject_phase_review",
		Description: "Manual phase rejection. Always refused: rejection only happens through reviewer verdicts.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]Property{"task_id": taskIDProp},
		},
	}, cs.handleRejectPhaseReview)

	cs.RegisterTool(Tool{
		Name:        "advance_to_next_phase",
		Description: "Advance past an APPROVED phase: write its handover and activate the next phase, or complete the task.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]Property{"task_id": taskIDProp},
			Required:   []string{"task_id"},
		},
	}, cs.handleAdvanceToNextPhase)

	cs.RegisterTool(Tool{
		Name:        "get_phase_handover",
		Description: "Fetch the handover document written when a phase was approved.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"task_id":     taskIDProp,
				"phase_index": {Type: "integer", Description: "Zero-based phase index"},
			},
			Required: []string{"task_id", "phase_index"},
		},
	}, cs.handleGetPhaseHandover)

	cs.RegisterTool(Tool{
		Name:        "spawn_worker",
		Description: "Spawn a worker into the current phase. Fails when the phase is not accepting workers or a capacity limit is hit.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"task_id":     taskIDProp,
				"worker_type": {Type: "string", Description: "Worker type tag, e.g. implementer, researcher"},
				"prompt":      {Type: "string", Description: "Full prompt for the worker agent"},
			},
			Required: []string{"task_id", "worker_type", "prompt"},
		},
	}, cs.handleSpawnWorker)

	cs.RegisterTool(Tool{
		Name:        "spawn_child",
		Description: "Spawn a sub-worker under an existing worker, one level deeper in the hierarchy.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"task_id":          taskIDProp,
				"parent_worker_id": {Type: "string", Description: "Worker the child reports to"},
				"worker_type":      {Type: "string", Description: "Worker type tag"},
				"prompt":           {Type: "string", Description: "Full prompt for the child agent"},
			},
			Required: []string{"task_id", "parent_worker_id", "worker_type", "prompt"},
		},
	}, cs.handleSpawnChild)

	cs.RegisterTool(Tool{
		Name:        "kill_worker",
		Description: "Terminate a worker: mark it terminated, then kill its session.",
		InputSchema: &InputSchema{
			Type:       "object",
			Properties: map[string]Property{"task_id": taskIDProp, "worker_id": workerIDProp},
			Required:   []string{"task_id", "worker_id"},
		},
	}, cs.handleKillWorker)

	cs.RegisterTool(Tool{
		Name:        "get_worker_output",
		Description: "Bounded read of a worker's output stream, optionally filtered by regex.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"task_id":   taskIDProp,
				"worker_id": workerIDProp,
				"tail":      {Type: "integer", Description: "Last N lines (default 1000)"},
				"filter":    {Type: "string", Description: "Regex applied per line"},
				"format":    {Type: "string", Description: "Output shape", Enum: []string{"text", "jsonl", "parsed"}},
				"include_metadata": {Type: "boolean",
					Description: "Include file size, line counts, and truncation info"},
			},
			Required: []string{"task_id", "worker_id"},
		},
	}, cs.handleGetWorkerOutput)

	cs.RegisterTool(Tool{
		Name:        "update_progress",
		Description: "Worker heartbeat: record status and progress. The response is a minimal coordination summary.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"task_id":   taskIDProp,
				"worker_id": workerIDProp,
				"status": {Type: "string", Description: "New worker status",
					Enum: []string{"working", "blocked", "completed", "failed", "error"}},
				"message":  {Type: "string", Description: "Short progress note"},
				"progress": {Type: "integer", Description: "Completion percentage 0-100"},
			},
			Required: []string{"task_id", "worker_id", "status"},
		},
	}, cs.handleUpdateProgress)

	cs.RegisterTool(Tool{
		Name:        "report_finding",
		Description: "Record a worker finding (issue, solution, insight, recommendation) on its findings stream.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"task_id":   taskIDProp,
				"worker_id": workerIDProp,
				"finding_type": {Type: "string", Description: "Kind of observation",
					Enum: []string{"issue", "solution", "insight", "recommendation"}},
				"severity": {Type: "string", Description: "Finding severity",
					Enum: []string{"low", "medium", "high", "critical"}},
				"message": {Type: "string", Description: "The finding itself"},
				"data":    {Type: "object", Description: "Optional structured detail"},
			},
			Required: []string{"task_id", "worker_id", "finding_type", "severity", "message"},
		},
	}, cs.handleReportFinding)

	cs.RegisterTool(Tool{
		Name:        "trigger_health_scan",
		Description: "Run one health scan now: reap dead workers, escalate dead reviews, report orphan sessions.",
		InputSchema: &InputSchema{Type: "object"},
	}, cs.handleTriggerHealthScan)

	cs.RegisterTool(Tool{
		Name:        "list_tasks",
		Description: "List all known tasks from the global index, newest first.",
		InputSchema: &InputSchema{Type: "object"},
	}, cs.handleListTasks)

	cs.RegisterTool(Tool{
		Name:        "list_phase_templates",
		Description: "List the available phase templates for create_task.",
		InputSchema: &InputSchema{Type: "object"},
	}, cs.handleListPhaseTemplates)
}

// decodeArgs unmarshals tool arguments, tolerating an absent body for tools
// with no required fields.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
