package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/config"
	"github.com/zjrosen/maestro/internal/orchestration/guidance"
	"github.com/zjrosen/maestro/internal/orchestration/health"
	"github.com/zjrosen/maestro/internal/orchestration/mux"
	"github.com/zjrosen/maestro/internal/orchestration/phase"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/supervisor"
	"github.com/zjrosen/maestro/internal/orchestration/workflow"
)

func newCoordinator(t *testing.T) *CoordinatorServer {
	t.Helper()
	base := t.TempDir()
	store := registry.NewStore(base)
	fake := mux.NewFake()

	cfg := config.Defaults()
	cfg.WorkspaceBase = base
	cfg.Orchestration.MinFreeDiskBytes = 1

	sup := supervisor.New(store, fake, &cfg)
	t.Cleanup(sup.Close)
	engine := phase.NewEngine(store, sup, &cfg)
	daemon := health.New(health.Config{Store: store, Mux: fake, Supervisor: sup, Engine: engine})

	templates, err := workflow.NewRegistry("")
	require.NoError(t, err)

	return NewCoordinatorServer(store, sup, engine, daemon, templates)
}

// toolEnvelope mirrors the response envelope for decoding in tests.
type toolEnvelope struct {
	Success  bool               `json:"success"`
	Error    string             `json:"error"`
	Guidance *guidance.Guidance `json:"guidance"`
	Result   json.RawMessage    `json:"result"`
}

func callTool(t *testing.T, cs *CoordinatorServer, name, args string) (*ToolCallResult, toolEnvelope) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), name, json.RawMessage(args))
	require.NoError(t, err)
	require.Len(t, res.Content, 1)

	var env toolEnvelope
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &env))
	return res, env
}

func createTask(t *testing.T, cs *CoordinatorServer) string {
	t.Helper()
	_, env := callTool(t, cs, "create_task", `{
		"description": "migrate the billing exports to the new schema",
		"phases": [{"name": "Build"}, {"name": "Verify"}]
	}`)
	require.True(t, env.Success)

	var result struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &result))
	require.NotEmpty(t, result.TaskID)
	return result.TaskID
}

func TestCreateTask_ReturnsGuidanceEnvelope(t *testing.T) {
	cs := newCoordinator(t)

	res, env := callTool(t, cs, "create_task", `{
		"description": "migrate the billing exports to the new schema",
		"phases": [{"name": "Build"}]
	}`)
	require.False(t, res.IsError)
	require.True(t, env.Success)
	require.NotNil(t, env.Guidance)
	require.Equal(t, guidance.StateTaskInitialized, env.Guidance.CurrentState)
	require.Contains(t, env.Guidance.NextAction, "spawn_worker")
}

func TestCreateTask_FromTemplate(t *testing.T) {
	cs := newCoordinator(t)

	_, env := callTool(t, cs, "create_task", `{
		"description": "add exponential backoff to the webhook sender",
		"template": "feature"
	}`)
	require.True(t, env.Success)

	var result struct {
		Phases int `json:"phases"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &result))
	require.Equal(t, 3, result.Phases)
}

func TestCreateTask_UnknownTemplate(t *testing.T) {
	cs := newCoordinator(t)

	res, env := callTool(t, cs, "create_task", `{
		"description": "add exponential backoff to the webhook sender",
		"template": "no-such-plan"
	}`)
	require.True(t, res.IsError)
	require.False(t, env.Success)
	require.Contains(t, env.Error, "no-such-plan")
	require.NotNil(t, env.Guidance)
	require.Equal(t, guidance.StateErrorValidation, env.Guidance.CurrentState)
}

func TestWorkerLifecycleThroughTools(t *testing.T) {
	cs := newCoordinator(t)
	taskID := createTask(t, cs)

	_, env := callTool(t, cs, "spawn_worker", fmt.Sprintf(`{
		"task_id": %q, "worker_type": "implementer", "prompt": "build the exporter"
	}`, taskID))
	require.True(t, env.Success)

	var worker struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &worker))
	require.NotEmpty(t, worker.ID)

	// Heartbeats return the raw coordination summary, no guidance block.
	res, err := cs.CallTool(context.Background(), "update_progress", json.RawMessage(fmt.Sprintf(`{
		"task_id": %q, "worker_id": %q, "status": "working", "message": "halfway", "progress": 50
	}`, taskID, worker.ID)))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.LessOrEqual(t, len(res.Content[0].Text), 2048)
	require.NotContains(t, res.Content[0].Text, `"guidance"`)

	// A terminal heartbeat auto-submits the finished phase.
	res, err = cs.CallTool(context.Background(), "update_progress", json.RawMessage(fmt.Sprintf(`{
		"task_id": %q, "worker_id": %q, "status": "completed", "message": "done", "progress": 100
	}`, taskID, worker.ID)))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content[0].Text, `"status":"completed"`)

	_, env = callTool(t, cs, "get_phase_status", fmt.Sprintf(`{"task_id": %q}`, taskID))
	require.True(t, env.Success)
	require.Equal(t, guidance.StatePhaseAwaitingReview, env.Guidance.CurrentState)
}

func TestReviewFlowThroughTools(t *testing.T) {
	cs := newCoordinator(t)
	taskID := createTask(t, cs)

	_, env := callTool(t, cs, "spawn_worker", fmt.Sprintf(`{
		"task_id": %q, "worker_type": "implementer", "prompt": "build the exporter"
	}`, taskID))
	require.True(t, env.Success)
	var worker struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &worker))

	callTool(t, cs, "update_progress", fmt.Sprintf(`{
		"task_id": %q, "worker_id": %q, "status": "completed", "progress": 100
	}`, taskID, worker.ID))

	_, env = callTool(t, cs, "trigger_agentic_review", fmt.Sprintf(`{"task_id": %q}`, taskID))
	require.True(t, env.Success)
	var review struct {
		ID          string   `json:"id"`
		ReviewerIDs []string `json:"reviewer_ids"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &review))
	require.Len(t, review.ReviewerIDs, 3)

	for _, reviewerID := range review.ReviewerIDs {
		_, env = callTool(t, cs, "submit_review_verdict", fmt.Sprintf(`{
			"task_id": %q, "review_id": %q, "reviewer_id": %q, "verdict": "approve"
		}`, taskID, review.ID, reviewerID))
		require.True(t, env.Success)
	}

	_, env = callTool(t, cs, "advance_to_next_phase", fmt.Sprintf(`{"task_id": %q}`, taskID))
	require.True(t, env.Success)
	var advance struct {
		TaskCompleted bool `json:"task_completed"`
		CurrentPhase  int  `json:"current_phase"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &advance))
	require.False(t, advance.TaskCompleted)
	require.Equal(t, 1, advance.CurrentPhase)

	_, env = callTool(t, cs, "get_phase_handover", fmt.Sprintf(`{"task_id": %q, "phase_index": 0}`, taskID))
	require.True(t, env.Success)
	require.Contains(t, string(env.Result), "Handover")
}

func TestRejectPhaseReview_AlwaysRefused(t *testing.T) {
	cs := newCoordinator(t)
	taskID := createTask(t, cs)

	res, env := callTool(t, cs, "reject_phase_review", fmt.Sprintf(`{"task_id": %q}`, taskID))
	require.True(t, res.IsError)
	require.False(t, env.Success)
	require.Contains(t, env.Error, "abort_stalled_review")
}

func TestListPhaseTemplates(t *testing.T) {
	cs := newCoordinator(t)

	res, err := cs.CallTool(context.Background(), "list_phase_templates", nil)
	require.NoError(t, err)

	var env toolEnvelope
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &env))
	require.True(t, env.Success)

	var templates []struct {
		Name   string `json:"name"`
		Phases int    `json:"phases"`
		Source string `json:"source"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &templates))
	require.Len(t, templates, 3)
	names := make(map[string]int)
	for _, tmpl := range templates {
		names[tmpl.Name] = tmpl.Phases
		require.Equal(t, "built-in", tmpl.Source)
	}
	require.Equal(t, 3, names["feature"])
	require.Equal(t, 2, names["bugfix"])
	require.Equal(t, 1, names["research"])
}

func TestListTasks(t *testing.T) {
	cs := newCoordinator(t)
	taskID := createTask(t, cs)

	res, err := cs.CallTool(context.Background(), "list_tasks", nil)
	require.NoError(t, err)

	var env toolEnvelope
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &env))
	require.True(t, env.Success)
	require.Contains(t, string(env.Result), taskID)
}

func TestGetWorkerOutput_UnknownWorker(t *testing.T) {
	cs := newCoordinator(t)
	taskID := createTask(t, cs)

	res, env := callTool(t, cs, "get_worker_output", fmt.Sprintf(`{
		"task_id": %q, "worker_id": "agent_ghost"
	}`, taskID))
	require.True(t, res.IsError)
	require.False(t, env.Success)
	require.NotNil(t, env.Guidance)
}

func TestAllRegisteredToolsHaveSchemas(t *testing.T) {
	cs := newCoordinator(t)
	tools := cs.Tools()
	require.Len(t, tools, 21)
	for _, tool := range tools {
		require.NotEmpty(t, tool.Description, tool.Name)
		require.NotNil(t, tool.InputSchema, tool.Name)
		require.Equal(t, "object", tool.InputSchema.Type, tool.Name)
	}
}
