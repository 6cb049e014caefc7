package supervisor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/orchestration/eventlog"
	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/types"
)

// AgentCounts is the compact counter block in coordination responses.
type AgentCounts struct {
	TotalSpawned int `json:"total_spawned"`
	Active       int `json:"active"`
	Completed    int `json:"completed"`
}

// RecentFinding is a trimmed finding carried in coordination responses.
type RecentFinding struct {
	AgentID     string             `json:"agent_id"`
	FindingType events.FindingType `json:"finding_type"`
	Severity    events.Severity    `json:"severity"`
	Message     string             `json:"message"`
}

// CoordinationResponse is the minimal payload returned to a worker after
// update_progress or report_finding. It stays under 2 KiB and never carries
// worker lists or prompts.
type CoordinationResponse struct {
	Success        bool                    `json:"success"`
	OwnUpdate      *eventlog.ProgressEntry `json:"own_update,omitempty"`
	OwnFinding     *eventlog.FindingEntry  `json:"own_finding,omitempty"`
	AgentCounts    AgentCounts             `json:"agent_counts"`
	RecentFindings []RecentFinding         `json:"recent_findings,omitempty"`

	// Terminal reports whether this update finished the worker, so the
	// caller can trigger the auto-submission check.
	Terminal bool `json:"-"`
}

// coordMessageCap bounds individual message fields inside the response.
const coordMessageCap = 240

// UpdateProgress records a worker's self-reported status: append to the
// progress stream, then patch the registry worker record under lock. A
// terminal status closes the worker permanently.
func (s *Supervisor) UpdateProgress(taskID, workerID string, status events.WorkerStatus, message string, progress int) (*CoordinationResponse, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown worker status %q", types.ErrValidation, status)
	}
	if progress < 0 || progress > 100 {
		return nil, fmt.Errorf("%w: progress %d outside 0-100", types.ErrValidation, progress)
	}

	entry := eventlog.ProgressEntry{
		Timestamp: time.Now().UTC(),
		AgentID:   workerID,
		Status:    status,
		Message:   message,
		Progress:  progress,
	}

	var counters registry.Counters
	var progressPath string
	task, err := s.store.Mutate(taskID, func(task *registry.Task) error {
		w := task.Worker(workerID)
		if w == nil {
			return fmt.Errorf("%w: %s", types.ErrWorkerNotFound, workerID)
		}
		if w.Status.IsTerminal() {
			return fmt.Errorf("%w: worker %s is already %s", types.ErrWorkerTerminal, workerID, w.Status)
		}
		w.Status = status
		w.Progress = progress
		w.LastUpdateAt = entry.Timestamp
		if status.IsTerminal() {
			w.CompletedAt = entry.Timestamp
		}
		progressPath = w.Files.Progress
		return nil
	})
	if err != nil {
		return nil, err
	}
	counters = task.Counters

	if err := eventlog.Append(progressPath, entry); err != nil {
		log.ErrorErr(log.CatSupervisor, "Failed to append progress entry", err, "workerID", workerID)
	}

	s.store.Publish(events.Event{
		Type: events.EventWorkerStatusChange, TaskID: taskID,
		WorkerID: workerID, Status: status,
	})

	resp := &CoordinationResponse{
		Success:   true,
		OwnUpdate: trimProgress(entry),
		AgentCounts: AgentCounts{
			TotalSpawned: counters.TotalSpawned,
			Active:       counters.ActiveCount,
			Completed:    counters.CompletedCount,
		},
		RecentFindings: s.cachedFindings(taskID),
		Terminal:       status.IsTerminal(),
	}
	return resp, nil
}

// ReportFinding appends a finding to the worker's findings stream and rolls
// it into the recent-findings window.
func (s *Supervisor) ReportFinding(taskID, workerID string, findingType events.FindingType, severity events.Severity, message string, data map[string]any) (*CoordinationResponse, error) {
	if !findingType.IsValid() {
		return nil, fmt.Errorf("%w: unknown finding type %q", types.ErrValidation, findingType)
	}
	if !severity.IsValid() {
		return nil, fmt.Errorf("%w: unknown severity %q", types.ErrValidation, severity)
	}

	task, err := s.store.Load(taskID)
	if err != nil {
		return nil, err
	}
	w := task.Worker(workerID)
	if w == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrWorkerNotFound, workerID)
	}

	entry := eventlog.FindingEntry{
		Timestamp:   time.Now().UTC(),
		AgentID:     workerID,
		FindingType: findingType,
		Severity:    severity,
		Message:     message,
		Data:        data,
	}
	if err := eventlog.Append(w.Files.Findings, entry); err != nil {
		return nil, fmt.Errorf("appending finding: %w", err)
	}

	s.rememberFinding(taskID, RecentFinding{
		AgentID:     workerID,
		FindingType: findingType,
		Severity:    severity,
		Message:     capString(message, coordMessageCap),
	})

	resp := &CoordinationResponse{
		Success:    true,
		OwnFinding: trimFinding(entry),
		AgentCounts: AgentCounts{
			TotalSpawned: task.Counters.TotalSpawned,
			Active:       task.Counters.ActiveCount,
			Completed:    task.Counters.CompletedCount,
		},
		RecentFindings: s.cachedFindings(taskID),
	}
	return resp, nil
}

// rememberFinding pushes a finding into the per-task recent window.
func (s *Supervisor) rememberFinding(taskID string, f RecentFinding) {
	var window []RecentFinding
	if v, ok := s.recentFindings.Get(taskID); ok {
		window = v.([]RecentFinding)
	}
	window = append(window, f)
	if len(window) > recentFindingsKeep {
		window = window[len(window)-recentFindingsKeep:]
	}
	s.recentFindings.Set(taskID, window, cache.DefaultExpiration)
}

// cachedFindings returns the task's recent findings window.
func (s *Supervisor) cachedFindings(taskID string) []RecentFinding {
	if v, ok := s.recentFindings.Get(taskID); ok {
		return v.([]RecentFinding)
	}
	return nil
}

// trimProgress bounds the echoed progress entry for the response.
func trimProgress(e eventlog.ProgressEntry) *eventlog.ProgressEntry {
	e.Message = capString(e.Message, coordMessageCap)
	return &e
}

// trimFinding bounds the echoed finding for the response; bulky data never
// travels back.
func trimFinding(e eventlog.FindingEntry) *eventlog.FindingEntry {
	e.Message = capString(e.Message, coordMessageCap)
	e.Data = nil
	return &e
}

func capString(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// EncodedSize returns the serialized size of the response, used by tests to
// hold the 2 KiB coordination cap.
func (c *CoordinationResponse) EncodedSize() int {
	data, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return len(data)
}
