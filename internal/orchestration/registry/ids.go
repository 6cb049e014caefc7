package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// hexSuffix returns n hex characters of fresh entropy.
func hexSuffix(n int) string {
	id := uuid.New()
	hex := strings.ReplaceAll(id.String(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n]
}

// NewTaskID generates a task id of the form TASK-YYYYMMDD-HHMMSS-xxxxxxxx.
// Timestamps are UTC so ids sort chronologically across hosts.
func NewTaskID(now time.Time) string {
	utc := now.UTC()
	return fmt.Sprintf("TASK-%s-%s-%s", utc.Format("20060102"), utc.Format("150405"), hexSuffix(8))
}

// NewWorkerID generates a worker id of the form {type}-{HHMMSS}-{xxxxxx}.
func NewWorkerID(workerType string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s", workerType, now.UTC().Format("150405"), hexSuffix(6))
}

// NewReviewID generates a review id of the form review-{HHMMSS}-{xxxxxx}.
func NewReviewID(now time.Time) string {
	return fmt.Sprintf("review-%s-%s", now.UTC().Format("150405"), hexSuffix(6))
}

// SessionName returns the mux session name hosting the given worker.
func SessionName(workerID string) string {
	return "agent_" + workerID
}

// IsAgentSession reports whether a mux session name belongs to a worker.
func IsAgentSession(session string) bool {
	return strings.HasPrefix(session, "agent_")
}

// WorkerIDFromSession extracts the worker id from an agent session name.
// Returns empty string if the name doesn't match the agent pattern.
func WorkerIDFromSession(session string) string {
	if !IsAgentSession(session) {
		return ""
	}
	return strings.TrimPrefix(session, "agent_")
}
