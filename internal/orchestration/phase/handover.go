package phase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/maestro/internal/orchestration/eventlog"
	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
)

// handoverFindingsTail bounds how many findings per worker the handover pulls.
const handoverFindingsTail = 20

// buildHandover renders the markdown handover document for an approved
// phase: deliverables, criteria, worker summary, and notable findings.
func (e *Engine) buildHandover(task *registry.Task, phase *registry.Phase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Handover: %s\n\n", phase.Name)
	fmt.Fprintf(&b, "Task %s, phase %d of %d. Approved %s.\n\n",
		task.ID, phase.Index+1, len(task.Phases), time.Now().UTC().Format(time.RFC3339))

	if phase.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", phase.Description)
	}

	if len(phase.ExpectedDeliverables) > 0 {
		b.WriteString("## Deliverables\n\n")
		for _, d := range phase.ExpectedDeliverables {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("\n")
	}
	if len(phase.SuccessCriteria) > 0 {
		b.WriteString("## Success criteria\n\n")
		for _, c := range phase.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	workers := task.PhaseWorkers(phase.Index)
	if len(workers) > 0 {
		b.WriteString("## Workers\n\n")
		for _, w := range workers {
			fmt.Fprintf(&b, "- %s (%s): %s, progress %d%%\n", w.ID, w.Type, w.Status, w.Progress)
		}
		b.WriteString("\n")
	}

	if findings := e.collectFindings(workers); len(findings) > 0 {
		b.WriteString("## Findings\n\n")
		for _, f := range findings {
			fmt.Fprintf(&b, "- [%s/%s] %s (%s)\n", f.FindingType, f.Severity, f.Message, f.AgentID)
		}
		b.WriteString("\n")
	}

	if review := lastResolvedReview(task, phase.Index); review != nil {
		fmt.Fprintf(&b, "## Review\n\nFinal verdict: %s (%d reviewers, %d verdicts).\n",
			review.FinalVerdict, len(review.ReviewerIDs), len(review.Verdicts))
	}
	return b.String()
}

// collectFindings tails each worker's findings stream.
func (e *Engine) collectFindings(workers []*registry.Worker) []eventlog.FindingEntry {
	var out []eventlog.FindingEntry
	for _, w := range workers {
		objs, err := eventlog.ReadTail(w.Files.Findings, handoverFindingsTail)
		if err != nil {
			continue
		}
		for _, raw := range objs {
			var f eventlog.FindingEntry
			if err := json.Unmarshal(raw, &f); err == nil {
				out = append(out, f)
			}
		}
	}
	return out
}

// lastResolvedReview returns the most recent completed review for the phase.
func lastResolvedReview(task *registry.Task, phaseIndex int) *registry.Review {
	for i := len(task.Reviews) - 1; i >= 0; i-- {
		r := &task.Reviews[i]
		if r.PhaseIndex == phaseIndex && r.Status == events.ReviewCompleted {
			return r
		}
	}
	return nil
}
