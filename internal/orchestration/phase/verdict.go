package phase

import (
	"github.com/zjrosen/maestro/internal/orchestration/events"
	"github.com/zjrosen/maestro/internal/orchestration/registry"
)

// verdictTally is the counted state of a review round.
type verdictTally struct {
	reviewers int
	approves  int
	rejects   int
	revisions int
	died      int
	critical  bool
}

// tallyVerdicts counts verdicts and dead reviewers for a review. A reviewer
// is dead when its worker is terminal without a submitted verdict.
func tallyVerdicts(task *registry.Task, review *registry.Review) verdictTally {
	t := verdictTally{reviewers: len(review.ReviewerIDs)}

	for _, v := range review.Verdicts {
		switch v.Verdict {
		case events.VerdictApprove:
			t.approves++
		case events.VerdictReject:
			t.rejects++
		case events.VerdictNeedsRevision:
			t.revisions++
		}
		for _, f := range v.Findings {
			if f.Severity == events.SeverityCritical {
				t.critical = true
			}
		}
	}

	for _, id := range review.ReviewerIDs {
		if review.HasVerdictFrom(id) {
			continue
		}
		if w := task.Worker(id); w != nil && w.Status.IsTerminal() {
			t.died++
		}
	}
	return t
}

// complete reports whether every reviewer has either voted or died.
func (t verdictTally) complete() bool {
	return t.approves+t.rejects+t.revisions+t.died == t.reviewers
}

// aggregate resolves the final verdict. Dead reviewers count as abstentions;
// ties break in the documented order.
func (t verdictTally) aggregate() (events.FinalVerdict, events.PhaseStatus) {
	switch {
	case t.died == t.reviewers:
		return "", events.PhaseEscalated
	case t.critical:
		return events.FinalRejected, events.PhaseRejected
	case t.approves > t.rejects+t.revisions:
		return events.FinalApproved, events.PhaseApproved
	case t.revisions >= t.rejects:
		return events.FinalNeedsRevision, events.PhaseRevising
	default:
		return events.FinalRejected, events.PhaseRejected
	}
}
