// Package prompt composes worker prompts from role preambles. Known worker
// types get a short role preamble ahead of the caller's prompt body; unknown
// types pass through untouched.
package prompt

// Role is a worker specialization recognized by the prompt composer.
type Role string

// Roles with a built-in preamble.
const (
	RoleGeneric     Role = ""
	RoleImplementer Role = "implementer"
	RoleReviewer    Role = "reviewer"
	RoleResearcher  Role = "researcher"
)

const implementerPreamble = `You are an implementer agent. Build exactly what the prompt below asks for,
with tests alongside the code. Report progress with update_progress as you
work and record anything notable with report_finding. Call update_progress
with status completed (or failed) when you are done.`

const reviewerPreamble = `You are a reviewer agent. Judge the work described below against its stated
criteria. Inspect worker outputs with get_worker_output rather than trusting
summaries. Submit exactly one verdict with submit_review_verdict; attach a
finding for every problem that influenced your vote.`

const researcherPreamble = `You are a researcher agent. Investigate the question below and report what
you find with report_finding as you go; prefer several small findings over
one large one. Finish with update_progress status completed and a one-line
summary.`

var preambles = map[Role]string{
	RoleImplementer: implementerPreamble,
	RoleReviewer:    reviewerPreamble,
	RoleResearcher:  researcherPreamble,
}

// Preamble returns the role preamble, or empty for unknown roles.
func Preamble(role Role) string {
	return preambles[role]
}

// Compose prepends the role preamble to the prompt body. Bodies for unknown
// or generic roles come back unchanged.
func Compose(role Role, body string) string {
	preamble := preambles[role]
	if preamble == "" {
		return body
	}
	return preamble + "\n\n" + body
}
