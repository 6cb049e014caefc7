package phase

import (
	"fmt"
	"strings"

	"github.com/zjrosen/maestro/internal/orchestration/registry"
	"github.com/zjrosen/maestro/internal/orchestration/types"
)

// Input bounds for create_task.
const (
	minDescriptionLen = 20
	maxPhaseNameLen   = 80
)

// PhaseSpec is one requested phase in a create_task call.
type PhaseSpec struct {
	Name                 string   `json:"name"`
	Description          string   `json:"description,omitempty"`
	ExpectedDeliverables []string `json:"expected_deliverables,omitempty"`
	SuccessCriteria      []string `json:"success_criteria,omitempty"`
}

// CreateTaskRequest is the validated input for task creation.
type CreateTaskRequest struct {
	Description string
	Priority    registry.Priority
	Phases      []PhaseSpec
	ClientDir   string
}

// validateCreateTask collects every input violation; the whole list travels
// back in the error so the caller can fix all fields in one round.
func validateCreateTask(req CreateTaskRequest) error {
	var warnings []string

	if len(strings.TrimSpace(req.Description)) < minDescriptionLen {
		warnings = append(warnings, fmt.Sprintf("description must be at least %d characters", minDescriptionLen))
	}
	if req.Priority != "" && !req.Priority.IsValid() {
		warnings = append(warnings, fmt.Sprintf("priority %q must be P0-P4", req.Priority))
	}
	if len(req.Phases) == 0 {
		warnings = append(warnings, "at least one phase is required")
	}
	for i, p := range req.Phases {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			warnings = append(warnings, fmt.Sprintf("phase %d: name must not be empty", i+1))
		}
		if len(name) > maxPhaseNameLen {
			warnings = append(warnings, fmt.Sprintf("phase %d: name exceeds %d characters", i+1, maxPhaseNameLen))
		}
		for j, d := range p.ExpectedDeliverables {
			if strings.TrimSpace(d) == "" {
				warnings = append(warnings, fmt.Sprintf("phase %d: expected deliverable %d is empty", i+1, j+1))
			}
		}
		for j, c := range p.SuccessCriteria {
			if strings.TrimSpace(c) == "" {
				warnings = append(warnings, fmt.Sprintf("phase %d: success criterion %d is empty", i+1, j+1))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("%w: %s", types.ErrValidation, strings.Join(warnings, "; "))
	}
	return nil
}
