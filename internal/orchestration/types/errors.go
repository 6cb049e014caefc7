// Package types defines the transport-visible error vocabulary shared by the
// orchestration components. Every failure that crosses the tool surface maps
// to exactly one stable Kind; handlers wrap these sentinels with context and
// the surface extracts the kind for the response envelope.
package types

import "errors"

// Kind is a stable, transport-visible error code.
type Kind string

// Error kinds. These strings are part of the tool protocol and must not change.
const (
	KindValidation            Kind = "ValidationError"
	KindNotFound              Kind = "NotFound"
	KindPhaseStateInvalid     Kind = "PhaseStateInvalid"
	KindReviewBlocked         Kind = "ReviewBlocked"
	KindCapacityExceeded      Kind = "CapacityExceeded"
	KindInsufficientResources Kind = "InsufficientResources"
	KindWorkspaceNotWritable  Kind = "WorkspaceNotWritable"
	KindRegistryLockConflict  Kind = "RegistryLockConflict"
	KindSubprocessFailure     Kind = "SubprocessFailure"
	KindAlreadySubmitted      Kind = "AlreadySubmitted"
	KindInternal              Kind = "InternalError"
)

// Sentinel errors carried across component boundaries. Wrap with
// fmt.Errorf("...: %w", err) to add context; classify with KindOf.
var (
	ErrValidation            = errors.New("validation failed")
	ErrTaskNotFound          = errors.New("task not found")
	ErrWorkerNotFound        = errors.New("worker not found")
	ErrReviewNotFound        = errors.New("review not found")
	ErrPhaseStateInvalid     = errors.New("operation not valid in current phase state")
	ErrReviewBlocked         = errors.New("manual review decision blocked")
	ErrCapacityExceeded      = errors.New("capacity limit exceeded")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrWorkspaceNotWritable  = errors.New("workspace not writable")
	ErrRegistryLockConflict  = errors.New("could not acquire registry lock")
	ErrSubprocessFailure     = errors.New("subprocess failed to start")
	ErrAlreadySubmitted      = errors.New("verdict already submitted")
	ErrWorkerTerminal        = errors.New("worker is in a terminal state")
)

// KindOf maps an error chain to its transport-visible kind.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrWorkerNotFound),
		errors.Is(err, ErrReviewNotFound):
		return KindNotFound
	case errors.Is(err, ErrPhaseStateInvalid), errors.Is(err, ErrWorkerTerminal):
		return KindPhaseStateInvalid
	case errors.Is(err, ErrReviewBlocked):
		return KindReviewBlocked
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, ErrInsufficientResources):
		return KindInsufficientResources
	case errors.Is(err, ErrWorkspaceNotWritable):
		return KindWorkspaceNotWritable
	case errors.Is(err, ErrRegistryLockConflict):
		return KindRegistryLockConflict
	case errors.Is(err, ErrSubprocessFailure):
		return KindSubprocessFailure
	case errors.Is(err, ErrAlreadySubmitted):
		return KindAlreadySubmitted
	default:
		return KindInternal
	}
}
