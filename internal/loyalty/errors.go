package loyalty

import (
	"errors"
	"fmt"
)

// Expected, recoverable outcomes. Callers branch on these with errors.Is;
// anything else coming out of the engine is an infrastructure failure.
var (
	ErrNotFound          = errors.New("not found")
	ErrPriorityConflict  = errors.New("priority conflict")
	ErrNotActive         = errors.New("promotion is not active")
	ErrAlreadyUsed       = errors.New("promotion already redeemed by member")
	ErrTargetingMismatch = errors.New("member does not match promotion targeting")
	ErrNotAnUpgrade      = errors.New("member already holds an equal or better tier")
	ErrValidation        = errors.New("validation error")
)

// PriorityConflictError rejects an assignment whose source ranks below the
// one holding the current tier. It names the current source and both
// priorities so the caller can decide whether to retry with force.
type PriorityConflictError struct {
	Current           Source
	CurrentPriority   int
	Requested         SourceKind
	RequestedPriority int
}

func (e *PriorityConflictError) Error() string {
	return fmt.Sprintf("tier is held by %s (priority %d); %s (priority %d) may not override it without force",
		e.Current, e.CurrentPriority, e.Requested, e.RequestedPriority)
}

func (e *PriorityConflictError) Is(target error) bool { return target == ErrPriorityConflict }

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
