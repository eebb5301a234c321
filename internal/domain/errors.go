package domain

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition matches any IllegalTransitionError via errors.Is.
var ErrIllegalTransition = errors.New("illegal transition")

// IllegalTransitionError is an invariant violation: the attempted transition
// is not in the lifecycle table. It is fatal to the single operation and
// never mutates task state.
type IllegalTransitionError struct {
	Identity string
	From     TaskState
	To       TaskState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for task %s", e.From, e.To, e.Identity)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// CapabilityError wraps a classifier/planner/executor failure. Recoverable:
// the task stays in its last state and the failure is audited.
type CapabilityError struct {
	Capability string
	Err        error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}
