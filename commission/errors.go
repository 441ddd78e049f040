package commission

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("commission: not found")
	ErrInvalidCommissionAmount = errors.New("commission: invalid commission amount")
	ErrInvalidStateTransition  = errors.New("commission: invalid state transition")
)

// TransitionError reports a lifecycle operation rejected by the commission's
// current status. It matches ErrInvalidStateTransition with errors.Is.
type TransitionError struct {
	Op   string
	ID   string
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("commission: cannot %s commission %s in status %s", e.Op, e.ID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}
