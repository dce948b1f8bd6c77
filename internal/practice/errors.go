package practice

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when an operation is not allowed in the
// session's current state. The session is left unchanged.
var ErrInvalidState = errors.New("practice: operation not allowed in current state")

// SubmissionFault wraps a failed scoring round-trip. The captured transcript
// is kept so the attempt can be submitted again.
type SubmissionFault struct {
	Err error
}

func (f *SubmissionFault) Error() string {
	return fmt.Sprintf("submission failed: %v", f.Err)
}

func (f *SubmissionFault) Unwrap() error {
	return f.Err
}

func invalidState(op string, state State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, state)
}
