package task

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("task not found")

// InvalidTransitionError reports a rejected state-machine transition.
// It carries the task and the attempted edge so callers can surface a
// stable reason (HTTP 409 at the API layer).
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
