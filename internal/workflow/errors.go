package workflow

import (
	"errors"
	"fmt"
)

// ErrUnknownDispatch is returned for outbox entries no route exists for.
var ErrUnknownDispatch = errors.New("workflow: unknown dispatch type")

// WorkflowError reports a non-2xx answer from the workflow engine. The
// dispatch is not retried.
type WorkflowError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow: %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// Permanent tells the outbox deliverer to stop retrying.
func (e *WorkflowError) Permanent() bool { return true }

type unroutableError struct {
	dispatchType string
}

func (e *unroutableError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownDispatch, e.dispatchType)
}

func (e *unroutableError) Unwrap() error   { return ErrUnknownDispatch }
func (e *unroutableError) Permanent() bool { return true }
