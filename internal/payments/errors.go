package payments

import (
	"fmt"
	"strings"
)

// ValidationError lists every offending session field. Nothing was sent to
// the processor.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payments: invalid session request: %s", strings.Join(e.Fields, ", "))
}

// ProcessorError reports a failed or malformed processor answer. Not retried.
type ProcessorError struct {
	StatusCode int
	Message    string
}

func (e *ProcessorError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("payments: stripe status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("payments: stripe: %s", e.Message)
}
