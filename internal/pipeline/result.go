package pipeline

import (
	"errors"
	"fmt"

	"github.com/voxnote/voxnote-api/internal/domain"
)

// Result is the in-band outcome of a pipeline run. A business failure
// (model returned garbage, audio object missing) is reported here, not
// as an error: the task has reached a terminal state and the queue
// message must be acknowledged, because retrying an identical model
// call is futile and costly.
type Result struct {
	Status       domain.TaskStatus
	ErrorMessage string
}

// Failed reports whether the run ended in the failed terminal state.
func (r Result) Failed() bool {
	return r.Status == domain.TaskStatusFailed
}

// InfraError marks a failure of infrastructure the pipeline depends on
// (object store or metadata store unreachable). It is the only error
// class allowed to cross the queue consumer boundary, where it
// triggers redelivery instead of acknowledgment.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// Infra wraps err as an InfraError for the named operation.
func Infra(op string, err error) error {
	return &InfraError{Op: op, Err: err}
}

// IsInfra reports whether err is (or wraps) an InfraError.
func IsInfra(err error) bool {
	var infra *InfraError
	return errors.As(err, &infra)
}
