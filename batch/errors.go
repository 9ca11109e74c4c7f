/*
errors.go - Error types for the batch runtime

PURPOSE:
  Sentinel errors for the chunk processor, job runner, job repository and
  tenant lock, plus structured errors that carry the context callers need
  (which parameter, which tenant, which execution).

ERROR CATEGORIES:
  1. Initialization errors - missing/invalid job parameters (fatal to a step)
  2. Skip errors           - skip budget exhausted (fatal to a step)
  3. Conflict errors       - tenant already has a running job (rejection)
  4. Repository errors     - unknown execution ids

USAGE:
  if errors.Is(err, batch.ErrJobAlreadyRunning) {
      var busy *batch.JobRunningError
      errors.As(err, &busy)
      ...
  }

SEE ALSO:
  - step.go: Raises skip and initialization errors
  - lock.go: Raises JobRunningError
*/
package batch

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMissingParameter is returned when a required job parameter is absent.
	ErrMissingParameter = errors.New("missing job parameter")

	// ErrInvalidParameter is returned when a job parameter cannot be parsed.
	ErrInvalidParameter = errors.New("invalid job parameter")

	// ErrSkipLimitExceeded is returned when a step skipped more items than allowed.
	ErrSkipLimitExceeded = errors.New("skip limit exceeded")

	// ErrItemPanic wraps a panic raised while processing or writing an item.
	ErrItemPanic = errors.New("item handler panicked")

	// ErrJobAlreadyRunning is returned when a tenant already holds a live job lease.
	ErrJobAlreadyRunning = errors.New("job already running")

	// ErrJobExecutionNotFound is returned when an execution id is unknown.
	ErrJobExecutionNotFound = errors.New("job execution not found")

	// ErrJobAbandoned is returned when a running execution was taken over as stale.
	ErrJobAbandoned = errors.New("job execution abandoned")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingParameterError names the job parameter that was required.
type MissingParameterError struct {
	Key string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing job parameter %q", e.Key)
}

func (e *MissingParameterError) Unwrap() error {
	return ErrMissingParameter
}

// InvalidParameterError names a parameter whose value could not be parsed.
type InvalidParameterError struct {
	Key   string
	Value string
	Err   error
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid job parameter %q=%q: %v", e.Key, e.Value, e.Err)
}

func (e *InvalidParameterError) Unwrap() []error {
	return []error{ErrInvalidParameter, e.Err}
}

// SkipLimitExceededError reports the step that ran out of skip budget.
type SkipLimitExceededError struct {
	Step      string
	SkipLimit int
	LastErr   error
}

func (e *SkipLimitExceededError) Error() string {
	return fmt.Sprintf("step %s: skip limit %d exceeded: %v", e.Step, e.SkipLimit, e.LastErr)
}

func (e *SkipLimitExceededError) Unwrap() error {
	return ErrSkipLimitExceeded
}

// JobRunningError is the single-flight rejection for a tenant.
type JobRunningError struct {
	TenantID    string
	ExecutionID string
	StartedAt   time.Time
}

func (e *JobRunningError) Error() string {
	return fmt.Sprintf("a pre-payroll job is already running for tenant: %s. Please wait for the current job to complete.", e.TenantID)
}

func (e *JobRunningError) Unwrap() error {
	return ErrJobAlreadyRunning
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsBusy returns true if the error is a single-flight rejection.
func IsBusy(err error) bool {
	return errors.Is(err, ErrJobAlreadyRunning)
}

// IsParameterError returns true if the error is caused by job parameters.
func IsParameterError(err error) bool {
	return errors.Is(err, ErrMissingParameter) || errors.Is(err, ErrInvalidParameter)
}

// IsNotFound returns true if the error indicates a missing execution.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobExecutionNotFound)
}
