package benefits

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrParticipantNotFound is returned when no participant matches tenant+id.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrCalculationNotFound is returned when a calculation id is unknown.
	ErrCalculationNotFound = errors.New("calculation not found")

	// ErrPlanNotFound is returned when a tenant has no plan configuration.
	ErrPlanNotFound = errors.New("tenant plan not found")

	// ErrNotEligible is returned when a non-eligible employee reaches calculation.
	ErrNotEligible = errors.New("employee not eligible for benefits")

	// ErrMissingIdentifier is returned when a participant has no individual id.
	ErrMissingIdentifier = errors.New("participant has no individual id")

	// ErrInvalidPeriod is returned when a period ends before it starts.
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrOracle wraps failures raised inside a rule oracle.
	ErrOracle = errors.New("rule oracle failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DeductionError reports a failed deduction push for one employee.
type DeductionError struct {
	EmployeeID string
	Reason     string
}

func (e *DeductionError) Error() string {
	return fmt.Sprintf("deduction for %s rejected: %s", e.EmployeeID, e.Reason)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrCalculationNotFound) ||
		errors.Is(err, ErrPlanNotFound)
}

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) || errors.Is(err, ErrMissingIdentifier)
}
