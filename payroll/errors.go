package payroll

import (
	"errors"

	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
)

var (
	// ErrMissingTenant is returned when a launch names no tenant.
	ErrMissingTenant = errors.New("tenant id is required")

	// ErrNothingToReprocess is returned when a period has no FAILED calculations.
	ErrNothingToReprocess = errors.New("no failed calculations to reprocess")

	// ErrUnknownFrequency is returned for an unsupported pay frequency.
	ErrUnknownFrequency = errors.New("unknown pay frequency")
)

// IsBusy returns true if the launch was rejected because the tenant
// already has a running job.
func IsBusy(err error) bool {
	return batch.IsBusy(err)
}

// IsInvalidRequest returns true if the launch request itself was invalid.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrMissingTenant) ||
		errors.Is(err, benefits.ErrInvalidPeriod) ||
		errors.Is(err, ErrNothingToReprocess)
}
