/*
handoff.go - Typed job context shared by the three stages

PURPOSE:
  The stages hand results forward through the job-scoped ExecutionContext.
  JobContext wraps it with typed accessors so every stage uses the same
  stable keys.

KEYS AND FALLBACKS:
  eligibleEmployeeIds      eligibility -> calculation
                           fallback: participants flagged eligible in the store
  successfulCalculationIds calculation -> deduction
                           fallback: SUCCESS calculations of the tenant and period
  A fallback means hand-off state was lost. It is recorded under
  handoffFallbacks and reported as an Anomaly.

SEE ALSO:
  - calculation.go, deduction.go: Readers that consume the hand-off
*/
package benefits

import (
	"time"

	"github.com/warp/payroll-engine/batch"
)

// Job parameter keys.
const (
	ParamTenantID    = "tenantId"
	ParamPeriodStart = "payrollPeriodStart"
	ParamPeriodEnd   = "payrollPeriodEnd"
	ParamTimestamp   = "timestamp"
)

// Job and step context keys.
const (
	KeyEligibleEmployeeIDs      = "eligibleEmployeeIds"
	KeySuccessfulCalculationIDs = "successfulCalculationIds"

	KeyTotalProcessed = "totalProcessed"
	KeySuccessCount   = "successCount"
	KeyFailureCount   = "failureCount"
	KeySkipCount      = "skipCount"

	KeyTotalEmployeesCount     = "totalEmployeesCount"
	KeyEligibleCount           = "eligibleEmployeesCount"
	KeyIneligibleCount         = "ineligibleEmployeesCount"
	KeyEligibilityErrorCount   = "eligibilityErrorCount"
	KeyCalculationResultsCount = "calculationResultsCount"
	KeyDeductionsCreatedCount  = "deductionsCreatedCount"
	KeyDeductionsFailedCount   = "deductionsFailedCount"
	KeyDeductionsSkippedCount  = "deductionsSkippedCount"
	KeyHandoffFallbacks        = "handoffFallbacks"

	keyReaderOffset = "reader.offset"
)

// NewJobParameters builds the immutable parameters of one payroll run.
func NewJobParameters(tenantID string, period Period, launchedAt time.Time) batch.Parameters {
	return batch.NewParameters(map[string]string{
		ParamTenantID:    tenantID,
		ParamPeriodStart: batch.FormatDate(period.Start),
		ParamPeriodEnd:   batch.FormatDate(period.End),
		ParamTimestamp:   batch.FormatTime(launchedAt),
	})
}

// JobContext is the typed view of a payroll job execution.
type JobContext struct {
	exec *batch.JobExecution
}

// NewJobContext wraps a job execution.
func NewJobContext(exec *batch.JobExecution) JobContext {
	return JobContext{exec: exec}
}

// ExecutionID returns the job execution id.
func (c JobContext) ExecutionID() string {
	return c.exec.ID
}

// TenantID returns the required tenant parameter.
func (c JobContext) TenantID() (string, error) {
	return c.exec.Parameters.Require(ParamTenantID)
}

// Period returns the required payroll period parameters.
func (c JobContext) Period() (Period, error) {
	start, err := c.exec.Parameters.Date(ParamPeriodStart)
	if err != nil {
		return Period{}, err
	}
	end, err := c.exec.Parameters.Date(ParamPeriodEnd)
	if err != nil {
		return Period{}, err
	}
	return NewPeriod(start, end)
}

// EligibleEmployeeIDs returns the ids published by the eligibility stage.
func (c JobContext) EligibleEmployeeIDs() ([]string, bool) {
	return c.exec.Context.Strings(KeyEligibleEmployeeIDs)
}

// PublishEligibleEmployeeIDs hands eligible ids to the calculation stage.
func (c JobContext) PublishEligibleEmployeeIDs(ids []string) {
	c.exec.Context.PutStrings(KeyEligibleEmployeeIDs, ids)
}

// SuccessfulCalculationIDs returns the ids published by the calculation stage.
func (c JobContext) SuccessfulCalculationIDs() ([]string, bool) {
	return c.exec.Context.Strings(KeySuccessfulCalculationIDs)
}

// PublishSuccessfulCalculationIDs hands successful ids to the deduction stage.
func (c JobContext) PublishSuccessfulCalculationIDs(ids []string) {
	c.exec.Context.PutStrings(KeySuccessfulCalculationIDs, ids)
}

// PutCount records a counter in the job context.
func (c JobContext) PutCount(key string, n int) {
	c.exec.Context.PutInt(key, n)
}

// Count reads a counter from the job context.
func (c JobContext) Count(key string) int {
	n, _ := c.exec.Context.Int(key)
	return n
}

// RecordFallback counts a lost hand-off and returns the running total.
func (c JobContext) RecordFallback() int {
	return c.exec.Context.Increment(KeyHandoffFallbacks, 1)
}

// Anomaly describes a degraded path that operators should look at.
type Anomaly struct {
	Kind           string
	Stage          string
	TenantID       string
	JobExecutionID string
	Message        string
	Recovered      int
}

// AnomalyHandoffFallback is the Kind for a lost stage hand-off.
const AnomalyHandoffFallback = "handoff_fallback"

// AnomalyHandler receives anomalies as they happen.
type AnomalyHandler func(Anomaly)

// StageStats are the counters each stage publishes to its step context.
type StageStats struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
}

func (s StageStats) publish(ec *batch.ExecutionContext) {
	ec.PutInt(KeyTotalProcessed, s.Processed)
	ec.PutInt(KeySuccessCount, s.Succeeded)
	ec.PutInt(KeyFailureCount, s.Failed)
	ec.PutInt(KeySkipCount, s.Skipped)
}

// StatsFrom reads the counters a stage published.
func StatsFrom(se *batch.StepExecution) StageStats {
	get := func(k string) int {
		n, _ := se.Context.Int(k)
		return n
	}
	return StageStats{
		Processed: get(KeyTotalProcessed),
		Succeeded: get(KeySuccessCount),
		Failed:    get(KeyFailureCount),
		Skipped:   get(KeySkipCount),
	}
}
