/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the batch and benefits models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Runs:
    PayrollRunRequest, PayrollRunResponse, BusyResponse

  Jobs:
    JobDTO, StepDTO

  Calculations:
    CalculationDTO, ContributionDTO

  Participants:
    ParticipantDTO, UpsertParticipantsRequest (wraps factory.ParticipantJSON)

  Plans:
    factory.PlanJSON is used as-is for both directions

MONEY:
  Amounts and percentages are rendered as strings with two decimals so
  clients never see binary floating point.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/plan.go: PlanJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/factory"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// PayrollRunRequest launches a pre-payroll job. Dates are YYYY-MM-DD.
// With Wait set the call returns after the job finished.
type PayrollRunRequest struct {
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	Wait        bool   `json:"wait,omitempty"`
}

// PayrollRunResponse is returned for an accepted launch.
type PayrollRunResponse struct {
	JobID    string  `json:"job_id"`
	TenantID string  `json:"tenant_id"`
	Period   string  `json:"period"`
	TookOver string  `json:"took_over,omitempty"`
	Job      *JobDTO `json:"job,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// BusyResponse is returned with 409 when the tenant already has a running job.
type BusyResponse struct {
	Busy         bool   `json:"busy"`
	Message      string `json:"message"`
	RunningJobID string `json:"running_job_id,omitempty"`
	RunningSince string `json:"running_since,omitempty"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// UpsertParticipantsRequest is the body of PUT participants.
type UpsertParticipantsRequest struct {
	Participants []factory.ParticipantJSON `json:"participants"`
}

// =============================================================================
// JOBS
// =============================================================================

// StepDTO represents one step execution.
type StepDTO struct {
	Name          string         `json:"name"`
	Status        string         `json:"status"`
	ReadCount     int            `json:"read_count"`
	WriteCount    int            `json:"write_count"`
	SkipCount     int            `json:"skip_count"`
	CommitCount   int            `json:"commit_count"`
	RollbackCount int            `json:"rollback_count"`
	StartTime     string         `json:"start_time,omitempty"`
	EndTime       string         `json:"end_time,omitempty"`
	ExitMessage   string         `json:"exit_message,omitempty"`
	Failures      []string       `json:"failures,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// JobDTO represents a job execution in API responses.
type JobDTO struct {
	ID          string            `json:"id"`
	JobName     string            `json:"job_name"`
	Status      string            `json:"status"`
	Parameters  map[string]string `json:"parameters"`
	CreateTime  string            `json:"create_time"`
	StartTime   string            `json:"start_time,omitempty"`
	EndTime     string            `json:"end_time,omitempty"`
	ExitMessage string            `json:"exit_message,omitempty"`
	Context     map[string]any    `json:"context,omitempty"`
	Steps       []StepDTO         `json:"steps"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func snapshot(c *batch.ExecutionContext) map[string]any {
	if c == nil {
		return nil
	}
	return c.Snapshot()
}

func toJobDTO(e *batch.JobExecution) JobDTO {
	dto := JobDTO{
		ID:          e.ID,
		JobName:     e.JobName,
		Status:      string(e.Status),
		Parameters:  e.Parameters.Map(),
		CreateTime:  formatTime(e.CreateTime),
		StartTime:   formatTime(e.StartTime),
		EndTime:     formatTime(e.EndTime),
		ExitMessage: e.ExitMessage,
		Context:     snapshot(e.Context),
		Steps:       make([]StepDTO, 0, len(e.Steps)),
	}
	for _, s := range e.Steps {
		dto.Steps = append(dto.Steps, StepDTO{
			Name:          s.StepName,
			Status:        string(s.Status),
			ReadCount:     s.ReadCount,
			WriteCount:    s.WriteCount,
			SkipCount:     s.SkipCount(),
			CommitCount:   s.CommitCount,
			RollbackCount: s.RollbackCount,
			StartTime:     formatTime(s.StartTime),
			EndTime:       formatTime(s.EndTime),
			ExitMessage:   s.ExitMessage,
			Failures:      s.Failures,
			Context:       snapshot(s.Context),
		})
	}
	return dto
}

// =============================================================================
// CALCULATIONS
// =============================================================================

// ContributionDTO is an amount with its percentage of eligible compensation.
type ContributionDTO struct {
	Amount     string `json:"amount"`
	Percentage string `json:"percentage"`
}

// CalculationDTO represents a calculation record.
type CalculationDTO struct {
	ID                   string          `json:"id"`
	EmployeeID           string          `json:"employee_id"`
	JobID                string          `json:"job_id"`
	PeriodStart          string          `json:"period_start"`
	PeriodEnd            string          `json:"period_end"`
	CalculatedAt         string          `json:"calculated_at"`
	Status               string          `json:"status"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	EmployeeContribution ContributionDTO `json:"employee_contribution"`
	EmployerMatch        ContributionDTO `json:"employer_match"`
	ProfitSharing        ContributionDTO `json:"profit_sharing"`
	Total                ContributionDTO `json:"total"`
	EligibleCompensation string          `json:"eligible_compensation"`
	PlanID               string          `json:"plan_id,omitempty"`
	SyncStatus           string          `json:"sync_status"`
	SyncError            string          `json:"sync_error,omitempty"`
	ProcessedAt          string          `json:"processed_at,omitempty"`
	ReprocessCount       int             `json:"reprocess_count"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func toContributionDTO(c benefits.Contribution) ContributionDTO {
	return ContributionDTO{Amount: money(c.Amount), Percentage: money(c.Percentage)}
}

func toCalculationDTO(r benefits.CalculationRecord) CalculationDTO {
	return CalculationDTO{
		ID:                   r.CalculationID,
		EmployeeID:           r.EmployeeID,
		JobID:                r.JobExecutionID,
		PeriodStart:          batch.FormatDate(r.PeriodStart),
		PeriodEnd:            batch.FormatDate(r.PeriodEnd),
		CalculatedAt:         formatTime(r.CalculatedAt),
		Status:               string(r.Status),
		ErrorMessage:         r.ErrorMessage,
		EmployeeContribution: toContributionDTO(r.EmployeeContribution),
		EmployerMatch:        toContributionDTO(r.EmployerMatch),
		ProfitSharing:        toContributionDTO(r.ProfitSharing),
		Total:                toContributionDTO(r.Total),
		EligibleCompensation: money(r.EligibleCompensation),
		PlanID:               r.PlanID,
		SyncStatus:           string(r.SyncStatus),
		SyncError:            r.SyncError,
		ProcessedAt:          formatTime(r.ProcessedAt),
		ReprocessCount:       r.ReprocessCount,
	}
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

// ParticipantDTO represents a participant with its eligibility state.
type ParticipantDTO struct {
	IndividualID         string `json:"individual_id"`
	FirstName            string `json:"first_name,omitempty"`
	LastName             string `json:"last_name,omitempty"`
	EmploymentStatus     string `json:"employment_status,omitempty"`
	IsActive             bool   `json:"is_active"`
	StartDate            string `json:"start_date,omitempty"`
	IsEligible           bool   `json:"is_eligible"`
	EligibilityStatus    string `json:"eligibility_status,omitempty"`
	EligibilityDate      string `json:"eligibility_date,omitempty"`
	EligibilityReason    string `json:"eligibility_reason,omitempty"`
	NextEligibilityCheck string `json:"next_eligibility_check,omitempty"`
	AnnualCompensation   string `json:"annual_compensation"`
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return batch.FormatDate(t)
}

func toParticipantDTO(p benefits.Participant) ParticipantDTO {
	return ParticipantDTO{
		IndividualID:         p.IndividualID,
		FirstName:            p.FirstName,
		LastName:             p.LastName,
		EmploymentStatus:     p.EmploymentStatus,
		IsActive:             p.IsActive,
		StartDate:            formatDate(p.EffectiveStartDate()),
		IsEligible:           p.IsEligible,
		EligibilityStatus:    string(p.EligibilityStatus),
		EligibilityDate:      formatDate(p.EligibilityDate),
		EligibilityReason:    p.EligibilityReason,
		NextEligibilityCheck: formatDate(p.NextEligibilityCheck),
		AnnualCompensation:   money(p.AnnualCompensation()),
	}
}
