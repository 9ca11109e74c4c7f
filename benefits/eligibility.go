/*
eligibility.go - Eligibility stage

PURPOSE:
  Reads every participant of the tenant, evaluates plan eligibility through
  the EligibilityOracle, writes the eligibility fields back and publishes
  the eligible ids for the calculation stage.

FLOW:
  Reader:    Paged tenant scan (CreatedAt desc) from the first page. The
             offset is recorded in the step context after each chunk; a
             relaunch rescans, which is safe because evaluation is
             idempotent and keeps the eligible-id hand-off complete
  Processor: Age and service from "today", fact -> oracle -> result
  Writer:    Per chunk, reload each participant inside the transaction and
             update only the eligibility fields

DEGRADED OUTCOMES (not fatal):
  - No tenant plan:           NOT_ELIGIBLE, "No plan configuration found"
  - Plan without eligibility: NOT_ELIGIBLE, "No eligibility configuration found"
  - Per-record error:         NOT_ELIGIBLE, "Error during eligibility check: ..."

NEXT CHECK:
  eligible +6 months, age +12 months, service +3 months, otherwise +1 month.

SEE ALSO:
  - oracle.go: EligibilityOracle contract
  - rules/eligibility.go: Built-in rule set
*/
package benefits

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/payroll-engine/batch"
)

// Reasons for degraded eligibility outcomes.
const (
	ReasonNoPlan              = "No plan configuration found"
	ReasonNoEligibilityPolicy = "No eligibility configuration found"
	reasonErrorPrefix         = "Error during eligibility check: "
	eligibilityNotesFormat    = "Processed by pre-payroll eligibility job on %s"
)

// EligibilityResult is the outcome for one participant.
type EligibilityResult struct {
	TenantID        string
	EmployeeID      string
	Eligible        bool
	EligibilityDate time.Time
	Reason          string
	ReasonCode      ReasonCode
	Age             int
	MonthsOfService int
	Failed          bool
}

// NextCheckDate schedules the next eligibility evaluation. The reason code
// decides; without one the reason text is searched for "age" then "service".
func NextCheckDate(today time.Time, r EligibilityResult) time.Time {
	if r.Eligible && !r.Failed {
		return AddMonths(today, 6)
	}
	code := r.ReasonCode
	if code == "" {
		lower := strings.ToLower(r.Reason)
		switch {
		case strings.Contains(lower, "age"):
			code = ReasonAge
		case strings.Contains(lower, "service"):
			code = ReasonService
		}
	}
	switch code {
	case ReasonAge:
		return AddMonths(today, 12)
	case ReasonService:
		return AddMonths(today, 3)
	}
	return AddMonths(today, 1)
}

// BuildEligibilityFact derives the oracle input for a participant.
func BuildEligibilityFact(p Participant, today time.Time) *EligibilityFact {
	return &EligibilityFact{
		TenantID:          p.TenantID,
		EmployeeID:        p.IndividualID,
		EvaluationDate:    today,
		DateOfBirth:       p.DateOfBirth,
		HireDate:          p.StartDate,
		RehireDate:        p.LatestRehireDate,
		TerminationDate:   p.EndDate,
		EmploymentStatus:  p.EmploymentStatus,
		EmploymentType:    p.EmploymentType,
		EmploymentSubtype: p.EmploymentSubtype,
		ClassCode:         p.ClassCode,
		IsActive:          p.IsActive,
		Age:               AgeOn(p.DateOfBirth, today),
		MonthsOfService:   MonthsBetween(p.EffectiveStartDate(), today),
	}
}

// =============================================================================
// READER
// =============================================================================

// participantReader pages through a tenant's participants.
type participantReader struct {
	store    ParticipantStore
	pageSize int

	tenantID  string
	offset    int
	buf       []Participant
	exhausted bool
}

func (r *participantReader) Open(_ context.Context, se *batch.StepExecution) error {
	tenantID, err := NewJobContext(se.Job).TenantID()
	if err != nil {
		return err
	}
	r.tenantID = tenantID
	r.offset = 0
	r.buf = nil
	r.exhausted = false
	return nil
}

func (r *participantReader) Read(ctx context.Context) (Participant, error) {
	if len(r.buf) == 0 && !r.exhausted {
		page, err := r.store.ListParticipants(ctx, r.tenantID, PageRequest{Offset: r.offset, Limit: r.pageSize})
		if err != nil {
			return Participant{}, fmt.Errorf("list participants: %w", err)
		}
		if len(page) < r.pageSize {
			r.exhausted = true
		}
		r.buf = page
	}
	if len(r.buf) == 0 {
		return Participant{}, io.EOF
	}
	p := r.buf[0]
	r.buf = r.buf[1:]
	r.offset++
	return p, nil
}

func (r *participantReader) Update(se *batch.StepExecution) error {
	se.Context.PutInt(keyReaderOffset, r.offset)
	return nil
}

func (r *participantReader) Close() error { return nil }

// =============================================================================
// PROCESSOR
// =============================================================================

type eligibilityProcessor struct {
	plans  PlanStore
	oracle EligibilityOracle
	now    func() time.Time
	log    zerolog.Logger

	tenantID string
	today    time.Time
	plan     *TenantPlan
}

func (p *eligibilityProcessor) BeforeStep(ctx context.Context, se *batch.StepExecution) error {
	tenantID, err := NewJobContext(se.Job).TenantID()
	if err != nil {
		return err
	}
	p.tenantID = tenantID
	p.today = Today(p.now())

	plan, err := ResolvePlan(ctx, p.plans, tenantID)
	switch {
	case errors.Is(err, ErrPlanNotFound):
		p.plan = nil
		p.log.Warn().Str("tenant_id", tenantID).Msg("no tenant plan, all participants will be not eligible")
	case err != nil:
		return fmt.Errorf("resolve tenant plan: %w", err)
	default:
		p.plan = plan
		if plan.Eligibility == nil {
			p.log.Warn().Str("tenant_id", tenantID).Str("plan_id", plan.ID).Msg("tenant plan has no eligibility policy")
		}
	}
	return nil
}

func (p *eligibilityProcessor) AfterStep(context.Context, *batch.StepExecution) error { return nil }

func (p *eligibilityProcessor) Process(ctx context.Context, participant Participant) (EligibilityResult, error) {
	if participant.IndividualID == "" {
		return p.failed(participant, ErrMissingIdentifier), nil
	}

	fact := BuildEligibilityFact(participant, p.today)
	switch {
	case p.plan == nil:
		fact.Reason, fact.ReasonCode = ReasonNoPlan, ReasonConfiguration
	case p.plan.Eligibility == nil:
		fact.Reason, fact.ReasonCode = ReasonNoEligibilityPolicy, ReasonConfiguration
	default:
		if err := evaluateEligibility(ctx, p.oracle, fact, p.plan.Eligibility); err != nil {
			p.log.Warn().Err(err).Str("employee_id", participant.IndividualID).Msg("eligibility evaluation failed")
			return p.failed(participant, err), nil
		}
	}

	return EligibilityResult{
		TenantID:        p.tenantID,
		EmployeeID:      participant.IndividualID,
		Eligible:        fact.Eligible,
		EligibilityDate: fact.EligibilityDate,
		Reason:          fact.Reason,
		ReasonCode:      fact.ReasonCode,
		Age:             fact.Age,
		MonthsOfService: fact.MonthsOfService,
	}, nil
}

func (p *eligibilityProcessor) failed(participant Participant, err error) EligibilityResult {
	return EligibilityResult{
		TenantID:   p.tenantID,
		EmployeeID: participant.IndividualID,
		Reason:     reasonErrorPrefix + err.Error(),
		ReasonCode: ReasonError,
		Failed:     true,
	}
}

// =============================================================================
// WRITER
// =============================================================================

type eligibilityWriter struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger

	tenantID    string
	eligibleIDs []string
	stats       StageStats
	eligible    int
	ineligible  int
	errored     int
}

func (w *eligibilityWriter) BeforeStep(_ context.Context, se *batch.StepExecution) error {
	tenantID, err := NewJobContext(se.Job).TenantID()
	if err != nil {
		return err
	}
	w.tenantID = tenantID
	w.eligibleIDs = nil
	w.stats = StageStats{}
	w.eligible, w.ineligible, w.errored = 0, 0, 0
	return nil
}

func (w *eligibilityWriter) Write(ctx context.Context, results []EligibilityResult) error {
	now := w.now()
	today := Today(now)
	notes := fmt.Sprintf(eligibilityNotesFormat, today.Format(batch.DateLayout))

	var written []EligibilityResult
	err := w.store.WithTx(ctx, func(tx Store) error {
		written = written[:0]
		updated := make([]Participant, 0, len(results))
		for _, r := range results {
			if r.EmployeeID == "" {
				written = append(written, r)
				continue
			}
			p, err := tx.GetParticipant(ctx, w.tenantID, r.EmployeeID)
			if errors.Is(err, ErrParticipantNotFound) {
				w.log.Warn().Str("employee_id", r.EmployeeID).Msg("participant vanished before eligibility write")
				continue
			}
			if err != nil {
				return err
			}
			applyEligibility(p, r, now, today, notes)
			updated = append(updated, *p)
			written = append(written, r)
		}
		return tx.SaveParticipants(ctx, updated)
	})
	if err != nil {
		return fmt.Errorf("write eligibility chunk: %w", err)
	}

	for _, r := range written {
		w.stats.Processed++
		switch {
		case r.Failed:
			w.errored++
			w.stats.Failed++
		case r.Eligible:
			w.eligible++
			w.stats.Succeeded++
			w.eligibleIDs = append(w.eligibleIDs, r.EmployeeID)
		default:
			w.ineligible++
			w.stats.Succeeded++
		}
	}
	return nil
}

func (w *eligibilityWriter) AfterStep(_ context.Context, se *batch.StepExecution) error {
	jc := NewJobContext(se.Job)
	jc.PublishEligibleEmployeeIDs(w.eligibleIDs)
	jc.PutCount(KeyTotalEmployeesCount, w.stats.Processed)
	jc.PutCount(KeyEligibleCount, w.eligible)
	jc.PutCount(KeyIneligibleCount, w.ineligible)
	jc.PutCount(KeyEligibilityErrorCount, w.errored)

	w.stats.Skipped = se.SkipCount()
	w.stats.publish(se.Context)

	w.log.Info().
		Str("tenant_id", w.tenantID).
		Int("processed", w.stats.Processed).
		Int("eligible", w.eligible).
		Int("ineligible", w.ineligible).
		Int("errors", w.errored).
		Msg("eligibility stage summary")
	return nil
}

func applyEligibility(p *Participant, r EligibilityResult, now, today time.Time, notes string) {
	eligible := r.Eligible && !r.Failed
	p.IsEligible = eligible
	p.EligibilityReason = r.Reason
	p.LastEligibilityCheck = now
	p.NextEligibilityCheck = NextCheckDate(today, r)
	p.EligibilityNotes = notes
	p.UpdatedAt = now
	if eligible {
		p.EligibilityStatus = EligibilityEligible
		p.EligibilityDate = r.EligibilityDate
		if p.EligibilityDate.IsZero() {
			p.EligibilityDate = today
		}
	} else {
		p.EligibilityStatus = EligibilityNotEligible
		p.EligibilityDate = time.Time{}
	}
}
