/*
calculation.go - Contribution calculation stage

PURPOSE:
  For every eligible employee, builds a CalculationFact, asks the
  ContributionOracle, resolves each category against the fallback formulas
  and persists one CalculationRecord for the payroll period.

FLOW:
  Reader:    eligible ids from the job context; re-queried from the store
             when the hand-off is missing (anomaly)
  Processor: per-record boundary; any error becomes a FAILED record
  Writer:    saves the chunk; earlier FAILED records of the same employee
             and period become REPROCESSED and the reprocess counter moves on

PER-RECORD FAILURES (record status FAILED, batch continues):
  - participant not found
  - participant not flagged eligible
  - tenant has no plan
  - panic while computing

SEE ALSO:
  - formula.go: Fallback formulas and rounding
  - deduction.go: Consumes successfulCalculationIds
*/
package benefits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/batch"
)

// CalculationIDPrefix prefixes every calculation id.
const CalculationIDPrefix = "CALC-"

const calculationFailedPrefix = "Calculation failed: "

// NewCalculationID returns a fresh calculation id.
func NewCalculationID() string {
	return CalculationIDPrefix + uuid.NewString()
}

// BuildCalculationFact derives the oracle input for one employee.
func BuildCalculationFact(p Participant, plan *TenantPlan, period Period, today time.Time) *CalculationFact {
	fact := &CalculationFact{
		TenantID:              p.TenantID,
		EmployeeID:            p.IndividualID,
		PeriodStart:           period.Start,
		PeriodEnd:             period.End,
		EligibleCompensation:  p.AnnualCompensation(),
		AutoEnrollmentPercent: DefaultAutoEnrollPercent,
		EmployerMatchRuleType: RuleNoMatch,
		CompensationLimit:     CompensationLimit,
		EmploymentStatus:      p.EmploymentStatus,
		Age:                   AgeOn(p.DateOfBirth, today),
		MonthsOfService:       MonthsBetween(p.EffectiveStartDate(), today),
		MinimumServiceMonths:  DefaultMinimumServiceMonths,
		MinimumAge:            DefaultMinimumAge,
		PlanType:              plan.PlanTypeID,
	}
	if fact.EmploymentStatus == "" {
		fact.EmploymentStatus = UnknownValue
	}
	if fact.PlanType == "" {
		fact.PlanType = UnknownValue
	}

	if ec := plan.EmployeeContribution; ec != nil {
		fact.AutoEnrollment = ec.IsAutoEnrollment
		if ec.EnrollmentStartRate.Valid {
			fact.EmployeeContributionPercent = ec.EnrollmentStartRate.Decimal
			fact.AutoEnrollmentPercent = ec.EnrollmentStartRate.Decimal
		}
	}
	if rule := plan.EmployerContribution; rule != nil {
		if rule.MatchPercentage.Valid {
			fact.EmployerMatchPercent = rule.MatchPercentage.Decimal
		}
		if rule.RuleType != "" {
			fact.EmployerMatchRuleType = rule.RuleType
		}
	}
	if ps := plan.ProfitSharing; ps != nil && ps.ProRataPercentage.Valid {
		fact.ProfitSharingPercent = ps.ProRataPercentage.Decimal
	}
	if el := plan.Eligibility; el != nil {
		if el.TimeEmployedMonths != nil {
			fact.MinimumServiceMonths = *el.TimeEmployedMonths
		}
		if el.MinimumEntryAge != nil {
			fact.MinimumAge = *el.MinimumEntryAge
		}
	}
	return fact
}

// =============================================================================
// READER
// =============================================================================

// eligibleEmployeeReader yields the employee ids handed over by the
// eligibility stage.
type eligibleEmployeeReader struct {
	*batch.SliceReader[string]
	store     ParticipantStore
	log       zerolog.Logger
	onAnomaly AnomalyHandler
}

func (r *eligibleEmployeeReader) Open(ctx context.Context, se *batch.StepExecution) error {
	jc := NewJobContext(se.Job)
	tenantID, err := jc.TenantID()
	if err != nil {
		return err
	}
	ids, present := jc.EligibleEmployeeIDs()
	if !present || len(ids) == 0 {
		ids, err = recoverHandoff(jc, r.log, r.onAnomaly, se.StepName, KeyEligibleEmployeeIDs, present, func() ([]string, error) {
			participants, err := r.store.ListEligibleParticipants(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			out := make([]string, 0, len(participants))
			for _, p := range participants {
				out = append(out, p.IndividualID)
			}
			return out, nil
		})
		if err != nil {
			return fmt.Errorf("re-query eligible participants: %w", err)
		}
	}
	r.SliceReader.Reset(ids)
	return nil
}

func (r *eligibleEmployeeReader) Update(*batch.StepExecution) error { return nil }
func (r *eligibleEmployeeReader) Close() error                      { return nil }

// recoverHandoff re-derives a lost hand-off from the store. A missing key,
// or an empty one that the store contradicts, is reported as an anomaly.
func recoverHandoff(jc JobContext, log zerolog.Logger, onAnomaly AnomalyHandler, stage, key string, present bool, requery func() ([]string, error)) ([]string, error) {
	ids, err := requery()
	if err != nil {
		return nil, err
	}
	if present && len(ids) == 0 {
		log.Debug().Str("key", key).Msg("hand-off empty and store agrees")
		return ids, nil
	}

	total := jc.RecordFallback()
	tenantID, _ := jc.TenantID()
	msg := fmt.Sprintf("hand-off %s missing or empty, recovered %d ids from store (data flow issue)", key, len(ids))
	log.Warn().
		Str("anomaly", AnomalyHandoffFallback).
		Str("tenant_id", tenantID).
		Str("key", key).
		Bool("key_present", present).
		Int("recovered", len(ids)).
		Int("fallbacks", total).
		Msg(msg)
	if onAnomaly != nil {
		onAnomaly(Anomaly{
			Kind:           AnomalyHandoffFallback,
			Stage:          stage,
			TenantID:       tenantID,
			JobExecutionID: jc.ExecutionID(),
			Message:        msg,
			Recovered:      len(ids),
		})
	}
	return ids, nil
}

// =============================================================================
// PROCESSOR
// =============================================================================

type calculationProcessor struct {
	store  Store
	oracle ContributionOracle
	now    func() time.Time
	log    zerolog.Logger

	tenantID string
	period   Period
	jobID    string
	plan     *TenantPlan
}

func (p *calculationProcessor) BeforeStep(ctx context.Context, se *batch.StepExecution) error {
	jc := NewJobContext(se.Job)
	tenantID, err := jc.TenantID()
	if err != nil {
		return err
	}
	period, err := jc.Period()
	if err != nil {
		return err
	}
	p.tenantID, p.period, p.jobID = tenantID, period, jc.ExecutionID()

	plan, err := ResolvePlan(ctx, p.store, tenantID)
	switch {
	case errors.Is(err, ErrPlanNotFound):
		p.plan = nil
		p.log.Warn().Str("tenant_id", tenantID).Msg("no tenant plan, calculations will fail")
	case err != nil:
		return fmt.Errorf("resolve tenant plan: %w", err)
	default:
		p.plan = plan
	}
	return nil
}

func (p *calculationProcessor) AfterStep(context.Context, *batch.StepExecution) error { return nil }

func (p *calculationProcessor) Process(ctx context.Context, employeeID string) (CalculationRecord, error) {
	now := p.now()
	rec := CalculationRecord{
		CalculationID:  NewCalculationID(),
		TenantID:       p.tenantID,
		EmployeeID:     employeeID,
		JobExecutionID: p.jobID,
		PeriodStart:    p.period.Start,
		PeriodEnd:      p.period.End,
		CalculatedAt:   now,
		Status:         CalculationInProgress,
		SyncStatus:     SyncPending,
	}

	participant, err := p.store.GetParticipant(ctx, p.tenantID, employeeID)
	switch {
	case errors.Is(err, ErrParticipantNotFound):
		return p.fail(rec, err), nil
	case err != nil:
		return CalculationRecord{}, fmt.Errorf("load participant %s: %w", employeeID, err)
	}
	if !participant.IsEligible {
		return p.fail(rec, ErrNotEligible), nil
	}
	if p.plan == nil {
		return p.fail(rec, ErrPlanNotFound), nil
	}

	if err := p.compute(ctx, &rec, *participant, Today(now)); err != nil {
		return p.fail(rec, err), nil
	}
	return rec, nil
}

func (p *calculationProcessor) compute(ctx context.Context, rec *CalculationRecord, participant Participant, today time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	fact := BuildCalculationFact(participant, p.plan, p.period, today)
	if err := evaluateContribution(ctx, p.oracle, fact, p.plan); err != nil {
		p.log.Warn().Err(err).Str("employee_id", rec.EmployeeID).Msg("contribution oracle failed, using fallback formulas")
		resetOracleOutputs(fact)
	}

	breakdown := ResolveContributions(fact, p.plan)
	if len(breakdown.Fallbacks) > 0 {
		p.log.Debug().Str("employee_id", rec.EmployeeID).Strs("fallbacks", breakdown.Fallbacks).Msg("fallback formulas applied")
	}

	rec.EmployeeContribution = breakdown.Employee
	rec.EmployerMatch = breakdown.Employer
	rec.ProfitSharing = breakdown.ProfitSharing
	rec.Total = breakdown.Total
	rec.BaseSalary = participant.AnnualCompensation()
	rec.EligibleCompensation = fact.CappedCompensation()
	rec.PlanID = p.plan.ID
	if ec := p.plan.EmployeeContribution; ec != nil {
		rec.EmployeeConfigID = ec.ID
	}
	if rule := p.plan.EmployerContribution; rule != nil {
		rec.EmployerRuleID = rule.ID
	}
	if ps := p.plan.ProfitSharing; ps != nil {
		rec.ProfitSharingConfigID = ps.ID
	}
	rec.Status = CalculationSuccess
	return nil
}

func (p *calculationProcessor) fail(rec CalculationRecord, err error) CalculationRecord {
	p.log.Warn().Err(err).Str("employee_id", rec.EmployeeID).Msg("calculation failed")
	rec.Status = CalculationFailed
	rec.ErrorMessage = calculationFailedPrefix + err.Error()
	rec.EmployeeContribution = zeroContribution()
	rec.EmployerMatch = zeroContribution()
	rec.ProfitSharing = zeroContribution()
	rec.Total = zeroContribution()
	if p.plan != nil {
		rec.PlanID = p.plan.ID
	}
	return rec
}

func resetOracleOutputs(fact *CalculationFact) {
	fact.EmployeeContribution = decimal.Zero
	fact.EmployerContribution = decimal.Zero
	fact.EmployerContributionPercent = decimal.Zero
	fact.ProfitSharingContribution = decimal.Zero
}

func zeroContribution() Contribution {
	return Contribution{Amount: decimal.Zero, Percentage: decimal.Zero}
}

// =============================================================================
// WRITER
// =============================================================================

type calculationWriter struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger

	successIDs []string
	stats      StageStats
}

func (w *calculationWriter) BeforeStep(context.Context, *batch.StepExecution) error {
	w.successIDs = nil
	w.stats = StageStats{}
	return nil
}

func (w *calculationWriter) Write(ctx context.Context, records []CalculationRecord) error {
	now := w.now()
	chunk := make([]CalculationRecord, len(records))
	copy(chunk, records)

	err := w.store.WithTx(ctx, func(tx Store) error {
		var superseded []CalculationRecord
		for i := range chunk {
			prior, err := w.failedAttempts(ctx, tx, chunk[i])
			if err != nil {
				return err
			}
			if len(prior) == 0 {
				continue
			}
			count := 0
			for _, old := range prior {
				if old.ReprocessCount > count {
					count = old.ReprocessCount
				}
				old.Status = CalculationReprocessed
				old.LastReprocessedAt = now
				superseded = append(superseded, old)
			}
			chunk[i].ReprocessCount = count + 1
			chunk[i].LastReprocessedAt = now
		}
		return tx.SaveCalculations(ctx, append(superseded, chunk...))
	})
	if err != nil {
		return fmt.Errorf("write calculation chunk: %w", err)
	}

	for _, rec := range chunk {
		w.stats.Processed++
		if rec.Status == CalculationSuccess {
			w.stats.Succeeded++
			w.successIDs = append(w.successIDs, rec.CalculationID)
		} else {
			w.stats.Failed++
		}
	}
	return nil
}

func (w *calculationWriter) failedAttempts(ctx context.Context, tx Store, rec CalculationRecord) ([]CalculationRecord, error) {
	period := Period{Start: rec.PeriodStart, End: rec.PeriodEnd}
	prior, err := tx.ListCalculations(ctx, CalculationFilter{
		TenantID:   rec.TenantID,
		EmployeeID: rec.EmployeeID,
		Status:     CalculationFailed,
		Period:     &period,
	})
	if err != nil {
		return nil, err
	}
	out := prior[:0]
	for _, old := range prior {
		if old.CalculationID != rec.CalculationID {
			out = append(out, old)
		}
	}
	return out, nil
}

func (w *calculationWriter) AfterStep(_ context.Context, se *batch.StepExecution) error {
	jc := NewJobContext(se.Job)
	jc.PublishSuccessfulCalculationIDs(w.successIDs)
	jc.PutCount(KeyCalculationResultsCount, w.stats.Processed)

	w.stats.Skipped = se.SkipCount()
	w.stats.publish(se.Context)

	tenantID, _ := jc.TenantID()
	w.log.Info().
		Str("tenant_id", tenantID).
		Int("processed", w.stats.Processed).
		Int("succeeded", w.stats.Succeeded).
		Int("failed", w.stats.Failed).
		Msg("calculation stage summary")
	return nil
}
