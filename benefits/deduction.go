/*
deduction.go - Deduction sync stage

PURPOSE:
  Pushes the total contribution of every successful calculation to the
  HRIS as a payroll deduction and records the sync outcome on the
  calculation record.

FLOW:
  Reader:    successfulCalculationIds from the job context, loaded by id;
             re-queried (tenant, SUCCESS, job period, not yet CREATED) when
             the hand-off is missing
  Processor: one DeductionClient call per record, never retried here
  Writer:    per chunk, reload each record and update the sync fields only

OUTCOMES:
  status != SUCCESS  -> SKIPPED, "Skipped: Calculation not successful"
  client success     -> CREATED, processed-at set, status stays SUCCESS
  client failure     -> sync FAILED, error kept, calculation flips to FAILED

SEE ALSO:
  - hris/: DeductionClient implementations
*/
package benefits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/batch"
)

const (
	skippedNotSuccessful  = "Skipped: Calculation not successful"
	deductionFailedPrefix = "Deduction failed: "
	unknownDeductionError = "Unknown error"
)

// DeductionRequest is one deduction pushed to the HRIS.
type DeductionRequest struct {
	EmployeeID string          `json:"employee_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// DeductionResult is the HRIS answer for one deduction.
type DeductionResult struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	DeductionID string `json:"deduction_id,omitempty"`
}

// DeductionClient creates payroll deductions in the HRIS.
type DeductionClient interface {
	CreateDeduction(ctx context.Context, tenantID string, req DeductionRequest) (DeductionResult, error)
}

// =============================================================================
// READER
// =============================================================================

type successfulCalculationReader struct {
	*batch.SliceReader[CalculationRecord]
	store     CalculationStore
	log       zerolog.Logger
	onAnomaly AnomalyHandler
}

func (r *successfulCalculationReader) Open(ctx context.Context, se *batch.StepExecution) error {
	jc := NewJobContext(se.Job)
	tenantID, err := jc.TenantID()
	if err != nil {
		return err
	}
	period, err := jc.Period()
	if err != nil {
		return err
	}

	ids, present := jc.SuccessfulCalculationIDs()
	var records []CalculationRecord
	if present && len(ids) > 0 {
		records, err = r.store.GetCalculations(ctx, ids)
		if err != nil {
			return fmt.Errorf("load calculations: %w", err)
		}
		if len(records) < len(ids) {
			r.log.Warn().Int("requested", len(ids)).Int("found", len(records)).Msg("some handed-off calculations are missing")
		}
		r.SliceReader.Reset(records)
		return nil
	}

	_, err = recoverHandoff(jc, r.log, r.onAnomaly, se.StepName, KeySuccessfulCalculationIDs, present, func() ([]string, error) {
		pending, err := r.store.ListCalculations(ctx, CalculationFilter{
			TenantID: tenantID,
			Status:   CalculationSuccess,
			Period:   &period,
		})
		if err != nil {
			return nil, err
		}
		var out []string
		for _, rec := range pending {
			if rec.SyncStatus == SyncCreated {
				continue
			}
			out = append(out, rec.CalculationID)
			records = append(records, rec)
		}
		return out, nil
	})
	if err != nil {
		return fmt.Errorf("re-query successful calculations: %w", err)
	}
	r.SliceReader.Reset(records)
	return nil
}

func (r *successfulCalculationReader) Update(*batch.StepExecution) error { return nil }
func (r *successfulCalculationReader) Close() error                      { return nil }

// =============================================================================
// PROCESSOR
// =============================================================================

type deductionProcessor struct {
	client DeductionClient
	now    func() time.Time
	log    zerolog.Logger

	tenantID string
}

func (p *deductionProcessor) BeforeStep(_ context.Context, se *batch.StepExecution) error {
	tenantID, err := NewJobContext(se.Job).TenantID()
	if err != nil {
		return err
	}
	p.tenantID = tenantID
	return nil
}

func (p *deductionProcessor) AfterStep(context.Context, *batch.StepExecution) error { return nil }

func (p *deductionProcessor) Process(ctx context.Context, rec CalculationRecord) (CalculationRecord, error) {
	if rec.Status != CalculationSuccess {
		p.log.Warn().Str("employee_id", rec.EmployeeID).Str("status", string(rec.Status)).Msg("calculation not successful, skipping deduction")
		rec.SyncStatus = SyncSkipped
		rec.SyncError = skippedNotSuccessful
		return rec, nil
	}

	res, err := p.push(ctx, rec)
	switch {
	case err != nil:
		p.log.Error().Err(err).Str("tenant_id", p.tenantID).Str("employee_id", rec.EmployeeID).Msg("deduction push failed")
		return markDeductionFailed(rec, deductionFailedPrefix+err.Error()), nil
	case !res.Success:
		reason := res.Error
		if reason == "" {
			reason = unknownDeductionError
		}
		p.log.Warn().Str("employee_id", rec.EmployeeID).Str("reason", reason).Msg("deduction rejected")
		return markDeductionFailed(rec, reason), nil
	}

	rec.SyncStatus = SyncCreated
	rec.SyncError = ""
	rec.ProcessedAt = p.now()
	p.log.Debug().Str("employee_id", rec.EmployeeID).Str("deduction_id", res.DeductionID).Msg("deduction created")
	return rec, nil
}

func (p *deductionProcessor) push(ctx context.Context, rec CalculationRecord) (res DeductionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.client.CreateDeduction(ctx, p.tenantID, DeductionRequest{
		EmployeeID: rec.EmployeeID,
		Amount:     rec.Total.Amount,
	})
}

// markDeductionFailed records the sync failure. The calculation itself is
// flipped to FAILED so reconciliation treats it as unsettled.
func markDeductionFailed(rec CalculationRecord, reason string) CalculationRecord {
	rec.SyncStatus = SyncFailed
	rec.SyncError = reason
	rec.Status = CalculationFailed
	rec.ErrorMessage = (&DeductionError{EmployeeID: rec.EmployeeID, Reason: reason}).Error()
	return rec
}

// =============================================================================
// WRITER
// =============================================================================

type deductionWriter struct {
	store Store
	log   zerolog.Logger

	created int
	failed  int
	skipped int
}

func (w *deductionWriter) BeforeStep(context.Context, *batch.StepExecution) error {
	w.created, w.failed, w.skipped = 0, 0, 0
	return nil
}

func (w *deductionWriter) Write(ctx context.Context, results []CalculationRecord) error {
	err := w.store.WithTx(ctx, func(tx Store) error {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.CalculationID
		}
		current, err := tx.GetCalculations(ctx, ids)
		if err != nil {
			return err
		}
		stored := make(map[string]CalculationRecord, len(current))
		for _, c := range current {
			stored[c.CalculationID] = c
		}

		updated := make([]CalculationRecord, 0, len(results))
		for _, r := range results {
			c, ok := stored[r.CalculationID]
			if !ok {
				return fmt.Errorf("%w: %s", ErrCalculationNotFound, r.CalculationID)
			}
			c.SyncStatus = r.SyncStatus
			c.SyncError = r.SyncError
			c.ProcessedAt = r.ProcessedAt
			if r.SyncStatus == SyncFailed {
				c.Status = r.Status
				c.ErrorMessage = r.ErrorMessage
			}
			updated = append(updated, c)
		}
		return tx.SaveCalculations(ctx, updated)
	})
	if err != nil {
		if errors.Is(err, ErrCalculationNotFound) {
			w.log.Warn().Err(err).Msg("calculation vanished before sync write")
		}
		return fmt.Errorf("write deduction chunk: %w", err)
	}

	for _, r := range results {
		switch r.SyncStatus {
		case SyncCreated:
			w.created++
		case SyncFailed:
			w.failed++
		case SyncSkipped:
			w.skipped++
		}
	}
	return nil
}

func (w *deductionWriter) AfterStep(_ context.Context, se *batch.StepExecution) error {
	jc := NewJobContext(se.Job)
	jc.PutCount(KeyDeductionsCreatedCount, w.created)
	jc.PutCount(KeyDeductionsFailedCount, w.failed)
	jc.PutCount(KeyDeductionsSkippedCount, w.skipped)

	StageStats{
		Processed: w.created + w.failed + w.skipped,
		Succeeded: w.created,
		Failed:    w.failed,
		Skipped:   w.skipped + se.SkipCount(),
	}.publish(se.Context)

	tenantID, _ := jc.TenantID()
	w.log.Info().
		Str("tenant_id", tenantID).
		Int("created", w.created).
		Int("failed", w.failed).
		Int("skipped", w.skipped).
		Msg("deduction stage summary")
	return nil
}
