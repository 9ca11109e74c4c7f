package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/warp/payroll-engine/benefits"
)

// =============================================================================
// CALCULATION STORE (benefits.CalculationStore interface)
// =============================================================================

const calculationColumns = `
	calculation_id, tenant_id, employee_id, job_execution_id,
	period_start, period_end, calculated_at, status, error_message,
	employee_amount, employee_percentage, employer_amount, employer_percentage,
	profit_sharing_amount, profit_sharing_percentage, total_amount, total_percentage,
	base_salary, eligible_compensation,
	plan_id, employee_config_id, employer_rule_id, profit_sharing_config_id,
	sync_status, sync_error, processed_at, reprocess_count, last_reprocessed_at`

func (s *Store) GetCalculations(ctx context.Context, ids []string) ([]benefits.CalculationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCalculations(ctx, s.db, ids)
}

func (s *Store) ListCalculations(ctx context.Context, filter benefits.CalculationFilter) ([]benefits.CalculationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCalculations(ctx, s.db, filter)
}

// SaveCalculations upserts records atomically.
func (s *Store) SaveCalculations(ctx context.Context, records []benefits.CalculationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withWriteTx(ctx, func(q querier) error {
		return saveCalculations(ctx, q, records)
	})
}

// getCalculationsBatch bounds the IN list below SQLite's variable limit.
const getCalculationsBatch = 500

func getCalculations(ctx context.Context, q querier, ids []string) ([]benefits.CalculationRecord, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Strings(unique)

	var out []benefits.CalculationRecord
	for start := 0; start < len(unique); start += getCalculationsBatch {
		end := start + getCalculationsBatch
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `SELECT ` + calculationColumns + `
			FROM calculations
			WHERE calculation_id IN (` + placeholders(len(chunk)) + `)
			ORDER BY calculation_id`
		recs, err := queryCalculations(ctx, q, query, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func listCalculations(ctx context.Context, q querier, f benefits.CalculationFilter) ([]benefits.CalculationRecord, error) {
	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if f.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, f.EmployeeID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Period != nil {
		where = append(where, "period_start = ?", "period_end = ?")
		args = append(args, formatDate(f.Period.Start).String, formatDate(f.Period.End).String)
	}

	query := `SELECT ` + calculationColumns + `
		FROM calculations
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY calculated_at ASC, calculation_id ASC`
	return queryCalculations(ctx, q, query, args...)
}

func saveCalculations(ctx context.Context, q querier, records []benefits.CalculationRecord) error {
	query := `
		INSERT INTO calculations (` + calculationColumns + `)
		VALUES (` + placeholders(28) + `)
		ON CONFLICT(calculation_id) DO UPDATE SET
			job_execution_id = excluded.job_execution_id,
			calculated_at = excluded.calculated_at,
			status = excluded.status,
			error_message = excluded.error_message,
			employee_amount = excluded.employee_amount,
			employee_percentage = excluded.employee_percentage,
			employer_amount = excluded.employer_amount,
			employer_percentage = excluded.employer_percentage,
			profit_sharing_amount = excluded.profit_sharing_amount,
			profit_sharing_percentage = excluded.profit_sharing_percentage,
			total_amount = excluded.total_amount,
			total_percentage = excluded.total_percentage,
			base_salary = excluded.base_salary,
			eligible_compensation = excluded.eligible_compensation,
			plan_id = excluded.plan_id,
			employee_config_id = excluded.employee_config_id,
			employer_rule_id = excluded.employer_rule_id,
			profit_sharing_config_id = excluded.profit_sharing_config_id,
			sync_status = excluded.sync_status,
			sync_error = excluded.sync_error,
			processed_at = excluded.processed_at,
			reprocess_count = excluded.reprocess_count,
			last_reprocessed_at = excluded.last_reprocessed_at
	`

	for _, r := range records {
		syncStatus := r.SyncStatus
		if syncStatus == "" {
			syncStatus = benefits.SyncPending
		}
		_, err := q.ExecContext(ctx, query,
			r.CalculationID, r.TenantID, r.EmployeeID, nullString(r.JobExecutionID),
			formatDate(r.PeriodStart).String, formatDate(r.PeriodEnd).String,
			formatTime(r.CalculatedAt).String, string(r.Status), nullString(r.ErrorMessage),
			r.EmployeeContribution.Amount, r.EmployeeContribution.Percentage,
			r.EmployerMatch.Amount, r.EmployerMatch.Percentage,
			r.ProfitSharing.Amount, r.ProfitSharing.Percentage,
			r.Total.Amount, r.Total.Percentage,
			r.BaseSalary, r.EligibleCompensation,
			nullString(r.PlanID), nullString(r.EmployeeConfigID),
			nullString(r.EmployerRuleID), nullString(r.ProfitSharingConfigID),
			string(syncStatus), nullString(r.SyncError), formatTime(r.ProcessedAt),
			r.ReprocessCount, formatTime(r.LastReprocessedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save calculation %s: %w", r.CalculationID, err)
		}
	}
	return nil
}

func queryCalculations(ctx context.Context, q querier, query string, args ...any) ([]benefits.CalculationRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calculations: %w", err)
	}
	defer rows.Close()

	var out []benefits.CalculationRecord
	for rows.Next() {
		rec, err := scanCalculation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanCalculation(row rowScanner) (benefits.CalculationRecord, error) {
	var r benefits.CalculationRecord
	var status, syncStatus string
	var periodStart, periodEnd, calculatedAt, processedAt, reprocessedAt sql.NullString
	var jobID, errMsg, planID, eeID, erID, psID, syncErr sql.NullString

	err := row.Scan(
		&r.CalculationID, &r.TenantID, &r.EmployeeID, &jobID,
		&periodStart, &periodEnd, &calculatedAt, &status, &errMsg,
		&r.EmployeeContribution.Amount, &r.EmployeeContribution.Percentage,
		&r.EmployerMatch.Amount, &r.EmployerMatch.Percentage,
		&r.ProfitSharing.Amount, &r.ProfitSharing.Percentage,
		&r.Total.Amount, &r.Total.Percentage,
		&r.BaseSalary, &r.EligibleCompensation,
		&planID, &eeID, &erID, &psID,
		&syncStatus, &syncErr, &processedAt, &r.ReprocessCount, &reprocessedAt,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan calculation: %w", err)
	}

	r.JobExecutionID = jobID.String
	r.Status = benefits.CalculationStatus(status)
	r.ErrorMessage = errMsg.String
	r.PlanID, r.EmployeeConfigID = planID.String, eeID.String
	r.EmployerRuleID, r.ProfitSharingConfigID = erID.String, psID.String
	r.SyncStatus = benefits.SyncStatus(syncStatus)
	r.SyncError = syncErr.String

	var tp timeParser
	r.PeriodStart = tp.date(periodStart)
	r.PeriodEnd = tp.date(periodEnd)
	r.CalculatedAt = tp.time(calculatedAt)
	r.ProcessedAt = tp.time(processedAt)
	r.LastReprocessedAt = tp.time(reprocessedAt)
	return r, tp.err
}
