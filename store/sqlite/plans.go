package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/payroll-engine/benefits"
)

// =============================================================================
// PLAN STORE (benefits.PlanStore interface)
// =============================================================================

func (s *Store) ListTenantPlans(ctx context.Context, tenantID string) ([]benefits.TenantPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTenantPlans(ctx, s.db, tenantID)
}

func (s *Store) SaveTenantPlan(ctx context.Context, plan benefits.TenantPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveTenantPlan(ctx, s.db, plan)
}

func (s *Store) ListPlanTenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPlanTenants(ctx, s.db)
}

func saveTenantPlan(ctx context.Context, q querier, plan benefits.TenantPlan) error {
	var encErr error
	enc := func(ns sql.NullString, err error) sql.NullString {
		if err != nil && encErr == nil {
			encErr = err
		}
		return ns
	}
	elig := enc(sectionJSON(plan.Eligibility))
	employee := enc(sectionJSON(plan.EmployeeContribution))
	employer := enc(sectionJSON(plan.EmployerContribution))
	ps := enc(sectionJSON(plan.ProfitSharing))
	if encErr != nil {
		return fmt.Errorf("failed to encode plan %s: %w", plan.ID, encErr)
	}

	query := `
		INSERT INTO tenant_plans (id, tenant_id, plan_type_id, plan_year, effective_date,
			eligibility_json, employee_contribution_json, employer_contribution_json,
			profit_sharing_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			plan_type_id = excluded.plan_type_id,
			plan_year = excluded.plan_year,
			effective_date = excluded.effective_date,
			eligibility_json = excluded.eligibility_json,
			employee_contribution_json = excluded.employee_contribution_json,
			employer_contribution_json = excluded.employer_contribution_json,
			profit_sharing_json = excluded.profit_sharing_json,
			created_at = excluded.created_at
	`
	_, err := q.ExecContext(ctx, query,
		plan.ID, plan.TenantID, plan.PlanTypeID, plan.PlanYear, formatDate(plan.EffectiveDate),
		elig, employee, employer, ps,
		formatTime(plan.CreatedAt).String,
	)
	if err != nil {
		return fmt.Errorf("failed to save plan %s: %w", plan.ID, err)
	}
	return nil
}

func listTenantPlans(ctx context.Context, q querier, tenantID string) ([]benefits.TenantPlan, error) {
	query := `
		SELECT id, tenant_id, plan_type_id, plan_year, effective_date,
			eligibility_json, employee_contribution_json, employer_contribution_json,
			profit_sharing_json, created_at
		FROM tenant_plans
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id ASC
	`
	rows, err := q.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []benefits.TenantPlan
	for rows.Next() {
		var p benefits.TenantPlan
		var planYear sql.NullInt64
		var planType, effectiveDate, createdAt, elig, employee, employer, ps sql.NullString
		if err := rows.Scan(&p.ID, &p.TenantID, &planType, &planYear, &effectiveDate,
			&elig, &employee, &employer, &ps, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		p.PlanTypeID = planType.String
		p.PlanYear = int(planYear.Int64)

		var tp timeParser
		p.EffectiveDate = tp.date(effectiveDate)
		p.CreatedAt = tp.time(createdAt)
		if tp.err != nil {
			return nil, tp.err
		}

		if err := decodeSection(elig, &p.Eligibility); err != nil {
			return nil, fmt.Errorf("plan %s eligibility: %w", p.ID, err)
		}
		if err := decodeSection(employee, &p.EmployeeContribution); err != nil {
			return nil, fmt.Errorf("plan %s employee contribution: %w", p.ID, err)
		}
		if err := decodeSection(employer, &p.EmployerContribution); err != nil {
			return nil, fmt.Errorf("plan %s employer contribution: %w", p.ID, err)
		}
		if err := decodeSection(ps, &p.ProfitSharing); err != nil {
			return nil, fmt.Errorf("plan %s profit sharing: %w", p.ID, err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func listPlanTenants(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM tenant_plans ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// sectionJSON encodes an optional plan section; nil sections are NULL.
func sectionJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeSection[T any](ns sql.NullString, dst **T) error {
	if !ns.Valid || ns.String == "" {
		*dst = nil
		return nil
	}
	var v T
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}
