package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
)

// =============================================================================
// JOB REPOSITORY (batch.JobRepository interface)
// =============================================================================

func (s *Store) CreateJobExecution(ctx context.Context, exec *batch.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode job execution: %w", err)
	}
	tenantID, _ := exec.Parameters.Get(benefits.ParamTenantID)

	query := `
		INSERT INTO job_executions (id, job_name, tenant_id, status, create_time, last_updated, body_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		exec.ID, exec.JobName, nullString(tenantID), string(exec.Status),
		formatTime(exec.CreateTime).String, formatTime(exec.LastUpdated).String, string(body),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("job execution %s already exists", exec.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create job execution: %w", err)
	}
	return nil
}

// UpdateJobExecution replaces the stored copy. An execution already marked
// ABANDONED keeps that status.
func (s *Store) UpdateJobExecution(ctx context.Context, exec *batch.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withWriteTx(ctx, func(q querier) error {
		stored, err := getJobExecution(ctx, q, exec.ID)
		if err != nil {
			return err
		}

		next := exec
		if stored.Status == batch.StatusAbandoned && exec.Status != batch.StatusAbandoned {
			next = exec.Clone()
			next.Status = batch.StatusAbandoned
		}
		body, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode job execution: %w", err)
		}

		_, err = q.ExecContext(ctx, `
			UPDATE job_executions SET status = ?, last_updated = ?, body_json = ? WHERE id = ?
		`, string(next.Status), formatTime(next.LastUpdated).String, string(body), exec.ID)
		if err != nil {
			return fmt.Errorf("failed to update job execution: %w", err)
		}
		return nil
	})
}

func (s *Store) GetJobExecution(ctx context.Context, id string) (*batch.JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getJobExecution(ctx, s.db, id)
}

// ListJobExecutions returns matches newest first. Name, tenant and status
// narrow the query; remaining parameters are matched on the decoded body.
func (s *Store) ListJobExecutions(ctx context.Context, filter batch.JobFilter) ([]*batch.JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, filter.JobName)
	}
	if tenantID, ok := filter.Params[benefits.ParamTenantID]; ok {
		where = append(where, "tenant_id = ?")
		args = append(args, tenantID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}

	query := `SELECT body_json FROM job_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY create_time DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job executions: %w", err)
	}
	defer rows.Close()

	var out []*batch.JobExecution
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		exec, err := decodeJobExecution(body)
		if err != nil {
			return nil, err
		}
		if !filter.Matches(exec) {
			continue
		}
		out = append(out, exec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func getJobExecution(ctx context.Context, q querier, id string) (*batch.JobExecution, error) {
	var body, status string
	err := q.QueryRowContext(ctx, `SELECT body_json, status FROM job_executions WHERE id = ?`, id).Scan(&body, &status)
	if err == sql.ErrNoRows {
		return nil, batch.ErrJobExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job execution: %w", err)
	}
	exec, err := decodeJobExecution(body)
	if err != nil {
		return nil, err
	}
	exec.Status = batch.Status(status)
	return exec, nil
}

func decodeJobExecution(body string) (*batch.JobExecution, error) {
	var exec batch.JobExecution
	if err := json.Unmarshal([]byte(body), &exec); err != nil {
		return nil, fmt.Errorf("failed to decode job execution: %w", err)
	}
	if exec.Context == nil {
		exec.Context = batch.NewExecutionContext()
	}
	for _, se := range exec.Steps {
		se.Job = &exec
		if se.Context == nil {
			se.Context = batch.NewExecutionContext()
		}
	}
	return &exec, nil
}

// =============================================================================
// TENANT LOCK (batch.TenantLock interface)
// =============================================================================

func (s *Store) Acquire(ctx context.Context, tenantID, executionID string, now time.Time) (batch.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease := batch.Lease{TenantID: tenantID, ExecutionID: executionID, AcquiredAt: now}
	err := s.withWriteTx(ctx, func(q querier) error {
		held, ok, err := holder(ctx, q, tenantID)
		if err != nil {
			return err
		}
		if ok {
			if !batch.IsStale(held.AcquiredAt, now, s.staleAfter) {
				return &batch.JobRunningError{
					TenantID:    tenantID,
					ExecutionID: held.ExecutionID,
					StartedAt:   held.AcquiredAt,
				}
			}
			prev := held
			lease.Previous = &prev
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO tenant_job_locks (tenant_id, execution_id, acquired_at)
			VALUES (?, ?, ?)
			ON CONFLICT(tenant_id) DO UPDATE SET
				execution_id = excluded.execution_id,
				acquired_at = excluded.acquired_at
		`, tenantID, executionID, formatTime(now).String)
		if err != nil {
			return fmt.Errorf("failed to acquire tenant lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return batch.Lease{}, err
	}
	return lease, nil
}

func (s *Store) Release(ctx context.Context, lease batch.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tenant_job_locks WHERE tenant_id = ? AND execution_id = ?`,
		lease.TenantID, lease.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to release tenant lock: %w", err)
	}
	return nil
}

func (s *Store) Holder(ctx context.Context, tenantID string) (batch.Lease, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return holder(ctx, s.db, tenantID)
}

func holder(ctx context.Context, q querier, tenantID string) (batch.Lease, bool, error) {
	var lease batch.Lease
	var acquiredAt sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT tenant_id, execution_id, acquired_at FROM tenant_job_locks WHERE tenant_id = ?`,
		tenantID).Scan(&lease.TenantID, &lease.ExecutionID, &acquiredAt)
	if err == sql.ErrNoRows {
		return batch.Lease{}, false, nil
	}
	if err != nil {
		return batch.Lease{}, false, fmt.Errorf("failed to read tenant lock: %w", err)
	}
	lease.AcquiredAt, err = parseTime(acquiredAt)
	if err != nil {
		return batch.Lease{}, false, err
	}
	return lease, true, nil
}
