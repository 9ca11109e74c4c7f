/*
Package payroll launches and supervises pre-payroll jobs.

PURPOSE:
  Service is the batch orchestrator: it validates a launch request, enforces
  at most one running job per tenant, runs the three-stage job and exposes
  the resulting executions. Scheduler launches the period that just closed
  for every configured tenant.

SINGLE-FLIGHT:
  A launch first acquires the tenant lease, then scans the repository for
  running executions of the same tenant. Either check rejects the launch
  with *batch.JobRunningError unless the holder started at least
  StaleAfter ago, in which case the holder is marked ABANDONED and the new
  launch proceeds.

USAGE:
  svc := payroll.NewService(benefits.NewPayrollJobFactory(deps, cfg), repo, lock, store)
  handle, err := svc.ProcessPayrollAsync(ctx, "acme", start, end)
  if payroll.IsBusy(err) { ... }
  exec, runErr := handle.Wait(ctx)

SEE ALSO:
  - benefits/pipeline.go: Job assembly
  - batch/lock.go: Tenant lease
*/
package payroll

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
)

// =============================================================================
// JOB HANDLE
// =============================================================================

// JobHandle is the deferred result of a launched job.
type JobHandle struct {
	ExecutionID string
	TenantID    string
	Period      benefits.Period
	TookOver    string // id of the stale execution this launch displaced

	done chan struct{}
	exec *batch.JobExecution
	err  error
}

func newJobHandle(exec *batch.JobExecution, tenantID string, period benefits.Period) *JobHandle {
	return &JobHandle{
		ExecutionID: exec.ID,
		TenantID:    tenantID,
		Period:      period,
		done:        make(chan struct{}),
	}
}

func (h *JobHandle) finish(exec *batch.JobExecution, err error) {
	h.exec = exec
	h.err = err
	close(h.done)
}

// Done is closed once the job finished.
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finished or ctx ends. It returns a snapshot of
// the final execution and the error of the failing step, if any.
func (h *JobHandle) Wait(ctx context.Context) (*batch.JobExecution, error) {
	select {
	case <-h.done:
		return h.exec, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// SERVICE
// =============================================================================

// JobFactory builds the job for one execution. Stage components carry
// per-run state, so a job must never be shared by two executions.
type JobFactory func() *batch.Job

// Service runs pre-payroll jobs with per-tenant single-flight.
type Service struct {
	NewJob       JobFactory
	Repository   batch.JobRepository
	Lock         batch.TenantLock
	Calculations benefits.CalculationStore
	StaleAfter   time.Duration
	Logger       zerolog.Logger
	Now          func() time.Time

	wg sync.WaitGroup
}

// NewService creates a service with the default staleness threshold.
func NewService(newJob JobFactory, repo batch.JobRepository, lock batch.TenantLock, calcs benefits.CalculationStore) *Service {
	return &Service{
		NewJob:       newJob,
		Repository:   repo,
		Lock:         lock,
		Calculations: calcs,
		StaleAfter:   batch.DefaultStaleAfter,
		Logger:       zerolog.Nop(),
		Now:          time.Now,
	}
}

// ProcessPayroll runs the job for tenantID over [start, end] and returns
// once it finished. The returned error only reports launch failures; the
// job outcome is on the handle and in the execution status.
func (s *Service) ProcessPayroll(ctx context.Context, tenantID string, start, end time.Time) (*JobHandle, error) {
	handle, run, err := s.launch(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	run(ctx)
	return handle, nil
}

// ProcessPayrollAsync launches the job and returns immediately. The run is
// detached from ctx cancellation.
func (s *Service) ProcessPayrollAsync(ctx context.Context, tenantID string, start, end time.Time) (*JobHandle, error) {
	handle, run, err := s.launch(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(context.WithoutCancel(ctx))
	}()
	return handle, nil
}

// ReprocessFailed relaunches a period that has FAILED calculations. The
// calculation stage marks the superseded records REPROCESSED.
func (s *Service) ReprocessFailed(ctx context.Context, tenantID string, start, end time.Time) (*JobHandle, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrMissingTenant
	}
	period, err := benefits.NewPeriod(start, end)
	if err != nil {
		return nil, err
	}
	failed, err := s.Calculations.ListCalculations(ctx, benefits.CalculationFilter{
		TenantID: tenantID,
		Status:   benefits.CalculationFailed,
		Period:   &period,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list failed calculations: %w", err)
	}
	if len(failed) == 0 {
		return nil, ErrNothingToReprocess
	}

	s.Logger.Info().
		Str("tenant_id", tenantID).
		Str("period", period.String()).
		Int("failed_calculations", len(failed)).
		Msg("reprocessing failed calculations")
	return s.ProcessPayrollAsync(ctx, tenantID, period.Start, period.End)
}

// Execution returns one job execution.
func (s *Service) Execution(ctx context.Context, id string) (*batch.JobExecution, error) {
	return s.Repository.GetJobExecution(ctx, id)
}

// Executions returns a tenant's payroll executions, newest first.
func (s *Service) Executions(ctx context.Context, tenantID string, limit int) ([]*batch.JobExecution, error) {
	return s.Repository.ListJobExecutions(ctx, batch.JobFilter{
		JobName: benefits.JobName,
		Params:  map[string]string{benefits.ParamTenantID: tenantID},
		Limit:   limit,
	})
}

// Completed reports whether a COMPLETED execution exists for the period.
func (s *Service) Completed(ctx context.Context, tenantID string, period benefits.Period) (bool, error) {
	found, err := s.Repository.ListJobExecutions(ctx, batch.JobFilter{
		JobName: benefits.JobName,
		Params: map[string]string{
			benefits.ParamTenantID:    tenantID,
			benefits.ParamPeriodStart: batch.FormatDate(period.Start),
			benefits.ParamPeriodEnd:   batch.FormatDate(period.End),
		},
		Statuses: []batch.Status{batch.StatusCompleted},
		Limit:    1,
	})
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// Wait blocks until every asynchronous run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) staleAfter() time.Duration {
	if s.StaleAfter > 0 {
		return s.StaleAfter
	}
	return batch.DefaultStaleAfter
}

// launch validates the request, claims the tenant and persists the new
// execution. The returned run func executes the job and releases the lease.
func (s *Service) launch(ctx context.Context, tenantID string, start, end time.Time) (*JobHandle, func(context.Context), error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, nil, ErrMissingTenant
	}
	period, err := benefits.NewPeriod(start, end)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	exec := batch.NewJobExecution(benefits.JobName, benefits.NewJobParameters(tenantID, period, now), now)
	log := s.Logger.With().
		Str("tenant_id", tenantID).
		Str("job_execution_id", exec.ID).
		Str("period", period.String()).
		Logger()

	lease, err := s.Lock.Acquire(ctx, tenantID, exec.ID, now)
	if err != nil {
		if batch.IsBusy(err) {
			log.Warn().Err(err).Msg("payroll launch rejected")
		}
		return nil, nil, err
	}
	release := func() {
		if err := s.Lock.Release(context.WithoutCancel(ctx), lease); err != nil {
			log.Warn().Err(err).Msg("release tenant lock")
		}
	}

	handle := newJobHandle(exec, tenantID, period)
	if lease.TakenOver() {
		handle.TookOver = lease.Previous.ExecutionID
		s.abandon(ctx, log, lease.Previous.ExecutionID, now)
	}
	if err := s.rejectRunning(ctx, log, tenantID, now); err != nil {
		release()
		return nil, nil, err
	}
	if err := s.Repository.CreateJobExecution(ctx, exec); err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to create job execution: %w", err)
	}

	job := s.NewJob()
	log.Info().Msg("payroll job launched")
	run := func(ctx context.Context) {
		defer release()
		err := job.Run(ctx, exec)
		handle.finish(exec.Clone(), err)
	}
	return handle, run, nil
}

// rejectRunning scans the repository for running executions of the tenant.
// Stale ones are marked ABANDONED; a live one rejects the launch.
func (s *Service) rejectRunning(ctx context.Context, log zerolog.Logger, tenantID string, now time.Time) error {
	running, err := s.Repository.ListJobExecutions(ctx, batch.JobFilter{
		JobName:  benefits.JobName,
		Params:   map[string]string{benefits.ParamTenantID: tenantID},
		Statuses: []batch.Status{batch.StatusStarting, batch.StatusStarted, batch.StatusStopping},
	})
	if err != nil {
		return fmt.Errorf("failed to scan running executions: %w", err)
	}
	for _, e := range running {
		startedAt := e.StartTime
		if startedAt.IsZero() {
			startedAt = e.CreateTime
		}
		if !batch.IsStale(startedAt, now, s.staleAfter()) {
			err := &batch.JobRunningError{TenantID: tenantID, ExecutionID: e.ID, StartedAt: startedAt}
			log.Warn().Err(err).Str("running_execution_id", e.ID).Msg("payroll launch rejected")
			return err
		}
		s.abandon(ctx, log, e.ID, now)
	}
	return nil
}

// abandon marks a stale execution ABANDONED so its runner stops at the
// next step boundary.
func (s *Service) abandon(ctx context.Context, log zerolog.Logger, id string, now time.Time) {
	prev, err := s.Repository.GetJobExecution(ctx, id)
	if err != nil {
		if !batch.IsNotFound(err) {
			log.Warn().Err(err).Str("abandoned_execution_id", id).Msg("load stale execution")
		}
		return
	}
	if prev.Status.IsTerminal() {
		return
	}
	prev.Status = batch.StatusAbandoned
	prev.ExitMessage = fmt.Sprintf("abandoned: running longer than %s", s.staleAfter())
	prev.LastUpdated = now
	if err := s.Repository.UpdateJobExecution(ctx, prev); err != nil {
		log.Warn().Err(err).Str("abandoned_execution_id", id).Msg("mark stale execution abandoned")
		return
	}
	log.Warn().Str("abandoned_execution_id", id).Msg("took over stale payroll job")
}
