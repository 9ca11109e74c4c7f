/*
scheduler.go - Automated payroll scheduler

PURPOSE:
  Periodically launches the pre-payroll job for the pay period that just
  closed, for every tenant with a plan.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Skips tenants that already have a COMPLETED execution for the period
  - Tenants run concurrently, bounded by MaxConcurrent
  - A busy tenant is logged and skipped; its running job owns the period

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Frequency:     Pay schedule used to derive the closed period (default: monthly)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := payroll.NewScheduler(svc, store)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - service.go: ProcessPayroll
  - period.go: Closed period derivation
*/
package payroll

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/payroll-engine/benefits"
	"golang.org/x/sync/errgroup"
)

// RunSummary counts the outcomes of one scheduler pass.
type RunSummary struct {
	Period    benefits.Period
	Launched  int
	Completed int // already done before this pass
	Busy      int
	Failed    int
}

// Scheduler launches closed pay periods on a ticker.
type Scheduler struct {
	Service       *Service
	Plans         benefits.PlanStore
	Frequency     Frequency
	Anchor        time.Time
	CheckInterval time.Duration
	MaxConcurrent int
	Enabled       bool
	Logger        zerolog.Logger
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a monthly scheduler checking every hour.
func NewScheduler(svc *Service, plans benefits.PlanStore) *Scheduler {
	return &Scheduler{
		Service:       svc,
		Plans:         plans,
		Frequency:     Monthly,
		Anchor:        DefaultAnchor,
		CheckInterval: time.Hour,
		MaxConcurrent: 4,
		Enabled:       true,
		Logger:        zerolog.Nop(),
		Now:           time.Now,
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info().Msg("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Logger.Info().Dur("check_interval", s.CheckInterval).Str("frequency", string(s.Frequency)).Msg("scheduler started")
}

// Stop stops the scheduler and waits for the current pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info().Msg("scheduler stopped")
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.checkAndProcess(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow triggers an immediate pass (for testing/admin).
func (s *Scheduler) RunNow(ctx context.Context) (RunSummary, error) {
	return s.checkAndProcess(ctx)
}

// NextRunTime returns when the next scheduled check will occur.
func (s *Scheduler) NextRunTime() time.Time {
	return s.now().Add(s.CheckInterval)
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) checkAndProcess(ctx context.Context) (RunSummary, error) {
	period, err := ClosedPeriod(s.Frequency, s.Anchor, s.now())
	if err != nil {
		s.Logger.Error().Err(err).Msg("scheduler cannot derive pay period")
		return RunSummary{}, err
	}
	summary := RunSummary{Period: period}
	log := s.Logger.With().Str("period", period.String()).Logger()

	tenants, err := s.Plans.ListPlanTenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler cannot list tenants")
		return summary, err
	}

	var mu sync.Mutex
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.MaxConcurrent > 0 {
		g.SetLimit(s.MaxConcurrent)
	}
	for _, tenantID := range tenants {
		tenantID := tenantID
		g.Go(func() error {
			tlog := log.With().Str("tenant_id", tenantID).Logger()

			done, err := s.Service.Completed(gctx, tenantID, period)
			if err != nil {
				tlog.Error().Err(err).Msg("check completed executions")
				count(&summary.Failed)
				return nil
			}
			if done {
				count(&summary.Completed)
				return nil
			}

			handle, err := s.Service.ProcessPayroll(gctx, tenantID, period.Start, period.End)
			switch {
			case IsBusy(err):
				tlog.Info().Msg("tenant busy, skipping")
				count(&summary.Busy)
				return nil
			case err != nil:
				tlog.Error().Err(err).Msg("scheduled payroll launch failed")
				count(&summary.Failed)
				return nil
			}

			exec, runErr := handle.Wait(gctx)
			if runErr != nil {
				tlog.Error().Err(runErr).Str("job_execution_id", handle.ExecutionID).Msg("scheduled payroll job failed")
				count(&summary.Failed)
				return nil
			}
			tlog.Info().Str("job_execution_id", exec.ID).Str("status", string(exec.Status)).Msg("scheduled payroll job finished")
			count(&summary.Launched)
			return nil
		})
	}
	err = g.Wait()

	if summary.Launched > 0 || summary.Busy > 0 || summary.Failed > 0 {
		log.Info().
			Int("launched", summary.Launched).
			Int("already_completed", summary.Completed).
			Int("busy", summary.Busy).
			Int("failed", summary.Failed).
			Msg("scheduler pass completed")
	}
	return summary, err
}
