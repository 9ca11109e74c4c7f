package cli

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/hris"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/rules"
	"github.com/warp/payroll-engine/store/memory"
	"github.com/warp/payroll-engine/store/sqlite"
)

// app is the wired engine for one process.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   benefits.Store
	service *payroll.Service
	closers []io.Closer
}

// newApp wires the store, oracles, deduction client, job and service.
func newApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var (
		repo batch.JobRepository
		lock batch.TenantLock
	)
	switch cfg.Database.Backend {
	case config.BackendSQLite:
		db, err := sqlite.New(cfg.Database.Path, sqlite.WithStaleAfter(cfg.Orchestrator.StaleAfter))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		a.store, repo, lock = db, db, db
	default:
		a.store = memory.New()
		repo = batch.NewMemoryJobRepository()
	}
	if cfg.Orchestrator.LockBackend == config.BackendMemory {
		lock = batch.NewMemoryTenantLock(cfg.Orchestrator.StaleAfter)
	}

	engine, err := rules.New(cfg.Rules.Engine)
	if err != nil {
		a.Close()
		return nil, err
	}

	var deductions benefits.DeductionClient
	switch cfg.HRIS.Mode {
	case config.HRISHTTP:
		deductions = hris.NewClient(cfg.HRIS.BaseURL, cfg.HRIS.APIKey, cfg.HRIS.Timeout, hris.WithLogger(log))
	default:
		log.Warn().Msg("hris recorder mode: deductions are recorded in memory only")
		deductions = hris.NewRecorder()
	}

	jobs := benefits.NewPayrollJobFactory(benefits.Dependencies{
		Store:              a.store,
		EligibilityOracle:  engine,
		ContributionOracle: engine,
		Deductions:         deductions,
		Repository:         repo,
		Logger:             log,
		OnAnomaly: func(an benefits.Anomaly) {
			log.Warn().
				Str("anomaly", an.Kind).
				Str("stage", an.Stage).
				Str("tenant_id", an.TenantID).
				Str("job_execution_id", an.JobExecutionID).
				Int("recovered", an.Recovered).
				Msg(an.Message)
		},
	}, cfg.Batch.StageConfig())

	a.service = payroll.NewService(jobs, repo, lock, a.store)
	a.service.StaleAfter = cfg.Orchestrator.StaleAfter
	a.service.Logger = log

	log.Info().
		Str("database", cfg.Database.Backend).
		Str("lock", cfg.Orchestrator.LockBackend).
		Str("rules", cfg.Rules.Engine).
		Str("hris", cfg.HRIS.Mode).
		Msg("engine wired")
	return a, nil
}

// scheduler builds the pay-period scheduler from config.
func (a *app) scheduler() (*payroll.Scheduler, error) {
	freq, err := payroll.ParseFrequency(a.cfg.Scheduler.Frequency)
	if err != nil {
		return nil, err
	}
	anchor, err := a.cfg.Scheduler.AnchorDate()
	if err != nil {
		return nil, fmt.Errorf("scheduler anchor: %w", err)
	}

	s := payroll.NewScheduler(a.service, a.store)
	s.Frequency = freq
	s.Anchor = anchor
	s.CheckInterval = a.cfg.Scheduler.Interval
	s.MaxConcurrent = a.cfg.Scheduler.MaxConcurrent
	s.Enabled = a.cfg.Scheduler.Enabled
	s.Logger = a.log.With().Str("component", "scheduler").Logger()
	return s, nil
}

// Close waits for running jobs, then closes the store.
func (a *app) Close() error {
	if a.service != nil {
		a.service.Wait()
	}
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
