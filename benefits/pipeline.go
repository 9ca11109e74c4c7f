/*
pipeline.go - Pre-payroll job assembly

PURPOSE:
  Wires the three stages into one batch.Job:
    eligibility -> calculation -> deduction
  Concurrent executions each get their own job from NewPayrollJobFactory.

DEFAULTS:
  Stage          ChunkSize  RetryLimit  SkipLimit
  eligibility    10         2           5
  calculation    5          2           3
  deduction      5          2           3
  Participant page size: 100

SEE ALSO:
  - payroll/service.go: Launches the job with single-flight per tenant
*/
package benefits

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/payroll-engine/batch"
)

// JobName is the name of the pre-payroll job.
const JobName = "prePayrollJob"

// Step names.
const (
	StepEligibility = "eligibility"
	StepCalculation = "calculation"
	StepDeduction   = "deduction"
)

// DefaultPageSize is the participant page size of the eligibility reader.
const DefaultPageSize = 100

// StageConfig bounds each stage.
type StageConfig struct {
	Eligibility batch.ChunkConfig
	Calculation batch.ChunkConfig
	Deduction   batch.ChunkConfig
	PageSize    int
}

// DefaultStageConfig returns the production chunk limits.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		Eligibility: batch.ChunkConfig{ChunkSize: 10, RetryLimit: 2, SkipLimit: 5},
		Calculation: batch.ChunkConfig{ChunkSize: 5, RetryLimit: 2, SkipLimit: 3},
		Deduction:   batch.ChunkConfig{ChunkSize: 5, RetryLimit: 2, SkipLimit: 3},
		PageSize:    DefaultPageSize,
	}
}

// Dependencies are the collaborators of the pipeline.
type Dependencies struct {
	Store              Store
	EligibilityOracle  EligibilityOracle
	ContributionOracle ContributionOracle
	Deductions         DeductionClient
	Repository         batch.JobRepository

	Logger    zerolog.Logger
	Now       func() time.Time
	OnAnomaly AnomalyHandler
}

func (d Dependencies) now() func() time.Time {
	if d.Now != nil {
		return d.Now
	}
	return time.Now
}

// NewEligibilityStep builds the eligibility stage.
func NewEligibilityStep(d Dependencies, cfg batch.ChunkConfig, pageSize int) batch.Step {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	log := d.Logger.With().Str("stage", StepEligibility).Logger()
	return batch.NewChunkStep[Participant, EligibilityResult](
		StepEligibility,
		&participantReader{store: d.Store, pageSize: pageSize},
		&eligibilityProcessor{plans: d.Store, oracle: d.EligibilityOracle, now: d.now(), log: log},
		&eligibilityWriter{store: d.Store, now: d.now(), log: log},
		cfg,
		batch.WithStepLogger(d.Logger),
		batch.WithStepClock(d.now()),
	)
}

// NewCalculationStep builds the calculation stage.
func NewCalculationStep(d Dependencies, cfg batch.ChunkConfig) batch.Step {
	log := d.Logger.With().Str("stage", StepCalculation).Logger()
	return batch.NewChunkStep[string, CalculationRecord](
		StepCalculation,
		&eligibleEmployeeReader{
			SliceReader: batch.NewSliceReader[string](nil),
			store:       d.Store,
			log:         log,
			onAnomaly:   d.OnAnomaly,
		},
		&calculationProcessor{store: d.Store, oracle: d.ContributionOracle, now: d.now(), log: log},
		&calculationWriter{store: d.Store, now: d.now(), log: log},
		cfg,
		batch.WithStepLogger(d.Logger),
		batch.WithStepClock(d.now()),
	)
}

// NewDeductionStep builds the deduction sync stage.
func NewDeductionStep(d Dependencies, cfg batch.ChunkConfig) batch.Step {
	log := d.Logger.With().Str("stage", StepDeduction).Logger()
	return batch.NewChunkStep[CalculationRecord, CalculationRecord](
		StepDeduction,
		&successfulCalculationReader{
			SliceReader: batch.NewSliceReader[CalculationRecord](nil),
			store:       d.Store,
			log:         log,
			onAnomaly:   d.OnAnomaly,
		},
		&deductionProcessor{client: d.Deductions, now: d.now(), log: log},
		&deductionWriter{store: d.Store, log: log},
		cfg,
		batch.WithStepLogger(d.Logger),
		batch.WithStepClock(d.now()),
	)
}

// NewPayrollJob assembles the three-stage pre-payroll job. The readers,
// processors and writers keep the tenant, plan and hand-off lists of the
// execution they serve, so a job runs one execution at a time.
func NewPayrollJob(d Dependencies, cfg StageConfig) *batch.Job {
	return &batch.Job{
		Name: JobName,
		Steps: []batch.Step{
			NewEligibilityStep(d, cfg.Eligibility, cfg.PageSize),
			NewCalculationStep(d, cfg.Calculation),
			NewDeductionStep(d, cfg.Deduction),
		},
		Repository: d.Repository,
		Logger:     d.Logger,
		Now:        d.Now,
	}
}

// NewPayrollJobFactory returns a constructor of fresh payroll jobs, one per
// execution.
func NewPayrollJobFactory(d Dependencies, cfg StageConfig) func() *batch.Job {
	return func() *batch.Job {
		return NewPayrollJob(d, cfg)
	}
}
