package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// JobListener receives job lifecycle callbacks.
type JobListener interface {
	BeforeJob(ctx context.Context, exec *JobExecution)
	AfterJob(ctx context.Context, exec *JobExecution)
}

// Job is an ordered list of steps. Steps run in strict sequence and a
// failed step stops the job.
type Job struct {
	Name       string
	Steps      []Step
	Listeners  []JobListener
	Repository JobRepository
	Logger     zerolog.Logger
	Now        func() time.Time
}

func (j *Job) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// Run executes every step against exec. exec.Status holds the outcome;
// the returned error is the failing step's error.
func (j *Job) Run(ctx context.Context, exec *JobExecution) error {
	log := j.Logger.With().Str("job", j.Name).Str("job_execution_id", exec.ID).Logger()

	exec.Status = StatusStarted
	exec.StartTime = j.now()
	j.save(ctx, log, exec)

	for _, l := range j.Listeners {
		l.BeforeJob(ctx, exec)
	}

	var runErr error
	for _, step := range j.Steps {
		if j.abandoned(ctx, exec) {
			runErr = fmt.Errorf("%w: %s", ErrJobAbandoned, exec.ID)
			exec.Status = StatusAbandoned
			break
		}

		log.Info().Str("step", step.Name()).Msg("starting step")
		se, err := step.Execute(ctx, exec)
		if se != nil {
			exec.Steps = append(exec.Steps, se)
		}
		if err != nil {
			runErr = fmt.Errorf("step %s: %w", step.Name(), err)
			exec.Status = StatusFailed
			break
		}
		j.save(ctx, log, exec)
	}

	if runErr == nil {
		exec.Status = StatusCompleted
	} else {
		exec.ExitMessage = runErr.Error()
	}
	exec.EndTime = j.now()

	for _, l := range j.Listeners {
		l.AfterJob(ctx, exec)
	}
	j.save(ctx, log, exec)

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Str("status", string(exec.Status)).Dur("duration", exec.EndTime.Sub(exec.StartTime)).Msg("job finished")
	return runErr
}

func (j *Job) save(ctx context.Context, log zerolog.Logger, exec *JobExecution) {
	if j.Repository == nil {
		return
	}
	exec.LastUpdated = j.now()
	if err := j.Repository.UpdateJobExecution(ctx, exec); err != nil {
		log.Warn().Err(err).Msg("persist job execution")
	}
}

// abandoned reports whether another launcher marked this execution stale.
func (j *Job) abandoned(ctx context.Context, exec *JobExecution) bool {
	if j.Repository == nil {
		return false
	}
	stored, err := j.Repository.GetJobExecution(ctx, exec.ID)
	if err != nil {
		return false
	}
	return stored.Status == StatusAbandoned
}
