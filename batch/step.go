/*
step.go - Bounded chunk processor

PURPOSE:
  ChunkStep is the reusable read -> process -> write loop. Each stage of a
  pipeline is one ChunkStep configured with its own reader, processor,
  writer and ChunkConfig.

CHUNK LOOP:
  1. Read up to ChunkSize items (reader errors are read-skips)
  2. Process each item, up to RetryLimit attempts; still failing -> process-skip
  3. Write the surviving outputs in one writer call, up to RetryLimit attempts
  4. A chunk write that keeps failing is rolled back and rewritten one item
     per call; items that still fail are write-skips
  5. When skips exceed SkipLimit the step fails

LIFECYCLE:
  Reader, processor and writer may implement StepListener (BeforeStep /
  AfterStep) and Stream (Open / Update / Close). BeforeStep errors fail
  the step before any item is read. Update runs after each committed chunk.

SEE ALSO:
  - job.go: Runs steps in sequence
  - benefits/pipeline.go: The three payroll stages
*/
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// COMPONENT INTERFACES
// =============================================================================

// ItemReader yields items until it returns io.EOF.
type ItemReader[I any] interface {
	Read(ctx context.Context) (I, error)
}

// ItemProcessor transforms one item.
type ItemProcessor[I, O any] interface {
	Process(ctx context.Context, item I) (O, error)
}

// ItemWriter persists one chunk of outputs atomically.
type ItemWriter[O any] interface {
	Write(ctx context.Context, items []O) error
}

// StepListener receives step lifecycle callbacks.
type StepListener interface {
	BeforeStep(ctx context.Context, se *StepExecution) error
	AfterStep(ctx context.Context, se *StepExecution) error
}

// Stream is a stateful component whose position is saved after each chunk.
type Stream interface {
	Open(ctx context.Context, se *StepExecution) error
	Update(se *StepExecution) error
	Close() error
}

// Step is one unit of a Job.
type Step interface {
	Name() string
	Execute(ctx context.Context, job *JobExecution) (*StepExecution, error)
}

// ReaderFunc adapts a function to ItemReader.
type ReaderFunc[I any] func(ctx context.Context) (I, error)

func (f ReaderFunc[I]) Read(ctx context.Context) (I, error) { return f(ctx) }

// ProcessorFunc adapts a function to ItemProcessor.
type ProcessorFunc[I, O any] func(ctx context.Context, item I) (O, error)

func (f ProcessorFunc[I, O]) Process(ctx context.Context, item I) (O, error) { return f(ctx, item) }

// WriterFunc adapts a function to ItemWriter.
type WriterFunc[O any] func(ctx context.Context, items []O) error

func (f WriterFunc[O]) Write(ctx context.Context, items []O) error { return f(ctx, items) }

// SliceReader reads items from a slice.
type SliceReader[I any] struct {
	items []I
	pos   int
}

// NewSliceReader creates a reader over items.
func NewSliceReader[I any](items []I) *SliceReader[I] {
	return &SliceReader[I]{items: items}
}

func (r *SliceReader[I]) Read(_ context.Context) (I, error) {
	var zero I
	if r.pos >= len(r.items) {
		return zero, io.EOF
	}
	item := r.items[r.pos]
	r.pos++
	return item, nil
}

// Reset replaces the items and rewinds the reader.
func (r *SliceReader[I]) Reset(items []I) {
	r.items = items
	r.pos = 0
}

// =============================================================================
// CHUNK STEP
// =============================================================================

// StepOption configures a ChunkStep.
type StepOption func(*stepOptions)

type stepOptions struct {
	logger    zerolog.Logger
	now       func() time.Time
	listeners []StepListener
}

// WithStepLogger sets the step logger.
func WithStepLogger(l zerolog.Logger) StepOption {
	return func(o *stepOptions) { o.logger = l }
}

// WithStepClock overrides the clock used for step timestamps.
func WithStepClock(now func() time.Time) StepOption {
	return func(o *stepOptions) { o.now = now }
}

// WithStepListener registers an extra listener.
func WithStepListener(l StepListener) StepOption {
	return func(o *stepOptions) { o.listeners = append(o.listeners, l) }
}

// ChunkStep runs a reader/processor/writer triple in bounded chunks.
type ChunkStep[I, O any] struct {
	name      string
	reader    ItemReader[I]
	processor ItemProcessor[I, O]
	writer    ItemWriter[O]
	cfg       ChunkConfig
	opts      stepOptions
}

// NewChunkStep creates a chunk-oriented step.
func NewChunkStep[I, O any](name string, r ItemReader[I], p ItemProcessor[I, O], w ItemWriter[O], cfg ChunkConfig, opts ...StepOption) *ChunkStep[I, O] {
	o := stepOptions{logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &ChunkStep[I, O]{
		name:      name,
		reader:    r,
		processor: p,
		writer:    w,
		cfg:       cfg.normalized(),
		opts:      o,
	}
}

// Name returns the step name.
func (s *ChunkStep[I, O]) Name() string { return s.name }

// Config returns the normalized chunk configuration.
func (s *ChunkStep[I, O]) Config() ChunkConfig { return s.cfg }

// Execute runs the step to completion or failure.
func (s *ChunkStep[I, O]) Execute(ctx context.Context, job *JobExecution) (*StepExecution, error) {
	se := &StepExecution{
		StepName:  s.name,
		Status:    StatusStarted,
		StartTime: s.opts.now(),
		Context:   NewExecutionContext(),
		Job:       job,
	}
	log := s.opts.logger.With().Str("step", s.name).Str("job_execution_id", job.ID).Logger()

	listeners := s.listeners()
	for _, l := range listeners {
		if err := l.BeforeStep(ctx, se); err != nil {
			return s.fail(se, log, fmt.Errorf("before step: %w", err))
		}
	}

	streams := s.streams()
	for _, st := range streams {
		if err := st.Open(ctx, se); err != nil {
			return s.fail(se, log, fmt.Errorf("open: %w", err))
		}
	}
	defer func() {
		for _, st := range streams {
			if err := st.Close(); err != nil {
				log.Warn().Err(err).Msg("close stream")
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return s.fail(se, log, err)
		}

		chunk, eof, err := s.readChunk(ctx, se)
		if err != nil {
			return s.fail(se, log, err)
		}
		if len(chunk) > 0 {
			outputs, err := s.processChunk(ctx, se, chunk)
			if err != nil {
				return s.fail(se, log, err)
			}
			if err := s.writeChunk(ctx, se, log, outputs); err != nil {
				return s.fail(se, log, err)
			}
			for _, st := range streams {
				if err := st.Update(se); err != nil {
					return s.fail(se, log, fmt.Errorf("update stream: %w", err))
				}
			}
		}
		if eof {
			break
		}
	}

	for _, l := range listeners {
		if err := l.AfterStep(ctx, se); err != nil {
			return s.fail(se, log, fmt.Errorf("after step: %w", err))
		}
	}

	se.Status = StatusCompleted
	se.EndTime = s.opts.now()
	log.Info().
		Int("read", se.ReadCount).
		Int("written", se.WriteCount).
		Int("skipped", se.SkipCount()).
		Int("commits", se.CommitCount).
		Msg("step completed")
	return se, nil
}

func (s *ChunkStep[I, O]) readChunk(ctx context.Context, se *StepExecution) ([]I, bool, error) {
	chunk := make([]I, 0, s.cfg.ChunkSize)
	for len(chunk) < s.cfg.ChunkSize {
		item, err := s.reader.Read(ctx)
		if errors.Is(err, io.EOF) {
			return chunk, true, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			se.ReadSkipCount++
			if err := s.skip(se, err); err != nil {
				return nil, false, err
			}
			continue
		}
		se.ReadCount++
		chunk = append(chunk, item)
	}
	return chunk, false, nil
}

func (s *ChunkStep[I, O]) processChunk(ctx context.Context, se *StepExecution, chunk []I) ([]O, error) {
	outputs := make([]O, 0, len(chunk))
	for _, item := range chunk {
		var (
			out O
			err error
		)
		for attempt := 1; attempt <= s.cfg.RetryLimit; attempt++ {
			out, err = s.safeProcess(ctx, item)
			if err == nil || ctx.Err() != nil {
				break
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			se.ProcessSkipCount++
			if err := s.skip(se, err); err != nil {
				return nil, err
			}
			continue
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (s *ChunkStep[I, O]) writeChunk(ctx context.Context, se *StepExecution, log zerolog.Logger, outputs []O) error {
	if len(outputs) == 0 {
		se.CommitCount++
		return nil
	}

	err := s.writeWithRetry(ctx, outputs)
	if err == nil {
		se.WriteCount += len(outputs)
		se.CommitCount++
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Chunk rolled back; isolate the failing items.
	se.RollbackCount++
	log.Warn().Err(err).Int("items", len(outputs)).Msg("chunk write failed, scanning items")
	for _, out := range outputs {
		if err := s.writeWithRetry(ctx, []O{out}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			se.RollbackCount++
			se.WriteSkipCount++
			if err := s.skip(se, err); err != nil {
				return err
			}
			continue
		}
		se.WriteCount++
		se.CommitCount++
	}
	return nil
}

func (s *ChunkStep[I, O]) writeWithRetry(ctx context.Context, outputs []O) error {
	var err error
	for attempt := 1; attempt <= s.cfg.RetryLimit; attempt++ {
		err = s.safeWrite(ctx, outputs)
		if err == nil || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (s *ChunkStep[I, O]) skip(se *StepExecution, cause error) error {
	se.Failures = append(se.Failures, cause.Error())
	if se.SkipCount() > s.cfg.SkipLimit {
		return &SkipLimitExceededError{Step: s.name, SkipLimit: s.cfg.SkipLimit, LastErr: cause}
	}
	return nil
}

func (s *ChunkStep[I, O]) safeProcess(ctx context.Context, item I) (out O, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrItemPanic, r)
		}
	}()
	return s.processor.Process(ctx, item)
}

func (s *ChunkStep[I, O]) safeWrite(ctx context.Context, outputs []O) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrItemPanic, r)
		}
	}()
	return s.writer.Write(ctx, outputs)
}

func (s *ChunkStep[I, O]) fail(se *StepExecution, log zerolog.Logger, err error) (*StepExecution, error) {
	se.Status = StatusFailed
	se.EndTime = s.opts.now()
	se.ExitMessage = err.Error()
	log.Error().Err(err).Int("read", se.ReadCount).Int("skipped", se.SkipCount()).Msg("step failed")
	return se, err
}

func (s *ChunkStep[I, O]) listeners() []StepListener {
	var out []StepListener
	for _, c := range []any{s.reader, s.processor, s.writer} {
		if l, ok := c.(StepListener); ok {
			out = append(out, l)
		}
	}
	return append(out, s.opts.listeners...)
}

func (s *ChunkStep[I, O]) streams() []Stream {
	var out []Stream
	for _, c := range []any{s.reader, s.processor, s.writer} {
		if st, ok := c.(Stream); ok {
			out = append(out, st)
		}
	}
	return out
}
