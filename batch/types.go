/*
Package batch provides a small chunk-oriented batch runtime.

PURPOSE:
  A domain-agnostic engine for read -> process -> write pipelines that run
  in bounded chunks. Domain packages supply readers, processors and writers;
  this package supplies the chunk loop, retry/skip accounting, job sequencing,
  execution bookkeeping and per-tenant single-flight locking.

KEY CONCEPTS:
  Job:              An ordered list of steps run in strict sequence
  JobExecution:     One run of a job with immutable Parameters
  StepExecution:    One run of a step with read/write/skip counters
  ExecutionContext: Mutable key/value state scoped to a job or a step
  ChunkConfig:      Chunk size plus retry and skip ceilings

DESIGN:
  - Parameters are immutable once the execution is created
  - Job-scoped ExecutionContext is the hand-off channel between steps
  - Each chunk is written in one call to the writer; the writer owns the
    transaction so a failed chunk rolls back alone
  - Per-item failures are retried then skipped until the skip budget runs out

SEE ALSO:
  - step.go: Chunk loop
  - job.go: Step sequencing
  - lock.go: Per-tenant single-flight
  - repository.go: Execution persistence
*/
package batch

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a job or step execution.
type Status string

const (
	StatusStarting  Status = "STARTING"
	StatusStarted   Status = "STARTED"
	StatusStopping  Status = "STOPPING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAbandoned Status = "ABANDONED"
)

// IsRunning reports whether the execution is still in flight.
func (s Status) IsRunning() bool {
	return s == StatusStarting || s == StatusStarted || s == StatusStopping
}

// IsTerminal reports whether the execution has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// =============================================================================
// PARAMETERS
// =============================================================================

// DateLayout is the wire format for date-valued parameters.
const DateLayout = "2006-01-02"

// Parameters are the immutable inputs of a job execution.
type Parameters struct {
	values map[string]string
}

// NewParameters copies values into a new parameter set.
func NewParameters(values map[string]string) Parameters {
	p := Parameters{values: make(map[string]string, len(values))}
	for k, v := range values {
		p.values[k] = v
	}
	return p
}

// Get returns the raw value of a parameter.
func (p Parameters) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Require returns the value of a parameter or a MissingParameterError.
func (p Parameters) Require(key string) (string, error) {
	v, ok := p.values[key]
	if !ok || v == "" {
		return "", &MissingParameterError{Key: key}
	}
	return v, nil
}

// Date parses a required YYYY-MM-DD parameter.
func (p Parameters) Date(key string) (time.Time, error) {
	v, err := p.Require(key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		return time.Time{}, &InvalidParameterError{Key: key, Value: v, Err: err}
	}
	return t, nil
}

// Time parses a required Unix-millisecond parameter.
func (p Parameters) Time(key string) (time.Time, error) {
	v, err := p.Require(key)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, &InvalidParameterError{Key: key, Value: v, Err: err}
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Map returns a copy of all parameters.
func (p Parameters) Map() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Matches reports whether every key in want has the same value in p.
func (p Parameters) Matches(want map[string]string) bool {
	for k, v := range want {
		if p.values[k] != v {
			return false
		}
	}
	return true
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.values)
}

func (p *Parameters) UnmarshalJSON(data []byte) error {
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*p = NewParameters(values)
	return nil
}

// FormatDate renders a date parameter value.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// FormatTime renders a Unix-millisecond parameter value.
func FormatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// =============================================================================
// EXECUTION CONTEXT
// =============================================================================

// ExecutionContext is concurrency-safe key/value state for a job or step.
// Values survive a JSON round trip: numbers come back as int and string
// lists as []string.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewExecutionContext creates an empty context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{values: make(map[string]any)}
}

// Put stores a raw value.
func (c *ExecutionContext) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get returns a raw value.
func (c *ExecutionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Contains reports whether a key is present.
func (c *ExecutionContext) Contains(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// PutStrings stores a copy of a string list.
func (c *ExecutionContext) PutStrings(key string, values []string) {
	c.Put(key, append([]string(nil), values...))
}

// Strings returns a copy of a string list.
func (c *ExecutionContext) Strings(key string) ([]string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return nil, false
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// PutInt stores an integer.
func (c *ExecutionContext) PutInt(key string, value int) {
	c.Put(key, value)
}

// Int returns an integer value.
func (c *ExecutionContext) Int(key string) (int, bool) {
	v, ok := c.Get(key)
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// Increment adds delta to an integer value and returns the new value.
func (c *ExecutionContext) Increment(key string, delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, _ := toInt(c.values[key])
	current += delta
	c.values[key] = current
	return current
}

// PutBool stores a boolean.
func (c *ExecutionContext) PutBool(key string, value bool) {
	c.Put(key, value)
}

// Bool returns a boolean value.
func (c *ExecutionContext) Bool(key string) (bool, bool) {
	v, ok := c.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// PutString stores a string.
func (c *ExecutionContext) PutString(key, value string) {
	c.Put(key, value)
}

// String returns a string value.
func (c *ExecutionContext) String(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Snapshot returns a copy of all values.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		out[k] = v
	}
	return out
}

// Clone returns an independent copy.
func (c *ExecutionContext) Clone() *ExecutionContext {
	return &ExecutionContext{values: c.Snapshot()}
}

func (c *ExecutionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	values := make(map[string]any, len(raw))
	for k, v := range raw {
		values[k] = normalize(v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = values
	return nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case float64:
		if x == float64(int(x)) {
			return int(x)
		}
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return x
			}
			out = append(out, s)
		}
		return out
	}
	return v
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// =============================================================================
// EXECUTIONS
// =============================================================================

// StepExecution records one run of a step.
type StepExecution struct {
	StepName         string            `json:"step_name"`
	Status           Status            `json:"status"`
	ReadCount        int               `json:"read_count"`
	WriteCount       int               `json:"write_count"`
	CommitCount      int               `json:"commit_count"`
	RollbackCount    int               `json:"rollback_count"`
	ReadSkipCount    int               `json:"read_skip_count"`
	ProcessSkipCount int               `json:"process_skip_count"`
	WriteSkipCount   int               `json:"write_skip_count"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          time.Time         `json:"end_time,omitempty"`
	ExitMessage      string            `json:"exit_message,omitempty"`
	Failures         []string          `json:"failures,omitempty"`
	Context          *ExecutionContext `json:"context"`

	// Job is the owning execution; listeners read parameters and the
	// job-scoped context through it.
	Job *JobExecution `json:"-"`
}

// SkipCount is the total number of skipped items.
func (s *StepExecution) SkipCount() int {
	return s.ReadSkipCount + s.ProcessSkipCount + s.WriteSkipCount
}

// JobExecution records one run of a job.
type JobExecution struct {
	ID          string            `json:"id"`
	JobName     string            `json:"job_name"`
	Parameters  Parameters        `json:"parameters"`
	Status      Status            `json:"status"`
	CreateTime  time.Time         `json:"create_time"`
	StartTime   time.Time         `json:"start_time,omitempty"`
	EndTime     time.Time         `json:"end_time,omitempty"`
	LastUpdated time.Time         `json:"last_updated"`
	ExitMessage string            `json:"exit_message,omitempty"`
	Context     *ExecutionContext `json:"context"`
	Steps       []*StepExecution  `json:"steps"`
}

// NewJobExecution creates a STARTING execution with a fresh id.
func NewJobExecution(jobName string, params Parameters, now time.Time) *JobExecution {
	return &JobExecution{
		ID:          uuid.NewString(),
		JobName:     jobName,
		Parameters:  params,
		Status:      StatusStarting,
		CreateTime:  now,
		LastUpdated: now,
		Context:     NewExecutionContext(),
	}
}

// Step returns the execution of the named step, if it ran.
func (e *JobExecution) Step(name string) (*StepExecution, bool) {
	for _, s := range e.Steps {
		if s.StepName == name {
			return s, true
		}
	}
	return nil, false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (e *JobExecution) Clone() *JobExecution {
	out := *e
	out.Parameters = NewParameters(e.Parameters.values)
	if e.Context != nil {
		out.Context = e.Context.Clone()
	}
	out.Steps = make([]*StepExecution, len(e.Steps))
	for i, s := range e.Steps {
		sc := *s
		sc.Failures = append([]string(nil), s.Failures...)
		if s.Context != nil {
			sc.Context = s.Context.Clone()
		}
		sc.Job = &out
		out.Steps[i] = &sc
	}
	return &out
}

// ChunkConfig bounds a chunk-oriented step.
type ChunkConfig struct {
	// ChunkSize is the number of items read, processed and written per transaction.
	ChunkSize int
	// RetryLimit is the maximum number of attempts for one item or chunk write.
	RetryLimit int
	// SkipLimit is the number of items the step may skip before failing.
	SkipLimit int
}

func (c ChunkConfig) normalized() ChunkConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 1
	}
	if c.SkipLimit < 0 {
		c.SkipLimit = 0
	}
	return c
}
