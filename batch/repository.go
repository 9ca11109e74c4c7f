package batch

import (
	"context"
	"sort"
	"sync"
)

// JobFilter narrows ListJobExecutions. Zero fields match everything.
type JobFilter struct {
	JobName  string
	Params   map[string]string
	Statuses []Status
	Limit    int
}

// Matches reports whether e satisfies the filter. Limit is ignored.
func (f JobFilter) Matches(e *JobExecution) bool {
	if f.JobName != "" && e.JobName != f.JobName {
		return false
	}
	if !e.Parameters.Matches(f.Params) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if e.Status == s {
			return true
		}
	}
	return false
}

// JobRepository persists job executions.
type JobRepository interface {
	CreateJobExecution(ctx context.Context, exec *JobExecution) error
	UpdateJobExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecution(ctx context.Context, id string) (*JobExecution, error)
	// ListJobExecutions returns matches newest first.
	ListJobExecutions(ctx context.Context, filter JobFilter) ([]*JobExecution, error)
}

// MemoryJobRepository keeps executions in memory. Stored values are clones.
type MemoryJobRepository struct {
	mu    sync.RWMutex
	execs map[string]*JobExecution
}

// NewMemoryJobRepository creates an empty repository.
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{execs: make(map[string]*JobExecution)}
}

func (r *MemoryJobRepository) CreateJobExecution(_ context.Context, exec *JobExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[exec.ID] = exec.Clone()
	return nil
}

// UpdateJobExecution replaces the stored copy. An execution already marked
// ABANDONED keeps that status.
func (r *MemoryJobRepository) UpdateJobExecution(_ context.Context, exec *JobExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.execs[exec.ID]
	if !ok {
		return ErrJobExecutionNotFound
	}
	next := exec.Clone()
	if stored.Status == StatusAbandoned && exec.Status != StatusAbandoned {
		next.Status = StatusAbandoned
	}
	r.execs[exec.ID] = next
	return nil
}

func (r *MemoryJobRepository) GetJobExecution(_ context.Context, id string) (*JobExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.execs[id]
	if !ok {
		return nil, ErrJobExecutionNotFound
	}
	return exec.Clone(), nil
}

func (r *MemoryJobRepository) ListJobExecutions(_ context.Context, filter JobFilter) ([]*JobExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*JobExecution
	for _, e := range r.execs {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreateTime.After(out[j].CreateTime)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
