package hris

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/payroll-engine/benefits"
)

// RecordedDeduction is one request seen by a Recorder.
type RecordedDeduction struct {
	TenantID string
	benefits.DeductionRequest
}

// Recorder is an in-memory DeductionClient.
type Recorder struct {
	mu       sync.Mutex
	requests []RecordedDeduction
	rejects  map[string]string
	errs     map[string]error
	seq      int
}

var _ benefits.DeductionClient = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{
		rejects: make(map[string]string),
		errs:    make(map[string]error),
	}
}

// RejectFor makes deductions for employeeID come back unsuccessful.
func (r *Recorder) RejectFor(employeeID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejects[employeeID] = reason
}

// ErrorFor makes deductions for employeeID fail with err.
func (r *Recorder) ErrorFor(employeeID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[employeeID] = err
}

// Reset forgets recorded requests and configured failures.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = nil
	r.rejects = make(map[string]string)
	r.errs = make(map[string]error)
}

func (r *Recorder) CreateDeduction(_ context.Context, tenantID string, req benefits.DeductionRequest) (benefits.DeductionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, RecordedDeduction{TenantID: tenantID, DeductionRequest: req})
	if err, ok := r.errs[req.EmployeeID]; ok {
		return benefits.DeductionResult{}, err
	}
	if reason, ok := r.rejects[req.EmployeeID]; ok {
		return benefits.DeductionResult{Success: false, Error: reason}, nil
	}
	r.seq++
	return benefits.DeductionResult{Success: true, DeductionID: fmt.Sprintf("ded-%d", r.seq)}, nil
}

// Requests returns a copy of the recorded requests.
func (r *Recorder) Requests() []RecordedDeduction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedDeduction(nil), r.requests...)
}
