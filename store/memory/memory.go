// Package memory provides an in-memory benefits.Store for tests and dev mode.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/payroll-engine/benefits"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	participants map[participantKey]benefits.Participant
	plans        map[string][]benefits.TenantPlan
	calculations map[string]benefits.CalculationRecord
}

type participantKey struct {
	TenantID     string
	IndividualID string
}

var _ benefits.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		participants: make(map[participantKey]benefits.Participant),
		plans:        make(map[string][]benefits.TenantPlan),
		calculations: make(map[string]benefits.CalculationRecord),
	}
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

func (m *Memory) GetParticipant(_ context.Context, tenantID, individualID string) (*benefits.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getParticipantLocked(tenantID, individualID)
}

func (m *Memory) ListParticipants(_ context.Context, tenantID string, page benefits.PageRequest) ([]benefits.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listParticipantsLocked(tenantID, page), nil
}

func (m *Memory) ListEligibleParticipants(_ context.Context, tenantID string) ([]benefits.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEligibleLocked(tenantID), nil
}

func (m *Memory) SaveParticipants(_ context.Context, participants []benefits.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveParticipantsLocked(participants)
	return nil
}

func (m *Memory) getParticipantLocked(tenantID, individualID string) (*benefits.Participant, error) {
	p, ok := m.participants[participantKey{tenantID, individualID}]
	if !ok {
		return nil, benefits.ErrParticipantNotFound
	}
	p = cloneParticipant(p)
	return &p, nil
}

func (m *Memory) tenantParticipantsLocked(tenantID string) []benefits.Participant {
	var out []benefits.Participant
	for k, p := range m.participants {
		if k.TenantID == tenantID {
			out = append(out, cloneParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].IndividualID < out[j].IndividualID
	})
	return out
}

func (m *Memory) listParticipantsLocked(tenantID string, page benefits.PageRequest) []benefits.Participant {
	all := m.tenantParticipantsLocked(tenantID)
	if page.Offset >= len(all) {
		return nil
	}
	all = all[page.Offset:]
	if page.Limit > 0 && page.Limit < len(all) {
		all = all[:page.Limit]
	}
	return all
}

func (m *Memory) listEligibleLocked(tenantID string) []benefits.Participant {
	var out []benefits.Participant
	for _, p := range m.tenantParticipantsLocked(tenantID) {
		if p.IsEligible {
			out = append(out, p)
		}
	}
	return out
}

func (m *Memory) saveParticipantsLocked(participants []benefits.Participant) {
	for _, p := range participants {
		m.participants[participantKey{p.TenantID, p.IndividualID}] = cloneParticipant(p)
	}
}

// =============================================================================
// TENANT PLANS
// =============================================================================

func (m *Memory) ListTenantPlans(_ context.Context, tenantID string) ([]benefits.TenantPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPlansLocked(tenantID), nil
}

func (m *Memory) SaveTenantPlan(_ context.Context, plan benefits.TenantPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savePlanLocked(plan)
	return nil
}

func (m *Memory) ListPlanTenants(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.planTenantsLocked(), nil
}

func (m *Memory) listPlansLocked(tenantID string) []benefits.TenantPlan {
	plans := m.plans[tenantID]
	out := make([]benefits.TenantPlan, len(plans))
	for i, p := range plans {
		out[i] = clonePlan(p)
	}
	return out
}

func (m *Memory) savePlanLocked(plan benefits.TenantPlan) {
	plans := m.plans[plan.TenantID]
	for i := range plans {
		if plans[i].ID == plan.ID {
			plans[i] = clonePlan(plan)
			return
		}
	}
	m.plans[plan.TenantID] = append(plans, clonePlan(plan))
}

func (m *Memory) planTenantsLocked() []string {
	out := make([]string, 0, len(m.plans))
	for tenantID, plans := range m.plans {
		if len(plans) > 0 {
			out = append(out, tenantID)
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func (m *Memory) GetCalculations(_ context.Context, ids []string) ([]benefits.CalculationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCalculationsLocked(ids), nil
}

func (m *Memory) ListCalculations(_ context.Context, filter benefits.CalculationFilter) ([]benefits.CalculationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCalculationsLocked(filter), nil
}

func (m *Memory) SaveCalculations(_ context.Context, records []benefits.CalculationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalculationsLocked(records)
	return nil
}

func (m *Memory) getCalculationsLocked(ids []string) []benefits.CalculationRecord {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	var out []benefits.CalculationRecord
	seen := make(map[string]bool, len(sorted))
	for _, id := range sorted {
		if seen[id] {
			continue
		}
		seen[id] = true
		if rec, ok := m.calculations[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (m *Memory) listCalculationsLocked(f benefits.CalculationFilter) []benefits.CalculationRecord {
	var out []benefits.CalculationRecord
	for _, rec := range m.calculations {
		if rec.TenantID != f.TenantID {
			continue
		}
		if f.EmployeeID != "" && rec.EmployeeID != f.EmployeeID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.Period != nil && !(rec.PeriodStart.Equal(f.Period.Start) && rec.PeriodEnd.Equal(f.Period.End)) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CalculatedAt.Equal(out[j].CalculatedAt) {
			return out[i].CalculatedAt.Before(out[j].CalculatedAt)
		}
		return out[i].CalculationID < out[j].CalculationID
	})
	return out
}

func (m *Memory) saveCalculationsLocked(records []benefits.CalculationRecord) {
	for _, rec := range records {
		m.calculations[rec.CalculationID] = rec
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(benefits.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	participants map[participantKey]benefits.Participant
	plans        map[string][]benefits.TenantPlan
	calculations map[string]benefits.CalculationRecord
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		participants: make(map[participantKey]benefits.Participant, len(m.participants)),
		plans:        make(map[string][]benefits.TenantPlan, len(m.plans)),
		calculations: make(map[string]benefits.CalculationRecord, len(m.calculations)),
	}
	for k, v := range m.participants {
		s.participants[k] = v
	}
	for k, v := range m.plans {
		s.plans[k] = append([]benefits.TenantPlan(nil), v...)
	}
	for k, v := range m.calculations {
		s.calculations[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.participants = s.participants
	m.plans = s.plans
	m.calculations = s.calculations
}

// txView is the Store handed to WithTx callbacks. The parent lock is
// already held, so it calls the *Locked helpers directly.
type txView struct {
	parent *Memory
}

func (tv *txView) GetParticipant(_ context.Context, tenantID, individualID string) (*benefits.Participant, error) {
	return tv.parent.getParticipantLocked(tenantID, individualID)
}

func (tv *txView) ListParticipants(_ context.Context, tenantID string, page benefits.PageRequest) ([]benefits.Participant, error) {
	return tv.parent.listParticipantsLocked(tenantID, page), nil
}

func (tv *txView) ListEligibleParticipants(_ context.Context, tenantID string) ([]benefits.Participant, error) {
	return tv.parent.listEligibleLocked(tenantID), nil
}

func (tv *txView) SaveParticipants(_ context.Context, participants []benefits.Participant) error {
	tv.parent.saveParticipantsLocked(participants)
	return nil
}

func (tv *txView) ListTenantPlans(_ context.Context, tenantID string) ([]benefits.TenantPlan, error) {
	return tv.parent.listPlansLocked(tenantID), nil
}

func (tv *txView) SaveTenantPlan(_ context.Context, plan benefits.TenantPlan) error {
	tv.parent.savePlanLocked(plan)
	return nil
}

func (tv *txView) ListPlanTenants(_ context.Context) ([]string, error) {
	return tv.parent.planTenantsLocked(), nil
}

func (tv *txView) GetCalculations(_ context.Context, ids []string) ([]benefits.CalculationRecord, error) {
	return tv.parent.getCalculationsLocked(ids), nil
}

func (tv *txView) ListCalculations(_ context.Context, filter benefits.CalculationFilter) ([]benefits.CalculationRecord, error) {
	return tv.parent.listCalculationsLocked(filter), nil
}

func (tv *txView) SaveCalculations(_ context.Context, records []benefits.CalculationRecord) error {
	tv.parent.saveCalculationsLocked(records)
	return nil
}

// WithTx on a transactional view joins the enclosing transaction.
func (tv *txView) WithTx(_ context.Context, fn func(benefits.Store) error) error {
	return fn(tv)
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func cloneParticipant(p benefits.Participant) benefits.Participant {
	if p.Income != nil {
		in := *p.Income
		p.Income = &in
	}
	return p
}

func clonePlan(p benefits.TenantPlan) benefits.TenantPlan {
	if p.Eligibility != nil {
		e := *p.Eligibility
		e.Exclusions = append([]benefits.ExclusionType(nil), e.Exclusions...)
		e.MinimumEntryAge = cloneInt(e.MinimumEntryAge)
		e.TimeEmployedMonths = cloneInt(e.TimeEmployedMonths)
		p.Eligibility = &e
	}
	if p.EmployeeContribution != nil {
		ec := *p.EmployeeContribution
		p.EmployeeContribution = &ec
	}
	if p.EmployerContribution != nil {
		r := *p.EmployerContribution
		r.Tiers = append([]benefits.MatchTier(nil), r.Tiers...)
		p.EmployerContribution = &r
	}
	if p.ProfitSharing != nil {
		ps := *p.ProfitSharing
		p.ProfitSharing = &ps
	}
	return p
}

func cloneInt(n *int) *int {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
