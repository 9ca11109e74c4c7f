package factory

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/benefits"
)

// RosterJSON is a participant seed file for one tenant.
type RosterJSON struct {
	TenantID     string            `json:"tenant_id" yaml:"tenant_id"`
	Participants []ParticipantJSON `json:"participants" yaml:"participants"`
}

// ParticipantJSON is one employee as the HRIS reports them.
type ParticipantJSON struct {
	IndividualID      string      `json:"individual_id" yaml:"individual_id"`
	FirstName         string      `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName          string      `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	Title             string      `json:"title,omitempty" yaml:"title,omitempty"`
	DateOfBirth       string      `json:"date_of_birth,omitempty" yaml:"date_of_birth,omitempty"`
	EmploymentStatus  string      `json:"employment_status,omitempty" yaml:"employment_status,omitempty"`
	EmploymentType    string      `json:"employment_type,omitempty" yaml:"employment_type,omitempty"`
	EmploymentSubtype string      `json:"employment_subtype,omitempty" yaml:"employment_subtype,omitempty"`
	ClassCode         string      `json:"class_code,omitempty" yaml:"class_code,omitempty"`
	IsActive          *bool       `json:"is_active,omitempty" yaml:"is_active,omitempty"` // default true
	StartDate         string      `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	LatestRehireDate  string      `json:"latest_rehire_date,omitempty" yaml:"latest_rehire_date,omitempty"`
	EndDate           string      `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	Income            *IncomeJSON `json:"income,omitempty" yaml:"income,omitempty"`
}

// IncomeJSON is reported compensation. Unit is one of yearly, monthly,
// semi_monthly, bi_weekly, weekly or hourly.
type IncomeJSON struct {
	Amount        decimal.Decimal `json:"amount" yaml:"amount"`
	Unit          string          `json:"unit" yaml:"unit"`
	Currency      string          `json:"currency,omitempty" yaml:"currency,omitempty"`
	EffectiveDate string          `json:"effective_date,omitempty" yaml:"effective_date,omitempty"`
}

// ParseRoster decodes a roster document into participants with pending
// eligibility.
func (f *PlanFactory) ParseRoster(data []byte, format Format) ([]benefits.Participant, error) {
	var rj RosterJSON
	if err := decode(data, format, &rj); err != nil {
		return nil, fmt.Errorf("failed to parse roster %s: %w", format, err)
	}
	return f.FromRoster(rj)
}

// FromRoster validates a decoded roster.
func (f *PlanFactory) FromRoster(rj RosterJSON) ([]benefits.Participant, error) {
	if strings.TrimSpace(rj.TenantID) == "" {
		return nil, invalid("tenant_id", "required")
	}

	now := f.now().UTC()
	seen := make(map[string]bool, len(rj.Participants))
	out := make([]benefits.Participant, 0, len(rj.Participants))
	for i, pj := range rj.Participants {
		if pj.IndividualID == "" {
			return nil, fmt.Errorf("participants[%d]: %w", i, benefits.ErrMissingIdentifier)
		}
		if seen[pj.IndividualID] {
			return nil, invalid(fmt.Sprintf("participants[%d].individual_id", i), "duplicate %q", pj.IndividualID)
		}
		seen[pj.IndividualID] = true

		p, err := participantFromJSON(rj.TenantID, pj, i)
		if err != nil {
			return nil, err
		}
		p.EligibilityStatus = benefits.EligibilityPending
		p.CreatedAt = now
		p.UpdatedAt = now
		out = append(out, p)
	}
	return out, nil
}

// LoadRosterFile reads a .json, .yaml or .yml roster file.
func (f *PlanFactory) LoadRosterFile(path string) ([]benefits.Participant, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}
	return f.ParseRoster(data, format)
}

func participantFromJSON(tenantID string, pj ParticipantJSON, i int) (benefits.Participant, error) {
	p := benefits.Participant{
		TenantID:          tenantID,
		IndividualID:      pj.IndividualID,
		FirstName:         pj.FirstName,
		LastName:          pj.LastName,
		Title:             pj.Title,
		EmploymentStatus:  pj.EmploymentStatus,
		EmploymentType:    pj.EmploymentType,
		EmploymentSubtype: pj.EmploymentSubtype,
		ClassCode:         pj.ClassCode,
		IsActive:          pj.IsActive == nil || *pj.IsActive,
	}

	dp := dateParser{prefix: fmt.Sprintf("participants[%d].", i)}
	p.DateOfBirth = dp.parse("date_of_birth", pj.DateOfBirth)
	p.StartDate = dp.parse("start_date", pj.StartDate)
	p.LatestRehireDate = dp.parse("latest_rehire_date", pj.LatestRehireDate)
	p.EndDate = dp.parse("end_date", pj.EndDate)
	if pj.Income != nil {
		if pj.Income.Amount.IsNegative() {
			return p, invalid(dp.prefix+"income.amount", "must not be negative")
		}
		p.Income = &benefits.Income{
			Amount:        pj.Income.Amount,
			Unit:          strings.ToLower(pj.Income.Unit),
			Currency:      pj.Income.Currency,
			EffectiveDate: dp.parse("income.effective_date", pj.Income.EffectiveDate),
		}
	}
	return p, dp.err
}

// dateParser keeps the first invalid date field.
type dateParser struct {
	prefix string
	err    error
}

func (d *dateParser) parse(field, value string) time.Time {
	if value == "" || d.err != nil {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		d.err = invalid(d.prefix+field, "%q is not YYYY-MM-DD", value)
		return time.Time{}
	}
	return t
}
