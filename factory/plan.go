/*
Package factory converts plan and roster documents into benefits types.

PURPOSE:
  Tenants configure their retirement plan as a JSON or YAML document. The
  factory validates the document, fills defaults and builds the
  benefits.TenantPlan the pipeline runs against. Roster files seed
  participants the same way until the HRIS sync lands them.

PLAN SCHEMA:
  {
    "tenant_id": "acme",
    "plan_type_id": "401k",
    "effective_date": "2025-01-01",
    "eligibility": {
      "minimum_entry_age": 21,
      "time_employed_months": 3,
      "exclusions": ["INTERNS"]
    },
    "employee_contribution": {
      "has_employee_contribution": true,
      "is_auto_enrollment": true,
      "enrollment_start_rate": "3",
      "enrollment_max_rate": "10"
    },
    "employer_contribution": {
      "rule_type": "MATCH",
      "match_percentage": "50",
      "match_limit_percent": "6"
    },
    "profit_sharing": {"is_enabled": true, "pro_rata_percentage": "2"}
  }

  Every percentage is expressed in percent (3 means 3%). Decimal fields
  accept JSON numbers or strings.

DEFAULTS:
  - Missing plan and section ids get a fresh UUID
  - plan_year defaults to the effective date's year, else the current year
  - rule_type defaults to NO_MATCH
  - A disabled profit-sharing section drops its rate

USAGE:
  f := factory.NewPlanFactory()
  plan, err := f.LoadPlanFile("plans/acme.yaml")
  participants, err := f.LoadRosterFile("rosters/acme.json")

SEE ALSO:
  - benefits/types.go: TenantPlan and Participant
  - presets.go: Ready-made plan documents
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/benefits"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PlanJSON is the document representation of a tenant plan.
type PlanJSON struct {
	ID            string `json:"id,omitempty" yaml:"id,omitempty"`
	TenantID      string `json:"tenant_id" yaml:"tenant_id"`
	PlanTypeID    string `json:"plan_type_id,omitempty" yaml:"plan_type_id,omitempty"`
	PlanYear      int    `json:"plan_year,omitempty" yaml:"plan_year,omitempty"`
	EffectiveDate string `json:"effective_date,omitempty" yaml:"effective_date,omitempty"` // YYYY-MM-DD
	CreatedAt     string `json:"created_at,omitempty" yaml:"created_at,omitempty"`         // RFC 3339

	Eligibility          *EligibilityJSON          `json:"eligibility,omitempty" yaml:"eligibility,omitempty"`
	EmployeeContribution *EmployeeContributionJSON `json:"employee_contribution,omitempty" yaml:"employee_contribution,omitempty"`
	EmployerContribution *EmployerContributionJSON `json:"employer_contribution,omitempty" yaml:"employer_contribution,omitempty"`
	ProfitSharing        *ProfitSharingJSON        `json:"profit_sharing,omitempty" yaml:"profit_sharing,omitempty"`
}

// EligibilityJSON represents the eligibility section.
type EligibilityJSON struct {
	ID                 string   `json:"id,omitempty" yaml:"id,omitempty"`
	MinimumEntryAge    *int     `json:"minimum_entry_age,omitempty" yaml:"minimum_entry_age,omitempty"`
	TimeEmployedMonths *int     `json:"time_employed_months,omitempty" yaml:"time_employed_months,omitempty"`
	Exclusions         []string `json:"exclusions,omitempty" yaml:"exclusions,omitempty"`
}

// EmployeeContributionJSON represents employee deferral settings.
type EmployeeContributionJSON struct {
	ID                       string              `json:"id,omitempty" yaml:"id,omitempty"`
	HasEmployeeContribution  bool                `json:"has_employee_contribution" yaml:"has_employee_contribution"`
	IsAutoEnrollment         bool                `json:"is_auto_enrollment" yaml:"is_auto_enrollment"`
	EnrollmentStartRate      decimal.NullDecimal `json:"enrollment_start_rate" yaml:"enrollment_start_rate"`
	EnrollmentAnnualIncrease decimal.NullDecimal `json:"enrollment_annual_increase" yaml:"enrollment_annual_increase"`
	EnrollmentMaxRate        decimal.NullDecimal `json:"enrollment_max_rate" yaml:"enrollment_max_rate"`
}

// EmployerContributionJSON represents the employer rule.
type EmployerContributionJSON struct {
	ID                string              `json:"id,omitempty" yaml:"id,omitempty"`
	RuleType          string              `json:"rule_type,omitempty" yaml:"rule_type,omitempty"`
	MatchPercentage   decimal.NullDecimal `json:"match_percentage" yaml:"match_percentage"`
	MatchLimitPercent decimal.NullDecimal `json:"match_limit_percent" yaml:"match_limit_percent"`
	Tiers             []MatchTierJSON     `json:"tiers,omitempty" yaml:"tiers,omitempty"`
}

// MatchTierJSON is one tier of a tiered match.
type MatchTierJSON struct {
	UpToPercent decimal.Decimal `json:"up_to_percent" yaml:"up_to_percent"`
	Rate        decimal.Decimal `json:"rate" yaml:"rate"`
}

// ProfitSharingJSON represents profit-sharing settings.
type ProfitSharingJSON struct {
	ID                string              `json:"id,omitempty" yaml:"id,omitempty"`
	IsEnabled         bool                `json:"is_enabled" yaml:"is_enabled"`
	ProRataPercentage decimal.NullDecimal `json:"pro_rata_percentage" yaml:"pro_rata_percentage"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrInvalidDocument is the sentinel behind every ValidationError.
var ErrInvalidDocument = errors.New("invalid document")

// ValidationError reports the first invalid field of a document.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDocument
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// FORMATS
// =============================================================================

// Format is a document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported file extension %q", filepath.Ext(path))
	}
}

// decode rejects unknown fields so typos in a plan fail loudly.
func decode(data []byte, format Format, v any) error {
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		return dec.Decode(v)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// =============================================================================
// PLAN FACTORY
// =============================================================================

// PlanFactory converts plan and roster documents.
type PlanFactory struct {
	now   func() time.Time
	newID func() string
}

// NewPlanFactory creates a factory using the wall clock and random UUIDs.
func NewPlanFactory() *PlanFactory {
	return &PlanFactory{now: time.Now, newID: uuid.NewString}
}

// WithClock returns a copy of the factory that stamps documents with now.
func (f *PlanFactory) WithClock(now func() time.Time) *PlanFactory {
	out := *f
	out.now = now
	return &out
}

// ParsePlan decodes and converts one plan document.
func (f *PlanFactory) ParsePlan(data []byte, format Format) (benefits.TenantPlan, error) {
	var pj PlanJSON
	if err := decode(data, format, &pj); err != nil {
		return benefits.TenantPlan{}, fmt.Errorf("failed to parse plan %s: %w", format, err)
	}
	return f.FromJSON(pj)
}

// LoadPlanFile reads a .json, .yaml or .yml plan file.
func (f *PlanFactory) LoadPlanFile(path string) (benefits.TenantPlan, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return benefits.TenantPlan{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return benefits.TenantPlan{}, fmt.Errorf("failed to read plan file: %w", err)
	}
	return f.ParsePlan(data, format)
}

// FromJSON validates pj and converts it to a TenantPlan.
func (f *PlanFactory) FromJSON(pj PlanJSON) (benefits.TenantPlan, error) {
	if strings.TrimSpace(pj.TenantID) == "" {
		return benefits.TenantPlan{}, invalid("tenant_id", "required")
	}

	plan := benefits.TenantPlan{
		ID:         f.idOr(pj.ID),
		TenantID:   pj.TenantID,
		PlanTypeID: pj.PlanTypeID,
		PlanYear:   pj.PlanYear,
		CreatedAt:  f.now().UTC(),
	}

	if pj.EffectiveDate != "" {
		d, err := time.Parse("2006-01-02", pj.EffectiveDate)
		if err != nil {
			return benefits.TenantPlan{}, invalid("effective_date", "%q is not YYYY-MM-DD", pj.EffectiveDate)
		}
		plan.EffectiveDate = d
	}
	if pj.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, pj.CreatedAt)
		if err != nil {
			return benefits.TenantPlan{}, invalid("created_at", "%q is not RFC 3339", pj.CreatedAt)
		}
		plan.CreatedAt = t.UTC()
	}
	if plan.PlanYear == 0 {
		if !plan.EffectiveDate.IsZero() {
			plan.PlanYear = plan.EffectiveDate.Year()
		} else {
			plan.PlanYear = plan.CreatedAt.Year()
		}
	}

	var err error
	if plan.Eligibility, err = f.eligibility(pj.Eligibility); err != nil {
		return benefits.TenantPlan{}, err
	}
	if plan.EmployeeContribution, err = f.employeeContribution(pj.EmployeeContribution); err != nil {
		return benefits.TenantPlan{}, err
	}
	if plan.EmployerContribution, err = f.employerContribution(pj.EmployerContribution); err != nil {
		return benefits.TenantPlan{}, err
	}
	if plan.ProfitSharing, err = f.profitSharing(pj.ProfitSharing); err != nil {
		return benefits.TenantPlan{}, err
	}
	return plan, nil
}

func (f *PlanFactory) eligibility(ej *EligibilityJSON) (*benefits.EligibilityPolicy, error) {
	if ej == nil {
		return nil, nil
	}
	if ej.MinimumEntryAge != nil && (*ej.MinimumEntryAge < 0 || *ej.MinimumEntryAge > 100) {
		return nil, invalid("eligibility.minimum_entry_age", "%d is out of range", *ej.MinimumEntryAge)
	}
	if ej.TimeEmployedMonths != nil && *ej.TimeEmployedMonths < 0 {
		return nil, invalid("eligibility.time_employed_months", "must not be negative")
	}

	policy := &benefits.EligibilityPolicy{
		ID:                 f.idOr(ej.ID),
		MinimumEntryAge:    copyInt(ej.MinimumEntryAge),
		TimeEmployedMonths: copyInt(ej.TimeEmployedMonths),
	}
	for _, raw := range ej.Exclusions {
		ex, ok := parseExclusion(raw)
		if !ok {
			return nil, invalid("eligibility.exclusions", "unknown exclusion %q", raw)
		}
		policy.Exclusions = append(policy.Exclusions, ex)
	}
	return policy, nil
}

func (f *PlanFactory) employeeContribution(ej *EmployeeContributionJSON) (*benefits.EmployeeContributionPolicy, error) {
	if ej == nil {
		return nil, nil
	}
	for field, v := range map[string]decimal.NullDecimal{
		"enrollment_start_rate":      ej.EnrollmentStartRate,
		"enrollment_annual_increase": ej.EnrollmentAnnualIncrease,
		"enrollment_max_rate":        ej.EnrollmentMaxRate,
	} {
		if err := checkPercent("employee_contribution."+field, v); err != nil {
			return nil, err
		}
	}
	if start, maxRate := ej.EnrollmentStartRate, ej.EnrollmentMaxRate; start.Valid && maxRate.Valid && maxRate.Decimal.IsPositive() && start.Decimal.GreaterThan(maxRate.Decimal) {
		return nil, invalid("employee_contribution.enrollment_start_rate", "%s exceeds max rate %s", start.Decimal, maxRate.Decimal)
	}

	return &benefits.EmployeeContributionPolicy{
		ID:                       f.idOr(ej.ID),
		HasEmployeeContribution:  ej.HasEmployeeContribution,
		IsAutoEnrollment:         ej.IsAutoEnrollment,
		EnrollmentStartRate:      ej.EnrollmentStartRate,
		EnrollmentAnnualIncrease: ej.EnrollmentAnnualIncrease,
		EnrollmentMaxRate:        ej.EnrollmentMaxRate,
	}, nil
}

func (f *PlanFactory) employerContribution(ej *EmployerContributionJSON) (*benefits.EmployerContributionRule, error) {
	if ej == nil {
		return nil, nil
	}

	ruleType := benefits.RuleNoMatch
	if ej.RuleType != "" {
		ruleType = benefits.MatchRuleType(strings.ToUpper(ej.RuleType))
	}
	if !ruleType.IsKnown() {
		return nil, invalid("employer_contribution.rule_type", "unknown rule type %q", ej.RuleType)
	}
	if ej.MatchPercentage.Valid && ej.MatchPercentage.Decimal.IsNegative() {
		return nil, invalid("employer_contribution.match_percentage", "must not be negative")
	}
	if err := checkPercent("employer_contribution.match_limit_percent", ej.MatchLimitPercent); err != nil {
		return nil, err
	}

	rule := &benefits.EmployerContributionRule{
		ID:                f.idOr(ej.ID),
		RuleType:          ruleType,
		MatchPercentage:   ej.MatchPercentage,
		MatchLimitPercent: ej.MatchLimitPercent,
	}
	prev := decimal.Zero
	for i, t := range ej.Tiers {
		field := fmt.Sprintf("employer_contribution.tiers[%d]", i)
		if !t.UpToPercent.GreaterThan(prev) || t.UpToPercent.GreaterThan(hundred) {
			return nil, invalid(field, "up_to_percent must ascend within (0, 100]")
		}
		if t.Rate.IsNegative() {
			return nil, invalid(field, "rate must not be negative")
		}
		prev = t.UpToPercent
		rule.Tiers = append(rule.Tiers, benefits.MatchTier{UpToPercent: t.UpToPercent, Rate: t.Rate})
	}
	return rule, nil
}

func (f *PlanFactory) profitSharing(pj *ProfitSharingJSON) (*benefits.ProfitSharingPolicy, error) {
	if pj == nil {
		return nil, nil
	}
	policy := &benefits.ProfitSharingPolicy{ID: f.idOr(pj.ID), IsEnabled: pj.IsEnabled}
	if !pj.IsEnabled {
		return policy, nil
	}
	if err := checkPercent("profit_sharing.pro_rata_percentage", pj.ProRataPercentage); err != nil {
		return nil, err
	}
	policy.ProRataPercentage = pj.ProRataPercentage
	return policy, nil
}

// ToJSON converts a TenantPlan back to its document form.
func (f *PlanFactory) ToJSON(plan benefits.TenantPlan) PlanJSON {
	pj := PlanJSON{
		ID:         plan.ID,
		TenantID:   plan.TenantID,
		PlanTypeID: plan.PlanTypeID,
		PlanYear:   plan.PlanYear,
	}
	if !plan.EffectiveDate.IsZero() {
		pj.EffectiveDate = plan.EffectiveDate.Format("2006-01-02")
	}
	if !plan.CreatedAt.IsZero() {
		pj.CreatedAt = plan.CreatedAt.UTC().Format(time.RFC3339)
	}

	if e := plan.Eligibility; e != nil {
		pj.Eligibility = &EligibilityJSON{
			ID:                 e.ID,
			MinimumEntryAge:    copyInt(e.MinimumEntryAge),
			TimeEmployedMonths: copyInt(e.TimeEmployedMonths),
		}
		for _, ex := range e.Exclusions {
			pj.Eligibility.Exclusions = append(pj.Eligibility.Exclusions, string(ex))
		}
	}
	if e := plan.EmployeeContribution; e != nil {
		pj.EmployeeContribution = &EmployeeContributionJSON{
			ID:                       e.ID,
			HasEmployeeContribution:  e.HasEmployeeContribution,
			IsAutoEnrollment:         e.IsAutoEnrollment,
			EnrollmentStartRate:      e.EnrollmentStartRate,
			EnrollmentAnnualIncrease: e.EnrollmentAnnualIncrease,
			EnrollmentMaxRate:        e.EnrollmentMaxRate,
		}
	}
	if r := plan.EmployerContribution; r != nil {
		pj.EmployerContribution = &EmployerContributionJSON{
			ID:                r.ID,
			RuleType:          string(r.RuleType),
			MatchPercentage:   r.MatchPercentage,
			MatchLimitPercent: r.MatchLimitPercent,
		}
		for _, t := range r.Tiers {
			pj.EmployerContribution.Tiers = append(pj.EmployerContribution.Tiers, MatchTierJSON{UpToPercent: t.UpToPercent, Rate: t.Rate})
		}
	}
	if p := plan.ProfitSharing; p != nil {
		pj.ProfitSharing = &ProfitSharingJSON{ID: p.ID, IsEnabled: p.IsEnabled, ProRataPercentage: p.ProRataPercentage}
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

var hundred = decimal.NewFromInt(100)

func (f *PlanFactory) idOr(id string) string {
	if id != "" {
		return id
	}
	return f.newID()
}

func checkPercent(field string, v decimal.NullDecimal) error {
	if !v.Valid {
		return nil
	}
	if v.Decimal.IsNegative() || v.Decimal.GreaterThan(hundred) {
		return invalid(field, "%s is outside [0, 100]", v.Decimal)
	}
	return nil
}

func parseExclusion(s string) (benefits.ExclusionType, bool) {
	ex := benefits.ExclusionType(strings.ToUpper(strings.TrimSpace(s)))
	switch ex {
	case benefits.ExcludeUnionEmployees, benefits.ExcludePartTime, benefits.ExcludeSeasonal,
		benefits.ExcludeInterns, benefits.ExcludeContractors, benefits.ExcludeNonResidentAliens:
		return ex, true
	}
	return "", false
}

func copyInt(n *int) *int {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
