package factory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/factory"
)

var fixedNow = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

func newTestFactory() *factory.PlanFactory {
	return factory.NewPlanFactory().WithClock(func() time.Time { return fixedNow })
}

func TestParsePlan_StandardMatchPreset(t *testing.T) {
	// GIVEN: The standard match preset for acme
	f := newTestFactory()

	// WHEN: It is parsed
	plan, err := f.ParsePlan([]byte(factory.StandardMatchPlanJSON("acme", 50, 6)), factory.FormatJSON)

	// THEN: Every section is populated with ids and the defaults applied
	require.NoError(t, err)
	assert.Equal(t, "acme", plan.TenantID)
	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, 2025, plan.PlanYear)
	assert.Equal(t, fixedNow, plan.CreatedAt)

	require.NotNil(t, plan.Eligibility)
	assert.Equal(t, 21, *plan.Eligibility.MinimumEntryAge)
	assert.Equal(t, 3, *plan.Eligibility.TimeEmployedMonths)

	require.NotNil(t, plan.EmployeeContribution)
	assert.True(t, plan.EmployeeContribution.IsAutoEnrollment)
	assert.True(t, plan.EmployeeContribution.EnrollmentStartRate.Decimal.Equal(decimal.NewFromInt(3)))

	require.NotNil(t, plan.EmployerContribution)
	assert.Equal(t, benefits.RuleMatch, plan.EmployerContribution.RuleType)
	assert.True(t, plan.EmployerContribution.MatchPercentage.Decimal.Equal(decimal.NewFromInt(50)))
	assert.True(t, plan.EmployerContribution.MatchLimitPercent.Decimal.Equal(decimal.NewFromInt(6)))
	assert.Nil(t, plan.ProfitSharing)
}

func TestParsePlan_SafeHarborPreset(t *testing.T) {
	plan, err := newTestFactory().ParsePlan([]byte(factory.SafeHarborPlanJSON("acme")), factory.FormatJSON)

	require.NoError(t, err)
	require.NotNil(t, plan.EmployerContribution)
	assert.Equal(t, benefits.RuleSafeHarborBasic, plan.EmployerContribution.RuleType)
	require.Len(t, plan.EmployerContribution.Tiers, 2)
	assert.True(t, plan.EmployerContribution.Tiers[1].UpToPercent.Equal(decimal.NewFromInt(5)))
	require.NotNil(t, plan.ProfitSharing)
	assert.False(t, plan.ProfitSharing.IsEnabled)
}

func TestLoadPlanFile_YAML(t *testing.T) {
	// GIVEN: A YAML plan with an explicit effective date and lower-case rule type
	path := filepath.Join(t.TempDir(), "acme.yaml")
	doc := `
tenant_id: acme
id: plan-2025
effective_date: "2024-07-01"
eligibility:
  minimum_entry_age: 18
  exclusions: [interns, CONTRACTORS]
employer_contribution:
  rule_type: percentage_match
  match_percentage: 4
profit_sharing:
  is_enabled: true
  pro_rata_percentage: "2.5"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	// WHEN: The file is loaded
	plan, err := newTestFactory().LoadPlanFile(path)

	// THEN: Values are normalized and the plan year follows the effective date
	require.NoError(t, err)
	assert.Equal(t, "plan-2025", plan.ID)
	assert.Equal(t, 2024, plan.PlanYear)
	assert.Equal(t, []benefits.ExclusionType{benefits.ExcludeInterns, benefits.ExcludeContractors}, plan.Eligibility.Exclusions)
	assert.Equal(t, benefits.RulePercentageMatch, plan.EmployerContribution.RuleType)
	assert.True(t, plan.EmployerContribution.MatchPercentage.Decimal.Equal(decimal.NewFromInt(4)))
	assert.False(t, plan.EmployerContribution.MatchLimitPercent.Valid)
	assert.True(t, plan.ProfitSharing.ProRataPercentage.Decimal.Equal(decimal.RequireFromString("2.5")))
}

func TestLoadPlanFile_UnsupportedExtension(t *testing.T) {
	_, err := newTestFactory().LoadPlanFile("plan.toml")
	assert.Error(t, err)
}

func TestParsePlan_DisabledProfitSharingDropsRate(t *testing.T) {
	doc := `{"tenant_id": "acme", "profit_sharing": {"is_enabled": false, "pro_rata_percentage": 5}}`

	plan, err := newTestFactory().ParsePlan([]byte(doc), factory.FormatJSON)

	require.NoError(t, err)
	require.NotNil(t, plan.ProfitSharing)
	assert.False(t, plan.ProfitSharing.ProRataPercentage.Valid)
}

func TestParsePlan_Validation(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"missing tenant", `{"plan_type_id": "401k"}`, "tenant_id"},
		{"bad effective date", `{"tenant_id": "a", "effective_date": "07/01/2024"}`, "effective_date"},
		{"unknown rule", `{"tenant_id": "a", "employer_contribution": {"rule_type": "DOUBLE_MATCH"}}`, "employer_contribution.rule_type"},
		{"limit over 100", `{"tenant_id": "a", "employer_contribution": {"rule_type": "MATCH", "match_limit_percent": 120}}`, "employer_contribution.match_limit_percent"},
		{"negative start rate", `{"tenant_id": "a", "employee_contribution": {"enrollment_start_rate": -1}}`, "employee_contribution.enrollment_start_rate"},
		{"start above max", `{"tenant_id": "a", "employee_contribution": {"enrollment_start_rate": 8, "enrollment_max_rate": 6}}`, "employee_contribution.enrollment_start_rate"},
		{"tiers not ascending", `{"tenant_id": "a", "employer_contribution": {"rule_type": "TIERED_MATCH", "tiers": [{"up_to_percent": 4, "rate": 100}, {"up_to_percent": 2, "rate": 50}]}}`, "employer_contribution.tiers[1]"},
		{"unknown exclusion", `{"tenant_id": "a", "eligibility": {"exclusions": ["EXECUTIVES"]}}`, "eligibility.exclusions"},
		{"negative service", `{"tenant_id": "a", "eligibility": {"time_employed_months": -3}}`, "eligibility.time_employed_months"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestFactory().ParsePlan([]byte(tt.doc), factory.FormatJSON)

			require.Error(t, err)
			assert.ErrorIs(t, err, factory.ErrInvalidDocument)
			var verr *factory.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestParsePlan_RejectsUnknownFields(t *testing.T) {
	_, err := newTestFactory().ParsePlan([]byte(`{"tenant_id": "a", "employer_match": {}}`), factory.FormatJSON)

	require.Error(t, err)
	assert.NotErrorIs(t, err, factory.ErrInvalidDocument)
}

func TestToJSON_RestoresDocument(t *testing.T) {
	f := newTestFactory()
	plan, err := f.ParsePlan([]byte(factory.StandardMatchPlanJSON("acme", 100, 4)), factory.FormatJSON)
	require.NoError(t, err)

	again, err := f.FromJSON(f.ToJSON(plan))

	require.NoError(t, err)
	assert.Equal(t, plan.ID, again.ID)
	assert.Equal(t, plan.EmployerContribution.ID, again.EmployerContribution.ID)
	assert.True(t, plan.CreatedAt.Equal(again.CreatedAt))
	assert.True(t, again.EmployerContribution.MatchPercentage.Decimal.Equal(decimal.NewFromInt(100)))
}
