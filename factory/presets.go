package factory

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// These presets build plan documents for common 401(k) designs. Feed the
// result to PlanFactory.ParsePlan with FormatJSON.

// StandardMatchPlanJSON returns a plan with 3% auto-enrollment and an
// employer match of matchPercent of deferrals, capped at limitPercent of pay.
func StandardMatchPlanJSON(tenantID string, matchPercent, limitPercent int64) string {
	pj := PlanJSON{
		TenantID:   tenantID,
		PlanTypeID: "401k",
		Eligibility: &EligibilityJSON{
			MinimumEntryAge:    intPtr(21),
			TimeEmployedMonths: intPtr(3),
		},
		EmployeeContribution: &EmployeeContributionJSON{
			HasEmployeeContribution: true,
			IsAutoEnrollment:        true,
			EnrollmentStartRate:     percent(3),
			EnrollmentMaxRate:       percent(10),
		},
		EmployerContribution: &EmployerContributionJSON{
			RuleType:          "MATCH",
			MatchPercentage:   percent(matchPercent),
			MatchLimitPercent: percent(limitPercent),
		},
	}
	return mustJSON(pj)
}

// SafeHarborPlanJSON returns a safe harbor basic match plan (100% of the
// first 3% plus 50% of the next 2%) with immediate eligibility at 21.
func SafeHarborPlanJSON(tenantID string) string {
	pj := PlanJSON{
		TenantID:   tenantID,
		PlanTypeID: "401k-safe-harbor",
		Eligibility: &EligibilityJSON{
			MinimumEntryAge: intPtr(21),
		},
		EmployeeContribution: &EmployeeContributionJSON{
			HasEmployeeContribution: true,
			IsAutoEnrollment:        true,
			EnrollmentStartRate:     percent(4),
		},
		EmployerContribution: &EmployerContributionJSON{
			RuleType: "SAFE_HARBOR_BASIC",
			Tiers: []MatchTierJSON{
				{UpToPercent: decimal.NewFromInt(3), Rate: decimal.NewFromInt(100)},
				{UpToPercent: decimal.NewFromInt(5), Rate: decimal.NewFromInt(50)},
			},
		},
		ProfitSharing: &ProfitSharingJSON{IsEnabled: false},
	}
	return mustJSON(pj)
}

func percent(n int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(n))
}

func intPtr(n int) *int { return &n }

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
