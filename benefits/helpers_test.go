package benefits_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/hris"
	"github.com/warp/payroll-engine/rules"
	"github.com/warp/payroll-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const tenant = "acme"

func fixedNow() time.Time {
	return time.Date(2025, time.June, 15, 9, 0, 0, 0, time.UTC)
}

func today() time.Time {
	return benefits.Today(fixedNow())
}

func june2025() benefits.Period {
	return benefits.Period{
		Start: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func pct(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func intPtr(n int) *int { return &n }

// standardPlan: 21 years, 3 months service, 5% deferral, 50% match capped
// at 4% of pay, 1% profit sharing.
func standardPlan() benefits.TenantPlan {
	return benefits.TenantPlan{
		ID:         "plan-1",
		TenantID:   tenant,
		PlanTypeID: "401K",
		PlanYear:   2025,
		CreatedAt:  time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		Eligibility: &benefits.EligibilityPolicy{
			ID:                 "elig-1",
			MinimumEntryAge:    intPtr(21),
			TimeEmployedMonths: intPtr(3),
		},
		EmployeeContribution: &benefits.EmployeeContributionPolicy{
			ID:                      "ee-1",
			HasEmployeeContribution: true,
			EnrollmentStartRate:     pct("5"),
			EnrollmentMaxRate:       pct("15"),
		},
		EmployerContribution: &benefits.EmployerContributionRule{
			ID:                "er-1",
			RuleType:          benefits.RuleMatch,
			MatchPercentage:   pct("50"),
			MatchLimitPercent: pct("4"),
		},
		ProfitSharing: &benefits.ProfitSharingPolicy{
			ID:                "ps-1",
			IsEnabled:         true,
			ProRataPercentage: pct("1"),
		},
	}
}

// employee builds an active participant of the given age and service.
func employee(id string, age, serviceMonths int, salary string) benefits.Participant {
	return benefits.Participant{
		TenantID:         tenant,
		IndividualID:     id,
		FirstName:        "Test",
		LastName:         id,
		DateOfBirth:      benefits.AddYears(today(), -age),
		StartDate:        benefits.AddMonths(today(), -serviceMonths),
		EmploymentStatus: "active",
		EmploymentType:   "employee",
		IsActive:         true,
		Income:           &benefits.Income{Amount: dec(salary), Unit: benefits.IncomeYearly, Currency: "USD"},
		CreatedAt:        fixedNow().Add(-time.Duration(len(id)) * time.Hour),
	}
}

func newTestStore(t *testing.T, plan *benefits.TenantPlan, participants ...benefits.Participant) *memory.Memory {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	if plan != nil {
		require.NoError(t, store.SaveTenantPlan(ctx, *plan))
	}
	require.NoError(t, store.SaveParticipants(ctx, participants))
	return store
}

func newTestDeps(store benefits.Store, client benefits.DeductionClient) benefits.Dependencies {
	return benefits.Dependencies{
		Store:              store,
		EligibilityOracle:  rules.Eligibility{},
		ContributionOracle: rules.Contribution{},
		Deductions:         client,
		Now:                fixedNow,
	}
}

func newTestExecution() *batch.JobExecution {
	return batch.NewJobExecution(benefits.JobName, benefits.NewJobParameters(tenant, june2025(), fixedNow()), fixedNow())
}

func mustParticipant(t *testing.T, store benefits.Store, id string) *benefits.Participant {
	t.Helper()
	p, err := store.GetParticipant(context.Background(), tenant, id)
	require.NoError(t, err)
	return p
}

func periodCalculations(t *testing.T, store benefits.Store) []benefits.CalculationRecord {
	t.Helper()
	period := june2025()
	recs, err := store.ListCalculations(context.Background(), benefits.CalculationFilter{TenantID: tenant, Period: &period})
	require.NoError(t, err)
	return recs
}

func byEmployee(recs []benefits.CalculationRecord) map[string]benefits.CalculationRecord {
	out := make(map[string]benefits.CalculationRecord, len(recs))
	for _, r := range recs {
		out[r.EmployeeID] = r
	}
	return out
}

var _ benefits.DeductionClient = (*hris.Recorder)(nil)
