package benefits_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/rules"
)

func eligible(p benefits.Participant) benefits.Participant {
	p.IsEligible = true
	p.EligibilityStatus = benefits.EligibilityEligible
	return p
}

func runCalculation(t *testing.T, deps benefits.Dependencies, exec *batch.JobExecution) *batch.StepExecution {
	t.Helper()
	se, err := benefits.NewCalculationStep(deps, benefits.DefaultStageConfig().Calculation).Execute(context.Background(), exec)
	require.NoError(t, err)
	return se
}

func TestCalculationStage_ComputesFromHandoff(t *testing.T) {
	// GIVEN: e1 handed off as eligible, 100000 salary on the standard plan
	plan := standardPlan()
	store := newTestStore(t, &plan, eligible(employee("e1", 30, 24, "100000")))
	exec := newTestExecution()
	benefits.NewJobContext(exec).PublishEligibleEmployeeIDs([]string{"e1"})

	// WHEN: The stage runs with the builtin rules
	runCalculation(t, newTestDeps(store, nil), exec)

	// THEN: 5% deferral, 50% match under the 4% cap, 1% profit sharing
	recs := periodCalculations(t, store)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, benefits.CalculationSuccess, rec.Status)
	assert.True(t, strings.HasPrefix(rec.CalculationID, benefits.CalculationIDPrefix))
	assert.Equal(t, "5000.00", rec.EmployeeContribution.Amount.StringFixed(2))
	assert.Equal(t, "2500.00", rec.EmployerMatch.Amount.StringFixed(2))
	assert.Equal(t, "1000.00", rec.ProfitSharing.Amount.StringFixed(2))
	assert.Equal(t, "8500.00", rec.Total.Amount.StringFixed(2))
	assert.Equal(t, "8.50", rec.Total.Percentage.StringFixed(2))
	assert.Equal(t, "100000", rec.BaseSalary.String())
	assert.Equal(t, benefits.SyncPending, rec.SyncStatus)
	assert.Equal(t, "plan-1", rec.PlanID)
	assert.Equal(t, "er-1", rec.EmployerRuleID)
	assert.Equal(t, exec.ID, rec.JobExecutionID)

	jc := benefits.NewJobContext(exec)
	ids, ok := jc.SuccessfulCalculationIDs()
	require.True(t, ok)
	assert.Equal(t, []string{rec.CalculationID}, ids)
	assert.Equal(t, 1, jc.Count(benefits.KeyCalculationResultsCount))
	assert.Equal(t, 0, jc.Count(benefits.KeyHandoffFallbacks))
}

func TestCalculationStage_DisabledOracleMatchesBuiltin(t *testing.T) {
	// GIVEN: The same employee with the oracle stubbed out
	plan := standardPlan()
	store := newTestStore(t, &plan, eligible(employee("e1", 30, 24, "100000")))
	exec := newTestExecution()
	benefits.NewJobContext(exec).PublishEligibleEmployeeIDs([]string{"e1"})
	deps := newTestDeps(store, nil)
	deps.ContributionOracle = rules.Disabled{}

	// WHEN: The stage runs
	runCalculation(t, deps, exec)

	// THEN: The fallback formulas give the same amounts
	rec := periodCalculations(t, store)[0]
	assert.Equal(t, "8500.00", rec.Total.Amount.StringFixed(2))
	assert.Equal(t, "2500.00", rec.EmployerMatch.Amount.StringFixed(2))
}

func TestCalculationStage_CapsCompensationForEveryFigure(t *testing.T) {
	tests := []struct {
		name   string
		oracle benefits.ContributionOracle
	}{
		{"builtin", rules.Contribution{}},
		{"fallback", rules.Disabled{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: e1 earning above the compensation limit
			plan := standardPlan()
			store := newTestStore(t, &plan, eligible(employee("e1", 30, 24, "400000")))
			exec := newTestExecution()
			benefits.NewJobContext(exec).PublishEligibleEmployeeIDs([]string{"e1"})
			deps := newTestDeps(store, nil)
			deps.ContributionOracle = tt.oracle

			// WHEN: The stage runs
			runCalculation(t, deps, exec)

			// THEN: Amounts and percentages share the 315000 base
			rec := periodCalculations(t, store)[0]
			assert.Equal(t, "400000", rec.BaseSalary.String())
			assert.Equal(t, "315000", rec.EligibleCompensation.String())
			assert.Equal(t, "15750.00", rec.EmployeeContribution.Amount.StringFixed(2))
			assert.Equal(t, "7875.00", rec.EmployerMatch.Amount.StringFixed(2))
			assert.Equal(t, "3150.00", rec.ProfitSharing.Amount.StringFixed(2))
			assert.Equal(t, "26775.00", rec.Total.Amount.StringFixed(2))
			assert.Equal(t, "8.50", rec.Total.Percentage.StringFixed(2))
		})
	}
}

func TestCalculationStage_OracleErrorFallsBack(t *testing.T) {
	plan := standardPlan()
	store := newTestStore(t, &plan, eligible(employee("e1", 30, 24, "100000")))
	exec := newTestExecution()
	benefits.NewJobContext(exec).PublishEligibleEmployeeIDs([]string{"e1"})
	deps := newTestDeps(store, nil)
	deps.ContributionOracle = benefits.ContributionOracleFunc(func(_ context.Context, fact *benefits.CalculationFact, _ *benefits.TenantPlan) error {
		fact.EmployerContribution = dec("999999")
		return errors.New("rule runtime unavailable")
	})

	runCalculation(t, deps, exec)

	rec := periodCalculations(t, store)[0]
	assert.Equal(t, benefits.CalculationSuccess, rec.Status)
	assert.Equal(t, "2500.00", rec.EmployerMatch.Amount.StringFixed(2), "partial oracle output is discarded")
}

func TestCalculationStage_ContinueOnError(t *testing.T) {
	// GIVEN: Four handed-off ids: two valid, one unknown, one not eligible
	plan := standardPlan()
	store := newTestStore(t, &plan,
		eligible(employee("e1", 30, 24, "100000")),
		eligible(employee("e2", 30, 24, "60000")),
		employee("e3", 30, 24, "60000"),
	)
	exec := newTestExecution()
	benefits.NewJobContext(exec).PublishEligibleEmployeeIDs([]string{"e1", "ghost", "e2", "e3"})

	// WHEN: The stage runs
	se := runCalculation(t, newTestDeps(store, nil), exec)

	// THEN: Four records, two of them FAILED with a message
	recs := byEmployee(periodCalculations(t, store))
	require.Len(t, recs, 4)
	assert.Equal(t, benefits.CalculationSuccess, recs["e1"].Status)
	assert.Equal(t, benefits.CalculationSuccess, recs["e2"].Status)
	assert.Equal(t, benefits.CalculationFailed, recs["ghost"].Status)
	assert.Equal(t, "Calculation failed: participant not found", recs["ghost"].ErrorMessage)
	assert.Equal(t, benefits.CalculationFailed, recs["e3"].Status)
	assert.Equal(t, "Calculation failed: employee not eligible for benefits", recs["e3"].ErrorMessage)
	assert.True(t, recs["e3"].Total.Amount.IsZero())

	stats := benefits.StatsFrom(se)
	assert.Equal(t, 4, stats.Processed)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)

	ids, _ := benefits.NewJobContext(exec).SuccessfulCalculationIDs()
	assert.Len(t, ids, 2)
}

func TestCalculationStage_NoPlanFailsRecords(t *testing.T) {
	store := newTestStore(t, nil, eligible(employee("e1", 30, 24, "100000")))
	exec := newTestExecution()
	benefits.NewJobContext(exec).PublishEligibleEmployeeIDs([]string{"e1"})

	se := runCalculation(t, newTestDeps(store, nil), exec)

	assert.Equal(t, batch.StatusCompleted, se.Status)
	rec := periodCalculations(t, store)[0]
	assert.Equal(t, benefits.CalculationFailed, rec.Status)
	assert.Equal(t, "Calculation failed: tenant plan not found", rec.ErrorMessage)
}

func TestCalculationStage_MissingHandoffRecoversFromStore(t *testing.T) {
	// GIVEN: No hand-off key, but e1 is flagged eligible in the store
	plan := standardPlan()
	store := newTestStore(t, &plan,
		eligible(employee("e1", 30, 24, "100000")),
		employee("e2", 30, 24, "100000"),
	)
	exec := newTestExecution()
	deps := newTestDeps(store, nil)
	var anomalies []benefits.Anomaly
	deps.OnAnomaly = func(a benefits.Anomaly) { anomalies = append(anomalies, a) }

	// WHEN: The stage runs
	runCalculation(t, deps, exec)

	// THEN: e1 was calculated and the fallback was reported
	recs := periodCalculations(t, store)
	require.Len(t, recs, 1)
	assert.Equal(t, "e1", recs[0].EmployeeID)

	assert.Equal(t, 1, benefits.NewJobContext(exec).Count(benefits.KeyHandoffFallbacks))
	require.Len(t, anomalies, 1)
	assert.Equal(t, benefits.AnomalyHandoffFallback, anomalies[0].Kind)
	assert.Equal(t, benefits.StepCalculation, anomalies[0].Stage)
	assert.Equal(t, tenant, anomalies[0].TenantID)
	assert.Equal(t, 1, anomalies[0].Recovered)
}

func TestCalculationStage_EmptyHandoffAgreeingStoreIsQuiet(t *testing.T) {
	plan := standardPlan()
	store := newTestStore(t, &plan, employee("e1", 30, 24, "100000"))
	exec := newTestExecution()
	benefits.NewJobContext(exec).PublishEligibleEmployeeIDs(nil)
	deps := newTestDeps(store, nil)
	called := false
	deps.OnAnomaly = func(benefits.Anomaly) { called = true }

	runCalculation(t, deps, exec)

	assert.False(t, called)
	assert.Empty(t, periodCalculations(t, store))
	assert.Equal(t, 0, benefits.NewJobContext(exec).Count(benefits.KeyHandoffFallbacks))
}

func TestCalculationStage_ReprocessesFailedRecords(t *testing.T) {
	// GIVEN: An earlier FAILED calculation for e1 in the same period
	plan := standardPlan()
	store := newTestStore(t, &plan, eligible(employee("e1", 30, 24, "100000")))
	period := june2025()
	prior := benefits.CalculationRecord{
		CalculationID:  "CALC-old",
		TenantID:       tenant,
		EmployeeID:     "e1",
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		CalculatedAt:   fixedNow().AddDate(0, 0, -1),
		Status:         benefits.CalculationFailed,
		ErrorMessage:   "Calculation failed: boom",
		ReprocessCount: 1,
	}
	require.NoError(t, store.SaveCalculations(context.Background(), []benefits.CalculationRecord{prior}))
	exec := newTestExecution()
	benefits.NewJobContext(exec).PublishEligibleEmployeeIDs([]string{"e1"})

	// WHEN: The stage runs again
	runCalculation(t, newTestDeps(store, nil), exec)

	// THEN: The old record is REPROCESSED and the new one carries the counter
	recs, err := store.GetCalculations(context.Background(), []string{"CALC-old"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, benefits.CalculationReprocessed, recs[0].Status)
	assert.Equal(t, fixedNow(), recs[0].LastReprocessedAt)

	success, err := store.ListCalculations(context.Background(), benefits.CalculationFilter{TenantID: tenant, Status: benefits.CalculationSuccess})
	require.NoError(t, err)
	require.Len(t, success, 1)
	assert.Equal(t, 2, success[0].ReprocessCount)
}

func TestBuildCalculationFact_Defaults(t *testing.T) {
	plan := benefits.TenantPlan{ID: "bare", TenantID: tenant}
	p := employee("e1", 30, 24, "5000")
	p.Income.Unit = benefits.IncomeMonthly
	p.EmploymentStatus = ""

	fact := benefits.BuildCalculationFact(p, &plan, june2025(), today())

	assert.Equal(t, "60000", fact.EligibleCompensation.String())
	assert.Equal(t, benefits.RuleNoMatch, fact.EmployerMatchRuleType)
	assert.Equal(t, "3", fact.AutoEnrollmentPercent.String())
	assert.Equal(t, "315000", fact.CompensationLimit.String())
	assert.Equal(t, benefits.DefaultMinimumServiceMonths, fact.MinimumServiceMonths)
	assert.Equal(t, benefits.DefaultMinimumAge, fact.MinimumAge)
	assert.Equal(t, benefits.UnknownValue, fact.EmploymentStatus)
	assert.Equal(t, benefits.UnknownValue, fact.PlanType)
	assert.True(t, fact.EmployeeContributionPercent.IsZero())
}
