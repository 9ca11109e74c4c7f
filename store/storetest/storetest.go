// Package storetest holds the behavior every benefits.Store must share.
// Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/benefits"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) benefits.Store

var base = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func participant(tenant, id string, createdOffset time.Duration) benefits.Participant {
	return benefits.Participant{
		TenantID:          tenant,
		IndividualID:      id,
		FirstName:         "Ada",
		LastName:          id,
		DateOfBirth:       time.Date(1990, time.May, 4, 0, 0, 0, 0, time.UTC),
		StartDate:         time.Date(2020, time.January, 6, 0, 0, 0, 0, time.UTC),
		EmploymentStatus:  "active",
		EmploymentType:    "employee",
		EmploymentSubtype: "full_time",
		IsActive:          true,
		Income: &benefits.Income{
			Amount:   decimal.RequireFromString("85000.50"),
			Unit:     benefits.IncomeYearly,
			Currency: "USD",
		},
		EligibilityStatus: benefits.EligibilityPending,
		CreatedAt:         base.Add(createdOffset),
	}
}

func record(id, tenant, employee string, status benefits.CalculationStatus, at time.Time) benefits.CalculationRecord {
	return benefits.CalculationRecord{
		CalculationID: id,
		TenantID:      tenant,
		EmployeeID:    employee,
		PeriodStart:   time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:     time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC),
		CalculatedAt:  at,
		Status:        status,
		SyncStatus:    benefits.SyncPending,
		Total: benefits.Contribution{
			Amount:     decimal.RequireFromString("4500.00"),
			Percentage: decimal.RequireFromString("4.50"),
		},
		BaseSalary: decimal.RequireFromString("100000"),
	}
}

func ids(recs []benefits.CalculationRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.CalculationID
	}
	return out
}

func individualIDs(ps []benefits.Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.IndividualID
	}
	return out
}

// Run exercises newStore against the benefits.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("ParticipantRoundTrip", func(t *testing.T) { testParticipantRoundTrip(t, newStore(t)) })
	t.Run("ParticipantPaging", func(t *testing.T) { testParticipantPaging(t, newStore(t)) })
	t.Run("ParticipantUpsert", func(t *testing.T) { testParticipantUpsert(t, newStore(t)) })
	t.Run("TenantPlans", func(t *testing.T) { testTenantPlans(t, newStore(t)) })
	t.Run("CalculationQueries", func(t *testing.T) { testCalculationQueries(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newStore(t)) })
}

func testParticipantRoundTrip(t *testing.T, s benefits.Store) {
	ctx := context.Background()
	p := participant("acme", "e1", 0)
	p.IsEligible = true
	p.EligibilityStatus = benefits.EligibilityEligible
	p.EligibilityDate = time.Date(2021, time.January, 6, 0, 0, 0, 0, time.UTC)
	p.EligibilityReason = "Employee meets all eligibility requirements"
	require.NoError(t, s.SaveParticipants(ctx, []benefits.Participant{p}))

	got, err := s.GetParticipant(ctx, "acme", "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.IndividualID)
	assert.True(t, got.IsEligible)
	assert.Equal(t, benefits.EligibilityEligible, got.EligibilityStatus)
	assert.True(t, got.DateOfBirth.Equal(p.DateOfBirth))
	assert.True(t, got.EligibilityDate.Equal(p.EligibilityDate))
	assert.True(t, got.EndDate.IsZero())
	require.NotNil(t, got.Income)
	assert.True(t, got.Income.Amount.Equal(p.Income.Amount), "income %s", got.Income.Amount)

	_, err = s.GetParticipant(ctx, "acme", "missing")
	assert.True(t, errors.Is(err, benefits.ErrParticipantNotFound), "got %v", err)
	_, err = s.GetParticipant(ctx, "other", "e1")
	assert.True(t, errors.Is(err, benefits.ErrParticipantNotFound), "tenant isolation: got %v", err)
}

func testParticipantPaging(t *testing.T, s benefits.Store) {
	ctx := context.Background()
	// Newest first; equal timestamps break ties by id.
	require.NoError(t, s.SaveParticipants(ctx, []benefits.Participant{
		participant("acme", "a", 0),
		participant("acme", "b", time.Hour),
		participant("acme", "c", time.Hour),
		participant("acme", "d", 2*time.Hour),
		participant("other", "z", 3*time.Hour),
	}))

	first, err := s.ListParticipants(ctx, "acme", benefits.PageRequest{Offset: 0, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "b"}, individualIDs(first))

	second, err := s.ListParticipants(ctx, "acme", benefits.PageRequest{Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, individualIDs(second))

	beyond, err := s.ListParticipants(ctx, "acme", benefits.PageRequest{Offset: 4, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func testParticipantUpsert(t *testing.T, s benefits.Store) {
	ctx := context.Background()
	p := participant("acme", "e1", 0)
	require.NoError(t, s.SaveParticipants(ctx, []benefits.Participant{p}))

	p.IsEligible = true
	p.EligibilityStatus = benefits.EligibilityEligible
	require.NoError(t, s.SaveParticipants(ctx, []benefits.Participant{p}))

	all, err := s.ListParticipants(ctx, "acme", benefits.PageRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsEligible)

	eligible, err := s.ListEligibleParticipants(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, individualIDs(eligible))
}

func testTenantPlans(t *testing.T, s benefits.Store) {
	ctx := context.Background()
	older := benefits.TenantPlan{
		ID: "p-old", TenantID: "acme", PlanTypeID: "401K", PlanYear: 2024,
		CreatedAt: base.AddDate(-1, 0, 0),
	}
	minAge := 18
	newer := benefits.TenantPlan{
		ID: "p-new", TenantID: "acme", PlanTypeID: "401K", PlanYear: 2025,
		CreatedAt:   base,
		Eligibility: &benefits.EligibilityPolicy{ID: "el", MinimumEntryAge: &minAge, Exclusions: []benefits.ExclusionType{benefits.ExcludeInterns}},
		EmployerContribution: &benefits.EmployerContributionRule{
			ID:              "er",
			RuleType:        benefits.RuleMatch,
			MatchPercentage: decimal.NewNullDecimal(decimal.RequireFromString("50")),
		},
	}
	require.NoError(t, s.SaveTenantPlan(ctx, newer))
	require.NoError(t, s.SaveTenantPlan(ctx, older))
	require.NoError(t, s.SaveTenantPlan(ctx, benefits.TenantPlan{ID: "p-x", TenantID: "beta", CreatedAt: base}))

	plan, err := benefits.ResolvePlan(ctx, s, "acme")
	require.NoError(t, err)
	assert.Equal(t, "p-new", plan.ID)
	require.NotNil(t, plan.Eligibility)
	assert.Equal(t, 18, *plan.Eligibility.MinimumEntryAge)
	assert.Nil(t, plan.Eligibility.TimeEmployedMonths)
	assert.Equal(t, []benefits.ExclusionType{benefits.ExcludeInterns}, plan.Eligibility.Exclusions)
	require.NotNil(t, plan.EmployerContribution)
	assert.True(t, plan.EmployerContribution.MatchPercentage.Decimal.Equal(decimal.NewFromInt(50)))
	assert.False(t, plan.EmployerContribution.MatchLimitPercent.Valid)
	assert.Nil(t, plan.ProfitSharing)

	_, err = benefits.ResolvePlan(ctx, s, "nobody")
	assert.ErrorIs(t, err, benefits.ErrPlanNotFound)

	tenants, err := s.ListPlanTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "beta"}, tenants)
}

func testCalculationQueries(t *testing.T, s benefits.Store) {
	ctx := context.Background()
	later := record("c2", "acme", "e2", benefits.CalculationSuccess, base.Add(time.Minute))
	later.SyncStatus = benefits.SyncCreated
	later.ProcessedAt = base.Add(2 * time.Minute)
	require.NoError(t, s.SaveCalculations(ctx, []benefits.CalculationRecord{
		later,
		record("c1", "acme", "e1", benefits.CalculationSuccess, base),
		record("c3", "acme", "e1", benefits.CalculationFailed, base.Add(2*time.Minute)),
		record("c4", "other", "e1", benefits.CalculationSuccess, base),
	}))

	got, err := s.GetCalculations(ctx, []string{"c3", "missing", "c1", "c1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, ids(got))
	assert.True(t, got[0].Total.Amount.Equal(decimal.RequireFromString("4500")), "total %s", got[0].Total.Amount)

	all, err := s.ListCalculations(ctx, benefits.CalculationFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids(all))
	assert.Equal(t, benefits.SyncCreated, all[1].SyncStatus)
	assert.True(t, all[1].ProcessedAt.Equal(later.ProcessedAt))

	success, err := s.ListCalculations(ctx, benefits.CalculationFilter{TenantID: "acme", Status: benefits.CalculationSuccess})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids(success))

	forE1, err := s.ListCalculations(ctx, benefits.CalculationFilter{TenantID: "acme", EmployeeID: "e1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, ids(forE1))

	april := benefits.Period{
		Start: time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.April, 30, 0, 0, 0, 0, time.UTC),
	}
	none, err := s.ListCalculations(ctx, benefits.CalculationFilter{TenantID: "acme", Period: &april})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTxRollback(t *testing.T, s benefits.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveCalculations(ctx, []benefits.CalculationRecord{
		record("c1", "acme", "e1", benefits.CalculationSuccess, base),
	}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx benefits.Store) error {
		updated := record("c1", "acme", "e1", benefits.CalculationFailed, base)
		if err := tx.SaveCalculations(ctx, []benefits.CalculationRecord{
			updated,
			record("c2", "acme", "e2", benefits.CalculationSuccess, base),
		}); err != nil {
			return err
		}
		if err := tx.SaveParticipants(ctx, []benefits.Participant{participant("acme", "e9", 0)}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetCalculations(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, benefits.CalculationSuccess, got[0].Status)

	_, err = s.GetParticipant(ctx, "acme", "e9")
	assert.ErrorIs(t, err, benefits.ErrParticipantNotFound)
}

func testTxCommit(t *testing.T, s benefits.Store) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx benefits.Store) error {
		if err := tx.SaveCalculations(ctx, []benefits.CalculationRecord{
			record("c1", "acme", "e1", benefits.CalculationSuccess, base),
		}); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes.
		got, err := tx.GetCalculations(ctx, []string{"c1"})
		if err != nil {
			return err
		}
		if len(got) != 1 {
			return errors.New("write not visible inside transaction")
		}
		// Nested WithTx joins the outer transaction.
		return tx.WithTx(ctx, func(inner benefits.Store) error {
			return inner.SaveParticipants(ctx, []benefits.Participant{participant("acme", "e1", 0)})
		})
	})
	require.NoError(t, err)

	got, err := s.GetCalculations(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	_, err = s.GetParticipant(ctx, "acme", "e1")
	assert.NoError(t, err)
}
