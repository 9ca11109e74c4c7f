package payroll_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/hris"
	"github.com/warp/payroll-engine/payroll"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestClosedPeriod(t *testing.T) {
	anchor := day(2025, time.January, 6)

	tests := []struct {
		name      string
		freq      payroll.Frequency
		today     time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "monthly returns previous month",
			freq:      payroll.Monthly,
			today:     day(2025, time.July, 2),
			wantStart: day(2025, time.June, 1),
			wantEnd:   day(2025, time.June, 30),
		},
		{
			name:      "monthly crosses year boundary",
			freq:      payroll.Monthly,
			today:     day(2025, time.January, 10),
			wantStart: day(2024, time.December, 1),
			wantEnd:   day(2024, time.December, 31),
		},
		{
			name:      "semi-monthly after the 15th returns first half",
			freq:      payroll.SemiMonthly,
			today:     day(2025, time.March, 20),
			wantStart: day(2025, time.March, 1),
			wantEnd:   day(2025, time.March, 15),
		},
		{
			name:      "semi-monthly on the 15th returns second half of previous month",
			freq:      payroll.SemiMonthly,
			today:     day(2025, time.March, 15),
			wantStart: day(2025, time.February, 16),
			wantEnd:   day(2025, time.February, 28),
		},
		{
			name:      "weekly",
			freq:      payroll.Weekly,
			today:     day(2025, time.January, 15),
			wantStart: day(2025, time.January, 6),
			wantEnd:   day(2025, time.January, 12),
		},
		{
			name:      "weekly on the first day of a period",
			freq:      payroll.Weekly,
			today:     day(2025, time.January, 13),
			wantStart: day(2025, time.January, 6),
			wantEnd:   day(2025, time.January, 12),
		},
		{
			name:      "bi-weekly",
			freq:      payroll.BiWeekly,
			today:     day(2025, time.February, 5),
			wantStart: day(2025, time.January, 20),
			wantEnd:   day(2025, time.February, 2),
		},
		{
			name:      "bi-weekly before the anchor",
			freq:      payroll.BiWeekly,
			today:     day(2025, time.January, 1),
			wantStart: day(2024, time.December, 9),
			wantEnd:   day(2024, time.December, 22),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := payroll.ClosedPeriod(tt.freq, anchor, tt.today.Add(15*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, got.Start)
			assert.Equal(t, tt.wantEnd, got.End)
		})
	}
}

func TestClosedPeriod_UnknownFrequency(t *testing.T) {
	_, err := payroll.ClosedPeriod("quarterly", payroll.DefaultAnchor, t0)
	assert.ErrorIs(t, err, payroll.ErrUnknownFrequency)
}

func TestParseFrequency(t *testing.T) {
	f, err := payroll.ParseFrequency(" Bi_Weekly ")
	require.NoError(t, err)
	assert.Equal(t, payroll.BiWeekly, f)

	_, err = payroll.ParseFrequency("fortnightly")
	assert.ErrorIs(t, err, payroll.ErrUnknownFrequency)
}

func newTestScheduler(f *fixture) *payroll.Scheduler {
	s := payroll.NewScheduler(f.svc, f.store)
	s.Now = f.clock.Now
	return s
}

func TestScheduler_RunNowLaunchesEachTenantOnce(t *testing.T) {
	// GIVEN: Two tenants with plans
	client := hris.NewRecorder()
	f := newFixture(t, client)
	ctx := context.Background()
	require.NoError(t, f.store.SaveTenantPlan(ctx, testPlan("beta")))
	s := newTestScheduler(f)

	// WHEN: The scheduler runs in July
	summary, err := s.RunNow(ctx)

	// THEN: June is launched for both tenants
	require.NoError(t, err)
	assert.Equal(t, day(2025, time.June, 1), summary.Period.Start)
	assert.Equal(t, day(2025, time.June, 30), summary.Period.End)
	assert.Equal(t, 2, summary.Launched)
	assert.Zero(t, summary.Busy)
	assert.Zero(t, summary.Failed)
	assert.Len(t, client.Requests(), 1)

	// WHEN: It runs again for the same period
	f.clock.Advance(time.Hour)
	summary, err = s.RunNow(ctx)

	// THEN: Both tenants are already completed
	require.NoError(t, err)
	assert.Zero(t, summary.Launched)
	assert.Equal(t, 2, summary.Completed)
	assert.Len(t, client.Requests(), 1)
}

func TestScheduler_SkipsBusyTenant(t *testing.T) {
	// GIVEN: A tenant whose job started five minutes ago
	f := newFixture(t, hris.NewRecorder())
	f.seedRunning(t, t0)
	f.clock.Advance(5 * time.Minute)
	s := newTestScheduler(f)

	// WHEN: The scheduler runs
	summary, err := s.RunNow(context.Background())

	// THEN: The tenant is counted busy and nothing is launched
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Busy)
	assert.Zero(t, summary.Launched)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	f := newFixture(t, hris.NewRecorder())
	s := newTestScheduler(f)
	s.Enabled = false

	s.Start()
	s.Stop()

	list, err := f.svc.Executions(context.Background(), tenant, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestScheduler_NextRunTime(t *testing.T) {
	f := newFixture(t, hris.NewRecorder())
	s := newTestScheduler(f)
	s.CheckInterval = 15 * time.Minute

	assert.Equal(t, t0.Add(15*time.Minute), s.NextRunTime())
}
