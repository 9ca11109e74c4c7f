package payroll_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/hris"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/rules"
	"github.com/warp/payroll-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const tenant = "acme"

var (
	t0        = time.Date(2025, time.July, 2, 9, 0, 0, 0, time.UTC)
	juneStart = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	juneEnd   = time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *memory.Memory
	repo   *batch.MemoryJobRepository
	lock   *batch.MemoryTenantLock
	clock  *testClock
	svc    *payroll.Service
	client benefits.DeductionClient
}

func pct(n int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(n))
}

func intPtr(n int) *int { return &n }

func testPlan(tenantID string) benefits.TenantPlan {
	return benefits.TenantPlan{
		ID:        "plan-" + tenantID,
		TenantID:  tenantID,
		CreatedAt: t0.AddDate(0, -6, 0),
		Eligibility: &benefits.EligibilityPolicy{
			MinimumEntryAge:    intPtr(21),
			TimeEmployedMonths: intPtr(3),
		},
		EmployeeContribution: &benefits.EmployeeContributionPolicy{
			HasEmployeeContribution: true,
			EnrollmentStartRate:     pct(5),
		},
		EmployerContribution: &benefits.EmployerContributionRule{
			RuleType:          benefits.RuleMatch,
			MatchPercentage:   pct(50),
			MatchLimitPercent: pct(4),
		},
		ProfitSharing: &benefits.ProfitSharingPolicy{IsEnabled: true, ProRataPercentage: pct(1)},
	}
}

func testEmployee(tenantID, id string) benefits.Participant {
	today := benefits.Today(t0)
	return benefits.Participant{
		TenantID:     tenantID,
		IndividualID: id,
		DateOfBirth:  benefits.AddYears(today, -30),
		StartDate:    benefits.AddMonths(today, -24),
		IsActive:     true,
		Income:       &benefits.Income{Amount: decimal.NewFromInt(100000), Unit: benefits.IncomeYearly},
		CreatedAt:    t0.AddDate(-1, 0, 0),

		EmploymentStatus: "active",
	}
}

func newFixture(t *testing.T, client benefits.DeductionClient) *fixture {
	t.Helper()
	return newFixtureWithOracle(t, client, rules.Builtin{})
}

func newFixtureWithOracle(t *testing.T, client benefits.DeductionClient, eligibility benefits.EligibilityOracle) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SaveTenantPlan(ctx, testPlan(tenant)))
	require.NoError(t, store.SaveParticipants(ctx, []benefits.Participant{testEmployee(tenant, "e1")}))

	f := &fixture{
		store:  store,
		repo:   batch.NewMemoryJobRepository(),
		lock:   batch.NewMemoryTenantLock(batch.DefaultStaleAfter),
		clock:  &testClock{now: t0},
		client: client,
	}
	jobs := benefits.NewPayrollJobFactory(benefits.Dependencies{
		Store:              store,
		EligibilityOracle:  eligibility,
		ContributionOracle: rules.Builtin{},
		Deductions:         client,
		Repository:         f.repo,
		Now:                f.clock.Now,
	}, benefits.DefaultStageConfig())

	f.svc = payroll.NewService(jobs, f.repo, f.lock, store)
	f.svc.Now = f.clock.Now
	t.Cleanup(f.svc.Wait)
	return f
}

// seedRunning records a STARTED execution holding the tenant lease since at.
func (f *fixture) seedRunning(t *testing.T, at time.Time) *batch.JobExecution {
	t.Helper()
	ctx := context.Background()
	period := benefits.Period{Start: juneStart, End: juneEnd}
	exec := batch.NewJobExecution(benefits.JobName, benefits.NewJobParameters(tenant, period, at), at)
	exec.Status = batch.StatusStarted
	exec.StartTime = at
	require.NoError(t, f.repo.CreateJobExecution(ctx, exec))
	_, err := f.lock.Acquire(ctx, tenant, exec.ID, at)
	require.NoError(t, err)
	return exec
}

// gatedClient blocks every deduction until released.
type gatedClient struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedClient() *gatedClient {
	return &gatedClient{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedClient) CreateDeduction(ctx context.Context, _ string, _ benefits.DeductionRequest) (benefits.DeductionResult, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return benefits.DeductionResult{Success: true}, nil
	case <-ctx.Done():
		return benefits.DeductionResult{}, ctx.Err()
	}
}

// =============================================================================
// PROCESS PAYROLL
// =============================================================================

func TestProcessPayroll_RunsAllStages(t *testing.T) {
	// GIVEN: A tenant with one eligible employee
	client := hris.NewRecorder()
	f := newFixture(t, client)
	ctx := context.Background()

	// WHEN: Payroll is processed synchronously
	handle, err := f.svc.ProcessPayroll(ctx, tenant, juneStart, juneEnd)
	require.NoError(t, err)

	// THEN: The handle is already resolved with a completed execution
	select {
	case <-handle.Done():
	default:
		t.Fatal("handle not resolved after synchronous run")
	}
	exec, runErr := handle.Wait(ctx)
	require.NoError(t, runErr)
	assert.Equal(t, batch.StatusCompleted, exec.Status)
	assert.Len(t, exec.Steps, 3)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "8500.00", reqs[0].Amount.StringFixed(2))

	// THEN: The execution is queryable and the lease was released
	stored, err := f.svc.Execution(ctx, handle.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, stored.Status)
	tenantParam, _ := stored.Parameters.Get(benefits.ParamTenantID)
	assert.Equal(t, tenant, tenantParam)

	list, err := f.svc.Executions(ctx, tenant, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	done, err := f.svc.Completed(ctx, tenant, handle.Period)
	require.NoError(t, err)
	assert.True(t, done)

	_, held, err := f.lock.Holder(ctx, tenant)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestProcessPayroll_InvalidRequests(t *testing.T) {
	f := newFixture(t, hris.NewRecorder())
	ctx := context.Background()

	_, err := f.svc.ProcessPayroll(ctx, " ", juneStart, juneEnd)
	assert.ErrorIs(t, err, payroll.ErrMissingTenant)
	assert.True(t, payroll.IsInvalidRequest(err))

	_, err = f.svc.ProcessPayroll(ctx, tenant, juneEnd, juneStart)
	assert.ErrorIs(t, err, benefits.ErrInvalidPeriod)
	assert.True(t, payroll.IsInvalidRequest(err))
	assert.False(t, payroll.IsBusy(err))

	// No execution is recorded for a rejected request.
	list, err := f.svc.Executions(ctx, tenant, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestProcessPayroll_RejectsWhileRunning(t *testing.T) {
	// GIVEN: A job started at t0 still holds the tenant
	f := newFixture(t, hris.NewRecorder())
	ctx := context.Background()
	running := f.seedRunning(t, t0)

	// WHEN: A second launch comes 29 minutes later
	f.clock.Advance(29 * time.Minute)
	handle, err := f.svc.ProcessPayroll(ctx, tenant, juneStart, juneEnd)

	// THEN: It is rejected as busy with the operator message
	require.Error(t, err)
	assert.Nil(t, handle)
	assert.True(t, payroll.IsBusy(err))
	assert.EqualError(t, err, "a pre-payroll job is already running for tenant: acme. Please wait for the current job to complete.")
	var busy *batch.JobRunningError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, running.ID, busy.ExecutionID)

	// THEN: The running execution is untouched
	stored, err := f.repo.GetJobExecution(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusStarted, stored.Status)
}

func TestProcessPayroll_TakesOverStaleJob(t *testing.T) {
	// GIVEN: A job started at t0 that never finished
	f := newFixture(t, hris.NewRecorder())
	ctx := context.Background()
	stale := f.seedRunning(t, t0)

	// WHEN: A new launch comes exactly 30 minutes later
	f.clock.Advance(batch.DefaultStaleAfter)
	handle, err := f.svc.ProcessPayroll(ctx, tenant, juneStart, juneEnd)

	// THEN: The new job runs and the old one is marked abandoned
	require.NoError(t, err)
	assert.Equal(t, stale.ID, handle.TookOver)
	exec, runErr := handle.Wait(ctx)
	require.NoError(t, runErr)
	assert.Equal(t, batch.StatusCompleted, exec.Status)

	old, err := f.repo.GetJobExecution(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusAbandoned, old.Status)
	assert.Contains(t, old.ExitMessage, "abandoned")
}

func TestProcessPayroll_RepositoryScanRejectsLiveExecution(t *testing.T) {
	// GIVEN: A STARTED execution in the repository without a lease, as left
	// behind by a process that lost its in-memory lock
	f := newFixture(t, hris.NewRecorder())
	ctx := context.Background()
	running := f.seedRunning(t, t0)
	require.NoError(t, f.lock.Release(ctx, batch.Lease{TenantID: tenant, ExecutionID: running.ID}))

	// WHEN: Launching ten minutes later
	f.clock.Advance(10 * time.Minute)
	_, err := f.svc.ProcessPayroll(ctx, tenant, juneStart, juneEnd)

	// THEN: The scan rejects it and the new lease is not left behind
	assert.True(t, payroll.IsBusy(err))
	_, held, err := f.lock.Holder(ctx, tenant)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestProcessPayroll_OtherTenantsRunConcurrently(t *testing.T) {
	// GIVEN: A run for acme held inside eligibility of its employee
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gate := benefits.EligibilityOracleFunc(func(ctx context.Context, fact *benefits.EligibilityFact, policy *benefits.EligibilityPolicy) error {
		if fact.TenantID == tenant {
			once.Do(func() { close(entered) })
			<-release
		}
		return rules.Builtin{}.EvaluateEligibility(ctx, fact, policy)
	})
	f := newFixtureWithOracle(t, hris.NewRecorder(), gate)
	ctx := context.Background()
	require.NoError(t, f.store.SaveTenantPlan(ctx, testPlan("beta")))
	require.NoError(t, f.store.SaveParticipants(ctx, []benefits.Participant{testEmployee("beta", "b1")}))

	acme, err := f.svc.ProcessPayrollAsync(ctx, tenant, juneStart, juneEnd)
	require.NoError(t, err)
	<-entered

	// WHEN: beta runs to completion while acme is still in flight
	beta, err := f.svc.ProcessPayroll(ctx, "beta", juneStart, juneEnd)
	require.NoError(t, err)
	close(release)
	acmeExec, acmeErr := acme.Wait(ctx)
	betaExec, betaErr := beta.Wait(ctx)

	// THEN: Both complete and each tenant only sees its own employees
	require.NoError(t, acmeErr)
	require.NoError(t, betaErr)
	assert.Equal(t, batch.StatusCompleted, acmeExec.Status)
	assert.Equal(t, batch.StatusCompleted, betaExec.Status)

	for tenantID, employeeID := range map[string]string{tenant: "e1", "beta": "b1"} {
		p, err := f.store.GetParticipant(ctx, tenantID, employeeID)
		require.NoError(t, err)
		assert.Equal(t, benefits.EligibilityEligible, p.EligibilityStatus, tenantID)

		calcs, err := f.store.ListCalculations(ctx, benefits.CalculationFilter{TenantID: tenantID})
		require.NoError(t, err)
		require.Len(t, calcs, 1, tenantID)
		assert.Equal(t, tenantID, calcs[0].TenantID)
		assert.Equal(t, employeeID, calcs[0].EmployeeID)
		assert.Equal(t, benefits.CalculationSuccess, calcs[0].Status, tenantID)
	}
}

// =============================================================================
// ASYNC
// =============================================================================

func TestProcessPayrollAsync_SingleFlightDuringRun(t *testing.T) {
	// GIVEN: An async run blocked inside the deduction stage
	client := newGatedClient()
	f := newFixture(t, client)
	ctx, cancel := context.WithCancel(context.Background())

	handle, err := f.svc.ProcessPayrollAsync(ctx, tenant, juneStart, juneEnd)
	require.NoError(t, err)
	<-client.entered

	// WHEN: The caller cancels and a second launch is attempted
	cancel()
	_, err = f.svc.ProcessPayrollAsync(context.Background(), tenant, juneStart, juneEnd)

	// THEN: The second launch is busy
	assert.True(t, payroll.IsBusy(err))

	// THEN: The first run is detached from the cancellation and completes
	close(client.release)
	exec, runErr := handle.Wait(context.Background())
	require.NoError(t, runErr)
	assert.Equal(t, batch.StatusCompleted, exec.Status)

	// THEN: Once finished, the tenant can launch again
	f.svc.Wait()
	_, err = f.svc.ProcessPayroll(context.Background(), tenant, juneStart, juneEnd)
	assert.NoError(t, err)
}

func TestJobHandle_WaitHonorsContext(t *testing.T) {
	client := newGatedClient()
	f := newFixture(t, client)

	handle, err := f.svc.ProcessPayrollAsync(context.Background(), tenant, juneStart, juneEnd)
	require.NoError(t, err)
	<-client.entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = handle.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(client.release)
	_, err = handle.Wait(context.Background())
	assert.NoError(t, err)
}

// =============================================================================
// REPROCESS
// =============================================================================

func TestReprocessFailed(t *testing.T) {
	// GIVEN: A period whose only deduction was rejected
	client := hris.NewRecorder()
	client.RejectFor("e1", "benefit not enrolled")
	f := newFixture(t, client)
	ctx := context.Background()

	_, err := f.svc.ReprocessFailed(ctx, tenant, juneStart, juneEnd)
	require.ErrorIs(t, err, payroll.ErrNothingToReprocess)

	_, err = f.svc.ProcessPayroll(ctx, tenant, juneStart, juneEnd)
	require.NoError(t, err)

	// WHEN: The rejection is cleared and the period is reprocessed
	client.Reset()
	f.clock.Advance(time.Minute)
	handle, err := f.svc.ReprocessFailed(ctx, tenant, juneStart, juneEnd)
	require.NoError(t, err)
	_, runErr := handle.Wait(ctx)
	require.NoError(t, runErr)

	// THEN: The failed record is superseded by a successful one
	period := handle.Period
	recs, err := f.store.ListCalculations(ctx, benefits.CalculationFilter{TenantID: tenant, Period: &period})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	statuses := map[benefits.CalculationStatus]benefits.CalculationRecord{}
	for _, r := range recs {
		statuses[r.Status] = r
	}
	assert.Contains(t, statuses, benefits.CalculationReprocessed)
	require.Contains(t, statuses, benefits.CalculationSuccess)
	assert.Equal(t, 1, statuses[benefits.CalculationSuccess].ReprocessCount)
	assert.Equal(t, benefits.SyncCreated, statuses[benefits.CalculationSuccess].SyncStatus)

	_, err = f.svc.ReprocessFailed(ctx, tenant, juneStart, juneEnd)
	assert.ErrorIs(t, err, payroll.ErrNothingToReprocess)
}
