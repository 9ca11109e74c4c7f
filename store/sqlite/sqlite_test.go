package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/store/sqlite"
	"github.com/warp/payroll-engine/store/storetest"
)

func newTestStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var t0 = time.Date(2025, time.June, 15, 9, 0, 0, 0, time.UTC)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) benefits.Store { return newTestStore(t) })
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/payroll.db"

	first, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, first.SaveTenantPlan(context.Background(), benefits.TenantPlan{ID: "p1", TenantID: "acme", CreatedAt: t0}))
	require.NoError(t, first.Close())

	second, err := sqlite.New(path)
	require.NoError(t, err)
	defer second.Close()

	plans, err := second.ListTenantPlans(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestSQLiteStore_RejectsMissingIdentifier(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveParticipants(context.Background(), []benefits.Participant{{TenantID: "acme"}})

	assert.ErrorIs(t, err, benefits.ErrMissingIdentifier)
}

// =============================================================================
// JOB REPOSITORY
// =============================================================================

func newExecution(tenant string, created time.Time) *batch.JobExecution {
	exec := batch.NewJobExecution(benefits.JobName, benefits.NewJobParameters(tenant, benefits.Period{
		Start: time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC),
	}, created), created)
	return exec
}

func TestJobRepository_RoundTrip(t *testing.T) {
	// GIVEN: An execution with job and step context
	store := newTestStore(t)
	ctx := context.Background()
	exec := newExecution("acme", t0)
	require.NoError(t, store.CreateJobExecution(ctx, exec))

	exec.Status = batch.StatusCompleted
	exec.Context.PutStrings(benefits.KeyEligibleEmployeeIDs, []string{"e1", "e2"})
	exec.Context.PutInt(benefits.KeyHandoffFallbacks, 1)
	step := &batch.StepExecution{StepName: benefits.StepEligibility, Status: batch.StatusCompleted, ReadCount: 2, Context: batch.NewExecutionContext(), Job: exec}
	step.Context.PutInt(benefits.KeyTotalProcessed, 2)
	exec.Steps = append(exec.Steps, step)

	// WHEN: It is updated and read back
	require.NoError(t, store.UpdateJobExecution(ctx, exec))
	got, err := store.GetJobExecution(ctx, exec.ID)
	require.NoError(t, err)

	// THEN: Context values survive with their types
	assert.Equal(t, batch.StatusCompleted, got.Status)
	ids, ok := got.Context.Strings(benefits.KeyEligibleEmployeeIDs)
	require.True(t, ok)
	assert.Equal(t, []string{"e1", "e2"}, ids)
	n, _ := got.Context.Int(benefits.KeyHandoffFallbacks)
	assert.Equal(t, 1, n)

	require.Len(t, got.Steps, 1)
	assert.Equal(t, 2, got.Steps[0].ReadCount)
	assert.Same(t, got, got.Steps[0].Job)
	processed, _ := got.Steps[0].Context.Int(benefits.KeyTotalProcessed)
	assert.Equal(t, 2, processed)

	tenant, err := got.Parameters.Require(benefits.ParamTenantID)
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant)
}

func TestJobRepository_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJobExecution(context.Background(), "nope")
	assert.True(t, batch.IsNotFound(err))

	err = store.UpdateJobExecution(context.Background(), newExecution("acme", t0))
	assert.True(t, batch.IsNotFound(err))
}

func TestJobRepository_AbandonedIsSticky(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	exec := newExecution("acme", t0)
	require.NoError(t, store.CreateJobExecution(ctx, exec))

	stale := exec.Clone()
	stale.Status = batch.StatusAbandoned
	require.NoError(t, store.UpdateJobExecution(ctx, stale))

	exec.Status = batch.StatusCompleted
	require.NoError(t, store.UpdateJobExecution(ctx, exec))

	got, err := store.GetJobExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusAbandoned, got.Status)
}

func TestJobRepository_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	older := newExecution("acme", t0)
	newer := newExecution("acme", t0.Add(time.Hour))
	other := newExecution("beta", t0.Add(2*time.Hour))
	for _, e := range []*batch.JobExecution{older, newer, other} {
		require.NoError(t, store.CreateJobExecution(ctx, e))
	}
	newer.Status = batch.StatusFailed
	require.NoError(t, store.UpdateJobExecution(ctx, newer))

	acme, err := store.ListJobExecutions(ctx, batch.JobFilter{Params: map[string]string{benefits.ParamTenantID: "acme"}})
	require.NoError(t, err)
	require.Len(t, acme, 2)
	assert.Equal(t, newer.ID, acme[0].ID)
	assert.Equal(t, older.ID, acme[1].ID)

	failed, err := store.ListJobExecutions(ctx, batch.JobFilter{JobName: benefits.JobName, Statuses: []batch.Status{batch.StatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, newer.ID, failed[0].ID)

	limited, err := store.ListJobExecutions(ctx, batch.JobFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, other.ID, limited[0].ID)
}

// =============================================================================
// TENANT LOCK
// =============================================================================

func TestTenantLock_SingleFlight(t *testing.T) {
	// GIVEN: acme holds a lease
	store := newTestStore(t)
	ctx := context.Background()
	lease, err := store.Acquire(ctx, "acme", "exec-1", t0)
	require.NoError(t, err)
	assert.False(t, lease.TakenOver())

	// WHEN: A second launch comes 29 minutes later
	_, err = store.Acquire(ctx, "acme", "exec-2", t0.Add(29*time.Minute))

	// THEN: It is rejected with the holder's id
	require.Error(t, err)
	assert.True(t, batch.IsBusy(err))
	var running *batch.JobRunningError
	require.ErrorAs(t, err, &running)
	assert.Equal(t, "exec-1", running.ExecutionID)
	assert.True(t, running.StartedAt.Equal(t0))

	// THEN: Other tenants are unaffected
	_, err = store.Acquire(ctx, "beta", "exec-3", t0.Add(time.Minute))
	assert.NoError(t, err)
}

func TestTenantLock_StaleTakeover(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Acquire(ctx, "acme", "exec-1", t0)
	require.NoError(t, err)

	lease, err := store.Acquire(ctx, "acme", "exec-2", t0.Add(batch.DefaultStaleAfter))

	require.NoError(t, err)
	require.True(t, lease.TakenOver())
	assert.Equal(t, "exec-1", lease.Previous.ExecutionID)

	held, ok, err := store.Holder(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-2", held.ExecutionID)
}

func TestTenantLock_ReleaseOnlyByHolder(t *testing.T) {
	store := newTestStore(t, sqlite.WithStaleAfter(time.Minute))
	ctx := context.Background()
	first, err := store.Acquire(ctx, "acme", "exec-1", t0)
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "acme", "exec-2", t0.Add(time.Minute))
	require.NoError(t, err)

	// The displaced holder finishing must not drop the new lease.
	require.NoError(t, store.Release(ctx, first))
	held, ok, err := store.Holder(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-2", held.ExecutionID)

	require.NoError(t, store.Release(ctx, held))
	_, ok, err = store.Holder(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok)
}
