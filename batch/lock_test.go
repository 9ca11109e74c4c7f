package batch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/batch"
)

func TestMemoryTenantLock_SecondLaunchRejectedWhileFresh(t *testing.T) {
	// GIVEN: Tenant T holds a lease acquired 10 minutes ago
	ctx := context.Background()
	lock := batch.NewMemoryTenantLock(30 * time.Minute)
	start := fixedNow()
	_, err := lock.Acquire(ctx, "T", "exec-1", start)
	require.NoError(t, err)

	// WHEN: A second launch arrives
	_, err = lock.Acquire(ctx, "T", "exec-2", start.Add(10*time.Minute))

	// THEN: It is rejected with the holder's details
	require.Error(t, err)
	assert.True(t, batch.IsBusy(err))
	var busy *batch.JobRunningError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "exec-1", busy.ExecutionID)
	assert.Equal(t, start, busy.StartedAt)
	assert.Contains(t, err.Error(), "already running for tenant: T")
}

func TestMemoryTenantLock_StaleLeaseTakenOver(t *testing.T) {
	// GIVEN: A lease acquired exactly 30 minutes ago
	ctx := context.Background()
	lock := batch.NewMemoryTenantLock(30 * time.Minute)
	start := fixedNow()
	_, err := lock.Acquire(ctx, "T", "exec-1", start)
	require.NoError(t, err)

	// WHEN: A new launch arrives
	lease, err := lock.Acquire(ctx, "T", "exec-2", start.Add(30*time.Minute))

	// THEN: The stale holder is displaced
	require.NoError(t, err)
	assert.True(t, lease.TakenOver())
	assert.Equal(t, "exec-1", lease.Previous.ExecutionID)
	holder, ok, err := lock.Holder(ctx, "T")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exec-2", holder.ExecutionID)
}

func TestMemoryTenantLock_ReleaseByDisplacedHolderIsNoop(t *testing.T) {
	ctx := context.Background()
	lock := batch.NewMemoryTenantLock(time.Minute)
	start := fixedNow()
	old, err := lock.Acquire(ctx, "T", "exec-1", start)
	require.NoError(t, err)
	_, err = lock.Acquire(ctx, "T", "exec-2", start.Add(2*time.Minute))
	require.NoError(t, err)

	// The hung job finally finishes and releases its old lease
	require.NoError(t, lock.Release(ctx, old))

	holder, ok, _ := lock.Holder(ctx, "T")
	require.True(t, ok)
	assert.Equal(t, "exec-2", holder.ExecutionID)
}

func TestMemoryTenantLock_TenantsAreIndependent(t *testing.T) {
	ctx := context.Background()
	lock := batch.NewMemoryTenantLock(0)
	_, err := lock.Acquire(ctx, "A", "exec-a", fixedNow())
	require.NoError(t, err)
	b, err := lock.Acquire(ctx, "B", "exec-b", fixedNow())
	require.NoError(t, err)

	require.NoError(t, lock.Release(ctx, b))
	_, ok, _ := lock.Holder(ctx, "B")
	assert.False(t, ok)
	_, err = lock.Acquire(ctx, "B", "exec-b2", fixedNow())
	assert.NoError(t, err)
}
