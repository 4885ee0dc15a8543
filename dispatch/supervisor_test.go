package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preparedhq/prepflow/dispatch"
	"github.com/preparedhq/prepflow/kv"
	"github.com/preparedhq/prepflow/store"
	"github.com/preparedhq/prepflow/task"
)

func newSupervisorFixture(cfg dispatch.SupervisorConfig) (*store.Memory, *task.Machine, kv.Bucket, *dispatch.Supervisor) {
	mem := store.NewMemory()
	machine := task.NewMachine(mem, nil)
	bucket := kv.NewMemoryBucket()
	return mem, machine, bucket, dispatch.NewSupervisor(machine, mem, bucket, cfg, nil)
}

func failTask(t *testing.T, mem *store.Memory, machine *task.Machine, reason string) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk := task.New("client-1", "prepare_return", 2025, nil)
	require.NoError(t, mem.CreateTask(ctx, tk))
	_, err := machine.Assign(ctx, tk.ID, "preparer-agent")
	require.NoError(t, err)
	_, err = machine.Fail(ctx, tk.ID, reason)
	require.NoError(t, err)
	return tk
}

func TestSupervisorRequeuesAfterBackoff(t *testing.T) {
	ctx := context.Background()
	mem, machine, _, sup := newSupervisorFixture(dispatch.SupervisorConfig{
		MaxRetries:        3,
		BackoffBase:       time.Millisecond,
		BackoffCap:        10 * time.Millisecond,
		HeartbeatInterval: time.Minute,
		StaleMultiplier:   5,
	})

	tk := failTask(t, mem, machine, "calculation_error")

	time.Sleep(20 * time.Millisecond)
	sup.SweepOnce(ctx)

	got, err := mem.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Empty(t, got.AssignedAgent)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestSupervisorHonorsBackoffDelay(t *testing.T) {
	ctx := context.Background()
	mem, machine, _, sup := newSupervisorFixture(dispatch.SupervisorConfig{
		MaxRetries:        3,
		BackoffBase:       time.Hour,
		BackoffCap:        4 * time.Hour,
		HeartbeatInterval: time.Minute,
		StaleMultiplier:   5,
	})

	tk := failTask(t, mem, machine, "calculation_error")

	// Backoff has not elapsed; the task stays failed.
	sup.SweepOnce(ctx)

	got, err := mem.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
}

func TestSupervisorEscalatesExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	mem, machine, _, sup := newSupervisorFixture(dispatch.SupervisorConfig{
		MaxRetries:        1,
		BackoffBase:       time.Millisecond,
		BackoffCap:        10 * time.Millisecond,
		HeartbeatInterval: time.Minute,
		StaleMultiplier:   5,
	})

	tk := failTask(t, mem, machine, "calculation_error")

	// Burn the single retry: requeue, fail again.
	_, err := machine.Retry(ctx, tk.ID)
	require.NoError(t, err)
	_, err = machine.Assign(ctx, tk.ID, "preparer-agent")
	require.NoError(t, err)
	_, err = machine.Fail(ctx, tk.ID, "calculation_error")
	require.NoError(t, err)

	sup.SweepOnce(ctx)

	got, err := mem.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusEscalated, got.Status)

	escs, err := mem.ListEscalations(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, "retry_exhausted:calculation_error", escs[0].Reason)
	assert.True(t, escs[0].Blocking)
}

func TestSupervisorBackoffDoubling(t *testing.T) {
	_, _, _, sup := newSupervisorFixture(dispatch.SupervisorConfig{
		BackoffBase: time.Minute,
		BackoffCap:  10 * time.Minute,
	})

	assert.Equal(t, time.Minute, sup.Backoff(1))
	assert.Equal(t, 2*time.Minute, sup.Backoff(2))
	assert.Equal(t, 4*time.Minute, sup.Backoff(3))
	assert.Equal(t, 8*time.Minute, sup.Backoff(4))
	assert.Equal(t, 10*time.Minute, sup.Backoff(5))
	assert.Equal(t, 10*time.Minute, sup.Backoff(9))
}

func TestSupervisorFailsStaleTask(t *testing.T) {
	ctx := context.Background()
	mem, machine, _, sup := newSupervisorFixture(dispatch.SupervisorConfig{
		MaxRetries:        3,
		BackoffBase:       time.Hour,
		BackoffCap:        time.Hour,
		HeartbeatInterval: time.Millisecond,
		StaleMultiplier:   2,
	})

	tk := task.New("client-1", "prepare_return", 2025, nil)
	require.NoError(t, mem.CreateTask(ctx, tk))
	_, err := machine.Assign(ctx, tk.ID, "preparer-agent")
	require.NoError(t, err)
	_, err = machine.Start(ctx, tk.ID)
	require.NoError(t, err)

	// No heartbeat was ever written; once the staleness window passes
	// the task is failed with reason timeout.
	time.Sleep(20 * time.Millisecond)
	sup.SweepOnce(ctx)

	got, err := mem.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "timeout", got.Metadata[task.MetaFailureReason])
	assert.Equal(t, 1, got.AttemptCount)
}

func TestSupervisorSparesHealthyTask(t *testing.T) {
	ctx := context.Background()
	mem, machine, bucket, sup := newSupervisorFixture(dispatch.SupervisorConfig{
		MaxRetries:        3,
		BackoffBase:       time.Hour,
		BackoffCap:        time.Hour,
		HeartbeatInterval: time.Minute,
		StaleMultiplier:   5,
	})

	tk := task.New("client-1", "prepare_return", 2025, nil)
	require.NoError(t, mem.CreateTask(ctx, tk))
	_, err := machine.Assign(ctx, tk.ID, "preparer-agent")
	require.NoError(t, err)
	_, err = machine.Start(ctx, tk.ID)
	require.NoError(t, err)

	beat := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = bucket.Put(ctx, dispatch.HeartbeatKey(tk.ID), []byte(beat))
	require.NoError(t, err)

	sup.SweepOnce(ctx)

	got, err := mem.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
}
