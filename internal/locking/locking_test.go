package locking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedLocksAreCompatible(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, 1, 9, []byte("k"), Shared))
	require.NoError(t, m.Acquire(ctx, 2, 9, []byte("k"), Shared))
}

func TestExclusiveBlocksEverything(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, 9, []byte("k"), Exclusive))

	timedCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := m.Acquire(timedCtx, 2, 9, []byte("k"), Shared)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseWakesWaiter(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, 9, []byte("k"), Exclusive))

	var wg sync.WaitGroup
	wg.Add(1)
	var waitErr error
	go func() {
		defer wg.Done()
		waitErr = m.Acquire(ctx, 2, 9, []byte("k"), Exclusive)
	}()

	time.Sleep(10 * time.Millisecond)
	m.Release(1)
	wg.Wait()
	assert.NoError(t, waitErr)
}

func TestOnlyOneUpgradableHolderAtATime(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, 9, []byte("k"), Upgradable))

	timedCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := m.Acquire(timedCtx, 2, 9, []byte("k"), Upgradable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReacquiringSameOrWeakerModeIsNoOp(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, 1, 9, []byte("k"), Exclusive))
	require.NoError(t, m.Acquire(ctx, 1, 9, []byte("k"), Shared))
	require.NoError(t, m.Acquire(ctx, 1, 9, []byte("k"), Exclusive))
}
