package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_SecondAcquireFailsWhileHeld(t *testing.T) {
	l := NewMemoryLocker()
	lease, err := l.Acquire(context.Background(), "e1", time.Minute)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	_, err = l.Acquire(context.Background(), "e1", time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyOwned)
}

func TestMemoryLocker_ReleaseAllowsReacquire(t *testing.T) {
	l := NewMemoryLocker()
	lease, err := l.Acquire(context.Background(), "e1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))

	_, err = l.Acquire(context.Background(), "e1", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLocker_ExpiredLeaseMayBeReacquired(t *testing.T) {
	l := NewMemoryLocker()
	_, err := l.Acquire(context.Background(), "e1", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	_, err = l.Acquire(context.Background(), "e1", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLease_LostSignalsOnExpiry(t *testing.T) {
	l := NewMemoryLocker()
	lease, err := l.Acquire(context.Background(), "e1", 20*time.Millisecond)
	require.NoError(t, err)

	select {
	case <-lease.Lost():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected lease to be marked lost after expiry")
	}

	err = lease.Renew(context.Background())
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestMemoryLease_RenewExtendsTTL(t *testing.T) {
	l := NewMemoryLocker()
	lease, err := l.Acquire(context.Background(), "e1", 50*time.Millisecond)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, lease.Renew(context.Background()))

	select {
	case <-lease.Lost():
		t.Fatal("lease should not have been lost immediately after renewal")
	case <-time.After(40 * time.Millisecond):
	}
}
