package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/noshow-platform/internal/appointments"
	"github.com/wolfman30/noshow-platform/internal/clinic"
)

func TestRetryServiceResetsStuckFee(t *testing.T) {
	ctx := context.Background()
	store := appointments.NewMemoryStore()
	stuck := pendingFee("a1", "clinic-1", runAt.Add(-time.Hour))
	lockedAt := runAt.Add(-3 * time.Hour)
	maxErr := appointments.FeeErrMaxAttempts
	stuck.FeeProcessingAt = &lockedAt
	stuck.FeeLastError = &maxErr
	stuck.FeeAttemptCount = 3
	store.Put(stuck)

	got, err := NewRetryService(store, nil).WithClock(clockAt(runAt)).Retry(ctx, "clinic-1", " a1 ")
	require.NoError(t, err)
	assert.True(t, got.FeePending)
	assert.False(t, got.FeeCharged)
	assert.Nil(t, got.FeeProcessingAt)
	assert.Nil(t, got.FeeLastError)
	assert.Equal(t, 3, got.FeeAttemptCount)
}

func TestRetryServiceRejections(t *testing.T) {
	ctx := context.Background()
	store := appointments.NewMemoryStore()
	charged := pendingFee("a1", "clinic-1", runAt.Add(-time.Hour))
	charged.FeePending = false
	charged.FeeCharged = true
	store.Put(charged)
	store.Put(pendingFee("b1", "clinic-2", runAt.Add(-time.Hour)))
	svc := NewRetryService(store, nil)

	_, err := svc.Retry(ctx, "clinic-1", "  ")
	var vErr *appointments.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "Missing id", vErr.Message)

	_, err = svc.Retry(ctx, "clinic-1", "a1")
	assert.ErrorIs(t, err, appointments.ErrNotFound)

	_, err = svc.Retry(ctx, "clinic-1", "b1")
	assert.ErrorIs(t, err, appointments.ErrNotFound, "another clinic's fee")

	_, err = svc.Retry(ctx, "clinic-1", "nope")
	assert.ErrorIs(t, err, appointments.ErrNotFound)
}

func TestStaleLockSweeperReleasesUnclaimedAndParksClaimedLocks(t *testing.T) {
	ctx := context.Background()
	clinics := clinic.NewMemoryStore()
	clinics.Put(billingOn("clinic-1"))
	store := appointments.NewMemoryStore()

	oldLock := runAt.Add(-31 * time.Minute)
	unclaimed := pendingFee("a1", "clinic-1", runAt.Add(-2*time.Hour))
	unclaimed.FeeProcessingAt = &oldLock
	store.Put(unclaimed)

	claimed := pendingFee("a2", "clinic-1", runAt.Add(-2*time.Hour))
	claimed.FeeProcessingAt = &oldLock
	claimed.FeeClaimedAt = &oldLock
	claimed.FeeAttemptCount = 1
	store.Put(claimed)

	fresh := pendingFee("a3", "clinic-1", runAt.Add(-2*time.Hour))
	freshLock := runAt.Add(-5 * time.Minute)
	fresh.FeeProcessingAt = &freshLock
	fresh.FeeClaimedAt = &freshLock
	store.Put(fresh)

	res, err := NewStaleLockSweeper(clinics, store, 30*time.Minute, nil).WithClock(clockAt(runAt)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReleasedCount)
	assert.Equal(t, []string{"a1"}, res.ReleasedIDs)
	assert.Equal(t, 1, res.ParkedCount)
	assert.Equal(t, []string{"a2"}, res.ParkedIDs)

	released, _ := store.Get(ctx, "clinic-1", "a1")
	assert.Nil(t, released.FeeProcessingAt)
	require.NotNil(t, released.FeeLastError)
	assert.Equal(t, appointments.FeeErrStaleLock, *released.FeeLastError)

	parked, _ := store.Get(ctx, "clinic-1", "a2")
	assert.Nil(t, parked.FeeProcessingAt)
	assert.Nil(t, parked.FeeClaimedAt)
	assert.True(t, parked.FeePending)
	require.NotNil(t, parked.FeeLastError)
	assert.Equal(t, appointments.FeeErrChargeUnconfirmed, *parked.FeeLastError)
	assert.Equal(t, 1, parked.FeeAttemptCount)

	kept, _ := store.Get(ctx, "clinic-1", "a3")
	assert.NotNil(t, kept.FeeProcessingAt)

	// Only the unclaimed fee is queued again.
	qres, err := NewChargeQueue(clinics, store, 0, nil).WithClock(clockAt(runAt)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, qres.QueuedIDs)
}

// lostOutcomeStore drops the first recorded charge outcome, as if the
// process died between the gateway call and the write.
type lostOutcomeStore struct {
	*appointments.MemoryStore
	mu   sync.Mutex
	lost bool
}

func (s *lostOutcomeStore) CompleteAttempt(ctx context.Context, clinicID, id string, claim appointments.Claim, outcome appointments.ChargeOutcome, now time.Time) error {
	s.mu.Lock()
	drop := !s.lost
	s.lost = true
	s.mu.Unlock()
	if drop {
		return errors.New("connection reset")
	}
	return s.MemoryStore.CompleteAttempt(ctx, clinicID, id, claim, outcome, now)
}

func TestLostChargeOutcomeIsNotChargedAgain(t *testing.T) {
	ctx := context.Background()
	clinics := clinic.NewMemoryStore()
	clinics.Put(billingOn("clinic-1"))
	mem := appointments.NewMemoryStore()
	mem.Put(pendingFee("a1", "clinic-1", runAt.Add(-2*time.Hour)))
	store := &lostOutcomeStore{MemoryStore: mem}
	gw := &scriptedGateway{result: ChargeResult{Charged: true, ProviderRef: "pi_1"}}

	_, err := NewChargeQueue(clinics, store, 0, nil).WithClock(clockAt(runAt)).Run(ctx)
	require.NoError(t, err)
	res, err := NewChargeAttempter(clinics, store, gw, AttempterOptions{MaxAttempts: 3}, nil, nil).
		WithClock(clockAt(runAt)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	require.Len(t, gw.calls(), 1)

	later := runAt.Add(31 * time.Minute)
	sweep, err := NewStaleLockSweeper(clinics, store, 30*time.Minute, nil).WithClock(clockAt(later)).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, sweep.ReleasedIDs)
	assert.Equal(t, []string{"a1"}, sweep.ParkedIDs)

	qres, err := NewChargeQueue(clinics, store, 0, nil).WithClock(clockAt(later)).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, qres.QueuedIDs)
	_, err = NewChargeAttempter(clinics, store, gw, AttempterOptions{MaxAttempts: 3}, nil, nil).
		WithClock(clockAt(later)).Run(ctx)
	require.NoError(t, err)
	assert.Len(t, gw.calls(), 1, "a possibly captured charge must not be sent again")

	got, _ := mem.Get(ctx, "clinic-1", "a1")
	assert.True(t, got.FeePending)
	assert.False(t, got.FeeCharged)
	require.NotNil(t, got.FeeLastError)
	assert.Equal(t, appointments.FeeErrChargeUnconfirmed, *got.FeeLastError)

	// An operator retry puts the fee back in the queue.
	_, err = NewRetryService(store, nil).WithClock(clockAt(later)).Retry(ctx, "clinic-1", "a1")
	require.NoError(t, err)
	qres, err = NewChargeQueue(clinics, store, 0, nil).WithClock(clockAt(later)).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, qres.QueuedIDs)
}

func TestStaleLockSweeperDisabled(t *testing.T) {
	res, err := NewStaleLockSweeper(clinic.NewMemoryStore(), appointments.NewMemoryStore(), 0, nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Disabled)
	assert.Equal(t, 0, res.ReleasedCount)
}
