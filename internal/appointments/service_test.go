package appointments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/noshow-platform/internal/clinic"
)

type stubRules struct {
	rule  clinic.BillingRule
	err   error
	calls int
}

func (s *stubRules) BillingRule(ctx context.Context, clinicID string) (clinic.BillingRule, error) {
	s.calls++
	return s.rule, s.err
}

func newTestService(store *MemoryStore, rules RuleSource) *Service {
	return NewService(store, rules, defaultRules, nil, nil).WithClock(func() time.Time { return testNow })
}

func TestServiceCreateAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestService(store, &stubRules{})

	a, err := svc.Create(ctx, "clinic-1", CreateInput{PatientName: "  Ana ", StartsAt: testNow, BillingCustomerRef: "cus_123"})
	require.NoError(t, err)
	assert.Equal(t, "Ana", a.PatientName)
	assert.Equal(t, StatusScheduled, a.Status)
	require.NotNil(t, a.BillingCustomerRef)

	_, err = svc.Create(ctx, "clinic-1", CreateInput{PatientName: " "})
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)

	list, err := svc.List(ctx, "clinic-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	other, err := svc.List(ctx, "clinic-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestServiceManualNoShowUsesBillingRule(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(appt(StatusScheduled))
	rules := &stubRules{rule: billingOn}

	got, err := newTestService(store, rules).SetStatus(ctx, "clinic-1", "appt-1", StatusNoShow)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, got.Status)
	assert.True(t, got.FeePending)
	assert.Equal(t, 1, rules.calls)
}

func TestServiceSkipsRuleLookupWhenNotNeeded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(appt(StatusScheduled))
	rules := &stubRules{err: errors.New("settings unavailable")}

	got, err := newTestService(store, rules).SetStatus(ctx, "clinic-1", "appt-1", StatusLate)
	require.NoError(t, err)
	assert.Equal(t, StatusLate, got.Status)
	assert.Zero(t, rules.calls)
}

func TestServiceRuleErrorLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(appt(StatusScheduled))

	_, err := newTestService(store, &stubRules{err: errors.New("boom")}).SetStatus(ctx, "clinic-1", "appt-1", StatusNoShow)
	require.Error(t, err)

	got, _ := store.Get(ctx, "clinic-1", "appt-1")
	assert.Equal(t, StatusScheduled, got.Status)
}

func TestServiceRejectionWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(appt(StatusCanceled, func(a *Appointment) { a.CancelledAt = timePtr(testNow) }))

	_, err := newTestService(store, &stubRules{}).SetStatus(ctx, "clinic-1", "appt-1", StatusCheckedIn)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "Canceled appointments cannot be modified.", vErr.Message)

	got, _ := store.Get(ctx, "clinic-1", "appt-1")
	assert.Equal(t, StatusCanceled, got.Status)
	assert.Nil(t, got.CheckedInAt)
}

func TestServiceCheckInIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(appt(StatusLate))
	svc := newTestService(store, &stubRules{})

	first, err := svc.CheckIn(ctx, "clinic-1", "appt-1")
	require.NoError(t, err)
	require.NotNil(t, first.CheckedInAt)

	svc.WithClock(func() time.Time { return testNow.Add(time.Hour) })
	second, err := svc.CheckIn(ctx, "clinic-1", "appt-1")
	require.NoError(t, err)
	assert.Equal(t, *first.CheckedInAt, *second.CheckedInAt)
}

func TestServiceExcuse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(appt(StatusNoShow, func(a *Appointment) {
		a.FeePending = true
		a.FeeProcessingAt = timePtr(testNow)
	}))

	got, err := newTestService(store, &stubRules{}).Excuse(ctx, "clinic-1", "appt-1", "flu")
	require.NoError(t, err)
	assert.True(t, got.NoShowExcused)
	assert.False(t, got.FeePending)
	assert.Nil(t, got.FeeProcessingAt)
}

func TestServiceScopesByClinic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Put(appt(StatusScheduled))

	_, err := newTestService(store, &stubRules{}).CheckIn(ctx, "clinic-2", "appt-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
