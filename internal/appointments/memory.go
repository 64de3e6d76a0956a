package appointments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process store used by tests and local development. Every
// conditional update evaluates the same predicate as PGStore under one mutex.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Appointment
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Appointment)}
}

// Put inserts or replaces a row as-is. Tests use it to seed arbitrary states.
func (m *MemoryStore) Put(a Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[a.ID] = clone(a)
}

// Create inserts a freshly booked appointment.
func (m *MemoryStore) Create(ctx context.Context, a *Appointment) error {
	prepareNew(a, time.Now().UTC())
	m.Put(*a)
	return nil
}

// Get returns one appointment of a clinic.
func (m *MemoryStore) Get(ctx context.Context, clinicID, id string) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || a.ClinicID != clinicID {
		return Appointment{}, ErrNotFound
	}
	return clone(a), nil
}

// List returns a clinic's appointments ordered by start time.
func (m *MemoryStore) List(ctx context.Context, clinicID string, limit int) ([]Appointment, error) {
	return m.selectRows(clinicID, func(a Appointment) bool { return true }, byStartsAt, limit), nil
}

// ApplyPatch writes a manual-action patch if the row still matches its expectations.
func (m *MemoryStore) ApplyPatch(ctx context.Context, clinicID, id string, p Patch, now time.Time) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || a.ClinicID != clinicID || a.Status != p.ExpectStatus || a.FeeCharged != p.ExpectCharged {
		return Appointment{}, ErrConflict
	}
	p.Unchanged = false
	a = p.Apply(a)
	a.UpdatedAt = now
	m.rows[id] = clone(a)
	return clone(a), nil
}

// ResetFee returns a failed or stuck fee to the queue. The attempt count is kept.
func (m *MemoryStore) ResetFee(ctx context.Context, clinicID, id string, now time.Time) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || a.ClinicID != clinicID || !a.FeePending || a.FeeCharged {
		return Appointment{}, ErrNotFound
	}
	a.FeeProcessingAt, a.FeeClaimedAt, a.FeeLastError = nil, nil, nil
	a.UpdatedAt = now
	m.rows[id] = a
	return clone(a), nil
}

// ListFees returns rows of one billing view, most recent visit first.
func (m *MemoryStore) ListFees(ctx context.Context, clinicID string, view FeeView, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 200
	}
	return m.selectRows(clinicID, view.Matches, byStartsAtDesc, limit), nil
}

// CountNoShowCandidates counts scheduled visits that started on or before threshold.
func (m *MemoryStore) CountNoShowCandidates(ctx context.Context, clinicID string, threshold time.Time) (int, error) {
	return len(m.selectRows(clinicID, noShowMatch(threshold), byStartsAt, 0)), nil
}

// MarkNoShows flips every candidate to no_show and returns the ids it changed.
func (m *MemoryStore) MarkNoShows(ctx context.Context, clinicID string, threshold, now time.Time, feePending bool) ([]string, error) {
	match := noShowMatch(threshold)
	return m.update(clinicID, nil, match, func(a *Appointment) {
		a.Status = StatusNoShow
		a.NoShowDetectedAt = timePtr(now)
		a.FeePending = feePending
		a.FeeCharged = false
		a.UpdatedAt = now
	}), nil
}

// CountLateCancelCandidates counts canceled rows not yet examined for late cancellation.
func (m *MemoryStore) CountLateCancelCandidates(ctx context.Context, clinicID string) (int, error) {
	return len(m.selectRows(clinicID, lateCancelMatch, byCancelledAt, 0)), nil
}

// ListLateCancelCandidates returns unexamined canceled rows cancelled within window before the visit.
func (m *MemoryStore) ListLateCancelCandidates(ctx context.Context, clinicID string, window time.Duration, limit int) ([]Appointment, error) {
	window = window.Truncate(time.Minute)
	match := func(a Appointment) bool {
		return lateCancelMatch(a) && a.CancelledAt.Before(a.StartsAt) && a.StartsAt.Sub(*a.CancelledAt) <= window
	}
	return m.selectRows(clinicID, match, byCancelledAt, limit), nil
}

// MarkLateCancels promotes the given canceled rows to late_cancel.
func (m *MemoryStore) MarkLateCancels(ctx context.Context, clinicID string, ids []string, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return m.update(clinicID, ids, lateCancelMatch, func(a *Appointment) {
		a.Status = StatusLateCancel
		a.LateCancelDetectedAt = timePtr(now)
		a.UpdatedAt = now
	}), nil
}

// ListFeeCandidates returns unlocked pending fees, oldest visit first.
func (m *MemoryStore) ListFeeCandidates(ctx context.Context, clinicID string, limit int) ([]Appointment, error) {
	return m.selectRows(clinicID, feeCandidateMatch, byStartsAt, limit), nil
}

// LockFees claims pending fees for a charge batch.
func (m *MemoryStore) LockFees(ctx context.Context, clinicID string, ids []string, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return m.update(clinicID, ids, feeCandidateMatch, func(a *Appointment) {
		a.FeeProcessingAt = timePtr(now)
		a.FeeLastAttemptAt = timePtr(now)
		a.UpdatedAt = now
	}), nil
}

// ListLockedFees returns locked fees that no worker has claimed yet.
func (m *MemoryStore) ListLockedFees(ctx context.Context, clinicID string, limit int) ([]Appointment, error) {
	return m.selectRows(clinicID, feeLockedMatch, byProcessingAt, limit), nil
}

// ClaimAttempt takes ownership of one locked fee and counts the attempt.
func (m *MemoryStore) ClaimAttempt(ctx context.Context, clinicID, id string, lockedAt, now time.Time) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || a.ClinicID != clinicID || !feeLockedMatch(a) || !a.FeeProcessingAt.Equal(lockedAt) {
		return Claim{}, ErrConflict
	}
	a.FeeClaimedAt = timePtr(now)
	a.FeeAttemptCount++
	a.UpdatedAt = now
	m.rows[id] = a
	return Claim{LockedAt: lockedAt, ClaimedAt: now, Attempt: a.FeeAttemptCount}, nil
}

// CompleteAttempt records the outcome of a claimed attempt and releases the lock.
func (m *MemoryStore) CompleteAttempt(ctx context.Context, clinicID, id string, c Claim, out ChargeOutcome, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || a.ClinicID != clinicID || a.FeeProcessingAt == nil || a.FeeClaimedAt == nil ||
		!a.FeeProcessingAt.Equal(c.LockedAt) || !a.FeeClaimedAt.Equal(c.ClaimedAt) {
		return ErrConflict
	}
	a.FeeCharged = out.Charged
	a.FeePending = !out.Charged
	a.FeeLastError = nil
	if !out.Charged {
		a.FeeLastError = stringPtr(out.Error)
	}
	a.FeeLastAttemptAt = timePtr(now)
	a.FeeProcessingAt, a.FeeClaimedAt = nil, nil
	a.UpdatedAt = now
	m.rows[id] = a
	return nil
}

// ReleaseLock drops an unclaimed lock without counting an attempt.
func (m *MemoryStore) ReleaseLock(ctx context.Context, clinicID, id string, lockedAt, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || a.ClinicID != clinicID || !feeLockedMatch(a) || !a.FeeProcessingAt.Equal(lockedAt) {
		return ErrConflict
	}
	a.FeeProcessingAt = nil
	a.UpdatedAt = now
	m.rows[id] = a
	return nil
}

// ReleaseStaleLocks returns unclaimed locks taken before cutoff to the queue.
func (m *MemoryStore) ReleaseStaleLocks(ctx context.Context, clinicID string, cutoff, now time.Time) ([]string, error) {
	stale := func(a Appointment) bool {
		return a.Locked() && a.FeeClaimedAt == nil && a.FeeProcessingAt.Before(cutoff)
	}
	return m.update(clinicID, nil, stale, func(a *Appointment) {
		a.FeeProcessingAt = nil
		a.FeeLastError = stringPtr(FeeErrStaleLock)
		a.UpdatedAt = now
	}), nil
}

// ParkUnconfirmedCharges parks fees claimed before cutoff whose outcome was never
// recorded.
func (m *MemoryStore) ParkUnconfirmedCharges(ctx context.Context, clinicID string, cutoff, now time.Time) ([]string, error) {
	stale := func(a Appointment) bool {
		return a.Locked() && a.FeeClaimedAt != nil && a.FeeClaimedAt.Before(cutoff)
	}
	return m.update(clinicID, nil, stale, func(a *Appointment) {
		a.FeeProcessingAt, a.FeeClaimedAt = nil, nil
		a.FeeLastError = stringPtr(FeeErrChargeUnconfirmed)
		a.UpdatedAt = now
	}), nil
}

func noShowMatch(threshold time.Time) func(Appointment) bool {
	return func(a Appointment) bool {
		return a.Status == StatusScheduled && a.CheckedInAt == nil && a.CancelledAt == nil &&
			a.NoShowDetectedAt == nil && !a.NoShowExcused && !a.StartsAt.After(threshold)
	}
}

func lateCancelMatch(a Appointment) bool {
	return a.Status == StatusCanceled && a.CancelledAt != nil && a.LateCancelDetectedAt == nil
}

func feePendingNoShow(a Appointment) bool {
	return a.Status == StatusNoShow && !a.NoShowExcused && a.FeePending && !a.FeeCharged
}

func feeCandidateMatch(a Appointment) bool {
	return feePendingNoShow(a) && !a.Locked() && !a.Parked()
}

func feeLockedMatch(a Appointment) bool {
	return feePendingNoShow(a) && a.Locked() && a.FeeClaimedAt == nil
}

type ordering func(a, b Appointment) bool

func byStartsAt(a, b Appointment) bool { return a.StartsAt.Before(b.StartsAt) }

func byStartsAtDesc(a, b Appointment) bool { return a.StartsAt.After(b.StartsAt) }

func byCancelledAt(a, b Appointment) bool { return a.CancelledAt.Before(*b.CancelledAt) }

func byProcessingAt(a, b Appointment) bool { return a.FeeProcessingAt.Before(*b.FeeProcessingAt) }

func (m *MemoryStore) selectRows(clinicID string, match func(Appointment) bool, less ordering, limit int) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.rows {
		if a.ClinicID == clinicID && match(a) {
			out = append(out, clone(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// update applies fn to every row of the clinic matching match, restricted to ids
// when ids is non-nil, and returns the changed ids in sorted order.
func (m *MemoryStore) update(clinicID string, ids []string, match func(Appointment) bool, fn func(*Appointment)) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var targets []string
	if ids != nil {
		targets = ids
	} else {
		for id := range m.rows {
			targets = append(targets, id)
		}
	}
	seen := make(map[string]bool, len(targets))
	var changed []string
	for _, id := range targets {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, ok := m.rows[id]
		if !ok || a.ClinicID != clinicID || !match(a) {
			continue
		}
		fn(&a)
		m.rows[id] = a
		changed = append(changed, id)
	}
	sort.Strings(changed)
	return changed
}

func clone(a Appointment) Appointment {
	cp := a
	cp.CheckedInAt = copyTime(a.CheckedInAt)
	cp.CancelledAt = copyTime(a.CancelledAt)
	cp.NoShowDetectedAt = copyTime(a.NoShowDetectedAt)
	cp.LateCancelDetectedAt = copyTime(a.LateCancelDetectedAt)
	cp.FeeProcessingAt = copyTime(a.FeeProcessingAt)
	cp.FeeClaimedAt = copyTime(a.FeeClaimedAt)
	cp.FeeLastAttemptAt = copyTime(a.FeeLastAttemptAt)
	cp.NoShowExcuseReason = copyString(a.NoShowExcuseReason)
	cp.FeeLastError = copyString(a.FeeLastError)
	cp.BillingCustomerRef = copyString(a.BillingCustomerRef)
	return cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
