package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// LockSweepStore releases abandoned fee locks.
type LockSweepStore interface {
	ReleaseStaleLocks(ctx context.Context, clinicID string, cutoff, now time.Time) ([]string, error)
	ParkUnconfirmedCharges(ctx context.Context, clinicID string, cutoff, now time.Time) ([]string, error)
}

// SweepResult is the JSON summary of a sweep.
type SweepResult struct {
	ReleasedCount int      `json:"releasedCount"`
	ReleasedIDs   []string `json:"releasedIds"`
	ParkedCount   int      `json:"parkedCount"`
	ParkedIDs     []string `json:"parkedIds"`
	Disabled      bool     `json:"disabled,omitempty"`
}

// StaleLockSweeper frees locks left behind by runs that died between queueing
// and completing a charge. An unclaimed lock goes back to the queue. A claimed
// one may already be charged at the gateway, so it is parked with
// CHARGE_UNCONFIRMED for an operator instead of being charged again.
type StaleLockSweeper struct {
	clinics Clinics
	store   LockSweepStore
	after   time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

// NewStaleLockSweeper creates a sweeper. after <= 0 disables it.
func NewStaleLockSweeper(clinics Clinics, store LockSweepStore, after time.Duration, logger *logging.Logger) *StaleLockSweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &StaleLockSweeper{
		clinics: clinics,
		store:   store,
		after:   after,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *StaleLockSweeper) WithClock(now func() time.Time) *StaleLockSweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// Run releases or parks every lock older than the configured age.
func (s *StaleLockSweeper) Run(ctx context.Context) (SweepResult, error) {
	result := SweepResult{ReleasedIDs: []string{}, ParkedIDs: []string{}}
	if s.after <= 0 {
		result.Disabled = true
		return result, nil
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	cutoff := now.Add(-s.after)

	clinicIDs, err := s.clinics.ListClinicIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("billing: list clinics: %w", err)
	}
	for _, clinicID := range clinicIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ids, err := s.store.ReleaseStaleLocks(ctx, clinicID, cutoff, now)
		if err != nil {
			s.logger.Error("releasing stale locks failed", "clinic_id", clinicID, "error", err)
			continue
		}
		if len(ids) > 0 {
			s.logger.Warn("stale fee locks released", "clinic_id", clinicID, "count", len(ids))
		}
		result.ReleasedIDs = append(result.ReleasedIDs, ids...)

		parked, err := s.store.ParkUnconfirmedCharges(ctx, clinicID, cutoff, now)
		if err != nil {
			s.logger.Error("parking unconfirmed charges failed", "clinic_id", clinicID, "error", err)
			continue
		}
		if len(parked) > 0 {
			s.logger.Error("charge outcome never recorded; fees parked for review",
				"clinic_id", clinicID, "ids", parked)
		}
		result.ParkedIDs = append(result.ParkedIDs, parked...)
	}
	result.ReleasedCount = len(result.ReleasedIDs)
	result.ParkedCount = len(result.ParkedIDs)
	return result, nil
}
