package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/noshow-platform/internal/appointments"
	"github.com/wolfman30/noshow-platform/internal/clinic"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// DefaultLateCancelBatch bounds how many rows one run reclassifies.
const DefaultLateCancelBatch = 200

// LateCancelStore is the store surface of the late-cancel detector.
type LateCancelStore interface {
	CountLateCancelCandidates(ctx context.Context, clinicID string) (int, error)
	ListLateCancelCandidates(ctx context.Context, clinicID string, window time.Duration, limit int) ([]appointments.Appointment, error)
	MarkLateCancels(ctx context.Context, clinicID string, ids []string, now time.Time) ([]string, error)
}

// LateCancelResult is the JSON summary of a late-cancel run.
type LateCancelResult struct {
	CandidateCount int      `json:"candidateCount"`
	UpdatedCount   int      `json:"updatedCount"`
	UpdatedIDs     []string `json:"-"`
	SkippedClinics int      `json:"skippedClinics,omitempty"`
}

// LateCancelDetector promotes cancellations made inside the clinic's late-cancel
// window to late_cancel. It never touches fee state.
type LateCancelDetector struct {
	clinics   Clinics
	store     LateCancelStore
	batchSize int
	logger    *logging.Logger
	now       func() time.Time
}

// NewLateCancelDetector creates a detector processing at most batchSize rows per run.
func NewLateCancelDetector(clinics Clinics, store LateCancelStore, batchSize int, logger *logging.Logger) *LateCancelDetector {
	if logger == nil {
		logger = logging.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultLateCancelBatch
	}
	return &LateCancelDetector{
		clinics:   clinics,
		store:     store,
		batchSize: batchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (d *LateCancelDetector) WithClock(now func() time.Time) *LateCancelDetector {
	if now != nil {
		d.now = now
	}
	return d
}

// IsLateCancel reports whether a cancellation happened before the visit and no
// more than window ahead of it.
func IsLateCancel(a appointments.Appointment, window time.Duration) bool {
	if window <= 0 || a.CancelledAt == nil {
		return false
	}
	if !a.CancelledAt.Before(a.StartsAt) {
		return false
	}
	return a.StartsAt.Sub(*a.CancelledAt) <= window
}

// Run processes clinics in order until the batch budget is spent.
func (d *LateCancelDetector) Run(ctx context.Context) (LateCancelResult, error) {
	now := d.now().UTC().Truncate(time.Microsecond)
	var result LateCancelResult

	clinicIDs, err := d.clinics.ListClinicIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("detection: list clinics: %w", err)
	}

	remaining := d.batchSize
	for _, clinicID := range clinicIDs {
		if remaining <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		candidates, ids, err := d.runClinic(ctx, clinicID, remaining, now)
		if err != nil {
			d.logger.Error("late-cancel detection failed for clinic", "clinic_id", clinicID, "error", err)
			result.SkippedClinics++
			continue
		}
		result.CandidateCount += candidates
		result.UpdatedIDs = append(result.UpdatedIDs, ids...)
		result.UpdatedCount += len(ids)
		remaining -= len(ids)
	}
	return result, nil
}

func (d *LateCancelDetector) runClinic(ctx context.Context, clinicID string, limit int, now time.Time) (int, []string, error) {
	candidates, err := d.store.CountLateCancelCandidates(ctx, clinicID)
	if err != nil || candidates == 0 {
		return 0, nil, err
	}

	settings, err := d.clinics.Get(ctx, clinicID)
	if errors.Is(err, clinic.ErrSettingsNotFound) {
		return candidates, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read settings: %w", err)
	}
	window := settings.LateCancelWindow()
	if window <= 0 {
		return candidates, nil, nil
	}

	rows, err := d.store.ListLateCancelCandidates(ctx, clinicID, window, limit)
	if err != nil {
		return 0, nil, err
	}
	var matched []string
	for _, a := range rows {
		if IsLateCancel(a, window) {
			matched = append(matched, a.ID)
		}
	}
	if len(matched) == 0 {
		return candidates, nil, nil
	}

	ids, err := d.store.MarkLateCancels(ctx, clinicID, matched, now)
	if err != nil {
		return 0, nil, err
	}
	if len(ids) > 0 {
		d.logger.Info("late cancels detected", "clinic_id", clinicID, "count", len(ids))
	}
	return candidates, ids, nil
}
