// Package detection reclassifies appointments on a schedule: overdue visits become
// no-shows and cancellations made too close to the visit become late cancels.
package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/noshow-platform/internal/clinic"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// Clinics lists tenants and reads their current settings.
type Clinics interface {
	ListClinicIDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, clinicID string) (clinic.Settings, error)
}

// NoShowStore is the store surface of the no-show detector.
type NoShowStore interface {
	CountNoShowCandidates(ctx context.Context, clinicID string, threshold time.Time) (int, error)
	MarkNoShows(ctx context.Context, clinicID string, threshold, now time.Time, feePending bool) ([]string, error)
}

// ClinicResult summarizes one clinic's slice of a no-show run.
type ClinicResult struct {
	ClinicID       string   `json:"clinicId"`
	CandidateCount int      `json:"candidateCount"`
	UpdatedCount   int      `json:"updatedCount"`
	UpdatedIDs     []string `json:"-"`
	Error          string   `json:"error,omitempty"`
}

// NoShowResult is the JSON summary of a no-show run.
type NoShowResult struct {
	Now            time.Time      `json:"now"`
	PerClinic      []ClinicResult `json:"perClinic"`
	CandidateCount int            `json:"candidateCount"`
	UpdatedCount   int            `json:"updatedCount"`
}

// NoShowDetector flips scheduled visits past their clinic's grace period to no_show.
type NoShowDetector struct {
	clinics Clinics
	store   NoShowStore
	logger  *logging.Logger
	now     func() time.Time
}

// NewNoShowDetector creates a detector.
func NewNoShowDetector(clinics Clinics, store NoShowStore, logger *logging.Logger) *NoShowDetector {
	if logger == nil {
		logger = logging.Default()
	}
	return &NoShowDetector{
		clinics: clinics,
		store:   store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (d *NoShowDetector) WithClock(now func() time.Time) *NoShowDetector {
	if now != nil {
		d.now = now
	}
	return d
}

// Run processes every clinic once. A failing clinic is recorded and skipped;
// only a failure to list clinics aborts the run.
func (d *NoShowDetector) Run(ctx context.Context) (NoShowResult, error) {
	now := d.now().UTC().Truncate(time.Microsecond)
	result := NoShowResult{Now: now, PerClinic: []ClinicResult{}}

	clinicIDs, err := d.clinics.ListClinicIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("detection: list clinics: %w", err)
	}

	for _, clinicID := range clinicIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		cr, err := d.runClinic(ctx, clinicID, now)
		if err != nil {
			d.logger.Error("no-show detection failed for clinic", "clinic_id", clinicID, "error", err)
			cr.Error = err.Error()
		}
		result.PerClinic = append(result.PerClinic, cr)
		result.CandidateCount += cr.CandidateCount
		result.UpdatedCount += cr.UpdatedCount
	}
	return result, nil
}

func (d *NoShowDetector) runClinic(ctx context.Context, clinicID string, now time.Time) (ClinicResult, error) {
	cr := ClinicResult{ClinicID: clinicID}

	settings, err := d.clinics.Get(ctx, clinicID)
	if errors.Is(err, clinic.ErrSettingsNotFound) {
		settings = clinic.DefaultSettings(clinicID)
	} else if err != nil {
		return cr, fmt.Errorf("read settings: %w", err)
	}

	threshold := now.Add(-settings.GracePeriod())
	cr.CandidateCount, err = d.store.CountNoShowCandidates(ctx, clinicID, threshold)
	if err != nil {
		return cr, err
	}
	if cr.CandidateCount == 0 {
		return cr, nil
	}

	ids, err := d.store.MarkNoShows(ctx, clinicID, threshold, now, settings.Rule().Eligible())
	if err != nil {
		return cr, err
	}
	cr.UpdatedIDs = ids
	cr.UpdatedCount = len(ids)
	if cr.UpdatedCount > 0 {
		d.logger.Info("no-shows detected", "clinic_id", clinicID, "count", cr.UpdatedCount,
			"fee_pending", settings.Rule().Eligible())
	}
	return cr, nil
}
