package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/noshow-platform/internal/appointments"
	"github.com/wolfman30/noshow-platform/internal/clinic"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// DefaultBatchSize bounds both the queue and the attempter per run.
const DefaultBatchSize = 100

// Clinics lists tenants and reads their current billing rule.
type Clinics interface {
	ListClinicIDs(ctx context.Context) ([]string, error)
	BillingRule(ctx context.Context, clinicID string) (clinic.BillingRule, error)
}

// QueueStore is the store surface of the charge queue.
type QueueStore interface {
	ListFeeCandidates(ctx context.Context, clinicID string, limit int) ([]appointments.Appointment, error)
	LockFees(ctx context.Context, clinicID string, ids []string, now time.Time) ([]string, error)
}

// QueueResult is the JSON summary of a queue run.
type QueueResult struct {
	Now            time.Time `json:"now"`
	CandidateCount int       `json:"candidateCount"`
	EligibleCount  int       `json:"eligibleCount"`
	QueuedCount    int       `json:"queuedCount"`
	QueuedIDs      []string  `json:"queuedIds"`
	EligibleIDs    []string  `json:"-"`
	BatchSize      int       `json:"-"`
}

// ChargeQueue locks pending fees of clinics that still bill, handing them to the
// attempter. The lock is the only mutual exclusion between overlapping runs.
type ChargeQueue struct {
	clinics   Clinics
	store     QueueStore
	batchSize int
	logger    *logging.Logger
	now       func() time.Time
}

// NewChargeQueue creates a queue. batchSize <= 0 uses DefaultBatchSize.
func NewChargeQueue(clinics Clinics, store QueueStore, batchSize int, logger *logging.Logger) *ChargeQueue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ChargeQueue{
		clinics:   clinics,
		store:     store,
		batchSize: batchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (q *ChargeQueue) WithClock(now func() time.Time) *ChargeQueue {
	if now != nil {
		q.now = now
	}
	return q
}

// Run queues at most one batch of eligible fees across all clinics.
func (q *ChargeQueue) Run(ctx context.Context) (QueueResult, error) {
	now := q.now().UTC().Truncate(time.Microsecond)
	result := QueueResult{Now: now, QueuedIDs: []string{}, BatchSize: q.batchSize}

	clinicIDs, err := q.clinics.ListClinicIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("billing: list clinics: %w", err)
	}

	remaining := q.batchSize
	for _, clinicID := range clinicIDs {
		if remaining <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		candidates, eligible, locked, err := q.runClinic(ctx, clinicID, remaining, now)
		result.CandidateCount += candidates
		result.EligibleCount += len(eligible)
		result.EligibleIDs = append(result.EligibleIDs, eligible...)
		result.QueuedIDs = append(result.QueuedIDs, locked...)
		if err != nil {
			q.logger.Error("charge queue failed for clinic", "clinic_id", clinicID, "error", err)
			continue
		}
		remaining -= len(eligible)
	}
	result.QueuedCount = len(result.QueuedIDs)
	if result.QueuedCount > 0 {
		q.logger.Info("fees queued for charging", "count", result.QueuedCount)
	}
	return result, nil
}

func (q *ChargeQueue) runClinic(ctx context.Context, clinicID string, limit int, now time.Time) (int, []string, []string, error) {
	rows, err := q.store.ListFeeCandidates(ctx, clinicID, limit)
	if err != nil {
		return 0, nil, nil, err
	}
	if len(rows) == 0 {
		return 0, nil, nil, nil
	}

	// Settings may have changed since the fee was marked pending.
	rule, err := q.clinics.BillingRule(ctx, clinicID)
	if err != nil {
		return len(rows), nil, nil, fmt.Errorf("read billing rule: %w", err)
	}
	if !rule.Eligible() {
		q.logger.Debug("clinic no longer bills, leaving fees unqueued", "clinic_id", clinicID, "count", len(rows))
		return len(rows), nil, nil, nil
	}

	eligible := make([]string, 0, len(rows))
	for _, a := range rows {
		eligible = append(eligible, a.ID)
	}
	locked, err := q.store.LockFees(ctx, clinicID, eligible, now)
	if err != nil {
		return len(rows), eligible, nil, err
	}
	return len(rows), eligible, locked, nil
}
