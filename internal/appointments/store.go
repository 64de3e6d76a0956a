package appointments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const appointmentColumns = `id, clinic_id, patient_name, starts_at, status,
	checked_in_at, cancelled_at, no_show_detected_at, late_cancel_detected_at,
	no_show_excused, no_show_excuse_reason,
	no_show_fee_pending, no_show_fee_charged, no_show_fee_processing_at, no_show_fee_claimed_at,
	no_show_fee_attempt_count, no_show_fee_last_attempt_at, no_show_fee_last_error,
	billing_customer_ref, created_at, updated_at`

// Shared predicates. Every conditional update repeats the predicate its candidate
// select used, so a row changed by a concurrent run no longer matches.
const (
	noShowCandidate = `clinic_id = $1 AND status = 'scheduled' AND checked_in_at IS NULL
		AND cancelled_at IS NULL AND no_show_detected_at IS NULL AND no_show_excused = false
		AND starts_at <= $2`
	lateCancelCandidate = `clinic_id = $1 AND status = 'canceled' AND cancelled_at IS NOT NULL
		AND late_cancel_detected_at IS NULL`
	feeCandidate = `clinic_id = $1 AND status = 'no_show' AND no_show_excused = false
		AND no_show_fee_pending = true AND no_show_fee_charged = false
		AND no_show_fee_processing_at IS NULL
		AND (no_show_fee_last_error IS NULL
			OR no_show_fee_last_error NOT IN ('MAX_ATTEMPTS_REACHED', 'CHARGE_UNCONFIRMED'))`
	feeLocked = `clinic_id = $1 AND status = 'no_show' AND no_show_excused = false
		AND no_show_fee_pending = true AND no_show_fee_charged = false
		AND no_show_fee_processing_at IS NOT NULL AND no_show_fee_claimed_at IS NULL`
)

// PGStore persists appointments in Postgres.
type PGStore struct {
	db DB
}

// NewPGStore creates a Postgres-backed appointment store.
func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

// Create inserts a freshly booked appointment.
func (s *PGStore) Create(ctx context.Context, a *Appointment) error {
	prepareNew(a, time.Now().UTC())
	_, err := s.db.Exec(ctx, `
		INSERT INTO appointments (id, clinic_id, patient_name, starts_at, status, billing_customer_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ClinicID, a.PatientName, a.StartsAt, string(a.Status), a.BillingCustomerRef, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("appointments: create: %w", err)
	}
	return nil
}

// Get returns one appointment of a clinic.
func (s *PGStore) Get(ctx context.Context, clinicID, id string) (Appointment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments WHERE clinic_id = $1 AND id = $2`, clinicID, id)
	if err != nil {
		return Appointment{}, fmt.Errorf("appointments: get: %w", err)
	}
	return single(rows, "get")
}

// List returns a clinic's appointments ordered by start time.
func (s *PGStore) List(ctx context.Context, clinicID string, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments WHERE clinic_id = $1
		ORDER BY starts_at ASC LIMIT $2`, clinicID, limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// ApplyPatch writes a manual-action patch if the row still matches the patch's
// expectations. Any fee lock is released.
func (s *PGStore) ApplyPatch(ctx context.Context, clinicID, id string, p Patch, now time.Time) (Appointment, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE appointments SET
			status = $5, checked_in_at = $6, cancelled_at = $7, no_show_detected_at = $8,
			no_show_excused = $9, no_show_excuse_reason = $10,
			no_show_fee_pending = $11, no_show_fee_charged = $12, no_show_fee_last_error = $13,
			no_show_fee_attempt_count = $14, no_show_fee_last_attempt_at = $15,
			no_show_fee_processing_at = NULL, no_show_fee_claimed_at = NULL, updated_at = $16
		WHERE clinic_id = $1 AND id = $2 AND status = $3 AND no_show_fee_charged = $4
		RETURNING `+appointmentColumns,
		clinicID, id, string(p.ExpectStatus), p.ExpectCharged,
		string(p.Status), p.CheckedInAt, p.CancelledAt, p.NoShowDetectedAt,
		p.NoShowExcused, p.NoShowExcuseReason,
		p.FeePending, p.FeeCharged, p.FeeLastError,
		p.FeeAttemptCount, p.FeeLastAttemptAt, now,
	)
	if err != nil {
		return Appointment{}, fmt.Errorf("appointments: apply patch: %w", err)
	}
	a, err := single(rows, "apply patch")
	if errors.Is(err, ErrNotFound) {
		return Appointment{}, ErrConflict
	}
	return a, err
}

// ResetFee returns a failed or stuck fee to the queue. The attempt count is kept.
func (s *PGStore) ResetFee(ctx context.Context, clinicID, id string, now time.Time) (Appointment, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE appointments SET
			no_show_fee_pending = true, no_show_fee_charged = false,
			no_show_fee_processing_at = NULL, no_show_fee_claimed_at = NULL,
			no_show_fee_last_error = NULL, updated_at = $3
		WHERE clinic_id = $1 AND id = $2
			AND no_show_fee_pending = true AND no_show_fee_charged = false
		RETURNING `+appointmentColumns, clinicID, id, now)
	if err != nil {
		return Appointment{}, fmt.Errorf("appointments: reset fee: %w", err)
	}
	return single(rows, "reset fee")
}

// ListFees returns rows of one billing view, most recent visit first.
func (s *PGStore) ListFees(ctx context.Context, clinicID string, view FeeView, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 200
	}
	filter := ""
	switch view {
	case FeeViewCharged:
		filter = ` AND no_show_fee_charged = true`
	case FeeViewProcessing:
		filter = ` AND no_show_fee_pending = true AND no_show_fee_charged = false AND no_show_fee_processing_at IS NOT NULL`
	case FeeViewFailed:
		filter = ` AND no_show_fee_pending = true AND no_show_fee_charged = false AND no_show_fee_processing_at IS NULL AND no_show_fee_last_error IS NOT NULL`
	case FeeViewAll:
	default:
		filter = ` AND no_show_fee_pending = true AND no_show_fee_charged = false AND no_show_fee_processing_at IS NULL AND no_show_fee_last_error IS NULL`
	}
	rows, err := s.db.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments WHERE clinic_id = $1`+filter+`
		ORDER BY starts_at DESC LIMIT $2`, clinicID, limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list fees: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// CountNoShowCandidates counts scheduled visits that started on or before threshold.
func (s *PGStore) CountNoShowCandidates(ctx context.Context, clinicID string, threshold time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM appointments WHERE `+noShowCandidate,
		clinicID, threshold).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("appointments: count no-show candidates: %w", err)
	}
	return n, nil
}

// MarkNoShows flips every candidate to no_show in one conditional update and
// returns the ids it changed.
func (s *PGStore) MarkNoShows(ctx context.Context, clinicID string, threshold, now time.Time, feePending bool) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE appointments SET
			status = 'no_show', no_show_detected_at = $3,
			no_show_fee_pending = $4, no_show_fee_charged = false, updated_at = $3
		WHERE `+noShowCandidate+`
		RETURNING id`, clinicID, threshold, now, feePending)
	if err != nil {
		return nil, fmt.Errorf("appointments: mark no-shows: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// CountLateCancelCandidates counts canceled rows not yet examined for late cancellation.
func (s *PGStore) CountLateCancelCandidates(ctx context.Context, clinicID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM appointments WHERE `+lateCancelCandidate, clinicID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("appointments: count late-cancel candidates: %w", err)
	}
	return n, nil
}

// ListLateCancelCandidates returns unexamined canceled rows whose cancellation fell
// inside window before the visit. Rows outside the window are never returned, so
// they cannot crowd later matches out of the batch.
func (s *PGStore) ListLateCancelCandidates(ctx context.Context, clinicID string, window time.Duration, limit int) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments WHERE `+lateCancelCandidate+`
			AND cancelled_at < starts_at
			AND starts_at - cancelled_at <= make_interval(mins => $2)
		ORDER BY cancelled_at ASC LIMIT $3`, clinicID, int(window/time.Minute), limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list late-cancel candidates: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// MarkLateCancels promotes the given canceled rows to late_cancel.
func (s *PGStore) MarkLateCancels(ctx context.Context, clinicID string, ids []string, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		UPDATE appointments SET
			status = 'late_cancel', late_cancel_detected_at = $3, updated_at = $3
		WHERE `+lateCancelCandidate+` AND id = ANY($2::text[])
		RETURNING id`, clinicID, ids, now)
	if err != nil {
		return nil, fmt.Errorf("appointments: mark late cancels: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListFeeCandidates returns unlocked pending fees, oldest visit first.
func (s *PGStore) ListFeeCandidates(ctx context.Context, clinicID string, limit int) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments WHERE `+feeCandidate+`
		ORDER BY starts_at ASC LIMIT $2`, clinicID, limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list fee candidates: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// LockFees claims pending fees for a charge batch. Only ids still matching the
// candidate predicate are locked and returned.
func (s *PGStore) LockFees(ctx context.Context, clinicID string, ids []string, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		UPDATE appointments SET
			no_show_fee_processing_at = $3, no_show_fee_last_attempt_at = $3, updated_at = $3
		WHERE `+feeCandidate+` AND id = ANY($2::text[])
		RETURNING id`, clinicID, ids, now)
	if err != nil {
		return nil, fmt.Errorf("appointments: lock fees: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListLockedFees returns locked fees that no worker has claimed yet.
func (s *PGStore) ListLockedFees(ctx context.Context, clinicID string, limit int) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments WHERE `+feeLocked+`
		ORDER BY no_show_fee_processing_at ASC LIMIT $2`, clinicID, limit)
	if err != nil {
		return nil, fmt.Errorf("appointments: list locked fees: %w", err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// ClaimAttempt takes ownership of one locked fee and counts the attempt. It
// returns ErrConflict when the lock changed since lockedAt was read.
func (s *PGStore) ClaimAttempt(ctx context.Context, clinicID, id string, lockedAt, now time.Time) (Claim, error) {
	var attempt int
	err := s.db.QueryRow(ctx, `
		UPDATE appointments SET
			no_show_fee_claimed_at = $4, no_show_fee_attempt_count = no_show_fee_attempt_count + 1,
			updated_at = $4
		WHERE `+feeLocked+` AND id = $2 AND no_show_fee_processing_at = $3
		RETURNING no_show_fee_attempt_count`, clinicID, id, lockedAt, now).Scan(&attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, ErrConflict
	}
	if err != nil {
		return Claim{}, fmt.Errorf("appointments: claim attempt: %w", err)
	}
	return Claim{LockedAt: lockedAt, ClaimedAt: now, Attempt: attempt}, nil
}

// CompleteAttempt records the outcome of a claimed attempt and releases the lock.
// It returns ErrConflict when the claim was revoked meanwhile (excuse, retry, sweep).
func (s *PGStore) CompleteAttempt(ctx context.Context, clinicID, id string, c Claim, out ChargeOutcome, now time.Time) error {
	var lastErr *string
	if !out.Charged {
		lastErr = stringPtr(out.Error)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET
			no_show_fee_charged = $5, no_show_fee_pending = NOT $5,
			no_show_fee_last_error = $6, no_show_fee_last_attempt_at = $7,
			no_show_fee_processing_at = NULL, no_show_fee_claimed_at = NULL, updated_at = $7
		WHERE clinic_id = $1 AND id = $2
			AND no_show_fee_processing_at = $3 AND no_show_fee_claimed_at = $4`,
		clinicID, id, c.LockedAt, c.ClaimedAt, out.Charged, lastErr, now)
	if err != nil {
		return fmt.Errorf("appointments: complete attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ReleaseLock drops an unclaimed lock without counting an attempt.
func (s *PGStore) ReleaseLock(ctx context.Context, clinicID, id string, lockedAt, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET no_show_fee_processing_at = NULL, updated_at = $4
		WHERE `+feeLocked+` AND id = $2 AND no_show_fee_processing_at = $3`,
		clinicID, id, lockedAt, now)
	if err != nil {
		return fmt.Errorf("appointments: release lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ReleaseStaleLocks returns unclaimed locks taken before cutoff to the queue. No
// gateway call was made for them.
func (s *PGStore) ReleaseStaleLocks(ctx context.Context, clinicID string, cutoff, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE appointments SET
			no_show_fee_processing_at = NULL,
			no_show_fee_last_error = 'STALE_LOCK_RELEASED', updated_at = $3
		WHERE clinic_id = $1 AND no_show_fee_processing_at IS NOT NULL
			AND no_show_fee_claimed_at IS NULL
			AND no_show_fee_processing_at < $2
		RETURNING id`, clinicID, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("appointments: release stale locks: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ParkUnconfirmedCharges parks fees claimed before cutoff whose outcome was never
// recorded. The queue skips them until an operator retries.
func (s *PGStore) ParkUnconfirmedCharges(ctx context.Context, clinicID string, cutoff, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE appointments SET
			no_show_fee_processing_at = NULL, no_show_fee_claimed_at = NULL,
			no_show_fee_last_error = 'CHARGE_UNCONFIRMED', updated_at = $3
		WHERE clinic_id = $1 AND no_show_fee_processing_at IS NOT NULL
			AND no_show_fee_claimed_at IS NOT NULL
			AND no_show_fee_claimed_at < $2
		RETURNING id`, clinicID, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("appointments: park unconfirmed charges: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func prepareNew(a *Appointment, now time.Time) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Status = StatusScheduled
	a.CheckedInAt, a.CancelledAt, a.NoShowDetectedAt, a.LateCancelDetectedAt = nil, nil, nil, nil
	a.NoShowExcused, a.NoShowExcuseReason = false, nil
	a.FeePending, a.FeeCharged, a.FeeAttemptCount = false, false, 0
	a.FeeProcessingAt, a.FeeClaimedAt, a.FeeLastAttemptAt, a.FeeLastError = nil, nil, nil, nil
	a.CreatedAt = now
	a.UpdatedAt = now
}

func single(rows pgx.Rows, op string) (Appointment, error) {
	defer rows.Close()
	list, err := scanAppointments(rows)
	if err != nil {
		return Appointment{}, fmt.Errorf("appointments: %s: %w", op, err)
	}
	if len(list) == 0 {
		return Appointment{}, ErrNotFound
	}
	return list[0], nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		var a Appointment
		var status string
		err := rows.Scan(
			&a.ID, &a.ClinicID, &a.PatientName, &a.StartsAt, &status,
			&a.CheckedInAt, &a.CancelledAt, &a.NoShowDetectedAt, &a.LateCancelDetectedAt,
			&a.NoShowExcused, &a.NoShowExcuseReason,
			&a.FeePending, &a.FeeCharged, &a.FeeProcessingAt, &a.FeeClaimedAt,
			&a.FeeAttemptCount, &a.FeeLastAttemptAt, &a.FeeLastError,
			&a.BillingCustomerRef, &a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		a.Status = Status(status)
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("appointments: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
