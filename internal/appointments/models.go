// Package appointments holds the appointment lifecycle: the six-state status machine,
// the manual actions staff take on a visit, and the stores the batch jobs share.
package appointments

import (
	"errors"
	"strings"
	"time"
)

// Status is the externally visible lifecycle state of an appointment.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusCheckedIn  Status = "checked_in"
	StatusLate       Status = "late"
	StatusNoShow     Status = "no_show"
	StatusCanceled   Status = "canceled"
	StatusLateCancel Status = "late_cancel"
)

var allStatuses = []Status{
	StatusScheduled, StatusCheckedIn, StatusLate, StatusNoShow, StatusCanceled, StatusLateCancel,
}

// ParseStatus normalizes s and reports whether it names a known status.
func ParseStatus(s string) (Status, bool) {
	candidate := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == candidate {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further status change (other than a no-op) is accepted.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusLateCancel
}

// Fee errors recorded in no_show_fee_last_error by the billing pipeline.
const (
	FeeErrMaxAttempts      = "MAX_ATTEMPTS_REACHED"
	FeeErrStaleLock        = "STALE_LOCK_RELEASED"
	FeeErrNoPaymentMethod  = "NO_PAYMENT_METHOD"
	FeeErrSimulatedFailure = "SIMULATED_FAILURE"

	// FeeErrChargeUnconfirmed parks a fee whose claimed attempt never recorded an
	// outcome. The gateway may have charged it, so only an operator retry requeues it.
	FeeErrChargeUnconfirmed = "CHARGE_UNCONFIRMED"
)

var (
	// ErrNotFound is returned when no appointment matches the id within the clinic.
	ErrNotFound = errors.New("appointments: not found")
	// ErrConflict is returned when a conditional write matched zero rows because
	// another writer changed the row first.
	ErrConflict = errors.New("appointments: concurrent modification")
)

// Appointment is one scheduled patient visit. Fee fields describe the no-show fee
// sub-state, which evolves independently of Status.
type Appointment struct {
	ID                   string     `json:"id"`
	ClinicID             string     `json:"clinic_id"`
	PatientName          string     `json:"patient_name"`
	StartsAt             time.Time  `json:"starts_at"`
	Status               Status     `json:"status"`
	CheckedInAt          *time.Time `json:"checked_in_at"`
	CancelledAt          *time.Time `json:"cancelled_at"`
	NoShowDetectedAt     *time.Time `json:"no_show_detected_at"`
	LateCancelDetectedAt *time.Time `json:"late_cancel_detected_at"`
	NoShowExcused        bool       `json:"no_show_excused"`
	NoShowExcuseReason   *string    `json:"no_show_excuse_reason"`

	FeePending       bool       `json:"no_show_fee_pending"`
	FeeCharged       bool       `json:"no_show_fee_charged"`
	FeeProcessingAt  *time.Time `json:"no_show_fee_processing_at"`
	FeeClaimedAt     *time.Time `json:"no_show_fee_claimed_at,omitempty"`
	FeeAttemptCount  int        `json:"no_show_fee_attempt_count"`
	FeeLastAttemptAt *time.Time `json:"no_show_fee_last_attempt_at"`
	FeeLastError     *string    `json:"no_show_fee_last_error"`

	BillingCustomerRef *string   `json:"billing_customer_ref,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Locked reports whether a charge batch currently owns the fee.
func (a Appointment) Locked() bool {
	return a.FeeProcessingAt != nil
}

// Parked reports whether the queue must leave the fee alone until a retry.
func (a Appointment) Parked() bool {
	if a.FeeLastError == nil {
		return false
	}
	return *a.FeeLastError == FeeErrMaxAttempts || *a.FeeLastError == FeeErrChargeUnconfirmed
}

// FeeView selects one of the billing list filters.
type FeeView string

const (
	FeeViewPending    FeeView = "pending"
	FeeViewProcessing FeeView = "processing"
	FeeViewFailed     FeeView = "failed"
	FeeViewCharged    FeeView = "charged"
	FeeViewAll        FeeView = "all"
)

// ParseFeeView maps a query value to a view, defaulting to pending.
func ParseFeeView(s string) FeeView {
	switch v := FeeView(strings.ToLower(strings.TrimSpace(s))); v {
	case FeeViewProcessing, FeeViewFailed, FeeViewCharged, FeeViewAll:
		return v
	default:
		return FeeViewPending
	}
}

// Matches reports whether a row belongs to the view.
func (v FeeView) Matches(a Appointment) bool {
	switch v {
	case FeeViewAll:
		return true
	case FeeViewCharged:
		return a.FeeCharged
	case FeeViewProcessing:
		return a.FeePending && !a.FeeCharged && a.FeeProcessingAt != nil
	case FeeViewFailed:
		return a.FeePending && !a.FeeCharged && a.FeeProcessingAt == nil && a.FeeLastError != nil
	default:
		return a.FeePending && !a.FeeCharged && a.FeeProcessingAt == nil && a.FeeLastError == nil
	}
}

// ChargeOutcome is the recorded result of one charge attempt.
type ChargeOutcome struct {
	Charged bool
	Error   string
}

// Claim identifies one in-flight charge attempt owned by a worker.
type Claim struct {
	LockedAt  time.Time
	ClaimedAt time.Time
	Attempt   int
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s string) *string {
	return &s
}
