package appointments

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/wolfman30/noshow-platform/internal/clinic"
)

// DefaultUndoWindow bounds how long after detection a no-show may be undone.
const DefaultUndoWindow = 30 * time.Minute

// ValidationError is a rejected manual action. Its message is shown to staff verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Request is a manual status change.
type Request struct {
	Next Status
}

// Policy carries the tunables of the state machine.
type Policy struct {
	UndoWindow time.Duration
}

func (p Policy) undoWindow() time.Duration {
	if p.UndoWindow <= 0 {
		return DefaultUndoWindow
	}
	return p.UndoWindow
}

// Patch is the full image of the lifecycle and fee columns a manual action writes.
// Stores apply it only while the row still has ExpectStatus and ExpectCharged, and
// always release any fee lock, since no accepted action leaves a charge in flight.
type Patch struct {
	ExpectStatus  Status
	ExpectCharged bool
	// Unchanged marks a same-state request; nothing needs to be written.
	Unchanged bool

	Status             Status
	CheckedInAt        *time.Time
	CancelledAt        *time.Time
	NoShowDetectedAt   *time.Time
	NoShowExcused      bool
	NoShowExcuseReason *string
	FeePending         bool
	FeeCharged         bool
	FeeLastError       *string
	FeeAttemptCount    int
	FeeLastAttemptAt   *time.Time
}

func patchFrom(a Appointment) Patch {
	return Patch{
		ExpectStatus:       a.Status,
		ExpectCharged:      a.FeeCharged,
		Status:             a.Status,
		CheckedInAt:        a.CheckedInAt,
		CancelledAt:        a.CancelledAt,
		NoShowDetectedAt:   a.NoShowDetectedAt,
		NoShowExcused:      a.NoShowExcused,
		NoShowExcuseReason: a.NoShowExcuseReason,
		FeePending:         a.FeePending,
		FeeCharged:         a.FeeCharged,
		FeeLastError:       a.FeeLastError,
		FeeAttemptCount:    a.FeeAttemptCount,
		FeeLastAttemptAt:   a.FeeLastAttemptAt,
	}
}

// Apply returns a copy of a with the patch written over it.
func (p Patch) Apply(a Appointment) Appointment {
	if p.Unchanged {
		return a
	}
	a.Status = p.Status
	a.CheckedInAt = p.CheckedInAt
	a.CancelledAt = p.CancelledAt
	a.NoShowDetectedAt = p.NoShowDetectedAt
	a.NoShowExcused = p.NoShowExcused
	a.NoShowExcuseReason = p.NoShowExcuseReason
	a.FeePending = p.FeePending
	a.FeeCharged = p.FeeCharged
	a.FeeLastError = p.FeeLastError
	a.FeeAttemptCount = p.FeeAttemptCount
	a.FeeLastAttemptAt = p.FeeLastAttemptAt
	a.FeeProcessingAt = nil
	a.FeeClaimedAt = nil
	return a
}

func (p *Patch) clearFee() {
	p.FeePending = false
	p.FeeCharged = false
	p.FeeLastError = nil
}

// NeedsBillingRule reports whether Transition will consult the clinic billing rule,
// letting callers skip the settings lookup otherwise.
func NeedsBillingRule(current Appointment, next Status) bool {
	return next == StatusNoShow && current.Status != StatusNoShow && !current.NoShowExcused
}

var allowedNext = map[Status][]Status{
	StatusScheduled: {StatusScheduled, StatusLate, StatusCheckedIn, StatusNoShow, StatusCanceled},
	StatusLate:      {StatusLate, StatusCheckedIn, StatusNoShow, StatusCanceled},
}

func allowed(current, next Status) bool {
	for _, st := range allowedNext[current] {
		if st == next {
			return true
		}
	}
	return false
}

// Transition validates a manual status change and computes its side effects. It
// performs no I/O: rule is the clinic billing rule, consulted only when a fee may
// be queued.
func Transition(current Appointment, req Request, now time.Time, rule clinic.BillingRule, policy Policy) (Patch, error) {
	next := req.Next
	if _, ok := ParseStatus(string(next)); !ok {
		return Patch{}, invalid("Invalid status. Allowed: %s", allowedList())
	}

	patch := patchFrom(current)

	// A recorded check-in wins over whatever status the row carries.
	if current.CheckedInAt != nil || current.Status == StatusCheckedIn {
		if next != StatusCheckedIn {
			return Patch{}, invalid("Checked-in appointments cannot change status.")
		}
		if current.Status == StatusCheckedIn && current.CheckedInAt != nil {
			patch.Unchanged = true
			return patch, nil
		}
		patch.Status = StatusCheckedIn
		if patch.CheckedInAt == nil {
			patch.CheckedInAt = timePtr(now)
		}
		patch.clearFee()
		return patch, nil
	}

	if next == current.Status {
		patch.Unchanged = true
		return patch, nil
	}

	if next == StatusScheduled && (current.Status == StatusLate || current.Status == StatusNoShow) {
		return undo(current, now, policy)
	}

	switch current.Status {
	case StatusNoShow:
		return Patch{}, invalid("No-show appointments cannot change status (use Excuse).")
	case StatusCanceled, StatusLateCancel:
		return Patch{}, invalid("Canceled appointments cannot be modified.")
	}

	if !allowed(current.Status, next) {
		return Patch{}, invalid("Invalid status transition: %s -> %s", current.Status, next)
	}

	patch.Status = next
	switch next {
	case StatusCheckedIn:
		patch.CheckedInAt = timePtr(now)
		patch.clearFee()
	case StatusCanceled:
		patch.CancelledAt = timePtr(now)
		patch.clearFee()
	case StatusNoShow:
		if current.StartsAt.After(now) {
			return Patch{}, invalid("Cannot mark a future appointment as no_show")
		}
		patch.NoShowDetectedAt = timePtr(now)
		patch.FeeCharged = false
		patch.FeeLastError = nil
		patch.FeePending = !current.NoShowExcused && rule.Eligible()
	}
	return patch, nil
}

func undo(current Appointment, now time.Time, policy Policy) (Patch, error) {
	if current.Status == StatusNoShow {
		if current.FeeCharged {
			return Patch{}, invalid("Cannot undo a no-show that has already been charged.")
		}
		window := policy.undoWindow()
		if current.NoShowDetectedAt != nil && now.Sub(*current.NoShowDetectedAt) > window {
			return Patch{}, invalid("Undo window expired (%d min). Use Excuse if you need to waive the fee.",
				int(math.Round(window.Minutes())))
		}
	}
	// Everything else, the attempt history included, goes back to zero.
	return Patch{
		ExpectStatus:  current.Status,
		ExpectCharged: current.FeeCharged,
		Status:        StatusScheduled,
	}, nil
}

// Excuse waives a no-show's fee. It wins over any billing sub-state, including an
// in-flight charge attempt, whose outcome is then discarded.
func Excuse(current Appointment, reason string) (Patch, error) {
	if current.Status != StatusNoShow {
		return Patch{}, invalid("Only no-show appointments can be excused.")
	}
	patch := patchFrom(current)
	patch.NoShowExcused = true
	patch.NoShowExcuseReason = nil
	if r := strings.TrimSpace(reason); r != "" {
		patch.NoShowExcuseReason = stringPtr(r)
	}
	patch.FeePending = false
	patch.FeeCharged = false
	return patch, nil
}

func allowedList() string {
	names := make([]string, 0, len(allStatuses))
	for _, st := range allStatuses {
		names = append(names, string(st))
	}
	return strings.Join(names, ", ")
}
