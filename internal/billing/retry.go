package billing

import (
	"context"
	"strings"
	"time"

	"github.com/wolfman30/noshow-platform/internal/appointments"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// RetryStore resets a fee for another round of the pipeline.
type RetryStore interface {
	ResetFee(ctx context.Context, clinicID, id string, now time.Time) (appointments.Appointment, error)
}

// RetryService is the operator escape hatch for stuck locks and exhausted fees.
type RetryService struct {
	store  RetryStore
	logger *logging.Logger
	now    func() time.Time
}

// NewRetryService creates a retry service.
func NewRetryService(store RetryStore, logger *logging.Logger) *RetryService {
	if logger == nil {
		logger = logging.Default()
	}
	return &RetryService{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (s *RetryService) WithClock(now func() time.Time) *RetryService {
	if now != nil {
		s.now = now
	}
	return s
}

// Retry makes a pending fee eligible for the next queue run. The attempt count
// is kept, so a parked fee gets exactly one more attempt per retry.
func (s *RetryService) Retry(ctx context.Context, clinicID, id string) (appointments.Appointment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return appointments.Appointment{}, &appointments.ValidationError{Message: "Missing id"}
	}
	a, err := s.store.ResetFee(ctx, clinicID, id, s.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return appointments.Appointment{}, err
	}
	s.logger.Info("no-show fee reset for retry", "clinic_id", clinicID, "appointment_id", id,
		"attempt_count", a.FeeAttemptCount)
	return a, nil
}
