package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/noshow-platform/internal/clinic"
	"github.com/wolfman30/noshow-platform/internal/observability/metrics"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// Repository is the store surface the manual actions need.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, clinicID, id string) (Appointment, error)
	List(ctx context.Context, clinicID string, limit int) ([]Appointment, error)
	ApplyPatch(ctx context.Context, clinicID, id string, p Patch, now time.Time) (Appointment, error)
}

// RuleSource resolves a clinic's current billing rule.
type RuleSource interface {
	BillingRule(ctx context.Context, clinicID string) (clinic.BillingRule, error)
}

// Service runs staff actions on appointments: booking, status changes, check-in
// and excusing no-shows. Every call is scoped to one clinic.
type Service struct {
	repo    Repository
	rules   RuleSource
	policy  Policy
	metrics *metrics.PipelineMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// NewService creates an appointment service.
func NewService(repo Repository, rules RuleSource, policy Policy, m *metrics.PipelineMetrics, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:    repo,
		rules:   rules,
		policy:  policy,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreateInput is a new booking.
type CreateInput struct {
	PatientName        string
	StartsAt           time.Time
	BillingCustomerRef string
}

// Create books a visit in the scheduled state.
func (s *Service) Create(ctx context.Context, clinicID string, in CreateInput) (Appointment, error) {
	name := strings.TrimSpace(in.PatientName)
	if name == "" || in.StartsAt.IsZero() {
		return Appointment{}, invalid("Missing patient_name or starts_at")
	}
	a := Appointment{
		ClinicID:    clinicID,
		PatientName: name,
		StartsAt:    in.StartsAt.UTC(),
	}
	if ref := strings.TrimSpace(in.BillingCustomerRef); ref != "" {
		a.BillingCustomerRef = stringPtr(ref)
	}
	if err := s.repo.Create(ctx, &a); err != nil {
		return Appointment{}, err
	}
	return a, nil
}

// List returns the clinic's appointments.
func (s *Service) List(ctx context.Context, clinicID string) ([]Appointment, error) {
	return s.repo.List(ctx, clinicID, 0)
}

// SetStatus applies a manual status change.
func (s *Service) SetStatus(ctx context.Context, clinicID, id string, next Status) (Appointment, error) {
	return s.change(ctx, "set_status", clinicID, id, func(current Appointment, now time.Time) (Patch, error) {
		var rule clinic.BillingRule
		if NeedsBillingRule(current, next) {
			var err error
			rule, err = s.rules.BillingRule(ctx, clinicID)
			if err != nil {
				return Patch{}, fmt.Errorf("appointments: billing rule: %w", err)
			}
		}
		return Transition(current, Request{Next: next}, now, rule, s.policy)
	})
}

// CheckIn records the patient's arrival.
func (s *Service) CheckIn(ctx context.Context, clinicID, id string) (Appointment, error) {
	return s.change(ctx, "check_in", clinicID, id, func(current Appointment, now time.Time) (Patch, error) {
		return Transition(current, Request{Next: StatusCheckedIn}, now, clinic.BillingRule{}, s.policy)
	})
}

// Excuse waives a no-show's fee.
func (s *Service) Excuse(ctx context.Context, clinicID, id, reason string) (Appointment, error) {
	return s.change(ctx, "excuse", clinicID, id, func(current Appointment, now time.Time) (Patch, error) {
		return Excuse(current, reason)
	})
}

func (s *Service) change(ctx context.Context, action, clinicID, id string, decide func(Appointment, time.Time) (Patch, error)) (Appointment, error) {
	current, err := s.repo.Get(ctx, clinicID, id)
	if err != nil {
		return Appointment{}, err
	}

	now := s.now()
	patch, err := decide(current, now)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			s.metrics.ObserveRejection(action)
		}
		return Appointment{}, err
	}
	if patch.Unchanged {
		return current, nil
	}

	updated, err := s.repo.ApplyPatch(ctx, clinicID, id, patch, now)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Warn("appointment changed concurrently", "clinic_id", clinicID, "appointment_id", id, "action", action)
		}
		return Appointment{}, err
	}
	s.logger.Info("appointment updated", "clinic_id", clinicID, "appointment_id", id,
		"action", action, "from", current.Status, "to", updated.Status, "fee_pending", updated.FeePending)
	return updated, nil
}
