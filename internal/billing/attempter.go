package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/noshow-platform/internal/appointments"
	"github.com/wolfman30/noshow-platform/internal/clinic"
	"github.com/wolfman30/noshow-platform/internal/observability/metrics"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

var billingTracer = otel.Tracer("noshow/billing")

const (
	// DefaultMaxAttempts caps charge attempts per fee. The attempt that reaches the
	// cap is still charged; if it fails, the fee is parked with MAX_ATTEMPTS_REACHED.
	DefaultMaxAttempts = 3

	failureGatewayError = "GATEWAY_ERROR"
	failureUnknown      = "CHARGE_FAILED"
)

// AttemptStore is the store surface of the charge attempter.
type AttemptStore interface {
	ListLockedFees(ctx context.Context, clinicID string, limit int) ([]appointments.Appointment, error)
	ClaimAttempt(ctx context.Context, clinicID, id string, lockedAt, now time.Time) (appointments.Claim, error)
	CompleteAttempt(ctx context.Context, clinicID, id string, c appointments.Claim, out appointments.ChargeOutcome, now time.Time) error
	ReleaseLock(ctx context.Context, clinicID, id string, lockedAt, now time.Time) error
}

// AttemptResult is the JSON summary of an attempter run.
type AttemptResult struct {
	ProcessedCount int      `json:"processedCount"`
	SuccessCount   int      `json:"successCount"`
	FailedCount    int      `json:"failedCount"`
	SkippedCount   int      `json:"skippedCount"`
	ChargedIDs     []string `json:"-"`
	FailedIDs      []string `json:"-"`
}

// AttempterOptions tunes the attempter.
type AttempterOptions struct {
	MaxAttempts int
	BatchSize   int
}

// ChargeAttempter charges locked fees one row at a time. Each row is claimed
// with a compare-and-swap on its lock before the gateway is called, so two
// overlapping runs never charge the same fee.
type ChargeAttempter struct {
	clinics     Clinics
	store       AttemptStore
	gateway     Gateway
	maxAttempts int
	batchSize   int
	metrics     *metrics.PipelineMetrics
	logger      *logging.Logger
	now         func() time.Time
}

// NewChargeAttempter creates an attempter.
func NewChargeAttempter(clinics Clinics, store AttemptStore, gateway Gateway, opts AttempterOptions, m *metrics.PipelineMetrics, logger *logging.Logger) *ChargeAttempter {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ChargeAttempter{
		clinics:     clinics,
		store:       store,
		gateway:     gateway,
		maxAttempts: opts.MaxAttempts,
		batchSize:   opts.BatchSize,
		metrics:     m,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (a *ChargeAttempter) WithClock(now func() time.Time) *ChargeAttempter {
	if now != nil {
		a.now = now
	}
	return a
}

// Run attempts every locked fee once, up to the batch size. Charge failures are
// recorded on the row; only a failure to list clinics is returned.
func (a *ChargeAttempter) Run(ctx context.Context) (AttemptResult, error) {
	var result AttemptResult

	clinicIDs, err := a.clinics.ListClinicIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("billing: list clinics: %w", err)
	}

	remaining := a.batchSize
	for _, clinicID := range clinicIDs {
		if remaining <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rows, err := a.store.ListLockedFees(ctx, clinicID, remaining)
		if err != nil {
			a.logger.Error("listing locked fees failed", "clinic_id", clinicID, "error", err)
			continue
		}
		if len(rows) == 0 {
			continue
		}
		remaining -= len(rows)

		rule, err := a.clinics.BillingRule(ctx, clinicID)
		if err != nil {
			a.logger.Error("reading billing rule failed", "clinic_id", clinicID, "error", err)
			continue
		}
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			a.attempt(ctx, row, rule, &result)
		}
	}
	return result, nil
}

func (a *ChargeAttempter) attempt(ctx context.Context, row appointments.Appointment, rule clinic.BillingRule, result *AttemptResult) {
	log := a.logger.With("clinic_id", row.ClinicID, "appointment_id", row.ID)
	if row.FeeProcessingAt == nil {
		return
	}
	lockedAt := *row.FeeProcessingAt

	if !rule.Eligible() {
		err := a.store.ReleaseLock(ctx, row.ClinicID, row.ID, lockedAt, a.stamp())
		if err != nil && !errors.Is(err, appointments.ErrConflict) {
			log.Error("releasing lock of ineligible fee failed", "error", err)
		}
		result.SkippedCount++
		a.metrics.ObserveCharge("skipped")
		return
	}

	claim, err := a.store.ClaimAttempt(ctx, row.ClinicID, row.ID, lockedAt, a.stamp())
	if err != nil {
		if !errors.Is(err, appointments.ErrConflict) {
			log.Error("claiming charge attempt failed", "error", err)
		}
		result.SkippedCount++
		a.metrics.ObserveCharge("skipped")
		return
	}

	ctx, span := billingTracer.Start(ctx, "billing.charge_attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("noshow.clinic_id", row.ClinicID),
		attribute.String("noshow.appointment_id", row.ID),
		attribute.Int("noshow.attempt", claim.Attempt),
	)

	res, err := a.gateway.Attempt(ctx, ChargeRequest{
		ClinicID:       row.ClinicID,
		AppointmentID:  row.ID,
		AmountCents:    rule.FeeCents,
		Currency:       rule.CurrencyCode(),
		CustomerRef:    derefString(row.BillingCustomerRef),
		Attempt:        claim.Attempt,
		IdempotencyKey: IdempotencyKey(row.ID, claim.Attempt),
	})
	outcome := appointments.ChargeOutcome{Charged: res.Charged}
	if err != nil {
		log.Error("charge gateway error", "attempt", claim.Attempt, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway error")
		outcome = appointments.ChargeOutcome{Error: failureGatewayError}
	} else if !res.Charged {
		outcome.Error = res.FailureCode
		if outcome.Error == "" {
			outcome.Error = failureUnknown
		}
	}
	maxed := !outcome.Charged && claim.Attempt >= a.maxAttempts
	if maxed {
		log.Warn("no-show fee reached max attempts", "attempt", claim.Attempt, "last_failure", outcome.Error)
		outcome.Error = appointments.FeeErrMaxAttempts
	}

	err = a.store.CompleteAttempt(ctx, row.ClinicID, row.ID, claim, outcome, a.stamp())
	switch {
	case errors.Is(err, appointments.ErrConflict):
		// Excused, retried or swept while the gateway call was in flight.
		if outcome.Charged {
			log.Error("charge succeeded but fee was changed meanwhile, outcome discarded",
				"provider_ref", res.ProviderRef)
		} else {
			log.Warn("charge outcome discarded, fee changed meanwhile")
		}
		result.SkippedCount++
		a.metrics.ObserveCharge("skipped")
		return
	case err != nil:
		log.Error("recording charge outcome failed", "error", err)
		result.SkippedCount++
		a.metrics.ObserveCharge("skipped")
		return
	}

	result.ProcessedCount++
	span.SetAttributes(attribute.Bool("noshow.charged", outcome.Charged))
	switch {
	case outcome.Charged:
		result.SuccessCount++
		result.ChargedIDs = append(result.ChargedIDs, row.ID)
		a.metrics.ObserveCharge("charged")
		log.Info("no-show fee charged", "attempt", claim.Attempt, "provider_ref", res.ProviderRef)
	case maxed:
		result.FailedCount++
		result.FailedIDs = append(result.FailedIDs, row.ID)
		a.metrics.ObserveCharge("max_attempts")
	default:
		result.FailedCount++
		result.FailedIDs = append(result.FailedIDs, row.ID)
		a.metrics.ObserveCharge("failed")
		log.Info("no-show fee charge failed", "attempt", claim.Attempt, "code", outcome.Error)
	}
}

func (a *ChargeAttempter) stamp() time.Time {
	return a.now().UTC().Truncate(time.Microsecond)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
