package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/noshow-platform/internal/appointments"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// StripeGateway charges fees as confirmed off-session PaymentIntents against the
// customer's default payment method.
type StripeGateway struct {
	intents   *paymentintent.Client
	customers *customer.Client
	logger    *logging.Logger
}

// NewStripeGateway creates a Stripe gateway. A nil backend uses the live API.
func NewStripeGateway(secretKey string, backend stripe.Backend, logger *logging.Logger) *StripeGateway {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeGateway{
		intents:   &paymentintent.Client{B: backend, Key: secretKey},
		customers: &customer.Client{B: backend, Key: secretKey},
		logger:    logger,
	}
}

// Attempt implements Gateway.
func (g *StripeGateway) Attempt(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	ctx, span := billingTracer.Start(ctx, "stripe.charge_fee", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("noshow.clinic_id", req.ClinicID),
		attribute.String("noshow.appointment_id", req.AppointmentID),
		attribute.Int("noshow.amount_cents", int(req.AmountCents)),
	)

	customerRef := strings.TrimSpace(req.CustomerRef)
	if customerRef == "" {
		return ChargeResult{FailureCode: appointments.FeeErrNoPaymentMethod}, nil
	}

	cp := &stripe.CustomerParams{}
	cp.Context = ctx
	cp.AddExpand("invoice_settings.default_payment_method")
	cust, err := g.customers.Get(customerRef, cp)
	if err != nil {
		if code, ok := declined(err); ok {
			return ChargeResult{FailureCode: code}, nil
		}
		return ChargeResult{}, fmt.Errorf("billing: stripe customer lookup: %w", err)
	}
	paymentMethod := defaultPaymentMethod(cust)
	if paymentMethod == "" {
		return ChargeResult{FailureCode: appointments.FeeErrNoPaymentMethod}, nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(customerRef),
		PaymentMethod: stripe.String(paymentMethod),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String("No-show fee"),
		Metadata: map[string]string{
			"clinic_id":      req.ClinicID,
			"appointment_id": req.AppointmentID,
			"attempt":        strconv.Itoa(req.Attempt),
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)

	intent, err := g.intents.New(params)
	if err != nil {
		if code, ok := declined(err); ok {
			g.logger.Info("stripe declined no-show fee", "clinic_id", req.ClinicID,
				"appointment_id", req.AppointmentID, "code", code)
			return ChargeResult{FailureCode: code}, nil
		}
		return ChargeResult{}, fmt.Errorf("billing: stripe create payment intent: %w", err)
	}
	if intent.Status == stripe.PaymentIntentStatusSucceeded {
		return ChargeResult{Charged: true, ProviderRef: intent.ID}, nil
	}
	return ChargeResult{
		FailureCode: "PAYMENT_" + strings.ToUpper(string(intent.Status)),
		ProviderRef: intent.ID,
	}, nil
}

func defaultPaymentMethod(c *stripe.Customer) string {
	if c == nil || c.InvoiceSettings == nil || c.InvoiceSettings.DefaultPaymentMethod == nil {
		return ""
	}
	return c.InvoiceSettings.DefaultPaymentMethod.ID
}

// declined maps card and request errors to a failure code. Anything else
// (network, rate limit, API outage) is an unknown outcome.
func declined(err error) (string, bool) {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return "", false
	}
	switch se.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
	default:
		return "", false
	}
	code := string(se.DeclineCode)
	if code == "" {
		code = string(se.Code)
	}
	if code == "" {
		code = string(se.Type)
	}
	return strings.ToUpper(code), true
}
