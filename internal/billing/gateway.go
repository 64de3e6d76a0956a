// Package billing moves pending no-show fees through the charge pipeline: queue
// eligible fees under a lock, attempt each charge once per run, and give
// operators a way to reset stuck or exhausted fees.
package billing

import (
	"context"
	"fmt"
)

// ChargeRequest is one fee charge attempt sent to a payment gateway.
type ChargeRequest struct {
	ClinicID       string
	AppointmentID  string
	AmountCents    int64
	Currency       string
	CustomerRef    string
	Attempt        int
	IdempotencyKey string
}

// ChargeResult is the gateway's answer. A declined charge is a result with a
// FailureCode, not an error; errors mean the outcome is unknown.
type ChargeResult struct {
	Charged     bool
	FailureCode string
	ProviderRef string
}

// Gateway charges a no-show fee.
type Gateway interface {
	Attempt(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// IdempotencyKey is stable per appointment and attempt so a replayed attempt
// never charges twice.
func IdempotencyKey(appointmentID string, attempt int) string {
	return fmt.Sprintf("noshow-fee-%s-%d", appointmentID, attempt)
}
