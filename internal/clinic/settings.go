// Package clinic provides per-clinic billing and detection settings.
package clinic

import (
	"errors"
	"strings"
	"time"
)

// ErrSettingsNotFound is returned when a clinic has no clinic_settings row.
var ErrSettingsNotFound = errors.New("clinic: settings not found")

// Settings mirrors one clinic_settings row. The core only reads it.
type Settings struct {
	ClinicID                string    `json:"clinic_id"`
	GraceMinutes            int       `json:"grace_minutes"`
	LateCancelWindowMinutes int       `json:"late_cancel_window_minutes"`
	AutoChargeEnabled       bool      `json:"auto_charge_enabled"`
	NoShowFeeCents          int64     `json:"no_show_fee_cents"`
	Currency                string    `json:"currency"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// DefaultSettings returns the values a newly onboarded clinic starts with.
func DefaultSettings(clinicID string) Settings {
	return Settings{
		ClinicID:                clinicID,
		GraceMinutes:            10,
		LateCancelWindowMinutes: 60,
		AutoChargeEnabled:       false,
		NoShowFeeCents:          0,
		Currency:                "EUR",
	}
}

// GracePeriod is the delay after a scheduled start before no-show detection applies.
// Negative values are treated as zero.
func (s Settings) GracePeriod() time.Duration {
	if s.GraceMinutes <= 0 {
		return 0
	}
	return time.Duration(s.GraceMinutes) * time.Minute
}

// LateCancelWindow returns the late-cancel window; zero means the clinic does not reclassify.
func (s Settings) LateCancelWindow() time.Duration {
	if s.LateCancelWindowMinutes <= 0 {
		return 0
	}
	return time.Duration(s.LateCancelWindowMinutes) * time.Minute
}

// Rule extracts the billing rule from the settings row.
func (s Settings) Rule() BillingRule {
	return BillingRule{
		AutoChargeEnabled: s.AutoChargeEnabled,
		FeeCents:          s.NoShowFeeCents,
		Currency:          s.Currency,
	}
}

// BillingRule decides whether no-shows of a clinic accrue a fee.
type BillingRule struct {
	AutoChargeEnabled bool
	FeeCents          int64
	Currency          string
}

// Eligible reports whether a no-show should be marked fee-pending.
func (r BillingRule) Eligible() bool {
	return r.AutoChargeEnabled && r.FeeCents > 0
}

// CurrencyCode returns the lower-case ISO currency, defaulting to eur.
func (r BillingRule) CurrencyCode() string {
	c := strings.ToLower(strings.TrimSpace(r.Currency))
	if c == "" {
		return "eur"
	}
	return c
}
