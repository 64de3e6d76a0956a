package bootstrap

import (
	"fmt"
	"strings"

	"github.com/wolfman30/noshow-platform/internal/billing"
	appconfig "github.com/wolfman30/noshow-platform/internal/config"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// BuildGateway selects the charge gateway named by CHARGE_GATEWAY.
func BuildGateway(cfg *appconfig.Config, logger *logging.Logger) (billing.Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.ChargeGateway)) {
	case "", "fake":
		mode, err := billing.ParseFakeMode(cfg.FakeChargeMode)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		logger.Info("charge gateway: fake", "mode", mode, "failure_rate", cfg.FakeChargeFailureRate)
		return billing.NewFakeGateway(mode, cfg.FakeChargeFailureRate, nil), nil
	case "stripe":
		if strings.TrimSpace(cfg.StripeSecretKey) == "" {
			return nil, fmt.Errorf("bootstrap: CHARGE_GATEWAY=stripe requires STRIPE_SECRET_KEY")
		}
		logger.Info("charge gateway: stripe")
		return billing.NewStripeGateway(cfg.StripeSecretKey, nil, logger), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown CHARGE_GATEWAY %q", cfg.ChargeGateway)
	}
}
