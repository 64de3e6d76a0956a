package billing

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/noshow-platform/internal/appointments"
)

// FakeMode selects how the fake gateway decides outcomes.
type FakeMode string

const (
	// FakeSuccess charges everything.
	FakeSuccess FakeMode = "success"
	// FakeHex fails ids whose last hex digit is below 4, so outcomes are
	// reproducible across runs.
	FakeHex FakeMode = "hex"
	// FakeRandom fails with the configured probability.
	FakeRandom FakeMode = "random"
)

// ParseFakeMode validates a configured fake mode. Empty means hex.
func ParseFakeMode(raw string) (FakeMode, error) {
	switch mode := FakeMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return FakeHex, nil
	case FakeSuccess, FakeHex, FakeRandom:
		return mode, nil
	default:
		return "", fmt.Errorf("billing: unknown fake charge mode %q", raw)
	}
}

// FakeGateway simulates charges without talking to a payment provider.
type FakeGateway struct {
	mode FakeMode
	rate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewFakeGateway creates a fake gateway. A nil source seeds from the clock.
func NewFakeGateway(mode FakeMode, failureRate float64, src rand.Source) *FakeGateway {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if failureRate < 0 {
		failureRate = 0
	}
	if failureRate > 1 {
		failureRate = 1
	}
	return &FakeGateway{mode: mode, rate: failureRate, rnd: rand.New(src)}
}

// Attempt implements Gateway.
func (g *FakeGateway) Attempt(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	if g.fails(req.AppointmentID) {
		return ChargeResult{FailureCode: appointments.FeeErrSimulatedFailure}, nil
	}
	return ChargeResult{Charged: true, ProviderRef: "fake_" + req.IdempotencyKey}, nil
}

func (g *FakeGateway) fails(appointmentID string) bool {
	switch g.mode {
	case FakeHex:
		return lowHexSuffix(appointmentID)
	case FakeRandom:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.rnd.Float64() < g.rate
	default:
		return false
	}
}

func lowHexSuffix(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	digit, err := strconv.ParseUint(id[len(id)-1:], 16, 8)
	if err != nil {
		return false
	}
	return digit < 4
}
