package billing

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/noshow-platform/internal/appointments"
)

func TestParseFakeMode(t *testing.T) {
	tests := []struct {
		raw     string
		want    FakeMode
		wantErr bool
	}{
		{"", FakeHex, false},
		{"success", FakeSuccess, false},
		{" HEX ", FakeHex, false},
		{"Random", FakeRandom, false},
		{"sometimes", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFakeMode(tt.raw)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestFakeGatewayHexMode(t *testing.T) {
	gw := NewFakeGateway(FakeHex, 0, nil)
	tests := map[string]bool{
		"8f14e45f-ceea-467f-a0e6-000000000000": false,
		"8f14e45f-ceea-467f-a0e6-000000000003": false,
		"8f14e45f-ceea-467f-a0e6-000000000004": true,
		"8f14e45f-ceea-467f-a0e6-00000000000f": true,
		"appointment-z":                        true,
		"":                                     true,
	}
	for id, charged := range tests {
		res, err := gw.Attempt(context.Background(), ChargeRequest{AppointmentID: id, IdempotencyKey: IdempotencyKey(id, 1)})
		require.NoError(t, err)
		assert.Equal(t, charged, res.Charged, id)
		if !charged {
			assert.Equal(t, appointments.FeeErrSimulatedFailure, res.FailureCode, id)
		}
	}
}

func TestFakeGatewayRandomModeBounds(t *testing.T) {
	always := NewFakeGateway(FakeRandom, 1, rand.NewSource(7))
	never := NewFakeGateway(FakeRandom, 0, rand.NewSource(7))
	for i := 0; i < 50; i++ {
		res, err := always.Attempt(context.Background(), ChargeRequest{AppointmentID: "a1"})
		require.NoError(t, err)
		assert.False(t, res.Charged)

		res, err = never.Attempt(context.Background(), ChargeRequest{AppointmentID: "a1"})
		require.NoError(t, err)
		assert.True(t, res.Charged)
	}
}

func TestFakeGatewaySuccessMode(t *testing.T) {
	res, err := NewFakeGateway(FakeSuccess, 1, nil).Attempt(context.Background(), ChargeRequest{
		AppointmentID:  "00000000-0000-0000-0000-000000000000",
		IdempotencyKey: "noshow-fee-x-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, "fake_noshow-fee-x-1", res.ProviderRef)
}

func TestFakeGatewayHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFakeGateway(FakeSuccess, 0, nil).Attempt(ctx, ChargeRequest{AppointmentID: "a1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "noshow-fee-abc-2", IdempotencyKey("abc", 2))
}
