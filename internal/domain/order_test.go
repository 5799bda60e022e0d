package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusRouting, true},
		{OrderStatusRouting, OrderStatusBuilding, true},
		{OrderStatusBuilding, OrderStatusSubmitted, true},
		{OrderStatusSubmitted, OrderStatusConfirmed, true},
		{OrderStatusPending, OrderStatusBuilding, false},
		{OrderStatusRouting, OrderStatusConfirmed, false},
		{OrderStatusSubmitted, OrderStatusRouting, true}, // retry restart
		{OrderStatusBuilding, OrderStatusFailed, true},
		{OrderStatusPending, OrderStatusFailed, true},
		{OrderStatusConfirmed, OrderStatusRouting, false},
		{OrderStatusFailed, OrderStatusRouting, false},
		{OrderStatusRouting, OrderStatusPending, false},
		{OrderStatusRouting, OrderStatus("bogus"), false},
	}
	for _, tt := range tests {
		got := tt.from.CanTransition(tt.to)
		require.Equalf(t, tt.want, got, "%s -> %s", tt.from, tt.to)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	require.True(t, OrderStatusConfirmed.IsTerminal())
	require.True(t, OrderStatusFailed.IsTerminal())
	require.False(t, OrderStatusSubmitted.IsTerminal())
	require.False(t, OrderStatusPending.IsTerminal())
}

func TestValidationError(t *testing.T) {
	var v ValidationError
	require.NoError(t, v.OrNil())

	v.Add("inputToken", "must not be empty")
	v.Add("amount", "must be greater than 0")
	err := v.OrNil()
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	require.Len(t, ve.Details, 2)
	require.Contains(t, err.Error(), "inputToken")
	require.Contains(t, err.Error(), "amount")
}

func TestPairKey(t *testing.T) {
	o := Order{InputToken: "SOL", OutputToken: "USDC"}
	require.Equal(t, "SOL/USDC", o.Pair())
}
