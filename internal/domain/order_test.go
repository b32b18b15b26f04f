package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{StatusCreated, StatusSubmitted, true},
		{StatusSubmitted, StatusAcknowledged, true},
		{StatusSubmitted, StatusRejected, true},
		{StatusAcknowledged, StatusPartiallyFilled, true},
		{StatusAcknowledged, StatusFilled, true},
		{StatusAcknowledged, StatusCanceled, true},
		{StatusPartiallyFilled, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusPartiallyFilled, StatusCanceled, true},
		{StatusSubmitted, StatusFilled, false},
		{StatusAcknowledged, StatusRejected, false},
		{StatusFilled, StatusCanceled, false},
		{StatusCanceled, StatusFilled, false},
		{StatusRejected, StatusSubmitted, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	assert.True(t, StatusFilled.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusPartiallyFilled.Terminal())
	assert.False(t, StatusCreated.Terminal())
}

func TestOpportunity_LegsByKind(t *testing.T) {
	buy := Opportunity{ID: "a", Kind: KindBundleArbBuy, Size: 10,
		Bundle: &BundlePayload{YesPrice: 0.45, NoPrice: 0.52}}
	legs, err := buy.Legs()
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, SideBuy, legs[0].Side)
	assert.Equal(t, OutcomeNo, legs[1].Outcome)
	assert.InDelta(t, 9.7, buy.Notional(), 1e-9)

	mm := Opportunity{ID: "b", Kind: KindMarketMaking, Size: 20,
		Quote: &QuotePayload{Outcome: OutcomeYes, BidPrice: 0.41, AskPrice: 0.49}}
	legs, err = mm.Legs()
	require.NoError(t, err)
	assert.Equal(t, SideBuy, legs[0].Side)
	assert.Equal(t, SideSell, legs[1].Side)
	assert.Equal(t, OutcomeYes, legs[1].Outcome)
}

func TestOpportunity_LegsMissingPayload(t *testing.T) {
	_, err := Opportunity{ID: "x", Kind: KindBundleArbSell}.Legs()
	assert.Error(t, err)
	_, err = Opportunity{ID: "y"}.Legs()
	assert.Error(t, err)
	assert.Equal(t, 0.0, Opportunity{ID: "y"}.Notional())
}

func TestRiskRejectedError_KillSwitchUnwraps(t *testing.T) {
	err := error(&RiskRejectedError{Limit: LimitKillSwitch, MarketID: "m"})
	assert.True(t, errors.Is(err, ErrKillSwitchTripped))

	capErr := error(&RiskRejectedError{Limit: LimitGlobalCap, MarketID: "m"})
	assert.False(t, errors.Is(capErr, ErrKillSwitchTripped))
}

func TestIsTransient(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), &TransientExecutionError{Op: "submit", Err: errors.New("timeout")})
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsTransient(&PermanentExecutionError{Op: "submit", Err: errors.New("bad price")}))
}
