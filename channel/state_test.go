package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionLegalMoves(t *testing.T) {
	next, ok := Transition(Opening, AwaitingLockin)
	require.True(t, ok)
	require.Equal(t, AwaitingLockin, next)

	next, ok = Transition(AwaitingLockin, Normal)
	require.True(t, ok)
	require.Equal(t, Normal, next)

	next, ok = Transition(AwaitingLockin, ShuttingDown)
	require.True(t, ok)
	require.Equal(t, ShuttingDown, next)

	next, ok = Transition(ShuttingDown, ClosingSigexchange)
	require.True(t, ok)
	require.Equal(t, ClosingSigexchange, next)

	next, ok = Transition(ClosingSigexchange, ClosingComplete)
	require.True(t, ok)
	require.Equal(t, ClosingComplete, next)

	next, ok = Transition(AwaitingUnilateral, FundingSpendSeen)
	require.True(t, ok)
	require.Equal(t, FundingSpendSeen, next)

	next, ok = Transition(FundingSpendSeen, Onchain)
	require.True(t, ok)
	require.Equal(t, Onchain, next)
}

func TestTransitionIllegalMoveLeavesStateUnchanged(t *testing.T) {
	next, ok := Transition(Opening, Normal)
	require.False(t, ok)
	require.Equal(t, Opening, next)

	next, ok = Transition(Normal, Onchain)
	require.False(t, ok)
	require.Equal(t, Normal, next)
}

func TestTransitionPermanentFailureFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []State{Opening, AwaitingLockin, Normal, ShuttingDown, ClosingSigexchange, AwaitingUnilateral} {
		next, ok := Transition(from, AwaitingUnilateral)
		require.True(t, ok, from.String())
		require.Equal(t, AwaitingUnilateral, next, from.String())
	}
}

func TestTransitionPermanentFailureRejectedFromTerminalStates(t *testing.T) {
	for _, from := range []State{Onchain, FundingSpendSeen, ClosingComplete} {
		_, ok := Transition(from, AwaitingUnilateral)
		require.False(t, ok, from.String())
	}
}

func TestIsTerminal(t *testing.T) {
	require.True(t, IsTerminal(Onchain))
	require.True(t, IsTerminal(FundingSpendSeen))
	require.True(t, IsTerminal(ClosingComplete))
	require.False(t, IsTerminal(Normal))
	require.False(t, IsTerminal(Opening))
}

func TestCloseEligible(t *testing.T) {
	require.True(t, CloseEligible(Normal))
	require.True(t, CloseEligible(AwaitingLockin))
	require.True(t, CloseEligible(ShuttingDown))
	require.True(t, CloseEligible(ClosingSigexchange))
	require.False(t, CloseEligible(Opening))
	require.False(t, CloseEligible(Onchain))
}

func TestFeeEligible(t *testing.T) {
	require.True(t, FeeEligible(Normal))
	require.True(t, FeeEligible(AwaitingLockin))
	require.False(t, FeeEligible(ShuttingDown))
	require.False(t, FeeEligible(Onchain))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "CHANNELD_NORMAL", Normal.String())
	require.Equal(t, "AWAITING_UNILATERAL", AwaitingUnilateral.String())
	require.Equal(t, "UNKNOWN", State(255).String())
}
