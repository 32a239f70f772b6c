package channel

// State is the lifecycle state of a channel, per the legal-transition table
// the core enforces.
type State uint8

const (
	// Opening is the state a channel occupies while the opening worker
	// negotiates funding with the counterparty.
	Opening State = iota

	// AwaitingLockin is entered once the opening worker succeeds; the
	// channel is durable but hasn't reached minimum_depth yet.
	AwaitingLockin

	// Normal is the steady operating state: the channel worker owns the
	// peer transport and can forward/accept HTLCs.
	Normal

	// ShuttingDown is entered on a close command or depth-confirmed
	// shutdown handshake; the channel worker exchanges shutdown messages
	// before the closing worker takes over in ClosingSigexchange.
	ShuttingDown

	// ClosingSigexchange is entered once shutdown messages have been
	// exchanged and the closing worker is negotiating fee/signatures.
	ClosingSigexchange

	// ClosingComplete is entered once a mutual close transaction has been
	// signed and broadcast.
	ClosingComplete

	// AwaitingUnilateral is entered on any permanent failure; the core
	// has dropped to chain (or deferred broadcast pending a future
	// commitment point) and is waiting for the funding spend to appear.
	AwaitingUnilateral

	// FundingSpendSeen is entered once the chain watcher reports a spend
	// of the funding outpoint.
	FundingSpendSeen

	// Onchain is the terminal state: the on-chain resolver has taken over
	// all outputs of the closing transaction.
	Onchain
)

// String renders a state the way billboard/RPC surfaces want it: an upper
// snake-case name, matching the table in spec §4.4.
func (s State) String() string {
	switch s {
	case Opening:
		return "OPENING"
	case AwaitingLockin:
		return "AWAITING_LOCKIN"
	case Normal:
		return "CHANNELD_NORMAL"
	case ShuttingDown:
		return "CHANNELD_SHUTTING_DOWN"
	case ClosingSigexchange:
		return "CLOSINGD_SIGEXCHANGE"
	case ClosingComplete:
		return "CLOSINGD_COMPLETE"
	case AwaitingUnilateral:
		return "AWAITING_UNILATERAL"
	case FundingSpendSeen:
		return "FUNDING_SPEND_SEEN"
	case Onchain:
		return "ONCHAIN"
	default:
		return "UNKNOWN"
	}
}

// terminal holds the three states from which no reconnect/resume path
// exists; a peer_connected arriving for a channel in one of these states is
// an impossible invariant (spec §4.4).
var terminal = map[State]bool{
	Onchain:         true,
	FundingSpendSeen: true,
	ClosingComplete: true,
}

// IsTerminal reports whether s is one of the states a reconnect can never
// legally observe.
func IsTerminal(s State) bool {
	return terminal[s]
}

// closeEligible are the states from which a `close` RPC command is
// accepted (spec §4.9).
var closeEligible = map[State]bool{
	Normal:             true,
	AwaitingLockin:     true,
	ShuttingDown:       true,
	ClosingSigexchange: true,
}

// CloseEligible reports whether a `close` command may be issued against a
// channel currently in state s.
func CloseEligible(s State) bool {
	return closeEligible[s]
}

// feeEligible are the states from which `setchannelfee` may target a
// channel (spec §4.9).
var feeEligible = map[State]bool{
	Normal:         true,
	AwaitingLockin: true,
}

// FeeEligible reports whether setchannelfee may target a channel currently
// in state s.
func FeeEligible(s State) bool {
	return feeEligible[s]
}

// FailureKind classifies why a worker stopped driving a channel, per the
// error handling design (spec §7).
type FailureKind uint8

const (
	// Transient failures leave the channel record untouched; the
	// scheduler reconnects and resumes the same state.
	Transient FailureKind = iota

	// Permanent failures force the channel to chain via drop_to_chain.
	Permanent
)

// Transition applies a legal transition, returning the next state and true,
// or from and false if the move isn't allowed from the channel's current
// state. Illegal transitions are a programming error in the caller, not a
// user error.
func Transition(from, event State) (State, bool) {
	switch from {
	case Opening:
		if event == AwaitingLockin {
			return AwaitingLockin, true
		}
	case AwaitingLockin:
		switch event {
		case Normal, ShuttingDown:
			return event, true
		}
	case Normal:
		if event == ShuttingDown {
			return ShuttingDown, true
		}
	case ShuttingDown:
		if event == ClosingSigexchange {
			return ClosingSigexchange, true
		}
	case ClosingSigexchange:
		if event == ClosingComplete {
			return ClosingComplete, true
		}
	case AwaitingUnilateral:
		if event == FundingSpendSeen {
			return FundingSpendSeen, true
		}
	case FundingSpendSeen:
		if event == Onchain {
			return Onchain, true
		}
	}

	// Any state may be forced into AwaitingUnilateral by a permanent
	// failure (spec §4.4's "* -> permanent failure -> AWAITING_UNILATERAL").
	if event == AwaitingUnilateral && !IsTerminal(from) {
		return AwaitingUnilateral, true
	}

	return from, false
}
