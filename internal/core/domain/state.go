package domain

// State is a settlement lifecycle state.
type State string

const (
	StateInitiated      State = "INITIATED"
	StateFiatReceived   State = "FIAT_RECEIVED"
	StateFiatConfirmed  State = "FIAT_CONFIRMED"
	StateTokenMinted    State = "TOKEN_MINTED"
	StateTokenDelivered State = "TOKEN_DELIVERED"
	StateTokenLocked    State = "TOKEN_LOCKED"
	StateTokenBurned    State = "TOKEN_BURNED"
	StateFiatRequested  State = "FIAT_REQUESTED"
	StateFiatSent       State = "FIAT_SENT"
	StateSettled        State = "SETTLED"
	StateConfirmed      State = "CONFIRMED"
	StateFailed         State = "FAILED"
	StateReversed       State = "REVERSED"
)

// AllStates lists every state in declaration order.
var AllStates = []State{
	StateInitiated,
	StateFiatReceived,
	StateFiatConfirmed,
	StateTokenMinted,
	StateTokenDelivered,
	StateTokenLocked,
	StateTokenBurned,
	StateFiatRequested,
	StateFiatSent,
	StateSettled,
	StateConfirmed,
	StateFailed,
	StateReversed,
}

// Next returns the states reachable from s in one transition.
// The switch is the single source of truth for the transition table.
func (s State) Next() []State {
	switch s {
	case StateInitiated:
		return []State{StateFiatReceived, StateTokenLocked, StateFailed}
	case StateFiatReceived:
		return []State{StateFiatConfirmed, StateFailed}
	case StateFiatConfirmed:
		return []State{StateTokenMinted, StateFailed}
	case StateTokenMinted:
		return []State{StateTokenDelivered, StateFailed}
	case StateTokenDelivered:
		return []State{StateSettled}
	case StateTokenLocked:
		return []State{StateTokenBurned, StateFailed}
	case StateTokenBurned:
		return []State{StateFiatRequested, StateFailed}
	case StateFiatRequested:
		return []State{StateFiatSent, StateFailed}
	case StateFiatSent:
		return []State{StateConfirmed}
	case StateFailed:
		return []State{StateReversed}
	case StateSettled, StateConfirmed, StateReversed:
		return nil
	}
	return nil
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateInitiated, StateFiatReceived, StateFiatConfirmed, StateTokenMinted,
		StateTokenDelivered, StateTokenLocked, StateTokenBurned, StateFiatRequested,
		StateFiatSent, StateSettled, StateConfirmed, StateFailed, StateReversed:
		return true
	}
	return false
}

// CanTransitionTo reports whether (s, next) is an edge of the transition table.
func (s State) CanTransitionTo(next State) bool {
	for _, candidate := range s.Next() {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s.IsValid() && len(s.Next()) == 0
}

// IsCompletion reports whether entering s completes the settlement successfully.
func (s State) IsCompletion() bool {
	return s == StateSettled || s == StateConfirmed
}

// IsCancellable reports whether a user may cancel from s.
func (s State) IsCancellable() bool {
	return s == StateInitiated || s == StateTokenLocked
}

// RailAction is the outbound step scheduled after entering an auto-trigger state.
type RailAction string

const (
	ActionConfirmDeposit RailAction = "confirm_deposit"
	ActionMintTokens     RailAction = "mint_tokens"
	ActionDeliverTokens  RailAction = "deliver_tokens"
	ActionSendPayout     RailAction = "send_payout"
)

// AutoAdvance reports whether entering s schedules a next-step job.
func (s State) AutoAdvance() bool {
	switch s {
	case StateFiatReceived, StateFiatConfirmed, StateTokenMinted, StateTokenBurned, StateFiatRequested:
		return true
	}
	return false
}

// AutoAction returns the rail call made for an auto-trigger state. TOKEN_BURNED
// advances internally to FIAT_REQUESTED and has none.
func (s State) AutoAction() (RailAction, bool) {
	switch s {
	case StateFiatReceived:
		return ActionConfirmDeposit, true
	case StateFiatConfirmed:
		return ActionMintTokens, true
	case StateTokenMinted:
		return ActionDeliverTokens, true
	case StateFiatRequested:
		return ActionSendPayout, true
	}
	return "", false
}
