package tradeoffer

import "strconv"

// State is the lifecycle state of a trade offer as reported by the remote.
// The numeric values are the wire values of the offers API.
type State int

const (
	StateInvalid State = iota + 1
	StateActive
	StateAccepted
	StateCountered
	StateExpired
	StateCanceled
	StateDeclined
	StateInvalidItems
	StateCreatedNeedsConfirmation
	StateCanceledBySecondFactor
	StateInEscrow
	StateEscrowRollback
)

// Terminal reports whether an offer in s no longer needs cutoff coverage.
// Active offers are returned by every active-only fetch regardless of the
// cutoff, so for delta-poll bookkeeping they count as terminal; accepted
// offers can still roll into or out of escrow, and unconfirmed offers can
// still be confirmed, so those three states are the non-terminal set.
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateCreatedNeedsConfirmation, StateInEscrow:
		return false
	}
	return true
}

var stateNames = map[State]string{
	StateInvalid:                  "Invalid",
	StateActive:                   "Active",
	StateAccepted:                 "Accepted",
	StateCountered:                "Countered",
	StateExpired:                  "Expired",
	StateCanceled:                 "Canceled",
	StateDeclined:                 "Declined",
	StateInvalidItems:             "InvalidItems",
	StateCreatedNeedsConfirmation: "CreatedNeedsConfirmation",
	StateCanceledBySecondFactor:   "CanceledBySecondFactor",
	StateInEscrow:                 "InEscrow",
	StateEscrowRollback:           "EscrowRollback",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown(" + strconv.Itoa(int(s)) + ")"
}

// ConfirmationMethod is the second-factor channel an offer is waiting on.
type ConfirmationMethod int

const (
	ConfirmationNone ConfirmationMethod = iota
	ConfirmationEmail
	ConfirmationMobile
)

func (m ConfirmationMethod) String() string {
	switch m {
	case ConfirmationNone:
		return "None"
	case ConfirmationEmail:
		return "Email"
	case ConfirmationMobile:
		return "Mobile"
	}
	return "Unknown(" + strconv.Itoa(int(m)) + ")"
}
