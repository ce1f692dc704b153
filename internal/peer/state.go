package peer

import "errors"

var (
	ErrInvalidTransition = errors.New("invalid peer session transition")
	ErrSuperseded        = errors.New("peer session superseded")
	ErrClosed            = errors.New("peer session closed")
)

// State is the negotiation progress of one PeerSession.
type State int

const (
	StateNew State = iota
	StateOffering
	StateAwaitingAnswer
	StateConnected
	StateDisconnected
	StateFailed
	StateReconnecting
	StateClosed
)

var stateNames = map[State]string{
	StateNew:            "new",
	StateOffering:       "offering",
	StateAwaitingAnswer: "awaiting_answer",
	StateConnected:      "connected",
	StateDisconnected:   "disconnected",
	StateFailed:         "failed",
	StateReconnecting:   "reconnecting",
	StateClosed:         "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// transitions lists the legal next states. An answering session goes from
// New straight to Connected once it has applied the offer.
var transitions = map[State][]State{
	StateNew:            {StateOffering, StateConnected, StateFailed, StateClosed},
	StateOffering:       {StateAwaitingAnswer, StateFailed, StateClosed},
	StateAwaitingAnswer: {StateConnected, StateFailed, StateClosed},
	StateConnected:      {StateDisconnected, StateFailed, StateClosed},
	StateDisconnected:   {StateReconnecting, StateConnected, StateFailed, StateClosed},
	StateReconnecting:   {StateConnected, StateFailed, StateClosed},
	StateFailed:         {StateClosed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
