package session

import "fmt"

// State is a step of the per-connection state machine.
type State int

const (
	Accepted State = iota
	SNIPeeked
	PolicyResolved
	PassThrough
	Intercepting
	OutboundConnected
	Relaying
	Closed
	Aborted
)

var stateNames = [...]string{
	Accepted:          "Accepted",
	SNIPeeked:         "SniPeeked",
	PolicyResolved:    "PolicyResolved",
	PassThrough:       "PassThrough",
	Intercepting:      "Intercepting",
	OutboundConnected: "OutboundConnected",
	Relaying:          "Relaying",
	Closed:            "Closed",
	Aborted:           "Aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Closed || s == Aborted }

// transitions lists the legal forward moves. Aborted is reachable from every
// non-terminal state and is not listed.
var transitions = map[State][]State{
	Accepted:          {SNIPeeked},
	SNIPeeked:         {PolicyResolved},
	PolicyResolved:    {PassThrough, Intercepting},
	PassThrough:       {OutboundConnected},
	Intercepting:      {OutboundConnected},
	OutboundConnected: {Relaying},
	Relaying:          {Closed},
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func canAdvance(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Aborted {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason explains an Aborted session.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonParseError       Reason = "ParseError"
	ReasonIssuanceError    Reason = "IssuanceError"
	ReasonInboundTLSError  Reason = "InboundTlsError"
	ReasonOutboundTLSError Reason = "OutboundTlsError"
	ReasonResolutionError  Reason = "ResolutionError"
	ReasonRelayError       Reason = "RelayError"
)

// InboundTLSError wraps a failed handshake with the client.
type InboundTLSError struct {
	Err error
}

func (e *InboundTLSError) Error() string { return "inbound tls: " + e.Err.Error() }

func (e *InboundTLSError) Unwrap() error { return e.Err }

// OutboundTLSError wraps a failed connect or handshake with the origin.
type OutboundTLSError struct {
	Err error
}

func (e *OutboundTLSError) Error() string { return "outbound tls: " + e.Err.Error() }

func (e *OutboundTLSError) Unwrap() error { return e.Err }
