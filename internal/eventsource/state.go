// Package eventsource is a client for a Centrifugo-style JSON pub/sub endpoint that
// relays donation alerts. It authenticates a single duplex connection, subscribes to
// channels and surfaces inbound traffic as a stream of typed signals. It never
// reconnects on its own; Supervisor layers that policy on top.
package eventsource

import (
	"errors"
	"fmt"
)

// State is the session state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateSubscribed
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrConnection covers dial failures, rejected authentication and lost transports.
	// Recover by calling Connect again.
	ErrConnection = errors.New("eventsource connection error")

	// ErrInvalidState is returned when an operation is not allowed in the current state.
	// The state is left unchanged.
	ErrInvalidState = errors.New("eventsource invalid state")
)

// RemoteError is an error object sent by the server.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// SubscriptionError reports a rejected subscription. The connection and other
// channels are unaffected.
type SubscriptionError struct {
	Channel string
	Code    int
	Reason  string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s rejected (%d): %s", e.Channel, e.Code, e.Reason)
}
