package eventsource

import "github.com/tapcoin/wallet/internal/models"

// Signal is one item of a session's inbound stream. The concrete types are
// Authenticated, Subscribed, SubscriptionFailed, Credit, ProtocolError and Closed.
type Signal interface {
	signal()
}

type Authenticated struct {
	ClientID string
}

type Subscribed struct {
	Channel string
}

type SubscriptionFailed struct {
	Err *SubscriptionError
}

// Credit carries one donation payload from a channel publication.
type Credit struct {
	Event models.CreditEvent
}

// ProtocolError is an error frame not tied to a pending request.
type ProtocolError struct {
	Err *RemoteError
}

// Closed is always the last signal of a session. Err is nil after Disconnect.
type Closed struct {
	Err error
}

func (Authenticated) signal()      {}
func (Subscribed) signal()         {}
func (SubscriptionFailed) signal() {}
func (Credit) signal()             {}
func (ProtocolError) signal()      {}
func (Closed) signal()             {}
