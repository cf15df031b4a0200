package transport

import "errors"

// ErrSendFailed is returned when the transport could not get the event
// onto the wire (no ack from the channel). Callers treat it as
// retriable.
var ErrSendFailed = errors.New("transport send failed")

// Handler is a function that processes incoming events.
type Handler func(ev Event)

// Transport is the delivery channel collaborator: at-least-once,
// possibly duplicating, possibly out of order, addressed by peer id.
// A nil-error Send means the channel acknowledged the write, not that
// the peer received anything.
type Transport interface {
	// Send delivers an event to the given peer.
	Send(peerID string, ev Event) error

	// Subscribe registers the handler invoked for each inbound event.
	// Events for one subscriber are delivered sequentially.
	Subscribe(handler Handler)

	// Close shuts down the transport.
	Close() error
}
