// Package delivery tracks each outbound and inbound message through
// queued, sent, acknowledged, delivered and read, with bounded
// retries, duplicate suppression and batched read receipts.
package delivery

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownMessage means no record exists for the message id.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrDeliveryFailed means the send hit its retry ceiling; Retry
	// resets the record to Queued.
	ErrDeliveryFailed = errors.New("message delivery failed")

	// ErrInvalidState means the operation does not apply to the
	// record's current state.
	ErrInvalidState = errors.New("operation not valid for delivery state")
)

// State is the delivery state of one message. States advance
// monotonically along Queued < Sent < Acknowledged < Delivered < Read;
// Failed is reachable from any non-terminal state and retractable back
// to Queued by a manual retry.
type State uint8

const (
	// StateQueued: waiting to be sent (or re-sent).
	StateQueued State = iota + 1
	// StateSent: the transport acknowledged the write.
	StateSent
	// StateAcknowledged: the channel confirmed receipt (one tick).
	StateAcknowledged
	// StateDelivered: the peer confirmed delivery (two ticks).
	StateDelivered
	// StateRead: the peer's user saw the message.
	StateRead
	// StateFailed: the retry ceiling was hit.
	StateFailed
)

var stateNames = map[State]string{
	StateQueued:       "queued",
	StateSent:         "sent",
	StateAcknowledged: "acknowledged",
	StateDelivered:    "delivered",
	StateRead:         "read",
	StateFailed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// rank orders the forward states for the monotonicity guard. Failed
// sits outside the order.
func (s State) rank() int {
	switch s {
	case StateQueued:
		return 1
	case StateSent:
		return 2
	case StateAcknowledged:
		return 3
	case StateDelivered:
		return 4
	case StateRead:
		return 5
	default:
		return 0
	}
}

// Terminal reports whether no further automatic transition applies.
func (s State) Terminal() bool {
	return s == StateRead || s == StateFailed
}

// Message is one chat message. The body exists only in memory and
// local storage; the wire carries ciphertext. The id is minted once
// and reused verbatim by every retry.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Record is the delivery bookkeeping for one message.
type Record struct {
	MessageID     string    `json:"messageId"`
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	NextRetryAt   time.Time `json:"nextRetryAt"`
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}

// Store is the persistence collaborator for crash recovery of
// in-flight deliveries. LoadDeliveryRecord returns (nil, nil) for an
// unknown message id.
type Store interface {
	SaveDeliveryRecord(rec *Record) error
	LoadDeliveryRecord(messageID string) (*Record, error)
}
