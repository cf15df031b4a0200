// Package transport defines the wire events exchanged between peers
// and the Transport interface that carries them.
//
// The channel is at-least-once: deliveries may duplicate, arrive out
// of order, or vanish. Everything above this package assumes exactly
// that. Routing fields (event kind, peer ids, conversation id) travel
// unencrypted so relays can route without decrypting; semantic content
// travels as an encrypted ciphertext plus checksum.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the type of a wire event. Kinds form a closed set
// decoded exactly once at the transport boundary; coordinators switch
// on Kind instead of inspecting payload field names.
type Kind uint8

const (
	// Key exchange handshake, phase 1 (public keys, unencrypted).
	KindKeyExchangeRequest Kind = iota + 1
	KindKeyExchangeAccept
	KindKeyExchangeDecline

	// Key exchange handshake, phase 2 (encrypted identity).
	KindUserDataExchange

	// Message delivery.
	KindMessageSend
	KindMessageAcked
	KindMessageDelivered
	KindMessageRead

	// Ephemeral signaling.
	KindTypingUpdate
	KindPresenceUpdate
)

var kindNames = map[Kind]string{
	KindKeyExchangeRequest: "key_exchange.request",
	KindKeyExchangeAccept:  "key_exchange.accept",
	KindKeyExchangeDecline: "key_exchange.decline",
	KindUserDataExchange:   "user_data_exchange",
	KindMessageSend:        "message.send",
	KindMessageAcked:       "message.acked",
	KindMessageDelivered:   "message.delivered",
	KindMessageRead:        "message.read",
	KindTypingUpdate:       "typing.update",
	KindPresenceUpdate:     "presence.update",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ParseKind resolves a wire name to a Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", name)
}

// Event is the envelope carried by a Transport: the event kind, the
// sending peer (routing metadata, also used for self-echo detection),
// and the kind-specific payload.
type Event struct {
	Kind    Kind
	From    string
	Payload json.RawMessage
}

type wireEvent struct {
	Event   string          `json:"event"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event with its kind as the wire name.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Event:   e.Kind.String(),
		From:    e.From,
		Payload: e.Payload,
	})
}

// UnmarshalJSON decodes a wire event, rejecting unknown kinds.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := ParseKind(w.Event)
	if err != nil {
		return err
	}
	e.Kind = kind
	e.From = w.From
	e.Payload = w.Payload
	return nil
}

// NewEvent builds an Event around a payload struct.
func NewEvent(kind Kind, from string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Event{Kind: kind, From: from, Payload: raw}, nil
}

// DecodePayload unmarshals the payload into the given struct.
func (e Event) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return errors.New("event has no payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}
