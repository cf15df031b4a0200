// Package keyexchange drives the two-phase handshake that establishes
// the shared encryption context for a conversation: public keys are
// exchanged in the clear (phase 1), then each side sends its display
// name encrypted under the freshly derived conversation key (phase 2).
package keyexchange

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/whisp-im/whisp/crypto"
)

// Coordinator errors.
var (
	// ErrAlreadyPending means a live request already exists for the
	// ordered (from, to) peer pair.
	ErrAlreadyPending = errors.New("a live key exchange request already exists for this peer")

	// ErrRequestNotFound means the request is in neither memory nor
	// durable storage.
	ErrRequestNotFound = errors.New("key exchange request not found")

	// ErrInvalidState means the operation does not apply to the
	// request's current status; the request is left unchanged.
	ErrInvalidState = errors.New("operation not valid for request state")
)

// Status is the lifecycle state of a key exchange request.
type Status uint8

const (
	// StatusPending: created locally, not yet on the wire.
	StatusPending Status = iota + 1
	// StatusSent: the request event was acknowledged by the transport.
	StatusSent
	// StatusReceived: the remote copy of a request, awaiting a
	// decision.
	StatusReceived
	// StatusAccepted: accepted, phase 2 in progress.
	StatusAccepted
	// StatusDeclined: terminal; the peer (or the user) said no.
	StatusDeclined
	// StatusFailed: terminal but user-retriable; phase 2 hit its retry
	// ceiling or the handshake was abandoned.
	StatusFailed
	// StatusCompleted: terminal; both public key and display name are
	// present and the conversation key is established.
	StatusCompleted
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusSent:      "sent",
	StatusReceived:  "received",
	StatusAccepted:  "accepted",
	StatusDeclined:  "declined",
	StatusFailed:    "failed",
	StatusCompleted: "completed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Terminal reports whether the status ends the request's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeclined || s == StatusFailed
}

// Request is one handshake attempt between an ordered pair of peers.
// Exactly one live (non-terminal) request exists per (from, to) pair;
// Completed requires both PublicKey and DisplayName to be set.
type Request struct {
	ID          string    `json:"id"`
	FromPeerID  string    `json:"fromPeerId"`
	ToPeerID    string    `json:"toPeerId"`
	Status      Status    `json:"status"`
	Phrase      string    `json:"phrase"`
	PublicKey   [32]byte  `json:"publicKey"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	RespondedAt time.Time `json:"respondedAt"`

	// phase2Attempts counts identity-exchange send attempts; it is
	// in-memory only, a recovered request starts the count over.
	phase2Attempts int
}

// ConversationID returns the canonical conversation id for the pair.
func (r *Request) ConversationID() string {
	return crypto.ConversationID(r.FromPeerID, r.ToPeerID)
}

// PeerID returns the remote side of the request from the local peer's
// point of view.
func (r *Request) PeerID(localPeerID string) string {
	if r.FromPeerID == localPeerID {
		return r.ToPeerID
	}
	return r.FromPeerID
}

// HasPublicKey reports whether the peer's public key was exchanged.
func (r *Request) HasPublicKey() bool {
	return r.PublicKey != [32]byte{}
}

func (r *Request) clone() *Request {
	c := *r
	return &c
}

// Store is the persistence collaborator used for crash recovery of
// in-flight handshakes. LoadRequest returns (nil, nil) for an unknown
// id.
type Store interface {
	SaveRequest(req *Request) error
	LoadRequest(requestID string) (*Request, error)
}

// EncodeKey renders a public key for the wire.
func EncodeKey(key [32]byte) string {
	return hex.EncodeToString(key[:])
}

// DecodeKey parses a wire-encoded public key.
func DecodeKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("malformed public key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("malformed public key: %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
