// Package dedup guarantees at-most-once semantic processing of inbound
// events despite transport duplication and self-echo.
//
// Every inbound event gets a deterministic idempotency key; a bounded
// in-memory ledger of recently processed keys suppresses replays. The
// ledger's retention window is a volume optimization, not the sole
// correctness mechanism: downstream state machines are independently
// idempotent at the entity level (duplicate messageId, duplicate
// requestId).
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisp-im/whisp/transport"
)

const (
	// DefaultRetention is how long processed keys are remembered.
	DefaultRetention = 5 * time.Minute

	// DefaultSweepInterval is how often expired keys are purged.
	DefaultSweepInterval = time.Minute

	// typingBucket is the coarse timestamp bucket used for ephemeral
	// event keys, so rapid duplicates collapse while later updates
	// still pass.
	typingBucket = 2 * time.Second
)

// Deduplicator is the idempotency ledger in front of all coordinators.
type Deduplicator struct {
	localPeerID string
	retention   time.Duration

	mu        sync.Mutex
	processed map[string]time.Time
}

// New creates a Deduplicator for the given local peer.
func New(localPeerID string) *Deduplicator {
	return &Deduplicator{
		localPeerID: localPeerID,
		retention:   DefaultRetention,
		processed:   make(map[string]time.Time),
	}
}

// IsSelfEcho reports whether the event originated from the local peer.
// Such events are echoes of locally-originated actions bounced back by
// the transport and must never reach a coordinator.
func (d *Deduplicator) IsSelfEcho(ev transport.Event) bool {
	return ev.From != "" && ev.From == d.localPeerID
}

// KeyFor derives the idempotency key for an event. Messages key on
// their stable messageId; typing and presence key on the sending peer,
// kind and a coarse time bucket; everything else keys on a hash of the
// semantically relevant payload fields, excluding volatile timestamps
// so a re-transmission with an updated clock still collapses.
func (d *Deduplicator) KeyFor(ev transport.Event) (string, error) {
	switch ev.Kind {
	case transport.KindMessageSend:
		var p transport.MessageSendPayload
		if err := ev.DecodePayload(&p); err != nil {
			return "", err
		}
		return "msg:" + p.MessageID, nil

	case transport.KindTypingUpdate:
		var p transport.TypingUpdatePayload
		if err := ev.DecodePayload(&p); err != nil {
			return "", err
		}
		bucket := time.UnixMilli(p.Timestamp).Truncate(typingBucket).UnixMilli()
		return fmt.Sprintf("typing:%s:%s:%d", p.FromPeerID, p.Ciphertext, bucket), nil

	case transport.KindPresenceUpdate:
		var p transport.PresenceUpdatePayload
		if err := ev.DecodePayload(&p); err != nil {
			return "", err
		}
		bucket := time.UnixMilli(p.Timestamp).Truncate(typingBucket).UnixMilli()
		return fmt.Sprintf("presence:%s:%s:%d", p.PeerID, p.Ciphertext, bucket), nil

	default:
		return canonicalKey(ev)
	}
}

// canonicalKey hashes the stable fields of a payload: kind, sender and
// the payload with volatile fields stripped.
func canonicalKey(ev transport.Event) (string, error) {
	fields, err := stableFields(ev)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(ev.Kind.String() + "|" + ev.From + "|" + fields))
	return "ev:" + hex.EncodeToString(sum[:16]), nil
}

func stableFields(ev transport.Event) (string, error) {
	switch ev.Kind {
	case transport.KindKeyExchangeRequest:
		var p transport.KeyExchangeRequestPayload
		if err := ev.DecodePayload(&p); err != nil {
			return "", err
		}
		return p.RequestID + "|" + p.FromPeerID + "|" + p.PublicKey, nil
	case transport.KindKeyExchangeAccept:
		var p transport.KeyExchangeAcceptPayload
		if err := ev.DecodePayload(&p); err != nil {
			return "", err
		}
		return p.RequestID + "|accept", nil
	case transport.KindKeyExchangeDecline:
		var p transport.KeyExchangeDeclinePayload
		if err := ev.DecodePayload(&p); err != nil {
			return "", err
		}
		return p.RequestID + "|decline", nil
	case transport.KindUserDataExchange:
		var p transport.UserDataExchangePayload
		if err := ev.DecodePayload(&p); err != nil {
			return "", err
		}
		return p.ConversationID + "|" + p.Checksum, nil
	case transport.KindMessageAcked, transport.KindMessageDelivered, transport.KindMessageRead:
		var p transport.MessageStatusPayload
		if err := ev.DecodePayload(&p); err != nil {
			return "", err
		}
		ids := p.MessageID
		for _, id := range p.MessageIDs {
			ids += "," + id
		}
		return ids, nil
	default:
		// Unknown kinds never get here; the boundary rejects them.
		return string(ev.Payload), nil
	}
}

// ShouldProcess returns true exactly once per idempotency key within
// the retention window, recording the key as processed. Replays return
// false and record nothing.
func (d *Deduplicator) ShouldProcess(ev transport.Event) bool {
	key, err := d.KeyFor(ev)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ShouldProcess",
			"event":    ev.Kind.String(),
			"error":    err.Error(),
		}).Warn("Dropping event with undecodable payload")
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, seen := d.processed[key]; seen {
		logrus.WithFields(logrus.Fields{
			"function": "ShouldProcess",
			"event":    ev.Kind.String(),
			"key":      key,
		}).Debug("Suppressing duplicate event")
		return false
	}
	d.processed[key] = time.Now()
	return true
}

// Sweep purges ledger entries older than the retention window and
// returns how many were removed.
func (d *Deduplicator) Sweep() int {
	cutoff := time.Now().Add(-d.retention)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, at := range d.processed {
		if at.Before(cutoff) {
			delete(d.processed, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of keys currently in the ledger.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.processed)
}
