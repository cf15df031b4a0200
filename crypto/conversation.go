package crypto

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// ConversationID derives the canonical identifier for the conversation
// between two peers. The pair is sorted lexicographically so both sides
// compute the same id independently; every component must use this
// function rather than deriving its own.
func ConversationID(peerA, peerB string) string {
	if peerB < peerA {
		peerA, peerB = peerB, peerA
	}
	return peerA + ":" + peerB
}

// ConversationKey is the symmetric encryption context for one
// conversation. It exists only once the key-exchange handshake for the
// conversation completed; expired keys are regenerated, never reused.
type ConversationKey struct {
	ConversationID string
	Key            [32]byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the key is past its validity window.
func (ck *ConversationKey) Expired(now time.Time) bool {
	return !ck.ExpiresAt.IsZero() && now.After(ck.ExpiresAt)
}

// DeriveSharedSecret computes the X25519 shared secret between the
// local private key and a peer's public key. Both peers arrive at the
// same value, so the conversation key needs no extra round trip.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using ECDH")

	secret, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], secret)
	ZeroBytes(secret)
	return result, nil
}

// ZeroBytes overwrites a byte slice with zeros so key material does not
// linger on the heap longer than needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
