package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
)

// Envelope errors. Callers must treat ErrKeyMissing as retriable (the
// handshake has not completed yet); the other two are fatal for the
// event that carried the payload, which is dropped and logged.
var (
	ErrKeyMissing        = errors.New("no conversation key established")
	ErrIntegrityMismatch = errors.New("plaintext checksum mismatch")
	ErrDecryptFailure    = errors.New("ciphertext decryption failed")
)

// MaxPayloadSize bounds a single envelope payload (1MB).
const MaxPayloadSize = 1024 * 1024

// DefaultKeyTTL is how long a derived conversation key stays valid
// before it must be re-established.
const DefaultKeyTTL = 30 * 24 * time.Hour

// Sealed is the encrypted half of a wire event: the secretbox output
// with its nonce prepended, plus a SHA-256 checksum of the canonical
// plaintext. The checksum is computed before encryption so integrity
// can be verified independently of the cipher's own authentication.
type Sealed struct {
	Ciphertext []byte
	Checksum   [32]byte
}

// Envelope encrypts and decrypts conversation payloads. It owns the
// map of ConversationKeys; reads for different conversations proceed
// concurrently, and a key establishment completes atomically before
// any encrypt/decrypt under that id can observe it.
type Envelope struct {
	mu     sync.RWMutex
	keys   map[string]*ConversationKey
	keyTTL time.Duration
}

// NewEnvelope creates an Envelope with the default key TTL.
func NewEnvelope() *Envelope {
	return &Envelope{
		keys:   make(map[string]*ConversationKey),
		keyTTL: DefaultKeyTTL,
	}
}

// EstablishKey derives the symmetric key for a conversation from the
// local private key and the peer's public key and registers it. A
// previous (possibly expired) key for the same conversation is
// replaced.
func (e *Envelope) EstablishKey(conversationID string, localPrivate, peerPublic [32]byte) error {
	secret, err := DeriveSharedSecret(peerPublic, localPrivate)
	if err != nil {
		return fmt.Errorf("establish key for %s: %w", conversationID, err)
	}

	now := time.Now()
	ck := &ConversationKey{
		ConversationID: conversationID,
		Key:            secret,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.keyTTL),
	}

	e.mu.Lock()
	e.keys[conversationID] = ck
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "EstablishKey",
		"conversation_id": conversationID,
		"expires_at":      ck.ExpiresAt,
	}).Info("Conversation key established")
	return nil
}

// HasKey reports whether a live (non-expired) key exists for the
// conversation.
func (e *Envelope) HasKey(conversationID string) bool {
	_, err := e.key(conversationID)
	return err == nil
}

// DropKey removes the key for a conversation, if any.
func (e *Envelope) DropKey(conversationID string) {
	e.mu.Lock()
	delete(e.keys, conversationID)
	e.mu.Unlock()
}

func (e *Envelope) key(conversationID string) ([32]byte, error) {
	e.mu.RLock()
	ck, ok := e.keys[conversationID]
	e.mu.RUnlock()

	if !ok || ck.Expired(time.Now()) {
		return [32]byte{}, ErrKeyMissing
	}
	return ck.Key, nil
}

// canonical serializes a plaintext map deterministically. JSON object
// keys are emitted sorted, which gives both peers the same bytes for
// the same map.
func canonical(plaintext map[string]string) ([]byte, error) {
	return json.Marshal(plaintext)
}

// Encrypt seals a plaintext map under the conversation's symmetric key
// with a fresh random nonce. Fails with ErrKeyMissing when the
// handshake for the conversation has not completed; callers retry
// after key establishment rather than treating this as fatal.
func (e *Envelope) Encrypt(plaintext map[string]string, conversationID string) (*Sealed, error) {
	key, err := e.key(conversationID)
	if err != nil {
		return nil, err
	}

	data, err := canonical(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return nil, errors.New("payload too large")
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], data, (*[24]byte)(&nonce), (*[32]byte)(&key))

	return &Sealed{
		Ciphertext: sealed,
		Checksum:   sha256.Sum256(data),
	}, nil
}

// Decrypt opens a sealed payload and verifies its checksum. Returns
// ErrKeyMissing when no key exists for the conversation,
// ErrDecryptFailure for truncated or undecodable payloads, and
// ErrIntegrityMismatch when the cipher's authentication fails under the
// established key or the recomputed checksum disagrees.
func (e *Envelope) Decrypt(ciphertext []byte, checksum [32]byte, conversationID string) (map[string]string, error) {
	key, err := e.key(conversationID)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) <= NonceSize {
		return nil, ErrDecryptFailure
	}

	var nonce [24]byte
	copy(nonce[:], ciphertext[:NonceSize])

	data, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, (*[32]byte)(&key))
	if !ok {
		// The key is present, so a failed open means the ciphertext was
		// tampered with or sealed under a different key.
		logrus.WithFields(logrus.Fields{
			"function":        "Decrypt",
			"conversation_id": conversationID,
		}).Warn("Ciphertext failed authentication under the established key")
		return nil, ErrIntegrityMismatch
	}

	if sha256.Sum256(data) != checksum {
		logrus.WithFields(logrus.Fields{
			"function":        "Decrypt",
			"conversation_id": conversationID,
		}).Warn("Checksum mismatch on decrypted payload")
		return nil, ErrIntegrityMismatch
	}

	var plaintext map[string]string
	if err := json.Unmarshal(data, &plaintext); err != nil {
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}
