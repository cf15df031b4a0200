package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationIDDeterministic(t *testing.T) {
	testCases := []struct {
		name     string
		peerA    string
		peerB    string
		expected string
	}{
		{"already sorted", "alice", "bob", "alice:bob"},
		{"reversed", "bob", "alice", "alice:bob"},
		{"same peer twice", "alice", "alice", "alice:alice"},
		{"uuid-ish ids", "f0a1", "0b9c", "0b9c:f0a1"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ConversationID(tc.peerA, tc.peerB))
			// Both orderings must agree.
			assert.Equal(t, ConversationID(tc.peerA, tc.peerB), ConversationID(tc.peerB, tc.peerA))
		})
	}
}

func TestDeriveSharedSecretSymmetric(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	fromAlice, err := DeriveSharedSecret(bob.Public, alice.Private)
	require.NoError(t, err)
	fromBob, err := DeriveSharedSecret(alice.Public, bob.Private)
	require.NoError(t, err)

	assert.Equal(t, fromAlice, fromBob, "both peers must derive the same secret")
	assert.NotEqual(t, [32]byte{}, fromAlice)
}

func TestFromSecretKeyDerivesPublic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	rebuilt, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, rebuilt.Public)

	_, err = FromSecretKey([32]byte{})
	assert.Error(t, err, "all-zero secret key must be rejected")
}

func establishedEnvelope(t *testing.T, conversationID string) *Envelope {
	t.Helper()
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	env := NewEnvelope()
	require.NoError(t, env.EstablishKey(conversationID, alice.Private, bob.Public))
	return env
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	env := establishedEnvelope(t, "alice:bob")

	plaintext := map[string]string{
		"body":        "hello over an unreliable wire",
		"displayName": "Alice",
	}

	sealed, err := env.Encrypt(plaintext, "alice:bob")
	require.NoError(t, err)
	require.NotEmpty(t, sealed.Ciphertext)

	got, err := env.Decrypt(sealed.Ciphertext, sealed.Checksum, "alice:bob")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptBeforeHandshakeFailsWithKeyMissing(t *testing.T) {
	env := NewEnvelope()

	_, err := env.Encrypt(map[string]string{"body": "hi"}, "alice:bob")
	assert.ErrorIs(t, err, ErrKeyMissing)

	// After establishment the same call succeeds.
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, env.EstablishKey("alice:bob", alice.Private, bob.Public))

	_, err = env.Encrypt(map[string]string{"body": "hi"}, "alice:bob")
	assert.NoError(t, err)
}

func TestDecryptUnderWrongConversationNeverSucceeds(t *testing.T) {
	env := establishedEnvelope(t, "alice:bob")

	carol, err := GenerateKeyPair()
	require.NoError(t, err)
	dave, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, env.EstablishKey("carol:dave", carol.Private, dave.Public))

	sealed, err := env.Encrypt(map[string]string{"body": "secret"}, "alice:bob")
	require.NoError(t, err)

	// The other conversation's key is present but wrong, so the cipher's
	// authentication fails.
	_, err = env.Decrypt(sealed.Ciphertext, sealed.Checksum, "carol:dave")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)

	_, err = env.Decrypt(sealed.Ciphertext, sealed.Checksum, "nobody:nowhere")
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestDecryptDetectsTampering(t *testing.T) {
	env := establishedEnvelope(t, "alice:bob")

	sealed, err := env.Encrypt(map[string]string{"body": "original"}, "alice:bob")
	require.NoError(t, err)

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		tampered := make([]byte, len(sealed.Ciphertext))
		copy(tampered, sealed.Ciphertext)
		tampered[len(tampered)-1] ^= 0xFF

		_, err := env.Decrypt(tampered, sealed.Checksum, "alice:bob")
		assert.ErrorIs(t, err, ErrIntegrityMismatch)
	})

	t.Run("flipped checksum byte", func(t *testing.T) {
		badSum := sealed.Checksum
		badSum[0] ^= 0xFF

		_, err := env.Decrypt(sealed.Ciphertext, badSum, "alice:bob")
		assert.ErrorIs(t, err, ErrIntegrityMismatch)
	})

	t.Run("truncated ciphertext", func(t *testing.T) {
		_, err := env.Decrypt(sealed.Ciphertext[:10], sealed.Checksum, "alice:bob")
		assert.ErrorIs(t, err, ErrDecryptFailure)
	})
}

func TestExpiredKeyCountsAsMissing(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	env := NewEnvelope()
	env.keyTTL = -time.Second // Every established key is already expired.
	require.NoError(t, env.EstablishKey("alice:bob", alice.Private, bob.Public))

	_, err = env.Encrypt(map[string]string{"body": "hi"}, "alice:bob")
	assert.ErrorIs(t, err, ErrKeyMissing)

	// Re-establishing with a sane TTL regenerates rather than reuses.
	env.keyTTL = time.Hour
	require.NoError(t, env.EstablishKey("alice:bob", alice.Private, bob.Public))
	assert.True(t, env.HasKey("alice:bob"))
}

func TestEncryptUsesFreshNoncePerCall(t *testing.T) {
	env := establishedEnvelope(t, "alice:bob")
	plaintext := map[string]string{"body": "same message"}

	first, err := env.Encrypt(plaintext, "alice:bob")
	require.NoError(t, err)
	second, err := env.Encrypt(plaintext, "alice:bob")
	require.NoError(t, err)

	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
	assert.Equal(t, first.Checksum, second.Checksum, "checksum covers plaintext only")
}
