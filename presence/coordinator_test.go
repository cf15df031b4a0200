package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisp-im/whisp/crypto"
	"github.com/whisp-im/whisp/transport"
)

type mockTransport struct {
	mu      sync.Mutex
	sent    []transport.Event
	sentTo  []string
	failAll bool
}

func (m *mockTransport) Send(peerID string, ev transport.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return fmt.Errorf("%w: injected failure", transport.ErrSendFailed)
	}
	m.sent = append(m.sent, ev)
	m.sentTo = append(m.sentTo, peerID)
	return nil
}

func (m *mockTransport) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sentTo...)
}

func (m *mockTransport) Subscribe(transport.Handler) {}
func (m *mockTransport) Close() error                { return nil }

func (m *mockTransport) sentOfKind(kind transport.Kind) []transport.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []transport.Event
	for _, ev := range m.sent {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *mockTransport, *crypto.Envelope) {
	t.Helper()
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	env := crypto.NewEnvelope()
	require.NoError(t, env.EstablishKey("alice:bob", alice.Private, bob.Public))

	tr := &mockTransport{}
	c := NewCoordinator(Config{
		LocalPeerID:      "alice",
		Envelope:         env,
		Transport:        tr,
		TypingCoalesce:   20 * time.Millisecond,
		TypingQuiet:      60 * time.Millisecond,
		PresenceDebounce: 20 * time.Millisecond,
		TypingTTL:        80 * time.Millisecond,
		PresenceTTL:      80 * time.Millisecond,
		Heartbeat:        30 * time.Millisecond,
	})
	t.Cleanup(c.Close)
	return c, tr, env
}

func decryptTyping(t *testing.T, env *crypto.Envelope, ev transport.Event) bool {
	t.Helper()
	var p transport.TypingUpdatePayload
	require.NoError(t, ev.DecodePayload(&p))
	sealed, err := crypto.SealedFromHex(p.Ciphertext, p.Checksum)
	require.NoError(t, err)
	plaintext, err := env.Decrypt(sealed.Ciphertext, sealed.Checksum, p.ConversationID)
	require.NoError(t, err)
	return plaintext["isTyping"] == "true"
}

func TestTypingBurstCoalescesToOneStartOneStop(t *testing.T) {
	c, tr, env := newTestCoordinator(t)

	c.SetTyping("alice:bob", true)
	c.SetTyping("alice:bob", true)
	c.SetTyping("alice:bob", false)

	require.Eventually(t, func() bool {
		return len(tr.sentOfKind(transport.KindTypingUpdate)) == 2
	}, time.Second, 5*time.Millisecond)

	// Let any stray timers fire; the count must not grow.
	time.Sleep(100 * time.Millisecond)
	updates := tr.sentOfKind(transport.KindTypingUpdate)
	require.Len(t, updates, 2)
	assert.True(t, decryptTyping(t, env, updates[0]))
	assert.False(t, decryptTyping(t, env, updates[1]))
}

func TestTypingAutoStopsAfterQuietPeriod(t *testing.T) {
	c, tr, env := newTestCoordinator(t)

	c.SetTyping("alice:bob", true)

	require.Eventually(t, func() bool {
		return len(tr.sentOfKind(transport.KindTypingUpdate)) == 2
	}, time.Second, 5*time.Millisecond)

	updates := tr.sentOfKind(transport.KindTypingUpdate)
	assert.True(t, decryptTyping(t, env, updates[0]))
	assert.False(t, decryptTyping(t, env, updates[1]), "stop arrives without an explicit false")
}

func TestTypingWithoutKeyIsSkipped(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)

	c.SetTyping("alice:carol", true)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, tr.sentOfKind(transport.KindTypingUpdate))
}

func TestTypingReachesTrackedPeerWithSeparatorInID(t *testing.T) {
	c, tr, env := newTestCoordinator(t)

	// Peer ids are opaque; one containing the conversation separator
	// must still resolve through the tracked-peer registry.
	local, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cid := crypto.ConversationID("alice", "bob:work")
	require.NoError(t, env.EstablishKey(cid, local.Private, peer.Public))
	c.TrackPeer("bob:work", cid)

	c.SetTyping(cid, true)

	require.Eventually(t, func() bool {
		return len(tr.sentOfKind(transport.KindTypingUpdate)) >= 1
	}, time.Second, 5*time.Millisecond)

	recipients := tr.recipients()
	require.NotEmpty(t, recipients)
	assert.Equal(t, "bob:work", recipients[0], "the update goes to the full peer id, not a fragment")
}

func TestStopWithoutStartSendsNothing(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)

	c.SetTyping("alice:bob", false)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, tr.sentOfKind(transport.KindTypingUpdate))
}

func TestPresenceDebouncesFlapping(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	c.TrackPeer("bob", "alice:bob")

	c.SetPresence(true)
	c.SetPresence(false)
	c.SetPresence(true)

	require.Eventually(t, func() bool {
		return len(tr.sentOfKind(transport.KindPresenceUpdate)) >= 1
	}, time.Second, 5*time.Millisecond)

	// Only the settled value went out once; heartbeats repeat it later.
	first := tr.sentOfKind(transport.KindPresenceUpdate)[0]
	var p transport.PresenceUpdatePayload
	require.NoError(t, first.DecodePayload(&p))
	assert.Equal(t, "alice", p.PeerID)
}

func TestPresenceSkipsPeersWithoutKey(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	c.TrackPeer("bob", "alice:bob")
	c.TrackPeer("carol", "alice:carol")

	c.SetPresence(true)

	require.Eventually(t, func() bool {
		return len(tr.sentOfKind(transport.KindPresenceUpdate)) >= 1
	}, time.Second, 5*time.Millisecond)

	// Every update decodes to the keyed conversation; carol got nothing.
	for _, ev := range tr.sentOfKind(transport.KindPresenceUpdate) {
		var p transport.PresenceUpdatePayload
		require.NoError(t, ev.DecodePayload(&p))
		assert.Equal(t, "alice", p.PeerID)
	}
}

func TestHeartbeatRepeatsOnlinePresence(t *testing.T) {
	c, tr, _ := newTestCoordinator(t)
	c.TrackPeer("bob", "alice:bob")

	c.SetPresence(true)

	require.Eventually(t, func() bool {
		return len(tr.sentOfKind(transport.KindPresenceUpdate)) >= 3
	}, 2*time.Second, 10*time.Millisecond, "heartbeat keeps re-sending online")
}

func TestRemoteTypingUpdateCachesWithTTL(t *testing.T) {
	c, _, env := newTestCoordinator(t)

	var mu sync.Mutex
	var observed []bool
	c.OnTyping(func(peerID string, isTyping bool) {
		mu.Lock()
		observed = append(observed, isTyping)
		mu.Unlock()
	})

	sealed, err := env.Encrypt(map[string]string{"isTyping": "true"}, "alice:bob")
	require.NoError(t, err)
	require.NoError(t, c.OnTypingUpdate(transport.TypingUpdatePayload{
		ConversationID: "alice:bob",
		FromPeerID:     "bob",
		Ciphertext:     sealed.HexCiphertext(),
		Checksum:       sealed.HexChecksum(),
		Timestamp:      time.Now().UnixMilli(),
	}))

	assert.True(t, c.IsTyping("bob"))
	mu.Lock()
	assert.Equal(t, []bool{true}, observed)
	mu.Unlock()

	// The cache decays on its own; no stop event required.
	require.Eventually(t, func() bool {
		return !c.IsTyping("bob")
	}, time.Second, 10*time.Millisecond)
}

func TestRemotePresenceUpdateCachesWithTTL(t *testing.T) {
	c, _, env := newTestCoordinator(t)

	sealed, err := env.Encrypt(map[string]string{"isOnline": "true"}, "alice:bob")
	require.NoError(t, err)
	require.NoError(t, c.OnPresenceUpdate(transport.PresenceUpdatePayload{
		PeerID:     "bob",
		Ciphertext: sealed.HexCiphertext(),
		Checksum:   sealed.HexChecksum(),
		Timestamp:  time.Now().UnixMilli(),
	}))

	assert.True(t, c.IsOnline("bob"))

	require.Eventually(t, func() bool {
		return !c.IsOnline("bob")
	}, time.Second, 10*time.Millisecond, "presence decays to offline after the TTL")
}

func TestRemoteUpdateWithoutKeyIsRejected(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	err := c.OnPresenceUpdate(transport.PresenceUpdatePayload{
		PeerID:     "carol",
		Ciphertext: "00",
		Checksum:   "0000000000000000000000000000000000000000000000000000000000000000",
	})
	assert.ErrorIs(t, err, crypto.ErrKeyMissing)
	assert.False(t, c.IsOnline("carol"))
}
