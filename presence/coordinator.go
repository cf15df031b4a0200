// Package presence handles typing indicators and online presence.
// Both are ephemeral: outbound updates are debounced and sent without
// acknowledgment or retry, and remote state is a TTL cache that decays
// to unknown/offline on its own. A lost update is self-correcting; the
// next heartbeat or toggle replaces it.
package presence

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisp-im/whisp/crypto"
	"github.com/whisp-im/whisp/sched"
	"github.com/whisp-im/whisp/transport"
)

// Timing defaults. Typing bursts inside the coalesce window collapse
// into one start event; the quiet timer sends the stop without the
// caller having to remember to.
const (
	DefaultTypingCoalesce   = 250 * time.Millisecond
	DefaultTypingQuiet      = 700 * time.Millisecond
	DefaultPresenceDebounce = 3 * time.Second
	DefaultTypingTTL        = 6 * time.Second
	DefaultPresenceTTL      = 75 * time.Second
	DefaultHeartbeat        = 25 * time.Second
)

// PeerState is the cached ephemeral state of one remote peer. Values
// are authoritative only until LastUpdatedAt plus the TTL; readers
// treat anything older as offline/not-typing.
type PeerState struct {
	PeerID         string
	IsOnline       bool
	IsTyping       bool
	OnlineUpdated  time.Time
	TypingUpdated  time.Time
	ConversationID string
}

// Config carries the coordinator's collaborators and timing knobs.
// Zero timings fall back to the defaults.
type Config struct {
	LocalPeerID string
	Envelope    *crypto.Envelope
	Transport   transport.Transport
	Scheduler   *sched.Scheduler

	TypingCoalesce   time.Duration
	TypingQuiet      time.Duration
	PresenceDebounce time.Duration
	TypingTTL        time.Duration
	PresenceTTL      time.Duration
	Heartbeat        time.Duration
}

type typingState struct {
	active    bool
	lastInput time.Time
}

// Coordinator debounces outbound typing/presence signals and caches
// inbound ones.
type Coordinator struct {
	localPeerID string
	envelope    *crypto.Envelope
	transport   transport.Transport
	scheduler   *sched.Scheduler
	heartbeat   *sched.Ticker

	typingCoalesce   time.Duration
	typingQuiet      time.Duration
	presenceDebounce time.Duration
	typingTTL        time.Duration
	presenceTTL      time.Duration

	mu             sync.Mutex
	peers          map[string]string // peerID -> conversationID
	states         map[string]*PeerState
	typing         map[string]*typingState // conversationID -> local typing
	desiredOnline  bool
	lastSentOnline bool
	presenceSent   bool

	onTypingCallback   func(peerID string, isTyping bool)
	onPresenceCallback func(peerID string, isOnline bool)
}

// NewCoordinator creates a Coordinator. The heartbeat ticker starts
// only once SetPresence(true) has been flushed.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		localPeerID:      cfg.LocalPeerID,
		envelope:         cfg.Envelope,
		transport:        cfg.Transport,
		scheduler:        cfg.Scheduler,
		typingCoalesce:   cfg.TypingCoalesce,
		typingQuiet:      cfg.TypingQuiet,
		presenceDebounce: cfg.PresenceDebounce,
		typingTTL:        cfg.TypingTTL,
		presenceTTL:      cfg.PresenceTTL,
		peers:            make(map[string]string),
		states:           make(map[string]*PeerState),
		typing:           make(map[string]*typingState),
	}
	if c.scheduler == nil {
		c.scheduler = sched.NewScheduler()
	}
	if c.typingCoalesce == 0 {
		c.typingCoalesce = DefaultTypingCoalesce
	}
	if c.typingQuiet == 0 {
		c.typingQuiet = DefaultTypingQuiet
	}
	if c.presenceDebounce == 0 {
		c.presenceDebounce = DefaultPresenceDebounce
	}
	if c.typingTTL == 0 {
		c.typingTTL = DefaultTypingTTL
	}
	if c.presenceTTL == 0 {
		c.presenceTTL = DefaultPresenceTTL
	}
	heartbeat := cfg.Heartbeat
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeat
	}
	c.heartbeat = sched.NewTicker(heartbeat, c.heartbeatTick)
	return c
}

// OnTyping sets the callback for remote typing changes.
func (c *Coordinator) OnTyping(callback func(peerID string, isTyping bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTypingCallback = callback
}

// OnPresence sets the callback for remote presence changes.
func (c *Coordinator) OnPresence(callback func(peerID string, isOnline bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPresenceCallback = callback
}

// TrackPeer registers a peer whose handshake completed, making it a
// recipient of presence broadcasts and heartbeats.
func (c *Coordinator) TrackPeer(peerID, conversationID string) {
	c.mu.Lock()
	c.peers[peerID] = conversationID
	c.mu.Unlock()
}

// peerFor resolves the remote half of a conversation id. Tracked peers
// are authoritative; splitting the id is only a fallback for typing in
// a conversation whose handshake callback never registered the peer,
// and cannot handle peer ids that contain the separator.
func (c *Coordinator) peerFor(conversationID string) string {
	c.mu.Lock()
	for id, cid := range c.peers {
		if cid == conversationID {
			c.mu.Unlock()
			return id
		}
	}
	c.mu.Unlock()

	for _, id := range strings.Split(conversationID, ":") {
		if id != c.localPeerID && id != "" {
			return id
		}
	}
	return ""
}

func typingKey(conversationID string) string {
	return "typing:" + conversationID
}

// SetTyping records local typing input for a conversation. The first
// true sends a start immediately; further input inside the coalesce
// window only pushes the quiet timer out. After the quiet period with
// no input, or sooner when the caller passes false, a single stop is
// sent.
func (c *Coordinator) SetTyping(conversationID string, isTyping bool) {
	c.mu.Lock()
	st := c.typing[conversationID]
	if st == nil {
		st = &typingState{}
		c.typing[conversationID] = st
	}
	now := time.Now()

	if !isTyping {
		if !st.active {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.scheduler.Schedule(typingKey(conversationID), c.typingCoalesce, func() {
			c.stopTyping(conversationID)
		})
		return
	}

	startNow := !st.active
	st.active = true
	st.lastInput = now
	c.mu.Unlock()

	if startNow {
		c.sendTyping(conversationID, true)
	}
	c.scheduler.Schedule(typingKey(conversationID), c.typingQuiet, func() {
		c.stopTyping(conversationID)
	})
}

func (c *Coordinator) stopTyping(conversationID string) {
	c.mu.Lock()
	st := c.typing[conversationID]
	if st == nil || !st.active {
		c.mu.Unlock()
		return
	}
	st.active = false
	c.mu.Unlock()
	c.sendTyping(conversationID, false)
}

// sendTyping emits one typing.update. Send failures and missing keys
// are logged and dropped; typing is lossy by contract.
func (c *Coordinator) sendTyping(conversationID string, isTyping bool) {
	peerID := c.peerFor(conversationID)
	if peerID == "" {
		return
	}
	sealed, err := c.envelope.Encrypt(map[string]string{"isTyping": boolString(isTyping)}, conversationID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "sendTyping",
			"conversation_id": conversationID,
			"error":           err.Error(),
		}).Debug("Typing update skipped")
		return
	}
	ev, err := transport.NewEvent(transport.KindTypingUpdate, c.localPeerID, transport.TypingUpdatePayload{
		ConversationID: conversationID,
		FromPeerID:     c.localPeerID,
		Ciphertext:     sealed.HexCiphertext(),
		Checksum:       sealed.HexChecksum(),
		Timestamp:      time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := c.transport.Send(peerID, ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendTyping",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Debug("Typing update not sent")
	}
}

// SetPresence records the desired local online state and flushes it
// after a short debounce, so quick background/foreground flips do not
// flap on the wire.
func (c *Coordinator) SetPresence(isOnline bool) {
	c.mu.Lock()
	c.desiredOnline = isOnline
	c.mu.Unlock()

	c.scheduler.Schedule("presence", c.presenceDebounce, c.flushPresence)
}

func (c *Coordinator) flushPresence() {
	c.mu.Lock()
	online := c.desiredOnline
	if c.presenceSent && online == c.lastSentOnline {
		c.mu.Unlock()
		return
	}
	c.lastSentOnline = online
	c.presenceSent = true
	peers := make(map[string]string, len(c.peers))
	for id, cid := range c.peers {
		peers[id] = cid
	}
	c.mu.Unlock()

	c.broadcastPresence(online, peers)

	if online {
		c.heartbeat.Start()
	} else {
		c.heartbeat.Stop()
	}
}

// heartbeatTick re-broadcasts the online presence so remote TTL caches
// do not decay while the client stays up.
func (c *Coordinator) heartbeatTick() {
	c.mu.Lock()
	online := c.lastSentOnline
	peers := make(map[string]string, len(c.peers))
	for id, cid := range c.peers {
		peers[id] = cid
	}
	c.mu.Unlock()

	if online {
		c.broadcastPresence(true, peers)
	}
}

// broadcastPresence sends one presence.update per tracked peer,
// encrypted under that peer's conversation key. Peers without an
// established key are skipped.
func (c *Coordinator) broadcastPresence(isOnline bool, peers map[string]string) {
	for peerID, conversationID := range peers {
		if !c.envelope.HasKey(conversationID) {
			continue
		}
		sealed, err := c.envelope.Encrypt(map[string]string{"isOnline": boolString(isOnline)}, conversationID)
		if err != nil {
			continue
		}
		ev, err := transport.NewEvent(transport.KindPresenceUpdate, c.localPeerID, transport.PresenceUpdatePayload{
			PeerID:     c.localPeerID,
			Ciphertext: sealed.HexCiphertext(),
			Checksum:   sealed.HexChecksum(),
			Timestamp:  time.Now().UnixMilli(),
		})
		if err != nil {
			continue
		}
		if err := c.transport.Send(peerID, ev); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "broadcastPresence",
				"peer_id":  peerID,
				"error":    err.Error(),
			}).Debug("Presence update not sent")
		}
	}
}

// OnTypingUpdate caches a remote typing change. No ack, no retry; a
// decrypt failure drops the event.
func (c *Coordinator) OnTypingUpdate(p transport.TypingUpdatePayload) error {
	sealed, err := crypto.SealedFromHex(p.Ciphertext, p.Checksum)
	if err != nil {
		return err
	}
	plaintext, err := c.envelope.Decrypt(sealed.Ciphertext, sealed.Checksum, p.ConversationID)
	if err != nil {
		return err
	}
	isTyping := plaintext["isTyping"] == "true"

	c.mu.Lock()
	st := c.stateLocked(p.FromPeerID)
	st.IsTyping = isTyping
	st.TypingUpdated = time.Now()
	st.ConversationID = p.ConversationID
	callback := c.onTypingCallback
	c.mu.Unlock()

	if callback != nil {
		callback(p.FromPeerID, isTyping)
	}
	return nil
}

// OnPresenceUpdate caches a remote presence change.
func (c *Coordinator) OnPresenceUpdate(p transport.PresenceUpdatePayload) error {
	conversationID := crypto.ConversationID(c.localPeerID, p.PeerID)
	sealed, err := crypto.SealedFromHex(p.Ciphertext, p.Checksum)
	if err != nil {
		return err
	}
	plaintext, err := c.envelope.Decrypt(sealed.Ciphertext, sealed.Checksum, conversationID)
	if err != nil {
		return err
	}
	isOnline := plaintext["isOnline"] == "true"

	c.mu.Lock()
	st := c.stateLocked(p.PeerID)
	st.IsOnline = isOnline
	st.OnlineUpdated = time.Now()
	callback := c.onPresenceCallback
	c.mu.Unlock()

	if callback != nil {
		callback(p.PeerID, isOnline)
	}
	return nil
}

func (c *Coordinator) stateLocked(peerID string) *PeerState {
	st, ok := c.states[peerID]
	if !ok {
		st = &PeerState{PeerID: peerID}
		c.states[peerID] = st
	}
	return st
}

// IsOnline reports a peer's cached presence, expired by TTL.
func (c *Coordinator) IsOnline(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[peerID]
	if !ok {
		return false
	}
	return st.IsOnline && time.Since(st.OnlineUpdated) < c.presenceTTL
}

// IsTyping reports a peer's cached typing state, expired by TTL.
func (c *Coordinator) IsTyping(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[peerID]
	if !ok {
		return false
	}
	return st.IsTyping && time.Since(st.TypingUpdated) < c.typingTTL
}

// Close stops the heartbeat and pending debounce timers.
func (c *Coordinator) Close() {
	c.heartbeat.Stop()
	c.scheduler.Cancel("presence")
	c.mu.Lock()
	for cid := range c.typing {
		c.scheduler.Cancel(typingKey(cid))
	}
	c.mu.Unlock()
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
