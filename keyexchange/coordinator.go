package keyexchange

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisp-im/whisp/crypto"
	"github.com/whisp-im/whisp/keystore"
	"github.com/whisp-im/whisp/sched"
	"github.com/whisp-im/whisp/transport"
)

// RequestCallback is invoked when a remote request first arrives.
type RequestCallback func(req *Request)

// UpdateCallback is invoked after any status change.
type UpdateCallback func(req *Request)

// EstablishedCallback is invoked when a handshake completes and the
// conversation becomes usable.
type EstablishedCallback func(conversationID, peerID string)

// Coordinator owns every key exchange request for the local peer and
// drives the two handshake phases. All state transitions happen under
// its mutex; transport failures revert optimistic transitions instead
// of leaving records stuck in an unsent terminal state.
type Coordinator struct {
	localPeerID string
	displayName string

	keys      keystore.Store
	envelope  *crypto.Envelope
	transport transport.Transport
	store     Store
	scheduler *sched.Scheduler
	backoff   sched.Backoff

	mu       sync.Mutex
	requests map[string]*Request

	// pendingUserData buffers a peer identity that overtook our copy
	// of the conversation key on the out-of-order transport; it is
	// replayed once the key is established.
	pendingUserData map[string]transport.UserDataExchangePayload

	onRequest     RequestCallback
	onUpdate      UpdateCallback
	onEstablished EstablishedCallback
}

// Config carries the coordinator's collaborators.
type Config struct {
	LocalPeerID string
	DisplayName string
	Keys        keystore.Store
	Envelope    *crypto.Envelope
	Transport   transport.Transport
	Store       Store
	Scheduler   *sched.Scheduler
	Backoff     sched.Backoff
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	backoff := cfg.Backoff
	if backoff.Initial == 0 {
		backoff = sched.DefaultHandshakeBackoff()
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = sched.NewScheduler()
	}
	return &Coordinator{
		localPeerID:     cfg.LocalPeerID,
		displayName:     cfg.DisplayName,
		keys:            cfg.Keys,
		envelope:        cfg.Envelope,
		transport:       cfg.Transport,
		store:           cfg.Store,
		scheduler:       scheduler,
		backoff:         backoff,
		requests:        make(map[string]*Request),
		pendingUserData: make(map[string]transport.UserDataExchangePayload),
	}
}

// OnRequest registers the inbound-request callback.
func (c *Coordinator) OnRequest(cb RequestCallback) {
	c.mu.Lock()
	c.onRequest = cb
	c.mu.Unlock()
}

// OnUpdate registers the status-change callback.
func (c *Coordinator) OnUpdate(cb UpdateCallback) {
	c.mu.Lock()
	c.onUpdate = cb
	c.mu.Unlock()
}

// OnEstablished registers the conversation-ready callback.
func (c *Coordinator) OnEstablished(cb EstablishedCallback) {
	c.mu.Lock()
	c.onEstablished = cb
	c.mu.Unlock()
}

// Initiate starts a handshake with a peer. Fails with ErrAlreadyPending
// when a live request for the ordered (local, peer) pair exists. On
// transport failure the request stays Pending and the error is
// returned; the caller decides when to retry.
func (c *Coordinator) Initiate(peerID, phrase string) (string, error) {
	c.mu.Lock()
	if live := c.livePairLocked(c.localPeerID, peerID); live != nil {
		c.mu.Unlock()
		return live.ID, ErrAlreadyPending
	}

	req := &Request{
		ID:         uuid.NewString(),
		FromPeerID: c.localPeerID,
		ToPeerID:   peerID,
		Status:     StatusPending,
		Phrase:     phrase,
		CreatedAt:  time.Now(),
	}
	c.requests[req.ID] = req
	c.persistLocked(req)
	c.mu.Unlock()

	localPub := c.keys.LocalKeyPair().Public
	ev, err := transport.NewEvent(transport.KindKeyExchangeRequest, c.localPeerID, transport.KeyExchangeRequestPayload{
		RequestID:  req.ID,
		FromPeerID: c.localPeerID,
		PublicKey:  EncodeKey(localPub),
		Phrase:     phrase,
	})
	if err != nil {
		return req.ID, err
	}

	if err := c.transport.Send(peerID, ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Initiate",
			"request_id": req.ID,
			"to_peer":    peerID,
			"error":      err.Error(),
		}).Warn("Key exchange request not sent, staying pending")
		return req.ID, err
	}

	c.transition(req.ID, StatusSent)
	return req.ID, nil
}

// OnRequestReceived records a remote handshake request. It never
// auto-responds; the user decides via Accept or Decline. Duplicate
// deliveries update the stored key and phrase but do not re-notify.
func (c *Coordinator) OnRequestReceived(p transport.KeyExchangeRequestPayload) error {
	peerKey, err := DecodeKey(p.PublicKey)
	if err != nil {
		return fmt.Errorf("request %s: %w", p.RequestID, err)
	}
	if err := c.keys.Put(p.FromPeerID, peerKey); err != nil {
		return fmt.Errorf("cache peer key: %w", err)
	}

	c.mu.Lock()
	req, known := c.requests[p.RequestID]
	if known {
		req.PublicKey = peerKey
		req.Phrase = p.Phrase
		c.persistLocked(req)
		c.mu.Unlock()
		return nil
	}

	req = &Request{
		ID:         p.RequestID,
		FromPeerID: p.FromPeerID,
		ToPeerID:   c.localPeerID,
		Status:     StatusReceived,
		Phrase:     p.Phrase,
		PublicKey:  peerKey,
		CreatedAt:  time.Now(),
	}
	c.requests[req.ID] = req
	c.persistLocked(req)
	notify := c.onRequest
	snapshot := req.clone()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "OnRequestReceived",
		"request_id": req.ID,
		"from_peer":  req.FromPeerID,
	}).Info("Key exchange request received")

	if notify != nil {
		notify(snapshot)
	}
	return nil
}

// Accept moves a Received request to Accepted and answers the
// requester. The transition is optimistic: a transport failure reverts
// it to Received so the UI can retry.
func (c *Coordinator) Accept(requestID string) error {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrRequestNotFound
	}
	if req.Status != StatusReceived {
		c.mu.Unlock()
		return fmt.Errorf("%w: accept on %s request", ErrInvalidState, req.Status)
	}
	req.Status = StatusAccepted
	req.RespondedAt = time.Now()
	c.mu.Unlock()

	// Derive the conversation key before answering: the requester's
	// identity exchange can arrive the moment the accept reaches them.
	conversationID := req.ConversationID()
	if peerKey, ok := c.keys.Get(req.FromPeerID); ok {
		if err := c.envelope.EstablishKey(conversationID, c.keys.LocalKeyPair().Private, peerKey); err != nil {
			c.mu.Lock()
			req.Status = StatusReceived
			req.RespondedAt = time.Time{}
			c.mu.Unlock()
			return err
		}
	}

	ev, err := transport.NewEvent(transport.KindKeyExchangeAccept, c.localPeerID, transport.KeyExchangeAcceptPayload{
		RequestID:   requestID,
		RecipientID: c.localPeerID,
		SenderID:    req.FromPeerID,
		PublicKey:   EncodeKey(c.keys.LocalKeyPair().Public),
	})
	if err == nil {
		err = c.transport.Send(req.FromPeerID, ev)
	}
	if err != nil {
		c.mu.Lock()
		req.Status = StatusReceived
		req.RespondedAt = time.Time{}
		c.mu.Unlock()
		c.envelope.DropKey(conversationID)
		logrus.WithFields(logrus.Fields{
			"function":   "Accept",
			"request_id": requestID,
			"error":      err.Error(),
		}).Warn("Accept not sent, reverting to received")
		return err
	}

	c.mu.Lock()
	c.persistLocked(req)
	c.mu.Unlock()
	c.notifyUpdate(requestID)

	c.sendUserData(requestID)
	return nil
}

// Decline moves a Received request to Declined and informs the
// requester, reverting on transport failure.
func (c *Coordinator) Decline(requestID, reason string) error {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrRequestNotFound
	}
	if req.Status != StatusReceived {
		c.mu.Unlock()
		return fmt.Errorf("%w: decline on %s request", ErrInvalidState, req.Status)
	}
	req.Status = StatusDeclined
	req.RespondedAt = time.Now()
	c.mu.Unlock()

	ev, err := transport.NewEvent(transport.KindKeyExchangeDecline, c.localPeerID, transport.KeyExchangeDeclinePayload{
		RequestID:   requestID,
		RecipientID: c.localPeerID,
		SenderID:    req.FromPeerID,
		Reason:      reason,
	})
	if err == nil {
		err = c.transport.Send(req.FromPeerID, ev)
	}
	if err != nil {
		c.mu.Lock()
		req.Status = StatusReceived
		req.RespondedAt = time.Time{}
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "Decline",
			"request_id": requestID,
			"error":      err.Error(),
		}).Warn("Decline not sent, reverting to received")
		return err
	}

	c.mu.Lock()
	c.persistLocked(req)
	c.mu.Unlock()
	c.notifyUpdate(requestID)
	return nil
}

// OnAccepted handles the requester's side of an accept: caches the
// responder's public key, derives the conversation key and starts
// phase 2. A request missing from memory is recovered from durable
// storage before giving up.
func (c *Coordinator) OnAccepted(p transport.KeyExchangeAcceptPayload) error {
	req, err := c.recover(p.RequestID)
	if err != nil {
		return err
	}

	peerKey, err := DecodeKey(p.PublicKey)
	if err != nil {
		return fmt.Errorf("accept for %s: %w", p.RequestID, err)
	}
	if err := c.keys.Put(p.RecipientID, peerKey); err != nil {
		return fmt.Errorf("cache peer key: %w", err)
	}

	c.mu.Lock()
	if req.Status.Terminal() {
		c.mu.Unlock()
		return nil // Duplicate accept after completion.
	}
	req.Status = StatusAccepted
	req.RespondedAt = time.Now()
	req.PublicKey = peerKey
	c.persistLocked(req)
	c.mu.Unlock()
	c.notifyUpdate(req.ID)

	logrus.WithFields(logrus.Fields{
		"function":   "OnAccepted",
		"request_id": req.ID,
		"peer":       p.RecipientID,
	}).Info("Key exchange accepted by peer")

	c.sendUserData(req.ID)
	return nil
}

// OnDeclined handles the requester's side of a decline.
func (c *Coordinator) OnDeclined(p transport.KeyExchangeDeclinePayload) error {
	req, err := c.recover(p.RequestID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if req.Status.Terminal() {
		c.mu.Unlock()
		return nil
	}
	req.Status = StatusDeclined
	req.RespondedAt = time.Now()
	c.persistLocked(req)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "OnDeclined",
		"request_id": req.ID,
		"reason":     p.Reason,
	}).Info("Key exchange declined by peer")
	c.notifyUpdate(req.ID)
	return nil
}

// OnUserDataExchange completes the handshake: it decrypts the peer's
// identity, stores the display name and transitions to Completed.
func (c *Coordinator) OnUserDataExchange(p transport.UserDataExchangePayload) error {
	sealed, err := crypto.SealedFromHex(p.Ciphertext, p.Checksum)
	if err != nil {
		return err
	}
	plaintext, err := c.envelope.Decrypt(sealed.Ciphertext, sealed.Checksum, p.ConversationID)
	if errors.Is(err, crypto.ErrKeyMissing) {
		// The peer's identity overtook the accept on the out-of-order
		// transport. Buffer it for a live request and replay it after
		// the conversation key is established.
		c.mu.Lock()
		live := c.liveConversationLocked(p.ConversationID) != nil
		if live {
			c.pendingUserData[p.ConversationID] = p
		}
		c.mu.Unlock()
		if live {
			logrus.WithFields(logrus.Fields{
				"function":        "OnUserDataExchange",
				"conversation_id": p.ConversationID,
			}).Info("Peer identity arrived before conversation key, buffered")
			return nil
		}
		return fmt.Errorf("user data for %s: %w", p.ConversationID, err)
	}
	if err != nil {
		return fmt.Errorf("user data for %s: %w", p.ConversationID, err)
	}

	c.mu.Lock()
	req := c.liveConversationLocked(p.ConversationID)
	if req == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: no live request for conversation %s", ErrRequestNotFound, p.ConversationID)
	}
	req.DisplayName = plaintext["displayName"]
	req.Status = StatusCompleted
	c.persistLocked(req)
	delete(c.pendingUserData, p.ConversationID)
	established := c.onEstablished
	peerID := req.PeerID(c.localPeerID)
	requestID := req.ID
	c.mu.Unlock()

	c.scheduler.Cancel(identityWaitKey(requestID))

	logrus.WithFields(logrus.Fields{
		"function":        "OnUserDataExchange",
		"request_id":      requestID,
		"conversation_id": p.ConversationID,
	}).Info("Key exchange completed")

	c.notifyUpdate(requestID)
	if established != nil {
		established(p.ConversationID, peerID)
	}
	return nil
}

// RetryFailed returns a Failed request to a retriable state: inbound
// requests go back to Received, outbound ones back to Accepted with a
// fresh phase-2 attempt budget.
func (c *Coordinator) RetryFailed(requestID string) error {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrRequestNotFound
	}
	if req.Status != StatusFailed {
		c.mu.Unlock()
		return fmt.Errorf("%w: retry on %s request", ErrInvalidState, req.Status)
	}

	req.phase2Attempts = 0
	inbound := req.ToPeerID == c.localPeerID
	if inbound {
		req.Status = StatusReceived
	} else {
		req.Status = StatusAccepted
	}
	c.persistLocked(req)
	c.mu.Unlock()
	c.notifyUpdate(requestID)

	if !inbound {
		c.sendUserData(requestID)
	}
	return nil
}

// Request returns a snapshot of a request.
func (c *Coordinator) Request(requestID string) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req.clone(), nil
}

// Requests returns a snapshot of all requests.
func (c *Coordinator) Requests() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, 0, len(c.requests))
	for _, req := range c.requests {
		out = append(out, req.clone())
	}
	return out
}

func phase2Key(requestID string) string {
	return "phase2:" + requestID
}

func identityWaitKey(requestID string) string {
	return "identitywait:" + requestID
}

// identityWait is how long an Accepted request waits for the peer's
// identity after our own went out, before it is marked Failed and
// handed back to the user as retriable.
func (c *Coordinator) identityWait() time.Duration {
	if c.backoff.Max > 0 {
		return c.backoff.Max
	}
	return c.backoff.Initial
}

// sendUserData performs phase 2: encrypt the local display name under
// the conversation key and send it. A missing peer key is a legitimate
// timing race, not an error; the send is retried on a backoff schedule
// until the key appears or the attempt ceiling marks the request
// Failed.
func (c *Coordinator) sendUserData(requestID string) {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	// Completed stays eligible: the peer may still be waiting for our
	// identity even after theirs arrived.
	if !ok || (req.Status != StatusAccepted && req.Status != StatusCompleted) {
		c.mu.Unlock()
		return
	}
	req.phase2Attempts++
	attempts := req.phase2Attempts
	peerID := req.PeerID(c.localPeerID)
	conversationID := req.ConversationID()
	c.mu.Unlock()

	err := c.trySendUserData(conversationID, peerID)
	if c.envelope.HasKey(conversationID) {
		// Establishing the key may have unblocked a buffered peer
		// identity that arrived out of order.
		c.replayPendingUserData(conversationID)
	}
	if err == nil {
		c.scheduler.Cancel(phase2Key(requestID))
		c.armIdentityWait(requestID)
		return
	}

	if c.backoff.Exhausted(attempts) {
		logrus.WithFields(logrus.Fields{
			"function":   "sendUserData",
			"request_id": requestID,
			"attempts":   attempts,
			"error":      err.Error(),
		}).Error("Identity exchange gave up, marking request failed")
		c.fail(requestID)
		return
	}

	delay := c.backoff.Delay(attempts)
	logrus.WithFields(logrus.Fields{
		"function":   "sendUserData",
		"request_id": requestID,
		"attempt":    attempts,
		"retry_in":   delay.String(),
		"error":      err.Error(),
	}).Info("Identity exchange deferred")
	c.scheduler.Schedule(phase2Key(requestID), delay, func() {
		c.sendUserData(requestID)
	})
}

func (c *Coordinator) trySendUserData(conversationID, peerID string) error {
	if !c.envelope.HasKey(conversationID) {
		peerKey, ok := c.keys.Get(peerID)
		if !ok {
			return crypto.ErrKeyMissing
		}
		if err := c.envelope.EstablishKey(conversationID, c.keys.LocalKeyPair().Private, peerKey); err != nil {
			return err
		}
	}

	sealed, err := c.envelope.Encrypt(map[string]string{"displayName": c.displayName}, conversationID)
	if err != nil {
		return err
	}

	ev, err := transport.NewEvent(transport.KindUserDataExchange, c.localPeerID, transport.UserDataExchangePayload{
		ConversationID: conversationID,
		Ciphertext:     sealed.HexCiphertext(),
		Checksum:       sealed.HexChecksum(),
	})
	if err != nil {
		return err
	}
	return c.transport.Send(peerID, ev)
}

// replayPendingUserData re-delivers a buffered out-of-order peer
// identity now that the conversation key exists.
func (c *Coordinator) replayPendingUserData(conversationID string) {
	c.mu.Lock()
	p, ok := c.pendingUserData[conversationID]
	if ok {
		delete(c.pendingUserData, conversationID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.OnUserDataExchange(p); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "replayPendingUserData",
			"conversation_id": conversationID,
			"error":           err.Error(),
		}).Warn("Buffered peer identity dropped on replay")
	}
}

// armIdentityWait bounds how long a request sits at Accepted waiting
// for the peer's identity. Without it, a lost phase-2 event would wedge
// the request in a non-terminal state that blocks a new handshake for
// the pair.
func (c *Coordinator) armIdentityWait(requestID string) {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	waiting := ok && req.Status == StatusAccepted
	c.mu.Unlock()
	if !waiting {
		return
	}

	c.scheduler.Schedule(identityWaitKey(requestID), c.identityWait(), func() {
		c.mu.Lock()
		req, ok := c.requests[requestID]
		expired := ok && req.Status == StatusAccepted
		c.mu.Unlock()
		if !expired {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":   "armIdentityWait",
			"request_id": requestID,
		}).Warn("Peer identity never arrived, marking request failed")
		c.fail(requestID)
	})
}

func (c *Coordinator) fail(requestID string) {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	if !ok || req.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	req.Status = StatusFailed
	c.persistLocked(req)
	c.mu.Unlock()
	c.notifyUpdate(requestID)
}

// recover finds a request in memory, falling back to durable storage
// (cold start, or a race with persistence).
func (c *Coordinator) recover(requestID string) (*Request, error) {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	c.mu.Unlock()
	if ok {
		return req, nil
	}

	if c.store != nil {
		stored, err := c.store.LoadRequest(requestID)
		if err != nil {
			return nil, fmt.Errorf("recover request %s: %w", requestID, err)
		}
		if stored != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "recover",
				"request_id": requestID,
			}).Info("Request recovered from storage")
			c.mu.Lock()
			c.requests[requestID] = stored
			c.mu.Unlock()
			return stored, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
}

func (c *Coordinator) persistLocked(req *Request) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveRequest(req.clone()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "persistLocked",
			"request_id": req.ID,
			"error":      err.Error(),
		}).Error("Failed to persist key exchange request")
	}
}

func (c *Coordinator) notifyUpdate(requestID string) {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	cb := c.onUpdate
	var snapshot *Request
	if ok {
		snapshot = req.clone()
	}
	c.mu.Unlock()

	if cb != nil && snapshot != nil {
		cb(snapshot)
	}
}

// livePairLocked returns the live request for the ordered (from, to)
// pair, if any. Callers hold c.mu.
func (c *Coordinator) livePairLocked(fromPeerID, toPeerID string) *Request {
	for _, req := range c.requests {
		if req.FromPeerID == fromPeerID && req.ToPeerID == toPeerID && !req.Status.Terminal() {
			return req
		}
	}
	return nil
}

// liveConversationLocked returns the live request for a conversation.
// Callers hold c.mu.
func (c *Coordinator) liveConversationLocked(conversationID string) *Request {
	for _, req := range c.requests {
		if req.ConversationID() == conversationID && !req.Status.Terminal() {
			return req
		}
	}
	return nil
}

// transition applies a simple status change with persistence and
// notification.
func (c *Coordinator) transition(requestID string, status Status) {
	c.mu.Lock()
	req, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return
	}
	req.Status = status
	c.persistLocked(req)
	c.mu.Unlock()
	c.notifyUpdate(requestID)
}
