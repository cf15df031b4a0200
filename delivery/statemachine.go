package delivery

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisp-im/whisp/crypto"
	"github.com/whisp-im/whisp/sched"
	"github.com/whisp-im/whisp/transport"
)

// Observer receives per-conversation notifications. Registered with
// Subscribe and removed with Unsubscribe; lifecycle is explicit, there
// is no global "active chat" map.
type Observer struct {
	// OnMessage fires exactly once per newly delivered inbound
	// message; duplicates never re-surface.
	OnMessage func(msg *Message)

	// OnStateChange fires on every delivery state transition for
	// messages in the conversation.
	OnStateChange func(messageID string, state State)
}

// StateMachine owns every delivery record for the local peer.
type StateMachine struct {
	localPeerID string

	envelope  *crypto.Envelope
	transport transport.Transport
	store     Store
	scheduler *sched.Scheduler
	backoff   sched.Backoff

	mu           sync.Mutex
	messages     map[string]*Message
	records      map[string]*Record
	observers    map[string]map[int]Observer
	nextObserver int
	pendingReads map[string][]string
}

// Config carries the state machine's collaborators.
type Config struct {
	LocalPeerID string
	Envelope    *crypto.Envelope
	Transport   transport.Transport
	Store       Store
	Scheduler   *sched.Scheduler
	Backoff     sched.Backoff
}

// NewStateMachine creates a StateMachine.
func NewStateMachine(cfg Config) *StateMachine {
	backoff := cfg.Backoff
	if backoff.Initial == 0 {
		backoff = sched.DefaultSendBackoff()
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = sched.NewScheduler()
	}
	return &StateMachine{
		localPeerID:  cfg.LocalPeerID,
		envelope:     cfg.Envelope,
		transport:    cfg.Transport,
		store:        cfg.Store,
		scheduler:    scheduler,
		backoff:      backoff,
		messages:     make(map[string]*Message),
		records:      make(map[string]*Record),
		observers:    make(map[string]map[int]Observer),
		pendingReads: make(map[string][]string),
	}
}

// Subscribe registers an observer for a conversation and returns the
// subscription id used to unsubscribe.
func (sm *StateMachine) Subscribe(conversationID string, obs Observer) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.nextObserver++
	id := sm.nextObserver
	if sm.observers[conversationID] == nil {
		sm.observers[conversationID] = make(map[int]Observer)
	}
	sm.observers[conversationID][id] = obs
	return id
}

// Unsubscribe removes an observer.
func (sm *StateMachine) Unsubscribe(conversationID string, id int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if obs, ok := sm.observers[conversationID]; ok {
		delete(obs, id)
		if len(obs) == 0 {
			delete(sm.observers, conversationID)
		}
	}
}

func sendKey(messageID string) string {
	return "send:" + messageID
}

// Send enqueues a message and starts its delivery. The record enters
// Queued; the first attempt runs inline and failures are retried on a
// backoff schedule until the attempt ceiling marks the record Failed.
// A retry always resends the same message id.
func (sm *StateMachine) Send(msg *Message) error {
	if msg.ID == "" || msg.ConversationID == "" || msg.RecipientID == "" {
		return fmt.Errorf("%w: message missing id, conversation or recipient", ErrInvalidState)
	}

	sm.mu.Lock()
	if rec, exists := sm.records[msg.ID]; exists {
		sm.mu.Unlock()
		if rec.State == StateFailed {
			return fmt.Errorf("%w: message %s, use Retry", ErrDeliveryFailed, msg.ID)
		}
		return fmt.Errorf("%w: message %s already tracked", ErrInvalidState, msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	sm.messages[msg.ID] = msg
	rec := &Record{MessageID: msg.ID, State: StateQueued}
	sm.records[msg.ID] = rec
	sm.persistLocked(rec)
	sm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Send",
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
	}).Info("Message queued")

	sm.attempt(msg.ID)
	return nil
}

// attempt encrypts and sends one delivery attempt. Attempts for a
// single message are serialized by the scheduler key; an ack arriving
// mid-flight cancels the next retry.
func (sm *StateMachine) attempt(messageID string) {
	sm.mu.Lock()
	rec, ok := sm.records[messageID]
	msg := sm.messages[messageID]
	if !ok || msg == nil || rec.State != StateQueued {
		sm.mu.Unlock()
		return
	}
	rec.Attempts++
	rec.LastAttemptAt = time.Now()
	attempts := rec.Attempts
	sm.persistLocked(rec)
	sm.mu.Unlock()

	err := sm.trySend(msg)
	if err == nil {
		sm.scheduler.Cancel(sendKey(messageID))
		sm.advance(messageID, StateSent)
		return
	}

	if sm.backoff.Exhausted(attempts) {
		logrus.WithFields(logrus.Fields{
			"function":   "attempt",
			"message_id": messageID,
			"attempts":   attempts,
			"error":      err.Error(),
		}).Error("Delivery gave up, marking message failed")
		sm.markFailed(messageID)
		return
	}

	delay := sm.backoff.Delay(attempts)
	sm.mu.Lock()
	rec.NextRetryAt = time.Now().Add(delay)
	sm.persistLocked(rec)
	sm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "attempt",
		"message_id": messageID,
		"attempt":    attempts,
		"retry_in":   delay.String(),
		"error":      err.Error(),
	}).Info("Delivery attempt failed, retry scheduled")
	sm.scheduler.Schedule(sendKey(messageID), delay, func() {
		sm.attempt(messageID)
	})
}

func (sm *StateMachine) trySend(msg *Message) error {
	sealed, err := sm.envelope.Encrypt(map[string]string{"body": msg.Body}, msg.ConversationID)
	if err != nil {
		return err
	}

	ev, err := transport.NewEvent(transport.KindMessageSend, sm.localPeerID, transport.MessageSendPayload{
		MessageID:      msg.ID,
		FromPeerID:     sm.localPeerID,
		ConversationID: msg.ConversationID,
		Ciphertext:     sealed.HexCiphertext(),
		Checksum:       sealed.HexChecksum(),
		Timestamp:      msg.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return sm.transport.Send(msg.RecipientID, ev)
}

// OnAcked advances Sent to Acknowledged.
func (sm *StateMachine) OnAcked(p transport.MessageStatusPayload) error {
	return sm.advanceAll(p, StateAcknowledged)
}

// OnDelivered advances to Delivered. This transition is peer-confirmed,
// never assumed.
func (sm *StateMachine) OnDelivered(p transport.MessageStatusPayload) error {
	return sm.advanceAll(p, StateDelivered)
}

// OnRead advances to Read. The payload carries the whole batch the
// peer marked read at once.
func (sm *StateMachine) OnRead(p transport.MessageStatusPayload) error {
	return sm.advanceAll(p, StateRead)
}

func statusPayloadIDs(p transport.MessageStatusPayload) []string {
	ids := p.MessageIDs
	if p.MessageID != "" {
		ids = append([]string{p.MessageID}, ids...)
	}
	return ids
}

func (sm *StateMachine) advanceAll(p transport.MessageStatusPayload, state State) error {
	ids := statusPayloadIDs(p)
	if len(ids) == 0 {
		return fmt.Errorf("%w: status event without message ids", ErrUnknownMessage)
	}
	var firstErr error
	for _, id := range ids {
		if err := sm.advance(id, state); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// advance applies a forward transition, enforcing monotonicity: a
// stale or duplicate receipt that would move the state backwards is
// ignored. Reaching Acknowledged or beyond cancels any in-flight
// retry.
func (sm *StateMachine) advance(messageID string, state State) error {
	sm.mu.Lock()
	rec, ok := sm.records[messageID]
	if !ok {
		rec = sm.recoverLocked(messageID)
	}
	if rec == nil {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if rec.State == StateFailed || rec.State.rank() >= state.rank() {
		sm.mu.Unlock()
		return nil
	}
	rec.State = state
	sm.persistLocked(rec)
	var conversationID string
	if msg := sm.messages[messageID]; msg != nil {
		conversationID = msg.ConversationID
	}
	sm.mu.Unlock()

	if state.rank() >= StateAcknowledged.rank() {
		sm.scheduler.Cancel(sendKey(messageID))
	}

	logrus.WithFields(logrus.Fields{
		"function":   "advance",
		"message_id": messageID,
		"state":      state.String(),
	}).Debug("Delivery state advanced")

	sm.notifyState(conversationID, messageID, state)
	return nil
}

func (sm *StateMachine) markFailed(messageID string) {
	sm.mu.Lock()
	rec, ok := sm.records[messageID]
	if !ok || rec.State.Terminal() {
		sm.mu.Unlock()
		return
	}
	rec.State = StateFailed
	sm.persistLocked(rec)
	var conversationID string
	if msg := sm.messages[messageID]; msg != nil {
		conversationID = msg.ConversationID
	}
	sm.mu.Unlock()

	sm.scheduler.Cancel(sendKey(messageID))
	sm.notifyState(conversationID, messageID, StateFailed)
}

// Retry resets a Failed record to Queued with a fresh attempt budget
// and sends immediately. The message id is reused. A record known only
// to durable storage is recovered first, but message bodies are not
// persisted: after a restart there is nothing left to resend and the
// retry is rejected.
func (sm *StateMachine) Retry(messageID string) error {
	sm.mu.Lock()
	rec, ok := sm.records[messageID]
	if !ok {
		rec = sm.recoverLocked(messageID)
	}
	if rec == nil {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if rec.State != StateFailed {
		sm.mu.Unlock()
		return fmt.Errorf("%w: retry on %s record", ErrInvalidState, rec.State)
	}
	if sm.messages[messageID] == nil {
		sm.mu.Unlock()
		return fmt.Errorf("%w: body of message %s was not retained, cannot resend", ErrInvalidState, messageID)
	}
	rec.State = StateQueued
	rec.Attempts = 0
	rec.NextRetryAt = time.Time{}
	sm.persistLocked(rec)
	var conversationID string
	if msg := sm.messages[messageID]; msg != nil {
		conversationID = msg.ConversationID
	}
	sm.mu.Unlock()

	sm.notifyState(conversationID, messageID, StateQueued)
	sm.attempt(messageID)
	return nil
}

// OnIncomingMessage decrypts an inbound message. A duplicate delivery
// is discarded after re-sending the delivery receipt, so the sender's
// retry logic settles without the content re-surfacing. A new message
// creates its record directly at Delivered and notifies observers
// exactly once.
func (sm *StateMachine) OnIncomingMessage(p transport.MessageSendPayload) error {
	sealed, err := crypto.SealedFromHex(p.Ciphertext, p.Checksum)
	if err != nil {
		return err
	}
	plaintext, err := sm.envelope.Decrypt(sealed.Ciphertext, sealed.Checksum, p.ConversationID)
	if err != nil {
		return fmt.Errorf("message %s: %w", p.MessageID, err)
	}

	sm.mu.Lock()
	if rec, ok := sm.records[p.MessageID]; ok && rec.State.rank() >= StateDelivered.rank() {
		sm.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "OnIncomingMessage",
			"message_id": p.MessageID,
		}).Debug("Duplicate message delivery, re-acking")
		return sm.sendDeliveryReceipt(p.FromPeerID, p.MessageID)
	}

	msg := &Message{
		ID:             p.MessageID,
		ConversationID: p.ConversationID,
		SenderID:       p.FromPeerID,
		RecipientID:    sm.localPeerID,
		Body:           plaintext["body"],
		CreatedAt:      time.UnixMilli(p.Timestamp),
	}
	sm.messages[msg.ID] = msg
	rec := &Record{MessageID: msg.ID, State: StateDelivered}
	sm.records[msg.ID] = rec
	sm.persistLocked(rec)
	sm.pendingReads[p.ConversationID] = append(sm.pendingReads[p.ConversationID], msg.ID)
	sm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "OnIncomingMessage",
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
	}).Info("Message delivered")

	sm.notifyMessage(msg)
	return sm.sendDeliveryReceipt(p.FromPeerID, p.MessageID)
}

func (sm *StateMachine) sendDeliveryReceipt(peerID, messageID string) error {
	ev, err := transport.NewEvent(transport.KindMessageDelivered, sm.localPeerID, transport.MessageStatusPayload{
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return sm.transport.Send(peerID, ev)
}

// MarkConversationRead marks every delivered-unread inbound message of
// a conversation Read and sends one batched read receipt, bounding
// notification volume to a single event per flush.
func (sm *StateMachine) MarkConversationRead(conversationID string) error {
	sm.mu.Lock()
	pending := sm.pendingReads[conversationID]
	if len(pending) == 0 {
		sm.mu.Unlock()
		return nil
	}
	delete(sm.pendingReads, conversationID)
	var peerID string
	for _, id := range pending {
		if rec, ok := sm.records[id]; ok && rec.State.rank() < StateRead.rank() && rec.State != StateFailed {
			rec.State = StateRead
			sm.persistLocked(rec)
		}
		if msg := sm.messages[id]; msg != nil && peerID == "" {
			peerID = msg.SenderID
		}
	}
	sm.mu.Unlock()

	for _, id := range pending {
		sm.notifyState(conversationID, id, StateRead)
	}

	if peerID == "" {
		return nil
	}
	ev, err := transport.NewEvent(transport.KindMessageRead, sm.localPeerID, transport.MessageStatusPayload{
		MessageIDs: pending,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := sm.transport.Send(peerID, ev); err != nil {
		// Read receipts are lossy-tolerable; the local state stays
		// Read and the peer catches up on the next batch.
		logrus.WithFields(logrus.Fields{
			"function":        "MarkConversationRead",
			"conversation_id": conversationID,
			"error":           err.Error(),
		}).Warn("Read receipt not sent")
		return err
	}
	return nil
}

// Record returns a snapshot of a delivery record.
func (sm *StateMachine) Record(messageID string) (*Record, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	rec, ok := sm.records[messageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	return rec.clone(), nil
}

// Message returns a tracked message by id.
func (sm *StateMachine) Message(messageID string) (*Message, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	msg, ok := sm.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	c := *msg
	return &c, nil
}

// recoverLocked pulls a record from durable storage after a cold
// start. Callers hold sm.mu.
func (sm *StateMachine) recoverLocked(messageID string) *Record {
	if sm.store == nil {
		return nil
	}
	rec, err := sm.store.LoadDeliveryRecord(messageID)
	if err != nil || rec == nil {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function":   "recoverLocked",
		"message_id": messageID,
	}).Info("Delivery record recovered from storage")
	sm.records[messageID] = rec
	return rec
}

func (sm *StateMachine) persistLocked(rec *Record) {
	if sm.store == nil {
		return
	}
	if err := sm.store.SaveDeliveryRecord(rec.clone()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "persistLocked",
			"message_id": rec.MessageID,
			"error":      err.Error(),
		}).Error("Failed to persist delivery record")
	}
}

func (sm *StateMachine) notifyMessage(msg *Message) {
	sm.mu.Lock()
	var callbacks []func(*Message)
	for _, obs := range sm.observers[msg.ConversationID] {
		if obs.OnMessage != nil {
			callbacks = append(callbacks, obs.OnMessage)
		}
	}
	sm.mu.Unlock()

	c := *msg
	for _, cb := range callbacks {
		cb(&c)
	}
}

func (sm *StateMachine) notifyState(conversationID, messageID string, state State) {
	if conversationID == "" {
		return
	}
	sm.mu.Lock()
	var callbacks []func(string, State)
	for _, obs := range sm.observers[conversationID] {
		if obs.OnStateChange != nil {
			callbacks = append(callbacks, obs.OnStateChange)
		}
	}
	sm.mu.Unlock()

	for _, cb := range callbacks {
		cb(messageID, state)
	}
}

// Close cancels all pending retries.
func (sm *StateMachine) Close() {
	sm.scheduler.Close()
}
