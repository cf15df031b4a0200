package whisp

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisp-im/whisp/crypto"
	"github.com/whisp-im/whisp/dedup"
	"github.com/whisp-im/whisp/delivery"
	"github.com/whisp-im/whisp/keyexchange"
	"github.com/whisp-im/whisp/presence"
	"github.com/whisp-im/whisp/sched"
	"github.com/whisp-im/whisp/transport"
)

// Client is the secure messaging core. It owns the event pipeline
// (transport, self-echo filter, idempotency ledger, kind router) and
// the three coordinators behind it; one Client per local peer session.
type Client struct {
	options *Options

	envelope  *crypto.Envelope
	transport transport.Transport
	dedup     *dedup.Deduplicator
	sweeper   *sched.Ticker
	scheduler *sched.Scheduler

	keyExchange *keyexchange.Coordinator
	delivery    *delivery.StateMachine
	presence    *presence.Coordinator
}

// New creates a Client over the given transport and starts consuming
// events. Callers register callbacks and then drive the API; Kill
// releases everything.
func New(tr transport.Transport, options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.validate(tr); err != nil {
		return nil, err
	}
	if err := options.applyDefaults(); err != nil {
		return nil, err
	}

	envelope := crypto.NewEnvelope()
	scheduler := sched.NewScheduler()

	c := &Client{
		options:   options,
		envelope:  envelope,
		transport: tr,
		dedup:     dedup.New(options.LocalPeerID),
		scheduler: scheduler,
	}

	c.keyExchange = keyexchange.NewCoordinator(keyexchange.Config{
		LocalPeerID: options.LocalPeerID,
		DisplayName: options.DisplayName,
		Keys:        options.Keys,
		Envelope:    envelope,
		Transport:   tr,
		Store:       options.Store,
		Scheduler:   scheduler,
		Backoff:     options.HandshakeBackoff,
	})
	c.delivery = delivery.NewStateMachine(delivery.Config{
		LocalPeerID: options.LocalPeerID,
		Envelope:    envelope,
		Transport:   tr,
		Store:       options.Store,
		Scheduler:   scheduler,
		Backoff:     options.SendBackoff,
	})
	c.presence = presence.NewCoordinator(presence.Config{
		LocalPeerID: options.LocalPeerID,
		Envelope:    envelope,
		Transport:   tr,
		Scheduler:   scheduler,
	})

	// A completed handshake makes the peer a presence recipient.
	c.keyExchange.OnEstablished(func(conversationID, peerID string) {
		c.presence.TrackPeer(peerID, conversationID)
	})

	c.sweeper = sched.NewTicker(options.SweepInterval, func() {
		c.dedup.Sweep()
	})
	c.sweeper.Start()

	tr.Subscribe(c.handleEvent)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"peer_id":  options.LocalPeerID,
	}).Info("Client started")
	return c, nil
}

// handleEvent is the inbound pipeline: self-echo filter, idempotency
// ledger, then routing by event kind. Handler errors are logged and
// the event dropped; a bad event never stops the dispatcher.
func (c *Client) handleEvent(ev transport.Event) {
	if c.dedup.IsSelfEcho(ev) {
		logrus.WithFields(logrus.Fields{
			"function": "handleEvent",
			"event":    ev.Kind.String(),
		}).Debug("Dropping self-echo")
		return
	}
	if !c.dedup.ShouldProcess(ev) {
		return
	}

	if err := c.route(ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleEvent",
			"event":    ev.Kind.String(),
			"from":     ev.From,
			"error":    err.Error(),
		}).Warn("Event dropped")
	}
}

func (c *Client) route(ev transport.Event) error {
	switch ev.Kind {
	case transport.KindKeyExchangeRequest:
		var p transport.KeyExchangeRequestPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.keyExchange.OnRequestReceived(p)

	case transport.KindKeyExchangeAccept:
		var p transport.KeyExchangeAcceptPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.keyExchange.OnAccepted(p)

	case transport.KindKeyExchangeDecline:
		var p transport.KeyExchangeDeclinePayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.keyExchange.OnDeclined(p)

	case transport.KindUserDataExchange:
		var p transport.UserDataExchangePayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.keyExchange.OnUserDataExchange(p)

	case transport.KindMessageSend:
		var p transport.MessageSendPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.delivery.OnIncomingMessage(p)

	case transport.KindMessageAcked:
		var p transport.MessageStatusPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.delivery.OnAcked(p)

	case transport.KindMessageDelivered:
		var p transport.MessageStatusPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.delivery.OnDelivered(p)

	case transport.KindMessageRead:
		var p transport.MessageStatusPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.delivery.OnRead(p)

	case transport.KindTypingUpdate:
		var p transport.TypingUpdatePayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.presence.OnTypingUpdate(p)

	case transport.KindPresenceUpdate:
		var p transport.PresenceUpdatePayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.presence.OnPresenceUpdate(p)

	default:
		return fmt.Errorf("unroutable event kind %s", ev.Kind)
	}
}

// SendFriendRequest starts a handshake with a peer. The phrase is a
// human-readable context string shown to the recipient.
func (c *Client) SendFriendRequest(peerID, phrase string) (string, error) {
	return c.keyExchange.Initiate(peerID, phrase)
}

// AcceptFriendRequest accepts a received handshake request.
func (c *Client) AcceptFriendRequest(requestID string) error {
	return c.keyExchange.Accept(requestID)
}

// DeclineFriendRequest declines a received handshake request.
func (c *Client) DeclineFriendRequest(requestID, reason string) error {
	return c.keyExchange.Decline(requestID, reason)
}

// RetryFriendRequest re-kicks a Failed handshake.
func (c *Client) RetryFriendRequest(requestID string) error {
	return c.keyExchange.RetryFailed(requestID)
}

// FriendRequest returns a handshake request by id.
func (c *Client) FriendRequest(requestID string) (*keyexchange.Request, error) {
	return c.keyExchange.Request(requestID)
}

// FriendRequests returns a snapshot of all known handshake requests.
func (c *Client) FriendRequests() []*keyexchange.Request {
	return c.keyExchange.Requests()
}

// SendMessage encrypts and sends a message to a peer, returning the
// minted message id. Requires a completed handshake; without a
// conversation key the delivery retries and eventually fails.
func (c *Client) SendMessage(peerID, body string) (string, error) {
	msg := &delivery.Message{
		ID:             uuid.New().String(),
		ConversationID: crypto.ConversationID(c.options.LocalPeerID, peerID),
		SenderID:       c.options.LocalPeerID,
		RecipientID:    peerID,
		Body:           body,
		CreatedAt:      time.Now(),
	}
	if err := c.delivery.Send(msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// RetryMessage resets a Failed message back to Queued and resends it
// under the same id.
func (c *Client) RetryMessage(messageID string) error {
	return c.delivery.Retry(messageID)
}

// MessageRecord returns the delivery record for a message.
func (c *Client) MessageRecord(messageID string) (*delivery.Record, error) {
	return c.delivery.Record(messageID)
}

// MarkConversationRead marks all delivered-unread messages of a
// conversation Read and sends one batched read receipt.
func (c *Client) MarkConversationRead(conversationID string) error {
	return c.delivery.MarkConversationRead(conversationID)
}

// SetTyping reports local typing input for a conversation.
func (c *Client) SetTyping(conversationID string, isTyping bool) {
	c.presence.SetTyping(conversationID, isTyping)
}

// SetPresence reports the local online state.
func (c *Client) SetPresence(isOnline bool) {
	c.presence.SetPresence(isOnline)
}

// IsOnline reports a peer's cached presence.
func (c *Client) IsOnline(peerID string) bool {
	return c.presence.IsOnline(peerID)
}

// IsTyping reports a peer's cached typing state.
func (c *Client) IsTyping(peerID string) bool {
	return c.presence.IsTyping(peerID)
}

// ConversationID returns the canonical conversation id for the local
// peer and the given peer.
func (c *Client) ConversationID(peerID string) string {
	return crypto.ConversationID(c.options.LocalPeerID, peerID)
}

// OnFriendRequest registers the callback for inbound handshake
// requests.
func (c *Client) OnFriendRequest(cb func(req *keyexchange.Request)) {
	c.keyExchange.OnRequest(cb)
}

// OnFriendRequestUpdate registers the callback for handshake status
// changes.
func (c *Client) OnFriendRequestUpdate(cb func(req *keyexchange.Request)) {
	c.keyExchange.OnUpdate(cb)
}

// OnConversationEstablished registers the callback fired when a
// handshake completes and the conversation becomes usable.
func (c *Client) OnConversationEstablished(cb func(conversationID, peerID string)) {
	c.keyExchange.OnEstablished(func(conversationID, peerID string) {
		c.presence.TrackPeer(peerID, conversationID)
		cb(conversationID, peerID)
	})
}

// Subscribe registers a per-conversation observer for inbound messages
// and delivery state changes. Returns the subscription id for
// Unsubscribe.
func (c *Client) Subscribe(conversationID string, obs delivery.Observer) int {
	return c.delivery.Subscribe(conversationID, obs)
}

// Unsubscribe removes a conversation observer.
func (c *Client) Unsubscribe(conversationID string, id int) {
	c.delivery.Unsubscribe(conversationID, id)
}

// OnTyping registers the callback for remote typing changes.
func (c *Client) OnTyping(cb func(peerID string, isTyping bool)) {
	c.presence.OnTyping(cb)
}

// OnPresence registers the callback for remote presence changes.
func (c *Client) OnPresence(cb func(peerID string, isOnline bool)) {
	c.presence.OnPresence(cb)
}

// Kill stops the pipeline and releases all timers and the transport.
func (c *Client) Kill() {
	c.sweeper.Stop()
	c.presence.Close()
	c.delivery.Close()
	c.scheduler.Close()
	if err := c.transport.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Kill",
			"error":    err.Error(),
		}).Warn("Transport close failed")
	}
	logrus.WithFields(logrus.Fields{
		"function": "Kill",
		"peer_id":  c.options.LocalPeerID,
	}).Info("Client stopped")
}
