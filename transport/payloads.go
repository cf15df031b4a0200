package transport

// Payload structs for each event kind. Field names follow the wire
// contract; ciphertext and checksum are hex-encoded, timestamps are
// Unix milliseconds.

// KeyExchangeRequestPayload starts handshake phase 1. Public keys are
// not confidential and must be readable before any shared context
// exists, so the payload is unencrypted.
type KeyExchangeRequestPayload struct {
	RequestID  string `json:"requestId"`
	FromPeerID string `json:"fromPeerId"`
	PublicKey  string `json:"publicKey"`
	Phrase     string `json:"phrase"`
}

// KeyExchangeAcceptPayload answers a request. It carries the
// responder's public key so the requester can derive the conversation
// key without a further round trip.
type KeyExchangeAcceptPayload struct {
	RequestID   string `json:"requestId"`
	RecipientID string `json:"recipientId"`
	SenderID    string `json:"senderId"`
	PublicKey   string `json:"publicKey"`
}

// KeyExchangeDeclinePayload rejects a request.
type KeyExchangeDeclinePayload struct {
	RequestID   string `json:"requestId"`
	RecipientID string `json:"recipientId"`
	SenderID    string `json:"senderId"`
	Reason      string `json:"reason,omitempty"`
}

// UserDataExchangePayload is handshake phase 2: the requester's
// display name, encrypted under the freshly derived conversation key.
type UserDataExchangePayload struct {
	ConversationID string `json:"conversationId"`
	Ciphertext     string `json:"ciphertext"`
	Checksum       string `json:"checksum"`
}

// MessageSendPayload carries an encrypted chat message. The messageId
// is stable across retries; receivers treat repeats as duplicates, not
// new messages.
type MessageSendPayload struct {
	MessageID      string `json:"messageId"`
	FromPeerID     string `json:"fromPeerId"`
	ConversationID string `json:"conversationId"`
	Ciphertext     string `json:"ciphertext"`
	Checksum       string `json:"checksum"`
	Timestamp      int64  `json:"timestamp"`
}

// MessageStatusPayload is shared by message.acked, message.delivered
// and message.read. Status events carry no content, so they travel
// unencrypted. A read receipt covers a batch of message ids.
type MessageStatusPayload struct {
	MessageID  string   `json:"messageId,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// TypingUpdatePayload signals typing state, encrypted once a
// conversation key exists.
type TypingUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	FromPeerID     string `json:"fromPeerId"`
	Ciphertext     string `json:"ciphertext"`
	Checksum       string `json:"checksum"`
	Timestamp      int64  `json:"timestamp"`
}

// PresenceUpdatePayload signals online state, encrypted per
// conversation key of the receiving peer.
type PresenceUpdatePayload struct {
	PeerID     string `json:"peerId"`
	Ciphertext string `json:"ciphertext"`
	Checksum   string `json:"checksum"`
	Timestamp  int64  `json:"timestamp"`
}
