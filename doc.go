// Package whisp implements the client-side core of an end-to-end
// encrypted messenger over an unreliable, at-least-once transport.
//
// A Client wires four pieces together:
//
//   - a key exchange coordinator that runs the two-phase handshake
//     (public keys in the clear, then display names encrypted under
//     the derived conversation key),
//   - a delivery state machine that walks every message through
//     queued, sent, acknowledged, delivered and read with bounded
//     retries and batched read receipts,
//   - a presence coordinator for debounced typing and online signals
//     cached remotely with a TTL,
//   - and a deduplicator that drops self-echoes and transport
//     duplicates before they reach any of the above.
//
// The transport is only assumed to deliver each event at least once,
// in any order. Everything above it is idempotent at the entity level,
// so duplication is handled twice over: once by the idempotency
// ledger, and again by the per-request and per-message state machines.
//
// Basic usage:
//
//	bus := transport.NewLoopback()
//	client, err := whisp.New(bus.Attach("alice"), &whisp.Options{
//		LocalPeerID: "alice",
//		DisplayName: "Alice",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Kill()
//
//	client.OnConversationEstablished(func(conversationID, peerID string) {
//		client.SendMessage(peerID, "hello")
//	})
//	client.SendFriendRequest("bob", "hi, it's alice")
package whisp
