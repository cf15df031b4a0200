package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisp-im/whisp/transport"
)

// testRelay is a minimal relay: it registers connections by the peer
// id in their IDENTIFY frame and forwards EVENT frames to the
// recipient's connection.
type testRelay struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func newTestRelay() *testRelay {
	return &testRelay{conns: make(map[string]*websocket.Conn)}
}

func (r *testRelay) handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		go r.serve(conn)
	}
}

func (r *testRelay) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameIdentify:
			r.mu.Lock()
			r.conns[f.To] = conn
			r.mu.Unlock()
		case frameEvent:
			r.mu.Lock()
			target, ok := r.conns[f.To]
			r.mu.Unlock()
			if ok {
				target.WriteMessage(websocket.TextMessage, data)
			}
		}
	}
}

func TestWebsocketTransportRoundTrip(t *testing.T) {
	relay := newTestRelay()
	server := httptest.NewServer(relay.handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	alice, err := Dial(url, "alice")
	require.NoError(t, err)
	defer alice.Close()

	bob, err := Dial(url, "bob")
	require.NoError(t, err)
	defer bob.Close()

	var mu sync.Mutex
	var got []transport.Event
	bob.Subscribe(func(ev transport.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	ev, err := transport.NewEvent(transport.KindTypingUpdate, "alice", transport.TypingUpdatePayload{
		ConversationID: "alice:bob",
		FromPeerID:     "alice",
	})
	require.NoError(t, err)

	// Identify frames race with the first send; retry until the relay
	// knows both peers.
	require.Eventually(t, func() bool {
		if err := alice.Send("bob", ev); err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, transport.KindTypingUpdate, got[0].Kind)
	assert.Equal(t, "alice", got[0].From)
}

func TestWebsocketSendAfterClose(t *testing.T) {
	relay := newTestRelay()
	server := httptest.NewServer(relay.handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	alice, err := Dial(url, "alice")
	require.NoError(t, err)
	require.NoError(t, alice.Close())

	ev, err := transport.NewEvent(transport.KindPresenceUpdate, "alice", transport.PresenceUpdatePayload{PeerID: "alice"})
	require.NoError(t, err)

	err = alice.Send("bob", ev)
	assert.ErrorIs(t, err, transport.ErrSendFailed)
}
