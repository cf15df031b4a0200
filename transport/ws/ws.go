// Package ws implements the Transport interface over a websocket
// connection to a relay. The relay fans frames out by recipient peer
// id; it never sees plaintext content, only the routing fields of the
// event envelope.
package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/whisp-im/whisp/transport"
)

const (
	// Time allowed to write a frame to the relay.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the relay.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the relay.
	maxFrameSize = 512 * 1024
)

// frame is the relay envelope: who the event is for, plus the event
// itself. The From field inside the event identifies the sender.
type frame struct {
	Type  string           `json:"type"`
	To    string           `json:"to,omitempty"`
	Event *transport.Event `json:"event,omitempty"`
}

const (
	frameIdentify = "IDENTIFY"
	frameEvent    = "EVENT"
)

// Transport is a websocket relay client implementing
// transport.Transport.
type Transport struct {
	peerID string
	conn   *websocket.Conn

	mu      sync.Mutex
	handler transport.Handler
	closed  bool

	send chan []byte
	done chan struct{}
}

// Dial connects to the relay, identifies as peerID, and starts the
// read/write pumps.
func Dial(relayURL, peerID string) (*Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay: %v", transport.ErrSendFailed, err)
	}

	t := &Transport{
		peerID: peerID,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	identify, err := json.Marshal(frame{Type: frameIdentify, To: peerID})
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.send <- identify

	go t.readPump()
	go t.writePump()

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"peer_id":  peerID,
		"relay":    relayURL,
	}).Info("Connected to relay")
	return t, nil
}

// Send queues an event frame for the relay.
func (t *Transport) Send(peerID string, ev transport.Event) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: transport closed", transport.ErrSendFailed)
	}

	data, err := json.Marshal(frame{Type: frameEvent, To: peerID, Event: &ev})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return fmt.Errorf("%w: transport closed", transport.ErrSendFailed)
	default:
		return fmt.Errorf("%w: send buffer full", transport.ErrSendFailed)
	}
}

// Subscribe registers the inbound event handler.
func (t *Transport) Subscribe(handler transport.Handler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// readPump reads frames from the relay and dispatches events
// sequentially to the subscriber.
func (t *Transport) readPump() {
	defer t.Close()

	t.conn.SetReadLimit(maxFrameSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"peer_id":  t.peerID,
					"error":    err.Error(),
				}).Warn("Relay connection lost")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"peer_id":  t.peerID,
				"error":    err.Error(),
			}).Warn("Dropping malformed relay frame")
			continue
		}
		if f.Type != frameEvent || f.Event == nil {
			continue
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(*f.Event)
		}
	}
}

// writePump writes queued frames and keepalive pings.
func (t *Transport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case data := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			t.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Close shuts the connection down.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	return t.conn.Close()
}
