package transport

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Loopback is an in-memory message bus connecting endpoints by peer
// id. It exists for tests and local demos and can misbehave on
// purpose: duplicate deliveries, echo events back to their sender, and
// fail sends, to exercise the same failure modes a real push channel
// shows.
type Loopback struct {
	mu        sync.RWMutex
	endpoints map[string]*LoopbackEndpoint
}

// NewLoopback creates an empty loopback bus.
func NewLoopback() *Loopback {
	return &Loopback{endpoints: make(map[string]*LoopbackEndpoint)}
}

// Attach registers a peer on the bus and returns its endpoint.
func (l *Loopback) Attach(peerID string) *LoopbackEndpoint {
	ep := &LoopbackEndpoint{
		bus:    l,
		peerID: peerID,
		inbox:  make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go ep.dispatchLoop()

	l.mu.Lock()
	l.endpoints[peerID] = ep
	l.mu.Unlock()
	return ep
}

func (l *Loopback) endpoint(peerID string) (*LoopbackEndpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ep, ok := l.endpoints[peerID]
	return ep, ok
}

// LoopbackEndpoint is one peer's Transport on a Loopback bus. Inbound
// events are dispatched sequentially from a single goroutine, matching
// the ordering contract of the real transports.
type LoopbackEndpoint struct {
	bus    *Loopback
	peerID string

	mu         sync.Mutex
	handler    Handler
	duplicates int
	echoSender bool
	failSends  bool
	closed     bool

	inbox chan Event
	done  chan struct{}
}

// Subscribe registers the inbound event handler.
func (e *LoopbackEndpoint) Subscribe(handler Handler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// SetDuplicates makes every inbound delivery arrive n extra times.
func (e *LoopbackEndpoint) SetDuplicates(n int) {
	e.mu.Lock()
	e.duplicates = n
	e.mu.Unlock()
}

// SetEchoSender makes the bus bounce each sent event back to its
// sender, simulating a push channel that fans out to all devices
// including the origin.
func (e *LoopbackEndpoint) SetEchoSender(echo bool) {
	e.mu.Lock()
	e.echoSender = echo
	e.mu.Unlock()
}

// SetFailSends makes Send return ErrSendFailed without delivering.
func (e *LoopbackEndpoint) SetFailSends(fail bool) {
	e.mu.Lock()
	e.failSends = fail
	e.mu.Unlock()
}

// Send delivers the event to the target peer's endpoint.
func (e *LoopbackEndpoint) Send(peerID string, ev Event) error {
	e.mu.Lock()
	failSends := e.failSends
	echo := e.echoSender
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return fmt.Errorf("%w: endpoint closed", ErrSendFailed)
	}
	if failSends {
		return fmt.Errorf("%w: injected failure", ErrSendFailed)
	}

	target, ok := e.bus.endpoint(peerID)
	if !ok {
		return fmt.Errorf("%w: no such peer %s", ErrSendFailed, peerID)
	}
	target.deliver(ev)

	if echo {
		e.deliver(ev)
	}
	return nil
}

func (e *LoopbackEndpoint) deliver(ev Event) {
	e.mu.Lock()
	copies := 1 + e.duplicates
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return
	}
	for i := 0; i < copies; i++ {
		select {
		case e.inbox <- ev:
		case <-e.done:
			return
		}
	}
}

func (e *LoopbackEndpoint) dispatchLoop() {
	for {
		select {
		case ev := <-e.inbox:
			e.mu.Lock()
			handler := e.handler
			e.mu.Unlock()
			if handler == nil {
				logrus.WithFields(logrus.Fields{
					"function": "dispatchLoop",
					"peer_id":  e.peerID,
					"event":    ev.Kind.String(),
				}).Warn("Dropping event: no subscriber")
				continue
			}
			handler(ev)
		case <-e.done:
			return
		}
	}
}

// Close detaches the endpoint from the bus.
func (e *LoopbackEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)

	e.bus.mu.Lock()
	delete(e.bus.endpoints, e.peerID)
	e.bus.mu.Unlock()
	return nil
}
