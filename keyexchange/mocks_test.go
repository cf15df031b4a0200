package keyexchange

import (
	"fmt"
	"sync"

	"github.com/whisp-im/whisp/crypto"
	"github.com/whisp-im/whisp/transport"
)

// mockTransport records sends and can fail on demand or forward events
// to a peer coordinator's handlers, simulating the wire synchronously.
type mockTransport struct {
	mu       sync.Mutex
	sent     []transport.Event
	failNext bool
	deliver  func(peerID string, ev transport.Event)
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Send(peerID string, ev transport.Event) error {
	m.mu.Lock()
	if m.failNext {
		m.failNext = false
		m.mu.Unlock()
		return fmt.Errorf("%w: injected failure", transport.ErrSendFailed)
	}
	m.sent = append(m.sent, ev)
	deliver := m.deliver
	m.mu.Unlock()

	if deliver != nil {
		deliver(peerID, ev)
	}
	return nil
}

func (m *mockTransport) Subscribe(transport.Handler) {}
func (m *mockTransport) Close() error                { return nil }

func (m *mockTransport) sentKinds() []transport.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]transport.Kind, len(m.sent))
	for i, ev := range m.sent {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (m *mockTransport) lastSent() (transport.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return transport.Event{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// memoryRequestStore is an in-memory Store for tests.
type memoryRequestStore struct {
	mu       sync.Mutex
	requests map[string]*Request
}

func newMemoryRequestStore() *memoryRequestStore {
	return &memoryRequestStore{requests: make(map[string]*Request)}
}

func (s *memoryRequestStore) SaveRequest(req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

func (s *memoryRequestStore) LoadRequest(requestID string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, nil
	}
	c := *req
	return &c, nil
}

// gatedKeystore hides peer keys until opened, simulating the timing
// race between phase-1 completion and the phase-2 send attempt.
type gatedKeystore struct {
	mu    sync.Mutex
	inner map[string][32]byte
	local *crypto.KeyPair
	gated bool
}

func newGatedKeystore(local *crypto.KeyPair) *gatedKeystore {
	return &gatedKeystore{inner: make(map[string][32]byte), local: local}
}

func (g *gatedKeystore) LocalKeyPair() *crypto.KeyPair { return g.local }

func (g *gatedKeystore) Get(peerID string) ([32]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gated {
		return [32]byte{}, false
	}
	key, ok := g.inner[peerID]
	return key, ok
}

func (g *gatedKeystore) Put(peerID string, key [32]byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inner[peerID] = key
	return nil
}

func (g *gatedKeystore) Has(peerID string) bool {
	_, ok := g.Get(peerID)
	return ok
}

func (g *gatedKeystore) setGated(gated bool) {
	g.mu.Lock()
	g.gated = gated
	g.mu.Unlock()
}
