// Package keystore holds the local key pair and caches peers' public
// keys. The Store interface is the collaborator contract consumed by
// the key-exchange coordinator; implementations range from a plain
// in-memory map to an encrypted-at-rest file store.
package keystore

import (
	"sync"

	"github.com/whisp-im/whisp/crypto"
)

// Store is the keystore collaborator contract: the local key pair plus
// a get/put/has cache of peer public keys.
type Store interface {
	// LocalKeyPair returns the local peer's key pair.
	LocalKeyPair() *crypto.KeyPair

	// Get returns a peer's cached public key, if known.
	Get(peerID string) ([32]byte, bool)

	// Put caches a peer's public key.
	Put(peerID string, publicKey [32]byte) error

	// Has reports whether a peer's public key is resident.
	Has(peerID string) bool
}

// Memory is an in-memory Store. Safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	local    *crypto.KeyPair
	peerKeys map[string][32]byte
}

// NewMemory creates a Memory store around an existing local key pair.
func NewMemory(local *crypto.KeyPair) *Memory {
	return &Memory{
		local:    local,
		peerKeys: make(map[string][32]byte),
	}
}

// NewGeneratedMemory creates a Memory store with a freshly generated
// local key pair.
func NewGeneratedMemory() (*Memory, error) {
	local, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return NewMemory(local), nil
}

// LocalKeyPair returns the local key pair.
func (m *Memory) LocalKeyPair() *crypto.KeyPair {
	return m.local
}

// Get returns a peer's cached public key, if known.
func (m *Memory) Get(peerID string) ([32]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.peerKeys[peerID]
	return key, ok
}

// Put caches a peer's public key.
func (m *Memory) Put(peerID string, publicKey [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerKeys[peerID] = publicKey
	return nil
}

// Has reports whether a peer's public key is resident.
func (m *Memory) Has(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peerKeys[peerID]
	return ok
}
