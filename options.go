package whisp

import (
	"errors"
	"time"

	"github.com/whisp-im/whisp/delivery"
	"github.com/whisp-im/whisp/keyexchange"
	"github.com/whisp-im/whisp/keystore"
	"github.com/whisp-im/whisp/sched"
	"github.com/whisp-im/whisp/storage"
	"github.com/whisp-im/whisp/transport"
)

// Store is the persistence collaborator for crash recovery: handshake
// requests and delivery records together.
type Store interface {
	keyexchange.Store
	delivery.Store
}

// Options configures a Client. NewOptions returns usable defaults with
// ephemeral in-memory keys and storage; production clients supply an
// encrypted keystore and a file store.
type Options struct {
	// LocalPeerID is the transport-level session identifier of this
	// client. Required.
	LocalPeerID string

	// DisplayName is the human label exchanged during handshake
	// phase 2. Defaults to LocalPeerID.
	DisplayName string

	// Keys holds the local key pair and peer public keys. Defaults to
	// a fresh in-memory store with a generated key pair.
	Keys keystore.Store

	// Store persists handshakes and delivery records. Defaults to
	// in-memory.
	Store Store

	// SendBackoff and HandshakeBackoff override the retry policies.
	SendBackoff      sched.Backoff
	HandshakeBackoff sched.Backoff

	// SweepInterval is how often the dedup ledger is purged.
	SweepInterval time.Duration
}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		SendBackoff:      sched.DefaultSendBackoff(),
		HandshakeBackoff: sched.DefaultHandshakeBackoff(),
		SweepInterval:    dedupSweepInterval,
	}
}

const dedupSweepInterval = time.Minute

func (o *Options) validate(tr transport.Transport) error {
	if o.LocalPeerID == "" {
		return errors.New("options: LocalPeerID is required")
	}
	if tr == nil {
		return errors.New("options: transport is required")
	}
	return nil
}

func (o *Options) applyDefaults() error {
	if o.DisplayName == "" {
		o.DisplayName = o.LocalPeerID
	}
	if o.Keys == nil {
		keys, err := keystore.NewGeneratedMemory()
		if err != nil {
			return err
		}
		o.Keys = keys
	}
	if o.Store == nil {
		o.Store = storage.NewMemory()
	}
	if o.SendBackoff.Initial == 0 {
		o.SendBackoff = sched.DefaultSendBackoff()
	}
	if o.HandshakeBackoff.Initial == 0 {
		o.HandshakeBackoff = sched.DefaultHandshakeBackoff()
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = dedupSweepInterval
	}
	return nil
}
