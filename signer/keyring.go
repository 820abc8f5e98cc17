package signer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog/log"
)

// ErrUnknownIdentity is returned for a public key with no loaded key.
var ErrUnknownIdentity = errors.New("unknown identity")

// Keyring holds one Service per local identity.
type Keyring struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{services: make(map[string]*Service)}
}

// Add registers svc under its public key.
func (k *Keyring) Add(svc *Service) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.services[svc.PublicKey()] = svc
}

// Get returns the service for identity.
func (k *Keyring) Get(identity string) (*Service, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	svc, ok := k.services[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	return svc, nil
}

// Identities lists loaded public keys in sorted order.
func (k *Keyring) Identities() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.services))
	for pk := range k.services {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

// Close zeroes every key.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for pk, svc := range k.services {
		svc.Close()
		delete(k.services, pk)
	}
}

// LoadKeyring unseals every key in ks. Keys flagged for presence
// confirmation get gate; gate may be nil when no key needs it.
func LoadKeyring(ctx context.Context, ks *Keystore, gate PresenceGate, exec *Executor) (*Keyring, error) {
	entries, err := ks.Load(ctx)
	if err != nil {
		return nil, err
	}

	ring := NewKeyring()
	for _, entry := range entries {
		key, _ := btcec.PrivKeyFromBytes(entry.Secret)
		zero(entry.Secret)

		opts := []ServiceOption{WithLabel(entry.Label), WithExecutor(exec)}
		if entry.RequirePresence {
			if gate == nil {
				ring.Close()
				return nil, fmt.Errorf("key %q requires presence confirmation but no gate is configured", entry.Label)
			}
			opts = append(opts, WithPresenceGate(gate))
		}
		svc := NewService(key, opts...)
		ring.Add(svc)

		log.Info().
			Str("identity", svc.PublicKey()).
			Str("label", entry.Label).
			Bool("require_presence", entry.RequirePresence).
			Msg("Identity loaded")
	}
	return ring, nil
}
