// Package signer holds identity keys and performs every operation that
// needs them: event signatures, ECDH-based encryption and decryption. Keys
// never leave a Service.
package signer

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/codec"
	"github.com/mesmerverse/bunker/nostr"
)

// UnsignedEvent is an event template submitted for signing.
type UnsignedEvent struct {
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      nostr.Tags `json:"tags"`
	CreatedAt int64      `json:"created_at"`
}

// SignResult is either Signed or Rejected.
type SignResult interface {
	signResult()
}

// Signed carries the finished event.
type Signed struct {
	Event *nostr.Event
}

// Rejected means the key holder declined to sign.
type Rejected struct {
	Reason string
}

func (Signed) signResult()   {}
func (Rejected) signResult() {}

// PresenceRequest describes a signature awaiting physical confirmation.
type PresenceRequest struct {
	Identity string
	Kind     int
	Summary  string
}

// PresenceGate asks the key holder to confirm a signature, e.g. with a
// hardware token or a biometric prompt on a paired device.
type PresenceGate interface {
	Confirm(ctx context.Context, req PresenceRequest) (bool, error)
}

// Service signs and encrypts for one identity.
type Service struct {
	key             *btcec.PrivateKey
	pubkey          string
	label           string
	requirePresence bool
	gate            PresenceGate
	exec            *Executor
	convKeys        *keyCache
	now             func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPresenceGate requires gate confirmation before each signature.
func WithPresenceGate(gate PresenceGate) ServiceOption {
	return func(s *Service) {
		s.gate = gate
		s.requirePresence = gate != nil
	}
}

// WithExecutor shares a bounded executor between services.
func WithExecutor(exec *Executor) ServiceOption {
	return func(s *Service) { s.exec = exec }
}

// WithLabel names the identity in logs.
func WithLabel(label string) ServiceOption {
	return func(s *Service) { s.label = label }
}

// WithClock overrides the created_at default for templates without one.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wraps key. The caller must not keep other references to it.
func NewService(key *btcec.PrivateKey, opts ...ServiceOption) *Service {
	s := &Service{
		key:      key,
		pubkey:   nostr.PublicKeyHex(key),
		convKeys: newKeyCache(256),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.exec == nil {
		s.exec = NewExecutor(4)
	}
	return s
}

// PublicKey returns the identity's x-only public key in hex.
func (s *Service) PublicKey() string {
	return s.pubkey
}

// Label returns the configured label.
func (s *Service) Label() string {
	return s.label
}

// Sign signs tmpl. When a presence gate is configured the key holder is
// asked first; a refusal yields Rejected, not an error.
func (s *Service) Sign(ctx context.Context, tmpl UnsignedEvent) (SignResult, error) {
	var result SignResult
	err := s.exec.Do(ctx, func(ctx context.Context) error {
		if s.requirePresence {
			ok, err := s.gate.Confirm(ctx, PresenceRequest{
				Identity: s.pubkey,
				Kind:     tmpl.Kind,
				Summary:  summarize(tmpl),
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// An unanswered or unreachable prompt counts as a refusal.
				log.Warn().Err(err).Str("identity", s.pubkey).Int("kind", tmpl.Kind).Msg("Presence confirmation unavailable")
				result = Rejected{Reason: "presence confirmation unavailable"}
				return nil
			}
			if !ok {
				log.Info().Str("identity", s.pubkey).Int("kind", tmpl.Kind).Msg("Signature declined by key holder")
				result = Rejected{Reason: "declined by key holder"}
				return nil
			}
		}

		ev := &nostr.Event{
			CreatedAt: tmpl.CreatedAt,
			Kind:      tmpl.Kind,
			Tags:      tmpl.Tags,
			Content:   tmpl.Content,
		}
		if ev.CreatedAt == 0 {
			ev.CreatedAt = s.now().Unix()
		}
		if ev.Tags == nil {
			ev.Tags = nostr.Tags{}
		}
		if err := ev.Sign(s.key); err != nil {
			return err
		}
		result = Signed{Event: ev}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SignEvent signs a protocol event (responses, acks) without the presence
// gate; these carry no user content of their own.
func (s *Service) SignEvent(ev *nostr.Event) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = s.now().Unix()
	}
	return ev.Sign(s.key)
}

// Verify checks an event's id and signature.
func (s *Service) Verify(ev *nostr.Event) bool {
	return ev.Verify() == nil
}

func (s *Service) sharedX(counterpart string) ([]byte, error) {
	pub, err := nostr.ParsePubKey(counterpart)
	if err != nil {
		return nil, err
	}
	return btcec.GenerateSharedSecret(s.key, pub), nil
}

func (s *Service) conversationKey(counterpart string) ([]byte, error) {
	if key, ok := s.convKeys.Get(counterpart); ok {
		return key, nil
	}
	shared, err := s.sharedX(counterpart)
	if err != nil {
		return nil, err
	}
	key := codec.ConversationKey(shared)
	zero(shared)
	s.convKeys.Put(counterpart, key)
	return key, nil
}

// Encrypt encrypts plaintext to counterpart.
func (s *Service) Encrypt(_ context.Context, scheme bunker.Scheme, counterpart, plaintext string) (string, error) {
	switch scheme {
	case bunker.SchemeNIP04:
		shared, err := s.sharedX(counterpart)
		if err != nil {
			return "", err
		}
		defer zero(shared)
		return codec.EncryptNIP04(shared, plaintext)
	case bunker.SchemeNIP44:
		key, err := s.conversationKey(counterpart)
		if err != nil {
			return "", err
		}
		return codec.EncryptNIP44(key, plaintext)
	}
	return "", fmt.Errorf("unsupported scheme %q", scheme)
}

// Decrypt decrypts ciphertext from counterpart.
func (s *Service) Decrypt(_ context.Context, scheme bunker.Scheme, counterpart, ciphertext string) (string, error) {
	switch scheme {
	case bunker.SchemeNIP04:
		shared, err := s.sharedX(counterpart)
		if err != nil {
			return "", err
		}
		defer zero(shared)
		return codec.DecryptNIP04(shared, ciphertext)
	case bunker.SchemeNIP44:
		key, err := s.conversationKey(counterpart)
		if err != nil {
			return "", err
		}
		return codec.DecryptNIP44(key, ciphertext)
	}
	return "", fmt.Errorf("unsupported scheme %q", scheme)
}

// Close zeroes cached conversation keys.
func (s *Service) Close() {
	s.convKeys.Clear()
	s.key.Zero()
}

const summaryRunes = 80

func summarize(tmpl UnsignedEvent) string {
	content := tmpl.Content
	if utf8.RuneCountInString(content) > summaryRunes {
		content = string([]rune(content)[:summaryRunes]) + "..."
	}
	return fmt.Sprintf("kind %d: %s", tmpl.Kind, content)
}
