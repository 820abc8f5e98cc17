// Package relay keeps websocket sessions to Nostr relays, one session per
// signing identity, and moves encrypted request and response events.
package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bunker/nostr"
)

// ErrNotRunning is returned for identities without a session.
var ErrNotRunning = errors.New("no relay session for identity")

// Handler receives every inbound event matching the session's filters,
// including repeats of the same event from other relays or later
// redeliveries. It runs on the relay's read goroutine and must not block
// on a publish.
type Handler func(ctx context.Context, identity string, ev *nostr.Event)

// Config tunes relay connections.
type Config struct {
	PublishAttempts int
	OKTimeout       time.Duration
	FetchTimeout    time.Duration
	PingInterval    time.Duration
	PongWait        time.Duration
	Backoff         Backoff
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PublishAttempts: 3,
		OKTimeout:       10 * time.Second,
		FetchTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		PongWait:        75 * time.Second,
		Backoff: Backoff{
			Initial: 500 * time.Millisecond,
			Max:     time.Minute,
			Factor:  2,
			Jitter:  0.2,
		},
	}
}

// Manager owns the relay sessions of every identity.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	handler  Handler
	sessions map[string]*Session
}

// NewManager creates a manager. Events are dropped until SetHandler is called.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		handler:  func(context.Context, string, *nostr.Event) {},
		sessions: make(map[string]*Session),
	}
}

// SetHandler installs the inbound event handler for sessions started later.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Start opens (or extends) the session for identity. The session outlives
// ctx's cancellation and ends with Stop or Close.
func (m *Manager) Start(ctx context.Context, identity string, relays []string) error {
	if len(relays) == 0 {
		return errors.New("no relays given")
	}

	m.mu.Lock()
	s, ok := m.sessions[identity]
	if !ok {
		s = newSession(context.WithoutCancel(ctx), identity, m.cfg, m.handler)
		m.sessions[identity] = s
	}
	m.mu.Unlock()

	for _, url := range relays {
		s.addRelay(url)
	}
	if !ok {
		log.Info().Str("identity", identity).Strs("relays", relays).Msg("Relay session started")
	}
	return nil
}

// Stop closes identity's session.
func (m *Manager) Stop(identity string) {
	m.mu.Lock()
	s, ok := m.sessions[identity]
	delete(m.sessions, identity)
	m.mu.Unlock()

	if ok {
		s.stop()
		log.Info().Str("identity", identity).Msg("Relay session stopped")
	}
}

// Running reports whether identity has a session.
func (m *Manager) Running(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[identity]
	return ok
}

func (m *Manager) session(identity string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	if !ok {
		return nil, ErrNotRunning
	}
	return s, nil
}

// SetFilters replaces identity's live subscription on every relay.
func (m *Manager) SetFilters(identity string, filters []nostr.Filter) error {
	s, err := m.session(identity)
	if err != nil {
		return err
	}
	s.setFilters(filters)
	return nil
}

// Publish sends ev from identity's session.
func (m *Manager) Publish(ctx context.Context, identity string, ev *nostr.Event) error {
	s, err := m.session(identity)
	if err != nil {
		return err
	}
	return s.publish(ctx, ev)
}

// Fetch queries identity's relays once.
func (m *Manager) Fetch(ctx context.Context, identity string, filter nostr.Filter) ([]*nostr.Event, error) {
	s, err := m.session(identity)
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, filter)
}

// Status lists every relay connection.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var out []Status
	for _, s := range sessions {
		out = append(out, s.status()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity != out[j].Identity {
			return out[i].Identity < out[j].Identity
		}
		return out[i].URL < out[j].URL
	})
	return out
}

// Close stops every session.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}
