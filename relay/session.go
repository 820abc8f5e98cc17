package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/nostr"
)

const requestSubscription = "requests"

// Session holds one identity's relay connections.
type Session struct {
	identity string
	cfg      Config
	handler  Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*Conn
	filters []nostr.Filter
}

func newSession(ctx context.Context, identity string, cfg Config, handler Handler) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		identity: identity,
		cfg:      cfg,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*Conn),
	}
}

func (s *Session) addRelay(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[url]; ok {
		return
	}

	conn := newConn(url, s.cfg, s.deliver)
	if len(s.filters) > 0 {
		conn.Subscribe(requestSubscription, s.filters)
	}
	s.conns[url] = conn

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn.Run(s.ctx)
	}()
}

func (s *Session) deliver(ev *nostr.Event) {
	s.handler(s.ctx, s.identity, ev)
}

func (s *Session) connList() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Session) setFilters(filters []nostr.Filter) {
	s.mu.Lock()
	s.filters = filters
	s.mu.Unlock()

	for _, c := range s.connList() {
		var err error
		if len(filters) == 0 {
			err = c.Unsubscribe(requestSubscription)
		} else {
			err = c.Subscribe(requestSubscription, filters)
		}
		if err != nil {
			log.Warn().Err(err).Str("relay", c.URL()).Str("identity", s.identity).Msg("Failed to update subscription")
		}
	}
}

// publish succeeds once any relay accepts ev, retrying the whole set with
// backoff between rounds.
func (s *Session) publish(ctx context.Context, ev *nostr.Event) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.PublishAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, s.cfg.Backoff.Delay(attempt-1)); err != nil {
				return err
			}
		}
		if lastErr = s.publishOnce(ctx, ev); lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Str("identity", s.identity).Str("event_id", ev.ID).Int("attempt", attempt+1).Msg("Publish failed")
	}
	return fmt.Errorf("%w: %w", bunker.ErrTransport, lastErr)
}

func (s *Session) publishOnce(ctx context.Context, ev *nostr.Event) error {
	conns := s.connList()
	if len(conns) == 0 {
		return errors.New("no relays configured")
	}

	errs := make([]error, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Publish(ctx, ev)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return errors.Join(errs...)
}

// fetch queries every relay and merges the results by event id.
func (s *Session) fetch(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	conns := s.connList()
	results := make([][]*nostr.Event, len(conns))
	errs := make([]error, len(conns))

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(ctx, filter)
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	var events []*nostr.Event
	failed := 0
	for i := range conns {
		if errs[i] != nil {
			failed++
			continue
		}
		for _, ev := range results[i] {
			if !seen[ev.ID] {
				seen[ev.ID] = true
				events = append(events, ev)
			}
		}
	}
	if len(conns) > 0 && failed == len(conns) {
		return nil, fmt.Errorf("%w: %w", bunker.ErrTransport, errors.Join(errs...))
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt > events[j].CreatedAt })
	return events, nil
}

func (s *Session) status() []Status {
	var out []Status
	for _, c := range s.connList() {
		st := c.Status()
		st.Identity = s.identity
		out = append(out, st)
	}
	return out
}

func (s *Session) stop() {
	s.cancel()
	s.wg.Wait()
}
