package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bunker/nostr"
)

const (
	maxMessageSize = 1 << 20
	writeWait      = 10 * time.Second
)

var (
	// ErrNotConnected is returned when a relay has no live websocket.
	ErrNotConnected = errors.New("relay not connected")
	// ErrRejected is returned when a relay answers OK false.
	ErrRejected = errors.New("event rejected by relay")
)

var dialer = &websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 15 * time.Second,
}

type okResult struct {
	accepted bool
	message  string
}

type fetchState struct {
	filter nostr.Filter
	events []*nostr.Event
	done   chan struct{}
	closed bool
}

// Status describes one relay connection.
type Status struct {
	Identity    string    `json:"identity"`
	URL         string    `json:"url"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Conn is a reconnecting connection to one relay. Subscriptions registered
// with Subscribe survive reconnects.
type Conn struct {
	url     string
	cfg     Config
	onEvent func(*nostr.Event)

	writeMu sync.Mutex

	mu          sync.Mutex
	ws          *websocket.Conn
	ready       chan struct{}
	connectedAt time.Time
	lastErr     string
	subs        map[string][]nostr.Filter
	oks         map[string]chan okResult
	fetches     map[string]*fetchState
}

func newConn(url string, cfg Config, onEvent func(*nostr.Event)) *Conn {
	return &Conn{
		url:     url,
		cfg:     cfg,
		onEvent: onEvent,
		ready:   make(chan struct{}),
		subs:    make(map[string][]nostr.Filter),
		oks:     make(map[string]chan okResult),
		fetches: make(map[string]*fetchState),
	}
}

// URL returns the relay URL.
func (c *Conn) URL() string {
	return c.url
}

// Run dials and serves the relay until ctx is done, reconnecting with backoff.
func (c *Conn) Run(ctx context.Context) {
	attempt := 0
	for {
		ws, _, err := dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			attempt = 0
			err = c.serve(ctx, ws)
		}
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()

		delay := c.cfg.Backoff.Delay(attempt)
		attempt++
		log.Warn().Err(err).Str("relay", c.url).Dur("retry_in", delay).Msg("Relay connection lost")
		if sleep(ctx, delay) != nil {
			return
		}
	}
}

func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	subs := c.attach(ws)
	defer c.detach(ws)
	log.Info().Str("relay", c.url).Int("subscriptions", len(subs)).Msg("Relay connected")

	for id, filters := range subs {
		if err := c.writeTo(ws, reqMessage(id, filters)); err != nil {
			return fmt.Errorf("failed to resubscribe: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, ws, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.dispatch(data)
	}
}

func (c *Conn) keepalive(ctx context.Context, ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			ws.Close()
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ws.Close()
				return
			}
		}
	}
}

func (c *Conn) attach(ws *websocket.Conn) map[string][]nostr.Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws = ws
	c.connectedAt = time.Now()
	c.lastErr = ""
	close(c.ready)

	subs := make(map[string][]nostr.Filter, len(c.subs))
	for id, filters := range c.subs {
		subs[id] = filters
	}
	return subs
}

func (c *Conn) detach(ws *websocket.Conn) {
	ws.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != ws {
		return
	}
	c.ws = nil
	c.ready = make(chan struct{})
	for _, ch := range c.oks {
		select {
		case ch <- okResult{message: "connection lost"}:
		default:
		}
	}
	for _, st := range c.fetches {
		if !st.closed {
			st.closed = true
			close(st.done)
		}
	}
}

func (c *Conn) waitReady(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	connected, ready := c.ws != nil, c.ready
	c.mu.Unlock()
	if connected {
		return nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ready:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: %s", ErrNotConnected, c.url)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) send(v any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.url)
	}
	return c.writeTo(ws, v)
}

func (c *Conn) writeTo(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(v)
}

func reqMessage(id string, filters []nostr.Filter) []any {
	msg := make([]any, 0, len(filters)+2)
	msg = append(msg, "REQ", id)
	for _, f := range filters {
		msg = append(msg, f)
	}
	return msg
}

func (c *Conn) dispatch(data []byte) {
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
		log.Debug().Str("relay", c.url).Msg("Ignoring malformed relay message")
		return
	}
	var label, first string
	json.Unmarshal(msg[0], &label)
	json.Unmarshal(msg[1], &first)

	switch label {
	case "EVENT":
		if len(msg) < 3 {
			return
		}
		var ev nostr.Event
		if err := json.Unmarshal(msg[2], &ev); err != nil {
			log.Debug().Str("relay", c.url).Err(err).Msg("Ignoring undecodable event")
			return
		}
		c.handleEvent(first, &ev)

	case "EOSE":
		c.finishFetch(first)

	case "CLOSED":
		var reason string
		if len(msg) > 2 {
			json.Unmarshal(msg[2], &reason)
		}
		log.Warn().Str("relay", c.url).Str("subscription", first).Str("reason", reason).Msg("Subscription closed by relay")
		c.finishFetch(first)

	case "OK":
		if len(msg) < 3 {
			return
		}
		var r okResult
		json.Unmarshal(msg[2], &r.accepted)
		if len(msg) > 3 {
			json.Unmarshal(msg[3], &r.message)
		}
		c.mu.Lock()
		ch := c.oks[first]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- r:
			default:
			}
		}

	case "NOTICE":
		log.Info().Str("relay", c.url).Str("notice", first).Msg("Relay notice")
	}
}

func (c *Conn) handleEvent(subID string, ev *nostr.Event) {
	c.mu.Lock()
	if st, ok := c.fetches[subID]; ok {
		if !st.closed && st.filter.Matches(ev) {
			st.events = append(st.events, ev)
		}
		c.mu.Unlock()
		return
	}
	filters, ok := c.subs[subID]
	c.mu.Unlock()
	if !ok {
		return
	}

	for _, f := range filters {
		if f.Matches(ev) {
			c.onEvent(ev)
			return
		}
	}
}

func (c *Conn) finishFetch(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.fetches[subID]; ok && !st.closed {
		st.closed = true
		close(st.done)
	}
}

// Subscribe registers (or replaces) a live subscription. It is sent now if
// connected and again after every reconnect.
func (c *Conn) Subscribe(id string, filters []nostr.Filter) error {
	c.mu.Lock()
	c.subs[id] = filters
	c.mu.Unlock()

	err := c.send(reqMessage(id, filters))
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe drops a live subscription.
func (c *Conn) Unsubscribe(id string) error {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()

	err := c.send([]any{"CLOSE", id})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Publish sends ev and waits for the relay's OK. A relay reporting the
// event as a duplicate counts as accepted.
func (c *Conn) Publish(ctx context.Context, ev *nostr.Event) error {
	if err := c.waitReady(ctx, c.cfg.OKTimeout); err != nil {
		return err
	}

	ch := make(chan okResult, 1)
	c.mu.Lock()
	c.oks[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.oks[ev.ID] == ch {
			delete(c.oks, ev.ID)
		}
		c.mu.Unlock()
	}()

	if err := c.send([]any{"EVENT", ev}); err != nil {
		return err
	}

	t := time.NewTimer(c.cfg.OKTimeout)
	defer t.Stop()
	select {
	case r := <-ch:
		if r.accepted || strings.HasPrefix(r.message, "duplicate:") {
			return nil
		}
		return fmt.Errorf("%w: %s: %s", ErrRejected, c.url, r.message)
	case <-t.C:
		return fmt.Errorf("timed out waiting for OK from %s", c.url)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch runs a one-shot query and returns the matching stored events
// received before EOSE or the fetch timeout.
func (c *Conn) Fetch(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if err := c.waitReady(ctx, c.cfg.FetchTimeout); err != nil {
		return nil, err
	}

	id := "fetch-" + uuid.NewString()
	st := &fetchState{filter: filter, done: make(chan struct{})}
	c.mu.Lock()
	c.fetches[id] = st
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.fetches, id)
		c.mu.Unlock()
		c.send([]any{"CLOSE", id})
	}()

	if err := c.send(reqMessage(id, []nostr.Filter{filter})); err != nil {
		return nil, err
	}

	t := time.NewTimer(c.cfg.FetchTimeout)
	defer t.Stop()
	select {
	case <-st.done:
	case <-t.C:
		log.Debug().Str("relay", c.url).Msg("Fetch timed out before EOSE")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return st.events, nil
}

// Status reports the connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{URL: c.url, Connected: c.ws != nil, LastError: c.lastErr}
	if s.Connected {
		s.ConnectedAt = c.connectedAt
	}
	return s
}
