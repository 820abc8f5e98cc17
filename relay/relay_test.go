package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/nostr"
)

type fakeClient struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	subs map[string][]nostr.Filter
}

func (c *fakeClient) send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteJSON(v)
}

// fakeRelay is a minimal in-process relay: it stores events, answers REQ
// with stored matches and EOSE, and fans new events out to subscribers.
type fakeRelay struct {
	srv *httptest.Server

	mu       sync.Mutex
	events   []*nostr.Event
	clients  map[*fakeClient]bool
	reject   bool
	connects int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{clients: make(map[*fakeClient]bool)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		c := &fakeClient{ws: ws, subs: make(map[string][]nostr.Filter)}
		r.mu.Lock()
		r.clients[c] = true
		r.connects++
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.clients, c)
			r.mu.Unlock()
			ws.Close()
		}()
		r.serve(c)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) serve(c *fakeClient) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg []json.RawMessage
		if json.Unmarshal(data, &msg) != nil || len(msg) < 2 {
			continue
		}
		var label string
		json.Unmarshal(msg[0], &label)

		switch label {
		case "EVENT":
			var ev nostr.Event
			json.Unmarshal(msg[1], &ev)
			r.mu.Lock()
			reject := r.reject
			r.mu.Unlock()
			if reject {
				c.send([]any{"OK", ev.ID, false, "blocked: test"})
				continue
			}
			c.send([]any{"OK", ev.ID, true, ""})
			r.inject(&ev)

		case "REQ":
			var id string
			json.Unmarshal(msg[1], &id)
			filters := make([]nostr.Filter, 0, len(msg)-2)
			for _, raw := range msg[2:] {
				var f nostr.Filter
				json.Unmarshal(raw, &f)
				filters = append(filters, f)
			}
			c.mu.Lock()
			c.subs[id] = filters
			c.mu.Unlock()

			r.mu.Lock()
			stored := append([]*nostr.Event(nil), r.events...)
			r.mu.Unlock()
			for _, ev := range stored {
				if matchesAny(filters, ev) {
					c.send([]any{"EVENT", id, ev})
				}
			}
			c.send([]any{"EOSE", id})

		case "CLOSE":
			var id string
			json.Unmarshal(msg[1], &id)
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		}
	}
}

// inject stores ev and pushes it to live subscriptions.
func (r *fakeRelay) inject(ev *nostr.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	clients := make([]*fakeClient, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		var ids []string
		for id, filters := range c.subs {
			if matchesAny(filters, ev) {
				ids = append(ids, id)
			}
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.send([]any{"EVENT", id, ev})
		}
	}
}

func (r *fakeRelay) hasSubscription(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		c.mu.Lock()
		_, ok := c.subs[name]
		c.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

func (r *fakeRelay) dropClients() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		c.ws.Close()
	}
}

func (r *fakeRelay) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func matchesAny(filters []nostr.Filter, ev *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PublishAttempts = 2
	cfg.OKTimeout = 2 * time.Second
	cfg.FetchTimeout = 2 * time.Second
	cfg.Backoff = Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func signedEvent(t *testing.T, key *btcec.PrivateKey, kind int, to string) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      nostr.Tags{{"p", to}},
		Content:   "ciphertext",
	}
	if err := ev.Sign(key); err != nil {
		t.Fatalf("Failed to sign event: %v", err)
	}
	return ev
}

func newKey(t *testing.T) (*btcec.PrivateKey, string) {
	t.Helper()
	key, err := nostr.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key, nostr.PublicKeyHex(key)
}

func requestFilter(identity string) []nostr.Filter {
	return []nostr.Filter{{
		Kinds: []int{bunker.KindRemoteSigning},
		Tags:  map[string][]string{"p": {identity}},
	}}
}

type received struct {
	identity string
	ev       *nostr.Event
}

func collectingManager(t *testing.T) (*Manager, chan received) {
	t.Helper()
	ch := make(chan received, 16)
	m := NewManager(testConfig())
	m.SetHandler(func(_ context.Context, identity string, ev *nostr.Event) {
		ch <- received{identity, ev}
	})
	t.Cleanup(m.Close)
	return m, ch
}

func expectEvent(t *testing.T, ch chan received, id string) received {
	t.Helper()
	select {
	case r := <-ch:
		if r.ev.ID != id {
			t.Fatalf("Expected event %s, got %s", id, r.ev.ID)
		}
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for event %s", id)
	}
	return received{}
}

func TestPublishAndFetch(t *testing.T) {
	relay := newFakeRelay(t)
	key, identity := newKey(t)
	m := NewManager(testConfig())
	defer m.Close()
	ctx := context.Background()

	if err := m.Start(ctx, identity, []string{relay.URL()}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !m.Running(identity) {
		t.Fatal("Expected session to be running")
	}

	ev := signedEvent(t, key, bunker.KindRemoteSigning, identity)
	if err := m.Publish(ctx, identity, ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	events, err := m.Fetch(ctx, identity, nostr.Filter{IDs: []string{ev.ID}})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(events) != 1 || events[0].ID != ev.ID {
		t.Fatalf("Expected fetched event %s, got %v", ev.ID, events)
	}

	status := m.Status()
	if len(status) != 1 || !status[0].Connected || status[0].Identity != identity {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestSubscriptionDelivery(t *testing.T) {
	relay := newFakeRelay(t)
	_, identity := newKey(t)
	clientKey, _ := newKey(t)
	m, ch := collectingManager(t)

	m.Start(context.Background(), identity, []string{relay.URL()})
	m.SetFilters(identity, requestFilter(identity))
	waitFor(t, "subscription", func() bool { return relay.hasSubscription(requestSubscription) })

	ev := signedEvent(t, clientKey, bunker.KindRemoteSigning, identity)
	relay.inject(ev)
	r := expectEvent(t, ch, ev.ID)
	if r.identity != identity {
		t.Errorf("Expected identity %s, got %s", identity, r.identity)
	}

	// Events for other identities are filtered out locally and remotely.
	other := signedEvent(t, clientKey, bunker.KindRemoteSigning, strings.Repeat("ab", 32))
	relay.inject(other)
	select {
	case r := <-ch:
		t.Fatalf("Unexpected delivery of %s", r.ev.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	relay := newFakeRelay(t)
	_, identity := newKey(t)
	clientKey, _ := newKey(t)
	m, ch := collectingManager(t)

	m.Start(context.Background(), identity, []string{relay.URL()})
	m.SetFilters(identity, requestFilter(identity))
	waitFor(t, "subscription", func() bool { return relay.hasSubscription(requestSubscription) })

	relay.dropClients()
	waitFor(t, "reconnect", func() bool { return relay.connectCount() >= 2 })
	waitFor(t, "resubscription", func() bool { return relay.hasSubscription(requestSubscription) })

	ev := signedEvent(t, clientKey, bunker.KindRemoteSigning, identity)
	relay.inject(ev)
	expectEvent(t, ch, ev.ID)
}

func TestRedeliveryReachesHandler(t *testing.T) {
	relayA := newFakeRelay(t)
	relayB := newFakeRelay(t)
	_, identity := newKey(t)
	clientKey, _ := newKey(t)
	m, ch := collectingManager(t)

	m.Start(context.Background(), identity, []string{relayA.URL(), relayB.URL()})
	m.SetFilters(identity, requestFilter(identity))
	waitFor(t, "subscriptions", func() bool {
		return relayA.hasSubscription(requestSubscription) && relayB.hasSubscription(requestSubscription)
	})

	// Repeats are the processor's to answer from the stored outcome.
	ev := signedEvent(t, clientKey, bunker.KindRemoteSigning, identity)
	relayA.inject(ev)
	expectEvent(t, ch, ev.ID)
	relayA.inject(ev)
	expectEvent(t, ch, ev.ID)
	relayB.inject(ev)
	expectEvent(t, ch, ev.ID)
}

func TestPublishRejected(t *testing.T) {
	relay := newFakeRelay(t)
	relay.mu.Lock()
	relay.reject = true
	relay.mu.Unlock()
	key, identity := newKey(t)
	m := NewManager(testConfig())
	defer m.Close()

	m.Start(context.Background(), identity, []string{relay.URL()})
	err := m.Publish(context.Background(), identity, signedEvent(t, key, bunker.KindRemoteSigning, identity))
	if !errors.Is(err, bunker.ErrTransport) {
		t.Fatalf("Expected transport error, got %v", err)
	}
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Expected rejection to be wrapped, got %v", err)
	}
}

func TestNotRunning(t *testing.T) {
	m := NewManager(testConfig())
	if err := m.Publish(context.Background(), "nobody", &nostr.Event{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
	if err := m.SetFilters("nobody", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}
	if err := m.Start(context.Background(), "id", nil); err == nil {
		t.Error("Expected error starting without relays")
	}
}

func TestStopEndsSession(t *testing.T) {
	relay := newFakeRelay(t)
	_, identity := newKey(t)
	m := NewManager(testConfig())

	m.Start(context.Background(), identity, []string{relay.URL()})
	waitFor(t, "connection", func() bool { return relay.connectCount() == 1 })
	m.Stop(identity)

	if m.Running(identity) {
		t.Error("Expected session to be stopped")
	}
	if len(m.Status()) != 0 {
		t.Error("Expected no relay status after stop")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{20, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	b.Jitter = 0.5
	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		if d < 100*time.Millisecond || d > 300*time.Millisecond {
			t.Fatalf("Jittered delay %v out of range", d)
		}
		if b.Delay(10) > time.Second {
			t.Fatal("Jittered delay exceeded cap")
		}
	}
}
