package engine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/codec"
	"github.com/mesmerverse/bunker/nostr"
	"github.com/mesmerverse/bunker/signer"
	"github.com/mesmerverse/bunker/storage"
	"github.com/mesmerverse/bunker/wallet"
)

const testRelay = "wss://relay.test"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu        sync.Mutex
	running   map[string][]string
	filters   map[string][]nostr.Filter
	stored    []*nostr.Event
	published chan *nostr.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		running:   make(map[string][]string),
		filters:   make(map[string][]nostr.Filter),
		published: make(chan *nostr.Event, 64),
	}
}

func (f *fakeTransport) Start(_ context.Context, identity string, relays []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[identity] = relays
	return nil
}

func (f *fakeTransport) Stop(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, identity)
}

func (f *fakeTransport) Running(identity string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[identity]
	return ok
}

func (f *fakeTransport) SetFilters(identity string, filters []nostr.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters[identity] = filters
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, _ string, ev *nostr.Event) error {
	f.published <- ev
	return nil
}

func (f *fakeTransport) Fetch(_ context.Context, _ string, filter nostr.Filter) ([]*nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range f.stored {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeTransport) store(ev *nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, ev)
}

func (f *fakeTransport) currentFilters(identity string) []nostr.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters[identity]
}

type fakeApprovals struct {
	requests chan ApprovalRequest
}

func (f *fakeApprovals) RequestApproval(_ context.Context, req ApprovalRequest) error {
	f.requests <- req
	return nil
}

type fakeWallet struct {
	payments atomic.Int32
	// block, when set, holds payments until it is closed.
	block chan struct{}
	// started receives a value when a payment begins.
	started chan struct{}
}

func (f *fakeWallet) PayInvoice(ctx context.Context, req wallet.PayRequest) (*wallet.Payment, error) {
	f.payments.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &wallet.Payment{Preimage: "preimage-" + req.Invoice[:8]}, nil
}

func (f *fakeWallet) PayKeysend(context.Context, wallet.KeysendRequest) (*wallet.Payment, error) {
	f.payments.Add(1)
	return &wallet.Payment{Preimage: "keysend"}, nil
}

func (f *fakeWallet) MakeInvoice(_ context.Context, req wallet.InvoiceRequest) (*wallet.Transaction, error) {
	return &wallet.Transaction{Type: "incoming", AmountMsat: req.AmountMsat, PaymentHash: "hash"}, nil
}

func (f *fakeWallet) LookupInvoice(_ context.Context, req wallet.LookupRequest) (*wallet.Transaction, error) {
	return &wallet.Transaction{Type: "incoming", PaymentHash: req.PaymentHash}, nil
}

func (f *fakeWallet) GetBalance(context.Context) (int64, error) {
	return 21_000_000, nil
}

func (f *fakeWallet) GetInfo(context.Context) (*wallet.Info, error) {
	return &wallet.Info{Alias: "test-node", Network: "regtest"}, nil
}

func (f *fakeWallet) ListTransactions(context.Context, wallet.ListRequest) ([]wallet.Transaction, error) {
	return nil, nil
}

type harness struct {
	eng       *Engine
	store     *storage.SQLiteStore
	transport *fakeTransport
	approvals *fakeApprovals
	wallet    *fakeWallet
	ring      *signer.Keyring
	identity  string
	relays    []string
}

// harnessOptions adjusts newHarnessWith. Zero values keep the defaults.
type harnessOptions struct {
	config    func(*Config)
	transport Transport
	relays    []string
	service   []signer.ServiceOption
	wrapStore func(Store) Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, harnessOptions{})
}

func newHarnessWith(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	dek := make([]byte, 32)
	rand.Read(dek)
	clock := func() time.Time { return testNow }
	store, err := storage.Open(filepath.Join(t.TempDir(), "bunker.db"), dek, storage.WithClock(clock))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, err := nostr.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	ring := signer.NewKeyring()
	svc := signer.NewService(key, append([]signer.ServiceOption{signer.WithClock(clock)}, opts.service...)...)
	ring.Add(svc)
	t.Cleanup(ring.Close)

	h := &harness{
		store:     store,
		transport: newFakeTransport(),
		approvals: &fakeApprovals{requests: make(chan ApprovalRequest, 16)},
		wallet:    &fakeWallet{},
		ring:      ring,
		identity:  svc.PublicKey(),
		relays:    []string{testRelay},
	}
	if opts.relays != nil {
		h.relays = opts.relays
	}

	cfg := DefaultConfig()
	cfg.DefaultRelays = h.relays
	cfg.QueueDepth = 8
	if opts.config != nil {
		opts.config(&cfg)
	}
	var transport Transport = h.transport
	if opts.transport != nil {
		transport = opts.transport
	}
	var engineStore Store = store
	if opts.wrapStore != nil {
		engineStore = opts.wrapStore(store)
	}
	h.eng, err = New(cfg, Deps{
		Store:     engineStore,
		Transport: transport,
		Keys:      KeyringKeys(ring),
		Approvals: h.approvals,
		Executors: map[bunker.Protocol]Executor{
			bunker.ProtocolRemoteSigning: signer.NewMethods(ring),
			bunker.ProtocolWalletConnect: wallet.NewMethods(h.wallet),
		},
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(h.eng.Close)
	return h
}

// connect stores an active connection for c without going through pairing.
func (h *harness) connect(t *testing.T, c *client, protocol bunker.Protocol, trust bunker.TrustLevel, grants ...bunker.PermissionGrant) *bunker.Connection {
	t.Helper()
	conn := &bunker.Connection{
		ID:            "conn-" + c.pubkey[:8],
		Protocol:      protocol,
		RemotePubkey:  c.pubkey,
		LocalIdentity: h.identity,
		RelayHints:    h.relays,
		TrustLevel:    trust,
		Status:        bunker.StatusActive,
		Metadata:      bunker.DisplayMetadata{Name: "test client"},
		CreatedAt:     testNow,
	}
	for i := range grants {
		grants[i].CreatedAt = testNow
	}
	if err := h.store.CreateConnection(context.Background(), conn, grants); err != nil {
		t.Fatalf("Failed to create connection: %v", err)
	}
	return conn
}

// nextPublished waits for the next outbound event.
func (h *harness) nextPublished(t *testing.T) *nostr.Event {
	t.Helper()
	select {
	case ev := <-h.transport.published:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a published event")
		return nil
	}
}

// expectQuiet fails if anything is published within d.
func (h *harness) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-h.transport.published:
		t.Fatalf("Unexpected published event kind %d", ev.Kind)
	case <-time.After(d):
	}
}

func (h *harness) nextApproval(t *testing.T) ApprovalRequest {
	t.Helper()
	select {
	case req := <-h.approvals.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for an approval request")
		return ApprovalRequest{}
	}
}

// waitState polls until the record reaches state.
func (h *harness) waitState(t *testing.T, connID, requestID string, state bunker.RequestState) *bunker.PendingRequestRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := h.store.GetRecord(context.Background(), connID, requestID)
		if err == nil && rec.State == state {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("Record %s never reached %s (last: %+v, err: %v)", requestID, state, rec, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type client struct {
	key    *btcec.PrivateKey
	svc    *signer.Service
	pubkey string
}

func newClient(t *testing.T) *client {
	t.Helper()
	key, err := nostr.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate client key: %v", err)
	}
	svc := newClientService(t, key)
	return &client{key: key, svc: svc, pubkey: svc.PublicKey()}
}

func newClientService(t *testing.T, key *btcec.PrivateKey) *signer.Service {
	t.Helper()
	svc := signer.NewService(key)
	t.Cleanup(svc.Close)
	return svc
}

// event wraps raw content addressed to identity.
func (c *client) event(t *testing.T, kind int, identity, content string) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		CreatedAt: testNow.Unix(),
		Kind:      kind,
		Tags:      nostr.Tags{{"p", identity}},
		Content:   content,
	}
	if err := ev.Sign(c.key); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return ev
}

// sealed encrypts plaintext to identity with scheme and wraps it.
func (c *client) sealed(t *testing.T, kind int, identity string, scheme bunker.Scheme, plaintext string) *nostr.Event {
	t.Helper()
	content, err := codec.New(c.svc).Encrypt(context.Background(), scheme, identity, plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt request: %v", err)
	}
	return c.event(t, kind, identity, content)
}

// request builds an encrypted command envelope.
func (c *client) request(t *testing.T, kind int, identity string, scheme bunker.Scheme, id, method string, params ...string) *nostr.Event {
	t.Helper()
	if params == nil {
		params = []string{}
	}
	data, err := json.Marshal(codec.Request{ID: id, Method: method, Params: params})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	return c.sealed(t, kind, identity, scheme, string(data))
}

// open decrypts a response addressed to c.
func (c *client) open(t *testing.T, ev *nostr.Event) (codec.Response, bunker.Scheme) {
	t.Helper()
	if err := ev.Verify(); err != nil {
		t.Fatalf("Response signature invalid: %v", err)
	}
	if ev.PTag() != c.pubkey {
		t.Fatalf("Response addressed to %s, want %s", ev.PTag(), c.pubkey)
	}
	plaintext, scheme, err := codec.New(c.svc).DecryptAny(context.Background(), ev.PubKey, ev.Content)
	if err != nil {
		t.Fatalf("Failed to decrypt response: %v", err)
	}
	var resp codec.Response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		t.Fatalf("Failed to decode response %q: %v", plaintext, err)
	}
	return resp, scheme
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
