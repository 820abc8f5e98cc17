package signer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/nostr"
)

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	key, err := nostr.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return NewService(key, opts...)
}

type fakeGate struct {
	approve bool
	err     error
	calls   atomic.Int32
	last    PresenceRequest
}

func (g *fakeGate) Confirm(ctx context.Context, req PresenceRequest) (bool, error) {
	g.calls.Add(1)
	g.last = req
	return g.approve, g.err
}

func TestSign(t *testing.T) {
	svc := newTestService(t, WithClock(func() time.Time { return time.Unix(1700000000, 0) }))

	result, err := svc.Sign(context.Background(), UnsignedEvent{Kind: 1, Content: "hello"})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	signed, ok := result.(Signed)
	if !ok {
		t.Fatalf("Expected Signed, got %T", result)
	}
	if signed.Event.PubKey != svc.PublicKey() {
		t.Error("Signed event has wrong pubkey")
	}
	if signed.Event.CreatedAt != 1700000000 {
		t.Errorf("Expected default created_at from clock, got %d", signed.Event.CreatedAt)
	}
	if !svc.Verify(signed.Event) {
		t.Error("Signed event failed verification")
	}
}

func TestSign_PresenceGate(t *testing.T) {
	gate := &fakeGate{approve: false}
	svc := newTestService(t, WithPresenceGate(gate))

	result, err := svc.Sign(context.Background(), UnsignedEvent{Kind: 1})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if _, ok := result.(Rejected); !ok {
		t.Fatalf("Expected Rejected, got %T", result)
	}

	gate.approve = true
	result, _ = svc.Sign(context.Background(), UnsignedEvent{Kind: 1})
	if _, ok := result.(Signed); !ok {
		t.Fatalf("Expected Signed after approval, got %T", result)
	}
	if gate.calls.Load() != 2 {
		t.Errorf("Expected 2 gate calls, got %d", gate.calls.Load())
	}
}

func TestSign_PresenceGateUnavailable(t *testing.T) {
	gate := &fakeGate{err: errors.New("confirmation timed out")}
	svc := newTestService(t, WithPresenceGate(gate))

	result, err := svc.Sign(context.Background(), UnsignedEvent{Kind: 1})
	if err != nil {
		t.Fatalf("Expected a rejection, not an error: %v", err)
	}
	if _, ok := result.(Rejected); !ok {
		t.Fatalf("Expected Rejected, got %T", result)
	}
}

func TestSign_PresenceSummaryKeepsRunes(t *testing.T) {
	gate := &fakeGate{approve: true}
	svc := newTestService(t, WithPresenceGate(gate))

	content := strings.Repeat("a", 79) + "日本語のテキスト"
	if _, err := svc.Sign(context.Background(), UnsignedEvent{Kind: 1, Content: content}); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	summary := gate.last.Summary
	if !utf8.ValidString(summary) {
		t.Fatalf("Summary is not valid UTF-8: %q", summary)
	}
	want := "kind 1: " + strings.Repeat("a", 79) + "日..."
	if summary != want {
		t.Errorf("Expected %q, got %q", want, summary)
	}

	if got := summarize(UnsignedEvent{Kind: 7, Content: "短い"}); got != "kind 7: 短い" {
		t.Errorf("Short content should not be truncated, got %q", got)
	}
}

func TestEncryptDecryptBetweenServices(t *testing.T) {
	alice := newTestService(t)
	bob := newTestService(t)
	ctx := context.Background()

	for _, scheme := range []bunker.Scheme{bunker.SchemeNIP04, bunker.SchemeNIP44} {
		ct, err := alice.Encrypt(ctx, scheme, bob.PublicKey(), "secret note")
		if err != nil {
			t.Fatalf("%s encrypt failed: %v", scheme, err)
		}
		pt, err := bob.Decrypt(ctx, scheme, alice.PublicKey(), ct)
		if err != nil {
			t.Fatalf("%s decrypt failed: %v", scheme, err)
		}
		if pt != "secret note" {
			t.Errorf("%s: expected 'secret note', got %q", scheme, pt)
		}
	}
	if alice.convKeys.Len() != 1 {
		t.Errorf("Expected one cached conversation key, got %d", alice.convKeys.Len())
	}
}

func TestEncrypt_InvalidCounterpart(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Encrypt(context.Background(), bunker.SchemeNIP44, "nothex", "x"); err == nil {
		t.Error("Expected error for invalid counterpart")
	}
}

func TestKeyCache_Eviction(t *testing.T) {
	c := newKeyCache(2)
	c.Put("a", []byte{1})
	c.Put("b", []byte{2})
	c.Get("a")
	c.Put("c", []byte{3})

	if _, ok := c.Get("b"); ok {
		t.Error("Expected least recently used entry to be evicted")
	}
	if v, ok := c.Get("a"); !ok || v[0] != 1 {
		t.Error("Expected recently used entry to survive")
	}

	v, _ := c.Get("c")
	v[0] = 99
	if again, _ := c.Get("c"); again[0] != 3 {
		t.Error("Cache returned a shared slice")
	}
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	exec := NewExecutor(2)
	var (
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.Do(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent tasks, saw %d", peak.Load())
	}
}

func TestExecutor_ContextCancelled(t *testing.T) {
	exec := NewExecutor(1)
	block := make(chan struct{})
	go exec.Do(context.Background(), func(context.Context) error { <-block; return nil })
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := exec.Do(ctx, func(context.Context) error { return nil })
	close(block)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func newMethods(t *testing.T) (*Methods, *Service) {
	t.Helper()
	svc := newTestService(t)
	ring := NewKeyring()
	ring.Add(svc)
	return NewMethods(ring), svc
}

func TestMethods_SignEvent(t *testing.T) {
	m, svc := newMethods(t)
	conn := &bunker.Connection{LocalIdentity: svc.PublicKey()}
	cmd := &bunker.Command{Method: "sign_event", Params: []string{`{"kind":1,"content":"hi","tags":[],"created_at":1700000000}`}}

	if err := m.Annotate(cmd); err != nil {
		t.Fatalf("Annotate failed: %v", err)
	}
	if cmd.EventKind == nil || *cmd.EventKind != 1 {
		t.Fatalf("Expected event kind 1, got %v", cmd.EventKind)
	}

	out, err := m.Execute(context.Background(), conn, cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	var ev nostr.Event
	if err := json.Unmarshal([]byte(out), &ev); err != nil {
		t.Fatalf("Result is not an event: %v", err)
	}
	if err := ev.Verify(); err != nil {
		t.Errorf("Returned event does not verify: %v", err)
	}
	if ev.Content != "hi" || ev.CreatedAt != 1700000000 {
		t.Errorf("Unexpected event %+v", ev)
	}
}

func TestMethods_SignEventGateError(t *testing.T) {
	svc := newTestService(t, WithPresenceGate(&fakeGate{err: errors.New("no device answered")}))
	ring := NewKeyring()
	ring.Add(svc)
	m := NewMethods(ring)
	conn := &bunker.Connection{LocalIdentity: svc.PublicKey()}
	cmd := &bunker.Command{Method: "sign_event", Params: []string{`{"kind":1,"content":"hi"}`}}

	_, err := m.Execute(context.Background(), conn, cmd)
	if bunker.CodeOf(err) != bunker.CodeSigningRejected {
		t.Errorf("Expected signing_rejected, got %v", err)
	}
	if !m.SelfBounded(cmd) || m.SelfBounded(&bunker.Command{Method: "ping"}) {
		t.Error("Only sign_event should be self bounded")
	}
}

func TestMethods_AnnotateErrors(t *testing.T) {
	m, _ := newMethods(t)
	tests := []struct {
		cmd  *bunker.Command
		code bunker.ErrorCode
	}{
		{&bunker.Command{Method: "teleport"}, bunker.CodeUnsupportedMethod},
		{&bunker.Command{Method: "sign_event"}, bunker.CodeParse},
		{&bunker.Command{Method: "sign_event", Params: []string{`{"content":"no kind"}`}}, bunker.CodeParse},
		{&bunker.Command{Method: "nip44_encrypt", Params: []string{"bad", "x"}}, bunker.CodeParse},
	}
	for _, tt := range tests {
		err := m.Annotate(tt.cmd)
		if bunker.CodeOf(err) != tt.code {
			t.Errorf("%s: expected %s, got %v", tt.cmd.Method, tt.code, err)
		}
	}
}

func TestMethods_Connect(t *testing.T) {
	m, svc := newMethods(t)
	conn := &bunker.Connection{LocalIdentity: svc.PublicKey(), Secret: "s3cret"}
	ctx := context.Background()

	out, err := m.Execute(ctx, conn, &bunker.Command{Method: "connect", Params: []string{svc.PublicKey(), "s3cret"}})
	if err != nil || out != "ack" {
		t.Fatalf("Expected ack, got %q, %v", out, err)
	}

	_, err = m.Execute(ctx, conn, &bunker.Command{Method: "connect", Params: []string{svc.PublicKey(), "wrong"}})
	if bunker.CodeOf(err) != bunker.CodePolicyDenied {
		t.Errorf("Expected policy_denied for wrong secret, got %v", err)
	}
}

func TestMethods_EncryptRoundTrip(t *testing.T) {
	m, svc := newMethods(t)
	peer := newTestService(t)
	conn := &bunker.Connection{LocalIdentity: svc.PublicKey()}
	ctx := context.Background()

	ct, err := m.Execute(ctx, conn, &bunker.Command{Method: "nip44_encrypt", Params: []string{peer.PublicKey(), "for peer"}})
	if err != nil {
		t.Fatalf("nip44_encrypt failed: %v", err)
	}
	pt, err := peer.Decrypt(ctx, bunker.SchemeNIP44, svc.PublicKey(), ct)
	if err != nil || pt != "for peer" {
		t.Errorf("Peer could not decrypt: %q, %v", pt, err)
	}

	back, err := m.Execute(ctx, conn, &bunker.Command{Method: "nip44_decrypt", Params: []string{peer.PublicKey(), ct}})
	if err != nil || back != "for peer" {
		t.Errorf("nip44_decrypt failed: %q, %v", back, err)
	}
}

func TestMethods_UnknownIdentity(t *testing.T) {
	m, _ := newMethods(t)
	_, err := m.Execute(context.Background(), &bunker.Connection{LocalIdentity: "other"}, &bunker.Command{Method: "ping"})
	if !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("Expected ErrUnknownIdentity, got %v", err)
	}
}
