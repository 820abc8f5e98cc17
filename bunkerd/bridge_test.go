package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mesmerverse/bunker/engine"
	"github.com/mesmerverse/bunker/signer"
	"github.com/mesmerverse/bunker/wallet"
)

var (
	_ wallet.Backend         = (*natsWallet)(nil)
	_ signer.PresenceGate    = (*natsPresenceGate)(nil)
	_ engine.ApprovalChannel = (*natsApprovals)(nil)
	_ messenger              = (*NATSClient)(nil)
)

// fakeMessenger records publishes and answers requests from a table
type fakeMessenger struct {
	mu        sync.Mutex
	published map[string][][]byte
	requests  map[string][]byte
	replies   map[string]string
	err       error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		published: make(map[string][][]byte),
		requests:  make(map[string][]byte),
		replies:   make(map[string]string),
	}
}

func (f *fakeMessenger) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeMessenger) Request(subject string, data []byte, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[subject] = data
	if f.err != nil {
		return nil, f.err
	}
	reply, ok := f.replies[subject]
	if !ok {
		return nil, errors.New("nats: no responders available for request")
	}
	return []byte(reply), nil
}

func TestNATSApprovals_Publishes(t *testing.T) {
	nc := newFakeMessenger()
	a := &natsApprovals{nc: nc, subjects: subjects{prefix: "bunker"}}

	err := a.RequestApproval(context.Background(), engine.ApprovalRequest{RequestID: "req-1", Method: "sign_event"})
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	msgs := nc.published["bunker.approvals.request"]
	if len(msgs) != 1 || !strings.Contains(string(msgs[0]), `"request_id":"req-1"`) {
		t.Errorf("published = %q", msgs)
	}
}

func TestParseDecision(t *testing.T) {
	d, err := parseDecision([]byte(`{"request_id":"r1","approved":true}`))
	if err != nil || d.RequestID != "r1" || !d.Approved {
		t.Errorf("parseDecision = %+v, %v", d, err)
	}
	if _, err := parseDecision([]byte(`{"approved":true}`)); err == nil {
		t.Error("decision without request id should fail")
	}
	if _, err := parseDecision([]byte(`nope`)); err == nil {
		t.Error("malformed decision should fail")
	}
}

func TestNATSPresenceGate(t *testing.T) {
	nc := newFakeMessenger()
	nc.replies["bunker.presence"] = `{"approved":true}`
	g := &natsPresenceGate{nc: nc, subjects: subjects{prefix: "bunker"}, timeout: time.Second}

	ok, err := g.Confirm(context.Background(), signer.PresenceRequest{Identity: "abc", Kind: 1, Summary: "hello"})
	if err != nil || !ok {
		t.Fatalf("Confirm = %v, %v", ok, err)
	}
	var sent presenceMessage
	if err := json.Unmarshal(nc.requests["bunker.presence"], &sent); err != nil || sent.Kind != 1 || sent.Summary != "hello" {
		t.Errorf("sent %+v (%v)", sent, err)
	}

	nc.replies["bunker.presence"] = `{"approved":false}`
	if ok, err := g.Confirm(context.Background(), signer.PresenceRequest{}); err != nil || ok {
		t.Errorf("denied Confirm = %v, %v", ok, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Confirm(ctx, signer.PresenceRequest{}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Confirm error = %v", err)
	}
}

func TestNATSWallet(t *testing.T) {
	nc := newFakeMessenger()
	nc.replies["bunker.wallet.pay_invoice"] = `{"result":{"preimage":"abcd","fees_paid":1000}}`
	nc.replies["bunker.wallet.get_balance"] = `{"result":{"balance":21000}}`
	nc.replies["bunker.wallet.list_transactions"] = `{"result":{"transactions":[{"type":"incoming","payment_hash":"h1","amount":5000,"created_at":1}]}}`
	nc.replies["bunker.wallet.make_invoice"] = `{"error":{"code":"INTERNAL","message":"node offline"}}`
	w := &natsWallet{nc: nc, subjects: subjects{prefix: "bunker"}, timeout: time.Second}
	ctx := context.Background()

	p, err := w.PayInvoice(ctx, wallet.PayRequest{Invoice: "lnbc1"})
	if err != nil || p.Preimage != "abcd" || p.FeesPaid != 1000 {
		t.Errorf("PayInvoice = %+v, %v", p, err)
	}
	if !strings.Contains(string(nc.requests["bunker.wallet.pay_invoice"]), `"invoice":"lnbc1"`) {
		t.Errorf("pay request = %s", nc.requests["bunker.wallet.pay_invoice"])
	}

	if bal, err := w.GetBalance(ctx); err != nil || bal != 21000 {
		t.Errorf("GetBalance = %d, %v", bal, err)
	}

	txs, err := w.ListTransactions(ctx, wallet.ListRequest{Limit: 10})
	if err != nil || len(txs) != 1 || txs[0].PaymentHash != "h1" {
		t.Errorf("ListTransactions = %+v, %v", txs, err)
	}

	if _, err := w.MakeInvoice(ctx, wallet.InvoiceRequest{AmountMsat: 1000}); err == nil || !strings.Contains(err.Error(), "node offline") {
		t.Errorf("MakeInvoice error = %v", err)
	}

	if _, err := w.GetInfo(ctx); err == nil {
		t.Error("GetInfo without a responder should fail")
	}
}

func TestRequestTimeout(t *testing.T) {
	got, err := requestTimeout(context.Background(), time.Minute)
	if err != nil || got != time.Minute {
		t.Errorf("no deadline: %v, %v", got, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err = requestTimeout(ctx, time.Minute)
	if err != nil || got > time.Second {
		t.Errorf("deadline: %v, %v", got, err)
	}
}
