package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mesmerverse/bunker/engine"
	"github.com/mesmerverse/bunker/signer"
	"github.com/mesmerverse/bunker/wallet"
)

// subjects names the NATS subjects under one prefix:
//
//	<prefix>.approvals.request   approval prompts, published
//	<prefix>.approvals.decision  user decisions, subscribed
//	<prefix>.wake                push wakes, subscribed
//	<prefix>.control             signed operator commands, request/reply
//	<prefix>.presence            presence confirmation, request/reply
//	<prefix>.wallet.<method>     Lightning backend, request/reply
//	<prefix>.backup.created      backup notifications, published
type subjects struct {
	prefix string
}

func (s subjects) approvalRequest() string  { return s.prefix + ".approvals.request" }
func (s subjects) approvalDecision() string { return s.prefix + ".approvals.decision" }
func (s subjects) wake() string             { return s.prefix + ".wake" }
func (s subjects) control() string          { return s.prefix + ".control" }
func (s subjects) presence() string         { return s.prefix + ".presence" }
func (s subjects) wallet(method string) string {
	return s.prefix + ".wallet." + method
}
func (s subjects) backupCreated() string { return s.prefix + ".backup.created" }

// natsApprovals surfaces parked requests on NATS.
type natsApprovals struct {
	nc       messenger
	subjects subjects
}

func (a *natsApprovals) RequestApproval(_ context.Context, req engine.ApprovalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return a.nc.Publish(a.subjects.approvalRequest(), data)
}

// decisionMessage is what the approval UI sends back.
type decisionMessage struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

func parseDecision(data []byte) (decisionMessage, error) {
	var d decisionMessage
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("invalid decision: %w", err)
	}
	if d.RequestID == "" {
		return d, errors.New("decision without request_id")
	}
	return d, nil
}

// requestTimeout shortens timeout to ctx's deadline.
func requestTimeout(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}
	return timeout, nil
}

// natsPresenceGate asks a paired device to confirm signatures of keys that
// require presence.
type natsPresenceGate struct {
	nc       messenger
	subjects subjects
	timeout  time.Duration
}

type presenceMessage struct {
	Identity string `json:"identity"`
	Kind     int    `json:"kind"`
	Summary  string `json:"summary"`
}

func (g *natsPresenceGate) Confirm(ctx context.Context, req signer.PresenceRequest) (bool, error) {
	timeout, err := requestTimeout(ctx, g.timeout)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(presenceMessage{Identity: req.Identity, Kind: req.Kind, Summary: req.Summary})
	if err != nil {
		return false, err
	}
	reply, err := g.nc.Request(g.subjects.presence(), data, timeout)
	if err != nil {
		return false, fmt.Errorf("presence confirmation failed: %w", err)
	}
	var resp struct {
		Approved bool `json:"approved"`
	}
	if err := json.Unmarshal(reply, &resp); err != nil {
		return false, fmt.Errorf("invalid presence reply: %w", err)
	}
	return resp.Approved, nil
}

// natsWallet is a wallet.Backend served by a Lightning node adapter over
// NATS request/reply. Replies are {"result": ...} or {"error": {...}}.
type natsWallet struct {
	nc       messenger
	subjects subjects
	timeout  time.Duration
}

type walletReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (w *natsWallet) call(ctx context.Context, method string, req, out any) error {
	timeout, err := requestTimeout(ctx, w.timeout)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	raw, err := w.nc.Request(w.subjects.wallet(method), data, timeout)
	if err != nil {
		return fmt.Errorf("wallet backend %s: %w", method, err)
	}
	var reply walletReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("invalid wallet reply: %w", err)
	}
	if reply.Error != nil {
		return fmt.Errorf("wallet backend %s: %s: %s", method, reply.Error.Code, reply.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return fmt.Errorf("invalid wallet result: %w", err)
	}
	return nil
}

func (w *natsWallet) PayInvoice(ctx context.Context, req wallet.PayRequest) (*wallet.Payment, error) {
	var p wallet.Payment
	if err := w.call(ctx, "pay_invoice", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (w *natsWallet) PayKeysend(ctx context.Context, req wallet.KeysendRequest) (*wallet.Payment, error) {
	var p wallet.Payment
	if err := w.call(ctx, "pay_keysend", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (w *natsWallet) MakeInvoice(ctx context.Context, req wallet.InvoiceRequest) (*wallet.Transaction, error) {
	var tx wallet.Transaction
	if err := w.call(ctx, "make_invoice", req, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (w *natsWallet) LookupInvoice(ctx context.Context, req wallet.LookupRequest) (*wallet.Transaction, error) {
	var tx wallet.Transaction
	if err := w.call(ctx, "lookup_invoice", req, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (w *natsWallet) GetBalance(ctx context.Context) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := w.call(ctx, "get_balance", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

func (w *natsWallet) GetInfo(ctx context.Context) (*wallet.Info, error) {
	var info wallet.Info
	if err := w.call(ctx, "get_info", struct{}{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (w *natsWallet) ListTransactions(ctx context.Context, req wallet.ListRequest) ([]wallet.Transaction, error) {
	var resp struct {
		Transactions []wallet.Transaction `json:"transactions"`
	}
	if err := w.call(ctx, "list_transactions", req, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}
