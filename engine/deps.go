package engine

import (
	"context"
	"time"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/budget"
	"github.com/mesmerverse/bunker/codec"
	"github.com/mesmerverse/bunker/nostr"
	"github.com/mesmerverse/bunker/signer"
)

// Store is the persistence the engine needs. storage.SQLiteStore
// implements it.
type Store interface {
	budget.Store

	CreateConnection(ctx context.Context, conn *bunker.Connection, grants []bunker.PermissionGrant) error
	GetConnection(ctx context.Context, id string) (*bunker.Connection, error)
	FindByRemotePubkey(ctx context.Context, protocol bunker.Protocol, remotePubkey string) (*bunker.Connection, error)
	ListConnections(ctx context.Context, identity string) ([]*bunker.Connection, error)
	ActiveRemotes(ctx context.Context, identity string) ([]string, error)
	Revoke(ctx context.Context, id string) ([]*bunker.PendingRequestRecord, error)
	Snapshot(ctx context.Context, id string) (*bunker.Snapshot, error)

	GetRecord(ctx context.Context, connectionID, requestID string) (*bunker.PendingRequestRecord, error)
	FindRecord(ctx context.Context, requestID string) (*bunker.PendingRequestRecord, error)
	RecordOutcome(ctx context.Context, rec *bunker.PendingRequestRecord) (*bunker.PendingRequestRecord, error)
	LoadPending(ctx context.Context, connectionID string) ([]*bunker.PendingRequestRecord, error)
	LoadAllPending(ctx context.Context) ([]*bunker.PendingRequestRecord, error)
}

// Transport moves events through relays. relay.Manager implements it.
type Transport interface {
	Start(ctx context.Context, identity string, relays []string) error
	Stop(identity string)
	Running(identity string) bool
	SetFilters(identity string, filters []nostr.Filter) error
	Publish(ctx context.Context, identity string, ev *nostr.Event) error
	Fetch(ctx context.Context, identity string, filter nostr.Filter) ([]*nostr.Event, error)
}

// ApprovalRequest is what the user sees for a parked command.
type ApprovalRequest struct {
	RequestID    string    `json:"request_id"`
	ConnectionID string    `json:"connection_id"`
	Identity     string    `json:"identity"`
	Client       string    `json:"client,omitempty"`
	Method       string    `json:"method"`
	EventKind    *int      `json:"event_kind,omitempty"`
	Amount       int64     `json:"amount,omitempty"`
	Reason       string    `json:"reason"`
	ReceivedAt   time.Time `json:"received_at"`
}

// ApprovalChannel surfaces parked commands to the user. Decisions come back
// through Engine.RespondToDecision.
type ApprovalChannel interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) error
}

// Executor runs approved commands for one protocol.
type Executor interface {
	// Annotate validates cmd and fills EventKind and Amount.
	Annotate(cmd *bunker.Command) error
	Execute(ctx context.Context, conn *bunker.Connection, cmd *bunker.Command) (string, error)
}

// SelfBounded is implemented by executors whose commands can block on
// something outside the engine, such as a presence prompt, and that bound
// their own concurrency. The engine releases its processing slot before
// running such a command.
type SelfBounded interface {
	SelfBounded(cmd *bunker.Command) bool
}

// Signer is a local identity able to sign protocol events and run the
// request ciphers.
type Signer interface {
	codec.EncryptionHandler
	PublicKey() string
	SignEvent(ev *nostr.Event) error
}

// Keys resolves local identities.
type Keys interface {
	Signer(identity string) (Signer, error)
	Identities() []string
}

type keyringKeys struct {
	ring *signer.Keyring
}

// KeyringKeys adapts a signer.Keyring.
func KeyringKeys(ring *signer.Keyring) Keys {
	return keyringKeys{ring: ring}
}

func (k keyringKeys) Signer(identity string) (Signer, error) {
	svc, err := k.ring.Get(identity)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (k keyringKeys) Identities() []string {
	return k.ring.Identities()
}
