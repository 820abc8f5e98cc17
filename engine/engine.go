// Package engine is the delegated authorization engine: it receives
// encrypted commands from paired clients, decides them against the
// connection's grants, budget and trust level, executes what is allowed
// and answers every request exactly once.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/nostr"
	"github.com/mesmerverse/bunker/policy"
	"github.com/mesmerverse/bunker/wallet"
)

// Config tunes the engine.
type Config struct {
	// DefaultRelays are used for every identity in addition to the relays
	// its connections were paired on.
	DefaultRelays []string
	// DefaultTrust applies to new connections unless overridden.
	DefaultTrust bunker.TrustLevel
	// MaxConcurrent bounds commands executing at once across connections.
	MaxConcurrent int64
	// QueueDepth bounds queued commands per connection.
	QueueDepth int
	// Lookback is how far back subscriptions ask relays for requests.
	Lookback time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTrust:  bunker.TrustLow,
		MaxConcurrent: 8,
		QueueDepth:    64,
		Lookback:      10 * time.Minute,
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Store     Store
	Transport Transport
	Keys      Keys
	Approvals ApprovalChannel
	Executors map[bunker.Protocol]Executor
	// Policy defaults to the built-in trust table.
	Policy *policy.Engine
	Clock  func() time.Time
}

// Engine ties the processor to relay sessions, pairing and push wakes.
type Engine struct {
	cfg       Config
	store     Store
	transport Transport
	keys      Keys
	now       func() time.Time
	proc      *Processor
	wake      *WakeHandler
}

// New builds an engine. Call Start to open sessions and resume persisted
// requests.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Transport == nil || deps.Keys == nil || deps.Approvals == nil {
		return nil, errors.New("engine needs a store, transport, keys and approval channel")
	}
	if len(deps.Executors) == 0 {
		return nil, errors.New("engine needs at least one executor")
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	if !cfg.DefaultTrust.Valid() {
		cfg.DefaultTrust = bunker.TrustLow
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		transport: deps.Transport,
		keys:      deps.Keys,
		now:       deps.Clock,
		proc:      newProcessor(cfg, deps),
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.wake = &WakeHandler{
		store:     deps.Store,
		transport: deps.Transport,
		sessions:  e,
		handle:    e.proc.HandleEvent,
	}
	return e, nil
}

// Start opens a relay session for every identity that has relays and then
// resumes requests left over from the previous run.
func (e *Engine) Start(ctx context.Context) error {
	for _, identity := range e.keys.Identities() {
		relays, err := e.relaysFor(ctx, identity)
		if err != nil {
			return err
		}
		if len(relays) == 0 {
			log.Warn().Str("identity", identity).Msg("Identity has no relays, session not started")
			continue
		}
		if err := e.StartSession(ctx, identity); err != nil {
			return err
		}
	}
	return e.proc.Recover(ctx)
}

// HandleEvent feeds an inbound relay event to the processor.
func (e *Engine) HandleEvent(ctx context.Context, identity string, ev *nostr.Event) {
	e.proc.HandleEvent(ctx, identity, ev)
}

func (e *Engine) relaysFor(ctx context.Context, identity string) ([]string, error) {
	seen := make(map[string]bool)
	var relays []string
	add := func(urls []string) {
		for _, u := range urls {
			if !seen[u] {
				seen[u] = true
				relays = append(relays, u)
			}
		}
	}
	add(e.cfg.DefaultRelays)

	conns, err := e.store.ListConnections(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	for _, c := range conns {
		if c.Active() {
			add(c.RelayHints)
		}
	}
	return relays, nil
}

// StartSession connects identity to its relays and subscribes to requests
// from its active connections.
func (e *Engine) StartSession(ctx context.Context, identity string) error {
	if _, err := e.keys.Signer(identity); err != nil {
		return err
	}
	relays, err := e.relaysFor(ctx, identity)
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		return fmt.Errorf("no relays for identity %s", identity)
	}
	if err := e.transport.Start(ctx, identity, relays); err != nil {
		return err
	}
	return e.refreshFilters(ctx, identity)
}

// StopSession closes identity's relay session. Parked requests stay parked.
func (e *Engine) StopSession(identity string) {
	e.transport.Stop(identity)
}

// refreshFilters subscribes to request kinds addressed to identity from
// the remote keys of its active connections only.
func (e *Engine) refreshFilters(ctx context.Context, identity string) error {
	remotes, err := e.store.ActiveRemotes(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to list active remotes: %w", err)
	}
	var filters []nostr.Filter
	if len(remotes) > 0 {
		since := e.now().Add(-e.cfg.Lookback).Unix()
		filters = []nostr.Filter{{
			Kinds:   []int{bunker.KindRemoteSigning, bunker.KindWalletRequest},
			Authors: remotes,
			Tags:    map[string][]string{"p": {identity}},
			Since:   &since,
		}}
	}
	return e.transport.SetFilters(identity, filters)
}

// RespondToDecision delivers the user's verdict on a parked request.
func (e *Engine) RespondToDecision(ctx context.Context, requestID string, approved bool) error {
	return e.proc.RespondToDecision(ctx, requestID, approved)
}

// OnPushWake processes the request named by a push notification.
func (e *Engine) OnPushWake(ctx context.Context, payload map[string]string) error {
	return e.wake.OnPushWake(ctx, payload)
}

type connectOptions struct {
	identity string
	trust    bunker.TrustLevel
}

// ConnectOption adjusts CreateConnection.
type ConnectOption func(*connectOptions)

// WithIdentity pairs with a specific local identity.
func WithIdentity(identity string) ConnectOption {
	return func(o *connectOptions) { o.identity = identity }
}

// WithTrustLevel overrides the default trust level.
func WithTrustLevel(level bunker.TrustLevel) ConnectOption {
	return func(o *connectOptions) { o.trust = level }
}

func (e *Engine) resolveIdentity(identity string) (string, error) {
	if identity != "" {
		if _, err := e.keys.Signer(identity); err != nil {
			return "", err
		}
		return identity, nil
	}
	ids := e.keys.Identities()
	if len(ids) != 1 {
		return "", fmt.Errorf("identity required: %d identities loaded", len(ids))
	}
	return ids[0], nil
}

// CreateConnection pairs with a client from its nostrconnect:// URL. The
// requested perms become allow grants, and the connect acknowledgement
// carrying the pairing secret is published to the client.
func (e *Engine) CreateConnection(ctx context.Context, pairingURL string, opts ...ConnectOption) (*bunker.Connection, error) {
	pairing, err := ParsePairingURL(pairingURL)
	if err != nil {
		return nil, err
	}
	if pairing.Protocol != bunker.ProtocolRemoteSigning {
		return nil, fmt.Errorf("%w: wallet connections are created with NewWalletPairing", ErrInvalidPairing)
	}

	o := connectOptions{trust: e.cfg.DefaultTrust}
	for _, opt := range opts {
		opt(&o)
	}
	identity, err := e.resolveIdentity(o.identity)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	conn := &bunker.Connection{
		ID:            uuid.NewString(),
		Protocol:      bunker.ProtocolRemoteSigning,
		RemotePubkey:  pairing.Pubkey,
		LocalIdentity: identity,
		RelayHints:    pairing.Relays,
		TrustLevel:    o.trust,
		Status:        bunker.StatusActive,
		Secret:        pairing.Secret,
		Metadata:      pairing.Metadata,
		CreatedAt:     now,
	}
	var grants []bunker.PermissionGrant
	for _, perm := range pairing.Perms {
		if method, _, _ := strings.Cut(perm, ":"); method == "" {
			return nil, fmt.Errorf("%w: bad permission %q", ErrInvalidPairing, perm)
		}
		grants = append(grants, bunker.PermissionGrant{Selector: perm, Effect: bunker.EffectAllow, CreatedAt: now})
	}

	if err := e.store.CreateConnection(ctx, conn, grants); err != nil {
		return nil, err
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("identity", identity).
		Str("client", conn.Metadata.Name).
		Int("grants", len(grants)).
		Msg("Connection created")

	if err := e.StartSession(ctx, identity); err != nil {
		return conn, err
	}

	ack := pairing.Secret
	if ack == "" {
		ack = "ack"
	}
	if err := e.proc.publishResponse(ctx, conn, bunker.SchemeNIP44, uuid.NewString(), "", ack, nil); err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID).Msg("Failed to publish connect acknowledgement")
	}
	return conn, nil
}

// WalletOptions configures a new wallet pairing.
type WalletOptions struct {
	Relays []string
	// DailyLimit in sats; zero leaves payments to the trust table.
	DailyLimit int64
	TrustLevel bunker.TrustLevel
	Name       string
}

// NewWalletPairing creates a wallet connection for identity and returns
// the nostr+walletconnect:// URI to hand to the client. The client secret
// appears only in the URI.
func (e *Engine) NewWalletPairing(ctx context.Context, identity string, opts WalletOptions) (string, *bunker.Connection, error) {
	identity, err := e.resolveIdentity(identity)
	if err != nil {
		return "", nil, err
	}
	relays := opts.Relays
	if len(relays) == 0 {
		relays = e.cfg.DefaultRelays
	}
	if len(relays) == 0 {
		return "", nil, errors.New("wallet pairing needs at least one relay")
	}
	trust := opts.TrustLevel
	if !trust.Valid() {
		trust = e.cfg.DefaultTrust
	}

	clientKey, err := nostr.GenerateKey()
	if err != nil {
		return "", nil, err
	}
	defer clientKey.Zero()
	secret := hex.EncodeToString(clientKey.Serialize())

	now := e.now().UTC()
	conn := &bunker.Connection{
		ID:            uuid.NewString(),
		Protocol:      bunker.ProtocolWalletConnect,
		RemotePubkey:  nostr.PublicKeyHex(clientKey),
		LocalIdentity: identity,
		RelayHints:    relays,
		TrustLevel:    trust,
		Status:        bunker.StatusActive,
		Metadata:      bunker.DisplayMetadata{Name: opts.Name},
		CreatedAt:     now,
	}
	var grants []bunker.PermissionGrant
	if opts.DailyLimit > 0 {
		for _, method := range []string{"pay_invoice", "pay_keysend"} {
			grants = append(grants, bunker.PermissionGrant{
				Selector:         method,
				Effect:           bunker.EffectAllow,
				DailyBudgetLimit: opts.DailyLimit,
				CreatedAt:        now,
			})
		}
	}
	if err := e.store.CreateConnection(ctx, conn, grants); err != nil {
		return "", nil, err
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("identity", identity).
		Int64("daily_limit", opts.DailyLimit).
		Msg("Wallet connection created")

	if err := e.StartSession(ctx, identity); err != nil {
		return "", conn, err
	}
	if err := e.publishWalletInfo(ctx, identity); err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("Failed to publish wallet info")
	}

	uri := (&Pairing{
		Protocol: bunker.ProtocolWalletConnect,
		Pubkey:   identity,
		Relays:   relays,
		Secret:   secret,
	}).String()
	return uri, conn, nil
}

// publishWalletInfo announces the supported wallet methods.
func (e *Engine) publishWalletInfo(ctx context.Context, identity string) error {
	sgn, err := e.keys.Signer(identity)
	if err != nil {
		return err
	}
	ev := &nostr.Event{
		CreatedAt: e.now().Unix(),
		Kind:      bunker.KindWalletInfo,
		Tags:      nostr.Tags{{"encryption", "nip44_v2 nip04"}},
		Content:   strings.Join(wallet.Supported, " "),
	}
	if err := sgn.SignEvent(ev); err != nil {
		return err
	}
	return e.transport.Publish(ctx, identity, ev)
}

// RevokeConnection permanently revokes a connection and drops its key
// from the identity's subscription.
func (e *Engine) RevokeConnection(ctx context.Context, connectionID string) error {
	conn, err := e.proc.Revoke(ctx, connectionID)
	if err != nil {
		return err
	}
	if e.transport.Running(conn.LocalIdentity) {
		return e.refreshFilters(ctx, conn.LocalIdentity)
	}
	return nil
}

// Connections lists identity's connections; an empty identity lists all.
func (e *Engine) Connections(ctx context.Context, identity string) ([]*bunker.Connection, error) {
	return e.store.ListConnections(ctx, identity)
}

// ConnectionOverview is a connection with its open requests and today's
// budget.
type ConnectionOverview struct {
	Connection *bunker.Connection `json:"connection"`
	Pending    int                `json:"pending"`
	Budget     *BudgetSummary     `json:"budget,omitempty"`
}

// BudgetSummary reports a connection's spending for the current UTC day.
type BudgetSummary struct {
	DailyLimit int64 `json:"daily_limit"`
	SpentToday int64 `json:"spent_today"`
	Remaining  int64 `json:"remaining"`
}

// Overview lists identity's connections with their pending request count
// and remaining budget. Stale budgets are rolled over first.
func (e *Engine) Overview(ctx context.Context, identity string) ([]ConnectionOverview, error) {
	conns, err := e.store.ListConnections(ctx, identity)
	if err != nil {
		return nil, err
	}
	out := make([]ConnectionOverview, 0, len(conns))
	for _, conn := range conns {
		pending, err := e.store.LoadPending(ctx, conn.ID)
		if err != nil {
			return nil, err
		}
		item := ConnectionOverview{Connection: conn, Pending: len(pending)}

		state, err := e.proc.ledger.ResetIfNewDay(ctx, conn.ID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			remaining, err := e.proc.ledger.Remaining(ctx, conn.ID)
			if err != nil {
				return nil, err
			}
			item.Budget = &BudgetSummary{
				DailyLimit: state.DailyLimit,
				SpentToday: state.SpentToday,
				Remaining:  remaining,
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// Close stops the processor. Relay sessions belong to the transport.
func (e *Engine) Close() {
	e.proc.Close()
}
