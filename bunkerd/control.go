package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/engine"
)

// SECURITY: every control command must carry an Ed25519 signature from the
// operator key so that NATS credentials alone cannot revoke or pair.

const (
	maxClockSkew         = time.Minute
	maxCommandCacheSize  = 10000
	commandCleanupPeriod = time.Minute
)

// SignedControlCommand is an operator command received on the control subject
type SignedControlCommand struct {
	CommandID string          `json:"command_id"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	IssuedAt  string          `json:"issued_at"`
	IssuedBy  string          `json:"issued_by"`
	ExpiresAt string          `json:"expires_at"`
	Signature string          `json:"signature"`
}

// signingPayload is the canonical JSON the signature covers
func (c *SignedControlCommand) signingPayload() ([]byte, error) {
	params := c.Params
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	return json.Marshal(map[string]any{
		"command_id": c.CommandID,
		"command":    c.Command,
		"params":     params,
		"issued_at":  c.IssuedAt,
		"issued_by":  c.IssuedBy,
		"expires_at": c.ExpiresAt,
	})
}

// controlVerifier checks signature, freshness and replay of commands
type controlVerifier struct {
	publicKey ed25519.PublicKey
	maxAge    time.Duration
	now       func() time.Time

	mu          sync.Mutex
	seen        map[string]time.Time
	lastCleanup time.Time
}

// newControlVerifier accepts a raw or SPKI-encoded key. A nil key is only
// accepted in dev mode and lets unsigned commands through.
func newControlVerifier(publicKeyB64 string, maxAge time.Duration, devMode bool) (*controlVerifier, error) {
	v := &controlVerifier{
		maxAge: maxAge,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
	if publicKeyB64 == "" {
		if !devMode {
			return nil, errors.New("control public key not configured")
		}
		log.Warn().Msg("SECURITY: Control signing key not configured (dev mode)")
		return v, nil
	}
	der, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode control public key: %w", err)
	}
	if len(der) < ed25519.PublicKeySize {
		return nil, errors.New("invalid control public key: too short")
	}
	// SPKI wraps the raw key in a 12 byte header; the key is the tail.
	v.publicKey = ed25519.PublicKey(der[len(der)-ed25519.PublicKeySize:])
	return v, nil
}

// Verify parses and checks a command
func (v *controlVerifier) Verify(data []byte) (*SignedControlCommand, error) {
	var cmd SignedControlCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to parse control command: %w", err)
	}
	if cmd.CommandID == "" || cmd.Command == "" {
		return &cmd, errors.New("missing command_id or command")
	}

	expiresAt, err := time.Parse(time.RFC3339, cmd.ExpiresAt)
	if err != nil {
		return &cmd, fmt.Errorf("invalid expires_at: %w", err)
	}
	issuedAt, err := time.Parse(time.RFC3339, cmd.IssuedAt)
	if err != nil {
		return &cmd, fmt.Errorf("invalid issued_at: %w", err)
	}

	now := v.now()
	if expiresAt.Before(now) {
		return &cmd, errors.New("control command has expired")
	}
	age := now.Sub(issuedAt)
	if age > v.maxAge {
		return &cmd, errors.New("control command is too old")
	}
	if age < -maxClockSkew {
		return &cmd, errors.New("control command issued in the future")
	}

	if v.publicKey == nil {
		log.Warn().Str("command_id", cmd.CommandID).Msg("SECURITY: Allowing unsigned control command (dev mode)")
	} else {
		sig, err := base64.StdEncoding.DecodeString(cmd.Signature)
		if err != nil {
			return &cmd, fmt.Errorf("failed to decode signature: %w", err)
		}
		payload, err := cmd.signingPayload()
		if err != nil {
			return &cmd, err
		}
		if !ed25519.Verify(v.publicKey, payload, sig) {
			log.Warn().
				Str("command_id", cmd.CommandID).
				Str("issued_by", cmd.IssuedBy).
				Msg("SECURITY: Invalid control command signature")
			return &cmd, errors.New("invalid control command signature")
		}
	}

	if !v.checkAndAdd(cmd.CommandID, issuedAt) {
		log.Warn().Str("command_id", cmd.CommandID).Msg("SECURITY: Control command replay detected")
		return &cmd, errors.New("command already executed")
	}
	return &cmd, nil
}

func (v *controlVerifier) checkAndAdd(id string, issuedAt time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if v.lastCleanup.IsZero() {
		v.lastCleanup = now
	}
	if now.Sub(v.lastCleanup) > commandCleanupPeriod || len(v.seen) >= maxCommandCacheSize {
		// Anything older than maxAge is refused on freshness alone.
		cutoff := now.Add(-2 * v.maxAge)
		for k, t := range v.seen {
			if t.Before(cutoff) {
				delete(v.seen, k)
			}
		}
		v.lastCleanup = now
	}
	if _, ok := v.seen[id]; ok {
		return false
	}
	if len(v.seen) >= maxCommandCacheSize {
		return false
	}
	v.seen[id] = issuedAt
	return true
}

// controlTarget is what control commands operate on. *engine.Engine
// provides everything except grants, which go straight to the store.
type controlTarget interface {
	CreateConnection(ctx context.Context, pairingURL string, opts ...engine.ConnectOption) (*bunker.Connection, error)
	NewWalletPairing(ctx context.Context, identity string, opts engine.WalletOptions) (string, *bunker.Connection, error)
	RevokeConnection(ctx context.Context, connectionID string) error
	Overview(ctx context.Context, identity string) ([]engine.ConnectionOverview, error)
}

type granter interface {
	GrantPermission(ctx context.Context, g bunker.PermissionGrant) error
	SetTrustLevel(ctx context.Context, id string, level bunker.TrustLevel) error
}

type controlReply struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type pairParams struct {
	URL      string `json:"url"`
	Identity string `json:"identity"`
	Trust    string `json:"trust"`
}

type walletPairParams struct {
	Identity   string   `json:"identity"`
	Relays     []string `json:"relays"`
	DailyLimit int64    `json:"daily_limit"`
	Trust      string   `json:"trust"`
	Name       string   `json:"name"`
}

type connectionParams struct {
	ConnectionID string `json:"connection_id"`
	Identity     string `json:"identity"`
	Trust        string `json:"trust"`
}

type grantParams struct {
	ConnectionID string `json:"connection_id"`
	Selector     string `json:"selector"`
	Effect       string `json:"effect"`
	DailyLimit   int64  `json:"daily_limit"`
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// runControl executes a verified command
func runControl(ctx context.Context, target controlTarget, store granter, cmd *SignedControlCommand) (any, error) {
	switch cmd.Command {
	case "pair":
		var p pairParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return nil, err
		}
		var opts []engine.ConnectOption
		if p.Identity != "" {
			opts = append(opts, engine.WithIdentity(p.Identity))
		}
		if p.Trust != "" {
			trust, err := bunker.ParseTrustLevel(p.Trust)
			if err != nil {
				return nil, err
			}
			opts = append(opts, engine.WithTrustLevel(trust))
		}
		return target.CreateConnection(ctx, p.URL, opts...)

	case "wallet_pair":
		var p walletPairParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return nil, err
		}
		opts := engine.WalletOptions{Relays: p.Relays, DailyLimit: p.DailyLimit, Name: p.Name}
		if p.Trust != "" {
			trust, err := bunker.ParseTrustLevel(p.Trust)
			if err != nil {
				return nil, err
			}
			opts.TrustLevel = trust
		}
		uri, conn, err := target.NewWalletPairing(ctx, p.Identity, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"uri": uri, "connection": conn}, nil

	case "revoke":
		var p connectionParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return nil, err
		}
		return nil, target.RevokeConnection(ctx, p.ConnectionID)

	case "list":
		var p connectionParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return nil, err
		}
		return target.Overview(ctx, p.Identity)

	case "grant":
		var p grantParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return nil, err
		}
		effect := bunker.Effect(p.Effect)
		if effect == "" {
			effect = bunker.EffectAllow
		}
		return nil, store.GrantPermission(ctx, bunker.PermissionGrant{
			ConnectionID:     p.ConnectionID,
			Selector:         p.Selector,
			Effect:           effect,
			DailyBudgetLimit: p.DailyLimit,
		})

	case "set_trust":
		var p connectionParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return nil, err
		}
		trust, err := bunker.ParseTrustLevel(p.Trust)
		if err != nil {
			return nil, err
		}
		return nil, store.SetTrustLevel(ctx, p.ConnectionID, trust)
	}
	return nil, fmt.Errorf("unknown control command %q", cmd.Command)
}

// handleControl verifies, runs and answers one control message
func handleControl(ctx context.Context, v *controlVerifier, target controlTarget, store granter, data []byte) controlReply {
	cmd, err := v.Verify(data)
	if err != nil {
		return controlReply{Error: err.Error()}
	}
	result, err := runControl(ctx, target, store, cmd)
	if err != nil {
		log.Warn().Err(err).Str("command_id", cmd.CommandID).Str("command", cmd.Command).Msg("Control command failed")
		return controlReply{Error: err.Error()}
	}
	log.Info().
		Str("command_id", cmd.CommandID).
		Str("command", cmd.Command).
		Str("issued_by", cmd.IssuedBy).
		Msg("Control command executed")
	return controlReply{OK: true, Result: result}
}
