package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/nostr"
)

// Methods executes remote-signing (NIP-46) commands against a keyring.
type Methods struct {
	keyring *Keyring
}

// NewMethods returns the remote-signing method table.
func NewMethods(keyring *Keyring) *Methods {
	return &Methods{keyring: keyring}
}

var paramCounts = map[string]int{
	"connect":        1,
	"ping":           0,
	"get_public_key": 0,
	"get_relays":     0,
	"sign_event":     1,
	"nip04_encrypt":  2,
	"nip04_decrypt":  2,
	"nip44_encrypt":  2,
	"nip44_decrypt":  2,
}

// Annotate validates cmd's parameters and records the event kind of
// sign_event so grants and the trust table can see it.
func (m *Methods) Annotate(cmd *bunker.Command) error {
	want, ok := paramCounts[cmd.Method]
	if !ok {
		return bunker.Errorf(bunker.CodeUnsupportedMethod, "unsupported method %s", cmd.Method)
	}
	if len(cmd.Params) < want {
		return bunker.Errorf(bunker.CodeParse, "%s expects %d params", cmd.Method, want)
	}

	switch cmd.Method {
	case "sign_event":
		tmpl, err := parseTemplate(cmd.Params[0])
		if err != nil {
			return err
		}
		kind := tmpl.Kind
		cmd.EventKind = &kind
	case "nip04_encrypt", "nip04_decrypt", "nip44_encrypt", "nip44_decrypt":
		if !nostr.ValidPubKey(cmd.Params[0]) {
			return bunker.Errorf(bunker.CodeParse, "invalid counterpart public key")
		}
	}
	return nil
}

func parseTemplate(raw string) (UnsignedEvent, error) {
	var tmpl struct {
		Kind      *int       `json:"kind"`
		Content   string     `json:"content"`
		Tags      nostr.Tags `json:"tags"`
		CreatedAt int64      `json:"created_at"`
	}
	if err := json.Unmarshal([]byte(raw), &tmpl); err != nil || tmpl.Kind == nil {
		return UnsignedEvent{}, bunker.Errorf(bunker.CodeParse, "invalid event template")
	}
	if *tmpl.Kind < 0 || *tmpl.Kind > 65535 {
		return UnsignedEvent{}, bunker.Errorf(bunker.CodeParse, "event kind out of range")
	}
	return UnsignedEvent{Kind: *tmpl.Kind, Content: tmpl.Content, Tags: tmpl.Tags, CreatedAt: tmpl.CreatedAt}, nil
}

// SelfBounded reports whether cmd may wait on the key holder. Signatures
// go through the presence gate and the shared Executor bounds them.
func (m *Methods) SelfBounded(cmd *bunker.Command) bool {
	return cmd.Method == "sign_event"
}

// Execute runs an approved command.
func (m *Methods) Execute(ctx context.Context, conn *bunker.Connection, cmd *bunker.Command) (string, error) {
	svc, err := m.keyring.Get(conn.LocalIdentity)
	if err != nil {
		return "", err
	}

	switch cmd.Method {
	case "connect":
		if cmd.Params[0] != svc.PublicKey() {
			return "", bunker.Errorf(bunker.CodePolicyDenied, "connect addressed to another signer")
		}
		if len(cmd.Params) > 1 && conn.Secret != "" && cmd.Params[1] != "" && cmd.Params[1] != conn.Secret {
			return "", bunker.Errorf(bunker.CodePolicyDenied, "invalid connection secret")
		}
		return "ack", nil

	case "ping":
		return "pong", nil

	case "get_public_key":
		return svc.PublicKey(), nil

	case "get_relays":
		relays := make(map[string]map[string]bool, len(conn.RelayHints))
		for _, url := range conn.RelayHints {
			relays[url] = map[string]bool{"read": true, "write": true}
		}
		data, err := json.Marshal(relays)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case "sign_event":
		tmpl, err := parseTemplate(cmd.Params[0])
		if err != nil {
			return "", err
		}
		result, err := svc.Sign(ctx, tmpl)
		if err != nil {
			return "", fmt.Errorf("failed to sign event: %w", err)
		}
		switch r := result.(type) {
		case Signed:
			data, err := json.Marshal(r.Event)
			if err != nil {
				return "", err
			}
			return string(data), nil
		case Rejected:
			return "", bunker.Errorf(bunker.CodeSigningRejected, "signing rejected: %s", r.Reason)
		default:
			return "", errors.New("unknown sign result")
		}

	case "nip04_encrypt":
		return svc.Encrypt(ctx, bunker.SchemeNIP04, cmd.Params[0], cmd.Params[1])
	case "nip44_encrypt":
		return svc.Encrypt(ctx, bunker.SchemeNIP44, cmd.Params[0], cmd.Params[1])
	case "nip04_decrypt":
		return svc.Decrypt(ctx, bunker.SchemeNIP04, cmd.Params[0], cmd.Params[1])
	case "nip44_decrypt":
		return svc.Decrypt(ctx, bunker.SchemeNIP44, cmd.Params[0], cmd.Params[1])
	}
	return "", bunker.Errorf(bunker.CodeUnsupportedMethod, "unsupported method %s", cmd.Method)
}
