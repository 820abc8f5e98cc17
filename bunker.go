// Package bunker holds the domain model shared by the delegated authorization
// engine: connections between a local identity and a remote client, the
// permissions granted to them, the commands they send and the durable record
// of every command's progress.
//
// Two protocols share the model. Remote signing (NIP-46) lets a client ask
// for event signatures and encryption; wallet connect (NIP-47) lets a client
// ask for Lightning payments against a daily budget.
package bunker

import (
	"fmt"
	"strings"
)

// Protocol identifies which request/response event kinds a connection speaks.
type Protocol string

const (
	ProtocolRemoteSigning Protocol = "nip46"
	ProtocolWalletConnect Protocol = "nip47"
)

// Event kinds used on the relay side of each protocol.
const (
	KindRemoteSigning  = 24133
	KindWalletRequest  = 23194
	KindWalletResponse = 23195
	KindWalletInfo     = 13194
)

// RequestKind returns the event kind remote clients publish commands with.
func (p Protocol) RequestKind() int {
	if p == ProtocolWalletConnect {
		return KindWalletRequest
	}
	return KindRemoteSigning
}

// ResponseKind returns the event kind responses are published with.
func (p Protocol) ResponseKind() int {
	if p == ProtocolWalletConnect {
		return KindWalletResponse
	}
	return KindRemoteSigning
}

// ProtocolForKind maps a request kind back to its protocol.
func ProtocolForKind(kind int) (Protocol, error) {
	switch kind {
	case KindRemoteSigning:
		return ProtocolRemoteSigning, nil
	case KindWalletRequest:
		return ProtocolWalletConnect, nil
	default:
		return "", fmt.Errorf("no protocol handles event kind %d", kind)
	}
}

// Valid reports whether p is one of the known protocols.
func (p Protocol) Valid() bool {
	return p == ProtocolRemoteSigning || p == ProtocolWalletConnect
}

// TrustLevel selects the default policy row for a connection.
type TrustLevel string

const (
	TrustLow    TrustLevel = "low"
	TrustMedium TrustLevel = "medium"
	TrustHigh   TrustLevel = "high"
)

// Valid reports whether t is a known trust level.
func (t TrustLevel) Valid() bool {
	return t == TrustLow || t == TrustMedium || t == TrustHigh
}

// ParseTrustLevel accepts the lowercase names used in config and storage.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch TrustLevel(strings.ToLower(strings.TrimSpace(s))) {
	case TrustLow:
		return TrustLow, nil
	case TrustMedium:
		return TrustMedium, nil
	case TrustHigh:
		return TrustHigh, nil
	}
	return "", fmt.Errorf("unknown trust level %q", s)
}

// Scheme is the payload cipher a command arrived with. Responses always use
// the scheme of the request they answer.
type Scheme string

const (
	SchemeNIP04 Scheme = "nip04"
	SchemeNIP44 Scheme = "nip44"
)

// Valid reports whether s names a supported cipher.
func (s Scheme) Valid() bool {
	return s == SchemeNIP04 || s == SchemeNIP44
}
