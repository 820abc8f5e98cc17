package engine

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/nostr"
)

const (
	schemeNostrConnect  = "nostrconnect"
	schemeWalletConnect = "nostr+walletconnect"
)

// ErrInvalidPairing is returned for malformed pairing URLs.
var ErrInvalidPairing = errors.New("invalid pairing url")

// Pairing is a decoded pairing URL.
type Pairing struct {
	Protocol bunker.Protocol
	// Pubkey is the client's key for nostrconnect and the wallet service's
	// key for nostr+walletconnect.
	Pubkey string
	Relays []string
	Secret string
	// Perms holds requested "method" or "method:kind" selectors.
	Perms    []string
	Metadata bunker.DisplayMetadata
}

// ParsePairingURL decodes nostrconnect:// and nostr+walletconnect:// URLs.
func ParsePairingURL(raw string) (*Pairing, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPairing, err)
	}

	p := &Pairing{}
	switch u.Scheme {
	case schemeNostrConnect:
		p.Protocol = bunker.ProtocolRemoteSigning
	case schemeWalletConnect:
		p.Protocol = bunker.ProtocolWalletConnect
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidPairing, u.Scheme)
	}

	p.Pubkey = u.Host
	if p.Pubkey == "" {
		p.Pubkey = strings.TrimPrefix(u.Opaque, "//")
	}
	if !nostr.ValidPubKey(p.Pubkey) {
		return nil, fmt.Errorf("%w: invalid public key", ErrInvalidPairing)
	}

	q := u.Query()
	for _, r := range q["relay"] {
		if r = strings.TrimSpace(r); r != "" {
			p.Relays = append(p.Relays, r)
		}
	}
	if len(p.Relays) == 0 {
		return nil, fmt.Errorf("%w: no relay", ErrInvalidPairing)
	}
	p.Secret = q.Get("secret")
	if p.Protocol == bunker.ProtocolWalletConnect && p.Secret == "" {
		return nil, fmt.Errorf("%w: wallet pairing without secret", ErrInvalidPairing)
	}
	if perms := q.Get("perms"); perms != "" {
		for _, perm := range strings.Split(perms, ",") {
			if perm = strings.TrimSpace(perm); perm != "" {
				p.Perms = append(p.Perms, perm)
			}
		}
	}
	p.Metadata = bunker.DisplayMetadata{
		Name:  q.Get("name"),
		URL:   q.Get("url"),
		Image: q.Get("image"),
	}
	return p, nil
}

// ClientPubkey returns the key requests will be signed with. For wallet
// pairings that is the key derived from the shared secret.
func (p *Pairing) ClientPubkey() (string, error) {
	if p.Protocol != bunker.ProtocolWalletConnect {
		return p.Pubkey, nil
	}
	key, err := nostr.ParseSecretKey(p.Secret)
	if err != nil {
		return "", fmt.Errorf("%w: invalid secret", ErrInvalidPairing)
	}
	return nostr.PublicKeyHex(key), nil
}

// String renders the pairing as a URL.
func (p *Pairing) String() string {
	scheme := schemeNostrConnect
	if p.Protocol == bunker.ProtocolWalletConnect {
		scheme = schemeWalletConnect
	}
	q := url.Values{}
	for _, r := range p.Relays {
		q.Add("relay", r)
	}
	if p.Secret != "" {
		q.Set("secret", p.Secret)
	}
	if len(p.Perms) > 0 {
		q.Set("perms", strings.Join(p.Perms, ","))
	}
	if p.Metadata.Name != "" {
		q.Set("name", p.Metadata.Name)
	}
	if p.Metadata.URL != "" {
		q.Set("url", p.Metadata.URL)
	}
	if p.Metadata.Image != "" {
		q.Set("image", p.Metadata.Image)
	}
	return scheme + "://" + p.Pubkey + "?" + q.Encode()
}
