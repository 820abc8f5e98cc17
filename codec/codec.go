// Package codec turns relay event content into commands and responses back
// into event content. Cipher primitives here are pure functions of a shared
// secret; key agreement is delegated to an EncryptionHandler so private keys
// never enter this package.
package codec

import (
	"context"
	"fmt"
	"strings"

	"github.com/mesmerverse/bunker"
)

// EncryptionHandler performs key agreement with a counterpart and applies
// the named cipher. The signing service implements it.
type EncryptionHandler interface {
	Encrypt(ctx context.Context, scheme bunker.Scheme, counterpart, plaintext string) (string, error)
	Decrypt(ctx context.Context, scheme bunker.Scheme, counterpart, ciphertext string) (string, error)
}

// Codec decrypts inbound content and encrypts outbound responses for one
// local identity.
type Codec struct {
	handler EncryptionHandler
}

// New returns a Codec backed by handler.
func New(handler EncryptionHandler) *Codec {
	return &Codec{handler: handler}
}

// DetectScheme guesses the cipher from the payload shape. NIP-04 payloads
// always carry an "?iv=" suffix.
func DetectScheme(content string) bunker.Scheme {
	if strings.Contains(content, "?iv=") {
		return bunker.SchemeNIP04
	}
	return bunker.SchemeNIP44
}

// Decrypt decrypts ciphertext from sender with the given scheme.
func (c *Codec) Decrypt(ctx context.Context, scheme bunker.Scheme, sender, ciphertext string) (string, error) {
	if !scheme.Valid() {
		return "", fmt.Errorf("%w: unknown scheme %q", bunker.ErrDecrypt, scheme)
	}
	plaintext, err := c.handler.Decrypt(ctx, scheme, sender, ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", bunker.ErrDecrypt, scheme, err)
	}
	return plaintext, nil
}

// DecryptAny tries the detected scheme first and the other one second. The
// scheme that worked is returned so the response can use it.
func (c *Codec) DecryptAny(ctx context.Context, sender, ciphertext string) (string, bunker.Scheme, error) {
	first := DetectScheme(ciphertext)
	second := bunker.SchemeNIP04
	if first == bunker.SchemeNIP04 {
		second = bunker.SchemeNIP44
	}

	plaintext, err := c.Decrypt(ctx, first, sender, ciphertext)
	if err == nil {
		return plaintext, first, nil
	}
	plaintext, err2 := c.Decrypt(ctx, second, sender, ciphertext)
	if err2 == nil {
		return plaintext, second, nil
	}
	return "", "", err
}

// Encrypt encrypts plaintext to recipient.
func (c *Codec) Encrypt(ctx context.Context, scheme bunker.Scheme, recipient, plaintext string) (string, error) {
	if !scheme.Valid() {
		return "", fmt.Errorf("unknown scheme %q", scheme)
	}
	ciphertext, err := c.handler.Encrypt(ctx, scheme, recipient, plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt response: %w", err)
	}
	return ciphertext, nil
}
