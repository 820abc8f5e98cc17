package nostr

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// GenerateKey returns a fresh secp256k1 key.
func GenerateKey() (*btcec.PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// ParseSecretKey decodes a 32-byte hex secret key.
func ParseSecretKey(secretHex string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("secret key must be 32 hex-encoded bytes")
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}

// PublicKeyHex returns the x-only public key of key in hex.
func PublicKeyHex(key *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(key.PubKey()))
}

// ParsePubKey decodes a 32-byte x-only hex public key.
func ParsePubKey(pubHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("public key must be 32 hex-encoded bytes")
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return pub, nil
}

// ValidPubKey reports whether s is a usable x-only public key.
func ValidPubKey(s string) bool {
	_, err := ParsePubKey(s)
	return err == nil
}
