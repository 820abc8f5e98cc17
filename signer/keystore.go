package signer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mesmerverse/bunker/nostr"
)

// Sealer wraps key material for storage at rest.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, sealed []byte) ([]byte, error)
}

// KeyEntry is one unsealed identity key.
type KeyEntry struct {
	Label           string
	Secret          []byte
	RequirePresence bool
}

const keystoreVersion = 1

type keystoreFile struct {
	Version int         `cbor:"1,keyasint"`
	Keys    []sealedKey `cbor:"2,keyasint"`
}

type sealedKey struct {
	Label           string `cbor:"1,keyasint"`
	Pubkey          string `cbor:"2,keyasint"`
	Sealed          []byte `cbor:"3,keyasint"`
	RequirePresence bool   `cbor:"4,keyasint,omitempty"`
	CreatedAt       int64  `cbor:"5,keyasint"`
}

// Keystore is a CBOR file of sealed identity keys.
type Keystore struct {
	path   string
	sealer Sealer
}

// NewKeystore opens the keystore at path. The file is created on first Add.
func NewKeystore(path string, sealer Sealer) *Keystore {
	return &Keystore{path: path, sealer: sealer}
}

func (k *Keystore) read() (*keystoreFile, error) {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return &keystoreFile{Version: keystoreVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	var f keystoreFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode keystore: %w", err)
	}
	if f.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", f.Version)
	}
	return &f, nil
}

func (k *Keystore) write(f *keystoreFile) error {
	data, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode keystore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	return os.Rename(tmp, k.path)
}

// Load unseals every key.
func (k *Keystore) Load(ctx context.Context) ([]KeyEntry, error) {
	f, err := k.read()
	if err != nil {
		return nil, err
	}
	out := make([]KeyEntry, 0, len(f.Keys))
	for _, sk := range f.Keys {
		secret, err := k.sealer.Open(ctx, sk.Sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal key %q: %w", sk.Label, err)
		}
		out = append(out, KeyEntry{Label: sk.Label, Secret: secret, RequirePresence: sk.RequirePresence})
	}
	return out, nil
}

// Generate creates, seals and stores a new key and returns its public key.
func (k *Keystore) Generate(ctx context.Context, label string, requirePresence bool) (string, error) {
	key, err := nostr.GenerateKey()
	if err != nil {
		return "", err
	}
	defer key.Zero()
	return k.Add(ctx, KeyEntry{Label: label, Secret: key.Serialize(), RequirePresence: requirePresence})
}

// Add seals entry and appends it to the keystore.
func (k *Keystore) Add(ctx context.Context, entry KeyEntry) (string, error) {
	if len(entry.Secret) != 32 {
		return "", fmt.Errorf("secret key must be 32 bytes")
	}
	key, _ := btcec.PrivKeyFromBytes(entry.Secret)
	pubkey := nostr.PublicKeyHex(key)
	key.Zero()

	f, err := k.read()
	if err != nil {
		return "", err
	}
	for _, sk := range f.Keys {
		if sk.Pubkey == pubkey {
			return "", fmt.Errorf("key %s already in keystore", pubkey)
		}
	}

	sealed, err := k.sealer.Seal(ctx, entry.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to seal key: %w", err)
	}
	f.Keys = append(f.Keys, sealedKey{
		Label:           entry.Label,
		Pubkey:          pubkey,
		Sealed:          sealed,
		RequirePresence: entry.RequirePresence,
		CreatedAt:       time.Now().Unix(),
	})
	if err := k.write(f); err != nil {
		return "", err
	}
	return pubkey, nil
}

// Argon2Params tunes passphrase stretching.
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultArgon2Params are the key sealing parameters.
var DefaultArgon2Params = Argon2Params{Time: 3, MemoryKiB: 262144, Threads: 4}

const saltSize = 16

// PassphraseSealer seals with XChaCha20-Poly1305 under an Argon2id key.
// Each sealed blob is salt || nonce || ciphertext.
type PassphraseSealer struct {
	passphrase []byte
	params     Argon2Params
}

// NewPassphraseSealer returns a sealer for passphrase.
func NewPassphraseSealer(passphrase []byte, params Argon2Params) *PassphraseSealer {
	return &PassphraseSealer{passphrase: passphrase, params: params}
}

func (p *PassphraseSealer) deriveKey(salt []byte) []byte {
	return argon2.IDKey(p.passphrase, salt, p.params.Time, p.params.MemoryKiB, p.params.Threads, chacha20poly1305.KeySize)
}

// Seal implements Sealer.
func (p *PassphraseSealer) Seal(_ context.Context, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := p.deriveKey(salt)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := append(salt, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open implements Sealer.
func (p *PassphraseSealer) Open(_ context.Context, sealed []byte) ([]byte, error) {
	if len(sealed) < saltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("sealed key too short")
	}
	salt := sealed[:saltSize]
	nonce := sealed[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[saltSize+chacha20poly1305.NonceSizeX:]

	key := p.deriveKey(salt)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("wrong passphrase or corrupted key")
	}
	return plain, nil
}
