// Package nostr implements the parts of NIP-01 the engine needs: events,
// their canonical id, schnorr signatures and subscription filters.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Tag is a single event tag such as ["p", "<pubkey>"].
type Tag []string

// Tags is the ordered tag list of an event.
type Tags []Tag

// Find returns the first value of the named tag.
func (t Tags) Find(name string) (string, bool) {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// Event is a signed Nostr event.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

var (
	ErrInvalidID        = errors.New("event id does not match content")
	ErrInvalidSignature = errors.New("invalid event signature")
)

// Serialize returns the canonical [0,pubkey,created_at,kind,tags,content]
// array the event id is computed over.
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ComputeID hashes the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	serialized, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:]), nil
}

// Sign sets PubKey, ID and Sig using key.
func (e *Event) Sign(key *btcec.PrivateKey) error {
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(key.PubKey()))
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(key, idBytes)
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks both the id and the signature.
func (e *Event) Verify() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if id != e.ID {
		return ErrInvalidID
	}

	pub, err := ParsePubKey(e.PubKey)
	if err != nil {
		return err
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return ErrInvalidSignature
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return ErrInvalidSignature
	}
	idBytes, _ := hex.DecodeString(id)
	if !sig.Verify(idBytes, pub) {
		return ErrInvalidSignature
	}
	return nil
}

// PTag returns the first "p" tag, the addressee of request/response events.
func (e *Event) PTag() string {
	p, _ := e.Tags.Find("p")
	return p
}
