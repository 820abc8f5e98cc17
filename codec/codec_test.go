package codec

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/nostr"
)

// keyHandler is a test EncryptionHandler holding a raw key.
type keyHandler struct {
	key *btcec.PrivateKey
}

func (h *keyHandler) shared(counterpart string) ([]byte, error) {
	pub, err := nostr.ParsePubKey(counterpart)
	if err != nil {
		return nil, err
	}
	return btcec.GenerateSharedSecret(h.key, pub), nil
}

func (h *keyHandler) Encrypt(_ context.Context, scheme bunker.Scheme, counterpart, plaintext string) (string, error) {
	shared, err := h.shared(counterpart)
	if err != nil {
		return "", err
	}
	if scheme == bunker.SchemeNIP04 {
		return EncryptNIP04(shared, plaintext)
	}
	return EncryptNIP44(ConversationKey(shared), plaintext)
}

func (h *keyHandler) Decrypt(_ context.Context, scheme bunker.Scheme, counterpart, ciphertext string) (string, error) {
	shared, err := h.shared(counterpart)
	if err != nil {
		return "", err
	}
	if scheme == bunker.SchemeNIP04 {
		return DecryptNIP04(shared, ciphertext)
	}
	return DecryptNIP44(ConversationKey(shared), ciphertext)
}

func newPair(t *testing.T) (*keyHandler, *keyHandler) {
	t.Helper()
	a, err := nostr.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	b, err := nostr.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return &keyHandler{key: a}, &keyHandler{key: b}
}

func TestSharedSecretSymmetric(t *testing.T) {
	alice, bob := newPair(t)
	s1, _ := alice.shared(nostr.PublicKeyHex(bob.key))
	s2, _ := bob.shared(nostr.PublicKeyHex(alice.key))
	if string(s1) != string(s2) {
		t.Fatal("Expected both sides to derive the same shared secret")
	}
	if len(s1) != 32 {
		t.Errorf("Expected 32 byte shared x, got %d", len(s1))
	}
}

func TestNIP04RoundTrip(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()

	ct, err := New(alice).Encrypt(ctx, bunker.SchemeNIP04, nostr.PublicKeyHex(bob.key), "hello nip04")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !strings.Contains(ct, "?iv=") {
		t.Errorf("Expected ?iv= in payload, got %s", ct)
	}

	pt, err := New(bob).Decrypt(ctx, bunker.SchemeNIP04, nostr.PublicKeyHex(alice.key), ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if pt != "hello nip04" {
		t.Errorf("Expected 'hello nip04', got %q", pt)
	}
}

func TestNIP04_Malformed(t *testing.T) {
	shared := make([]byte, 32)
	cases := []string{
		"no-iv-here",
		"!!!?iv=AAAAAAAAAAAAAAAAAAAAAA==",
		base64.StdEncoding.EncodeToString(make([]byte, 16)) + "?iv=short",
		base64.StdEncoding.EncodeToString(make([]byte, 15)) + "?iv=" + base64.StdEncoding.EncodeToString(make([]byte, 16)),
	}
	for _, c := range cases {
		if _, err := DecryptNIP04(shared, c); err == nil {
			t.Errorf("Expected error for %q", c)
		}
	}
}

func TestNIP44RoundTrip(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()

	for _, msg := range []string{"a", strings.Repeat("x", 32), strings.Repeat("y", 33), strings.Repeat("z", 1000)} {
		ct, err := New(alice).Encrypt(ctx, bunker.SchemeNIP44, nostr.PublicKeyHex(bob.key), msg)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		pt, err := New(bob).Decrypt(ctx, bunker.SchemeNIP44, nostr.PublicKeyHex(alice.key), ct)
		if err != nil {
			t.Fatalf("Decrypt failed for len %d: %v", len(msg), err)
		}
		if pt != msg {
			t.Errorf("Round trip mismatch for len %d", len(msg))
		}
	}
}

func TestNIP44_TamperedMAC(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 1
	ct, err := EncryptNIP44(key, "secret message")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(ct)
	raw[40] ^= 0xff
	if _, err := DecryptNIP44(key, base64.StdEncoding.EncodeToString(raw)); !errors.Is(err, ErrInvalidMAC) {
		t.Errorf("Expected ErrInvalidMAC, got %v", err)
	}
}

func TestNIP44_WrongVersion(t *testing.T) {
	key := make([]byte, 32)
	ct, _ := EncryptNIP44(key, "hi")
	raw, _ := base64.StdEncoding.DecodeString(ct)
	raw[0] = 1
	if _, err := DecryptNIP44(key, base64.StdEncoding.EncodeToString(raw)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Expected ErrUnsupportedVersion, got %v", err)
	}
	if _, err := DecryptNIP44(key, "#future"); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Expected ErrUnsupportedVersion for '#', got %v", err)
	}
}

func TestNIP44_EmptyPlaintextRejected(t *testing.T) {
	if _, err := EncryptNIP44(make([]byte, 32), ""); err == nil {
		t.Error("Expected error for empty plaintext")
	}
}

func TestNIP44_KnownVector(t *testing.T) {
	sec1 := make([]byte, 32)
	sec1[31] = 1
	sec2 := make([]byte, 32)
	sec2[31] = 2
	priv1, _ := btcec.PrivKeyFromBytes(sec1)
	_, pub2 := btcec.PrivKeyFromBytes(sec2)

	key := ConversationKey(btcec.GenerateSharedSecret(priv1, pub2))
	if got := hex.EncodeToString(key); got != "c41c775356fd92eadc63ff5a0dc1da211b268cbea22316767095b2871ea1412d" {
		t.Fatalf("Unexpected conversation key %s", got)
	}

	nonce := make([]byte, 32)
	nonce[31] = 1
	const want = "AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAABee0G5VSK0/9YypIObAtDKfYEAjD35uVkHyB0F4DwrcNaCXlCWZKaArsGrY6M9wnuTMxWfp1RTN9Xga8no+kF5Vsb"
	got, err := encryptNIP44WithNonce(key, "a", nonce)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if got != want {
		t.Errorf("Payload mismatch:\n got %s\nwant %s", got, want)
	}

	pt, err := DecryptNIP44(key, want)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if pt != "a" {
		t.Errorf("Expected 'a', got %q", pt)
	}
}

func TestCalcPaddedLen(t *testing.T) {
	tests := map[int]int{
		1: 32, 16: 32, 32: 32, 33: 64, 37: 64, 64: 64, 65: 96, 100: 128,
		111: 128, 200: 224, 250: 256, 320: 320, 383: 384, 384: 384,
		400: 448, 500: 512, 512: 512, 515: 640, 700: 768, 800: 896,
		900: 1024, 1020: 1024, 65536: 65536,
	}
	for in, want := range tests {
		if got := calcPaddedLen(in); got != want {
			t.Errorf("calcPaddedLen(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestDecryptAny_DetectsScheme(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()
	bobPub := nostr.PublicKeyHex(bob.key)
	alicePub := nostr.PublicKeyHex(alice.key)

	for _, scheme := range []bunker.Scheme{bunker.SchemeNIP04, bunker.SchemeNIP44} {
		ct, err := New(alice).Encrypt(ctx, scheme, bobPub, `{"id":"1"}`)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		pt, got, err := New(bob).DecryptAny(ctx, alicePub, ct)
		if err != nil {
			t.Fatalf("DecryptAny failed: %v", err)
		}
		if got != scheme {
			t.Errorf("Expected scheme %s, got %s", scheme, got)
		}
		if pt != `{"id":"1"}` {
			t.Errorf("Unexpected plaintext %q", pt)
		}
	}
}

func TestDecryptAny_ForeignKey(t *testing.T) {
	alice, bob := newPair(t)
	_, mallory := newPair(t)
	ctx := context.Background()

	ct, _ := New(alice).Encrypt(ctx, bunker.SchemeNIP44, nostr.PublicKeyHex(mallory.key), "not for bob")
	_, _, err := New(bob).DecryptAny(ctx, nostr.PublicKeyHex(alice.key), ct)
	if !errors.Is(err, bunker.ErrDecrypt) {
		t.Fatalf("Expected ErrDecrypt, got %v", err)
	}
	resp, _ := SerializeResponse("req", "", err)
	if strings.Contains(resp, "not for bob") || strings.Contains(resp, ct) {
		t.Error("Error response leaks payload")
	}
}

func TestParseCommand(t *testing.T) {
	req, err := ParseCommand(`{"id":"abc","method":"sign_event","params":["{\"kind\":1}"]}`)
	if err != nil {
		t.Fatalf("ParseCommand failed: %v", err)
	}
	if req.ID != "abc" || req.Method != "sign_event" {
		t.Errorf("Unexpected request %+v", req)
	}
	if len(req.Params) != 1 || req.Params[0] != `{"kind":1}` {
		t.Errorf("Unexpected params %v", req.Params)
	}
}

func TestParseCommand_MixedParams(t *testing.T) {
	req, err := ParseCommand(`{"id":"1","method":"pay_invoice","params":["lnbc1", 700, {"a":1}]}`)
	if err != nil {
		t.Fatalf("ParseCommand failed: %v", err)
	}
	want := []string{"lnbc1", "700", `{"a":1}`}
	for i := range want {
		if req.Params[i] != want[i] {
			t.Errorf("param %d: expected %q, got %q", i, want[i], req.Params[i])
		}
	}

	req, err = ParseCommand(`{"id":"2","method":"pay_invoice","params":{"invoice":"lnbc1"}}`)
	if err != nil {
		t.Fatalf("ParseCommand failed for object params: %v", err)
	}
	if len(req.Params) != 1 || !strings.HasPrefix(req.Params[0], "{") {
		t.Errorf("Expected object params kept as JSON, got %v", req.Params)
	}
}

func TestParseCommand_Errors(t *testing.T) {
	tests := []struct {
		in        string
		recovered string
	}{
		{`not json`, ""},
		{`{"id":"r1","method":""}`, "r1"},
		{`{"id":"r2","params":[]}`, "r2"},
		{`{"id":"r3","method":"ping","params":"x"}`, "r3"},
		{`{"id": "r4", "method": "ping", "params": [`, "r4"},
		{`{"method":"ping"}`, ""},
		{`{"id":5,"method":"ping"}`, ""},
		{`[]`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		_, err := ParseCommand(tt.in)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("%q: expected *ParseError, got %v", tt.in, err)
			continue
		}
		if pe.RecoveredID != tt.recovered {
			t.Errorf("%q: expected recovered id %q, got %q", tt.in, tt.recovered, pe.RecoveredID)
		}
		if !errors.Is(err, bunker.ErrParse) {
			t.Errorf("%q: expected errors.Is ErrParse", tt.in)
		}
	}
}

func TestSerializeResponse(t *testing.T) {
	out, err := SerializeResponse("id1", "pong", nil)
	if err != nil {
		t.Fatalf("SerializeResponse failed: %v", err)
	}
	var m map[string]any
	json.Unmarshal([]byte(out), &m)
	if m["result"] != "pong" || m["id"] != "id1" {
		t.Errorf("Unexpected response %s", out)
	}
	if _, ok := m["error"]; ok {
		t.Error("Success response must not carry error")
	}

	out, _ = SerializeResponse("id2", "ignored", bunker.ErrBudgetExceeded)
	m = map[string]any{}
	json.Unmarshal([]byte(out), &m)
	if m["error"] != "daily budget exceeded" {
		t.Errorf("Unexpected error field in %s", out)
	}
	if _, ok := m["result"]; ok {
		t.Error("Error response must not carry result")
	}
}
