package codec

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	nip44Version   = 2
	nip44MinPlain  = 1
	nip44MaxPlain  = 65535
	nip44NonceSize = 32
	nip44MacSize   = 32
)

var (
	ErrUnsupportedVersion = errors.New("unsupported nip44 version")
	ErrInvalidMAC         = errors.New("invalid nip44 mac")
	ErrInvalidPayload     = errors.New("invalid nip44 payload")
)

// ConversationKey derives the long-lived NIP-44 key for a pair of parties
// from their ECDH shared x coordinate.
func ConversationKey(sharedX []byte) []byte {
	return hkdf.Extract(sha256.New, sharedX, []byte("nip44-v2"))
}

func messageKeys(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	out := make([]byte, 76)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, conversationKey, nonce), out); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to expand message keys: %w", err)
	}
	return out[0:32], out[32:44], out[44:76], nil
}

// calcPaddedLen rounds a plaintext length up to the NIP-44 padding bucket.
func calcPaddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPower := 1
	for nextPower < n {
		nextPower <<= 1
	}
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

func pad(plaintext string) ([]byte, error) {
	n := len(plaintext)
	if n < nip44MinPlain || n > nip44MaxPlain {
		return nil, fmt.Errorf("plaintext length %d out of range", n)
	}
	out := make([]byte, 2+calcPaddedLen(n))
	binary.BigEndian.PutUint16(out, uint16(n))
	copy(out[2:], plaintext)
	return out, nil
}

func unpad(padded []byte) (string, error) {
	if len(padded) < 2 {
		return "", ErrInvalidPayload
	}
	n := int(binary.BigEndian.Uint16(padded))
	if n < nip44MinPlain || 2+n > len(padded) || len(padded) != 2+calcPaddedLen(n) {
		return "", ErrInvalidPayload
	}
	return string(padded[2 : 2+n]), nil
}

// EncryptNIP44 encrypts plaintext under a conversation key with a random nonce.
func EncryptNIP44(conversationKey []byte, plaintext string) (string, error) {
	nonce := make([]byte, nip44NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return encryptNIP44WithNonce(conversationKey, plaintext, nonce)
}

func encryptNIP44WithNonce(conversationKey []byte, plaintext string, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", fmt.Errorf("failed to create stream cipher: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	mac := nip44MAC(hmacKey, nonce, ciphertext)

	payload := make([]byte, 0, 1+len(nonce)+len(ciphertext)+len(mac))
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = append(payload, mac...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptNIP44 authenticates and decrypts a base64 NIP-44 v2 payload.
func DecryptNIP44(conversationKey []byte, content string) (string, error) {
	if len(content) == 0 || content[0] == '#' {
		return "", ErrUnsupportedVersion
	}
	payload, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}
	if len(payload) < 1+nip44NonceSize+2+32+nip44MacSize {
		return "", ErrInvalidPayload
	}
	if payload[0] != nip44Version {
		return "", ErrUnsupportedVersion
	}

	nonce := payload[1 : 1+nip44NonceSize]
	ciphertext := payload[1+nip44NonceSize : len(payload)-nip44MacSize]
	mac := payload[len(payload)-nip44MacSize:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(mac, nip44MAC(hmacKey, nonce, ciphertext)) {
		return "", ErrInvalidMAC
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", fmt.Errorf("failed to create stream cipher: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)
	return unpad(padded)
}

func nip44MAC(key, nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}
