package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mesmerverse/bunker"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*SQLiteStore, *testClock) {
	t.Helper()
	dek := make([]byte, 32)
	rand.Read(dek)

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "bunker.db"), dek, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func testConnection(id, remote string) *bunker.Connection {
	return &bunker.Connection{
		ID:            id,
		Protocol:      bunker.ProtocolRemoteSigning,
		RemotePubkey:  remote,
		LocalIdentity: "local-identity",
		RelayHints:    []string{"wss://relay.example.com"},
		TrustLevel:    bunker.TrustMedium,
		Secret:        "pairing-secret",
		Metadata:      bunker.DisplayMetadata{Name: "Test Client"},
	}
}

func TestOpen_InvalidDEK(t *testing.T) {
	_, err := Open(":memory:", make([]byte, 16))
	if err == nil {
		t.Fatal("Expected error for invalid DEK size")
	}
}

func TestCreateAndGetConnection(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateConnection(ctx, testConnection("c1", "remote1"), nil); err != nil {
		t.Fatalf("Failed to create connection: %v", err)
	}

	got, err := s.GetConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("Failed to get connection: %v", err)
	}
	if got.Status != bunker.StatusActive {
		t.Errorf("Expected active status, got %s", got.Status)
	}
	if got.Secret != "pairing-secret" {
		t.Errorf("Expected secret to round trip, got %q", got.Secret)
	}
	if len(got.RelayHints) != 1 || got.RelayHints[0] != "wss://relay.example.com" {
		t.Errorf("Unexpected relay hints %v", got.RelayHints)
	}
	if got.Metadata.Name != "Test Client" {
		t.Errorf("Expected display name, got %q", got.Metadata.Name)
	}

	if _, err := s.GetConnection(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSecretEncryptedAtRest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.CreateConnection(ctx, testConnection("c1", "remote1"), nil)

	var raw []byte
	if err := s.db.QueryRow(`SELECT secret FROM connections WHERE connection_id = 'c1'`).Scan(&raw); err != nil {
		t.Fatalf("Failed to read raw secret: %v", err)
	}
	if bytes.Contains(raw, []byte("pairing-secret")) {
		t.Error("Secret stored in plaintext")
	}
}

func TestCreateConnection_DuplicateActive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.CreateConnection(ctx, testConnection("c1", "remote1"), nil)
	err := s.CreateConnection(ctx, testConnection("c2", "remote1"), nil)
	if !errors.Is(err, ErrConnectionExists) {
		t.Fatalf("Expected ErrConnectionExists, got %v", err)
	}

	if _, err := s.Revoke(ctx, "c1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := s.CreateConnection(ctx, testConnection("c2", "remote1"), nil); err != nil {
		t.Fatalf("Expected re-pairing after revoke to succeed: %v", err)
	}

	found, err := s.FindByRemotePubkey(ctx, bunker.ProtocolRemoteSigning, "remote1")
	if err != nil {
		t.Fatalf("FindByRemotePubkey failed: %v", err)
	}
	if found.ID != "c2" {
		t.Errorf("Expected active connection c2, got %s", found.ID)
	}
}

func TestFindByRemotePubkey_RevokedOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.CreateConnection(ctx, testConnection("c1", "remote1"), nil)
	s.Revoke(ctx, "c1")

	found, err := s.FindByRemotePubkey(ctx, bunker.ProtocolRemoteSigning, "remote1")
	if err != nil {
		t.Fatalf("FindByRemotePubkey failed: %v", err)
	}
	if found.Status != bunker.StatusRevoked || found.RevokedAt == nil {
		t.Errorf("Expected revoked connection with timestamp, got %+v", found)
	}

	if _, err := s.FindByRemotePubkey(ctx, bunker.ProtocolWalletConnect, "remote1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected protocol to scope lookup, got %v", err)
	}
}

func TestActiveRemotes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.CreateConnection(ctx, testConnection("c1", "remote1"), nil)
	s.CreateConnection(ctx, testConnection("c2", "remote2"), nil)
	s.Revoke(ctx, "c1")

	remotes, err := s.ActiveRemotes(ctx, "local-identity")
	if err != nil {
		t.Fatalf("ActiveRemotes failed: %v", err)
	}
	if len(remotes) != 1 || remotes[0] != "remote2" {
		t.Errorf("Expected [remote2], got %v", remotes)
	}
}

func TestSetTrustLevel(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.CreateConnection(ctx, testConnection("c1", "remote1"), nil)

	if err := s.SetTrustLevel(ctx, "c1", bunker.TrustHigh); err != nil {
		t.Fatalf("SetTrustLevel failed: %v", err)
	}
	got, _ := s.GetConnection(ctx, "c1")
	if got.TrustLevel != bunker.TrustHigh {
		t.Errorf("Expected high trust, got %s", got.TrustLevel)
	}

	if err := s.SetTrustLevel(ctx, "c1", "bogus"); err == nil {
		t.Error("Expected error for unknown trust level")
	}

	s.Revoke(ctx, "c1")
	if err := s.SetTrustLevel(ctx, "c1", bunker.TrustLow); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected revoked connection to reject trust change, got %v", err)
	}
}

func TestBackup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.CreateConnection(ctx, testConnection("c1", "remote1"), nil)

	path := filepath.Join(t.TempDir(), "backup.db")
	if err := s.Backup(ctx, path); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Backup file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("Backup file is empty")
	}
}
