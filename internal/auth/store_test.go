package auth

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/cred"
)

// memProvider is an in-memory credential provider for tests.
type memProvider struct {
	data map[string][]byte
}

func newMemProvider() *memProvider { return &memProvider{data: make(map[string][]byte)} }

func (m *memProvider) Get(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, cred.ErrNotFound
	}
	return v, nil
}
func (m *memProvider) Put(key string, value []byte) error { m.data[key] = value; return nil }
func (m *memProvider) Delete(key string) error            { delete(m.data, key); return nil }
func (m *memProvider) List() ([]string, error) {
	var keys []string
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestKeyStoreCreateAuthenticate(t *testing.T) {
	store, err := NewKeyStore(newMemProvider(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	key, err := store.Create("ci", RoleMonitor)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.Authenticate(key.ID, "10.0.0.5")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Name != "ci" || got.Role != RoleMonitor {
		t.Errorf("got %+v", got)
	}
	if got.UseCount == 0 {
		t.Error("use count not incremented")
	}

	if _, err := store.Authenticate("lmk_mon_0001_ffffffffffffffffffffffffffffffff", "10.0.0.5"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("unknown key err = %v", err)
	}
}

func TestKeyStoreRevoke(t *testing.T) {
	store, _ := NewKeyStore(newMemProvider(), zap.NewNop())
	key, _ := store.Create("x", RoleOperator)

	if err := store.Revoke(key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Authenticate(key.ID, "1.2.3.4"); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("err = %v, want revoked", err)
	}
	// Idempotent.
	if err := store.Revoke(key.ID); err != nil {
		t.Errorf("second revoke: %v", err)
	}
	if err := store.Revoke("nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("revoking unknown key: %v", err)
	}
}

func TestKeyStoreExpiryAndWhitelist(t *testing.T) {
	store, _ := NewKeyStore(newMemProvider(), zap.NewNop())

	expired, _ := store.Create("old", RoleMonitor, WithExpiry(time.Now().Add(-time.Minute)))
	if _, err := store.Authenticate(expired.ID, "1.2.3.4"); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("err = %v, want expired", err)
	}

	fenced, _ := store.Create("lan-only", RoleMonitor, WithIPWhitelist([]string{"192.168.1.0/24"}))
	if _, err := store.Authenticate(fenced.ID, "192.168.1.7"); err != nil {
		t.Errorf("whitelisted ip rejected: %v", err)
	}
	if _, err := store.Authenticate(fenced.ID, "10.0.0.1"); !errors.Is(err, ErrIPRejected) {
		t.Errorf("err = %v, want ip rejected", err)
	}
}

func TestKeyStorePersistsAcrossRestarts(t *testing.T) {
	provider := newMemProvider()

	store1, _ := NewKeyStore(provider, zap.NewNop())
	key, _ := store1.Create("durable", RoleAdmin, WithDeviceScope(nil))

	store2, err := NewKeyStore(provider, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	got, err := store2.Authenticate(key.ID, "1.2.3.4")
	if err != nil {
		t.Fatalf("key lost across restart: %v", err)
	}
	if got.Name != "durable" {
		t.Errorf("got %+v", got)
	}
}

func TestKeyStoreSnapshotLookupIsCopyOnWrite(t *testing.T) {
	store, _ := NewKeyStore(newMemProvider(), zap.NewNop())
	key, _ := store.Create("a", RoleMonitor)

	// A lookup taken before a mutation keeps working on its snapshot.
	before := store.List()
	if _, err := store.Create("b", RoleMonitor); err != nil {
		t.Fatal(err)
	}
	if len(before) != 1 {
		t.Errorf("earlier snapshot mutated: %d keys", len(before))
	}
	if len(store.List()) != 2 {
		t.Error("new snapshot missing the second key")
	}
	if _, err := store.Authenticate(key.ID, "1.2.3.4"); err != nil {
		t.Errorf("existing key broken by mutation: %v", err)
	}
}
