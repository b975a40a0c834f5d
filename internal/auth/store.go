package auth

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/cred"
)

// Store errors.
var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyRevoked  = errors.New("api key revoked")
	ErrKeyExpired  = errors.New("api key expired")
	ErrIPRejected  = errors.New("caller ip not in key whitelist")
)

// KeyStore holds API keys copy-on-write: lookups read an immutable snapshot
// without locking; mutations build and swap a new snapshot under a writer
// mutex. Snapshots persist through the credential provider.
type KeyStore struct {
	snapshot atomic.Pointer[keySnapshot]
	writeMu  sync.Mutex
	provider cred.Provider
	logger   *zap.Logger
}

type keySnapshot struct {
	keys    map[string]*APIKey // full id -> key
	nextSeq int
}

// NewKeyStore creates a store, loading any persisted snapshot from the
// provider. A missing snapshot starts empty.
func NewKeyStore(provider cred.Provider, logger *zap.Logger) (*KeyStore, error) {
	s := &KeyStore{provider: provider, logger: logger}
	snap := &keySnapshot{keys: make(map[string]*APIKey), nextSeq: 1}

	if provider != nil {
		blob, err := provider.Get(cred.KeyAPIKeysV1)
		switch {
		case err == nil:
			keys, derr := DecodeSnapshot(blob)
			if derr != nil {
				return nil, fmt.Errorf("decode api key snapshot: %w", derr)
			}
			for _, k := range keys {
				snap.keys[k.ID] = k
			}
			snap.nextSeq = len(keys) + 1
			logger.Info("api key snapshot loaded", zap.Int("keys", len(keys)))
		case errors.Is(err, cred.ErrNotFound):
			// First run.
		default:
			return nil, fmt.Errorf("load api key snapshot: %w", err)
		}
	}

	s.snapshot.Store(snap)
	return s, nil
}

// Authenticate validates a presented key id from the given caller IP.
// The secret portion is compared in constant time.
func (s *KeyStore) Authenticate(presented, ip string) (*APIKey, error) {
	snap := s.snapshot.Load()

	key, ok := snap.keys[presented]
	if !ok || !key.SecretEqual(presented) {
		return nil, ErrKeyNotFound
	}
	if !key.Active {
		return nil, ErrKeyRevoked
	}
	if key.Expired(time.Now()) {
		return nil, ErrKeyExpired
	}
	if !key.IPAllowed(ip) {
		return nil, ErrIPRejected
	}

	// LastUsed/UseCount are advisory; racing updates are acceptable.
	key.LastUsed = time.Now().UTC()
	atomic.AddUint64(&key.UseCount, 1)
	return key, nil
}

// Create mints, registers, and persists a new key.
func (s *KeyStore) Create(name string, role Role, opts ...KeyOption) (*APIKey, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.snapshot.Load()
	key, err := NewAPIKey(name, role, old.nextSeq)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(key)
	}

	next := s.cloneLocked(old)
	next.keys[key.ID] = key
	next.nextSeq = old.nextSeq + 1

	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	s.snapshot.Store(next)

	s.logger.Info("api key created",
		zap.String("key", key.Masked()),
		zap.String("role", string(role)),
	)
	return key, nil
}

// KeyOption customizes a key at creation.
type KeyOption func(*APIKey)

// WithExpiry sets an expiration time.
func WithExpiry(t time.Time) KeyOption {
	return func(k *APIKey) { k.ExpiresAt = &t }
}

// WithIPWhitelist restricts the key to the given CIDR blocks.
func WithIPWhitelist(cidrs []string) KeyOption {
	return func(k *APIKey) { k.IPWhitelist = cidrs }
}

// WithDeviceScope restricts a DeviceScoped key to the given device UUIDs.
func WithDeviceScope(uuids []string) KeyOption {
	return func(k *APIKey) { k.DeviceUUIDs = uuids }
}

// Revoke deactivates a key. Revoking an unknown key is an error; revoking a
// revoked key is idempotent.
func (s *KeyStore) Revoke(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.snapshot.Load()
	key, ok := old.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	if !key.Active {
		return nil
	}

	next := s.cloneLocked(old)
	revoked := *key
	revoked.Active = false
	next.keys[id] = &revoked

	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.snapshot.Store(next)

	s.logger.Info("api key revoked", zap.String("key", MaskKeyID(id)))
	return nil
}

// List returns all keys sorted by creation time.
func (s *KeyStore) List() []*APIKey {
	snap := s.snapshot.Load()
	out := make([]*APIKey, 0, len(snap.keys))
	for _, k := range snap.keys {
		out = append(out, k)
	}
	sortKeysByCreation(out)
	return out
}

// cloneLocked copies a snapshot for mutation. Caller holds writeMu.
func (s *KeyStore) cloneLocked(old *keySnapshot) *keySnapshot {
	next := &keySnapshot{
		keys:    make(map[string]*APIKey, len(old.keys)+1),
		nextSeq: old.nextSeq,
	}
	for id, k := range old.keys {
		next.keys[id] = k
	}
	return next
}

// persistLocked writes the snapshot through the credential provider.
// Caller holds writeMu.
func (s *KeyStore) persistLocked(snap *keySnapshot) error {
	if s.provider == nil {
		return nil
	}
	keys := make([]*APIKey, 0, len(snap.keys))
	for _, k := range snap.keys {
		keys = append(keys, k)
	}
	sortKeysByCreation(keys)

	blob, err := EncodeSnapshot(keys)
	if err != nil {
		return fmt.Errorf("encode api key snapshot: %w", err)
	}
	if err := s.provider.Put(cred.KeyAPIKeysV1, blob); err != nil {
		return fmt.Errorf("persist api key snapshot: %w", err)
	}
	return nil
}

func sortKeysByCreation(keys []*APIKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
}
