package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"
)

// KeyPrefix identifies the key-id format family.
const KeyPrefix = "lmk"

// secretBytes is the random secret length embedded in each key id.
const secretBytes = 16

// APIKey is one client credential. The ID is what clients present verbatim:
// "<prefix>_<role>_<seq>_<secret>". Role and sequence are embedded for
// human readability only; authorization always goes through the store.
type APIKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Role        Role       `json:"role"`
	DeviceUUIDs []string   `json:"device_uuids,omitempty"` // DeviceScoped allow-list
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Active      bool       `json:"active"`
	IPWhitelist []string   `json:"ip_whitelist,omitempty"` // CIDR blocks

	// In-memory only; excluded from snapshots.
	LastUsed time.Time `json:"-"`
	UseCount uint64    `json:"-"`
}

// NewAPIKey mints a key with a fresh random secret.
func NewAPIKey(name string, role Role, seq int) (*APIKey, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate key secret: %w", err)
	}
	id := fmt.Sprintf("%s_%s_%04d_%s", KeyPrefix, roleToken(role), seq, hex.EncodeToString(secret))
	return &APIKey{
		ID:        id,
		Name:      name,
		Role:      role,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}, nil
}

// Expired reports whether the key is past its expiry.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// SecretEqual compares a presented id against the key in constant time over
// the secret portion. The non-secret prefix narrows the candidate set; only
// the secret needs timing protection.
func (k *APIKey) SecretEqual(presented string) bool {
	ownSecret := secretPart(k.ID)
	otherSecret := secretPart(presented)
	if ownSecret == "" || len(ownSecret) != len(otherSecret) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(ownSecret), []byte(otherSecret)) == 1
}

// IPAllowed checks the caller IP against the key's whitelist. An empty
// whitelist allows everything.
func (k *APIKey) IPAllowed(ip string) bool {
	if len(k.IPWhitelist) == 0 {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, cidr := range k.IPWhitelist {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if block.Contains(addr) {
			return true
		}
	}
	return false
}

// ScopeAllows reports whether the key may touch the given device UUID.
// Only DeviceScoped keys carry a scope.
func (k *APIKey) ScopeAllows(uuid string) bool {
	if k.Role != RoleDeviceScoped {
		return true
	}
	for _, u := range k.DeviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

// Masked renders the key id safe for logs and listings.
func (k *APIKey) Masked() string {
	return MaskKeyID(k.ID)
}

// MaskKeyID hides everything after the prefix: "lmk_***_***".
func MaskKeyID(id string) string {
	prefix, _, found := strings.Cut(id, "_")
	if !found {
		if len(id) > 4 {
			return id[:4] + "***"
		}
		return "***"
	}
	return prefix + "_***_***"
}

// secretPart returns the fourth underscore-separated segment of a key id.
func secretPart(id string) string {
	parts := strings.SplitN(id, "_", 4)
	if len(parts) != 4 {
		return ""
	}
	return parts[3]
}
