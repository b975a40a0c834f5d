// Package cred abstracts credential storage for Miniserver login data and
// API-key snapshots. The server consumes the Provider interface; concrete
// providers (environment, sealed file, OS keychain wrappers) live outside
// the core.
package cred

import (
	"errors"
	"os"
)

// Well-known credential keys.
const (
	KeyHost     = "loxone.host"
	KeyUser     = "loxone.user"
	KeyPass     = "loxone.pass"
	KeyAPIKeysV1 = "apikeys.v1"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("credential not found")

// Provider supplies and persists opaque credential blobs.
type Provider interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	List() ([]string, error)
}

// EnvProvider reads Miniserver credentials from the environment. It is
// read-only: Put and Delete fail so callers fall back to a writable provider
// for anything that must persist.
type EnvProvider struct{}

var envKeys = map[string]string{
	KeyHost: "LOXONE_HOST",
	KeyUser: "LOXONE_USER",
	KeyPass: "LOXONE_PASS",
}

func (EnvProvider) Get(key string) ([]byte, error) {
	env, ok := envKeys[key]
	if !ok {
		return nil, ErrNotFound
	}
	v := os.Getenv(env)
	if v == "" {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

func (EnvProvider) Put(string, []byte) error { return errors.New("env provider is read-only") }

func (EnvProvider) Delete(string) error { return errors.New("env provider is read-only") }

func (EnvProvider) List() ([]string, error) {
	var keys []string
	for key, env := range envKeys {
		if os.Getenv(env) != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Chain tries providers in order for reads and writes to the first writable
// provider. Get returns the first hit; Put/Delete go to the primary (first)
// writable provider.
type Chain []Provider

func (c Chain) Get(key string) ([]byte, error) {
	for _, p := range c {
		v, err := p.Get(key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (c Chain) Put(key string, value []byte) error {
	var lastErr error = ErrNotFound
	for _, p := range c {
		if err := p.Put(key, value); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

func (c Chain) Delete(key string) error {
	var lastErr error = ErrNotFound
	for _, p := range c {
		if err := p.Delete(key); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

func (c Chain) List() ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	for _, p := range c {
		ks, err := p.List()
		if err != nil {
			continue
		}
		for _, k := range ks {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}
