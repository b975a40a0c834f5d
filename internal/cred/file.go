package cred

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for file-key derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256
	saltLen      = 16
	nonceLen     = 12 // AES-GCM standard nonce size
)

// fileFormat is the on-disk envelope: salt plus one sealed blob per key.
type fileFormat struct {
	Version int               `json:"version"`
	Salt    []byte            `json:"salt"`
	Entries map[string][]byte `json:"entries"` // key -> nonce || ciphertext+tag
}

// FileProvider stores credentials in a single JSON file with every value
// sealed under AES-256-GCM. The key is derived from a passphrase with
// Argon2id; an empty passphrase falls back to a fixed built-in passphrase
// (combined with the file's random salt), which protects against casual
// reads only.
type FileProvider struct {
	mu         sync.Mutex
	path       string
	passphrase string
}

// NewFileProvider creates a file-backed provider at path.
func NewFileProvider(path, passphrase string) *FileProvider {
	return &FileProvider{path: path, passphrase: passphrase}
}

func (f *FileProvider) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ff, err := f.load()
	if err != nil {
		return nil, err
	}
	sealed, ok := ff.Entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return f.open(ff.Salt, sealed)
}

func (f *FileProvider) Put(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ff, err := f.load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if ff == nil {
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		ff = &fileFormat{Version: 1, Salt: salt, Entries: make(map[string][]byte)}
	}

	sealed, err := f.seal(ff.Salt, value)
	if err != nil {
		return err
	}
	ff.Entries[key] = sealed
	return f.save(ff)
}

func (f *FileProvider) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ff, err := f.load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // Nothing stored -- idempotent.
		}
		return err
	}
	delete(ff.Entries, key)
	return f.save(ff)
}

func (f *FileProvider) List() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ff, err := f.load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(ff.Entries))
	for k := range ff.Entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *FileProvider) load() (*fileFormat, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse credential file %q: %w", f.path, err)
	}
	if ff.Version != 1 {
		return nil, fmt.Errorf("unsupported credential file version %d", ff.Version)
	}
	if ff.Entries == nil {
		ff.Entries = make(map[string][]byte)
	}
	return &ff, nil
}

func (f *FileProvider) save(ff *fileFormat) error {
	data, err := json.Marshal(ff)
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credential dir: %w", err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *FileProvider) deriveKey(salt []byte) []byte {
	pass := f.passphrase
	if pass == "" {
		pass = "loxmcp-local"
	}
	return argon2.IDKey([]byte(pass), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// seal encrypts value under the derived key. Returns nonce || ciphertext+tag.
func (f *FileProvider) seal(salt, value []byte) ([]byte, error) {
	block, err := aes.NewCipher(f.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, value, nil), nil
}

// open decrypts nonce || ciphertext+tag produced by seal.
func (f *FileProvider) open(salt, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceLen {
		return nil, errors.New("sealed credential too short")
	}
	block, err := aes.NewCipher(f.deriveKey(salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	plain, err := gcm.Open(nil, sealed[:nonceLen], sealed[nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("unseal credential: %w", err)
	}
	return plain, nil
}
