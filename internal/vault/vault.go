// Package vault is the encrypted credential store. It is the only component
// that holds token material: records are sealed with XChaCha20-Poly1305
// using a key kept in the OS keyring, and written one file per account with
// an atomic tmp+rename so readers never observe a torn record.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	keyringService = "accountsd"
	keyringUser    = "vault-key"

	recordSuffix = ".cred"
)

// ErrNotFound is returned by Get when no credentials are stored for an
// account.
var ErrNotFound = errors.New("no credentials stored for account")

// TokenSet is the token material issued by a provider for one account.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Valid reports whether the access token is still usable at the given
// safety margin before expiry.
func (t TokenSet) Valid(margin time.Duration) bool {
	return t.AccessToken != "" && time.Now().Add(margin).Before(t.Expiry)
}

// Keyring abstracts the OS secret service holding the sealing key, so the
// vault's atomicity and serialization logic is testable without a real
// secret-service backend. Implementations follow go-keyring semantics,
// including keyring.ErrNotFound for missing entries.
type Keyring interface {
	Get(service, user string) (string, error)
	Set(service, user, secret string) error
	Delete(service, user string) error
}

type systemKeyring struct{}

func (systemKeyring) Get(service, user string) (string, error) {
	return keyring.Get(service, user)
}

func (systemKeyring) Set(service, user, secret string) error {
	return keyring.Set(service, user, secret)
}

func (systemKeyring) Delete(service, user string) error {
	return keyring.Delete(service, user)
}

// SystemKeyring returns the real OS keyring backend.
func SystemKeyring() Keyring { return systemKeyring{} }

// MemoryKeyring is an in-process Keyring for tests and for systems without
// a secret service. The sealing key does not survive a daemon restart, so
// stored credentials become unreadable after one; a real keyring should be
// preferred wherever available.
type MemoryKeyring struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemoryKeyring returns an empty in-process keyring.
func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{entries: make(map[string]string)}
}

func (m *MemoryKeyring) Get(service, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[service+"/"+user]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return v, nil
}

func (m *MemoryKeyring) Set(service, user, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[service+"/"+user] = secret
	return nil
}

func (m *MemoryKeyring) Delete(service, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, service+"/"+user)
	return nil
}

// Vault stores one sealed TokenSet per account id under dir.
type Vault struct {
	dir  string
	key  []byte
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

// Open prepares the vault directory and loads the sealing key from the
// keyring, generating one on first run.
func Open(dir string, kr Keyring) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	key, err := loadOrCreateKey(kr)
	if err != nil {
		return nil, err
	}

	return &Vault{dir: dir, key: key, held: make(map[string]*sync.Mutex)}, nil
}

func loadOrCreateKey(kr Keyring) ([]byte, error) {
	encoded, err := kr.Get(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		raw := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("failed to generate vault key: %w", err)
		}
		if err := kr.Set(keyringService, keyringUser, base64.StdEncoding.EncodeToString(raw)); err != nil {
			return nil, fmt.Errorf("failed to store vault key in keyring: %w", err)
		}
		log.Printf("[Vault] Generated new sealing key")
		return raw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault key from keyring: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != chacha20poly1305.KeySize {
		return nil, errors.New("vault key in keyring is corrupt")
	}
	return raw, nil
}

// lock returns the mutex serializing operations for one account.
// Operations on distinct accounts proceed independently.
func (v *Vault) lock(accountID string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.held[accountID]
	if !ok {
		m = &sync.Mutex{}
		v.held[accountID] = m
	}
	return m
}

func (v *Vault) path(accountID string) (string, error) {
	if accountID == "" || strings.ContainsAny(accountID, "/\\") || accountID == "." || accountID == ".." {
		return "", fmt.Errorf("invalid account id %q", accountID)
	}
	return filepath.Join(v.dir, accountID+recordSuffix), nil
}

// Put seals and durably writes the TokenSet for an account. The previous
// record is only replaced once the new one is fully on disk.
func (v *Vault) Put(accountID string, ts TokenSet) error {
	path, err := v.path(accountID)
	if err != nil {
		return err
	}

	m := v.lock(accountID)
	m.Lock()
	defer m.Unlock()

	plaintext, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(accountID))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit credentials: %w", err)
	}
	return nil
}

// Get reads and unseals the TokenSet for an account.
func (v *Vault) Get(accountID string) (TokenSet, error) {
	path, err := v.path(accountID)
	if err != nil {
		return TokenSet{}, err
	}

	m := v.lock(accountID)
	m.Lock()
	defer m.Unlock()

	sealed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return TokenSet{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if err != nil {
		return TokenSet{}, fmt.Errorf("failed to read credentials: %w", err)
	}

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return TokenSet{}, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return TokenSet{}, fmt.Errorf("credential record for %s is truncated", accountID)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(accountID))
	if err != nil {
		return TokenSet{}, fmt.Errorf("failed to unseal credentials for %s: %w", accountID, err)
	}

	var ts TokenSet
	if err := json.Unmarshal(plaintext, &ts); err != nil {
		return TokenSet{}, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return ts, nil
}

// Delete removes the stored TokenSet for an account. Deleting an absent
// record is a no-op.
func (v *Vault) Delete(accountID string) error {
	path, err := v.path(accountID)
	if err != nil {
		return err
	}

	m := v.lock(accountID)
	m.Lock()
	defer m.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// List returns the account ids that currently have stored credentials.
func (v *Vault) List() ([]string, error) {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordSuffix))
	}
	return ids, nil
}
