package opentera

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/goccy/go-json"

	"pihub/internal/fileutil"
)

// TokenStore keeps device bearer tokens encrypted at rest with an age X25519
// identity. The identity is generated on first use and persisted with 0600
// permissions next to the store.
type TokenStore struct {
	path     string
	identity *age.X25519Identity

	mu     sync.RWMutex
	tokens map[string]string
}

// OpenTokenStore loads (or creates) the identity at keyPath and decrypts the
// token map at path when it exists.
func OpenTokenStore(path, keyPath string) (*TokenStore, error) {
	identity, err := loadIdentity(keyPath)
	if err != nil {
		return nil, err
	}
	store := &TokenStore{path: path, identity: identity, tokens: make(map[string]string)}

	ciphertext, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token store: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt token store: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read decrypted tokens: %w", err)
	}
	if err := json.Unmarshal(plaintext, &store.tokens); err != nil {
		return nil, fmt.Errorf("decode token store: %w", err)
	}
	return store, nil
}

func loadIdentity(keyPath string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		identity, parseErr := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if parseErr != nil {
			return nil, fmt.Errorf("parse token key %s: %w", keyPath, parseErr)
		}
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read token key: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate token key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := fileutil.WriteFileAtomic(keyPath, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write token key: %w", err)
	}
	return identity, nil
}

// Get returns the token for device.
func (s *TokenStore) Get(device string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[device]
	return token, ok && token != ""
}

// Update stores token for device. The file is rewritten only when the value
// changed; the return value reports whether it did.
func (s *TokenStore) Update(device, token string) (bool, error) {
	device = strings.TrimSpace(device)
	token = strings.TrimSpace(token)
	if device == "" || token == "" {
		return false, errors.New("token store: device and token are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.tokens[device]; ok && current == token {
		return false, nil
	}
	previous, had := s.tokens[device]
	s.tokens[device] = token
	if err := s.saveLocked(); err != nil {
		if had {
			s.tokens[device] = previous
		} else {
			delete(s.tokens, device)
		}
		return false, err
	}
	return true, nil
}

// Devices lists devices with a stored token, sorted.
func (s *TokenStore) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]string, 0, len(s.tokens))
	for device := range s.tokens {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	return devices
}

func (s *TokenStore) saveLocked() error {
	plaintext, err := json.Marshal(s.tokens)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("encrypt tokens: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize token encryption: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, ciphertext.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	return nil
}
