package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// APIKeysFileName is the key store file under stateDir.
const APIKeysFileName = "api-keys.json"

// APIKey is one stored provider key. Masked is what list endpoints
// return; the raw key never leaves the store except via Key lookups.
type APIKey struct {
	Key        string `json:"key"`
	Masked     string `json:"masked"`
	Configured bool   `json:"configured"`
	SavedAt    string `json:"savedAt"`
}

// MaskKey renders a key as first4 + **** + last4. Keys too short to
// keep anything secret are fully masked.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func (s *Store) apiKeysPath() string {
	return filepath.Join(s.stateDir, APIKeysFileName)
}

func (s *Store) loadAPIKeys() (map[string]APIKey, error) {
	data, err := os.ReadFile(s.apiKeysPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]APIKey{}, nil
		}
		return nil, fmt.Errorf("read api keys: %w", err)
	}
	keys := map[string]APIKey{}
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse api keys: %w", err)
	}
	return keys, nil
}

func (s *Store) saveAPIKeys(keys map[string]APIKey) error {
	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal api keys: %w", err)
	}
	// Keys are secrets; keep the file owner-only.
	if err := os.WriteFile(s.apiKeysPath(), data, 0600); err != nil {
		return fmt.Errorf("write api keys: %w", err)
	}
	return nil
}

// SetAPIKey stores a provider key, replacing any previous value.
func (s *Store) SetAPIKey(provider, key string) (APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadAPIKeys()
	if err != nil {
		return APIKey{}, err
	}
	entry := APIKey{
		Key:        key,
		Masked:     MaskKey(key),
		Configured: key != "",
		SavedAt:    s.now().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	keys[provider] = entry
	if err := s.saveAPIKeys(keys); err != nil {
		return APIKey{}, err
	}
	return entry, nil
}

// APIKey returns the stored entry for a provider. A provider that was
// never configured returns a zero entry with Configured false.
func (s *Store) APIKey(provider string) (APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadAPIKeys()
	if err != nil {
		return APIKey{}, err
	}
	return keys[provider], nil
}

// MaskedAPIKeys returns all entries with the raw key redacted, keyed by
// provider. This is the shape list endpoints serve.
func (s *Store) MaskedAPIKeys() (map[string]APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadAPIKeys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]APIKey, len(keys))
	for provider, entry := range keys {
		entry.Key = ""
		out[provider] = entry
	}
	return out, nil
}
