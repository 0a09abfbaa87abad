package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore provides an in-memory implementation of the Store interface,
// intended for static key catalogues loaded from configuration.
type MemoryStore struct {
	mu     sync.RWMutex
	keys   []*APIKey
	nextID int64
}

// NewMemoryStore initialises the store with the provided seed keys.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{nextID: 1}
	for _, seed := range seeds {
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed implements the SeedWriter interface.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := strings.TrimSpace(seed.Key)
	if raw == "" {
		return errors.New("seed key cannot be empty")
	}
	name := strings.TrimSpace(seed.Name)
	if name == "" {
		return errors.New("seed key name cannot be empty")
	}
	fingerprint := Fingerprint(raw)
	for _, existing := range s.keys {
		if existing.Fingerprint == fingerprint {
			existing.Name = name
			existing.Permissions = dedupeStrings(seed.Permissions)
			existing.Disabled = seed.Disabled
			return nil
		}
	}
	if s.nextID == 0 {
		s.nextID = 1
	}
	s.keys = append(s.keys, &APIKey{
		ID:          s.nextID,
		Name:        name,
		Fingerprint: fingerprint,
		Permissions: dedupeStrings(seed.Permissions),
		Disabled:    seed.Disabled,
	})
	s.nextID++
	return nil
}

// FindKeyByFingerprint retrieves the key record. The scan always touches
// every entry so lookup time does not depend on which key matched.
func (s *MemoryStore) FindKeyByFingerprint(_ context.Context, fingerprint string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *APIKey
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key.Fingerprint), []byte(fingerprint)) == 1 {
			found = key
		}
	}
	if found == nil {
		return nil, errors.New("key not found")
	}
	clone := *found
	clone.Permissions = append([]string(nil), found.Permissions...)
	return &clone, nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}

var _ Store = (*MemoryStore)(nil)
var _ SeedWriter = (*MemoryStore)(nil)
