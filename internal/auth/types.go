package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidKey       = errors.New("invalid api key")
	ErrMissingKey       = errors.New("missing api key")
	ErrPermissionDenied = errors.New("permission denied")
	ErrKeyRevoked       = errors.New("api key is disabled")
)

// Store abstracts the persistent key catalogue used by the authentication
// service. Implementations must be safe for concurrent use.
type Store interface {
	FindKeyByFingerprint(ctx context.Context, fingerprint string) (*APIKey, error)
}

// SeedWriter is implemented by stores that can upsert seed keys for
// bootstrapping.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// APIKey represents a persisted credential. Only the SHA-256 fingerprint of
// the raw key is stored.
type APIKey struct {
	ID          int64
	Name        string
	Fingerprint string
	Permissions []string
	Disabled    bool
}

// Subject captures the information attached to authenticated requests and
// passed to handlers via context.
type Subject struct {
	ID          int64
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// Normalise ensures internal caches are populated for exported use cases.
func (s *Subject) Normalise() {
	s.normalise()
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidKey
	}
	if s.Disabled {
		return ErrKeyRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone creates a copy of the subject suitable for embedding in contexts.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:          s.ID,
		Name:        s.Name,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// Config configures the authentication service.
type Config struct {
	Mode  Mode
	Seeds []Seed
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "apikey"
)

// Seed defines an initial API key to bootstrap. Key holds the raw secret;
// only its fingerprint survives into the store.
type Seed struct {
	Name        string
	Key         string
	Permissions []string
	Disabled    bool
}
