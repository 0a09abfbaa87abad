package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"SwapSentinel/internal/auth"
)

// SQLAuthStore persists API keys in MySQL. Only key fingerprints are
// stored, never the raw key material.
type SQLAuthStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewSQLAuthStore creates the store using the provided connection settings.
func NewSQLAuthStore(ctx context.Context, cfg Config) (*SQLAuthStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAuthStore{db: db, ownsDB: true}, nil
}

// NewSQLAuthStoreWithDB wraps an existing connection pool. The caller keeps
// ownership of the pool and must apply migrations beforehand.
func NewSQLAuthStoreWithDB(db *sql.DB) *SQLAuthStore {
	return &SQLAuthStore{db: db}
}

// Close releases the underlying database connection pool.
func (s *SQLAuthStore) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// FindKeyByFingerprint implements auth.Store.
func (s *SQLAuthStore) FindKeyByFingerprint(ctx context.Context, fingerprint string) (*auth.APIKey, error) {
	const query = `SELECT id, name, fingerprint, permissions, disabled FROM auth_api_keys WHERE fingerprint = ?`
	row := s.db.QueryRowContext(ctx, query, strings.TrimSpace(fingerprint))

	var key auth.APIKey
	var permissions string
	var disabled int
	if err := row.Scan(&key.ID, &key.Name, &key.Fingerprint, &permissions, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("查询 API 密钥失败: %w", err)
	}
	key.Disabled = disabled == 1

	if strings.TrimSpace(permissions) != "" {
		if err := json.Unmarshal([]byte(permissions), &key.Permissions); err != nil {
			return nil, fmt.Errorf("解析密钥权限失败: %w", err)
		}
	}
	return &key, nil
}

// ApplySeed upserts a configured API key. Rotating the raw key under the
// same name replaces the stored fingerprint.
func (s *SQLAuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	name := strings.TrimSpace(seed.Name)
	if name == "" {
		return errors.New("seed key name cannot be empty")
	}
	rawKey := strings.TrimSpace(seed.Key)
	if rawKey == "" {
		return errors.New("seed key cannot be empty")
	}

	permissions, err := json.Marshal(dedupeValues(seed.Permissions))
	if err != nil {
		return fmt.Errorf("序列化密钥权限失败: %w", err)
	}

	now := time.Now().Unix()
	const upsertKey = `INSERT INTO auth_api_keys (name, fingerprint, permissions, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE name = VALUES(name), fingerprint = VALUES(fingerprint), permissions = VALUES(permissions), disabled = VALUES(disabled), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, upsertKey, name, auth.Fingerprint(rawKey), string(permissions), boolToInt(seed.Disabled), now, now); err != nil {
		return fmt.Errorf("保存 API 密钥失败: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dedupeValues(values []string) []string {
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

var (
	_ auth.Store      = (*SQLAuthStore)(nil)
	_ auth.SeedWriter = (*SQLAuthStore)(nil)
)
