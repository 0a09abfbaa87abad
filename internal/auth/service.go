package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"SwapSentinel/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	store Store
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		store: store,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
		if store == nil {
			return nil, errors.New("apikey mode requires a key store")
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if len(cfg.Seeds) > 0 {
		if writer, ok := store.(SeedWriter); ok {
			for _, seed := range cfg.Seeds {
				if err := writer.ApplySeed(ctx, seed); err != nil {
					return nil, fmt.Errorf("apply seed %s: %w", seed.Name, err)
				}
			}
		}
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateKey 校验明文 API 密钥并返回对应的主体信息。
func (s *Service) AuthenticateKey(ctx context.Context, presented string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	key := strings.TrimSpace(presented)
	if key == "" {
		return nil, ErrMissingKey
	}
	if s.store == nil {
		return nil, errors.New("key store not configured")
	}

	fingerprint := Fingerprint(key)
	record, err := s.store.FindKeyByFingerprint(ctx, fingerprint)
	if err != nil || record == nil {
		return nil, ErrInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(fingerprint), []byte(record.Fingerprint)) != 1 {
		return nil, ErrInvalidKey
	}
	if record.Disabled {
		return nil, ErrKeyRevoked
	}

	subject := &Subject{
		ID:          record.ID,
		Name:        record.Name,
		Permissions: append([]string(nil), record.Permissions...),
	}
	subject.normalise()
	return subject, nil
}

// Fingerprint 计算 API 密钥的 SHA-256 指纹（十六进制）。
func Fingerprint(key string) string {
	digest := sha256.Sum256([]byte(key))
	return hex.EncodeToString(digest[:])
}
