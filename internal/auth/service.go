package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"CivicNotice/pkg/logger"
)

// HeaderAPIKey 是除 Authorization: Bearer 之外接受的请求头。
const HeaderAPIKey = "X-API-Key"

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	keys  []storedKey
	audit *slog.Logger
}

// storedKey 只保存密钥摘要，比较时使用常量时间。
type storedKey struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("api_key mode requires at least one key")
	}
	seen := make(map[string]struct{}, len(cfg.Keys))
	for i, key := range cfg.Keys {
		name := strings.TrimSpace(key.Name)
		if name == "" {
			name = fmt.Sprintf("key-%d", i+1)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate api key name %q", name)
		}
		seen[name] = struct{}{}

		digest, err := keyDigest(key)
		if err != nil {
			return nil, fmt.Errorf("api key %q: %w", name, err)
		}
		subject := &Subject{Name: name, Permissions: key.Permissions, Disabled: key.Disabled}
		subject.normalise()
		svc.keys = append(svc.keys, storedKey{digest: digest, subject: subject})
	}
	return svc, nil
}

func keyDigest(key Key) ([sha256.Size]byte, error) {
	var digest [sha256.Size]byte
	if plain := strings.TrimSpace(key.Key); plain != "" {
		return sha256.Sum256([]byte(plain)), nil
	}
	encoded := strings.TrimSpace(key.SHA256)
	if encoded == "" {
		return digest, fmt.Errorf("either key or sha256 must be set")
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != sha256.Size {
		return digest, fmt.Errorf("sha256 must be a %d-byte hex digest", sha256.Size)
	}
	copy(digest[:], raw)
	return digest, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled 报告是否需要校验请求。
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// AuthenticateRequest 从 Authorization 或 X-API-Key 请求头解析调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization, apiKey string) (*Subject, error) {
	token := strings.TrimSpace(apiKey)
	if token == "" {
		authorization = strings.TrimSpace(authorization)
		if len(authorization) > 7 && strings.EqualFold(authorization[:7], "bearer ") {
			token = strings.TrimSpace(authorization[7:])
		}
	}
	if token == "" {
		return nil, ErrMissingKey
	}

	digest := sha256.Sum256([]byte(token))
	var matched *Subject
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], key.digest[:]) == 1 {
			matched = key.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	if matched.Disabled {
		return nil, ErrSubjectRevoked
	}
	return matched.Clone(), nil
}
