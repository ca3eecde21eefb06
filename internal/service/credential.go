package service

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"sitegate/backend/internal/domain"
)

// CredentialSource 单个请求中可能携带凭证的位置
type CredentialSource struct {
	Header  http.Header
	Query   url.Values
	Cookies map[string]string
}

// CredentialResolverConfig 凭证提取位置
type CredentialResolverConfig struct {
	APIKeyHeader string // 默认 X-API-Key
	APIKeyQuery  string // 默认 api_key
	CookieName   string // 默认 session_token
}

// CredentialResolver 按 API Key -> 会话 -> 匿名 的顺序解析调用方身份
type CredentialResolver struct {
	apiKeys  *APIKeyService
	sessions *SessionService
	cfg      CredentialResolverConfig
	log      *zap.Logger
}

// NewCredentialResolver 创建凭证解析器
func NewCredentialResolver(apiKeys *APIKeyService, sessions *SessionService, cfg CredentialResolverConfig, log *zap.Logger) *CredentialResolver {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.APIKeyQuery == "" {
		cfg.APIKeyQuery = "api_key"
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "session_token"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CredentialResolver{
		apiKeys:  apiKeys,
		sessions: sessions,
		cfg:      cfg,
		log:      log,
	}
}

// APIKeyHeader 返回读取 API Key 的请求头名称
func (r *CredentialResolver) APIKeyHeader() string {
	return r.cfg.APIKeyHeader
}

// Resolve 解析调用方身份
//
// 无效的 API Key 不会直接拒绝请求，而是继续尝试会话；只有存储故障才返回错误。
func (r *CredentialResolver) Resolve(ctx context.Context, src CredentialSource) (domain.Credential, error) {
	if raw := r.extractAPIKey(src); raw != "" {
		key, err := r.apiKeys.ValidateAPIKey(ctx, raw)
		switch {
		case err == nil:
			return domain.APIKeyCredential(key.UserID, key.ID), nil
		case errors.Is(err, ErrAPIKeyInvalid), errors.Is(err, ErrAPIKeyExpired), errors.Is(err, ErrUserInactive):
			r.log.Debug("api key rejected", zap.String("prefix", keyPrefix(raw)), zap.Error(err))
		default:
			return domain.Anonymous(), err
		}
	}

	if token := src.Cookies[r.cfg.CookieName]; token != "" && r.sessions != nil {
		session, err := r.sessions.ValidateSession(ctx, token)
		switch {
		case err == nil:
			return domain.SessionCredential(session.UserID), nil
		case errors.Is(err, ErrSessionInvalid):
			r.log.Debug("session rejected")
		default:
			return domain.Anonymous(), err
		}
	}

	return domain.Anonymous(), nil
}

// extractAPIKey 依次检查 API Key 请求头、Bearer 令牌和查询参数
func (r *CredentialResolver) extractAPIKey(src CredentialSource) string {
	if v := strings.TrimSpace(src.Header.Get(r.cfg.APIKeyHeader)); v != "" {
		return v
	}

	if auth := src.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); strings.HasPrefix(token, APIKeyPrefix) {
				return token
			}
		}
	}

	return strings.TrimSpace(src.Query.Get(r.cfg.APIKeyQuery))
}

func keyPrefix(raw string) string {
	if len(raw) > 8 {
		return raw[:8]
	}
	return raw
}
