package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitegate/backend/internal/clock"
	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/storage"
)

// APIKeyPrefix 原始密钥前缀
const APIKeyPrefix = "sk_"

var (
	ErrAPIKeyInvalid = errors.New("invalid API key")
	ErrAPIKeyExpired = errors.New("API key expired")
	ErrUserInactive  = errors.New("user is inactive")
)

// APIKeyService API Key业务逻辑服务
type APIKeyService struct {
	store storage.Store
	clock clock.Clock
}

// NewAPIKeyService 创建API Key服务
func NewAPIKeyService(store storage.Store, clk clock.Clock) *APIKeyService {
	if clk == nil {
		clk = clock.Real()
	}
	return &APIKeyService{
		store: store,
		clock: clk,
	}
}

// CreateAPIKeyInput 创建API Key的输入参数
type CreateAPIKeyInput struct {
	UserID    string
	Name      string
	ExpiresIn *time.Duration // 过期时间（可选）
}

// CreateAPIKey 创建新的API Key
//
// 参数:
//   - input: 创建参数
//
// 返回值:
//   - *domain.APIKey: 创建的API Key（只含摘要）
//   - string: 原始密钥，只在创建时返回一次
//   - error: 错误信息
func (s *APIKeyService) CreateAPIKey(ctx context.Context, input CreateAPIKeyInput) (*domain.APIKey, string, error) {
	if _, err := s.store.GetUser(ctx, input.UserID); err != nil {
		return nil, "", err
	}

	raw, err := generateAPIKey()
	if err != nil {
		return nil, "", err
	}

	now := s.clock.Now()
	var expiresAt *time.Time
	if input.ExpiresIn != nil {
		t := now.Add(*input.ExpiresIn)
		expiresAt = &t
	}

	apiKey := &domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    input.UserID,
		KeyHash:   HashAPIKey(raw),
		KeyPrefix: raw[:8],
		Name:      input.Name,
		IsActive:  true,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	if err := s.store.SaveAPIKey(ctx, apiKey); err != nil {
		return nil, "", fmt.Errorf("save api key: %w", err)
	}

	return apiKey, raw, nil
}

// ValidateAPIKey 验证原始密钥，返回密钥记录
//
// 密钥必须存在、激活、未过期，且所属用户存在并处于激活状态。
func (s *APIKeyService) ValidateAPIKey(ctx context.Context, raw string) (*domain.APIKey, error) {
	if raw == "" {
		return nil, ErrAPIKeyInvalid
	}

	apiKey, err := s.store.GetAPIKeyByHash(ctx, HashAPIKey(raw))
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return nil, ErrAPIKeyInvalid
		}
		return nil, err
	}

	if !apiKey.IsActive {
		return nil, ErrAPIKeyInvalid
	}
	if apiKey.IsExpired(s.clock.Now()) {
		return nil, ErrAPIKeyExpired
	}

	user, err := s.store.GetUser(ctx, apiKey.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrAPIKeyInvalid
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	return apiKey, nil
}

// TouchLastUsed 更新密钥最后使用时间
func (s *APIKeyService) TouchLastUsed(ctx context.Context, keyID string) error {
	return s.store.UpdateAPIKeyLastUsed(ctx, keyID, s.clock.Now())
}

// HashAPIKey 计算原始密钥的存储摘要
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// generateAPIKey 生成 sk_ 前缀加 48 个 URL 安全字符的随机密钥
func generateAPIKey() (string, error) {
	bytes := make([]byte, 36)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(bytes), nil
}
