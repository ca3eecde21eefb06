package domain

import "time"

// APIKey API密钥实体，只保存原始密钥的 sha256 摘要
type APIKey struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID     string     `json:"userId" gorm:"type:varchar(36);index;not null"`
	KeyHash    string     `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	KeyPrefix  string     `json:"keyPrefix" gorm:"type:varchar(20);not null"` // 密钥前缀（用于展示）
	Name       string     `json:"name" gorm:"type:varchar(100)"`
	IsActive   bool       `json:"isActive"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`  // 过期时间（可选）
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"` // 最后使用时间
}

// TableName 指定表名
func (APIKey) TableName() string {
	return "api_keys"
}

// IsExpired 判断密钥在给定时间是否已过期
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Usable 判断密钥是否可用于认证
func (k *APIKey) Usable(now time.Time) bool {
	return k.IsActive && !k.IsExpired(now)
}
