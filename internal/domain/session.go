package domain

import "time"

// Session 浏览器登录会话
type Session struct {
	ID        string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID    string     `json:"userId" gorm:"type:varchar(36);index;not null"`
	UserAgent string     `json:"userAgent,omitempty" gorm:"type:varchar(255)"`
	IPAddress string     `json:"ipAddress,omitempty" gorm:"type:varchar(64)"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt" gorm:"index"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// TableName 指定表名
func (Session) TableName() string {
	return "sessions"
}

// Valid 判断会话在给定时间是否有效
func (s *Session) Valid(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
