package domain

import "time"

// RouteUsageRecord 限流计数台账，每条记录对应一次被接受的调用
type RouteUsageRecord struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RouteID   string    `json:"routeId" gorm:"type:varchar(36);index:idx_usage_route_called,priority:1;not null"`
	UserID    *string   `json:"userId,omitempty" gorm:"type:varchar(36);index"`
	IPAddress *string   `json:"ipAddress,omitempty" gorm:"type:varchar(64);index"`
	CalledAt  time.Time `json:"calledAt" gorm:"index:idx_usage_route_called,priority:2;not null"`
}

// TableName 指定表名
func (RouteUsageRecord) TableName() string {
	return "route_usage"
}

// UsageIdentity 限流计数使用的调用方身份：已识别用户优先，否则为来源 IP
type UsageIdentity struct {
	UserID string
	IP     string
}

// IdentityFor 根据调用凭证和来源 IP 构造计数身份
func IdentityFor(cred Credential, ip string) UsageIdentity {
	if cred.HasIdentity() {
		return UsageIdentity{UserID: cred.UserID}
	}
	return UsageIdentity{IP: ip}
}

// IsUser 判断是否按用户计数
func (i UsageIdentity) IsUser() bool {
	return i.UserID != ""
}

// Key 返回身份的字符串形式，用于缓存键和日志
func (i UsageIdentity) Key() string {
	if i.IsUser() {
		return "user:" + i.UserID
	}
	return "ip:" + i.IP
}

// Matches 判断使用记录是否属于该身份
func (i UsageIdentity) Matches(rec *RouteUsageRecord) bool {
	if i.IsUser() {
		return rec.UserID != nil && *rec.UserID == i.UserID
	}
	return rec.UserID == nil && rec.IPAddress != nil && *rec.IPAddress == i.IP
}
