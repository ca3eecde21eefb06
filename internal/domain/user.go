package domain

import "time"

// User 表示注册用户的业务实体
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email        string    `json:"email" gorm:"uniqueIndex;type:varchar(255);not null"`
	Name         string    `json:"name,omitempty" gorm:"type:varchar(100)"`
	PlanID       *string   `json:"planId,omitempty" gorm:"type:varchar(36);index"`
	APICallsUsed int64     `json:"apiCallsUsed" gorm:"default:0"`
	IsActive     bool      `json:"isActive" gorm:"default:true"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// Plan 订阅套餐
type Plan struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name      string    `json:"name" gorm:"type:varchar(100);not null"`
	APILimit  int64     `json:"apiLimit" gorm:"default:0"` // 0 表示不限
	IsDefault bool      `json:"isDefault" gorm:"default:false"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (Plan) TableName() string {
	return "plans"
}

// IsFree 判断套餐是否为默认免费套餐，nil 视为免费
func (p *Plan) IsFree() bool {
	return p == nil || p.IsDefault
}

// UserCredit 用户 API 调用额度状态
type UserCredit struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"` // 0 表示不限
}

// Allows 判断是否还有剩余额度
func (c UserCredit) Allows() bool {
	return c.Limit == 0 || c.Used < c.Limit
}
