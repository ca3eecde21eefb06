package domain

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// RouteStatus 路由状态
type RouteStatus string

const (
	RouteStatusActive   RouteStatus = "active"
	RouteStatusInactive RouteStatus = "inactive"
	RouteStatusDraft    RouteStatus = "draft"
)

// PlanAccess 路由访问策略
type PlanAccess string

const (
	PlanAccessPublic        PlanAccess = "public"         // 无需身份
	PlanAccessAnySubscriber PlanAccess = "any_subscriber" // 需要任意已识别用户
	PlanAccessPaidOnly      PlanAccess = "paid_only"      // 需要非默认套餐用户
)

// Route 租户定义的自定义后端路由
type Route struct {
	ID                string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Slug              string         `json:"slug" gorm:"type:varchar(120);index;not null"`
	Method            string         `json:"method" gorm:"type:varchar(10);not null"`
	Status            RouteStatus    `json:"status" gorm:"type:varchar(20);index;default:'active'"`
	Code              string         `json:"code" gorm:"type:text;not null"`
	Packages          datatypes.JSON `json:"packages"` // 已安装包名称的有序列表
	PlanAccess        PlanAccess     `json:"planAccess" gorm:"type:varchar(20);default:'public'"`
	AllowAPIKeyAccess bool           `json:"allowApiKeyAccess"`
	RateLimitPerDay   *int           `json:"rateLimitPerDay,omitempty"`
	ExecutionCount    int64          `json:"executionCount" gorm:"default:0"`
	LastExecutedAt    *time.Time     `json:"lastExecutedAt,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// TableName 指定表名
func (Route) TableName() string {
	return "custom_routes"
}

// IsActive 判断路由是否对网关可见
func (r *Route) IsActive() bool {
	return r.Status == RouteStatusActive
}

// AcceptsMethod 判断请求方法是否与路由声明一致
func (r *Route) AcceptsMethod(method string) bool {
	return strings.EqualFold(r.Method, method)
}

// DailyLimit 返回每日调用上限，未设置或为 0 时第二个返回值为 false
func (r *Route) DailyLimit() (int, bool) {
	if r.RateLimitPerDay == nil || *r.RateLimitPerDay <= 0 {
		return 0, false
	}
	return *r.RateLimitPerDay, true
}

// PackageList 解析已安装包列表，格式错误时返回空列表
func (r *Route) PackageList() []string {
	if len(r.Packages) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(r.Packages, &names); err != nil {
		return nil
	}
	return names
}

// SetPackages 序列化并设置已安装包列表
func (r *Route) SetPackages(names []string) error {
	if names == nil {
		names = []string{}
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return err
	}
	r.Packages = datatypes.JSON(raw)
	return nil
}

// Validate 校验路由定义
func (r *Route) Validate() error {
	if !ValidateSlug(r.Slug) {
		return ErrInvalidSlug
	}
	if !ValidateMethod(r.Method) {
		return ErrInvalidMethod
	}
	switch r.PlanAccess {
	case PlanAccessPublic, PlanAccessAnySubscriber, PlanAccessPaidOnly:
	default:
		return ErrInvalidPlanAccess
	}
	if strings.TrimSpace(r.Code) == "" {
		return ErrEmptyCode
	}
	return nil
}
