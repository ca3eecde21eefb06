package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ConsoleEntry 路由脚本 console 输出的一条结构化记录
type ConsoleEntry struct {
	Type      string    `json:"type"` // log, info, warn, error
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionLog 到达执行阶段的请求的审计记录
type ExecutionLog struct {
	ID              string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RouteID         string         `json:"routeId" gorm:"type:varchar(36);index;not null"`
	UserID          *string        `json:"userId,omitempty" gorm:"type:varchar(36);index"`
	AuthMethod      CredentialKind `json:"authMethod" gorm:"type:varchar(20)"`
	RequestMethod   string         `json:"requestMethod" gorm:"type:varchar(10)"`
	RequestHeaders  datatypes.JSON `json:"requestHeaders"`
	RequestBody     string         `json:"requestBody" gorm:"type:text"`
	RequestQuery    datatypes.JSON `json:"requestQuery"`
	ResponseStatus  int            `json:"responseStatus"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
	ConsoleLogs     datatypes.JSON `json:"consoleLogs"`
	ErrorMessage    *string        `json:"errorMessage,omitempty" gorm:"type:text"`
	ErrorStack      *string        `json:"errorStack,omitempty" gorm:"type:text"`
	IPAddress       string         `json:"ipAddress" gorm:"type:varchar(64)"`
	UserAgent       string         `json:"userAgent" gorm:"type:varchar(512)"`
	CreatedAt       time.Time      `json:"createdAt" gorm:"index"`
}

// TableName 指定表名
func (ExecutionLog) TableName() string {
	return "route_execution_logs"
}

// Failed 判断该次执行是否抛出错误
func (l *ExecutionLog) Failed() bool {
	return l.ErrorMessage != nil
}
