package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"

	"github.com/gosimple/slug"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail      = errors.New("invalid email format")
	ErrEmailTooLong      = errors.New("email address too long")
	ErrInvalidSlug       = errors.New("invalid route slug")
	ErrInvalidMethod     = errors.New("invalid http method")
	ErrInvalidPlanAccess = errors.New("invalid plan access")
	ErrEmptyCode         = errors.New("route code is empty")
)

// 验证常量
const (
	MaxEmailLength = 254 // RFC 5322 邮箱地址最大长度
	MaxSlugLength  = 120
)

var localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*$`)

// 网关支持的请求方法
var allowedMethods = map[string]struct{}{
	"GET":     {},
	"POST":    {},
	"PUT":     {},
	"PATCH":   {},
	"DELETE":  {},
	"HEAD":    {},
	"OPTIONS": {},
}

// ValidateEmail 校验邮箱地址格式
func ValidateEmail(email string) bool {
	if email == "" || len(email) > MaxEmailLength {
		return false
	}
	if strings.ContainsAny(email, " \t") {
		return false
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	if !localPartRegex.MatchString(parts[0]) || !strings.Contains(parts[1], ".") {
		return false
	}

	_, err := mail.ParseAddress(email)
	return err == nil
}

// NormalizeSlug 将任意标题转换为路由 slug
func NormalizeSlug(title string) string {
	s := slug.Make(title)
	if len(s) > MaxSlugLength {
		s = strings.TrimRight(s[:MaxSlugLength], "-")
	}
	return s
}

// ValidateSlug 校验 slug 是否为规范形式
func ValidateSlug(s string) bool {
	return s != "" && len(s) <= MaxSlugLength && slug.IsSlug(s)
}

// ValidateMethod 校验路由声明的请求方法
func ValidateMethod(method string) bool {
	_, ok := allowedMethods[strings.ToUpper(method)]
	return ok
}
