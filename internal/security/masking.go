package security

import (
	"net/http"
	"strings"
)

const maskToken = "****"

// MaskSecret 遮盖密钥，只保留末尾 4 个字符用于审计比对
//
// 带下划线前缀的密钥（如 sk_xxx）保留前缀。
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskAuthorization 遮盖 Authorization 头，保留认证方案
func MaskAuthorization(value string) string {
	scheme, credential, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return MaskSecret(value)
	}
	return scheme + " " + MaskSecret(credential)
}

// HeaderMasker 把请求头转换为审计用的扁平结构
type HeaderMasker struct {
	sensitive map[string]bool
}

// NewHeaderMasker 创建请求头遮盖器，authorization 与 cookie 总是被遮盖
func NewHeaderMasker(extra ...string) *HeaderMasker {
	m := &HeaderMasker{sensitive: map[string]bool{
		"authorization":       true,
		"cookie":              true,
		"proxy-authorization": true,
	}}
	for _, name := range extra {
		if name != "" {
			m.sensitive[strings.ToLower(name)] = true
		}
	}
	return m
}

// Mask 返回小写键名的请求头副本，多值以逗号连接
func (m *HeaderMasker) Mask(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		key := strings.ToLower(name)
		value := strings.Join(values, ", ")
		if m.sensitive[key] {
			switch key {
			case "authorization", "proxy-authorization":
				value = MaskAuthorization(value)
			case "cookie":
				value = maskCookies(value)
			default:
				value = MaskSecret(value)
			}
		}
		out[key] = value
	}
	return out
}

// maskCookies 保留 cookie 名称，只遮盖取值
func maskCookies(value string) string {
	parts := strings.Split(value, ";")
	for i, part := range parts {
		name, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			parts[i] = MaskSecret(part)
			continue
		}
		parts[i] = name + "=" + MaskSecret(v)
	}
	return strings.Join(parts, "; ")
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
