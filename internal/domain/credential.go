package domain

// CredentialKind 调用方认证方式
type CredentialKind string

const (
	CredentialAPIKey    CredentialKind = "api_key"
	CredentialSession   CredentialKind = "session"
	CredentialAnonymous CredentialKind = "anonymous"
)

// Credential 每个请求解析出的调用方身份，不持久化
//
// Kind 决定哪些字段有效：
//   - CredentialAPIKey: UserID, KeyID
//   - CredentialSession: UserID
//   - CredentialAnonymous: 无
type Credential struct {
	Kind   CredentialKind
	UserID string
	KeyID  string
}

// APIKeyCredential 构造 API Key 身份
func APIKeyCredential(userID, keyID string) Credential {
	return Credential{Kind: CredentialAPIKey, UserID: userID, KeyID: keyID}
}

// SessionCredential 构造会话身份
func SessionCredential(userID string) Credential {
	return Credential{Kind: CredentialSession, UserID: userID}
}

// Anonymous 构造匿名身份
func Anonymous() Credential {
	return Credential{Kind: CredentialAnonymous}
}

// IsAPIKey 判断是否通过 API Key 认证
func (c Credential) IsAPIKey() bool {
	return c.Kind == CredentialAPIKey
}

// HasIdentity 判断是否解析出了用户
func (c Credential) HasIdentity() bool {
	return c.Kind != CredentialAnonymous && c.Kind != "" && c.UserID != ""
}

// UserIDPtr 返回用户 ID 指针，匿名时为 nil
func (c Credential) UserIDPtr() *string {
	if !c.HasIdentity() {
		return nil
	}
	id := c.UserID
	return &id
}
