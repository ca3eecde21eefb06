package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitegate/backend/internal/auth/jwt"
	"sitegate/backend/internal/clock"
	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/storage"
)

var ErrSessionInvalid = errors.New("invalid session")

// SessionService 浏览器会话签发与校验
type SessionService struct {
	store  storage.Store
	tokens *jwt.Manager
	expiry time.Duration
	clock  clock.Clock
}

// NewSessionService 创建会话服务
func NewSessionService(store storage.Store, tokens *jwt.Manager, expiry time.Duration, clk clock.Clock) *SessionService {
	if clk == nil {
		clk = clock.Real()
	}
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	return &SessionService{
		store:  store,
		tokens: tokens.WithClock(clk.Now),
		expiry: expiry,
		clock:  clk,
	}
}

// IssueSessionInput 签发会话的参数
type IssueSessionInput struct {
	UserID    string
	UserAgent string
	IPAddress string
}

// IssueSession 创建会话记录并签发令牌
func (s *SessionService) IssueSession(ctx context.Context, input IssueSessionInput) (*domain.Session, string, error) {
	if _, err := s.store.GetUser(ctx, input.UserID); err != nil {
		return nil, "", err
	}

	now := s.clock.Now()
	session := &domain.Session{
		ID:        uuid.New().String(),
		UserID:    input.UserID,
		UserAgent: input.UserAgent,
		IPAddress: input.IPAddress,
		CreatedAt: now,
		ExpiresAt: now.Add(s.expiry),
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, "", fmt.Errorf("save session: %w", err)
	}

	token, err := s.tokens.Sign(session.UserID, session.ID, session.ExpiresAt)
	if err != nil {
		return nil, "", err
	}
	return session, token, nil
}

// ValidateSession 校验令牌，并确认会话存在、属于令牌用户且未撤销未过期
func (s *SessionService) ValidateSession(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, ErrSessionInvalid
	}

	session, err := s.store.GetSession(ctx, claims.SessionID())
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}

	if session.UserID != claims.UserID() || !session.Valid(s.clock.Now()) {
		return nil, ErrSessionInvalid
	}
	return session, nil
}
