package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitegate/backend/internal/clock"
	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/storage"
)

// RateLimitWindow 每日限流的滑动窗口
const RateLimitWindow = 24 * time.Hour

// RateDecision 限流检查结果
type RateDecision struct {
	Allowed bool
	Limited bool // 路由是否设置了上限
	Used    int
	Limit   int
	ResetIn time.Duration // 窗口内最早一条记录滑出窗口的剩余时间
}

// RateLimiter 按路由和调用方身份的 24 小时滑动窗口限流
type RateLimiter struct {
	usage storage.UsageRepository
	clock clock.Clock
}

// NewRateLimiter 创建限流器
func NewRateLimiter(usage storage.UsageRepository, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{usage: usage, clock: clk}
}

// CheckAndRecord 统计窗口内调用次数，未超限时立即写入一条使用记录
//
// 记录在执行前写入，执行失败同样占用名额。路由未设置上限时不做任何读写。
func (l *RateLimiter) CheckAndRecord(ctx context.Context, route *domain.Route, identity domain.UsageIdentity) (RateDecision, error) {
	limit, ok := route.DailyLimit()
	if !ok {
		return RateDecision{Allowed: true}, nil
	}

	now := l.clock.Now()
	since := now.Add(-RateLimitWindow)

	used, err := l.usage.CountUsageSince(ctx, route.ID, identity, since)
	if err != nil {
		return RateDecision{}, fmt.Errorf("count route usage: %w", err)
	}

	decision := RateDecision{Limited: true, Used: used, Limit: limit}
	if used >= limit {
		oldest, err := l.usage.OldestUsageSince(ctx, route.ID, identity, since)
		if err != nil {
			return RateDecision{}, fmt.Errorf("load oldest usage: %w", err)
		}
		decision.ResetIn = RateLimitWindow
		if oldest != nil {
			decision.ResetIn = oldest.Add(RateLimitWindow).Sub(now)
		}
		return decision, nil
	}

	record := &domain.RouteUsageRecord{
		ID:       uuid.New().String(),
		RouteID:  route.ID,
		CalledAt: now,
	}
	if identity.IsUser() {
		userID := identity.UserID
		record.UserID = &userID
	} else {
		ip := identity.IP
		record.IPAddress = &ip
	}
	if err := l.usage.RecordUsage(ctx, record); err != nil {
		return RateDecision{}, fmt.Errorf("record route usage: %w", err)
	}

	decision.Allowed = true
	decision.Used = used + 1
	return decision, nil
}
